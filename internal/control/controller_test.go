package control

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePin backs both outputs and inputs in tests.
type fakePin struct {
	on atomic.Bool
}

func (p *fakePin) Set(on bool) { p.on.Store(on) }
func (p *fakePin) Get() bool   { return p.on.Load() }
func (p *fakePin) Pressed() bool {
	return p.on.Load()
}

func fastOpts() Options {
	opts := DefaultOptions()
	opts.WatchdogInterval = 10 * time.Millisecond
	opts.MinStopDelay = time.Millisecond
	opts.FlowGrace = 50 * time.Millisecond
	opts.FlowCapacity = 16
	return opts
}

func newTestController(opts Options) (*Controller, *fakePin, *fakePin, *fakePin) {
	relay := &fakePin{}
	paddle := &fakePin{}
	connect := &fakePin{}
	return New(relay, paddle, connect, DefaultMemories(), opts), relay, paddle, connect
}

func TestMemoryRotation(t *testing.T) {
	c, _, _, _ := newTestController(fastOpts())

	require.Equal(t, "A", c.CurrentMemory().Name)
	c.RotateMemory()
	assert.Equal(t, "B", c.CurrentMemory().Name, "one rotation moves the second recipe to the head")

	// Rotating N times total restores the original head.
	c.RotateMemory()
	c.RotateMemory()
	assert.Equal(t, "A", c.CurrentMemory().Name)
}

func TestRotationDoesNotMutateValues(t *testing.T) {
	c, _, _, _ := newTestController(fastOpts())
	c.ChangeTarget(2.5)
	before := c.MemorySnapshot()

	for i := 0; i < 3; i++ {
		c.RotateMemory()
	}
	assert.Equal(t, before, c.MemorySnapshot())
}

func TestStartShotEnergizesRelayBeforeTare(t *testing.T) {
	c, relay, paddle, _ := newTestController(fastOpts())
	paddle.Set(true)

	relayAtTare := false
	c.SetTareHandler(func() error {
		relayAtTare = relay.Get()
		return nil
	})

	c.StartShot()
	assert.True(t, c.IsRelayOn())
	assert.True(t, relayAtTare, "relay must already be on when the tare fires")
}

func TestStartShotSurvivesTareFailure(t *testing.T) {
	c, _, paddle, _ := newTestController(fastOpts())
	paddle.Set(true)
	c.SetTareHandler(func() error { return assert.AnError })

	c.StartShot()
	assert.True(t, c.IsRelayOn(), "a failed tare must never block water flow")
	assert.Greater(t, c.ShotElapsed(), 0.0)
}

func TestStartShotIdempotent(t *testing.T) {
	c, _, paddle, _ := newTestController(fastOpts())
	paddle.Set(true)

	tares := 0
	c.SetTareHandler(func() error { tares++; return nil })

	c.StartShot()
	c.StartShot()
	assert.Equal(t, 1, tares, "second StartShot while running must be ignored")
}

func TestShotStopAtThreshold(t *testing.T) {
	// target=36.0, overshoot=1.0 => stop threshold 35.0
	c, _, paddle, _ := newTestController(fastOpts())
	paddle.Set(true)
	c.StartShot()
	time.Sleep(5 * time.Millisecond) // past the stop-check hold-off

	assert.False(t, c.CheckTargetStop(34.0))
	assert.True(t, c.IsRelayOn())
	assert.False(t, c.CheckTargetStop(34.9))
	assert.True(t, c.IsRelayOn())
	assert.True(t, c.CheckTargetStop(35.1), "35.1 crosses threshold 35.0")
	assert.False(t, c.IsRelayOn())
}

func TestStopCheckHeldOffEarlyInShot(t *testing.T) {
	opts := fastOpts()
	opts.MinStopDelay = time.Hour
	c, _, paddle, _ := newTestController(opts)
	paddle.Set(true)
	c.StartShot()

	assert.False(t, c.CheckTargetStop(100.0), "tare transients early in the shot must not end it")
	assert.True(t, c.IsRelayOn())
}

func TestDisableRelayIdempotentAndFreezesTimer(t *testing.T) {
	c, _, paddle, _ := newTestController(fastOpts())
	assert.Zero(t, c.ShotElapsed(), "no shot yet reads as zero elapsed")

	paddle.Set(true)
	c.StartShot()
	time.Sleep(20 * time.Millisecond)
	c.DisableRelay()
	frozen := c.ShotElapsed()
	assert.Greater(t, frozen, 0.0)

	time.Sleep(20 * time.Millisecond)
	c.DisableRelay() // no-op
	assert.Equal(t, frozen, c.ShotElapsed(), "elapsed must freeze at off-time")
}

func TestPersistOnlyWhileScaleConnected(t *testing.T) {
	c, _, paddle, _ := newTestController(fastOpts())
	saved := make(chan []TargetMemory, 1)
	c.SetPersistFunc(func(snap []TargetMemory) { saved <- snap })

	paddle.Set(true)
	c.StartShot()
	c.SetScaleConnected(false)
	c.DisableRelay()
	select {
	case <-saved:
		t.Fatal("persisted while scale disconnected")
	case <-time.After(30 * time.Millisecond):
	}

	c.StartShot()
	c.SetScaleConnected(true)
	c.DisableRelay()
	select {
	case snap := <-saved:
		require.Len(t, snap, 3)
		// Deep snapshot: mutations must not reach the controller.
		snap[0].Target = 999
		assert.NotEqual(t, 999.0, c.CurrentMemory().Target)
	case <-time.After(time.Second):
		t.Fatal("no persist after a connected shot")
	}
}

func TestGhostStartForcedOff(t *testing.T) {
	c, _, paddle, _ := newTestController(fastOpts())
	paddle.Set(true)
	c.StartShot()
	require.True(t, c.IsRelayOn())

	// Paddle now reads released while the relay is still on: a ghost start
	// surviving a reconnect cycle.
	paddle.Set(false)
	c.OnLinkEstablished()
	assert.False(t, c.IsRelayOn(), "ghost start must force the relay off")
}

func TestGhostCheckLeavesHonestShotAlone(t *testing.T) {
	c, _, paddle, _ := newTestController(fastOpts())
	paddle.Set(true)
	c.StartShot()
	c.OnLinkEstablished()
	assert.True(t, c.IsRelayOn(), "paddle-confirmed shot must survive the ghost check")
}

func TestWatchdogCutsRelayOnReleasedPaddle(t *testing.T) {
	c, _, paddle, _ := newTestController(fastOpts())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	paddle.Set(true)
	c.StartShot()
	require.True(t, c.IsRelayOn())

	paddle.Set(false)
	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) && c.IsRelayOn() {
		time.Sleep(time.Millisecond)
	}
	assert.False(t, c.IsRelayOn(), "watchdog must cut the relay within two check intervals")
}

func TestWatchdogLeavesPressedPaddleAlone(t *testing.T) {
	c, _, paddle, _ := newTestController(fastOpts())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	paddle.Set(true)
	c.StartShot()
	time.Sleep(40 * time.Millisecond)
	assert.True(t, c.IsRelayOn(), "pressed paddle must keep the relay on")
}

func TestHeldTargetAdjustSnapsAndSuppressesRelease(t *testing.T) {
	c, _, _, _ := newTestController(fastOpts())
	c.ChangeTarget(0.5) // 36.5

	c.ChangeTargetHeld(1) // floor(36.5)+1 = 37
	assert.Equal(t, 37.0, c.CurrentMemory().Target)

	// Buttons fire a release delta after the hold; it must be suppressed.
	c.ChangeTarget(0.1)
	assert.Equal(t, 37.0, c.CurrentMemory().Target)

	// The next plain adjustment applies again.
	c.ChangeTarget(0.1)
	assert.InDelta(t, 37.1, c.CurrentMemory().Target, 1e-9)

	c.ChangeTargetHeld(-1) // ceil(37.1)-1 = 37
	assert.Equal(t, 37.0, c.CurrentMemory().Target)
}

func TestFlowSamplesGatedByRelayAndGrace(t *testing.T) {
	c, _, paddle, _ := newTestController(fastOpts())

	c.AddFlowSample(1.0)
	assert.Empty(t, c.FlowSnapshot(), "no samples before any shot")

	paddle.Set(true)
	c.StartShot()
	c.AddFlowSample(2.0)
	c.DisableRelay()
	c.AddFlowSample(3.0) // inside the grace window
	assert.Equal(t, []float64{2, 3}, c.FlowSnapshot())

	time.Sleep(60 * time.Millisecond) // past the 50ms grace
	c.AddFlowSample(4.0)
	assert.Equal(t, []float64{2, 3}, c.FlowSnapshot())
}

func TestAutoSleepAndWake(t *testing.T) {
	opts := fastOpts()
	opts.IdleTimeout = 30 * time.Millisecond
	opts.SleepPause = 0
	c, _, _, _ := newTestController(opts)

	woke := make(chan struct{}, 1)
	c.SetWakeHook(func() { woke <- struct{}{} })

	assert.False(t, c.CheckAutoSleep())
	time.Sleep(40 * time.Millisecond)
	assert.True(t, c.CheckAutoSleep())
	assert.True(t, c.Sleeping())

	c.RegisterActivity()
	assert.False(t, c.Sleeping(), "any activity must clear sleep immediately")
	select {
	case <-woke:
	case <-time.After(time.Second):
		t.Fatal("wake hook never fired")
	}
}

func TestRunningShotBlocksSleep(t *testing.T) {
	opts := fastOpts()
	opts.IdleTimeout = 10 * time.Millisecond
	c, _, paddle, _ := newTestController(opts)

	paddle.Set(true)
	c.StartShot()
	time.Sleep(30 * time.Millisecond)
	assert.False(t, c.CheckAutoSleep(), "a running shot always counts as activity")
	assert.False(t, c.Sleeping())
}

func TestTimeBoxedSleepAutoWakes(t *testing.T) {
	opts := fastOpts()
	opts.IdleTimeout = 10 * time.Millisecond
	opts.SleepPause = 30 * time.Millisecond
	c, _, _, _ := newTestController(opts)

	time.Sleep(20 * time.Millisecond)
	require.True(t, c.CheckAutoSleep())

	time.Sleep(40 * time.Millisecond)
	c.CheckAutoSleep()
	assert.False(t, c.Sleeping(), "sleep must end by itself after the sleep pause")
}

func TestEventChannelDrivesController(t *testing.T) {
	c, _, paddle, _ := newTestController(fastOpts())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	paddle.Set(true)
	c.Events() <- InputEvent{Kind: EventRotateMemory}
	c.Events() <- InputEvent{Kind: EventPaddlePress}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && !c.IsRelayOn() {
		time.Sleep(time.Millisecond)
	}
	assert.True(t, c.IsRelayOn())
	assert.Equal(t, "B", c.CurrentMemory().Name)
}

func TestApplyOvershootSetsImageFlag(t *testing.T) {
	c, _, _, _ := newTestController(fastOpts())

	assert.False(t, c.TakeImageSaveFlag())
	require.True(t, c.ApplyOvershoot(36.4))
	assert.InDelta(t, 1.4, c.CurrentMemory().Overshoot, 1e-9)
	assert.True(t, c.TakeImageSaveFlag())
	assert.False(t, c.TakeImageSaveFlag(), "flag is read-and-clear")

	// A rejected update must not flag the image.
	require.False(t, c.ApplyOvershoot(60.0))
	assert.False(t, c.TakeImageSaveFlag())
}
