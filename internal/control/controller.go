package control

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// DigitalOutput is the relay capability. Implementations must make Set
// observable through Get immediately.
type DigitalOutput interface {
	Set(on bool)
	Get() bool
}

// DigitalInput is a button or switch level read.
type DigitalInput interface {
	Pressed() bool
}

// EventKind enumerates user inputs delivered to the controller.
type EventKind int

const (
	// EventTare asks the scale to tare.
	EventTare EventKind = iota
	// EventRotateMemory moves the next recipe to the head of rotation.
	EventRotateMemory
	// EventTargetDelta adjusts the current recipe's target. Held deltas
	// snap to an integer boundary and suppress the paired release delta.
	EventTargetDelta
	// EventPaddlePress is the brew paddle opening: start a shot.
	EventPaddlePress
)

// InputEvent is one user input, delivered on a single ordered channel so
// activity tracking and ordering stay auditable.
type InputEvent struct {
	Kind  EventKind
	Delta float64
	Held  bool
}

// Options tunes controller timing. Zero IdleTimeout disables auto-sleep;
// zero SleepPause disables the time-boxed auto-wake.
type Options struct {
	WatchdogInterval time.Duration
	FlowGrace        time.Duration
	MinStopDelay     time.Duration
	IdleTimeout      time.Duration
	SleepPause       time.Duration
	FlowCapacity     int
}

// DefaultOptions returns the reference timing.
func DefaultOptions() Options {
	return Options{
		WatchdogInterval: 50 * time.Millisecond,
		FlowGrace:        3 * time.Second,
		MinStopDelay:     1500 * time.Millisecond,
		IdleTimeout:      300 * time.Second,
		SleepPause:       360 * time.Second,
		FlowCapacity:     600,
	}
}

// Controller owns the relay and everything that can decide to stop flow.
// Single-writer discipline: memories and flow history are mutated only from
// the orchestrator/event path; relay state is mirrored in an atomic for
// lock-free watchdog reads.
type Controller struct {
	relay         DigitalOutput
	paddle        DigitalInput
	connectSwitch DigitalInput
	opts          Options

	// Wiring hooks, set before Run.
	persist func([]TargetMemory) // called with a deep snapshot, off the hot path
	tare    func() error         // best-effort remote tare
	onWake  func()               // fired on leaving sleep

	relayOn      atomic.Bool
	sleeping     atomic.Bool
	scaleOn      atomic.Bool
	lastActivity atomic.Int64 // unix nanos

	events chan InputEvent

	mu           sync.Mutex
	memories     []TargetMemory
	flow         *flowRing
	relayOffTime time.Time
	shotStart    time.Time // zero = no shot yet
	sleepStart   time.Time
	targetHeld   bool
	needsSave    bool // display image wants persisting
}

// New creates a controller around the given pins and recipe set.
func New(relay DigitalOutput, paddle, connectSwitch DigitalInput, memories []TargetMemory, opts Options) *Controller {
	c := &Controller{
		relay:         relay,
		paddle:        paddle,
		connectSwitch: connectSwitch,
		opts:          opts,
		memories:      append([]TargetMemory(nil), memories...),
		flow:          newFlowRing(opts.FlowCapacity),
		events:        make(chan InputEvent, 16),
	}
	c.lastActivity.Store(time.Now().UnixNano())
	c.relayOn.Store(relay.Get())
	return c
}

// SetPersistFunc installs the async memory-snapshot save hook.
func (c *Controller) SetPersistFunc(fn func([]TargetMemory)) { c.persist = fn }

// SetTareHandler installs the scale tare callback.
func (c *Controller) SetTareHandler(fn func() error) { c.tare = fn }

// SetWakeHook installs a callback fired whenever sleep ends.
func (c *Controller) SetWakeHook(fn func()) { c.onWake = fn }

// Events is the input channel; button wiring sends into it.
func (c *Controller) Events() chan<- InputEvent { return c.events }

// Run starts the watchdog and consumes input events until ctx is done.
func (c *Controller) Run(ctx context.Context) {
	go c.watchdogLoop(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-c.events:
			c.HandleEvent(ev)
		}
	}
}

// HandleEvent applies one input event. Every event counts as activity.
func (c *Controller) HandleEvent(ev InputEvent) {
	c.RegisterActivity()
	switch ev.Kind {
	case EventTare:
		c.doTare()
	case EventRotateMemory:
		c.RotateMemory()
	case EventTargetDelta:
		if ev.Held {
			c.ChangeTargetHeld(ev.Delta)
		} else {
			c.ChangeTarget(ev.Delta)
		}
	case EventPaddlePress:
		c.StartShot()
	}
}

// IsRelayOn reports relay state; safe from any goroutine.
func (c *Controller) IsRelayOn() bool {
	return c.relayOn.Load()
}

// ShouldConnect reports the scale-connect toggle switch position.
func (c *Controller) ShouldConnect() bool {
	return c.connectSwitch.Pressed()
}

// SetScaleConnected records the link state observed by the orchestrator.
// Persisting calibration only happens while this is true.
func (c *Controller) SetScaleConnected(on bool) {
	c.scaleOn.Store(on)
}

// StartShot energizes the relay. Idempotent while a shot runs. The relay
// goes on before the tare attempt: flow takes priority over calibration,
// and a failed tare must never block or delay water.
func (c *Controller) StartShot() {
	if !c.relayOn.CompareAndSwap(false, true) {
		return
	}
	slog.Info("[control] start shot")
	c.mu.Lock()
	c.flow.clear()
	c.shotStart = time.Now()
	c.mu.Unlock()
	c.relay.Set(true)
	c.doTare()
}

func (c *Controller) doTare() {
	if c.tare == nil {
		return
	}
	if err := c.tare(); err != nil {
		slog.Warn("[control] tare failed", "error", err)
	}
}

// DisableRelay de-energizes the relay. Idempotent. Records the off time
// that anchors the flow-history grace window and the frozen shot timer,
// and persists a deep memory snapshot off the hot path when the scale is
// known-connected.
func (c *Controller) DisableRelay() {
	if !c.relayOn.CompareAndSwap(true, false) {
		return
	}
	slog.Info("[control] disable relay")
	c.mu.Lock()
	c.relayOffTime = time.Now()
	c.mu.Unlock()
	c.relay.Set(false)

	if c.scaleOn.Load() {
		if c.persist != nil {
			go c.persist(c.MemorySnapshot())
		}
	} else {
		slog.Info("[control] scale disconnected, skipping memory save")
	}
}

// forceRelayOff cuts flow without the persistence side effects; used for
// the ghost-start safety path.
func (c *Controller) forceRelayOff() {
	if !c.relayOn.CompareAndSwap(true, false) {
		return
	}
	c.mu.Lock()
	c.relayOffTime = time.Now()
	c.mu.Unlock()
	c.relay.Set(false)
}

// OnLinkEstablished runs the post-connect safety checks: a relay that is on
// without the paddle pressed is a ghost start surviving a reconnect cycle
// and must be cut immediately. Connecting also clears stale flow history
// and counts as activity.
func (c *Controller) OnLinkEstablished() {
	c.RegisterActivity()
	c.mu.Lock()
	c.flow.clear()
	c.mu.Unlock()
	if c.IsRelayOn() && !c.paddle.Pressed() {
		slog.Warn("[control] ghost start detected during connection, forcing relay off")
		c.forceRelayOff()
	}
}

// CheckTargetStop decides whether the current weight has reached the stop
// threshold (target − overshoot) and cuts the relay if so. The first
// moments of a shot are skipped so tare transients cannot end it.
func (c *Controller) CheckTargetStop(weight float64) bool {
	if !c.IsRelayOn() {
		return false
	}
	if c.ShotElapsed() < c.opts.MinStopDelay.Seconds() {
		return false
	}
	c.mu.Lock()
	threshold := c.memories[0].StopThreshold()
	c.mu.Unlock()
	if weight > threshold {
		c.DisableRelay()
		return true
	}
	return false
}

// ShotElapsed returns elapsed shot seconds: live while the relay is on,
// frozen at off-time once it is off, zero when no shot has run.
func (c *Controller) ShotElapsed() float64 {
	c.mu.Lock()
	start := c.shotStart
	off := c.relayOffTime
	c.mu.Unlock()
	if start.IsZero() {
		return 0
	}
	if c.IsRelayOn() {
		return time.Since(start).Seconds()
	}
	return off.Sub(start).Seconds()
}

// AddFlowSample records one flow-rate sample while the relay is on, plus a
// short grace window after relay-off so the display keeps its tail.
func (c *Controller) AddFlowSample(gramsPerSec float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.relayOn.Load() || time.Since(c.relayOffTime) < c.opts.FlowGrace {
		c.flow.push(gramsPerSec)
	}
}

// FlowSnapshot copies the flow history for the display sink.
func (c *Controller) FlowSnapshot() []float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flow.snapshot()
}

// CurrentMemory returns a copy of the head recipe.
func (c *Controller) CurrentMemory() TargetMemory {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.memories[0]
}

// MemorySnapshot deep-copies the recipe set in rotation order.
func (c *Controller) MemorySnapshot() []TargetMemory {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]TargetMemory(nil), c.memories...)
}

// RotateMemory moves the head recipe to the back. Pure reordering.
func (c *Controller) RotateMemory() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.memories) < 2 {
		return
	}
	head := c.memories[0]
	copy(c.memories, c.memories[1:])
	c.memories[len(c.memories)-1] = head
}

// ChangeTarget applies a fine target adjustment, unless the previous
// adjustment was a held one: buttons fire a release delta after every hold
// and that paired release must be suppressed.
func (c *Controller) ChangeTarget(delta float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.targetHeld {
		c.targetHeld = false
		return
	}
	c.memories[0].Target += delta
}

// ChangeTargetHeld applies a coarse adjustment that snaps to an integer
// boundary in the direction of travel.
func (c *Controller) ChangeTargetHeld(delta float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.targetHeld = true
	t := c.memories[0].Target
	if delta > 0 {
		c.memories[0].Target = math.Floor(t) + math.Floor(delta)
	} else if delta < 0 {
		c.memories[0].Target = math.Ceil(t) + math.Ceil(delta)
	}
}

// ApplyOvershoot folds the observed final weight into the current recipe's
// correction and flags the display image for saving on success.
func (c *Controller) ApplyOvershoot(finalWeight float64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.memories[0].UpdateOvershoot(finalWeight) {
		return false
	}
	c.needsSave = true
	return true
}

// TakeImageSaveFlag reads and clears the image-needs-save flag.
func (c *Controller) TakeImageSaveFlag() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := c.needsSave
	c.needsSave = false
	return v
}

// RegisterActivity resets the inactivity timer and wakes the controller.
func (c *Controller) RegisterActivity() {
	c.lastActivity.Store(time.Now().UnixNano())
	c.wake()
}

func (c *Controller) wake() {
	if !c.sleeping.CompareAndSwap(true, false) {
		return
	}
	slog.Info("[control] activity detected, waking up")
	if c.onWake != nil {
		c.onWake()
	}
}

// Sleeping reports the auto-sleep state.
func (c *Controller) Sleeping() bool {
	return c.sleeping.Load()
}

// CheckAutoSleep advances the sleep state machine. A running shot always
// counts as activity; sleep is entered after the idle timeout and, in the
// time-boxed variant, exits by itself after the sleep pause. Returns true
// when this call entered sleep.
func (c *Controller) CheckAutoSleep() bool {
	if c.opts.IdleTimeout <= 0 {
		return false
	}
	now := time.Now()

	if c.IsRelayOn() {
		c.lastActivity.Store(now.UnixNano())
		return false
	}

	if c.sleeping.Load() {
		if c.opts.SleepPause > 0 {
			c.mu.Lock()
			start := c.sleepStart
			c.mu.Unlock()
			if now.Sub(start) > c.opts.SleepPause {
				slog.Info("[control] sleep pause elapsed, waking up")
				c.lastActivity.Store(now.UnixNano())
				c.wake()
			}
		}
		return false
	}

	last := time.Unix(0, c.lastActivity.Load())
	if now.Sub(last) > c.opts.IdleTimeout {
		slog.Info("[control] no activity, entering sleep", "idle", c.opts.IdleTimeout)
		c.mu.Lock()
		c.sleepStart = now
		c.mu.Unlock()
		c.sleeping.Store(true)
		return true
	}
	return false
}

// watchdogLoop is the last line of defense: while the relay is on, the
// paddle must be actively pressed. Two consecutive released reads force
// the relay off, independent of the orchestrator cadence and of scale
// connectivity.
func (c *Controller) watchdogLoop(ctx context.Context) {
	slog.Info("[watchdog] paddle watchdog started")
	ticker := time.NewTicker(c.opts.WatchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if c.IsRelayOn() && !c.paddle.Pressed() {
			time.Sleep(c.opts.WatchdogInterval)
			if c.IsRelayOn() && !c.paddle.Pressed() {
				slog.Info("[watchdog] paddle open, stopping shot")
				c.DisableRelay()
			}
		}
	}
}
