package main

import (
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/crema-labs/brewd/internal/config"
	"github.com/crema-labs/brewd/internal/control"
	"github.com/crema-labs/brewd/internal/display"
	"github.com/crema-labs/brewd/internal/scale"
	"github.com/crema-labs/brewd/internal/scanner"
)

const (
	// settleDelay is how long to wait after a stop before reading the
	// final weight, so drips land on the scale first.
	settleDelay = 3 * time.Second
	// noiseFloor is the weight change, in grams, below which readings
	// count as scale noise rather than user activity.
	noiseFloor = 0.3
)

// brewLoop is the periodic pass tying the scale link, the controller
// and the display together. It runs on a single goroutine.
type brewLoop struct {
	cfg     *config.Config
	ctrl    *control.Controller
	client  *scale.Client
	mailbox *scanner.Mailbox
	sink    display.Sink

	gravimetric bool
	prevRelayOn bool
	prevWeight  float64
	prevSet     bool
	prevTime    time.Time
	blanked     bool

	overshootBusy atomic.Bool
}

func (l *brewLoop) tick(now time.Time) {
	connected := l.client.Connected()
	l.ctrl.SetScaleConnected(connected)

	// A shot is gravimetric only if the link was already up when the
	// relay rose; gaining the link mid-shot does not promote a manual
	// shot to scale control.
	relayOn := l.ctrl.IsRelayOn()
	if relayOn && !l.prevRelayOn {
		l.gravimetric = connected
	} else if !relayOn {
		l.gravimetric = false
	}
	l.prevRelayOn = relayOn

	l.maintainLink(connected)

	if connected {
		l.observeWeight(now)
	} else {
		l.prevSet = false
		if l.gravimetric && l.ctrl.IsRelayOn() {
			slog.Warn("[control] scale link lost mid shot, stopping")
			l.ctrl.DisableRelay()
			l.gravimetric = false
		}
	}

	l.pushFrame(connected)

	if l.ctrl.CheckAutoSleep() {
		slog.Info("[control] idle timeout, sleeping")
	}
}

// maintainLink releases the link while asleep or switched off, and
// otherwise feeds the next discovered address to the client.
func (l *brewLoop) maintainLink(connected bool) {
	if l.ctrl.Sleeping() || !l.ctrl.ShouldConnect() {
		if connected {
			slog.Info("[scale] releasing link", "sleeping", l.ctrl.Sleeping())
			l.client.Disconnect()
		}
		return
	}
	if connected {
		return
	}
	if addr, ok := l.mailbox.Take(); ok {
		l.client.Connect(addr)
	}
}

func (l *brewLoop) observeWeight(now time.Time) {
	w := l.client.Weight()
	if l.prevSet {
		dt := now.Sub(l.prevTime).Seconds()
		if dt > 0 {
			l.ctrl.AddFlowSample((w - l.prevWeight) / dt)
		}
		if math.Abs(w-l.prevWeight) > noiseFloor {
			l.ctrl.RegisterActivity()
		}
	}
	l.prevWeight = w
	l.prevTime = now
	l.prevSet = true

	if l.gravimetric && l.ctrl.CheckTargetStop(w) {
		l.gravimetric = false
		l.finishShot()
	}
}

// finishShot learns the overshoot from the settled final weight. Short
// shots are flushes or mistakes and teach nothing.
func (l *brewLoop) finishShot() {
	if !l.overshootBusy.CompareAndSwap(false, true) {
		return
	}
	elapsed := l.ctrl.ShotElapsed()
	minShot := l.cfg.Control.MinShotSeconds
	go func() {
		defer l.overshootBusy.Store(false)
		if elapsed < minShot {
			slog.Info("[control] shot too short to learn from", "elapsed_s", elapsed)
			return
		}
		time.Sleep(settleDelay)
		if !l.client.Connected() {
			return
		}
		final := l.client.Weight()
		if l.ctrl.ApplyOvershoot(final) {
			slog.Info("[control] overshoot updated", "final_weight", final)
		}
	}()
}

func (l *brewLoop) pushFrame(connected bool) {
	if !connected || l.ctrl.Sleeping() {
		if !l.blanked {
			l.sink.Off()
			l.blanked = true
		}
		return
	}
	l.blanked = false
	l.sink.Push(display.Snapshot{
		Weight:      l.client.Weight(),
		SampleRate:  l.cfg.RefreshRate,
		Memory:      l.ctrl.CurrentMemory(),
		Flow:        l.ctrl.FlowSnapshot(),
		Battery:     l.client.Battery(),
		PaddleOn:    l.ctrl.IsRelayOn(),
		ShotElapsed: time.Duration(l.ctrl.ShotElapsed() * float64(time.Second)),
		SaveImage:   l.ctrl.TakeImageSaveFlag(),
		Smoothing:   1 / l.cfg.RefreshRate,
	})
}
