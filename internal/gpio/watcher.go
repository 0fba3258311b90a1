package gpio

import (
	"context"
	"time"
)

// ButtonConfig describes how a single input is observed. Zero-valued
// callbacks are simply not invoked.
type ButtonConfig struct {
	// Debounce is how long a level must hold before a transition counts.
	Debounce time.Duration
	// HoldTime, when positive, fires OnHold after the button stays
	// pressed this long. With HoldRepeat it re-fires at the same period.
	HoldTime   time.Duration
	HoldRepeat bool

	OnPress   func()
	OnRelease func(held bool)
	OnHold    func()
}

// DefaultDebounce matches mechanical switch bounce on the reference panel.
const DefaultDebounce = 20 * time.Millisecond

type buttonState struct {
	in  Input
	cfg ButtonConfig

	stable    bool
	raw       bool
	rawSince  time.Time
	pressedAt time.Time
	lastHold  time.Time
	holdFired bool
}

// Watcher polls a set of inputs and turns level changes into press,
// release and hold callbacks. All callbacks run on the watcher's
// goroutine, so they must not block.
type Watcher struct {
	interval time.Duration
	buttons  []*buttonState
}

// NewWatcher builds a watcher polling at the given interval.
func NewWatcher(interval time.Duration) *Watcher {
	if interval <= 0 {
		interval = 10 * time.Millisecond
	}
	return &Watcher{interval: interval}
}

// Add registers an input. Not safe to call after Run starts.
func (w *Watcher) Add(in Input, cfg ButtonConfig) {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	now := time.Now()
	pressed := in.Pressed()
	w.buttons = append(w.buttons, &buttonState{
		in:       in,
		cfg:      cfg,
		stable:   pressed,
		raw:      pressed,
		rawSince: now,
	})
}

// Run polls until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, b := range w.buttons {
				b.step(now)
			}
		}
	}
}

func (b *buttonState) step(now time.Time) {
	raw := b.in.Pressed()
	if raw != b.raw {
		b.raw = raw
		b.rawSince = now
	}
	if b.raw != b.stable && now.Sub(b.rawSince) >= b.cfg.Debounce {
		b.stable = b.raw
		if b.stable {
			b.pressedAt = now
			b.holdFired = false
			if b.cfg.OnPress != nil {
				b.cfg.OnPress()
			}
		} else {
			if b.cfg.OnRelease != nil {
				b.cfg.OnRelease(b.holdFired)
			}
		}
	}
	if b.stable && b.cfg.HoldTime > 0 && b.cfg.OnHold != nil {
		since := b.pressedAt
		if b.holdFired {
			since = b.lastHold
		}
		if (!b.holdFired || b.cfg.HoldRepeat) && now.Sub(since) >= b.cfg.HoldTime {
			b.holdFired = true
			b.lastHold = now
			b.cfg.OnHold()
		}
	}
}
