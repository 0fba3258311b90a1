// Package scanner runs the low-duty-cycle background discovery loop. It
// only finds candidate scale addresses and hands them to the main control
// loop through a single-slot mailbox; it never connects itself, so exactly
// one component ever owns the link.
package scanner

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/crema-labs/brewd/internal/scale"
)

// Mailbox is a single-slot address hand-off: one producer, one consumer.
// Take is a single atomic take-and-clear, so two consumers can never read
// the same address.
type Mailbox struct {
	addr atomic.Pointer[string]
}

// Publish stores addr unless the slot is already occupied. Reports whether
// the value was stored.
func (m *Mailbox) Publish(addr string) bool {
	return m.addr.CompareAndSwap(nil, &addr)
}

// Take removes and returns the stored address in one step.
func (m *Mailbox) Take() (string, bool) {
	p := m.addr.Swap(nil)
	if p == nil {
		return "", false
	}
	return *p, true
}

// Loaded reports whether an address is waiting.
func (m *Mailbox) Loaded() bool {
	return m.addr.Load() != nil
}

// Clear drops any pending address.
func (m *Mailbox) Clear() {
	m.addr.Store(nil)
}

// Options tunes the scanner duty cycle.
type Options struct {
	ScanTimeout  time.Duration // per-scan bound
	FoundBackoff time.Duration // pause after publishing a find
	IdleBackoff  time.Duration // pause after an empty scan or error
	PollInterval time.Duration // pause while gated off
}

// DefaultOptions returns the duty cycle of the reference hardware.
func DefaultOptions() Options {
	return Options{
		ScanTimeout:  time.Second,
		FoundBackoff: time.Second,
		IdleBackoff:  10 * time.Second,
		PollInterval: time.Second,
	}
}

// Scanner is the background discovery loop.
type Scanner struct {
	adapter scale.Adapter
	mailbox *Mailbox
	opts    Options

	// gate reports whether scanning should run at all: the controller is
	// awake, the connect switch is on, and no link is active.
	gate func() bool
	// onFound is invoked after a publish; the controller registers
	// activity here so a found scale resets the sleep timer.
	onFound func(addr string)
}

// New creates a scanner. gate and onFound must be non-nil.
func New(adapter scale.Adapter, mailbox *Mailbox, opts Options, gate func() bool, onFound func(string)) *Scanner {
	return &Scanner{adapter: adapter, mailbox: mailbox, opts: opts, gate: gate, onFound: onFound}
}

// Run loops until ctx is cancelled.
func (s *Scanner) Run(ctx context.Context) {
	slog.Info("[scanner] background discovery started")
	for {
		if ctx.Err() != nil {
			return
		}
		if !s.gate() || s.mailbox.Loaded() {
			if !sleepCtx(ctx, s.opts.PollInterval) {
				return
			}
			continue
		}

		devices, err := s.adapter.Scan(ctx, s.opts.ScanTimeout, scale.NamePrefixes)
		if err != nil {
			slog.Error("[scanner] scan error", "error", err)
			if !sleepCtx(ctx, s.opts.IdleBackoff) {
				return
			}
			continue
		}

		if len(devices) == 0 {
			if !sleepCtx(ctx, s.opts.IdleBackoff) {
				return
			}
			continue
		}

		addr := devices[0].Address
		if s.mailbox.Publish(addr) {
			slog.Debug("[scanner] found candidate", "name", devices[0].Name, "address", addr)
			s.onFound(addr)
		}
		if !sleepCtx(ctx, s.opts.FoundBackoff) {
			return
		}
	}
}

// sleepCtx sleeps for d or until ctx is done; reports whether to continue.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
