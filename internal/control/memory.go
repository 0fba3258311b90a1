// Package control implements the brew safety controller: relay ownership,
// per-recipe target memory, flow-rate history, the paddle watchdog and the
// inactivity sleep state machine. It is the only component allowed to
// energize or de-energize the relay.
package control

import "log/slog"

const (
	// DefaultTarget is the factory target weight in grams.
	DefaultTarget = 36.0
	// DefaultOvershoot is the factory drip correction in grams.
	DefaultOvershoot = 1.0
	// overshootLimit bounds the learned correction; proposals outside it
	// are rejected outright, never partially applied.
	overshootLimit = 10.0
)

// TargetMemory is one named recipe: a target weight, its learned overshoot
// correction and a display color tag.
type TargetMemory struct {
	Name      string
	Target    float64
	Overshoot float64
	Color     string
}

// StopThreshold is the weight at which flow must stop so that the settled
// final weight lands on Target.
func (m *TargetMemory) StopThreshold() float64 {
	return m.Target - m.Overshoot
}

// UpdateOvershoot folds an observed final weight into the correction:
// o' = o + (final - target), rejected when outside the safe range.
// Reports whether the update was applied.
func (m *TargetMemory) UpdateOvershoot(finalWeight float64) bool {
	proposed := m.Overshoot + (finalWeight - m.Target)
	if proposed > overshootLimit || proposed < -overshootLimit {
		slog.Error("[control] new overshoot out of safe range, ignoring",
			"memory", m.Name, "proposed", proposed)
		return false
	}
	m.Overshoot = proposed
	slog.Debug("[control] overshoot updated", "memory", m.Name, "overshoot", m.Overshoot)
	return true
}

// DefaultMemories returns the three factory recipes used whenever no
// persisted set can be loaded.
func DefaultMemories() []TargetMemory {
	return []TargetMemory{
		{Name: "A", Target: DefaultTarget, Overshoot: DefaultOvershoot, Color: "#ff1303"},
		{Name: "B", Target: DefaultTarget, Overshoot: DefaultOvershoot, Color: "#25a602"},
		{Name: "C", Target: DefaultTarget, Overshoot: DefaultOvershoot, Color: "#376efa"},
	}
}
