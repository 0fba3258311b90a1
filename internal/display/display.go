// Package display carries rendering state from the control loop to
// whatever draws it. The control loop must never block on a slow or
// absent renderer, so sinks accept snapshots best-effort.
package display

import (
	"time"

	"github.com/crema-labs/brewd/internal/control"
)

// Snapshot is one frame of display state.
type Snapshot struct {
	Weight      float64
	SampleRate  float64
	Memory      control.TargetMemory
	Flow        []float64
	Battery     int
	PaddleOn    bool
	ShotElapsed time.Duration
	SaveImage   bool
	// Smoothing is the render interpolation window in seconds, one loop
	// pass at the configured refresh rate.
	Smoothing float64
	Blank     bool
}

// Sink consumes display frames.
type Sink interface {
	// Push offers a frame. Implementations must not block.
	Push(s Snapshot)
	// Off blanks the display.
	Off()
	Close() error
}

// ChannelSink buffers frames on a channel, dropping the oldest frame
// when the consumer falls behind.
type ChannelSink struct {
	frames chan Snapshot
}

// NewChannelSink builds a sink with the given buffer depth.
func NewChannelSink(depth int) *ChannelSink {
	if depth <= 0 {
		depth = 4
	}
	return &ChannelSink{frames: make(chan Snapshot, depth)}
}

// Frames exposes the buffered frames for a consumer goroutine.
func (s *ChannelSink) Frames() <-chan Snapshot {
	return s.frames
}

func (s *ChannelSink) Push(frame Snapshot) {
	for {
		select {
		case s.frames <- frame:
			return
		default:
		}
		// Full. Drop the oldest frame and retry; a concurrent consumer
		// may win the race, which is fine.
		select {
		case <-s.frames:
		default:
		}
	}
}

func (s *ChannelSink) Off() {
	s.Push(Snapshot{Blank: true})
}

func (s *ChannelSink) Close() error {
	close(s.frames)
	return nil
}

// NopSink discards every frame. Used when no display hardware exists.
type NopSink struct{}

func (NopSink) Push(Snapshot) {}
func (NopSink) Off()          {}
func (NopSink) Close() error  { return nil }
