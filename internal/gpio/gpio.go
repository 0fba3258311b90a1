// Package gpio provides the narrow pin capabilities the controller
// consumes: a digital output for the relay and active-low inputs for the
// paddle, switches and buttons, backed by periph.io on real hardware and
// by in-memory fakes for tests and simulation runs.
package gpio

import (
	"fmt"
	"sync/atomic"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

// Reference wiring (BCM numbering).
const (
	PinTare          = 4
	PinConnectSwitch = 5
	PinTargetInc     = 12
	PinTargetDec     = 16
	PinPaddle        = 20
	PinMemory        = 21
	PinRelay         = 26
)

// Output drives a digital output pin.
type Output interface {
	Set(on bool)
	Get() bool
}

// Input reads a momentary button or toggle switch. Inputs are wired
// active-low with pull-ups: pressed reads as a low level.
type Input interface {
	Pressed() bool
}

// Init brings up the periph host drivers. Call once before opening pins.
func Init() error {
	if _, err := host.Init(); err != nil {
		return fmt.Errorf("gpio: host init: %w", err)
	}
	return nil
}

type periphOutput struct {
	pin gpio.PinIO
	on  atomic.Bool
}

// OpenOutput opens a BCM pin as a low-initialized output.
func OpenOutput(number int) (Output, error) {
	pin := gpioreg.ByName(fmt.Sprintf("GPIO%d", number))
	if pin == nil {
		return nil, fmt.Errorf("gpio: no pin GPIO%d", number)
	}
	if err := pin.Out(gpio.Low); err != nil {
		return nil, fmt.Errorf("gpio: GPIO%d as output: %w", number, err)
	}
	return &periphOutput{pin: pin}, nil
}

func (o *periphOutput) Set(on bool) {
	o.on.Store(on)
	// The relay must land in a safe state even if the write fails; a
	// failed de-energize is caught by the next watchdog pass re-driving it.
	_ = o.pin.Out(gpio.Level(on))
}

func (o *periphOutput) Get() bool {
	return o.on.Load()
}

type periphInput struct {
	pin gpio.PinIO
}

// OpenInput opens a BCM pin as a pulled-up input.
func OpenInput(number int) (Input, error) {
	pin := gpioreg.ByName(fmt.Sprintf("GPIO%d", number))
	if pin == nil {
		return nil, fmt.Errorf("gpio: no pin GPIO%d", number)
	}
	if err := pin.In(gpio.PullUp, gpio.NoEdge); err != nil {
		return nil, fmt.Errorf("gpio: GPIO%d as input: %w", number, err)
	}
	return &periphInput{pin: pin}, nil
}

func (i *periphInput) Pressed() bool {
	return i.pin.Read() == gpio.Low
}

// FakePin implements both Output and Input in memory, for tests and
// -sim runs on hardware without GPIO.
type FakePin struct {
	on atomic.Bool
}

func (p *FakePin) Set(on bool)   { p.on.Store(on) }
func (p *FakePin) Get() bool     { return p.on.Load() }
func (p *FakePin) Pressed() bool { return p.on.Load() }

var (
	_ Output = (*FakePin)(nil)
	_ Input  = (*FakePin)(nil)
)
