// Package scale owns the wireless link to an Acaia scale: discovery,
// connection, protocol-variant resolution, handshake, telemetry streaming,
// heartbeat and verified-liveness checking. Other components observe only a
// coarse connected flag plus weight/battery snapshots.
package scale

import (
	"context"
	"errors"
	"time"
)

// Characteristic UUIDs for the two known protocol variants.
const (
	OldCharUUID   = "00002a80-0000-1000-8000-00805f9b34fb"
	PyxisCharUUID = "49535343-8841-43f4-a8d4-ecbe34729bb3"
)

// NamePrefixes are the advertised-name prefixes that identify a scale.
var NamePrefixes = []string{"ACAIA", "PYXIS", "UMBRA", "LUNAR", "PROCH"}

// ErrBusy is returned by adapters when the radio is already performing an
// operation and the caller should back off and retry.
var ErrBusy = errors.New("scale: adapter busy")

// ErrExhausted reports the radio stack's resource/registration exhaustion
// signature. In-process recovery is not reliable for this class; callers
// treat repeated occurrences as fatal so a supervisor can restart cleanly.
var ErrExhausted = errors.New("scale: adapter resource exhaustion")

// Device is a discovered peripheral.
type Device struct {
	Name    string
	Address string
	RSSI    int
}

// Characteristic is the scale's command characteristic.
type Characteristic interface {
	// WriteCommand sends a frame without waiting for a response.
	WriteCommand(data []byte) error
	// Subscribe registers a callback for telemetry notifications.
	Subscribe(callback func(data []byte)) error
}

// Connection is an established link to a peripheral.
type Connection interface {
	// ResolveProtocol enumerates remote services and returns whichever of
	// the two known command characteristics the device exposes, plus
	// whether it is the Pyxis-generation variant.
	ResolveProtocol() (char Characteristic, pyxis bool, err error)
	// Connected reports whether the transport still considers the link up.
	Connected() bool
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the transport drops.
	OnDisconnect(callback func())
}

// Adapter abstracts the wireless transport for testing.
type Adapter interface {
	// Enable powers on the adapter.
	Enable() error
	// Scan discovers peripherals whose advertised name starts with one of
	// prefixes, for at most timeout.
	Scan(ctx context.Context, timeout time.Duration, prefixes []string) ([]Device, error)
	// Connect establishes a connection to the given address.
	Connect(ctx context.Context, address string) (Connection, error)
}
