package scale

import (
	"context"
	"sync"
	"time"
)

// mockCharacteristic records command writes and lets tests push
// notifications at the subscriber.
type mockCharacteristic struct {
	mu       sync.Mutex
	writes   [][]byte
	callback func([]byte)
	writeErr error
}

func (c *mockCharacteristic) WriteCommand(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	c.writes = append(c.writes, cp)
	return nil
}

func (c *mockCharacteristic) Subscribe(cb func([]byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callback = cb
	return nil
}

func (c *mockCharacteristic) SimulateNotification(data []byte) {
	c.mu.Lock()
	cb := c.callback
	c.mu.Unlock()
	if cb != nil {
		cb(data)
	}
}

func (c *mockCharacteristic) writeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.writes)
}

func (c *mockCharacteristic) writesSnapshot() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.writes))
	copy(out, c.writes)
	return out
}

// mockConnection simulates an established link.
type mockConnection struct {
	char  *mockCharacteristic
	pyxis bool

	mu           sync.Mutex
	disconnectCb func()
	disconnected bool
	dropped      bool
}

func newMockConnection() *mockConnection {
	return &mockConnection{char: &mockCharacteristic{}, pyxis: true}
}

func (c *mockConnection) ResolveProtocol() (Characteristic, bool, error) {
	return c.char, c.pyxis, nil
}

func (c *mockConnection) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.dropped && !c.disconnected
}

func (c *mockConnection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = true
	return nil
}

func (c *mockConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

func (c *mockConnection) SimulateDisconnect() {
	c.mu.Lock()
	c.dropped = true
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (c *mockConnection) wasDisconnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnected
}

// mockAdapter simulates the transport. scanErrs are consumed one per scan
// before scanResults is served.
type mockAdapter struct {
	mu          sync.Mutex
	scanErrs    []error
	scanResults []Device
	scanCalls   int
	connCalls   int
	connection  *mockConnection
}

func newMockAdapter(devices []Device) *mockAdapter {
	return &mockAdapter{scanResults: devices, connection: newMockConnection()}
}

func (a *mockAdapter) Enable() error { return nil }

func (a *mockAdapter) Scan(_ context.Context, _ time.Duration, _ []string) ([]Device, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.scanCalls++
	if len(a.scanErrs) > 0 {
		err := a.scanErrs[0]
		a.scanErrs = a.scanErrs[1:]
		return nil, err
	}
	return a.scanResults, nil
}

func (a *mockAdapter) Connect(_ context.Context, _ string) (Connection, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connCalls++
	return a.connection, nil
}

func (a *mockAdapter) counts() (scans, conns int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.scanCalls, a.connCalls
}

var _ Adapter = (*mockAdapter)(nil)
