package scale

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"
)

// BluezAdapter wraps tinygo-org/bluetooth for Linux/BlueZ, where addresses
// are plain MAC strings.
type BluezAdapter struct {
	adapter *bluetooth.Adapter

	// mu protects the connections map.
	mu          sync.Mutex
	connections map[string]*bluezConnection // keyed by MAC
}

// NewBluezAdapter creates an adapter backed by the default BlueZ adapter.
func NewBluezAdapter() *BluezAdapter {
	return &BluezAdapter{
		adapter:     bluetooth.DefaultAdapter,
		connections: make(map[string]*bluezConnection),
	}
}

func (a *BluezAdapter) Enable() error {
	if err := a.adapter.Enable(); err != nil {
		return classifyTransportErr(err)
	}

	// BlueZ fires this callback with connected=false when a peripheral
	// drops, which is the only disconnect signal some firmware gives us.
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		addr := device.Address.String()
		a.mu.Lock()
		conn, ok := a.connections[addr]
		a.mu.Unlock()
		if ok {
			conn.markDropped()
		}
	})

	return nil
}

func (a *BluezAdapter) Scan(ctx context.Context, timeout time.Duration, prefixes []string) ([]Device, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var mu sync.Mutex
	var devices []Device
	seen := make(map[string]bool)

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			a.adapter.StopScan()
		case <-done:
		}
	}()

	err := a.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		name := strings.ToUpper(result.LocalName())
		if !hasAnyPrefix(name, prefixes) {
			return
		}
		addr := result.Address.String()
		mu.Lock()
		defer mu.Unlock()
		if seen[addr] {
			return
		}
		seen[addr] = true
		devices = append(devices, Device{
			Name:    result.LocalName(),
			Address: addr,
			RSSI:    int(result.RSSI),
		})
	})
	close(done)

	if err != nil && ctx.Err() == nil {
		return nil, fmt.Errorf("scale: scan: %w", classifyTransportErr(err))
	}
	return devices, nil
}

func (a *BluezAdapter) Connect(ctx context.Context, address string) (Connection, error) {
	var addr bluetooth.Address
	addr.Set(address)

	// tinygo/bluetooth's Connect blocks internally with its own timeout.
	// Wrap it so our ctx deadline also applies.
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("scale: connect to %s: %w", address, ctx.Err())
	case result := <-ch:
		if result.err != nil {
			return nil, fmt.Errorf("scale: connect to %s: %w", address, classifyTransportErr(result.err))
		}
		conn := &bluezConnection{device: &result.device}

		a.mu.Lock()
		a.connections[address] = conn
		a.mu.Unlock()

		return conn, nil
	}
}

// classifyTransportErr maps BlueZ error signatures onto the package's
// sentinel errors so callers can pick retry vs fatal handling.
func classifyTransportErr(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "InProgress"):
		return fmt.Errorf("%w: %v", ErrBusy, err)
	case strings.Contains(msg, "LimitsExceeded"), strings.Contains(msg, "AlreadyExists"):
		return fmt.Errorf("%w: %v", ErrExhausted, err)
	}
	return err
}

func hasAnyPrefix(name string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

// Compile-time check that BluezAdapter implements Adapter.
var _ Adapter = (*BluezAdapter)(nil)

type bluezConnection struct {
	device *bluetooth.Device

	mu           sync.Mutex
	disconnectCb func()
	dropped      bool
}

func (c *bluezConnection) ResolveProtocol() (Characteristic, bool, error) {
	svcs, err := c.device.DiscoverServices(nil)
	if err != nil {
		return nil, false, fmt.Errorf("scale: discover services: %w", err)
	}

	oldUUID, _ := bluetooth.ParseUUID(OldCharUUID)
	pyxisUUID, _ := bluetooth.ParseUUID(PyxisCharUUID)

	for _, svc := range svcs {
		chars, err := svc.DiscoverCharacteristics(nil)
		if err != nil {
			continue
		}
		for i := range chars {
			switch chars[i].UUID() {
			case pyxisUUID:
				return &bluezCharacteristic{char: &chars[i]}, true, nil
			case oldUUID:
				return &bluezCharacteristic{char: &chars[i]}, false, nil
			}
		}
	}
	return nil, false, fmt.Errorf("scale: no known command characteristic found")
}

func (c *bluezConnection) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.dropped
}

func (c *bluezConnection) Disconnect() error {
	return c.device.Disconnect()
}

func (c *bluezConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

func (c *bluezConnection) markDropped() {
	c.mu.Lock()
	c.dropped = true
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

type bluezCharacteristic struct {
	char *bluetooth.DeviceCharacteristic
}

func (c *bluezCharacteristic) WriteCommand(data []byte) error {
	_, err := c.char.WriteWithoutResponse(data)
	return err
}

func (c *bluezCharacteristic) Subscribe(cb func([]byte)) error {
	return c.char.EnableNotifications(func(buf []byte) {
		cb(buf)
	})
}
