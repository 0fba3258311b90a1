package scale

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/crema-labs/brewd/internal/scale/protocol"
)

// LinkState is the connection lifecycle state. It is owned exclusively by
// the Client; other components observe only Connected() and the
// weight/battery snapshots.
type LinkState int32

const (
	StateDisconnected LinkState = iota
	StateScanning
	StateConnecting
	StateResolvingServices
	StateHandshaking
	StateStreaming
	StateVerifying
	StateFailed
)

func (s LinkState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateScanning:
		return "scanning"
	case StateConnecting:
		return "connecting"
	case StateResolvingServices:
		return "resolving-services"
	case StateHandshaking:
		return "handshaking"
	case StateStreaming:
		return "streaming"
	case StateVerifying:
		return "verifying"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ClientOptions configures link timing. The delays inside the handshake are
// protocol-mandated pacing, not tunables for responsiveness.
type ClientOptions struct {
	ScanAttempts      int           // bounded retries per connection attempt
	ScanChunk         time.Duration // per-attempt scan duration
	BusyBackoff       time.Duration // wait after a busy-transport scan error
	ConnectTimeout    time.Duration // overall connect deadline
	SettleDelay       time.Duration // pause after connect before service discovery
	HandshakeDelay    time.Duration // pause between handshake frames
	HeartbeatInterval time.Duration
	RefreshEvery      int           // every Nth heartbeat re-sends id + notification request
	VerifyAfter       time.Duration // battery must be non-zero this long after handshake
	FatalScanFailures int           // consecutive exhaustion errors before giving up the process
}

// DefaultClientOptions returns the timing observed to work across scale
// firmware generations.
func DefaultClientOptions() ClientOptions {
	return ClientOptions{
		ScanAttempts:      3,
		ScanChunk:         2 * time.Second,
		BusyBackoff:       time.Second,
		ConnectTimeout:    12 * time.Second,
		SettleDelay:       time.Second,
		HandshakeDelay:    500 * time.Millisecond,
		HeartbeatInterval: 2 * time.Second,
		RefreshEvery:      10,
		VerifyAfter:       4 * time.Second,
		FatalScanFailures: 5,
	}
}

// osExit is swapped out in tests of the fatal path.
var osExit = os.Exit

// Client drives one scale link. Only one connection attempt may be in
// flight at a time; Connect while connected or connecting is a no-op.
type Client struct {
	adapter Adapter
	opts    ClientOptions

	// OnEstablished, if set before Connect, is invoked each time a
	// connection attempt completes successfully. The brew controller hooks
	// its ghost-start check and activity tracking here.
	OnEstablished func()

	state      atomic.Int32
	connecting atomic.Bool
	weightBits atomic.Uint64
	battery    atomic.Int32
	units      atomic.Value // string
	exhausted  atomic.Int32 // consecutive exhaustion-class scan failures

	mu        sync.Mutex
	conn      Connection
	char      Characteristic
	pyxis     bool
	address   string
	acc       []byte // notification byte accumulator
	hbStop    chan struct{}
	shotStart time.Time // scale-side estimate from button events, bookkeeping only
	shotRun   bool
}

// NewClient creates a client on the given transport.
func NewClient(adapter Adapter, opts ClientOptions) *Client {
	c := &Client{adapter: adapter, opts: opts}
	c.units.Store("grams")
	return c
}

// State returns the current link state.
func (c *Client) State() LinkState {
	return LinkState(c.state.Load())
}

func (c *Client) setState(s LinkState) {
	c.state.Store(int32(s))
}

// Connected reports whether the link is streaming telemetry. The verifying
// window still counts as connected; a failed verification demotes the link.
func (c *Client) Connected() bool {
	s := c.State()
	return s == StateStreaming || s == StateVerifying
}

// Weight returns the latest weight snapshot in grams. Readers tolerate
// slightly stale values; no ordering stronger than the atomic load applies.
func (c *Client) Weight() float64 {
	return math.Float64frombits(c.weightBits.Load())
}

// Battery returns the latest battery percentage, 0 until the first
// settings frame arrives.
func (c *Client) Battery() int {
	return int(c.battery.Load())
}

// Units returns the scale's configured display unit.
func (c *Client) Units() string {
	return c.units.Load().(string)
}

// Address returns the address of the currently linked device, or "".
func (c *Client) Address() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.address
}

// Connect starts a connection attempt to address in the background and
// returns immediately. A no-op while connected or while another attempt is
// in flight.
func (c *Client) Connect(address string) {
	if c.Connected() {
		return
	}
	if !c.connecting.CompareAndSwap(false, true) {
		return
	}
	slog.Info("[scale] starting connection attempt", "address", address)
	go c.connectAttempt(address)
}

func (c *Client) connectAttempt(address string) {
	defer c.connecting.Store(false)

	c.setState(StateScanning)
	dev, err := c.scanFor(address)
	if err != nil {
		slog.Warn("[scale] scan failed", "address", address, "error", err)
		c.setState(StateDisconnected)
		return
	}
	if dev == nil {
		slog.Warn("[scale] device not found in scan", "address", address)
		c.setState(StateDisconnected)
		return
	}

	c.setState(StateConnecting)
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.ConnectTimeout)
	conn, err := c.adapter.Connect(ctx, dev.Address)
	cancel()
	if err != nil {
		slog.Warn("[scale] connect failed", "address", dev.Address, "error", err)
		c.setState(StateDisconnected)
		return
	}

	// Let MTU negotiation and service caching settle before discovery.
	time.Sleep(c.opts.SettleDelay)

	c.setState(StateResolvingServices)
	char, pyxis, err := conn.ResolveProtocol()
	if err != nil {
		slog.Error("[scale] no usable protocol variant", "address", dev.Address, "error", err)
		conn.Disconnect()
		c.setState(StateDisconnected)
		return
	}
	if pyxis {
		slog.Info("[scale] detected pyxis-generation protocol")
	} else {
		slog.Info("[scale] detected original protocol")
	}

	// Telemetry bookkeeping resets before the subscription is live, so a
	// settings frame racing the handshake is not erased afterwards.
	c.battery.Store(0)
	c.mu.Lock()
	c.acc = nil
	c.mu.Unlock()

	if err := char.Subscribe(c.handleNotification); err != nil {
		slog.Error("[scale] subscribe failed", "error", err)
		conn.Disconnect()
		c.setState(StateDisconnected)
		return
	}

	c.setState(StateHandshaking)
	c.handshake(char, pyxis)

	hbStop := make(chan struct{})
	c.mu.Lock()
	c.conn = conn
	c.char = char
	c.pyxis = pyxis
	c.address = dev.Address
	c.hbStop = hbStop
	c.mu.Unlock()

	conn.OnDisconnect(func() {
		slog.Warn("[scale] transport reported disconnect")
		c.teardown()
	})

	c.setState(StateStreaming)
	slog.Info("[scale] connected", "address", dev.Address)

	go c.heartbeatLoop(conn, char, pyxis, hbStop)
	go c.verifyLiveness(hbStop)

	if c.OnEstablished != nil {
		c.OnEstablished()
	}
}

// scanFor looks for the given address, or for any device with a known name
// prefix when address is empty. Bounded attempts with backoff on a busy
// transport; repeated exhaustion-class failures terminate the process so an
// external supervisor restarts it with a clean radio stack.
func (c *Client) scanFor(address string) (*Device, error) {
	var lastErr error
	for attempt := 1; attempt <= c.opts.ScanAttempts; attempt++ {
		devices, err := c.adapter.Scan(context.Background(), c.opts.ScanChunk, NamePrefixes)
		if err != nil {
			lastErr = err
			if errors.Is(err, ErrBusy) {
				slog.Warn("[scale] transport busy, backing off", "attempt", attempt)
				time.Sleep(c.opts.BusyBackoff)
				continue
			}
			if errors.Is(err, ErrExhausted) {
				n := c.exhausted.Add(1)
				if int(n) >= c.opts.FatalScanFailures {
					slog.Error("[scale] radio stack exhausted, exiting for supervisor restart", "failures", n)
					osExit(1)
				}
				return nil, err
			}
			return nil, err
		}
		c.exhausted.Store(0)

		for i := range devices {
			if address == "" || devices[i].Address == address {
				return &devices[i], nil
			}
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("scale: scan exhausted retries: %w", lastErr)
	}
	return nil, nil
}

// handshake arms telemetry streaming: identification, then the notification
// request twice (some firmware drops the first), then an immediate
// heartbeat. Write errors are logged and absorbed; a dead link surfaces
// through the verification step instead.
func (c *Client) handshake(char Characteristic, pyxis bool) {
	c.write(char, protocol.EncodeID(pyxis))
	time.Sleep(c.opts.HandshakeDelay)
	c.write(char, protocol.EncodeNotificationRequest())
	time.Sleep(c.opts.HandshakeDelay)
	c.write(char, protocol.EncodeNotificationRequest())
	time.Sleep(c.opts.HandshakeDelay)
	c.write(char, protocol.EncodeHeartbeat())
}

func (c *Client) write(char Characteristic, frame []byte) {
	if err := char.WriteCommand(frame); err != nil {
		slog.Error("[scale] write failed", "error", err)
	}
}

func (c *Client) heartbeatLoop(conn Connection, char Characteristic, pyxis bool, stop <-chan struct{}) {
	c.write(char, protocol.EncodeHeartbeat())

	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()

	count := 0
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		if !c.Connected() {
			return
		}
		if !conn.Connected() {
			slog.Warn("[scale] transport not connected during heartbeat")
			c.teardown()
			return
		}
		c.write(char, protocol.EncodeHeartbeat())
		count++
		if count >= c.opts.RefreshEvery {
			// Keep-alive refresh: some firmware silently stops streaming
			// unless the handshake frames are repeated.
			c.write(char, protocol.EncodeID(pyxis))
			c.write(char, protocol.EncodeNotificationRequest())
			count = 0
		}
	}
}

// verifyLiveness checks that telemetry actually started. A scale that
// accepted the handshake but never reported battery is half-connected;
// force a disconnect and let the caller retry.
func (c *Client) verifyLiveness(stop <-chan struct{}) {
	timer := time.NewTimer(c.opts.VerifyAfter)
	defer timer.Stop()
	select {
	case <-stop:
		return
	case <-timer.C:
	}
	if !c.Connected() {
		return
	}
	c.setState(StateVerifying)
	if c.Battery() == 0 {
		slog.Warn("[scale] no battery report after handshake, treating as failed")
		c.state.Store(int32(StateFailed))
		c.teardown()
		return
	}
	c.setState(StateStreaming)
}

// handleNotification appends inbound bytes to the accumulator and drains
// every complete frame from it.
func (c *Client) handleNotification(data []byte) {
	c.mu.Lock()
	c.acc = append(c.acc, data...)
	for {
		msg, rest := protocol.Decode(c.acc)
		c.acc = rest
		if msg == nil {
			break
		}
		c.apply(msg)
	}
	c.mu.Unlock()
}

// apply updates the telemetry snapshot from one decoded message.
// Called with mu held for the button bookkeeping fields.
func (c *Client) apply(msg protocol.Message) {
	switch m := msg.(type) {
	case *protocol.Settings:
		c.battery.Store(int32(m.Battery))
		if m.Units != "" {
			c.units.Store(m.Units)
		}
	case *protocol.Event:
		if m.HasWeight && m.Type == protocol.EventWeight {
			c.weightBits.Store(math.Float64bits(m.Weight))
		}
		switch m.Button {
		case protocol.ButtonStart:
			c.shotStart = time.Now()
			c.shotRun = true
		case protocol.ButtonStop, protocol.ButtonReset:
			c.shotRun = false
		}
	}
}

// ScaleTimerRunning reports the scale's own start/stop state as inferred
// from button events. Bookkeeping only; the brew controller keeps the
// authoritative shot timer.
func (c *Client) ScaleTimerRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shotRun
}

// Tare sends a remote tare. Returns an error when not connected; callers
// on the shot path treat that as best-effort.
func (c *Client) Tare() error {
	c.mu.Lock()
	char := c.char
	c.mu.Unlock()
	if char == nil || !c.Connected() {
		return errors.New("scale: not connected")
	}
	return char.WriteCommand(protocol.EncodeTare())
}

// Disconnect tears the link down on owner request. Safe to call in any
// state.
func (c *Client) Disconnect() {
	c.teardown()
}

func (c *Client) teardown() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.char = nil
	c.acc = nil
	c.address = ""
	if c.hbStop != nil {
		close(c.hbStop)
		c.hbStop = nil
	}
	c.mu.Unlock()

	if conn != nil {
		slog.Info("[scale] disconnecting")
		if err := conn.Disconnect(); err != nil {
			slog.Error("[scale] disconnect error", "error", err)
		}
	}
	c.weightBits.Store(0)
	c.setState(StateDisconnected)
}
