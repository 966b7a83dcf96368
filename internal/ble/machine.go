package ble

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mcuadros/go-defaults"
	"golang.org/x/time/rate"

	"github.com/chaz8081/gohrm/internal/events"
	"github.com/chaz8081/gohrm/internal/hrm"
)

// MachineOptions configures a Machine. Zero durations take the tag defaults.
type MachineOptions struct {
	ConnectTimeout   time.Duration `default:"15s"`
	DiscoveryTimeout time.Duration `default:"10s"`
	Reconnect        ReconnectPolicy
}

// DefaultMachineOptions returns sensible defaults.
func DefaultMachineOptions() MachineOptions {
	var opts MachineOptions
	defaults.SetDefaults(&opts)
	opts.Reconnect = opts.Reconnect.WithDefaults()
	return opts
}

// Machine owns the lifecycle of one BLE peer connection and turns heart
// rate notifications into events.
//
// Every mutation happens under mu. Platform I/O runs on goroutines that
// report back tagged with the generation they were started under; teardown
// bumps the generation, so results from cancelled work are ignored and any
// late transport handle is closed on arrival.
type Machine struct {
	adapter Adapter
	events  events.Publisher
	subs    *Subscriptions
	opts    MachineOptions
	logger  *slog.Logger
	clock   clock

	decodeLog rate.Sometimes

	mu       sync.Mutex
	state    State
	address  string
	gen      uint64
	conn     Connection
	cancel   context.CancelFunc
	timer    stopper
	dialDone chan struct{}
	dropped  uint64 // generation whose link dropped before it was installed
	attempt  ReconnectAttempt
	lastErr  error
}

// NewMachine creates a Machine in the Disconnected state.
func NewMachine(adapter Adapter, pub events.Publisher, opts MachineOptions, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	defaults.SetDefaults(&opts)
	opts.Reconnect = opts.Reconnect.WithDefaults()
	return &Machine{
		adapter:   adapter,
		events:    pub,
		subs:      NewSubscriptions(logger),
		opts:      opts,
		logger:    logger,
		clock:     realClock{},
		decodeLog: rate.Sometimes{First: 3, Interval: 30 * time.Second},
	}
}

// State returns the current lifecycle state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Address returns the address of the current or last peer.
func (m *Machine) Address() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.address
}

// Attempt returns the reconnect bookkeeping of the current episode.
func (m *Machine) Attempt() ReconnectAttempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempt
}

// Err returns the terminal error (give up or unsupported), if any.
func (m *Machine) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Connect starts a connection to address. It returns ErrAlreadyConnecting
// while an attempt is in flight or a link is open. From Disconnected or
// Unsupported it starts a fresh episode, cancelling any pending retry.
func (m *Machine) Connect(address string) error {
	if address == "" {
		return ErrNoAddress
	}

	m.mu.Lock()
	if m.state == Connecting || m.state.hasHandle() {
		m.mu.Unlock()
		return ErrAlreadyConnecting
	}
	release := m.teardownLocked(false)
	m.address = address
	m.attempt = ReconnectAttempt{}
	m.lastErr = nil
	m.dialLocked()
	m.mu.Unlock()

	release()
	return nil
}

// Disconnect tears the link down from any state. It cancels pending
// retries and in-flight requests and is a no-op when already idle.
func (m *Machine) Disconnect() error {
	m.mu.Lock()
	if m.state == Disconnected && m.timer == nil && m.cancel == nil {
		m.mu.Unlock()
		return nil
	}
	release := m.teardownLocked(true)
	m.attempt = ReconnectAttempt{}
	m.enterDisconnectedLocked(nil)
	m.mu.Unlock()

	release()
	m.logger.Info("[BLE] disconnected", "address", m.Address())
	return nil
}

// teardownLocked invalidates all pending callbacks and detaches the
// transport handle. The returned function performs the blocking I/O and
// must be called after mu is released.
func (m *Machine) teardownLocked(graceful bool) (release func()) {
	m.gen++
	m.cancelLocked()
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	conn := m.conn
	m.conn = nil

	disable := func() {}
	if graceful && conn != nil {
		disable = m.subs.Detach()
	} else {
		m.subs.Forget()
	}

	return func() {
		disable()
		if conn == nil {
			return
		}
		if err := conn.Disconnect(); err != nil {
			m.logger.Warn("[BLE] disconnect failed", "error", err)
		}
	}
}

func (m *Machine) cancelLocked() {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
}

func (m *Machine) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.logger.Debug("[BLE] state change", "from", m.state.String(), "to", s.String())
	m.state = s
}

func (m *Machine) publishLocked(ev events.Event) {
	if m.events == nil {
		return
	}
	ev.Address = m.address
	if ev.Time.IsZero() {
		ev.Time = m.clock.Now()
	}
	m.events.Publish(ev)
}

func (m *Machine) enterDisconnectedLocked(reason error) {
	prev := m.state
	m.setStateLocked(Disconnected)
	if prev != Disconnected {
		m.publishLocked(events.Event{Type: events.Disconnected, Err: reason})
	}
}

// dialLocked starts a connection attempt. The dial goroutine waits for the
// previous dial to return so two transport handles never coexist.
func (m *Machine) dialLocked() {
	m.gen++
	gen := m.gen
	m.setStateLocked(Connecting)

	ctx, cancel := context.WithTimeout(context.Background(), m.opts.ConnectTimeout)
	m.cancel = cancel
	address := m.address

	prev := m.dialDone
	done := make(chan struct{})
	m.dialDone = done

	m.logger.Info("[BLE] connecting", "address", address, "attempt", m.attempt.Number)
	go func() {
		defer close(done)
		if prev != nil {
			<-prev
		}
		conn, err := m.adapter.Connect(ctx, address)
		m.onLinkResult(gen, conn, err)
	}()
}

func (m *Machine) onLinkResult(gen uint64, conn Connection, err error) {
	if err == nil && conn != nil {
		conn.OnDisconnect(func() { m.onLinkDropped(gen) })
	}

	m.mu.Lock()
	if gen != m.gen || m.state != Connecting {
		m.mu.Unlock()
		if conn != nil {
			m.logger.Debug("[BLE] closing connection from cancelled attempt")
			_ = conn.Disconnect()
		}
		return
	}
	m.cancelLocked()

	if err != nil || conn == nil {
		if err == nil {
			err = fmt.Errorf("adapter returned no connection")
		}
		m.logger.Warn("[BLE] connect failed", "address", m.address, "error", err)
		reason := fmt.Errorf("%w: %w", ErrLinkFailed, err)
		m.enterDisconnectedLocked(reason)
		m.scheduleReconnectLocked(reason)
		m.mu.Unlock()
		return
	}

	if m.dropped == gen {
		m.logger.Warn("[BLE] link dropped before it was established", "address", m.address)
		m.enterDisconnectedLocked(ErrLinkLost)
		m.scheduleReconnectLocked(ErrLinkLost)
		m.mu.Unlock()
		_ = conn.Disconnect()
		return
	}

	m.conn = conn
	m.setStateLocked(Connected)
	m.logger.Info("[BLE] connected", "address", m.address)
	m.publishLocked(events.Event{Type: events.Connected})
	m.discoverLocked(gen)
	m.mu.Unlock()
}

func (m *Machine) onLinkDropped(gen uint64) {
	m.mu.Lock()
	if gen == m.gen && m.state == Connecting {
		// The handle is not installed yet; onLinkResult closes it.
		m.dropped = gen
		m.mu.Unlock()
		return
	}
	if gen != m.gen || !m.state.hasHandle() {
		m.mu.Unlock()
		return
	}
	m.logger.Warn("[BLE] link dropped", "address", m.address, "state", m.state.String())
	release := m.teardownLocked(false)
	m.enterDisconnectedLocked(ErrLinkLost)
	m.scheduleReconnectLocked(ErrLinkLost)
	m.mu.Unlock()

	release()
}

// scheduleReconnectLocked records a failure and arms the retry timer, or
// gives up for this episode.
func (m *Machine) scheduleReconnectLocked(reason error) {
	m.attempt.Number++
	m.attempt.LastFailure = m.clock.Now()

	d := m.opts.Reconnect.Next(m.attempt, reason)
	if d.GiveUp {
		m.giveUpLocked(reason)
		return
	}

	gen := m.gen
	m.timer = m.clock.AfterFunc(d.Delay, func() { m.onRetry(gen) })
	m.logger.Info("[BLE] reconnect backoff", "attempt", m.attempt.Number, "delay", d.Delay)
	m.publishLocked(events.Event{Type: events.Reconnecting, Attempt: m.attempt.Number, Delay: d.Delay})
}

func (m *Machine) onRetry(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || m.state != Disconnected {
		return
	}
	m.timer = nil
	m.dialLocked()
}

func (m *Machine) giveUpLocked(reason error) {
	m.lastErr = fmt.Errorf("%w: %w", ErrReconnectGiveUp, reason)
	m.logger.Error("[BLE] giving up", "address", m.address, "attempts", m.attempt.Number, "error", reason)
	m.publishLocked(events.Event{Type: events.GaveUp, Err: m.lastErr, Attempt: m.attempt.Number})
}

func (m *Machine) discoverLocked(gen uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.DiscoveryTimeout)
	m.cancel = cancel
	conn := m.conn

	go func() {
		services, err := conn.DiscoverServices(ctx)
		m.onServicesDiscovered(gen, services, err)
	}()
}

func (m *Machine) onServicesDiscovered(gen uint64, services []Service, err error) {
	m.mu.Lock()
	if gen != m.gen || m.state != Connected {
		m.mu.Unlock()
		return
	}
	m.cancelLocked()

	if err != nil {
		m.logger.Warn("[BLE] service discovery failed", "address", m.address, "error", err)
		release := m.retryDiscoveryLocked(fmt.Errorf("%w: %w", ErrDiscoveryFailed, err))
		m.mu.Unlock()
		release()
		return
	}

	m.setStateLocked(ServicesDiscovered)
	char, ok := FindCharacteristic(services, HeartRateServiceUUID, HeartRateMeasurementUUID)
	if !ok {
		release := m.failUnsupportedLocked(ErrUnsupported)
		m.mu.Unlock()
		release()
		return
	}
	m.mu.Unlock()

	err = m.subs.Enable(char, func(data []byte) { m.onNotification(gen, data) })
	m.onSubscribed(gen, char, err)
}

func (m *Machine) onSubscribed(gen uint64, char Characteristic, err error) {
	m.mu.Lock()
	if gen != m.gen || m.state != ServicesDiscovered {
		m.mu.Unlock()
		m.subs.Remove(char)
		return
	}

	if err != nil {
		var release func()
		if IsUnsupported(err) {
			release = m.failUnsupportedLocked(fmt.Errorf("%w: %w", ErrUnsupported, err))
		} else {
			m.logger.Warn("[BLE] enabling notifications failed", "error", err)
			m.setStateLocked(Connected)
			release = m.retryDiscoveryLocked(err)
		}
		m.mu.Unlock()
		release()
		return
	}

	m.setStateLocked(Ready)
	m.attempt = ReconnectAttempt{}
	m.logger.Info("[BLE] heart rate notifications enabled", "address", m.address)
	m.publishLocked(events.Event{Type: events.ServicesReady})
	m.mu.Unlock()
}

// retryDiscoveryLocked keeps the link and schedules another discovery
// using the reconnect backoff. On give up the link is torn down.
func (m *Machine) retryDiscoveryLocked(reason error) (release func()) {
	m.attempt.Number++
	m.attempt.LastFailure = m.clock.Now()

	d := m.opts.Reconnect.Next(m.attempt, reason)
	if d.GiveUp {
		release = m.teardownLocked(false)
		m.enterDisconnectedLocked(reason)
		m.giveUpLocked(reason)
		return release
	}

	gen := m.gen
	m.timer = m.clock.AfterFunc(d.Delay, func() { m.onRediscover(gen) })
	m.logger.Info("[BLE] retrying service discovery", "attempt", m.attempt.Number, "delay", d.Delay)
	return func() {}
}

func (m *Machine) onRediscover(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || m.state != Connected {
		return
	}
	m.timer = nil
	m.discoverLocked(gen)
}

// failUnsupportedLocked closes the link and parks the machine in the
// terminal Unsupported state.
func (m *Machine) failUnsupportedLocked(reason error) (release func()) {
	release = m.teardownLocked(false)
	m.setStateLocked(Unsupported)
	m.lastErr = reason
	m.logger.Error("[BLE] device does not support heart rate measurement", "address", m.address, "error", reason)
	m.publishLocked(events.Event{Type: events.Unsupported, Err: reason})
	return release
}

func (m *Machine) onNotification(gen uint64, data []byte) {
	now := m.clock.Now()
	meas, err := hrm.Parse(data)

	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || (m.state != ServicesDiscovered && m.state != Ready) {
		return
	}

	if err != nil {
		m.decodeLog.Do(func() {
			m.logger.Warn("[HRM] dropping malformed measurement", "error", err, "payload", fmt.Sprintf("% X", data))
		})
		m.publishLocked(events.Event{Type: events.DecodeFailed, Time: now, Err: err})
		return
	}

	if meas.Flags.EnergyPresent() {
		m.logger.Debug("[HRM] energy expended", "kj", meas.EnergyExpended)
	}
	m.publishLocked(events.Event{Type: events.SampleDecoded, Time: now, Sample: meas.Sample(now)})
}
