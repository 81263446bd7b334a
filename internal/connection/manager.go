package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jianxcao/watch-docker/internal/clock"
	"github.com/jianxcao/watch-docker/internal/metrics"
)

// EndpointFunc returns the URL for the next connection attempt. It is
// called on every attempt so credentials can rotate between attempts.
type EndpointFunc func() (string, error)

// FrameHandler receives every inbound data frame, in arrival order, on
// the connection's read goroutine. It must not block.
type FrameHandler func(TimestampedMessage)

// Listener receives a Status on every state transition.
type Listener func(Status)

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMetrics attaches a metrics collector.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithFrameHandler sets the frame handler.
func WithFrameHandler(fn FrameHandler) Option {
	return func(m *Manager) { m.onFrame = fn }
}

// Manager is the state machine for one logical connection.
//
// Every socket event carries the generation it was started under.
// Disconnect, Reconnect and each new attempt bump the generation, so
// events from a torn-down socket or a superseded timer are ignored.
type Manager struct {
	cfg      ManagerConfig
	dialer   Dialer
	endpoint EndpointFunc
	clock    clock.Clock
	logger   *slog.Logger
	metrics  *metrics.Metrics
	onFrame  FrameHandler

	mu         sync.Mutex
	state      State
	since      time.Time
	attempt    int
	lastErr    error
	retryIn    time.Duration
	gen        uint64
	conn       Conn
	cancelDial context.CancelFunc
	retryTimer *clock.Timer
	pingTimer  *clock.Timer
	pongTimer  *clock.Timer
	lastSeen   time.Time

	listeners map[int]Listener
	order     []int
	nextID    int

	// Listener notifications are queued under mu and delivered by
	// whichever goroutine holds notifyMu, so they arrive in transition
	// order and never while mu is held.
	pending  []Status
	notifyMu sync.Mutex
}

// NewManager creates a manager in the Disconnected state.
func NewManager(cfg ManagerConfig, dialer Dialer, endpoint EndpointFunc, opts ...Option) *Manager {
	m := &Manager{
		cfg:       cfg,
		dialer:    dialer,
		endpoint:  endpoint,
		clock:     clock.Real(),
		logger:    slog.Default(),
		listeners: make(map[int]Listener),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.since = m.clock.Now()
	return m
}

// Connect starts connecting. It returns ErrNoEndpoint (leaving the
// manager Disconnected) when no endpoint can be built, and ErrClosed
// after Disconnect or a terminal failure. Connecting while already
// active is a no-op.
func (m *Manager) Connect() error {
	m.mu.Lock()
	switch m.state {
	case StateConnecting, StateConnected, StateReconnecting:
		m.mu.Unlock()
		return nil
	case StateClosed:
		m.mu.Unlock()
		return ErrClosed
	}

	err := m.beginAttemptLocked()
	m.mu.Unlock()
	m.flush()
	return err
}

// Reconnect resets the attempt counter and starts a fresh connection
// from any state, tearing down the current socket if there is one.
func (m *Manager) Reconnect() error {
	m.mu.Lock()
	conn := m.teardownLocked()
	m.attempt = 0
	m.lastErr = nil

	err := m.beginAttemptLocked()
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	m.flush()
	return err
}

// Disconnect closes the connection and stops all reconnect scheduling
// before it returns. It is idempotent.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.state == StateClosed && m.conn == nil && m.retryTimer == nil {
		m.mu.Unlock()
		return
	}
	conn := m.teardownLocked()
	m.attempt = 0
	m.lastErr = nil
	m.transitionLocked(StateClosed)
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	m.logger.Info("connection closed by caller")
	m.flush()
}

// Send writes a text frame on the live connection.
func (m *Manager) Send(data []byte) error {
	m.mu.Lock()
	conn := m.conn
	connected := m.state == StateConnected
	m.mu.Unlock()

	if !connected || conn == nil {
		return ErrNotConnected
	}
	return conn.WriteMessage(data)
}

// Status returns the current status.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked()
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscribe registers fn for status notifications and returns a
// function that removes it. Listeners may call back into the manager.
func (m *Manager) Subscribe(fn Listener) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.order = append(m.order, id)
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.listeners, id)
			for i, v := range m.order {
				if v == id {
					m.order = append(m.order[:i:i], m.order[i+1:]...)
					break
				}
			}
		})
	}
}

// beginAttemptLocked resolves the endpoint and starts a dial. Without
// an endpoint the manager goes (or stays) Disconnected.
func (m *Manager) beginAttemptLocked() error {
	endpoint, err := m.endpoint()
	if err != nil || endpoint == "" {
		if err == nil {
			err = ErrNoEndpoint
		} else if !errors.Is(err, ErrNoEndpoint) {
			err = fmt.Errorf("%w: %v", ErrNoEndpoint, err)
		}
		m.lastErr = err
		m.logger.Warn("cannot connect", "error", err)
		if m.state != StateDisconnected {
			m.transitionLocked(StateDisconnected)
		}
		return err
	}

	m.startDialLocked(endpoint)
	return nil
}

func (m *Manager) startDialLocked(endpoint string) {
	m.gen++
	gen := m.gen
	ctx, cancel := context.WithCancel(context.Background())
	m.cancelDial = cancel
	m.transitionLocked(StateConnecting)

	m.logger.Debug("dialing", "url", RedactURL(endpoint), "attempt", m.attempt)

	go func() {
		conn, err := m.dialer.Dial(ctx, endpoint)
		cancel()
		m.dialed(gen, conn, err)
	}()
}

func (m *Manager) dialed(gen uint64, conn Conn, err error) {
	m.mu.Lock()
	if gen != m.gen || m.state != StateConnecting {
		m.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	m.cancelDial = nil

	if err != nil {
		m.lostLocked(err)
		m.mu.Unlock()
		m.flush()
		return
	}

	m.conn = conn
	m.attempt = 0
	m.lastErr = nil
	m.lastSeen = m.clock.Now()
	m.transitionLocked(StateConnected)
	m.schedulePingLocked(gen)
	m.mu.Unlock()

	m.logger.Info("connected")
	conn.SetActivityHandler(func() { m.touch(gen) })
	go m.readLoop(gen, conn)
	m.flush()
}

// readLoop forwards frames until the connection fails.
func (m *Manager) readLoop(gen uint64, conn Conn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			m.lost(gen, err)
			return
		}

		receivedAt := m.clock.Now()
		if !m.touch(gen) {
			return
		}
		if m.onFrame != nil {
			m.onFrame(TimestampedMessage{Data: data, ReceivedAt: receivedAt})
		}
	}
}

// touch records traffic and reports whether gen is still current.
func (m *Manager) touch(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return false
	}
	m.lastSeen = m.clock.Now()
	return true
}

func (m *Manager) lost(gen uint64, err error) {
	m.mu.Lock()
	if gen != m.gen || m.state != StateConnected {
		m.mu.Unlock()
		return
	}
	conn := m.lostLocked(err)
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	m.flush()
}

// lostLocked handles a dropped connection or failed attempt: it either
// schedules the next attempt or gives up. It returns the connection to
// close once mu is released.
func (m *Manager) lostLocked(cause error) Conn {
	conn := m.teardownLocked()
	m.attempt++
	m.lastErr = cause

	if m.cfg.MaxAttempts > 0 && m.attempt > m.cfg.MaxAttempts {
		m.lastErr = fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, m.cfg.MaxAttempts, cause)
		m.attempt = m.cfg.MaxAttempts
		m.logger.Error("giving up on connection", "attempts", m.cfg.MaxAttempts, "error", cause)
		m.transitionLocked(StateClosed)
		return conn
	}

	delay := BackoffDelay(m.cfg.ReconnectBaseWait, m.cfg.ReconnectMaxWait, m.attempt)
	m.retryIn = delay
	gen := m.gen
	m.retryTimer = m.clock.AfterFunc(delay, func() { m.retry(gen) })
	m.metrics.ReconnectScheduled()

	m.logger.Warn("connection lost, scheduling reconnect",
		"error", cause,
		"attempt", m.attempt,
		"delay", delay,
	)
	m.transitionLocked(StateReconnecting)
	return conn
}

func (m *Manager) retry(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.state != StateReconnecting {
		m.mu.Unlock()
		return
	}
	m.retryTimer = nil
	m.retryIn = 0

	var conn Conn
	endpoint, err := m.endpoint()
	if err != nil || endpoint == "" {
		if err == nil {
			err = ErrNoEndpoint
		}
		conn = m.lostLocked(err)
	} else {
		m.startDialLocked(endpoint)
	}
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	m.flush()
}

func (m *Manager) schedulePingLocked(gen uint64) {
	if m.cfg.PingInterval <= 0 {
		return
	}
	m.pingTimer = m.clock.AfterFunc(m.cfg.PingInterval, func() { m.heartbeat(gen) })
}

// heartbeat sends a keepalive and arms the reply check.
func (m *Manager) heartbeat(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.state != StateConnected {
		m.mu.Unlock()
		return
	}
	conn := m.conn
	sentAt := m.clock.Now()
	if m.cfg.PongTimeout > 0 {
		m.pongTimer = m.clock.AfterFunc(m.cfg.PongTimeout, func() { m.checkReply(gen, sentAt) })
	}
	m.schedulePingLocked(gen)
	m.mu.Unlock()

	err := conn.Ping()
	if err == nil && m.cfg.HeartbeatMessage != "" {
		err = conn.WriteMessage([]byte(m.cfg.HeartbeatMessage))
	}
	if err != nil {
		m.logger.Debug("failed to send heartbeat", "error", err)
		m.lost(gen, fmt.Errorf("send heartbeat: %w", err))
	}
}

// checkReply forces a reconnect when nothing arrived since sentAt.
func (m *Manager) checkReply(gen uint64, sentAt time.Time) {
	m.mu.Lock()
	if gen != m.gen || m.state != StateConnected {
		m.mu.Unlock()
		return
	}
	if !m.lastSeen.Before(sentAt) {
		m.mu.Unlock()
		return
	}
	m.logger.Warn("no heartbeat reply, connection stale",
		"last_seen", m.lastSeen,
		"timeout", m.cfg.PongTimeout,
	)
	conn := m.lostLocked(ErrStaleConnection)
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	m.flush()
}

// teardownLocked invalidates every in-flight event and returns the
// live connection, if any, for the caller to close.
func (m *Manager) teardownLocked() Conn {
	m.gen++
	for _, t := range []*clock.Timer{m.retryTimer, m.pingTimer, m.pongTimer} {
		t.Stop()
	}
	m.retryTimer, m.pingTimer, m.pongTimer = nil, nil, nil
	m.retryIn = 0
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
	conn := m.conn
	m.conn = nil
	return conn
}

func (m *Manager) transitionLocked(s State) {
	prev := m.state
	m.state = s
	m.since = m.clock.Now()
	m.metrics.ConnectionState(int(s), s.String())
	m.pending = append(m.pending, m.statusLocked())

	m.logger.Debug("connection state", "from", prev, "to", s, "attempt", m.attempt)
}

func (m *Manager) statusLocked() Status {
	return Status{
		State:     m.state,
		Attempt:   m.attempt,
		LastError: m.lastErr,
		RetryIn:   m.retryIn,
		Since:     m.since,
	}
}

// flush delivers queued notifications. Only one goroutine drains at a
// time; a drainer re-checks the queue after releasing notifyMu so no
// status is stranded.
func (m *Manager) flush() {
	for {
		if !m.notifyMu.TryLock() {
			return
		}
		for {
			m.mu.Lock()
			batch := m.pending
			m.pending = nil
			listeners := make([]Listener, 0, len(m.order))
			for _, id := range m.order {
				listeners = append(listeners, m.listeners[id])
			}
			m.mu.Unlock()

			if len(batch) == 0 {
				break
			}
			for _, st := range batch {
				for _, fn := range listeners {
					m.deliver(fn, st)
				}
			}
		}
		m.notifyMu.Unlock()

		m.mu.Lock()
		more := len(m.pending) > 0
		m.mu.Unlock()
		if !more {
			return
		}
	}
}

func (m *Manager) deliver(fn Listener, st Status) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("connection listener panicked", "panic", r, "state", st.State)
		}
	}()
	fn(st)
}
