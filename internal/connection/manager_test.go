package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jianxcao/watch-docker/internal/clock"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// fakeConn is an in-memory Conn driven by the test.
type fakeConn struct {
	frames    chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	autoPong bool

	mu         sync.Mutex
	writes     []string
	pings      int
	onActivity func()
}

func newFakeConn(autoPong bool) *fakeConn {
	return &fakeConn{
		frames:   make(chan []byte, 16),
		closed:   make(chan struct{}),
		autoPong: autoPong,
	}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case f := <-c.frames:
		return f, nil
	case <-c.closed:
		return nil, errors.New("use of closed connection")
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, string(data))
	return nil
}

func (c *fakeConn) Ping() error {
	c.mu.Lock()
	c.pings++
	fn := c.onActivity
	c.mu.Unlock()
	if c.autoPong && fn != nil {
		fn()
	}
	return nil
}

func (c *fakeConn) SetActivityHandler(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onActivity = fn
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) written() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.writes...)
}

// fakeDialer hands out results from script in order; once the script is
// exhausted every dial fails.
type fakeDialer struct {
	mu        sync.Mutex
	script    []any // *fakeConn or error
	endpoints []string
}

func (d *fakeDialer) Dial(_ context.Context, endpoint string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.endpoints = append(d.endpoints, endpoint)
	if len(d.script) == 0 {
		return nil, errors.New("connection refused")
	}
	next := d.script[0]
	d.script = d.script[1:]
	if err, ok := next.(error); ok {
		return nil, err
	}
	return next.(*fakeConn), nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.endpoints)
}

type harness struct {
	t      *testing.T
	clk    *clock.FakeClock
	dialer *fakeDialer
	mgr    *Manager
	status chan Status
}

func newHarness(t *testing.T, cfg ManagerConfig, script ...any) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		clk:    clock.Fake(epoch),
		dialer: &fakeDialer{script: script},
		status: make(chan Status, 64),
	}
	var n atomic.Int32
	endpoint := func() (string, error) {
		return fmt.Sprintf("ws://dash.test/api/v1/containers/stats/ws?token=t%d", n.Add(1)), nil
	}
	h.mgr = NewManager(cfg, h.dialer, endpoint, WithClock(h.clk))
	h.mgr.Subscribe(func(s Status) { h.status <- s })
	t.Cleanup(h.mgr.Disconnect)
	return h
}

// expect waits for the next status in state want and returns it,
// skipping intermediate statuses in other states.
func (h *harness) expect(want State) Status {
	h.t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case s := <-h.status:
			if s.State == want {
				return s
			}
		case <-timeout:
			h.t.Fatalf("timeout waiting for state %s (current %s)", want, h.mgr.State())
			return Status{}
		}
	}
}

func testConfig() ManagerConfig {
	return ManagerConfig{
		ReconnectBaseWait: time.Second,
		ReconnectMaxWait:  8 * time.Second,
		MaxAttempts:       10,
	}
}

func TestBackoffDelay(t *testing.T) {
	tests := []struct {
		n    int
		want time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 8 * time.Second},
		{64, 8 * time.Second},
	}
	for _, tt := range tests {
		if got := BackoffDelay(time.Second, 8*time.Second, tt.n); got != tt.want {
			t.Errorf("BackoffDelay(n=%d) = %v, want %v", tt.n, got, tt.want)
		}
	}

	prev := time.Duration(0)
	for n := 1; n < 100; n++ {
		d := BackoffDelay(250*time.Millisecond, 30*time.Second, n)
		if d < prev || d > 30*time.Second {
			t.Fatalf("delay(%d) = %v not monotonic and bounded", n, d)
		}
		prev = d
	}
}

func TestManager_ConnectAndFrames(t *testing.T) {
	conn := newFakeConn(false)
	h := newHarness(t, testConfig(), conn)

	var mu sync.Mutex
	var got []string
	h.mgr.onFrame = func(msg TimestampedMessage) {
		mu.Lock()
		got = append(got, string(msg.Data))
		mu.Unlock()
	}

	if err := h.mgr.Connect(); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	h.expect(StateConnecting)
	st := h.expect(StateConnected)
	if st.Attempt != 0 {
		t.Errorf("Attempt = %d, want 0", st.Attempt)
	}

	for i := 0; i < 3; i++ {
		conn.frames <- []byte(fmt.Sprintf("frame-%d", i))
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n == 3 || time.Now().After(deadline) {
			break
		}
		time.Sleep(time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	for i, f := range got {
		if want := fmt.Sprintf("frame-%d", i); f != want {
			t.Errorf("frame %d = %q, want %q", i, f, want)
		}
	}
	if len(got) != 3 {
		t.Errorf("received %d frames, want 3", len(got))
	}
}

func TestManager_BackoffSequence(t *testing.T) {
	first := newFakeConn(false)
	h := newHarness(t, testConfig(), first)

	h.mgr.Connect()
	h.expect(StateConnected)

	// Server drops the socket; every later dial fails.
	first.Close()

	var delays []time.Duration
	for i := 0; i < 3; i++ {
		st := h.expect(StateReconnecting)
		delays = append(delays, st.RetryIn)

		before := h.dialer.dials()
		h.clk.Advance(st.RetryIn - time.Millisecond)
		if h.dialer.dials() != before {
			t.Fatalf("attempt %d dialed before its delay elapsed", i+1)
		}
		h.clk.Advance(time.Millisecond)
		h.expect(StateConnecting)
	}

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	for i := range want {
		if delays[i] != want[i] {
			t.Errorf("delay %d = %v, want %v", i+1, delays[i], want[i])
		}
	}
}

func TestManager_AttemptResetsOnConnect(t *testing.T) {
	first, second := newFakeConn(false), newFakeConn(false)
	h := newHarness(t, testConfig(), first, errors.New("refused"), second)

	h.mgr.Connect()
	h.expect(StateConnected)
	first.Close()

	st := h.expect(StateReconnecting)
	h.clk.Advance(st.RetryIn)
	st = h.expect(StateReconnecting)
	if st.Attempt != 2 {
		t.Fatalf("Attempt = %d, want 2", st.Attempt)
	}
	h.clk.Advance(st.RetryIn)
	st = h.expect(StateConnected)
	if st.Attempt != 0 {
		t.Errorf("Attempt = %d after reconnect, want 0", st.Attempt)
	}

	second.Close()
	st = h.expect(StateReconnecting)
	if st.RetryIn != time.Second {
		t.Errorf("RetryIn = %v after a successful connect, want base delay", st.RetryIn)
	}
}

func TestManager_RetriesExhausted(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAttempts = 2
	h := newHarness(t, cfg)

	h.mgr.Connect()
	for i := 0; i < 2; i++ {
		st := h.expect(StateReconnecting)
		h.clk.Advance(st.RetryIn)
	}

	st := h.expect(StateClosed)
	if !st.Terminal() {
		t.Errorf("expected terminal status, got %+v", st)
	}
	if !errors.Is(st.LastError, ErrRetriesExhausted) {
		t.Errorf("LastError = %v, want ErrRetriesExhausted", st.LastError)
	}

	dials := h.dialer.dials()
	if dials != 3 {
		t.Errorf("dials = %d, want 3 (initial + 2 retries)", dials)
	}
	h.clk.Advance(time.Hour)
	if h.dialer.dials() != dials {
		t.Error("dialed again after giving up")
	}
	if h.clk.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", h.clk.Pending())
	}

	if err := h.mgr.Connect(); !errors.Is(err, ErrClosed) {
		t.Errorf("Connect after give-up = %v, want ErrClosed", err)
	}

	h.dialer.mu.Lock()
	h.dialer.script = []any{newFakeConn(false)}
	h.dialer.mu.Unlock()

	if err := h.mgr.Reconnect(); err != nil {
		t.Fatalf("Reconnect failed: %v", err)
	}
	st = h.expect(StateConnecting)
	if st.Attempt != 0 {
		t.Errorf("Attempt = %d after Reconnect, want 0", st.Attempt)
	}
	h.expect(StateConnected)
}

func TestManager_HeartbeatTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.PingInterval = 30 * time.Second
	cfg.PongTimeout = 5 * time.Second
	conn := newFakeConn(false)
	h := newHarness(t, cfg, conn)

	h.mgr.Connect()
	h.expect(StateConnected)

	h.clk.Advance(30 * time.Second)
	h.clk.Advance(5 * time.Second)

	st := h.expect(StateReconnecting)
	if !errors.Is(st.LastError, ErrStaleConnection) {
		t.Errorf("LastError = %v, want ErrStaleConnection", st.LastError)
	}
	if !conn.isClosed() {
		t.Error("stale connection should be closed")
	}
}

func TestManager_HeartbeatHealthy(t *testing.T) {
	cfg := testConfig()
	cfg.PingInterval = 30 * time.Second
	cfg.PongTimeout = 5 * time.Second
	cfg.HeartbeatMessage = "ping"
	conn := newFakeConn(true)
	h := newHarness(t, cfg, conn)

	h.mgr.Connect()
	h.expect(StateConnected)

	for i := 0; i < 3; i++ {
		h.clk.Advance(30 * time.Second)
	}

	if h.mgr.State() != StateConnected {
		t.Errorf("State = %s, want connected", h.mgr.State())
	}
	writes := conn.written()
	if len(writes) != 3 || writes[0] != "ping" {
		t.Errorf("heartbeat writes = %v, want three pings", writes)
	}
}

func TestManager_DisconnectStopsReconnect(t *testing.T) {
	h := newHarness(t, testConfig())

	h.mgr.Connect()
	h.expect(StateReconnecting)

	h.mgr.Disconnect()
	if h.mgr.State() != StateClosed {
		t.Fatalf("State = %s, want closed", h.mgr.State())
	}
	h.mgr.Disconnect()

	dials := h.dialer.dials()
	h.clk.Advance(time.Hour)
	if h.dialer.dials() != dials {
		t.Error("reconnect scheduled after Disconnect")
	}
	if st := h.mgr.Status(); st.Terminal() {
		t.Error("caller disconnect is not a terminal failure")
	}
	if err := h.mgr.Connect(); !errors.Is(err, ErrClosed) {
		t.Errorf("Connect after Disconnect = %v, want ErrClosed", err)
	}
}

func TestManager_DisconnectWhileConnected(t *testing.T) {
	conn := newFakeConn(false)
	h := newHarness(t, testConfig(), conn)

	h.mgr.Connect()
	h.expect(StateConnected)
	h.mgr.Disconnect()

	h.expect(StateClosed)
	if !conn.isClosed() {
		t.Error("Disconnect should close the live connection")
	}

	// The read loop's error after close must not schedule a reconnect.
	time.Sleep(20 * time.Millisecond)
	if h.mgr.State() != StateClosed {
		t.Errorf("State = %s, want closed", h.mgr.State())
	}
}

func TestManager_NoEndpoint(t *testing.T) {
	dialer := &fakeDialer{}
	m := NewManager(testConfig(), dialer, func() (string, error) {
		return "", errors.New("no token")
	}, WithClock(clock.Fake(epoch)))

	err := m.Connect()
	if !errors.Is(err, ErrNoEndpoint) {
		t.Errorf("Connect() = %v, want ErrNoEndpoint", err)
	}
	if m.State() != StateDisconnected {
		t.Errorf("State = %s, want disconnected", m.State())
	}
	if dialer.dials() != 0 {
		t.Error("dialed without an endpoint")
	}
}

func TestManager_EndpointRebuiltPerAttempt(t *testing.T) {
	h := newHarness(t, testConfig(), errors.New("refused"), errors.New("refused"))

	h.mgr.Connect()
	st := h.expect(StateReconnecting)
	h.clk.Advance(st.RetryIn)
	h.expect(StateReconnecting)

	h.dialer.mu.Lock()
	defer h.dialer.mu.Unlock()
	if len(h.dialer.endpoints) != 2 {
		t.Fatalf("dials = %d, want 2", len(h.dialer.endpoints))
	}
	if h.dialer.endpoints[0] == h.dialer.endpoints[1] {
		t.Error("endpoint should be rebuilt for each attempt")
	}
}

func TestManager_Send(t *testing.T) {
	conn := newFakeConn(false)
	h := newHarness(t, testConfig(), conn)

	if err := h.mgr.Send([]byte("x")); err != ErrNotConnected {
		t.Errorf("Send before connect = %v, want ErrNotConnected", err)
	}

	h.mgr.Connect()
	h.expect(StateConnected)

	if err := h.mgr.Send([]byte(`{"hello":1}`)); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if w := conn.written(); len(w) != 1 || w[0] != `{"hello":1}` {
		t.Errorf("writes = %v", w)
	}
}

func TestManager_ListenerMayDisconnect(t *testing.T) {
	conn := newFakeConn(false)
	h := newHarness(t, testConfig(), conn)

	var order []State
	var mu sync.Mutex
	h.mgr.Subscribe(func(s Status) {
		mu.Lock()
		order = append(order, s.State)
		mu.Unlock()
		if s.State == StateConnected {
			h.mgr.Disconnect()
		}
	})

	h.mgr.Connect()
	h.expect(StateClosed)

	mu.Lock()
	defer mu.Unlock()
	want := []State{StateConnecting, StateConnected, StateClosed}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %s, want %s", i, order[i], want[i])
		}
	}
}

func TestManager_ListenerPanicIsolated(t *testing.T) {
	conn := newFakeConn(false)
	h := newHarness(t, testConfig(), conn)
	h.mgr.Subscribe(func(Status) { panic("listener bug") })

	h.mgr.Connect()
	h.expect(StateConnected)
}

func TestStateString(t *testing.T) {
	tests := map[State]string{
		StateDisconnected: "disconnected",
		StateConnecting:   "connecting",
		StateConnected:    "connected",
		StateReconnecting: "reconnecting",
		StateClosed:       "closed",
		State(99):         "unknown",
	}
	for s, want := range tests {
		if s.String() != want {
			t.Errorf("State(%d).String() = %q, want %q", s, s.String(), want)
		}
	}
}
