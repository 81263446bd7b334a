package connection

import (
	"errors"
	"time"
)

// Errors
var (
	ErrNotConnected     = errors.New("not connected")
	ErrStaleConnection  = errors.New("connection stale (no heartbeat reply)")
	ErrRetriesExhausted = errors.New("reconnect attempts exhausted")
	ErrNoEndpoint       = errors.New("no endpoint available")
	ErrClosed           = errors.New("connection closed; call Reconnect")
	ErrUnauthorized     = errors.New("handshake rejected: unauthorized")
)

// State is the connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Status is a point-in-time view of the manager, delivered to listeners
// on every transition.
type Status struct {
	State     State
	Attempt   int           // Reconnect attempt counter, 0 while healthy
	LastError error         // Cause of the most recent loss or failure
	RetryIn   time.Duration // Scheduled delay, set while Reconnecting
	Since     time.Time     // When State was entered
}

// Terminal reports whether the status is a retry-exhausted failure.
func (s Status) Terminal() bool {
	return s.State == StateClosed && errors.Is(s.LastError, ErrRetriesExhausted)
}

// TimestampedMessage wraps raw frame data with its receive timestamp.
type TimestampedMessage struct {
	Data       []byte    // Raw frame bytes
	ReceivedAt time.Time // Local time the read returned
}

// ClientConfig configures the gorilla WebSocket transport.
type ClientConfig struct {
	HandshakeTimeout time.Duration // Dial + upgrade deadline
	WriteTimeout     time.Duration // Write deadline for sends and control frames
	ReadLimit        int64         // Max inbound frame size in bytes (0 = unlimited)
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		ReadLimit:        8 << 20,
	}
}

// ManagerConfig configures the connection manager.
type ManagerConfig struct {
	ReconnectBaseWait time.Duration // Delay before the first reconnect
	ReconnectMaxWait  time.Duration // Cap on the backoff delay
	MaxAttempts       int           // Failed reconnects before giving up (0 = unlimited)

	PingInterval     time.Duration // Heartbeat period (0 = disabled)
	PongTimeout      time.Duration // Max wait for any traffic after a heartbeat
	HeartbeatMessage string        // Optional text frame sent with each heartbeat
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		ReconnectBaseWait: time.Second,
		ReconnectMaxWait:  30 * time.Second,
		MaxAttempts:       5,
		PingInterval:      30 * time.Second,
		PongTimeout:       5 * time.Second,
		HeartbeatMessage:  "ping",
	}
}

// BackoffDelay returns the delay before reconnect attempt n (n >= 1):
// min(base * 2^(n-1), max).
func BackoffDelay(base, max time.Duration, n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := base
	for i := 1; i < n; i++ {
		d *= 2
		if max > 0 && d >= max {
			return max
		}
		if d <= 0 {
			return max
		}
	}
	if max > 0 && d > max {
		return max
	}
	return d
}
