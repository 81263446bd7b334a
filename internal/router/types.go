package router

import (
	"encoding/json"
	"time"
)

// Well-known message kinds on the live channel.
const (
	KindContainers = "containers"
	KindStats      = "stats"
)

// RouterConfig holds configuration for the Message Router.
type RouterConfig struct {
	QueueSize     int      // Initial frame queue capacity. Default: 256
	MaxQueueSize  int      // Frames beyond this are dropped (0 = unbounded). Default: 65536
	ControlFrames []string // Bare text frames skipped without a parse error
}

// DefaultRouterConfig returns default configuration.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		QueueSize:     256,
		MaxQueueSize:  65536,
		ControlFrames: []string{"ping", "pong"},
	}
}

// InboundMessage is one decoded live-channel frame.
type InboundMessage struct {
	Type       string          // Message kind
	Data       json.RawMessage // Kind-specific payload
	Timestamp  int64           // Sender timestamp as sent
	ReceivedAt time.Time       // Local receive time
}

// Decode unmarshals the payload into v.
func (m InboundMessage) Decode(v any) error {
	if len(m.Data) == 0 {
		return errEmptyPayload
	}
	return json.Unmarshal(m.Data, v)
}

// Handler receives messages of the kinds it subscribed to.
type Handler func(InboundMessage)

// RouterStats contains runtime statistics.
type RouterStats struct {
	MessagesReceived int64
	MessagesRouted   int64
	ParseErrors      int64
	UnhandledKinds   int64
	ControlFrames    int64
	SubscriberPanics int64
	Queue            BufferStats
}

// messageEnvelope is the wire shape of every frame.
type messageEnvelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp json.Number     `json:"timestamp"`
}
