package config

import (
	"time"

	"github.com/jianxcao/watch-docker/internal/router"
)

// Default values for optional configuration fields.
const (
	DefaultServerURL          = "http://localhost:8080"
	DefaultAPIPrefix          = "/api/v1"
	DefaultStatsPath          = "/containers/stats/ws"
	DefaultAPITimeout         = 30 * time.Second
	DefaultMaxRetries         = 3
	DefaultRetryBackoff       = 1 * time.Second
	DefaultReconnectBaseDelay = 1 * time.Second
	DefaultReconnectMaxDelay  = 30 * time.Second
	DefaultMaxAttempts        = 5
	DefaultPingInterval       = 30 * time.Second
	DefaultPongTimeout        = 5 * time.Second
	DefaultHeartbeatMessage   = "ping"
	DefaultHandshakeTimeout   = 10 * time.Second
	DefaultWriteTimeout       = 5 * time.Second
	DefaultReadLimit          = 8 << 20
	DefaultQueueSize          = 256
	DefaultMaxQueueSize       = 65536
	DefaultPollInterval       = 30 * time.Second
	DefaultPollTimeout        = 10 * time.Second
	DefaultDBPort             = 5432
	DefaultDBSSLMode          = "prefer"
	DefaultMaxConns           = 4
	DefaultMinConns           = 1
	DefaultBatchSize          = 500
	DefaultFlushInterval      = 5 * time.Second
	DefaultBufferSize         = 10000
	DefaultMetricsPort        = 9090
	DefaultMetricsPath        = "/metrics"
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "text"
)

// ApplyDefaults fills every unset optional field.
func (c *Config) ApplyDefaults() {
	// Server defaults
	if c.Server.URL == "" {
		c.Server.URL = DefaultServerURL
	}
	if c.Server.APIPrefix == "" {
		c.Server.APIPrefix = DefaultAPIPrefix
	}
	if c.Server.StatsPath == "" {
		c.Server.StatsPath = DefaultStatsPath
	}

	// API defaults
	if c.API.Timeout == 0 {
		c.API.Timeout = DefaultAPITimeout
	}
	if c.API.MaxRetries == 0 {
		c.API.MaxRetries = DefaultMaxRetries
	}
	if c.API.RetryBackoff == 0 {
		c.API.RetryBackoff = DefaultRetryBackoff
	}

	// Connection defaults
	conn := &c.Connection
	if conn.ReconnectBaseDelay == 0 {
		conn.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if conn.ReconnectMaxDelay == 0 {
		conn.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if conn.MaxAttempts == 0 {
		conn.MaxAttempts = DefaultMaxAttempts
	}
	if conn.PingInterval == 0 {
		conn.PingInterval = DefaultPingInterval
	}
	if conn.PongTimeout == 0 {
		conn.PongTimeout = DefaultPongTimeout
	}
	if conn.HeartbeatMessage == "" {
		conn.HeartbeatMessage = DefaultHeartbeatMessage
	}
	if conn.HandshakeTimeout == 0 {
		conn.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if conn.WriteTimeout == 0 {
		conn.WriteTimeout = DefaultWriteTimeout
	}
	if conn.ReadLimit == 0 {
		conn.ReadLimit = DefaultReadLimit
	}

	// Channel defaults
	if c.Channel.FullReplaceKinds == nil {
		c.Channel.FullReplaceKinds = []string{router.KindStats}
	}
	if c.Channel.QueueSize == 0 {
		c.Channel.QueueSize = DefaultQueueSize
	}
	if c.Channel.MaxQueueSize == 0 {
		c.Channel.MaxQueueSize = DefaultMaxQueueSize
	}

	// Poller defaults
	if c.Poller.Interval == 0 {
		c.Poller.Interval = DefaultPollInterval
	}
	if c.Poller.Timeout == 0 {
		c.Poller.Timeout = DefaultPollTimeout
	}

	// Database defaults
	if c.Database.Port == 0 {
		c.Database.Port = DefaultDBPort
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = DefaultDBSSLMode
	}
	if c.Database.MaxConns == 0 {
		c.Database.MaxConns = DefaultMaxConns
	}
	if c.Database.MinConns == 0 {
		c.Database.MinConns = DefaultMinConns
	}

	// Writer defaults
	if c.Writer.BatchSize == 0 {
		c.Writer.BatchSize = DefaultBatchSize
	}
	if c.Writer.FlushInterval == 0 {
		c.Writer.FlushInterval = DefaultFlushInterval
	}
	if c.Writer.BufferSize == 0 {
		c.Writer.BufferSize = DefaultBufferSize
	}

	// Metrics defaults
	if c.Metrics.Port == 0 {
		c.Metrics.Port = DefaultMetricsPort
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}

	// Logging defaults
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}
}
