package config

import (
	"net/url"
	"strings"
	"time"

	"github.com/jianxcao/watch-docker/internal/connection"
	"github.com/jianxcao/watch-docker/internal/router"
)

// Config is the root configuration for a dashboard client.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Auth       AuthConfig       `yaml:"auth"`
	API        APIConfig        `yaml:"api"`
	Connection ConnectionConfig `yaml:"connection"`
	Channel    ChannelConfig    `yaml:"channel"`
	Poller     PollerConfig     `yaml:"poller"`
	Database   DBConfig         `yaml:"database"`
	Writer     WriterConfig     `yaml:"writer"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig locates the watch-docker server.
type ServerConfig struct {
	URL       string `yaml:"url"`        // e.g. http://localhost:8080
	APIPrefix string `yaml:"api_prefix"` // REST prefix
	StatsPath string `yaml:"stats_path"` // Live channel path under the prefix
}

// RestURL returns the REST base URL including the API prefix.
func (s ServerConfig) RestURL() string {
	return strings.TrimRight(s.URL, "/") + s.APIPrefix
}

// WSURL returns the live channel URL for token. http becomes ws and
// https becomes wss. An empty token omits the query parameter.
func (s ServerConfig) WSURL(token string) (string, error) {
	u, err := url.Parse(s.RestURL() + s.StatsPath)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// AuthConfig supplies the bearer token. TokenFile wins over Token.
type AuthConfig struct {
	Token     string `yaml:"token"`
	TokenFile string `yaml:"token_file"` // Reloaded when the file changes

	// AllowAnonymous lets the live channel connect without a token.
	AllowAnonymous bool `yaml:"allow_anonymous"`
}

// APIConfig holds REST client settings.
type APIConfig struct {
	Timeout      time.Duration `yaml:"timeout"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

// ConnectionConfig holds live channel connection settings.
type ConnectionConfig struct {
	ReconnectBaseDelay time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay  time.Duration `yaml:"reconnect_max_delay"`
	MaxAttempts        int           `yaml:"max_attempts"` // -1 = unlimited
	PingInterval       time.Duration `yaml:"ping_interval"`
	PongTimeout        time.Duration `yaml:"pong_timeout"`
	HeartbeatMessage   string        `yaml:"heartbeat_message"`
	NoTextHeartbeat    bool          `yaml:"no_text_heartbeat"` // Send only ping control frames
	HandshakeTimeout   time.Duration `yaml:"handshake_timeout"`
	WriteTimeout       time.Duration `yaml:"write_timeout"`
	ReadLimit          int64         `yaml:"read_limit"`
}

// ManagerConfig converts to the connection manager settings.
func (c ConnectionConfig) ManagerConfig() connection.ManagerConfig {
	cfg := connection.ManagerConfig{
		ReconnectBaseWait: c.ReconnectBaseDelay,
		ReconnectMaxWait:  c.ReconnectMaxDelay,
		MaxAttempts:       c.MaxAttempts,
		PingInterval:      c.PingInterval,
		PongTimeout:       c.PongTimeout,
		HeartbeatMessage:  c.HeartbeatMessage,
	}
	if c.MaxAttempts < 0 {
		cfg.MaxAttempts = 0
	}
	if c.NoTextHeartbeat {
		cfg.HeartbeatMessage = ""
	}
	return cfg
}

// ClientConfig converts to the transport settings.
func (c ConnectionConfig) ClientConfig() connection.ClientConfig {
	return connection.ClientConfig{
		HandshakeTimeout: c.HandshakeTimeout,
		WriteTimeout:     c.WriteTimeout,
		ReadLimit:        c.ReadLimit,
	}
}

// ChannelConfig holds live channel routing and state settings.
type ChannelConfig struct {
	FullReplaceKinds []string `yaml:"full_replace_kinds"` // Kinds whose batches replace the whole store
	AcceptStale      bool     `yaml:"accept_stale"`       // Apply batches older than the last one
	QueueSize        int      `yaml:"queue_size"`
	MaxQueueSize     int      `yaml:"max_queue_size"`
}

// RouterConfig converts to the router settings.
func (c ChannelConfig) RouterConfig() router.RouterConfig {
	cfg := router.DefaultRouterConfig()
	cfg.QueueSize = c.QueueSize
	cfg.MaxQueueSize = c.MaxQueueSize
	return cfg
}

// ReplaceKind reports whether kind is declared full-replace.
func (c ChannelConfig) ReplaceKind(kind string) bool {
	for _, k := range c.FullReplaceKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// PollerConfig holds REST refresh settings.
type PollerConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

// DBConfig holds the optional stats history database.
type DBConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// WriterConfig holds batch writer settings.
type WriterConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// LoggingConfig selects the log handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}
