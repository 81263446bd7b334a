package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jianxcao/watch-docker/internal/auth"
	"github.com/jianxcao/watch-docker/internal/clock"
	"github.com/jianxcao/watch-docker/internal/connection"
	"github.com/jianxcao/watch-docker/internal/metrics"
	"github.com/jianxcao/watch-docker/internal/model"
	"github.com/jianxcao/watch-docker/internal/router"
	"github.com/jianxcao/watch-docker/internal/state"
)

// URLFunc builds the endpoint URL for a token. The token is empty only
// when the channel allows anonymous connections.
type URLFunc func(token string) (string, error)

// Config configures a Channel.
type Config struct {
	Manager      connection.ManagerConfig
	Router       router.RouterConfig
	ReplaceKinds []string // Kinds whose batches replace the store
	AcceptStale  bool     // Apply batches older than the last applied one

	// AllowAnonymous lets the channel connect without a token. Without it
	// a missing credential leaves the channel Disconnected.
	AllowAnonymous bool
}

// DefaultConfig returns the defaults: stats batches replace, container
// batches merge, stale batches are discarded.
func DefaultConfig() Config {
	return Config{
		Manager:      connection.DefaultManagerConfig(),
		Router:       router.DefaultRouterConfig(),
		ReplaceKinds: []string{router.KindStats},
	}
}

// Option configures a Channel.
type Option func(*Channel)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Channel) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics attaches a metrics collector.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Channel) { c.metrics = m }
}

// WithClock sets the manager's time source.
func WithClock(clk clock.Clock) Option {
	return func(c *Channel) { c.clock = clk }
}

// WithTokenSource sets where the endpoint token comes from.
func WithTokenSource(src auth.TokenSource) Option {
	return func(c *Channel) { c.tokens = src }
}

// tokenNotifier is implemented by token sources that can announce
// rotation.
type tokenNotifier interface {
	OnChange(fn func(token string))
}

// Channel is the live state channel.
type Channel struct {
	cfg      Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
	clock    clock.Clock
	tokens   auth.TokenSource
	buildURL URLFunc

	manager    *connection.Manager
	router     *router.Router
	containers *state.Store
	stats      *state.Store

	startOnce sync.Once
	closeOnce sync.Once
}

// New creates a channel. Nothing connects until Start.
func New(cfg Config, dialer connection.Dialer, buildURL URLFunc, opts ...Option) *Channel {
	c := &Channel{
		cfg:      cfg,
		logger:   slog.Default(),
		clock:    clock.Real(),
		buildURL: buildURL,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.containers = c.newStore(router.KindContainers)
	c.stats = c.newStore(router.KindStats)

	c.router = router.NewRouter(cfg.Router, c.logger.With("component", "router"), c.metrics)
	c.router.Subscribe(router.KindContainers, c.onContainers)
	c.router.Subscribe(router.KindStats, c.onStats)

	c.manager = connection.NewManager(cfg.Manager, dialer, c.endpoint,
		connection.WithClock(c.clock),
		connection.WithLogger(c.logger.With("component", "connection")),
		connection.WithMetrics(c.metrics),
		connection.WithFrameHandler(c.router.Enqueue),
	)

	if n, ok := c.tokens.(tokenNotifier); ok {
		n.OnChange(func(string) { c.rotate() })
	}

	return c
}

func (c *Channel) newStore(kind string) *state.Store {
	mode := state.ModeMerge
	for _, k := range c.cfg.ReplaceKinds {
		if k == kind {
			mode = state.ModeReplace
		}
	}
	return state.NewStore(state.StoreConfig{
		Name:         kind,
		Mode:         mode,
		DiscardStale: !c.cfg.AcceptStale,
	}, c.logger, c.metrics)
}

// Start starts routing and connects. A missing endpoint leaves the
// channel Disconnected and is returned.
func (c *Channel) Start(ctx context.Context) error {
	var err error
	c.startOnce.Do(func() {
		err = c.router.Start(ctx)
	})
	if err != nil {
		return fmt.Errorf("start router: %w", err)
	}
	return c.manager.Connect()
}

// Connect connects if idle. See connection.Manager.Connect.
func (c *Channel) Connect() error { return c.manager.Connect() }

// Reconnect starts a fresh connection with a reset attempt counter.
func (c *Channel) Reconnect() error { return c.manager.Reconnect() }

// Disconnect closes the connection and stops reconnecting.
func (c *Channel) Disconnect() { c.manager.Disconnect() }

// Send writes a text frame on the live connection.
func (c *Channel) Send(data []byte) error { return c.manager.Send(data) }

// Status returns the connection status.
func (c *Channel) Status() connection.Status { return c.manager.Status() }

// OnStatus registers a connection status listener.
func (c *Channel) OnStatus(fn connection.Listener) func() {
	return c.manager.Subscribe(fn)
}

// Subscribe registers an extra handler for a message kind. It runs
// after the store has applied the batch.
func (c *Channel) Subscribe(kind string, fn router.Handler) func() {
	return c.router.Subscribe(kind, fn)
}

// SubscribeAll registers a handler for every message kind.
func (c *Channel) SubscribeAll(fn router.Handler) func() {
	return c.router.SubscribeAll(fn)
}

// Containers returns the merged container store.
func (c *Channel) Containers() *state.Store { return c.containers }

// Stats returns the stats store.
func (c *Channel) Stats() *state.Store { return c.stats }

// RouterStats returns routing statistics.
func (c *Channel) RouterStats() router.RouterStats { return c.router.Stats() }

// Close disconnects and drains the router.
func (c *Channel) Close(ctx context.Context) error {
	var err error
	c.closeOnce.Do(func() {
		c.manager.Disconnect()
		err = c.router.Stop(ctx)
	})
	return err
}

func (c *Channel) endpoint() (string, error) {
	token := ""
	if c.tokens != nil {
		t, err := c.tokens.Token(context.Background())
		if err != nil {
			return "", fmt.Errorf("get token: %w", err)
		}
		token = t
	}
	if token == "" && !c.cfg.AllowAnonymous {
		return "", fmt.Errorf("%w: no credential configured", connection.ErrNoEndpoint)
	}
	return c.buildURL(token)
}

// rotate reconnects with a new token unless the caller closed the
// channel.
func (c *Channel) rotate() {
	st := c.manager.Status()
	if st.State == connection.StateClosed && st.LastError == nil {
		return
	}
	c.logger.Info("token rotated, reconnecting", "state", st.State)
	if err := c.manager.Reconnect(); err != nil {
		c.logger.Warn("reconnect after token rotation failed", "error", err)
	}
}

func (c *Channel) onContainers(msg router.InboundMessage) {
	var payload model.ContainersPayload
	if err := msg.Decode(&payload); err != nil {
		c.logger.Warn("bad containers payload", "error", err)
		return
	}
	c.containers.Apply(msg.Timestamp, payload.Containers)
}

func (c *Channel) onStats(msg router.InboundMessage) {
	var payload model.StatsPayload
	if err := msg.Decode(&payload); err != nil {
		c.logger.Warn("bad stats payload", "error", err)
		return
	}
	entities, err := payload.Entities()
	if err != nil {
		c.logger.Warn("bad stats record", "error", err)
		return
	}
	c.stats.Apply(msg.Timestamp, entities)
}

// IsAuthError reports whether err came from a rejected handshake.
func IsAuthError(err error) bool {
	return errors.Is(err, connection.ErrUnauthorized)
}
