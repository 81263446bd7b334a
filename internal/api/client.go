package api

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jianxcao/watch-docker/internal/auth"
	"github.com/jianxcao/watch-docker/internal/coordinator"
)

// Client provides access to the watch-docker REST API.
type Client struct {
	baseURL    string
	tokens     auth.TokenSource
	httpClient *http.Client
	coord      *coordinator.Coordinator
	logger     *slog.Logger
	now        func() time.Time

	maxRetries   int
	retryBackoff time.Duration
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// NewClient creates a new REST API client. baseURL includes the API
// prefix, e.g. http://localhost:8080/api/v1.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger:       slog.Default(),
		now:          time.Now,
		maxRetries:   3,
		retryBackoff: time.Second,
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.coord == nil {
		c.coord = coordinator.New(coordinator.WithLogger(c.logger))
	}

	return c
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithRetries sets the retry configuration for idempotent reads.
func WithRetries(max int, backoff time.Duration) ClientOption {
	return func(c *Client) {
		c.maxRetries = max
		c.retryBackoff = backoff
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithCoordinator shares a coordinator with other clients.
func WithCoordinator(coord *coordinator.Coordinator) ClientOption {
	return func(c *Client) {
		c.coord = coord
	}
}

// WithTokenSource sets where bearer tokens come from. The token is read
// on every request.
func WithTokenSource(src auth.TokenSource) ClientOption {
	return func(c *Client) {
		c.tokens = src
	}
}

// Coordinator returns the coordinator requests are dispatched through.
func (c *Client) Coordinator() *coordinator.Coordinator {
	return c.coord
}
