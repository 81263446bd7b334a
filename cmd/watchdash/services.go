package main

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/jianxcao/watch-docker/internal/api"
	"github.com/jianxcao/watch-docker/internal/auth"
	"github.com/jianxcao/watch-docker/internal/channel"
	"github.com/jianxcao/watch-docker/internal/config"
	"github.com/jianxcao/watch-docker/internal/connection"
	"github.com/jianxcao/watch-docker/internal/coordinator"
	"github.com/jianxcao/watch-docker/internal/metrics"
	"github.com/jianxcao/watch-docker/internal/version"
)

// services holds the components shared by the subcommands.
type services struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	tokens  auth.TokenSource
	client  *api.Client

	closers []io.Closer
}

func newServices(cfg *config.Config, logger *slog.Logger) (*services, error) {
	s := &services{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.New(),
	}

	tokens, err := s.newTokenSource()
	if err != nil {
		return nil, err
	}
	s.tokens = tokens

	coord := coordinator.New(
		coordinator.WithLogger(logger.With("component", "coordinator")),
		coordinator.WithMetrics(s.metrics),
	)
	s.client = api.NewClient(cfg.Server.RestURL(),
		api.WithTimeout(cfg.API.Timeout),
		api.WithRetries(cfg.API.MaxRetries, cfg.API.RetryBackoff),
		api.WithLogger(logger.With("component", "api")),
		api.WithCoordinator(coord),
		api.WithTokenSource(tokens),
	)
	return s, nil
}

// newTokenSource returns nil when no credentials are configured.
func (s *services) newTokenSource() (auth.TokenSource, error) {
	switch {
	case s.cfg.Auth.TokenFile != "":
		src, err := auth.NewFileTokenSource(s.cfg.Auth.TokenFile, s.logger.With("component", "auth"))
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, src)
		return src, nil
	case s.cfg.Auth.Token != "":
		return auth.StaticToken(s.cfg.Auth.Token), nil
	default:
		return nil, nil
	}
}

// newChannel builds the live channel. The token travels in the URL, so
// the handshake only carries the user agent.
func (s *services) newChannel() *channel.Channel {
	header := http.Header{}
	header.Set("User-Agent", version.UserAgent())
	dialer := connection.NewGorillaDialer(s.cfg.Connection.ClientConfig(), header, s.logger.With("component", "dialer"))

	cfg := channel.Config{
		Manager:      s.cfg.Connection.ManagerConfig(),
		Router:       s.cfg.Channel.RouterConfig(),
		ReplaceKinds: s.cfg.Channel.FullReplaceKinds,
		AcceptStale:  s.cfg.Channel.AcceptStale,

		AllowAnonymous: s.cfg.Auth.AllowAnonymous,
	}
	return channel.New(cfg, dialer, s.cfg.Server.WSURL,
		channel.WithLogger(s.logger),
		channel.WithMetrics(s.metrics),
		channel.WithTokenSource(s.tokens),
	)
}

func (s *services) Close() {
	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			s.logger.Warn("close failed", "error", err)
		}
	}
}
