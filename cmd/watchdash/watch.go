package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/jianxcao/watch-docker/internal/channel"
	"github.com/jianxcao/watch-docker/internal/config"
	"github.com/jianxcao/watch-docker/internal/connection"
	"github.com/jianxcao/watch-docker/internal/database"
	"github.com/jianxcao/watch-docker/internal/metrics"
	"github.com/jianxcao/watch-docker/internal/poller"
	"github.com/jianxcao/watch-docker/internal/router"
	"github.com/jianxcao/watch-docker/internal/version"
	"github.com/jianxcao/watch-docker/internal/writer"
)

// shutdownTimeout bounds the graceful stop of every component.
const shutdownTimeout = 10 * time.Second

func newWatchCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Keep a live view of the server and report changes",
		Long: `watch connects to the stats channel and keeps merged container and
stats views. It prints connection changes and a container summary whenever
the view changes. With a database configured, stats samples are recorded.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runWatch(cmd)
		},
	}
	flags := cmd.Flags()
	flags.Bool("poll", false, "also refresh over REST (overrides poller.enabled)")
	flags.Int("metrics-port", 0, "serve Prometheus metrics on this port (enables metrics)")
	a.bindFlag(flags, "poll")
	a.bindFlag(flags, "metrics-port")
	return cmd
}

func (a *app) runWatch(cmd *cobra.Command) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Logging, cmd.ErrOrStderr())
	logger.Info("starting watchdash",
		"version", version.Version,
		"commit", version.Commit,
		"server", cfg.Server.URL,
	)

	svc, err := newServices(cfg, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	ctx := cmd.Context()
	ch := svc.newChannel()

	rep := newReporter(cmd.OutOrStdout(), ch.Stats())
	ch.Containers().Subscribe(rep.containers)

	terminal := make(chan connection.Status, 1)
	ch.OnStatus(func(st connection.Status) {
		rep.status(st)
		if channel.IsAuthError(st.LastError) {
			logger.Error("server rejected the token", "error", st.LastError)
		}
		if st.Terminal() {
			select {
			case terminal <- st:
			default:
			}
		}
	})

	var stats *writer.StatsWriter
	if cfg.Database.Enabled {
		pool, err := database.Open(ctx, cfg.Database)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer pool.Close()
		logger.Info("database connected", "host", cfg.Database.Host, "database", cfg.Database.Name)

		stats = writer.NewStatsWriter(writer.WriterConfig{
			BatchSize:     cfg.Writer.BatchSize,
			FlushInterval: cfg.Writer.FlushInterval,
			BufferSize:    cfg.Writer.BufferSize,
		}, pool, logger.With("component", "writer"), svc.metrics)
		if err := stats.Start(ctx); err != nil {
			return fmt.Errorf("start writer: %w", err)
		}
		ch.Subscribe(router.KindStats, stats.HandleMessage)
	}

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		metricsSrv = serveMetrics(cfg.Metrics, svc.metrics, logger)
	}

	var p *poller.Poller
	if cfg.Poller.Enabled {
		p = poller.New(poller.Config{
			Interval: cfg.Poller.Interval,
			Timeout:  cfg.Poller.Timeout,
			Stats:    true,
		}, svc.client, ch.Containers(), ch.Stats(), nil, logger.With("component", "poller"), svc.metrics)
		if err := p.Start(ctx); err != nil {
			return fmt.Errorf("start poller: %w", err)
		}
	}

	var runErr error
	if err := ch.Start(ctx); err != nil {
		if p == nil {
			runErr = fmt.Errorf("start channel: %w", err)
		} else {
			logger.Warn("live channel unavailable, polling only", "error", err)
		}
	}

	if runErr == nil {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
		case st := <-terminal:
			runErr = fmt.Errorf("live channel: %w", st.LastError)
		}
	}

	shutdownCtx, cancel := shutdownContext(ctx)
	defer cancel()

	if p != nil {
		if err := p.Stop(shutdownCtx); err != nil {
			logger.Warn("poller stop", "error", err)
		}
	}
	if err := ch.Close(shutdownCtx); err != nil {
		logger.Warn("channel close", "error", err)
	}
	if stats != nil {
		if err := stats.Stop(shutdownCtx); err != nil {
			logger.Warn("writer stop", "error", err)
		}
		ws := stats.Stats()
		logger.Info("writer stopped", "inserts", ws.Inserts, "conflicts", ws.Conflicts, "dropped", ws.Dropped)
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown", "error", err)
		}
	}

	rs := ch.RouterStats()
	logger.Info("watchdash stopped", "frames", rs.MessagesReceived, "parse_errors", rs.ParseErrors)
	return runErr
}

// shutdownContext outlives ctx's cancellation by at most shutdownTimeout.
func shutdownContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
}

// serveMetrics starts the Prometheus endpoint in the background.
func serveMetrics(cfg config.MetricsConfig, m *metrics.Metrics, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, m.Handler())
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("metrics listening", "addr", srv.Addr, "path", cfg.Path)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	return srv
}
