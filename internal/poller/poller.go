package poller

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jianxcao/watch-docker/internal/clock"
	"github.com/jianxcao/watch-docker/internal/metrics"
	"github.com/jianxcao/watch-docker/internal/model"
	"github.com/jianxcao/watch-docker/internal/state"
)

// Source fetches REST snapshots. *api.Client implements it.
type Source interface {
	ListContainers(ctx context.Context) ([]state.Entity, error)
	ContainersStats(ctx context.Context, ids []string) (model.StatsPayload, error)
}

// Config holds poller configuration.
type Config struct {
	Interval time.Duration // Refresh interval (default: 30s)
	Timeout  time.Duration // Per-cycle timeout (default: 10s)
	Stats    bool          // Also refresh the stats store
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
		Stats:    true,
	}
}

// Poller periodically refreshes the container and stats stores.
type Poller struct {
	cfg        Config
	source     Source
	containers *state.Store
	stats      *state.Store
	clock      clock.Clock
	logger     *slog.Logger
	metrics    *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new Poller. stats may be nil.
func New(cfg Config, source Source, containers, stats *state.Store, clk clock.Clock, logger *slog.Logger, m *metrics.Metrics) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Poller{
		cfg:        cfg,
		source:     source,
		containers: containers,
		stats:      stats,
		clock:      clk,
		logger:     logger,
		metrics:    m,
	}
}

// Start begins the refresh loop. The first refresh runs immediately.
func (p *Poller) Start(ctx context.Context) error {
	p.ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(1)
	go p.run()

	p.logger.Info("container poller started", "interval", p.cfg.Interval)

	return nil
}

// Stop gracefully shuts down the poller.
func (p *Poller) Stop(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("container poller stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the main polling loop.
func (p *Poller) run() {
	defer p.wg.Done()

	for {
		if err := p.Refresh(p.ctx); err != nil && p.ctx.Err() == nil {
			p.logger.Warn("refresh failed", "error", err)
		}

		select {
		case <-p.ctx.Done():
			return
		case <-p.clock.After(p.cfg.Interval):
		}
	}
}

// Refresh runs one cycle. The stats request uses the container ids
// known before the cycle so both requests run in parallel.
func (p *Poller) Refresh(ctx context.Context) error {
	start := p.clock.Now()
	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}

	var g errgroup.Group

	g.Go(func() error {
		list, err := p.source.ListContainers(ctx)
		if err != nil {
			p.metrics.PollFailed("containers")
			return fmt.Errorf("refresh containers: %w", err)
		}
		// REST batches carry no server timestamp and always apply.
		p.containers.Apply(0, list)
		return nil
	})

	ids := p.knownIDs()
	if p.cfg.Stats && p.stats != nil && len(ids) > 0 {
		g.Go(func() error {
			payload, err := p.source.ContainersStats(ctx, ids)
			if err != nil {
				p.metrics.PollFailed("stats")
				return fmt.Errorf("refresh stats: %w", err)
			}
			entities, err := payload.Entities()
			if err != nil {
				return fmt.Errorf("decode stats: %w", err)
			}
			p.stats.Apply(0, entities)
			return nil
		})
	}

	err := g.Wait()

	p.logger.Debug("refresh cycle complete",
		"containers", p.containers.Len(),
		"duration", p.clock.Now().Sub(start),
		"error", err,
	)
	return err
}

func (p *Poller) knownIDs() []string {
	snap := p.containers.Snapshot()
	ids := make([]string, 0, len(snap.Collection))
	for id := range snap.Collection {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
