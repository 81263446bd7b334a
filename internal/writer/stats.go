package writer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/jianxcao/watch-docker/internal/metrics"
	"github.com/jianxcao/watch-docker/internal/model"
	"github.com/jianxcao/watch-docker/internal/router"
)

const insertStats = `
	INSERT INTO container_stats (container_id, name, cpu_percent, memory_usage, memory_limit, memory_percent,
		network_rx_rate, network_tx_rate, block_read, block_write, pids_current, sampled_at, received_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	ON CONFLICT (container_id, sampled_at) DO NOTHING
`

// flushTimeout bounds a single flush.
const flushTimeout = 5 * time.Second

// BatchSender sends a pgx batch. *pgxpool.Pool implements it.
type BatchSender interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// StatsWriter persists stats samples in batches.
type StatsWriter struct {
	cfg     WriterConfig
	logger  *slog.Logger
	metrics *metrics.Metrics

	// Rows decoded from stats frames
	input *router.GrowableBuffer[model.StatsRow]

	// Database
	db BatchSender

	// Batching
	batch       []model.StatsRow
	batchMu     sync.Mutex
	flushTicker *time.Ticker

	// Lifecycle. The consumer is stopped before the flush ticker.
	ctx       context.Context
	cancel    context.CancelFunc
	consumeWG sync.WaitGroup
	flushWG   sync.WaitGroup

	stats WriterMetrics
}

// NewStatsWriter creates a new StatsWriter.
func NewStatsWriter(cfg WriterConfig, db BatchSender, logger *slog.Logger, m *metrics.Metrics) *StatsWriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &StatsWriter{
		cfg:     cfg,
		db:      db,
		logger:  logger,
		metrics: m,
		input:   router.NewBoundedBuffer[model.StatsRow](cfg.BatchSize, cfg.BufferSize),
		batch:   make([]model.StatsRow, 0, cfg.BatchSize),
	}
}

// HandleMessage is a router.Handler for "stats" frames.
func (w *StatsWriter) HandleMessage(msg router.InboundMessage) {
	var payload model.StatsPayload
	if err := msg.Decode(&payload); err != nil {
		w.logger.Debug("skipping stats frame", "error", err)
		return
	}

	for id, s := range payload.Stats {
		if s.ID == "" {
			s.ID = id
		}
		if !w.input.Send(model.NewStatsRow(s, msg.Timestamp, msg.ReceivedAt)) {
			w.batchMu.Lock()
			w.stats.Dropped++
			w.batchMu.Unlock()
		}
	}
}

// Start begins consuming rows and writing to the database.
func (w *StatsWriter) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.flushTicker = time.NewTicker(w.cfg.FlushInterval)

	w.consumeWG.Add(1)
	go w.consumeLoop()

	w.flushWG.Add(1)
	go w.flushLoop()

	w.logger.Info("stats writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Stop drains queued rows, flushes them and shuts down.
func (w *StatsWriter) Stop(ctx context.Context) error {
	w.logger.Info("stopping stats writer")

	// Closing the input lets the consumer drain what is queued.
	w.input.Close()

	drained := make(chan struct{})
	go func() {
		w.consumeWG.Wait()
		close(drained)
	}()

	var err error
	select {
	case <-drained:
	case <-ctx.Done():
		w.logger.Warn("stats writer drain timed out", "queued", w.input.Len())
		err = ctx.Err()
	}

	if w.cancel != nil {
		w.cancel()
	}
	w.flushWG.Wait()
	if w.flushTicker != nil {
		w.flushTicker.Stop()
	}

	// Final flush
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
	defer cancel()
	w.flush(flushCtx)

	w.logger.Info("stats writer stopped")
	return err
}

// Stats returns current metrics.
func (w *StatsWriter) Stats() WriterMetrics {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	return w.stats
}

// consumeLoop reads from the input buffer and accumulates batches. It
// exits once the input is closed and empty.
func (w *StatsWriter) consumeLoop() {
	defer w.consumeWG.Done()

	for {
		row, ok := w.input.Receive()
		if !ok {
			return
		}
		rows := []model.StatsRow{row}
		if n := w.cfg.BatchSize - 1; n > 0 {
			// Take whatever else is already queued, up to one batch
			rows = append(rows, w.input.DrainTo(n)...)
		}
		w.add(rows...)
	}
}

// flushLoop periodically flushes the batch.
func (w *StatsWriter) flushLoop() {
	defer w.flushWG.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.flushTicker.C:
			w.flushBounded()
		}
	}
}

// add appends rows and flushes when the batch is full.
func (w *StatsWriter) add(rows ...model.StatsRow) {
	w.batchMu.Lock()
	w.batch = append(w.batch, rows...)
	shouldFlush := len(w.batch) >= w.cfg.BatchSize
	w.batchMu.Unlock()

	if shouldFlush {
		w.flushBounded()
	}
}

// flushBounded flushes under flushTimeout. It ignores cancellation of
// the writer's context: rows taken for a flush are gone from the batch,
// so shutdown must not abort the insert.
func (w *StatsWriter) flushBounded() {
	parent := context.Background()
	if w.ctx != nil {
		parent = context.WithoutCancel(w.ctx)
	}
	ctx, cancel := context.WithTimeout(parent, flushTimeout)
	defer cancel()
	w.flush(ctx)
}

// flush writes the current batch to the database.
func (w *StatsWriter) flush(ctx context.Context) {
	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return
	}

	// Take ownership of current batch
	batch := w.batch
	w.batch = make([]model.StatsRow, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	start := time.Now()

	conflicts, err := w.batchInsert(ctx, batch)
	if err != nil {
		w.logger.Error("batch insert failed", "error", err, "count", len(batch))
		w.metrics.WriteError()
		w.batchMu.Lock()
		w.stats.Errors++
		w.batchMu.Unlock()
		return
	}

	inserted := len(batch) - conflicts
	w.metrics.RowsWritten(inserted)
	w.batchMu.Lock()
	w.stats.Inserts += int64(inserted)
	w.stats.Conflicts += int64(conflicts)
	w.stats.Flushes++
	w.batchMu.Unlock()

	w.logger.Debug("flushed stats",
		"count", len(batch),
		"conflicts", conflicts,
		"duration", time.Since(start),
	)
}

// batchInsert inserts rows using pgx.Batch with ON CONFLICT DO NOTHING.
func (w *StatsWriter) batchInsert(ctx context.Context, rows []model.StatsRow) (conflicts int, err error) {
	if ctx == nil {
		ctx = context.Background()
	}

	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(insertStats,
			r.ContainerID, r.Name, r.CPUPercent, r.MemoryUsage, r.MemoryLimit, r.MemoryPercent,
			r.NetworkRxRate, r.NetworkTxRate, r.BlockRead, r.BlockWrite, r.PidsCurrent, r.SampledAt, r.ReceivedAt,
		)
	}

	results := w.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		ct, err := results.Exec()
		if err != nil {
			return 0, err
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}

	return conflicts, nil
}
