package coordinator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jianxcao/watch-docker/internal/metrics"
)

// Coordinator dispatches requests according to their Key policy.
type Coordinator struct {
	table   *table
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics attaches a metrics collector.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// New creates a Coordinator with an empty lock table.
func New(opts ...Option) *Coordinator {
	c := &Coordinator{
		table:  newTable(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dispatch starts exec under key and returns its Call without
// blocking.
//
// Cancel-predecessor calls inherit ctx. Share-first calls are detached
// from ctx cancellation because several callers may be waiting on them;
// each caller bounds its own wait through Call.Wait.
func (c *Coordinator) Dispatch(ctx context.Context, key Key, exec Exec) *Call {
	switch key.Policy() {
	case PolicyCancelPredecessor:
		return c.dispatchCancel(ctx, key, exec)
	case PolicyShareFirst:
		return c.dispatchShare(ctx, key, exec)
	default:
		call := c.newCall(ctx, key)
		c.start(call, exec)
		return call
	}
}

func (c *Coordinator) dispatchCancel(ctx context.Context, key Key, exec Exec) *Call {
	call := c.newCall(ctx, key)

	c.table.mu.Lock()
	prev := c.table.replace(key, call)
	c.table.mu.Unlock()

	for _, p := range prev {
		if p.Settled() {
			continue
		}
		p.cancelWith(fmt.Errorf("%w: superseded by %s", ErrCanceled, call.ID))
		c.metrics.Canceled(key.Policy().String())
		c.logger.Debug("request superseded",
			"key", key.String(),
			"canceled", p.ID,
			"by", call.ID,
		)
	}

	c.start(call, exec)
	return call
}

func (c *Coordinator) dispatchShare(ctx context.Context, key Key, exec Exec) *Call {
	c.table.mu.Lock()
	if existing := c.table.first(key); existing != nil {
		c.table.mu.Unlock()
		c.metrics.Joined(key.Policy().String())
		c.logger.Debug("joined in-flight request", "key", key.String(), "call", existing.ID)
		return existing
	}
	call := c.newCall(context.WithoutCancel(ctx), key)
	c.table.add(key, call)
	c.table.mu.Unlock()

	c.start(call, exec)
	return call
}

func (c *Coordinator) newCall(ctx context.Context, key Key) *Call {
	call := newCall(ctx, key)
	policy := key.Policy().String()
	call.onSettle = func(settled *Call, outcome string) {
		if settled.Key.IsLocked() {
			c.table.mu.Lock()
			c.table.remove(settled.Key, settled)
			c.table.mu.Unlock()
		}
		c.metrics.Settled(policy, outcome)
	}
	return call
}

func (c *Coordinator) start(call *Call, exec Exec) {
	c.metrics.Dispatched(call.Key.Policy().String())
	go call.run(exec)
}

// Cancel cancels every in-flight call under key and returns how many
// were cancelled.
func (c *Coordinator) Cancel(key Key) int {
	if !key.IsLocked() {
		return 0
	}

	c.table.mu.Lock()
	calls := c.table.take(key)
	c.table.mu.Unlock()

	n := 0
	for _, call := range calls {
		if call.Settled() {
			continue
		}
		call.Cancel()
		c.metrics.Canceled(key.Policy().String())
		n++
	}
	return n
}

// InFlight returns the number of calls registered under key.
func (c *Coordinator) InFlight(key Key) int {
	c.table.mu.Lock()
	defer c.table.mu.Unlock()
	return c.table.count(key)
}

// Keys returns the number of keys with at least one registered call.
func (c *Coordinator) Keys() int {
	c.table.mu.Lock()
	defer c.table.mu.Unlock()
	return c.table.keys()
}

// Do dispatches exec and waits for its result. If a share-first key
// joins a call started with a different result type, Do returns
// ErrResultType.
func Do[T any](ctx context.Context, c *Coordinator, key Key, exec func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	call := c.Dispatch(ctx, key, func(ctx context.Context) (any, error) {
		return exec(ctx)
	})

	value, err := call.Wait(ctx)
	if err != nil {
		return zero, err
	}
	if value == nil {
		return zero, nil
	}
	typed, ok := value.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %T for key %s", ErrResultType, value, key)
	}
	return typed, nil
}
