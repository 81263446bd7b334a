package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jianxcao/watch-docker/internal/connection"
	"github.com/jianxcao/watch-docker/internal/metrics"
)

var (
	errEmptyPayload = errors.New("empty payload")
	errMissingType  = errors.New("missing message type")
)

// Router parses raw frames and fans them out to subscribers by kind.
//
// Frames are routed one at a time in arrival order: every subscriber for
// a frame has returned before the next frame is parsed. A panicking
// subscriber is logged and skipped; the others still run.
type Router struct {
	cfg     RouterConfig
	logger  *slog.Logger
	metrics *metrics.Metrics

	queue *GrowableBuffer[connection.TimestampedMessage]

	// routeMu serializes route so OnFrame and the queue loop never
	// interleave.
	routeMu sync.Mutex

	subMu  sync.RWMutex
	byKind map[string][]subscription
	all    []subscription
	nextID int

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Stats
	statsMu          sync.Mutex
	received         int64
	routed           int64
	parseErrors      int64
	unhandled        int64
	control          int64
	subscriberPanics int64
}

type subscription struct {
	id int
	fn Handler
}

// NewRouter creates a new Message Router.
func NewRouter(cfg RouterConfig, logger *slog.Logger, m *metrics.Metrics) *Router {
	if logger == nil {
		logger = slog.Default()
	}

	return &Router{
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		queue:   NewBoundedBuffer[connection.TimestampedMessage](cfg.QueueSize, cfg.MaxQueueSize),
		byKind:  make(map[string][]subscription),
	}
}

// Subscribe registers fn for one message kind and returns a function
// that removes it.
func (r *Router) Subscribe(kind string, fn Handler) func() {
	r.subMu.Lock()
	defer r.subMu.Unlock()

	id := r.nextID
	r.nextID++
	r.byKind[kind] = append(r.byKind[kind], subscription{id: id, fn: fn})

	return r.unsubscriber(func() {
		r.byKind[kind] = removeSub(r.byKind[kind], id)
		if len(r.byKind[kind]) == 0 {
			delete(r.byKind, kind)
		}
	})
}

// SubscribeAll registers fn for every kind. It runs after the
// kind-specific subscribers of each frame.
func (r *Router) SubscribeAll(fn Handler) func() {
	r.subMu.Lock()
	defer r.subMu.Unlock()

	id := r.nextID
	r.nextID++
	r.all = append(r.all, subscription{id: id, fn: fn})

	return r.unsubscriber(func() {
		r.all = removeSub(r.all, id)
	})
}

func (r *Router) unsubscriber(remove func()) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			r.subMu.Lock()
			defer r.subMu.Unlock()
			remove()
		})
	}
}

func removeSub(subs []subscription, id int) []subscription {
	for i, s := range subs {
		if s.id == id {
			return append(subs[:i:i], subs[i+1:]...)
		}
	}
	return subs
}

// OnFrame routes one raw frame synchronously. It never panics and never
// returns an error: bad frames are logged and dropped.
func (r *Router) OnFrame(raw []byte) {
	r.route(connection.TimestampedMessage{Data: raw, ReceivedAt: time.Now()})
}

// Enqueue queues a frame for the routing goroutine. It does not block
// and is meant to be the connection manager's frame handler.
func (r *Router) Enqueue(msg connection.TimestampedMessage) {
	if !r.queue.Send(msg) {
		r.logger.Warn("frame queue full or closed, dropping frame", "bytes", len(msg.Data))
		return
	}
	r.metrics.QueueDepth(r.queue.Len())
}

// Start begins routing queued frames.
func (r *Router) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(1)
	go r.routeLoop()

	r.logger.Info("message router started",
		"queue_size", r.cfg.QueueSize,
		"max_queue_size", r.cfg.MaxQueueSize,
	)

	return nil
}

// Stop closes the queue, lets the loop drain what was already queued,
// and waits for it up to ctx.
func (r *Router) Stop(ctx context.Context) error {
	r.logger.Info("stopping message router")

	r.queue.Close()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("message router stopped")
	case <-ctx.Done():
		if r.cancel != nil {
			r.cancel()
		}
		r.logger.Warn("message router stop timed out")
		return ctx.Err()
	}

	if r.cancel != nil {
		r.cancel()
	}
	return nil
}

// Stats returns current statistics.
func (r *Router) Stats() RouterStats {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()

	return RouterStats{
		MessagesReceived: r.received,
		MessagesRouted:   r.routed,
		ParseErrors:      r.parseErrors,
		UnhandledKinds:   r.unhandled,
		ControlFrames:    r.control,
		SubscriberPanics: r.subscriberPanics,
		Queue:            r.queue.Stats(),
	}
}

// routeLoop is the main routing goroutine.
func (r *Router) routeLoop() {
	defer r.wg.Done()

	for {
		msg, ok := r.queue.Receive()
		if !ok {
			return
		}
		select {
		case <-r.ctx.Done():
			return
		default:
		}
		r.route(msg)
		r.metrics.QueueDepth(r.queue.Len())
	}
}

// route parses and dispatches a single frame.
func (r *Router) route(raw connection.TimestampedMessage) {
	r.routeMu.Lock()
	defer r.routeMu.Unlock()

	r.count(&r.received)

	if r.isControl(raw.Data) {
		r.count(&r.control)
		return
	}

	msg, err := parse(raw)
	if err != nil {
		r.logger.Warn("dropping unparsable frame", "error", err, "bytes", len(raw.Data))
		r.count(&r.parseErrors)
		r.metrics.ParseError()
		return
	}

	r.subMu.RLock()
	subs := make([]subscription, 0, len(r.byKind[msg.Type])+len(r.all))
	subs = append(subs, r.byKind[msg.Type]...)
	subs = append(subs, r.all...)
	r.subMu.RUnlock()

	if len(subs) == 0 {
		r.logger.Debug("no subscribers for message type", "type", msg.Type)
		r.count(&r.unhandled)
		return
	}

	for _, s := range subs {
		r.deliver(s.fn, msg)
	}
	r.count(&r.routed)
	r.metrics.FrameRouted(msg.Type)
}

func (r *Router) deliver(fn Handler, msg InboundMessage) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("subscriber panicked", "type", msg.Type, "panic", p)
			r.count(&r.subscriberPanics)
			r.metrics.SubscriberPanic(msg.Type)
		}
	}()
	fn(msg)
}

func (r *Router) isControl(data []byte) bool {
	trimmed := strings.TrimSpace(string(data))
	for _, c := range r.cfg.ControlFrames {
		if trimmed == c {
			return true
		}
	}
	return false
}

func (r *Router) count(field *int64) {
	r.statsMu.Lock()
	*field++
	r.statsMu.Unlock()
}

// parse decodes the envelope. The payload stays raw so each subscriber
// decodes only the shape it needs.
func parse(raw connection.TimestampedMessage) (InboundMessage, error) {
	var env messageEnvelope
	if err := json.Unmarshal(raw.Data, &env); err != nil {
		return InboundMessage{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return InboundMessage{}, errMissingType
	}

	var ts int64
	if env.Timestamp != "" {
		n, err := env.Timestamp.Int64()
		if err != nil {
			f, ferr := env.Timestamp.Float64()
			if ferr != nil {
				return InboundMessage{}, fmt.Errorf("decode timestamp: %w", err)
			}
			n = int64(f)
		}
		ts = n
	}

	data := env.Data
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		data = nil
	}

	return InboundMessage{
		Type:       env.Type,
		Data:       data,
		Timestamp:  ts,
		ReceivedAt: raw.ReceivedAt,
	}, nil
}
