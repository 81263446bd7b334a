package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

var (
	// ErrCanceled marks a call that was superseded or cancelled by the
	// coordinator. It is never a transport failure and callers should
	// drop it silently.
	ErrCanceled = errors.New("coordinator: request canceled")

	// ErrExecPanic wraps a panic raised by an exec function.
	ErrExecPanic = errors.New("coordinator: exec panicked")

	// ErrResultType is returned by Do when a shared call produced a
	// value of a different type than the caller expected.
	ErrResultType = errors.New("coordinator: unexpected result type")
)

// IsCanceled reports whether err came from coordinator cancellation.
// A context.Canceled from the caller's own context is not a
// coordinator cancellation.
func IsCanceled(err error) bool {
	return errors.Is(err, ErrCanceled)
}

// Exec performs one request. It must honour ctx cancellation.
type Exec func(ctx context.Context) (any, error)

// Call is a dispatched request. Share-first joiners receive the same
// *Call as the caller that started it.
type Call struct {
	ID  uuid.UUID
	Key Key

	ctx    context.Context
	cancel context.CancelFunc

	once  sync.Once
	done  chan struct{}
	value any
	err   error

	onSettle func(c *Call, outcome string)
}

func newCall(parent context.Context, key Key) *Call {
	ctx, cancel := context.WithCancel(parent)
	c := &Call{
		ID:     uuid.New(),
		Key:    key,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	c.ctx = withCallID(ctx, c.ID)
	return c
}

// Done is closed once the call has settled.
func (c *Call) Done() <-chan struct{} { return c.done }

// Wait blocks until the call settles or ctx is done. Giving up on ctx
// does not cancel the call; other waiters may still need it.
func (c *Call) Wait(ctx context.Context) (any, error) {
	select {
	case <-c.done:
		return c.value, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result returns the settled value and error. Before settlement it
// returns nil, nil.
func (c *Call) Result() (any, error) {
	select {
	case <-c.done:
		return c.value, c.err
	default:
		return nil, nil
	}
}

// Err returns the settled error, or nil while in flight.
func (c *Call) Err() error {
	_, err := c.Result()
	return err
}

// Settled reports whether the call has completed.
func (c *Call) Settled() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Cancel aborts the call. It settles immediately with ErrCanceled and
// any later transport result is discarded. It is a no-op once settled.
func (c *Call) Cancel() {
	c.cancelWith(ErrCanceled)
}

func (c *Call) cancelWith(err error) {
	if c.settle(nil, err, "canceled") {
		c.cancel()
	}
}

// settle records the first outcome and reports whether it won. The
// settle hook runs before done is closed, so a waiter that wakes up
// always observes a cleaned lock table.
func (c *Call) settle(value any, err error, outcome string) bool {
	won := false
	c.once.Do(func() {
		won = true
		c.value, c.err = value, err
		if c.onSettle != nil {
			c.onSettle(c, outcome)
		}
		close(c.done)
	})
	return won
}

// run executes exec and settles the call with its result. A panic is
// converted into an ErrExecPanic error.
func (c *Call) run(exec Exec) {
	defer c.cancel()
	defer func() {
		if r := recover(); r != nil {
			c.settle(nil, fmt.Errorf("%w: %v", ErrExecPanic, r), "panic")
		}
	}()

	value, err := exec(c.ctx)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.settle(value, err, outcome)
}

type callIDKey struct{}

func withCallID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, callIDKey{}, id)
}

// CallID returns the ID of the call whose exec received ctx.
func CallID(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(callIDKey{}).(uuid.UUID)
	return id, ok
}
