package coordinator

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jianxcao/watch-docker/internal/metrics"
)

func waitCall(t *testing.T, c *Call) (any, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	v, err := c.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("call %s did not settle", c.ID)
	}
	return v, err
}

// blockUntilCanceled returns an exec that reports start and then waits
// for its context.
func blockUntilCanceled(started chan<- struct{}) Exec {
	return func(ctx context.Context) (any, error) {
		if started != nil {
			close(started)
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}
}

func TestDispatch_CancelPredecessor(t *testing.T) {
	c := New()
	key := ParseKey("@search")
	ctx := context.Background()

	started := make(chan struct{})
	first := c.Dispatch(ctx, key, blockUntilCanceled(started))
	<-started

	second := c.Dispatch(ctx, key, func(ctx context.Context) (any, error) {
		return "ab", nil
	})

	_, err := waitCall(t, first)
	if !IsCanceled(err) {
		t.Errorf("first call error = %v, want cancellation", err)
	}

	v, err := waitCall(t, second)
	if err != nil {
		t.Fatalf("second call failed: %v", err)
	}
	if v != "ab" {
		t.Errorf("second call value = %v, want ab", v)
	}

	if n := c.InFlight(key); n != 0 {
		t.Errorf("InFlight = %d after settle, want 0", n)
	}
}

func TestDispatch_CancelPredecessorSequence(t *testing.T) {
	c := New()
	key := CancelPredecessor("typeahead")
	ctx := context.Background()

	var calls []*Call
	for i := 0; i < 5; i++ {
		calls = append(calls, c.Dispatch(ctx, key, blockUntilCanceled(nil)))
	}
	last := c.Dispatch(ctx, key, func(ctx context.Context) (any, error) {
		return "final", nil
	})

	for i, call := range calls {
		if _, err := waitCall(t, call); !IsCanceled(err) {
			t.Errorf("call %d error = %v, want cancellation", i, err)
		}
	}
	if v, err := waitCall(t, last); err != nil || v != "final" {
		t.Errorf("last call = %v, %v; want final, nil", v, err)
	}
}

func TestDispatch_CancelPredecessorLateResultDiscarded(t *testing.T) {
	c := New()
	key := CancelPredecessor("detail")
	release := make(chan struct{})

	first := c.Dispatch(context.Background(), key, func(ctx context.Context) (any, error) {
		<-release
		return "stale", nil
	})
	second := c.Dispatch(context.Background(), key, func(ctx context.Context) (any, error) {
		return "fresh", nil
	})

	// first settles as cancelled before its exec has returned.
	_, err := waitCall(t, first)
	if !IsCanceled(err) {
		t.Fatalf("first error = %v, want cancellation", err)
	}
	close(release)

	if v, _ := waitCall(t, second); v != "fresh" {
		t.Errorf("second value = %v, want fresh", v)
	}

	time.Sleep(10 * time.Millisecond)
	if _, err := first.Result(); !IsCanceled(err) {
		t.Errorf("late result overwrote cancellation: %v", err)
	}
}

func TestDispatch_ShareFirst(t *testing.T) {
	c := New()
	key := ParseKey("!containers")
	ctx := context.Background()

	var execs atomic.Int32
	release := make(chan struct{})
	result := &struct{ N int }{N: 3}

	exec := func(ctx context.Context) (any, error) {
		execs.Add(1)
		<-release
		return result, nil
	}

	a := c.Dispatch(ctx, key, exec)
	b := c.Dispatch(ctx, key, exec)

	if a != b {
		t.Fatal("share-first callers should receive the same call")
	}
	if n := c.InFlight(key); n != 1 {
		t.Errorf("InFlight = %d, want 1", n)
	}

	close(release)

	va, errA := waitCall(t, a)
	vb, errB := waitCall(t, b)
	if errA != nil || errB != nil {
		t.Fatalf("unexpected errors: %v, %v", errA, errB)
	}
	if va != result || vb != result {
		t.Error("both callers should receive the identical result object")
	}
	if n := execs.Load(); n != 1 {
		t.Errorf("exec called %d times, want 1", n)
	}
	if n := c.InFlight(key); n != 0 {
		t.Errorf("InFlight = %d after settle, want 0", n)
	}
}

func TestDispatch_ShareFirstJoinsCountedByPolicy(t *testing.T) {
	m := metrics.New()
	c := New(WithMetrics(m))
	ctx := context.Background()

	release := make(chan struct{})
	exec := func(ctx context.Context) (any, error) {
		<-release
		return nil, nil
	}
	var calls []*Call
	for _, name := range []string{"!container-a", "!container-a", "!container-b", "!container-b"} {
		calls = append(calls, c.Dispatch(ctx, ParseKey(name), exec))
	}
	close(release)
	for _, call := range calls {
		waitCall(t, call)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	out := string(body)

	if want := `watchdash_coordinator_shared_joins_total{policy="share_first"} 2`; !strings.Contains(out, want) {
		t.Errorf("metrics missing %s", want)
	}
	if strings.Contains(out, "container-a") || strings.Contains(out, "container-b") {
		t.Error("key names leaked into metric labels")
	}
}

func TestDispatch_ShareFirstConcurrent(t *testing.T) {
	c := New()
	key := ShareFirst("images")
	release := make(chan struct{})
	var execs atomic.Int32

	var wg sync.WaitGroup
	results := make([]*Call, 20)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = c.Dispatch(context.Background(), key, func(ctx context.Context) (any, error) {
				execs.Add(1)
				<-release
				return i, nil
			})
		}(i)
	}
	wg.Wait()
	close(release)

	for i, call := range results {
		if call != results[0] {
			t.Errorf("caller %d got a different call", i)
		}
	}
	if n := execs.Load(); n != 1 {
		t.Errorf("exec called %d times, want 1", n)
	}
}

func TestDispatch_ShareFirstAfterSettle(t *testing.T) {
	c := New()
	key := ShareFirst("containers")
	var execs atomic.Int32
	exec := func(ctx context.Context) (any, error) {
		return int(execs.Add(1)), nil
	}

	first := c.Dispatch(context.Background(), key, exec)
	waitCall(t, first)

	second := c.Dispatch(context.Background(), key, exec)
	if first == second {
		t.Fatal("a settled call must not be shared")
	}
	if v, _ := waitCall(t, second); v != 2 {
		t.Errorf("second value = %v, want 2", v)
	}
}

func TestDispatch_ShareFirstFailureClearsSlot(t *testing.T) {
	c := New()
	key := ShareFirst("containers")
	boom := errors.New("boom")

	call := c.Dispatch(context.Background(), key, func(ctx context.Context) (any, error) {
		return nil, boom
	})
	if _, err := waitCall(t, call); !errors.Is(err, boom) {
		t.Errorf("error = %v, want boom", err)
	}
	if c.Keys() != 0 {
		t.Errorf("Keys() = %d after failure, want 0", c.Keys())
	}
}

func TestDispatch_ShareFirstDetachedFromCaller(t *testing.T) {
	c := New()
	key := ShareFirst("containers")
	release := make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	call := c.Dispatch(ctx, key, func(ctx context.Context) (any, error) {
		select {
		case <-release:
			return "ok", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	cancel()

	joiner := c.Dispatch(context.Background(), key, nil)
	if joiner != call {
		t.Fatal("expected to join the in-flight call")
	}
	close(release)

	if v, err := waitCall(t, joiner); err != nil || v != "ok" {
		t.Errorf("joiner = %v, %v; want ok, nil", v, err)
	}
}

func TestDispatch_Unlocked(t *testing.T) {
	c := New()
	var execs atomic.Int32
	exec := func(ctx context.Context) (any, error) {
		execs.Add(1)
		return nil, nil
	}

	a := c.Dispatch(context.Background(), Unlocked(), exec)
	b := c.Dispatch(context.Background(), ParseKey("plain"), exec)
	waitCall(t, a)
	waitCall(t, b)

	if a == b {
		t.Error("unlocked calls must be independent")
	}
	if n := execs.Load(); n != 2 {
		t.Errorf("exec called %d times, want 2", n)
	}
	if c.Keys() != 0 {
		t.Errorf("Keys() = %d, want 0", c.Keys())
	}
}

func TestDispatch_ExecPanic(t *testing.T) {
	c := New()
	key := ShareFirst("containers")

	call := c.Dispatch(context.Background(), key, func(ctx context.Context) (any, error) {
		panic("kaboom")
	})

	_, err := waitCall(t, call)
	if !errors.Is(err, ErrExecPanic) {
		t.Errorf("error = %v, want ErrExecPanic", err)
	}
	if IsCanceled(err) {
		t.Error("a panic is not a cancellation")
	}
	if c.InFlight(key) != 0 {
		t.Error("panicking exec leaked a table entry")
	}
}

func TestDispatch_CallerContextIsNotCoordinatorCancel(t *testing.T) {
	c := New()
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})

	call := c.Dispatch(ctx, CancelPredecessor("search"), blockUntilCanceled(started))
	<-started
	cancel()

	_, err := waitCall(t, call)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
	if IsCanceled(err) {
		t.Error("caller cancellation must not look like coordinator cancellation")
	}
}

func TestCall_Cancel(t *testing.T) {
	c := New()
	key := ShareFirst("containers")
	started := make(chan struct{})

	call := c.Dispatch(context.Background(), key, blockUntilCanceled(started))
	<-started
	call.Cancel()
	call.Cancel()

	if _, err := waitCall(t, call); !IsCanceled(err) {
		t.Errorf("error = %v, want cancellation", err)
	}
	if c.InFlight(key) != 0 {
		t.Error("cancelled call leaked a table entry")
	}
}

func TestCoordinator_Cancel(t *testing.T) {
	c := New()
	key := CancelPredecessor("logs")

	call := c.Dispatch(context.Background(), key, blockUntilCanceled(nil))
	if n := c.Cancel(key); n != 1 {
		t.Errorf("Cancel() = %d, want 1", n)
	}
	if _, err := waitCall(t, call); !IsCanceled(err) {
		t.Errorf("error = %v, want cancellation", err)
	}
	if n := c.Cancel(key); n != 0 {
		t.Errorf("second Cancel() = %d, want 0", n)
	}
	if n := c.Cancel(Unlocked()); n != 0 {
		t.Errorf("Cancel(Unlocked) = %d, want 0", n)
	}
}

func TestCallID(t *testing.T) {
	c := New()
	seen := make(chan any, 1)

	call := c.Dispatch(context.Background(), Unlocked(), func(ctx context.Context) (any, error) {
		id, ok := CallID(ctx)
		if !ok {
			seen <- nil
			return nil, nil
		}
		seen <- id
		return nil, nil
	})
	waitCall(t, call)

	if got := <-seen; got != call.ID {
		t.Errorf("CallID = %v, want %v", got, call.ID)
	}
}

func TestDo(t *testing.T) {
	c := New()

	n, err := Do(context.Background(), c, ShareFirst("count"), func(ctx context.Context) (int, error) {
		return 42, nil
	})
	if err != nil || n != 42 {
		t.Errorf("Do() = %d, %v; want 42, nil", n, err)
	}
}

func TestDo_ResultTypeMismatch(t *testing.T) {
	c := New()
	key := ShareFirst("mixed")
	release := make(chan struct{})

	first := c.Dispatch(context.Background(), key, func(ctx context.Context) (any, error) {
		<-release
		return "text", nil
	})

	done := make(chan error, 1)
	go func() {
		_, err := Do(context.Background(), c, key, func(ctx context.Context) (int, error) {
			return 1, nil
		})
		done <- err
	}()

	// Give Do time to join the in-flight call.
	time.Sleep(10 * time.Millisecond)
	close(release)
	waitCall(t, first)

	select {
	case err := <-done:
		if !errors.Is(err, ErrResultType) {
			t.Errorf("error = %v, want ErrResultType", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Do did not return")
	}
}

func TestDo_WaitContext(t *testing.T) {
	c := New()
	key := ShareFirst("slow")
	release := make(chan struct{})
	defer close(release)

	c.Dispatch(context.Background(), key, func(ctx context.Context) (any, error) {
		<-release
		return 1, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := Do(ctx, c, key, func(ctx context.Context) (int, error) { return 2, nil })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want DeadlineExceeded", err)
	}
	if c.InFlight(key) != 1 {
		t.Error("a waiter giving up must not cancel the shared call")
	}
}
