package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNilMetrics(t *testing.T) {
	var m *Metrics

	// None of these may panic.
	m.Dispatched("share_first")
	m.Joined("share_first")
	m.Canceled("cancel_predecessor")
	m.Settled("unlocked", "ok")
	m.ConnectionState(2, "connected")
	m.ReconnectScheduled()
	m.FrameRouted("stats")
	m.ParseError()
	m.SubscriberPanic("stats")
	m.QueueDepth(3)
	m.StoreSize("containers", 4)
	m.StaleBatch("containers")
	m.RowsWritten(10)
	m.WriteError()
	m.PollFailed("containers")

	if m.Registry() != nil {
		t.Error("nil Metrics should have nil registry")
	}
}

func TestHandler(t *testing.T) {
	m := New()
	m.Dispatched("share_first")
	m.Joined("share_first")
	m.ConnectionState(2, "connected")
	m.FrameRouted("stats")
	m.StoreSize("containers", 7)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	out := string(body)

	for _, want := range []string{
		`watchdash_coordinator_dispatches_total{policy="share_first"} 1`,
		`watchdash_coordinator_shared_joins_total{policy="share_first"} 1`,
		`watchdash_connection_state 2`,
		`watchdash_router_frames_total{kind="stats"} 1`,
		`watchdash_store_entities{store="containers"} 7`,
		`watchdash_coordinator_in_flight 1`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
