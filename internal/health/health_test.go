package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"tangled.org/appview/indexer/internal/deferredop"
	"tangled.org/appview/indexer/internal/dispatch"
)

type fakeFirehose struct {
	connected bool
	events    int64
	cursor    int64
}

func (f *fakeFirehose) IsConnected() bool     { return f.connected }
func (f *fakeFirehose) EventsReceived() int64 { return f.events }
func (f *fakeFirehose) Cursor() int64         { return f.cursor }

func newTestHandler(connected bool) *Handler {
	q := dispatch.New(dispatch.DefaultConfig())
	r := deferredop.New(time.Hour, time.Minute)
	return New(&fakeFirehose{connected: connected, events: 7, cursor: 99}, q, r)
}

func TestReadyReflectsFirehoseConnection(t *testing.T) {
	if !newTestHandler(true).Ready() {
		t.Error("expected Ready() to be true when firehose is connected")
	}
	if newTestHandler(false).Ready() {
		t.Error("expected Ready() to be false when firehose is disconnected")
	}
}

func TestServeHealthzStatusCodes(t *testing.T) {
	h := newTestHandler(true)
	rec := httptest.NewRecorder()
	h.ServeHealthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("connected: status = %d, want 200", rec.Code)
	}

	h2 := newTestHandler(false)
	rec2 := httptest.NewRecorder()
	h2.ServeHealthz(rec2, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec2.Code != http.StatusServiceUnavailable {
		t.Errorf("disconnected: status = %d, want 503", rec2.Code)
	}
}

func TestServeStatsJSONShape(t *testing.T) {
	h := newTestHandler(true)
	rec := httptest.NewRecorder()
	h.ServeStats(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))

	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	var stats Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if !stats.FirehoseConnected {
		t.Error("expected FirehoseConnected = true")
	}
	if stats.EventsReceived != 7 {
		t.Errorf("EventsReceived = %d, want 7", stats.EventsReceived)
	}
	if stats.Cursor != 99 {
		t.Errorf("Cursor = %d, want 99", stats.Cursor)
	}
	if stats.DeferredOpsTotal != 0 {
		t.Errorf("DeferredOpsTotal = %d, want 0 for a fresh reconciler", stats.DeferredOpsTotal)
	}
}

func TestSnapshotReflectsDeferredOpsTotal(t *testing.T) {
	q := dispatch.New(dispatch.DefaultConfig())
	r := deferredop.New(time.Hour, time.Minute)
	r.PendingUserOps.Enqueue("did:plc:alice", "op-1", nil, time.Now())

	h := New(&fakeFirehose{connected: true}, q, r)
	if got := h.snapshot().DeferredOpsTotal; got != 1 {
		t.Errorf("DeferredOpsTotal = %d, want 1", got)
	}
}
