// Package health exposes the process's readiness and live-progress
// surface: a JSON snapshot of firehose connectivity, dispatch queue
// occupancy, and deferred-op backlog, for the supplemented health-check
// endpoint an operable ingestion service needs even though the
// specification scopes it out of the core's own responsibilities.
package health

import (
	"encoding/json"
	"net/http"

	"tangled.org/appview/indexer/internal/deferredop"
	"tangled.org/appview/indexer/internal/dispatch"
)

// FirehoseStatus is the minimal surface the health handler needs from the
// firehose client, satisfied by *firehose.Client without importing it
// directly (firehose already imports this package's sibling concerns,
// so the dependency runs the other way to avoid a cycle).
type FirehoseStatus interface {
	IsConnected() bool
	EventsReceived() int64
	Cursor() int64
}

// Handler serves /healthz (liveness) and /stats (progress snapshot).
type Handler struct {
	firehose   FirehoseStatus
	queue      *dispatch.Queue
	reconciler *deferredop.Reconciler
}

// New builds a health handler over the running ingestion pipeline's
// components.
func New(firehose FirehoseStatus, queue *dispatch.Queue, reconciler *deferredop.Reconciler) *Handler {
	return &Handler{firehose: firehose, queue: queue, reconciler: reconciler}
}

// Stats is the /stats JSON response shape.
type Stats struct {
	FirehoseConnected bool           `json:"firehoseConnected"`
	EventsReceived    int64          `json:"eventsReceived"`
	Cursor            int64          `json:"cursor"`
	Dispatch          dispatch.Stats `json:"dispatch"`
	DeferredOpsTotal  int            `json:"deferredOpsTotal"`
}

// Ready reports whether the service should receive traffic: true while the
// firehose is connected. The dispatch backlog is not considered.
func (h *Handler) Ready() bool {
	return h.firehose.IsConnected()
}

func (h *Handler) snapshot() Stats {
	return Stats{
		FirehoseConnected: h.firehose.IsConnected(),
		EventsReceived:    h.firehose.EventsReceived(),
		Cursor:            h.firehose.Cursor(),
		Dispatch:          h.queue.Stats(),
		DeferredOpsTotal:  h.reconciler.Len(),
	}
}

// ServeHealthz writes 200 when ready, 503 otherwise. No body is required
// by any consumer, so it stays empty.
func (h *Handler) ServeHealthz(w http.ResponseWriter, r *http.Request) {
	if !h.Ready() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// ServeStats writes the JSON progress snapshot.
func (h *Handler) ServeStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(h.snapshot())
}
