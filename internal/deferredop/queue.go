// Package deferredop implements the four symmetric deferred-operation
// queues the event processor uses to hold work blocked on a missing
// prerequisite: pending-likes/reposts (keyed by post URI), pending-user-ops
// and pending-user-creation-ops (keyed by user DID), and pending-list-items
// (keyed by list URI).
//
// Each queue is a tiny state machine: enqueue encodes "op blocked on
// prerequisite", flush is the transition once the prerequisite shows up.
// The secondary URI index is kept in lockstep with the primary queue so
// cancel is O(1).
package deferredop

import (
	"sync"
	"time"

	"tangled.org/appview/indexer/internal/metrics"
)

// Op is a deferred unit of work. Payload is opaque to the queue; the
// caller (the event processor) interprets it when Flush invokes Handler.
type Op struct {
	URI        string
	Payload    interface{}
	EnqueuedAt time.Time
}

// Handler replays a single op once its prerequisite exists. It returns
// an error only when the op should be dropped (logged) rather than
// silently retried — the deferred-op queue is the only retry mechanism,
// so a Handler must not ask to be retried again.
type Handler func(op Op) error

// Queue is one of the four symmetric deferred-op queues.
type Queue struct {
	name string
	ttl  time.Duration

	mu       sync.Mutex
	byPrereq map[string][]Op  // prerequisite URI/DID -> ordered pending ops
	byOpURI  map[string]string // op URI -> prerequisite it is filed under
	count    int
}

// NewQueue creates a named queue whose entries expire after ttl (the
// specification's default is 24h). name labels the metrics this queue
// reports under, e.g. "pending_likes_reposts".
func NewQueue(name string, ttl time.Duration) *Queue {
	return &Queue{
		name:     name,
		ttl:      ttl,
		byPrereq: make(map[string][]Op),
		byOpURI:  make(map[string]string),
	}
}

// Enqueue files op under prereq. Idempotent: if an op with the same URI is
// already pending anywhere in this queue, the call is a silent no-op.
func (q *Queue) Enqueue(prereq string, opURI string, payload interface{}, now time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.byOpURI[opURI]; exists {
		return
	}

	q.byPrereq[prereq] = append(q.byPrereq[prereq], Op{URI: opURI, Payload: payload, EnqueuedAt: now})
	q.byOpURI[opURI] = prereq
	q.count++
	metrics.DeferredOpQueueSize.WithLabelValues(q.name).Set(float64(q.count))
}

// Flush atomically removes the queue for prereq (so duplicates racing in
// during the replay are not lost), then invokes handler on each removed
// op in order. Index bookkeeping is done by Flush itself; handler errors
// are discarded.
func (q *Queue) Flush(prereq string, handler Handler) {
	q.mu.Lock()
	ops := q.byPrereq[prereq]
	delete(q.byPrereq, prereq)
	for _, op := range ops {
		delete(q.byOpURI, op.URI)
	}
	q.count -= len(ops)
	metrics.DeferredOpQueueSize.WithLabelValues(q.name).Set(float64(q.count))
	q.mu.Unlock()

	if len(ops) > 0 {
		metrics.DeferredOpFlushedTotal.WithLabelValues(q.name).Add(float64(len(ops)))
	}
	for _, op := range ops {
		// Handler errors are the caller's concern (typically: log and
		// drop). A "still missing prerequisite" outcome is expressed by
		// the caller re-enqueueing inside handler, not by an error here.
		_ = handler(op)
	}
}

// Cancel removes a pending op by its own URI in O(1), used when the op's
// record is deleted before its prerequisite ever appeared.
func (q *Queue) Cancel(opURI string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	prereq, ok := q.byOpURI[opURI]
	if !ok {
		return
	}
	delete(q.byOpURI, opURI)

	ops := q.byPrereq[prereq]
	for i, op := range ops {
		if op.URI == opURI {
			ops = append(ops[:i], ops[i+1:]...)
			q.count--
			break
		}
	}
	if len(ops) == 0 {
		delete(q.byPrereq, prereq)
	} else {
		q.byPrereq[prereq] = ops
	}
}

// Sweep drops ops older than the queue's TTL, relative to now, and
// returns the number dropped.
func (q *Queue) Sweep(now time.Time) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	dropped := 0
	for prereq, ops := range q.byPrereq {
		kept := ops[:0]
		for _, op := range ops {
			if now.Sub(op.EnqueuedAt) > q.ttl {
				delete(q.byOpURI, op.URI)
				dropped++
				continue
			}
			kept = append(kept, op)
		}
		if len(kept) == 0 {
			delete(q.byPrereq, prereq)
		} else {
			q.byPrereq[prereq] = kept
		}
	}
	q.count -= dropped
	if dropped > 0 {
		metrics.DeferredOpSweptTotal.WithLabelValues(q.name).Add(float64(dropped))
		metrics.DeferredOpQueueSize.WithLabelValues(q.name).Set(float64(q.count))
	}
	return dropped
}

// Len reports the total number of pending ops across all prerequisites,
// maintained incrementally rather than recomputed.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// HasPrereq reports whether any ops are pending for the given prerequisite.
func (q *Queue) HasPrereq(prereq string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.byPrereq[prereq]
	return ok
}

// Prereqs returns a snapshot of all prerequisite keys currently pending,
// for the retry-pending sweep (§4.6.5) to re-test against storage.
func (q *Queue) Prereqs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, 0, len(q.byPrereq))
	for k := range q.byPrereq {
		out = append(out, k)
	}
	return out
}
