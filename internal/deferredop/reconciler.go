package deferredop

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultTTL is the lifetime a deferred op is allowed to wait for its
// prerequisite before being dropped.
const DefaultTTL = 24 * time.Hour

// DefaultSweepInterval matches the specification's 60s sweep cadence.
const DefaultSweepInterval = 60 * time.Second

// Reconciler owns the four symmetric deferred-op queues named in the
// specification's data model: pending likes/reposts keyed by post URI,
// pending user-ops and pending user-creation-ops keyed by DID, and
// pending list-items keyed by list URI.
type Reconciler struct {
	PendingLikesReposts    *Queue
	PendingUserOps         *Queue
	PendingListItems       *Queue
	PendingUserCreationOps *Queue

	sweepInterval time.Duration
}

// New creates a reconciler whose queues all share the given TTL.
func New(ttl time.Duration, sweepInterval time.Duration) *Reconciler {
	return &Reconciler{
		PendingLikesReposts:    NewQueue("pending_likes_reposts", ttl),
		PendingUserOps:         NewQueue("pending_user_ops", ttl),
		PendingListItems:       NewQueue("pending_list_items", ttl),
		PendingUserCreationOps: NewQueue("pending_user_creation_ops", ttl),
		sweepInterval:          sweepInterval,
	}
}

// Run starts the periodic sweep goroutine; it returns when ctx is canceled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.sweepOnce(now)
		}
	}
}

func (r *Reconciler) sweepOnce(now time.Time) {
	dropped := r.PendingLikesReposts.Sweep(now) +
		r.PendingUserOps.Sweep(now) +
		r.PendingListItems.Sweep(now) +
		r.PendingUserCreationOps.Sweep(now)
	if dropped > 0 {
		log.Warn().Int("dropped", dropped).Msg("deferredop: expired stale pending ops")
	}
}

// Len reports the total pending count across all four queues.
func (r *Reconciler) Len() int {
	return r.PendingLikesReposts.Len() + r.PendingUserOps.Len() + r.PendingListItems.Len() + r.PendingUserCreationOps.Len()
}
