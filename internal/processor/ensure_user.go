package processor

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"tangled.org/appview/indexer/internal/pgerr"
	"tangled.org/appview/indexer/internal/store"
)

// ensureUser implements §4.6.1: a DID seen for the first time must exist
// in storage before any record it authors or is the subject of can be
// inserted. A storage round-trip happens on the fast path (GetUser), so
// this is called on every op, not just the first one for a given DID —
// the singleflight group and semaphore only guard the slow, creating path.
func (p *Processor) ensureUser(ctx context.Context, did string) error {
	if u, err := p.store.GetUser(ctx, did); err == nil && u != nil {
		return nil
	}

	_, err, _ := p.creationSF.Do(did, func() (interface{}, error) {
		if u, err := p.store.GetUser(ctx, did); err == nil && u != nil {
			return nil, nil
		}

		if err := p.creationSem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		defer p.creationSem.Release(1)

		// §4.11: bulk repo backfill runs in skip-PDS-fetching mode, which
		// suppresses this resolution to avoid an N^2 fan-out of identity
		// lookups against every author seen in a bulk CAR walk.
		handle := "handle.invalid"
		if p.resolver != nil && !p.cfg.BulkImportMode {
			if res, err := p.resolver.Resolve(ctx, did); err == nil && res.Handle != "" {
				handle = res.Handle
			}
		}

		now := time.Now()
		err := p.store.CreateUser(ctx, store.User{
			DID:       did,
			Handle:    handle,
			CreatedAt: now,
			IndexedAt: now,
		})
		// A concurrent creator winning the race is success, not failure.
		if err != nil && !pgerr.IsUniqueViolation(err) {
			return nil, err
		}

		p.flushPendingUserOps(ctx, did)
		p.flushPendingUserCreationOps(ctx, did)
		return nil, nil
	})
	if err != nil {
		log.Error().Err(err).Str("did", did).Msg("processor: ensureUser failed")
	}
	return err
}

// ensureUserOrDefer implements §4.6.3's "ensure user; enqueue on failure"
// clause for like/repost/follow: ensureUser already waits out a concurrent
// in-flight creation via the singleflight future, but a creation that
// outright failed (store error, semaphore context cancellation) should not
// fail op itself — it defers the op under the user's pending-creation queue
// instead, to be replayed once the DID exists. Returns false when the op
// was deferred and the caller should stop processing it.
func (p *Processor) ensureUserOrDefer(ctx context.Context, repo, uri string, op Op) bool {
	if err := p.ensureUser(ctx, repo); err != nil {
		p.reconciler.PendingUserCreationOps.Enqueue(repo, uri, pendingOp{repo: repo, uri: uri, op: op}, time.Now())
		return false
	}
	return true
}

// ResolveAndRefreshHandle re-resolves did's handle and updates the stored
// row if it has changed, used after a #identity firehose frame invalidates
// the identity cache. Not part of the hot ingestion path.
func (p *Processor) ResolveAndRefreshHandle(ctx context.Context, did string) {
	if p.resolver == nil {
		return
	}
	p.resolver.Purge(did)
	res, err := p.resolver.Resolve(ctx, did)
	if err != nil || res.Handle == "" {
		return
	}
	if err := p.store.UpsertUserHandle(ctx, did, res.Handle); err != nil {
		log.Debug().Err(err).Str("did", did).Msg("processor: handle refresh failed")
	}
}
