// Package processor implements the event processor (§4.6), the heart of
// the ingestion core: per-record-type handlers, per-DID creation
// deduplication, the data-collection opt-out gate, and delete handling.
package processor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"tangled.org/appview/indexer/internal/deferredop"
	"tangled.org/appview/indexer/internal/identity"
	"tangled.org/appview/indexer/internal/lexicon"
	"tangled.org/appview/indexer/internal/metrics"
	"tangled.org/appview/indexer/internal/pgerr"
	"tangled.org/appview/indexer/internal/sanitize"
	"tangled.org/appview/indexer/internal/store"
)

// Op is one repository-commit operation, normalized from the firehose or
// repo-backfill frame shapes into `{ action, path, cid?, record? }`.
type Op struct {
	Action string // "create" | "update" | "delete"
	Path   string // "<collection>/<rkey>"
	CID    string
	Record map[string]interface{}
}

// CommitEvent is the normalized unit processCommit accepts: a repo DID
// plus its batch of ops, in relay-assigned order.
type CommitEvent struct {
	Repo string
	Ops  []Op
}

// Config controls the processor's concurrency bound and bulk-import mode.
type Config struct {
	// MaxConcurrentUserCreations bounds concurrent database inserts for
	// brand-new users (default 10, per §4.6.1).
	MaxConcurrentUserCreations int64
	// BulkImportMode suppresses ensureUser's handle resolution for a newly
	// created DID, used during repo backfill to avoid an N^2 fan-out (§4.11).
	BulkImportMode bool
	// OptOutCacheTTL is the opt-out cache's refresh interval (default 5m).
	OptOutCacheTTL time.Duration
}

// DefaultConfig matches the specification's stated defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentUserCreations: 10,
		BulkImportMode:             false,
		OptOutCacheTTL:             5 * time.Minute,
	}
}

// Processor is the event processor. It is safe for concurrent use; all
// per-DID coordination goes through the creation singleflight group and
// semaphore, and all per-post/list/user coordination blocked on a missing
// prerequisite goes through the deferred-op reconciler.
type Processor struct {
	store      store.Store
	resolver   *identity.Resolver
	reconciler *deferredop.Reconciler
	cfg        Config

	creationSF  singleflight.Group
	creationSem *semaphore.Weighted
	optOut      *optOutCache
}

// New builds a processor over the given storage contract, identity
// resolver, and deferred-op reconciler.
func New(st store.Store, resolver *identity.Resolver, reconciler *deferredop.Reconciler, cfg Config) *Processor {
	return &Processor{
		store:       st,
		resolver:    resolver,
		reconciler:  reconciler,
		cfg:         cfg,
		creationSem: semaphore.NewWeighted(cfg.MaxConcurrentUserCreations),
		optOut:      newOptOutCache(st, cfg.OptOutCacheTTL),
	}
}

// ProcessCommit is the entry point described in §4.6: for each op, forms
// uri = at://<repo>/<path> and collection = path.split("/")[0]. Delete ops
// dispatch to handleDelete; everything else is validated then dispatched
// by record.$type.
func (p *Processor) ProcessCommit(ctx context.Context, event CommitEvent) {
	for _, op := range event.Ops {
		p.processOp(ctx, event.Repo, op)
	}
}

func (p *Processor) processOp(ctx context.Context, repo string, op Op) {
	collection, rkey, ok := splitPath(op.Path)
	if !ok {
		log.Warn().Str("path", op.Path).Msg("processor: malformed op path")
		return
	}
	uri := fmt.Sprintf("at://%s/%s/%s", repo, collection, rkey)

	if op.Action == "delete" {
		p.handleDelete(ctx, repo, collection, uri)
		return
	}

	if p.optOut.Forbidden(ctx, repo) {
		metrics.EventsDropped.WithLabelValues("opt_out").Inc()
		return
	}

	recordType := lexicon.RecordType(typeOf(op.Record, collection))
	if !lexicon.Validate(recordType, op.Record) {
		log.Debug().Str("uri", uri).Str("type", string(recordType)).Msg("processor: record failed validation, dropping")
		metrics.EventsDropped.WithLabelValues("invalid_shape").Inc()
		return
	}

	op.Record = sanitize.Value(op.Record).(map[string]interface{})

	err := p.dispatch(ctx, recordType, repo, uri, op)
	if err == nil {
		metrics.FirehoseEventsTotal.WithLabelValues(collection, op.Action).Inc()
		return
	}

	switch {
	case pgerr.IsUniqueViolation(err):
		// Idempotent reception: another path (often a concurrent
		// reconnect-replay) already created this row.
		return
	case pgerr.IsForeignKeyViolation(err):
		p.deferOnMissingPrerequisite(ctx, recordType, repo, uri, op, err)
	default:
		log.Error().Err(err).Str("uri", uri).Str("type", string(recordType)).Msg("processor: handler failed")
		metrics.FirehoseErrorsTotal.Inc()
	}
}

func (p *Processor) dispatch(ctx context.Context, recordType lexicon.RecordType, repo, uri string, op Op) error {
	switch recordType {
	case lexicon.RecordTypePost:
		return p.handlePost(ctx, repo, uri, op)
	case lexicon.RecordTypeLike:
		return p.handleLike(ctx, repo, uri, op)
	case lexicon.RecordTypeRepost:
		return p.handleRepost(ctx, repo, uri, op)
	case lexicon.RecordTypeBookmark:
		return p.handleBookmark(ctx, repo, uri, op)
	case lexicon.RecordTypeFollow:
		return p.handleFollow(ctx, repo, uri, op)
	case lexicon.RecordTypeBlock:
		return p.handleBlock(ctx, repo, uri, op)
	case lexicon.RecordTypeList:
		return p.handleList(ctx, repo, uri, op)
	case lexicon.RecordTypeListItem:
		return p.handleListItem(ctx, repo, uri, op)
	case lexicon.RecordTypeProfile:
		return p.handleProfile(ctx, repo, uri, op)
	case lexicon.RecordTypeFeedGenerator:
		return p.handleFeedGenerator(ctx, repo, uri, op)
	case lexicon.RecordTypeStarterPack:
		return p.handleStarterPack(ctx, repo, uri, op)
	case lexicon.RecordTypeLabelerService:
		return p.handleLabelerService(ctx, repo, uri, op)
	case lexicon.RecordTypeVerification:
		return p.handleVerification(ctx, repo, uri, op)
	case lexicon.RecordTypeLabel:
		return p.handleLabel(ctx, uri, op)
	default:
		return p.handleGenericRecord(ctx, repo, uri, op)
	}
}

// deferOnMissingPrerequisite queues op under the right one of the four
// deferred-op queues. Routing is primarily by record type, but every
// table's author_did FK points at users(did) too, and a brand-new author's
// very first op can lose the race against ensureUser committing regardless
// of what record type it is. MissingPrerequisite's constraint name tells
// the two apart: when it's the author FK rather than the type's usual
// subject/dependency FK, the op is keyed on the authoring DID instead, or
// it would sit in the wrong queue until its TTL sweep discards it.
func (p *Processor) deferOnMissingPrerequisite(ctx context.Context, recordType lexicon.RecordType, repo, uri string, op Op, cause error) {
	now := time.Now()

	if constraint := pgerr.MissingPrerequisite(cause); strings.Contains(constraint, "author_did") {
		log.Debug().Str("uri", uri).Str("constraint", constraint).Msg("processor: author not yet created, deferring on authoring DID")
		p.reconciler.PendingUserOps.Enqueue(repo, uri, pendingOp{repo: repo, uri: uri, op: op}, now)
		return
	}

	switch recordType {
	case lexicon.RecordTypeLike, lexicon.RecordTypeRepost, lexicon.RecordTypeBookmark:
		subject := lexicon.SubjectURI(op.Record)
		if subject == "" {
			log.Warn().Err(cause).Str("uri", uri).Msg("processor: missing prerequisite but no subject to key on")
			return
		}
		p.reconciler.PendingLikesReposts.Enqueue(subject, uri, pendingOp{repo: repo, uri: uri, op: op}, now)
	case lexicon.RecordTypePost:
		// A reply whose parent hasn't been indexed yet: reuse the
		// likes/reposts queue, which is already keyed by "post that must
		// exist before this op can be replayed".
		_, parent := replyRefs(op.Record)
		if parent == "" {
			log.Warn().Err(cause).Str("uri", uri).Msg("processor: missing prerequisite but no reply parent to key on")
			return
		}
		p.reconciler.PendingLikesReposts.Enqueue(parent, uri, pendingOp{repo: repo, uri: uri, op: op}, now)
	case lexicon.RecordTypeListItem:
		listURI, _ := op.Record["list"].(string)
		if listURI == "" {
			return
		}
		p.reconciler.PendingListItems.Enqueue(listURI, uri, pendingOp{repo: repo, uri: uri, op: op}, now)
	case lexicon.RecordTypeFollow, lexicon.RecordTypeBlock, lexicon.RecordTypeVerification:
		subjectDID := lexicon.SubjectURI(op.Record)
		if subjectDID == "" {
			log.Warn().Err(cause).Str("uri", uri).Msg("processor: missing prerequisite but no subject DID to key on")
			return
		}
		p.reconciler.PendingUserOps.Enqueue(subjectDID, uri, pendingOp{repo: repo, uri: uri, op: op}, now)
	default:
		// Author not yet created: ensureUser should have run first, but a
		// race (e.g. a concurrent delete of the just-created row) can still
		// surface this. Key on the authoring DID so user creation flushes it.
		p.reconciler.PendingUserOps.Enqueue(repo, uri, pendingOp{repo: repo, uri: uri, op: op}, now)
	}
}

type pendingOp struct {
	repo string
	uri  string
	op   Op
}

// RetryPendingOperations re-tests each of the four deferred-op queues'
// prerequisites against storage and flushes those that now exist (§4.6.5).
// Intended to be called periodically and after large backfill milestones.
func (p *Processor) RetryPendingOperations(ctx context.Context) {
	for _, postURI := range p.reconciler.PendingLikesReposts.Prereqs() {
		if post, err := p.store.GetPost(ctx, postURI); err == nil && post != nil {
			p.flushPendingLikesReposts(ctx, postURI)
		}
	}
	for _, did := range p.reconciler.PendingUserOps.Prereqs() {
		if u, err := p.store.GetUser(ctx, did); err == nil && u != nil {
			p.flushPendingUserOps(ctx, did)
		}
	}
	for _, listURI := range p.reconciler.PendingListItems.Prereqs() {
		if l, err := p.store.GetList(ctx, listURI); err == nil && l != nil {
			p.flushPendingListItems(ctx, listURI)
		}
	}
	for _, did := range p.reconciler.PendingUserCreationOps.Prereqs() {
		if u, err := p.store.GetUser(ctx, did); err == nil && u != nil {
			p.flushPendingUserCreationOps(ctx, did)
		}
	}
}

func (p *Processor) flushPendingLikesReposts(ctx context.Context, postURI string) {
	p.reconciler.PendingLikesReposts.Flush(postURI, func(o deferredop.Op) error {
		po := o.Payload.(pendingOp)
		p.processOp(ctx, po.repo, po.op)
		return nil
	})
}

func (p *Processor) flushPendingUserOps(ctx context.Context, did string) {
	p.reconciler.PendingUserOps.Flush(did, func(o deferredop.Op) error {
		po := o.Payload.(pendingOp)
		p.processOp(ctx, po.repo, po.op)
		return nil
	})
}

func (p *Processor) flushPendingUserCreationOps(ctx context.Context, did string) {
	p.reconciler.PendingUserCreationOps.Flush(did, func(o deferredop.Op) error {
		po := o.Payload.(pendingOp)
		p.processOp(ctx, po.repo, po.op)
		return nil
	})
}

func (p *Processor) flushPendingListItems(ctx context.Context, listURI string) {
	p.reconciler.PendingListItems.Flush(listURI, func(o deferredop.Op) error {
		po := o.Payload.(pendingOp)
		p.processOp(ctx, po.repo, po.op)
		return nil
	})
}

func splitPath(path string) (collection, rkey string, ok bool) {
	idx := strings.LastIndex(path, "/")
	if idx < 0 {
		return "", "", false
	}
	return path[:idx], path[idx+1:], true
}

func typeOf(record map[string]interface{}, fallbackCollection string) string {
	if t, ok := record["$type"].(string); ok && t != "" {
		return t
	}
	return fallbackCollection
}
