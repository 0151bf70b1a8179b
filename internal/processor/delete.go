package processor

import (
	"context"

	"github.com/rs/zerolog/log"

	"tangled.org/appview/indexer/internal/deferredop"
	"tangled.org/appview/indexer/internal/lexicon"
	"tangled.org/appview/indexer/internal/store"
)

// handleDelete implements §4.6.4: a tombstone carries only the collection
// and rkey, never the deleted record's body, so aggregation cleanup that
// needs the original subject (e.g. decrementing a post's like_count) reads
// the row back from storage before deleting it.
func (p *Processor) handleDelete(ctx context.Context, repo, collection, uri string) {
	var err error
	switch lexicon.RecordType(collection) {
	case lexicon.RecordTypePost:
		err = p.deletePost(ctx, repo, uri)
	case lexicon.RecordTypeLike:
		err = p.deleteLike(ctx, repo, uri)
	case lexicon.RecordTypeRepost:
		err = p.deleteRepost(ctx, repo, uri)
	case lexicon.RecordTypeBookmark:
		err = p.store.DeleteBookmark(ctx, uri, repo)
	case lexicon.RecordTypeFollow:
		err = p.store.DeleteFollow(ctx, uri, repo)
	case lexicon.RecordTypeBlock:
		err = p.store.DeleteBlock(ctx, uri, repo)
	case lexicon.RecordTypeList:
		err = p.store.DeleteList(ctx, uri, repo)
	case lexicon.RecordTypeListItem:
		err = p.store.DeleteListItem(ctx, uri, repo)
	case lexicon.RecordTypeFeedGenerator:
		err = p.store.DeleteFeedGenerator(ctx, uri, repo)
	case lexicon.RecordTypeStarterPack:
		err = p.store.DeleteStarterPack(ctx, uri, repo)
	case lexicon.RecordTypeLabelerService:
		err = p.store.DeleteLabelerService(ctx, uri, repo)
	case lexicon.RecordTypeVerification:
		err = p.store.DeleteVerification(ctx, uri, repo)
	default:
		// Profiles, labels, and generic records have no delete semantics
		// the core materializes (a profile delete just means the repo was
		// deleted wholesale, handled separately by #account frames).
		return
	}

	if err != nil {
		log.Debug().Err(err).Str("uri", uri).Str("collection", collection).Msg("processor: delete failed, possibly already gone")
	}
}

// discardPendingOp drops (never replays) every op queued against prereq,
// used when the prerequisite those ops were waiting on has itself just
// been deleted.
func discardPendingOp(deferredop.Op) error { return nil }

func (p *Processor) deletePost(ctx context.Context, repo, uri string) error {
	// Pending likes/reposts/replies targeting this post can never be
	// satisfied now, so the queue for this post's URI is discarded rather
	// than left to expire on its own TTL (§4.6.4).
	p.reconciler.PendingLikesReposts.Flush(uri, discardPendingOp)

	post, err := p.store.GetPost(ctx, uri)
	if err != nil || post == nil {
		return p.store.DeletePost(ctx, uri, repo)
	}
	if err := p.store.DeletePost(ctx, uri, repo); err != nil {
		return err
	}
	if post.ReplyTo != "" {
		_ = p.store.IncrementPostAggregation(ctx, post.ReplyTo, store.FieldReplyCount, -1)
	}
	_ = p.store.DeleteFeedItem(ctx, uri)
	return nil
}

func (p *Processor) deleteLike(ctx context.Context, repo, uri string) error {
	// The like's own URI is the opURI it would have been filed under had
	// it still been waiting on its subject post (§4.5's cancel(opURI)).
	p.reconciler.PendingLikesReposts.Cancel(uri)

	like, err := p.store.GetLike(ctx, uri)
	if err != nil || like == nil {
		return p.store.DeleteLike(ctx, uri, repo)
	}
	if err := p.store.DeleteLike(ctx, uri, repo); err != nil {
		return err
	}
	_ = p.store.IncrementPostAggregation(ctx, like.Subject, store.FieldLikeCount, -1)
	return nil
}

func (p *Processor) deleteRepost(ctx context.Context, repo, uri string) error {
	p.reconciler.PendingLikesReposts.Cancel(uri)

	repost, err := p.store.GetRepost(ctx, uri)
	if err != nil || repost == nil {
		return p.store.DeleteRepost(ctx, uri, repo)
	}
	if err := p.store.DeleteRepost(ctx, uri, repo); err != nil {
		return err
	}
	_ = p.store.IncrementPostAggregation(ctx, repost.Subject, store.FieldRepostCount, -1)
	_ = p.store.DeleteFeedItem(ctx, uri)
	return nil
}
