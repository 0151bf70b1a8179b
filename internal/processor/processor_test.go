package processor

import (
	"context"
	"sync"
	"testing"
	"time"

	"tangled.org/appview/indexer/internal/deferredop"
	"tangled.org/appview/indexer/internal/store"
)

func newTestProcessor(st store.Store) *Processor {
	reconciler := deferredop.New(time.Hour, time.Minute)
	return New(st, nil, reconciler, DefaultConfig())
}

func postOp(uri, path string) Op {
	return Op{
		Action: "create",
		Path:   path,
		CID:    "bafy-post",
		Record: map[string]interface{}{
			"$type":     "app.bsky.feed.post",
			"text":      "hello world",
			"createdAt": "2026-01-01T00:00:00Z",
		},
	}
}

// TestProcessCommitCreatesUserAndPost exercises the §4.6.1 "author not yet
// known" path: a post from a brand-new DID should lazily create the user
// row before inserting the post.
func TestProcessCommitCreatesUserAndPost(t *testing.T) {
	st := newFakeStore()
	p := newTestProcessor(st)
	ctx := context.Background()

	repo := "did:plc:alice"
	uri := "at://" + repo + "/app.bsky.feed.post/1"
	p.ProcessCommit(ctx, CommitEvent{Repo: repo, Ops: []Op{postOp(uri, "app.bsky.feed.post/1")}})

	if _, err := st.GetUser(ctx, repo); err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	u, _ := st.GetUser(ctx, repo)
	if u == nil {
		t.Fatal("expected user to be created")
	}

	post, err := st.GetPost(ctx, uri)
	if err != nil || post == nil {
		t.Fatalf("expected post to be created, got %v, err %v", post, err)
	}
	if post.Text != "hello world" {
		t.Errorf("Text = %q", post.Text)
	}
}

// TestProcessCommitIdempotentReplay is invariant I-1: replaying the same
// commit (e.g. after a firehose reconnect) must not error or duplicate
// state — the unique-violation path in processOp must swallow it silently.
func TestProcessCommitIdempotentReplay(t *testing.T) {
	st := newFakeStore()
	p := newTestProcessor(st)
	ctx := context.Background()

	repo := "did:plc:alice"
	uri := "at://" + repo + "/app.bsky.feed.post/1"
	op := postOp(uri, "app.bsky.feed.post/1")

	p.ProcessCommit(ctx, CommitEvent{Repo: repo, Ops: []Op{op}})
	p.ProcessCommit(ctx, CommitEvent{Repo: repo, Ops: []Op{op}})

	if len(st.posts) != 1 {
		t.Fatalf("posts = %d, want 1 (replay should be idempotent)", len(st.posts))
	}
	// Aggregation row creation is also unique-keyed; the second pass must
	// not have duplicated or errored it either.
	if len(st.aggregations) != 1 {
		t.Fatalf("aggregations = %d, want 1", len(st.aggregations))
	}
}

// TestDeferOnMissingPrerequisiteRoutesByConstraintNotRecordType covers a
// post that trips posts_author_did_fkey despite ensureUser having already
// run: the author row exists by record type's usual reckoning, so naive
// record-type routing would look for a reply parent to key on, find none
// (this post is not a reply), and drop the op. The constraint name routes
// it to PendingUserOps on the authoring DID instead, where it is already
// guaranteed to flush.
func TestDeferOnMissingPrerequisiteRoutesByConstraintNotRecordType(t *testing.T) {
	st := newFakeStore()
	st.forcePostAuthorFKOnce = true
	p := newTestProcessor(st)
	ctx := context.Background()

	repo := "did:plc:alice"
	uri := "at://" + repo + "/app.bsky.feed.post/1"
	p.ProcessCommit(ctx, CommitEvent{Repo: repo, Ops: []Op{postOp(uri, "app.bsky.feed.post/1")}})

	if _, ok := st.posts[uri]; ok {
		t.Fatalf("post should not have been created on the first, FK-failing attempt")
	}
	if p.reconciler.PendingUserOps.Len() != 1 {
		t.Fatalf("expected the post to be deferred under PendingUserOps, got len %d", p.reconciler.PendingUserOps.Len())
	}
	if p.reconciler.PendingLikesReposts.Len() != 0 {
		t.Fatalf("post should not have been misrouted to PendingLikesReposts, got len %d", p.reconciler.PendingLikesReposts.Len())
	}

	p.RetryPendingOperations(ctx)

	if _, ok := st.posts[uri]; !ok {
		t.Fatal("expected the post to be created once the deferred op replayed")
	}
	if p.reconciler.PendingUserOps.Len() != 0 {
		t.Fatalf("expected PendingUserOps to be drained after retry, got len %d", p.reconciler.PendingUserOps.Len())
	}
}

// TestDeferOnMissingPrerequisiteThenFlush is invariant I-2: a like whose
// subject post has not been indexed yet must be queued, not dropped, and
// must replay once the prerequisite shows up (the post's own handler
// flushes the queue keyed on its URI).
func TestDeferOnMissingPrerequisiteThenFlush(t *testing.T) {
	st := newFakeStore()
	st.enforceLikeSubjectFK = true
	p := newTestProcessor(st)
	ctx := context.Background()

	liker := "did:plc:bob"
	postAuthor := "did:plc:alice"
	postURI := "at://" + postAuthor + "/app.bsky.feed.post/1"
	likeURI := "at://" + liker + "/app.bsky.feed.like/1"

	likeOp := Op{
		Action: "create",
		Path:   "app.bsky.feed.like/1",
		CID:    "bafy-like",
		Record: map[string]interface{}{
			"$type":     "app.bsky.feed.like",
			"subject":   map[string]interface{}{"uri": postURI, "cid": "bafy-post"},
			"createdAt": "2026-01-01T00:00:00Z",
		},
	}

	p.ProcessCommit(ctx, CommitEvent{Repo: liker, Ops: []Op{likeOp}})

	if len(st.likes) != 0 {
		t.Fatalf("like should not have been created before its subject exists")
	}
	if p.reconciler.PendingLikesReposts.Len() != 1 {
		t.Fatalf("expected the like to be deferred, got queue len %d", p.reconciler.PendingLikesReposts.Len())
	}

	// The post now arrives.
	p.ProcessCommit(ctx, CommitEvent{Repo: postAuthor, Ops: []Op{postOp(postURI, "app.bsky.feed.post/1")}})

	p.RetryPendingOperations(ctx)

	if _, ok := st.likes[likeURI]; !ok {
		t.Fatal("expected the deferred like to have been replayed once its post existed")
	}
	if p.reconciler.PendingLikesReposts.Len() != 0 {
		t.Errorf("expected the deferred queue to be empty after flush, got %d", p.reconciler.PendingLikesReposts.Len())
	}
}

// TestOptOutDropsOp is invariant I-6: an op authored by a DID with
// data-collection forbidden must never reach storage.
func TestOptOutDropsOp(t *testing.T) {
	st := newFakeStore()
	repo := "did:plc:optout"
	st.settings[repo] = store.UserSettings{DID: repo, DataCollectionForbidden: true}

	p := newTestProcessor(st)
	ctx := context.Background()

	uri := "at://" + repo + "/app.bsky.feed.post/1"
	p.ProcessCommit(ctx, CommitEvent{Repo: repo, Ops: []Op{postOp(uri, "app.bsky.feed.post/1")}})

	if len(st.posts) != 0 {
		t.Error("opted-out author's post should never be stored")
	}
}

// TestEnsureUserAtMostOnceCreation is invariant I-3: concurrent ops from
// the same brand-new DID must create exactly one user row, coordinated by
// the creation singleflight group.
func TestEnsureUserAtMostOnceCreation(t *testing.T) {
	st := newFakeStore()
	p := newTestProcessor(st)
	ctx := context.Background()

	repo := "did:plc:concurrent"

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = p.ensureUser(ctx, repo)
		}()
	}
	wg.Wait()

	if st.createUserCalls.Load() != 1 {
		t.Errorf("CreateUser called %d times, want exactly 1", st.createUserCalls.Load())
	}
}

// TestHandleDeleteLikeDecrementsAggregation is invariant I-4 (aggregation
// closure): deleting a like must decrement the subject post's like count,
// read back from the tombstone-free delete frame.
func TestHandleDeleteLikeDecrementsAggregation(t *testing.T) {
	st := newFakeStore()
	st.enforceLikeSubjectFK = false
	p := newTestProcessor(st)
	ctx := context.Background()

	author := "did:plc:alice"
	liker := "did:plc:bob"
	postURI := "at://" + author + "/app.bsky.feed.post/1"
	likeURI := "at://" + liker + "/app.bsky.feed.like/1"

	p.ProcessCommit(ctx, CommitEvent{Repo: author, Ops: []Op{postOp(postURI, "app.bsky.feed.post/1")}})
	likeOp := Op{
		Action: "create",
		Path:   "app.bsky.feed.like/1",
		CID:    "bafy-like",
		Record: map[string]interface{}{
			"$type":     "app.bsky.feed.like",
			"subject":   map[string]interface{}{"uri": postURI},
			"createdAt": "2026-01-01T00:00:00Z",
		},
	}
	p.ProcessCommit(ctx, CommitEvent{Repo: liker, Ops: []Op{likeOp}})

	if st.aggregations[postURI].LikeCount != 1 {
		t.Fatalf("LikeCount = %d, want 1", st.aggregations[postURI].LikeCount)
	}

	p.ProcessCommit(ctx, CommitEvent{Repo: liker, Ops: []Op{{Action: "delete", Path: "app.bsky.feed.like/1"}}})

	if st.aggregations[postURI].LikeCount != 0 {
		t.Errorf("LikeCount after delete = %d, want 0", st.aggregations[postURI].LikeCount)
	}
	if _, ok := st.likes[likeURI]; ok {
		t.Error("like row should be gone after delete")
	}
}

// TestHandleDeletePostDecrementsParentReplyCount ensures a deleted reply
// cleans up its parent's reply_count the same way the create path
// increments it.
func TestHandleDeletePostDecrementsParentReplyCount(t *testing.T) {
	st := newFakeStore()
	p := newTestProcessor(st)
	ctx := context.Background()

	author := "did:plc:alice"
	parentURI := "at://" + author + "/app.bsky.feed.post/1"
	replyURI := "at://" + author + "/app.bsky.feed.post/2"

	p.ProcessCommit(ctx, CommitEvent{Repo: author, Ops: []Op{postOp(parentURI, "app.bsky.feed.post/1")}})

	replyOp := Op{
		Action: "create",
		Path:   "app.bsky.feed.post/2",
		CID:    "bafy-reply",
		Record: map[string]interface{}{
			"$type": "app.bsky.feed.post",
			"text":  "a reply",
			"reply": map[string]interface{}{
				"root":   map[string]interface{}{"uri": parentURI},
				"parent": map[string]interface{}{"uri": parentURI},
			},
			"createdAt": "2026-01-01T00:01:00Z",
		},
	}
	p.ProcessCommit(ctx, CommitEvent{Repo: author, Ops: []Op{replyOp}})

	if st.aggregations[parentURI].ReplyCount != 1 {
		t.Fatalf("ReplyCount = %d, want 1", st.aggregations[parentURI].ReplyCount)
	}

	p.ProcessCommit(ctx, CommitEvent{Repo: author, Ops: []Op{{Action: "delete", Path: "app.bsky.feed.post/2"}}})

	if st.aggregations[parentURI].ReplyCount != 0 {
		t.Errorf("ReplyCount after delete = %d, want 0", st.aggregations[parentURI].ReplyCount)
	}
}

// TestMalformedPathIsDropped guards against a path with no "/" separator
// crashing the processor instead of being logged and skipped.
func TestMalformedPathIsDropped(t *testing.T) {
	st := newFakeStore()
	p := newTestProcessor(st)
	ctx := context.Background()

	p.ProcessCommit(ctx, CommitEvent{Repo: "did:plc:alice", Ops: []Op{{Action: "create", Path: "no-slash-here"}}})
	if len(st.posts) != 0 || len(st.records) != 0 {
		t.Error("malformed path should not produce any stored record")
	}
}

// TestInvalidShapeRecordIsDropped ensures a record failing lexicon
// validation (e.g. a post with neither text nor embed) never reaches
// storage.
func TestInvalidShapeRecordIsDropped(t *testing.T) {
	st := newFakeStore()
	p := newTestProcessor(st)
	ctx := context.Background()

	repo := "did:plc:alice"
	op := Op{
		Action: "create",
		Path:   "app.bsky.feed.post/1",
		CID:    "bafy",
		Record: map[string]interface{}{"$type": "app.bsky.feed.post"},
	}
	p.ProcessCommit(ctx, CommitEvent{Repo: repo, Ops: []Op{op}})

	if len(st.posts) != 0 {
		t.Error("invalid-shape post should not be stored")
	}
}

// TestGenericRecordFallback ensures an unrecognized lexicon is preserved
// verbatim rather than silently dropped.
func TestGenericRecordFallback(t *testing.T) {
	st := newFakeStore()
	p := newTestProcessor(st)
	ctx := context.Background()

	repo := "did:plc:alice"
	uri := "at://" + repo + "/com.example.widget/1"
	op := Op{
		Action: "create",
		Path:   "com.example.widget/1",
		CID:    "bafy-widget",
		Record: map[string]interface{}{"$type": "com.example.widget", "color": "blue"},
	}
	p.ProcessCommit(ctx, CommitEvent{Repo: repo, Ops: []Op{op}})

	rec, ok := st.records[uri]
	if !ok {
		t.Fatal("expected the unrecognized lexicon to be stored as a generic record")
	}
	if rec.Collection != "com.example.widget" {
		t.Errorf("Collection = %q", rec.Collection)
	}
}
