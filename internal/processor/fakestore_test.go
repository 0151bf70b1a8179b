package processor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"tangled.org/appview/indexer/internal/store"
)

// fakeStore is a minimal in-memory implementation of store.Store, grounded
// on the same fake-the-storage-interface-for-unit-tests approach the
// specification's Store contract is designed to enable. It simulates
// Postgres's unique and foreign-key violations so the processor's error
// classification logic (pgerr) is exercised the same way it would be
// against a real database.
type fakeStore struct {
	mu sync.Mutex

	users          map[string]store.User
	posts          map[string]store.Post
	likes          map[string]store.Edge
	reposts        map[string]store.Edge
	bookmarks      map[string]store.Edge
	follows        map[string]store.Edge
	blocks         map[string]store.Edge
	lists          map[string]store.List
	listItems      map[string]store.ListItem
	feedGenerators map[string]store.FeedGenerator
	starterPacks   map[string]store.StarterPack
	labelers       map[string]store.LabelerService
	verifications  map[string]store.Verification
	records        map[string]store.Record
	aggregations   map[string]store.PostAggregation
	viewerStates   map[string]store.ViewerState
	feedItems      map[string]store.FeedItem
	notifications  []store.Notification
	settings       map[string]store.UserSettings
	cursors        map[string]store.FirehoseCursor

	createUserCalls atomic.Int64

	// enforceListItemFK makes CreateListItem fail with a foreign-key
	// violation unless the referenced list already exists, simulating the
	// list_items_list_uri_fkey constraint.
	enforceListItemFK bool
	// enforceLikeSubjectFK makes CreateLike fail with a foreign-key
	// violation unless the subject post already exists.
	enforceLikeSubjectFK bool
	// forcePostAuthorFKOnce makes the next CreatePost call fail with the
	// posts_author_did_fkey violation even though the author row exists,
	// simulating a concurrent-creation race ensureUser's singleflight future
	// can't fully close.
	forcePostAuthorFKOnce bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:          make(map[string]store.User),
		posts:          make(map[string]store.Post),
		likes:          make(map[string]store.Edge),
		reposts:        make(map[string]store.Edge),
		bookmarks:      make(map[string]store.Edge),
		follows:        make(map[string]store.Edge),
		blocks:         make(map[string]store.Edge),
		lists:          make(map[string]store.List),
		listItems:      make(map[string]store.ListItem),
		feedGenerators: make(map[string]store.FeedGenerator),
		starterPacks:   make(map[string]store.StarterPack),
		labelers:       make(map[string]store.LabelerService),
		verifications:  make(map[string]store.Verification),
		records:        make(map[string]store.Record),
		aggregations:   make(map[string]store.PostAggregation),
		viewerStates:   make(map[string]store.ViewerState),
		feedItems:      make(map[string]store.FeedItem),
		settings:       make(map[string]store.UserSettings),
		cursors:        make(map[string]store.FirehoseCursor),
	}
}

func uniqueViolation(constraint string) error {
	return &pgconn.PgError{Code: "23505", ConstraintName: constraint}
}

func fkViolation(constraint string) error {
	return &pgconn.PgError{Code: "23503", ConstraintName: constraint}
}

func (f *fakeStore) GetUser(ctx context.Context, did string) (*store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[did]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (f *fakeStore) CreateUser(ctx context.Context, u store.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.users[u.DID]; ok {
		return uniqueViolation("users_pkey")
	}
	f.createUserCalls.Add(1)
	f.users[u.DID] = u
	return nil
}

func (f *fakeStore) UpdateUser(ctx context.Context, did string, patch store.UserPatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[did]
	if !ok {
		return fmt.Errorf("no such user")
	}
	if patch.DisplayName != nil {
		u.DisplayName = patch.DisplayName
	}
	if patch.Description != nil {
		u.Description = patch.Description
	}
	if patch.AvatarCID != nil {
		u.AvatarCID = patch.AvatarCID
	}
	if patch.BannerCID != nil {
		u.BannerCID = patch.BannerCID
	}
	f.users[did] = u
	return nil
}

func (f *fakeStore) UpsertUserHandle(ctx context.Context, did, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[did]
	if !ok {
		return fmt.Errorf("no such user")
	}
	u.Handle = handle
	f.users[did] = u
	return nil
}

func (f *fakeStore) CreateRecord(ctx context.Context, r store.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.records[r.URI]; ok {
		return uniqueViolation("records_uri_key")
	}
	f.records[r.URI] = r
	return nil
}

func (f *fakeStore) GetPost(ctx context.Context, uri string) (*store.Post, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.posts[uri]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (f *fakeStore) CreatePost(ctx context.Context, p store.Post) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.posts[p.URI]; ok {
		return uniqueViolation("posts_uri_key")
	}
	if f.forcePostAuthorFKOnce {
		f.forcePostAuthorFKOnce = false
		return fkViolation("posts_author_did_fkey")
	}
	if _, ok := f.users[p.AuthorDID]; !ok {
		return fkViolation("posts_author_did_fkey")
	}
	f.posts[p.URI] = p
	return nil
}

func (f *fakeStore) DeletePost(ctx context.Context, uri, ownerDID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.posts, uri)
	return nil
}

func (f *fakeStore) CreateLike(ctx context.Context, e store.Edge) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.likes[e.URI]; ok {
		return uniqueViolation("likes_uri_key")
	}
	if f.enforceLikeSubjectFK {
		if _, ok := f.posts[e.Subject]; !ok {
			return fkViolation("likes_subject_uri_fkey")
		}
	}
	f.likes[e.URI] = e
	return nil
}

func (f *fakeStore) GetLike(ctx context.Context, uri string) (*store.Edge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.likes[uri]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (f *fakeStore) DeleteLike(ctx context.Context, uri, ownerDID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.likes, uri)
	return nil
}

func (f *fakeStore) GetLikeURI(ctx context.Context, viewerDID, postURI string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.likes {
		if e.AuthorDID == viewerDID && e.Subject == postURI {
			return e.URI, nil
		}
	}
	return "", nil
}

func (f *fakeStore) CreateRepost(ctx context.Context, e store.Edge) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.reposts[e.URI]; ok {
		return uniqueViolation("reposts_uri_key")
	}
	f.reposts[e.URI] = e
	return nil
}

func (f *fakeStore) GetRepost(ctx context.Context, uri string) (*store.Edge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.reposts[uri]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (f *fakeStore) DeleteRepost(ctx context.Context, uri, ownerDID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.reposts, uri)
	return nil
}

func (f *fakeStore) CreateBookmark(ctx context.Context, e store.Edge) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.bookmarks[e.URI]; ok {
		return uniqueViolation("bookmarks_uri_key")
	}
	f.bookmarks[e.URI] = e
	return nil
}

func (f *fakeStore) DeleteBookmark(ctx context.Context, uri, ownerDID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.bookmarks, uri)
	return nil
}

func (f *fakeStore) CreateFollow(ctx context.Context, e store.Edge) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.follows[e.URI]; ok {
		return uniqueViolation("follows_uri_key")
	}
	f.follows[e.URI] = e
	return nil
}

func (f *fakeStore) DeleteFollow(ctx context.Context, uri, ownerDID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.follows, uri)
	return nil
}

func (f *fakeStore) CreateBlock(ctx context.Context, e store.Edge) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.blocks[e.URI]; ok {
		return uniqueViolation("blocks_uri_key")
	}
	f.blocks[e.URI] = e
	return nil
}

func (f *fakeStore) DeleteBlock(ctx context.Context, uri, ownerDID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.blocks, uri)
	return nil
}

func (f *fakeStore) CreatePostAggregation(ctx context.Context, postURI string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.aggregations[postURI]; ok {
		return uniqueViolation("post_aggregations_pkey")
	}
	f.aggregations[postURI] = store.PostAggregation{PostURI: postURI}
	return nil
}

func (f *fakeStore) IncrementPostAggregation(ctx context.Context, postURI string, field store.AggregationField, delta int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	agg := f.aggregations[postURI]
	agg.PostURI = postURI
	switch field {
	case store.FieldLikeCount:
		agg.LikeCount += delta
	case store.FieldRepostCount:
		agg.RepostCount += delta
	case store.FieldReplyCount:
		agg.ReplyCount += delta
	case store.FieldBookmarkCount:
		agg.BookmarkCount += delta
	case store.FieldQuoteCount:
		agg.QuoteCount += delta
	}
	f.aggregations[postURI] = agg
	return nil
}

func (f *fakeStore) GetPostAggregations(ctx context.Context, uris []string) (map[string]store.PostAggregation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]store.PostAggregation)
	for _, u := range uris {
		if agg, ok := f.aggregations[u]; ok {
			out[u] = agg
		}
	}
	return out, nil
}

func (f *fakeStore) CreatePostViewerState(ctx context.Context, v store.ViewerState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := v.PostURI + "|" + v.ViewerDID
	f.viewerStates[key] = v
	return nil
}

func (f *fakeStore) DeletePostViewerState(ctx context.Context, postURI, viewerDID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.viewerStates, postURI+"|"+viewerDID)
	return nil
}

func (f *fakeStore) CreateFeedItem(ctx context.Context, item store.FeedItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.feedItems[item.URI]; ok {
		return uniqueViolation("feed_items_uri_key")
	}
	f.feedItems[item.URI] = item
	return nil
}

func (f *fakeStore) DeleteFeedItem(ctx context.Context, uri string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.feedItems, uri)
	return nil
}

func (f *fakeStore) CreateList(ctx context.Context, l store.List) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.lists[l.URI]; ok {
		return uniqueViolation("lists_uri_key")
	}
	f.lists[l.URI] = l
	return nil
}

func (f *fakeStore) GetList(ctx context.Context, uri string) (*store.List, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.lists[uri]
	if !ok {
		return nil, nil
	}
	return &l, nil
}

func (f *fakeStore) DeleteList(ctx context.Context, uri, ownerDID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.lists, uri)
	return nil
}

func (f *fakeStore) CreateListItem(ctx context.Context, li store.ListItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.listItems[li.URI]; ok {
		return uniqueViolation("list_items_uri_key")
	}
	if f.enforceListItemFK {
		if _, ok := f.lists[li.ListURI]; !ok {
			return fkViolation("list_items_list_uri_fkey")
		}
	}
	f.listItems[li.URI] = li
	return nil
}

func (f *fakeStore) DeleteListItem(ctx context.Context, uri, ownerDID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.listItems, uri)
	return nil
}

func (f *fakeStore) CreateFeedGenerator(ctx context.Context, fg store.FeedGenerator) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.feedGenerators[fg.URI]; ok {
		return uniqueViolation("feed_generators_uri_key")
	}
	f.feedGenerators[fg.URI] = fg
	return nil
}

func (f *fakeStore) DeleteFeedGenerator(ctx context.Context, uri, ownerDID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.feedGenerators, uri)
	return nil
}

func (f *fakeStore) CreateStarterPack(ctx context.Context, sp store.StarterPack) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.starterPacks[sp.URI]; ok {
		return uniqueViolation("starter_packs_uri_key")
	}
	f.starterPacks[sp.URI] = sp
	return nil
}

func (f *fakeStore) DeleteStarterPack(ctx context.Context, uri, ownerDID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.starterPacks, uri)
	return nil
}

func (f *fakeStore) CreateLabelerService(ctx context.Context, ls store.LabelerService) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.labelers[ls.URI]; ok {
		return uniqueViolation("labeler_services_uri_key")
	}
	f.labelers[ls.URI] = ls
	return nil
}

func (f *fakeStore) DeleteLabelerService(ctx context.Context, uri, ownerDID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.labelers, uri)
	return nil
}

func (f *fakeStore) CreateVerification(ctx context.Context, v store.Verification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.verifications[v.URI]; ok {
		return uniqueViolation("verifications_uri_key")
	}
	f.verifications[v.URI] = v
	return nil
}

func (f *fakeStore) DeleteVerification(ctx context.Context, uri, ownerDID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.verifications, uri)
	return nil
}

func (f *fakeStore) ApplyLabel(ctx context.Context, l store.Label) error {
	return nil
}

func (f *fakeStore) CreateNotification(ctx context.Context, n store.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifications = append(f.notifications, n)
	return nil
}

func (f *fakeStore) CreateThreadContext(ctx context.Context, t store.ThreadContext) error {
	return nil
}

func (f *fakeStore) GetFirehoseCursor(ctx context.Context, service string) (*store.FirehoseCursor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.cursors[service]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (f *fakeStore) SaveFirehoseCursor(ctx context.Context, service, cursor string, lastEventTime time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cursors[service] = store.FirehoseCursor{Service: service, Cursor: cursor, LastEventTime: lastEventTime}
	return nil
}

func (f *fakeStore) GetUserSettings(ctx context.Context, did string) (*store.UserSettings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.settings[did]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (f *fakeStore) Close() error { return nil }
