// Package store defines the relational storage contract the ingestion core
// consumes. The core never talks SQL directly outside this package's pgx
// implementation; every other package depends only on the Store interface,
// so the core can be driven against a fake in tests.
package store

import (
	"context"
	"time"
)

// User is the identity row. DID is the primary key.
type User struct {
	DID         string
	Handle      string
	DisplayName *string
	Description *string
	AvatarCID   *string
	BannerCID   *string
	CreatedAt   time.Time
	IndexedAt   time.Time
}

// UserPatch carries sparse field updates for UpdateUser; nil fields are left untouched.
type UserPatch struct {
	DisplayName *string
	Description *string
	AvatarCID   *string
	BannerCID   *string
}

// Record is the generic-record fallback row for lexicons the core does not
// model explicitly.
type Record struct {
	URI        string
	CID        string
	AuthorDID  string
	Collection string
	Value      []byte
	CreatedAt  time.Time
	IndexedAt  time.Time
}

// Post is a post record plus the fields the processor needs to maintain
// thread and aggregation state.
type Post struct {
	URI       string
	CID       string
	AuthorDID string
	Text      string
	Embed     []byte
	ReplyRoot string
	ReplyTo   string
	CreatedAt time.Time
	IndexedAt time.Time
}

// Like, Repost, Bookmark, Follow, Block share the same shape: an edge from
// an author to a subject, addressable by its own URI.
type Edge struct {
	URI       string
	CID       string
	AuthorDID string
	Subject   string
	CreatedAt time.Time
}

type List struct {
	URI       string
	CID       string
	AuthorDID string
	Name      string
	Purpose   string
	CreatedAt time.Time
}

type ListItem struct {
	URI       string
	CID       string
	AuthorDID string
	ListURI   string
	Subject   string
	CreatedAt time.Time
}

type FeedGenerator struct {
	URI       string
	CID       string
	AuthorDID string
	DID       string
	CreatedAt time.Time
}

type StarterPack struct {
	URI       string
	CID       string
	AuthorDID string
	Name      string
	CreatedAt time.Time
}

type LabelerService struct {
	URI       string
	CID       string
	AuthorDID string
	CreatedAt time.Time
}

type Verification struct {
	URI       string
	CID       string
	AuthorDID string
	Subject   string
	Handle    string
	CreatedAt time.Time
}

type Label struct {
	Source    string
	URI       string
	Val       string
	Neg       bool
	CreatedAt time.Time
}

// AggregationField names a counter column on the post_aggregations table.
type AggregationField string

const (
	FieldLikeCount    AggregationField = "like_count"
	FieldRepostCount  AggregationField = "repost_count"
	FieldReplyCount   AggregationField = "reply_count"
	FieldBookmarkCount AggregationField = "bookmark_count"
	FieldQuoteCount   AggregationField = "quote_count"
)

type PostAggregation struct {
	PostURI       string
	LikeCount     int64
	RepostCount   int64
	ReplyCount    int64
	BookmarkCount int64
	QuoteCount    int64
}

type ViewerState struct {
	PostURI          string
	ViewerDID        string
	LikeURI          *string
	RepostURI        *string
	Bookmarked       bool
	ThreadMuted      bool
	ReplyDisabled    bool
	EmbeddingDisabled bool
	Pinned           bool
}

type FeedItemType string

const (
	FeedItemPost   FeedItemType = "post"
	FeedItemRepost FeedItemType = "repost"
)

type FeedItem struct {
	URI           string
	PostURI       string
	OriginatorDID string
	Type          FeedItemType
	SortAt        time.Time
	CID           string
}

type NotificationReason string

const (
	ReasonLike               NotificationReason = "like"
	ReasonRepost             NotificationReason = "repost"
	ReasonFollow             NotificationReason = "follow"
	ReasonMention            NotificationReason = "mention"
	ReasonReply              NotificationReason = "reply"
	ReasonQuote              NotificationReason = "quote"
	ReasonStarterpackJoined  NotificationReason = "starterpack-joined"
)

type Notification struct {
	URI           string
	RecipientDID  string
	AuthorDID     string
	Reason        NotificationReason
	ReasonSubject *string
	CID           *string
	IsRead        bool
	CreatedAt     time.Time
}

type ThreadContext struct {
	PostURI          string
	RootAuthorLikeURI *string
}

type UserSettings struct {
	DID                     string
	DataCollectionForbidden bool
	UpdatedAt               time.Time
}

type FirehoseCursor struct {
	Service       string
	Cursor        string
	LastEventTime time.Time
}

// Store is the full downstream storage capability set named in the
// specification's external-interfaces section. Every write method surfaces
// driver errors unclassified; callers use pgerr to distinguish unique and
// foreign-key violations.
type Store interface {
	GetUser(ctx context.Context, did string) (*User, error)
	CreateUser(ctx context.Context, u User) error
	UpdateUser(ctx context.Context, did string, patch UserPatch) error
	UpsertUserHandle(ctx context.Context, did, handle string) error

	CreateRecord(ctx context.Context, r Record) error

	GetPost(ctx context.Context, uri string) (*Post, error)
	CreatePost(ctx context.Context, p Post) error
	DeletePost(ctx context.Context, uri, ownerDID string) error

	CreateLike(ctx context.Context, e Edge) error
	GetLike(ctx context.Context, uri string) (*Edge, error)
	DeleteLike(ctx context.Context, uri, ownerDID string) error
	GetLikeURI(ctx context.Context, viewerDID, postURI string) (string, error)

	CreateRepost(ctx context.Context, e Edge) error
	GetRepost(ctx context.Context, uri string) (*Edge, error)
	DeleteRepost(ctx context.Context, uri, ownerDID string) error

	CreateBookmark(ctx context.Context, e Edge) error
	DeleteBookmark(ctx context.Context, uri, ownerDID string) error

	CreateFollow(ctx context.Context, e Edge) error
	DeleteFollow(ctx context.Context, uri, ownerDID string) error

	CreateBlock(ctx context.Context, e Edge) error
	DeleteBlock(ctx context.Context, uri, ownerDID string) error

	CreatePostAggregation(ctx context.Context, postURI string) error
	IncrementPostAggregation(ctx context.Context, postURI string, field AggregationField, delta int64) error
	GetPostAggregations(ctx context.Context, uris []string) (map[string]PostAggregation, error)

	CreatePostViewerState(ctx context.Context, v ViewerState) error
	DeletePostViewerState(ctx context.Context, postURI, viewerDID string) error

	CreateFeedItem(ctx context.Context, f FeedItem) error
	DeleteFeedItem(ctx context.Context, uri string) error

	CreateList(ctx context.Context, l List) error
	GetList(ctx context.Context, uri string) (*List, error)
	DeleteList(ctx context.Context, uri, ownerDID string) error

	CreateListItem(ctx context.Context, li ListItem) error
	DeleteListItem(ctx context.Context, uri, ownerDID string) error

	CreateFeedGenerator(ctx context.Context, f FeedGenerator) error
	DeleteFeedGenerator(ctx context.Context, uri, ownerDID string) error

	CreateStarterPack(ctx context.Context, sp StarterPack) error
	DeleteStarterPack(ctx context.Context, uri, ownerDID string) error

	CreateLabelerService(ctx context.Context, ls LabelerService) error
	DeleteLabelerService(ctx context.Context, uri, ownerDID string) error

	CreateVerification(ctx context.Context, v Verification) error
	DeleteVerification(ctx context.Context, uri, ownerDID string) error

	ApplyLabel(ctx context.Context, l Label) error

	CreateNotification(ctx context.Context, n Notification) error

	CreateThreadContext(ctx context.Context, t ThreadContext) error

	GetFirehoseCursor(ctx context.Context, service string) (*FirehoseCursor, error)
	SaveFirehoseCursor(ctx context.Context, service, cursor string, lastEventTime time.Time) error

	GetUserSettings(ctx context.Context, did string) (*UserSettings, error)

	Close() error
}
