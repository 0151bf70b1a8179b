// Package lexicon defines types for the AT Protocol lexicon schemas this
// indexer materializes, and the minimal-shape validator that gates them
// before they reach the event processor's handlers.
package lexicon

// RecordType identifies the lexicon a record declares via its $type field.
type RecordType string

const (
	RecordTypePost           RecordType = "app.bsky.feed.post"
	RecordTypeLike           RecordType = "app.bsky.feed.like"
	RecordTypeRepost         RecordType = "app.bsky.feed.repost"
	RecordTypeBookmark       RecordType = "app.bsky.bookmark"
	RecordTypeFollow         RecordType = "app.bsky.graph.follow"
	RecordTypeBlock          RecordType = "app.bsky.graph.block"
	RecordTypeList           RecordType = "app.bsky.graph.list"
	RecordTypeListItem       RecordType = "app.bsky.graph.listitem"
	RecordTypeFeedGenerator  RecordType = "app.bsky.feed.generator"
	RecordTypeStarterPack    RecordType = "app.bsky.graph.starterpack"
	RecordTypeLabelerService RecordType = "app.bsky.labeler.service"
	RecordTypeProfile        RecordType = "app.bsky.actor.profile"
	RecordTypeLabel          RecordType = "com.atproto.label.defs#label"
	RecordTypeVerification   RecordType = "app.bsky.graph.verification"
	RecordTypeThreadGate     RecordType = "app.bsky.feed.threadgate"
)

// String returns the lexicon NSID.
func (r RecordType) String() string {
	return string(r)
}

// DisplayName returns a short human label for the lexicon, used in logs.
func (r RecordType) DisplayName() string {
	switch r {
	case RecordTypePost:
		return "Post"
	case RecordTypeLike:
		return "Like"
	case RecordTypeRepost:
		return "Repost"
	case RecordTypeBookmark:
		return "Bookmark"
	case RecordTypeFollow:
		return "Follow"
	case RecordTypeBlock:
		return "Block"
	case RecordTypeList:
		return "List"
	case RecordTypeListItem:
		return "List Item"
	case RecordTypeFeedGenerator:
		return "Feed Generator"
	case RecordTypeStarterPack:
		return "Starter Pack"
	case RecordTypeLabelerService:
		return "Labeler Service"
	case RecordTypeProfile:
		return "Profile"
	case RecordTypeLabel:
		return "Label"
	case RecordTypeVerification:
		return "Verification"
	case RecordTypeThreadGate:
		return "Thread Gate"
	default:
		return string(r)
	}
}
