package processor

import (
	"context"
	"encoding/json"
	"time"

	"tangled.org/appview/indexer/internal/cidx"
	"tangled.org/appview/indexer/internal/lexicon"
	"tangled.org/appview/indexer/internal/store"
)

func (p *Processor) handlePost(ctx context.Context, repo, uri string, op Op) error {
	if err := p.ensureUser(ctx, repo); err != nil {
		return err
	}

	text, _ := op.Record["text"].(string)
	replyRoot, replyTo := replyRefs(op.Record)
	embedJSON, _ := json.Marshal(op.Record["embed"])

	createdAt := recordCreatedAt(op.Record)
	if err := p.store.CreatePost(ctx, store.Post{
		URI:       uri,
		CID:       op.CID,
		AuthorDID: repo,
		Text:      text,
		Embed:     embedJSON,
		ReplyRoot: replyRoot,
		ReplyTo:   replyTo,
		CreatedAt: createdAt,
		IndexedAt: time.Now(),
	}); err != nil {
		return err
	}

	if err := p.store.CreatePostAggregation(ctx, uri); err != nil {
		return err
	}

	if err := p.store.CreateFeedItem(ctx, store.FeedItem{
		URI:           uri,
		PostURI:       uri,
		OriginatorDID: repo,
		Type:          store.FeedItemPost,
		SortAt:        createdAt,
		CID:           op.CID,
	}); err != nil {
		return err
	}

	if replyTo != "" {
		if err := p.store.IncrementPostAggregation(ctx, replyTo, store.FieldReplyCount, 1); err != nil {
			return err
		}
		if parent, err := p.store.GetPost(ctx, replyTo); err == nil && parent != nil && parent.AuthorDID != repo {
			subj := replyTo
			p.notify(ctx, parent.AuthorDID, repo, store.ReasonReply, &subj, &op.CID)
		}
		if root, err := p.store.GetPost(ctx, replyRoot); err == nil && root != nil {
			tc := store.ThreadContext{PostURI: uri}
			if likeURI, err := p.store.GetLikeURI(ctx, root.AuthorDID, uri); err == nil && likeURI != "" {
				tc.RootAuthorLikeURI = &likeURI
			}
			if err := p.store.CreateThreadContext(ctx, tc); err != nil {
				return err
			}
		}
	}

	if quoted := quotedPostURI(op.Record); quoted != "" {
		if err := p.store.IncrementPostAggregation(ctx, quoted, store.FieldQuoteCount, 1); err == nil {
			if original, err := p.store.GetPost(ctx, quoted); err == nil && original != nil && original.AuthorDID != repo {
				subj := quoted
				p.notify(ctx, original.AuthorDID, repo, store.ReasonQuote, &subj, &op.CID)
			}
		}
	}

	for _, mentioned := range mentionedDIDs(op.Record) {
		if mentioned != repo {
			subj := uri
			p.notify(ctx, mentioned, repo, store.ReasonMention, &subj, &op.CID)
		}
	}

	p.flushPendingLikesReposts(ctx, uri)
	return nil
}

func (p *Processor) handleLike(ctx context.Context, repo, uri string, op Op) error {
	if !p.ensureUserOrDefer(ctx, repo, uri, op) {
		return nil
	}
	subject := lexicon.SubjectURI(op.Record)

	if err := p.store.CreateLike(ctx, store.Edge{
		URI: uri, CID: op.CID, AuthorDID: repo, Subject: subject, CreatedAt: recordCreatedAt(op.Record),
	}); err != nil {
		return err
	}
	if err := p.store.IncrementPostAggregation(ctx, subject, store.FieldLikeCount, 1); err != nil {
		return err
	}
	if err := p.store.CreatePostViewerState(ctx, store.ViewerState{PostURI: subject, ViewerDID: repo, LikeURI: &uri}); err != nil {
		return err
	}
	if post, err := p.store.GetPost(ctx, subject); err == nil && post != nil && post.AuthorDID != repo {
		p.notify(ctx, post.AuthorDID, repo, store.ReasonLike, &subject, &op.CID)
	}
	return nil
}

func (p *Processor) handleRepost(ctx context.Context, repo, uri string, op Op) error {
	if !p.ensureUserOrDefer(ctx, repo, uri, op) {
		return nil
	}
	subject := lexicon.SubjectURI(op.Record)
	createdAt := recordCreatedAt(op.Record)

	if err := p.store.CreateRepost(ctx, store.Edge{
		URI: uri, CID: op.CID, AuthorDID: repo, Subject: subject, CreatedAt: createdAt,
	}); err != nil {
		return err
	}
	if err := p.store.IncrementPostAggregation(ctx, subject, store.FieldRepostCount, 1); err != nil {
		return err
	}
	if err := p.store.CreatePostViewerState(ctx, store.ViewerState{PostURI: subject, ViewerDID: repo, RepostURI: &uri}); err != nil {
		return err
	}
	if err := p.store.CreateFeedItem(ctx, store.FeedItem{
		URI: uri, PostURI: subject, OriginatorDID: repo, Type: store.FeedItemRepost, SortAt: createdAt, CID: op.CID,
	}); err != nil {
		return err
	}
	if post, err := p.store.GetPost(ctx, subject); err == nil && post != nil && post.AuthorDID != repo {
		p.notify(ctx, post.AuthorDID, repo, store.ReasonRepost, &subject, &op.CID)
	}
	return nil
}

func (p *Processor) handleBookmark(ctx context.Context, repo, uri string, op Op) error {
	if err := p.ensureUser(ctx, repo); err != nil {
		return err
	}
	subject := lexicon.SubjectURI(op.Record)
	if err := p.store.CreateBookmark(ctx, store.Edge{
		URI: uri, CID: op.CID, AuthorDID: repo, Subject: subject, CreatedAt: recordCreatedAt(op.Record),
	}); err != nil {
		return err
	}
	if err := p.store.IncrementPostAggregation(ctx, subject, store.FieldBookmarkCount, 1); err != nil {
		return err
	}
	return p.store.CreatePostViewerState(ctx, store.ViewerState{PostURI: subject, ViewerDID: repo, Bookmarked: true})
}

func (p *Processor) handleFollow(ctx context.Context, repo, uri string, op Op) error {
	if !p.ensureUserOrDefer(ctx, repo, uri, op) {
		return nil
	}
	subject := lexicon.SubjectURI(op.Record)
	if err := p.store.CreateFollow(ctx, store.Edge{
		URI: uri, CID: op.CID, AuthorDID: repo, Subject: subject, CreatedAt: recordCreatedAt(op.Record),
	}); err != nil {
		return err
	}
	p.notify(ctx, subject, repo, store.ReasonFollow, nil, &op.CID)
	return nil
}

func (p *Processor) handleBlock(ctx context.Context, repo, uri string, op Op) error {
	if err := p.ensureUser(ctx, repo); err != nil {
		return err
	}
	subject := lexicon.SubjectURI(op.Record)
	return p.store.CreateBlock(ctx, store.Edge{
		URI: uri, CID: op.CID, AuthorDID: repo, Subject: subject, CreatedAt: recordCreatedAt(op.Record),
	})
}

func (p *Processor) handleList(ctx context.Context, repo, uri string, op Op) error {
	if err := p.ensureUser(ctx, repo); err != nil {
		return err
	}
	name, _ := op.Record["name"].(string)
	purpose, _ := op.Record["purpose"].(string)
	if err := p.store.CreateList(ctx, store.List{
		URI: uri, CID: op.CID, AuthorDID: repo, Name: name, Purpose: purpose, CreatedAt: recordCreatedAt(op.Record),
	}); err != nil {
		return err
	}
	p.flushPendingListItems(ctx, uri)
	return nil
}

func (p *Processor) handleListItem(ctx context.Context, repo, uri string, op Op) error {
	if err := p.ensureUser(ctx, repo); err != nil {
		return err
	}
	listURI, _ := op.Record["list"].(string)
	subject, _ := op.Record["subject"].(string)
	return p.store.CreateListItem(ctx, store.ListItem{
		URI: uri, CID: op.CID, AuthorDID: repo, ListURI: listURI, Subject: subject, CreatedAt: recordCreatedAt(op.Record),
	})
}

func (p *Processor) handleProfile(ctx context.Context, repo, uri string, op Op) error {
	if err := p.ensureUser(ctx, repo); err != nil {
		return err
	}
	patch := store.UserPatch{}
	if dn, ok := op.Record["displayName"].(string); ok {
		patch.DisplayName = &dn
	}
	if desc, ok := op.Record["description"].(string); ok {
		patch.Description = &desc
	}
	if avatarCID := cidx.Extract(op.Record["avatar"]); avatarCID != "" {
		patch.AvatarCID = &avatarCID
	}
	if bannerCID := cidx.Extract(op.Record["banner"]); bannerCID != "" {
		patch.BannerCID = &bannerCID
	}
	return p.store.UpdateUser(ctx, repo, patch)
}

func (p *Processor) handleFeedGenerator(ctx context.Context, repo, uri string, op Op) error {
	if err := p.ensureUser(ctx, repo); err != nil {
		return err
	}
	did, _ := op.Record["did"].(string)
	return p.store.CreateFeedGenerator(ctx, store.FeedGenerator{
		URI: uri, CID: op.CID, AuthorDID: repo, DID: did, CreatedAt: recordCreatedAt(op.Record),
	})
}

func (p *Processor) handleStarterPack(ctx context.Context, repo, uri string, op Op) error {
	if err := p.ensureUser(ctx, repo); err != nil {
		return err
	}
	name, _ := op.Record["name"].(string)
	return p.store.CreateStarterPack(ctx, store.StarterPack{
		URI: uri, CID: op.CID, AuthorDID: repo, Name: name, CreatedAt: recordCreatedAt(op.Record),
	})
}

func (p *Processor) handleLabelerService(ctx context.Context, repo, uri string, op Op) error {
	if err := p.ensureUser(ctx, repo); err != nil {
		return err
	}
	return p.store.CreateLabelerService(ctx, store.LabelerService{
		URI: uri, CID: op.CID, AuthorDID: repo, CreatedAt: recordCreatedAt(op.Record),
	})
}

func (p *Processor) handleVerification(ctx context.Context, repo, uri string, op Op) error {
	if err := p.ensureUser(ctx, repo); err != nil {
		return err
	}
	subject, _ := op.Record["subject"].(string)
	handle, _ := op.Record["handle"].(string)
	if err := p.store.CreateVerification(ctx, store.Verification{
		URI: uri, CID: op.CID, AuthorDID: repo, Subject: subject, Handle: handle, CreatedAt: recordCreatedAt(op.Record),
	}); err != nil {
		return err
	}
	return nil
}

func (p *Processor) handleLabel(ctx context.Context, uri string, op Op) error {
	target, _ := op.Record["uri"].(string)
	val, _ := op.Record["val"].(string)
	neg, _ := op.Record["neg"].(bool)
	source, _ := op.Record["src"].(string)
	return p.store.ApplyLabel(ctx, store.Label{
		Source: source, URI: target, Val: val, Neg: neg, CreatedAt: recordCreatedAt(op.Record),
	})
}

// handleGenericRecord stores anything whose lexicon the core does not
// model explicitly, per §4.6.3's "unknown" row: preserved for later
// backfill or re-processing, never dropped silently.
func (p *Processor) handleGenericRecord(ctx context.Context, repo, uri string, op Op) error {
	if err := p.ensureUser(ctx, repo); err != nil {
		return err
	}
	value, err := json.Marshal(op.Record)
	if err != nil {
		return err
	}
	collection, _, _ := splitPath(op.Path)
	return p.store.CreateRecord(ctx, store.Record{
		URI: uri, CID: op.CID, AuthorDID: repo, Collection: collection, Value: value,
		CreatedAt: recordCreatedAt(op.Record), IndexedAt: time.Now(),
	})
}

func (p *Processor) notify(ctx context.Context, recipient, author string, reason store.NotificationReason, subject, cid *string) {
	if recipient == "" || recipient == author {
		return
	}
	_ = p.store.CreateNotification(ctx, store.Notification{
		URI:           subjectOrGenerated(subject, author, reason),
		RecipientDID:  recipient,
		AuthorDID:     author,
		Reason:        reason,
		ReasonSubject: subject,
		CID:           cid,
		CreatedAt:     time.Now(),
	})
}

// subjectOrGenerated forms a notification key from reason, subject and
// author. With a subject (likes, reposts, replies, quotes, mentions) the key
// is stable across replays; with no subject (follows) it falls back to a
// time-based suffix, so that key is not stable.
func subjectOrGenerated(subject *string, author string, reason store.NotificationReason) string {
	if subject != nil && *subject != "" {
		return string(reason) + ":" + *subject + ":" + author
	}
	return string(reason) + ":" + author + ":" + time.Now().String()
}

func replyRefs(record map[string]interface{}) (root, parent string) {
	reply, ok := record["reply"].(map[string]interface{})
	if !ok {
		return "", ""
	}
	if r, ok := reply["root"].(map[string]interface{}); ok {
		root, _ = r["uri"].(string)
	}
	if pa, ok := reply["parent"].(map[string]interface{}); ok {
		parent, _ = pa["uri"].(string)
	}
	return root, parent
}

func quotedPostURI(record map[string]interface{}) string {
	embed, ok := record["embed"].(map[string]interface{})
	if !ok {
		return ""
	}
	t, _ := embed["$type"].(string)
	switch t {
	case "app.bsky.embed.record":
		if rec, ok := embed["record"].(map[string]interface{}); ok {
			uri, _ := rec["uri"].(string)
			return uri
		}
	case "app.bsky.embed.recordWithMedia":
		if inner, ok := embed["record"].(map[string]interface{}); ok {
			if rec, ok := inner["record"].(map[string]interface{}); ok {
				uri, _ := rec["uri"].(string)
				return uri
			}
		}
	}
	return ""
}

func mentionedDIDs(record map[string]interface{}) []string {
	facets, ok := record["facets"].([]interface{})
	if !ok {
		return nil
	}
	var dids []string
	for _, f := range facets {
		facet, ok := f.(map[string]interface{})
		if !ok {
			continue
		}
		features, ok := facet["features"].([]interface{})
		if !ok {
			continue
		}
		for _, feat := range features {
			feature, ok := feat.(map[string]interface{})
			if !ok {
				continue
			}
			if t, _ := feature["$type"].(string); t == "app.bsky.richtext.facet#mention" {
				if did, ok := feature["did"].(string); ok && did != "" {
					dids = append(dids, did)
				}
			}
		}
	}
	return dids
}

func recordCreatedAt(record map[string]interface{}) time.Time {
	s, ok := record["createdAt"].(string)
	if !ok {
		return time.Now()
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Now()
	}
	return t
}
