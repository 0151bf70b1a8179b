package pg

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tangled.org/appview/indexer/internal/store"
)

// Store wraps a pgx connection pool and implements store.Store.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to Postgres, verifies the connection, and bootstraps the schema.
func Open(ctx context.Context, connString string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("pg: parse config: %w", err)
	}

	cfg.MaxConns = 20
	cfg.MinConns = 2
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pg: connect: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pg: ping: %w", err)
	}

	if _, err := pool.Exec(ctx, Schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pg: bootstrap schema: %w", err)
	}

	return &Store{pool: pool}, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) GetUser(ctx context.Context, did string) (*store.User, error) {
	var u store.User
	err := s.pool.QueryRow(ctx, `
		SELECT did, handle, display_name, description, avatar_cid, banner_cid, created_at, indexed_at
		FROM users WHERE did = $1`, did).Scan(
		&u.DID, &u.Handle, &u.DisplayName, &u.Description, &u.AvatarCID, &u.BannerCID, &u.CreatedAt, &u.IndexedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pg: get user: %w", err)
	}
	return &u, nil
}

func (s *Store) CreateUser(ctx context.Context, u store.User) error {
	if u.Handle == "" {
		u.Handle = "handle.invalid"
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (did, handle, display_name, description, avatar_cid, banner_cid, created_at, indexed_at)
		VALUES ($1, $2, $3, $4, $5, $6, COALESCE($7, NOW()), NOW())`,
		u.DID, u.Handle, u.DisplayName, u.Description, u.AvatarCID, u.BannerCID, nullIfZero(u.CreatedAt))
	if err != nil {
		return fmt.Errorf("pg: create user: %w", err)
	}
	return nil
}

func (s *Store) UpdateUser(ctx context.Context, did string, patch store.UserPatch) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE users SET
			display_name = COALESCE($2, display_name),
			description  = COALESCE($3, description),
			avatar_cid   = COALESCE($4, avatar_cid),
			banner_cid   = COALESCE($5, banner_cid),
			indexed_at   = NOW()
		WHERE did = $1`,
		did, patch.DisplayName, patch.Description, patch.AvatarCID, patch.BannerCID)
	if err != nil {
		return fmt.Errorf("pg: update user: %w", err)
	}
	return nil
}

func (s *Store) UpsertUserHandle(ctx context.Context, did, handle string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (did, handle) VALUES ($1, $2)
		ON CONFLICT (did) DO UPDATE SET handle = EXCLUDED.handle, indexed_at = NOW()`,
		did, handle)
	if err != nil {
		return fmt.Errorf("pg: upsert user handle: %w", err)
	}
	return nil
}

func (s *Store) CreateRecord(ctx context.Context, r store.Record) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO records (uri, cid, author_did, collection, value, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		r.URI, r.CID, r.AuthorDID, r.Collection, json.RawMessage(r.Value), r.CreatedAt)
	if err != nil {
		return fmt.Errorf("pg: create record: %w", err)
	}
	return nil
}

func (s *Store) GetPost(ctx context.Context, uri string) (*store.Post, error) {
	var p store.Post
	var replyRoot, replyTo *string
	err := s.pool.QueryRow(ctx, `
		SELECT uri, cid, author_did, text, COALESCE(embed, 'null'), reply_root, reply_to, created_at, indexed_at
		FROM posts WHERE uri = $1`, uri).Scan(
		&p.URI, &p.CID, &p.AuthorDID, &p.Text, &p.Embed, &replyRoot, &replyTo, &p.CreatedAt, &p.IndexedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pg: get post: %w", err)
	}
	if replyRoot != nil {
		p.ReplyRoot = *replyRoot
	}
	if replyTo != nil {
		p.ReplyTo = *replyTo
	}
	return &p, nil
}

func (s *Store) CreatePost(ctx context.Context, p store.Post) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO posts (uri, cid, author_did, text, embed, reply_root, reply_to, created_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), $8)`,
		p.URI, p.CID, p.AuthorDID, p.Text, json.RawMessage(orNullJSON(p.Embed)), p.ReplyRoot, p.ReplyTo, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("pg: create post: %w", err)
	}
	return nil
}

func (s *Store) DeletePost(ctx context.Context, uri, ownerDID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM posts WHERE uri = $1 AND author_did = $2`, uri, ownerDID)
	if err != nil {
		return fmt.Errorf("pg: delete post: %w", err)
	}
	return nil
}

func (s *Store) createEdge(ctx context.Context, table string, e store.Edge) error {
	q := fmt.Sprintf(`INSERT INTO %s (uri, cid, author_did, subject, created_at) VALUES ($1, $2, $3, $4, $5)`, table)
	_, err := s.pool.Exec(ctx, q, e.URI, e.CID, e.AuthorDID, e.Subject, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("pg: create %s: %w", table, err)
	}
	return nil
}

func (s *Store) getEdge(ctx context.Context, table, uri string) (*store.Edge, error) {
	q := fmt.Sprintf(`SELECT uri, cid, author_did, subject, created_at FROM %s WHERE uri = $1`, table)
	var e store.Edge
	err := s.pool.QueryRow(ctx, q, uri).Scan(&e.URI, &e.CID, &e.AuthorDID, &e.Subject, &e.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pg: get %s: %w", table, err)
	}
	return &e, nil
}

func (s *Store) deleteEdge(ctx context.Context, table, uri, ownerDID string) error {
	q := fmt.Sprintf(`DELETE FROM %s WHERE uri = $1 AND author_did = $2`, table)
	_, err := s.pool.Exec(ctx, q, uri, ownerDID)
	if err != nil {
		return fmt.Errorf("pg: delete %s: %w", table, err)
	}
	return nil
}

func (s *Store) CreateLike(ctx context.Context, e store.Edge) error    { return s.createEdge(ctx, "likes", e) }
func (s *Store) GetLike(ctx context.Context, uri string) (*store.Edge, error) { return s.getEdge(ctx, "likes", uri) }
func (s *Store) DeleteLike(ctx context.Context, uri, ownerDID string) error {
	return s.deleteEdge(ctx, "likes", uri, ownerDID)
}

func (s *Store) GetLikeURI(ctx context.Context, viewerDID, postURI string) (string, error) {
	var uri string
	err := s.pool.QueryRow(ctx, `SELECT uri FROM likes WHERE author_did = $1 AND subject = $2`, viewerDID, postURI).Scan(&uri)
	if err == pgx.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("pg: get like uri: %w", err)
	}
	return uri, nil
}

func (s *Store) CreateRepost(ctx context.Context, e store.Edge) error { return s.createEdge(ctx, "reposts", e) }
func (s *Store) GetRepost(ctx context.Context, uri string) (*store.Edge, error) {
	return s.getEdge(ctx, "reposts", uri)
}
func (s *Store) DeleteRepost(ctx context.Context, uri, ownerDID string) error {
	return s.deleteEdge(ctx, "reposts", uri, ownerDID)
}

func (s *Store) CreateBookmark(ctx context.Context, e store.Edge) error {
	return s.createEdge(ctx, "bookmarks", e)
}
func (s *Store) DeleteBookmark(ctx context.Context, uri, ownerDID string) error {
	return s.deleteEdge(ctx, "bookmarks", uri, ownerDID)
}

func (s *Store) CreateFollow(ctx context.Context, e store.Edge) error { return s.createEdge(ctx, "follows", e) }
func (s *Store) DeleteFollow(ctx context.Context, uri, ownerDID string) error {
	return s.deleteEdge(ctx, "follows", uri, ownerDID)
}

func (s *Store) CreateBlock(ctx context.Context, e store.Edge) error { return s.createEdge(ctx, "blocks", e) }
func (s *Store) DeleteBlock(ctx context.Context, uri, ownerDID string) error {
	return s.deleteEdge(ctx, "blocks", uri, ownerDID)
}

func (s *Store) CreatePostAggregation(ctx context.Context, postURI string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO post_aggregations (post_uri) VALUES ($1)
		ON CONFLICT (post_uri) DO NOTHING`, postURI)
	if err != nil {
		return fmt.Errorf("pg: create post aggregation: %w", err)
	}
	return nil
}

func (s *Store) IncrementPostAggregation(ctx context.Context, postURI string, field store.AggregationField, delta int64) error {
	switch field {
	case store.FieldLikeCount, store.FieldRepostCount, store.FieldReplyCount, store.FieldBookmarkCount, store.FieldQuoteCount:
	default:
		return fmt.Errorf("pg: unknown aggregation field %q", field)
	}
	q := fmt.Sprintf(`UPDATE post_aggregations SET %s = %s + $2 WHERE post_uri = $1`, field, field)
	_, err := s.pool.Exec(ctx, q, postURI, delta)
	if err != nil {
		return fmt.Errorf("pg: increment post aggregation: %w", err)
	}
	return nil
}

func (s *Store) GetPostAggregations(ctx context.Context, uris []string) (map[string]store.PostAggregation, error) {
	out := make(map[string]store.PostAggregation, len(uris))
	if len(uris) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT post_uri, like_count, repost_count, reply_count, bookmark_count, quote_count
		FROM post_aggregations WHERE post_uri = ANY($1)`, uris)
	if err != nil {
		return nil, fmt.Errorf("pg: get post aggregations: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var a store.PostAggregation
		if err := rows.Scan(&a.PostURI, &a.LikeCount, &a.RepostCount, &a.ReplyCount, &a.BookmarkCount, &a.QuoteCount); err != nil {
			return nil, fmt.Errorf("pg: scan post aggregation: %w", err)
		}
		out[a.PostURI] = a
	}
	return out, rows.Err()
}

func (s *Store) CreatePostViewerState(ctx context.Context, v store.ViewerState) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO post_viewer_states (post_uri, viewer_did, like_uri, repost_uri, bookmarked, thread_muted, reply_disabled, embedding_disabled, pinned)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (post_uri, viewer_did) DO UPDATE SET
			like_uri           = COALESCE(EXCLUDED.like_uri, post_viewer_states.like_uri),
			repost_uri         = COALESCE(EXCLUDED.repost_uri, post_viewer_states.repost_uri),
			bookmarked         = post_viewer_states.bookmarked OR EXCLUDED.bookmarked,
			thread_muted       = post_viewer_states.thread_muted OR EXCLUDED.thread_muted,
			reply_disabled     = post_viewer_states.reply_disabled OR EXCLUDED.reply_disabled,
			embedding_disabled = post_viewer_states.embedding_disabled OR EXCLUDED.embedding_disabled,
			pinned             = post_viewer_states.pinned OR EXCLUDED.pinned`,
		v.PostURI, v.ViewerDID, v.LikeURI, v.RepostURI, v.Bookmarked, v.ThreadMuted, v.ReplyDisabled, v.EmbeddingDisabled, v.Pinned)
	if err != nil {
		return fmt.Errorf("pg: create post viewer state: %w", err)
	}
	return nil
}

func (s *Store) DeletePostViewerState(ctx context.Context, postURI, viewerDID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM post_viewer_states WHERE post_uri = $1 AND viewer_did = $2`, postURI, viewerDID)
	if err != nil {
		return fmt.Errorf("pg: delete post viewer state: %w", err)
	}
	return nil
}

func (s *Store) CreateFeedItem(ctx context.Context, f store.FeedItem) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO feed_items (uri, post_uri, originator_did, type, sort_at, cid)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		f.URI, f.PostURI, f.OriginatorDID, string(f.Type), f.SortAt, f.CID)
	if err != nil {
		return fmt.Errorf("pg: create feed item: %w", err)
	}
	return nil
}

func (s *Store) DeleteFeedItem(ctx context.Context, uri string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM feed_items WHERE uri = $1`, uri)
	if err != nil {
		return fmt.Errorf("pg: delete feed item: %w", err)
	}
	return nil
}

func (s *Store) CreateList(ctx context.Context, l store.List) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO lists (uri, cid, author_did, name, purpose, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		l.URI, l.CID, l.AuthorDID, l.Name, l.Purpose, l.CreatedAt)
	if err != nil {
		return fmt.Errorf("pg: create list: %w", err)
	}
	return nil
}

func (s *Store) GetList(ctx context.Context, uri string) (*store.List, error) {
	var l store.List
	err := s.pool.QueryRow(ctx, `
		SELECT uri, cid, author_did, name, purpose, created_at FROM lists WHERE uri = $1`, uri).Scan(
		&l.URI, &l.CID, &l.AuthorDID, &l.Name, &l.Purpose, &l.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pg: get list: %w", err)
	}
	return &l, nil
}

func (s *Store) DeleteList(ctx context.Context, uri, ownerDID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM lists WHERE uri = $1 AND author_did = $2`, uri, ownerDID)
	if err != nil {
		return fmt.Errorf("pg: delete list: %w", err)
	}
	return nil
}

func (s *Store) CreateListItem(ctx context.Context, li store.ListItem) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO list_items (uri, cid, author_did, list_uri, subject, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		li.URI, li.CID, li.AuthorDID, li.ListURI, li.Subject, li.CreatedAt)
	if err != nil {
		return fmt.Errorf("pg: create list item: %w", err)
	}
	return nil
}

func (s *Store) DeleteListItem(ctx context.Context, uri, ownerDID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM list_items WHERE uri = $1 AND author_did = $2`, uri, ownerDID)
	if err != nil {
		return fmt.Errorf("pg: delete list item: %w", err)
	}
	return nil
}

func (s *Store) CreateFeedGenerator(ctx context.Context, f store.FeedGenerator) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO feed_generators (uri, cid, author_did, did, created_at) VALUES ($1, $2, $3, $4, $5)`,
		f.URI, f.CID, f.AuthorDID, f.DID, f.CreatedAt)
	if err != nil {
		return fmt.Errorf("pg: create feed generator: %w", err)
	}
	return nil
}

func (s *Store) DeleteFeedGenerator(ctx context.Context, uri, ownerDID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM feed_generators WHERE uri = $1 AND author_did = $2`, uri, ownerDID)
	if err != nil {
		return fmt.Errorf("pg: delete feed generator: %w", err)
	}
	return nil
}

func (s *Store) CreateStarterPack(ctx context.Context, sp store.StarterPack) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO starter_packs (uri, cid, author_did, name, created_at) VALUES ($1, $2, $3, $4, $5)`,
		sp.URI, sp.CID, sp.AuthorDID, sp.Name, sp.CreatedAt)
	if err != nil {
		return fmt.Errorf("pg: create starter pack: %w", err)
	}
	return nil
}

func (s *Store) DeleteStarterPack(ctx context.Context, uri, ownerDID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM starter_packs WHERE uri = $1 AND author_did = $2`, uri, ownerDID)
	if err != nil {
		return fmt.Errorf("pg: delete starter pack: %w", err)
	}
	return nil
}

func (s *Store) CreateLabelerService(ctx context.Context, ls store.LabelerService) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO labeler_services (uri, cid, author_did, created_at) VALUES ($1, $2, $3, $4)`,
		ls.URI, ls.CID, ls.AuthorDID, ls.CreatedAt)
	if err != nil {
		return fmt.Errorf("pg: create labeler service: %w", err)
	}
	return nil
}

func (s *Store) DeleteLabelerService(ctx context.Context, uri, ownerDID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM labeler_services WHERE uri = $1 AND author_did = $2`, uri, ownerDID)
	if err != nil {
		return fmt.Errorf("pg: delete labeler service: %w", err)
	}
	return nil
}

func (s *Store) CreateVerification(ctx context.Context, v store.Verification) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO verifications (uri, cid, author_did, subject, handle, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		v.URI, v.CID, v.AuthorDID, v.Subject, v.Handle, v.CreatedAt)
	if err != nil {
		return fmt.Errorf("pg: create verification: %w", err)
	}
	return nil
}

func (s *Store) DeleteVerification(ctx context.Context, uri, ownerDID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM verifications WHERE uri = $1 AND author_did = $2`, uri, ownerDID)
	if err != nil {
		return fmt.Errorf("pg: delete verification: %w", err)
	}
	return nil
}

func (s *Store) ApplyLabel(ctx context.Context, l store.Label) error {
	if l.Neg {
		_, err := s.pool.Exec(ctx, `DELETE FROM labels WHERE source = $1 AND uri = $2 AND val = $3`, l.Source, l.URI, l.Val)
		if err != nil {
			return fmt.Errorf("pg: negate label: %w", err)
		}
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO labels (source, uri, val, neg, created_at) VALUES ($1, $2, $3, FALSE, $4)
		ON CONFLICT (source, uri, val) DO NOTHING`, l.Source, l.URI, l.Val, l.CreatedAt)
	if err != nil {
		return fmt.Errorf("pg: apply label: %w", err)
	}
	return nil
}

func (s *Store) CreateNotification(ctx context.Context, n store.Notification) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO notifications (uri, recipient_did, author_did, reason, reason_subject, cid, is_read, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		n.URI, n.RecipientDID, n.AuthorDID, string(n.Reason), n.ReasonSubject, n.CID, n.IsRead, n.CreatedAt)
	if err != nil {
		return fmt.Errorf("pg: create notification: %w", err)
	}
	return nil
}

func (s *Store) CreateThreadContext(ctx context.Context, t store.ThreadContext) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO thread_contexts (post_uri, root_author_like_uri) VALUES ($1, $2)
		ON CONFLICT (post_uri) DO UPDATE SET root_author_like_uri = EXCLUDED.root_author_like_uri`,
		t.PostURI, t.RootAuthorLikeURI)
	if err != nil {
		return fmt.Errorf("pg: create thread context: %w", err)
	}
	return nil
}

func (s *Store) GetFirehoseCursor(ctx context.Context, service string) (*store.FirehoseCursor, error) {
	var c store.FirehoseCursor
	err := s.pool.QueryRow(ctx, `
		SELECT service, cursor, last_event_time FROM firehose_cursors WHERE service = $1`, service).Scan(
		&c.Service, &c.Cursor, &c.LastEventTime)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pg: get firehose cursor: %w", err)
	}
	return &c, nil
}

func (s *Store) SaveFirehoseCursor(ctx context.Context, service, cursor string, lastEventTime time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO firehose_cursors (service, cursor, last_event_time) VALUES ($1, $2, $3)
		ON CONFLICT (service) DO UPDATE SET cursor = EXCLUDED.cursor, last_event_time = EXCLUDED.last_event_time`,
		service, cursor, lastEventTime)
	if err != nil {
		return fmt.Errorf("pg: save firehose cursor: %w", err)
	}
	return nil
}

func (s *Store) GetUserSettings(ctx context.Context, did string) (*store.UserSettings, error) {
	var u store.UserSettings
	err := s.pool.QueryRow(ctx, `
		SELECT did, data_collection_forbidden, updated_at FROM user_settings WHERE did = $1`, did).Scan(
		&u.DID, &u.DataCollectionForbidden, &u.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pg: get user settings: %w", err)
	}
	return &u, nil
}

func nullIfZero(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

func orNullJSON(b []byte) []byte {
	if len(b) == 0 {
		return []byte("null")
	}
	return b
}

var _ store.Store = (*Store)(nil)
