// Package pg implements the storage contract in the store package on top
// of a PostgreSQL pool. It is the only package in the repository that
// speaks SQL.
package pg

// Schema contains the bootstrap DDL for the indexer's tables. It is
// idempotent (IF NOT EXISTS throughout) so it can run on every startup.
const Schema = `
CREATE TABLE IF NOT EXISTS users (
    did               VARCHAR(255) PRIMARY KEY,
    handle            VARCHAR(253) NOT NULL DEFAULT 'handle.invalid',
    display_name      TEXT,
    description       TEXT,
    avatar_cid        TEXT,
    banner_cid        TEXT,
    created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    indexed_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_users_handle ON users(handle);

CREATE TABLE IF NOT EXISTS user_settings (
    did                       VARCHAR(255) PRIMARY KEY REFERENCES users(did) ON DELETE CASCADE,
    data_collection_forbidden BOOLEAN NOT NULL DEFAULT FALSE,
    updated_at                TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS records (
    uri         VARCHAR(512) PRIMARY KEY,
    cid         VARCHAR(255) NOT NULL,
    author_did  VARCHAR(255) NOT NULL REFERENCES users(did),
    collection  VARCHAR(255) NOT NULL,
    value       JSONB NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL,
    indexed_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_records_collection ON records(collection);

CREATE TABLE IF NOT EXISTS posts (
    uri         VARCHAR(512) PRIMARY KEY,
    cid         VARCHAR(255) NOT NULL,
    author_did  VARCHAR(255) NOT NULL REFERENCES users(did),
    text        TEXT NOT NULL DEFAULT '',
    embed       JSONB,
    reply_root  VARCHAR(512),
    reply_to    VARCHAR(512) REFERENCES posts(uri) ON DELETE SET NULL,
    created_at  TIMESTAMPTZ NOT NULL,
    indexed_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_posts_author ON posts(author_did);
CREATE INDEX IF NOT EXISTS idx_posts_reply_to ON posts(reply_to);

CREATE TABLE IF NOT EXISTS post_aggregations (
    post_uri       VARCHAR(512) PRIMARY KEY REFERENCES posts(uri) ON DELETE CASCADE,
    like_count     BIGINT NOT NULL DEFAULT 0,
    repost_count   BIGINT NOT NULL DEFAULT 0,
    reply_count    BIGINT NOT NULL DEFAULT 0,
    bookmark_count BIGINT NOT NULL DEFAULT 0,
    quote_count    BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS post_viewer_states (
    post_uri           VARCHAR(512) NOT NULL REFERENCES posts(uri) ON DELETE CASCADE,
    viewer_did         VARCHAR(255) NOT NULL REFERENCES users(did) ON DELETE CASCADE,
    like_uri           VARCHAR(512),
    repost_uri         VARCHAR(512),
    bookmarked         BOOLEAN NOT NULL DEFAULT FALSE,
    thread_muted       BOOLEAN NOT NULL DEFAULT FALSE,
    reply_disabled     BOOLEAN NOT NULL DEFAULT FALSE,
    embedding_disabled BOOLEAN NOT NULL DEFAULT FALSE,
    pinned             BOOLEAN NOT NULL DEFAULT FALSE,
    PRIMARY KEY (post_uri, viewer_did)
);

CREATE TABLE IF NOT EXISTS likes (
    uri        VARCHAR(512) PRIMARY KEY,
    cid        VARCHAR(255) NOT NULL,
    author_did VARCHAR(255) NOT NULL REFERENCES users(did),
    subject    VARCHAR(512) NOT NULL REFERENCES posts(uri) ON DELETE CASCADE,
    created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_likes_subject ON likes(subject);

CREATE TABLE IF NOT EXISTS reposts (
    uri        VARCHAR(512) PRIMARY KEY,
    cid        VARCHAR(255) NOT NULL,
    author_did VARCHAR(255) NOT NULL REFERENCES users(did),
    subject    VARCHAR(512) NOT NULL REFERENCES posts(uri) ON DELETE CASCADE,
    created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_reposts_subject ON reposts(subject);

CREATE TABLE IF NOT EXISTS bookmarks (
    uri        VARCHAR(512) PRIMARY KEY,
    cid        VARCHAR(255) NOT NULL,
    author_did VARCHAR(255) NOT NULL REFERENCES users(did),
    subject    VARCHAR(512) NOT NULL REFERENCES posts(uri) ON DELETE CASCADE,
    created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS follows (
    uri        VARCHAR(512) PRIMARY KEY,
    cid        VARCHAR(255) NOT NULL,
    author_did VARCHAR(255) NOT NULL REFERENCES users(did),
    subject    VARCHAR(255) NOT NULL REFERENCES users(did),
    created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_follows_subject ON follows(subject);

CREATE TABLE IF NOT EXISTS blocks (
    uri        VARCHAR(512) PRIMARY KEY,
    cid        VARCHAR(255) NOT NULL,
    author_did VARCHAR(255) NOT NULL REFERENCES users(did),
    subject    VARCHAR(255) NOT NULL REFERENCES users(did),
    created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS lists (
    uri        VARCHAR(512) PRIMARY KEY,
    cid        VARCHAR(255) NOT NULL,
    author_did VARCHAR(255) NOT NULL REFERENCES users(did),
    name       TEXT NOT NULL,
    purpose    VARCHAR(255) NOT NULL,
    created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS list_items (
    uri        VARCHAR(512) PRIMARY KEY,
    cid        VARCHAR(255) NOT NULL,
    author_did VARCHAR(255) NOT NULL REFERENCES users(did),
    list_uri   VARCHAR(512) NOT NULL REFERENCES lists(uri) ON DELETE CASCADE,
    subject    VARCHAR(255) NOT NULL REFERENCES users(did),
    created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_list_items_list ON list_items(list_uri);

CREATE TABLE IF NOT EXISTS feed_generators (
    uri        VARCHAR(512) PRIMARY KEY,
    cid        VARCHAR(255) NOT NULL,
    author_did VARCHAR(255) NOT NULL REFERENCES users(did),
    did        VARCHAR(255) NOT NULL,
    created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS starter_packs (
    uri        VARCHAR(512) PRIMARY KEY,
    cid        VARCHAR(255) NOT NULL,
    author_did VARCHAR(255) NOT NULL REFERENCES users(did),
    name       TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS labeler_services (
    uri        VARCHAR(512) PRIMARY KEY,
    cid        VARCHAR(255) NOT NULL,
    author_did VARCHAR(255) NOT NULL REFERENCES users(did),
    created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS verifications (
    uri        VARCHAR(512) PRIMARY KEY,
    cid        VARCHAR(255) NOT NULL,
    author_did VARCHAR(255) NOT NULL REFERENCES users(did),
    subject    VARCHAR(255) NOT NULL REFERENCES users(did),
    handle     VARCHAR(253) NOT NULL,
    created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS labels (
    source     VARCHAR(255) NOT NULL,
    uri        VARCHAR(512) NOT NULL,
    val        VARCHAR(255) NOT NULL,
    neg        BOOLEAN NOT NULL DEFAULT FALSE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (source, uri, val)
);

CREATE TABLE IF NOT EXISTS feed_items (
    uri            VARCHAR(512) PRIMARY KEY,
    post_uri       VARCHAR(512) NOT NULL REFERENCES posts(uri) ON DELETE CASCADE,
    originator_did VARCHAR(255) NOT NULL REFERENCES users(did),
    type           VARCHAR(16) NOT NULL,
    sort_at        TIMESTAMPTZ NOT NULL,
    cid            VARCHAR(255) NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_feed_items_originator ON feed_items(originator_did, sort_at DESC);

CREATE TABLE IF NOT EXISTS thread_contexts (
    post_uri             VARCHAR(512) PRIMARY KEY REFERENCES posts(uri) ON DELETE CASCADE,
    root_author_like_uri VARCHAR(512)
);

CREATE TABLE IF NOT EXISTS notifications (
    uri            VARCHAR(512) PRIMARY KEY,
    recipient_did  VARCHAR(255) NOT NULL REFERENCES users(did),
    author_did     VARCHAR(255) NOT NULL REFERENCES users(did),
    reason         VARCHAR(32) NOT NULL,
    reason_subject VARCHAR(512),
    cid            VARCHAR(255),
    is_read        BOOLEAN NOT NULL DEFAULT FALSE,
    created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_notifications_recipient ON notifications(recipient_did, created_at DESC);

CREATE TABLE IF NOT EXISTS firehose_cursors (
    service          VARCHAR(64) PRIMARY KEY,
    cursor           TEXT NOT NULL,
    last_event_time  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`
