// Package firehose implements the relay firehose client (§4.8): a
// reconnecting websocket subscriber to com.atproto.sync.subscribeRepos
// that decodes each commit's CAR blocks and submits normalized ops to the
// dispatch queue. The reconnect/backoff/stats shape is carried over from
// the teacher's Jetstream consumer; the wire protocol itself — binary
// CBOR frames, #commit/#identity/#account — and the CAR walk are grounded
// on the ericvolp12 atproto.tools relay client.
package firehose

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bluesky-social/indigo/api/atproto"
	indigodata "github.com/bluesky-social/indigo/atproto/data"
	"github.com/bluesky-social/indigo/events"
	"github.com/bluesky-social/indigo/repo"
	"github.com/gorilla/websocket"
	"github.com/ipfs/go-cid"
	"github.com/rs/zerolog/log"

	"tangled.org/appview/indexer/internal/dispatch"
	"tangled.org/appview/indexer/internal/metrics"
	"tangled.org/appview/indexer/internal/processor"
	"tangled.org/appview/indexer/internal/store"
)

// Config controls which relay to subscribe to and how aggressively to
// persist the resume cursor.
type Config struct {
	RelayURL          string
	CursorFlushPeriod time.Duration
}

// DefaultConfig matches the specification's cursor persistence cadence
// (every 5 seconds, plus on clean shutdown).
func DefaultConfig() Config {
	return Config{
		RelayURL:          "wss://bsky.network",
		CursorFlushPeriod: 5 * time.Second,
	}
}

// Client subscribes to a relay's repo stream and feeds the dispatch queue.
type Client struct {
	cfg   Config
	st    store.Store
	proc  *processor.Processor
	queue *dispatch.Queue

	connMu sync.Mutex
	conn   *websocket.Conn

	cursor    atomic.Int64
	connected atomic.Bool

	eventsReceived atomic.Int64
	stopCh         chan struct{}
	wg             sync.WaitGroup
}

// New builds a relay client. The stored cursor, if any, is loaded lazily
// on Start so construction never blocks on storage.
func New(cfg Config, st store.Store, proc *processor.Processor, queue *dispatch.Queue) *Client {
	return &Client{cfg: cfg, st: st, proc: proc, queue: queue, stopCh: make(chan struct{})}
}

// Start begins consuming in a background goroutine and returns immediately.
func (c *Client) Start(ctx context.Context) {
	if cur, err := c.st.GetFirehoseCursor(ctx, "relay"); err == nil && cur != nil {
		if seq, err := parseCursor(cur.Cursor); err == nil {
			c.cursor.Store(seq)
			log.Info().Int64("cursor", seq).Msg("firehose: resuming from stored cursor")
		}
	}

	c.wg.Add(2)
	go func() { defer c.wg.Done(); c.run(ctx) }()
	go func() { defer c.wg.Done(); c.flushCursorPeriodically(ctx) }()
}

// Stop closes the connection and waits for the consumer goroutines to
// exit, flushing the cursor one last time.
func (c *Client) Stop(ctx context.Context) {
	close(c.stopCh)
	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.connMu.Unlock()
	c.wg.Wait()
	c.flushCursor(ctx)
}

// IsConnected reports the current connection state, used by the health
// surface's readiness check.
func (c *Client) IsConnected() bool { return c.connected.Load() }

// EventsReceived reports the lifetime count of commit ops handed to the
// processor (counted once ProcessCommit returns), for the health
// surface's /stats endpoint.
func (c *Client) EventsReceived() int64 { return c.eventsReceived.Load() }

// Cursor reports the last sequence number seen, independent of whether
// it has been flushed to storage yet.
func (c *Client) Cursor() int64 { return c.cursor.Load() }

func (c *Client) run(ctx context.Context) {
	backoff := time.Second
	maxBackoff := 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		default:
		}

		err := c.connectAndConsume(ctx)
		c.connected.Store(false)
		metrics.FirehoseConnectionState.Set(0)

		if err == nil {
			backoff = time.Second
			continue
		}

		log.Warn().Err(err).Msg("firehose: connection error, reconnecting")
		metrics.FirehoseReconnectsTotal.Inc()

		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (c *Client) connectAndConsume(ctx context.Context) error {
	wsURL, err := c.buildURL()
	if err != nil {
		return fmt.Errorf("build relay url: %w", err)
	}

	log.Info().Str("url", wsURL).Msg("firehose: connecting to relay")

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, wsURL, http.Header{"User-Agent": []string{"appview-indexer/1.0"}})
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	c.connected.Store(true)
	metrics.FirehoseConnectionState.Set(1)

	defer func() {
		c.connMu.Lock()
		if c.conn != nil {
			c.conn.Close()
			c.conn = nil
		}
		c.connMu.Unlock()
	}()

	callbacks := &events.RepoStreamCallbacks{
		RepoCommit:   c.repoCommit,
		RepoIdentity: c.repoIdentity,
		RepoAccount:  c.repoAccount,
		Error: func(errf *events.ErrorFrame) error {
			return fmt.Errorf("relay error frame: %s: %s", errf.Error, errf.Message)
		},
	}
	sched := newQueueScheduler(c.queue, callbacks.EventHandler)

	return events.HandleRepoStream(ctx, conn, sched)
}

func (c *Client) buildURL() (string, error) {
	u, err := url.Parse(c.cfg.RelayURL)
	if err != nil {
		return "", err
	}
	u.Path = "/xrpc/com.atproto.sync.subscribeRepos"
	q := u.Query()
	if cursor := c.cursor.Load(); cursor > 0 {
		q.Set("cursor", fmt.Sprintf("%d", cursor))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) repoCommit(evt *atproto.SyncSubscribeRepos_Commit) error {
	c.cursor.Store(evt.Seq)
	metrics.FirehoseCursor.Set(float64(evt.Seq))
	if evt.TooBig {
		log.Warn().Str("repo", evt.Repo).Int64("seq", evt.Seq).Msg("firehose: commit too big, skipping")
		return nil
	}

	r, err := repo.ReadRepoFromCar(context.Background(), bytes.NewReader(evt.Blocks))
	if err != nil {
		metrics.FirehoseErrorsTotal.Inc()
		return fmt.Errorf("read commit car: %w", err)
	}

	ops := make([]processor.Op, 0, len(evt.Ops))
	for _, op := range evt.Ops {
		switch op.Action {
		case "create", "update":
			if op.Cid == nil {
				continue
			}
			_, recordBytes, err := r.GetRecordBytes(context.Background(), op.Path)
			if err != nil || recordBytes == nil {
				log.Debug().Err(err).Str("path", op.Path).Msg("firehose: record bytes missing for op")
				continue
			}
			decoded, err := indigodata.UnmarshalCBOR(*recordBytes)
			if err != nil {
				log.Debug().Err(err).Str("path", op.Path).Msg("firehose: CBOR decode failed")
				continue
			}
			record, ok := decoded.(map[string]interface{})
			if !ok {
				continue
			}
			opCID := (cid.Cid)(*op.Cid)
			ops = append(ops, processor.Op{Action: op.Action, Path: op.Path, CID: opCID.String(), Record: record})
		case "delete":
			ops = append(ops, processor.Op{Action: "delete", Path: op.Path})
		}
	}

	c.proc.ProcessCommit(context.Background(), processor.CommitEvent{Repo: evt.Repo, Ops: ops})
	c.eventsReceived.Add(int64(len(ops)))
	return nil
}

func (c *Client) repoIdentity(evt *atproto.SyncSubscribeRepos_Identity) error {
	c.cursor.Store(evt.Seq)
	c.proc.ResolveAndRefreshHandle(context.Background(), evt.Did)
	return nil
}

func (c *Client) repoAccount(evt *atproto.SyncSubscribeRepos_Account) error {
	c.cursor.Store(evt.Seq)
	return nil
}

func (c *Client) flushCursorPeriodically(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.CursorFlushPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.flushCursor(ctx)
		}
	}
}

func (c *Client) flushCursor(ctx context.Context) {
	seq := c.cursor.Load()
	if seq == 0 {
		return
	}
	if err := c.st.SaveFirehoseCursor(ctx, "relay", fmt.Sprintf("%d", seq), time.Now()); err != nil {
		log.Warn().Err(err).Msg("firehose: failed to persist cursor")
	}
}

func parseCursor(s string) (int64, error) {
	var seq int64
	_, err := fmt.Sscanf(s, "%d", &seq)
	return seq, err
}
