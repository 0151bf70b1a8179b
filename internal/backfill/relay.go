package backfill

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"runtime"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/bluesky-social/indigo/api/atproto"
	indigodata "github.com/bluesky-social/indigo/atproto/data"
	"github.com/bluesky-social/indigo/events"
	"github.com/bluesky-social/indigo/repo"
	"github.com/gorilla/websocket"
	"github.com/ipfs/go-cid"
	"github.com/rs/zerolog/log"

	"tangled.org/appview/indexer/internal/metrics"
	"tangled.org/appview/indexer/internal/processor"
	"tangled.org/appview/indexer/internal/store"
)

// cursorService is the key relay backfill state is persisted under, kept
// distinct from the live client's "relay" key so the two subscriptions
// resume independently.
const cursorService = "backfill"

// RelayBackfiller replays historical relay traffic from an explicit start
// cursor, applying a cutoff filter, throttled batches, a memory guard, and
// a safety limit the live client does not need (§4.10).
type RelayBackfiller struct {
	cfg   Config
	url   string
	st    store.Store
	proc  *processor.Processor

	eventsProcessed atomic.Int64
	eventsSkipped   atomic.Int64
	stopCh          chan struct{}
}

// NewRelayBackfiller builds a backfiller targeting relayURL's subscribeRepos
// endpoint.
func NewRelayBackfiller(cfg Config, relayURL string, st store.Store, proc *processor.Processor) *RelayBackfiller {
	return &RelayBackfiller{cfg: cfg, url: relayURL, st: st, proc: proc, stopCh: make(chan struct{})}
}

// Run subscribes from the stored (or given) start cursor and processes
// events until the stream ends, the context is cancelled, Stop is called,
// or the safety limit is hit. It does not reconnect on its own; callers
// that want resumable retries should call Run again with the newly stored
// cursor after an error.
func (b *RelayBackfiller) Run(ctx context.Context, startCursor int64) error {
	if b.cfg.BackfillDays == 0 {
		log.Info().Msg("backfill: disabled by configuration")
		return nil
	}

	if stored, err := b.st.GetFirehoseCursor(ctx, cursorService); err == nil && stored != nil {
		if seq, processed, perr := parseBackfillCursor(stored.Cursor); perr == nil {
			startCursor = seq
			b.eventsProcessed.Store(processed)
			log.Info().Int64("cursor", seq).Int64("events_processed", processed).Msg("backfill: resuming from stored cursor")
		}
	}

	wsURL, err := buildURL(b.url, startCursor)
	if err != nil {
		return fmt.Errorf("backfill: build relay url: %w", err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, wsURL, http.Header{"User-Agent": []string{"appview-indexer-backfill/1.0"}})
	if err != nil {
		return fmt.Errorf("backfill: dial relay: %w", err)
	}
	defer conn.Close()

	cutoff, hasCutoff := b.cfg.cutoff(time.Now())
	batchCount := 0
	sampleCount := 0

	callbacks := &events.RepoStreamCallbacks{
		RepoCommit: func(evt *atproto.SyncSubscribeRepos_Commit) error {
			select {
			case <-b.stopCh:
				return fmt.Errorf("backfill: stopped")
			default:
			}

			if b.eventsProcessed.Load() >= b.cfg.MaxEventsPerRun {
				return fmt.Errorf("backfill: safety limit of %d events reached", b.cfg.MaxEventsPerRun)
			}

			b.processCommit(ctx, evt, cutoff, hasCutoff)
			b.persistCursor(ctx, evt.Seq)

			batchCount++
			if batchCount >= b.cfg.BatchSize {
				batchCount = 0
				select {
				case <-time.After(b.cfg.BatchDelay):
				case <-ctx.Done():
					return ctx.Err()
				}
			}

			sampleCount++
			if sampleCount >= 100 {
				sampleCount = 0
				b.memoryGuard(ctx)
			}
			return nil
		},
		RepoIdentity: func(evt *atproto.SyncSubscribeRepos_Identity) error {
			// §4.10.4: identity-resolution failures (suspended/deleted
			// accounts during historical replay) are expected and must not
			// abort the run, so the handle refresh error is swallowed.
			b.proc.ResolveAndRefreshHandle(ctx, evt.Did)
			b.persistCursor(ctx, evt.Seq)
			return nil
		},
		RepoAccount: func(evt *atproto.SyncSubscribeRepos_Account) error {
			b.persistCursor(ctx, evt.Seq)
			return nil
		},
		Error: func(errf *events.ErrorFrame) error {
			return fmt.Errorf("backfill: relay error frame: %s: %s", errf.Error, errf.Message)
		},
	}

	sched := &sequentialScheduler{do: callbacks.EventHandler}
	return events.HandleRepoStream(ctx, conn, sched)
}

// Stop signals Run to exit at the next commit boundary.
func (b *RelayBackfiller) Stop() {
	close(b.stopCh)
}

// EventsProcessed and EventsSkipped report lifetime counters for the
// health surface's backfill-progress view.
func (b *RelayBackfiller) EventsProcessed() int64 { return b.eventsProcessed.Load() }
func (b *RelayBackfiller) EventsSkipped() int64   { return b.eventsSkipped.Load() }

func (b *RelayBackfiller) processCommit(ctx context.Context, evt *atproto.SyncSubscribeRepos_Commit, cutoff time.Time, hasCutoff bool) (skipped bool) {
	if evt.TooBig {
		return true
	}

	r, err := repo.ReadRepoFromCar(ctx, bytes.NewReader(evt.Blocks))
	if err != nil {
		metrics.FirehoseErrorsTotal.Inc()
		return true
	}

	ops := make([]processor.Op, 0, len(evt.Ops))
	for _, op := range evt.Ops {
		if op.Action == "delete" {
			ops = append(ops, processor.Op{Action: "delete", Path: op.Path})
			continue
		}
		if op.Cid == nil {
			continue
		}
		_, recordBytes, err := r.GetRecordBytes(ctx, op.Path)
		if err != nil || recordBytes == nil {
			continue
		}
		decoded, err := indigodata.UnmarshalCBOR(*recordBytes)
		if err != nil {
			continue
		}
		record, ok := decoded.(map[string]interface{})
		if !ok {
			continue
		}
		if hasCutoff && recordOlderThan(record, cutoff) {
			metrics.BackfillSkippedTotal.WithLabelValues("cutoff").Inc()
			b.eventsSkipped.Add(1)
			skipped = true
			continue
		}
		opCID := (cid.Cid)(*op.Cid)
		ops = append(ops, processor.Op{Action: op.Action, Path: op.Path, CID: opCID.String(), Record: record})
	}

	if len(ops) > 0 {
		b.proc.ProcessCommit(ctx, processor.CommitEvent{Repo: evt.Repo, Ops: ops})
		metrics.BackfillEventsTotal.WithLabelValues("relay").Add(float64(len(ops)))
	}
	b.eventsProcessed.Add(1)
	return skipped
}

// memoryGuard samples heap usage every 100 events and backs off if it is
// running hot, per §4.10.3.
func (b *RelayBackfiller) memoryGuard(ctx context.Context) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	heapMB := int(mem.HeapAlloc / (1024 * 1024))
	if heapMB <= b.cfg.MaxMemoryMB {
		return
	}

	log.Warn().Int("heap_mb", heapMB).Int("limit_mb", b.cfg.MaxMemoryMB).Msg("backfill: memory guard pausing")
	metrics.BackfillMemoryPausedTotal.Inc()
	select {
	case <-time.After(5 * time.Second):
	case <-ctx.Done():
		return
	}

	debug.FreeOSMemory()
	runtime.ReadMemStats(&mem)
	if int(mem.HeapAlloc/(1024*1024)) > b.cfg.MaxMemoryMB {
		select {
		case <-time.After(10 * time.Second):
		case <-ctx.Done():
		}
	}
}

func (b *RelayBackfiller) persistCursor(ctx context.Context, seq int64) {
	cursor := fmt.Sprintf("%d|%d", seq, b.eventsProcessed.Load())
	if err := b.st.SaveFirehoseCursor(ctx, cursorService, cursor, time.Now()); err != nil {
		log.Debug().Err(err).Msg("backfill: failed to persist cursor")
	}
}

func recordOlderThan(record map[string]interface{}, cutoff time.Time) bool {
	createdAt, ok := record["createdAt"].(string)
	if !ok {
		return false
	}
	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return false
	}
	return t.Before(cutoff)
}

func buildURL(relayURL string, cursor int64) (string, error) {
	u, err := url.Parse(relayURL)
	if err != nil {
		return "", err
	}
	u.Path = "/xrpc/com.atproto.sync.subscribeRepos"
	q := u.Query()
	if cursor > 0 {
		q.Set("cursor", fmt.Sprintf("%d", cursor))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// parseBackfillCursor splits the "<seq>|<eventsProcessed>" value the cursor
// store holds for the backfill service (§4.9).
func parseBackfillCursor(s string) (seq, processed int64, err error) {
	_, err = fmt.Sscanf(s, "%d|%d", &seq, &processed)
	return seq, processed, err
}

// sequentialScheduler satisfies indigo's events.Scheduler by running each
// event inline on the caller's goroutine: relay backfill is explicitly
// throttled and single-threaded per §5, so there is no dispatch queue to
// hand work off to here.
type sequentialScheduler struct {
	do func(ctx context.Context, evt *events.XRPCStreamEvent) error
}

func (s *sequentialScheduler) AddWork(ctx context.Context, repo string, val *events.XRPCStreamEvent) error {
	return s.do(ctx, val)
}

func (s *sequentialScheduler) Shutdown() {}
