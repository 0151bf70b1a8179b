package backfill

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	indigodata "github.com/bluesky-social/indigo/atproto/data"
	"github.com/bluesky-social/indigo/repo"
	"github.com/ipfs/go-cid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"tangled.org/appview/indexer/internal/identity"
	"tangled.org/appview/indexer/internal/metrics"
	"tangled.org/appview/indexer/internal/pdsclient"
	"tangled.org/appview/indexer/internal/processor"
	"tangled.org/appview/indexer/internal/sanitize"
)

// syntheticCIDPrefix marks a CID this core invented rather than received
// from a PDS, so it is clearly distinguishable from an authentic one
// (§4.11) while still being a stable, deterministic string for replay.
const syntheticCIDPrefix = "synthetic-sha256-"

// RepoBackfiller walks a single DID's complete repository archive and
// submits it to the processor as one synthetic commit event (§4.11).
type RepoBackfiller struct {
	cfg      Config
	resolver *identity.Resolver
	pds      *pdsclient.Client
	proc     *processor.Processor
}

// NewRepoBackfiller builds a backfiller for one-off or bulk repo walks.
func NewRepoBackfiller(cfg Config, resolver *identity.Resolver, pds *pdsclient.Client, proc *processor.Processor) *RepoBackfiller {
	return &RepoBackfiller{cfg: cfg, resolver: resolver, pds: pds, proc: proc}
}

// BackfillRepo resolves did's PDS, fetches its full CAR archive, walks every
// record in it, and submits the lot as a single synthetic commit.
func (rb *RepoBackfiller) BackfillRepo(ctx context.Context, did string) (recordCount int, err error) {
	res, err := rb.resolver.Resolve(ctx, did)
	if err != nil {
		return 0, fmt.Errorf("backfill: resolve %s: %w", did, err)
	}

	body, err := rb.pds.GetRepo(ctx, res.PDSEndpoint, did)
	if err != nil {
		return 0, fmt.Errorf("backfill: fetch repo for %s: %w", did, err)
	}
	defer body.Close()

	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(body); err != nil {
		return 0, fmt.Errorf("backfill: read repo archive for %s: %w", did, err)
	}

	r, err := repo.ReadRepoFromCar(ctx, bytes.NewReader(buf.Bytes()))
	if err != nil {
		return 0, fmt.Errorf("backfill: parse repo CAR for %s: %w", did, err)
	}

	cutoff, hasCutoff := rb.cfg.cutoff(time.Now())

	var ops []processor.Op
	walkErr := r.ForEach(ctx, "", func(recordPath string, nodeCid cid.Cid) error {
		blk, err := r.Blockstore().Get(ctx, nodeCid)
		if err != nil {
			log.Debug().Err(err).Str("did", did).Str("path", recordPath).Msg("backfill: failed to read block")
			return nil
		}

		record, err := decodeRecord(blk.RawData())
		if err != nil {
			log.Debug().Err(err).Str("did", did).Str("path", recordPath).Msg("backfill: failed to decode record")
			return nil
		}

		if hasCutoff && recordOlderThan(record, cutoff) {
			metrics.BackfillSkippedTotal.WithLabelValues("cutoff").Inc()
			return nil
		}

		record = sanitize.Value(record).(map[string]interface{})

		recordCID := nodeCid.String()
		if recordCID == "" || recordCID == cid.Undef.String() {
			recordCID = syntheticCID(record, did, recordPath)
		}

		ops = append(ops, processor.Op{Action: "create", Path: recordPath, CID: recordCID, Record: record})
		return nil
	})
	if walkErr != nil {
		return 0, fmt.Errorf("backfill: walk repo for %s: %w", did, walkErr)
	}

	if len(ops) > 0 {
		rb.proc.ProcessCommit(ctx, processor.CommitEvent{Repo: did, Ops: ops})
	}
	metrics.BackfillEventsTotal.WithLabelValues("repo").Add(float64(len(ops)))
	return len(ops), nil
}

// decodeRecord CBOR-decodes a raw block into the generic record shape the
// processor expects.
func decodeRecord(raw []byte) (map[string]interface{}, error) {
	decoded, err := indigodata.UnmarshalCBOR(raw)
	if err != nil {
		return nil, err
	}
	record, ok := decoded.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("backfill: decoded block is not a record map")
	}
	return record, nil
}

// syntheticCID derives a deterministic, clearly-marked stand-in CID for a
// record whose block lacked a usable one, per §4.11.
func syntheticCID(record map[string]interface{}, did, path string) string {
	payload, _ := json.Marshal(record)
	h := sha256.New()
	h.Write(payload)
	h.Write([]byte(did))
	h.Write([]byte(path))
	return syntheticCIDPrefix + hex.EncodeToString(h.Sum(nil))
}

// BulkRelayOptions controls the relay-wide listRepos walk.
type BulkRelayOptions struct {
	ConcurrentFetches int
	RequestsPerSecond float64
}

// DefaultBulkRelayOptions matches §4.11's stated default concurrency.
func DefaultBulkRelayOptions() BulkRelayOptions {
	return BulkRelayOptions{ConcurrentFetches: 5, RequestsPerSecond: 2}
}

// repoListing is one row of com.atproto.sync.listRepos.
type repoListing struct {
	DID    string `json:"did"`
	Active bool   `json:"active"`
}

type listReposOutput struct {
	Repos  []repoListing `json:"repos"`
	Cursor *string       `json:"cursor,omitempty"`
}

// NewRelayLister builds the default relayLister for BulkRelayBackfill,
// calling com.atproto.sync.listRepos directly against the relay's HTTP
// endpoint (the same host the websocket subscription runs on). Deactivated
// repos are skipped, since a backfill of a deleted account only wastes a
// PDS fetch.
func NewRelayLister(httpClient *http.Client, relayHTTPURL string) func(ctx context.Context, cursor string) ([]string, string, error) {
	return func(ctx context.Context, cursor string) ([]string, string, error) {
		q := url.Values{}
		q.Set("limit", "500")
		if cursor != "" {
			q.Set("cursor", cursor)
		}
		reqURL := fmt.Sprintf("%s/xrpc/com.atproto.sync.listRepos?%s", relayHTTPURL, q.Encode())

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return nil, "", err
		}
		resp, err := httpClient.Do(req)
		if err != nil {
			return nil, "", err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, "", fmt.Errorf("backfill: listRepos failed with status %d", resp.StatusCode)
		}

		var out listReposOutput
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, "", err
		}

		dids := make([]string, 0, len(out.Repos))
		for _, r := range out.Repos {
			if r.Active {
				dids = append(dids, r.DID)
			}
		}
		next := ""
		if out.Cursor != nil {
			next = *out.Cursor
		}
		return dids, next, nil
	}
}

// BulkRelayBackfill walks every repo the relay knows about via its
// listRepos paginator and backfills each one, bounded to
// opts.ConcurrentFetches in flight at a time. relayLister fetches one page;
// it is a function rather than a concrete client so the relay's bare JSON
// listRepos endpoint doesn't need its own package.
func (rb *RepoBackfiller) BulkRelayBackfill(ctx context.Context, opts BulkRelayOptions, relayLister func(ctx context.Context, cursor string) (dids []string, nextCursor string, err error)) error {
	limiter := rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
	sem := make(chan struct{}, opts.ConcurrentFetches)

	cursor := ""
	for {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		dids, next, err := relayLister(ctx, cursor)
		if err != nil {
			return fmt.Errorf("backfill: list repos: %w", err)
		}

		results := make(chan error, len(dids))
		for _, did := range dids {
			did := did
			sem <- struct{}{}
			metrics.BackfillReposInFlight.Inc()
			go func() {
				defer func() { <-sem; metrics.BackfillReposInFlight.Dec() }()
				_, err := rb.BackfillRepo(ctx, did)
				if err != nil {
					log.Warn().Err(err).Str("did", did).Msg("backfill: repo backfill failed")
				}
				results <- err
			}()
		}
		for range dids {
			<-results
		}

		if next == "" || next == cursor {
			return nil
		}
		cursor = next
	}
}
