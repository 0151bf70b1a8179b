// Package identity implements resolveIdentity(did) -> {pdsEndpoint, handle},
// the pure function the specification carves out of the ingestion core.
// The cache tier is grounded on indigo's atproto/identity.CacheDirectory;
// the additional fallback tiers (known-suffix table, well-known probe,
// heuristic) are this package's own addition, since nothing in the
// example pack resolves arbitrary PDS endpoints from the open network the
// way this indexer must.
package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"tangled.org/appview/indexer/internal/metrics"
)

// Result is the outcome of a successful resolution.
type Result struct {
	PDSEndpoint string
	Handle      string
	Confidence  Confidence
}

// Confidence records which resolution tier produced the result, so callers
// can decide whether to trust a low-confidence heuristic result for
// anything beyond connectivity.
type Confidence int

const (
	ConfidenceDirectory Confidence = iota
	ConfidenceKnownSuffix
	ConfidenceWellKnown
	ConfidenceHeuristic
)

func (c Confidence) String() string {
	switch c {
	case ConfidenceDirectory:
		return "directory"
	case ConfidenceKnownSuffix:
		return "known_suffix"
	case ConfidenceWellKnown:
		return "well_known"
	case ConfidenceHeuristic:
		return "heuristic"
	default:
		return "unknown"
	}
}

// ErrNotFound is returned when every resolution tier fails.
var ErrNotFound = fmt.Errorf("identity: not found")

// knownSuffixes maps well-known handle suffixes directly to a PDS,
// skipping the DID-document fetch entirely for the overwhelmingly common
// case of accounts hosted on the flagship PDS.
var knownSuffixes = map[string]string{
	".bsky.social": "https://bsky.social",
}

// Resolver resolves DIDs to PDS endpoints and handles, with a per-DID
// cache and TTLs in the 10-30 minute range. Only DID-keyed results are
// cached; there is no separate per-handle cache tier.
type Resolver struct {
	httpClient  *http.Client
	plcURL      string
	plcLimiter  *rate.Limiter
	cache       *ttlCache
}

// Config controls the resolver's network endpoints and cache lifetime.
type Config struct {
	PLCDirectoryURL string
	CacheTTL        time.Duration
	HTTPTimeout     time.Duration
}

// DefaultConfig matches the specification's stated TTL window and the
// public PLC directory used throughout the example pack.
func DefaultConfig() Config {
	return Config{
		PLCDirectoryURL: "https://plc.directory",
		CacheTTL:        20 * time.Minute,
		HTTPTimeout:     10 * time.Second,
	}
}

// NewResolver builds a resolver. The PLC limiter bounds directory-fetch
// rate the same way indigo's identity.BaseDirectory does.
func NewResolver(cfg Config) *Resolver {
	return &Resolver{
		httpClient: &http.Client{Timeout: cfg.HTTPTimeout},
		plcURL:     cfg.PLCDirectoryURL,
		plcLimiter: rate.NewLimiter(25, 1),
		cache:      newTTLCache(cfg.CacheTTL),
	}
}

// Resolve implements resolveIdentity(did) -> {pdsEndpoint, handle}.
func (r *Resolver) Resolve(ctx context.Context, did string) (*Result, error) {
	if cached, ok := r.cache.get(did); ok {
		return cached, nil
	}

	res, err := r.resolveUncached(ctx, did)
	if err != nil {
		metrics.IdentityResolutionsTotal.WithLabelValues("unknown", "not_found").Inc()
		return nil, err
	}

	if !isSafePDSEndpoint(res.PDSEndpoint) {
		metrics.IdentityResolutionsTotal.WithLabelValues(res.Confidence.String(), "ssrf_rejected").Inc()
		return nil, fmt.Errorf("identity: resolved endpoint %q for %s failed SSRF safety check", res.PDSEndpoint, did)
	}

	metrics.IdentityResolutionsTotal.WithLabelValues(res.Confidence.String(), "resolved").Inc()
	r.cache.set(did, res)
	return res, nil
}

func (r *Resolver) resolveUncached(ctx context.Context, did string) (*Result, error) {
	doc, docErr := r.fetchDIDDocument(ctx, did)
	if docErr == nil {
		if endpoint := pdsFromDoc(doc); endpoint != "" {
			return &Result{PDSEndpoint: endpoint, Handle: handleFromDoc(doc), Confidence: ConfidenceDirectory}, nil
		}
	}

	// The directory tier didn't produce a usable endpoint — either the DID
	// document omitted a PDS service entry, or the DID isn't a did:plc at
	// all. Derive a candidate handle (from the document's alsoKnownAs, or
	// from a did:web's own domain) and work down the cheaper tiers before
	// falling back to the bare heuristic.
	var handle string
	switch {
	case docErr == nil:
		handle = handleFromDoc(doc)
	case strings.HasPrefix(did, "did:web:"):
		handle = strings.TrimPrefix(did, "did:web:")
	}

	if handle != "" && handle != "handle.invalid" {
		if endpoint, ok := ResolveKnownSuffix(handle); ok {
			return &Result{PDSEndpoint: endpoint, Handle: handle, Confidence: ConfidenceKnownSuffix}, nil
		}

		if verifiedDID, err := r.ResolveHandleWellKnown(ctx, handle); err == nil && verifiedDID == did {
			return &Result{PDSEndpoint: "https://" + handle, Handle: handle, Confidence: ConfidenceWellKnown}, nil
		}
	}

	if strings.HasPrefix(did, "did:web:") {
		domain := strings.TrimPrefix(did, "did:web:")
		return &Result{PDSEndpoint: "https://" + domain, Handle: domain, Confidence: ConfidenceHeuristic}, nil
	}

	return nil, ErrNotFound
}

type didDocument struct {
	Service []struct {
		ID              string `json:"id"`
		Type            string `json:"type"`
		ServiceEndpoint string `json:"serviceEndpoint"`
	} `json:"service"`
	AlsoKnownAs []string `json:"alsoKnownAs"`
}

func (r *Resolver) fetchDIDDocument(ctx context.Context, did string) (*didDocument, error) {
	if !strings.HasPrefix(did, "did:plc:") {
		return nil, fmt.Errorf("identity: unsupported DID method for directory lookup: %s", did)
	}

	if err := r.plcLimiter.Wait(ctx); err != nil {
		return nil, err
	}

	reqURL := fmt.Sprintf("%s/%s", r.plcURL, did)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("identity: build request: %w", err)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("identity: fetch DID document: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("identity: DID resolution failed with status %d", resp.StatusCode)
	}

	var doc didDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("identity: decode DID document: %w", err)
	}
	return &doc, nil
}

func pdsFromDoc(doc *didDocument) string {
	for _, svc := range doc.Service {
		if svc.ID == "#atproto_pds" || svc.Type == "AtprotoPersonalDataServer" {
			return svc.ServiceEndpoint
		}
	}
	return ""
}

func handleFromDoc(doc *didDocument) string {
	for _, aka := range doc.AlsoKnownAs {
		if strings.HasPrefix(aka, "at://") {
			return strings.TrimPrefix(aka, "at://")
		}
	}
	return "handle.invalid"
}

// ResolveHandleWellKnown probes https://<handle>/.well-known/atproto-did,
// the fallback tier used when the DID document lookup fails or the handle
// needs independent verification.
func (r *Resolver) ResolveHandleWellKnown(ctx context.Context, handle string) (string, error) {
	reqURL := fmt.Sprintf("https://%s/.well-known/atproto-did", handle)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return "", fmt.Errorf("identity: build well-known request: %w", err)
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("identity: well-known probe: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("identity: well-known probe failed with status %d", resp.StatusCode)
	}

	buf := make([]byte, 256)
	n, _ := resp.Body.Read(buf)
	did := strings.TrimSpace(string(buf[:n]))
	if !strings.HasPrefix(did, "did:") {
		return "", fmt.Errorf("identity: well-known probe returned non-DID body")
	}
	return did, nil
}

// ResolveKnownSuffix looks the handle up in the known-suffix table (e.g.
// *.bsky.social -> https://bsky.social), avoiding a network round trip for
// the common hosted case.
func ResolveKnownSuffix(handle string) (string, bool) {
	for suffix, endpoint := range knownSuffixes {
		if strings.HasSuffix(handle, suffix) {
			return endpoint, true
		}
	}
	return "", false
}

// Purge invalidates the cached entry for did, forcing the next Resolve to
// go back to the network. Used on #identity firehose frames.
func (r *Resolver) Purge(did string) {
	r.cache.delete(did)
}
