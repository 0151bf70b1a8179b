// Package cidx normalizes the several blob-reference shapes a firehose
// record payload can carry into a single canonical content-address
// string, using the same CID construction the repository CAR walker
// relies on (github.com/ipfs/go-cid, github.com/multiformats/go-multihash).
package cidx

import (
	"fmt"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
)

// Extract accepts the shapes observed in firehose/backfill record payloads
// and returns the canonical textual CID, or "" if the input does not match
// any recognized shape.
//
// Recognized shapes:
//   - a bare string CID
//   - {"ref": {"$link": "<cid>"}} or {"ref": "<cid>"}
//   - a decoded-binary form {"ref": {"code", "version", "multihash": {...}}}
func Extract(blobRef interface{}) string {
	switch v := blobRef.(type) {
	case nil:
		return ""
	case string:
		return normalizeString(v)
	case map[string]interface{}:
		ref, ok := v["ref"]
		if !ok {
			return ""
		}
		return extractRef(ref)
	default:
		return ""
	}
}

func extractRef(ref interface{}) string {
	switch r := ref.(type) {
	case string:
		return normalizeString(r)
	case map[string]interface{}:
		if link, ok := r["$link"].(string); ok {
			return normalizeString(link)
		}
		return extractDecoded(r)
	default:
		return ""
	}
}

// extractDecoded handles the decoded-binary shape produced by some CBOR
// decoders: {code, version, multihash: {code, digest, size}}. digest may
// arrive as a typed byte array or as a numerically-keyed JSON object
// (the "{'0': 1, '1': 2, ...}" shape some JSON bridges produce).
func extractDecoded(r map[string]interface{}) string {
	mhField, ok := r["multihash"].(map[string]interface{})
	if !ok {
		return ""
	}

	digest := digestBytes(mhField["digest"])
	if digest == nil {
		return ""
	}

	mhCode, _ := toUint64(mhField["code"])
	if mhCode == 0 {
		mhCode = mh.SHA2_256
	}

	built, err := mh.Encode(digest, mhCode)
	if err != nil {
		return ""
	}

	version, _ := toUint64(r["version"])
	codecCode, _ := toUint64(r["code"])
	if codecCode == 0 {
		codecCode = cid.Raw
	}

	var c cid.Cid
	if version == 0 {
		c = cid.NewCidV0(built)
	} else {
		c = cid.NewCidV1(codecCode, built)
	}
	return c.String()
}

func digestBytes(v interface{}) []byte {
	switch d := v.(type) {
	case []byte:
		return d
	case []interface{}:
		out := make([]byte, len(d))
		for i, el := range d {
			n, ok := toUint64(el)
			if !ok {
				return nil
			}
			out[i] = byte(n)
		}
		return out
	case map[string]interface{}:
		out := make([]byte, len(d))
		for k, el := range d {
			idx, err := fmt.Sscanf(k, "%d", new(int))
			_ = idx
			if err != nil {
				return nil
			}
			var i int
			fmt.Sscanf(k, "%d", &i)
			if i < 0 || i >= len(out) {
				return nil
			}
			n, ok := toUint64(el)
			if !ok {
				return nil
			}
			out[i] = byte(n)
		}
		return out
	default:
		return nil
	}
}

func toUint64(v interface{}) (uint64, bool) {
	switch n := v.(type) {
	case uint64:
		return n, true
	case int64:
		return uint64(n), true
	case int:
		return uint64(n), true
	case float64:
		return uint64(n), true
	default:
		return 0, false
	}
}

func normalizeString(s string) string {
	if s == "" || s == "undefined" {
		return ""
	}
	if _, err := cid.Decode(s); err != nil {
		// Not a parseable CID, but the spec only asks us to pass through
		// bare-string CIDs verbatim; an unparseable string still isn't "undefined".
		return s
	}
	return s
}
