// Package sanitize strips byte sequences that would otherwise reach
// storage unescaped. It is deliberately narrow: the only transformation
// applied before persistence is removal of NUL, since Postgres text
// columns reject it outright. HTML/SQL escaping is the storage layer's
// and read layer's responsibility, not this package's.
package sanitize

import "strings"

// Value recursively walks maps, slices, and strings, stripping U+0000 from
// every string it finds. Other types (numbers, bools, nil) pass through
// unchanged.
func Value(v interface{}) interface{} {
	switch t := v.(type) {
	case string:
		return String(t)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = Value(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = Value(val)
		}
		return out
	default:
		return v
	}
}

// String strips NUL bytes from s. Safe to call on already-clean input.
func String(s string) string {
	if strings.IndexByte(s, 0) == -1 {
		return s
	}
	return strings.ReplaceAll(s, "\x00", "")
}
