// Package canon implements the single canonicalization rule (spec §4.1)
// that every row hash and commit hash in the system is computed from.
// Two implementations that agree on these rules produce identical hashes
// for identical semantic rows (spec P1/P2).
package canon

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"
	"math/big"
	"sort"
	"strings"
	"time"
)

// Row is a single tabular row prior to canonicalization.
type Row = map[string]any

// Canonicalize walks v and returns a structurally-equivalent value obeying
// the canonicalization rules:
//
//   - object keys sorted lexicographically (handled by encoding/json for
//     map[string]any; we do not need to pre-sort)
//   - NaN / +-Inf floats normalized to null
//   - integers that fit in int64 remain integers; larger ones are stringified
//   - timestamps serialized as ISO-8601 with an explicit offset
func Canonicalize(v any) any {
	switch t := v.(type) {
	case nil, bool, string:
		return t
	case int:
		return int64(t)
	case int8:
		return int64(t)
	case int16:
		return int64(t)
	case int32:
		return int64(t)
	case int64:
		return t
	case uint:
		return overflowSafeUint(uint64(t))
	case uint8:
		return int64(t)
	case uint16:
		return int64(t)
	case uint32:
		return int64(t)
	case uint64:
		return overflowSafeUint(t)
	case float32:
		return canonicalizeFloat(float64(t))
	case float64:
		return canonicalizeFloat(t)
	case *big.Int:
		return canonicalizeBigInt(t)
	case json.Number:
		return canonicalizeJSONNumber(t)
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = Canonicalize(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = Canonicalize(val)
		}
		return out
	default:
		// Fall back to the value as-is; json.Marshal will reject anything
		// that isn't otherwise representable, which is the correct failure
		// mode for a row the ingest layer should never have produced.
		return t
	}
}

func overflowSafeUint(u uint64) any {
	if u > math.MaxInt64 {
		return strconvUint(u)
	}
	return int64(u)
}

func strconvUint(u uint64) string {
	return new(big.Int).SetUint64(u).String()
}

func canonicalizeFloat(f float64) any {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	if f == math.Trunc(f) && math.Abs(f) < 1<<63 {
		return int64(f)
	}
	return f
}

func canonicalizeBigInt(b *big.Int) any {
	if b.IsInt64() {
		return b.Int64()
	}
	return b.String()
}

func canonicalizeJSONNumber(n json.Number) any {
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return canonicalizeFloat(f)
	}
	return n.String()
}

// MarshalCanonicalJSON produces the canonical byte representation of a row:
// sorted keys, compact separators, no trailing whitespace. encoding/json
// already sorts map[string]any keys and emits compact separators; the only
// extra step is trimming.
func MarshalCanonicalJSON(row Row) ([]byte, error) {
	canon := Canonicalize(row)
	b, err := json.Marshal(canon)
	if err != nil {
		return nil, err
	}
	return []byte(strings.TrimRight(string(b), " \t\r\n")), nil
}

// HashRow computes the SHA-256 row hash over the canonical JSON of row,
// returning the lowercase hex digest (64 chars) required by spec §3.
func HashRow(row Row) (hash string, canonicalJSON []byte, err error) {
	b, err := MarshalCanonicalJSON(row)
	if err != nil {
		return "", nil, err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), b, nil
}

// HashBytes is a convenience for hashing already-serialized content (used
// by the commit hash, which hashes a composed struct rather than a row).
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// SortedManifestKeys returns table keys in lexicographic order, matching
// the commit-hash serialization rule in spec §3 ("serialized manifest
// sorts tables by key").
func SortedManifestKeys(m map[string][]ManifestEntry) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ManifestEntry is the canonical (logical_row_id, row_hash) pair.
type ManifestEntry struct {
	LogicalRowID string
	RowHash      string
}
