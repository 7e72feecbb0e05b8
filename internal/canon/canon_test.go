package canon_test

import (
	"math"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tabularis.dev/core/internal/canon"
)

func TestHashRow_DeterministicAcrossKeyOrder(t *testing.T) {
	a := canon.Row{"b": 2, "a": 1}
	b := canon.Row{"a": 1, "b": 2}

	hashA, _, err := canon.HashRow(a)
	require.NoError(t, err)
	hashB, _, err := canon.HashRow(b)
	require.NoError(t, err)

	assert.Equal(t, hashA, hashB)
	assert.Len(t, hashA, 64)
}

func TestHashRow_DifferentValuesDifferentHash(t *testing.T) {
	hash1, _, err := canon.HashRow(canon.Row{"x": 1})
	require.NoError(t, err)
	hash2, _, err := canon.HashRow(canon.Row{"x": 2})
	require.NoError(t, err)

	assert.NotEqual(t, hash1, hash2)
}

func TestCanonicalize_IntegerWidening(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want any
	}{
		{"int", int(5), int64(5)},
		{"int8", int8(5), int64(5)},
		{"uint32", uint32(7), int64(7)},
		{"float64_whole", float64(3.0), int64(3)},
		{"float64_fractional", 3.5, 3.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, canon.Canonicalize(tt.in))
		})
	}
}

func TestCanonicalize_NaNAndInfBecomeNull(t *testing.T) {
	assert.Nil(t, canon.Canonicalize(math.NaN()))
	assert.Nil(t, canon.Canonicalize(math.Inf(1)))
	assert.Nil(t, canon.Canonicalize(math.Inf(-1)))
}

func TestCanonicalize_BigUintOverflowsToString(t *testing.T) {
	huge := uint64(math.MaxInt64) + 100
	got := canon.Canonicalize(huge)
	assert.IsType(t, "", got)
}

func TestCanonicalize_BigIntOverflowsToString(t *testing.T) {
	huge := new(big.Int)
	huge.SetString("99999999999999999999999999999", 10)
	got := canon.Canonicalize(huge)
	assert.IsType(t, "", got)
}

func TestCanonicalize_TimeFormattedAsRFC3339Nano(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	got := canon.Canonicalize(ts)
	assert.Equal(t, "2026-01-02T03:04:05Z", got)
}

func TestCanonicalize_NestedStructures(t *testing.T) {
	in := canon.Row{
		"nested": map[string]any{"a": int(1)},
		"list":   []any{int(1), int(2)},
	}
	got := canon.Canonicalize(in).(map[string]any)
	assert.Equal(t, int64(1), got["nested"].(map[string]any)["a"])
	assert.Equal(t, []any{int64(1), int64(2)}, got["list"])
}

func TestMarshalCanonicalJSON_NoTrailingWhitespace(t *testing.T) {
	b, err := canon.MarshalCanonicalJSON(canon.Row{"a": 1})
	require.NoError(t, err)
	assert.NotRegexp(t, `[ \t\r\n]$`, string(b))
}

func TestSortedManifestKeys(t *testing.T) {
	m := map[string][]canon.ManifestEntry{
		"zeta":  nil,
		"alpha": nil,
		"mid":   nil,
	}
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, canon.SortedManifestKeys(m))
}
