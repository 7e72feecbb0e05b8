package sampling_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tabularis.dev/core/internal/canon"
	"tabularis.dev/core/internal/sampling"
)

func makeRows(n int) []sampling.Row {
	rows := make([]sampling.Row, n)
	for i := 0; i < n; i++ {
		rows[i] = sampling.Row{
			LogicalRowID: itoaLogicalID(i),
			Data:         canon.Row{"i": int64(i), "group": int64(i % 3)},
		}
	}
	return rows
}

func itoaLogicalID(i int) string {
	return "t:" + string(rune('a'+i%26)) + string(rune('0'+i/26))
}

func TestSample_RandomIsSeedDeterministic(t *testing.T) {
	rows := makeRows(100)
	seed := int64(42)
	cfg := sampling.Config{Method: sampling.Random, SampleSize: 10, Seed: &seed}

	first, err := sampling.Sample(rows, cfg, nil)
	require.NoError(t, err)
	second, err := sampling.Sample(rows, cfg, nil)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, first, 10)
}

func TestSample_RandomExcludesChosenRows(t *testing.T) {
	rows := makeRows(20)
	seed := int64(1)
	cfg := sampling.Config{Method: sampling.Random, SampleSize: 5, Seed: &seed}

	first, err := sampling.Sample(rows, cfg, nil)
	require.NoError(t, err)

	exclude := map[string]bool{}
	for _, r := range first {
		exclude[r.LogicalRowID] = true
	}

	second, err := sampling.Sample(rows, cfg, exclude)
	require.NoError(t, err)

	for _, r := range second {
		assert.False(t, exclude[r.LogicalRowID], "round 2 must not re-select round 1's rows")
	}
}

func TestSample_RandomRejectsNonPositiveSize(t *testing.T) {
	rows := makeRows(5)
	_, err := sampling.Sample(rows, sampling.Config{Method: sampling.Random, SampleSize: 0}, nil)
	assert.Error(t, err)
}

func TestSample_StratifiedRequiresStratifyColumns(t *testing.T) {
	rows := makeRows(10)
	_, err := sampling.Sample(rows, sampling.Config{Method: sampling.Stratified, SampleSize: 3}, nil)
	assert.Error(t, err)
}

func TestSample_StratifiedCoversEveryStratumWhenNotProportional(t *testing.T) {
	rows := makeRows(30) // groups 0,1,2 each with 10 rows
	cfg := sampling.Config{
		Method:          sampling.Stratified,
		SampleSize:      6,
		StratifyColumns: []string{"group"},
		Proportional:    false,
	}
	out, err := sampling.Sample(rows, cfg, nil)
	require.NoError(t, err)

	seenGroups := map[int64]bool{}
	for _, r := range out {
		seenGroups[r.Data["group"].(int64)] = true
	}
	assert.Len(t, seenGroups, 3)
}

func TestSample_SystematicSpreadsAcrossWholeRange(t *testing.T) {
	rows := makeRows(100)
	cfg := sampling.Config{Method: sampling.Systematic, SampleSize: 10}
	out, err := sampling.Sample(rows, cfg, nil)
	require.NoError(t, err)
	assert.Len(t, out, 10)
}

func TestSample_ClusterKeepsWholeGroupsTogether(t *testing.T) {
	rows := makeRows(30)
	cfg := sampling.Config{Method: sampling.Cluster, SampleSize: 5, ClusterColumn: "group"}
	out, err := sampling.Sample(rows, cfg, nil)
	require.NoError(t, err)

	countByGroup := map[int64]int{}
	for _, r := range out {
		countByGroup[r.Data["group"].(int64)]++
	}
	// every represented group must appear with its full count of 10
	for _, count := range countByGroup {
		assert.Equal(t, 10, count)
	}
}

func TestSample_UnknownMethodRejected(t *testing.T) {
	rows := makeRows(5)
	_, err := sampling.Sample(rows, sampling.Config{Method: "bogus", SampleSize: 1}, nil)
	assert.Error(t, err)
}
