// Package sampling implements the four sampling methods of spec §4.5
// (H2): random (seedable reservoir sampling), stratified (proportional or
// fixed-per-stratum), systematic (every nth row), and cluster (whole
// groups by a column's distinct values). Each method operates over
// logical-row-id-tagged rows so a caller running several rounds can
// exclude rows already chosen in an earlier round (spec P9).
package sampling

import (
	"fmt"
	"math/rand"
	"sort"

	"tabularis.dev/core/internal/apperr"
	"tabularis.dev/core/internal/canon"
)

// Method is one of the four sampling strategies.
type Method string

const (
	Random      Method = "random"
	Stratified  Method = "stratified"
	Systematic  Method = "systematic"
	Cluster     Method = "cluster"
)

// Row pairs a logical row id with its data, the unit every sampler
// operates and reports on.
type Row struct {
	LogicalRowID string
	Data         canon.Row
}

// Config parameterizes a single sampling round.
type Config struct {
	Method          Method
	SampleSize      int
	Seed            *int64
	StratifyColumns []string
	Proportional    bool // stratified only: proportional-to-size vs fixed-per-stratum
	ClusterColumn   string
}

// Sample applies config to rows, excluding any whose LogicalRowID is in
// exclude (rows already chosen by an earlier round, spec P9).
func Sample(rows []Row, config Config, exclude map[string]bool) ([]Row, error) {
	candidates := rows
	if len(exclude) > 0 {
		candidates = make([]Row, 0, len(rows))
		for _, r := range rows {
			if !exclude[r.LogicalRowID] {
				candidates = append(candidates, r)
			}
		}
	}

	switch config.Method {
	case Random:
		return sampleRandom(candidates, config)
	case Stratified:
		return sampleStratified(candidates, config)
	case Systematic:
		return sampleSystematic(candidates, config)
	case Cluster:
		return sampleCluster(candidates, config)
	default:
		return nil, apperr.Validationf("unknown sampling method %q", config.Method)
	}
}

func rngFor(seed *int64) *rand.Rand {
	if seed != nil {
		return rand.New(rand.NewSource(*seed))
	}
	return rand.New(rand.NewSource(rand.Int63()))
}

// sampleRandom implements reservoir sampling (Algorithm R): a single pass,
// uniform probability, independent of total row count, and deterministic
// when a seed is supplied (spec §8 P6: "same seed, same result").
func sampleRandom(rows []Row, config Config) ([]Row, error) {
	if config.SampleSize <= 0 {
		return nil, apperr.Validationf("sample_size must be positive")
	}
	rng := rngFor(config.Seed)

	reservoir := make([]Row, 0, config.SampleSize)
	for i, r := range rows {
		if i < config.SampleSize {
			reservoir = append(reservoir, r)
			continue
		}
		j := rng.Intn(i + 1)
		if j < config.SampleSize {
			reservoir[j] = r
		}
	}
	return reservoir, nil
}

// sampleStratified splits rows into buckets keyed by StratifyColumns, then
// samples within each bucket either proportional to its size (when
// config.Proportional is set) or a fixed count per stratum (the default,
// Proportional false), so every stratum contributes at least one
// row when config.Proportional is false and SampleSize allows it.
func sampleStratified(rows []Row, config Config) ([]Row, error) {
	if len(config.StratifyColumns) == 0 {
		return nil, apperr.Validationf("stratified sampling requires at least one stratify column")
	}
	if config.SampleSize <= 0 {
		return nil, apperr.Validationf("sample_size must be positive")
	}

	strata := map[string][]Row{}
	var keys []string
	for _, r := range rows {
		k := strataKey(r.Data, config.StratifyColumns)
		if _, ok := strata[k]; !ok {
			keys = append(keys, k)
		}
		strata[k] = append(strata[k], r)
	}
	sort.Strings(keys)

	rng := rngFor(config.Seed)
	var out []Row

	if config.Proportional {
		total := len(rows)
		for _, k := range keys {
			bucket := strata[k]
			n := int(float64(len(bucket)) / float64(total) * float64(config.SampleSize))
			if n > len(bucket) {
				n = len(bucket)
			}
			out = append(out, shuffleTake(bucket, n, rng)...)
		}
	} else {
		perStratum := config.SampleSize / len(keys)
		if perStratum < 1 {
			perStratum = 1
		}
		for _, k := range keys {
			bucket := strata[k]
			n := perStratum
			if n > len(bucket) {
				n = len(bucket)
			}
			out = append(out, shuffleTake(bucket, n, rng)...)
		}
	}
	return out, nil
}

func strataKey(row canon.Row, cols []string) string {
	key := ""
	for i, c := range cols {
		if i > 0 {
			key += "\x1f"
		}
		if v, ok := row[c]; ok {
			key += toKeyString(v)
		}
	}
	return key
}

func toKeyString(v any) string {
	if v == nil {
		return "\x00null"
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func shuffleTake(rows []Row, n int, rng *rand.Rand) []Row {
	shuffled := make([]Row, len(rows))
	copy(shuffled, rows)
	rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
	if n > len(shuffled) {
		n = len(shuffled)
	}
	return shuffled[:n]
}

// sampleSystematic picks every nth row starting from a random offset in
// [0, n), where n = len(rows) / SampleSize, so the sample spans the whole
// table rather than clustering near the start.
func sampleSystematic(rows []Row, config Config) ([]Row, error) {
	if config.SampleSize <= 0 {
		return nil, apperr.Validationf("sample_size must be positive")
	}
	if len(rows) == 0 {
		return nil, nil
	}
	interval := len(rows) / config.SampleSize
	if interval < 1 {
		interval = 1
	}

	rng := rngFor(config.Seed)
	start := rng.Intn(interval)

	var out []Row
	for i := start; i < len(rows) && len(out) < config.SampleSize; i += interval {
		out = append(out, rows[i])
	}
	return out, nil
}

// sampleCluster groups rows by ClusterColumn's distinct values, then
// selects whole clusters until SampleSize is reached or exceeded, never
// splitting a cluster across included/excluded (spec §4.5 "cluster
// sampling preserves intra-cluster correlation").
func sampleCluster(rows []Row, config Config) ([]Row, error) {
	if config.ClusterColumn == "" {
		return nil, apperr.Validationf("cluster sampling requires a cluster column")
	}
	if config.SampleSize <= 0 {
		return nil, apperr.Validationf("sample_size must be positive")
	}

	clusters := map[string][]Row{}
	var keys []string
	for _, r := range rows {
		k := toKeyString(r.Data[config.ClusterColumn])
		if _, ok := clusters[k]; !ok {
			keys = append(keys, k)
		}
		clusters[k] = append(clusters[k], r)
	}

	rng := rngFor(config.Seed)
	rng.Shuffle(len(keys), func(i, j int) { keys[i], keys[j] = keys[j], keys[i] })

	var out []Row
	for _, k := range keys {
		if len(out) >= config.SampleSize {
			break
		}
		out = append(out, clusters[k]...)
	}
	return out, nil
}
