// Package profileworker implements the supplemented "exploration" job
// type (SPEC_FULL.md §4): compute per-column statistics for a table at a
// commit and persist them via CommitStore.PutStatistics, the Go-native
// equivalent of original_source/'s statistics/profiling endpoints that
// spec.md's distillation dropped.
package profileworker

import (
	"context"
	"encoding/json"
	"math"

	"tabularis.dev/core/internal/apperr"
	"tabularis.dev/core/internal/pgstore"
	"tabularis.dev/core/internal/uow"
)

// Params is the job's `parameters` payload.
type Params struct {
	CommitID string `json:"commit_id"`
	TableKey string `json:"table_key"`
}

// profileBatchSize bounds how many rows are pulled per GetTableData call, so
// a cancellation request can take effect between batches instead of only
// after the whole table has been scanned.
const profileBatchSize = 5000

type Worker struct {
	inner *uow.UnitOfWork
	jobs  *pgstore.JobStore
}

func New(inner *uow.UnitOfWork, jobs *pgstore.JobStore) *Worker { return &Worker{inner: inner, jobs: jobs} }

func (w *Worker) Handle(ctx context.Context, job *pgstore.Job) (map[string]any, error) {
	var p Params
	if err := json.Unmarshal(job.Parameters, &p); err != nil {
		return nil, apperr.Validationf("invalid exploration job parameters: %v", err)
	}

	var stats map[string]any
	err := w.inner.Run(ctx, func(ctx context.Context, s *uow.Stores) error {
		schema, err := s.Tables.GetTableSchema(ctx, p.CommitID, p.TableKey)
		if err != nil {
			return err
		}
		count, err := s.Tables.CountTableRows(ctx, p.CommitID, p.TableKey)
		if err != nil {
			return err
		}

		acc := newStatAccumulator(schema)
		for offset := 0; offset < count; offset += profileBatchSize {
			if cancelled, err := w.checkCancel(ctx, job.ID); err != nil {
				return err
			} else if cancelled {
				return apperr.BusinessRulef("job_cancelled", "exploration job cancelled at row offset %d", offset)
			}

			limit := profileBatchSize
			if remaining := count - offset; remaining < limit {
				limit = remaining
			}
			rows, err := s.Tables.GetTableData(ctx, p.CommitID, p.TableKey, offset, limit)
			if err != nil {
				return err
			}
			acc.accumulate(schema, rows)
		}

		stats = acc.finalize()
		return s.Commits.PutStatistics(ctx, p.CommitID, p.TableKey, stats)
	})
	if err != nil {
		return nil, err
	}

	return map[string]any{"statistics": stats}, nil
}

func (w *Worker) checkCancel(ctx context.Context, jobID string) (bool, error) {
	return w.jobs.IsCancellationRequested(ctx, jobID)
}

type columnStats struct {
	Count       int     `json:"count"`
	NullCount   int     `json:"null_count"`
	DistinctApx int      `json:"distinct_approx"`
	Min         any     `json:"min,omitempty"`
	Max         any     `json:"max,omitempty"`
	Mean        *float64 `json:"mean,omitempty"`
}

// statAccumulator holds running per-column statistics across batches so a
// cancelled job never has to re-scan rows it already summarized.
type statAccumulator struct {
	perColumn map[string]*columnStats
	seen      map[string]map[string]bool
}

func newStatAccumulator(schema *pgstore.TableSchema) *statAccumulator {
	acc := &statAccumulator{
		perColumn: map[string]*columnStats{},
		seen:      map[string]map[string]bool{},
	}
	for _, c := range schema.Columns {
		acc.perColumn[c.Name] = &columnStats{}
		acc.seen[c.Name] = map[string]bool{}
	}
	return acc
}

func (acc *statAccumulator) accumulate(schema *pgstore.TableSchema, rows []map[string]any) {
	for _, row := range rows {
		for _, c := range schema.Columns {
			cs := acc.perColumn[c.Name]
			v, present := row[c.Name]
			cs.Count++
			if !present || v == nil {
				cs.NullCount++
				continue
			}
			acc.seen[c.Name][toDistinctKey(v)] = true

			updateMinMax(cs, v)
			if f, ok := asFloat(v); ok {
				if cs.Mean == nil {
					zero := 0.0
					cs.Mean = &zero
				}
				*cs.Mean += f
			}
		}
	}
}

func (acc *statAccumulator) finalize() map[string]any {
	out := map[string]any{}
	for name, cs := range acc.perColumn {
		cs.DistinctApx = len(acc.seen[name])
		nonNull := cs.Count - cs.NullCount
		if cs.Mean != nil && nonNull > 0 {
			avg := *cs.Mean / float64(nonNull)
			cs.Mean = &avg
		}
		out[name] = cs
	}
	return out
}

func toDistinctKey(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func updateMinMax(cs *columnStats, v any) {
	f, isNum := asFloat(v)
	if isNum {
		if cs.Min == nil {
			cs.Min = v
			cs.Max = v
			return
		}
		if minF, ok := asFloat(cs.Min); ok && f < minF {
			cs.Min = v
		}
		if maxF, ok := asFloat(cs.Max); ok && f > maxF {
			cs.Max = v
		}
		return
	}
	s, isStr := v.(string)
	if !isStr {
		return
	}
	if cs.Min == nil {
		cs.Min = s
		cs.Max = s
		return
	}
	if minS, ok := cs.Min.(string); ok && s < minS {
		cs.Min = s
	}
	if maxS, ok := cs.Max.(string); ok && s > maxS {
		cs.Max = s
	}
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int64:
		return float64(t), true
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return 0, false
		}
		return t, true
	default:
		return 0, false
	}
}
