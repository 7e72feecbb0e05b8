// Package samplingworker implements the sampling job body (spec §4.5, H2):
// run one or more sampling rounds against a source commit's table,
// excluding rows already chosen by an earlier round, then write the
// sampled rows (and, optionally, the residual/unsampled rows) as a new
// commit on an output ref.
package samplingworker

import (
	"context"
	"encoding/json"
	"fmt"

	"tabularis.dev/core/internal/apperr"
	"tabularis.dev/core/internal/canon"
	"tabularis.dev/core/internal/commitprep"
	"tabularis.dev/core/internal/pgstore"
	"tabularis.dev/core/internal/sampling"
	"tabularis.dev/core/internal/uow"
)

// RoundParams is one round's sampling configuration.
type RoundParams struct {
	Method          sampling.Method `json:"method"`
	SampleSize      int             `json:"sample_size"`
	Seed            *int64          `json:"seed,omitempty"`
	StratifyColumns []string        `json:"stratify_columns,omitempty"`
	Proportional    bool            `json:"proportional,omitempty"`
	ClusterColumn   string          `json:"cluster_column,omitempty"`
}

// Params is the job's `parameters` payload.
type Params struct {
	SourceCommitID  string        `json:"source_commit_id"`
	TableKey        string        `json:"table_key"`
	Rounds          []RoundParams `json:"rounds"`
	OutputRefName   string        `json:"output_ref_name"`
	IncludeResidual bool          `json:"include_residual"`
	CommitMessage   string        `json:"commit_message"`
}

type Worker struct {
	inner *uow.UnitOfWork
	jobs  *pgstore.JobStore
}

func New(inner *uow.UnitOfWork, jobs *pgstore.JobStore) *Worker {
	return &Worker{inner: inner, jobs: jobs}
}

func (w *Worker) Handle(ctx context.Context, job *pgstore.Job) (map[string]any, error) {
	var p Params
	if err := json.Unmarshal(job.Parameters, &p); err != nil {
		return nil, apperr.Validationf("invalid sampling job parameters: %v", err)
	}
	if len(p.Rounds) == 0 {
		return nil, apperr.Validationf("sampling job requires at least one round")
	}

	var sampledCount, residualCount int
	var resultCommitID string

	err := w.inner.Run(ctx, func(ctx context.Context, s *uow.Stores) error {
		sourceCommit, err := s.Commits.GetCommitByID(ctx, p.SourceCommitID)
		if err != nil {
			return err
		}

		total, err := s.Tables.CountTableRows(ctx, p.SourceCommitID, p.TableKey)
		if err != nil {
			return err
		}
		allRows, err := s.Tables.GetTableData(ctx, p.SourceCommitID, p.TableKey, 0, total)
		if err != nil {
			return err
		}

		tagged := make([]sampling.Row, len(allRows))
		for i, r := range allRows {
			tagged[i] = sampling.Row{LogicalRowID: fmt.Sprintf("%s:%d", p.TableKey, i), Data: r}
		}

		chosen := map[string]bool{}
		var sampledRows []sampling.Row

		for roundIdx, rp := range p.Rounds {
			if cancelled, err := w.checkCancel(ctx, job.ID); err != nil {
				return err
			} else if cancelled {
				return apperr.BusinessRulef("job_cancelled", "sampling job cancelled before round %d", roundIdx+1)
			}

			cfg := sampling.Config{
				Method:          rp.Method,
				SampleSize:      rp.SampleSize,
				Seed:            rp.Seed,
				StratifyColumns: rp.StratifyColumns,
				Proportional:    rp.Proportional,
				ClusterColumn:   rp.ClusterColumn,
			}
			round, err := sampling.Sample(tagged, cfg, chosen)
			if err != nil {
				return fmt.Errorf("round %d: %w", roundIdx+1, err)
			}
			for _, r := range round {
				chosen[r.LogicalRowID] = true
			}
			sampledRows = append(sampledRows, round...)
		}

		outTables := commitprep.TableRows{
			p.TableKey: rowsData(sampledRows),
		}
		sampledCount = len(sampledRows)

		if p.IncludeResidual {
			residualTableKey := p.TableKey + "_residual"
			outTables[residualTableKey] = residualData(tagged, chosen)
			residualCount = len(outTables[residualTableKey])
		}

		prepared, err := commitprep.Prepare(outTables, sourceCommit.CommitHash)
		if err != nil {
			return err
		}
		if _, err := s.Rows.AddRowsIfNotExist(ctx, prepared.AllRows); err != nil {
			return err
		}

		message := p.CommitMessage
		if message == "" {
			message = fmt.Sprintf("sample %s (%d rows)", p.TableKey, sampledCount)
		}
		sourceID := sourceCommit.ID
		commit, err := s.Commits.CreateCommitAndManifest(ctx, sourceCommit.DatasetID, &sourceID, message, job.CreatedBy, prepared.CommitHash, prepared.Manifest, prepared.Schemas, prepared.RowCounts)
		if err != nil {
			return err
		}

		existingRef, err := s.Refs.GetRef(ctx, sourceCommit.DatasetID, p.OutputRefName)
		switch {
		case err == nil:
			if err := s.Refs.UpdateRefAtomically(ctx, sourceCommit.DatasetID, p.OutputRefName, existingRef.CommitID, commit.ID); err != nil {
				return err
			}
		case apperr.IsNotFound(err):
			if _, createErr := s.Refs.CreateRef(ctx, sourceCommit.DatasetID, p.OutputRefName, commit.ID, false); createErr != nil {
				return createErr
			}
		default:
			return err
		}

		resultCommitID = commit.ID
		return nil
	})
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"commit_id":     resultCommitID,
		"sampled_rows":  sampledCount,
		"residual_rows": residualCount,
		"rounds_run":    len(p.Rounds),
	}, nil
}

func (w *Worker) checkCancel(ctx context.Context, jobID string) (bool, error) {
	return w.jobs.IsCancellationRequested(ctx, jobID)
}

func rowsData(rows []sampling.Row) []canon.Row {
	out := make([]canon.Row, len(rows))
	for i, r := range rows {
		out[i] = r.Data
	}
	return out
}

func residualData(all []sampling.Row, chosen map[string]bool) []canon.Row {
	var out []canon.Row
	for _, r := range all {
		if !chosen[r.LogicalRowID] {
			out = append(out, r.Data)
		}
	}
	return out
}
