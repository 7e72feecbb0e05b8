// Package sqltransformworker implements the SQL transform job body (spec
// §4.11, H3): materialize named source tables at specified commits,
// execute a validated read-only SQL statement against them, and write the
// result as a new commit, advancing the target ref with an optional
// expected-head guard so a caller can detect "the ref moved since I last
// looked"; the guard is checked after the statement runs and before the
// result commit is written.
package sqltransformworker

import (
	"context"
	"encoding/json"
	"fmt"

	"tabularis.dev/core/internal/apperr"
	"tabularis.dev/core/internal/canon"
	"tabularis.dev/core/internal/commitprep"
	"tabularis.dev/core/internal/pgstore"
	"tabularis.dev/core/internal/sqltransform"
	"tabularis.dev/core/internal/uow"
)

// SourceRef names one input relation: a (commit_id, table_key) pair bound
// to the name the SQL statement refers to it by.
type SourceRef struct {
	Name     string `json:"name"`
	CommitID string `json:"commit_id"`
	TableKey string `json:"table_key"`
}

// Params is the job's `parameters` payload.
type Params struct {
	SQL                string      `json:"sql"`
	Sources            []SourceRef `json:"sources"`
	OutputTableKey     string      `json:"output_table_key"`
	TargetDatasetID    string      `json:"target_dataset_id"`
	TargetRefName      string      `json:"target_ref_name"`
	ExpectedHeadCommit string      `json:"expected_head_commit_id,omitempty"`
	CommitMessage      string      `json:"commit_message"`
}

type Worker struct {
	inner *uow.UnitOfWork
	jobs  *pgstore.JobStore
}

func New(inner *uow.UnitOfWork, jobs *pgstore.JobStore) *Worker { return &Worker{inner: inner, jobs: jobs} }

func (w *Worker) Handle(ctx context.Context, job *pgstore.Job) (map[string]any, error) {
	var p Params
	if err := json.Unmarshal(job.Parameters, &p); err != nil {
		return nil, apperr.Validationf("invalid sql_transform job parameters: %v", err)
	}
	if _, err := sqltransform.ValidateReadOnlySelect(p.SQL); err != nil {
		return nil, err
	}

	var resultCommitID string
	var rowCount int

	err := w.inner.Run(ctx, func(ctx context.Context, s *uow.Stores) error {
		var sources []sqltransform.Source
		for _, sr := range p.Sources {
			if cancelled, err := w.checkCancel(ctx, job.ID); err != nil {
				return err
			} else if cancelled {
				return apperr.BusinessRulef("job_cancelled", "sql_transform job cancelled before materializing source %s", sr.Name)
			}

			schema, err := s.Tables.GetTableSchema(ctx, sr.CommitID, sr.TableKey)
			if err != nil {
				return fmt.Errorf("source %s: %w", sr.Name, err)
			}
			count, err := s.Tables.CountTableRows(ctx, sr.CommitID, sr.TableKey)
			if err != nil {
				return err
			}
			rows, err := s.Tables.GetTableData(ctx, sr.CommitID, sr.TableKey, 0, count)
			if err != nil {
				return err
			}
			sources = append(sources, sqltransform.Source{Name: sr.Name, Schema: *schema, Rows: rows})
		}

		resultRows, err := sqltransform.Execute(ctx, p.SQL, sources)
		if err != nil {
			return err
		}
		rowCount = len(resultRows)

		ref, err := s.Refs.GetRef(ctx, p.TargetDatasetID, p.TargetRefName)
		if err != nil {
			return err
		}
		if p.ExpectedHeadCommit != "" && ref.CommitID != p.ExpectedHeadCommit {
			return apperr.Conflictf("target ref %s has moved: expected head %s, found %s", p.TargetRefName, p.ExpectedHeadCommit, ref.CommitID)
		}

		parentCommit, err := s.Commits.GetCommitByID(ctx, ref.CommitID)
		if err != nil {
			return err
		}

		merged, err := mergeWithParent(ctx, s, parentCommit.ID, p.OutputTableKey, resultRows)
		if err != nil {
			return err
		}

		prepared, err := commitprep.Prepare(merged, parentCommit.CommitHash)
		if err != nil {
			return err
		}
		if _, err := s.Rows.AddRowsIfNotExist(ctx, prepared.AllRows); err != nil {
			return err
		}

		message := p.CommitMessage
		if message == "" {
			message = fmt.Sprintf("sql_transform into %s (%d rows)", p.OutputTableKey, rowCount)
		}
		parentID := parentCommit.ID
		commit, err := s.Commits.CreateCommitAndManifest(ctx, p.TargetDatasetID, &parentID, message, job.CreatedBy, prepared.CommitHash, prepared.Manifest, prepared.Schemas, prepared.RowCounts)
		if err != nil {
			return err
		}

		if err := s.Refs.UpdateRefAtomically(ctx, p.TargetDatasetID, p.TargetRefName, ref.CommitID, commit.ID); err != nil {
			return err
		}

		resultCommitID = commit.ID
		return nil
	})
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"commit_id": resultCommitID,
		"row_count": rowCount,
	}, nil
}

func (w *Worker) checkCancel(ctx context.Context, jobID string) (bool, error) {
	return w.jobs.IsCancellationRequested(ctx, jobID)
}

func mergeWithParent(ctx context.Context, s *uow.Stores, parentCommitID, outputTableKey string, resultRows []canon.Row) (commitprep.TableRows, error) {
	parentKeys, err := s.Tables.ListTableKeys(ctx, parentCommitID)
	if err != nil {
		return nil, err
	}
	merged := commitprep.TableRows{outputTableKey: resultRows}
	for _, key := range parentKeys {
		if key == outputTableKey {
			continue
		}
		count, err := s.Tables.CountTableRows(ctx, parentCommitID, key)
		if err != nil {
			return nil, err
		}
		rows, err := s.Tables.GetTableData(ctx, parentCommitID, key, 0, count)
		if err != nil {
			return nil, err
		}
		merged[key] = rows
	}
	return merged, nil
}
