// Package importworker implements the import job body (spec §4.4, H1):
// parse an uploaded file, canonicalize and hash its rows, write a new
// commit on top of the target ref's current head, and advance the ref
// via CAS — all inside one inner Unit-of-Work so a mid-import failure
// never leaves a partially-written commit reachable from a ref.
package importworker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"

	"tabularis.dev/core/internal/apperr"
	"tabularis.dev/core/internal/canon"
	"tabularis.dev/core/internal/commitprep"
	"tabularis.dev/core/internal/ingest/parser"
	"tabularis.dev/core/internal/pgstore"
	"tabularis.dev/core/internal/uow"
)

func decodeParams(raw json.RawMessage, p *Params) error {
	if err := json.Unmarshal(raw, p); err != nil {
		return apperr.Validationf("invalid import job parameters: %v", err)
	}
	if p.RefName == "" || p.FilePath == "" || p.OriginalName == "" {
		return apperr.Validationf("import job parameters require ref_name, file_path, and original_filename")
	}
	return nil
}

// Params is the job's `parameters` payload (spec §4.4).
type Params struct {
	RefName       string `json:"ref_name"`
	FilePath      string `json:"file_path"`
	OriginalName  string `json:"original_filename"`
	CommitMessage string `json:"commit_message"`
}

// Worker runs import jobs against inner, an UnitOfWork distinct from the
// one the jobqueue pool used to acquire/finalize the job (spec §4.9's
// nested UoW pattern). maxUploadBytes enforces the process-wide upload
// ceiling (spec §6 MAX_UPLOAD_SIZE_BYTES) before any parsing begins.
type Worker struct {
	inner          *uow.UnitOfWork
	jobs           *pgstore.JobStore
	maxUploadBytes int64
}

func New(inner *uow.UnitOfWork, jobs *pgstore.JobStore, maxUploadBytes int64) *Worker {
	return &Worker{inner: inner, jobs: jobs, maxUploadBytes: maxUploadBytes}
}

// Handle parses job.Parameters into Params, runs the import, and cleans up
// the temp upload regardless of outcome.
func (w *Worker) Handle(ctx context.Context, job *pgstore.Job) (map[string]any, error) {
	var p Params
	if err := decodeParams(job.Parameters, &p); err != nil {
		return nil, err
	}
	defer os.Remove(p.FilePath)

	var uploadSize int64
	if info, err := os.Stat(p.FilePath); err == nil {
		uploadSize = info.Size()
		if w.maxUploadBytes > 0 && uploadSize > w.maxUploadBytes {
			return nil, apperr.ResourceExhaustedf("upload %s exceeds limit of %s",
				humanize.Bytes(uint64(uploadSize)), humanize.Bytes(uint64(w.maxUploadBytes)))
		}
	}

	prs, err := parser.ForFilename(p.OriginalName)
	if err != nil {
		return nil, err
	}

	tables, err := prs.Parse(p.FilePath, p.OriginalName)
	if err != nil {
		return nil, err
	}

	var resultCommitID string
	var rowsWritten int
	err = w.inner.Run(ctx, func(ctx context.Context, s *uow.Stores) error {
		ref, err := s.Refs.GetRef(ctx, job.DatasetID, p.RefName)
		if err != nil {
			return err
		}
		parentCommit, err := s.Commits.GetCommitByID(ctx, ref.CommitID)
		if err != nil {
			return err
		}

		merged, err := w.mergeIncomingWithParent(ctx, s, job.ID, parentCommit.ID, tables)
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
			message = fmt.Sprintf("import %s", p.OriginalName)
		}

		parentID := parentCommit.ID
		commit, err := s.Commits.CreateCommitAndManifest(ctx, job.DatasetID, &parentID, message, job.CreatedBy, prepared.CommitHash, prepared.Manifest, prepared.Schemas, prepared.RowCounts)
		if err != nil {
			return err
		}

		if err := s.Refs.UpdateRefAtomically(ctx, job.DatasetID, p.RefName, ref.CommitID, commit.ID); err != nil {
			return err
		}

		resultCommitID = commit.ID
		rowsWritten = len(prepared.AllRows)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"commit_id":    resultCommitID,
		"rows_written": rowsWritten,
		"tables":       tableKeys(tables),
		"upload_size":  humanize.Bytes(uint64(uploadSize)),
	}, nil
}

// mergeIncomingWithParent checks for a cooperative cancellation request
// before carrying each untouched parent table forward, so a multi-table
// import cancelled mid-merge doesn't keep pulling table after table.
func (w *Worker) mergeIncomingWithParent(ctx context.Context, s *uow.Stores, jobID, parentCommitID string, incoming map[string][]canon.Row) (commitprep.TableRows, error) {
	parentKeys, err := s.Tables.ListTableKeys(ctx, parentCommitID)
	if err != nil {
		return nil, err
	}
	merged := commitprep.TableRows{}
	for k, v := range incoming {
		merged[k] = v
	}
	for _, key := range parentKeys {
		if _, touched := incoming[key]; touched {
			continue
		}
		if cancelled, err := w.checkCancel(ctx, jobID); err != nil {
			return nil, err
		} else if cancelled {
			return nil, apperr.BusinessRulef("job_cancelled", "import job cancelled before merging table %s", key)
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

func (w *Worker) checkCancel(ctx context.Context, jobID string) (bool, error) {
	return w.jobs.IsCancellationRequested(ctx, jobID)
}

func tableKeys(tables map[string][]canon.Row) []string {
	keys := make([]string, 0, len(tables))
	for k := range tables {
		keys = append(keys, k)
	}
	return keys
}
