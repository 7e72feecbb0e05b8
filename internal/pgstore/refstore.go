package pgstore

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"tabularis.dev/core/internal/apperr"
)

var refstoreTracer = otel.Tracer("tabularis.dev/core/internal/pgstore.refstore")

// Ref is a mutable named pointer to a commit (spec §3, "refs").
type Ref struct {
	DatasetID    string
	Name         string
	CommitID     string
	IsProtected  bool
	UpdatedAt    time.Time
}

// RefStore is the ref store (L3). Every mutation is fast-forward-only and
// advances via compare-and-swap against the caller's expected head, never
// a blind write; merge/rebase/cherry-pick are explicit non-goals.
type RefStore struct {
	q Queryer
}

func NewRefStore(q Queryer) *RefStore { return &RefStore{q: q} }

func (s *RefStore) GetRef(ctx context.Context, datasetID, name string) (*Ref, error) {
	ctx, span := refstoreTracer.Start(ctx, "RefStore.GetRef")
	defer span.End()

	var r Ref
	err := s.q.QueryRow(ctx,
		`select dataset_id, name, commit_id, is_protected, updated_at from refs where dataset_id = $1 and name = $2`,
		datasetID, name,
	).Scan(&r.DatasetID, &r.Name, &r.CommitID, &r.IsProtected, &r.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, apperr.NotFoundf("ref %s not found on dataset %s", name, datasetID)
		}
		return nil, fmt.Errorf("query ref: %w", err)
	}
	return &r, nil
}

// CreateRef creates a new ref pointing at commitID. Fails with Conflict if
// the name already exists on this dataset.
func (s *RefStore) CreateRef(ctx context.Context, datasetID, name, commitID string, protected bool) (*Ref, error) {
	ctx, span := refstoreTracer.Start(ctx, "RefStore.CreateRef")
	defer span.End()

	var updatedAt time.Time
	err := s.q.QueryRow(ctx, `
		insert into refs (dataset_id, name, commit_id, is_protected)
		values ($1, $2, $3, $4)
		on conflict (dataset_id, name) do nothing
		returning updated_at
	`, datasetID, name, commitID, protected).Scan(&updatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, apperr.Conflictf("ref %s already exists on dataset %s", name, datasetID)
		}
		return nil, fmt.Errorf("insert ref: %w", err)
	}
	return &Ref{DatasetID: datasetID, Name: name, CommitID: commitID, IsProtected: protected, UpdatedAt: updatedAt}, nil
}

// UpdateRefAtomically advances name to newCommitID only if its current
// commit is exactly expectedCommitID (optimistic compare-and-swap). A
// caller that loses the race gets apperr.Conflict and must refetch and
// retry (spec §4.3, §8 P3/P4).
func (s *RefStore) UpdateRefAtomically(ctx context.Context, datasetID, name, expectedCommitID, newCommitID string) error {
	ctx, span := refstoreTracer.Start(ctx, "RefStore.UpdateRefAtomically")
	defer span.End()

	tag, err := s.q.Exec(ctx, `
		update refs set commit_id = $1, updated_at = now()
		where dataset_id = $2 and name = $3 and commit_id = $4
	`, newCommitID, datasetID, name, expectedCommitID)
	if err != nil {
		return fmt.Errorf("update ref: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Either the ref doesn't exist, or another writer already moved it.
		if _, err := s.GetRef(ctx, datasetID, name); err != nil {
			return err
		}
		return apperr.Conflictf("ref %s moved concurrently, expected head %s", name, expectedCommitID)
	}
	return nil
}

// DeleteRef removes a ref. Protected refs (the dataset's default branch)
// can never be deleted (spec §4.3 edge case).
func (s *RefStore) DeleteRef(ctx context.Context, datasetID, name string) error {
	ctx, span := refstoreTracer.Start(ctx, "RefStore.DeleteRef")
	defer span.End()

	ref, err := s.GetRef(ctx, datasetID, name)
	if err != nil {
		return err
	}
	if ref.IsProtected {
		return apperr.BusinessRulef("protected_ref", "ref %s is the dataset's default branch and cannot be deleted", name)
	}
	if _, err := s.q.Exec(ctx, `delete from refs where dataset_id = $1 and name = $2`, datasetID, name); err != nil {
		return fmt.Errorf("delete ref: %w", err)
	}
	return nil
}

func (s *RefStore) ListRefs(ctx context.Context, datasetID string) ([]Ref, error) {
	ctx, span := refstoreTracer.Start(ctx, "RefStore.ListRefs")
	defer span.End()

	rows, err := s.q.Query(ctx,
		`select dataset_id, name, commit_id, is_protected, updated_at from refs where dataset_id = $1 order by name`,
		datasetID,
	)
	if err != nil {
		return nil, fmt.Errorf("query refs: %w", err)
	}
	defer rows.Close()

	var out []Ref
	for rows.Next() {
		var r Ref
		if err := rows.Scan(&r.DatasetID, &r.Name, &r.CommitID, &r.IsProtected, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan ref: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
