package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"

	"tabularis.dev/core/internal/apperr"
)

var datasetstoreTracer = otel.Tracer("tabularis.dev/core/internal/pgstore.datasetstore")

type Dataset struct {
	ID            string
	Name          string
	Description   string
	DefaultBranch string
	CreatedBy     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	Tags          []string
}

type PermissionLevel string

const (
	PermissionRead  PermissionLevel = "read"
	PermissionWrite PermissionLevel = "write"
	PermissionAdmin PermissionLevel = "admin"
)

type PermissionGrant struct {
	DatasetID string
	UserID    string
	Level     PermissionLevel
	GrantedBy string
	GrantedAt time.Time
}

// DatasetStore holds dataset metadata, tags, and the permission grants
// internal/permit enforces against.
type DatasetStore struct {
	q Queryer
}

func NewDatasetStore(q Queryer) *DatasetStore { return &DatasetStore{q: q} }

func (s *DatasetStore) CreateDataset(ctx context.Context, name, description, defaultBranch, createdBy string) (*Dataset, error) {
	ctx, span := datasetstoreTracer.Start(ctx, "DatasetStore.CreateDataset")
	defer span.End()

	var d Dataset
	err := s.q.QueryRow(ctx, `
		insert into datasets (name, description, default_branch, created_by)
		values ($1, $2, $3, $4)
		returning id, created_at, updated_at
	`, name, description, defaultBranch, createdBy).Scan(&d.ID, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, apperr.Conflictf("dataset named %q already exists", name)
		}
		return nil, fmt.Errorf("insert dataset: %w", err)
	}
	d.Name = name
	d.Description = description
	d.DefaultBranch = defaultBranch
	d.CreatedBy = createdBy
	return &d, nil
}

func (s *DatasetStore) GetDataset(ctx context.Context, datasetID string) (*Dataset, error) {
	ctx, span := datasetstoreTracer.Start(ctx, "DatasetStore.GetDataset")
	defer span.End()

	var d Dataset
	err := s.q.QueryRow(ctx, `
		select id, name, description, default_branch, created_by, created_at, updated_at
		from datasets where id = $1
	`, datasetID).Scan(&d.ID, &d.Name, &d.Description, &d.DefaultBranch, &d.CreatedBy, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, apperr.NotFoundf("dataset %s not found", datasetID)
		}
		return nil, fmt.Errorf("query dataset: %w", err)
	}
	d.Tags, err = s.ListTags(ctx, datasetID)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// UpdateDataset renames/redescribes a dataset (a supplemented feature, see
// SPEC_FULL.md §4; the original's dataset update endpoint).
func (s *DatasetStore) UpdateDataset(ctx context.Context, datasetID string, name, description *string) error {
	ctx, span := datasetstoreTracer.Start(ctx, "DatasetStore.UpdateDataset")
	defer span.End()

	tag, err := s.q.Exec(ctx, `
		update datasets set
			name = coalesce($2, name),
			description = coalesce($3, description),
			updated_at = now()
		where id = $1
	`, datasetID, name, description)
	if err != nil {
		if isUniqueViolation(err) {
			return apperr.Conflictf("dataset named %q already exists", derefStr(name))
		}
		return fmt.Errorf("update dataset: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFoundf("dataset %s not found", datasetID)
	}
	return nil
}

func (s *DatasetStore) SetTags(ctx context.Context, datasetID string, tags []string) error {
	ctx, span := datasetstoreTracer.Start(ctx, "DatasetStore.SetTags")
	defer span.End()

	if _, err := s.q.Exec(ctx, `delete from dataset_tags where dataset_id = $1`, datasetID); err != nil {
		return fmt.Errorf("clear tags: %w", err)
	}
	for _, t := range tags {
		if _, err := s.q.Exec(ctx, `insert into dataset_tags (dataset_id, tag) values ($1, $2) on conflict do nothing`, datasetID, t); err != nil {
			return fmt.Errorf("insert tag %s: %w", t, err)
		}
	}
	return nil
}

func (s *DatasetStore) ListTags(ctx context.Context, datasetID string) ([]string, error) {
	rows, err := s.q.Query(ctx, `select tag from dataset_tags where dataset_id = $1 order by tag`, datasetID)
	if err != nil {
		return nil, fmt.Errorf("query tags: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("scan tag: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// GrantPermission upserts a user's permission level on a dataset; used at
// dataset-creation time (creator gets admin) and via explicit grants.
func (s *DatasetStore) GrantPermission(ctx context.Context, datasetID, userID string, level PermissionLevel, grantedBy string) error {
	ctx, span := datasetstoreTracer.Start(ctx, "DatasetStore.GrantPermission")
	defer span.End()

	_, err := s.q.Exec(ctx, `
		insert into permissions (dataset_id, user_id, level, granted_by)
		values ($1, $2, $3, $4)
		on conflict (dataset_id, user_id) do update set level = excluded.level, granted_by = excluded.granted_by, granted_at = now()
	`, datasetID, userID, level, grantedBy)
	if err != nil {
		return fmt.Errorf("grant permission: %w", err)
	}
	return nil
}

func (s *DatasetStore) GetPermission(ctx context.Context, datasetID, userID string) (*PermissionGrant, error) {
	var g PermissionGrant
	err := s.q.QueryRow(ctx, `
		select dataset_id, user_id, level, granted_by, granted_at from permissions where dataset_id = $1 and user_id = $2
	`, datasetID, userID).Scan(&g.DatasetID, &g.UserID, &g.Level, &g.GrantedBy, &g.GrantedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, apperr.NotFoundf("no permission grant for user %s on dataset %s", userID, datasetID)
		}
		return nil, fmt.Errorf("query permission: %w", err)
	}
	return &g, nil
}

func (s *DatasetStore) ListPermissions(ctx context.Context, datasetID string) ([]PermissionGrant, error) {
	rows, err := s.q.Query(ctx, `
		select dataset_id, user_id, level, granted_by, granted_at from permissions where dataset_id = $1 order by user_id
	`, datasetID)
	if err != nil {
		return nil, fmt.Errorf("query permissions: %w", err)
	}
	defer rows.Close()

	var out []PermissionGrant
	for rows.Next() {
		var g PermissionGrant
		if err := rows.Scan(&g.DatasetID, &g.UserID, &g.Level, &g.GrantedBy, &g.GrantedAt); err != nil {
			return nil, fmt.Errorf("scan permission: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func derefStr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
