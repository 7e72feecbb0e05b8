package pgstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"tabularis.dev/core/internal/apperr"
	"tabularis.dev/core/internal/canon"
)

var commitstoreTracer = otel.Tracer("tabularis.dev/core/internal/pgstore.commitstore")

// commitCache read-through caches GetCommitByID lookups, keyed by commit
// id. Commits are content-addressed and never mutated after insert (spec
// §3), so unlike a typical cache there's nothing to invalidate — once a
// commit is cached it stays correct for the process lifetime. Mirrors the
// teacher's knotserver/git package-level ristretto commit cache, which
// caches an equally expensive, equally immutable lookup (a loaded git
// commit object) the same way.
var (
	commitCache   *ristretto.Cache
	commitCacheMu sync.RWMutex
)

func init() {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e6,
		MaxCost:     1 << 27,
		BufferItems: 64,
	})
	if err != nil {
		panic(fmt.Sprintf("init commit cache: %v", err))
	}
	commitCache = cache
}

// TableSchema describes one table's inferred column types (spec §4.1).
type TableSchema struct {
	Columns []ColumnSchema `json:"columns"`
}

type ColumnSchema struct {
	Name     string `json:"name"`
	DType    string `json:"dtype"`
	Nullable bool   `json:"nullable"`
}

// ManifestRow is one (table_key, logical_row_id, row_hash) entry to persist
// alongside a new commit.
type ManifestRow struct {
	TableKey     string
	LogicalRowID string
	RowHash      string
}

// Commit is a single content-addressed snapshot (spec §3).
type Commit struct {
	ID             string
	DatasetID      string
	ParentCommitID *string
	Message        string
	AuthorID       string
	CreatedAt      time.Time
	CommitHash     string
}

// CommitStore is the commit/manifest store (L2).
type CommitStore struct {
	q Queryer
}

func NewCommitStore(q Queryer) *CommitStore { return &CommitStore{q: q} }

// CreateCommitAndManifest inserts a commit row, then its manifest entries
// (as one statement batch), then its per-table schemas. The commit hash
// must already be computed by the caller (internal/commitprep) over the
// canonical manifest; it is stored as commit_hash, while the commit's id is
// a database-generated UUID.
func (s *CommitStore) CreateCommitAndManifest(
	ctx context.Context,
	datasetID string,
	parentCommitID *string,
	message, authorID, commitHash string,
	manifest []ManifestRow,
	schemas map[string]TableSchema,
	rowCounts map[string]int,
) (*Commit, error) {
	ctx, span := commitstoreTracer.Start(ctx, "CommitStore.CreateCommitAndManifest")
	defer span.End()

	var commitID string
	var createdAt time.Time
	err := s.q.QueryRow(ctx,
		`insert into commits (dataset_id, parent_commit_id, message, author_id, commit_hash)
		 values ($1, $2, $3, $4, $5)
		 returning id, created_at`,
		datasetID, parentCommitID, message, authorID, commitHash,
	).Scan(&commitID, &createdAt)
	if err != nil {
		return nil, fmt.Errorf("insert commit: %w", err)
	}

	if len(manifest) > 0 {
		batch := &pgx.Batch{}
		for _, m := range manifest {
			batch.Queue(
				`insert into commit_manifest_entries (commit_id, table_key, logical_row_id, row_hash)
				 values ($1, $2, $3, $4)`,
				commitID, m.TableKey, m.LogicalRowID, m.RowHash,
			)
		}
		br := s.q.SendBatch(ctx, batch)
		for range manifest {
			if _, err := br.Exec(); err != nil {
				br.Close()
				return nil, fmt.Errorf("insert manifest entry: %w", err)
			}
		}
		if err := br.Close(); err != nil {
			return nil, fmt.Errorf("close manifest batch: %w", err)
		}
	}

	for tableKey, schema := range schemas {
		schemaJSON, err := json.Marshal(schema)
		if err != nil {
			return nil, fmt.Errorf("marshal schema for %s: %w", tableKey, err)
		}
		if _, err := s.q.Exec(ctx,
			`insert into commit_table_schemas (commit_id, table_key, schema, row_count)
			 values ($1, $2, $3, $4)`,
			commitID, tableKey, schemaJSON, rowCounts[tableKey],
		); err != nil {
			return nil, fmt.Errorf("insert schema for %s: %w", tableKey, err)
		}
	}

	return &Commit{
		ID:             commitID,
		DatasetID:      datasetID,
		ParentCommitID: parentCommitID,
		Message:        message,
		AuthorID:       authorID,
		CreatedAt:      createdAt,
		CommitHash:     commitHash,
	}, nil
}

func (s *CommitStore) GetCommitByID(ctx context.Context, commitID string) (*Commit, error) {
	ctx, span := commitstoreTracer.Start(ctx, "CommitStore.GetCommitByID")
	defer span.End()

	commitCacheMu.RLock()
	if cached, found := commitCache.Get(commitID); found {
		commitCacheMu.RUnlock()
		return cached.(*Commit), nil
	}
	commitCacheMu.RUnlock()

	var c Commit
	err := s.q.QueryRow(ctx,
		`select id, dataset_id, parent_commit_id, message, author_id, created_at, commit_hash
		 from commits where id = $1`,
		commitID,
	).Scan(&c.ID, &c.DatasetID, &c.ParentCommitID, &c.Message, &c.AuthorID, &c.CreatedAt, &c.CommitHash)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, apperr.NotFoundf("commit %s not found", commitID)
		}
		return nil, fmt.Errorf("query commit: %w", err)
	}

	commitCacheMu.Lock()
	commitCache.Set(commitID, &c, 1)
	commitCacheMu.Unlock()

	return &c, nil
}

// GetCommitHistory walks parent_commit_id back from startCommitID, newest
// first, bounded by limit (spec §4.2 "history walks the parent chain").
func (s *CommitStore) GetCommitHistory(ctx context.Context, startCommitID string, limit int) ([]Commit, error) {
	ctx, span := commitstoreTracer.Start(ctx, "CommitStore.GetCommitHistory")
	defer span.End()

	rows, err := s.q.Query(ctx, `
		with recursive history as (
			select id, dataset_id, parent_commit_id, message, author_id, created_at, commit_hash, 0 as depth
			from commits where id = $1
			union all
			select c.id, c.dataset_id, c.parent_commit_id, c.message, c.author_id, c.created_at, c.commit_hash, h.depth + 1
			from commits c
			join history h on c.id = h.parent_commit_id
		)
		select id, dataset_id, parent_commit_id, message, author_id, created_at, commit_hash
		from history order by depth asc limit $2
	`, startCommitID, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []Commit
	for rows.Next() {
		var c Commit
		if err := rows.Scan(&c.ID, &c.DatasetID, &c.ParentCommitID, &c.Message, &c.AuthorID, &c.CreatedAt, &c.CommitHash); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *CommitStore) CountCommitsForDataset(ctx context.Context, datasetID string) (int, error) {
	var n int
	err := s.q.QueryRow(ctx, `select count(*) from commits where dataset_id = $1`, datasetID).Scan(&n)
	return n, err
}

func (s *CommitStore) CountCommitRows(ctx context.Context, commitID, tableKey string) (int, error) {
	var n int
	err := s.q.QueryRow(ctx,
		`select coalesce(row_count, 0) from commit_table_schemas where commit_id = $1 and table_key = $2`,
		commitID, tableKey,
	).Scan(&n)
	if err == pgx.ErrNoRows {
		return 0, nil
	}
	return n, err
}

func (s *CommitStore) GetCommitSchema(ctx context.Context, commitID, tableKey string) (*TableSchema, error) {
	var raw []byte
	err := s.q.QueryRow(ctx,
		`select schema from commit_table_schemas where commit_id = $1 and table_key = $2`,
		commitID, tableKey,
	).Scan(&raw)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, apperr.NotFoundf("table %s not found in commit %s", tableKey, commitID)
		}
		return nil, fmt.Errorf("query schema: %w", err)
	}
	var schema TableSchema
	if err := json.Unmarshal(raw, &schema); err != nil {
		return nil, fmt.Errorf("decode schema: %w", err)
	}
	return &schema, nil
}

// PutStatistics and GetStatistics back the supplemented "exploration" job
// type (profiling/statistics, see SPEC_FULL.md §4).
func (s *CommitStore) PutStatistics(ctx context.Context, commitID, tableKey string, stats map[string]any) error {
	raw, err := json.Marshal(canon.Canonicalize(stats))
	if err != nil {
		return fmt.Errorf("marshal statistics: %w", err)
	}
	_, err = s.q.Exec(ctx, `
		insert into commit_statistics (commit_id, table_key, statistics)
		values ($1, $2, $3)
		on conflict (commit_id, table_key) do update set statistics = excluded.statistics, computed_at = now()
	`, commitID, tableKey, raw)
	return err
}

func (s *CommitStore) GetStatistics(ctx context.Context, commitID, tableKey string) (map[string]any, error) {
	var raw []byte
	err := s.q.QueryRow(ctx,
		`select statistics from commit_statistics where commit_id = $1 and table_key = $2`,
		commitID, tableKey,
	).Scan(&raw)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, apperr.NotFoundf("no statistics computed for table %s in commit %s", tableKey, commitID)
		}
		return nil, fmt.Errorf("query statistics: %w", err)
	}
	var stats map[string]any
	if err := json.Unmarshal(raw, &stats); err != nil {
		return nil, fmt.Errorf("decode statistics: %w", err)
	}
	return stats, nil
}
