package pgstore

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"

	"tabularis.dev/core/internal/apperr"
	"tabularis.dev/core/internal/canon"
)

var tablereaderTracer = otel.Tracer("tabularis.dev/core/internal/pgstore.tablereader")

// TableReader is the table-aware read surface (L4) layered over a commit's
// manifest. It segregates metadata, bulk data, and analytics reads so a
// caller that only needs a schema never pays for a row scan.
type TableReader struct {
	q Queryer
}

func NewTableReader(q Queryer) *TableReader { return &TableReader{q: q} }

func (r *TableReader) ListTableKeys(ctx context.Context, commitID string) ([]string, error) {
	ctx, span := tablereaderTracer.Start(ctx, "TableReader.ListTableKeys")
	defer span.End()

	rows, err := r.q.Query(ctx, `select table_key from commit_table_schemas where commit_id = $1 order by table_key`, commitID)
	if err != nil {
		return nil, fmt.Errorf("query table keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan table key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (r *TableReader) GetTableSchema(ctx context.Context, commitID, tableKey string) (*TableSchema, error) {
	return NewCommitStore(r.q).GetCommitSchema(ctx, commitID, tableKey)
}

func (r *TableReader) CountTableRows(ctx context.Context, commitID, tableKey string) (int, error) {
	return NewCommitStore(r.q).CountCommitRows(ctx, commitID, tableKey)
}

// GetTableData returns one page of rows for (commitID, tableKey) ordered
// by logical_row_id, decoded from the row store.
func (r *TableReader) GetTableData(ctx context.Context, commitID, tableKey string, offset, limit int) ([]canon.Row, error) {
	ctx, span := tablereaderTracer.Start(ctx, "TableReader.GetTableData")
	defer span.End()

	hashRows, err := r.q.Query(ctx, `
		select row_hash from commit_manifest_entries
		where commit_id = $1 and table_key = $2
		order by logical_row_id
		offset $3 limit $4
	`, commitID, tableKey, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("query manifest page: %w", err)
	}
	var hashes []string
	for hashRows.Next() {
		var h string
		if err := hashRows.Scan(&h); err != nil {
			hashRows.Close()
			return nil, fmt.Errorf("scan row hash: %w", err)
		}
		hashes = append(hashes, h)
	}
	hashRows.Close()
	if err := hashRows.Err(); err != nil {
		return nil, err
	}
	if len(hashes) == 0 {
		return nil, nil
	}

	byHash, err := NewRowStore(r.q).GetRowsByHash(ctx, hashes)
	if err != nil {
		return nil, err
	}
	out := make([]canon.Row, 0, len(hashes))
	for _, h := range hashes {
		row, ok := byHash[h]
		if !ok {
			return nil, apperr.Internalf(nil, "manifest references missing row hash %s", h)
		}
		out = append(out, row)
	}
	return out, nil
}

// StreamTableData invokes fn for each row in logical_row_id order, in
// batches of batchSize, so a caller (export, a worker's source materializer)
// never holds an entire table in memory.
func (r *TableReader) StreamTableData(ctx context.Context, commitID, tableKey string, batchSize int, fn func([]canon.Row) error) error {
	offset := 0
	for {
		batch, err := r.GetTableData(ctx, commitID, tableKey, offset, batchSize)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		if err := fn(batch); err != nil {
			return err
		}
		if len(batch) < batchSize {
			return nil
		}
		offset += batchSize
	}
}

// GetColumnSamples returns up to sampleSize distinct values observed for
// column across the table, used by the supplemented profiling job and by
// ad-hoc exploration (original_source/ get_column_samples).
func (r *TableReader) GetColumnSamples(ctx context.Context, commitID, tableKey, column string, sampleSize int) ([]any, error) {
	ctx, span := tablereaderTracer.Start(ctx, "TableReader.GetColumnSamples")
	defer span.End()

	rows, err := r.q.Query(ctx, `
		select distinct (rw.data -> $3)
		from commit_manifest_entries m
		join rows rw on rw.row_hash = m.row_hash
		where m.commit_id = $1 and m.table_key = $2
		limit $4
	`, commitID, tableKey, column, sampleSize)
	if err != nil {
		return nil, fmt.Errorf("query column samples: %w", err)
	}
	defer rows.Close()

	var out []any
	for rows.Next() {
		var v any
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan sample: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
