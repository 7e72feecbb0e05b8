package pgstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"

	"tabularis.dev/core/internal/canon"
)

var rowstoreTracer = otel.Tracer("tabularis.dev/core/internal/pgstore.rowstore")

// RowStore is the content-addressed row store (L1): rows are keyed by the
// SHA-256 hash of their canonical JSON, never by dataset or commit, so an
// identical row shared across commits or datasets is stored once.
type RowStore struct {
	q Queryer
}

// Queryer is satisfied by both *pgxpool.Pool and a pgx.Tx, so every store
// in this package can run inside a Unit-of-Work transaction or standalone.
type Queryer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

func NewRowStore(q Queryer) *RowStore { return &RowStore{q: q} }

// AddRowsIfNotExist canonicalizes each row, computes its hash, and inserts
// any not already present. Returns the hashes in the same order as rows,
// satisfying P1 (identical canonical rows always produce the same hash).
func (s *RowStore) AddRowsIfNotExist(ctx context.Context, rows []canon.Row) ([]string, error) {
	ctx, span := rowstoreTracer.Start(ctx, "RowStore.AddRowsIfNotExist")
	defer span.End()

	hashes := make([]string, len(rows))
	batch := &pgx.Batch{}
	for i, row := range rows {
		hash, canonical, err := canon.HashRow(row)
		if err != nil {
			return nil, fmt.Errorf("canonicalize row %d: %w", i, err)
		}
		hashes[i] = hash
		batch.Queue(
			`insert into rows (row_hash, data) values ($1, $2) on conflict (row_hash) do nothing`,
			hash, json.RawMessage(canonical),
		)
	}

	br := s.q.SendBatch(ctx, batch)
	defer br.Close()

	for range rows {
		if _, err := br.Exec(); err != nil {
			return nil, fmt.Errorf("insert row: %w", err)
		}
	}
	return hashes, nil
}

// GetRowsByHash fetches the canonical data for a set of row hashes, keyed
// by hash. Missing hashes are simply absent from the result.
func (s *RowStore) GetRowsByHash(ctx context.Context, hashes []string) (map[string]canon.Row, error) {
	ctx, span := rowstoreTracer.Start(ctx, "RowStore.GetRowsByHash")
	defer span.End()

	if len(hashes) == 0 {
		return map[string]canon.Row{}, nil
	}

	rowsIter, err := s.q.Query(ctx, `select row_hash, data from rows where row_hash = any($1)`, hashes)
	if err != nil {
		return nil, fmt.Errorf("query rows: %w", err)
	}
	defer rowsIter.Close()

	out := make(map[string]canon.Row, len(hashes))
	for rowsIter.Next() {
		var hash string
		var data []byte
		if err := rowsIter.Scan(&hash, &data); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		var decoded canon.Row
		if err := json.Unmarshal(data, &decoded); err != nil {
			return nil, fmt.Errorf("decode row %s: %w", hash, err)
		}
		out[hash] = decoded
	}
	return out, rowsIter.Err()
}
