// Package commitprep builds the manifest, per-table schema, and commit
// hash for a batch of incoming rows (spec §4.1, M2): the one place that
// decides what a table's rows canonicalize to and what the resulting
// commit is content-addressed as.
package commitprep

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"tabularis.dev/core/internal/canon"
	"tabularis.dev/core/internal/pgstore"
)

// TableRows is one table's rows, keyed by table_key (spec §2 "table-aware":
// a single import can carry multiple sheets/tables).
type TableRows map[string][]canon.Row

// Prepared is everything CommitStore.CreateCommitAndManifest needs, plus
// the row hashes RowStore.AddRowsIfNotExist should persist first.
type Prepared struct {
	CommitHash string
	Manifest   []pgstore.ManifestRow
	Schemas    map[string]pgstore.TableSchema
	RowCounts  map[string]int
	AllRows    []canon.Row
}

// Prepare canonicalizes every row, assigns logical row ids of the form
// "{table_key}:{i}" (spec §3), infers a schema per table, and computes the
// resulting commit hash over the sorted manifest plus parent hash.
func Prepare(tables TableRows, parentCommitHash string) (*Prepared, error) {
	schemas := make(map[string]pgstore.TableSchema, len(tables))
	rowCounts := make(map[string]int, len(tables))
	var manifest []pgstore.ManifestRow
	var allRows []canon.Row

	tableKeys := make([]string, 0, len(tables))
	for k := range tables {
		tableKeys = append(tableKeys, k)
	}
	sort.Strings(tableKeys)

	for _, tableKey := range tableKeys {
		rows := tables[tableKey]
		schema := inferSchema(rows)
		schemas[tableKey] = schema
		rowCounts[tableKey] = len(rows)

		for i, row := range rows {
			hash, _, err := canon.HashRow(row)
			if err != nil {
				return nil, fmt.Errorf("hash row %d of table %s: %w", i, tableKey, err)
			}
			logicalID := fmt.Sprintf("%s:%d", tableKey, i)
			manifest = append(manifest, pgstore.ManifestRow{
				TableKey:     tableKey,
				LogicalRowID: logicalID,
				RowHash:      hash,
			})
			allRows = append(allRows, row)
		}
	}

	commitHash, err := computeCommitHash(manifest, parentCommitHash)
	if err != nil {
		return nil, err
	}

	return &Prepared{
		CommitHash: commitHash,
		Manifest:   manifest,
		Schemas:    schemas,
		RowCounts:  rowCounts,
		AllRows:    allRows,
	}, nil
}

// computeCommitHash hashes the sorted (table_key, logical_row_id, row_hash)
// triples together with the parent commit hash, so two commits with
// identical content but different parents never collide (spec §3).
func computeCommitHash(manifest []pgstore.ManifestRow, parentCommitHash string) (string, error) {
	sorted := make([]pgstore.ManifestRow, len(manifest))
	copy(sorted, manifest)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].TableKey != sorted[j].TableKey {
			return sorted[i].TableKey < sorted[j].TableKey
		}
		return sorted[i].LogicalRowID < sorted[j].LogicalRowID
	})

	type entry struct {
		TableKey     string `json:"table_key"`
		LogicalRowID string `json:"logical_row_id"`
		RowHash      string `json:"row_hash"`
	}
	payload := struct {
		Parent   string  `json:"parent"`
		Manifest []entry `json:"manifest"`
	}{Parent: parentCommitHash}

	for _, m := range sorted {
		payload.Manifest = append(payload.Manifest, entry{m.TableKey, m.LogicalRowID, m.RowHash})
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal commit payload: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// inferSchema derives a column list with dtype and nullability by scanning
// every row, widening on conflict: any row with a null for a column marks
// it nullable, and a column with mixed scalar types widens to "string",
// except integer mixed with float, which widens to "float".
func inferSchema(rows []canon.Row) pgstore.TableSchema {
	order := []string{}
	seen := map[string]bool{}
	dtype := map[string]string{}
	nullable := map[string]bool{}

	for _, row := range rows {
		for _, col := range order {
			if _, present := row[col]; !present {
				nullable[col] = true
			}
		}
		for col, val := range row {
			if !seen[col] {
				seen[col] = true
				order = append(order, col)
				dtype[col] = dtypeOf(val)
			} else if val == nil {
				nullable[col] = true
			} else if got := dtypeOf(val); got != "null" && got != dtype[col] {
				dtype[col] = widenDType(dtype[col], got)
			}
			if val == nil {
				nullable[col] = true
			}
		}
	}

	sort.Strings(order)
	cols := make([]pgstore.ColumnSchema, 0, len(order))
	for _, col := range order {
		cols = append(cols, pgstore.ColumnSchema{
			Name:     col,
			DType:    dtype[col],
			Nullable: nullable[col],
		})
	}
	return pgstore.TableSchema{Columns: cols}
}

func dtypeOf(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case int64, int:
		return "integer"
	case float64:
		return "float"
	case string:
		return "string"
	default:
		return "string"
	}
}

func widenDType(a, b string) string {
	if a == b {
		return a
	}
	if (a == "integer" && b == "float") || (a == "float" && b == "integer") {
		return "float"
	}
	return "string"
}
