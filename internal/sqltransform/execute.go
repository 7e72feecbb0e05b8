package sqltransform

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"tabularis.dev/core/internal/apperr"
	"tabularis.dev/core/internal/canon"
	"tabularis.dev/core/internal/pgstore"
)

// Source is one named relation the transform's FROM/JOIN clauses can
// reference, materialized before the statement runs.
type Source struct {
	Name   string
	Schema pgstore.TableSchema
	Rows   []canon.Row
}

// Execute validates sql, materializes sources into a fresh in-memory
// modernc.org/sqlite database, runs the statement, and decodes the result
// rows back into canon.Row values keyed by the result's column names.
func Execute(ctx context.Context, sql_ string, sources []Source) ([]canon.Row, error) {
	if _, err := ValidateReadOnlySelect(sql_); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, apperr.Internalf(err, "open in-memory execution database")
	}
	defer db.Close()

	for _, src := range sources {
		if err := materialize(ctx, db, src); err != nil {
			return nil, fmt.Errorf("materialize source %s: %w", src.Name, err)
		}
	}

	rows, err := db.QueryContext(ctx, sql_)
	if err != nil {
		return nil, apperr.ExternalServicef(err, "execute transform query")
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, apperr.Internalf(err, "read result columns")
	}

	var out []canon.Row
	for rows.Next() {
		scanDest := make([]any, len(cols))
		scanPtrs := make([]any, len(cols))
		for i := range scanDest {
			scanPtrs[i] = &scanDest[i]
		}
		if err := rows.Scan(scanPtrs...); err != nil {
			return nil, apperr.Internalf(err, "scan result row")
		}
		row := make(canon.Row, len(cols))
		for i, col := range cols {
			row[col] = scanDest[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func materialize(ctx context.Context, db *sql.DB, src Source) error {
	ddl := "create table " + quoteIdent(src.Name) + " (" + columnDDL(src.Schema) + ")"
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create table: %w", err)
	}

	if len(src.Rows) == 0 {
		return nil
	}

	colNames := make([]string, len(src.Schema.Columns))
	placeholders := make([]string, len(src.Schema.Columns))
	for i, c := range src.Schema.Columns {
		colNames[i] = quoteIdent(c.Name)
		placeholders[i] = "?"
	}
	insertSQL := fmt.Sprintf("insert into %s (%s) values (%s)",
		quoteIdent(src.Name), strings.Join(colNames, ", "), strings.Join(placeholders, ", "))

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, insertSQL)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, row := range src.Rows {
		args := make([]any, len(src.Schema.Columns))
		for i, c := range src.Schema.Columns {
			args[i] = row[c.Name]
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert row: %w", err)
		}
	}
	return tx.Commit()
}

func columnDDL(schema pgstore.TableSchema) string {
	parts := make([]string, len(schema.Columns))
	for i, c := range schema.Columns {
		parts[i] = quoteIdent(c.Name) + " " + sqliteType(c.DType)
	}
	return strings.Join(parts, ", ")
}

func sqliteType(dtype string) string {
	switch dtype {
	case "integer":
		return "integer"
	case "float":
		return "real"
	case "boolean":
		return "integer"
	default:
		return "text"
	}
}

func quoteIdent(name string) string {
	return `"` + name + `"`
}
