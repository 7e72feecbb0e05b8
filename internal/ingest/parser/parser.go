// Package parser implements the table-aware file reader abstraction (spec
// §4.6): one capability interface, one implementation per format, selected
// by file extension. A multi-sheet Excel workbook or a multi-row-group
// Parquet file both come back as {table_key -> rows}, the same shape a
// single-table CSV produces with one synthetic table_key.
package parser

import (
	"path/filepath"
	"strings"

	"tabularis.dev/core/internal/apperr"
	"tabularis.dev/core/internal/canon"
)

// Parser extracts one or more named tables from an uploaded file.
type Parser interface {
	// Parse reads path (whose original name was filename, used only for
	// table-key derivation) and returns rows grouped by table key.
	Parse(path, filename string) (map[string][]canon.Row, error)
}

// ForFilename selects a Parser by file extension (spec §4.6 "format is
// inferred from the upload's extension, not sniffed from content").
func ForFilename(filename string) (Parser, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	switch ext {
	case ".csv":
		return CSVParser{}, nil
	case ".xlsx", ".xlsm":
		return ExcelParser{}, nil
	case ".parquet":
		return ParquetParser{}, nil
	default:
		return nil, apperr.Validationf("unsupported file extension %q", ext)
	}
}

// defaultTableKey derives a table_key for single-table formats from the
// filename stem, lowercased, matching the multi-sheet naming scheme Excel
// uses ("sheet name as table key").
func defaultTableKey(filename string) string {
	base := filepath.Base(filename)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	if stem == "" {
		return "table"
	}
	return strings.ToLower(stem)
}

func wrapReadErr(format, filename string, err error) error {
	return apperr.ExternalServicef(err, "failed to parse %s file %s", format, filename)
}
