package parser

import (
	"github.com/parquet-go/parquet-go"

	"tabularis.dev/core/internal/canon"
)

// ParquetParser reads a single table from a .parquet file. Parquet files
// carry one flat schema (no sheets), so unlike ExcelParser this always
// yields exactly one table keyed by the file's stem.
type ParquetParser struct{}

func (ParquetParser) Parse(path, filename string) (map[string][]canon.Row, error) {
	records, err := parquet.ReadFile[map[string]any](path)
	if err != nil {
		return nil, wrapReadErr("parquet", filename, err)
	}

	rows := make([]canon.Row, len(records))
	for i, rec := range records {
		rows[i] = canon.Row(rec)
	}
	return map[string][]canon.Row{defaultTableKey(filename): rows}, nil
}
