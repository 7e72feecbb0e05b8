package parser

import (
	"encoding/csv"
	"io"
	"os"
	"strconv"

	"tabularis.dev/core/internal/canon"
)

// CSVParser reads a single table from a CSV file using the standard
// library's encoding/csv; the retrieval pack carries no third-party CSV
// library, so this is the one store/ingest concern built on stdlib (see
// DESIGN.md).
type CSVParser struct{}

func (CSVParser) Parse(path, filename string) (map[string][]canon.Row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, wrapReadErr("csv", filename, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err != nil {
		if err == io.EOF {
			return map[string][]canon.Row{defaultTableKey(filename): {}}, nil
		}
		return nil, wrapReadErr("csv", filename, err)
	}

	var rows []canon.Row
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, wrapReadErr("csv", filename, err)
		}
		row := make(canon.Row, len(header))
		for i, col := range header {
			if i >= len(record) {
				row[col] = nil
				continue
			}
			row[col] = inferScalar(record[i])
		}
		rows = append(rows, row)
	}

	return map[string][]canon.Row{defaultTableKey(filename): rows}, nil
}

// inferScalar promotes a raw CSV cell to int64/float64/bool/nil where it
// unambiguously parses as one, otherwise leaves it as string. CSV carries
// no type information, so this is a best-effort inference the commit
// preparer's schema step reconciles across all rows.
func inferScalar(s string) any {
	if s == "" {
		return nil
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return s
}
