package parser_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tabularis.dev/core/internal/apperr"
	"tabularis.dev/core/internal/ingest/parser"
)

func TestForFilename_DispatchesByExtension(t *testing.T) {
	tests := []struct {
		filename string
		wantType any
		wantErr  bool
	}{
		{"data.csv", parser.CSVParser{}, false},
		{"data.xlsx", parser.ExcelParser{}, false},
		{"data.xlsm", parser.ExcelParser{}, false},
		{"data.parquet", parser.ParquetParser{}, false},
		{"data.txt", nil, true},
		{"DATA.CSV", parser.CSVParser{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.filename, func(t *testing.T) {
			got, err := parser.ForFilename(tt.filename)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.IsType(t, tt.wantType, got)
		})
	}
}

func TestCSVParser_ParsesRowsWithInferredScalars(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sample.csv")
	content := "name,age,active\nann,30,true\nbob,25,false\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	tables, err := parser.CSVParser{}.Parse(path, "sample.csv")
	require.NoError(t, err)

	rows, ok := tables["sample"]
	require.True(t, ok)
	require.Len(t, rows, 2)
	assert.Equal(t, "ann", rows[0]["name"])
	assert.Equal(t, int64(30), rows[0]["age"])
	assert.Equal(t, true, rows[0]["active"])
}

func TestCSVParser_EmptyFileProducesEmptyTable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.csv")
	require.NoError(t, os.WriteFile(path, []byte(""), 0o644))

	tables, err := parser.CSVParser{}.Parse(path, "empty.csv")
	require.NoError(t, err)
	assert.Empty(t, tables["empty"])
}

func TestCSVParser_MissingFileReturnsExternalServiceError(t *testing.T) {
	_, err := parser.CSVParser{}.Parse("/nonexistent/path.csv", "path.csv")
	assert.Error(t, err)
	appErr, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.ExternalServiceError, appErr.Kind)
}
