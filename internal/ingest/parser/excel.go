package parser

import (
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"tabularis.dev/core/internal/canon"
)

// ExcelParser reads every sheet of an .xlsx/.xlsm workbook as its own
// table, keyed by the lowercased sheet name, giving the multi-sheet
// workbook exactly the {table_key -> rows} shape the store expects (spec
// §4.6 "a file may contain several logical tables").
type ExcelParser struct{}

func (ExcelParser) Parse(path, filename string) (map[string][]canon.Row, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, wrapReadErr("excel", filename, err)
	}
	defer f.Close()

	out := make(map[string][]canon.Row)
	for _, sheet := range f.GetSheetList() {
		cells, err := f.GetRows(sheet)
		if err != nil {
			return nil, wrapReadErr("excel", filename, err)
		}
		if len(cells) == 0 {
			out[strings.ToLower(sheet)] = nil
			continue
		}

		header := cells[0]
		var rows []canon.Row
		for _, record := range cells[1:] {
			row := make(canon.Row, len(header))
			for i, col := range header {
				if col == "" {
					continue
				}
				if i >= len(record) {
					row[col] = nil
					continue
				}
				row[col] = inferExcelScalar(record[i])
			}
			rows = append(rows, row)
		}
		out[strings.ToLower(sheet)] = rows
	}
	return out, nil
}

func inferExcelScalar(s string) any {
	if s == "" {
		return nil
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}
