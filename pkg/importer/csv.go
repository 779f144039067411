package importer

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
)

// readCSV reads a header-based CSV export. header maps each column name
// through key before indexing. Malformed rows become warnings.
func readCSV(data []byte, key func(string) string, required string, row func(n int, get func(string) string)) ([]string, error) {
	// Strip UTF-8 BOM if present
	data = bytes.TrimPrefix(data, []byte{0xEF, 0xBB, 0xBF})

	reader := csv.NewReader(bytes.NewReader(data))
	reader.LazyQuotes = true // Handle malformed exports
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}
	colIndex := make(map[string]int, len(header))
	for i, col := range header {
		colIndex[key(col)] = i
	}
	if _, ok := colIndex[required]; !ok {
		return nil, fmt.Errorf("missing required column: %s", required)
	}

	var warnings []string
	rowNum := 1 // header is row 1
	for {
		rowNum++
		rec, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("row %d: failed to parse: %v", rowNum, err))
			continue
		}
		if len(rec) != len(header) {
			warnings = append(warnings, fmt.Sprintf("row %d: column count mismatch (expected %d, got %d)",
				rowNum, len(header), len(rec)))
			continue
		}
		row(rowNum, func(col string) string {
			if idx, ok := colIndex[col]; ok {
				return rec[idx]
			}
			return ""
		})
	}
	return warnings, nil
}
