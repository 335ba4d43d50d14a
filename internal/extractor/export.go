package extractor

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dvloznov/bank-sync/internal/config"
	"github.com/dvloznov/bank-sync/internal/domain"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// ReadExportFile reads a downloaded export from disk.
func ReadExportFile(path string, layout config.Layout) ([]domain.RawRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening export: %w", err)
	}
	defer f.Close()
	return ReadExport(f, layout)
}

// ReadExport splits a CSV export into raw records. Rows keep their position
// and 1-based line number; blank rows are dropped. When the layout declares a
// header, the first row becomes every record's Header.
func ReadExport(r io.Reader, layout config.Layout) ([]domain.RawRecord, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading export: %w", err)
	}
	data = bytes.TrimPrefix(data, utf8BOM)

	cr := csv.NewReader(bytes.NewReader(data))
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.TrimLeadingSpace = true

	var (
		records []domain.RawRecord
		header  []string
	)
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parsing export: %w", err)
		}
		line, _ := cr.FieldPos(0)
		if blank(row) {
			continue
		}
		if layout.HasHeader && header == nil {
			header = trimAll(row)
			continue
		}
		records = append(records, domain.RawRecord{
			Values: row,
			Header: header,
			Line:   line,
		})
	}
	return records, nil
}

func blank(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

func trimAll(row []string) []string {
	out := make([]string, len(row))
	for i, v := range row {
		out[i] = strings.TrimSpace(v)
	}
	return out
}
