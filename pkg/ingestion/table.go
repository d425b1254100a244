package ingestion

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"
)

// Table is one sheet of an extract with normalised headers.
type Table struct {
	Headers []string
	Rows    []Row
}

// Row is one data row; Number is its 1-based line in the sheet, counting the
// header as line 1.
type Row struct {
	Number int
	Values map[string]string
}

// Get returns the trimmed value of col, or "" when the column is absent.
func (r Row) Get(col string) string {
	return strings.TrimSpace(r.Values[col])
}

// NormalizeHeader trims, lowercases and replaces spaces with underscores.
func NormalizeHeader(h string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(h)), " ", "_")
}

// ReadTable reads the first sheet of an .xlsx workbook or a .csv file,
// chosen by the filename extension. Entirely blank rows are skipped.
func ReadTable(r io.Reader, filename string) (*Table, error) {
	var (
		records [][]string
		err     error
	)
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".csv":
		records, err = readCSV(r)
	case ".xlsx", ".xlsm":
		records, err = readWorkbook(r)
	default:
		return nil, ValidationError{reason: fmt.Errorf("%w: unsupported extension %q", ErrUnreadableFile, filepath.Ext(filename))}
	}
	if err != nil {
		return nil, ValidationError{reason: fmt.Errorf("%w: %v", ErrUnreadableFile, err)}
	}
	if len(records) == 0 {
		return nil, ValidationError{reason: fmt.Errorf("%w: no header row", ErrUnreadableFile)}
	}

	table := &Table{Headers: make([]string, len(records[0]))}
	for i, h := range records[0] {
		table.Headers[i] = NormalizeHeader(strings.TrimPrefix(h, "\ufeff"))
	}

	for i, record := range records[1:] {
		if blank(record) {
			continue
		}
		values := make(map[string]string, len(table.Headers))
		for col, header := range table.Headers {
			if header == "" || col >= len(record) {
				continue
			}
			values[header] = record[col]
		}
		table.Rows = append(table.Rows, Row{Number: i + 2, Values: values})
	}
	return table, nil
}

func readCSV(r io.Reader) ([][]string, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	return reader.ReadAll()
}

func readWorkbook(r io.Reader) ([][]string, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, errors.New("workbook has no sheets")
	}
	// Raw values keep date cells as serial numbers, which parseDate understands.
	return f.GetRows(sheets[0], excelize.Options{RawCellValue: true})
}

func blank(record []string) bool {
	for _, v := range record {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
