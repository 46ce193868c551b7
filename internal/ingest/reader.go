// Package ingest turns uploaded legislator spreadsheets into canonical records.
package ingest

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/extrame/xls"
	"github.com/xuri/excelize/v2"
	"golang.org/x/text/encoding/charmap"
)

var (
	// ErrUnsupportedFormat is returned for files that are not .csv, .xls or .xlsx
	ErrUnsupportedFormat = errors.New("unsupported file format: accepted formats are .csv, .xls, .xlsx")
	// ErrEmptyFile is returned when a file has no header row
	ErrEmptyFile = errors.New("file has no header row")
)

// Table is the raw content of the first sheet of a spreadsheet
type Table struct {
	Header []string
	Rows   []Row
}

// Row is one data row. Err is set when the row could not be decoded.
type Row struct {
	Line  int
	Cells []string
	Err   error
}

// SupportedExtension reports whether filename has an extension ReadTable accepts
func SupportedExtension(filename string) bool {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".csv", ".xls", ".xlsx":
		return true
	}
	return false
}

// ReadTable decodes r according to the extension of filename.
func ReadTable(filename string, r io.Reader) (*Table, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	if !SupportedExtension(filename) {
		return nil, fmt.Errorf("%w (got %q)", ErrUnsupportedFormat, ext)
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var rows [][]string
	var lines []int
	var rowErrs map[int]error

	switch ext {
	case ".csv":
		rows, lines, rowErrs, err = readCSV(data)
	case ".xlsx":
		rows, err = readXLSX(data)
	case ".xls":
		rows, err = readXLS(data)
	}
	if err != nil {
		return nil, err
	}

	return buildTable(rows, lines, rowErrs)
}

// buildTable takes the first non-blank row as header. lines holds the
// source line of each row; when nil the row position is used.
func buildTable(rows [][]string, lines []int, rowErrs map[int]error) (*Table, error) {
	headerIdx := -1
	for i, row := range rows {
		if rowErrs[i] == nil && !blank(row) {
			headerIdx = i
			break
		}
	}
	if headerIdx < 0 {
		return nil, ErrEmptyFile
	}

	lineOf := func(i int) int {
		if lines != nil {
			return lines[i]
		}
		return i + 1
	}

	t := &Table{Header: trimAll(rows[headerIdx])}
	for i := headerIdx + 1; i < len(rows); i++ {
		t.Rows = append(t.Rows, Row{
			Line:  lineOf(i),
			Cells: trimAll(rows[i]),
			Err:   rowErrs[i],
		})
	}
	return t, nil
}

func readCSV(data []byte) ([][]string, []int, map[int]error, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	if !utf8.Valid(data) {
		// Exports from older spreadsheet tools arrive as Windows-1252.
		decoded, err := charmap.Windows1252.NewDecoder().Bytes(data)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to decode CSV: %w", err)
		}
		data = decoded
	}

	cr := csv.NewReader(bytes.NewReader(data))
	cr.Comma = detectDelimiter(data)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	var rows [][]string
	var lines []int
	rowErrs := make(map[int]error)

	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var pe *csv.ParseError
			if !errors.As(err, &pe) {
				return nil, nil, nil, fmt.Errorf("failed to read CSV: %w", err)
			}
			rowErrs[len(rows)] = err
			rows = append(rows, nil)
			lines = append(lines, pe.StartLine)
			continue
		}
		line, _ := cr.FieldPos(0)
		rows = append(rows, record)
		lines = append(lines, line)
	}

	return rows, lines, rowErrs, nil
}

// detectDelimiter picks ';' when the header line has more semicolons than
// commas, which is how Brazilian locale exports separate fields.
func detectDelimiter(data []byte) rune {
	first := data
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		first = data[:i]
	}
	if bytes.Count(first, []byte(";")) > bytes.Count(first, []byte(",")) {
		return ';'
	}
	return ','
}

func readXLSX(data []byte) ([][]string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to open xlsx: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, ErrEmptyFile
	}

	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("failed to read sheet %q: %w", sheets[0], err)
	}
	return rows, nil
}

func readXLS(data []byte) (rows [][]string, err error) {
	// The BIFF parser panics on truncated streams.
	defer func() {
		if r := recover(); r != nil {
			rows, err = nil, fmt.Errorf("failed to parse xls: %v", r)
		}
	}()

	wb, err := xls.OpenReader(bytes.NewReader(data), "utf-8")
	if err != nil {
		return nil, fmt.Errorf("failed to open xls: %w", err)
	}
	if wb == nil {
		return nil, fmt.Errorf("failed to open xls: no workbook stream")
	}

	sheet := wb.GetSheet(0)
	if sheet == nil {
		return nil, ErrEmptyFile
	}

	rows = make([][]string, 0, int(sheet.MaxRow)+1)
	for i := 0; i <= int(sheet.MaxRow); i++ {
		row := xlsRow(sheet, i)
		if row == nil {
			rows = append(rows, nil)
			continue
		}
		cells := make([]string, row.LastCol())
		for j := row.FirstCol(); j < row.LastCol(); j++ {
			cells[j] = row.Col(j)
		}
		rows = append(rows, cells)
	}
	return rows, nil
}

// xlsRow returns nil for rows missing from the sheet; WorkSheet.Row
// dereferences them without checking.
func xlsRow(sheet *xls.WorkSheet, i int) (row *xls.Row) {
	defer func() {
		if recover() != nil {
			row = nil
		}
	}()
	return sheet.Row(i)
}

func blank(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

func trimAll(row []string) []string {
	out := make([]string, len(row))
	for i, c := range row {
		out[i] = strings.TrimSpace(c)
	}
	return out
}
