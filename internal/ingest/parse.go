package ingest

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/xuri/excelize/v2"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/transform"
)

var (
	// ErrNoHeader is returned for a file without any non-empty line.
	ErrNoHeader = errors.New("file has no header row")
	// ErrEncoding is returned when a CSV is neither UTF-8 nor Shift_JIS.
	// Detection is heuristic: any non-UTF-8 input is read as Shift_JIS, so a
	// single-byte Western encoding such as Latin-1 can decode into valid but
	// meaningless kanji and is only caught when the decoder hits an invalid
	// sequence or a private-use code point.
	ErrEncoding = errors.New("file encoding is not UTF-8 or Shift_JIS")
	// ErrNoSheet is returned for a workbook without worksheets.
	ErrNoSheet = errors.New("workbook has no worksheets")
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// ParseError is a structural failure. No row of a file that fails to parse
// is processed.
type ParseError struct {
	FileName string
	Line     int
	Err      error
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("parse %s: line %d: %v", e.FileName, e.Line, e.Err)
	}
	return fmt.Sprintf("parse %s: %v", e.FileName, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Row is one data line keyed by trimmed header name. Line is the 1-based
// physical line (or worksheet row) the record starts on.
type Row struct {
	Line  int
	Cells map[string]string
}

// Table is a parsed upload. Rows excludes the header and blank lines.
type Table struct {
	Header []string
	Rows   []Row
}

// Parse reads a CSV or XLSX upload. Workbooks are recognised by extension or
// by their zip signature; everything else is read as CSV.
func Parse(fileName string, data []byte) (*Table, error) {
	var (
		t   *Table
		err error
	)
	if isWorkbook(fileName, data) {
		t, err = parseXLSX(data)
	} else {
		t, err = parseCSV(data)
	}
	if err != nil {
		var pe *ParseError
		if errors.As(err, &pe) {
			pe.FileName = fileName
			return nil, pe
		}
		return nil, &ParseError{FileName: fileName, Err: err}
	}
	return t, nil
}

func isWorkbook(fileName string, data []byte) bool {
	if strings.EqualFold(filepath.Ext(fileName), ".xlsx") {
		return true
	}
	return bytes.HasPrefix(data, []byte("PK\x03\x04"))
}

// decodeCSV returns data as UTF-8. Input that is not valid UTF-8 is decoded
// as Shift_JIS; undecodable bytes make the file unreadable.
func decodeCSV(data []byte) ([]byte, error) {
	data = bytes.TrimPrefix(data, utf8BOM)
	if utf8.Valid(data) {
		return data, nil
	}
	decoded, _, err := transform.Bytes(japanese.ShiftJIS.NewDecoder(), data)
	if err != nil {
		return nil, ErrEncoding
	}
	if bytes.ContainsFunc(decoded, undecodable) {
		return nil, ErrEncoding
	}
	return decoded, nil
}

// undecodable matches replacement characters and the private-use area that
// Shift_JIS user-defined lead bytes map to.
func undecodable(r rune) bool {
	return r == utf8.RuneError || unicode.Is(unicode.Co, r)
}

func parseCSV(data []byte) (*Table, error) {
	text, err := decodeCSV(data)
	if err != nil {
		return nil, err
	}

	r := csv.NewReader(bytes.NewReader(text))
	r.FieldsPerRecord = -1

	var t *Table
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var csvErr *csv.ParseError
			if errors.As(err, &csvErr) {
				return nil, &ParseError{Line: csvErr.Line, Err: csvErr.Err}
			}
			return nil, err
		}
		if isBlank(record) {
			continue
		}
		line, _ := r.FieldPos(0)
		if t == nil {
			t = &Table{Header: headerOf(record)}
			continue
		}
		t.Rows = append(t.Rows, Row{Line: line, Cells: t.cells(record)})
	}
	if t == nil {
		return nil, ErrNoHeader
	}
	return t, nil
}

func parseXLSX(data []byte) (*Table, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, ErrNoSheet
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, err
	}

	var t *Table
	for i, record := range rows {
		if isBlank(record) {
			continue
		}
		if t == nil {
			t = &Table{Header: headerOf(record)}
			continue
		}
		t.Rows = append(t.Rows, Row{Line: i + 1, Cells: t.cells(record)})
	}
	if t == nil {
		return nil, ErrNoHeader
	}
	return t, nil
}

// isBlank reports whether a record came from an empty or whitespace-only line.
func isBlank(record []string) bool {
	return len(record) == 0 || (len(record) == 1 && strings.TrimSpace(record[0]) == "")
}

func headerOf(record []string) []string {
	header := make([]string, len(record))
	for i, name := range record {
		header[i] = strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))
	}
	return header
}

// cells keys a record by header name. Cells past the header are dropped and
// the first of two identically named columns wins.
func (t *Table) cells(record []string) map[string]string {
	out := make(map[string]string, len(t.Header))
	for i, name := range t.Header {
		if name == "" || i >= len(record) {
			continue
		}
		if _, dup := out[name]; dup {
			continue
		}
		out[name] = strings.TrimSpace(record[i])
	}
	return out
}
