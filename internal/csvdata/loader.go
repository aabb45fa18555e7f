// Package csvdata loads CSV files of unknown encoding for the batch
// processor: BOM/heuristic detection with a fallback candidate list,
// header-required parsing, and a synthetic row index column.
package csvdata

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"

	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/traditionalchinese"
	"golang.org/x/text/transform"
)

// RowIndexColumn is injected into every parsed row, holding its 1-based
// position in the source file (header excluded).
const RowIndexColumn = "_row_index"

// Table is a parsed CSV file: its header (in file order, RowIndexColumn
// appended) and its rows as ordered maps keyed by column name.
type Table struct {
	Columns  []string
	Rows     []map[string]string
	Encoding string // name of the encoding that successfully parsed the file
}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// candidateEncodings is tried, in order, after a detected/declared encoding
// fails to parse as well-formed CSV with at least one data row. Ordered
// from most to least likely for the CJK-heavy batch inputs this loader
// targets.
var candidateEncodings = []struct {
	name string
	enc  encoding.Encoding
}{
	{"utf-8", encoding.Nop},
	{"gbk", simplifiedchinese.GBK},
	{"gb18030", simplifiedchinese.GB18030},
	{"big5", traditionalchinese.Big5},
	{"cp1252", charmap.Windows1252},
	{"latin1", charmap.ISO8859_1},
}

// Load reads and parses the CSV file at path, autodetecting its encoding.
func Load(path string) (Table, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Table{}, fmt.Errorf("csvdata: read %q: %w", path, err)
	}
	return LoadBytes(raw)
}

// LoadBytes parses raw CSV content, autodetecting its encoding.
func LoadBytes(raw []byte) (Table, error) {
	hasBOM := bytes.HasPrefix(raw, utf8BOM)
	if hasBOM {
		raw = raw[len(utf8BOM):]
	}

	var lastErr error
	for _, cand := range candidateEncodings {
		decoded, err := decodeWith(cand.enc, raw)
		if err != nil {
			lastErr = err
			continue
		}
		table, err := parseCSV(decoded)
		if err != nil {
			lastErr = err
			continue
		}
		table.Encoding = cand.name
		return table, nil
	}
	return Table{}, fmt.Errorf("csvdata: no candidate encoding produced valid CSV: %w", lastErr)
}

func decodeWith(enc encoding.Encoding, raw []byte) ([]byte, error) {
	if enc == encoding.Nop {
		if !utf8.Valid(raw) {
			return nil, fmt.Errorf("not valid utf-8")
		}
		return raw, nil
	}
	reader := transform.NewReader(bytes.NewReader(raw), enc.NewDecoder())
	return io.ReadAll(reader)
}

// parseCSV requires a header row; every data row is returned as a map from
// column name to value, plus a synthetic RowIndexColumn.
func parseCSV(data []byte) (Table, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err != nil {
		return Table{}, fmt.Errorf("csvdata: read header: %w", err)
	}
	if len(header) == 0 {
		return Table{}, fmt.Errorf("csvdata: empty header")
	}
	for i, col := range header {
		header[i] = strings.TrimSpace(col)
	}

	columns := append(append([]string{}, header...), RowIndexColumn)
	var rows []map[string]string

	index := 0
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Table{}, fmt.Errorf("csvdata: read row %d: %w", index, err)
		}
		row := make(map[string]string, len(header)+1)
		for i, col := range header {
			if i < len(record) {
				row[col] = record[i]
			} else {
				row[col] = ""
			}
		}
		row[RowIndexColumn] = fmt.Sprintf("%d", index+1)
		rows = append(rows, row)
		index++
	}

	if len(rows) == 0 {
		return Table{}, fmt.Errorf("csvdata: no data rows")
	}
	return Table{Columns: columns, Rows: rows}, nil
}

// SampleRows returns up to n rows for use in prompt construction (e.g. the
// batch instruction generator's structure summary).
func (t Table) SampleRows(n int) []map[string]string {
	if n > len(t.Rows) {
		n = len(t.Rows)
	}
	return t.Rows[:n]
}
