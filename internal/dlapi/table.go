package dlapi

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"marketfill/internal/domain"
)

// Default key columns of vendor CSV output.
const (
	IdentifierColumn = "IDENTIFIER"
	DateColumn       = "DATE"
)

// Table is a decoded CSV job output. Column names are upper-cased.
type Table struct {
	Columns []string
	Records [][]string
}

// Len returns the number of data records.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Records)
}

// ColumnIndex returns the index of the named column, matched without
// regard to case, or -1.
func (t *Table) ColumnIndex(name string) int {
	for i, c := range t.Columns {
		if strings.EqualFold(c, name) {
			return i
		}
	}
	return -1
}

// Value returns record i's value in the named column and whether it is a
// non-null value.
func (t *Table) Value(i int, column string) (string, bool) {
	idx := t.ColumnIndex(column)
	if idx < 0 || i < 0 || i >= len(t.Records) || idx >= len(t.Records[i]) {
		return "", false
	}
	v := strings.TrimSpace(t.Records[i][idx])
	return v, !IsNull(v)
}

// IsNull reports whether a CSV cell carries no value.
func IsNull(v string) bool {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case "", "N.A.", "NA", "N/A", "NAN", "NULL":
		return true
	}
	return strings.HasPrefix(v, "#N/A")
}

// dateLayouts are the day formats seen in vendor CSV output.
var dateLayouts = []string{
	domain.DateFormat,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"01/02/2006",
	"20060102",
}

// ParseDate parses a CSV date cell into a day.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return domain.Day(t), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised date %q", s)
}

// Rows converts records into domain rows keyed by the identifier and date
// columns. Records with a null identifier or an unparseable date are
// skipped and counted in dropped. Non-null cells of every other column end
// up in Row.Fields.
func (t *Table) Rows(idColumn, dateColumn string) (rows []domain.Row, dropped int, err error) {
	if t.Len() == 0 {
		return nil, 0, nil
	}
	idIdx := t.ColumnIndex(idColumn)
	if idIdx < 0 {
		return nil, 0, fmt.Errorf("column %q not in output %v", idColumn, t.Columns)
	}
	dateIdx := t.ColumnIndex(dateColumn)
	if dateIdx < 0 {
		return nil, 0, fmt.Errorf("column %q not in output %v", dateColumn, t.Columns)
	}

	rows = make([]domain.Row, 0, len(t.Records))
	for _, rec := range t.Records {
		if idIdx >= len(rec) || dateIdx >= len(rec) || IsNull(rec[idIdx]) || IsNull(rec[dateIdx]) {
			dropped++
			continue
		}
		day, perr := ParseDate(rec[dateIdx])
		if perr != nil {
			dropped++
			continue
		}

		fields := make(map[string]string, len(t.Columns))
		for i, col := range t.Columns {
			if i == idIdx || i == dateIdx || i >= len(rec) || IsNull(rec[i]) {
				continue
			}
			fields[col] = strings.TrimSpace(rec[i])
		}
		rows = append(rows, domain.Row{
			Identifier: domain.NewIdentifier(rec[idIdx]),
			Date:       day,
			Fields:     fields,
		})
	}
	return rows, dropped, nil
}

// DecodeTable reads a CSV payload, transparently gunzipping it when the
// stream starts with the gzip magic bytes. An empty payload yields an empty
// table.
func DecodeTable(r io.Reader) (*Table, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(2)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("reading payload: %w", err)
	}

	var src io.Reader = br
	if len(magic) == 2 && magic[0] == 0x1f && magic[1] == 0x8b {
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("opening gzip stream: %w", err)
		}
		defer zr.Close()
		src = zr
	}

	cr := csv.NewReader(src)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return &Table{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading csv header: %w", err)
	}

	t := &Table{Columns: make([]string, len(header))}
	for i, h := range header {
		t.Columns[i] = strings.ToUpper(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
	}
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading csv record %d: %w", len(t.Records)+1, err)
		}
		t.Records = append(t.Records, rec)
	}
	return t, nil
}
