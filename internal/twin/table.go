package twin

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
)

// Table is a small columnar time history: a header row and float64 data
// rows. Batch evaluation consumes a table whose first concern is the Time
// column and produces one with Time followed by every model output.
type Table struct {
	Columns []string
	Rows    [][]float64
}

// Column returns the values of a named column.
func (t *Table) Column(name string) ([]float64, bool) {
	for i, c := range t.Columns {
		if c != name {
			continue
		}
		vals := make([]float64, len(t.Rows))
		for j, row := range t.Rows {
			vals[j] = row[i]
		}
		return vals, true
	}
	return nil, false
}

// HasColumn reports whether a named column exists.
func (t *Table) HasColumn(name string) bool {
	for _, c := range t.Columns {
		if c == name {
			return true
		}
	}
	return false
}

// ReadCSVTable loads a table from a CSV file with a header row.
func ReadCSVTable(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("twin: reading table %s: %w", path, err)
	}
	if len(records) < 2 {
		return nil, fmt.Errorf("%w: table %s has no data rows", ErrInvalidArgument, path)
	}

	t := &Table{Columns: records[0]}
	for i, record := range records[1:] {
		row := make([]float64, len(record))
		for j, cell := range record {
			v, err := strconv.ParseFloat(cell, 64)
			if err != nil {
				return nil, fmt.Errorf("twin: table %s row %d column %q: %w", path, i+1, t.Columns[j], err)
			}
			row[j] = v
		}
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}

// WriteCSV writes the table with a header row.
func (t *Table) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(t.Columns); err != nil {
		return err
	}
	record := make([]string, len(t.Columns))
	for _, row := range t.Rows {
		for j, v := range row {
			record[j] = strconv.FormatFloat(v, 'g', -1, 64)
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
