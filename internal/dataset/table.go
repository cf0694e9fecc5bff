package dataset

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

var ErrUnknownColumn = errors.New("unknown column")

// Table is column-major numeric data with one label per column.
type Table struct {
	Labels  []string
	Columns [][]float64
}

func (t Table) Rows() int {
	if len(t.Columns) == 0 {
		return 0
	}
	return len(t.Columns[0])
}

func (t Table) Column(label string) ([]float64, error) {
	for i, l := range t.Labels {
		if l == label {
			return t.Columns[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownColumn, label)
}

// Select returns the named columns in the requested order.
func (t Table) Select(labels []string) ([][]float64, error) {
	out := make([][]float64, 0, len(labels))
	for _, label := range labels {
		col, err := t.Column(label)
		if err != nil {
			return nil, err
		}
		out = append(out, col)
	}
	return out, nil
}

func (t Table) Clone() Table {
	out := Table{Labels: append([]string(nil), t.Labels...), Columns: make([][]float64, len(t.Columns))}
	for i, col := range t.Columns {
		out.Columns[i] = append([]float64(nil), col...)
	}
	return out
}

// ReadFile picks the reader by extension: .csv files are comma separated,
// everything else is read as whitespace separated columns.
func ReadFile(path string) (Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return Table{}, err
	}
	defer f.Close()

	if strings.EqualFold(filepath.Ext(path), ".csv") {
		return ReadCSV(f)
	}
	return ReadColumns(f)
}

// ReadCSV reads a header row followed by numeric rows. Lines starting with
// '#' are comments.
func ReadCSV(in io.Reader) (Table, error) {
	reader := csv.NewReader(in)
	reader.Comment = '#'
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err == io.EOF {
		return Table{}, errors.New("read csv: empty input")
	}
	if err != nil {
		return Table{}, fmt.Errorf("read csv header: %w", err)
	}
	table := newTable(header)

	rowIndex := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Table{}, fmt.Errorf("read csv row %d: %w", rowIndex, err)
		}
		if err := table.appendRecord(record, rowIndex); err != nil {
			return Table{}, err
		}
		rowIndex++
	}
	return table, nil
}

// ReadColumns reads whitespace separated columns. The first non-comment line
// holds the labels.
func ReadColumns(in io.Reader) (Table, error) {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	var table Table
	haveHeader := false
	rowIndex := 1
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if !haveHeader {
			table = newTable(fields)
			haveHeader = true
			continue
		}
		if err := table.appendRecord(fields, rowIndex); err != nil {
			return Table{}, err
		}
		rowIndex++
	}
	if err := scanner.Err(); err != nil {
		return Table{}, fmt.Errorf("read columns: %w", err)
	}
	if !haveHeader {
		return Table{}, errors.New("read columns: empty input")
	}
	return table, nil
}

func newTable(header []string) Table {
	labels := make([]string, len(header))
	for i, h := range header {
		labels[i] = strings.TrimSpace(h)
	}
	return Table{Labels: labels, Columns: make([][]float64, len(labels))}
}

func (t *Table) appendRecord(record []string, rowIndex int) error {
	if len(record) != len(t.Labels) {
		return fmt.Errorf("row %d: got %d fields, want %d", rowIndex, len(record), len(t.Labels))
	}
	for i, raw := range record {
		v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return fmt.Errorf("row %d column %s: %w", rowIndex, t.Labels[i], err)
		}
		t.Columns[i] = append(t.Columns[i], v)
	}
	return nil
}
