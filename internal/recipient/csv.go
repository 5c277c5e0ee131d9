package recipient

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/iancoleman/strcase"
)

var (
	// ErrEmptyCSV indicates a file without even a header row.
	ErrEmptyCSV = errors.New("csv file has no header row")
	// ErrNoEmailColumn indicates a header row without an email column.
	ErrNoEmailColumn = errors.New("csv header has no email column")
)

// LoadFile reads the recipient list from path.
func LoadFile(path string) ([]Recipient, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open recipient list: %w", err)
	}
	defer f.Close()

	recipients, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return recipients, nil
}

// Parse reads CSV recipient rows. The first row is a header; column names
// are canonicalized to snake_case, so "First Name", "first-name" and
// "firstName" all map to first_name. Rows shorter than the header are padded
// with empty values and all cells are trimmed of surrounding whitespace.
// Rows with more fields than the header are rejected, since the extra cells
// cannot be matched to a column.
func Parse(r io.Reader) ([]Recipient, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err == io.EOF {
		return nil, ErrEmptyCSV
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	columns := make([]string, len(header))
	for i, name := range header {
		if i == 0 {
			name = strings.TrimPrefix(name, "\uFEFF")
		}
		columns[i] = strcase.ToSnake(strings.TrimSpace(name))
	}
	if !slices.Contains(columns, ColumnEmail) {
		return nil, ErrNoEmailColumn
	}

	var recipients []Recipient
	row := 1
	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read row %d: %w", row+1, err)
		}
		row++
		if len(record) > len(columns) {
			return nil, fmt.Errorf("row %d has %d fields, header has %d", row, len(record), len(columns))
		}

		fields := make(map[string]string, len(columns))
		for i, col := range columns {
			val := ""
			if i < len(record) {
				val = strings.TrimSpace(record[i])
			}
			// A repeated header name keeps the last non-empty cell
			if val != "" || fields[col] == "" {
				fields[col] = val
			}
		}

		recipients = append(recipients, Recipient{
			Row:        row,
			Email:      fields[ColumnEmail],
			FirstName:  fields[ColumnFirstName],
			LastName:   fields[ColumnLastName],
			Attachment: fields[ColumnAttachment],
			Fields:     fields,
		})
	}

	return recipients, nil
}
