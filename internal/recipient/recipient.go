package recipient

import (
	"errors"
	"fmt"
	"net/mail"
)

// Canonical column names recognized in the CSV header.
const (
	ColumnEmail      = "email"
	ColumnFirstName  = "first_name"
	ColumnLastName   = "last_name"
	ColumnAttachment = "attachment"
)

var (
	// ErrMissingEmail indicates a row without an email value.
	ErrMissingEmail = errors.New("missing email")
	// ErrInvalidEmail indicates an email value that does not parse.
	ErrInvalidEmail = errors.New("invalid email")
)

// Recipient is one row of the recipient list. Fields holds every column
// keyed by its canonical snake_case header name, including the well-known
// ones mirrored in the struct fields.
type Recipient struct {
	// Row is the position in the CSV file, counting the header as row 1
	Row        int
	Email      string
	FirstName  string
	LastName   string
	Attachment string
	Fields     map[string]string
}

// Validate reports whether the recipient can be sent to.
func (r Recipient) Validate() error {
	if r.Email == "" {
		return ErrMissingEmail
	}
	if _, err := mail.ParseAddress(r.Email); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidEmail, r.Email)
	}
	return nil
}

// Duplicates returns the emails that appear more than once, with the rows
// they occupy. Duplicate recipients are still sent; callers use this to warn.
func Duplicates(recipients []Recipient) map[string][]int {
	rows := make(map[string][]int)
	for _, r := range recipients {
		if r.Email == "" {
			continue
		}
		rows[r.Email] = append(rows[r.Email], r.Row)
	}

	dupes := make(map[string][]int)
	for email, rs := range rows {
		if len(rs) > 1 {
			dupes[email] = rs
		}
	}
	return dupes
}
