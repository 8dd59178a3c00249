// internal/domain/optout/record.go
package optout

import (
	"fmt"
	"strings"
	"time"
)

// SourceRecord is one opt-out row read from the system of record.
// The reconciler never mutates it.
type SourceRecord struct {
	CompanyID  string    // Opaque identifier, kept in string form
	Email      string    // Compared case-insensitively, see NormalizeEmail
	Deleted    bool      // Deleted rows are excluded by the reader
	ModifiedAt time.Time // Last change in the source
}

// Normalized returns a copy with the email lower-cased. Whitespace is kept so
// the derived key matches entries already stored for the row.
func (r SourceRecord) Normalized() SourceRecord {
	r.Email = NormalizeEmail(r.Email)
	return r
}

// Validate reports ErrMalformedRecord when the record cannot be keyed.
func (r SourceRecord) Validate() error {
	if strings.TrimSpace(r.CompanyID) == "" {
		return fmt.Errorf("%w: missing company id", ErrMalformedRecord)
	}
	if strings.TrimSpace(r.Email) == "" {
		return fmt.Errorf("%w: missing email for company %s", ErrMalformedRecord, r.CompanyID)
	}
	return nil
}

// NormalizeEmail lower-cases an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(email)
}
