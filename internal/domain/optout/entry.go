// internal/domain/optout/entry.go
package optout

import "time"

// CreatedAtLayout is the stored format of Entry.CreatedAt.
const CreatedAtLayout = "2006-01-02"

// Entry is an opt-out item in the key-value store. Entries are immutable once
// written; a re-observed source record never touches CreatedAt.
type Entry struct {
	Key       Key
	CompanyID string
	CreatedAt time.Time // Date the entry was first observed, UTC midnight
}

// NewEntry builds the entry for a key first observed at observedAt.
func NewEntry(key Key, companyID string, observedAt time.Time) Entry {
	y, m, d := observedAt.UTC().Date()
	return Entry{
		Key:       key,
		CompanyID: companyID,
		CreatedAt: time.Date(y, m, d, 0, 0, 0, 0, time.UTC),
	}
}

// CreatedAtString returns CreatedAt in CreatedAtLayout.
func (e Entry) CreatedAtString() string {
	return e.CreatedAt.Format(CreatedAtLayout)
}
