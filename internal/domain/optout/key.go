// internal/domain/optout/key.go
package optout

import (
	"fmt"
	"strings"
)

// Key prefixes are part of the stored data format and must not change.
const (
	PartitionPrefix = "Company-"
	SortPrefix      = "OptOut-"
)

// Key is the composite identity of an opt-out entry in the key-value store.
type Key struct {
	PartitionKey string // "Company-<companyID>"
	SortKey      string // "OptOut-<lowercased email>"
}

// NewKey builds the store key for a company and email. The email is
// lower-cased here as well so that callers cannot produce a mixed-case sort
// key. Nothing else is altered: existing entries were keyed on the raw values.
func NewKey(companyID, email string) Key {
	return Key{
		PartitionKey: PartitionPrefix + companyID,
		SortKey:      SortPrefix + NormalizeEmail(email),
	}
}

func (k Key) String() string {
	return k.PartitionKey + "/" + k.SortKey
}

// Email decodes the email address from the sort key.
func (k Key) Email() (string, error) {
	return EmailFromSortKey(k.SortKey)
}

// EmailFromSortKey strips SortPrefix from a stored sort key.
func EmailFromSortKey(sortKey string) (string, error) {
	if !strings.HasPrefix(sortKey, SortPrefix) {
		return "", fmt.Errorf("%w: sort key %q lacks prefix %q", ErrInvalidKey, sortKey, SortPrefix)
	}
	return sortKey[len(SortPrefix):], nil
}

// CompanyIDFromPartitionKey strips PartitionPrefix from a stored partition key.
func CompanyIDFromPartitionKey(partitionKey string) (string, error) {
	if !strings.HasPrefix(partitionKey, PartitionPrefix) {
		return "", fmt.Errorf("%w: partition key %q lacks prefix %q", ErrInvalidKey, partitionKey, PartitionPrefix)
	}
	return partitionKey[len(PartitionPrefix):], nil
}
