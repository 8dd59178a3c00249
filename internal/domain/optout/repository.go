// internal/domain/optout/repository.go
package optout

import "context"

// SourceReader reads recently changed opt-outs from the system of record.
type SourceReader interface {
	// FetchChanged returns non-deleted records modified less than windowMinutes
	// ago, without exact duplicates. It returns an empty slice, never nil, when
	// nothing matches, and never returns a partial result without an error.
	FetchChanged(ctx context.Context, windowMinutes int) ([]SourceRecord, error)
}

// KeyValueStore is the denormalized store the reconciler writes to.
// Implementations must be safe for concurrent use.
type KeyValueStore interface {
	// Exists reports whether an item with partitionKey and a sort key matching
	// sortKey is stored. Whether the match is exact or begins-with is up to
	// the implementation's configured match mode.
	Exists(ctx context.Context, partitionKey, sortKey string) (bool, error)
	// PutIfAbsent stores entry unless its key is taken, in which case it
	// returns an error wrapping ErrEntryExists.
	PutIfAbsent(ctx context.Context, entry Entry) error
}
