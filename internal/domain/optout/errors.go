package optout

import "errors"

var (
	// ErrEntryExists is returned by KeyValueStore.PutIfAbsent when the key is already taken.
	ErrEntryExists = errors.New("opt-out entry already exists")
	// ErrEntryNotFound is returned by lookups when no entry matches.
	ErrEntryNotFound = errors.New("opt-out entry not found")
	// ErrMalformedRecord marks a source record that cannot be keyed.
	ErrMalformedRecord = errors.New("malformed opt-out record")
	// ErrInvalidKey marks a stored key that does not follow the key format.
	ErrInvalidKey = errors.New("invalid opt-out key")
	// ErrFetchFailed wraps any failure of SourceReader.FetchChanged.
	ErrFetchFailed = errors.New("fetching changed opt-outs failed")
)
