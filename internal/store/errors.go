package store

import "errors"

var (
	// ErrStorageClosed returned when operations are attempted on closed storage
	ErrStorageClosed = errors.New("storage is closed")

	// ErrEntryNotFound returned when a requested entry does not exist
	ErrEntryNotFound = errors.New("entry not found")

	// ErrUnauthorizedAuthor returned when Put is attempted under an author
	// identity the local node does not control
	ErrUnauthorizedAuthor = errors.New("author not controlled by this node")

	// ErrStorageExhausted returned when an entry cannot be written due to
	// resource limits
	ErrStorageExhausted = errors.New("storage exhausted")

	// ErrCorruptLocalState returned when persisted local state is present but
	// incomplete or belongs to a different identity or namespace. The node
	// refuses to start rather than guess a fix.
	ErrCorruptLocalState = errors.New("corrupt local state")
)
