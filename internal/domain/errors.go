package domain

import "errors"

var (
	// ErrTransient marks index/store unavailability or timeouts. Nothing was
	// committed; the caller may retry with backoff.
	ErrTransient = errors.New("transient i/o failure")

	// ErrInvalidInput rejects a single malformed document (wrong vector
	// dimension, missing id). The document is never claimed.
	ErrInvalidInput = errors.New("invalid input")

	// ErrConflict signals an optimistic-concurrency collision on a cluster
	// write. The whole assignment is safe to re-run.
	ErrConflict = errors.New("conflicting write, retry assignment")

	// ErrCorruption marks inconsistent persisted state, such as a committed
	// marker without a membership row. Fatal for the document, logged for
	// manual reconciliation.
	ErrCorruption = errors.New("corrupted state")

	// ErrClusterNotFound is returned for lookups of unknown cluster ids.
	ErrClusterNotFound = errors.New("cluster not found")
)
