package engine

import "errors"

// Error kinds surfaced to callers. Failures from the blob and metadata
// stores are caught at the coordinator boundary and wrapped in exactly one
// of these, so the transport layer can classify outcomes with errors.Is.
var (
	// ErrInvalidArgument reports malformed input such as a blank bucket
	// name or object key.
	ErrInvalidArgument = errors.New("pail: invalid argument")

	// ErrNotFound reports an absent bucket or object.
	ErrNotFound = errors.New("pail: not found")

	// ErrConflict reports a duplicate bucket creation.
	ErrConflict = errors.New("pail: already exists")

	// ErrStorage reports a filesystem failure.
	ErrStorage = errors.New("pail: storage failure")

	// ErrMetadata reports a metadata store failure.
	ErrMetadata = errors.New("pail: metadata failure")

	// ErrPartialFailure reports that a delete removed the payload but
	// failed to remove its metadata row, leaving the two stores diverged.
	// Operator-visible; never silently retried.
	ErrPartialFailure = errors.New("pail: partial failure, blob and metadata diverged")

	// ErrInconsistent reports that metadata referenced a payload that no
	// longer exists on disk. Indistinguishable from data loss;
	// operator-visible.
	ErrInconsistent = errors.New("pail: metadata and blob store are inconsistent")
)
