package types

import "errors"

// Error kinds shared across the engine. Handlers classify failures with
// errors.Is against these sentinels; wrapping preserves detail.
var (
	// ErrInvalidArgument marks schema-validation failures. Never retried.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotFound marks a referenced id that does not exist.
	ErrNotFound = errors.New("not found")

	// ErrIllegalTransition marks a state-machine transition from a state
	// that does not permit it.
	ErrIllegalTransition = errors.New("illegal transition")

	// ErrAlreadyFinalized marks a mutation against a terminal outcome.
	ErrAlreadyFinalized = errors.New("already finalized")

	// ErrConflict marks namespace or uniqueness violations.
	ErrConflict = errors.New("conflict")

	// ErrTransientBackend marks retryable backend failures; callers use
	// retry.Do before surfacing.
	ErrTransientBackend = errors.New("transient backend error")

	// ErrPermanentBackend marks non-retryable backend failures (schema
	// mismatch, auth).
	ErrPermanentBackend = errors.New("permanent backend error")

	// ErrCancelled marks context cancellation or timeout.
	ErrCancelled = errors.New("cancelled")

	// ErrInternal marks unexpected failures surfaced as JSON-RPC -32603.
	ErrInternal = errors.New("internal error")
)
