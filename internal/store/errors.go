package store

import "errors"

// Sentinel error kinds. Callers match them with errors.Is; there is no
// fuller error hierarchy than this.
var (
	// ErrValidation marks a caller error: missing/empty task, non-positive
	// iteration count, invalid status value. Never retried.
	ErrValidation = errors.New("validation")

	// ErrResource marks a fatal local-resource failure: cannot create the
	// data directory, disk full.
	ErrResource = errors.New("resource")

	// ErrDatabaseConnection marks a lost/unreachable database connection.
	// Create and Update retry up to three times with linear backoff before
	// surfacing this (see Store.execWithRetry); other operations do not
	// retry.
	ErrDatabaseConnection = errors.New("database_connection")

	// ErrNotFound marks a missing row. Not treated as an error by most
	// callers (the Reconciler races with Supervisors legitimately); it is
	// exported for the callers that do surface it, such as Supervisor.Stop.
	// Store.Get reports a missing row as (nil, nil), not as this error.
	ErrNotFound = errors.New("session not found")
)
