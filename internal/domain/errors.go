package domain

import "errors"

// Sentinel errors surfaced by the Store and matched at the HTTP boundary via
// errors.Is. Mirrors the error-kind table: Conflict, NotFound, Validation,
// SystemError classify every failure a caller can observe.
var (
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrValidation = errors.New("validation")

	// ErrReferenced is returned when deleting a program still referenced by a pipeline.
	ErrReferenced = errors.New("referenced by another entity")

	// ErrVersionMismatch is returned by guarded writes whose expected_version
	// no longer matches the stored version. Callers treat this as a no-op,
	// not a hard failure: the write was correctly dropped.
	ErrVersionMismatch = errors.New("version mismatch")

	// ErrPipelineNotShutdown is returned when deleting a pipeline that has not
	// reached current_status = shutdown.
	ErrPipelineNotShutdown = errors.New("pipeline is not shut down")
)
