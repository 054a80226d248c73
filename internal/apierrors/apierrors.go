// Package apierrors defines the stable error codes returned in API error bodies. It exists so that handlers across
// internal/api share one vocabulary instead of each package inventing its own string constants.
package apierrors

// Code is a stable, machine-readable error identifier returned alongside a human-readable message.
type Code string

const (
	CodeUnauthorized    Code = "unauthorized"
	CodeNotFound        Code = "not_found"
	CodeConflict        Code = "conflict"
	CodeConflictPending Code = "conflict_pending"
	CodeRetryAfter      Code = "retry_after"
	CodeBadRequest      Code = "bad_request"
	CodeInternal        Code = "internal"
)
