// ABOUTME: Error taxonomy shared by the status, messaging and gateway packages
// ABOUTME: Maps validation, persistence and not-found failures onto wire error codes

package apperr

import (
	"errors"
	"fmt"

	"github.com/2389/wallboard-gateway/internal/store"
)

// Wire codes carried in error acknowledgements.
const (
	CodeValidation        = "validation_error"
	CodePersistence       = "persistence_error"
	CodeNotFound          = "not_found"
	CodeNotIdentified     = "not_identified"
	CodeAlreadyIdentified = "already_identified"
	CodeBadRequest        = "bad_request"
	CodeRateLimited       = "rate_limited"
	CodeInternal          = "internal_error"
)

// ReasonHeartbeatTimeout is the disconnect reason for connections evicted by
// the liveness sweep rather than by an explicit disconnect event.
const ReasonHeartbeatTimeout = "heartbeat_timeout"

// ErrNotIdentified is returned when a connection sends a participant event
// before agent_connect or supervisor_connect.
var ErrNotIdentified = errors.New("connection not identified")

// ValidationError reports a malformed or missing request field.
// Nothing has been persisted when a ValidationError is returned.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid request: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Invalid builds a ValidationError.
func Invalid(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// PersistenceError wraps a store failure. It is reported to the originating
// connection only and never broadcast.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Persistence wraps err as a PersistenceError, or returns nil when err is nil.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Op: op, Err: err}
}

// Code maps err onto the wire code used in error acknowledgements.
func Code(err error) string {
	var ve *ValidationError
	var pe *PersistenceError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ve):
		return CodeValidation
	case errors.Is(err, store.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrNotIdentified):
		return CodeNotIdentified
	case errors.As(err, &pe):
		return CodePersistence
	default:
		return CodeInternal
	}
}

// Field returns the offending field for validation errors, or "".
func Field(err error) string {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Field
	}
	return ""
}

// Message returns a client-safe description of err. Persistence and internal
// failures are not echoed verbatim.
func Message(err error) string {
	switch Code(err) {
	case CodeValidation, CodeNotIdentified:
		return err.Error()
	case CodeNotFound:
		return "not found"
	case CodePersistence:
		return "storage unavailable"
	default:
		return "internal error"
	}
}
