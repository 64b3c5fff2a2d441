package questionnaire

import (
	"errors"
	"fmt"

	"github.com/ehr/questionnaires/internal/platform/docstore"
)

type Code string

const (
	CodeNotFound       Code = "not_found"
	CodeInvalidState   Code = "invalid_state"
	CodeAccessDenied   Code = "access_denied"
	CodeValidation     Code = "validation_error"
	CodeImmutableField Code = "immutable_field"
)

// Error is a domain error with a stable code. Sentinels below match any
// Error of the same code under errors.Is.
type Error struct {
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Message
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

var (
	ErrNotFound       = &Error{Code: CodeNotFound}
	ErrInvalidState   = &Error{Code: CodeInvalidState}
	ErrAccessDenied   = &Error{Code: CodeAccessDenied}
	ErrValidation     = &Error{Code: CodeValidation}
	ErrImmutableField = &Error{Code: CodeImmutableField}
)

func notFound(id string) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf("questionnaire %s not found", id), Details: map[string]any{"id": id}}
}

func invalidState(status Status, op string) *Error {
	return &Error{
		Code:    CodeInvalidState,
		Message: fmt.Sprintf("%s not allowed in status %s", op, status),
		Details: map[string]any{"status": string(status), "operation": op},
	}
}

func accessDenied(msg string) *Error {
	return &Error{Code: CodeAccessDenied, Message: msg}
}

func validation(msg string, details map[string]any) *Error {
	return &Error{Code: CodeValidation, Message: msg, Details: details}
}

// PartialReplicationWarning records a failed non-authoritative write. It is
// logged and counted, never returned to callers.
type PartialReplicationWarning struct {
	Sink string
	Ref  docstore.Ref
	Err  error
}

func (w *PartialReplicationWarning) Error() string {
	return fmt.Sprintf("partial replication to %s (%s): %v", w.Sink, w.Ref, w.Err)
}

func (w *PartialReplicationWarning) Unwrap() error { return w.Err }

// AsError extracts a domain error.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
