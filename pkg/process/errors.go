package process

import (
	"errors"
	"fmt"
)

// ErrorCode classifies engine errors.
type ErrorCode int

const (
	// ErrCodeInvalidState: a required object or state argument is missing,
	// or the object has no associated process when one was assumed.
	ErrCodeInvalidState ErrorCode = iota

	// ErrCodeProcessDisabled: the workflow is missing, not of the
	// automation kind, or disabled. Fatal to the start attempt.
	ErrCodeProcessDisabled

	// ErrCodeRecurrence: the workflow's recurrence policy rejected the
	// start. Recoverable by the caller.
	ErrCodeRecurrence

	// ErrCodePermissionDenied: the acting principal lacks rights for the
	// requested transition.
	ErrCodePermissionDenied

	// ErrCodeCycleDetected: the chained-automatic-transition hop limit was
	// exceeded; the workflow graph has a cyclic all-automatic path.
	ErrCodeCycleDetected

	// ErrCodeActionFailed: a post-transition step action failed. The
	// already-committed transition is not rolled back.
	ErrCodeActionFailed
)

func (c ErrorCode) String() string {
	switch c {
	case ErrCodeInvalidState:
		return "InvalidState"
	case ErrCodeProcessDisabled:
		return "ProcessDisabled"
	case ErrCodeRecurrence:
		return "RecurrenceViolation"
	case ErrCodePermissionDenied:
		return "PermissionDenied"
	case ErrCodeCycleDetected:
		return "WorkflowCycleDetected"
	case ErrCodeActionFailed:
		return "ActionFailed"
	default:
		return fmt.Sprintf("ErrorCode(%d)", int(c))
	}
}

// Error is the typed error returned by engine operations.
type Error struct {
	Code    ErrorCode
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func newError(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func wrapError(code ErrorCode, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// CodeOf extracts the engine error code from err, or ok=false when err is not
// an engine error.
func CodeOf(err error) (ErrorCode, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return 0, false
}

// IsCode reports whether err carries the given engine error code.
func IsCode(err error, code ErrorCode) bool {
	c, ok := CodeOf(err)
	return ok && c == code
}
