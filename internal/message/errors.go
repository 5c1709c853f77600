package message

import (
	"errors"
	"fmt"
)

// ErrorCode classifies listener failures for logging and error hooks.
type ErrorCode string

const (
	ErrDB                   ErrorCode = "DB_ERROR"
	ErrHandlingFailed       ErrorCode = "MESSAGE_HANDLING_FAILED"
	ErrErrorHandlingFailed  ErrorCode = "MESSAGE_ERROR_HANDLING_FAILED"
	ErrGivingUp             ErrorCode = "GIVING_UP_MESSAGE_HANDLING"
	ErrPoisonousMessage     ErrorCode = "POISONOUS_MESSAGE"
	ErrConflictingHandlers  ErrorCode = "CONFLICTING_MESSAGE_HANDLERS"
	ErrNoHandlerRegistered  ErrorCode = "NO_MESSAGE_HANDLER_REGISTERED"
	ErrListenerStopped      ErrorCode = "LISTENER_STOPPED"
	ErrTimeout              ErrorCode = "TIMEOUT"
	ErrStorageFailed        ErrorCode = "MESSAGE_STORAGE_FAILED"
	ErrBatchProcessing      ErrorCode = "BATCH_PROCESSING_ERROR"
)

// Error is a coded listener error, optionally tagged with the offending
// message so logs and error hooks can correlate failures to rows.
type Error struct {
	Code    ErrorCode
	Message *Message
	Err     error
}

// NewError wraps err with an error code and the message it concerns.
// msg may be nil for failures not tied to a single row.
func NewError(code ErrorCode, msg *Message, err error) *Error {
	return &Error{Code: code, Message: msg, Err: err}
}

// Errorf builds a coded error from a format string.
func Errorf(code ErrorCode, msg *Message, format string, args ...any) *Error {
	return &Error{Code: code, Message: msg, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	if e.Message != nil {
		if e.Err != nil {
			return fmt.Sprintf("%s (message %s): %v", e.Code, e.Message.ID, e.Err)
		}
		return fmt.Sprintf("%s (message %s)", e.Code, e.Message.ID)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// CodeOf extracts the error code from err, walking the wrap chain.
func CodeOf(err error) (ErrorCode, bool) {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code, true
	}
	return "", false
}

// HasCode reports whether err carries the given code anywhere in its chain.
func HasCode(err error, code ErrorCode) bool {
	c, ok := CodeOf(err)
	return ok && c == code
}
