package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a unique identifier for specific error conditions in broadcastd.
type ErrorCode int

const (
	ErrCodeUnknown       ErrorCode = 1000
	ErrCodeConfigInvalid ErrorCode = 1001

	// Control channel
	ErrCodeProtocol  ErrorCode = 2001 // Malformed or unsupported handshake
	ErrCodeDecode    ErrorCode = 2002 // Bytes unreadable in the negotiated encoding
	ErrCodeCommand   ErrorCode = 2003 // Unknown verb or failed precondition
	ErrCodeTransport ErrorCode = 2004 // Socket level failure

	// Workers
	ErrCodeMissingConfig  ErrorCode = 3001
	ErrCodeAlreadyRunning ErrorCode = 3002
	ErrCodeNotRunning     ErrorCode = 3003
	ErrCodeWorkerSpawn    ErrorCode = 3004
	ErrCodeWorkerRuntime  ErrorCode = 3005

	// Settings store
	ErrCodeSettings ErrorCode = 4001
)

// BroadcastError is a custom error type that provides structured error information,
// including an error code, the operation being performed, and the underlying cause.
type BroadcastError struct {
	// Code is the specific error code.
	Code ErrorCode
	// Msg is a human-readable description of the error.
	Msg string
	// Operation describes the action being performed when the error occurred.
	Operation string
	// Err is the underlying error that caused this error, if any.
	Err error
}

// Error returns a formatted string representation of the error.
func (e *BroadcastError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%d] %s: %s (cause: %v)", e.Code, e.Operation, e.Msg, e.Err)
	}
	return fmt.Sprintf("[%d] %s: %s", e.Code, e.Operation, e.Msg)
}

// Unwrap returns the underlying error.
func (e *BroadcastError) Unwrap() error {
	return e.Err
}

// New creates a new BroadcastError with the specified code, operation, message, and underlying error.
func New(code ErrorCode, op, msg string, err error) error {
	return &BroadcastError{
		Code:      code,
		Msg:       msg,
		Operation: op,
		Err:       err,
	}
}

// IsCode reports whether any error in err's chain is a BroadcastError carrying code.
func IsCode(err error, code ErrorCode) bool {
	var be *BroadcastError
	if stderrors.As(err, &be) {
		if be.Code == code {
			return true
		}
		return IsCode(be.Err, code)
	}
	return false
}

// Message returns the human-readable part of a BroadcastError, or err.Error() otherwise.
func Message(err error) string {
	var be *BroadcastError
	if stderrors.As(err, &be) {
		return be.Msg
	}
	return err.Error()
}

// MissingConfig reports a required settings field that is empty.
func MissingConfig(op, field string) error {
	return New(ErrCodeMissingConfig, op, "missing required setting: "+field, nil)
}

// Personal.AI order the ending
