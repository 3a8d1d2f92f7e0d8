package adapter

import (
	"errors"
	"fmt"
)

// --------------------------------------------------------------------------
// Error Codes
// --------------------------------------------------------------------------

type ErrCode uint64

const (
	ErrCInternalError         ErrCode = iota + 1 // 1: Internal failure.
	ErrCIOError                                  // 2: Filesystem or engine read/write failure.
	ErrCInvalidPath                              // 3: Missing backup source, non-empty backup target.
	ErrCInvalidOptions                           // 4: Bad create config or parameter value.
	ErrCNotFound                                 // 5: Ident or file absent.
	ErrCDataModifiedByRepair                     // 6: Ident was rebuilt; treat as empty.
	ErrCUnrecoverableRollback                    // 7: rollback_to_stable cannot proceed.
	ErrCMemoryLimit                              // 8: Engine cache full.
	ErrCShutdownInProgress                       // 9: The adapter is shutting down.
)

func (c ErrCode) String() string {
	switch c {
	case ErrCInternalError:
		return "InternalError"
	case ErrCIOError:
		return "IOError"
	case ErrCInvalidPath:
		return "InvalidPath"
	case ErrCInvalidOptions:
		return "InvalidOptions"
	case ErrCNotFound:
		return "NotFound"
	case ErrCDataModifiedByRepair:
		return "DataModifiedByRepair"
	case ErrCUnrecoverableRollback:
		return "UnrecoverableRollback"
	case ErrCMemoryLimit:
		return "MemoryLimit"
	case ErrCShutdownInProgress:
		return "ShutdownInProgress"
	default:
		return "Unknown"
	}
}

// --------------------------------------------------------------------------
// Custom Error Type
// --------------------------------------------------------------------------

// Error is the error type returned by all foreground adapter operations. It
// wraps an ErrCode, a message and an optional cause.
type Error struct {
	Code  ErrCode
	Msg   string
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("KVEngineError (code %s): %s: %v", e.Code, e.Msg, e.Cause)
	}
	return fmt.Sprintf("KVEngineError (code %s): %s", e.Code, e.Msg)
}

// Unwrap exposes the cause for errors.Is / errors.As chains.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrCode, msg string) *Error {
	return &Error{Code: code, Msg: msg}
}

// WrapError creates a new Error around a cause.
func WrapError(code ErrCode, cause error, msg string) *Error {
	return &Error{Code: code, Msg: msg, Cause: cause}
}

// Errorf creates a new Error with a formatted message.
func Errorf(code ErrCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the ErrCode from an error chain. A nil error reports zero;
// an error that is not an *Error reports ErrCInternalError.
func CodeOf(err error) ErrCode {
	if err == nil {
		return 0
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrCInternalError
}

// IsCode reports whether the error chain carries the given code.
func IsCode(err error, code ErrCode) bool {
	return CodeOf(err) == code
}
