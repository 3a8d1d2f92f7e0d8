package engine

import "errors"

// --------------------------------------------------------------------------
// Sentinel Errors
// --------------------------------------------------------------------------

// The engine surfaces a fixed set of return conditions. Callers compare with
// errors.Is; implementations may wrap these with context.
var (
	// ErrBusy indicates the object is in use (open cursors, active backup).
	ErrBusy = errors.New("engine: resource busy")

	// ErrNotFound indicates a missing table, key, or timestamp. Cursors also
	// return it to signal end of iteration.
	ErrNotFound = errors.New("engine: not found")

	// ErrTrySalvage indicates metadata corruption that salvage may repair.
	ErrTrySalvage = errors.New("engine: metadata corrupted, salvage may help")

	// ErrRollback indicates a transaction lost a conflict and must retry.
	ErrRollback = errors.New("engine: conflict between concurrent operations")

	// ErrCacheFull indicates the engine cache cannot absorb more dirty data.
	ErrCacheFull = errors.New("engine: cache full")

	// ErrShutdown indicates the connection is closing.
	ErrShutdown = errors.New("engine: connection shutting down")

	// ErrInvalid indicates an unparseable or unacceptable configuration.
	ErrInvalid = errors.New("engine: invalid argument")
)

// IsBusy reports whether err is (or wraps) ErrBusy.
func IsBusy(err error) bool { return errors.Is(err, ErrBusy) }

// IsNotFound reports whether err is (or wraps) ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
