package godb

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a GoDBError, mirroring the kinds of logical
// storage errors the engine can raise (DbException in the lab writeup
// this package is modeled on).
type ErrorKind int

const (
	TypeMismatchError ErrorKind = iota
	MalformedDataError
	AmbiguousNameError
	IncompatibleTypesError
	BufferPoolFullError
	NoSuchTableError
	NoSuchPageError
	IteratorNotOpenError
	PageDispatchError
	IllegalArgumentError
	IoError
	ParseError
)

// GoDBError is a logical storage error (DbException). It always carries
// a kind so callers can branch on the failure category without parsing
// the message string.
type GoDBError struct {
	code      ErrorKind
	errString string
}

func (e GoDBError) Error() string {
	return e.errString
}

func (e GoDBError) Code() ErrorKind {
	return e.code
}

func newGoDBError(code ErrorKind, format string, args ...interface{}) GoDBError {
	return GoDBError{code: code, errString: fmt.Sprintf(format, args...)}
}

// TransactionAbortedError is raised by the lock manager when a deadlock
// involving the calling transaction is detected. A waiter cannot be
// interrupted from outside: LockPage has no cancellation input, so a
// waiter that is not in a deadlock waits until the lock is granted.
// Callers are expected to respond by invoking
// BufferPool.TransactionComplete(tid, false).
type TransactionAbortedError struct {
	Reason string
}

func (e *TransactionAbortedError) Error() string {
	return fmt.Sprintf("transaction aborted: %s", e.Reason)
}

// IsTransactionAborted reports whether err is (or wraps) a
// TransactionAbortedError.
func IsTransactionAborted(err error) bool {
	var aborted *TransactionAbortedError
	return errors.As(err, &aborted)
}
