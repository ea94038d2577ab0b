package errors

import (
	stderrors "errors"
	"fmt"
)

type ErrorType string

const (
	ErrorTypeNotFound   ErrorType = "NOT_FOUND"
	ErrorTypeValidation ErrorType = "VALIDATION"
	ErrorTypeInternal   ErrorType = "INTERNAL"
	ErrorTypeCancelled  ErrorType = "CANCELLED"

	// Contention: transient, retry with fresh state.
	ErrorTypeRepBeingWritten ErrorType = "REP_BEING_WRITTEN"
	ErrorTypeTxnOutOfDate    ErrorType = "TXN_OUT_OF_DATE"

	// Policy: the request is invalid given the repository state.
	ErrorTypeAmbiguousMove      ErrorType = "AMBIGUOUS_MOVE"
	ErrorTypeIncompleteMove     ErrorType = "INCOMPLETE_MOVE"
	ErrorTypeCorruptChangeOrder ErrorType = "CORRUPT_CHANGE_ORDER"
	ErrorTypeLockNotHeld        ErrorType = "LOCK_NOT_HELD"
	ErrorTypeNoSuchTxn          ErrorType = "NO_SUCH_TRANSACTION"
	ErrorTypeNoSuchRevision     ErrorType = "NO_SUCH_REVISION"

	// Corruption: fatal, never auto-repaired.
	ErrorTypeIndexInconsistent       ErrorType = "INDEX_INCONSISTENT"
	ErrorTypeIndexCorruption         ErrorType = "INDEX_CORRUPTION"
	ErrorTypeCorruptPredecessorCount ErrorType = "CORRUPT_PREDECESSOR_COUNT"
	ErrorTypeChecksumMismatch        ErrorType = "CHECKSUM_MISMATCH"
	ErrorTypeMalformedDigest         ErrorType = "MALFORMED_DIGEST"
	ErrorTypeCorrupt                 ErrorType = "CORRUPT"
)

// Category groups error types by how callers are expected to react.
type Category string

const (
	CategoryContention Category = "contention"
	CategoryPolicy     Category = "policy"
	CategoryCorruption Category = "corruption"
	CategoryResource   Category = "resource"
)

var categories = map[ErrorType]Category{
	ErrorTypeRepBeingWritten:         CategoryContention,
	ErrorTypeTxnOutOfDate:            CategoryContention,
	ErrorTypeAmbiguousMove:           CategoryPolicy,
	ErrorTypeIncompleteMove:          CategoryPolicy,
	ErrorTypeCorruptChangeOrder:      CategoryPolicy,
	ErrorTypeLockNotHeld:             CategoryPolicy,
	ErrorTypeNoSuchTxn:               CategoryPolicy,
	ErrorTypeNoSuchRevision:          CategoryPolicy,
	ErrorTypeNotFound:                CategoryPolicy,
	ErrorTypeValidation:              CategoryPolicy,
	ErrorTypeIndexInconsistent:       CategoryCorruption,
	ErrorTypeIndexCorruption:         CategoryCorruption,
	ErrorTypeCorruptPredecessorCount: CategoryCorruption,
	ErrorTypeChecksumMismatch:        CategoryCorruption,
	ErrorTypeMalformedDigest:         CategoryCorruption,
	ErrorTypeCorrupt:                 CategoryCorruption,
}

type Error struct {
	Type    ErrorType `json:"type"`
	Message string    `json:"message"`
	Details any       `json:"details,omitempty"`
	Err     error     `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(t ErrorType, format string, args ...any) *Error {
	return &Error{
		Type:    t,
		Message: fmt.Sprintf(format, args...),
	}
}

func Wrap(t ErrorType, err error, format string, args ...any) *Error {
	return &Error{
		Type:    t,
		Message: fmt.Sprintf(format, args...),
		Err:     err,
	}
}

// Is, As and Join are re-exported so callers need only one errors import.
func Is(err, target error) bool { return stderrors.Is(err, target) }

func As(err error, target any) bool { return stderrors.As(err, target) }

func Join(errs ...error) error { return stderrors.Join(errs...) }

// TypeOf returns the type of the outermost *Error in err's chain, or "".
func TypeOf(err error) ErrorType {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Type
	}
	return ""
}

// IsType reports whether any *Error in err's chain has type t.
func IsType(err error, t ErrorType) bool {
	for err != nil {
		var e *Error
		if !stderrors.As(err, &e) {
			return false
		}
		if e.Type == t {
			return true
		}
		err = e.Err
	}
	return false
}

// CategoryOf classifies err; anything untyped is a resource error.
func CategoryOf(err error) Category {
	if c, ok := categories[TypeOf(err)]; ok {
		return c
	}
	return CategoryResource
}

func IsCorruption(err error) bool {
	return CategoryOf(err) == CategoryCorruption
}

func NotFound(message string) *Error {
	return &Error{
		Type:    ErrorTypeNotFound,
		Message: message,
	}
}

func ValidationError(message string, details any) *Error {
	return &Error{
		Type:    ErrorTypeValidation,
		Message: message,
		Details: details,
	}
}

func Cancelled(err error) *Error {
	return Wrap(ErrorTypeCancelled, err, "operation cancelled")
}

// RepBeingWritten reports contention on a transaction's proto-rev file.
func RepBeingWritten(txn string, sameProcess bool) *Error {
	if sameProcess {
		return New(ErrorTypeRepBeingWritten,
			"cannot write to the prototype revision file of transaction '%s' because a previous representation is currently being written by this process", txn)
	}
	return New(ErrorTypeRepBeingWritten,
		"cannot write to the prototype revision file of transaction '%s' because a previous representation is currently being written by another process", txn)
}

func TxnOutOfDate(base, youngest int64) *Error {
	return &Error{
		Type:    ErrorTypeTxnOutOfDate,
		Message: "transaction out of date",
		Details: map[string]int64{"base": base, "youngest": youngest},
	}
}

func AmbiguousMove(path string) *Error {
	return New(ErrorTypeAmbiguousMove, "path '%s' has been moved to more than one target", path)
}

func IncompleteMove(path string) *Error {
	return New(ErrorTypeIncompleteMove, "path '%s' has been moved without being deleted", path)
}

func CorruptChangeOrder(format string, args ...any) *Error {
	return New(ErrorTypeCorruptChangeOrder, "invalid change ordering: "+format, args...)
}

func LockNotHeld(format string, args ...any) *Error {
	return New(ErrorTypeLockNotHeld, format, args...)
}

func NoSuchTxn(name string) *Error {
	return New(ErrorTypeNoSuchTxn, "no such transaction '%s'", name)
}

func NoSuchRevision(rev int64) *Error {
	return New(ErrorTypeNoSuchRevision, "no such revision %d", rev)
}

func IndexInconsistent(format string, args ...any) *Error {
	return New(ErrorTypeIndexInconsistent, format, args...)
}

func IndexCorruption(format string, args ...any) *Error {
	return New(ErrorTypeIndexCorruption, format, args...)
}

func CorruptPredecessorCount(rev int64, rootCount, headCount int) *Error {
	return &Error{
		Type: ErrorTypeCorruptPredecessorCount,
		Message: fmt.Sprintf("predecessor count for the root node-revision is wrong: "+
			"found (%d+%d != %d), committing r%d", headCount, rootCount-headCount, rootCount, rev),
		Details: map[string]int{"root": rootCount, "head": headCount},
	}
}

func Corrupt(format string, args ...any) *Error {
	return New(ErrorTypeCorrupt, format, args...)
}

func MalformedDigest(kind, value string) *Error {
	return New(ErrorTypeMalformedDigest, "malformed %s digest '%s'", kind, value)
}
