package query

import (
	"errors"
	"fmt"
)

// QueryErrorKind enumerates the query-layer error taxonomy:
// type errors discovered before evaluation, and evaluation-time
// failures.
type QueryErrorKind int

const (
	ErrMissingDataTable QueryErrorKind = iota
	ErrJoinKeyMismatch
	ErrUnhashableKey
	ErrNoPrimaryKey
	ErrCrossProductExplosion
	ErrDoesNotExist
)

// QueryError is returned by TypeCheck/Eval for failures intrinsic to
// the query plan itself, as opposed to DataError values carried
// inside individual cells.
type QueryError struct {
	Kind    QueryErrorKind
	Message string
}

func (e *QueryError) Error() string { return e.Message }

func missingTable(id string) *QueryError {
	return &QueryError{Kind: ErrMissingDataTable, Message: fmt.Sprintf("query: data table %q does not exist", id)}
}

func doesNotExist() *QueryError {
	return &QueryError{Kind: ErrDoesNotExist, Message: "query: no data source exists for this query"}
}

// IsDoesNotExist reports whether err is the existence short-circuit
// produced by Run, which callers treat as "skip this table" rather
// than as a failure.
func IsDoesNotExist(err error) bool {
	var qerr *QueryError
	return errors.As(err, &qerr) && qerr.Kind == ErrDoesNotExist
}

func joinKeyMismatch(msg string) *QueryError {
	return &QueryError{Kind: ErrJoinKeyMismatch, Message: "query: " + msg}
}

func unhashableKey(col string) *QueryError {
	return &QueryError{Kind: ErrUnhashableKey, Message: fmt.Sprintf("query: join key %q is not hashable", col)}
}

func noPrimaryKey() *QueryError {
	return &QueryError{Kind: ErrNoPrimaryKey, Message: "query: join requires at least one operand's key set to be a declared primary key"}
}
