package sqlast

import "errors"

var (
	// ErrSyntax is returned by Parse for any token-stream shape this parser
	// does not recognise.
	ErrSyntax = errors.New("sql syntax error")
	// ErrSetOperation is returned by Parse when the statement combines
	// multiple SELECTs with UNION/INTERSECT/EXCEPT — out of scope for a
	// fragment query.
	ErrSetOperation = errors.New("set operations are not supported")
	// ErrNotSelect is returned when the statement is not a single SELECT.
	ErrNotSelect = errors.New("statement is not a SELECT")
)
