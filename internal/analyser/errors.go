package analyser

import "errors"

// ErrUnanalysableQuery is returned when the statement is not a single SELECT,
// is not conjunctive at the top level, or contains a set operation.
// Such queries bypass the cache entirely.
var ErrUnanalysableQuery = errors.New("unanalysable query")
