// Package dbconn is the database-connection abstraction the core consumes
//: Execute for a buffered statement, ExecuteStreaming for a cursor the
// caller drains row by row, and WithTx for a scoped transaction that
// releases all resources on any exit path. The core never imports pgx
// directly outside this package, so a second SQL-executing backend only
// needs to satisfy Conn.
package dbconn

import "context"

// Rows is the narrow slice of pgx.Rows the core needs: advance, scan, report
// the terminal error, release. Both Execute and ExecuteStreaming return one;
// the reference implementation backs both with the same pgx cursor, since
// pgx already streams, but callers that only want the buffered terminal
// error should still call Close.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close()
}

// Tx is the transactional handle passed into WithTx's callback.
type Tx interface {
	Execute(ctx context.Context, sql string, args ...any) (Rows, error)
}

// Conn is the connection abstraction every cache backend and the queue's
// durable store are built against.
type Conn interface {
	Execute(ctx context.Context, sql string, args ...any) (Rows, error)
	ExecuteStreaming(ctx context.Context, sql string, args ...any) (Rows, error)
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Close()
}
