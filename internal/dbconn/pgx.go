package dbconn

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/partitioncache/partitioncache/internal/util"
)

// PgxConn is the reference Conn implementation: a pgxpool.Pool behind the
// Conn interface, so internal/cache and internal/queue depend on the
// abstraction rather than on pgx directly.
type PgxConn struct {
	pool *pgxpool.Pool
}

// Open parses url, builds a pool, and pings it once so configuration
// mistakes surface at startup rather than on the first query.
func Open(ctx context.Context, url string) (*PgxConn, error) {
	poolConfig, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("%w: parse pool config: %w", ErrSetup, err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("%w: create connection pool: %w", ErrSetup, err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()

		return nil, fmt.Errorf("%w: ping database: %w", ErrSetup, err)
	}

	return &PgxConn{pool: pool}, nil
}

// FromPool wraps an already-constructed pool, for callers (tests, CLIs that
// share one pool across backends) that build their own pgxpool.Pool.
func FromPool(pool *pgxpool.Pool) *PgxConn {
	return &PgxConn{pool: pool}
}

func (c *PgxConn) Close() {
	c.pool.Close()
}

func (c *PgxConn) Execute(ctx context.Context, sql string, args ...any) (Rows, error) {
	rows, err := c.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, util.WrapError("execute query", err)
	}

	return rows, nil
}

// ExecuteStreaming is backed by the same pgx cursor as Execute: pgx already
// streams rows off the wire, so there is no separate buffered path to avoid.
func (c *PgxConn) ExecuteStreaming(ctx context.Context, sql string, args ...any) (Rows, error) {
	return c.Execute(ctx, sql, args...)
}

// WithTx runs fn inside a transaction, committing on a nil return and
// rolling back (releasing all resources) on any other exit path: an error
// from fn, or a panic in fn, which is re-raised after the rollback.
func (c *PgxConn) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return util.WrapError("begin transaction", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
	}()

	if err := fn(ctx, pgxTx{tx: tx}); err != nil {
		_ = tx.Rollback(ctx)

		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return util.WrapError("commit transaction", err)
	}

	return nil
}

type pgxTx struct {
	tx pgx.Tx
}

func (t pgxTx) Execute(ctx context.Context, sql string, args ...any) (Rows, error) {
	rows, err := t.tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, util.WrapError("execute query in transaction", err)
	}

	return rows, nil
}
