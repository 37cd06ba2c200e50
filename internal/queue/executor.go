package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/partitioncache/partitioncache/internal/dbconn"
	"github.com/partitioncache/partitioncache/internal/pktype"
)

// Executor runs a fragment's SQL against the database and collects the
// distinct partition-key values it produces. It is split out from Worker so
// tests can substitute a fake without a real database. truncated reports
// that the query produced limit or more values — cardinality equal to the
// limit already tombstones, so values is then a discardable partial set.
type Executor interface {
	Run(ctx context.Context, sql string, dt pktype.Datatype, limit int) (values []pktype.Value, truncated bool, err error)
}

// ConnExecutor runs fragments through a dbconn.Conn, scanning the single
// projected column into a typed pktype.Value per row.
type ConnExecutor struct {
	Conn dbconn.Conn
}

func (e ConnExecutor) Run(ctx context.Context, sql string, dt pktype.Datatype, limit int) ([]pktype.Value, bool, error) {
	rows, err := e.Conn.ExecuteStreaming(ctx, sql)
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()

	var values []pktype.Value

	truncated := false
	seen := 0

	for rows.Next() {
		seen++

		// Cardinality at or above the limit is over the line, so the
		// limit-th row itself already decides the outcome; no point
		// scanning the rest.
		if limit > 0 && seen >= limit {
			truncated = true
			break
		}

		v, err := scanValue(rows, dt)
		if err != nil {
			return nil, false, err
		}

		values = append(values, v)
	}

	if err := rows.Err(); err != nil {
		return nil, false, err
	}

	return values, truncated, nil
}

func scanValue(rows dbconn.Rows, dt pktype.Datatype) (pktype.Value, error) {
	switch dt {
	case pktype.Int32, pktype.Int64:
		var v int64
		if err := rows.Scan(&v); err != nil {
			return pktype.Value{}, fmt.Errorf("scan int value: %w", err)
		}

		return pktype.IntValue(dt, v), nil

	case pktype.Float:
		var v float64
		if err := rows.Scan(&v); err != nil {
			return pktype.Value{}, fmt.Errorf("scan float value: %w", err)
		}

		return pktype.FloatValue(v), nil

	case pktype.Text:
		var v string
		if err := rows.Scan(&v); err != nil {
			return pktype.Value{}, fmt.Errorf("scan text value: %w", err)
		}

		return pktype.TextValue(v), nil

	case pktype.Timestamp:
		var v time.Time
		if err := rows.Scan(&v); err != nil {
			return pktype.Value{}, fmt.Errorf("scan timestamp value: %w", err)
		}

		return pktype.TimestampValue(v), nil

	default:
		return pktype.Value{}, fmt.Errorf("scan value: unsupported datatype %s", dt)
	}
}
