package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/partitioncache/partitioncache/internal/dbconn"
	"github.com/partitioncache/partitioncache/internal/fingerprint"
	"github.com/partitioncache/partitioncache/internal/jobname"
	"github.com/partitioncache/partitioncache/internal/pktype"
	"github.com/partitioncache/partitioncache/internal/util"
)

// PostgresStore is the durable Store backing a multi-process deployment
//: the original and
// fragment queues, the active-job admission table, the query log, and a
// skip log all live as ordinary tables under one table_prefix, with
// SELECT ... FOR UPDATE SKIP LOCKED doing the work MemStore does with an
// in-process mutex and a locked set.
type PostgresStore struct {
	conn   dbconn.Conn
	prefix string
}

// OpenPostgresStore bootstraps every table this store needs and returns a
// Store bound to prefix.
func OpenPostgresStore(ctx context.Context, conn dbconn.Conn, prefix string) (*PostgresStore, error) {
	s := &PostgresStore{conn: conn, prefix: prefix}

	if err := s.bootstrap(ctx); err != nil {
		return nil, fmt.Errorf("bootstrap queue store: %w", err)
	}

	return s, nil
}

func (s *PostgresStore) originalTable() string { return jobname.Truncate(s.prefix + "_queue_original") }
func (s *PostgresStore) fragmentTable() string  { return jobname.Truncate(s.prefix + "_queue_fragment") }
func (s *PostgresStore) activeTable() string    { return jobname.Truncate(s.prefix + "_active_jobs") }
func (s *PostgresStore) queryLogTable() string  { return jobname.Truncate(s.prefix + "_query_log") }
func (s *PostgresStore) skipLogTable() string   { return jobname.Truncate(s.prefix + "_skip_log") }

func (s *PostgresStore) bootstrap(ctx context.Context) error {
	ddls := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id BIGSERIAL PRIMARY KEY,
			sql TEXT NOT NULL,
			partition_key TEXT NOT NULL,
			datatype TEXT NOT NULL,
			priority INT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL
		)`, s.originalTable()),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			hash TEXT NOT NULL,
			partition_key TEXT NOT NULL,
			datatype TEXT NOT NULL,
			sql TEXT NOT NULL,
			original_sql TEXT NOT NULL,
			priority INT NOT NULL DEFAULT 0,
			cache_backend TEXT NOT NULL,
			claimed BOOLEAN NOT NULL DEFAULT false,
			created_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (hash, partition_key)
		)`, s.fragmentTable()),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			hash TEXT NOT NULL,
			partition_key TEXT NOT NULL,
			worker_id TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (hash, partition_key)
		)`, s.activeTable()),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			hash TEXT NOT NULL,
			partition_key TEXT NOT NULL,
			original_sql TEXT NOT NULL,
			status TEXT NOT NULL,
			last_seen TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (hash, partition_key)
		)`, s.queryLogTable()),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id BIGSERIAL PRIMARY KEY,
			hash TEXT NOT NULL,
			partition_key TEXT NOT NULL,
			skipped_at TIMESTAMPTZ NOT NULL
		)`, s.skipLogTable()),
	}

	for _, ddl := range ddls {
		if _, err := s.conn.Execute(ctx, ddl); err != nil {
			return util.WrapError("create queue table", err)
		}
	}

	return nil
}

func (s *PostgresStore) EnqueueOriginal(ctx context.Context, item OriginalItem, maxSize int) (AddResult, error) {
	if maxSize > 0 {
		full, err := s.atCapacity(ctx, s.originalTable(), maxSize)
		if err != nil {
			return AddError, err
		}

		if full {
			return AddError, ErrQueueFull
		}
	}

	query := fmt.Sprintf(`INSERT INTO %s (sql, partition_key, datatype, priority, created_at) VALUES ($1, $2, $3, $4, $5)`, s.originalTable())
	if _, err := s.conn.Execute(ctx, query, item.SQL, item.PartitionKey, item.Datatype.String(), item.Priority, time.Now()); err != nil {
		return AddError, fmt.Errorf("enqueue original: %w", err)
	}

	return AddInserted, nil
}

func (s *PostgresStore) DequeueOriginal(ctx context.Context) (OriginalItem, bool, error) {
	var item OriginalItem

	found := false

	err := s.conn.WithTx(ctx, func(ctx context.Context, tx dbconn.Tx) error {
		rows, err := tx.Execute(ctx, fmt.Sprintf(`SELECT id, sql, partition_key, datatype, priority, created_at
			FROM %s ORDER BY priority DESC, id ASC LIMIT 1 FOR UPDATE SKIP LOCKED`, s.originalTable()))
		if err != nil {
			return util.WrapError("select original", err)
		}

		var id int64

		if rows.Next() {
			var dt string
			if err := rows.Scan(&id, &item.SQL, &item.PartitionKey, &dt, &item.Priority, &item.CreatedAt); err != nil {
				rows.Close()
				return util.WrapError("scan original", err)
			}

			item.Datatype, err = pktype.ParseDatatype(dt)
			if err != nil {
				rows.Close()
				return util.WrapError("parse original datatype", err)
			}

			found = true
		}

		rows.Close()

		if !found {
			return nil
		}

		if _, err := tx.Execute(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.originalTable()), id); err != nil {
			return util.WrapError("delete dequeued original", err)
		}

		return nil
	})

	return item, found, err
}

func (s *PostgresStore) EnqueueFragment(ctx context.Context, item Item, maxSize int) (AddResult, error) {
	var inserted bool

	query := fmt.Sprintf(`INSERT INTO %s (hash, partition_key, datatype, sql, original_sql, priority, cache_backend, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (hash, partition_key) DO UPDATE SET priority = %s.priority + 1
		RETURNING (xmax = 0)`, s.fragmentTable(), s.fragmentTable())

	rows, err := s.conn.Execute(ctx, query, string(item.Hash), item.PartitionKey, item.Datatype.String(),
		item.SQL, item.OriginalSQL, item.Priority, item.CacheBackend, time.Now())
	if err != nil {
		return AddError, fmt.Errorf("enqueue fragment: %w", err)
	}
	defer rows.Close()

	if rows.Next() {
		if err := rows.Scan(&inserted); err != nil {
			return AddError, fmt.Errorf("scan enqueue fragment result: %w", err)
		}
	}

	if inserted {
		if maxSize > 0 {
			full, err := s.atCapacity(ctx, s.fragmentTable(), maxSize)
			if err != nil {
				return AddError, err
			}

			if full {
				if _, derr := s.conn.Execute(ctx, fmt.Sprintf(`DELETE FROM %s WHERE hash = $1 AND partition_key = $2`, s.fragmentTable()),
					string(item.Hash), item.PartitionKey); derr != nil {
					return AddError, fmt.Errorf("roll back over-capacity fragment insert: %w", derr)
				}

				return AddError, ErrQueueFull
			}
		}

		return AddInserted, nil
	}

	return AddUpdated, nil
}

// DequeueFragment claims one unclaimed fragment row, skipping any whose
// (H, P) the checker already reports as built — those are deleted on the
// spot rather than handed to a worker. The scan is bounded so
// a long run of already-built rows cannot turn one dequeue into an
// unbounded table scan.
func (s *PostgresStore) DequeueFragment(ctx context.Context, checker FragmentChecker) (Item, bool, error) {
	const scanLimit = 50

	var (
		item  Item
		found bool
	)

	err := s.conn.WithTx(ctx, func(ctx context.Context, tx dbconn.Tx) error {
		rows, err := tx.Execute(ctx, fmt.Sprintf(`SELECT hash, partition_key, datatype, sql, original_sql, priority, cache_backend, created_at
			FROM %s WHERE claimed = false ORDER BY priority DESC, created_at ASC LIMIT %d FOR UPDATE SKIP LOCKED`,
			s.fragmentTable(), scanLimit))
		if err != nil {
			return util.WrapError("select fragments", err)
		}

		type candidate struct {
			item Item
		}

		var candidates []candidate

		for rows.Next() {
			var (
				hash, dt string
				it       Item
			)

			if err := rows.Scan(&hash, &it.PartitionKey, &dt, &it.SQL, &it.OriginalSQL, &it.Priority, &it.CacheBackend, &it.CreatedAt); err != nil {
				rows.Close()
				return util.WrapError("scan fragment", err)
			}

			it.Hash = fingerprint.Hash(hash)

			parsed, err := pktype.ParseDatatype(dt)
			if err != nil {
				rows.Close()
				return util.WrapError("parse fragment datatype", err)
			}

			it.Datatype = parsed
			candidates = append(candidates, candidate{item: it})
		}

		rows.Close()

		var alreadyBuilt []Item

		for _, c := range candidates {
			if checker != nil {
				ok, err := checker.Decided(ctx, c.item.PartitionKey, c.item.Hash)
				if err != nil {
					return err
				}

				if ok {
					alreadyBuilt = append(alreadyBuilt, c.item)
					continue
				}
			}

			if !found {
				item = c.item
				found = true
			}
		}

		for _, it := range alreadyBuilt {
			if _, err := tx.Execute(ctx, fmt.Sprintf(`DELETE FROM %s WHERE hash = $1 AND partition_key = $2`, s.fragmentTable()),
				string(it.Hash), it.PartitionKey); err != nil {
				return util.WrapError("delete already-built fragment", err)
			}
		}

		if !found {
			return nil
		}

		if _, err := tx.Execute(ctx, fmt.Sprintf(`UPDATE %s SET claimed = true WHERE hash = $1 AND partition_key = $2`, s.fragmentTable()),
			string(item.Hash), item.PartitionKey); err != nil {
			return util.WrapError("claim fragment", err)
		}

		return nil
	})

	return item, found, err
}

func (s *PostgresStore) AdmitJob(ctx context.Context, h fingerprint.Hash, partitionKey, workerID string) (bool, error) {
	query := fmt.Sprintf(`INSERT INTO %s (hash, partition_key, worker_id, started_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (hash, partition_key) DO NOTHING RETURNING 1`, s.activeTable())

	rows, err := s.conn.Execute(ctx, query, string(h), partitionKey, workerID, time.Now())
	if err != nil {
		return false, fmt.Errorf("admit job: %w", err)
	}
	defer rows.Close()

	return rows.Next(), nil
}

func (s *PostgresStore) ReleaseJob(ctx context.Context, h fingerprint.Hash, partitionKey string) error {
	if _, err := s.conn.Execute(ctx, fmt.Sprintf(`DELETE FROM %s WHERE hash = $1 AND partition_key = $2`, s.activeTable()),
		string(h), partitionKey); err != nil {
		return fmt.Errorf("release job: %w", err)
	}

	return nil
}

func (s *PostgresStore) RemoveFragment(ctx context.Context, h fingerprint.Hash, partitionKey string) error {
	if _, err := s.conn.Execute(ctx, fmt.Sprintf(`DELETE FROM %s WHERE hash = $1 AND partition_key = $2`, s.fragmentTable()),
		string(h), partitionKey); err != nil {
		return fmt.Errorf("remove fragment: %w", err)
	}

	return nil
}

func (s *PostgresStore) CleanupStaleJobs(ctx context.Context, staleAfter time.Duration) (int, error) {
	cutoff := time.Now().Add(-staleAfter)

	rows, err := s.conn.Execute(ctx, fmt.Sprintf(`WITH stale AS (
			DELETE FROM %s WHERE started_at < $1 RETURNING hash, partition_key
		), unclaimed AS (
			UPDATE %s f SET claimed = false FROM stale WHERE f.hash = stale.hash AND f.partition_key = stale.partition_key
		)
		SELECT hash FROM stale`, s.activeTable(), s.fragmentTable()), cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup stale jobs: %w", err)
	}
	defer rows.Close()

	removed := 0

	for rows.Next() {
		var hash string
		if err := rows.Scan(&hash); err != nil {
			return removed, fmt.Errorf("scan stale job: %w", err)
		}

		removed++
	}

	return removed, rows.Err()
}

func (s *PostgresStore) IdleSweep(ctx context.Context, checker FragmentChecker) (int, error) {
	if checker == nil {
		return 0, nil
	}

	rows, err := s.conn.ExecuteStreaming(ctx, fmt.Sprintf(`SELECT hash, partition_key, original_sql FROM %s WHERE claimed = false`, s.fragmentTable()))
	if err != nil {
		return 0, fmt.Errorf("list fragments for idle sweep: %w", err)
	}

	type pending struct {
		hash, partitionKey, originalSQL string
	}

	var items []pending

	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.hash, &p.partitionKey, &p.originalSQL); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan idle sweep candidate: %w", err)
		}

		items = append(items, p)
	}

	rows.Close()

	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate idle sweep candidates: %w", err)
	}

	removed := 0

	for _, p := range items {
		ok, err := checker.Decided(ctx, p.partitionKey, fingerprint.Hash(p.hash))
		if err != nil {
			return removed, err
		}

		if !ok {
			continue
		}

		if err := s.RemoveFragment(ctx, fingerprint.Hash(p.hash), p.partitionKey); err != nil {
			return removed, err
		}

		if _, err := s.conn.Execute(ctx, fmt.Sprintf(`UPDATE %s SET last_seen = $3 WHERE hash = $1 AND partition_key = $2`, s.queryLogTable()),
			p.hash, p.partitionKey, time.Now()); err != nil {
			return removed, fmt.Errorf("refresh query log last_seen: %w", err)
		}

		removed++
	}

	return removed, nil
}

func (s *PostgresStore) UpsertQueryLog(ctx context.Context, row QueryLogRow) error {
	if row.LastSeen.IsZero() {
		row.LastSeen = time.Now()
	}

	query := fmt.Sprintf(`INSERT INTO %s (hash, partition_key, original_sql, status, last_seen)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (hash, partition_key) DO UPDATE SET original_sql = $3, status = $4, last_seen = $5`, s.queryLogTable())

	if _, err := s.conn.Execute(ctx, query, string(row.Hash), row.PartitionKey, row.OriginalSQL, row.Status, row.LastSeen); err != nil {
		return fmt.Errorf("upsert query log: %w", err)
	}

	return nil
}

func (s *PostgresStore) RecordSkip(ctx context.Context, h fingerprint.Hash, partitionKey string) error {
	query := fmt.Sprintf(`INSERT INTO %s (hash, partition_key, skipped_at) VALUES ($1, $2, $3)`, s.skipLogTable())

	if _, err := s.conn.Execute(ctx, query, string(h), partitionKey, time.Now()); err != nil {
		return fmt.Errorf("record skip: %w", err)
	}

	return nil
}

func (s *PostgresStore) atCapacity(ctx context.Context, table string, maxSize int) (bool, error) {
	rows, err := s.conn.Execute(ctx, fmt.Sprintf(`SELECT count(*) FROM %s`, table))
	if err != nil {
		return false, fmt.Errorf("count %s: %w", table, err)
	}
	defer rows.Close()

	var count int

	if rows.Next() {
		if err := rows.Scan(&count); err != nil {
			return false, fmt.Errorf("scan count %s: %w", table, err)
		}
	}

	return count >= maxSize, nil
}
