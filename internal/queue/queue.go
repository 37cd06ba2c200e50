// Package queue implements a durable, priority-ordered FIFO
// keyed by (fingerprint, partition key), a dispatcher that expands
// original-query items into fragment items, and a worker loop that admits,
// executes, and commits or tombstones one fragment at a time under an
// at-most-one-build-per-(H,P) invariant.
package queue

import (
	"context"
	"time"

	"github.com/partitioncache/partitioncache/internal/fingerprint"
	"github.com/partitioncache/partitioncache/internal/pktype"
)

// AddResult is add_to_queue's outcome enum.
type AddResult int

const (
	AddError AddResult = iota
	AddInserted
	AddUpdated
	AddSkippedLocked
	AddSkippedConcurrent
)

func (r AddResult) String() string {
	switch r {
	case AddInserted:
		return "inserted"
	case AddUpdated:
		return "updated"
	case AddSkippedLocked:
		return "skipped_locked"
	case AddSkippedConcurrent:
		return "skipped_concurrent"
	default:
		return "error"
	}
}

// ProcessResult is process_once's outcome enum.
type ProcessResult int

const (
	ProcessError ProcessResult = iota
	ProcessProcessed
	ProcessSkipped
	ProcessNoJobs
	ProcessCleanup
)

func (r ProcessResult) String() string {
	switch r {
	case ProcessProcessed:
		return "processed"
	case ProcessSkipped:
		return "skipped"
	case ProcessNoJobs:
		return "no_jobs"
	case ProcessCleanup:
		return "cleanup"
	default:
		return "error"
	}
}

// OriginalItem is a row of the original-query queue, fed from the public
// API's AddToQueue.
type OriginalItem struct {
	SQL          string
	PartitionKey string
	Datatype     pktype.Datatype
	Priority     int
	CreatedAt    time.Time
}

// Item is a row of the fragment queue: (fragment-SQL, H, P, datatype,
// priority, created_at), unique on (H, P) within the queue. CacheBackend
// names which configured backend this fragment targets, since a deployment
// may run more than one.
type Item struct {
	Hash         fingerprint.Hash
	PartitionKey string
	Datatype     pktype.Datatype
	SQL          string
	Priority     int
	CacheBackend string
	CreatedAt    time.Time

	// OriginalSQL retains the user-facing query that produced this
	// fragment, for audit even after fragment expansion. The dispatcher
	// copies it through rather than re-deriving it.
	OriginalSQL string
}

// ActiveJob is the (H, P, worker-id, started_at) admission record that
// enforces at-most-one-build.
type ActiveJob struct {
	Hash         fingerprint.Hash
	PartitionKey string
	WorkerID     string
	StartedAt    time.Time
}

// QueryLogRow is (H, P, original-SQL, status, last_seen), used to detect
// already-processed fragments and to drive age-based eviction.
type QueryLogRow struct {
	Hash         fingerprint.Hash
	PartitionKey string
	OriginalSQL  string
	Status       string
	LastSeen     time.Time
}

// FragmentChecker reports whether (partitionKey, h) has already been
// decided — a successful cache entry or a tombstone. Dequeue uses it to
// skip rows a worker would just find already built, and to keep tombstoned
// fragments from re-admission until an operator clears them; the idle
// sweep uses it to drop such rows in bulk. partitionKey is threaded
// through because a single queue spans every declared partition key, each
// with its own backend namespace.
type FragmentChecker interface {
	Decided(ctx context.Context, partitionKey string, h fingerprint.Hash) (bool, error)
}

// Store is the durable backing store for both logical queues, the
// active-job table, and the query log. The core ships an in-memory Store
// for tests and single-process use and a Postgres-backed Store for
// production, since the queue and active-job state must be
// shared by every worker process, not held in one process's memory.
type Store interface {
	// EnqueueOriginal admits sql for dispatch expansion. maxSize bounds the
	// original-query queue; exceeding it returns ErrQueueFull so enqueues
	// fail fast instead of growing unbounded.
	EnqueueOriginal(ctx context.Context, item OriginalItem, maxSize int) (AddResult, error)

	// DequeueOriginal pops one pending original-query item for the
	// dispatcher to expand, or ok=false if none are pending.
	DequeueOriginal(ctx context.Context) (item OriginalItem, ok bool, err error)

	// EnqueueFragment inserts or, on a (H, P) conflict, bumps the priority
	// of an existing fragment item, so retrying the same fragment only
	// increments its priority counter. maxSize bounds the fragment queue.
	EnqueueFragment(ctx context.Context, item Item, maxSize int) (AddResult, error)

	// DequeueFragment selects one pending fragment item, skipping rows
	// locked by another worker and rows whose (H, P) the checker reports as
	// already decided.
	DequeueFragment(ctx context.Context, checker FragmentChecker) (item Item, ok bool, err error)

	// AdmitJob inserts the active-job record. admitted is false on a
	// uniqueness violation: another worker already owns (h, partitionKey).
	AdmitJob(ctx context.Context, h fingerprint.Hash, partitionKey, workerID string) (admitted bool, err error)

	// ReleaseJob removes the active-job record.
	ReleaseJob(ctx context.Context, h fingerprint.Hash, partitionKey string) error

	// RemoveFragment deletes a fragment queue item once its worker reaches
	// a terminal outcome (committed or tombstoned).
	RemoveFragment(ctx context.Context, h fingerprint.Hash, partitionKey string) error

	// CleanupStaleJobs deletes active-job rows older than staleAfter,
	// making their queue items re-admittable.
	CleanupStaleJobs(ctx context.Context, staleAfter time.Duration) (removed int, err error)

	// IdleSweep deletes fragment-queue rows whose (H, P) raced to
	// completion while still queued, refreshing the query log's last_seen.
	IdleSweep(ctx context.Context, checker FragmentChecker) (removed int, err error)

	// UpsertQueryLog records or refreshes a query-log row.
	UpsertQueryLog(ctx context.Context, row QueryLogRow) error

	// RecordSkip appends a skipped log row when AdmitJob loses a race.
	RecordSkip(ctx context.Context, h fingerprint.Hash, partitionKey string) error
}
