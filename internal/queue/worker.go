package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/partitioncache/partitioncache/internal/cache"
)

// Options bounds a worker's per-item statement timeout, result-size limit,
// and how long an active-job record may sit before it is considered stale.
// Zero values are replaced by the defaults below.
type Options struct {
	StatementTimeout time.Duration // default 1800s
	ResultLimit      int           // default 1_000_000
	StaleAfter       time.Duration // default 5m
}

func (o Options) withDefaults() Options {
	if o.StatementTimeout <= 0 {
		o.StatementTimeout = 1800 * time.Second
	}

	if o.ResultLimit <= 0 {
		o.ResultLimit = 1_000_000
	}

	if o.StaleAfter <= 0 {
		o.StaleAfter = 5 * time.Minute
	}

	return o
}

// Worker runs the cooperative single-item-at-a-time loop: one
// ProcessOnce call dequeues at most one fragment, admits it into the
// active-job table, executes it, and commits or tombstones the result. It
// holds at most one fragment job at a time; a pool of Workers (internal
// errgroup-based pool, see Pool) is how parallelism is achieved.
type Worker struct {
	ID       string
	Store    Store
	Backends map[string]cache.Backend // by partition key
	Exec     Executor
	Opts     Options
	Logger   *zap.Logger
}

// NewWorker constructs a Worker with a random worker-id.
func NewWorker(store Store, backends map[string]cache.Backend, exec Executor, opts Options, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Worker{
		ID:       uuid.NewString(),
		Store:    store,
		Backends: backends,
		Exec:     exec,
		Opts:     opts.withDefaults(),
		Logger:   logger,
	}
}

// ProcessOnce implements the public API's process_once verb: dequeue,
// admit, execute, commit/tombstone, release — or, when the fragment queue
// is empty, a bounded idle sweep plus stale-job recovery.
func (w *Worker) ProcessOnce(ctx context.Context) (ProcessResult, error) {
	checker := BackendChecker{Backends: w.Backends}

	item, ok, err := w.Store.DequeueFragment(ctx, checker)
	if err != nil {
		return ProcessError, fmt.Errorf("dequeue fragment: %w", err)
	}

	if !ok {
		return w.idle(ctx, checker)
	}

	return w.process(ctx, item, checker)
}

func (w *Worker) idle(ctx context.Context, checker BackendChecker) (ProcessResult, error) {
	swept, err := w.Store.IdleSweep(ctx, checker)
	if err != nil {
		return ProcessError, fmt.Errorf("idle sweep: %w", err)
	}

	staled, err := w.Store.CleanupStaleJobs(ctx, w.Opts.StaleAfter)
	if err != nil {
		return ProcessError, fmt.Errorf("cleanup stale jobs: %w", err)
	}

	if swept > 0 || staled > 0 {
		w.Logger.Info("idle cleanup", zap.Int("swept", swept), zap.Int("staled", staled))
		return ProcessCleanup, nil
	}

	return ProcessNoJobs, nil
}

func (w *Worker) process(ctx context.Context, item Item, checker BackendChecker) (ProcessResult, error) {
	admitted, err := w.Store.AdmitJob(ctx, item.Hash, item.PartitionKey, w.ID)
	if err != nil {
		return ProcessError, fmt.Errorf("admit job: %w", err)
	}

	if !admitted {
		if err := w.Store.RecordSkip(ctx, item.Hash, item.PartitionKey); err != nil {
			return ProcessError, fmt.Errorf("record skip: %w", err)
		}

		if err := w.Store.RemoveFragment(ctx, item.Hash, item.PartitionKey); err != nil {
			return ProcessError, fmt.Errorf("release queue item after skip: %w", err)
		}

		w.Logger.Info("skipped, another worker owns this build",
			zap.String("hash", string(item.Hash)), zap.String("partition_key", item.PartitionKey))

		return ProcessSkipped, nil
	}

	keepJob := false

	defer func() {
		if keepJob {
			return
		}

		if err := w.Store.ReleaseJob(ctx, item.Hash, item.PartitionKey); err != nil {
			w.Logger.Warn("release active job failed", zap.Error(err))
		}
	}()

	backend, ok := w.Backends[item.PartitionKey]
	if !ok {
		return ProcessError, fmt.Errorf("no backend configured for partition key %q", item.PartitionKey)
	}

	start := time.Now()

	execCtx, cancel := context.WithTimeout(ctx, w.Opts.StatementTimeout)
	defer cancel()

	values, truncated, err := w.Exec.Run(execCtx, item.SQL, item.Datatype, w.Opts.ResultLimit)

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return w.fail(ctx, item, backend, cache.StatusTimeout, fmt.Errorf("%w: %s", ErrWorkerTimeout, item.Hash))

	case err != nil:
		return w.fail(ctx, item, backend, cache.StatusFailed, err)

	case truncated:
		if err := backend.Delete(ctx, item.Hash); err != nil {
			w.Logger.Warn("delete partial write before limit tombstone failed", zap.Error(err))
		}

		return w.fail(ctx, item, backend, cache.StatusLimit, fmt.Errorf("%w: %s", ErrResultLimitExceeded, item.Hash))
	}

	if err := backend.Put(ctx, item.Hash, values, item.Datatype); err != nil {
		if errors.Is(err, cache.ErrBackend) {
			// Store I/O failure: the active-job row and the queue item stay,
			// so stale-job recovery makes the fragment re-admittable.
			keepJob = true
			w.Logger.Warn("cache write failed, job left for stale-job recovery",
				zap.String("hash", string(item.Hash)), zap.Error(err))

			return ProcessProcessed, nil
		}

		return w.fail(ctx, item, backend, cache.StatusFailed, err)
	}

	if err := w.Store.UpsertQueryLog(ctx, QueryLogRow{
		Hash: item.Hash, PartitionKey: item.PartitionKey, OriginalSQL: item.OriginalSQL,
		Status: "ok", LastSeen: time.Now(),
	}); err != nil {
		w.Logger.Warn("query log update failed", zap.Error(err))
	}

	if err := w.Store.RemoveFragment(ctx, item.Hash, item.PartitionKey); err != nil {
		w.Logger.Warn("remove fragment after commit failed", zap.Error(err))
	}

	w.Logger.Info("fragment committed",
		zap.String("hash", string(item.Hash)), zap.String("partition_key", item.PartitionKey),
		zap.Int("cardinality", len(values)), zap.Duration("duration", time.Since(start)))

	return ProcessProcessed, nil
}

// fail tombstones the fragment, logs it, and removes the queue item either
// way. It always
// returns ProcessProcessed and a nil error, logging the triggering error: a
// terminal tombstone is still a completed worker cycle, not a dequeue-time
// skip.
func (w *Worker) fail(ctx context.Context, item Item, backend cache.Backend, status cache.Status, cause error) (ProcessResult, error) {
	if err := backend.Mark(ctx, item.Hash, status); err != nil {
		w.Logger.Error("mark tombstone failed", zap.Error(err))
	}

	if err := w.Store.UpsertQueryLog(ctx, QueryLogRow{
		Hash: item.Hash, PartitionKey: item.PartitionKey, OriginalSQL: item.OriginalSQL,
		Status: status.String(), LastSeen: time.Now(),
	}); err != nil {
		w.Logger.Warn("query log update failed", zap.Error(err))
	}

	if err := w.Store.RemoveFragment(ctx, item.Hash, item.PartitionKey); err != nil {
		w.Logger.Warn("remove fragment after tombstone failed", zap.Error(err))
	}

	w.Logger.Warn("fragment tombstoned",
		zap.String("hash", string(item.Hash)), zap.String("status", status.String()), zap.Error(cause))

	return ProcessProcessed, nil
}
