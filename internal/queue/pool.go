package queue

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Pool runs Size independent Worker loops concurrently, one goroutine per
// worker slot rather than one goroutine per fragment. Each slot polls
// ProcessOnce and backs off for Idle when it finds nothing to do, so an
// empty queue costs no CPU.
type Pool struct {
	NewWorker func() *Worker
	Size      int
	Idle      time.Duration // poll backoff on ProcessNoJobs, default 1s
	Logger    *zap.Logger
}

// Run drives Size worker loops until ctx is cancelled. It returns the first
// non-nil error any worker returns, after cancelling the rest (errgroup
// semantics) — a single worker's persistent failure (e.g. a database gone
// away) is treated as fatal for the whole pool rather than silently
// shrinking capacity.
func (p *Pool) Run(ctx context.Context) error {
	idle := p.Idle
	if idle <= 0 {
		idle = time.Second
	}

	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	group, gctx := errgroup.WithContext(ctx)

	for i := 0; i < p.Size; i++ {
		group.Go(func() error {
			w := p.NewWorker()
			return runLoop(gctx, w, idle, logger)
		})
	}

	return group.Wait()
}

func runLoop(ctx context.Context, w *Worker, idle time.Duration, logger *zap.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		result, err := w.ProcessOnce(ctx)
		if err != nil {
			logger.Error("worker cycle failed", zap.String("worker_id", w.ID), zap.Error(err))
			return err
		}

		if result == ProcessNoJobs {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(idle):
			}
		}
	}
}
