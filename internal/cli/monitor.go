package cli

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/partitioncache/partitioncache/internal/cache"
	"github.com/partitioncache/partitioncache/internal/eviction"
	"github.com/partitioncache/partitioncache/internal/pktype"
	"github.com/partitioncache/partitioncache/internal/queue"
)

// NewMonitorCommand builds the pcache-monitor root: the long-running worker
// process. It drives a dispatcher loop (original queue -> fragment queue), a
// pool of fragment workers, and, when enabled, the eviction scheduler, until
// the context is cancelled.
func NewMonitorCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pcache-monitor",
		Short: "Run the cache-population worker pool",
		Long: `pcache-monitor runs queue.max_parallel_workers independent workers, each
processing one fragment at a time: dequeue, admit into the active-job table,
execute against the database under the statement timeout, store or tombstone
the result. Several monitor processes may share the same queue tables.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := Open(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			return runMonitor(cmd.Context(), rt)
		},
	}

	return cmd
}

func runMonitor(ctx context.Context, rt *Runtime) error {
	cfg := rt.Cfg
	pk := cfg.Cache.PartitionKey
	backends := map[string]cache.Backend{pk: rt.Backend}

	group, gctx := errgroup.WithContext(ctx)

	pool := &queue.Pool{
		NewWorker: func() *queue.Worker {
			return queue.NewWorker(rt.Store, backends, rt.Exec, queue.Options{
				StatementTimeout: cfg.Queue.Timeout,
				ResultLimit:      cfg.Queue.ResultLimit,
				StaleAfter:       cfg.Queue.StaleAfter,
			}, rt.Logger)
		},
		Size:   cfg.Queue.MaxParallelWorkers,
		Idle:   cfg.Queue.Frequency,
		Logger: rt.Logger,
	}

	group.Go(func() error { return pool.Run(gctx) })

	group.Go(func() error {
		dispatcher := &queue.Dispatcher{
			Store:     rt.Store,
			FactTable: cfg.Cache.FactTable,
			Declared:  map[string]pktype.Datatype{pk: rt.Datatype},
			Logger:    rt.Logger,
		}

		return runDispatchLoop(gctx, dispatcher, cfg.Queue.Frequency)
	})

	if cfg.Eviction.Enabled {
		policy := eviction.New(
			rt.Backend,
			cfg.Cache.PartitionKey,
			cfg.EvictionStrategy(),
			cfg.Eviction.Threshold,
			DatabaseName(cfg.Database.URL),
			cfg.Cache.TablePrefix,
			rt.Logger,
		)

		group.Go(func() error {
			policy.Run(gctx, cfg.Eviction.Frequency)
			return nil
		})
	}

	return group.Wait()
}

// runDispatchLoop expands pending original-query items continuously,
// sleeping for idle between empty polls.
func runDispatchLoop(ctx context.Context, d *queue.Dispatcher, idle time.Duration) error {
	if idle <= 0 {
		idle = time.Second
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		// Expansion failures are per-item (unanalysable query, variant
		// explosion); the item is consumed and the loop continues. A store
		// failure surfaces as did=false and falls into the idle backoff.
		did, _ := d.DispatchOnce(ctx)

		if !did {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(idle):
			}
		}
	}
}
