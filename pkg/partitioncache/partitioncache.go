// Package partitioncache is the public API surface: four verbs over
// the core's read and write paths. ApplyCache rewrites a query against the
// cache; AddToQueue admits a query for asynchronous fragment population;
// ProcessOnce is a single worker tick; ListFragments enumerates what the
// cache holds for one partition key. Everything else in this module is
// internal and reachable only through these verbs.
package partitioncache

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/partitioncache/partitioncache/internal/applicator"
	"github.com/partitioncache/partitioncache/internal/cache"
	"github.com/partitioncache/partitioncache/internal/pktype"
	"github.com/partitioncache/partitioncache/internal/queue"
	"github.com/partitioncache/partitioncache/internal/variant"
)

// Re-exported result types, so callers of the public API do not import
// internal packages.
type (
	Stats         = applicator.Stats
	AddResult     = queue.AddResult
	ProcessResult = queue.ProcessResult
	ListItem      = cache.ListItem
)

// Options configures a Client.
type Options struct {
	// FactTable names the table whose partition-key columns are cached.
	FactTable string

	// Declared maps each partition-key column to its datatype. AddToQueue
	// rejects datatypes that do not match the declaration.
	Declared map[string]pktype.Datatype

	Applicator applicator.Options
	Variant    variant.Options
	Worker     queue.Options

	// QueueMaxSize bounds the original-query queue that AddToQueue feeds;
	// zero means unbounded. Fragment items produced by dispatch are enqueued
	// without a size bound.
	QueueMaxSize int

	Logger *zap.Logger
}

// Client binds a queue store, one cache backend per partition key, and a
// fragment executor into the four public verbs. A Client is safe for
// concurrent use; run several ProcessOnce loops (or several processes
// sharing the same durable store) for parallelism.
type Client struct {
	opts       Options
	store      queue.Store
	backends   map[string]cache.Backend
	app        *applicator.Applicator
	worker     *queue.Worker
	dispatcher *queue.Dispatcher
	logger     *zap.Logger
}

func New(store queue.Store, backends map[string]cache.Backend, exec queue.Executor, opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	appOpts := opts.Applicator
	appOpts.Variant = opts.Variant

	return &Client{
		opts:     opts,
		store:    store,
		backends: backends,
		app:      applicator.New(opts.FactTable, opts.Declared, appOpts, logger),
		worker:   queue.NewWorker(store, backends, exec, opts.Worker, logger),
		dispatcher: &queue.Dispatcher{
			Store:       store,
			FactTable:   opts.FactTable,
			Declared:    opts.Declared,
			VariantOpts: opts.Variant,
			Logger:      logger,
		},
		logger: logger,
	}
}

// ApplyCache is the read path: decompose, probe, intersect, rewrite.
// It is total — on any cache-related failure it returns sql unchanged with
// Stats.Hit false.
func (c *Client) ApplyCache(ctx context.Context, sql, partitionKey string) (string, Stats) {
	backend, ok := c.backends[partitionKey]
	if !ok {
		c.logger.Warn("cache bypass, no backend for partition key", zap.String("partition_key", partitionKey))
		return sql, Stats{}
	}

	return c.app.Apply(ctx, sql, partitionKey, backend)
}

// AddToQueue is the non-blocking enqueue of the write path. The
// datatype is checked against the partition key's declaration here, at the
// boundary, so mistyped values never reach a backend.
func (c *Client) AddToQueue(ctx context.Context, sql, partitionKey string, dt pktype.Datatype, priority int) (AddResult, error) {
	declared, ok := c.opts.Declared[partitionKey]
	if !ok {
		return queue.AddError, fmt.Errorf("partition key %q is not declared", partitionKey)
	}

	if declared != dt {
		return queue.AddError, fmt.Errorf("%w: %q is declared %s, got %s", pktype.ErrWrongDatatype, partitionKey, declared, dt)
	}

	return c.store.EnqueueOriginal(ctx, queue.OriginalItem{
		SQL:          sql,
		PartitionKey: partitionKey,
		Datatype:     dt,
		Priority:     priority,
	}, c.opts.QueueMaxSize)
}

// ProcessOnce is a single worker tick: expand at most one pending
// original-query item into fragments, then dequeue-admit-execute-commit one
// fragment (or run the idle cleanup when the fragment queue is empty).
func (c *Client) ProcessOnce(ctx context.Context) (ProcessResult, error) {
	if _, err := c.dispatcher.DispatchOnce(ctx); err != nil {
		c.logger.Warn("dispatch failed, continuing with fragment queue", zap.Error(err))
	}

	return c.worker.ProcessOnce(ctx)
}

// ListFragments enumerates (H, cardinality, last_seen, status) for one
// partition key.
func (c *Client) ListFragments(ctx context.Context, partitionKey string) ([]ListItem, error) {
	backend, ok := c.backends[partitionKey]
	if !ok {
		return nil, fmt.Errorf("partition key %q is not declared", partitionKey)
	}

	return backend.List(ctx)
}
