package queue

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/partitioncache/partitioncache/internal/analyser"
	"github.com/partitioncache/partitioncache/internal/fingerprint"
	"github.com/partitioncache/partitioncache/internal/pktype"
	"github.com/partitioncache/partitioncache/internal/sqlast"
	"github.com/partitioncache/partitioncache/internal/variant"
)

// Dispatcher expands one original-query queue item into fragment-queue
// items, running the same analyser and variant generator the applicator
// uses on the read path.
type Dispatcher struct {
	Store         Store
	FactTable     string
	Declared      map[string]pktype.Datatype
	VariantOpts   variant.Options
	FragmentQueue string // CacheBackend tag threaded onto every Item this dispatcher produces
	Logger        *zap.Logger
}

// DispatchOnce pops one pending original-query item and expands it into
// fragment-queue items for its declared partition key. did is false when
// the original queue was empty.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (did bool, err error) {
	item, ok, err := d.Store.DequeueOriginal(ctx)
	if err != nil {
		return false, fmt.Errorf("dequeue original: %w", err)
	}

	if !ok {
		return false, nil
	}

	if err := d.expand(ctx, item); err != nil {
		d.logger().Warn("dispatch expansion failed", zap.String("partition_key", item.PartitionKey), zap.Error(err))
		return true, err
	}

	return true, nil
}

func (d *Dispatcher) expand(ctx context.Context, item OriginalItem) error {
	res, err := analyser.AnalyseSQL(item.SQL, d.FactTable, d.Declared)
	if err != nil {
		return fmt.Errorf("analyse: %w", err)
	}

	if !res.Present[item.PartitionKey] {
		return nil
	}

	fragments, err := variant.Generate(res, item.PartitionKey, d.FactTable, d.VariantOpts)
	if err != nil {
		return fmt.Errorf("generate variants: %w", err)
	}

	for _, frag := range fragments {
		fragItem := Item{
			Hash:         frag.Hash,
			PartitionKey: item.PartitionKey,
			Datatype:     item.Datatype,
			SQL:          sqlast.SerializeSelect(frag.SQL),
			Priority:     item.Priority,
			CacheBackend: d.FragmentQueue,
			OriginalSQL:  item.SQL,
		}

		if _, err := d.Store.EnqueueFragment(ctx, fragItem, 0); err != nil {
			return fmt.Errorf("enqueue fragment %s: %w", frag.Hash, err)
		}
	}

	// The whole-query audit row is keyed by a fingerprint of the original
	// SQL, distinct from any fragment's hash, so it survives independently
	// of which fragments the lattice happened to produce.
	queryHash, err := fingerprint.OfSQL(item.SQL)
	if err != nil {
		queryHash = fingerprint.Hash("unhashable")
	}

	return d.Store.UpsertQueryLog(ctx, QueryLogRow{
		Hash:         queryHash,
		PartitionKey: item.PartitionKey,
		OriginalSQL:  item.SQL,
		Status:       "dispatched",
	})
}

func (d *Dispatcher) logger() *zap.Logger {
	if d.Logger != nil {
		return d.Logger
	}

	return zap.NewNop()
}
