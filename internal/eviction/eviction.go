// Package eviction implements per-partition-key cache trimming, triggered
// by a scheduler (in-process ticker or external cron), by age or by set
// cardinality.
package eviction

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/partitioncache/partitioncache/internal/cache"
	"github.com/partitioncache/partitioncache/internal/jobname"
)

// Strategy selects which entries go first when the cache exceeds its
// threshold.
type Strategy int

const (
	// StrategyOldest deletes the entries with the smallest last_seen.
	StrategyOldest Strategy = iota
	// StrategyLargest deletes by descending cardinality. Requires the
	// backend to record cardinality alongside the set, which every variant
	// in internal/cache does.
	StrategyLargest
)

func (s Strategy) String() string {
	if s == StrategyLargest {
		return "largest"
	}

	return "oldest"
}

// ParseStrategy maps a configuration string onto a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "oldest":
		return StrategyOldest, nil
	case "largest":
		return StrategyLargest, nil
	default:
		return StrategyOldest, fmt.Errorf("unknown eviction strategy %q", s)
	}
}

// Policy bounds one partition key's cache to Threshold entries. Tombstones
// of status limit are never candidates — they encode a policy decision, not
// stale data, and only an explicit Delete clears them.
type Policy struct {
	Backend      cache.Backend
	PartitionKey string
	Strategy     Strategy
	Threshold    int
	JobName      string
	Logger       *zap.Logger
}

// New derives the job name
// (partitioncache_<operation>_<database>[_<prefix_suffix>]) and returns a
// ready-to-run Policy.
func New(backend cache.Backend, partitionKey string, strategy Strategy, threshold int, database, prefixSuffix string, logger *zap.Logger) *Policy {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Policy{
		Backend:      backend,
		PartitionKey: partitionKey,
		Strategy:     strategy,
		Threshold:    threshold,
		JobName:      jobname.Job("evict_"+strategy.String(), database, prefixSuffix),
		Logger:       logger,
	}
}

// RunOnce performs one eviction pass: if the entry count exceeds Threshold,
// the count-threshold worst entries under Strategy are deleted. Every pass
// is logged with job name, partition key, removed count, and status.
func (p *Policy) RunOnce(ctx context.Context) (int, error) {
	removed, err := p.trim(ctx)

	status := "ok"
	if err != nil {
		status = "error"
	}

	p.Logger.Info("eviction pass",
		zap.String("job_name", p.JobName),
		zap.String("partition_key", p.PartitionKey),
		zap.Int("removed_count", removed),
		zap.String("status", status))

	return removed, err
}

func (p *Policy) trim(ctx context.Context) (int, error) {
	items, err := p.Backend.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list entries: %w", err)
	}

	candidates := items[:0:0]

	for _, it := range items {
		if it.Status == cache.StatusLimit {
			continue
		}

		candidates = append(candidates, it)
	}

	excess := len(candidates) - p.Threshold
	if excess <= 0 {
		return 0, nil
	}

	switch p.Strategy {
	case StrategyLargest:
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].Cardinality > candidates[j].Cardinality })
	default:
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].LastSeen.Before(candidates[j].LastSeen) })
	}

	removed := 0

	for _, it := range candidates[:excess] {
		if err := p.Backend.Delete(ctx, it.Hash); err != nil {
			return removed, fmt.Errorf("delete %s: %w", it.Hash, err)
		}

		removed++
	}

	return removed, nil
}

// Run drives RunOnce on a fixed frequency until ctx is cancelled, for
// deployments without an external scheduler. Pass failures are logged and
// the loop continues; only cancellation stops it.
func (p *Policy) Run(ctx context.Context, frequency time.Duration) {
	ticker := time.NewTicker(frequency)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.RunOnce(ctx); err != nil {
				p.Logger.Warn("eviction pass failed", zap.String("job_name", p.JobName), zap.Error(err))
			}
		}
	}
}
