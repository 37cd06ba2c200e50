// Package applicator implements the read path: it decomposes an
// incoming query the same way the write path does (analyser + variant
// generator), probes the cache for every candidate fragment, intersects the
// hits into one constraint, and splices a partition-key IN-filter back into
// the original SQL. Apply is total by contract — every cache-related
// failure degrades to "no rewrite" and is reported only through the logger.
package applicator

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/partitioncache/partitioncache/internal/analyser"
	"github.com/partitioncache/partitioncache/internal/cache"
	"github.com/partitioncache/partitioncache/internal/fingerprint"
	"github.com/partitioncache/partitioncache/internal/pktype"
	"github.com/partitioncache/partitioncache/internal/sqlast"
	"github.com/partitioncache/partitioncache/internal/variant"
)

// Options tunes the rewrite decision. Zero values fall back to the
// documented defaults.
type Options struct {
	// MaterialiseThreshold is the largest constraint cardinality spliced as
	// a literal IN(...) list; above it the lazy subquery form is preferred
	// when the backend supports it.
	MaterialiseThreshold int

	Variant variant.Options

	// CountDistinct, when non-nil, reports the total number of distinct
	// partition-key values in the fact table, so Stats can carry the
	// search-space-reduction percentage. Left nil, the stat stays zero.
	CountDistinct func(ctx context.Context) (int64, error)
}

func (o Options) withDefaults() Options {
	if o.MaterialiseThreshold <= 0 {
		o.MaterialiseThreshold = 8192
	}

	return o
}

// Stats is the second return of Apply.
type Stats struct {
	Hit             bool
	FragmentsProbed int
	FragmentsHit    int
	Cardinality     int
	Lazy            bool

	// SearchSpaceReduction is 1 - cardinality/count_distinct(fact.P), zero
	// when Options.CountDistinct is not configured or the query missed.
	SearchSpaceReduction float64
}

// Applicator rewrites queries against one fact table. It is stateless apart
// from its configuration; one instance serves any number of Apply calls
// concurrently.
type Applicator struct {
	factTable string
	declared  map[string]pktype.Datatype
	opts      Options
	logger    *zap.Logger
}

func New(factTable string, declared map[string]pktype.Datatype, opts Options, logger *zap.Logger) *Applicator {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Applicator{factTable: factTable, declared: declared, opts: opts.withDefaults(), logger: logger}
}

// Apply implements the public API's apply_cache verb. It never returns
// an error: an unanalysable query, a variant explosion, or a backend failure
// all return the original SQL with Stats.Hit false.
func (a *Applicator) Apply(ctx context.Context, sql, partitionKey string, backend cache.Backend) (string, Stats) {
	res, err := analyser.AnalyseSQL(sql, a.factTable, a.declared)
	if err != nil {
		a.logger.Warn("cache bypass, query not analysable", zap.Error(err))
		return sql, Stats{}
	}

	if !res.Present[partitionKey] {
		return sql, Stats{}
	}

	fragments, err := variant.Generate(res, partitionKey, a.factTable, a.opts.Variant)
	if err != nil {
		a.logger.Warn("cache bypass, variant generation failed", zap.Error(err))
		return sql, Stats{}
	}

	stats := Stats{FragmentsProbed: len(fragments)}

	hits, err := a.probe(ctx, fragments, backend)
	if err != nil {
		a.logger.Warn("cache bypass, probe failed", zap.Error(err))
		return sql, Stats{FragmentsProbed: stats.FragmentsProbed}
	}

	stats.FragmentsHit = len(hits)

	if len(hits) == 0 {
		return sql, stats
	}

	covering := maximalHits(hits)

	hashes := make([]fingerprint.Hash, len(covering))
	for i, h := range covering {
		hashes[i] = h.Hash
	}

	constraint, err := backend.Intersect(ctx, hashes)
	if err != nil {
		a.logger.Warn("cache bypass, intersect failed", zap.Error(err))
		return sql, stats
	}

	if constraint.NoConstraint {
		return sql, stats
	}

	stmt, err := sqlast.Parse(sql)
	if err != nil {
		a.logger.Warn("cache bypass, reparse for splice failed", zap.Error(err))
		return sql, stats
	}

	clause, lazy := a.buildClause(res.FactAlias, partitionKey, constraint, hashes, backend)

	rewritten, ok := splice(stmt, clause)
	if !ok {
		a.logger.Warn("cache bypass, splice position unavailable")
		return sql, stats
	}

	stats.Hit = true
	stats.Cardinality = constraint.Cardinality
	stats.Lazy = lazy
	stats.SearchSpaceReduction = a.reduction(ctx, constraint.Cardinality)

	a.logger.Info("query rewritten",
		zap.String("partition_key", partitionKey),
		zap.Int("fragments_probed", stats.FragmentsProbed),
		zap.Int("fragments_hit", stats.FragmentsHit),
		zap.Int("cardinality", stats.Cardinality),
		zap.Bool("lazy", lazy))

	return rewritten, stats
}

// probe keeps only fragments whose entry has status ok — misses and
// tombstones both drop out here.
func (a *Applicator) probe(ctx context.Context, fragments []variant.Fragment, backend cache.Backend) ([]variant.Fragment, error) {
	var hits []variant.Fragment

	for _, f := range fragments {
		_, ok, err := backend.Get(ctx, f.Hash)
		if err != nil {
			return nil, err
		}

		if ok {
			hits = append(hits, f)
		}
	}

	return hits, nil
}

// maximalHits keeps the hits whose conjunct subset is not a strict subset of
// any other hit's. Intersecting a fragment with one of its
// supersets is a no-op, so dominated hits only add probe-set noise.
func maximalHits(hits []variant.Fragment) []variant.Fragment {
	var out []variant.Fragment

	for i, h := range hits {
		dominated := false

		for j, other := range hits {
			if i == j {
				continue
			}

			if h.ConjMask != other.ConjMask && h.ConjMask&other.ConjMask == h.ConjMask {
				dominated = true
				break
			}
		}

		if !dominated {
			out = append(out, h)
		}
	}

	return out
}

// buildClause renders the IN-filter to splice. Materialised when the
// constraint is small enough to enumerate inline; lazy when the backend can
// serve the set from its own table. An empty intersection
// is spliced as IN (NULL), which matches no row — sound, because the cached
// sets are supersets of the true key set.
func (a *Applicator) buildClause(factAlias, partitionKey string, constraint cache.Constraint, hashes []fingerprint.Hash, backend cache.Backend) (clause string, lazy bool) {
	column := factAlias + "." + partitionKey

	if constraint.Cardinality == 0 {
		return column + " IN (NULL)", false
	}

	if constraint.Cardinality > a.opts.MaterialiseThreshold {
		if sqlIn, ok := backend.(cache.SQLIn); ok {
			if sub, ok := sqlIn.InSubquery(hashes); ok {
				return column + " IN (" + sub + ")", true
			}
		}
	}

	parts := make([]string, len(constraint.Values))
	for i, v := range constraint.Values {
		parts[i] = v.String()
	}

	return column + " IN (" + strings.Join(parts, ", ") + ")", false
}

// splice inserts clause as an additional top-level AND (or a fresh WHERE)
// into the original query text, at the position the parser recorded,
// preserving every original clause and the projection untouched.
func splice(stmt *sqlast.SelectStmt, clause string) (string, bool) {
	if stmt.Raw == "" || stmt.InsertPos <= 0 || stmt.InsertPos > len(stmt.Raw) {
		return "", false
	}

	joiner := " WHERE "
	if stmt.HasWhere {
		joiner = " AND "
	}

	head := strings.TrimRight(stmt.Raw[:stmt.InsertPos], " \t\n")
	tail := stmt.Raw[stmt.InsertPos:]

	if tail != "" {
		tail = " " + strings.TrimLeft(tail, " \t\n")
	}

	return head + joiner + clause + tail, true
}

func (a *Applicator) reduction(ctx context.Context, cardinality int) float64 {
	if a.opts.CountDistinct == nil {
		return 0
	}

	total, err := a.opts.CountDistinct(ctx)
	if err != nil || total <= 0 {
		a.logger.Warn("count distinct for stats failed", zap.Error(err))
		return 0
	}

	return 1 - float64(cardinality)/float64(total)
}
