// Package variant implements fragment enumeration: given the conjunct set the
// analyser produced for a query, it enumerates the subset lattice and
// fingerprints each subset into a candidate fragment.
package variant

import (
	"fmt"
	"sort"

	"github.com/partitioncache/partitioncache/internal/analyser"
	"github.com/partitioncache/partitioncache/internal/fingerprint"
	"github.com/partitioncache/partitioncache/internal/sqlast"
)

// Options bounds the subset lattice. Zero values are replaced by the
// documented defaults in Generate.
type Options struct {
	ConfigurableBound int // max len(C) before VariantExplosion; default 10
	VariantCap        int // max 2^n before falling back to the capped lattice; default 1024
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{ConfigurableBound: 10, VariantCap: 1024}
}

func (o Options) withDefaults() Options {
	if o.ConfigurableBound <= 0 {
		o.ConfigurableBound = 10
	}

	if o.VariantCap <= 0 {
		o.VariantCap = 1024
	}

	return o
}

// Fragment is one candidate cache entry: a projection-free SELECT DISTINCT
// over the fact table's partition key, plus its fingerprint
// and the number of conjuncts it carries, used for the maximal-hit and
// largest-first ordering rules.
type Fragment struct {
	Hash     fingerprint.Hash
	SQL      *sqlast.SelectStmt
	Size     int // |S|, the number of conjuncts this fragment's WHERE carries
	ConjMask uint64
}

// Generate builds every candidate fragment for partitionKey out of res's
// conjunct set. res.Conjuncts is shared across every declared partition
// key; Generate does not filter it down to conjuncts that happen to
// reference partitionKey; any conjunct narrows the candidate rows, and
// therefore narrows the distinct partitionKey values a fragment computes,
// regardless of which column it filters on (this is what lets two queries
// that share only a date filter reuse each other's date fragment).
//
// Returns fragments sorted by Size descending: the largest (most selective)
// subsets first.
func Generate(res *analyser.Result, partitionKey, factTable string, opts Options) ([]Fragment, error) {
	opts = opts.withDefaults()

	n := len(res.Conjuncts)
	if n == 0 {
		return nil, nil
	}

	if n > opts.ConfigurableBound {
		return nil, fmt.Errorf("%w: %d conjuncts exceeds bound %d", ErrVariantExplosion, n, opts.ConfigurableBound)
	}

	masks := subsetMasks(n, opts.VariantCap)

	fragments := make([]Fragment, 0, len(masks))

	for _, mask := range masks {
		frag, err := buildFragment(res, partitionKey, factTable, mask)
		if err != nil {
			return nil, err
		}

		fragments = append(fragments, frag)
	}

	sort.SliceStable(fragments, func(i, j int) bool { return fragments[i].Size > fragments[j].Size })

	return fragments, nil
}

// subsetMasks returns every non-empty subset of {0,...,n-1}, as a bitmask,
// unless the full lattice would exceed variantCap — in which case only
// subsets up to size kMax plus the full set (mask with all n bits) are
// returned.
func subsetMasks(n, variantCap int) []uint64 {
	total := uint64(1) << uint(n)

	if int(total) <= variantCap {
		masks := make([]uint64, 0, total-1)
		for m := uint64(1); m < total; m++ {
			masks = append(masks, m)
		}

		return masks
	}

	kMax := maxSubsetSize(n, variantCap)

	var masks []uint64

	for m := uint64(1); m < total; m++ {
		if popcount(m) <= kMax {
			masks = append(masks, m)
		}
	}

	full := total - 1
	if popcount(full) > kMax {
		masks = append(masks, full)
	}

	return masks
}

// maxSubsetSize finds the largest k such that the count of subsets of size
// <= k stays within cap, using Pascal's-triangle row n.
func maxSubsetSize(n, cap int) int {
	row := make([]int, n+1)
	row[0] = 1

	for i := 1; i <= n; i++ {
		row[i] = row[i-1] * (n - i + 1) / i
	}

	sum := 0

	for k := 0; k <= n; k++ {
		sum += row[k]
		if sum > cap {
			if k == 0 {
				return 0
			}

			return k - 1
		}
	}

	return n
}

func popcount(m uint64) int {
	count := 0

	for m != 0 {
		count++
		m &= m - 1
	}

	return count
}

func buildFragment(res *analyser.Result, partitionKey, factTable string, mask uint64) (Fragment, error) {
	var (
		selected []sqlast.Expr
		size     int
	)

	for i, c := range res.Conjuncts {
		if mask&(1<<uint(i)) == 0 {
			continue
		}

		selected = append(selected, c.Self)
		size++
	}

	stmt := &sqlast.SelectStmt{
		Distinct:   true,
		Projection: res.FactAlias + "." + partitionKey,
		From:       &sqlast.FromClause{Base: sqlast.TableRef{Name: factTable, Alias: res.FactAlias}},
		Where:      sqlast.RebuildAnd(selected),
	}

	hash, err := fingerprint.Of(stmt)
	if err != nil {
		return Fragment{}, fmt.Errorf("fragment for partition key %s: %w", partitionKey, err)
	}

	return Fragment{Hash: hash, SQL: stmt, Size: size, ConjMask: mask}, nil
}
