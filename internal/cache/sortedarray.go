package cache

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/partitioncache/partitioncache/internal/fingerprint"
	"github.com/partitioncache/partitioncache/internal/pktype"
)

// SortedArray keeps each entry's value set as a sorted slice and intersects
// by linear merge. It is the only variant that works for every datatype,
// so it is the default when a partition key's datatype is not otherwise
// constrained to a more specialised backend.
type SortedArray struct {
	mu       sync.RWMutex
	datatype pktype.Datatype
	rows     map[fingerprint.Hash]*arrayRow
}

type arrayRow struct {
	values      []pktype.Value // sorted, nil for a tombstone
	status      Status
	createdAt   time.Time
	lastSeen    time.Time
	cardinality int
}

// NewSortedArray constructs an empty backend for one partition key declared
// with datatype dt.
func NewSortedArray(dt pktype.Datatype) *SortedArray {
	return &SortedArray{datatype: dt, rows: map[fingerprint.Hash]*arrayRow{}}
}

func (b *SortedArray) Kind() Kind { return KindArray }

func (b *SortedArray) Put(_ context.Context, h fingerprint.Hash, values []pktype.Value, dt pktype.Datatype) error {
	if dt != b.datatype {
		return fmt.Errorf("%w: backend declared for %s, put carries %s", ErrWrongDatatype, b.datatype, dt)
	}

	sorted := append([]pktype.Value(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return lessValue(sorted[i], sorted[j]) })

	now := time.Now()

	b.mu.Lock()
	defer b.mu.Unlock()

	row, exists := b.rows[h]
	if !exists {
		row = &arrayRow{createdAt: now}
		b.rows[h] = row
	}

	row.values = sorted
	row.status = StatusOK
	row.lastSeen = now
	row.cardinality = len(sorted)

	return nil
}

func (b *SortedArray) Mark(_ context.Context, h fingerprint.Hash, status Status) error {
	now := time.Now()

	b.mu.Lock()
	defer b.mu.Unlock()

	row, exists := b.rows[h]
	if !exists {
		row = &arrayRow{createdAt: now}
		b.rows[h] = row
	}

	row.values = nil
	row.status = status
	row.lastSeen = now
	row.cardinality = 0

	return nil
}

func (b *SortedArray) Get(_ context.Context, h fingerprint.Hash) (Entry, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	row, exists := b.rows[h]
	if !exists || row.status != StatusOK {
		return Entry{}, false, nil
	}

	return Entry{
		Hash:        h,
		Values:      append([]pktype.Value(nil), row.values...),
		Status:      row.status,
		CreatedAt:   row.createdAt,
		LastSeen:    row.lastSeen,
		Cardinality: row.cardinality,
	}, true, nil
}

func (b *SortedArray) Exists(_ context.Context, h fingerprint.Hash) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	_, exists := b.rows[h]

	return exists, nil
}

func (b *SortedArray) Intersect(ctx context.Context, hashes []fingerprint.Hash) (Constraint, error) {
	if len(hashes) == 0 {
		return Constraint{NoConstraint: true}, nil
	}

	first, ok, err := b.Get(ctx, hashes[0])
	if err != nil {
		return Constraint{}, err
	}

	if !ok {
		return Constraint{Values: []pktype.Value{}}, nil
	}

	acc := first.Values

	for _, h := range hashes[1:] {
		next, ok, err := b.Get(ctx, h)
		if err != nil {
			return Constraint{}, err
		}

		if !ok || len(acc) == 0 {
			return Constraint{Values: []pktype.Value{}}, nil
		}

		acc = mergeIntersect(acc, next.Values)
	}

	return Constraint{Values: acc, Cardinality: len(acc)}, nil
}

func (b *SortedArray) Delete(_ context.Context, h fingerprint.Hash) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.rows, h)

	return nil
}

func (b *SortedArray) List(_ context.Context) ([]ListItem, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]ListItem, 0, len(b.rows))

	for h, row := range b.rows {
		out = append(out, ListItem{Hash: h, Cardinality: row.cardinality, LastSeen: row.lastSeen, Status: row.status})
	}

	return out, nil
}

// mergeIntersect intersects two sorted slices via a linear merge.
func mergeIntersect(a, b []pktype.Value) []pktype.Value {
	out := make([]pktype.Value, 0, min(len(a), len(b)))

	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case lessValue(a[i], b[j]):
			i++
		case lessValue(b[j], a[i]):
			j++
		default:
			out = append(out, a[i])
			i++
			j++
		}
	}

	return out
}

func lessValue(a, b pktype.Value) bool {
	switch a.Type {
	case pktype.Int32, pktype.Int64:
		return a.I < b.I
	case pktype.Float:
		return a.F < b.F
	case pktype.Text:
		return a.S < b.S
	case pktype.Timestamp:
		return a.T.Before(b.T)
	default:
		return false
	}
}
