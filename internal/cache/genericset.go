package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/partitioncache/partitioncache/internal/fingerprint"
	"github.com/partitioncache/partitioncache/internal/pktype"
)

// GenericSet stores each entry as an opaque map keyed by pktype.Value.Key,
// intersecting pairwise. It is used for Text and Timestamp on a store that
// has no native ordered or bit representation for those types.
type GenericSet struct {
	mu       sync.RWMutex
	datatype pktype.Datatype
	rows     map[fingerprint.Hash]*genericRow
}

type genericRow struct {
	values      map[any]pktype.Value // nil for a tombstone
	status      Status
	createdAt   time.Time
	lastSeen    time.Time
	cardinality int
}

func NewGenericSet(dt pktype.Datatype) *GenericSet {
	return &GenericSet{datatype: dt, rows: map[fingerprint.Hash]*genericRow{}}
}

func (b *GenericSet) Kind() Kind { return KindGeneric }

func (b *GenericSet) Put(_ context.Context, h fingerprint.Hash, values []pktype.Value, dt pktype.Datatype) error {
	if dt != b.datatype {
		return fmt.Errorf("%w: backend declared for %s, put carries %s", ErrWrongDatatype, b.datatype, dt)
	}

	set := make(map[any]pktype.Value, len(values))
	for _, v := range values {
		set[v.Key()] = v
	}

	now := time.Now()

	b.mu.Lock()
	defer b.mu.Unlock()

	row, exists := b.rows[h]
	if !exists {
		row = &genericRow{createdAt: now}
		b.rows[h] = row
	}

	row.values = set
	row.status = StatusOK
	row.lastSeen = now
	row.cardinality = len(set)

	return nil
}

func (b *GenericSet) Mark(_ context.Context, h fingerprint.Hash, status Status) error {
	now := time.Now()

	b.mu.Lock()
	defer b.mu.Unlock()

	row, exists := b.rows[h]
	if !exists {
		row = &genericRow{createdAt: now}
		b.rows[h] = row
	}

	row.values = nil
	row.status = status
	row.lastSeen = now
	row.cardinality = 0

	return nil
}

func (b *GenericSet) Get(_ context.Context, h fingerprint.Hash) (Entry, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	row, exists := b.rows[h]
	if !exists || row.status != StatusOK {
		return Entry{}, false, nil
	}

	return Entry{
		Hash:        h,
		Values:      valuesOf(row.values),
		Status:      row.status,
		CreatedAt:   row.createdAt,
		LastSeen:    row.lastSeen,
		Cardinality: row.cardinality,
	}, true, nil
}

func (b *GenericSet) Exists(_ context.Context, h fingerprint.Hash) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	_, exists := b.rows[h]

	return exists, nil
}

func (b *GenericSet) Intersect(_ context.Context, hashes []fingerprint.Hash) (Constraint, error) {
	if len(hashes) == 0 {
		return Constraint{NoConstraint: true}, nil
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	first, exists := b.rows[hashes[0]]
	if !exists || first.status != StatusOK {
		return Constraint{Values: []pktype.Value{}}, nil
	}

	acc := make(map[any]pktype.Value, len(first.values))
	for k, v := range first.values {
		acc[k] = v
	}

	for _, h := range hashes[1:] {
		row, exists := b.rows[h]
		if !exists || row.status != StatusOK || len(acc) == 0 {
			return Constraint{Values: []pktype.Value{}}, nil
		}

		for k := range acc {
			if _, ok := row.values[k]; !ok {
				delete(acc, k)
			}
		}
	}

	values := valuesOf(acc)

	return Constraint{Values: values, Cardinality: len(values)}, nil
}

func (b *GenericSet) Delete(_ context.Context, h fingerprint.Hash) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.rows, h)

	return nil
}

func (b *GenericSet) List(_ context.Context) ([]ListItem, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]ListItem, 0, len(b.rows))

	for h, row := range b.rows {
		out = append(out, ListItem{Hash: h, Cardinality: row.cardinality, LastSeen: row.lastSeen, Status: row.status})
	}

	return out, nil
}

func valuesOf(set map[any]pktype.Value) []pktype.Value {
	out := make([]pktype.Value, 0, len(set))
	for _, v := range set {
		out = append(out, v)
	}

	return out
}
