package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/partitioncache/partitioncache/internal/fingerprint"
	"github.com/partitioncache/partitioncache/internal/pktype"
)

// RoaringBit stores each entry as a compressed run-length bitmap of uint32
// keys. It only accepts Int32 values and, unlike DenseBit, needs no bitsize
// bound: roaring containers grow with the value domain for free.
type RoaringBit struct {
	mu   sync.RWMutex
	rows map[fingerprint.Hash]*roaringRow
}

type roaringRow struct {
	bitmap      *roaring.Bitmap // nil for a tombstone
	status      Status
	createdAt   time.Time
	lastSeen    time.Time
	cardinality int
}

func NewRoaringBit() *RoaringBit {
	return &RoaringBit{rows: map[fingerprint.Hash]*roaringRow{}}
}

func (b *RoaringBit) Kind() Kind { return KindRoaringBit }

func (b *RoaringBit) Put(_ context.Context, h fingerprint.Hash, values []pktype.Value, dt pktype.Datatype) error {
	if dt != pktype.Int32 {
		return fmt.Errorf("%w: roaring backend only accepts int32 keys, got %s", ErrWrongDatatype, dt)
	}

	bitmap := roaring.New()

	for _, v := range values {
		if v.I < 0 || v.I > 0xFFFFFFFF {
			return fmt.Errorf("%w: value %d out of uint32 range", ErrWrongDatatype, v.I)
		}

		bitmap.Add(uint32(v.I))
	}

	now := time.Now()

	b.mu.Lock()
	defer b.mu.Unlock()

	row, exists := b.rows[h]
	if !exists {
		row = &roaringRow{createdAt: now}
		b.rows[h] = row
	}

	row.bitmap = bitmap
	row.status = StatusOK
	row.lastSeen = now
	row.cardinality = int(bitmap.GetCardinality())

	return nil
}

func (b *RoaringBit) Mark(_ context.Context, h fingerprint.Hash, status Status) error {
	now := time.Now()

	b.mu.Lock()
	defer b.mu.Unlock()

	row, exists := b.rows[h]
	if !exists {
		row = &roaringRow{createdAt: now}
		b.rows[h] = row
	}

	row.bitmap = nil
	row.status = status
	row.lastSeen = now
	row.cardinality = 0

	return nil
}

func (b *RoaringBit) Get(_ context.Context, h fingerprint.Hash) (Entry, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	row, exists := b.rows[h]
	if !exists || row.status != StatusOK {
		return Entry{}, false, nil
	}

	return Entry{
		Hash:        h,
		Values:      decodeRoaring(row.bitmap),
		Status:      row.status,
		CreatedAt:   row.createdAt,
		LastSeen:    row.lastSeen,
		Cardinality: row.cardinality,
	}, true, nil
}

func (b *RoaringBit) Exists(_ context.Context, h fingerprint.Hash) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	_, exists := b.rows[h]

	return exists, nil
}

func (b *RoaringBit) Intersect(_ context.Context, hashes []fingerprint.Hash) (Constraint, error) {
	if len(hashes) == 0 {
		return Constraint{NoConstraint: true}, nil
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	first, exists := b.rows[hashes[0]]
	if !exists || first.status != StatusOK {
		return Constraint{Values: []pktype.Value{}}, nil
	}

	acc := first.bitmap.Clone()

	for _, h := range hashes[1:] {
		row, exists := b.rows[h]
		if !exists || row.status != StatusOK {
			return Constraint{Values: []pktype.Value{}}, nil
		}

		acc.And(row.bitmap)
	}

	values := decodeRoaring(acc)

	return Constraint{Values: values, Cardinality: len(values)}, nil
}

func (b *RoaringBit) Delete(_ context.Context, h fingerprint.Hash) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.rows, h)

	return nil
}

func (b *RoaringBit) List(_ context.Context) ([]ListItem, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]ListItem, 0, len(b.rows))

	for h, row := range b.rows {
		out = append(out, ListItem{Hash: h, Cardinality: row.cardinality, LastSeen: row.lastSeen, Status: row.status})
	}

	return out, nil
}

func decodeRoaring(bitmap *roaring.Bitmap) []pktype.Value {
	if bitmap == nil {
		return nil
	}

	out := make([]pktype.Value, 0, bitmap.GetCardinality())

	it := bitmap.Iterator()
	for it.HasNext() {
		out = append(out, pktype.IntValue(pktype.Int32, int64(it.Next())))
	}

	return out
}
