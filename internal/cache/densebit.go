package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/partitioncache/partitioncache/internal/fingerprint"
	"github.com/partitioncache/partitioncache/internal/pktype"
)

// maxBitsize caps how far any bit backend will grow: a single entry at this
// width is already a 128 MiB vector, and a dense bitmap over a value domain
// wider than this belongs in the roaring backend instead. A Put needing
// more fails with ErrBitsizeExceeded rather than growing.
const maxBitsize = 1 << 30

// DenseBit stores each entry as a bit vector over non-negative integer
// values. bitsize grows monotonically up to maxBitsize: a Put that observes
// a value beyond the current bound rebuilds every existing row at the new
// width rather than failing the caller.
type DenseBit struct {
	mu       sync.Mutex
	datatype pktype.Datatype
	bitsize  int
	rows     map[fingerprint.Hash]*bitRow
}

type bitRow struct {
	bits        []uint64 // nil for a tombstone
	status      Status
	createdAt   time.Time
	lastSeen    time.Time
	cardinality int
}

// NewDenseBit constructs a backend with an initial bitsize. dt must be
// Int32 or Int64.
func NewDenseBit(dt pktype.Datatype, initialBitsize int) (*DenseBit, error) {
	if !dt.IsNumeric() || dt == pktype.Float {
		return nil, fmt.Errorf("%w: dense bit backend requires an integer datatype, got %s", ErrWrongDatatype, dt)
	}

	if initialBitsize <= 0 {
		initialBitsize = 1024
	}

	return &DenseBit{datatype: dt, bitsize: initialBitsize, rows: map[fingerprint.Hash]*bitRow{}}, nil
}

func (b *DenseBit) Kind() Kind { return KindBit }

// Bitsize returns the current width, mainly for tests asserting monotone
// growth.
func (b *DenseBit) Bitsize() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.bitsize
}

func (b *DenseBit) Put(_ context.Context, h fingerprint.Hash, values []pktype.Value, dt pktype.Datatype) error {
	if dt != b.datatype {
		return fmt.Errorf("%w: backend declared for %s, put carries %s", ErrWrongDatatype, b.datatype, dt)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	maxVal := 0

	for _, v := range values {
		if v.I < 0 {
			return fmt.Errorf("%w: dense bit backend requires non-negative values, got %d", ErrWrongDatatype, v.I)
		}

		if int(v.I) > maxVal {
			maxVal = int(v.I)
		}
	}

	if maxVal >= maxBitsize {
		return fmt.Errorf("%w: value %d needs bitsize %d, above the %d cap", ErrBitsizeExceeded, maxVal, maxVal+1, maxBitsize)
	}

	if maxVal >= b.bitsize {
		b.growLocked(maxVal + 1)
	}

	words := wordsFor(b.bitsize)
	bits := make([]uint64, words)

	for _, v := range values {
		setBit(bits, int(v.I))
	}

	now := time.Now()

	row, exists := b.rows[h]
	if !exists {
		row = &bitRow{createdAt: now}
		b.rows[h] = row
	}

	row.bits = bits
	row.status = StatusOK
	row.lastSeen = now
	row.cardinality = len(values)

	return nil
}

// growLocked widens bitsize to at least newSize and rebuilds every row's bit
// vector at the new width, preserving set bits.
func (b *DenseBit) growLocked(newSize int) {
	b.bitsize = newSize
	words := wordsFor(b.bitsize)

	for _, row := range b.rows {
		if row.bits == nil {
			continue
		}

		grown := make([]uint64, words)
		copy(grown, row.bits)
		row.bits = grown
	}
}

func (b *DenseBit) Mark(_ context.Context, h fingerprint.Hash, status Status) error {
	now := time.Now()

	b.mu.Lock()
	defer b.mu.Unlock()

	row, exists := b.rows[h]
	if !exists {
		row = &bitRow{createdAt: now}
		b.rows[h] = row
	}

	row.bits = nil
	row.status = status
	row.lastSeen = now
	row.cardinality = 0

	return nil
}

func (b *DenseBit) Get(_ context.Context, h fingerprint.Hash) (Entry, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	row, exists := b.rows[h]
	if !exists || row.status != StatusOK {
		return Entry{}, false, nil
	}

	return Entry{
		Hash:        h,
		Values:      b.decodeLocked(row.bits),
		Status:      row.status,
		CreatedAt:   row.createdAt,
		LastSeen:    row.lastSeen,
		Cardinality: row.cardinality,
	}, true, nil
}

func (b *DenseBit) decodeLocked(bits []uint64) []pktype.Value {
	out := make([]pktype.Value, 0, b.bitsize/8)

	for i := 0; i < b.bitsize; i++ {
		if testBit(bits, i) {
			out = append(out, pktype.IntValue(b.datatype, int64(i)))
		}
	}

	return out
}

func (b *DenseBit) Exists(_ context.Context, h fingerprint.Hash) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, exists := b.rows[h]

	return exists, nil
}

func (b *DenseBit) Intersect(_ context.Context, hashes []fingerprint.Hash) (Constraint, error) {
	if len(hashes) == 0 {
		return Constraint{NoConstraint: true}, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	words := wordsFor(b.bitsize)
	acc := make([]uint64, words)

	first, exists := b.rows[hashes[0]]
	if !exists || first.status != StatusOK {
		return Constraint{Values: []pktype.Value{}}, nil
	}

	copy(acc, first.bits)

	for _, h := range hashes[1:] {
		row, exists := b.rows[h]
		if !exists || row.status != StatusOK {
			return Constraint{Values: []pktype.Value{}}, nil
		}

		for i := range acc {
			acc[i] &= row.bits[i]
		}
	}

	values := b.decodeLocked(acc)

	return Constraint{Values: values, Cardinality: len(values)}, nil
}

func (b *DenseBit) Delete(_ context.Context, h fingerprint.Hash) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.rows, h)

	return nil
}

func (b *DenseBit) List(_ context.Context) ([]ListItem, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]ListItem, 0, len(b.rows))

	for h, row := range b.rows {
		out = append(out, ListItem{Hash: h, Cardinality: row.cardinality, LastSeen: row.lastSeen, Status: row.status})
	}

	return out, nil
}

func wordsFor(bitsize int) int {
	return (bitsize + 63) / 64
}

func setBit(bits []uint64, pos int) {
	bits[pos/64] |= 1 << uint(pos%64)
}

func testBit(bits []uint64, pos int) bool {
	if pos/64 >= len(bits) {
		return false
	}

	return bits[pos/64]&(1<<uint(pos%64)) != 0
}
