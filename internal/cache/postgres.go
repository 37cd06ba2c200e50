package cache

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/partitioncache/partitioncache/internal/dbconn"
	"github.com/partitioncache/partitioncache/internal/fingerprint"
	"github.com/partitioncache/partitioncache/internal/pktype"
	"github.com/partitioncache/partitioncache/internal/util"
)

// PostgresBackend is the reference cache store: one metadata table per
// table_prefix recording (partition_key, datatype, bitsize), and one cache
// table per partition key shaped by that key's backend variant. It is the
// only Backend that actually persists across process restarts; the other
// four variants in this package are in-process and exist to demonstrate the
// set-representation tradeoffs the applicator dispatches on.
type PostgresBackend struct {
	conn         dbconn.Conn
	naming       Naming
	partitionKey string
	datatype     pktype.Datatype
	kind         Kind
	bitsize      int // only meaningful for KindBit; read from metadata, grown in place
}

// OpenPostgresBackend ensures the metadata row and cache table for
// partitionKey exist (creating them on first use) and returns a Backend
// bound to that namespace. initialBitsize is only consulted for KindBit.
func OpenPostgresBackend(
	ctx context.Context,
	conn dbconn.Conn,
	naming Naming,
	partitionKey string,
	dt pktype.Datatype,
	kind Kind,
	initialBitsize int,
) (*PostgresBackend, error) {
	b := &PostgresBackend{conn: conn, naming: naming, partitionKey: partitionKey, datatype: dt, kind: kind, bitsize: initialBitsize}

	if err := b.bootstrap(ctx); err != nil {
		return nil, fmt.Errorf("%w: bootstrap %s: %w", ErrBackend, partitionKey, err)
	}

	return b, nil
}

func (b *PostgresBackend) Kind() Kind { return b.kind }

func (b *PostgresBackend) bootstrap(ctx context.Context) error {
	metaDDL := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		partition_key TEXT PRIMARY KEY,
		datatype TEXT NOT NULL,
		kind TEXT NOT NULL,
		bitsize INT,
		table_name TEXT NOT NULL
	)`, b.naming.MetadataTable())
	if _, err := b.conn.Execute(ctx, metaDDL); err != nil {
		return util.WrapError("create metadata table", err)
	}

	table := b.naming.CacheTable(b.partitionKey)

	cacheDDL := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		hash TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		last_seen TIMESTAMPTZ NOT NULL,
		cardinality INT NOT NULL DEFAULT 0,
		values_int BIGINT[],
		values_float DOUBLE PRECISION[],
		values_text TEXT[],
		values_ts TIMESTAMPTZ[],
		bitmap BYTEA,
		bitsize INT
	)`, table)
	if _, err := b.conn.Execute(ctx, cacheDDL); err != nil {
		return util.WrapError("create cache table", err)
	}

	upsert := fmt.Sprintf(`INSERT INTO %s (partition_key, datatype, kind, bitsize, table_name)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (partition_key) DO UPDATE SET datatype = $2, kind = $3, table_name = $5`, b.naming.MetadataTable())

	var bitsize *int
	if b.kind == KindBit {
		if b.bitsize <= 0 {
			b.bitsize = 1024
		}

		bitsize = &b.bitsize
	}

	if _, err := b.conn.Execute(ctx, upsert, b.partitionKey, b.datatype.String(), b.kind.String(), bitsize, table); err != nil {
		return util.WrapError("upsert metadata row", err)
	}

	return nil
}

func (b *PostgresBackend) Put(ctx context.Context, h fingerprint.Hash, values []pktype.Value, dt pktype.Datatype) error {
	if dt != b.datatype {
		return fmt.Errorf("%w: backend declared for %s, put carries %s", ErrWrongDatatype, b.datatype, dt)
	}

	if b.kind == KindBit {
		return b.putBit(ctx, h, values)
	}

	table := b.naming.CacheTable(b.partitionKey)
	now := time.Now()

	var (
		valuesInt   []int64
		valuesFloat []float64
		valuesText  []string
		valuesTS    []time.Time
		bitmap      []byte
	)

	switch {
	case b.kind == KindRoaringBit:
		rb := roaring.New()

		for _, v := range values {
			if v.I < 0 || v.I > 0xFFFFFFFF {
				return fmt.Errorf("%w: value %d out of uint32 range", ErrWrongDatatype, v.I)
			}

			rb.Add(uint32(v.I))
		}

		encoded, err := rb.ToBytes()
		if err != nil {
			return fmt.Errorf("%w: serialise roaring bitmap: %w", ErrBackend, err)
		}

		bitmap = encoded

	case dt.IsNumeric() && dt != pktype.Float:
		valuesInt = make([]int64, len(values))
		for i, v := range values {
			valuesInt[i] = v.I
		}

	case dt == pktype.Float:
		valuesFloat = make([]float64, len(values))
		for i, v := range values {
			valuesFloat[i] = v.F
		}

	case dt == pktype.Text:
		valuesText = make([]string, len(values))
		for i, v := range values {
			valuesText[i] = v.S
		}

	case dt == pktype.Timestamp:
		valuesTS = make([]time.Time, len(values))
		for i, v := range values {
			valuesTS[i] = v.T
		}
	}

	query := fmt.Sprintf(`INSERT INTO %s (hash, status, created_at, last_seen, cardinality, values_int, values_float, values_text, values_ts, bitmap)
		VALUES ($1, 'ok', $2, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (hash) DO UPDATE SET status = 'ok', last_seen = $2, cardinality = $3,
			values_int = $4, values_float = $5, values_text = $6, values_ts = $7, bitmap = $8`, table)

	if _, err := b.conn.Execute(ctx, query, string(h), now, len(values), valuesInt, valuesFloat, valuesText, valuesTS, bitmap); err != nil {
		return fmt.Errorf("%w: put %s: %w", ErrBackend, h, err)
	}

	return nil
}

// putBit implements the DenseBit-over-SQL path: bitsize is shared across
// every hash in this namespace, so a value beyond the current bound grows
// the metadata row and rewrites every existing bitmap before the new row is
// written.
func (b *PostgresBackend) putBit(ctx context.Context, h fingerprint.Hash, values []pktype.Value) error {
	needed := b.bitsize

	for _, v := range values {
		if v.I < 0 {
			return fmt.Errorf("%w: dense bit backend requires non-negative values, got %d", ErrWrongDatatype, v.I)
		}

		if int(v.I)+1 > needed {
			needed = int(v.I) + 1
		}
	}

	if needed > maxBitsize {
		return fmt.Errorf("%w: value needs bitsize %d, above the %d cap", ErrBitsizeExceeded, needed, maxBitsize)
	}

	if needed > b.bitsize {
		if err := b.growBitsize(ctx, needed); err != nil {
			return err
		}
	}

	words := wordsFor(b.bitsize)
	bits := make([]uint64, words)

	for _, v := range values {
		setBit(bits, int(v.I))
	}

	table := b.naming.CacheTable(b.partitionKey)
	now := time.Now()

	query := fmt.Sprintf(`INSERT INTO %s (hash, status, created_at, last_seen, cardinality, bitmap, bitsize)
		VALUES ($1, 'ok', $2, $2, $3, $4, $5)
		ON CONFLICT (hash) DO UPDATE SET status = 'ok', last_seen = $2, cardinality = $3, bitmap = $4, bitsize = $5`, table)

	if _, err := b.conn.Execute(ctx, query, string(h), now, len(values), packBits(bits), b.bitsize); err != nil {
		return fmt.Errorf("%w: put %s: %w", ErrBackend, h, err)
	}

	return nil
}

// growBitsize widens bitsize in the metadata row and rebuilds every
// existing row's bitmap at the new width inside one transaction, so readers
// never observe a row at the old width paired with the new bitsize.
func (b *PostgresBackend) growBitsize(ctx context.Context, newSize int) error {
	table := b.naming.CacheTable(b.partitionKey)

	err := b.conn.WithTx(ctx, func(ctx context.Context, tx dbconn.Tx) error {
		rows, err := tx.Execute(ctx, fmt.Sprintf(`SELECT hash, bitmap FROM %s WHERE bitmap IS NOT NULL`, table))
		if err != nil {
			return util.WrapError("select existing bitmaps", err)
		}
		defer rows.Close()

		type row struct {
			hash string
			bits []uint64
		}

		var existing []row

		for rows.Next() {
			var (
				hash string
				blob []byte
			)

			if err := rows.Scan(&hash, &blob); err != nil {
				return util.WrapError("scan bitmap row", err)
			}

			existing = append(existing, row{hash: hash, bits: unpackBits(blob)})
		}

		if err := rows.Err(); err != nil {
			return util.WrapError("iterate bitmap rows", err)
		}

		newWords := wordsFor(newSize)

		for _, r := range existing {
			grown := make([]uint64, newWords)
			copy(grown, r.bits)

			if _, err := tx.Execute(ctx, fmt.Sprintf(`UPDATE %s SET bitmap = $1, bitsize = $2 WHERE hash = $3`, table),
				packBits(grown), newSize, r.hash); err != nil {
				return util.WrapError("rewrite grown bitmap", err)
			}
		}

		if _, err := tx.Execute(ctx, fmt.Sprintf(`UPDATE %s SET bitsize = $1 WHERE partition_key = $2`, b.naming.MetadataTable()),
			newSize, b.partitionKey); err != nil {
			return util.WrapError("update metadata bitsize", err)
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: grow bitsize: %w", ErrBackend, err)
	}

	b.bitsize = newSize

	return nil
}

func (b *PostgresBackend) Mark(ctx context.Context, h fingerprint.Hash, status Status) error {
	table := b.naming.CacheTable(b.partitionKey)
	now := time.Now()

	query := fmt.Sprintf(`INSERT INTO %s (hash, status, created_at, last_seen, cardinality)
		VALUES ($1, $2, $3, $3, 0)
		ON CONFLICT (hash) DO UPDATE SET status = $2, last_seen = $3, cardinality = 0,
			values_int = NULL, values_float = NULL, values_text = NULL, values_ts = NULL, bitmap = NULL`, table)

	if _, err := b.conn.Execute(ctx, query, string(h), status.String(), now); err != nil {
		return fmt.Errorf("%w: mark %s %s: %w", ErrBackend, h, status, err)
	}

	return nil
}

func (b *PostgresBackend) Get(ctx context.Context, h fingerprint.Hash) (Entry, bool, error) {
	table := b.naming.CacheTable(b.partitionKey)

	query := fmt.Sprintf(`SELECT status, created_at, last_seen, cardinality, values_int, values_float, values_text, values_ts, bitmap
		FROM %s WHERE hash = $1`, table)

	rows, err := b.conn.Execute(ctx, query, string(h))
	if err != nil {
		return Entry{}, false, fmt.Errorf("%w: get %s: %w", ErrBackend, h, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return Entry{}, false, nil
	}

	entry, status, err := b.scanEntry(h, rows)
	if err != nil {
		return Entry{}, false, err
	}

	if status != StatusOK {
		return Entry{}, false, nil
	}

	return entry, true, nil
}

func (b *PostgresBackend) scanEntry(h fingerprint.Hash, rows dbconn.Rows) (Entry, Status, error) {
	var (
		statusText                        string
		createdAt, lastSeen                time.Time
		cardinality                        int
		valuesInt                          []int64
		valuesFloat                        []float64
		valuesText                         []string
		valuesTS                           []time.Time
		bitmap                             []byte
	)

	if err := rows.Scan(&statusText, &createdAt, &lastSeen, &cardinality, &valuesInt, &valuesFloat, &valuesText, &valuesTS, &bitmap); err != nil {
		return Entry{}, StatusUnknown, fmt.Errorf("%w: scan %s: %w", ErrBackend, h, err)
	}

	status := parseStatus(statusText)

	values := b.decodeValues(valuesInt, valuesFloat, valuesText, valuesTS, bitmap)

	return Entry{
		Hash:        h,
		Values:      values,
		Status:      status,
		CreatedAt:   createdAt,
		LastSeen:    lastSeen,
		Cardinality: cardinality,
	}, status, nil
}

func (b *PostgresBackend) decodeValues(valuesInt []int64, valuesFloat []float64, valuesText []string, valuesTS []time.Time, bitmap []byte) []pktype.Value {
	switch b.kind {
	case KindBit:
		if bitmap == nil {
			return nil
		}

		bits := unpackBits(bitmap)
		out := make([]pktype.Value, 0)

		for i := 0; i < b.bitsize; i++ {
			if testBit(bits, i) {
				out = append(out, pktype.IntValue(b.datatype, int64(i)))
			}
		}

		return out

	case KindRoaringBit:
		if bitmap == nil {
			return nil
		}

		rb := roaring.New()
		if err := rb.UnmarshalBinary(bitmap); err != nil {
			return nil
		}

		return decodeRoaring(rb)

	default:
		switch {
		case valuesInt != nil:
			out := make([]pktype.Value, len(valuesInt))
			for i, v := range valuesInt {
				out[i] = pktype.IntValue(b.datatype, v)
			}

			return out
		case valuesFloat != nil:
			out := make([]pktype.Value, len(valuesFloat))
			for i, v := range valuesFloat {
				out[i] = pktype.FloatValue(v)
			}

			return out
		case valuesText != nil:
			out := make([]pktype.Value, len(valuesText))
			for i, v := range valuesText {
				out[i] = pktype.TextValue(v)
			}

			return out
		case valuesTS != nil:
			out := make([]pktype.Value, len(valuesTS))
			for i, v := range valuesTS {
				out[i] = pktype.TimestampValue(v)
			}

			return out
		default:
			return nil
		}
	}
}

func (b *PostgresBackend) Exists(ctx context.Context, h fingerprint.Hash) (bool, error) {
	table := b.naming.CacheTable(b.partitionKey)

	var exists bool

	rows, err := b.conn.Execute(ctx, fmt.Sprintf(`SELECT EXISTS(SELECT 1 FROM %s WHERE hash = $1)`, table), string(h))
	if err != nil {
		return false, fmt.Errorf("%w: exists %s: %w", ErrBackend, h, err)
	}
	defer rows.Close()

	if rows.Next() {
		if err := rows.Scan(&exists); err != nil {
			return false, fmt.Errorf("%w: scan exists %s: %w", ErrBackend, h, err)
		}
	}

	return exists, nil
}

func (b *PostgresBackend) Intersect(ctx context.Context, hashes []fingerprint.Hash) (Constraint, error) {
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

	acc := map[any]pktype.Value{}
	for _, v := range first.Values {
		acc[v.Key()] = v
	}

	for _, h := range hashes[1:] {
		next, ok, err := b.Get(ctx, h)
		if err != nil {
			return Constraint{}, err
		}

		if !ok || len(acc) == 0 {
			return Constraint{Values: []pktype.Value{}}, nil
		}

		nextSet := map[any]bool{}
		for _, v := range next.Values {
			nextSet[v.Key()] = true
		}

		for k := range acc {
			if !nextSet[k] {
				delete(acc, k)
			}
		}
	}

	return Constraint{Values: valuesOf(acc), Cardinality: len(acc)}, nil
}

func (b *PostgresBackend) Delete(ctx context.Context, h fingerprint.Hash) error {
	table := b.naming.CacheTable(b.partitionKey)

	if _, err := b.conn.Execute(ctx, fmt.Sprintf(`DELETE FROM %s WHERE hash = $1`, table), string(h)); err != nil {
		return fmt.Errorf("%w: delete %s: %w", ErrBackend, h, err)
	}

	return nil
}

func (b *PostgresBackend) List(ctx context.Context) ([]ListItem, error) {
	table := b.naming.CacheTable(b.partitionKey)

	rows, err := b.conn.ExecuteStreaming(ctx, fmt.Sprintf(`SELECT hash, status, last_seen, cardinality FROM %s`, table))
	if err != nil {
		return nil, fmt.Errorf("%w: list: %w", ErrBackend, err)
	}
	defer rows.Close()

	var out []ListItem

	for rows.Next() {
		var (
			hash, statusText string
			lastSeen         time.Time
			cardinality      int
		)

		if err := rows.Scan(&hash, &statusText, &lastSeen, &cardinality); err != nil {
			return nil, fmt.Errorf("%w: scan list row: %w", ErrBackend, err)
		}

		out = append(out, ListItem{Hash: fingerprint.Hash(hash), Cardinality: cardinality, LastSeen: lastSeen, Status: parseStatus(statusText)})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate list rows: %w", ErrBackend, err)
	}

	return out, nil
}

func parseStatus(s string) Status {
	switch s {
	case "ok":
		return StatusOK
	case "timeout":
		return StatusTimeout
	case "failed":
		return StatusFailed
	case "limit":
		return StatusLimit
	default:
		return StatusUnknown
	}
}

func packBits(bits []uint64) []byte {
	out := make([]byte, len(bits)*8)
	for i, w := range bits {
		binary.LittleEndian.PutUint64(out[i*8:], w)
	}

	return out
}

func unpackBits(blob []byte) []uint64 {
	out := make([]uint64, len(blob)/8)
	for i := range out {
		out[i] = binary.LittleEndian.Uint64(blob[i*8:])
	}

	return out
}
