package cache

import (
	"strings"

	"github.com/partitioncache/partitioncache/internal/fingerprint"
	"github.com/partitioncache/partitioncache/internal/pktype"
)

// SQLIn is implemented by backends whose value sets persist inside the same
// SQL database the user's query runs against. For those, the applicator can
// splice a subquery over the backend's own cache table instead of a literal
// value list.
type SQLIn interface {
	// InSubquery returns a SELECT whose result set is the intersection of
	// the value sets stored under hashes. ok is false when this backend's
	// row shape cannot be queried in place (bitmap-encoded rows must be
	// decoded by the backend first).
	InSubquery(hashes []fingerprint.Hash) (sql string, ok bool)
}

// InSubquery builds the lazy rewrite form for array-shaped rows:
//
//	SELECT unnest(values_int) FROM <cache_table> WHERE hash = 'h1'
//	INTERSECT
//	SELECT unnest(values_int) FROM <cache_table> WHERE hash = 'h2'
//
// Bit and roaring rows store an encoded bitmap the executor cannot unnest,
// so those kinds report ok=false and the applicator falls back to a
// materialised list.
func (b *PostgresBackend) InSubquery(hashes []fingerprint.Hash) (string, bool) {
	if len(hashes) == 0 || b.kind == KindBit || b.kind == KindRoaringBit {
		return "", false
	}

	var column string

	switch b.datatype {
	case pktype.Int32, pktype.Int64:
		column = "values_int"
	case pktype.Float:
		column = "values_float"
	case pktype.Text:
		column = "values_text"
	case pktype.Timestamp:
		column = "values_ts"
	default:
		return "", false
	}

	table := b.naming.CacheTable(b.partitionKey)

	parts := make([]string, 0, len(hashes))
	for _, h := range hashes {
		parts = append(parts, "SELECT unnest("+column+") FROM "+table+" WHERE hash = '"+string(h)+"'")
	}

	return strings.Join(parts, " INTERSECT "), true
}
