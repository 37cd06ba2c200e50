// Package cache implements the fragment cache engine. A
// Backend persists, per fingerprint, the set of partition-key values a
// fragment query produced, and intersects sets across fingerprints at read
// time. Four backend variants share the one interface: SortedArray,
// DenseBit, RoaringBit, and GenericSet, plus a Postgres-backed reference
// store that layers the variant shape over real tables.
package cache

import (
	"context"
	"time"

	"github.com/partitioncache/partitioncache/internal/fingerprint"
	"github.com/partitioncache/partitioncache/internal/pktype"
)

// Status is the lifecycle state of a cache entry.
type Status int

const (
	StatusUnknown Status = iota
	StatusOK
	StatusTimeout
	StatusFailed
	StatusLimit
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusTimeout:
		return "timeout"
	case StatusFailed:
		return "failed"
	case StatusLimit:
		return "limit"
	default:
		return "unknown"
	}
}

// IsTombstone reports whether s records a no-values outcome.
func (s Status) IsTombstone() bool {
	return s == StatusTimeout || s == StatusFailed || s == StatusLimit
}

// Kind tags a backend's set representation, so callers that need to decide
// between a materialised or lazy rewrite can dispatch without a type
// assertion.
type Kind int

const (
	KindUnknown Kind = iota
	KindArray
	KindBit
	KindRoaringBit
	KindGeneric
)

func (k Kind) String() string {
	switch k {
	case KindArray:
		return "array"
	case KindBit:
		return "bit"
	case KindRoaringBit:
		return "roaringbit"
	case KindGeneric:
		return "generic"
	default:
		return "unknown"
	}
}

// Entry is the (H, P) -> {values, status, created_at, last_seen,
// cardinality} cache row. Values is nil for a tombstone.
type Entry struct {
	Hash        fingerprint.Hash
	Values      []pktype.Value
	Status      Status
	CreatedAt   time.Time
	LastSeen    time.Time
	Cardinality int
}

// ListItem is one row of Backend.List's output: just enough to drive
// eviction and reporting without paying to materialise every value set.
type ListItem struct {
	Hash        fingerprint.Hash
	Cardinality int
	LastSeen    time.Time
	Status      Status
}

// Constraint is what Intersect hands back to the applicator: a concrete
// value set ready to splice as a literal IN(...) list. Backends that also
// implement SQLIn let the applicator trade the value list for a subquery
// over the backend's own storage when the set is large.
type Constraint struct {
	// NoConstraint is true only for Intersect(nil)/Intersect([]): no
	// fragment was hit, so the caller should not filter at all. It is
	// distinct from an intersection that narrowed to zero values.
	NoConstraint bool

	Values      []pktype.Value
	Cardinality int
}

// Backend is the capability interface every cache-store implementation
// satisfies, scoped to one (partition-key, datatype) namespace. Put, Mark,
// and Delete are idempotent.
type Backend interface {
	// Kind reports which set representation this backend uses, for the
	// applicator's lazy-vs-materialised dispatch.
	Kind() Kind

	// Put idempotently overwrites the value set for h. Concurrent Puts to
	// different h are independent; the caller (internal/queue's active-job
	// table) serialises writers to the same h.
	Put(ctx context.Context, h fingerprint.Hash, values []pktype.Value, dt pktype.Datatype) error

	// Mark stores a no-values tombstone. status must be one of
	// StatusTimeout, StatusFailed, StatusLimit.
	Mark(ctx context.Context, h fingerprint.Hash, status Status) error

	// Get returns the entry for h. ok is false for a miss or a tombstone;
	// only a StatusOK entry is ever returned with ok=true.
	Get(ctx context.Context, h fingerprint.Hash) (entry Entry, ok bool, err error)

	// Exists reports whether h has any row at all, tombstone included.
	Exists(ctx context.Context, h fingerprint.Hash) (bool, error)

	// Intersect computes the constraint for an ordered list of hit
	// fingerprints: Intersect(nil) is "no constraint";
	// Intersect([h]) equals Get(h); any member set being empty short-
	// circuits to an empty (non-nil) constraint.
	Intersect(ctx context.Context, hashes []fingerprint.Hash) (Constraint, error)

	// Delete removes the entry (value set or tombstone) for h.
	Delete(ctx context.Context, h fingerprint.Hash) error

	// List enumerates every entry in this namespace, ok for eviction and
	// reporting to walk without loading every value set into memory.
	List(ctx context.Context) ([]ListItem, error)
}
