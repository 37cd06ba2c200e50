package cache

import "errors"

// ErrWrongDatatype is returned by Put when a value's tag does not match the
// datatype the partition key was declared with.
var ErrWrongDatatype = errors.New("wrong datatype for partition key")

// ErrBitsizeExceeded is returned by the bit backends when a Put carries a
// value that would require growing past the maxBitsize cap. Growth within
// the cap is handled internally; past it the worker tombstones the fragment
// as failed.
var ErrBitsizeExceeded = errors.New("bitsize exceeded")

// ErrBackend wraps a store I/O failure. The applicator degrades to "no
// rewrite"; the worker leaves the job for retry after stale_after elapses.
var ErrBackend = errors.New("cache backend error")

// ErrNotFound names the case of a fingerprint with no entry at all (neither
// a value set nor a tombstone). The backends in this package do not return
// it: Get reports that case with ok=false, and Delete of an absent
// fingerprint returns nil.
var ErrNotFound = errors.New("fingerprint not found")
