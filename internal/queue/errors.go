package queue

import "errors"

// ErrWorkerTimeout is the cause the worker logs when a fragment's statement
// execution exceeds its per-item timeout; it is not returned to the caller.
// It is terminal: the entry is tombstoned timeout and no implicit retry
// happens.
var ErrWorkerTimeout = errors.New("worker timeout")

// ErrResultLimitExceeded is the cause the worker logs when a fragment
// produced result_limit or more values; it is not returned to the caller.
// Terminal, tombstoned limit.
var ErrResultLimitExceeded = errors.New("result limit exceeded")

// ErrQueueFull is returned by Enqueue when the queue exceeds its configured
// size: new enqueues fail fast rather than growing
// unbounded.
var ErrQueueFull = errors.New("queue full")
