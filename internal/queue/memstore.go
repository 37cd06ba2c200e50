package queue

import (
	"context"
	"sync"
	"time"

	"github.com/partitioncache/partitioncache/internal/fingerprint"
)

type fragmentKey struct {
	hash fingerprint.Hash
	pk   string
}

// MemStore is an in-process Store, used for tests and for single-process
// deployments that accept losing queue state on restart. It implements the
// exact same at-most-one-build and dedup-on-(H,P) contract as the
// Postgres-backed store, just without surviving a
// restart.
type MemStore struct {
	mu sync.Mutex

	originals []OriginalItem

	fragments     []Item
	fragmentIndex map[fragmentKey]int
	locked        map[fragmentKey]bool

	active map[fragmentKey]ActiveJob

	queryLog map[fragmentKey]QueryLogRow

	skipLog []fragmentKey
}

func NewMemStore() *MemStore {
	return &MemStore{
		fragmentIndex: map[fragmentKey]int{},
		locked:        map[fragmentKey]bool{},
		active:        map[fragmentKey]ActiveJob{},
		queryLog:      map[fragmentKey]QueryLogRow{},
	}
}

func (s *MemStore) EnqueueOriginal(_ context.Context, item OriginalItem, maxSize int) (AddResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if maxSize > 0 && len(s.originals) >= maxSize {
		return AddError, ErrQueueFull
	}

	item.CreatedAt = nonZeroTime(item.CreatedAt)
	s.originals = append(s.originals, item)

	return AddInserted, nil
}

func (s *MemStore) DequeueOriginal(_ context.Context) (OriginalItem, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.originals) == 0 {
		return OriginalItem{}, false, nil
	}

	best := 0

	for i, it := range s.originals {
		if it.Priority > s.originals[best].Priority {
			best = i
		}
	}

	item := s.originals[best]
	s.originals = append(s.originals[:best], s.originals[best+1:]...)

	return item, true, nil
}

func (s *MemStore) EnqueueFragment(_ context.Context, item Item, maxSize int) (AddResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := fragmentKey{hash: item.Hash, pk: item.PartitionKey}

	if idx, exists := s.fragmentIndex[key]; exists {
		s.fragments[idx].Priority++
		return AddUpdated, nil
	}

	if maxSize > 0 && len(s.fragments) >= maxSize {
		return AddError, ErrQueueFull
	}

	item.CreatedAt = nonZeroTime(item.CreatedAt)
	s.fragments = append(s.fragments, item)
	s.fragmentIndex[key] = len(s.fragments) - 1

	return AddInserted, nil
}

func (s *MemStore) DequeueFragment(ctx context.Context, checker FragmentChecker) (Item, bool, error) {
	s.mu.Lock()

	candidates := make([]int, 0, len(s.fragments))

	for i, it := range s.fragments {
		key := fragmentKey{hash: it.Hash, pk: it.PartitionKey}
		if s.locked[key] {
			continue
		}

		candidates = append(candidates, i)
	}

	s.mu.Unlock()

	best := -1
	bestPriority := -1

	for _, i := range candidates {
		s.mu.Lock()
		if i >= len(s.fragments) {
			s.mu.Unlock()
			continue
		}

		it := s.fragments[i]
		s.mu.Unlock()

		if checker != nil {
			ok, err := checker.Decided(ctx, it.PartitionKey, it.Hash)
			if err != nil {
				return Item{}, false, err
			}

			if ok {
				continue
			}
		}

		if it.Priority > bestPriority {
			best = i
			bestPriority = it.Priority
		}
	}

	if best == -1 {
		return Item{}, false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if best >= len(s.fragments) {
		return Item{}, false, nil
	}

	item := s.fragments[best]
	key := fragmentKey{hash: item.Hash, pk: item.PartitionKey}
	s.locked[key] = true

	return item, true, nil
}

func (s *MemStore) AdmitJob(_ context.Context, h fingerprint.Hash, partitionKey, workerID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := fragmentKey{hash: h, pk: partitionKey}
	if _, exists := s.active[key]; exists {
		return false, nil
	}

	s.active[key] = ActiveJob{Hash: h, PartitionKey: partitionKey, WorkerID: workerID, StartedAt: time.Now()}

	return true, nil
}

func (s *MemStore) ReleaseJob(_ context.Context, h fingerprint.Hash, partitionKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.active, fragmentKey{hash: h, pk: partitionKey})

	return nil
}

func (s *MemStore) RemoveFragment(_ context.Context, h fingerprint.Hash, partitionKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := fragmentKey{hash: h, pk: partitionKey}

	idx, exists := s.fragmentIndex[key]
	if !exists {
		delete(s.locked, key)
		return nil
	}

	s.fragments = append(s.fragments[:idx], s.fragments[idx+1:]...)
	delete(s.fragmentIndex, key)
	delete(s.locked, key)

	for k, i := range s.fragmentIndex {
		if i > idx {
			s.fragmentIndex[k] = i - 1
		}
	}

	return nil
}

func (s *MemStore) CleanupStaleJobs(_ context.Context, staleAfter time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	cutoff := time.Now().Add(-staleAfter)

	for key, job := range s.active {
		if job.StartedAt.Before(cutoff) {
			delete(s.active, key)
			delete(s.locked, key)
			removed++
		}
	}

	return removed, nil
}

func (s *MemStore) IdleSweep(ctx context.Context, checker FragmentChecker) (int, error) {
	s.mu.Lock()
	snapshot := append([]Item(nil), s.fragments...)
	s.mu.Unlock()

	removed := 0

	for _, it := range snapshot {
		if checker == nil {
			break
		}

		ok, err := checker.Decided(ctx, it.PartitionKey, it.Hash)
		if err != nil {
			return removed, err
		}

		if ok {
			if err := s.RemoveFragment(ctx, it.Hash, it.PartitionKey); err != nil {
				return removed, err
			}

			s.mu.Lock()
			if row, exists := s.queryLog[fragmentKey{hash: it.Hash, pk: it.PartitionKey}]; exists {
				row.LastSeen = time.Now()
				s.queryLog[fragmentKey{hash: it.Hash, pk: it.PartitionKey}] = row
			}
			s.mu.Unlock()

			removed++
		}
	}

	return removed, nil
}

func (s *MemStore) UpsertQueryLog(_ context.Context, row QueryLogRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row.LastSeen = nonZeroTime(row.LastSeen)
	s.queryLog[fragmentKey{hash: row.Hash, pk: row.PartitionKey}] = row

	return nil
}

func (s *MemStore) RecordSkip(_ context.Context, h fingerprint.Hash, partitionKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.skipLog = append(s.skipLog, fragmentKey{hash: h, pk: partitionKey})

	return nil
}

// SkipCount reports how many skipped log rows have been recorded, for
// tests asserting the at-most-one-build property.
func (s *MemStore) SkipCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.skipLog)
}

func nonZeroTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}

	return t
}
