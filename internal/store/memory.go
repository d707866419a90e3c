package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"fundingflow/internal/models"
)

// MemoryStore keeps every table in maps. It backs tests and the memory
// driver used for dry runs.
type MemoryStore struct {
	mu      sync.RWMutex
	closed  bool
	snaps   map[models.SnapshotKey]models.RawSnapshot
	minutes map[models.BucketKey]models.MinuteBucket
	hours   map[models.BucketKey]models.HourBucket
	health  map[string]models.ConnectorHealth

	// failCommit, when set, is returned by the next commit; tests use it to
	// simulate a datastore failure mid pass.
	failCommit error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		snaps:   make(map[models.SnapshotKey]models.RawSnapshot),
		minutes: make(map[models.BucketKey]models.MinuteBucket),
		hours:   make(map[models.BucketKey]models.HourBucket),
		health:  make(map[string]models.ConnectorHealth),
	}
}

// FailNextCommit makes the next Commit* call return err without writing.
func (s *MemoryStore) FailNextCommit(err error) {
	s.mu.Lock()
	s.failCommit = err
	s.mu.Unlock()
}

func (s *MemoryStore) InsertSnapshots(ctx context.Context, snaps []models.RawSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	for _, snap := range snaps {
		snap.ObservedAt = snap.ObservedAt.UTC().Truncate(time.Millisecond)
		s.snaps[snap.Key()] = snap
	}
	return nil
}

func (s *MemoryStore) PendingSnapshots(ctx context.Context, before time.Time, limit int) ([]models.RawSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]models.RawSnapshot, 0)
	for _, snap := range s.snaps {
		if snap.ObservedAt.Before(before) {
			out = append(out, snap)
		}
	}
	sort.Slice(out, func(i, j int) bool { return snapshotLess(out[i], out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) MinuteBuckets(ctx context.Context, keys []models.BucketKey) ([]models.MinuteBucket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]models.MinuteBucket, 0, len(keys))
	for _, k := range keys {
		if b, ok := s.minutes[k]; ok {
			out = append(out, b)
		}
	}
	return out, nil
}

func (s *MemoryStore) CommitMinuteBuckets(ctx context.Context, buckets []models.MinuteBucket, consumed []models.SnapshotKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.commitErr(); err != nil {
		return err
	}
	for _, b := range buckets {
		s.minutes[b.Key()] = b
	}
	for _, k := range consumed {
		delete(s.snaps, k)
	}
	return nil
}

func (s *MemoryStore) PendingMinuteBuckets(ctx context.Context, before time.Time, limit int) ([]models.MinuteBucket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]models.MinuteBucket, 0)
	for _, b := range s.minutes {
		if b.BucketTime.Before(before) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return keyLess(out[i].Key(), out[j].Key()) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) HourBuckets(ctx context.Context, keys []models.BucketKey) ([]models.HourBucket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]models.HourBucket, 0, len(keys))
	for _, k := range keys {
		if b, ok := s.hours[k]; ok {
			out = append(out, b)
		}
	}
	return out, nil
}

func (s *MemoryStore) CommitHourBuckets(ctx context.Context, buckets []models.HourBucket, consumed []models.BucketKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.commitErr(); err != nil {
		return err
	}
	s.mergeHours(buckets)
	for _, k := range consumed {
		delete(s.minutes, k)
	}
	return nil
}

func (s *MemoryStore) MergeHourBuckets(ctx context.Context, buckets []models.HourBucket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.mergeHours(buckets)
	return nil
}

func (s *MemoryStore) InsertHourBuckets(ctx context.Context, buckets []models.HourBucket) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	inserted := 0
	for _, b := range buckets {
		if _, ok := s.hours[b.Key()]; ok {
			continue
		}
		s.hours[b.Key()] = b
		inserted++
	}
	return inserted, nil
}

// mergeHours must be called with mu held.
func (s *MemoryStore) mergeHours(buckets []models.HourBucket) {
	for _, b := range buckets {
		cur, ok := s.hours[b.Key()]
		if !ok {
			s.hours[b.Key()] = b
			continue
		}
		if b.SampleCount <= 0 {
			continue
		}
		cur.MergeStats(b.BucketStats)
		cur.UpdatedAt = b.UpdatedAt
		s.hours[b.Key()] = cur
	}
}

func (s *MemoryStore) UpsertHourBuckets(ctx context.Context, buckets []models.HourBucket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	for _, b := range buckets {
		s.hours[b.Key()] = b
	}
	return nil
}

func (s *MemoryStore) HourBucketPage(ctx context.Context, from, to time.Time, after models.BucketKey, limit int) ([]models.HourBucket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]models.HourBucket, 0)
	for k, b := range s.hours {
		if b.HourTime.Before(from) || !b.HourTime.Before(to) {
			continue
		}
		if !after.IsZero() && !keyLess(after, k) {
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return keyLess(out[i].Key(), out[j].Key()) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) UpsertHealth(ctx context.Context, h models.ConnectorHealth) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.health[h.Exchange] = h
	return nil
}

func (s *MemoryStore) Health(ctx context.Context, exchange string) (models.ConnectorHealth, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return models.ConnectorHealth{}, false, ErrClosed
	}
	h, ok := s.health[exchange]
	return h, ok, nil
}

func (s *MemoryStore) ListHealth(ctx context.Context) ([]models.ConnectorHealth, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]models.ConnectorHealth, 0, len(s.health))
	for _, h := range s.health {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Exchange < out[j].Exchange })
	return out, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Counts reports table sizes for tests and verification.
func (s *MemoryStore) Counts() (snapshots, minutes, hours int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.snaps), len(s.minutes), len(s.hours)
}

func (s *MemoryStore) commitErr() error {
	if s.closed {
		return ErrClosed
	}
	if err := s.failCommit; err != nil {
		s.failCommit = nil
		return err
	}
	return nil
}

func snapshotLess(a, b models.RawSnapshot) bool {
	if !a.ObservedAt.Equal(b.ObservedAt) {
		return a.ObservedAt.Before(b.ObservedAt)
	}
	if a.Exchange != b.Exchange {
		return a.Exchange < b.Exchange
	}
	return a.Symbol < b.Symbol
}

// keyLess orders by (time, exchange, symbol), the page order.
func keyLess(a, b models.BucketKey) bool {
	if a.Unix != b.Unix {
		return a.Unix < b.Unix
	}
	if a.Exchange != b.Exchange {
		return a.Exchange < b.Exchange
	}
	return a.Symbol < b.Symbol
}
