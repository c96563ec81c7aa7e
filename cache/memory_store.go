// Package cache provides in-memory implementations of the usage record and
// nonce repositories, backed by ttlcache. They serve dev mode and tests;
// the atomicity contract is identical to the database backends.
package cache

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"go.verikey.dev/keygate/domain"
)

// MemoryKeyRecordStore implements domain.UsageRecordRepository with a
// ttlcache keyed by key_id. ttlcache has no conditional-set primitive, so
// insert-if-absent runs under an explicit mutex; that mutex is the race
// arbiter for this backend, playing the role the unique index plays in
// MongoDB.
type MemoryKeyRecordStore struct {
	mu        sync.Mutex
	cache     *ttlcache.Cache[string, *domain.UsageRecord]
	retention time.Duration
}

// NewMemoryKeyRecordStore creates an in-memory store whose entries are
// purged after the retention period.
func NewMemoryKeyRecordStore(retention time.Duration) *MemoryKeyRecordStore {
	cache := ttlcache.New(
		ttlcache.WithTTL[string, *domain.UsageRecord](retention),
		ttlcache.WithDisableTouchOnHit[string, *domain.UsageRecord](),
	)
	go cache.Start()

	return &MemoryKeyRecordStore{cache: cache, retention: retention}
}

func (s *MemoryKeyRecordStore) InsertIfAbsent(_ context.Context, rec *domain.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if item := s.cache.Get(rec.KeyID); item != nil {
		return &domain.ConflictError{Key: rec.KeyID, Existing: item.Value()}
	}
	s.cache.Set(rec.KeyID, rec, s.retention)
	return nil
}

func (s *MemoryKeyRecordStore) GetByKeyID(_ context.Context, keyID string) (*domain.UsageRecord, error) {
	item := s.cache.Get(keyID)
	if item == nil {
		return nil, domain.ErrNotFound
	}
	return item.Value(), nil
}

// List returns all records, most recently redeemed first.
func (s *MemoryKeyRecordStore) List(_ context.Context) ([]*domain.UsageRecord, error) {
	items := s.cache.Items()
	records := make([]*domain.UsageRecord, 0, len(items))
	for _, item := range items {
		records = append(records, item.Value())
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].RedeemedAt.After(records[j].RedeemedAt)
	})
	return records, nil
}

func (s *MemoryKeyRecordStore) Delete(_ context.Context, keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cache.Get(keyID) == nil {
		return domain.ErrNotFound
	}
	s.cache.Delete(keyID)
	return nil
}

func (s *MemoryKeyRecordStore) Stats(ctx context.Context, now time.Time) (*domain.UsageStats, error) {
	records, err := s.List(ctx)
	if err != nil {
		return nil, err
	}

	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	weekStart := now.Add(-7 * 24 * time.Hour)

	stats := &domain.UsageStats{Timestamp: now}
	for _, rec := range records {
		stats.Total++
		if rec.Accepted && rec.IssuedExpiry.After(now) {
			stats.VerifiedActive++
		}
		if !rec.IssuedExpiry.After(now) {
			stats.Expired++
		}
		if !rec.RedeemedAt.Before(midnight) && rec.RedeemedAt.Before(midnight.Add(24*time.Hour)) {
			stats.RedeemedToday++
		}
		if !rec.RedeemedAt.Before(weekStart) {
			stats.RedeemedWeek++
		}
		if !rec.RedeemedAt.Before(monthStart) {
			stats.RedeemedMonth++
		}
	}
	return stats, nil
}

// Close stops the cache janitor.
func (s *MemoryKeyRecordStore) Close() {
	s.cache.Stop()
}

var _ domain.UsageRecordRepository = (*MemoryKeyRecordStore)(nil)

// MemoryNonceLedger implements domain.NonceRepository in memory.
type MemoryNonceLedger struct {
	mu        sync.Mutex
	cache     *ttlcache.Cache[string, time.Time]
	retention time.Duration
}

// NewMemoryNonceLedger creates an in-memory nonce ledger.
func NewMemoryNonceLedger(retention time.Duration) *MemoryNonceLedger {
	cache := ttlcache.New(
		ttlcache.WithTTL[string, time.Time](retention),
		ttlcache.WithDisableTouchOnHit[string, time.Time](),
	)
	go cache.Start()

	return &MemoryNonceLedger{cache: cache, retention: retention}
}

func (l *MemoryNonceLedger) MarkIfAbsent(_ context.Context, nonce string, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cache.Get(nonce) != nil {
		return &domain.ConflictError{Key: nonce}
	}
	l.cache.Set(nonce, at, l.retention)
	return nil
}

func (l *MemoryNonceLedger) IsMarked(_ context.Context, nonce string) (bool, error) {
	return l.cache.Get(nonce) != nil, nil
}

func (l *MemoryNonceLedger) Delete(_ context.Context, nonce string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cache.Get(nonce) == nil {
		return domain.ErrNotFound
	}
	l.cache.Delete(nonce)
	return nil
}

// Close stops the cache janitor.
func (l *MemoryNonceLedger) Close() {
	l.cache.Stop()
}

var _ domain.NonceRepository = (*MemoryNonceLedger)(nil)
