// Package redis implements the usage record and nonce repositories on a
// Redis backend. SET NX provides the same atomic insert-if-absent the
// MongoDB unique index provides; record payloads are JSON values with a
// retention TTL on every key.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"go.verikey.dev/keygate/domain"
	kgerrors "go.verikey.dev/keygate/errors"
)

// KeyRecordStore implements domain.UsageRecordRepository on Redis.
type KeyRecordStore struct {
	client    *redis.Client
	prefix    string
	retention time.Duration
}

// NewKeyRecordStore creates a Redis-backed record store. Keys live under
// "<prefix>:record:" and expire after the retention period.
func NewKeyRecordStore(client *redis.Client, prefix string, retention time.Duration) *KeyRecordStore {
	return &KeyRecordStore{client: client, prefix: prefix, retention: retention}
}

func (s *KeyRecordStore) recordKey(keyID string) string {
	return fmt.Sprintf("%s:record:%s", s.prefix, keyID)
}

// InsertIfAbsent claims the key with SET NX. The first concurrent caller to
// reach Redis wins; losers read back the winning record for diagnostics.
func (s *KeyRecordStore) InsertIfAbsent(ctx context.Context, rec *domain.UsageRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal usage record: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.recordKey(rec.KeyID), payload, s.retention).Result()
	if err != nil {
		return mapStoreError(err, "insert key record")
	}
	if !ok {
		existing, getErr := s.GetByKeyID(ctx, rec.KeyID)
		if getErr != nil {
			existing = nil
		}
		return &domain.ConflictError{Key: rec.KeyID, Existing: existing}
	}
	return nil
}

func (s *KeyRecordStore) GetByKeyID(ctx context.Context, keyID string) (*domain.UsageRecord, error) {
	payload, err := s.client.Get(ctx, s.recordKey(keyID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, mapStoreError(err, "get key record")
	}

	var rec domain.UsageRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal usage record: %w", err)
	}
	return &rec, nil
}

// List scans the record keyspace and returns all records, most recently
// redeemed first.
func (s *KeyRecordStore) List(ctx context.Context) ([]*domain.UsageRecord, error) {
	keys, err := s.scanKeys(ctx, s.recordKey("*"))
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return []*domain.UsageRecord{}, nil
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, mapStoreError(err, "load key records")
	}

	records := make([]*domain.UsageRecord, 0, len(values))
	for _, v := range values {
		str, ok := v.(string)
		if !ok {
			continue // expired between scan and fetch
		}
		var rec domain.UsageRecord
		if err := json.Unmarshal([]byte(str), &rec); err != nil {
			return nil, fmt.Errorf("unmarshal usage record: %w", err)
		}
		records = append(records, &rec)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].RedeemedAt.After(records[j].RedeemedAt)
	})
	return records, nil
}

func (s *KeyRecordStore) Delete(ctx context.Context, keyID string) error {
	n, err := s.client.Del(ctx, s.recordKey(keyID)).Result()
	if err != nil {
		return mapStoreError(err, "delete key record")
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Stats counts over a full scan. Redis has no aggregation pipeline, so the
// counting happens client-side; the semantics match the MongoDB facets.
func (s *KeyRecordStore) Stats(ctx context.Context, now time.Time) (*domain.UsageStats, error) {
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

// Ping verifies connectivity, for health checks.
func (s *KeyRecordStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *KeyRecordStore) scanKeys(ctx context.Context, pattern string) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, mapStoreError(err, "scan key records")
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

func mapStoreError(err error, op string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return kgerrors.NewStoreTimeout(fmt.Errorf("%s: %w", op, err))
	}
	return kgerrors.NewStoreUnavailable(fmt.Errorf("%s: %w", op, err))
}

var _ domain.UsageRecordRepository = (*KeyRecordStore)(nil)
