package services

import (
	"context"
	"time"

	"go.verikey.dev/keygate/domain"
)

// RecordService exposes administrative read and purge access to usage
// records. All operations go through the shared retry policy.
type RecordService struct {
	records domain.UsageRecordRepository
	retry   RetryPolicy
}

// NewRecordService creates a RecordService.
func NewRecordService(records domain.UsageRecordRepository, retry RetryPolicy) *RecordService {
	return &RecordService{records: records, retry: retry}
}

// List returns all usage records, most recently redeemed first.
func (s *RecordService) List(ctx context.Context) ([]*domain.UsageRecord, error) {
	var records []*domain.UsageRecord
	err := s.retry.Do(ctx, func(ctx context.Context) error {
		var innerErr error
		records, innerErr = s.records.List(ctx)
		return innerErr
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Get returns the record for a key, or domain.ErrNotFound.
func (s *RecordService) Get(ctx context.Context, keyID string) (*domain.UsageRecord, error) {
	var rec *domain.UsageRecord
	err := s.retry.Do(ctx, func(ctx context.Context) error {
		var innerErr error
		rec, innerErr = s.records.GetByKeyID(ctx, keyID)
		return innerErr
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Delete purges a record administratively.
func (s *RecordService) Delete(ctx context.Context, keyID string) error {
	return s.retry.Do(ctx, func(ctx context.Context) error {
		return s.records.Delete(ctx, keyID)
	})
}

// StatsService is the read-only usage aggregation. Counts are computed at
// query time; if the backing store is unreachable the view fails closed
// with an error, never with zero counts.
type StatsService struct {
	records domain.UsageRecordRepository
	retry   RetryPolicy

	now func() time.Time
}

// NewStatsService creates a StatsService.
func NewStatsService(records domain.UsageRecordRepository, retry RetryPolicy) *StatsService {
	return &StatsService{records: records, retry: retry, now: time.Now}
}

// Stats returns usage counts as of now.
func (s *StatsService) Stats(ctx context.Context) (*domain.UsageStats, error) {
	var stats *domain.UsageStats
	err := s.retry.Do(ctx, func(ctx context.Context) error {
		var innerErr error
		stats, innerErr = s.records.Stats(ctx, s.now())
		return innerErr
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}
