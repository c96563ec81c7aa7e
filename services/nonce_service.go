package services

import (
	"context"
	"time"

	"go.verikey.dev/keygate/domain"
	kgerrors "go.verikey.dev/keygate/errors"
	"go.verikey.dev/keygate/internal/metrics"
)

// NonceService handles the lightweight replay-check flow: clients that
// only need "has this nonce been seen" without recording a full usage.
type NonceService struct {
	nonces domain.NonceRepository
	retry  RetryPolicy

	now func() time.Time
}

// NewNonceService creates a NonceService.
func NewNonceService(nonces domain.NonceRepository, retry RetryPolicy) *NonceService {
	return &NonceService{nonces: nonces, retry: retry, now: time.Now}
}

// Check reports whether the nonce has already been marked.
func (s *NonceService) Check(ctx context.Context, nonce string) (bool, error) {
	var used bool
	err := s.retry.Do(ctx, func(ctx context.Context) error {
		var innerErr error
		used, innerErr = s.nonces.IsMarked(ctx, nonce)
		return innerErr
	})
	if err != nil {
		return false, err
	}
	return used, nil
}

// Mark atomically marks the nonce as used. Returns a nonce_already_used
// VerifyError when another caller marked it first.
func (s *NonceService) Mark(ctx context.Context, nonce string) (*domain.NonceMark, error) {
	mark := &domain.NonceMark{Nonce: nonce, MarkedAt: s.now()}

	err := s.retry.Do(ctx, func(ctx context.Context) error {
		return s.nonces.MarkIfAbsent(ctx, nonce, mark.MarkedAt)
	})
	if err != nil {
		if _, ok := domain.AsConflict(err); ok {
			return nil, kgerrors.NewNonceAlreadyUsed()
		}
		return nil, err
	}

	metrics.ObserveNonceMark()
	return mark, nil
}
