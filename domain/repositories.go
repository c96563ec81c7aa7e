package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by lookups and deletes for absent records.
var ErrNotFound = errors.New("record not found")

// ConflictError reports that InsertIfAbsent (or MarkIfAbsent) lost the race:
// a record already exists under the same key. Existing carries the winning
// record when the backend can produce it, for caller diagnostics.
type ConflictError struct {
	Key      string
	Existing *UsageRecord
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("key %q already used", e.Key)
}

// AsConflict unwraps err into a ConflictError, if it is one.
func AsConflict(err error) (*ConflictError, bool) {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// UsageRecordRepository is the persistence contract backing redemption.
//
// InsertIfAbsent is the single primitive the at-most-once guarantee rests
// on: it must be atomic with respect to concurrent callers inserting the
// same KeyID, succeed for exactly one of them, and return a ConflictError
// to every other. Implementations exist for MongoDB (unique index),
// Redis (SET NX) and an in-memory ttlcache store; RedemptionService is
// written against this interface only.
type UsageRecordRepository interface {
	InsertIfAbsent(ctx context.Context, rec *UsageRecord) error
	GetByKeyID(ctx context.Context, keyID string) (*UsageRecord, error)
	List(ctx context.Context) ([]*UsageRecord, error)
	Delete(ctx context.Context, keyID string) error
	Stats(ctx context.Context, now time.Time) (*UsageStats, error)
}

// NonceRepository tracks replay keys independently of usage records, under
// the same atomic insert-if-absent contract.
type NonceRepository interface {
	MarkIfAbsent(ctx context.Context, nonce string, at time.Time) error
	IsMarked(ctx context.Context, nonce string) (bool, error)
	Delete(ctx context.Context, nonce string) error
}

// Pinger is implemented by store backends that can report connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}
