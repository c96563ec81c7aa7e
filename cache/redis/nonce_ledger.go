package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"go.verikey.dev/keygate/domain"
)

// NonceLedger implements domain.NonceRepository on Redis. Each mark is a
// "used_nonce:" key holding the mark time, expiring after the retention
// period.
type NonceLedger struct {
	client    *redis.Client
	prefix    string
	retention time.Duration
}

// NewNonceLedger creates a Redis-backed nonce ledger.
func NewNonceLedger(client *redis.Client, prefix string, retention time.Duration) *NonceLedger {
	return &NonceLedger{client: client, prefix: prefix, retention: retention}
}

func (l *NonceLedger) nonceKey(nonce string) string {
	return fmt.Sprintf("%s:used_nonce:%s", l.prefix, nonce)
}

func (l *NonceLedger) MarkIfAbsent(ctx context.Context, nonce string, at time.Time) error {
	ok, err := l.client.SetNX(ctx, l.nonceKey(nonce), at.Format(time.RFC3339), l.retention).Result()
	if err != nil {
		return mapStoreError(err, "mark nonce")
	}
	if !ok {
		return &domain.ConflictError{Key: nonce}
	}
	return nil
}

func (l *NonceLedger) IsMarked(ctx context.Context, nonce string) (bool, error) {
	n, err := l.client.Exists(ctx, l.nonceKey(nonce)).Result()
	if err != nil {
		return false, mapStoreError(err, "check nonce")
	}
	return n > 0, nil
}

func (l *NonceLedger) Delete(ctx context.Context, nonce string) error {
	n, err := l.client.Del(ctx, l.nonceKey(nonce)).Result()
	if err != nil {
		return mapStoreError(err, "delete nonce")
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

var _ domain.NonceRepository = (*NonceLedger)(nil)
