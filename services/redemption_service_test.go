package services_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.verikey.dev/keygate/cache"
	"go.verikey.dev/keygate/domain"
	kgerrors "go.verikey.dev/keygate/errors"
	"go.verikey.dev/keygate/keycodec"
	"go.verikey.dev/keygate/services"
)

const testSecret = "redemption-test-secret"

func newTestService(t *testing.T) (*services.RedemptionService, *keycodec.Codec, *cache.MemoryKeyRecordStore) {
	t.Helper()
	codec := keycodec.New(testSecret)
	store := cache.NewMemoryKeyRecordStore(time.Hour)
	t.Cleanup(store.Close)
	svc := services.NewRedemptionService(codec, store, services.RetryPolicy{MaxAttempts: 1}, 7*24*time.Hour)
	return svc, codec, store
}

func TestRedeemAccepted(t *testing.T) {
	svc, codec, store := newTestService(t)
	ctx := context.Background()

	expiry := uint32(time.Now().Unix()) + 86400
	key := codec.Encode(expiry)

	res, err := svc.Redeem(ctx, key, domain.ClientFingerprint{DeviceID: "device-A"}, "")
	require.NoError(t, err)
	require.Equal(t, domain.RedemptionAccepted, res.Status)
	require.NotNil(t, res.Record)
	assert.Equal(t, key, res.Record.KeyID)
	assert.Equal(t, "device-A", res.Record.DeviceID)
	assert.True(t, res.Record.Accepted)
	assert.Equal(t, time.Unix(int64(expiry), 0), res.Record.IssuedExpiry)
	// Default nonce is the key's leading characters.
	assert.Equal(t, key[:16], res.Record.Nonce)
	// Retention deadline is independent of the key's own expiry.
	assert.True(t, res.Record.PurgeAt.After(res.Record.IssuedExpiry.Add(5*24*time.Hour)))

	stored, err := store.GetByKeyID(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, res.Record.ID, stored.ID)
}

func TestRedeemSecondAttemptIsAlreadyUsed(t *testing.T) {
	svc, codec, _ := newTestService(t)
	ctx := context.Background()

	key := codec.Encode(uint32(time.Now().Unix()) + 86400)

	first, err := svc.Redeem(ctx, key, domain.ClientFingerprint{DeviceID: "device-A"}, "")
	require.NoError(t, err)
	require.Equal(t, domain.RedemptionAccepted, first.Status)

	second, err := svc.Redeem(ctx, key, domain.ClientFingerprint{DeviceID: "device-B"}, "")
	require.NoError(t, err)
	require.Equal(t, domain.RedemptionAlreadyUsed, second.Status)
	require.NotNil(t, second.Existing, "conflict must carry the winning record")
	assert.Equal(t, "device-A", second.Existing.DeviceID)
	assert.Equal(t, first.Record.RedeemedAt, second.Existing.RedeemedAt)
}

func TestRedeemExpiredKey(t *testing.T) {
	svc, codec, store := newTestService(t)
	ctx := context.Background()

	key := codec.Encode(uint32(time.Now().Unix()) - 1)

	res, err := svc.Redeem(ctx, key, domain.ClientFingerprint{}, "")
	require.NoError(t, err)
	assert.Equal(t, domain.RedemptionExpired, res.Status)

	// No record may be created for a rejected key.
	records, err := store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestRedeemForgedKey(t *testing.T) {
	svc, codec, store := newTestService(t)
	ctx := context.Background()

	key := codec.Encode(uint32(time.Now().Unix()) + 86400)
	tampered := []byte(key)
	last := len(tampered) - 1
	if tampered[last] == 'z' {
		tampered[last] = 'a'
	} else {
		tampered[last] = 'z'
	}

	res, err := svc.Redeem(ctx, string(tampered), domain.ClientFingerprint{}, "")
	require.NoError(t, err)
	assert.Equal(t, domain.RedemptionForged, res.Status)

	records, err := store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestRedeemMalformedKey(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	for _, key := range []string{"", "abc!def", "パスワード"} {
		res, err := svc.Redeem(ctx, key, domain.ClientFingerprint{}, "")
		require.NoError(t, err)
		assert.Equal(t, domain.RedemptionMalformed, res.Status, "key %q", key)
	}
}

func TestRedeemConcurrentAtMostOnce(t *testing.T) {
	svc, codec, store := newTestService(t)
	ctx := context.Background()

	key := codec.Encode(uint32(time.Now().Unix()) + 86400)

	const attempts = 16
	var wg sync.WaitGroup
	results := make([]*domain.RedemptionResult, attempts)
	errs := make([]error, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = svc.Redeem(ctx, key, domain.ClientFingerprint{DeviceID: "device"}, "")
		}(i)
	}
	wg.Wait()

	var accepted, alreadyUsed int
	for i, res := range results {
		require.NoError(t, errs[i])
		switch res.Status {
		case domain.RedemptionAccepted:
			accepted++
		case domain.RedemptionAlreadyUsed:
			alreadyUsed++
		default:
			t.Fatalf("unexpected status %q", res.Status)
		}
	}
	assert.Equal(t, 1, accepted, "exactly one attempt may win")
	assert.Equal(t, attempts-1, alreadyUsed)

	records, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, records, 1, "exactly one record may exist")
}

func TestRedeemExplicitNonceIsKept(t *testing.T) {
	svc, codec, _ := newTestService(t)
	ctx := context.Background()

	key := codec.Encode(uint32(time.Now().Unix()) + 3600)
	res, err := svc.Redeem(ctx, key, domain.ClientFingerprint{}, "client-nonce-1")
	require.NoError(t, err)
	require.Equal(t, domain.RedemptionAccepted, res.Status)
	assert.Equal(t, "client-nonce-1", res.Record.Nonce)
}

// flakyStore fails the first failures inserts with a retryable store error,
// then delegates to the wrapped repository.
type flakyStore struct {
	domain.UsageRecordRepository
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyStore) InsertIfAbsent(ctx context.Context, rec *domain.UsageRecord) error {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.failures
	f.mu.Unlock()
	if fail {
		return kgerrors.NewStoreUnavailable(errors.New("connection refused"))
	}
	return f.UsageRecordRepository.InsertIfAbsent(ctx, rec)
}

func TestRedeemRetriesStoreFailures(t *testing.T) {
	codec := keycodec.New(testSecret)
	mem := cache.NewMemoryKeyRecordStore(time.Hour)
	t.Cleanup(mem.Close)

	store := &flakyStore{UsageRecordRepository: mem, failures: 2}
	svc := services.NewRedemptionService(codec, store,
		services.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}, time.Hour)

	res, err := svc.Redeem(context.Background(),
		codec.Encode(uint32(time.Now().Unix())+3600), domain.ClientFingerprint{}, "")
	require.NoError(t, err)
	assert.Equal(t, domain.RedemptionAccepted, res.Status)
	assert.Equal(t, 3, store.calls)
}

func TestRedeemStoreFailureIsNotAnOutcome(t *testing.T) {
	codec := keycodec.New(testSecret)
	mem := cache.NewMemoryKeyRecordStore(time.Hour)
	t.Cleanup(mem.Close)

	store := &flakyStore{UsageRecordRepository: mem, failures: 10}
	svc := services.NewRedemptionService(codec, store,
		services.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond}, time.Hour)

	res, err := svc.Redeem(context.Background(),
		codec.Encode(uint32(time.Now().Unix())+3600), domain.ClientFingerprint{}, "")
	require.Error(t, err)
	assert.Nil(t, res)

	ve, ok := kgerrors.AsVerifyError(err)
	require.True(t, ok)
	assert.Equal(t, kgerrors.StoreUnavailable, ve.Code)
	assert.Equal(t, 2, store.calls)
}

// Conflicts are final: the retry policy must not reattempt them.
func TestRedeemConflictIsNotRetried(t *testing.T) {
	codec := keycodec.New(testSecret)
	mem := cache.NewMemoryKeyRecordStore(time.Hour)
	t.Cleanup(mem.Close)

	store := &flakyStore{UsageRecordRepository: mem}
	svc := services.NewRedemptionService(codec, store,
		services.RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond}, time.Hour)

	key := codec.Encode(uint32(time.Now().Unix()) + 3600)
	_, err := svc.Redeem(context.Background(), key, domain.ClientFingerprint{}, "")
	require.NoError(t, err)
	callsAfterWin := store.calls

	res, err := svc.Redeem(context.Background(), key, domain.ClientFingerprint{}, "")
	require.NoError(t, err)
	assert.Equal(t, domain.RedemptionAlreadyUsed, res.Status)
	assert.Equal(t, callsAfterWin+1, store.calls, "conflict must be returned on the first attempt")
}
