package services

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"go.verikey.dev/keygate/domain"
	kgerrors "go.verikey.dev/keygate/errors"
	"go.verikey.dev/keygate/internal/metrics"
	"go.verikey.dev/keygate/keycodec"
)

// derivedNonceLength is the prefix of the encoded key used as the default
// replay key when the client supplies none.
const derivedNonceLength = 16

// Fallback fingerprint values for clients that omit fields.
const (
	defaultDeviceID  = "web-client"
	defaultUserAgent = "unknown"
	defaultIPAddress = "N/A"
)

// RedemptionService orchestrates decode, validation and the atomic
// single-use claim. The only coordination between concurrent redemptions
// of the same key is the store's InsertIfAbsent; whichever request's
// insert completes first wins Accepted, regardless of which decoded or
// validated first.
type RedemptionService struct {
	codec     *keycodec.Codec
	records   domain.UsageRecordRepository
	retry     RetryPolicy
	retention time.Duration

	now func() time.Time
}

// NewRedemptionService creates a RedemptionService. retention is the
// storage retention applied to new records, independent of key expiry.
func NewRedemptionService(
	codec *keycodec.Codec,
	records domain.UsageRecordRepository,
	retry RetryPolicy,
	retention time.Duration,
) *RedemptionService {
	return &RedemptionService{
		codec:     codec,
		records:   records,
		retry:     retry,
		retention: retention,
		now:       time.Now,
	}
}

// Redeem attempts a one-time redemption of the presented key.
//
// Every expected outcome (accepted, malformed, forged, expired, already
// used) is reported in the RedemptionResult with a nil error. A non-nil
// error means validity could not be determined because storage failed;
// it is always a store_unavailable or store_timeout VerifyError, never
// an outcome.
func (s *RedemptionService) Redeem(
	ctx context.Context,
	key string,
	fp domain.ClientFingerprint,
	nonce string,
) (*domain.RedemptionResult, error) {
	decoded, err := s.codec.Decode(key)
	if err != nil {
		metrics.ObserveRedemption(string(domain.RedemptionMalformed))
		return &domain.RedemptionResult{Status: domain.RedemptionMalformed}, nil
	}

	if !s.codec.Verify(decoded) {
		// A bad tag on a well-formed key means tampering or guessing;
		// log it for audit.
		log.Warn().
			Str("ipAddress", fp.IPAddress).
			Str("deviceId", fp.DeviceID).
			Msg("Key with invalid integrity tag rejected")
		metrics.ObserveRedemption(string(domain.RedemptionForged))
		return &domain.RedemptionResult{Status: domain.RedemptionForged}, nil
	}

	now := s.now()
	if !decoded.ValidAt(now) {
		metrics.ObserveRedemption(string(domain.RedemptionExpired))
		return &domain.RedemptionResult{Status: domain.RedemptionExpired}, nil
	}

	rec := s.buildRecord(key, decoded, fp, nonce, now)

	err = s.retry.Do(ctx, func(ctx context.Context) error {
		return s.records.InsertIfAbsent(ctx, rec)
	})
	if err != nil {
		if conflict, ok := domain.AsConflict(err); ok {
			metrics.ObserveRedemption(string(domain.RedemptionAlreadyUsed))
			return &domain.RedemptionResult{
				Status:   domain.RedemptionAlreadyUsed,
				Existing: conflict.Existing,
			}, nil
		}
		if _, ok := kgerrors.AsVerifyError(err); ok {
			return nil, err
		}
		return nil, kgerrors.NewStoreUnavailable(err)
	}

	metrics.ObserveRedemption(string(domain.RedemptionAccepted))
	log.Debug().Str("keyId", rec.KeyID).Time("expiresAt", rec.IssuedExpiry).
		Msg("Key redeemed")
	return &domain.RedemptionResult{Status: domain.RedemptionAccepted, Record: rec}, nil
}

// buildRecord assembles the usage record for an accepted claim. The key
// string itself is the uniqueness identity; the nonce is independent
// metadata, defaulted to the key's leading characters when absent, and
// never participates in the claim.
func (s *RedemptionService) buildRecord(
	key string,
	decoded keycodec.DecodedKey,
	fp domain.ClientFingerprint,
	nonce string,
	now time.Time,
) *domain.UsageRecord {
	if nonce == "" {
		nonce = key
		if len(nonce) > derivedNonceLength {
			nonce = nonce[:derivedNonceLength]
		}
	}

	return &domain.UsageRecord{
		ID:           uuid.NewString(),
		KeyID:        key,
		Nonce:        nonce,
		DeviceID:     stringOr(fp.DeviceID, defaultDeviceID),
		UserAgent:    stringOr(fp.UserAgent, defaultUserAgent),
		IPAddress:    stringOr(fp.IPAddress, defaultIPAddress),
		IssuedExpiry: decoded.ExpiresAt(),
		RedeemedAt:   now,
		Accepted:     true,
		PurgeAt:      now.Add(s.retention),
	}
}

func stringOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
