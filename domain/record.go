package domain

import "time"

// UsageRecord represents one durably accepted redemption of an access key.
// A record is created exactly once, on the winning redemption attempt, and
// is never mutated afterward. It is removed only by administrative delete
// or by the store's retention TTL, which is independent of the key's own
// expiry: an expired key stays queryable as expired until retention purges
// the record.
type UsageRecord struct {
	ID           string    `bson:"_id"           json:"id"`                // Internal record identifier
	KeyID        string    `bson:"key_id"        json:"keyId"`             // Encoded key string; uniqueness identity
	Nonce        string    `bson:"nonce,omitempty" json:"nonce,omitempty"` // Optional replay key, independent of KeyID
	DeviceID     string    `bson:"device_id"     json:"deviceId"`          // Client-reported device identifier
	UserAgent    string    `bson:"user_agent"    json:"userAgent"`         // Client user agent
	IPAddress    string    `bson:"ip_address"    json:"ipAddress"`         // Observed client address
	IssuedExpiry time.Time `bson:"issued_expiry" json:"expiresAt"`         // Expiry embedded in the key at redemption time
	RedeemedAt   time.Time `bson:"redeemed_at"   json:"redeemedAt"`        // When the claim was accepted
	Accepted     bool      `bson:"accepted"      json:"accepted"`
	PurgeAt      time.Time `bson:"purge_at"      json:"-"` // Retention deadline, unrelated to IssuedExpiry
}

// RemainingTime returns how long the redeemed key stays valid after now,
// floored at zero.
func (r *UsageRecord) RemainingTime(now time.Time) time.Duration {
	if d := r.IssuedExpiry.Sub(now); d > 0 {
		return d
	}
	return 0
}

// ClientFingerprint bundles the client-supplied identification attached to
// a redemption attempt. All fields are opaque; none participate in the
// at-most-once identity.
type ClientFingerprint struct {
	DeviceID  string `json:"deviceId"`
	UserAgent string `json:"userAgent"`
	IPAddress string `json:"ipAddress"`
}

// NonceMark is the lightweight replay marker used by flows that decouple
// "check if used" from recording a full usage.
type NonceMark struct {
	Nonce    string    `bson:"_id"       json:"nonce"`
	MarkedAt time.Time `bson:"marked_at" json:"markedAt"`
}

// UsageStats is the read-only aggregation over usage records, computed at
// query time.
type UsageStats struct {
	Total          int64     `json:"total"`
	VerifiedActive int64     `json:"verifiedActive"` // accepted and not yet expired
	Expired        int64     `json:"expired"`        // issued expiry has passed
	RedeemedToday  int64     `json:"redeemedToday"`  // redeemed within [local midnight, +24h)
	RedeemedWeek   int64     `json:"redeemedWeek"`   // redeemed within the last 7 days
	RedeemedMonth  int64     `json:"redeemedMonth"`  // redeemed since the 1st of the current month
	Timestamp      time.Time `json:"timestamp"`
}

// RedemptionStatus is the terminal outcome of a redemption attempt.
type RedemptionStatus string

const (
	RedemptionAccepted    RedemptionStatus = "accepted"
	RedemptionMalformed   RedemptionStatus = "malformed"
	RedemptionForged      RedemptionStatus = "forged"
	RedemptionExpired     RedemptionStatus = "expired"
	RedemptionAlreadyUsed RedemptionStatus = "already_used"
)

// RedemptionResult is returned by RedemptionService.Redeem for every
// expected outcome. Store failures are reported as errors instead, so that
// "key is invalid" is never conflated with "could not determine validity".
type RedemptionResult struct {
	Status   RedemptionStatus `json:"status"`
	Record   *UsageRecord     `json:"record,omitempty"`   // set when Status is accepted
	Existing *UsageRecord     `json:"existing,omitempty"` // set when Status is already_used
}
