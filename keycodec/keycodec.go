// Package keycodec implements the fixed-layout access key format: a 16-byte
// sequence [expiry:4 big-endian][tag:12] encoded as base-62 text. The tag is
// a PBKDF2 derivation keyed by a shared master secret, so a key can be
// verified offline without a database lookup.
package keycodec

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"strconv"
	"time"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// KeySize is the decoded key length in bytes.
	KeySize = 16
	// ExpirySize is the width of the big-endian expiry prefix.
	ExpirySize = 4
	// TagSize is the width of the integrity tag.
	TagSize = KeySize - ExpirySize

	saltSize = 8
	// kdfIterations is a versioned wire constant. Changing it invalidates
	// every previously issued key.
	kdfIterations = 10_000
)

// ErrMalformedKey reports input that is not a structurally valid key:
// characters outside the base-62 alphabet, or a value that does not fit the
// fixed 16-byte layout.
var ErrMalformedKey = errors.New("keycodec: malformed key")

// DecodedKey is the parsed form of an access key. The tag is carried as
// presented by the client; callers must check it with Codec.Verify before
// trusting the expiry.
type DecodedKey struct {
	Expiry uint32        // seconds since the Unix epoch
	Tag    [TagSize]byte // integrity tag over the expiry
}

// ExpiresAt returns the embedded expiry as a time.
func (d DecodedKey) ExpiresAt() time.Time {
	return time.Unix(int64(d.Expiry), 0)
}

// ValidAt reports whether the key is still live at the given instant.
// A key whose expiry equals now is already expired (strict inequality).
func (d DecodedKey) ValidAt(now time.Time) bool {
	return int64(d.Expiry) > now.Unix()
}

// Codec encodes, decodes and verifies access keys with a shared secret.
type Codec struct {
	secret []byte
}

// New creates a Codec for the given master secret.
func New(secret string) *Codec {
	return &Codec{secret: []byte(secret)}
}

// Encode issues a key expiring at the given Unix timestamp.
func (c *Codec) Encode(expiry uint32) string {
	buf := make([]byte, KeySize)
	binary.BigEndian.PutUint32(buf[:ExpirySize], expiry)

	tag := c.DeriveTag(expiry)
	copy(buf[ExpirySize:], tag[:])

	return base62Encode(buf)
}

// Decode parses a key string into its expiry and tag. It rejects strings
// outside the base-62 alphabet and values wider than the 16-byte layout;
// short big-integer encodings (leading zero bytes) are left-padded rather
// than rejected. Decode does not check the tag.
func (c *Codec) Decode(key string) (DecodedKey, error) {
	raw, err := base62Decode(key, KeySize)
	if err != nil {
		return DecodedKey{}, err
	}

	var d DecodedKey
	d.Expiry = binary.BigEndian.Uint32(raw[:ExpirySize])
	copy(d.Tag[:], raw[ExpirySize:])
	return d, nil
}

// Verify reports whether the decoded tag matches the derivation for the
// decoded expiry. The comparison is constant-time.
func (c *Codec) Verify(d DecodedKey) bool {
	want := c.DeriveTag(d.Expiry)
	return subtle.ConstantTimeCompare(d.Tag[:], want[:]) == 1
}

// DeriveTag computes the integrity tag for an expiry:
// PBKDF2-SHA256(secret || decimal(expiry), deterministicSalt(expiry),
// 10000 iterations) truncated to 12 bytes. The salt is derived from the
// expiry itself so verification needs no out-of-band state; it therefore
// carries no independent entropy.
func (c *Codec) DeriveTag(expiry uint32) [TagSize]byte {
	password := make([]byte, 0, len(c.secret)+10)
	password = append(password, c.secret...)
	password = strconv.AppendUint(password, uint64(expiry), 10)

	dk := pbkdf2.Key(password, deterministicSalt(expiry), kdfIterations, TagSize, sha256.New)

	var tag [TagSize]byte
	copy(tag[:], dk)
	return tag
}

// deterministicSalt is the expiry's big-endian bytes repeated twice.
func deterministicSalt(expiry uint32) []byte {
	salt := make([]byte, saltSize)
	binary.BigEndian.PutUint32(salt[:4], expiry)
	binary.BigEndian.PutUint32(salt[4:], expiry)
	return salt
}
