package keycodec

import (
	"math/big"
	"strings"
)

// base62Alphabet is the encoding alphabet, digit-first. The ordering is part
// of the wire format and must not change.
const base62Alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

var base62Base = big.NewInt(int64(len(base62Alphabet)))

// base62Encode encodes the byte sequence as a base-62 big-endian integer
// string. Leading zero bytes shorten the output; decoders are expected to
// left-pad back to the fixed width.
func base62Encode(data []byte) string {
	n := new(big.Int).SetBytes(data)
	if n.Sign() == 0 {
		return "0"
	}

	var sb strings.Builder
	rem := new(big.Int)
	for n.Sign() > 0 {
		n.QuoRem(n, base62Base, rem)
		sb.WriteByte(base62Alphabet[rem.Int64()])
	}

	// Digits were produced least-significant first.
	encoded := []byte(sb.String())
	for i, j := 0, len(encoded)-1; i < j; i, j = i+1, j-1 {
		encoded[i], encoded[j] = encoded[j], encoded[i]
	}
	return string(encoded)
}

// base62Decode decodes a base-62 string into a byte sequence of exactly
// size bytes, left-padding with zeros when the integer value is short.
// It fails when the string contains characters outside the alphabet or the
// value does not fit in size bytes.
func base62Decode(s string, size int) ([]byte, error) {
	if s == "" {
		return nil, ErrMalformedKey
	}

	n := new(big.Int)
	for i := 0; i < len(s); i++ {
		d := strings.IndexByte(base62Alphabet, s[i])
		if d < 0 {
			return nil, ErrMalformedKey
		}
		n.Mul(n, base62Base)
		n.Add(n, big.NewInt(int64(d)))
	}

	raw := n.Bytes()
	if len(raw) > size {
		return nil, ErrMalformedKey
	}

	buf := make([]byte, size)
	copy(buf[size-len(raw):], raw)
	return buf, nil
}
