// Package errors defines the verification error taxonomy shared by the
// service layer and the HTTP surface. Expected rejections (malformed,
// forged, expired, already used) carry stable string codes so clients never
// see a bare 500 for an expected condition.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// VerifyError is a standardized verification error.
type VerifyError struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`

	cause error
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

func (e *VerifyError) Unwrap() error { return e.cause }

// Stable error codes.
const (
	MalformedKey     = "malformed_key"
	ForgedKey        = "forged_key"
	ExpiredKey       = "expired_key"
	KeyAlreadyUsed   = "key_already_used"
	NonceAlreadyUsed = "nonce_already_used"
	StoreUnavailable = "store_unavailable"
	StoreTimeout     = "store_timeout"
)

// Retryable reports whether the error class may succeed on retry. Only
// storage failures are retryable; every rejection of the key itself is
// final.
func (e *VerifyError) Retryable() bool {
	return e.Code == StoreUnavailable || e.Code == StoreTimeout
}

// HTTPStatus maps the error to its response status code.
func (e *VerifyError) HTTPStatus() int {
	switch e.Code {
	case MalformedKey, ForgedKey, ExpiredKey:
		return http.StatusBadRequest
	case KeyAlreadyUsed, NonceAlreadyUsed:
		return http.StatusConflict
	case StoreTimeout:
		return http.StatusGatewayTimeout
	case StoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// AsVerifyError unwraps err into a VerifyError, if it is one.
func AsVerifyError(err error) (*VerifyError, bool) {
	var ve *VerifyError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}

// IsRetryable reports whether err is a retryable store failure.
func IsRetryable(err error) bool {
	if ve, ok := AsVerifyError(err); ok {
		return ve.Retryable()
	}
	return false
}

func NewMalformedKey(description string) *VerifyError {
	return &VerifyError{Code: MalformedKey, Description: description}
}

func NewForgedKey() *VerifyError {
	return &VerifyError{Code: ForgedKey, Description: "integrity tag does not match"}
}

func NewExpiredKey() *VerifyError {
	return &VerifyError{Code: ExpiredKey, Description: "key has expired"}
}

func NewKeyAlreadyUsed() *VerifyError {
	return &VerifyError{Code: KeyAlreadyUsed, Description: "key has already been redeemed"}
}

func NewNonceAlreadyUsed() *VerifyError {
	return &VerifyError{Code: NonceAlreadyUsed, Description: "nonce has already been marked"}
}

// NewStoreUnavailable wraps a storage failure that is not a timeout.
func NewStoreUnavailable(cause error) *VerifyError {
	return &VerifyError{
		Code:        StoreUnavailable,
		Description: "usage store unavailable",
		cause:       cause,
	}
}

// NewStoreTimeout wraps a storage deadline failure. Callers must never
// treat this as success or as an already-used conflict.
func NewStoreTimeout(cause error) *VerifyError {
	return &VerifyError{
		Code:        StoreTimeout,
		Description: "usage store timed out",
		cause:       cause,
	}
}
