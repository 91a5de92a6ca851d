// Package signature computes and verifies the HMAC-SHA256 digests that
// authenticate outbound webhook payloads. Signing is pure and deterministic:
// identical payload bytes and secret always yield the identical signature.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// ErrEmptySecret is returned when a subscription carries no signing secret.
// This is a configuration error, never retried.
var ErrEmptySecret = errors.New("signing secret cannot be empty")

// Sign computes the hex-encoded HMAC-SHA256 of payload under secret.
// The payload must be the exact bytes that will be transmitted so receivers
// can verify independently.
func Sign(payload []byte, secret string) (string, error) {
	if secret == "" {
		return "", ErrEmptySecret
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify reports whether sig is a valid signature for payload under secret.
// Comparison is constant-time.
func Verify(payload []byte, secret, sig string) bool {
	expected, err := Sign(payload, secret)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(sig))
}
