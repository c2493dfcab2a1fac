package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

var (
	ErrSignatureInvalid = errors.New("webhook signature missing or invalid")
	ErrReplayTooOld     = errors.New("webhook timestamp outside replay window")
)

// Sign returns the hex encoded HMAC-SHA256 of payload.
func Sign(secret string, payload []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks a hex HMAC-SHA256 signature in constant time. A "sha256="
// prefix is accepted.
func Verify(secret string, payload []byte, signature string) error {
	signature = strings.TrimPrefix(strings.TrimSpace(signature), "sha256=")
	if secret == "" || signature == "" {
		return ErrSignatureInvalid
	}
	if !hmac.Equal([]byte(Sign(secret, payload)), []byte(strings.ToLower(signature))) {
		return ErrSignatureInvalid
	}
	return nil
}
