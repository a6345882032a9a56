package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// Sign returns the lowercase hex HMAC-SHA256 of body under secret.
func Sign(body, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature is exactly the lowercase hex HMAC-SHA256 of
// body under secret. An empty secret or signature never verifies. Both sides are
// hashed to a fixed length before the constant-time compare so a length
// mismatch costs the same as any other mismatch.
func Verify(body []byte, signature string, secret []byte) bool {
	if len(secret) == 0 {
		return false
	}
	if signature == "" {
		return false
	}
	expected := sha256.Sum256([]byte(Sign(body, secret)))
	provided := sha256.Sum256([]byte(signature))
	return subtle.ConstantTimeCompare(expected[:], provided[:]) == 1
}
