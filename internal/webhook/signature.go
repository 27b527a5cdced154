package webhook

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
)

// SignatureHeader carries the hex HMAC-SHA512 of the raw request body,
// keyed with the shared webhook secret.
const SignatureHeader = "X-Gateway-Signature"

// Sign computes the hex signature for a raw payload.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha512.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches the payload. Comparison is
// constant time; an empty signature never verifies.
func Verify(secret, body []byte, signature string) bool {
	if signature == "" {
		return false
	}
	expected := Sign(secret, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}
