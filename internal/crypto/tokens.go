// Package crypto implements random OAuth state tokens and webhook HMAC signatures.
package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"
)

// StateBytes is the entropy of an OAuth CSRF state token.
const StateBytes = 32

// RandBytes returns n cryptographically secure random bytes.
func RandBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// NewState returns a URL-safe unguessable state token.
func NewState() (string, error) {
	b, err := RandBytes(StateBytes)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Sign returns the HMAC-SHA256 of the given parts joined by "|".
func Sign(secret []byte, parts ...[]byte) []byte {
	mac := hmac.New(sha256.New, secret)
	for i, p := range parts {
		if i > 0 {
			_, _ = mac.Write([]byte("|"))
		}
		_, _ = mac.Write(p)
	}
	return mac.Sum(nil)
}

// SignHex returns Sign as lowercase hex.
func SignHex(secret []byte, parts ...[]byte) string {
	return hex.EncodeToString(Sign(secret, parts...))
}

// VerifyHex compares a hex signature against the expected HMAC in constant time.
// An empty secret never verifies.
func VerifyHex(secret []byte, signature string, parts ...[]byte) bool {
	if len(secret) == 0 || signature == "" {
		return false
	}
	got, err := hex.DecodeString(strings.ToLower(strings.TrimSpace(signature)))
	if err != nil {
		return false
	}
	return hmac.Equal(got, Sign(secret, parts...))
}

// VerifyBase64 compares a base64 HMAC-SHA256 of body (WooCommerce header style).
func VerifyBase64(secret []byte, signature string, body []byte) bool {
	if len(secret) == 0 || signature == "" {
		return false
	}
	got, err := base64.StdEncoding.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return false
	}
	return hmac.Equal(got, Sign(secret, body))
}
