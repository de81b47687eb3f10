package crypto

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strings"
	"testing"
)

func TestRandBytes_LengthAndUniqueness(t *testing.T) {
	t.Parallel()

	const n = 64
	a, err := RandBytes(n)
	if err != nil {
		t.Fatalf("RandBytes: %v", err)
	}
	if len(a) != n {
		t.Fatalf("len=%d, want=%d", len(a), n)
	}
	b, err := RandBytes(n)
	if err != nil {
		t.Fatalf("RandBytes(2): %v", err)
	}
	if bytes.Equal(a, b) {
		t.Fatalf("two subsequent RandBytes(%d) are equal, looks non-random", n)
	}

	zero := make([]byte, n)
	if bytes.Equal(a, zero) {
		t.Fatalf("RandBytes returned all zeros")
	}
}

func TestNewState_URLSafeAndUnique(t *testing.T) {
	t.Parallel()

	seen := map[string]struct{}{}
	for i := 0; i < 100; i++ {
		s, err := NewState()
		if err != nil {
			t.Fatalf("NewState: %v", err)
		}
		if len(s) != 43 {
			t.Fatalf("state len=%d, want 43", len(s))
		}
		if strings.ContainsAny(s, "+/=") {
			t.Fatalf("state not url-safe: %q", s)
		}
		if _, dup := seen[s]; dup {
			t.Fatalf("duplicate state %q", s)
		}
		seen[s] = struct{}{}
	}
}

func TestSignVerifyHex(t *testing.T) {
	t.Parallel()

	secret := []byte("whsec")
	sig := SignHex(secret, []byte("a"), []byte("b"))

	if !VerifyHex(secret, sig, []byte("a"), []byte("b")) {
		t.Fatalf("valid signature rejected")
	}
	if !VerifyHex(secret, strings.ToUpper(sig), []byte("a"), []byte("b")) {
		t.Fatalf("upper-case hex rejected")
	}
	// parts are joined with "|"
	if !VerifyHex(secret, sig, []byte("a|b")) {
		t.Fatalf("joined form must match")
	}
	if VerifyHex(secret, sig, []byte("a"), []byte("c")) {
		t.Fatalf("tampered message accepted")
	}
	if VerifyHex([]byte("other"), sig, []byte("a"), []byte("b")) {
		t.Fatalf("wrong secret accepted")
	}
	if VerifyHex(nil, sig, []byte("a"), []byte("b")) {
		t.Fatalf("empty secret must never verify")
	}
	if VerifyHex(secret, "zz-not-hex", []byte("a")) {
		t.Fatalf("garbage accepted")
	}
}

func TestVerifyBase64(t *testing.T) {
	t.Parallel()

	secret := []byte("wc-secret")
	body := []byte(`{"id":1}`)
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	if !VerifyBase64(secret, sig, body) {
		t.Fatalf("valid signature rejected")
	}
	if VerifyBase64(secret, sig, []byte(`{"id":2}`)) {
		t.Fatalf("tampered body accepted")
	}
	if VerifyBase64(secret, "%%%", body) {
		t.Fatalf("garbage accepted")
	}
}
