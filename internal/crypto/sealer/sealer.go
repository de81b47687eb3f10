// Package sealer encrypts OAuth tokens at rest.
//
// Each agency gets its own key derived from the master key via HKDF-SHA256.
// Blobs are nonce||XChaCha20-Poly1305(ciphertext) with AAD agency|platform|account,
// so a blob copied onto another credential row fails to open.
package sealer

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/and161185/metrionix/internal/crypto"
	"github.com/and161185/metrionix/internal/model"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// KeyLen is the required master key length.
const KeyLen = chacha20poly1305.KeySize

var hkdfSalt = []byte("metrionix/credentials/v1")

// ErrBlobTooShort is returned for truncated blobs.
var ErrBlobTooShort = errors.New("blob too short")

// Sealer seals and opens credential tokens.
type Sealer struct {
	master []byte
}

// New builds a Sealer from a 32-byte master key.
func New(master []byte) (*Sealer, error) {
	if len(master) != KeyLen {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", KeyLen, len(master))
	}
	k := make([]byte, KeyLen)
	copy(k, master)
	return &Sealer{master: k}, nil
}

func (s *Sealer) agencyKey(k model.IntegrationKey) ([]byte, error) {
	r := hkdf.New(sha256.New, s.master, hkdfSalt, k.AgencyID.Bytes())
	key := make([]byte, KeyLen)
	if _, err := r.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

func aad(k model.IntegrationKey) []byte {
	return []byte(k.AgencyID.String() + "|" + string(k.Platform) + "|" + k.AccountID)
}

// Seal encrypts tokens for the given credential key.
func (s *Sealer) Seal(k model.IntegrationKey, t model.Tokens) (model.EncryptedBlob, error) {
	plain, err := json.Marshal(t)
	if err != nil {
		return nil, err
	}
	key, err := s.agencyKey(k)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce, err := crypto.RandBytes(chacha20poly1305.NonceSizeX)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(nonce)+len(plain)+aead.Overhead())
	out = append(out, nonce...)
	out = append(out, aead.Seal(nil, nonce, plain, aad(k))...)
	return out, nil
}

// Open decrypts a blob sealed for the same credential key.
func (s *Sealer) Open(k model.IntegrationKey, blob model.EncryptedBlob) (model.Tokens, error) {
	var t model.Tokens
	if len(blob) < chacha20poly1305.NonceSizeX {
		return t, ErrBlobTooShort
	}
	key, err := s.agencyKey(k)
	if err != nil {
		return t, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return t, err
	}
	nonce := blob[:chacha20poly1305.NonceSizeX]
	plain, err := aead.Open(nil, nonce, blob[chacha20poly1305.NonceSizeX:], aad(k))
	if err != nil {
		return t, err
	}
	err = json.Unmarshal(plain, &t)
	return t, err
}
