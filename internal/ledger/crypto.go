package ledger

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
)

// Hash returns the lowercase hex SHA-256 digest of data.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Signer computes HMAC-SHA256 signatures with the process-wide ledger key.
// The key is loaded once at startup. Entries carry no key version, so a
// different key makes every earlier signature fail verification.
type Signer struct {
	key []byte
}

// NewSigner returns a Signer for key. An empty key is rejected.
func NewSigner(key []byte) (*Signer, error) {
	if len(key) == 0 {
		return nil, errors.New("ledger: empty HMAC key")
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &Signer{key: k}, nil
}

// Sign returns the hex HMAC-SHA256 of data.
func (s *Signer) Sign(data []byte) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether sig is the signature of data.
func (s *Signer) Verify(data []byte, sig string) bool {
	want := s.Sign(data)
	return subtle.ConstantTimeCompare([]byte(want), []byte(sig)) == 1
}
