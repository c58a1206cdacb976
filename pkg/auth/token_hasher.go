package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"io"
)

// TokenHasher derives deterministic, salted one-way hashes for enrollment tokens.
type TokenHasher struct {
	salt []byte
}

// NewTokenHasher constructs a hasher with the provided salt bytes.
func NewTokenHasher(salt []byte) TokenHasher {
	return TokenHasher{salt: append([]byte(nil), salt...)}
}

// Hash returns the hex HMAC-SHA256 of token under the salt.
func (h TokenHasher) Hash(token string) string {
	mac := hmac.New(sha256.New, h.salt)
	mac.Write([]byte(token))
	return hex.EncodeToString(mac.Sum(nil))
}

// GenerateEnrollmentToken returns a fresh plaintext token; only its hash is ever stored.
func GenerateEnrollmentToken() (string, error) {
	b := make([]byte, 24)
	if _, err := io.ReadFull(randReader, b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// GenerateSharedSecret returns a 32-byte hex secret issued to an agent on registration.
func GenerateSharedSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := io.ReadFull(randReader, b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
