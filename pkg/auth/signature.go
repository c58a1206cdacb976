package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// Signed envelope headers.
const (
	HeaderSignature       = "X-Signature"
	HeaderTimestamp       = "X-Timestamp"
	HeaderNonce           = "X-Nonce"
	HeaderProtocolVersion = "X-Agent-Protocol-Version"
	HeaderAuthorization   = "Authorization"
)

// randReader is the entropy source for nonces and generated secrets.
var randReader io.Reader = rand.Reader

// SignedRequest is everything the server needs to authenticate one agent call.
type SignedRequest struct {
	BearerToken     string
	Signature       string
	Timestamp       string
	Nonce           string
	ProtocolVersion string
	Method          string
	Path            string
	Body            []byte
}

// SigningString builds the canonical string: METHOD\nPATH\nTIMESTAMP\nNONCE\n followed by the raw body.
func SigningString(method, path, timestamp, nonce string, body []byte) []byte {
	var b strings.Builder
	b.Grow(len(method) + len(path) + len(timestamp) + len(nonce) + 4 + len(body))
	b.WriteString(strings.ToUpper(method))
	b.WriteByte('\n')
	b.WriteString(path)
	b.WriteByte('\n')
	b.WriteString(timestamp)
	b.WriteByte('\n')
	b.WriteString(nonce)
	b.WriteByte('\n')
	b.Write(body)
	return []byte(b.String())
}

// Sign returns the lowercase hex HMAC-SHA256 of the canonical string.
func Sign(secret, method, path, timestamp, nonce string, body []byte) string {
	return hexHMAC([]byte(secret), SigningString(method, path, timestamp, nonce, body))
}

// VerifySignature recomputes the signature and compares it in constant time.
func VerifySignature(secret, method, path, timestamp, nonce string, body []byte, signature string) bool {
	expected := Sign(secret, method, path, timestamp, nonce, body)
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(signature)))
}

// NewSignedRequest signs a request body for an agent holding secret.
func NewSignedRequest(secret, bearer, protocolVersion, method, path string, body []byte) (*SignedRequest, error) {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	nonce, err := GenerateNonce()
	if err != nil {
		return nil, err
	}
	return &SignedRequest{
		BearerToken:     bearer,
		Signature:       Sign(secret, method, path, ts, nonce, body),
		Timestamp:       ts,
		Nonce:           nonce,
		ProtocolVersion: protocolVersion,
		Method:          method,
		Path:            path,
		Body:            body,
	}, nil
}

// GenerateNonce returns 16 random bytes, URL-safe base64 encoded.
func GenerateNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := io.ReadFull(randReader, b); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func hexHMAC(key, message []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(message)
	return hex.EncodeToString(mac.Sum(nil))
}
