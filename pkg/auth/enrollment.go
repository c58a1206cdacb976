package auth

import (
	"context"
	"crypto/hmac"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// EnrollmentToken is a stored, hashed, single-use enrollment token.
type EnrollmentToken struct {
	ID        uint
	TenantID  string
	AgentUUID string
	ExpiresAt time.Time
	UsedAt    *time.Time
}

// EnrollmentTokenStore looks tokens up by hash and consumes them exactly once.
type EnrollmentTokenStore interface {
	FindTokenByHash(ctx context.Context, hash string) (*EnrollmentToken, error)
	// ConsumeToken sets used_at only if it is still unset, reporting whether this call won.
	ConsumeToken(ctx context.Context, id uint, agentUUID string, at time.Time) (bool, error)
}

// SecretResolver returns the enrollment signing secret for a tenant.
type SecretResolver func(tenantID string) ([]byte, error)

// EnrollmentRequest carries the proof presented at registration.
type EnrollmentRequest struct {
	AgentUUID        string
	TenantID         string
	Token            string
	Package          string
	PackageSignature string
}

type ProofType string

const (
	ProofToken   ProofType = "token"
	ProofPackage ProofType = "package"
)

// Proof is the validated enrollment proof.
type Proof struct {
	Type      ProofType
	AgentUUID string
	TenantID  string
	TokenID   uint
	ExpiresAt time.Time
	Payload   map[string]any
}

// PackagePayload is the signed, self-contained enrollment package body.
type PackagePayload struct {
	AgentUUID string `json:"agent_uuid"`
	Tenant    string `json:"tenant"`
	ExpiresAt string `json:"expires_at"`
}

// EnrollmentService validates enrollment proofs. It never touches agent identity state.
type EnrollmentService struct {
	tokens  EnrollmentTokenStore
	hasher  TokenHasher
	secrets SecretResolver
	logger  zerolog.Logger
	now     func() time.Time
}

func NewEnrollmentService(tokens EnrollmentTokenStore, hasher TokenHasher, secrets SecretResolver, logger zerolog.Logger) *EnrollmentService {
	return &EnrollmentService{
		tokens:  tokens,
		hasher:  hasher,
		secrets: secrets,
		logger:  logger.With().Str("component", "enrollment").Logger(),
		now:     time.Now,
	}
}

// WithTokenStore returns a copy bound to a different token store, e.g. a transaction.
func (s *EnrollmentService) WithTokenStore(tokens EnrollmentTokenStore) *EnrollmentService {
	clone := *s
	clone.tokens = tokens
	return &clone
}

// Verify validates exactly one proof. Token proofs are consumed on success.
func (s *EnrollmentService) Verify(ctx context.Context, req EnrollmentRequest) (*Proof, error) {
	hasToken := req.Token != ""
	hasPackage := req.Package != "" || req.PackageSignature != ""

	switch {
	case hasToken && hasPackage:
		return nil, ErrProofAmbiguous
	case hasToken:
		return s.verifyToken(ctx, req)
	case hasPackage:
		if req.Package == "" || req.PackageSignature == "" {
			return nil, ErrProofRequired
		}
		return s.verifyPackage(req)
	default:
		return nil, ErrProofRequired
	}
}

func (s *EnrollmentService) verifyToken(ctx context.Context, req EnrollmentRequest) (*Proof, error) {
	record, err := s.tokens.FindTokenByHash(ctx, s.hasher.Hash(req.Token))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrTokenInvalid
		}
		return nil, fmt.Errorf("lookup enrollment token: %w", err)
	}
	if record.UsedAt != nil {
		return nil, ErrTokenUsed
	}
	now := s.now().UTC()
	// A token without an expiry is treated as expired.
	if record.ExpiresAt.IsZero() || !now.Before(record.ExpiresAt) {
		return nil, ErrTokenExpired
	}
	if record.TenantID != req.TenantID {
		return nil, ErrTokenTenantMismatch
	}
	if record.AgentUUID != "" && record.AgentUUID != req.AgentUUID {
		return nil, ErrTokenAgentMismatch
	}

	won, err := s.tokens.ConsumeToken(ctx, record.ID, req.AgentUUID, now)
	if err != nil {
		return nil, fmt.Errorf("consume enrollment token: %w", err)
	}
	if !won {
		return nil, ErrTokenUsed
	}

	s.logger.Info().Uint("token_id", record.ID).Str("agent_uuid", req.AgentUUID).Msg("enrollment token redeemed")
	return &Proof{
		Type:      ProofToken,
		AgentUUID: req.AgentUUID,
		TenantID:  record.TenantID,
		TokenID:   record.ID,
		ExpiresAt: record.ExpiresAt,
	}, nil
}

func (s *EnrollmentService) verifyPackage(req EnrollmentRequest) (*Proof, error) {
	raw, err := base64.StdEncoding.DecodeString(req.Package)
	if err != nil {
		return nil, ErrPackageMalformed.wrap(err)
	}
	var payload PackagePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, ErrPackageMalformed.wrap(err)
	}
	var extra map[string]any
	if err := json.Unmarshal(raw, &extra); err != nil {
		return nil, ErrPackageMalformed.wrap(err)
	}

	secret, err := s.secrets(req.TenantID)
	if err != nil || len(secret) == 0 {
		return nil, ErrPackageSignature
	}
	expected := hexHMAC(secret, raw)
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(req.PackageSignature))) {
		return nil, ErrPackageSignature
	}

	if payload.AgentUUID != req.AgentUUID || payload.Tenant != req.TenantID {
		return nil, ErrPackageMismatch
	}

	expiresAt, err := parseExpiry(payload.ExpiresAt)
	if err != nil {
		return nil, ErrPackageMalformed.wrap(err)
	}
	if !s.now().UTC().Before(expiresAt) {
		return nil, ErrPackageExpired
	}

	return &Proof{
		Type:      ProofPackage,
		AgentUUID: payload.AgentUUID,
		TenantID:  payload.Tenant,
		ExpiresAt: expiresAt,
		Payload:   extra,
	}, nil
}

var expiryLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
}

// parseExpiry accepts RFC 3339 or a zone-less ISO timestamp, which is read as UTC.
func parseExpiry(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("expires_at missing")
	}
	for _, layout := range expiryLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable expires_at %q", value)
}

// SignEnrollmentPackage encodes payload and signs the raw JSON bytes with secret.
func SignEnrollmentPackage(secret []byte, payload any) (pkg string, signature string, err error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", "", err
	}
	return base64.StdEncoding.EncodeToString(raw), hexHMAC(secret, raw), nil
}
