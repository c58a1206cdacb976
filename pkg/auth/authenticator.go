package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// Agent statuses.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
	StatusRevoked = "revoked"
)

// Identity is the server-side record of an enrolled agent.
type Identity struct {
	ID            uint
	UUID          string
	TenantID      string
	SharedSecret  string
	Status        string
	LastHeartbeat *time.Time
}

// IdentityStore resolves an agent uuid to its identity. Missing agents return ErrNotFound.
type IdentityStore interface {
	LookupAgent(ctx context.Context, agentUUID string) (*Identity, error)
}

// NonceStore atomically records (agent, nonce) for ttl. It returns false when the pair
// was already present; implementations must not check-then-set.
type NonceStore interface {
	SetIfAbsent(ctx context.Context, agentUUID, nonce string, ttl time.Duration) (bool, error)
}

// AuthenticatorConfig tunes freshness and protocol acceptance.
type AuthenticatorConfig struct {
	Skew             time.Duration
	ProtocolVersions []string
}

// Authenticator verifies bearer identity, request signature, freshness and nonce uniqueness.
type Authenticator struct {
	tokens     *TokenIssuer
	identities IdentityStore
	nonces     NonceStore
	skew       time.Duration
	versions   map[string]struct{}
	logger     zerolog.Logger
	now        func() time.Time
}

func NewAuthenticator(tokens *TokenIssuer, identities IdentityStore, nonces NonceStore, cfg AuthenticatorConfig, logger zerolog.Logger) *Authenticator {
	skew := cfg.Skew
	if skew <= 0 {
		skew = 60 * time.Second
	}
	versions := make(map[string]struct{}, len(cfg.ProtocolVersions))
	for _, v := range cfg.ProtocolVersions {
		versions[v] = struct{}{}
	}
	return &Authenticator{
		tokens:     tokens,
		identities: identities,
		nonces:     nonces,
		skew:       skew,
		versions:   versions,
		logger:     logger.With().Str("component", "authenticator").Logger(),
		now:        time.Now,
	}
}

// ResolveBearer decodes the identity token and loads the agent it names.
func (a *Authenticator) ResolveBearer(ctx context.Context, bearer string) (*Identity, error) {
	claims, err := a.tokens.Decode(bearer)
	if err != nil {
		return nil, err
	}
	identity, err := a.identities.LookupAgent(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrUnknownAgent
		}
		return nil, fmt.Errorf("lookup agent: %w", err)
	}
	if identity.Status == StatusRevoked {
		return nil, ErrAgentRevoked
	}
	return identity, nil
}

// Authenticate runs the full envelope check and returns the authenticated agent.
func (a *Authenticator) Authenticate(ctx context.Context, req *SignedRequest) (*Identity, error) {
	identity, err := a.ResolveBearer(ctx, req.BearerToken)
	if err != nil {
		return nil, err
	}

	if req.Signature == "" || req.Timestamp == "" || req.Nonce == "" || req.ProtocolVersion == "" {
		return nil, ErrMissingHeaders
	}
	if _, ok := a.versions[req.ProtocolVersion]; !ok {
		return nil, ErrUnsupportedProtocol
	}

	ts, err := strconv.ParseInt(req.Timestamp, 10, 64)
	if err != nil {
		return nil, ErrInvalidTimestamp.wrap(err)
	}
	drift := a.now().Sub(time.Unix(ts, 0))
	if drift < 0 {
		drift = -drift
	}
	if drift > a.skew {
		return nil, ErrTimestampSkew
	}

	if !VerifySignature(identity.SharedSecret, req.Method, req.Path, req.Timestamp, req.Nonce, req.Body, req.Signature) {
		a.logger.Warn().Str("agent_uuid", identity.UUID).Str("path", req.Path).Msg("signature mismatch")
		return nil, ErrBadSignature
	}

	// A timestamp up to skew in the future stays acceptable for 2*skew.
	fresh, err := a.nonces.SetIfAbsent(ctx, identity.UUID, req.Nonce, 2*a.skew)
	if err != nil {
		return nil, fmt.Errorf("record nonce: %w", err)
	}
	if !fresh {
		a.logger.Warn().Str("agent_uuid", identity.UUID).Msg("nonce replay")
		return nil, ErrReplayDetected
	}

	return identity, nil
}
