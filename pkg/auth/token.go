package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AgentTokenType marks identity tokens minted for agents.
const AgentTokenType = "agent"

// AgentClaims are the identity token claims bound to one agent.
type AgentClaims struct {
	TokenType string `json:"token_type"`
	TenantID  string `json:"tenant_id"`
	jwt.RegisteredClaims
}

// TokenIssuer mints and decodes agent identity tokens (HS256).
type TokenIssuer struct {
	secret   []byte
	issuer   string
	audience string
	ttl      time.Duration
	now      func() time.Time
}

func NewTokenIssuer(secret []byte, issuer, audience string, ttl time.Duration) *TokenIssuer {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &TokenIssuer{
		secret:   append([]byte(nil), secret...),
		issuer:   issuer,
		audience: audience,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Issue returns a signed identity token whose subject is the agent uuid.
func (t *TokenIssuer) Issue(agentUUID, tenantID string) (string, error) {
	now := t.now()
	claims := AgentClaims{
		TokenType: AgentTokenType,
		TenantID:  tenantID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   agentUUID,
			Issuer:    t.issuer,
			Audience:  jwt.ClaimStrings{t.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign identity token: %w", err)
	}
	return signed, nil
}

// Decode validates signature, issuer, audience, expiry and token type, returning the claims.
func (t *TokenIssuer) Decode(raw string) (*AgentClaims, error) {
	if raw == "" {
		return nil, ErrInvalidToken
	}
	claims := &AgentClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(t.issuer),
		jwt.WithAudience(t.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return nil, ErrInvalidToken.wrap(err)
	}
	if claims.TokenType != AgentTokenType {
		return nil, ErrInvalidToken.wrap(errors.New("token type is not agent"))
	}
	if claims.Subject == "" {
		return nil, ErrInvalidToken.wrap(errors.New("token has no subject"))
	}
	return claims, nil
}
