package auth

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type memoryIdentities struct {
	agents map[string]*Identity
}

func (m *memoryIdentities) LookupAgent(_ context.Context, agentUUID string) (*Identity, error) {
	identity, ok := m.agents[agentUUID]
	if !ok {
		return nil, ErrNotFound
	}
	return identity, nil
}

type memoryNonces struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

func (m *memoryNonces) SetIfAbsent(_ context.Context, agentUUID, nonce string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seen == nil {
		m.seen = make(map[string]time.Time)
	}
	key := agentUUID + ":" + nonce
	if exp, ok := m.seen[key]; ok && time.Now().Before(exp) {
		return false, nil
	}
	m.seen[key] = time.Now().Add(ttl)
	return true, nil
}

type authEnv struct {
	auth     *Authenticator
	issuer   *TokenIssuer
	identity *Identity
	bearer   string
}

func newAuthEnv(t *testing.T) authEnv {
	t.Helper()
	issuer := NewTokenIssuer([]byte("jwt-secret-for-tests-0123456789"), "leakguard", "leakguard-agent", time.Hour)
	identity := &Identity{ID: 1, UUID: "agent-1", TenantID: "acme", SharedSecret: "s3cr3t", Status: StatusOnline}
	identities := &memoryIdentities{agents: map[string]*Identity{identity.UUID: identity}}
	a := NewAuthenticator(issuer, identities, &memoryNonces{}, AuthenticatorConfig{
		Skew:             time.Minute,
		ProtocolVersions: []string{"1.0"},
	}, zerolog.Nop())
	bearer, err := issuer.Issue(identity.UUID, identity.TenantID)
	require.NoError(t, err)
	return authEnv{auth: a, issuer: issuer, identity: identity, bearer: bearer}
}

func (e authEnv) signed(t *testing.T, body string) *SignedRequest {
	t.Helper()
	sr, err := NewSignedRequest(e.identity.SharedSecret, e.bearer, "1.0", http.MethodPost, "/api/v1/agent/events", []byte(body))
	require.NoError(t, err)
	return sr
}

func TestSignGoldenVector(t *testing.T) {
	sig := Sign("s", "POST", "/agent/events", "1700000000", "abc", []byte(`{"x":1}`))
	require.Equal(t, "ee5493c7251aedb1760f2cae9f113318b51fc5dd4c9aa02bda3c9fcf3c129ace", sig)
	require.True(t, VerifySignature("s", "post", "/agent/events", "1700000000", "abc", []byte(`{"x":1}`), sig))
}

func TestSigningStringLayout(t *testing.T) {
	got := SigningString("get", "/p", "1", "n", []byte("body"))
	require.Equal(t, "GET\n/p\n1\nn\nbody", string(got))
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("entropy exhausted") }

func TestRandomSourceFailure(t *testing.T) {
	orig := randReader
	randReader = failingReader{}
	t.Cleanup(func() { randReader = orig })

	nonce, err := GenerateNonce()
	require.ErrorContains(t, err, "entropy exhausted")
	require.Empty(t, nonce)

	sr, err := NewSignedRequest("s", "bearer", "1.0", http.MethodPost, "/api/v1/agent/events", nil)
	require.Error(t, err)
	require.Nil(t, sr)

	_, err = GenerateEnrollmentToken()
	require.Error(t, err)
	_, err = GenerateSharedSecret()
	require.Error(t, err)
}

func TestGenerateNonceIsUnique(t *testing.T) {
	a, err := GenerateNonce()
	require.NoError(t, err)
	b, err := GenerateNonce()
	require.NoError(t, err)
	require.Len(t, a, 22)
	require.NotEqual(t, a, b)
}

func TestAuthenticateValidRequestThenReplay(t *testing.T) {
	env := newAuthEnv(t)
	req := env.signed(t, `{"event_id":"evt-1"}`)

	identity, err := env.auth.Authenticate(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, "agent-1", identity.UUID)

	_, err = env.auth.Authenticate(context.Background(), req)
	require.ErrorIs(t, err, ErrReplayDetected)
}

func TestAuthenticateFailures(t *testing.T) {
	env := newAuthEnv(t)

	tests := []struct {
		name   string
		mutate func(r *SignedRequest)
		want   error
	}{
		{
			name:   "missing bearer",
			mutate: func(r *SignedRequest) { r.BearerToken = "" },
			want:   ErrInvalidToken,
		},
		{
			name:   "garbage bearer",
			mutate: func(r *SignedRequest) { r.BearerToken = "not-a-jwt" },
			want:   ErrInvalidToken,
		},
		{
			name:   "missing nonce header",
			mutate: func(r *SignedRequest) { r.Nonce = "" },
			want:   ErrMissingHeaders,
		},
		{
			name:   "missing protocol header",
			mutate: func(r *SignedRequest) { r.ProtocolVersion = "" },
			want:   ErrMissingHeaders,
		},
		{
			name:   "unsupported protocol",
			mutate: func(r *SignedRequest) { r.ProtocolVersion = "0.9" },
			want:   ErrUnsupportedProtocol,
		},
		{
			name:   "non-integer timestamp",
			mutate: func(r *SignedRequest) { r.Timestamp = "yesterday" },
			want:   ErrInvalidTimestamp,
		},
		{
			name: "stale timestamp",
			mutate: func(r *SignedRequest) {
				r.Timestamp = strconv.FormatInt(time.Now().Add(-5*time.Minute).Unix(), 10)
			},
			want: ErrTimestampSkew,
		},
		{
			name: "future timestamp",
			mutate: func(r *SignedRequest) {
				r.Timestamp = strconv.FormatInt(time.Now().Add(5*time.Minute).Unix(), 10)
			},
			want: ErrTimestampSkew,
		},
		{
			name:   "tampered body",
			mutate: func(r *SignedRequest) { r.Body = []byte(`{"event_id":"evt-2"}`) },
			want:   ErrBadSignature,
		},
		{
			name:   "different path",
			mutate: func(r *SignedRequest) { r.Path = "/api/v1/agent/heartbeat" },
			want:   ErrBadSignature,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := env.signed(t, `{"event_id":"evt-1"}`)
			tt.mutate(req)
			_, err := env.auth.Authenticate(context.Background(), req)
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestAuthenticateUnknownAndRevokedAgents(t *testing.T) {
	env := newAuthEnv(t)

	ghost, err := env.issuer.Issue("ghost", "acme")
	require.NoError(t, err)
	req := env.signed(t, "{}")
	req.BearerToken = ghost
	_, err = env.auth.Authenticate(context.Background(), req)
	require.ErrorIs(t, err, ErrUnknownAgent)

	env.identity.Status = StatusRevoked
	_, err = env.auth.Authenticate(context.Background(), env.signed(t, "{}"))
	require.ErrorIs(t, err, ErrAgentRevoked)
}

func TestAuthenticateRejectsWrongAudience(t *testing.T) {
	env := newAuthEnv(t)
	dashboard := NewTokenIssuer([]byte("jwt-secret-for-tests-0123456789"), "leakguard", "leakguard-dashboard", time.Hour)
	token, err := dashboard.Issue("agent-1", "acme")
	require.NoError(t, err)

	req := env.signed(t, "{}")
	req.BearerToken = token
	_, err = env.auth.Authenticate(context.Background(), req)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestBadSignatureDoesNotBurnNonce(t *testing.T) {
	env := newAuthEnv(t)
	req := env.signed(t, `{"a":1}`)
	forged := *req
	forged.Signature = "00"
	_, err := env.auth.Authenticate(context.Background(), &forged)
	require.ErrorIs(t, err, ErrBadSignature)

	_, err = env.auth.Authenticate(context.Background(), req)
	require.NoError(t, err)
}

func TestErrorKinds(t *testing.T) {
	e, ok := AsError(ErrInvalidTimestamp.wrap(strconv.ErrSyntax))
	require.True(t, ok)
	require.Equal(t, KindValidation, e.Kind)
	require.Equal(t, "invalid_timestamp", e.Code)
	require.Equal(t, "authentication", ErrReplayDetected.Kind.String())
}
