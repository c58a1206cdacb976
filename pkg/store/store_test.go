package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/haasonsaas/leakguard/pkg/auth"
	"github.com/haasonsaas/leakguard/pkg/detection"
	"github.com/haasonsaas/leakguard/pkg/ingest"
	"github.com/haasonsaas/leakguard/pkg/policy"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:store-test-%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := Open(DriverSQLite, dsn, zerolog.Nop())
	require.NoError(t, err)
	s := New(db)
	require.NoError(t, s.EnsureTenant(context.Background(), "acme", "Acme Corp"))
	return s
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open("oracle", "x", zerolog.Nop())
	require.Error(t, err)
}

func TestTenants(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.EnsureTenant(ctx, "acme", "Acme Inc"))
	tenant, err := s.Tenant(ctx, "acme")
	require.NoError(t, err)
	require.Equal(t, "Acme Inc", tenant.Name)

	_, err = s.Tenant(ctx, "nobody")
	require.ErrorIs(t, err, auth.ErrNotFound)
}

func TestUpsertAgentRotatesSecret(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	reg := Registration{UUID: "agent-1", TenantID: "acme", Hostname: "laptop", SharedSecret: "first"}

	created, err := s.UpsertAgent(ctx, reg)
	require.NoError(t, err)
	require.Equal(t, auth.StatusOnline, created.Status)

	reg.SharedSecret = "second"
	reg.Hostname = "laptop-2"
	updated, err := s.UpsertAgent(ctx, reg)
	require.NoError(t, err)
	require.Equal(t, created.ID, updated.ID)

	id, err := s.LookupAgent(ctx, "agent-1")
	require.NoError(t, err)
	require.Equal(t, "second", id.SharedSecret)
	require.Equal(t, "acme", id.TenantID)

	require.NoError(t, s.EnsureTenant(ctx, "globex", "Globex"))
	_, err = s.UpsertAgent(ctx, Registration{UUID: "agent-1", TenantID: "globex", SharedSecret: "x"})
	require.ErrorIs(t, err, ErrAgentTenantConflict)

	require.NoError(t, s.RevokeAgent(ctx, "agent-1"))
	_, err = s.UpsertAgent(ctx, reg)
	require.ErrorIs(t, err, auth.ErrAgentRevoked)
	require.ErrorIs(t, s.RevokeAgent(ctx, "missing"), auth.ErrNotFound)

	_, err = s.LookupAgent(ctx, "missing")
	require.ErrorIs(t, err, auth.ErrNotFound)
}

func TestHeartbeatAndConfig(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	agent, err := s.UpsertAgent(ctx, Registration{UUID: "agent-1", TenantID: "acme", SharedSecret: "s"})
	require.NoError(t, err)

	at := time.Unix(1700000000, 0).UTC()
	require.NoError(t, s.RecordHeartbeat(ctx, agent.ID, auth.StatusOffline, at))
	id, err := s.LookupAgent(ctx, "agent-1")
	require.NoError(t, err)
	require.Equal(t, auth.StatusOffline, id.Status)
	require.True(t, id.LastHeartbeat.Equal(at))

	cfg, err := s.LatestAgentConfig(ctx, agent.ID)
	require.NoError(t, err)
	require.Equal(t, 1, cfg.ConfigVersion)
	require.EqualValues(t, 60, cfg.Config["scan_interval"])

	again, err := s.LatestAgentConfig(ctx, agent.ID)
	require.NoError(t, err)
	require.Equal(t, cfg.ID, again.ID)
}

func TestEnrollmentTokenConsumedOnceInTransaction(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	hasher := auth.NewTokenHasher([]byte("salt-salt-salt-salt-salt"))
	require.NoError(t, s.CreateEnrollmentToken(ctx, &EnrollmentToken{
		TenantID:  "acme",
		TokenHash: hasher.Hash("tok"),
		ExpiresAt: time.Now().Add(time.Hour),
	}))

	svc := auth.NewEnrollmentService(s, hasher, nil, zerolog.Nop())
	req := auth.EnrollmentRequest{AgentUUID: "agent-1", TenantID: "acme", Token: "tok"}

	err := s.Transaction(ctx, func(tx *Store) error {
		proof, err := svc.WithTokenStore(tx).Verify(ctx, req)
		if err != nil {
			return err
		}
		require.Equal(t, auth.ProofToken, proof.Type)
		_, err = tx.UpsertAgent(ctx, Registration{UUID: "agent-1", TenantID: "acme", SharedSecret: "s"})
		return err
	})
	require.NoError(t, err)

	_, err = svc.Verify(ctx, req)
	require.ErrorIs(t, err, auth.ErrTokenUsed)

	stored, err := s.FindTokenByHash(ctx, hasher.Hash("tok"))
	require.NoError(t, err)
	require.Equal(t, "agent-1", stored.AgentUUID)
	require.NotNil(t, stored.UsedAt)
}

func TestConsumeTokenSingleWinner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	token := &EnrollmentToken{TenantID: "acme", TokenHash: "h", ExpiresAt: time.Now().Add(time.Hour)}
	require.NoError(t, s.CreateEnrollmentToken(ctx, token))

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := s.ConsumeToken(ctx, token.ID, fmt.Sprintf("agent-%d", i), time.Now())
			require.NoError(t, err)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	require.Equal(t, 1, wins)
}

func TestRulesRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	minSize := int64(10)
	rules := []policy.Rule{
		{Type: policy.RuleKeywords, Keywords: []string{"secret", "confidential"}, Action: policy.ActionAlert, Priority: 50, Tags: []string{"ip"}},
		{Type: policy.RuleHash, Hashes: []string{"abc"}, Action: policy.ActionBlock, Severity: "high", Priority: 5},
		{Type: policy.RuleSize, MinSize: &minSize, Action: policy.ActionAlert, Priority: 50},
	}
	require.NoError(t, s.ReplaceRules(ctx, "acme", rules))

	got, err := s.ActiveRules(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, []string{"secret", "confidential"}, got[0].Keywords)
	require.Equal(t, []string{"ip"}, got[0].Tags)
	require.Equal(t, int64(10), *got[2].MinSize)

	cache := policy.NewCache(s, time.Minute, zerolog.Nop())
	ordered, err := cache.Get(ctx, "acme")
	require.NoError(t, err)
	require.Equal(t, policy.RuleHash, ordered[0].Type)
	require.Equal(t, policy.RuleKeywords, ordered[1].Type)
	require.Equal(t, policy.RuleSize, ordered[2].Type)

	require.NoError(t, s.ReplaceRules(ctx, "acme", rules[:1]))
	got, err = s.ActiveRules(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, got, 1)

	other, err := s.ActiveRules(ctx, "globex")
	require.NoError(t, err)
	require.Empty(t, other)
}

func TestEventRepositoryUniqueEventID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	repo := s.Events()

	ev := &ingest.Event{EventID: "evt-1", TenantID: "acme", AgentID: 1, Metadata: map[string]any{"content": "x"}, CreatedAt: time.Now()}
	require.NoError(t, repo.InsertEvent(ctx, ev))
	require.NotZero(t, ev.ID)

	dup := &ingest.Event{EventID: "evt-1", TenantID: "acme", AgentID: 1, CreatedAt: time.Now()}
	require.ErrorIs(t, repo.InsertEvent(ctx, dup), ingest.ErrDuplicateEvent)

	exists, err := repo.EventExists(ctx, "acme", "evt-1")
	require.NoError(t, err)
	require.True(t, exists)
	exists, err = repo.EventExists(ctx, "globex", "evt-1")
	require.NoError(t, err)
	require.False(t, exists)
}

type nopSink struct{}

func (nopSink) Notify(context.Context, ingest.Notification) error { return nil }

func TestCoordinatorOnSQLite(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.ReplaceRules(ctx, "acme", []policy.Rule{
		{Type: policy.RuleRegex, Pattern: "ssn", Action: policy.ActionBlock, Severity: "critical", Priority: 10},
	}))
	cache := policy.NewCache(s, time.Minute, zerolog.Nop())
	c := ingest.NewCoordinator(s.Events(), cache, detection.NewPipeline(), nopSink{}, zerolog.Nop())
	id := &auth.Identity{ID: 1, UUID: "agent-1", TenantID: "acme"}
	sub := ingest.Submission{EventID: "evt-1", AgentUUID: "agent-1", Metadata: map[string]any{"content": "my ssn is 123-45-6789"}}

	first, err := c.Ingest(ctx, id, sub)
	require.NoError(t, err)
	require.Equal(t, ingest.StatusAccepted, first.Status)
	second, err := c.Ingest(ctx, id, sub)
	require.NoError(t, err)
	require.Equal(t, ingest.StatusDuplicate, second.Status)

	report, err := c.IngestBatch(ctx, id, []ingest.Submission{
		{EventID: "evt-2", AgentUUID: "agent-1"},
		{EventID: "evt-2", AgentUUID: "agent-1"},
		sub,
	})
	require.NoError(t, err)
	require.Equal(t, []string{"evt-2"}, report.Accepted)
	require.Len(t, report.Rejected, 2)

	n, err := s.Events().CountEvents(ctx, "acme")
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	alerts, err := s.Events().Alerts(ctx, "acme", 10)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	require.True(t, alerts[0].Escalated)
	require.Equal(t, "critical", alerts[0].Severity)
}

func TestSQLNonceStore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	nonces := NewSQLNonceStore(s.DB(), time.Millisecond)

	ok, err := nonces.SetIfAbsent(ctx, "agent-1", "n1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = nonces.SetIfAbsent(ctx, "agent-1", "n1", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)
	ok, err = nonces.SetIfAbsent(ctx, "agent-2", "n1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	nonces.now = func() time.Time { return time.Now().Add(time.Hour) }
	ok, err = nonces.SetIfAbsent(ctx, "agent-1", "n1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok, "expired nonces are pruned")

	_, err = nonces.SetIfAbsent(ctx, "", "n", time.Minute)
	require.Error(t, err)
}

func TestRedisNonceStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	nonces := NewRedisNonceStore(client, "")
	ctx := context.Background()

	ok, err := nonces.SetIfAbsent(ctx, "agent-1", "n1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = nonces.SetIfAbsent(ctx, "agent-1", "n1", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	mr.FastForward(2 * time.Minute)
	ok, err = nonces.SetIfAbsent(ctx, "agent-1", "n1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestAudit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Audit(ctx, "acme", "agent_enroll", map[string]any{"agent_uuid": "agent-1"}))
	logs, err := s.AuditLogs(ctx, "acme", 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.Equal(t, "agent_enroll", logs[0].Action)
	require.Equal(t, "agent-1", logs[0].Details["agent_uuid"])
}
