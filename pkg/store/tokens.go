package store

import (
	"context"
	"time"

	"github.com/haasonsaas/leakguard/pkg/auth"
)

// CreateEnrollmentToken stores a token by hash; the plaintext is never persisted.
func (s *Store) CreateEnrollmentToken(ctx context.Context, token *EnrollmentToken) error {
	return s.db.WithContext(ctx).Create(token).Error
}

// FindTokenByHash implements auth.EnrollmentTokenStore.
func (s *Store) FindTokenByHash(ctx context.Context, hash string) (*auth.EnrollmentToken, error) {
	var t EnrollmentToken
	if err := s.db.WithContext(ctx).First(&t, "token_hash = ?", hash).Error; err != nil {
		return nil, notFound(err)
	}
	return &auth.EnrollmentToken{
		ID:        t.ID,
		TenantID:  t.TenantID,
		AgentUUID: t.AgentUUID,
		ExpiresAt: t.ExpiresAt,
		UsedAt:    t.UsedAt,
	}, nil
}

// ConsumeToken sets used_at with a conditional update so exactly one caller wins.
// The token is bound to the redeeming agent.
func (s *Store) ConsumeToken(ctx context.Context, id uint, agentUUID string, at time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&EnrollmentToken{}).
		Where("id = ? AND used_at IS NULL", id).
		Updates(map[string]any{"used_at": at, "agent_uuid": agentUUID, "redeemed_by": agentUUID})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
