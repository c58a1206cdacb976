package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/haasonsaas/leakguard/pkg/auth"
)

// ErrAgentTenantConflict is returned when an agent uuid re-registers under another tenant.
var ErrAgentTenantConflict = errors.New("agent belongs to another tenant")

// EnsureTenant creates the tenant or updates its name.
func (s *Store) EnsureTenant(ctx context.Context, id, name string) error {
	t := Tenant{ID: id, Name: name}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "updated_at"}),
	}).Create(&t).Error
}

// Tenant returns auth.ErrNotFound for unknown ids.
func (s *Store) Tenant(ctx context.Context, id string) (*Tenant, error) {
	var t Tenant
	if err := s.db.WithContext(ctx).First(&t, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

// LookupAgent implements auth.IdentityStore.
func (s *Store) LookupAgent(ctx context.Context, agentUUID string) (*auth.Identity, error) {
	agent, err := s.Agent(ctx, agentUUID)
	if err != nil {
		return nil, err
	}
	return &auth.Identity{
		ID:            agent.ID,
		UUID:          agent.UUID,
		TenantID:      agent.TenantID,
		SharedSecret:  agent.SharedSecret,
		Status:        agent.Status,
		LastHeartbeat: agent.LastHeartbeat,
	}, nil
}

func (s *Store) Agent(ctx context.Context, agentUUID string) (*Agent, error) {
	var agent Agent
	if err := s.db.WithContext(ctx).First(&agent, "uuid = ?", agentUUID).Error; err != nil {
		return nil, notFound(err)
	}
	return &agent, nil
}

// Registration is the agent-reported part of a registration request.
type Registration struct {
	UUID         string
	TenantID     string
	Fingerprint  string
	Hostname     string
	IPAddress    string
	Version      string
	SharedSecret string
}

// UpsertAgent creates the agent or refreshes an existing one, always rotating its
// shared secret. Revoked agents stay revoked.
func (s *Store) UpsertAgent(ctx context.Context, reg Registration) (*Agent, error) {
	var agent Agent
	err := s.db.WithContext(ctx).First(&agent, "uuid = ?", reg.UUID).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		agent = Agent{
			UUID:         reg.UUID,
			TenantID:     reg.TenantID,
			Fingerprint:  reg.Fingerprint,
			Hostname:     reg.Hostname,
			IPAddress:    reg.IPAddress,
			Version:      reg.Version,
			SharedSecret: reg.SharedSecret,
			Status:       auth.StatusOnline,
		}
		if err := s.db.WithContext(ctx).Create(&agent).Error; err != nil {
			return nil, fmt.Errorf("create agent: %w", err)
		}
		return &agent, nil
	case err != nil:
		return nil, err
	}

	if agent.TenantID != reg.TenantID {
		return nil, ErrAgentTenantConflict
	}
	if agent.Status == auth.StatusRevoked {
		return nil, auth.ErrAgentRevoked
	}
	agent.Fingerprint = reg.Fingerprint
	agent.Hostname = reg.Hostname
	agent.IPAddress = reg.IPAddress
	agent.Version = reg.Version
	agent.SharedSecret = reg.SharedSecret
	agent.Status = auth.StatusOnline
	if err := s.db.WithContext(ctx).Save(&agent).Error; err != nil {
		return nil, fmt.Errorf("update agent: %w", err)
	}
	return &agent, nil
}

// RecordHeartbeat stores the agent-reported status and heartbeat time.
func (s *Store) RecordHeartbeat(ctx context.Context, agentID uint, status string, at time.Time) error {
	return s.db.WithContext(ctx).Model(&Agent{}).Where("id = ?", agentID).
		Updates(map[string]any{"status": status, "last_heartbeat": at}).Error
}

// RevokeAgent marks the agent revoked; its tokens and signatures stop working immediately.
func (s *Store) RevokeAgent(ctx context.Context, agentUUID string) error {
	res := s.db.WithContext(ctx).Model(&Agent{}).Where("uuid = ?", agentUUID).Update("status", auth.StatusRevoked)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return auth.ErrNotFound
	}
	return nil
}

// Audit appends an audit log row.
func (s *Store) Audit(ctx context.Context, tenantID, action string, details map[string]any) error {
	return s.db.WithContext(ctx).Create(&AuditLog{TenantID: tenantID, Action: action, Details: details}).Error
}

// AuditLogs returns a tenant's audit rows, newest first.
func (s *Store) AuditLogs(ctx context.Context, tenantID string, limit int) ([]AuditLog, error) {
	var logs []AuditLog
	err := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID).Order("id desc").Limit(limit).Find(&logs).Error
	return logs, err
}

// DefaultAgentConfig is served to agents without a stored configuration.
func DefaultAgentConfig() map[string]any {
	return map[string]any{"scan_interval": 60}
}

// LatestAgentConfig returns the newest configuration for the agent, creating
// version 1 with the defaults on first use.
func (s *Store) LatestAgentConfig(ctx context.Context, agentID uint) (*AgentConfig, error) {
	var cfg AgentConfig
	err := s.db.WithContext(ctx).Where("agent_id = ?", agentID).Order("config_version desc").First(&cfg).Error
	if err == nil {
		return &cfg, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	cfg = AgentConfig{AgentID: agentID, ConfigVersion: 1, Config: DefaultAgentConfig()}
	if err := s.db.WithContext(ctx).Create(&cfg).Error; err != nil {
		return nil, err
	}
	return &cfg, nil
}
