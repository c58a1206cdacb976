package store

import (
	"time"

	"gorm.io/datatypes"

	"github.com/haasonsaas/leakguard/pkg/detection"
)

// Tenant owns agents, rules, events and alerts. IDs are operator-chosen slugs.
type Tenant struct {
	ID        string `gorm:"primaryKey;size:64"`
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Agent is an enrolled endpoint.
type Agent struct {
	ID            uint   `gorm:"primaryKey"`
	UUID          string `gorm:"uniqueIndex;size:64"`
	TenantID      string `gorm:"index;size:64"`
	Fingerprint   string
	Hostname      string `gorm:"index"`
	IPAddress     string
	Version       string
	SharedSecret  string
	Status        string `gorm:"index"`
	LastHeartbeat *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// EnrollmentToken stores hashed, single-use enrollment tokens.
type EnrollmentToken struct {
	ID         uint   `gorm:"primaryKey"`
	TenantID   string `gorm:"index;size:64"`
	Label      string
	TokenHash  string `gorm:"uniqueIndex"`
	AgentUUID  string `gorm:"size:64"`
	ExpiresAt  time.Time
	UsedAt     *time.Time
	RedeemedBy string
	CreatedAt  time.Time
}

// PolicyRule is a stored rule; inactive rules are kept but never served.
type PolicyRule struct {
	ID            uint   `gorm:"primaryKey"`
	TenantID      string `gorm:"index:tenant_priority,priority:1;size:64"`
	RuleType      string
	Pattern       string
	Keywords      datatypes.JSONSlice[string]
	Hashes        datatypes.JSONSlice[string]
	FileExtension string
	MinSize       *int64
	MaxSize       *int64
	USBOnly       bool
	Action        string
	Severity      string
	SeverityScore int
	Priority      int `gorm:"index:tenant_priority,priority:2"`
	IsWhitelist   bool
	Tags          datatypes.JSONSlice[string]
	Active        bool `gorm:"default:true"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Event is a telemetry event; EventID is the global idempotency key.
type Event struct {
	ID          uint   `gorm:"primaryKey"`
	EventID     string `gorm:"uniqueIndex;size:128"`
	TenantID    string `gorm:"index;size:64"`
	AgentID     uint   `gorm:"index"`
	EventType   string
	FilePath    string
	FileHash    string
	FileSize    *int64
	Metadata    datatypes.JSONMap
	UserContext datatypes.JSONMap
	Action      string
	CreatedAt   time.Time `gorm:"index"`
}

// Alert is raised for alert and block decisions.
type Alert struct {
	ID        uint   `gorm:"primaryKey"`
	TenantID  string `gorm:"index;size:64"`
	EventID   uint   `gorm:"index"`
	RuleID    *uint
	Severity  string
	Status    string `gorm:"index"`
	Escalated bool
	Findings  datatypes.JSONType[[]detection.Finding]
	CreatedAt time.Time
}

// AgentNonce tracks recently seen nonces for replay detection.
type AgentNonce struct {
	ID        uint      `gorm:"primaryKey"`
	AgentUUID string    `gorm:"uniqueIndex:agent_nonce;size:64"`
	Nonce     string    `gorm:"uniqueIndex:agent_nonce;size:128"`
	SeenAt    time.Time `gorm:"index"`
}

// AuditLog records security-relevant actions.
type AuditLog struct {
	ID        uint   `gorm:"primaryKey"`
	TenantID  string `gorm:"index;size:64"`
	Action    string `gorm:"index"`
	Details   datatypes.JSONMap
	CreatedAt time.Time
}

// AgentConfig is a versioned configuration document served to one agent.
type AgentConfig struct {
	ID            uint `gorm:"primaryKey"`
	AgentID       uint `gorm:"index"`
	ConfigVersion int
	Config        datatypes.JSONMap
	UpdatedAt     time.Time
}

func allModels() []any {
	return []any{
		&Tenant{}, &Agent{}, &EnrollmentToken{}, &PolicyRule{}, &Event{}, &Alert{},
		&AgentNonce{}, &AuditLog{}, &AgentConfig{},
	}
}
