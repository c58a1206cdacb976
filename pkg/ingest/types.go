package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/haasonsaas/leakguard/pkg/detection"
	"github.com/haasonsaas/leakguard/pkg/policy"
)

var (
	// ErrDuplicateEvent is returned by a Repository when event_id is already stored.
	ErrDuplicateEvent = errors.New("duplicate event")
	// ErrRulesUnavailable wraps a rule-set load failure; the event is not ingested.
	ErrRulesUnavailable = errors.New("rules unavailable")
	ErrMissingEventID   = errors.New("event_id is required")
	ErrMissingAgentUUID = errors.New("agent_uuid is required")
	ErrAgentMismatch    = errors.New("agent mismatch")
)

// Submission is an event as sent by an agent.
type Submission struct {
	EventID     string         `json:"event_id"`
	AgentUUID   string         `json:"agent_uuid"`
	EventType   string         `json:"event_type"`
	FilePath    string         `json:"file_path,omitempty"`
	FileHash    string         `json:"file_hash,omitempty"`
	FileSize    *int64         `json:"file_size,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	UserContext map[string]any `json:"user_context,omitempty"`
	Timestamp   string         `json:"timestamp,omitempty"`
}

func (s Submission) policyEvent() policy.Event {
	return policy.Event{
		EventType: s.EventType,
		FilePath:  s.FilePath,
		FileHash:  s.FileHash,
		FileSize:  s.FileSize,
		Metadata:  s.Metadata,
	}
}

// Event is a persisted submission.
type Event struct {
	ID          uint
	EventID     string
	TenantID    string
	AgentID     uint
	EventType   string
	FilePath    string
	FileHash    string
	FileSize    *int64
	Metadata    map[string]any
	UserContext map[string]any
	Action      policy.Action
	CreatedAt   time.Time
}

// Alert is raised for alert and block decisions.
type Alert struct {
	ID        uint
	TenantID  string
	EventID   uint
	RuleID    *uint
	Severity  string
	Status    string
	Escalated bool
	Findings  []detection.Finding
	CreatedAt time.Time
}

// AlertStatusOpen is the status of a newly raised alert.
const AlertStatusOpen = "open"

// Repository persists events and alerts. Transaction nests: an inner call is a savepoint.
type Repository interface {
	EventExists(ctx context.Context, tenantID, eventID string) (bool, error)
	InsertEvent(ctx context.Context, event *Event) error
	InsertAlert(ctx context.Context, alert *Alert) error
	Transaction(ctx context.Context, fn func(tx Repository) error) error
}

// RuleSource yields a tenant's priority-ordered rules. *policy.Cache satisfies it.
type RuleSource interface {
	Get(ctx context.Context, tenantID string) ([]policy.Rule, error)
}

// Notification is handed to the alert sink after commit.
type Notification struct {
	TenantID  string              `json:"tenant_id"`
	AgentUUID string              `json:"agent_uuid"`
	EventID   string              `json:"event_id"`
	EventType string              `json:"event_type"`
	AlertID   uint                `json:"alert_id"`
	RuleID    *uint               `json:"rule_id,omitempty"`
	Decision  policy.Action       `json:"decision"`
	Severity  string              `json:"severity"`
	Escalated bool                `json:"escalated"`
	Findings  []detection.Finding `json:"findings,omitempty"`
}

// AlertSink receives notifications best effort; failures never affect ingestion.
type AlertSink interface {
	Notify(ctx context.Context, n Notification) error
}

// Status is the per-event ingestion outcome.
type Status string

const (
	StatusAccepted  Status = "accepted"
	StatusDuplicate Status = "duplicate"
	StatusRejected  Status = "rejected"
	StatusQueued    Status = "queued"
)

// Outcome reports what happened to one submission.
type Outcome struct {
	EventID  string            `json:"event_id"`
	Status   Status            `json:"status"`
	Reason   string            `json:"reason,omitempty"`
	Decision *policy.Decision  `json:"decision,omitempty"`
	Report   *detection.Report `json:"detection,omitempty"`
	AlertID  *uint             `json:"alert_id,omitempty"`
}

// Rejection names a batch item that was not accepted.
type Rejection struct {
	EventID string `json:"event_id"`
	Reason  string `json:"reason"`
}

// BatchReport keeps Results in input order.
type BatchReport struct {
	Accepted []string    `json:"accepted"`
	Rejected []Rejection `json:"rejected"`
	Results  []Outcome   `json:"results"`
}
