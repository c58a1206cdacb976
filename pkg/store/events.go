package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/haasonsaas/leakguard/pkg/ingest"
)

// EventRepository implements ingest.Repository. Nested transactions become savepoints.
type EventRepository struct {
	db *gorm.DB
}

// Events returns the event/alert repository.
func (s *Store) Events() *EventRepository {
	return &EventRepository{db: s.db}
}

func (r *EventRepository) EventExists(ctx context.Context, tenantID, eventID string) (bool, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&Event{}).Where("tenant_id = ? AND event_id = ?", tenantID, eventID).Count(&n).Error
	return n > 0, err
}

func (r *EventRepository) InsertEvent(ctx context.Context, e *ingest.Event) error {
	row := Event{
		EventID:     e.EventID,
		TenantID:    e.TenantID,
		AgentID:     e.AgentID,
		EventType:   e.EventType,
		FilePath:    e.FilePath,
		FileHash:    e.FileHash,
		FileSize:    e.FileSize,
		Metadata:    datatypes.JSONMap(e.Metadata),
		UserContext: datatypes.JSONMap(e.UserContext),
		Action:      string(e.Action),
		CreatedAt:   e.CreatedAt,
	}
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ingest.ErrDuplicateEvent
		}
		return fmt.Errorf("insert event %s: %w", e.EventID, err)
	}
	e.ID = row.ID
	return nil
}

func (r *EventRepository) InsertAlert(ctx context.Context, a *ingest.Alert) error {
	row := Alert{
		TenantID:  a.TenantID,
		EventID:   a.EventID,
		RuleID:    a.RuleID,
		Severity:  a.Severity,
		Status:    a.Status,
		Escalated: a.Escalated,
		Findings:  datatypes.NewJSONType(a.Findings),
		CreatedAt: a.CreatedAt,
	}
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return err
	}
	a.ID = row.ID
	return nil
}

func (r *EventRepository) Transaction(ctx context.Context, fn func(tx ingest.Repository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&EventRepository{db: tx})
	})
}

// CountEvents returns the number of stored events for a tenant.
func (r *EventRepository) CountEvents(ctx context.Context, tenantID string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&Event{}).Where("tenant_id = ?", tenantID).Count(&n).Error
	return n, err
}

// Alerts returns a tenant's alerts, newest first.
func (r *EventRepository) Alerts(ctx context.Context, tenantID string, limit int) ([]Alert, error) {
	var alerts []Alert
	err := r.db.WithContext(ctx).Where("tenant_id = ?", tenantID).Order("id desc").Limit(limit).Find(&alerts).Error
	return alerts, err
}
