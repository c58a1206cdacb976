package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/haasonsaas/leakguard/pkg/auth"
)

// Job is the queued form of a submission accepted for asynchronous ingestion.
type Job struct {
	AgentID    uint       `json:"agent_id"`
	AgentUUID  string     `json:"agent_uuid"`
	TenantID   string     `json:"tenant_id"`
	Submission Submission `json:"submission"`
}

// Enqueuer accepts encoded jobs. Delivery is at least once.
type Enqueuer interface {
	Enqueue(ctx context.Context, payload []byte) error
}

// EncodeJob builds the queue payload for sub submitted by id.
func EncodeJob(id *auth.Identity, sub Submission) ([]byte, error) {
	return json.Marshal(Job{AgentID: id.ID, AgentUUID: id.UUID, TenantID: id.TenantID, Submission: sub})
}

// Submit validates sub and enqueues it. The caller reports StatusQueued.
func (c *Coordinator) Submit(ctx context.Context, q Enqueuer, id *auth.Identity, sub Submission) (Outcome, error) {
	if err := validate(id, sub); err != nil {
		return Outcome{}, err
	}
	payload, err := EncodeJob(id, sub)
	if err != nil {
		return Outcome{}, err
	}
	if err := q.Enqueue(ctx, payload); err != nil {
		return Outcome{}, fmt.Errorf("enqueue %s: %w", sub.EventID, err)
	}
	return Outcome{EventID: sub.EventID, Status: StatusQueued}, nil
}

// HandleJob is the worker entry point. Redelivered jobs resolve to duplicate and succeed.
// Malformed payloads are dropped; transient failures are returned so the queue redelivers.
func (c *Coordinator) HandleJob(ctx context.Context, payload []byte) error {
	var job Job
	if err := json.Unmarshal(payload, &job); err != nil {
		c.logger.Error().Err(err).Msg("dropping malformed job")
		return nil
	}
	id := &auth.Identity{ID: job.AgentID, UUID: job.AgentUUID, TenantID: job.TenantID}
	out, err := c.Ingest(ctx, id, job.Submission)
	if errors.Is(err, ErrMissingEventID) || errors.Is(err, ErrMissingAgentUUID) || errors.Is(err, ErrAgentMismatch) {
		c.logger.Warn().Err(err).Str("event_id", job.Submission.EventID).Msg("dropping invalid job")
		return nil
	}
	if err != nil {
		return err
	}
	c.logger.Debug().Str("event_id", out.EventID).Str("status", string(out.Status)).Msg("job processed")
	return nil
}
