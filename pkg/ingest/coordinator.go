package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/haasonsaas/leakguard/pkg/auth"
	"github.com/haasonsaas/leakguard/pkg/detection"
	"github.com/haasonsaas/leakguard/pkg/policy"
)

// OutcomeObserver is told about every finished submission.
type OutcomeObserver func(status Status, action policy.Action)

// Coordinator runs dedup, policy, detection and persistence for agent events.
type Coordinator struct {
	repo     Repository
	rules    RuleSource
	pipeline *detection.Pipeline
	sink     AlertSink
	logger   zerolog.Logger
	observe  OutcomeObserver
	now      func() time.Time
}

func NewCoordinator(repo Repository, rules RuleSource, pipeline *detection.Pipeline, sink AlertSink, logger zerolog.Logger) *Coordinator {
	if pipeline == nil {
		pipeline = detection.NewPipeline()
	}
	return &Coordinator{
		repo:     repo,
		rules:    rules,
		pipeline: pipeline,
		sink:     sink,
		logger:   logger.With().Str("component", "ingest").Logger(),
		observe:  func(Status, policy.Action) {},
		now:      time.Now,
	}
}

// OnOutcome installs an observer.
func (c *Coordinator) OnOutcome(fn OutcomeObserver) {
	if fn != nil {
		c.observe = fn
	}
}

// Ingest applies the single-event contract. Duplicates are an outcome, not an error.
func (c *Coordinator) Ingest(ctx context.Context, id *auth.Identity, sub Submission) (Outcome, error) {
	if err := validate(id, sub); err != nil {
		return Outcome{}, err
	}

	rs := c.loadRules(ctx, id.TenantID)
	var out Outcome
	var notes []Notification
	err := c.repo.Transaction(ctx, func(tx Repository) error {
		var err error
		out, notes, err = c.process(ctx, tx, id, sub, rs)
		return err
	})
	switch {
	case errors.Is(err, ErrDuplicateEvent):
		out = Outcome{EventID: sub.EventID, Status: StatusDuplicate}
	case err != nil:
		c.logger.Error().Err(err).Str("event_id", sub.EventID).Str("tenant_id", id.TenantID).Msg("event ingestion failed")
		return Outcome{}, err
	}

	c.finish(ctx, out, notes)
	return out, nil
}

// validate checks the submission envelope against the authenticated agent.
func validate(id *auth.Identity, sub Submission) error {
	switch {
	case sub.EventID == "":
		return ErrMissingEventID
	case sub.AgentUUID == "":
		return ErrMissingAgentUUID
	case sub.AgentUUID != id.UUID:
		return ErrAgentMismatch
	}
	return nil
}

// IngestBatch applies the single-event contract to each submission under its own savepoint
// and commits once. The returned error is reserved for failures of the batch as a whole.
func (c *Coordinator) IngestBatch(ctx context.Context, id *auth.Identity, subs []Submission) (BatchReport, error) {
	results := make([]Outcome, len(subs))
	var notes []Notification
	rs := c.loadRules(ctx, id.TenantID)

	err := c.repo.Transaction(ctx, func(tx Repository) error {
		notes = notes[:0]
		for i, sub := range subs {
			results[i] = c.processItem(ctx, tx, id, sub, rs, &notes)
		}
		return nil
	})
	if err != nil {
		c.logger.Error().Err(err).Str("tenant_id", id.TenantID).Int("events", len(subs)).Msg("batch commit failed")
		return BatchReport{}, fmt.Errorf("commit batch: %w", err)
	}

	report := BatchReport{Accepted: []string{}, Rejected: []Rejection{}, Results: results}
	for _, out := range results {
		if out.Status == StatusAccepted {
			report.Accepted = append(report.Accepted, out.EventID)
		} else {
			report.Rejected = append(report.Rejected, Rejection{EventID: out.EventID, Reason: out.Reason})
		}
		c.observe(out.Status, actionOf(out))
	}
	c.dispatch(ctx, notes)
	return report, nil
}

func (c *Coordinator) processItem(ctx context.Context, tx Repository, id *auth.Identity, sub Submission, rs ruleSet, notes *[]Notification) Outcome {
	if err := validate(id, sub); err != nil {
		return rejected(sub.EventID, err.Error())
	}

	var out Outcome
	var itemNotes []Notification
	err := tx.Transaction(ctx, func(sp Repository) error {
		var err error
		out, itemNotes, err = c.process(ctx, sp, id, sub, rs)
		return err
	})
	switch {
	case errors.Is(err, ErrDuplicateEvent):
		return rejected(sub.EventID, string(StatusDuplicate))
	case err != nil:
		c.logger.Warn().Err(err).Str("event_id", sub.EventID).Msg("batch item rejected")
		return rejected(sub.EventID, reasonFor(err))
	}
	if out.Status == StatusDuplicate {
		return rejected(sub.EventID, string(StatusDuplicate))
	}
	*notes = append(*notes, itemNotes...)
	return out
}

// ruleSet is loaded before the transaction opens so a cache miss never waits on
// a connection held by that transaction.
type ruleSet struct {
	rules []policy.Rule
	err   error
}

func (c *Coordinator) loadRules(ctx context.Context, tenantID string) ruleSet {
	rules, err := c.rules.Get(ctx, tenantID)
	return ruleSet{rules: rules, err: err}
}

// process runs inside a transaction. A returned error rolls back everything it wrote.
func (c *Coordinator) process(ctx context.Context, tx Repository, id *auth.Identity, sub Submission, rs ruleSet) (Outcome, []Notification, error) {
	exists, err := tx.EventExists(ctx, id.TenantID, sub.EventID)
	if err != nil {
		return Outcome{}, nil, fmt.Errorf("check event %s: %w", sub.EventID, err)
	}
	if exists {
		return Outcome{EventID: sub.EventID, Status: StatusDuplicate}, nil, nil
	}

	if rs.err != nil {
		return Outcome{}, nil, fmt.Errorf("%w: %v", ErrRulesUnavailable, rs.err)
	}
	rules := rs.rules
	pe := sub.policyEvent()
	decision := policy.Evaluate(rules, pe)

	event := &Event{
		EventID:     sub.EventID,
		TenantID:    id.TenantID,
		AgentID:     id.ID,
		EventType:   sub.EventType,
		FilePath:    sub.FilePath,
		FileHash:    sub.FileHash,
		FileSize:    sub.FileSize,
		Metadata:    sub.Metadata,
		UserContext: sub.UserContext,
		Action:      decision.Action,
		CreatedAt:   c.now().UTC(),
	}
	if err := tx.InsertEvent(ctx, event); err != nil {
		return Outcome{}, nil, err
	}

	out := Outcome{EventID: sub.EventID, Status: StatusAccepted, Decision: &decision}
	if decision.Whitelisted {
		c.logger.Debug().Str("event_id", sub.EventID).Msg("whitelisted")
		return out, nil, nil
	}

	report := c.pipeline.Run(pe, rules)
	out.Report = &report
	if !decision.Raises() {
		return out, nil, nil
	}

	severity := decision.Severity
	if severity == "" {
		severity = report.Severity
	}
	alert := &Alert{
		TenantID:  id.TenantID,
		EventID:   event.ID,
		RuleID:    decision.RuleID,
		Severity:  severity,
		Status:    AlertStatusOpen,
		Escalated: decision.Action == policy.ActionBlock,
		Findings:  report.Findings,
		CreatedAt: event.CreatedAt,
	}
	if err := tx.InsertAlert(ctx, alert); err != nil {
		return Outcome{}, nil, fmt.Errorf("insert alert for %s: %w", sub.EventID, err)
	}
	out.AlertID = &alert.ID

	note := Notification{
		TenantID:  id.TenantID,
		AgentUUID: id.UUID,
		EventID:   sub.EventID,
		EventType: sub.EventType,
		AlertID:   alert.ID,
		RuleID:    decision.RuleID,
		Decision:  decision.Action,
		Severity:  severity,
		Escalated: alert.Escalated,
		Findings:  report.Findings,
	}
	return out, []Notification{note}, nil
}

func (c *Coordinator) finish(ctx context.Context, out Outcome, notes []Notification) {
	c.observe(out.Status, actionOf(out))
	ev := c.logger.Debug().Str("event_id", out.EventID).Str("status", string(out.Status))
	if out.Decision != nil {
		ev = ev.Str("action", string(out.Decision.Action)).Str("reason", out.Decision.Reason)
	}
	ev.Msg("event ingested")
	c.dispatch(ctx, notes)
}

// dispatch runs after commit so a sink failure cannot roll back persisted rows.
func (c *Coordinator) dispatch(ctx context.Context, notes []Notification) {
	if c.sink == nil {
		return
	}
	for _, n := range notes {
		if err := c.sink.Notify(ctx, n); err != nil {
			c.logger.Warn().Err(err).Str("event_id", n.EventID).Msg("alert notification failed")
		}
	}
}

func rejected(eventID, reason string) Outcome {
	return Outcome{EventID: eventID, Status: StatusRejected, Reason: reason}
}

func reasonFor(err error) string {
	if errors.Is(err, ErrRulesUnavailable) {
		return ErrRulesUnavailable.Error()
	}
	return "internal error"
}

func actionOf(out Outcome) policy.Action {
	if out.Decision == nil {
		return ""
	}
	return out.Decision.Action
}
