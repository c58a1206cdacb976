package main

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/haasonsaas/leakguard/pkg/auth"
	"github.com/haasonsaas/leakguard/pkg/ingest"
	"github.com/haasonsaas/leakguard/pkg/metrics"
	"github.com/haasonsaas/leakguard/pkg/store"
)

type registerRequest struct {
	AgentUUID           string `json:"agent_uuid"`
	Fingerprint         string `json:"fingerprint"`
	Hostname            string `json:"hostname"`
	IPAddress           string `json:"ip_address"`
	Version             string `json:"version"`
	Tenant              string `json:"tenant"`
	EnrollmentToken     string `json:"enrollment_token"`
	EnrollmentPackage   string `json:"enrollment_package"`
	EnrollmentSignature string `json:"enrollment_signature"`
}

func (r registerRequest) proofType() string {
	switch {
	case r.EnrollmentToken != "" && (r.EnrollmentPackage != "" || r.EnrollmentSignature != ""):
		return "ambiguous"
	case r.EnrollmentToken != "":
		return string(auth.ProofToken)
	case r.EnrollmentPackage != "" || r.EnrollmentSignature != "":
		return string(auth.ProofPackage)
	}
	return "none"
}

// handleRegister verifies the enrollment proof and upserts the agent in one
// transaction, so a consumed token always has a registered agent behind it.
func (s *Server) handleRegister(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_json", "invalid request body", s.logger)
		return
	}
	if _, err := uuid.Parse(req.AgentUUID); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_agent_uuid", "agent_uuid must be a UUID", s.logger)
		return
	}
	if req.Tenant == "" {
		respondError(c, http.StatusBadRequest, "missing_tenant", "tenant is required", s.logger)
		return
	}
	proof := req.proofType()
	ctx := c.Request.Context()

	if _, err := s.store.Tenant(ctx, req.Tenant); err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			err = auth.ErrTenantUnknown
		}
		metrics.Enrollments.WithLabelValues("rejected", proof).Inc()
		s.fail(c, err)
		return
	}

	secret, err := auth.GenerateSharedSecret()
	if err != nil {
		s.fail(c, err)
		return
	}
	ip := req.IPAddress
	if ip == "" {
		ip = c.ClientIP()
	}

	var agent *store.Agent
	err = s.store.Transaction(ctx, func(tx *store.Store) error {
		verified, err := s.enrollment.WithTokenStore(tx).Verify(ctx, auth.EnrollmentRequest{
			AgentUUID:        req.AgentUUID,
			TenantID:         req.Tenant,
			Token:            req.EnrollmentToken,
			Package:          req.EnrollmentPackage,
			PackageSignature: req.EnrollmentSignature,
		})
		if err != nil {
			return err
		}
		agent, err = tx.UpsertAgent(ctx, store.Registration{
			UUID:         req.AgentUUID,
			TenantID:     req.Tenant,
			Fingerprint:  req.Fingerprint,
			Hostname:     req.Hostname,
			IPAddress:    ip,
			Version:      req.Version,
			SharedSecret: secret,
		})
		if err != nil {
			return err
		}
		return tx.Audit(ctx, req.Tenant, "agent_enroll", map[string]any{
			"agent_uuid": agent.UUID,
			"proof":      string(verified.Type),
			"hostname":   req.Hostname,
			"ip_address": ip,
		})
	})
	if err != nil {
		metrics.Enrollments.WithLabelValues("rejected", proof).Inc()
		if errors.Is(err, store.ErrAgentTenantConflict) {
			respondError(c, http.StatusConflict, "agent_tenant_conflict", "agent is enrolled in another tenant", s.logger)
			return
		}
		s.fail(c, err)
		return
	}

	jwt, err := s.tokens.Issue(agent.UUID, agent.TenantID)
	if err != nil {
		s.fail(c, err)
		return
	}
	metrics.Enrollments.WithLabelValues("enrolled", proof).Inc()
	logger := requestLogger(c, s.logger)
	logger.Info().Str("agent_uuid", agent.UUID).Str("tenant_id", agent.TenantID).Msg("agent registered")

	c.JSON(http.StatusOK, gin.H{
		"agent_id":      agent.ID,
		"agent_uuid":    agent.UUID,
		"jwt":           jwt,
		"shared_secret": secret,
	})
}

type heartbeatRequest struct {
	AgentUUID string `json:"agent_uuid"`
	Timestamp string `json:"timestamp"`
	Status    string `json:"status"`
}

func (s *Server) handleHeartbeat(c *gin.Context) {
	id := identityFrom(c)
	var req heartbeatRequest
	if err := json.Unmarshal(bodyFrom(c), &req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_json", "invalid request body", s.logger)
		return
	}
	if req.AgentUUID != "" && req.AgentUUID != id.UUID {
		s.fail(c, ingest.ErrAgentMismatch)
		return
	}
	switch req.Status {
	case "":
		req.Status = auth.StatusOnline
	case auth.StatusOnline, auth.StatusOffline:
	default:
		respondError(c, http.StatusBadRequest, "invalid_status", "status must be online or offline", s.logger)
		return
	}
	now := s.now().UTC()
	if err := s.store.RecordHeartbeat(c.Request.Context(), id.ID, req.Status, now); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "server_time": now})
}

func (s *Server) handleEvent(c *gin.Context) {
	id := identityFrom(c)
	var sub ingest.Submission
	if err := json.Unmarshal(bodyFrom(c), &sub); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_json", "invalid event body", s.logger)
		return
	}

	ctx := c.Request.Context()
	if s.queue != nil {
		out, err := s.coordinator.Submit(ctx, s.queue, id, sub)
		if err != nil {
			s.fail(c, err)
			return
		}
		metrics.IngestOutcomes.WithLabelValues(string(out.Status)).Inc()
		c.JSON(http.StatusAccepted, gin.H{"status": out.Status, "event_id": out.EventID})
		return
	}

	out, err := s.coordinator.Ingest(ctx, id, sub)
	if err != nil {
		s.fail(c, err)
		return
	}
	resp := gin.H{"status": out.Status, "event_id": out.EventID}
	if out.Decision != nil {
		resp["decision"] = out.Decision
	}
	if out.AlertID != nil {
		resp["alert_id"] = *out.AlertID
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleBatch(c *gin.Context) {
	id := identityFrom(c)
	var req struct {
		Events []ingest.Submission `json:"events"`
	}
	if err := json.Unmarshal(bodyFrom(c), &req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_json", "invalid batch body", s.logger)
		return
	}
	if len(req.Events) == 0 {
		respondError(c, http.StatusBadRequest, "empty_batch", "events must not be empty", s.logger)
		return
	}
	if len(req.Events) > s.cfg.Ingest.MaxBatch {
		respondError(c, http.StatusRequestEntityTooLarge, "batch_too_large", "too many events in batch", s.logger)
		return
	}

	report, err := s.coordinator.IngestBatch(c.Request.Context(), id, req.Events)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) handlePolicy(c *gin.Context) {
	id := identityFrom(c)
	rules, err := s.cache.Get(c.Request.Context(), id.TenantID)
	if err != nil {
		s.fail(c, errors.Join(ingest.ErrRulesUnavailable, err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"tenant": id.TenantID, "rules": rules})
}

func (s *Server) handleConfig(c *gin.Context) {
	id := identityFrom(c)
	cfg, err := s.store.LatestAgentConfig(c.Request.Context(), id.ID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"config_version": cfg.ConfigVersion, "config": cfg.Config})
}
