package main

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/haasonsaas/leakguard/pkg/auth"
	"github.com/haasonsaas/leakguard/pkg/policy"
	"github.com/haasonsaas/leakguard/pkg/store"
)

type issueTokenRequest struct {
	Tenant           string `json:"tenant"`
	Label            string `json:"label"`
	AgentUUID        string `json:"agent_uuid"`
	ExpiresInSeconds int64  `json:"expires_in_seconds"`
}

// handleIssueToken returns the plaintext token exactly once; only its salted hash is stored.
func (s *Server) handleIssueToken(c *gin.Context) {
	var req issueTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_json", "invalid request body", s.logger)
		return
	}
	if req.AgentUUID != "" {
		if _, err := uuid.Parse(req.AgentUUID); err != nil {
			respondError(c, http.StatusBadRequest, "invalid_agent_uuid", "agent_uuid must be a UUID", s.logger)
			return
		}
	}
	ctx := c.Request.Context()
	if !s.tenantExists(c, req.Tenant) {
		return
	}

	ttl := s.cfg.Auth.EnrollmentTokenTTLDuration()
	if req.ExpiresInSeconds > 0 {
		ttl = time.Duration(req.ExpiresInSeconds) * time.Second
	}
	raw, err := auth.GenerateEnrollmentToken()
	if err != nil {
		s.fail(c, err)
		return
	}
	record := store.EnrollmentToken{
		TenantID:  req.Tenant,
		Label:     req.Label,
		TokenHash: s.hasher.Hash(raw),
		AgentUUID: req.AgentUUID,
		ExpiresAt: s.now().UTC().Add(ttl),
	}
	if err := s.store.CreateEnrollmentToken(ctx, &record); err != nil {
		s.fail(c, err)
		return
	}
	if err := s.store.Audit(ctx, req.Tenant, "token_issue", map[string]any{
		"token_id":   record.ID,
		"label":      record.Label,
		"agent_uuid": record.AgentUUID,
	}); err != nil {
		logger := requestLogger(c, s.logger)
		logger.Warn().Err(err).Msg("audit write failed")
	}

	c.JSON(http.StatusCreated, gin.H{
		"id":         record.ID,
		"token":      raw,
		"tenant":     record.TenantID,
		"agent_uuid": record.AgentUUID,
		"expires_at": record.ExpiresAt,
	})
}

func (s *Server) handleRevokeAgent(c *gin.Context) {
	ctx := c.Request.Context()
	agentUUID := c.Param("uuid")
	agent, err := s.store.Agent(ctx, agentUUID)
	if errors.Is(err, auth.ErrNotFound) {
		respondError(c, http.StatusNotFound, "unknown_agent", "agent not found", s.logger)
		return
	}
	if err != nil {
		s.fail(c, err)
		return
	}
	if err := s.store.RevokeAgent(ctx, agentUUID); err != nil {
		s.fail(c, err)
		return
	}
	if err := s.store.Audit(ctx, agent.TenantID, "agent_revoke", map[string]any{"agent_uuid": agentUUID}); err != nil {
		logger := requestLogger(c, s.logger)
		logger.Warn().Err(err).Msg("audit write failed")
	}
	c.Status(http.StatusNoContent)
}

// handleReplaceRules imports a rule-set document (YAML or JSON) and invalidates the
// tenant's cached rules.
func (s *Server) handleReplaceRules(c *gin.Context) {
	if s.fileRules {
		respondError(c, http.StatusConflict, "rules_file_managed", "rules are served from files", s.logger)
		return
	}
	data, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.Server.MaxBodyBytes))
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid_body", "failed to read body", s.logger)
		return
	}
	doc, err := policy.Parse(data)
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid_rules", err.Error(), s.logger)
		return
	}
	if !s.tenantExists(c, doc.Tenant) {
		return
	}

	ctx := c.Request.Context()
	if err := s.store.ReplaceRules(ctx, doc.Tenant, doc.Rules); err != nil {
		s.fail(c, err)
		return
	}
	s.cache.Invalidate(doc.Tenant)
	if err := s.store.Audit(ctx, doc.Tenant, "rules_replace", map[string]any{"rules": len(doc.Rules)}); err != nil {
		logger := requestLogger(c, s.logger)
		logger.Warn().Err(err).Msg("audit write failed")
	}
	c.JSON(http.StatusOK, gin.H{"tenant": doc.Tenant, "rules": len(doc.Rules)})
}

func (s *Server) handleAudit(c *gin.Context) {
	tenant := c.Query("tenant")
	if tenant == "" {
		respondError(c, http.StatusBadRequest, "missing_tenant", "tenant is required", s.logger)
		return
	}
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 1000 {
			respondError(c, http.StatusBadRequest, "invalid_limit", "limit must be between 1 and 1000", s.logger)
			return
		}
		limit = n
	}
	logs, err := s.store.AuditLogs(c.Request.Context(), tenant, limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, logs)
}

// tenantExists responds 404 and returns false when the tenant is unknown.
func (s *Server) tenantExists(c *gin.Context, tenantID string) bool {
	if tenantID == "" {
		respondError(c, http.StatusBadRequest, "missing_tenant", "tenant is required", s.logger)
		return false
	}
	_, err := s.store.Tenant(c.Request.Context(), tenantID)
	if errors.Is(err, auth.ErrNotFound) {
		s.fail(c, auth.ErrTenantUnknown)
		return false
	}
	if err != nil {
		s.fail(c, err)
		return false
	}
	return true
}
