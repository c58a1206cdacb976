package main

import (
	"crypto/subtle"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/haasonsaas/leakguard/pkg/auth"
	"github.com/haasonsaas/leakguard/pkg/config"
	"github.com/haasonsaas/leakguard/pkg/health"
	"github.com/haasonsaas/leakguard/pkg/ingest"
	"github.com/haasonsaas/leakguard/pkg/metrics"
	"github.com/haasonsaas/leakguard/pkg/policy"
	"github.com/haasonsaas/leakguard/pkg/queue"
	"github.com/haasonsaas/leakguard/pkg/store"
)

const (
	identityContextKey = "agent_identity"
	bodyContextKey     = "signed_body"
)

type Server struct {
	cfg           *config.ServerConfig
	store         *store.Store
	tokens        *auth.TokenIssuer
	hasher        auth.TokenHasher
	authenticator *auth.Authenticator
	enrollment    *auth.EnrollmentService
	cache         *policy.Cache
	coordinator   *ingest.Coordinator
	// queue is nil unless events are ingested asynchronously.
	queue         queue.Queue
	fileRules     bool
	registerLimit *RateLimiter
	health        *health.Checker
	logger        zerolog.Logger
	now           func() time.Time
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), withRequestContext(s.logger))

	r.GET("/healthz", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api/v1")
	api.POST("/agent/register", s.limitByIP(s.registerLimit), s.handleRegister)

	agent := api.Group("/agent", s.requireSignedAgent)
	agent.POST("/heartbeat", s.handleHeartbeat)
	agent.POST("/events", s.handleEvent)
	agent.POST("/events/batch", s.handleBatch)
	agent.GET("/policy", s.handlePolicy)
	agent.GET("/config", s.handleConfig)

	admin := api.Group("/admin", s.requireAdmin)
	admin.POST("/enrollment-tokens", s.handleIssueToken)
	admin.POST("/agents/:uuid/revoke", s.handleRevokeAgent)
	admin.PUT("/rules", s.handleReplaceRules)
	admin.GET("/audit", s.handleAudit)
	return r
}

// requireSignedAgent authenticates the signed envelope over the exact body bytes
// and leaves the identity and body on the context.
func (s *Server) requireSignedAgent(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.Server.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(c, http.StatusRequestEntityTooLarge, "body_too_large", "request body too large", s.logger)
			return
		}
		respondError(c, http.StatusBadRequest, "invalid_body", "failed to read body", s.logger)
		return
	}

	req := &auth.SignedRequest{
		BearerToken:     bearerToken(c.GetHeader(auth.HeaderAuthorization)),
		Signature:       c.GetHeader(auth.HeaderSignature),
		Timestamp:       c.GetHeader(auth.HeaderTimestamp),
		Nonce:           c.GetHeader(auth.HeaderNonce),
		ProtocolVersion: c.GetHeader(auth.HeaderProtocolVersion),
		Method:          c.Request.Method,
		Path:            c.Request.URL.Path,
		Body:            body,
	}
	identity, err := s.authenticator.Authenticate(c.Request.Context(), req)
	if err != nil {
		if aerr, ok := auth.AsError(err); ok {
			metrics.AuthFailures.WithLabelValues(aerr.Code).Inc()
		}
		s.fail(c, err)
		return
	}

	c.Set(identityContextKey, identity)
	c.Set(bodyContextKey, body)
	c.Next()
}

func (s *Server) requireAdmin(c *gin.Context) {
	if s.cfg.Server.AdminToken == "" {
		respondError(c, http.StatusServiceUnavailable, "admin_disabled", "admin API is not configured", s.logger)
		return
	}
	token := bearerToken(c.GetHeader(auth.HeaderAuthorization))
	if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.Server.AdminToken)) != 1 {
		respondError(c, http.StatusUnauthorized, "invalid_admin_token", "invalid admin token", s.logger)
		return
	}
	c.Next()
}

func (s *Server) handleHealth(c *gin.Context) {
	status := s.health.Check(c.Request.Context())
	code := http.StatusOK
	if !status.Healthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

func identityFrom(c *gin.Context) *auth.Identity {
	return c.MustGet(identityContextKey).(*auth.Identity)
}

func bodyFrom(c *gin.Context) []byte {
	return c.MustGet(bodyContextKey).([]byte)
}
