package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/haasonsaas/leakguard/pkg/auth"
	"github.com/haasonsaas/leakguard/pkg/ingest"
)

func TestWithRequestContextSetsID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(withRequestContext(zerolog.Nop()))
	r.GET("/ping", func(c *gin.Context) {
		require.NotEmpty(t, requestID(c))
		c.Status(http.StatusOK)
	})

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/ping", nil))

	require.Equal(t, http.StatusOK, resp.Code)
	require.NotEmpty(t, resp.Header().Get(requestIDHeader))
}

func TestWithRequestContextKeepsCallerID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(withRequestContext(zerolog.Nop()))
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(requestIDHeader, "caller-123")
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	require.Equal(t, "caller-123", resp.Header().Get(requestIDHeader))
}

func TestRespondErrorIncludesRequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(withRequestContext(zerolog.Nop()))
	r.GET("/fail", func(c *gin.Context) {
		respondError(c, http.StatusBadRequest, "boom", "it broke", zerolog.Nop())
	})

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/fail", nil))

	require.Equal(t, http.StatusBadRequest, resp.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	require.Equal(t, "boom", body["code"])
	require.Equal(t, "it broke", body["error"])
	require.Equal(t, resp.Header().Get(requestIDHeader), body["request_id"])
}

func TestWithRequestContextRecordsSpan(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := tracetest.NewSpanRecorder()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))

	r := gin.New()
	r.Use(withRequestContext(zerolog.Nop()))
	r.GET("/explode", func(c *gin.Context) {
		respondError(c, http.StatusInternalServerError, "internal_error", "internal error", zerolog.Nop())
	})
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/explode", nil))

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	span := spans[0]
	require.Equal(t, "GET /explode", span.Name())
	require.Equal(t, codes.Error, span.Status().Code)
	var names []string
	for _, ev := range span.Events() {
		names = append(names, ev.Name)
	}
	require.Contains(t, names, "http.error")
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{auth.ErrReplayDetected, http.StatusConflict, "replay_detected"},
		{auth.ErrTenantUnknown, http.StatusNotFound, "tenant_unknown"},
		{auth.ErrTimestampSkew, http.StatusBadRequest, "timestamp_skew"},
		{auth.ErrMissingHeaders, http.StatusBadRequest, "missing_headers"},
		{auth.ErrBadSignature, http.StatusUnauthorized, "bad_signature"},
		{auth.ErrAgentRevoked, http.StatusUnauthorized, "agent_revoked"},
		{auth.ErrTokenUsed, http.StatusUnauthorized, "token_used"},
		{fmt.Errorf("verify: %w", auth.ErrTokenExpired), http.StatusUnauthorized, "token_expired"},
		{ingest.ErrMissingEventID, http.StatusBadRequest, "invalid_event"},
		{ingest.ErrMissingAgentUUID, http.StatusBadRequest, "invalid_event"},
		{ingest.ErrAgentMismatch, http.StatusBadRequest, "agent_mismatch"},
		{errors.Join(ingest.ErrRulesUnavailable, errors.New("db down")), http.StatusServiceUnavailable, "rules_unavailable"},
		{errors.New("disk full"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			status, code, _ := statusFor(tt.err)
			require.Equal(t, tt.status, status)
			require.Equal(t, tt.code, code)
		})
	}
}

func TestStatusForHidesInternalDetail(t *testing.T) {
	_, _, message := statusFor(errors.New("pq: password authentication failed"))
	require.Equal(t, "internal error", message)
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(1, 2)
	require.True(t, rl.Allow("10.0.0.1"))
	require.True(t, rl.Allow("10.0.0.1"))
	require.False(t, rl.Allow("10.0.0.1"))
	require.True(t, rl.Allow("10.0.0.2"))
	require.Equal(t, 2, rl.Keys())

	unlimited := NewRateLimiter(0, 0)
	for i := 0; i < 50; i++ {
		require.True(t, unlimited.Allow("10.0.0.1"))
	}
}
