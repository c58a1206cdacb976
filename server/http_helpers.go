package main

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/xid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/leakguard/pkg/auth"
	"github.com/haasonsaas/leakguard/pkg/ingest"
	"github.com/haasonsaas/leakguard/pkg/metrics"
	"github.com/haasonsaas/leakguard/pkg/telemetry"
)

const (
	requestIDContextKey     = "request_id"
	requestLoggerContextKey = "request_logger"
	requestIDHeader         = "X-Request-ID"
)

func withRequestContext(base zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		reqID := c.GetHeader(requestIDHeader)
		if reqID == "" {
			reqID = xid.New().String()
		}
		c.Set(requestIDContextKey, reqID)
		c.Writer.Header().Set(requestIDHeader, reqID)

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		logger := base.With().Str("request_id", reqID).Str("method", c.Request.Method).Str("path", route).Logger()
		c.Set(requestLoggerContextKey, logger)

		ctx := otel.GetTextMapPropagator().Extract(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		ctx, span := telemetry.Tracer().Start(ctx, c.Request.Method+" "+route, trace.WithSpanKind(trace.SpanKindServer))
		span.SetAttributes(
			attribute.String("http.method", c.Request.Method),
			attribute.String("http.route", route),
			attribute.String("request.id", reqID),
		)
		c.Request = c.Request.WithContext(logger.WithContext(ctx))

		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(attribute.Int("http.status_code", status))
		if status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(status))
		}
		span.End()
		metrics.RequestDuration.WithLabelValues(route, strconv.Itoa(status)).Observe(time.Since(start).Seconds())
	}
}

func requestLogger(c *gin.Context, fallback zerolog.Logger) zerolog.Logger {
	if value, ok := c.Get(requestLoggerContextKey); ok {
		if logger, ok := value.(zerolog.Logger); ok {
			return logger
		}
	}
	return fallback
}

func requestID(c *gin.Context) string {
	if value, ok := c.Get(requestIDContextKey); ok {
		if id, ok := value.(string); ok {
			return id
		}
	}
	return ""
}

func respondError(c *gin.Context, status int, code, message string, fallback zerolog.Logger) {
	logger := requestLogger(c, fallback)
	entry := logger.Warn()
	if status >= http.StatusInternalServerError {
		entry = logger.Error()
	}
	entry.Int("status", status).Str("code", code).Msg(message)
	if span := trace.SpanFromContext(c.Request.Context()); span.IsRecording() {
		span.AddEvent("http.error", trace.WithAttributes(
			attribute.Int("http.status_code", status),
			attribute.String("error.code", code),
		))
		if status >= http.StatusInternalServerError {
			span.RecordError(errors.New(message))
		}
	}

	c.AbortWithStatusJSON(status, gin.H{
		"error":      message,
		"code":       code,
		"request_id": requestID(c),
	})
}

// statusFor maps core errors onto HTTP. Unknown errors are internal.
func statusFor(err error) (int, string, string) {
	if aerr, ok := auth.AsError(err); ok {
		switch {
		case aerr.Code == auth.ErrReplayDetected.Code:
			return http.StatusConflict, aerr.Code, aerr.Message
		case aerr.Code == auth.ErrTenantUnknown.Code:
			return http.StatusNotFound, aerr.Code, aerr.Message
		case aerr.Kind == auth.KindValidation:
			return http.StatusBadRequest, aerr.Code, aerr.Message
		default:
			return http.StatusUnauthorized, aerr.Code, aerr.Message
		}
	}
	switch {
	case errors.Is(err, ingest.ErrMissingEventID), errors.Is(err, ingest.ErrMissingAgentUUID):
		return http.StatusBadRequest, "invalid_event", err.Error()
	case errors.Is(err, ingest.ErrAgentMismatch):
		return http.StatusBadRequest, "agent_mismatch", err.Error()
	case errors.Is(err, ingest.ErrRulesUnavailable):
		return http.StatusServiceUnavailable, "rules_unavailable", "policy rules unavailable"
	}
	return http.StatusInternalServerError, "internal_error", "internal error"
}

func (s *Server) fail(c *gin.Context, err error) {
	status, code, message := statusFor(err)
	if status == http.StatusInternalServerError {
		logger := requestLogger(c, s.logger)
		logger.Error().Err(err).Msg("request failed")
	}
	respondError(c, status, code, message, s.logger)
}
