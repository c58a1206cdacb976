// Package agentclient is the Go client agents use to talk to a leakguard server.
package agentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/haasonsaas/leakguard/pkg/auth"
	"github.com/haasonsaas/leakguard/pkg/ingest"
	"github.com/haasonsaas/leakguard/pkg/policy"
	"github.com/haasonsaas/leakguard/pkg/retry"
)

const (
	DefaultProtocolVersion = "1.0"
	apiPrefix              = "/api/v1"
)

var ErrNotRegistered = errors.New("agent is not registered")

type Config struct {
	BaseURL         string
	ProtocolVersion string
	HTTPClient      *http.Client
	MaxRetries      int
	RetryInitial    time.Duration
	RetryMax        time.Duration
}

// Credentials are issued at registration and sign every later call.
type Credentials struct {
	AgentID      uint   `json:"agent_id"`
	AgentUUID    string `json:"agent_uuid"`
	JWT          string `json:"jwt"`
	SharedSecret string `json:"shared_secret"`
}

type RegisterRequest struct {
	AgentUUID           string `json:"agent_uuid"`
	Fingerprint         string `json:"fingerprint,omitempty"`
	Hostname            string `json:"hostname,omitempty"`
	IPAddress           string `json:"ip_address,omitempty"`
	Version             string `json:"version,omitempty"`
	Tenant              string `json:"tenant"`
	EnrollmentToken     string `json:"enrollment_token,omitempty"`
	EnrollmentPackage   string `json:"enrollment_package,omitempty"`
	EnrollmentSignature string `json:"enrollment_signature,omitempty"`
}

type EventResponse struct {
	Status   ingest.Status    `json:"status"`
	EventID  string           `json:"event_id"`
	Decision *policy.Decision `json:"decision,omitempty"`
}

type PolicyResponse struct {
	Tenant string        `json:"tenant"`
	Rules  []policy.Rule `json:"rules"`
}

type ConfigResponse struct {
	ConfigVersion int            `json:"config_version"`
	Config        map[string]any `json:"config"`
}

// APIError is a non-2xx response. Code is the server's stable reason code.
type APIError struct {
	Status    int    `json:"-"`
	Message   string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("leakguard: %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("leakguard: %d %s", e.Status, e.Message)
}

// Retryable reports whether a later attempt may succeed.
func (e *APIError) Retryable() bool {
	return e.Status >= 500 || e.Status == http.StatusTooManyRequests
}

type Client struct {
	cfg     Config
	http    *http.Client
	retrier *retry.Retrier
	logger  zerolog.Logger

	mu    sync.RWMutex
	creds *Credentials
}

func New(cfg Config, logger zerolog.Logger) *Client {
	if cfg.ProtocolVersion == "" {
		cfg.ProtocolVersion = DefaultProtocolVersion
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	logger = logger.With().Str("component", "agentclient").Logger()
	return &Client{
		cfg:     cfg,
		http:    cfg.HTTPClient,
		retrier: retry.New(cfg.RetryInitial, cfg.RetryMax, cfg.MaxRetries, logger),
		logger:  logger,
	}
}

// NewAgentUUID returns a fresh random agent identifier.
func NewAgentUUID() string {
	return uuid.NewString()
}

func (c *Client) SetCredentials(creds *Credentials) {
	c.mu.Lock()
	c.creds = creds
	c.mu.Unlock()
}

func (c *Client) Credentials() *Credentials {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.creds
}

// Register enrolls the agent and stores the returned credentials.
func (c *Client) Register(ctx context.Context, req RegisterRequest) (*Credentials, error) {
	if req.AgentUUID == "" {
		req.AgentUUID = NewAgentUUID()
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	var creds Credentials
	err = c.retrier.Do(ctx, func(ctx context.Context) error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+apiPrefix+"/agent/register", bytes.NewReader(body))
		if err != nil {
			return err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		return c.send(httpReq, &creds)
	}, isRetryable)
	if err != nil {
		return nil, err
	}
	c.SetCredentials(&creds)
	c.logger.Info().Str("agent_uuid", creds.AgentUUID).Uint("agent_id", creds.AgentID).Msg("registered")
	return &creds, nil
}

func (c *Client) Heartbeat(ctx context.Context, status string) error {
	creds := c.Credentials()
	if creds == nil {
		return ErrNotRegistered
	}
	payload := map[string]any{
		"agent_uuid": creds.AgentUUID,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
		"status":     status,
	}
	return c.signed(ctx, http.MethodPost, "/agent/heartbeat", payload, nil)
}

// SendEvent submits one event. A redelivery of the same event_id reports duplicate.
func (c *Client) SendEvent(ctx context.Context, sub ingest.Submission) (*EventResponse, error) {
	c.stamp(&sub)
	var out EventResponse
	if err := c.signed(ctx, http.MethodPost, "/agent/events", sub, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) SendBatch(ctx context.Context, subs []ingest.Submission) (*ingest.BatchReport, error) {
	for i := range subs {
		c.stamp(&subs[i])
	}
	var out ingest.BatchReport
	if err := c.signed(ctx, http.MethodPost, "/agent/events/batch", map[string]any{"events": subs}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) FetchPolicy(ctx context.Context) (*PolicyResponse, error) {
	var out PolicyResponse
	if err := c.signed(ctx, http.MethodGet, "/agent/policy", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) FetchConfig(ctx context.Context) (*ConfigResponse, error) {
	var out ConfigResponse
	if err := c.signed(ctx, http.MethodGet, "/agent/config", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) stamp(sub *ingest.Submission) {
	if sub.EventID == "" {
		sub.EventID = uuid.NewString()
	}
	if creds := c.Credentials(); creds != nil && sub.AgentUUID == "" {
		sub.AgentUUID = creds.AgentUUID
	}
	if sub.Timestamp == "" {
		sub.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
}

// signed sends a signed envelope. Every attempt is signed again with a fresh nonce
// so a retry is never mistaken for a replay.
func (c *Client) signed(ctx context.Context, method, route string, payload any, out any) error {
	creds := c.Credentials()
	if creds == nil {
		return ErrNotRegistered
	}
	var body []byte
	if payload != nil {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return err
		}
	}
	path := apiPrefix + route
	return c.retrier.Do(ctx, func(ctx context.Context) error {
		sr, err := auth.NewSignedRequest(creds.SharedSecret, creds.JWT, c.cfg.ProtocolVersion, method, path, body)
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bytes.NewReader(body))
		if err != nil {
			return err
		}
		SetSignedHeaders(req, sr)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		return c.send(req, out)
	}, isRetryable)
}

// SetSignedHeaders copies a signed envelope onto an outgoing request.
func SetSignedHeaders(req *http.Request, sr *auth.SignedRequest) {
	req.Header.Set(auth.HeaderAuthorization, "Bearer "+sr.BearerToken)
	req.Header.Set(auth.HeaderSignature, sr.Signature)
	req.Header.Set(auth.HeaderTimestamp, sr.Timestamp)
	req.Header.Set(auth.HeaderNonce, sr.Nonce)
	req.Header.Set(auth.HeaderProtocolVersion, sr.ProtocolVersion)
}

func (c *Client) send(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(data))
			if apiErr.Message == "" {
				apiErr.Message = http.StatusText(resp.StatusCode)
			}
		}
		return apiErr
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

// isRetryable treats network errors, 5xx and 429 as transient. Auth, validation and
// enrollment failures are terminal.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
