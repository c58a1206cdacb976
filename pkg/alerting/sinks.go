// Package alerting delivers raised alerts to external consumers.
package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/haasonsaas/leakguard/pkg/ingest"
)

// Record is the JSON document sent to SIEM collectors.
type Record struct {
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
	ingest.Notification
}

func newRecord(n ingest.Notification, now time.Time) Record {
	return Record{Source: "leakguard", Timestamp: now.UTC(), Notification: n}
}

// SyslogSink writes one JSON datagram per alert to a UDP collector.
type SyslogSink struct {
	addr    string
	timeout time.Duration
	now     func() time.Time
}

func NewSyslogSink(addr string, timeout time.Duration) *SyslogSink {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &SyslogSink{addr: addr, timeout: timeout, now: time.Now}
}

func (s *SyslogSink) Notify(ctx context.Context, n ingest.Notification) error {
	payload, err := json.Marshal(newRecord(n, s.now()))
	if err != nil {
		return err
	}
	d := net.Dialer{Timeout: s.timeout}
	conn, err := d.DialContext(ctx, "udp", s.addr)
	if err != nil {
		return fmt.Errorf("dial syslog %s: %w", s.addr, err)
	}
	defer conn.Close()
	if err := conn.SetWriteDeadline(time.Now().Add(s.timeout)); err != nil {
		return err
	}
	if _, err := conn.Write(payload); err != nil {
		return fmt.Errorf("write syslog %s: %w", s.addr, err)
	}
	return nil
}

// LogSink records alerts in the service log when no collector is configured.
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "alerts").Logger()}
}

func (s *LogSink) Notify(_ context.Context, n ingest.Notification) error {
	s.logger.Warn().
		Str("tenant_id", n.TenantID).
		Str("agent_uuid", n.AgentUUID).
		Str("event_id", n.EventID).
		Str("decision", string(n.Decision)).
		Str("severity", n.Severity).
		Bool("escalated", n.Escalated).
		Int("findings", len(n.Findings)).
		Msg("alert raised")
	return nil
}
