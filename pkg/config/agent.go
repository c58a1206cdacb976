package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// AgentConfig configures the reference endpoint agent.
type AgentConfig struct {
	Server    AgentServerConfig `yaml:"server" toml:"server"`
	Identity  IdentityConfig    `yaml:"identity" toml:"identity"`
	Watch     WatchConfig       `yaml:"watch" toml:"watch"`
	Heartbeat HeartbeatConfig   `yaml:"heartbeat" toml:"heartbeat"`
	Logging   LoggingConfig     `yaml:"logging" toml:"logging"`
}

type AgentServerConfig struct {
	URL             string `yaml:"url" toml:"url"`
	Tenant          string `yaml:"tenant" toml:"tenant"`
	EnrollToken     string `yaml:"enroll_token" toml:"enroll_token"`
	EnrollPackage   string `yaml:"enroll_package" toml:"enroll_package"`
	EnrollSignature string `yaml:"enroll_signature" toml:"enroll_signature"`
	RequestTimeout  int    `yaml:"request_timeout_s" toml:"request_timeout_s"`
	MaxRetries      int    `yaml:"max_retries" toml:"max_retries"`
	RetryInitialMs  int    `yaml:"retry_initial_ms" toml:"retry_initial_ms"`
	RetryMaxMs      int    `yaml:"retry_max_ms" toml:"retry_max_ms"`
}

type IdentityConfig struct {
	// CredentialsPath holds the registration response; written 0600.
	CredentialsPath string `yaml:"credentials_path" toml:"credentials_path"`
	AgentUUID       string `yaml:"agent_uuid" toml:"agent_uuid"`
}

type WatchConfig struct {
	Paths []string `yaml:"paths" toml:"paths"`
	// RemovablePrefixes mark events under these paths as USB copies.
	RemovablePrefixes []string `yaml:"removable_prefixes" toml:"removable_prefixes"`
	MaxContentBytes   int      `yaml:"max_content_bytes" toml:"max_content_bytes"`
}

type HeartbeatConfig struct {
	Interval int `yaml:"interval_s" toml:"interval_s"`
	Jitter   int `yaml:"jitter_s" toml:"jitter_s"`
}

func DefaultAgentConfig() *AgentConfig {
	return &AgentConfig{
		Server: AgentServerConfig{
			URL:            "http://localhost:8080",
			RequestTimeout: 15,
			MaxRetries:     3,
			RetryInitialMs: 500,
			RetryMaxMs:     5000,
		},
		Identity: IdentityConfig{
			CredentialsPath: "/etc/leakguard/agent.json",
		},
		Watch: WatchConfig{
			MaxContentBytes: 64 << 10,
		},
		Heartbeat: HeartbeatConfig{
			Interval: 60,
			Jitter:   10,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// LoadAgent reads a YAML or TOML agent config. LEAKGUARD_AGENT_SERVER and
// LEAKGUARD_AGENT_ENROLL_TOKEN override the file.
func LoadAgent(path string) (*AgentConfig, error) {
	cfg := DefaultAgentConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, err
		}
		if err == nil {
			if err := decodeAgent(path, data, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		}
	}
	if v := os.Getenv("LEAKGUARD_AGENT_SERVER"); v != "" {
		cfg.Server.URL = v
	}
	if v := os.Getenv("LEAKGUARD_AGENT_ENROLL_TOKEN"); v != "" {
		cfg.Server.EnrollToken = v
	}
	return cfg, nil
}

func decodeAgent(path string, data []byte, cfg *AgentConfig) error {
	if isTOML(path) {
		return decodeTOML(data, cfg)
	}
	return yaml.Unmarshal(data, cfg)
}

func (c *AgentConfig) Validate() error {
	u, err := url.Parse(c.Server.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ErrInvalidServerURL
	}
	if c.Server.Tenant == "" {
		return &Error{"server.tenant is required"}
	}
	if c.Identity.CredentialsPath == "" {
		return &Error{"identity.credentials_path is required"}
	}
	if c.Heartbeat.Interval < 5 {
		return &Error{"heartbeat.interval_s must be at least 5"}
	}
	if c.Heartbeat.Jitter < 0 || c.Heartbeat.Jitter >= c.Heartbeat.Interval {
		return &Error{"heartbeat.jitter_s must be non-negative and below the interval"}
	}
	if c.Watch.MaxContentBytes < 0 {
		return &Error{"watch.max_content_bytes must not be negative"}
	}
	return nil
}

func (s AgentServerConfig) Timeout() time.Duration {
	return time.Duration(s.RequestTimeout) * time.Second
}

var ErrInvalidServerURL = &Error{"server.url must be an absolute URL"}
