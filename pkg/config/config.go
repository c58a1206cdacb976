package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

const minSecretLen = 24

type ServerConfig struct {
	Server   HTTPConfig     `yaml:"server" toml:"server"`
	Database DatabaseConfig `yaml:"database" toml:"database"`
	Redis    RedisConfig    `yaml:"redis" toml:"redis"`
	Auth     AuthConfig     `yaml:"auth" toml:"auth"`
	Policy   PolicyConfig   `yaml:"policy" toml:"policy"`
	Ingest   IngestConfig   `yaml:"ingest" toml:"ingest"`
	Alerts   AlertsConfig   `yaml:"alerts" toml:"alerts"`
	Tenants  []TenantConfig `yaml:"tenants" toml:"tenants"`
	Logging  LoggingConfig  `yaml:"logging" toml:"logging"`
	Tracing  TracingConfig  `yaml:"tracing" toml:"tracing"`
}

type HTTPConfig struct {
	Listen        string `yaml:"listen" toml:"listen"`
	AdminToken    string `yaml:"admin_token" toml:"admin_token"`
	MaxBodyBytes  int64  `yaml:"max_body_bytes" toml:"max_body_bytes"`
	RegisterPerS  int    `yaml:"register_rate_per_s" toml:"register_rate_per_s"`
	RegisterBurst int    `yaml:"register_burst" toml:"register_burst"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver" toml:"driver"`
	DSN    string `yaml:"dsn" toml:"dsn"`
}

type RedisConfig struct {
	URL string `yaml:"url" toml:"url"`
}

type AuthConfig struct {
	JWTSecret           string   `yaml:"jwt_secret" toml:"jwt_secret"`
	Issuer              string   `yaml:"issuer" toml:"issuer"`
	AgentAudience       string   `yaml:"agent_audience" toml:"agent_audience"`
	AgentTokenTTL       int      `yaml:"agent_token_ttl_s" toml:"agent_token_ttl_s"`
	Skew                int      `yaml:"skew_s" toml:"skew_s"`
	ProtocolVersions    []string `yaml:"protocol_versions" toml:"protocol_versions"`
	EnrollmentSecret    string   `yaml:"enrollment_secret" toml:"enrollment_secret"`
	TokenHashSalt       string   `yaml:"token_hash_salt" toml:"token_hash_salt"`
	EnrollmentTokenTTL  int      `yaml:"enrollment_token_ttl_s" toml:"enrollment_token_ttl_s"`
	NonceBackend        string   `yaml:"nonce_backend" toml:"nonce_backend"`
	NoncePruneFrequency int      `yaml:"nonce_prune_s" toml:"nonce_prune_s"`
}

type PolicyConfig struct {
	CacheTTL int `yaml:"cache_ttl_s" toml:"cache_ttl_s"`
	// Source is "database" (rules files are imported at startup) or "file" (served directly).
	Source    string `yaml:"source" toml:"source"`
	RulesPath string `yaml:"rules_path" toml:"rules_path"`
	Watch     bool   `yaml:"watch" toml:"watch"`
}

type IngestConfig struct {
	Async         bool   `yaml:"async" toml:"async"`
	QueueBackend  string `yaml:"queue_backend" toml:"queue_backend"`
	QueueName     string `yaml:"queue_name" toml:"queue_name"`
	QueueCapacity int    `yaml:"queue_capacity" toml:"queue_capacity"`
	Workers       int    `yaml:"workers" toml:"workers"`
	MaxAttempts   int    `yaml:"max_attempts" toml:"max_attempts"`
	MaxBatch      int    `yaml:"max_batch" toml:"max_batch"`
}

type AlertsConfig struct {
	Enabled        bool   `yaml:"enabled" toml:"enabled"`
	SyslogAddr     string `yaml:"syslog_addr" toml:"syslog_addr"`
	TimeoutS       int    `yaml:"timeout_s" toml:"timeout_s"`
	Buffer         int    `yaml:"buffer" toml:"buffer"`
	Workers        int    `yaml:"workers" toml:"workers"`
	MaxRetries     int    `yaml:"max_retries" toml:"max_retries"`
	RetryInitialMs int    `yaml:"retry_initial_ms" toml:"retry_initial_ms"`
	RetryMaxMs     int    `yaml:"retry_max_ms" toml:"retry_max_ms"`
}

// TenantConfig seeds a tenant at startup. EnrollmentSecret overrides auth.enrollment_secret.
type TenantConfig struct {
	ID               string `yaml:"id" toml:"id"`
	Name             string `yaml:"name" toml:"name"`
	EnrollmentSecret string `yaml:"enrollment_secret" toml:"enrollment_secret"`
}

type LoggingConfig struct {
	Level string `yaml:"level" toml:"level"`
	JSON  bool   `yaml:"json" toml:"json"`
}

type TracingConfig struct {
	Endpoint    string  `yaml:"endpoint" toml:"endpoint"`
	Insecure    bool    `yaml:"insecure" toml:"insecure"`
	SampleRatio float64 `yaml:"sample_ratio" toml:"sample_ratio"`
	LogSpans    bool    `yaml:"log_spans" toml:"log_spans"`
}

// DefaultConfig returns a config with sensible defaults. Secrets have no default.
func DefaultConfig() *ServerConfig {
	return &ServerConfig{
		Server: HTTPConfig{
			Listen:        ":8080",
			MaxBodyBytes:  1 << 20,
			RegisterPerS:  1,
			RegisterBurst: 5,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "leakguard.db",
		},
		Auth: AuthConfig{
			Issuer:              "leakguard",
			AgentAudience:       "leakguard-agent",
			AgentTokenTTL:       86400,
			Skew:                60,
			ProtocolVersions:    []string{"1.0"},
			EnrollmentTokenTTL:  86400,
			NonceBackend:        "sql",
			NoncePruneFrequency: 60,
		},
		Policy: PolicyConfig{
			CacheTTL: 60,
			Source:   "database",
		},
		Ingest: IngestConfig{
			QueueBackend:  "memory",
			QueueName:     "leakguard:events",
			QueueCapacity: 4096,
			Workers:       4,
			MaxAttempts:   5,
			MaxBatch:      500,
		},
		Alerts: AlertsConfig{
			TimeoutS:       2,
			Buffer:         256,
			Workers:        2,
			MaxRetries:     3,
			RetryInitialMs: 200,
			RetryMaxMs:     2000,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Tracing: TracingConfig{
			SampleRatio: 1,
		},
	}
}

// Load reads config from a YAML or TOML file (by extension), then applies
// LEAKGUARD_* environment overrides. A missing file yields the defaults.
func Load(path string) (*ServerConfig, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, err
		}
		if err == nil {
			if err := decode(path, data, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func decode(path string, data []byte, cfg *ServerConfig) error {
	if isTOML(path) {
		return decodeTOML(data, cfg)
	}
	return yaml.Unmarshal(data, cfg)
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

func decodeTOML(data []byte, v any) error {
	return toml.Unmarshal(data, v)
}

func applyEnv(cfg *ServerConfig) {
	overrides := map[string]*string{
		"LEAKGUARD_LISTEN":            &cfg.Server.Listen,
		"LEAKGUARD_ADMIN_TOKEN":       &cfg.Server.AdminToken,
		"LEAKGUARD_DATABASE_DRIVER":   &cfg.Database.Driver,
		"LEAKGUARD_DATABASE_DSN":      &cfg.Database.DSN,
		"LEAKGUARD_REDIS_URL":         &cfg.Redis.URL,
		"LEAKGUARD_JWT_SECRET":        &cfg.Auth.JWTSecret,
		"LEAKGUARD_ENROLLMENT_SECRET": &cfg.Auth.EnrollmentSecret,
		"LEAKGUARD_TOKEN_HASH_SALT":   &cfg.Auth.TokenHashSalt,
		"LEAKGUARD_RULES_PATH":        &cfg.Policy.RulesPath,
		"LEAKGUARD_SYSLOG_ADDR":       &cfg.Alerts.SyslogAddr,
		"LEAKGUARD_LOG_LEVEL":         &cfg.Logging.Level,
		"LEAKGUARD_TRACING_ENDPOINT":  &cfg.Tracing.Endpoint,
	}
	for key, dst := range overrides {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
}

func (c *ServerConfig) Validate() error {
	if c.Server.Listen == "" {
		return &Error{"server.listen is required"}
	}
	if len(c.Auth.JWTSecret) < minSecretLen {
		return ErrWeakJWTSecret
	}
	if len(c.Auth.EnrollmentSecret) < minSecretLen {
		return ErrWeakEnrollmentSecret
	}
	if len(c.Auth.TokenHashSalt) < minSecretLen {
		return ErrWeakTokenSalt
	}
	if c.Auth.Skew <= 0 {
		return &Error{"auth.skew_s must be positive"}
	}
	if len(c.Auth.ProtocolVersions) == 0 {
		return &Error{"auth.protocol_versions must list at least one version"}
	}
	if c.Auth.AgentTokenTTL <= 0 {
		return &Error{"auth.agent_token_ttl_s must be positive"}
	}
	if c.Policy.CacheTTL <= 0 {
		return &Error{"policy.cache_ttl_s must be positive"}
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return &Error{fmt.Sprintf("database.driver %q is not supported", c.Database.Driver)}
	}
	if c.Database.DSN == "" {
		return &Error{"database.dsn is required"}
	}
	switch c.Auth.NonceBackend {
	case "sql":
	case "redis":
		if c.Redis.URL == "" {
			return &Error{"redis.url is required for the redis nonce backend"}
		}
	default:
		return &Error{fmt.Sprintf("auth.nonce_backend %q is not supported", c.Auth.NonceBackend)}
	}
	switch c.Policy.Source {
	case "database":
	case "file":
		if c.Policy.RulesPath == "" {
			return &Error{"policy.rules_path is required when policy.source is file"}
		}
	default:
		return &Error{fmt.Sprintf("policy.source %q is not supported", c.Policy.Source)}
	}
	if c.Ingest.Async {
		switch c.Ingest.QueueBackend {
		case "memory":
		case "redis":
			if c.Redis.URL == "" {
				return &Error{"redis.url is required for the redis queue backend"}
			}
		default:
			return &Error{fmt.Sprintf("ingest.queue_backend %q is not supported", c.Ingest.QueueBackend)}
		}
	}
	if c.Alerts.Enabled {
		if _, _, err := net.SplitHostPort(c.Alerts.SyslogAddr); err != nil {
			return &Error{"alerts.syslog_addr must be host:port"}
		}
	}
	for _, t := range c.Tenants {
		if t.ID == "" {
			return &Error{"tenants[].id is required"}
		}
		if t.EnrollmentSecret != "" && len(t.EnrollmentSecret) < minSecretLen {
			return &Error{fmt.Sprintf("tenant %s enrollment_secret is too short", t.ID)}
		}
	}
	if c.Server.MaxBodyBytes <= 0 {
		c.Server.MaxBodyBytes = 1 << 20
	}
	if c.Ingest.MaxBatch <= 0 {
		c.Ingest.MaxBatch = 500
	}
	if c.Tracing.SampleRatio <= 0 || c.Tracing.SampleRatio > 1 {
		c.Tracing.SampleRatio = 1
	}
	return nil
}

// EnrollmentSecretFor returns the package signing secret for a tenant.
func (c *ServerConfig) EnrollmentSecretFor(tenantID string) string {
	for _, t := range c.Tenants {
		if t.ID == tenantID && t.EnrollmentSecret != "" {
			return t.EnrollmentSecret
		}
	}
	return c.Auth.EnrollmentSecret
}

func (a AuthConfig) SkewDuration() time.Duration { return time.Duration(a.Skew) * time.Second }

func (a AuthConfig) AgentTokenTTLDuration() time.Duration {
	return time.Duration(a.AgentTokenTTL) * time.Second
}

func (a AuthConfig) EnrollmentTokenTTLDuration() time.Duration {
	return time.Duration(a.EnrollmentTokenTTL) * time.Second
}

func (p PolicyConfig) CacheTTLDuration() time.Duration {
	return time.Duration(p.CacheTTL) * time.Second
}

var (
	ErrWeakJWTSecret        = &Error{fmt.Sprintf("auth.jwt_secret must be at least %d characters", minSecretLen)}
	ErrWeakEnrollmentSecret = &Error{fmt.Sprintf("auth.enrollment_secret must be at least %d characters", minSecretLen)}
	ErrWeakTokenSalt        = &Error{fmt.Sprintf("auth.token_hash_salt must be at least %d characters", minSecretLen)}
)

type Error struct {
	Message string
}

func (e *Error) Error() string {
	return e.Message
}
