package main

import (
	"context"
	"errors"
	"flag"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/haasonsaas/leakguard/pkg/agentclient"
	"github.com/haasonsaas/leakguard/pkg/config"
)

var (
	configPath  = flag.String("config", "/etc/leakguard/agent.yaml", "Config file path")
	serverURL   = flag.String("server", "", "leakguard server URL (overrides config)")
	enrollToken = flag.String("enroll", "", "One-time enrollment token")
	Version     = "dev"
)

type Agent struct {
	cfg      *config.AgentConfig
	client   *agentclient.Client
	logger   zerolog.Logger
	hostname string
	interval time.Duration
}

func main() {
	flag.Parse()

	configureAgentLogger()
	log.Info().Str("version", Version).Msg("leakguard agent starting")

	cfg, err := config.LoadAgent(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if *serverURL != "" {
		cfg.Server.URL = *serverURL
	}
	if *enrollToken != "" {
		cfg.Server.EnrollToken = *enrollToken
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}
	applyAgentLogging(cfg.Logging)

	hostname, _ := os.Hostname()
	agent := &Agent{
		cfg: cfg,
		client: agentclient.New(agentclient.Config{
			BaseURL:      cfg.Server.URL,
			HTTPClient:   &http.Client{Timeout: cfg.Server.Timeout()},
			MaxRetries:   cfg.Server.MaxRetries,
			RetryInitial: time.Duration(cfg.Server.RetryInitialMs) * time.Millisecond,
			RetryMax:     time.Duration(cfg.Server.RetryMaxMs) * time.Millisecond,
		}, log.Logger),
		logger:   log.Logger,
		hostname: hostname,
		interval: time.Duration(cfg.Heartbeat.Interval) * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := agent.loadOrEnroll(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to initialize identity")
	}
	agent.syncRemoteConfig(ctx)

	if len(cfg.Watch.Paths) > 0 {
		w := newWatcher(agent.client, cfg.Watch, agent.logger)
		go func() {
			if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("file watcher stopped")
			}
		}()
	}

	agent.heartbeatLoop(ctx)
	_ = agent.client.Heartbeat(context.Background(), "offline")
	log.Info().Msg("leakguard agent stopped")
}

// syncRemoteConfig adopts the server's scan interval and logs the active policy size.
func (a *Agent) syncRemoteConfig(ctx context.Context) {
	remote, err := a.client.FetchConfig(ctx)
	if err != nil {
		a.logger.Warn().Err(err).Msg("config fetch failed; using local settings")
	} else if v, ok := remote.Config["scan_interval"].(float64); ok && v >= 5 {
		a.interval = time.Duration(v) * time.Second
		a.logger.Info().Int("config_version", remote.ConfigVersion).Dur("interval", a.interval).Msg("remote config applied")
	}

	pol, err := a.client.FetchPolicy(ctx)
	if err != nil {
		a.logger.Warn().Err(err).Msg("policy fetch failed")
		return
	}
	a.logger.Info().Str("tenant", pol.Tenant).Int("rules", len(pol.Rules)).Msg("policy loaded")
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	a.heartbeat(ctx)
	jitter := time.Duration(a.cfg.Heartbeat.Jitter) * time.Second
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		// Jitter spreads agents that started together.
		if jitter > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Duration(rand.Int63n(int64(jitter)))):
			}
		}
		a.heartbeat(ctx)
	}
}

func (a *Agent) heartbeat(ctx context.Context) {
	if err := a.client.Heartbeat(ctx, "online"); err != nil {
		a.logger.Warn().Err(err).Msg("heartbeat failed")
	}
}

func (a *Agent) registration() agentclient.RegisterRequest {
	return agentclient.RegisterRequest{
		AgentUUID:           a.cfg.Identity.AgentUUID,
		Fingerprint:         runtime.GOOS + "/" + runtime.GOARCH,
		Hostname:            a.hostname,
		Version:             Version,
		Tenant:              a.cfg.Server.Tenant,
		EnrollmentToken:     a.cfg.Server.EnrollToken,
		EnrollmentPackage:   a.cfg.Server.EnrollPackage,
		EnrollmentSignature: a.cfg.Server.EnrollSignature,
	}
}

func configureAgentLogger() {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.DurationFieldUnit = time.Millisecond

	level := zerolog.InfoLevel
	if raw := strings.ToLower(strings.TrimSpace(os.Getenv("LEAKGUARD_AGENT_LOG_LEVEL"))); raw != "" {
		if parsed, err := zerolog.ParseLevel(raw); err == nil {
			level = parsed
		}
	}
	format := strings.ToLower(strings.TrimSpace(os.Getenv("LEAKGUARD_AGENT_LOG_FORMAT")))

	log.Logger = newAgentLogger(format).Level(level)
	zerolog.SetGlobalLevel(level)
}

func applyAgentLogging(cfg config.LoggingConfig) {
	level := zerolog.InfoLevel
	if parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level))); err == nil && cfg.Level != "" {
		level = parsed
	}
	format := "console"
	if cfg.JSON {
		format = "json"
	}
	log.Logger = newAgentLogger(format).Level(level)
	zerolog.SetGlobalLevel(level)
}

func newAgentLogger(format string) zerolog.Logger {
	if format == "json" {
		return zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
	writer := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	return zerolog.New(writer).With().Timestamp().Logger()
}
