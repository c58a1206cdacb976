package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/haasonsaas/leakguard/pkg/alerting"
	"github.com/haasonsaas/leakguard/pkg/auth"
	"github.com/haasonsaas/leakguard/pkg/config"
	"github.com/haasonsaas/leakguard/pkg/detection"
	"github.com/haasonsaas/leakguard/pkg/health"
	"github.com/haasonsaas/leakguard/pkg/ingest"
	"github.com/haasonsaas/leakguard/pkg/metrics"
	"github.com/haasonsaas/leakguard/pkg/policy"
	"github.com/haasonsaas/leakguard/pkg/queue"
	"github.com/haasonsaas/leakguard/pkg/store"
)

// App owns the server and its background workers.
type App struct {
	Server *Server

	cfg        *config.ServerConfig
	logger     zerolog.Logger
	redis      *redis.Client
	dispatcher *alerting.Dispatcher
	queue      queue.Queue
	pool       *queue.Pool
	fileRules  *policy.FileRuleStore

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// newApp connects storage, seeds tenants and assembles the core. rulesPath, when set,
// is imported into the rule store before serving.
func newApp(ctx context.Context, cfg *config.ServerConfig, rulesPath string, logger zerolog.Logger) (*App, error) {
	db, err := store.Open(cfg.Database.Driver, cfg.Database.DSN, logger)
	if err != nil {
		return nil, err
	}
	st := store.New(db)
	app := &App{cfg: cfg, logger: logger}

	for _, t := range cfg.Tenants {
		name := t.Name
		if name == "" {
			name = t.ID
		}
		if err := st.EnsureTenant(ctx, t.ID, name); err != nil {
			return nil, fmt.Errorf("seed tenant %s: %w", t.ID, err)
		}
	}

	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		app.redis = redis.NewClient(opts)
	}

	var nonces auth.NonceStore
	switch cfg.Auth.NonceBackend {
	case "redis":
		nonces = store.NewRedisNonceStore(app.redis, "")
	default:
		nonces = store.NewSQLNonceStore(db, time.Duration(cfg.Auth.NoncePruneFrequency)*time.Second)
	}

	var ruleStore policy.RuleStore = st
	if cfg.Policy.Source == "file" {
		app.fileRules, err = policy.NewFileRuleStore(cfg.Policy.RulesPath, logger)
		if err != nil {
			return nil, err
		}
		ruleStore = app.fileRules
	}
	if rulesPath != "" {
		if err := importRules(ctx, st, rulesPath, logger); err != nil {
			return nil, err
		}
	}
	cache := policy.NewCache(ruleStore, cfg.Policy.CacheTTLDuration(), logger)
	cache.OnLookup(metrics.ObserveCacheLookup)

	var sink ingest.AlertSink
	if cfg.Alerts.Enabled {
		sink = alerting.NewSyslogSink(cfg.Alerts.SyslogAddr, time.Duration(cfg.Alerts.TimeoutS)*time.Second)
	} else {
		sink = alerting.NewLogSink(logger)
	}
	app.dispatcher = alerting.NewDispatcher(sink, alerting.DispatcherConfig{
		Buffer:       cfg.Alerts.Buffer,
		Workers:      cfg.Alerts.Workers,
		MaxRetries:   cfg.Alerts.MaxRetries,
		RetryInitial: time.Duration(cfg.Alerts.RetryInitialMs) * time.Millisecond,
		RetryMax:     time.Duration(cfg.Alerts.RetryMaxMs) * time.Millisecond,
	}, logger)
	app.dispatcher.OnResult(metrics.ObserveAlert)

	coordinator := ingest.NewCoordinator(st.Events(), cache, detection.NewPipeline(), app.dispatcher, logger)
	coordinator.OnOutcome(metrics.ObserveOutcome)

	if cfg.Ingest.Async {
		switch cfg.Ingest.QueueBackend {
		case "redis":
			rq := queue.NewRedisQueue(app.redis, cfg.Ingest.QueueName, 0)
			if n, err := rq.Recover(ctx); err != nil {
				logger.Warn().Err(err).Msg("queue recovery failed")
			} else if n > 0 {
				logger.Info().Int("deliveries", n).Msg("requeued unacknowledged events")
			}
			app.queue = rq
		default:
			app.queue = queue.NewMemoryQueue(cfg.Ingest.QueueCapacity)
		}
		app.pool = queue.NewPool(app.queue, coordinator.HandleJob, queue.PoolConfig{
			Workers:     cfg.Ingest.Workers,
			MaxAttempts: cfg.Ingest.MaxAttempts,
		}, logger)
		app.pool.OnResult(metrics.ObserveDelivery)
	}

	tokens := auth.NewTokenIssuer([]byte(cfg.Auth.JWTSecret), cfg.Auth.Issuer, cfg.Auth.AgentAudience, cfg.Auth.AgentTokenTTLDuration())
	hasher := auth.NewTokenHasher([]byte(cfg.Auth.TokenHashSalt))
	authenticator := auth.NewAuthenticator(tokens, st, nonces, auth.AuthenticatorConfig{
		Skew:             cfg.Auth.SkewDuration(),
		ProtocolVersions: cfg.Auth.ProtocolVersions,
	}, logger)
	enrollment := auth.NewEnrollmentService(st, hasher, func(tenantID string) ([]byte, error) {
		secret := cfg.EnrollmentSecretFor(tenantID)
		if secret == "" {
			return nil, auth.ErrTenantUnknown
		}
		return []byte(secret), nil
	}, logger)

	checker := health.NewChecker(2 * time.Second)
	checker.Add("database", st.Ping)
	if app.redis != nil {
		checker.Add("redis", func(ctx context.Context) error { return app.redis.Ping(ctx).Err() })
	}

	app.Server = &Server{
		cfg:           cfg,
		store:         st,
		tokens:        tokens,
		hasher:        hasher,
		authenticator: authenticator,
		enrollment:    enrollment,
		cache:         cache,
		coordinator:   coordinator,
		queue:         app.queue,
		fileRules:     app.fileRules != nil,
		registerLimit: NewRateLimiter(float64(cfg.Server.RegisterPerS), cfg.Server.RegisterBurst),
		health:        checker,
		logger:        logger,
		now:           time.Now,
	}
	return app, nil
}

// importRules loads a rule-set file or directory and replaces each tenant's stored rules.
func importRules(ctx context.Context, st *store.Store, path string, logger zerolog.Logger) error {
	files, err := policy.NewFileRuleStore(path, logger)
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}
	for tenant, rules := range files.Documents() {
		if _, err := st.Tenant(ctx, tenant); errors.Is(err, auth.ErrNotFound) {
			return fmt.Errorf("rules for unknown tenant %q", tenant)
		} else if err != nil {
			return err
		}
		if err := st.ReplaceRules(ctx, tenant, rules); err != nil {
			return fmt.Errorf("import rules for %s: %w", tenant, err)
		}
		logger.Info().Str("tenant_id", tenant).Int("rules", len(rules)).Msg("rules imported")
	}
	return nil
}

// Start launches the alert dispatcher, the ingestion workers and the rule-file watcher.
func (a *App) Start(ctx context.Context) {
	// The dispatcher outlives ctx so Close can flush pending notifications.
	a.dispatcher.Start(context.WithoutCancel(ctx))
	ctx, a.cancel = context.WithCancel(ctx)

	if a.pool != nil {
		a.goTracked(func() { a.pool.Run(ctx) })
		a.goTracked(func() { a.reportQueueDepth(ctx) })
	}
	if a.fileRules != nil && a.cfg.Policy.Watch {
		a.goTracked(func() {
			if err := a.fileRules.Watch(ctx, a.Server.cache.InvalidateAll); err != nil {
				a.logger.Error().Err(err).Msg("rule watcher stopped")
			}
		})
	}
}

func (a *App) goTracked(fn func()) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		fn()
	}()
}

func (a *App) reportQueueDepth(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := a.queue.Len(ctx); err == nil {
				metrics.QueueDepth.Set(float64(n))
			}
		}
	}
}

// Close stops background work and waits for in-flight jobs before releasing the
// queue and store, flushing queued alert notifications until ctx is done.
func (a *App) Close(ctx context.Context) {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	if mq, ok := a.queue.(*queue.MemoryQueue); ok {
		mq.Close()
	}
	a.dispatcher.Close(ctx)
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if sqlDB, err := a.Server.store.DB().DB(); err == nil {
		_ = sqlDB.Close()
	}
}
