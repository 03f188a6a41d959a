package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/sark-gateway/sark/internal/adapter/inbound/httpapi"
	"github.com/sark-gateway/sark/internal/adapter/outbound/cel"
	"github.com/sark-gateway/sark/internal/adapter/outbound/memory"
	"github.com/sark-gateway/sark/internal/adapter/outbound/protocol"
	"github.com/sark-gateway/sark/internal/adapter/outbound/sandbox"
	"github.com/sark-gateway/sark/internal/adapter/outbound/siem"
	"github.com/sark-gateway/sark/internal/adapter/outbound/sqlite"
	"github.com/sark-gateway/sark/internal/config"
	"github.com/sark-gateway/sark/internal/domain/adapter"
	"github.com/sark-gateway/sark/internal/domain/cost"
	"github.com/sark-gateway/sark/internal/domain/policy"
	"github.com/sark-gateway/sark/internal/domain/principal"
	"github.com/sark-gateway/sark/internal/domain/ratelimit"
	"github.com/sark-gateway/sark/internal/domain/resource"
	domainsiem "github.com/sark-gateway/sark/internal/domain/siem"
	"github.com/sark-gateway/sark/internal/service"
)

var devMode bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the SARK gateway",
	Long: `Start the gateway: authenticate principals, evaluate policy,
enforce rate limits and budgets, proxy invocations to providers, and
record every decision to the audit pipeline.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfigRaw()
		if err != nil {
			return err
		}
		if devMode {
			cfg.DevMode = true
		}
		cfg.SetDevDefaults()
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("config validation failed: %w", err)
		}
		return runServe(cfg)
	},
}

func init() {
	serveCmd.Flags().BoolVar(&devMode, "dev", false, "enable development defaults (permissive, in-memory storage)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Server.LogLevel),
	}))
	slog.SetDefault(logger)

	if used := config.ConfigFileUsed(); used != "" {
		logger.Info("configuration loaded", "file", used)
	} else {
		logger.Info("no config file found, using defaults and environment")
	}
	if cfg.DevMode {
		logger.Warn("dev mode enabled, do not use in production")
	}

	// Tracing.
	tp, err := newTracerProvider(cfg.Server.TracingStdout)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	otel.SetTracerProvider(tp)
	tracer := tp.Tracer("sark")

	// Metrics.
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := service.NewMetrics(registry)

	// Durable storage.
	db, err := sqlite.Open(cfg.Storage.SQLitePath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	auditStore, err := sqlite.NewAuditStore(db)
	if err != nil {
		return fmt.Errorf("init audit store: %w", err)
	}
	budgetStore, err := sqlite.NewBudgetStore(db)
	if err != nil {
		return fmt.Errorf("init budget store: %w", err)
	}
	outbox, err := sqlite.NewOutbox(db)
	if err != nil {
		return fmt.Errorf("init siem outbox: %w", err)
	}

	// Identity.
	principals := memory.NewPrincipalStore()
	if err := seedPrincipals(principals, cfg); err != nil {
		return err
	}
	jwtCfg, err := buildJWTConfig(cfg.Auth.JWT)
	if err != nil {
		return err
	}
	authenticator := principal.NewAuthenticator(principals, jwtCfg)

	// Resource catalog.
	resources := memory.NewResourceStore()
	if err := seedResources(ctx, resources, cfg); err != nil {
		return err
	}

	// Policy engine.
	bundle, err := loadBundle(cfg, logger)
	if err != nil {
		return err
	}
	bundleStore := memory.NewBundleStore(bundle)
	changeLog := memory.NewChangeLog(256)

	evaluator, err := cel.NewEvaluator()
	if err != nil {
		return fmt.Errorf("init policy evaluator: %w", err)
	}

	plugins := policy.NewPluginRegistry()
	var sandboxHost *sandbox.Host
	if len(cfg.Policy.Plugins) > 0 {
		sandboxHost, err = sandbox.NewHost(ctx, sandbox.Config{}, logger)
		if err != nil {
			return fmt.Errorf("init plugin sandbox: %w", err)
		}
		defer sandboxHost.Close()
		if err := loadPlugins(ctx, sandboxHost, plugins, cfg.Policy.Plugins, logger); err != nil {
			return err
		}
	}

	engine, err := service.NewCELPolicyEngine(ctx, evaluator, bundleStore, plugins, changeLog, logger)
	if err != nil {
		return fmt.Errorf("init policy engine: %w", err)
	}

	// Decision cache.
	cache := memory.NewDecisionCache(logger, metrics)
	cache.StartSweeper(ctx, config.Duration(cfg.Cache.SweepInterval, 60*time.Second))
	defer cache.Stop()

	// Rate limiter.
	limiter := memory.NewSlidingWindowLimiterWithConfig(logger,
		config.Duration(cfg.RateLimit.CleanupInterval, 5*time.Minute),
		2*config.Duration(cfg.RateLimit.Window, time.Hour))
	limiter.StartCleanup(ctx)
	defer limiter.Stop()

	// Audit pipeline.
	forwarder := service.NewSIEMForwarder(buildSinks(cfg, logger), outbox, metrics, logger,
		service.WithQueueSize(cfg.SIEM.QueueSize),
		service.WithForwarderBatchSize(cfg.SIEM.BatchSize),
		service.WithForwarderFlushInterval(config.Duration(cfg.SIEM.FlushInterval, 5*time.Second)),
		service.WithForwarderRetries(cfg.SIEM.MaxRetries),
	)
	forwarder.Start(ctx)
	defer forwarder.Stop()

	recorder := service.NewAuditRecorder(auditStore, forwarder, metrics, logger, 256)

	if cfg.Storage.AuditRetentionDays > 0 {
		go runRetentionPurge(ctx, auditStore, cfg.Storage.AuditRetentionDays, logger)
	}

	// Budgets.
	budgets := service.NewBudgetController(budgetStore, metrics, logger)
	if err := seedBudgetLimits(ctx, budgetStore, cfg.Budget.Limits); err != nil {
		return err
	}

	// Cost estimators, keyed by the provider name a resource selects via
	// metadata.cost_provider.
	estimators, err := buildEstimators(cfg)
	if err != nil {
		return err
	}

	// Protocol adapters, each behind the uniform resilience wrapper.
	adapters := adapter.NewRegistry(logger)
	if err := adapters.Initialize(buildAdapters(cfg, logger)); err != nil {
		return fmt.Errorf("init adapters: %w", err)
	}

	// Core services.
	authorizer := service.NewAuthorizer(engine, cache, limiter, resources, recorder, metrics, logger, tracer,
		service.WithRateLimits(rateLimits(cfg)),
		service.WithAdminBypass(cfg.RateLimit.AdminBypass),
		service.WithBudget(budgets, estimators),
	)
	invoker := service.NewInvoker(authorizer, adapters, resources, budgets, estimators, recorder, metrics, logger, tracer)

	// HTTP API.
	handler := httpapi.NewHandler(authorizer, invoker, recorder, budgets, logger)
	serverOpts := []httpapi.ServerOption{
		httpapi.WithAddr(cfg.Server.Addr),
		httpapi.WithHealthChecker(httpapi.NewHealthChecker(cache, forwarder, Version)),
		httpapi.WithMetricsRegistry(registry),
	}
	if cfg.Server.TLSCertFile != "" && cfg.Server.TLSKeyFile != "" {
		serverOpts = append(serverOpts, httpapi.WithTLS(cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile))
	}
	server := httpapi.NewServer(handler, authenticator, logger, serverOpts...)

	logger.Info("gateway starting",
		"addr", cfg.Server.Addr,
		"version", Version,
		"protocols", cfg.Adapters.Enabled,
		"dev_mode", cfg.DevMode)

	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	// Deferred shutdown drains workers in reverse construction order; the
	// tracer provider flushes last so shutdown spans are exported.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.Warn("tracer shutdown failed", "error", err)
	}
	logger.Info("gateway stopped")
	return nil
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newTracerProvider(stdout bool) (*sdktrace.TracerProvider, error) {
	if !stdout {
		// No exporter configured: spans are recorded for context
		// propagation but never exported.
		return sdktrace.NewTracerProvider(), nil
	}
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}
	return sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter)), nil
}

// seedPrincipals loads configured identities and API keys into the store.
// SHA-256 key hashes are stored as bare hex so the authenticator's
// constant-time lookup matches; Argon2id hashes are stored verbatim.
func seedPrincipals(store *memory.PrincipalStore, cfg *config.Config) error {
	ids := make(map[string]bool, len(cfg.Auth.Principals))
	for _, pc := range cfg.Auth.Principals {
		ptype := principal.Type(pc.Type)
		if pc.Type == "" {
			ptype = principal.TypeHuman
		}
		store.SeedPrincipal(&principal.Principal{
			ID:           pc.ID,
			Email:        pc.Email,
			Type:         ptype,
			Roles:        pc.Roles,
			Teams:        pc.Teams,
			Capabilities: pc.Capabilities,
			TrustLevel:   principal.TrustTrusted,
			Admin:        pc.Admin,
		})
		ids[pc.ID] = true
	}

	for i, kc := range cfg.Auth.APIKeys {
		if !ids[kc.PrincipalID] {
			return fmt.Errorf("api key %d references unknown principal %q", i, kc.PrincipalID)
		}
		key := &principal.APIKey{
			ID:          fmt.Sprintf("cfg-key-%d", i),
			Hash:        strings.TrimPrefix(kc.KeyHash, "sha256:"),
			PrincipalID: kc.PrincipalID,
			Scopes:      kc.Scopes,
			CreatedAt:   time.Now().UTC(),
		}
		if kc.ExpiresAt != "" {
			exp, err := time.Parse(time.RFC3339, kc.ExpiresAt)
			if err != nil {
				return fmt.Errorf("api key %d has malformed expires_at: %w", i, err)
			}
			key.ExpiresAt = &exp
		}
		store.SeedAPIKey(key)
	}
	return nil
}

// buildJWTConfig resolves the verification key material. HMAC algorithms
// use the shared secret; asymmetric algorithms parse the PEM public key.
func buildJWTConfig(jc config.JWTConfig) (principal.JWTConfig, error) {
	out := principal.JWTConfig{
		Issuer:    jc.Issuer,
		Audience:  jc.Audience,
		Algorithm: jc.Algorithm,
	}
	switch {
	case strings.HasPrefix(jc.Algorithm, "HS"):
		if jc.HMACSecret != "" {
			out.Key = []byte(jc.HMACSecret)
		}
	case jc.PublicKeyFile != "":
		pem, err := os.ReadFile(jc.PublicKeyFile)
		if err != nil {
			return out, fmt.Errorf("read jwt public key: %w", err)
		}
		switch {
		case strings.HasPrefix(jc.Algorithm, "RS"):
			key, err := jwt.ParseRSAPublicKeyFromPEM(pem)
			if err != nil {
				return out, fmt.Errorf("parse jwt public key: %w", err)
			}
			out.Key = key
		case strings.HasPrefix(jc.Algorithm, "ES"):
			key, err := jwt.ParseECPublicKeyFromPEM(pem)
			if err != nil {
				return out, fmt.Errorf("parse jwt public key: %w", err)
			}
			out.Key = key
		}
	}
	return out, nil
}

// seedResources registers statically configured providers. Per-resource
// auth lands in metadata so adapters that need it at call time can read it;
// the resilience wrapper handles header injection.
func seedResources(ctx context.Context, store *memory.ResourceStore, cfg *config.Config) error {
	for _, rc := range cfg.Adapters.Resources {
		sensitivity := resource.Sensitivity(rc.Sensitivity)
		if rc.Sensitivity == "" {
			sensitivity = resource.SensitivityMedium
		}
		res := &resource.Resource{
			ID:          rc.ID,
			Name:        rc.Name,
			Protocol:    resource.Protocol(rc.Protocol),
			Endpoint:    rc.Endpoint,
			Sensitivity: sensitivity,
			Metadata:    rc.Metadata,
			Status:      resource.StatusActive,
		}
		if err := store.SaveResource(ctx, res); err != nil {
			return fmt.Errorf("register resource %q: %w", rc.ID, err)
		}
	}
	return nil
}

func loadBundle(cfg *config.Config, logger *slog.Logger) (*policy.Bundle, error) {
	if cfg.Policy.BundleFile != "" {
		bundle, err := config.LoadBundleFile(cfg.Policy.BundleFile)
		if err != nil {
			return nil, fmt.Errorf("load policy bundle: %w", err)
		}
		logger.Info("policy bundle loaded",
			"file", cfg.Policy.BundleFile,
			"bundle", bundle.Name,
			"version", bundle.Version)
		return bundle, nil
	}
	if cfg.DevMode {
		logger.Warn("no policy bundle configured, dev mode allows all requests")
		return config.DevBundle(), nil
	}
	logger.Warn("no policy bundle configured, all requests will be denied")
	return config.DefaultBundle(), nil
}

func loadPlugins(ctx context.Context, host *sandbox.Host, registry *policy.PluginRegistry, configs []config.PluginConfig, logger *slog.Logger) error {
	for _, pc := range configs {
		wasm, err := os.ReadFile(pc.File)
		if err != nil {
			return fmt.Errorf("read plugin %q: %w", pc.Name, err)
		}
		plugin, err := host.Load(ctx, pc.Name, "1", pc.Priority, wasm)
		if err != nil {
			return fmt.Errorf("load plugin %q: %w", pc.Name, err)
		}
		if err := registry.Register(plugin); err != nil {
			return fmt.Errorf("register plugin %q: %w", pc.Name, err)
		}
		logger.Info("policy plugin loaded", "plugin", pc.Name, "priority", pc.Priority)
	}
	return nil
}

func buildSinks(cfg *config.Config, logger *slog.Logger) []domainsiem.Sink {
	var sinks []domainsiem.Sink
	if cfg.SIEM.Splunk.URL != "" {
		sinks = append(sinks, siem.NewSplunkSink(cfg.SIEM.Splunk.URL, cfg.SIEM.Splunk.Token, logger))
	}
	if cfg.SIEM.Datadog.URL != "" {
		sinks = append(sinks, siem.NewDatadogSink(cfg.SIEM.Datadog.URL, cfg.SIEM.Datadog.APIKey, "sark", logger))
	}
	return sinks
}

func runRetentionPurge(ctx context.Context, store *sqlite.AuditStore, retentionDays int, logger *slog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
			n, err := store.Purge(ctx, cutoff)
			if err != nil {
				logger.Error("audit retention purge failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("audit events purged", "removed", n, "cutoff", cutoff)
			}
		}
	}
}

func seedBudgetLimits(ctx context.Context, store *sqlite.BudgetStore, limits map[string]string) error {
	now := time.Now().UTC()
	for principalID, raw := range limits {
		limit, err := decimal.NewFromString(raw)
		if err != nil {
			return fmt.Errorf("budget limit for %q is malformed: %w", principalID, err)
		}
		if err := store.SetLimit(ctx, principalID, &limit, now); err != nil {
			return fmt.Errorf("set budget limit for %q: %w", principalID, err)
		}
	}
	return nil
}

func buildEstimators(cfg *config.Config) (map[string]cost.Estimator, error) {
	prices := make(map[string]cost.ModelPrice, len(cfg.Cost.Models))
	for model, mp := range cfg.Cost.Models {
		in, err := decimal.NewFromString(mp.InputPerMTok)
		if err != nil {
			return nil, fmt.Errorf("model %q input price is malformed: %w", model, err)
		}
		out, err := decimal.NewFromString(mp.OutputPerMTok)
		if err != nil {
			return nil, fmt.Errorf("model %q output price is malformed: %w", model, err)
		}
		prices[model] = cost.ModelPrice{InputPerMTok: in, OutputPerMTok: out}
	}
	return map[string]cost.Estimator{
		"token": cost.NewTokenEstimator(prices, cost.ModelPrice{}),
		"fixed": cost.NewFixedEstimator(decimal.Zero),
		"free":  cost.FreeEstimator{},
	}, nil
}

// buildAdapters constructs one resilience-wrapped adapter per enabled
// protocol. Outbound auth comes from the first configured resource of that
// protocol declaring an auth mode.
func buildAdapters(cfg *config.Config, logger *slog.Logger) []adapter.Adapter {
	rc := cfg.Adapters.Resilience
	base := adapter.ResilienceConfig{
		RPS:             rc.RPS,
		MaxRetries:      rc.MaxRetries,
		BreakerFailures: rc.BreakerFailures,
		BreakerCooldown: config.Duration(rc.BreakerCooldown, 60*time.Second),
		CallTimeout:     config.Duration(rc.CallTimeout, 30*time.Second),
	}

	var out []adapter.Adapter
	for _, name := range cfg.Adapters.Enabled {
		var inner adapter.Adapter
		switch name {
		case "mcp":
			inner = protocol.NewMCPAdapter(logger)
		case "http":
			inner = protocol.NewHTTPAdapter(logger)
		case "grpc":
			inner = protocol.NewGRPCAdapter(logger)
		default:
			continue
		}
		acfg := base
		acfg.Auth = authForProtocol(cfg, resource.Protocol(name))
		out = append(out, protocol.NewResilient(inner, acfg, logger))
	}
	return out
}

func authForProtocol(cfg *config.Config, proto resource.Protocol) adapter.AuthConfig {
	for _, rc := range cfg.Adapters.Resources {
		if resource.Protocol(rc.Protocol) != proto || rc.Auth.Mode == "" || rc.Auth.Mode == "none" {
			continue
		}
		return adapter.AuthConfig{
			Mode:         adapter.AuthMode(rc.Auth.Mode),
			Token:        rc.Auth.Token,
			APIKeyHeader: rc.Auth.APIKeyHeader,
			APIKey:       rc.Auth.APIKey,
			CertFile:     rc.Auth.CertFile,
			KeyFile:      rc.Auth.KeyFile,
			CAFile:       rc.Auth.CAFile,
			Metadata:     rc.Auth.Metadata,
		}
	}
	return adapter.AuthConfig{}
}

func rateLimits(cfg *config.Config) map[ratelimit.IdentifierKind]ratelimit.Limit {
	if !cfg.RateLimit.Enabled {
		return nil
	}
	window := config.Duration(cfg.RateLimit.Window, time.Hour)
	return map[ratelimit.IdentifierKind]ratelimit.Limit{
		ratelimit.KindClientIP:  {Requests: cfg.RateLimit.PerIP, Window: window},
		ratelimit.KindPrincipal: {Requests: cfg.RateLimit.PerPrincipal, Window: window},
		ratelimit.KindAPIKey:    {Requests: cfg.RateLimit.PerAPIKey, Window: window},
		ratelimit.KindTokenHash: {Requests: cfg.RateLimit.PerPrincipal, Window: window},
	}
}
