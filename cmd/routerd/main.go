// Command routerd runs the Model Router as a standalone HTTP process: it
// loads configuration, wires every provider adapter and collaborator, and
// exposes the admin facade alongside a Prometheus metrics endpoint.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/axiom-router/modelrouter/internal/admin"
	"github.com/axiom-router/modelrouter/internal/cache"
	"github.com/axiom-router/modelrouter/internal/config"
	costtrack "github.com/axiom-router/modelrouter/internal/cost"
	"github.com/axiom-router/modelrouter/internal/metrics"
	"github.com/axiom-router/modelrouter/internal/provider"
	"github.com/axiom-router/modelrouter/internal/provider/anthropic"
	"github.com/axiom-router/modelrouter/internal/provider/bedrock"
	"github.com/axiom-router/modelrouter/internal/provider/mock"
	"github.com/axiom-router/modelrouter/internal/provider/openai"
	"github.com/axiom-router/modelrouter/internal/queue"
	"github.com/axiom-router/modelrouter/internal/ratelimit"
	"github.com/axiom-router/modelrouter/internal/router"
	"github.com/axiom-router/modelrouter/internal/secret"
	"github.com/axiom-router/modelrouter/internal/secret/env"
	"github.com/axiom-router/modelrouter/internal/secret/vault"
	"github.com/axiom-router/modelrouter/internal/template"
	tokentrack "github.com/axiom-router/modelrouter/internal/tokens"
)

var providerFactories = map[string]provider.Factory{
	openai.ProviderName:    openai.New,
	anthropic.ProviderName: anthropic.New,
	bedrock.ProviderName:   bedrock.New,
	mock.ProviderName:      mock.New,
}

func main() {
	if err := run(); err != nil {
		slog.Error("routerd failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config/config.yaml", "path to configuration file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)
	logger.Info("starting routerd")

	secretManager := secret.NewManager()
	defer func() {
		if err := secretManager.Close(); err != nil {
			logger.Error("secret manager close failed", "error", err)
		}
	}()
	secretManager.Register("env", env.New())

	cfgManager, err := config.NewManager(*configPath, logger)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	defer func() { _ = cfgManager.Close() }()
	cfg := cfgManager.Get()

	if cfg.Vault.Enabled {
		vProvider, vErr := vault.New(vault.Config{
			Address:  cfg.Vault.Address,
			RoleID:   cfg.Vault.RoleID,
			SecretID: cfg.Vault.SecretID,
			CACert:   cfg.Vault.CACert,
		})
		if vErr != nil {
			return fmt.Errorf("initialize vault provider: %w", vErr)
		}
		secretManager.Register("vault", secret.NewCachedProvider(vProvider, 5*time.Minute))
		logger.Info("vault secret provider enabled", "addr", cfg.Vault.Address)
	}

	if err := cfgManager.Watch(); err != nil {
		logger.Warn("config hot-reload disabled", "error", err)
	}

	apiKeys, err := secretManager.ResolveProviderAPIKeys(context.Background(), cfg.ProviderAPIKeys)
	if err != nil {
		return fmt.Errorf("resolve provider API keys: %w", err)
	}

	registry := provider.NewRegistry()
	for _, pc := range cfg.Providers {
		factory, ok := providerFactories[pc.Type]
		if !ok {
			return fmt.Errorf("unknown provider type %q for provider %q", pc.Type, pc.Name)
		}
		apiKey := pc.APIKey
		if resolved, ok := apiKeys[pc.Name]; ok {
			apiKey = resolved
		}
		adapter, err := factory(provider.Config{
			Name:       pc.Name,
			APIKey:     apiKey,
			BaseURL:    pc.BaseURL,
			Models:     pc.Models,
			TimeoutSec: pc.TimeoutSec,
			Region:     pc.Region,
		})
		if err != nil {
			return fmt.Errorf("construct provider %q: %w", pc.Name, err)
		}
		registry.Register(pc.Name, adapter)
		logger.Info("provider registered", "name", pc.Name, "type", pc.Type)
	}

	limiter := ratelimit.New()
	for name := range cfg.RateLimits {
		limiter.Configure(name, cfg.RateLimitSpec(name))
	}

	if err := os.MkdirAll(cfg.TemplateDir, 0o755); err != nil {
		return fmt.Errorf("create template directory: %w", err)
	}
	tmplMgr, err := template.New(cfg.TemplateDir, logger)
	if err != nil {
		return fmt.Errorf("load templates: %w", err)
	}
	defer func() { _ = tmplMgr.Close() }()
	if err := tmplMgr.Watch(); err != nil {
		logger.Warn("template hot-reload disabled", "error", err)
	}

	var store cache.Store
	if cfg.Cache.Redis.Addr != "" {
		redisStore, rErr := cache.NewRedisStore(cache.RedisConfig{
			Addr:       cfg.Cache.Redis.Addr,
			Password:   cfg.Cache.Redis.Password,
			DB:         cfg.Cache.Redis.DB,
			Namespace:  cfg.Cache.Redis.Namespace,
			DefaultTTL: cfg.CacheTTL(),
		})
		if rErr != nil {
			return fmt.Errorf("connect redis cache: %w", rErr)
		}
		store = redisStore
		logger.Info("response cache backed by redis", "addr", cfg.Cache.Redis.Addr)
	} else {
		store = cache.NewMemoryStore(cache.MemoryStoreConfig{CleanupInterval: cfg.CacheTTL() / 4})
		logger.Info("response cache backed by in-memory store")
	}
	cacheHandler := cache.NewHandler(store, cfg.CacheTTL())

	metricsCollector := metrics.New()
	costs := costtrack.New()
	tokens := tokentrack.New()

	r := router.New(router.Params{
		Config:    cfgManager,
		Registry:  registry,
		Queue:     queue.New(cfg.QueueMaxSize),
		Limiter:   limiter,
		Cache:     cacheHandler,
		Templates: tmplMgr,
		Costs:     costs,
		Tokens:    tokens,
		Metrics:   metricsCollector,
		Logger:    logger,
	})
	defer func() {
		if err := r.Shutdown(); err != nil {
			logger.Error("router shutdown failed", "error", err)
		}
	}()

	mux := http.NewServeMux()
	admin.NewHandler(r, logger).RegisterRoutes(mux)
	mux.Handle("GET "+cfg.Server.MetricsPath, promhttp.HandlerFor(metricsCollector.Registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  2 * time.Minute,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("routerd listening", "addr", cfg.Server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
		close(serverErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("shutting down routerd")
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	logger.Info("routerd stopped")
	return nil
}
