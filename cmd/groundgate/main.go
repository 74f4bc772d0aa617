package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/groundgate-ai/groundgate/internal/agents"
	"github.com/groundgate-ai/groundgate/internal/auth"
	"github.com/groundgate-ai/groundgate/internal/citations"
	"github.com/groundgate-ai/groundgate/internal/config"
	"github.com/groundgate-ai/groundgate/internal/engine"
	"github.com/groundgate-ai/groundgate/internal/evidence"
	"github.com/groundgate-ai/groundgate/internal/health"
	"github.com/groundgate-ai/groundgate/internal/httpapi"
	"github.com/groundgate-ai/groundgate/internal/policy"
	"github.com/groundgate-ai/groundgate/internal/qualitygate"
	"github.com/groundgate-ai/groundgate/internal/registry"
	"github.com/groundgate-ai/groundgate/internal/retry"
	"github.com/groundgate-ai/groundgate/internal/tracing"
)

func main() {
	configPath := flag.String("config", "", "path to config file (defaults to GROUNDGATE_CONFIG)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := tracing.Initialize(tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		ServiceName:  cfg.Tracing.ServiceName,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
	}, logger); err != nil {
		logger.Warn("Tracing initialization failed, continuing without export", zap.Error(err))
	}

	hm := health.NewManager(logger)

	// Evidence store, optionally mirrored to SQL and restored on boot.
	var store *evidence.Store
	if cfg.Evidence.SQLDriver != "" {
		sqlStore, err := evidence.OpenSQLStore(cfg.Evidence.SQLDriver, cfg.Evidence.SQLDSN, logger)
		if err != nil {
			logger.Fatal("Failed to open evidence SQL mirror", zap.Error(err))
		}
		defer sqlStore.Close()

		store = evidence.NewStoreWithMirror(sqlStore, logger)
		if restored, err := evidence.Restore(ctx, sqlStore, store, logger); err != nil {
			logger.Warn("Evidence restore failed, starting with empty store", zap.Error(err))
		} else if restored > 0 {
			logger.Info("Evidence restored from SQL mirror", zap.Int("chunks", restored))
		}
		hm.Register(health.CheckerFunc{CheckerName: "evidence_sql", Fn: sqlStore.Ping})
	} else {
		store = evidence.NewStore(logger)
	}

	validator := citations.NewValidator(store, citations.Config{
		RelevanceThreshold: cfg.Citations.RelevanceThreshold,
		QuoteMaxLen:        cfg.Evidence.QuoteMaxLen,
	}, logger)

	// Quality-gate rules: file-backed with hot reload, or built-in defaults.
	rules := qualitygate.DefaultRuleSet()
	if cfg.Gate.RulesPath != "" {
		rules, err = qualitygate.LoadRuleSet(cfg.Gate.RulesPath)
		if err != nil {
			logger.Fatal("Failed to load quality-gate rules", zap.Error(err))
		}
	}
	verifier, err := qualitygate.NewVerifier(qualitygate.Config{
		RequireCitations:    cfg.Gate.RequireCitations,
		RequireLocators:     cfg.Gate.RequireLocators,
		MinEvidenceCoverage: cfg.Gate.MinEvidenceCoverage,
	}, rules, logger)
	if err != nil {
		logger.Fatal("Failed to build quality-gate verifier", zap.Error(err))
	}
	if cfg.Gate.RulesPath != "" {
		if err := qualitygate.WatchRules(ctx, cfg.Gate.RulesPath, verifier, logger); err != nil {
			logger.Warn("Rule hot-reload unavailable", zap.Error(err))
		}
	}

	retryPolicy := retry.NewPolicy(retry.PolicyConfig{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay,
		MaxDelay:    cfg.Retry.MaxDelay,
		Jitter:      cfg.Retry.Jitter,
	}, logger)

	// Redis-backed retry ledger survives process restarts; optional.
	var ledger retry.Ledger
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password})
		redisLedger := retry.NewRedisLedger(rdb, cfg.Redis.TTL, logger)
		ledger = redisLedger
		hm.Register(health.CheckerFunc{CheckerName: "redis", Fn: redisLedger.Ping})
	}

	var admission policy.Engine
	if cfg.Policy.Enabled {
		opa, err := policy.NewOPAEngine(policy.Config{
			Enabled:    cfg.Policy.Enabled,
			Mode:       policy.Mode(cfg.Policy.Mode),
			Path:       cfg.Policy.Path,
			FailClosed: cfg.Policy.FailClosed,
		}, logger)
		if err != nil {
			logger.Fatal("Failed to load admission policies", zap.Error(err))
		}
		admission = opa
	}

	var authSvc *auth.Service
	if cfg.Auth.Enabled {
		authSvc = auth.NewService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL, logger)
		if keyID, secret := os.Getenv("GROUNDGATE_API_KEY_ID"), os.Getenv("GROUNDGATE_API_KEY_SECRET"); keyID != "" && secret != "" {
			if err := authSvc.RegisterAPIKey(keyID, secret); err != nil {
				logger.Fatal("Failed to register API key", zap.Error(err))
			}
		}
	}

	reg := registry.New(logger)
	router := agents.NewHTTPRouter(cfg.Router.Endpoint, cfg.Router.Timeout, logger)

	newEngine := func() *engine.Engine {
		return engine.New(engine.Deps{
			Router:    router,
			Validator: validator,
			Verifier:  verifier,
			Policy:    retryPolicy,
			Ledger:    ledger,
			Admission: admission,
			Sink:      reg,
			Logger:    logger,
		}, engine.Config{
			Retry: retry.ManagerConfig{
				MaxRetries: cfg.Retry.MaxRetries,
				CostLimit:  cfg.Retry.CostLimitUSD,
			},
			RouterRPM: cfg.Router.RPM,
		})
	}

	// Admin mux: health plus Prometheus metrics.
	adminMux := http.NewServeMux()
	hm.RegisterRoutes(adminMux)
	adminMux.Handle("/metrics", promhttp.Handler())
	adminSrv := newServer(cfg.Service.HealthPort, adminMux)
	go func() {
		logger.Info("Admin HTTP server listening", zap.Int("port", cfg.Service.HealthPort))
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Admin HTTP server failed", zap.Error(err))
		}
	}()

	apiMux := http.NewServeMux()
	httpapi.NewServer(reg, store, newEngine, authSvc, logger).RegisterRoutes(apiMux)
	apiSrv := newServer(cfg.Service.HTTPPort, apiMux)
	go func() {
		logger.Info("API server listening", zap.Int("port", cfg.Service.HTTPPort))
		if err := apiSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("API server failed", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("Shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := apiSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("API server shutdown", zap.Error(err))
	}
	if err := adminSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Admin server shutdown", zap.Error(err))
	}
	cancel()
}

func newServer(port int, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         ":" + strconv.Itoa(port),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

func buildLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
