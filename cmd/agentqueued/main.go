// Command agentqueued runs the Queue & Scheduling Core as a standalone
// HTTP/WebSocket service. It wires a Store, an Executor, the Manager
// facade, and the ambient telemetry/config stack into one process,
// with no multi-tenant, leader-election, or sharding concerns since
// spec §1 scopes this module to a single process with no distributed
// coordination.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/arcflow/agentqueue/dedup"
	"github.com/arcflow/agentqueue/executor"
	"github.com/arcflow/agentqueue/manager"
	"github.com/arcflow/agentqueue/middleware"
	"github.com/arcflow/agentqueue/qconfig"
	"github.com/arcflow/agentqueue/run"
	"github.com/arcflow/agentqueue/store"
	"github.com/arcflow/agentqueue/stream"
	"github.com/arcflow/agentqueue/telemetry"
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// buildStore selects a Store backend from AGENTQUEUE_STORE
// (sqlite|postgres|redis|memory), defaulting to sqlite per spec §6.4's
// db_path default — a standalone daemon needs a durable default store
// without requiring an external database.
func buildStore(ctx context.Context, cfg run.QueueConfig) (store.Store, error) {
	switch envOr("AGENTQUEUE_STORE", "sqlite") {
	case "postgres":
		return store.NewPostgresStore(ctx, os.Getenv("AGENTQUEUE_POSTGRES_DSN"))
	case "redis":
		db := envIntOr("AGENTQUEUE_REDIS_DB", 0)
		return store.NewRedisStore(ctx, envOr("AGENTQUEUE_REDIS_ADDR", "localhost:6379"), os.Getenv("AGENTQUEUE_REDIS_PASSWORD"), db)
	case "memory":
		return store.NewMemoryStore(), nil
	default:
		return store.NewSQLiteStore(cfg.DBPath)
	}
}

// buildExecutor selects the default Executor. Spec §1 places the
// actual agent invocation out of scope; AGENTQUEUE_WEBHOOK_URL points
// this daemon at whatever external process knows how to run one.
func buildExecutor(logger *zap.Logger) executor.Executor {
	url := os.Getenv("AGENTQUEUE_WEBHOOK_URL")
	if url == "" {
		logger.Warn("AGENTQUEUE_WEBHOOK_URL not set; runs will fail until an executor is configured")
		url = "http://127.0.0.1:0/unconfigured"
	}
	return executor.WithHardTimeout(executor.NewWebhookExecutor(url), 10*time.Minute)
}

// buildLogger builds the process-wide *zap.Logger, development-mode
// (console-encoded, debug-enabled) unless AGENTQUEUE_LOG_JSON is set,
// since a standalone daemon run at a terminal benefits from readable
// output while a containerized deployment wants structured JSON lines.
func buildLogger() (*zap.Logger, error) {
	if os.Getenv("AGENTQUEUE_LOG_JSON") != "" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, err := buildLogger()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	tp, err := telemetry.NewTracerProvider("agentqueued")
	if err != nil {
		logger.Fatal("init tracer", zap.Error(err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown", zap.Error(err))
		}
	}()

	configPath := envOr("AGENTQUEUE_CONFIG", "")
	cfg := run.DefaultQueueConfig()
	logLevel := "info"
	if configPath != "" {
		loaded, lvl, err := qconfig.Load(configPath)
		if err != nil {
			logger.Fatal("load config", zap.String("path", configPath), zap.Error(err))
		}
		cfg, logLevel = loaded, lvl
	}
	logger.Info("starting",
		zap.String("log_level", logLevel),
		zap.Int("max_concurrent_global", cfg.MaxConcurrentGlobal),
		zap.Int("max_queue_size", cfg.MaxQueueSize),
	)

	st, err := buildStore(ctx, cfg)
	if err != nil {
		logger.Fatal("build store", zap.Error(err))
	}
	defer st.Close()

	dedupCache := dedup.New(dedup.DefaultMaxSize)
	mgr := manager.New(st, buildExecutor(logger), cfg, dedupCache, logger)

	var retentionDays atomic.Int64
	retentionDays.Store(int64(cfg.RetentionDays))

	if configPath != "" {
		watcher := qconfig.NewWatcher(configPath, logger)
		if err := watcher.Start(ctx, cfg, logLevel); err != nil {
			logger.Warn("config watcher disabled", zap.Error(err))
		} else {
			go func() {
				for update := range watcher.Updates() {
					if update.RetentionDays != nil {
						retentionDays.Store(int64(*update.RetentionDays))
						logger.Info("retention_days hot-reloaded", zap.Int("retention_days", *update.RetentionDays))
					}
					if update.LogLevel != nil {
						logger.Info("log_level changed in config file; running logger level unchanged", zap.String("log_level", *update.LogLevel))
					}
				}
			}()
		}
	}

	var publisher stream.Publisher = stream.NewLogPublisher(logger)
	if natsURL := os.Getenv("AGENTQUEUE_NATS_URL"); natsURL != "" {
		natsPub, err := stream.NewNatsPublisher(natsURL, logger)
		if err != nil {
			logger.Warn("nats publisher disabled", zap.Error(err))
		} else {
			publisher = natsPub
		}
	}
	defer publisher.Close()

	if err := mgr.Start(ctx, true); err != nil {
		logger.Fatal("start manager", zap.Error(err))
	}
	defer mgr.Stop()
	go stream.RelayEvents(ctx, mgr.Bus(), publisher, logger)

	hub := newStreamHub(mgr, logger)
	go hub.run(ctx)

	limiter := newSubmitLimiter(envIntOr("AGENTQUEUE_SUBMIT_RPS", 10), envIntOr("AGENTQUEUE_SUBMIT_BURST", 20))

	srv := newServer(mgr, hub, limiter)

	c := cron.New()
	if _, err := c.AddFunc("@daily", func() {
		days := int(retentionDays.Load())
		n, err := st.CleanupOldRuns(ctx, days)
		if err != nil {
			logger.Warn("retention cleanup failed", zap.Error(err))
			return
		}
		logger.Info("retention cleanup removed runs", zap.Int("count", n), zap.Int("retention_days", days))
	}); err != nil {
		logger.Warn("schedule retention cron", zap.Error(err))
	}
	c.Start()
	defer c.Stop()

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/runs", srv.handleRuns)
	mux.HandleFunc("/runs/", srv.handleRunByID)
	mux.HandleFunc("/stats", srv.handleStats)
	mux.HandleFunc("/queue/clear", srv.handleClearQueue)
	mux.HandleFunc("/stream", srv.handleStream)

	addr := envOr("AGENTQUEUE_ADDR", ":8090")
	httpSrv := &http.Server{
		Addr:    addr,
		Handler: middleware.CORS(mux),
	}

	go func() {
		logger.Info("listening", zap.String("addr", addr))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
}
