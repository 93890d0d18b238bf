// cmd/workflow-manager/main.go
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"subsidy-workflow/internal/common/camunda"
	"subsidy-workflow/internal/common/config"
	"subsidy-workflow/internal/common/database"
	"subsidy-workflow/internal/common/logger"
	"subsidy-workflow/internal/common/observability"
	"subsidy-workflow/internal/notify"
	"subsidy-workflow/internal/search"
	"subsidy-workflow/internal/sla"
	"subsidy-workflow/internal/store/postgres"
	"subsidy-workflow/internal/workflow"

	ca "subsidy-workflow/internal/workers/application/create-application"
	ta "subsidy-workflow/internal/workers/application/transition-application"
)

// retryWithBackoff attempts to execute a function with exponential backoff
func retryWithBackoff(operation func() error, maxRetries int, initialDelay time.Duration, log *zap.Logger, operationName string) error {
	var err error
	delay := initialDelay

	for i := 0; i < maxRetries; i++ {
		err = operation()
		if err == nil {
			return nil
		}

		if i < maxRetries-1 {
			log.Warn(fmt.Sprintf("%s failed, retrying...", operationName),
				zap.Error(err),
				zap.Int("attempt", i+1),
				zap.Int("maxRetries", maxRetries),
				zap.Duration("nextRetryIn", delay),
			)
			time.Sleep(delay)
			delay *= 2
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operationName, maxRetries, err)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.New("info", "console").Fatal("config load failed", zap.Error(err))
	}

	zapLog := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLog.Sync()
	log := logger.NewZapAdapter(zapLog)

	zapLog.Info("Starting workflow manager...",
		zap.String("version", cfg.App.Version),
		zap.String("environment", cfg.App.Environment),
		zap.String("infrastructure", describeInfra(cfg)),
	)

	obs := observability.New("workflow-manager")
	defer obs.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- PostgreSQL with retry ---
	var db *sql.DB
	err = retryWithBackoff(func() error {
		var err error
		db, err = database.OpenPostgres(ctx, cfg.Database.Postgres)
		return err
	}, 15, 2*time.Second, zapLog, "PostgreSQL connection")
	if err != nil {
		zapLog.Fatal("postgres failed after retries", zap.Error(err))
	}
	defer db.Close()
	zapLog.Info("PostgreSQL connected successfully")

	store := postgres.NewStore(db, log)
	if cfg.Database.Postgres.EnsureSchema {
		if err := store.EnsureSchema(ctx); err != nil {
			zapLog.Fatal("schema setup failed", zap.Error(err))
		}
	}

	// --- Redis (optional) ---
	var rdb *redis.Client
	if cfg.Database.Redis.Address != "" {
		err = retryWithBackoff(func() error {
			var err error
			rdb, err = database.OpenRedis(ctx, cfg.Database.Redis)
			return err
		}, 5, time.Second, zapLog, "Redis connection")
		if err != nil {
			zapLog.Warn("redis unavailable, role cache disabled", zap.Error(err))
			rdb = nil
		} else {
			defer rdb.Close()
			zapLog.Info("Redis connected successfully")
		}
	}

	policy, err := buildPolicy(cfg.Workflow)
	if err != nil {
		zapLog.Fatal("workflow policy invalid", zap.Error(err))
	}

	roleProvider := buildRoleProvider(cfg.Auth, rdb, log)

	notifier, err := buildNotifier(ctx, cfg.Notifications, db, log)
	if err != nil {
		zapLog.Fatal("notifier setup failed", zap.Error(err))
	}
	dispatcher := notify.NewDispatcher(notifier, dispatcherConfig(cfg.Workflow.Dispatcher), log)
	dispatcher.Start(ctx)

	// --- Elasticsearch transition index (optional) ---
	var hooks []workflow.PostCommitHook
	if len(cfg.Database.Elasticsearch.Addresses) > 0 {
		esClient, err := database.OpenElasticsearch(ctx, cfg.Database.Elasticsearch)
		if err != nil {
			zapLog.Warn("elasticsearch unavailable, transitions will not be indexed", zap.Error(err))
		} else {
			indexer := search.NewTransitionIndexer(esClient, cfg.Database.Elasticsearch.Index, log)
			if err := indexer.EnsureIndex(ctx); err != nil {
				zapLog.Warn("transition index setup failed", zap.Error(err))
			}
			hooks = append(hooks, indexer)
			zapLog.Info("Elasticsearch transition indexing enabled",
				zap.String("index", cfg.Database.Elasticsearch.Index))
		}
	}

	orchestrator, err := workflow.NewOrchestrator(workflow.Dependencies{
		Store:         store,
		Roles:         roleProvider,
		Dispatcher:    dispatcher,
		Policy:        policy,
		Hooks:         hooks,
		Logger:        log,
		Observability: obs,
	}, workflowOptions(cfg.Workflow))
	if err != nil {
		zapLog.Fatal("orchestrator setup failed", zap.Error(err))
	}

	watcher := sla.NewWatcher(store, workflow.NewRouter(policy), dispatcher, sla.Options{
		Schedule: cfg.Workflow.SLASweepSchedule,
	}, log)
	if err := watcher.Start(ctx); err != nil {
		zapLog.Fatal("sla watcher failed to start", zap.Error(err))
	}

	// --- Zeebe job worker (optional) ---
	var zeebe *camunda.Client
	var handler *ta.Handler
	var creator *ca.Handler
	if cfg.Camunda.BrokerAddress != "" {
		err = retryWithBackoff(func() error {
			var err error
			zeebe, err = camunda.NewClientWithConfig(&camunda.ClientConfig{
				GatewayAddress:         cfg.Camunda.BrokerAddress,
				UsePlaintextConnection: true,
				RequestTimeout:         config.GetDuration(cfg.Camunda.RequestTimeout),
			})
			return err
		}, 10, 2*time.Second, zapLog, "Zeebe client initialization")
		if err != nil {
			zapLog.Fatal("zeebe client failed after retries", zap.Error(err))
		}
		zapLog.Info("Zeebe client connected successfully")

		handler, err = ta.NewHandler(ta.HandlerOptions{
			AppConfig:    cfg,
			Camunda:      zeebe,
			Transitioner: orchestrator,
			Logger:       log,
		})
		if err != nil {
			zapLog.Fatal("transition worker setup failed", zap.Error(err))
		}
		if err := handler.Register(); err != nil {
			zapLog.Fatal("transition worker registration failed", zap.Error(err))
		}

		creator, err = ca.NewHandler(ca.LoadConfig(cfg), orchestrator, log)
		if err != nil {
			zapLog.Fatal("create worker setup failed", zap.Error(err))
		}
		creator.Register(zeebe.GetClient())
	}

	// --- Health and metrics endpoints ---
	var server *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]string{
				"status":  "healthy",
				"service": "workflow-manager",
			})
		})
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			checkCtx, done := context.WithTimeout(r.Context(), 2*time.Second)
			defer done()

			checks := map[string]string{"postgres": "ok"}
			status := http.StatusOK
			if err := db.PingContext(checkCtx); err != nil {
				checks["postgres"] = err.Error()
				status = http.StatusServiceUnavailable
			}
			if zeebe != nil {
				checks["zeebe"] = "ok"
				if err := zeebe.HealthCheck(checkCtx); err != nil {
					checks["zeebe"] = err.Error()
					status = http.StatusServiceUnavailable
				}
			}

			w.WriteHeader(status)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"status": http.StatusText(status),
				"checks": checks,
			})
		})
		mux.Handle(cfg.Metrics.Path, promhttp.Handler())

		server = &http.Server{
			Addr:              cfg.Metrics.Address,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			zapLog.Info("Starting health check and metrics server", zap.String("address", cfg.Metrics.Address))
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				zapLog.Error("Health server failed", zap.Error(err))
			}
		}()
	}

	zapLog.Info("Workflow manager started",
		zap.Bool("zeebeWorker", handler != nil),
		zap.Int("postCommitHooks", len(hooks)),
	)

	// --- Graceful Shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	zapLog.Info("Shutdown signal received, stopping workflow manager...")

	if handler != nil {
		handler.Close()
	}
	if creator != nil {
		creator.Close()
	}
	if zeebe != nil {
		if err := zeebe.Close(); err != nil {
			zapLog.Error("Error closing Zeebe client", zap.Error(err))
		}
	}
	watcher.Stop()
	orchestrator.Close()
	dispatcher.Close()
	cancel()

	if server != nil {
		shutdownCtx, done := context.WithTimeout(context.Background(), 30*time.Second)
		defer done()
		if err := server.Shutdown(shutdownCtx); err != nil {
			zapLog.Error("Error stopping health server", zap.Error(err))
		}
	}

	zapLog.Info("Workflow manager stopped")
}
