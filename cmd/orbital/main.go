// Package main is the entry point for the Orbital orchestration service.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/orbital/internal/api"
	"github.com/kandev/orbital/internal/audit"
	"github.com/kandev/orbital/internal/common/config"
	"github.com/kandev/orbital/internal/common/logger"
	"github.com/kandev/orbital/internal/dispatch"
	"github.com/kandev/orbital/internal/events/bus"
	"github.com/kandev/orbital/internal/memory"
	"github.com/kandev/orbital/internal/orchestrator"
	"github.com/kandev/orbital/internal/planner"
	"github.com/kandev/orbital/internal/policy"
	"github.com/kandev/orbital/internal/registry"
	"github.com/kandev/orbital/internal/store"
	v1 "github.com/kandev/orbital/pkg/api/v1"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting Orbital orchestration service...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Open the Job Store (C3)
	jobStore, err := newStore(cfg.Database)
	if err != nil {
		log.Fatal("Failed to open job store", zap.Error(err))
	}
	defer jobStore.Close()
	log.Info("Job store ready", zap.String("driver", cfg.Database.Driver))

	// 4. Connect the event bus
	eventBus, err := newEventBus(cfg, log)
	if err != nil {
		log.Fatal("Failed to connect event bus", zap.Error(err))
	}
	defer eventBus.Close()

	// 5. Agent Registry (C2), seeded from the roster file and hot-reloaded
	agentRegistry := registry.New(log)
	if err := agentRegistry.LoadRoster(cfg.Registry.RosterPath); err != nil {
		log.Warn("Failed to load agent roster, starting with an empty registry", zap.Error(err))
	}
	if cfg.Registry.WatchRoster {
		watcher, err := agentRegistry.WatchRoster(cfg.Registry.RosterPath)
		if err != nil {
			log.Warn("Failed to watch agent roster for changes", zap.Error(err))
		} else {
			defer watcher.Close()
		}
	}
	if cfg.Registry.MCPPort != 0 {
		mcpServer := registry.NewMCPServer(agentRegistry, registry.MCPServerConfig{Port: cfg.Registry.MCPPort})
		if err := mcpServer.Start(context.Background()); err != nil {
			log.Warn("Failed to start registry MCP server", zap.Error(err))
		} else {
			log.Info("Registry MCP server listening", zap.Int("port", cfg.Registry.MCPPort))
			defer mcpServer.Stop(context.Background())
		}
	}

	// 6. Policy Engine (C7)
	policyCfg, err := policy.LoadConfig(cfg.Policy.RulesPath)
	if err != nil {
		log.Warn("Failed to load policy rules, falling back to an empty policy", zap.Error(err))
		policyCfg = policy.Config{}
	}
	policyCfg.RateLimitPerMinute = cfg.Policy.RateLimitPerMinute
	policyEngine := policy.New(policyCfg, log)

	// 7. Intent Planner (C6) — rule-based, with no LLM-assisted collaborator
	// wired up by default; a Collaborator can be plugged in later without
	// touching any other component.
	rules, err := planner.LoadRules(cfg.Planner.RulesPath)
	if err != nil {
		log.Warn("Failed to load planner rules, starting with an empty rule set", zap.Error(err))
	}
	intentPlanner, err := planner.New(rules, nil, log)
	if err != nil {
		log.Fatal("Failed to build intent planner", zap.Error(err))
	}

	// 8. Dispatcher (C8)
	dispatcher := dispatch.New(dispatch.Config{
		SenderURI:       "orbital://orchestrator",
		DiscoverTimeout: 3 * time.Second,
	}, agentRegistry, policyEngine, jobStore, eventBus, http.DefaultClient, log)

	// 9. Orchestrator Loop (C9)
	orchestratorCfg := orchestrator.Config{
		PollInterval:   250 * time.Millisecond,
		RetryBaseDelay: cfg.Dispatch.RetryBaseDelay(),
		RetryMaxDelay:  cfg.Dispatch.RetryMaxDelay(),
	}
	driver := orchestrator.New(orchestratorCfg, jobStore, dispatcher, eventBus, log)
	defer driver.Stop()

	// 9b. Context Memory (C12), optional
	if cfg.Memory.Enabled {
		contextMemory, err := memory.New(cfg.Memory.DBPath, memory.HashEmbedder{})
		if err != nil {
			log.Warn("Failed to start context memory, jobs will not be recorded", zap.Error(err))
		} else {
			defer contextMemory.Close()
			driver.SetRecorder(contextMemory)
			log.Info("Context memory ready", zap.String("path", cfg.Memory.DBPath))
		}
	}

	// 10. Audit Log (C11)
	auditLog, err := audit.New(jobStore, "./evidence", log)
	if err != nil {
		log.Fatal("Failed to initialize audit log", zap.Error(err))
	}

	// 11. Resume any jobs the store already has in flight (e.g. after a
	// restart) so the orchestrator picks them back up.
	inFlight, err := jobStore.ListJobs(ctx, store.ListFilter{})
	if err != nil {
		log.Warn("Failed to list existing jobs for resume", zap.Error(err))
	}
	for _, job := range inFlight {
		if job.Status == v1.JobPending || job.Status == v1.JobRunning {
			driver.Drive(ctx, job.ID)
		}
	}

	// 12. Intake API (C10)
	service := api.NewService(jobStore, intentPlanner, agentRegistry, driver, dispatcher, auditLog, log)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := api.NewRouter(service, log, 0, eventBus, cfg.Auth.JWTSecret)

	port := cfg.Server.Port
	if port == 0 {
		port = 8080
	}
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("Intake API listening", zap.Int("port", port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 13. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Orbital orchestration service...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	log.Info("Orbital orchestration service stopped")
}

// newStore opens the Job Store backend selected by cfg.Driver.
func newStore(cfg config.DatabaseConfig) (store.Store, error) {
	switch cfg.Driver {
	case "postgres":
		dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
			cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.DBName, cfg.SSLMode)
		return store.NewPostgresStore(dsn, cfg.MaxConns, cfg.MinConns)
	case "memory":
		return store.NewMemoryStore(), nil
	default:
		return store.NewSQLiteStore(cfg.Path)
	}
}

// newEventBus connects to NATS when a URL is configured, falling back to
// the in-memory bus for single-node deployments.
func newEventBus(cfg *config.Config, log *logger.Logger) (bus.EventBus, error) {
	if cfg.NATS.URL == "" {
		return bus.NewMemoryEventBus(log), nil
	}
	return bus.NewNATSEventBus(cfg.NATS, log)
}
