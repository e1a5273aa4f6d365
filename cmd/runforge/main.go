// RunForge server: HTTP API, queue workers, and the agent runtime that
// drives runs from pending to terminal.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/runforge/runforge/pkg/agent"
	"github.com/runforge/runforge/pkg/api"
	"github.com/runforge/runforge/pkg/approval"
	"github.com/runforge/runforge/pkg/cleanup"
	"github.com/runforge/runforge/pkg/config"
	"github.com/runforge/runforge/pkg/database"
	"github.com/runforge/runforge/pkg/events"
	"github.com/runforge/runforge/pkg/llm"
	"github.com/runforge/runforge/pkg/masking"
	"github.com/runforge/runforge/pkg/queue"
	"github.com/runforge/runforge/pkg/store"
	"github.com/runforge/runforge/pkg/swarm"
	"github.com/runforge/runforge/pkg/tools"
	"github.com/runforge/runforge/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// resolvePodID determines the replica identifier for multi-pod
// coordination. Priority: POD_ID env > HOSTNAME env > "local".
func resolvePodID() string {
	if id := os.Getenv("POD_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	}

	podID := resolvePodID()
	slog.Info("starting runforge",
		"version", version.Full(), "pod_id", podID, "config_dir", *configDir)

	rootCtx, cancelRoot := context.WithCancel(context.Background())
	defer cancelRoot()

	cfg, err := config.Initialize(rootCtx, *configDir)
	if err != nil {
		slog.Error("failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("failed to load database config", "error", err)
		os.Exit(1)
	}
	dbClient, err := database.NewClient(rootCtx, dbConfig)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbClient.Close()
	slog.Info("connected to PostgreSQL, migrations applied")

	st := store.New(dbClient.Pool())

	masker, err := masking.NewService(cfg.Masking)
	if err != nil {
		slog.Error("failed to build masking service", "error", err)
		os.Exit(1)
	}

	bus := events.NewBus()
	defer bus.Close()
	recorder := events.NewRecorder(st, bus, masker, podID)

	listener := events.NewNotifyListener(dbClient.ConnString(), podID, bus, st)
	if err := listener.Start(rootCtx); err != nil {
		slog.Error("failed to start notify listener", "error", err)
		os.Exit(1)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		listener.Stop(stopCtx)
	}()

	router := tools.NewRouter()
	for _, h := range tools.Builtin() {
		meta := h.Metadata()
		if ov, ok := cfg.Tools[meta.Name]; ok {
			h = tools.WithMetadata(h, config.ApplyToolOverride(meta, ov))
		}
		if err := router.Register(h); err != nil {
			slog.Error("failed to register tool", "tool", meta.Name, "error", err)
			os.Exit(1)
		}
	}
	scheduler := tools.NewScheduler(router, 0, 0)

	llmClient, err := buildLLMClient(cfg.LLM)
	if err != nil {
		slog.Error("failed to initialize model client", "error", err)
		os.Exit(1)
	}

	gate := approval.NewGate(st, recorder)
	coordinator := swarm.NewCoordinator(st, recorder)
	loop := agent.NewLoop(st, recorder, llmClient, router, scheduler, gate,
		coordinator, cfg.Agents, nil)

	pool := queue.NewWorkerPool(podID, st, cfg.Queue, loop, coordinator, recorder)
	if err := pool.Start(rootCtx); err != nil {
		slog.Error("failed to start worker pool", "error", err)
		os.Exit(1)
	}

	sweeper := cleanup.NewService(cfg.Retention, st)
	sweeper.Start(rootCtx)
	defer sweeper.Stop()

	server := api.NewServer(cfg.Server, dbClient, st, recorder, bus, listener,
		gate, coordinator, pool)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening",
			"addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port))
		if err := server.Start(); err != nil {
			errCh <- err
		}
	}()

	slog.Info("runforge started",
		"pod_id", podID,
		"workers", cfg.Queue.WorkerCount,
		"agents", cfg.Agents.Len())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("HTTP server error triggered shutdown", "error", err)
	}

	// Stop intake first, then drain workers. Runs still going after the
	// grace period lose their context; the startup sweep requeues them.
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	forceStop := time.AfterFunc(cfg.Queue.GracefulShutdownTimeout, cancelRoot)
	pool.Stop()
	forceStop.Stop()

	slog.Info("runforge stopped", "pod_id", podID)
}

// buildLLMClient selects the configured model provider.
func buildLLMClient(cfg *config.LLMConfig) (llm.Client, error) {
	switch cfg.Provider {
	case "stub":
		slog.Warn("using stub model client; configure llm.provider for production")
		return llm.NewStubClient(llm.StubTurn{Text: "stub response"}), nil
	default:
		return llm.NewAnthropicClient(llm.AnthropicConfig{
			APIKey:       os.Getenv(cfg.APIKeyEnv),
			DefaultModel: cfg.Model,
			MaxRetries:   cfg.MaxRetries,
			RetryDelay:   cfg.RetryDelay,
		})
	}
}
