// Agent Bus server — provides the HTTP API, manages queue workers, and
// orchestrates multi-agent job pipelines.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/agentbus/agentbus/pkg/agent"
	"github.com/agentbus/agentbus/pkg/api"
	"github.com/agentbus/agentbus/pkg/config"
	"github.com/agentbus/agentbus/pkg/database"
	"github.com/agentbus/agentbus/pkg/events"
	"github.com/agentbus/agentbus/pkg/llm"
	"github.com/agentbus/agentbus/pkg/memory"
	"github.com/agentbus/agentbus/pkg/metrics"
	"github.com/agentbus/agentbus/pkg/mlrouter"
	"github.com/agentbus/agentbus/pkg/orchestrator"
	"github.com/agentbus/agentbus/pkg/queue"
	"github.com/agentbus/agentbus/pkg/services"
	"github.com/agentbus/agentbus/pkg/skills"
	"github.com/agentbus/agentbus/pkg/store"
	"github.com/agentbus/agentbus/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// resolvePodID determines the pod identifier for multi-replica coordination.
// Priority: POD_ID env > HOSTNAME env > "local"
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

	// Load .env file from config directory
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	podID := resolvePodID()
	slog.Info("Starting Agent Bus",
		"version", version.Version,
		"pod_id", podID,
		"config_dir", *configDir)

	ctx := context.Background()

	// 1. Initialize configuration
	cfg, err := config.Initialize(*configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// 2. Metrics registry
	m := metrics.New()

	// 3. Open the job store
	var st store.Store
	switch cfg.Storage.Driver {
	case config.StorageDriverPostgres:
		db, dbErr := database.Open(ctx, cfg.Storage)
		if dbErr != nil {
			slog.Error("Failed to connect to database", "error", dbErr)
			os.Exit(1)
		}
		st = store.NewPostgresStore(db)
		slog.Info("Connected to PostgreSQL database",
			"host", cfg.Storage.Host, "database", cfg.Storage.Database)
	default:
		st = store.NewMemoryStore()
		slog.Warn("Using in-memory storage, state is lost on restart")
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("Error closing store", "error", err)
		}
	}()

	// 4. Event bus and task queue
	bus := events.NewBus(events.Options{
		PerJobRing:       cfg.Events.RingBuffer.PerJob,
		GlobalRing:       cfg.Events.RingBuffer.Global,
		SubscriberBuffer: cfg.Events.RingBuffer.SubscriberBuffer,
	})
	tasks := queue.NewTaskQueue(cfg.Queue.VisibilityTimeout())
	defer tasks.Close()

	// 5. LLM client with transient-error retry
	llmClient := llm.NewRetrying(llm.NewOpenAIClient(cfg.LLM, m), cfg.Worker.LLMRetry)
	slog.Info("LLM client initialized", "base_url", cfg.LLM.BaseURL, "model", cfg.LLM.Model)

	// 6. Agent memory and skill bundles
	var mem memory.Client = memory.Noop{}
	if cfg.Memory.Enabled {
		chromemClient, memErr := memory.NewChromemClient(cfg.Memory, nil)
		if memErr != nil {
			slog.Error("Failed to open memory store", "error", memErr)
			os.Exit(1)
		}
		mem = chromemClient
		slog.Info("Agent memory enabled", "path", cfg.Memory.Path)
	}

	sk, err := skills.Load(cfg.Skills.Dir)
	if err != nil {
		slog.Error("Failed to load skill bundles", "dir", cfg.Skills.Dir, "error", err)
		os.Exit(1)
	}

	// 7. Agent registry and runtime
	registry, err := agent.NewRegistry(agent.DefaultAgents()...)
	if err != nil {
		slog.Error("Failed to build agent registry", "error", err)
		os.Exit(1)
	}
	runtime := agent.NewRuntime(registry, st, bus, llmClient, mem, sk, slog.Default())

	// 8. Orchestrator and worker pool
	orch := orchestrator.New(st, tasks, bus, registry, mlrouter.Keyword{}, cfg.Orchestrator, m)
	pool := queue.NewPool(podID, st, tasks, bus, runtime, orch, queue.PoolConfig{
		Workers: cfg.Workers,
		Worker:  cfg.Worker,
		Queue:   cfg.Queue,
	}, m)
	orch.SetCanceller(pool)

	if err := pool.Start(ctx); err != nil {
		slog.Error("Failed to start worker pool", "error", err)
		os.Exit(1)
	}

	// 9. Re-advertise tasks stranded by the previous process
	if n, err := orch.Recover(ctx); err != nil {
		slog.Error("Startup recovery failed", "error", err)
	} else if n > 0 {
		slog.Info("Recovered queued tasks", "count", n)
	}

	// 10. HTTP server (non-blocking)
	server := api.NewServer(cfg.HTTP, st,
		services.NewJobService(st, orch, bus),
		services.NewArtifactService(st),
		services.NewEventService(bus),
		services.NewUsageService(st),
		pool, m)

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil {
			errCh <- err
		}
	}()

	slog.Info("Agent Bus started",
		"pod_id", podID,
		"cpu_workers", cfg.Workers.CPU.Count,
		"gpu_workers", cfg.Workers.GPU.Count)

	// 11. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 12. Graceful shutdown: stop workers first so in-flight tasks finish,
	// then drain HTTP connections.
	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Queue.GracefulShutdownTimeout())
	defer cancel()

	done := make(chan struct{})
	go func() {
		pool.Stop()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("Worker pool stopped gracefully")
	case <-shutdownCtx.Done():
		slog.Warn("Shutdown timeout exceeded, in-flight tasks will be orphan-recovered")
	}

	httpCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := server.Shutdown(httpCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
