// SHSH Recon - sandboxed reconnaissance agent and scan pipeline server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/ashureev/shsh-recon/internal/agent"
	"github.com/ashureev/shsh-recon/internal/api"
	"github.com/ashureev/shsh-recon/internal/config"
	"github.com/ashureev/shsh-recon/internal/container"
	"github.com/ashureev/shsh-recon/internal/llm"
	"github.com/ashureev/shsh-recon/internal/middleware"
	"github.com/ashureev/shsh-recon/internal/pipeline"
	"github.com/ashureev/shsh-recon/internal/queue"
	"github.com/ashureev/shsh-recon/internal/sandbox"
	"github.com/ashureev/shsh-recon/internal/store"
	"github.com/ashureev/shsh-recon/internal/stream"
	"github.com/ashureev/shsh-recon/internal/telemetry"
	"github.com/ashureev/shsh-recon/internal/tools"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Server stopped successfully")
}

//nolint:gocognit,funlen // Startup wiring is intentionally sequential to keep dependency setup explicit.
func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDev, "llm_enabled", cfg.LLMEnabled())

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry.ServiceName, cfg.Telemetry.Endpoint)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			slog.Warn("Telemetry shutdown failed", "error", err)
		}
	}()
	metrics, err := telemetry.NewMetrics()
	if err != nil {
		return err
	}

	// Store.
	repo, err := store.NewSQLite(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()
	slog.Info("Database connected", "path", cfg.DBPath)

	cancelFlags, err := store.NewCancelCache(repo, cfg.CancelCacheTTL)
	if err != nil {
		return err
	}
	defer cancelFlags.Close()

	// Sandbox runtime.
	runtime, err := container.NewDockerRuntime(container.Options{
		Image:   cfg.Sandbox.Image,
		Runtime: cfg.Sandbox.Runtime,
		Network: cfg.Sandbox.Network,
	})
	if err != nil {
		return err
	}
	if err := runtime.EnsureImage(ctx); err != nil {
		return err
	}
	networkID, err := runtime.EnsureNetwork(ctx)
	if err != nil {
		return err
	}
	slog.Info("Sandbox network ready", "network_id", networkID)

	sandboxes := sandbox.NewManager(runtime, sandbox.NewRegistry(), sandbox.Options{
		Timeouts:      cfg.Sandbox.ToolTimeouts,
		Cancel:        cancelFlags,
		PollInterval:  cfg.Sandbox.CancelPollInterval,
		MaxConcurrent: cfg.Sandbox.MaxConcurrentCommands,
		OutputLimit:   cfg.Sandbox.OutputLimitBytes,
	})
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		sandboxes.Shutdown(shutdownCtx)
	}()

	sandbox.StartReaper(ctx, sandboxes, sandbox.ReaperConfig{
		Interval:     cfg.Reaper.Interval,
		TTL:          cfg.Reaper.TTL,
		InitialDelay: cfg.Reaper.InitialDelay,
		OnCleanup: func(sessionID string) {
			if err := cancelFlags.SetCancelled(context.Background(), sessionID, false); err != nil {
				slog.Warn("Failed to clear cancel flag for reaped session", "session_id", sessionID, "error", err)
			}
		},
	})

	executor := tools.NewExecutor(sandboxes, repo, tools.Options{
		MinEvidenceLines: cfg.MinEvidenceLines,
		Metrics:          metrics,
	})

	// Live status.
	hub := stream.NewHub()
	defer hub.Close()

	// Agent.
	var chat api.Agent
	if cfg.LLMEnabled() {
		client := llm.NewClient(llm.Config{
			BaseURL:   cfg.LLM.BaseURL,
			APIKey:    cfg.LLM.APIKey,
			Model:     cfg.LLM.Model,
			MaxTokens: cfg.LLM.MaxTokens,
		}, cfg.LLM.Timeout)

		transcript, err := agent.NewTranscriptLogger(agent.TranscriptConfig{
			Enabled:   cfg.Transcript.Enabled,
			Dir:       cfg.Transcript.Dir,
			QueueSize: cfg.Transcript.QueueSize,
		}, logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := transcript.Close(); err != nil {
				slog.Warn("Failed to close transcript logger", "error", err)
			}
		}()

		compressor := agent.NewCompressor(client, agent.CompressorOptions{
			Counter: agent.NewTokenCounter(cfg.LLM.Model),
		})
		chat = agent.NewController(client, executor, repo, compressor, agent.Options{
			MaxIterations: cfg.Agent.MaxIterations,
			Cancel:        cancelFlags,
			Publisher:     hub,
			Transcript:    transcript,
			Metrics:       metrics,
		})
		slog.Info("Agent enabled", "model", cfg.LLM.Model, "max_iterations", cfg.Agent.MaxIterations)
	} else {
		slog.Info("Agent disabled (LLM_API_KEY not set); scan pipeline remains available")
	}

	// Pipeline.
	events, err := newQueue(ctx, cfg.Queue)
	if err != nil {
		return err
	}
	orchestrator := pipeline.NewOrchestrator(events, repo, pipeline.Options{
		Sessions: sandboxes,
		Metrics:  metrics,
	})
	orchestrator.Register(pipeline.NewRunner(executor, repo).Stages()...)
	if err := orchestrator.Start(ctx); err != nil {
		return err
	}
	defer func() {
		orchestrator.Stop()
		if err := events.Drain(); err != nil {
			slog.Warn("Queue drain failed", "error", err)
		}
	}()

	// Handlers.
	apiHandler := api.NewHandler(ctx, sandboxes, chat, repo, cancelFlags, orchestrator)
	healthHandler := api.NewHealthHandler(map[string]api.Pinger{
		"database": repo,
		"runtime":  runtime,
		"queue": api.PingFunc(func(context.Context) error {
			if !events.IsConnected() {
				return errors.New("queue disconnected")
			}
			return nil
		}),
	}, 5*time.Second)
	wsHandler := stream.NewHandler(hub, repo, firstOrigin(cfg.CORSOrigins), cfg.IsDev)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(telemetry.HTTPMiddleware(cfg.Telemetry.ServiceName))
	r.Use(middleware.CORS(cfg.CORSOrigins))

	healthHandler.RegisterHealth(r)
	apiHandler.RegisterRoutes(r)
	r.Get("/ws/runs/{id}", wsHandler.ServeHTTP)

	// WebSocket streams are long-lived, so there is no write timeout.
	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     r,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func newQueue(ctx context.Context, cfg config.QueueConfig) (queue.Queue, error) {
	if cfg.NATSURL == "" {
		slog.Info("Using in-process event queue; pending scans do not survive a restart")
		return queue.NewMemory(cfg.MaxDeliver, 5*time.Second), nil
	}
	return queue.ConnectNATS(ctx, cfg.NATSURL, queue.NATSOptions{
		AckWait:    cfg.AckWait,
		MaxDeliver: cfg.MaxDeliver,
	})
}

func firstOrigin(origins []string) string {
	if len(origins) == 0 {
		return "*"
	}
	return origins[0]
}
