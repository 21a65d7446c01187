package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/easydatahq/agent-gateway/internal/bridge"
	"github.com/easydatahq/agent-gateway/internal/config"
	"github.com/easydatahq/agent-gateway/internal/contextstore"
	"github.com/easydatahq/agent-gateway/internal/intent"
	"github.com/easydatahq/agent-gateway/internal/llm"
	"github.com/easydatahq/agent-gateway/internal/logging"
	"github.com/easydatahq/agent-gateway/internal/pipeline"
	"github.com/easydatahq/agent-gateway/internal/progress"
	"github.com/easydatahq/agent-gateway/internal/ratelimit"
	"github.com/easydatahq/agent-gateway/internal/retry"
	"github.com/easydatahq/agent-gateway/internal/scheduler"
	"github.com/easydatahq/agent-gateway/internal/server"
	"github.com/easydatahq/agent-gateway/internal/stage"
	"github.com/easydatahq/agent-gateway/internal/validation"
)

const version = "1.0.0"

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	logger := logging.WithComponent("main")
	logger.Info("Starting EasyData agent gateway", "version", version)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("Invalid config", "error", err)
		os.Exit(1)
	}
	logging.SetLevel(cfg.Logging.Level)

	policy := retry.DefaultPolicy()

	completion, err := llm.NewHTTPClient(&cfg.Completion, policy)
	if err != nil {
		logger.Error("Failed to create completion client", "error", err)
		os.Exit(1)
	}

	bridgeClient := bridge.NewClient(&cfg.Backend, policy)
	store := contextstore.New(&cfg.Redis, cfg.Pipeline.GetContextTTL())
	hub := progress.NewHub()
	limiter := ratelimit.New(cfg.Pipeline.RateLimitMax, cfg.Pipeline.GetRateLimitWindow())

	schemaSource := stage.RoutingSource{Backend: bridgeClient}
	stages := pipeline.Stages{
		Schema:        stage.NewSchemaStage(schemaSource),
		Query:         stage.NewQueryStage(completion, cfg.Completion.QueryModel, cfg.Pipeline.MinQueryLength),
		Execution:     stage.NewExecutionStage(stage.RoutingExecutor{Backend: bridgeClient}),
		Visualization: stage.NewVisualizationStage(completion, cfg.Completion.ChatModel),
		Chat:          stage.NewChatStage(completion, cfg.Completion.ChatModel, schemaSource),
	}

	orch := pipeline.New(
		intent.NewClassifier(completion, cfg.Completion.ChatModel),
		validation.NewGate(completion, cfg.Completion.QueryModel),
		stages,
		store,
		hub,
		limiter,
		bridgeClient,
		cfg.Pipeline.GetContextTTL(),
	)

	sched := scheduler.New(bridgeClient, store)
	sched.Start()
	logger.Info("Scheduler started")

	startupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := bridgeClient.RegisterAgent(startupCtx); err != nil {
		logger.Warn("Initial agent registration failed, scheduler will retry", "error", err)
	}
	cancel()

	srv := server.New(cfg, orch, hub, logging.WithComponent("server"))
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			logger.Error("Server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down")
	sched.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown error", "error", err)
	}
	logger.Info("Gateway stopped")
}
