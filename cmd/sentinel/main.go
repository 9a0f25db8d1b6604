// Sentinel gateway daemon — serves the HTTP API, runs the routine
// scheduler, and bridges the WebSocket, SSE, messaging, and MCP channels
// onto the task orchestrator.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/CherryPod/sentinel-sub001/pkg/api"
	"github.com/CherryPod/sentinel-sub001/pkg/approval"
	"github.com/CherryPod/sentinel-sub001/pkg/bus"
	"github.com/CherryPod/sentinel-sub001/pkg/channels"
	"github.com/CherryPod/sentinel-sub001/pkg/cleanup"
	"github.com/CherryPod/sentinel-sub001/pkg/config"
	"github.com/CherryPod/sentinel-sub001/pkg/conversation"
	"github.com/CherryPod/sentinel-sub001/pkg/database"
	"github.com/CherryPod/sentinel-sub001/pkg/memory"
	"github.com/CherryPod/sentinel-sub001/pkg/orchestrator"
	"github.com/CherryPod/sentinel-sub001/pkg/planner"
	"github.com/CherryPod/sentinel-sub001/pkg/provenance"
	"github.com/CherryPod/sentinel-sub001/pkg/routines"
	"github.com/CherryPod/sentinel-sub001/pkg/security"
	"github.com/CherryPod/sentinel-sub001/pkg/session"
	"github.com/CherryPod/sentinel-sub001/pkg/tools"
	"github.com/CherryPod/sentinel-sub001/pkg/version"
	"github.com/CherryPod/sentinel-sub001/pkg/worker"
)

const sidecarTimeout = 10 * time.Second

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file, using existing environment", "error", err)
	}

	settings := config.Load()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: settings.LogLevel,
	}))
	slog.SetDefault(logger)

	if err := settings.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	policy, err := config.LoadPolicy(settings.PolicyFile)
	if err != nil {
		logger.Error("loading security policy", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbClient, err := database.NewClient(ctx, settings.DatabasePath)
	if err != nil {
		logger.Error("opening database", "path", settings.DatabasePath, "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logger.Error("closing database", "error", err)
		}
	}()
	db := dbClient.DB()

	eventBus := bus.New(logger)
	prov := provenance.NewStore(db, logger)
	sessions := session.NewStore(db, settings.SessionTTL, settings.SessionMaxCount, logger)
	analyzer := conversation.NewAnalyzer(settings.RiskWarnThreshold, settings.RiskBlockThreshold, logger)
	approvals := approval.NewManager(db, settings.ApprovalTimeout, logger)

	cred := security.NewCredentialScanner(security.CompilePatterns(policy.CredentialPatterns))
	paths := security.NewSensitivePathScanner(policy.SensitivePaths)
	cmds := security.NewCommandPatternScanner(security.CompilePatterns(policy.CommandPatterns))

	var guard security.PromptGuard
	if settings.PromptGuardEnabled {
		guard = security.NewHTTPPromptGuard(settings.PromptGuardURL, sidecarTimeout)
	}
	var shield security.CodeShield
	if settings.CodeShieldEnabled {
		shield = security.NewHTTPCodeShield(settings.CodeShieldURL, sidecarTimeout)
	}

	workerClient := worker.NewClient(settings.WorkerBaseURL, settings.WorkerModel, settings.WorkerTimeout, logger)
	pipeline := security.NewPipeline(cred, paths, cmds, guard, security.GuardConfig{
		Enabled:   settings.PromptGuardEnabled,
		Required:  settings.PromptGuardRequired,
		Threshold: settings.PromptGuardThreshold,
	}, workerClient, prov, settings.SpotlightingEnabled, logger)

	plannerClient, err := planner.NewFromAPIKey(
		os.Getenv("ANTHROPIC_API_KEY"),
		settings.PlannerModel, settings.PlannerMaxTokens, logger)
	if err != nil {
		logger.Error("creating planner client", "error", err)
		os.Exit(1)
	}

	toolExec := tools.NewExecutor(settings.WorkspaceDir, policy, prov, cmds, logger)

	embed := memory.NewOllamaEmbedding(settings.WorkerBaseURL, settings.EmbedModel, settings.WorkerTimeout)
	memStore, err := memory.NewStore(settings.MemoryDir, embed, db, eventBus, logger)
	if err != nil {
		logger.Error("opening memory store", "dir", settings.MemoryDir, "error", err)
		os.Exit(1)
	}

	orch := orchestrator.New(
		sessions, analyzer, pipeline, plannerClient, toolExec,
		approvals, prov, eventBus, memStore, shield, policy,
		orchestrator.Config{
			ApprovalMode:       settings.ApprovalMode,
			AutoMemory:         settings.AutoMemory,
			VerboseResults:     settings.VerboseResults,
			CodeShieldRequired: settings.CodeShieldRequired,
		}, logger)

	routineStore := routines.NewStore(db, settings.RoutineMaxPerUser, logger)
	var engine *routines.Engine
	if settings.RoutineEnabled {
		engine = routines.NewEngine(routineStore, orch, eventBus, routines.EngineConfig{
			TickInterval:     settings.RoutineTickInterval,
			MaxConcurrent:    settings.RoutineMaxConcurrent,
			ExecutionTimeout: settings.RoutineTimeout,
		}, logger)
		engine.Start(ctx)
		defer engine.Stop()
	}

	sweeper := cleanup.NewService(db, cleanup.Config{}, logger)
	sweeper.Start(ctx)
	defer sweeper.Stop()

	router := channels.NewRouter(orch, eventBus, logger)
	wsManager := channels.NewWSManager(router, approvals, settings.PIN, logger)
	sse := channels.NewSSEStreamer(eventBus, logger)
	mcpServer := channels.NewMCPServer(orch, memStore, nil, logger)

	if settings.MessagingCommand != "" {
		messaging := channels.NewMessagingChannel(strings.Fields(settings.MessagingCommand), router, logger)
		if err := messaging.Start(ctx); err != nil {
			logger.Error("starting messaging channel", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := messaging.Stop(); err != nil {
				logger.Error("stopping messaging channel", "error", err)
			}
		}()
	}

	deps := api.Deps{
		Orch:      orch,
		Approvals: approvals,
		Sessions:  sessions,
		Memory:    memStore,
		Routines:  routineStore,
		SSE:       sse,
		WS:        wsManager,
		MCP:       mcpServer.Handler(),
		DB:        db,
	}
	if engine != nil {
		deps.Engine = engine
	}
	server := api.NewServer(deps, api.Config{
		PIN:             settings.PIN,
		MaxRequestBytes: settings.MaxRequestBytes,
		AllowedOrigins:  settings.AllowedOrigins,
	}, logger)

	logger.Info("sentinel starting",
		"version", version.Full(),
		"addr", settings.Addr(),
		"approval_mode", settings.ApprovalMode,
		"routines", settings.RoutineEnabled,
		"worker_model", settings.WorkerModel)

	if err := server.Run(ctx, settings.Addr()); err != nil {
		logger.Error("http server failed", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}
