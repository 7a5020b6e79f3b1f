package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/sandpipe/sandpipe/internal/action"
	"github.com/sandpipe/sandpipe/internal/actionlog"
	"github.com/sandpipe/sandpipe/internal/common/config"
	"github.com/sandpipe/sandpipe/internal/common/logger"
	"github.com/sandpipe/sandpipe/internal/editor"
	"github.com/sandpipe/sandpipe/internal/events/bus"
	"github.com/sandpipe/sandpipe/internal/history"
	"github.com/sandpipe/sandpipe/internal/orchestrator/api"
	"github.com/sandpipe/sandpipe/internal/orchestrator/streaming"
	"github.com/sandpipe/sandpipe/internal/sandbox"
)

func main() {
	configPath := flag.String("config", "", "path to config directory")
	flag.Parse()

	cfg, err := config.LoadWithPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting orchestrator",
		zap.Int("port", cfg.Server.Port),
		zap.String("sandbox_image", cfg.Sandbox.Image),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Event bus: NATS when configured, in-memory otherwise.
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
	} else {
		eventBus = bus.NewMemoryEventBus(log)
	}
	defer eventBus.Close()

	sb, err := sandbox.NewDockerSandbox(cfg.Sandbox, log)
	if err != nil {
		log.Fatal("failed to initialize sandbox", zap.Error(err))
	}

	hist := history.NewRecorder(sb, cfg.Sandbox.HistoryRoot, log)
	fileEditor := editor.NewFileEditor(sb, hist, log)

	logRepo, err := actionlog.NewRepository(ctx, cfg.ActionLog)
	if err != nil {
		log.Fatal("failed to initialize action log", zap.Error(err))
	}
	defer logRepo.Close()

	store := action.NewStore(eventBus, log)
	queue := action.NewQueue(log)
	defer queue.Close()
	pending := action.NewPendingCalls()

	alert := func(a action.Alert) {
		event := bus.NewEvent(bus.SubjectActionAlert, "orchestrator", map[string]interface{}{
			"type":        a.Type,
			"title":       a.Title,
			"description": a.Description,
			"content":     a.Content,
		})
		if err := eventBus.Publish(ctx, bus.SubjectActionAlert, event); err != nil {
			log.Warn("failed to publish alert", zap.Error(err))
		}
	}

	dispatcher := action.NewDispatcher(
		store, sb, pending, fileEditor, hist, alert,
		cfg.Execution.StartLaunchDelayDuration(), log,
	)
	orch := action.NewOrchestrator(store, queue, dispatcher, log)

	// Persist terminal outcomes.
	logSub, err := eventBus.Subscribe(bus.SubjectActionCompleted, func(ctx context.Context, event *bus.Event) error {
		id, _ := event.Data["action_id"].(string)
		if id == "" {
			return nil
		}
		actionType, _ := event.Data["type"].(string)
		status, _ := event.Data["status"].(string)
		errMsg, _ := event.Data["error"].(string)
		return logRepo.Put(ctx, &actionlog.Record{
			ID:         id,
			Type:       actionType,
			Status:     status,
			Error:      errMsg,
			FinishedAt: event.Timestamp,
		})
	})
	if err != nil {
		log.Fatal("failed to subscribe to completion events", zap.Error(err))
	}
	defer logSub.Unsubscribe()

	hub := streaming.NewHub(log)
	go hub.Run(ctx)
	hubSub, err := hub.BindBus(eventBus)
	if err != nil {
		log.Fatal("failed to bind streaming hub", zap.Error(err))
	}
	defer hubSub.Unsubscribe()

	awaitTimeout := func(parent context.Context) (context.Context, context.CancelFunc) {
		return context.WithTimeout(parent, cfg.Execution.AwaitToolResultTimeoutDuration())
	}
	handlers := api.NewHandlers(orch, logRepo, hub, awaitTimeout, log)
	router := api.NewRouter(handlers, log)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown failed", zap.Error(err))
	}
	cancel()
	log.Info("orchestrator stopped")
}
