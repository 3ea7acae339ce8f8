// Package main runs the marketflow server: the exchange feed controller,
// per-symbol metric pipelines, the OrchestratorV1 decision engine, and the
// broadcast/ops surface.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mitchellh/mapstructure"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/atlas-desktop/marketflow/internal/book"
	"github.com/atlas-desktop/marketflow/internal/broadcast"
	"github.com/atlas-desktop/marketflow/internal/config"
	"github.com/atlas-desktop/marketflow/internal/feed"
	"github.com/atlas-desktop/marketflow/internal/metrics"
	"github.com/atlas-desktop/marketflow/internal/orchestrator"
	"github.com/atlas-desktop/marketflow/internal/registry"
	"github.com/atlas-desktop/marketflow/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config (defaults apply when empty)")
	logLevel := flag.String("log-level", "", "Log level override (debug, info, warn, error)")
	symbolsFlag := flag.String("symbols", "BTCUSDT,ETHUSDT", "Comma-separated symbols pinned at startup")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}
	level := cfg.Logging.Level
	if *logLevel != "" {
		level = *logLevel
	}

	logger := setupLogger(level)
	defer logger.Sync()

	logger.Info("starting marketflow",
		zap.String("config", *configPath),
		zap.String("symbols", *symbolsFlag),
		zap.Bool("killSwitch", cfg.Orchestrator.KillSwitch),
		zap.Bool("executionEnabled", cfg.Orchestrator.ExecutionEnabled),
	)

	params := orchestrator.DefaultParams()
	if len(cfg.Orchestrator.Params) > 0 {
		if err := mapstructure.Decode(cfg.Orchestrator.Params, &params); err != nil {
			logger.Fatal("invalid orchestrator params", zap.Error(err))
		}
	}

	pipelineCfg := metrics.DefaultPipelineConfig()
	pipelineCfg.DepthLagMaxMs = cfg.Feed.DepthLagMaxMs

	reg := registry.New(logger, registry.Config{
		QueueMax:          cfg.Feed.EventQueueMax,
		BookBufferMax:     cfg.Feed.DepthQueueMax,
		EvalMinIntervalMs: cfg.Orchestrator.EvalMinIntervalMs,
		Pipeline:          pipelineCfg,
		Params:            params,
		Integrity:         book.DefaultIntegrityConfig(),
	})
	reg.SetKillSwitch(cfg.Orchestrator.KillSwitch)
	reg.SetExecutionEnabled(cfg.Orchestrator.ExecutionEnabled)
	reg.SetPositionProvider(flatPositions{})

	hub := broadcast.NewHub(logger)
	reg.SetSinks(hub, newDecisionLogger(logger, hub))

	rest := feed.NewRestClient(logger, cfg.Exchange)
	controller := feed.NewController(logger, cfg.Feed, cfg.Exchange, rest, reg, cfg.AutoScale)

	server := broadcast.NewServer(logger, cfg.Server, hub)
	server.SetSubscriptionHook(func(symbol string, subscribe bool) {
		if subscribe {
			controller.Subscribe(symbol)
		} else {
			controller.Unsubscribe(symbol)
		}
	})
	server.SetStatusFunc(func() interface{} {
		return statusPayload(reg, controller, hub)
	})

	collector := telemetry.NewCollector(logger, reg, controller)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	go hub.Run()
	g.Go(func() error { return controller.Run(gctx) })
	g.Go(func() error {
		collector.Run(gctx)
		return nil
	})
	g.Go(func() error { return server.Start() })

	// Pin the startup symbols; forced symbols survive auto-scaler shedding.
	for _, s := range strings.Split(*symbolsFlag, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			controller.Force(s)
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutdown signal received")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	_ = g.Wait()
	logger.Info("marketflow stopped")
}

func statusPayload(reg *registry.Registry, controller *feed.Controller, hub *broadcast.Hub) interface{} {
	books := make(map[string]interface{})
	reg.ForEach(func(e *registry.SymbolEntry) {
		books[e.Symbol] = map[string]interface{}{
			"state":        string(e.Book.State()),
			"lastUpdateId": e.Book.LastUpdateID(),
			"queue":        e.Queue.GetStats(),
			"bookStats":    e.Book.GetStats(),
			"integrity":    e.Integrity.Level().String(),
		}
	})
	return map[string]interface{}{
		"symbols":           books,
		"feed":              controller.MetaStatuses(),
		"subscriptionLimit": controller.SubscriptionLimit(),
		"globalBackoffMs":   controller.GlobalBackoffUntil(),
		"wsClients":         hub.ClientCount(),
		"wsDropped":         hub.DroppedCount(),
	}
}

// flatPositions is the no-position provider used when no execution layer is
// attached: the orchestrator still evaluates and publishes decisions, but
// every tick sees a flat book.
type flatPositions struct{}

func (flatPositions) Position(string) orchestrator.PositionSnapshot {
	return orchestrator.PositionSnapshot{}
}
func (flatPositions) FillConfirmed(string) bool { return false }
func (flatPositions) DryRunBlocked(string) bool { return false }

// decisionLogger fans decisions to the hub and logs non-HOLD intents.
type decisionLogger struct {
	logger *zap.Logger
	hub    *broadcast.Hub
}

func newDecisionLogger(logger *zap.Logger, hub *broadcast.Hub) *decisionLogger {
	return &decisionLogger{logger: logger.Named("decisions"), hub: hub}
}

func (d *decisionLogger) PublishDecision(decision *orchestrator.Decision) {
	d.hub.PublishDecision(decision)
	if decision.Intent != orchestrator.IntentHold {
		d.logger.Info("decision",
			zap.String("symbol", decision.Symbol),
			zap.String("intent", string(decision.Intent)),
			zap.String("side", string(decision.Side)),
			zap.Int("orders", len(decision.Orders)),
		)
	}
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
