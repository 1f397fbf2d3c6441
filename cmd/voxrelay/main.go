// Command voxrelay runs the voice/chat relay daemon: it serves the WebSocket
// gateway, tails the shared conversation transcript, and delivers client
// requests to the external agent executor with queue-and-retry resilience.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"log/slog"

	"github.com/joho/godotenv"
	"github.com/mattn/go-isatty"

	"github.com/voxrelay/voxrelay/internal/agent"
	"github.com/voxrelay/voxrelay/internal/bus"
	"github.com/voxrelay/voxrelay/internal/config"
	"github.com/voxrelay/voxrelay/internal/dedup"
	"github.com/voxrelay/voxrelay/internal/gateway"
	otelPkg "github.com/voxrelay/voxrelay/internal/otel"
	"github.com/voxrelay/voxrelay/internal/relay"
	"github.com/voxrelay/voxrelay/internal/session"
	"github.com/voxrelay/voxrelay/internal/speech"
	"github.com/voxrelay/voxrelay/internal/telemetry"
	"github.com/voxrelay/voxrelay/internal/transcript"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func main() {
	_ = godotenv.Load()

	daemon := flag.Bool("daemon", false, "run attached to the terminal with logs on stdout")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("voxrelay", Version)
		return
	}

	// Quiet logs (file-only) when stdout is a terminal and we're not an
	// explicit foreground daemon, so interactive status output stays clean.
	quietLogs := isatty.IsTerminal(os.Stdout.Fd()) && !*daemon

	if err := run(quietLogs); err != nil {
		fmt.Fprintln(os.Stderr, "voxrelay:", err)
		os.Exit(1)
	}
}

func run(quietLogs bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quietLogs)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	otelProvider, err := otelPkg.Init(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer otelProvider.Shutdown(context.Background())

	logger.Info("voxrelay starting",
		"version", Version,
		"bind_addr", cfg.BindAddr,
		"transcript", cfg.TranscriptPath,
		"config_fingerprint", cfg.Fingerprint(),
	)

	eventBus := bus.New()

	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	go otelPkg.NewRecorder(metrics, eventBus).Run(ctx)

	ledger := session.NewLedger()
	registry := session.NewRegistry(eventBus, logger, ledger.Drop)
	cache := dedup.NewCache(cfg.Sync.DedupCacheSize)

	executor := agent.NewHTTPExecutor(cfg.Agent.BaseURL, cfg.RequestTimeout(), logger)
	transcriber := speech.NewHTTPTranscriber(cfg.Speech.BaseURL,
		time.Duration(cfg.Speech.RequestTimeoutSeconds)*time.Second)

	engine := relay.New(relay.Options{
		TranscriptPath: cfg.TranscriptPath,
		TailLines:      cfg.Sync.TailLines,
		OriginTag:      cfg.OriginTag,
		RequestTimeout: cfg.RequestTimeout(),
		QueueCapacity:  cfg.Queue.Capacity,
		DrainInterval:  cfg.DrainInterval(),
		Registry:       registry,
		Ledger:         ledger,
		Cache:          cache,
		Executor:       executor,
		Appender:       transcript.NewAppender(cfg.TranscriptPath, cfg.OriginTag),
		Bus:            eventBus,
		Logger:         logger,
	})
	go engine.Run(ctx)

	notifier := transcript.NewNotifier(eventBus, cfg.TranscriptPath, cfg.PollInterval(), cfg.DebounceWindow(), logger)
	notifier.Start(ctx)

	registry.StartReaper(ctx, cfg.ReapInterval(), cfg.IdleMaxAge())

	gw := gateway.New(gateway.Config{
		Engine:            engine,
		Registry:          registry,
		Ledger:            ledger,
		Cache:             cache,
		Transcriber:       transcriber,
		Bus:               eventBus,
		Logger:            logger,
		ConfigFingerprint: cfg.Fingerprint(),
		HeartbeatInterval: cfg.HeartbeatInterval(),
	})
	gw.StartHeartbeat(ctx)

	server := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: gw.Handler(),
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr, "ws", "/ws")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
	return nil
}
