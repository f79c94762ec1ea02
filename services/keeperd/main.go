package keeperd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"formicarium/config"
	"formicarium/core"
	"formicarium/core/events"
	"formicarium/observability/logging"
	telemetry "formicarium/observability/otel"
	"formicarium/services/journal"
	"formicarium/storage"
)

// Main initialises and runs the settlement keeper daemon.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/keeperd/config.yaml", "path to keeperd configuration")
	flag.Parse()

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	nodeCfg, err := config.Load(cfg.NodeConfig)
	if err != nil {
		return fmt.Errorf("load node config: %w", err)
	}
	identity, err := cfg.IdentityAddress()
	if err != nil {
		return err
	}

	env := strings.TrimSpace(os.Getenv("FORMICARIUM_ENV"))
	logger := logging.SetupWithOptions("keeperd", env, logging.Options{
		Level:     nodeCfg.Log.Level,
		File:      nodeCfg.Log.File,
		MaxSizeMB: nodeCfg.Log.MaxSizeMB,
	})
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "keeperd",
		Environment: env,
		Deployment: telemetry.Deployment{
			EscrowAccount:    nodeCfg.EscrowAccount,
			SettlementPolicy: nodeCfg.Settlement.Policy,
			StorageBackend:   nodeCfg.StorageBackend,
			Journal:          nodeCfg.Journal.DSN != "",
		},
		Endpoint:    nodeCfg.Telemetry.Endpoint,
		Insecure:    nodeCfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(nodeCfg.Telemetry.Headers),
		Metrics:     nodeCfg.Telemetry.Metrics,
		Traces:      nodeCfg.Telemetry.Traces,
		SampleRatio: nodeCfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The journal sees transitions made by every process sharing the store,
	// so the feed follows it when one is configured.
	feed := events.NewStream(0)
	var sink events.Emitter = feed
	if nodeCfg.Journal.DSN != "" {
		j, err := journal.Open(nodeCfg.Journal.DSN)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		defer func() { _ = j.Close() }()
		j.SetLogger(logger)
		last, err := j.Last(stopCtx)
		if err != nil {
			return fmt.Errorf("read journal head: %w", err)
		}
		go func() {
			if err := j.Follow(stopCtx, last, time.Second, feed); err != nil && stopCtx.Err() == nil {
				logger.Error("keeperd: journal follow stopped", slog.Any("error", err))
			}
		}()
		sink = j
	}

	opts := []ProcessorOption{
		WithInterval(cfg.Interval.Duration),
		WithRateLimit(cfg.RateLimit, cfg.Burst),
		WithLogger(logger),
	}
	var engine Engine
	if nodeCfg.StorageBackend == storage.BackendMemory {
		scanCfg := *nodeCfg
		scanCfg.Journal.DSN = ""
		node, err := core.NewNode(&scanCfg, logger, core.WithEmitter(sink))
		if err != nil {
			return fmt.Errorf("open node: %w", err)
		}
		defer func() { _ = node.Close() }()
		engine = node.Engine()
	} else {
		opts = append(opts, WithEngineSource(NodeSource(nodeCfg, logger, sink)))
	}
	processor := NewProcessor(engine, identity, opts...)
	if cfg.PauseOnStart {
		processor.Pause()
	}

	auth := NewAuthenticator(cfg.Admin, logger)
	if auth == nil {
		logger.Warn("keeperd: admin authentication disabled; set admin.jwt_secret to protect pause and resume")
	}

	admin := NewAdminServer(processor, WithAuthenticator(auth), WithFeed(feed))
	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           otelhttp.NewHandler(admin, "keeperd.admin"),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() { _ = processor.Run(stopCtx) }()

	errs := make(chan error, 1)
	go func() {
		logger.Info("keeperd listening",
			slog.String("addr", cfg.ListenAddress),
			slog.String("identity", identity.Hex()),
			slog.Duration("interval", cfg.Interval.Duration))
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
