// Command fabricd is the main entry point for the memory fabric server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/fabricmem/internal/fabricconfig"
	"github.com/MrWong99/fabricmem/internal/fabrictelemetry"
	"github.com/MrWong99/fabricmem/internal/health"
	"github.com/MrWong99/fabricmem/pkg/fabric/coordinator"
	"github.com/MrWong99/fabricmem/pkg/fabric/facade"
	"github.com/MrWong99/fabricmem/pkg/fabric/l1"
	"github.com/MrWong99/fabricmem/pkg/fabric/l3"
	"github.com/MrWong99/fabricmem/pkg/fabric/outbox"
	"github.com/MrWong99/fabricmem/pkg/fabric/promotion"
	"github.com/MrWong99/fabricmem/pkg/fabric/vector"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	listenAddr := flag.String("listen", ":8080", "address to serve /healthz, /readyz and /metrics on")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(*logLevel)
	slog.SetDefault(logger)

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := fabricconfig.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "fabricd: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "fabricd: %v\n", err)
		}
		return 1
	}

	slog.Info("fabricd starting",
		"config", *configPath,
		"listen_addr", *listenAddr,
		"l3_read_only", cfg.L3.ReadOnly,
		"promotions_enabled", cfg.Promotions.Enabled,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := fabrictelemetry.InitProvider(ctx, fabrictelemetry.ProviderConfig{
		ServiceName: "fabricd",
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			slog.Error("telemetry shutdown error", "err", err)
		}
	}()

	// ── Fabric wiring ─────────────────────────────────────────────────────────
	fab, err := facade.New(ctx, buildFacadeConfig(cfg))
	if err != nil {
		slog.Error("failed to initialise fabric", "err", err)
		return 1
	}

	// ── HTTP server: health, readiness, metrics ──────────────────────────────
	mux := http.NewServeMux()
	healthHandler := health.New(fabrictelemetry.FabricChecker(fab))
	healthHandler.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	srv := &http.Server{Addr: *listenAddr, Handler: mux}
	go func() {
		slog.Info("serving health and metrics", "addr", *listenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server error", "err", err)
		}
	}()

	slog.Info("fabricd ready — press Ctrl+C to shut down")
	<-ctx.Done()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown error", "err", err)
	}
	if err := fab.Shutdown(shutdownCtx); err != nil {
		slog.Error("fabric shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// buildFacadeConfig translates the on-disk configuration schema into the
// facade's wiring [facade.Config].
func buildFacadeConfig(cfg *fabricconfig.Config) facade.Config {
	return facade.Config{
		L1: l1.Config{
			MaxSize:              cfg.L1.MaxSize,
			EvictionThreshold:    cfg.L1.EvictionThreshold,
			LowWaterMark:         cfg.L1.LowWaterMark,
			Alpha:                cfg.L1.Alpha,
			PromotionThreshold:   cfg.L1.PromotionThreshold,
			PromotionRequeueStep: cfg.L1.PromotionRequeueStep,
			Metric:               vector.Cosine,
			Dim:                  cfg.L3.EmbeddingDimensions,
		},
		L2Path:      cfg.L2.StoragePath,
		L2MaxSize:   cfg.L2.MaxSize,
		L2VectorDim: cfg.L2.VectorDim,
		L2Metric:    vector.Cosine,
		L3: l3.Config{
			DSN:                 cfg.L3.DSN,
			ReplicaDSN:          cfg.L3.ReplicaDSN,
			ReadOnly:            cfg.L3.ReadOnly,
			EmbeddingDimensions: cfg.L3.EmbeddingDimensions,
		},
		Outbox: outbox.Config{
			MaxPending:         cfg.Outbox.MaxPending,
			VisibilityTimeout:  cfg.Outbox.VisibilityTimeout,
			DefaultMaxAttempts: cfg.Outbox.DefaultMaxAttempts,
		},
		Coordinator: coordinator.Config{
			Workers:     cfg.Coordinator.Workers,
			BatchSize:   cfg.Coordinator.BatchSize,
			IdleSleep:   cfg.Coordinator.IdleSleep,
			AutoRestart: cfg.Coordinator.AutoRestart,
		},
		Promotion: promotion.Config{
			Interval:    cfg.Promotions.Interval,
			BatchLimit:  cfg.Promotions.BatchLimit,
			Concurrency: cfg.Promotions.Concurrency,
		},
		EnablePromotion: cfg.Promotions.Enabled,
	}
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
