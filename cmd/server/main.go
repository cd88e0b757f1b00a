package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"kyc/internal/ingest/handler"
	ingest "kyc/internal/ingest/service"
	"kyc/internal/integrity"
	"kyc/internal/platform/bootstrap"
	"kyc/internal/platform/config"
	"kyc/internal/platform/httpserver"
	"kyc/internal/platform/logger"
	"kyc/internal/platform/metrics"
	sessionService "kyc/internal/session/service"
	"kyc/internal/token"
)

// main wires the ingestion gateway. Business logic lives in the internal
// service packages; this file only constructs and connects them.
func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	log := logger.New(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	backends, err := bootstrap.Open(ctx, bootstrap.Config{
		Environment: cfg.Environment,
		Database:    cfg.Database,
		Redis:       cfg.Redis,
		Queue:       cfg.Queue,
		ObjectStore: cfg.ObjectStore,
		Audit:       cfg.Audit,
	}, log, m)
	if err != nil {
		return err
	}
	defer func() {
		if err := backends.Close(); err != nil {
			log.Error("closing backends", "error", err)
		}
	}()

	sessions := sessionService.New(backends.Sessions)
	tokens := token.NewJWTService(cfg.JWTSigningKey, cfg.TokenTTL)
	ingestService := ingest.New(
		sessions,
		backends.Blobs,
		backends.Queue,
		tokens,
		integrity.NewVerifier([]byte(cfg.IntegritySecret)),
		ingest.WithTempDir(cfg.TempDir),
		ingest.WithVideosBucket(cfg.ObjectStore.VideosBucket),
		ingest.WithAuditPublisher(backends.Audit),
		ingest.WithMetrics(m),
		ingest.WithLogger(log),
	)

	opts := []handler.Option{
		handler.WithLatencyObserver(m),
		handler.WithMaxUploadBytes(cfg.MaxUploadBytes),
	}
	if cfg.RequireToken {
		opts = append(opts, handler.WithTokenGuard(tokens))
	}

	router := chi.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	handler.New(ingestService, sessions, log, opts...).Register(router)

	srv := httpserver.New(cfg.Addr, router)
	errCh := make(chan error, 1)
	go func() {
		log.Info("starting kyc gateway", "addr", cfg.Addr, "env", cfg.Environment)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down kyc gateway")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return nil
}
