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
	"golang.org/x/sync/errgroup"

	"kyc/internal/collaborator"
	"kyc/internal/frames"
	"kyc/internal/pipeline"
	"kyc/internal/platform/bootstrap"
	"kyc/internal/platform/config"
	"kyc/internal/platform/httpserver"
	"kyc/internal/platform/logger"
	"kyc/internal/platform/metrics"
	sessionService "kyc/internal/session/service"
	"kyc/pkg/platform/httputil"
)

// syntheticFrames is the clip length the synthetic decoder pretends to read.
const syntheticFrames = 300

// main wires the pipeline worker: the job queue, the analysis collaborators
// and the worker pool that drives sessions to a decision.
func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.WorkerFromEnv()
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

	var collaborators collaborator.Set
	switch cfg.Collaborators.Mode {
	case config.CollaboratorsStub:
		log.Warn("using stub analysis collaborators")
		collaborators = collaborator.NewStub(collaborator.DefaultStubScores).Set()
	default:
		collaborators = collaborator.NewHTTP(cfg.Collaborators, cfg.CallTimeout,
			collaborator.WithLogger(log),
			collaborator.WithCircuitObserver(m),
		).Set()
	}

	var decoder frames.Decoder
	switch cfg.FrameDecoder {
	case config.FrameDecoderSynthetic:
		log.Warn("using synthetic frame decoder")
		decoder = frames.NewSyntheticDecoder(syntheticFrames)
	default:
		decoder = frames.NewFFmpegDecoder(cfg.FFmpegPath, os.TempDir())
	}
	extractor := frames.NewExtractor(backends.Blobs, decoder,
		cfg.ObjectStore.VideosBucket, cfg.ObjectStore.FramesBucket,
		frames.WithInterval(cfg.FrameInterval),
	)

	sessions := sessionService.New(backends.Sessions)
	orch, err := pipeline.NewOrchestrator(sessions, extractor, collaborators, cfg.Scoring,
		pipeline.WithCallTimeout(cfg.CallTimeout),
		pipeline.WithMetrics(m),
		pipeline.WithLogger(log),
	)
	if err != nil {
		return fmt.Errorf("build orchestrator: %w", err)
	}
	pool := pipeline.NewPool(backends.Queue, sessions, orch, pipeline.PoolConfig{
		Concurrency:       cfg.Concurrency,
		MaxAttempts:       cfg.MaxAttempts,
		RetryDelay:        cfg.RetryDelay,
		LeaseTTL:          cfg.LeaseTTL,
		HeartbeatInterval: cfg.HeartbeatInterval,
	},
		pipeline.WithAuditor(backends.Audit),
		pipeline.WithPoolMetrics(m),
		pipeline.WithPoolLogger(log),
	)

	router := chi.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	router.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})
	srv := httpserver.New(cfg.MetricsAddr, router)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting worker metrics server", "addr", cfg.MetricsAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return pool.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down kyc worker")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
