// Package bootstrap builds the stores shared by the gateway and the worker.
// In the dev environment an unconfigured backend falls back to an in-process
// implementation. Anywhere else it is a startup error, because the gateway and
// the worker only cooperate through shared backends.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"kyc/internal/audit"
	"kyc/internal/objectstore"
	"kyc/internal/platform/config"
	"kyc/internal/platform/postgres"
	redisclient "kyc/internal/platform/redis"
	"kyc/internal/queue"
	"kyc/internal/session/service"
	"kyc/internal/session/store"
)

// auditBuffer is the number of audit events queued ahead of a slow sink.
const auditBuffer = 1024

// Backends holds the stores one process needs.
type Backends struct {
	Sessions service.TxStore
	Blobs    objectstore.Store
	Queue    queue.Queue
	Audit    *audit.Publisher

	closers []func() error
}

// Config selects the backends. It is the common subset of the gateway and
// worker configs.
type Config struct {
	Environment string
	Database    config.DatabaseConfig
	Redis       config.RedisConfig
	Queue       config.QueueConfig
	ObjectStore config.ObjectStoreConfig
	Audit       config.AuditConfig
}

// ReapObserver receives the number of in-flight jobs returned to the queue.
type ReapObserver interface {
	AddReaped(n int)
}

// Open connects every configured backend and ensures both buckets exist.
// On error, whatever was already opened is closed.
func Open(ctx context.Context, cfg Config, logger *slog.Logger, reaped ReapObserver) (*Backends, error) {
	b := &Backends{}
	if err := b.open(ctx, cfg, logger, reaped); err != nil {
		_ = b.Close()
		return nil, err
	}
	return b, nil
}

func (b *Backends) open(ctx context.Context, cfg Config, logger *slog.Logger, reaped ReapObserver) error {
	if err := b.openSessions(ctx, cfg, logger); err != nil {
		return err
	}
	if err := b.openBlobs(ctx, cfg, logger); err != nil {
		return err
	}
	if err := b.openQueue(ctx, cfg, logger, reaped); err != nil {
		return err
	}
	return b.openAudit(ctx, cfg.Audit, logger)
}

func (b *Backends) openSessions(ctx context.Context, cfg Config, logger *slog.Logger) error {
	if cfg.Database.URL == "" {
		if err := inMemory(cfg.Environment, logger, "DATABASE_URL", "session store"); err != nil {
			return err
		}
		b.Sessions = store.NewInMemory()
		return nil
	}
	db, err := postgres.Open(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("open session database: %w", err)
	}
	b.onClose(db.Close)
	b.Sessions = store.NewPostgres(db)
	logger.Info("session store ready", "backend", "postgres")
	return nil
}

func (b *Backends) openBlobs(ctx context.Context, cfg Config, logger *slog.Logger) error {
	if cfg.ObjectStore.Endpoint == "" && cfg.ObjectStore.AccessKey == "" {
		if err := inMemory(cfg.Environment, logger, "S3_ENDPOINT", "object store"); err != nil {
			return err
		}
		b.Blobs = objectstore.NewInMemory()
	} else {
		s3, err := objectstore.NewS3(cfg.ObjectStore)
		if err != nil {
			return err
		}
		b.Blobs = s3
	}
	for _, bucket := range []string{cfg.ObjectStore.VideosBucket, cfg.ObjectStore.FramesBucket} {
		if err := b.Blobs.EnsureBucket(ctx, bucket); err != nil {
			return fmt.Errorf("ensure bucket %s: %w", bucket, err)
		}
	}
	return nil
}

func (b *Backends) openQueue(ctx context.Context, cfg Config, logger *slog.Logger, reaped ReapObserver) error {
	client, err := redisclient.New(ctx, cfg.Redis)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	if client == nil {
		if err := inMemory(cfg.Environment, logger, "REDIS_URL", "job queue"); err != nil {
			return err
		}
		b.Queue = queue.NewInMemory()
		return nil
	}
	b.onClose(client.Close)

	opts := []queue.RedisOption{
		queue.WithVisibilityTimeout(cfg.Queue.VisibilityTimeout),
		queue.WithLogger(logger),
	}
	if reaped != nil {
		opts = append(opts, queue.WithReapObserver(reaped.AddReaped))
	}
	b.Queue = queue.NewRedis(client.Client, cfg.Queue.Name, opts...)
	return nil
}

func (b *Backends) openAudit(ctx context.Context, cfg config.AuditConfig, logger *slog.Logger) error {
	var sink audit.Sink
	if len(cfg.Brokers) == 0 {
		sink = audit.NewLogSink(logger)
	} else {
		kafka, err := audit.NewKafkaSink(ctx, cfg.Brokers, cfg.Topic)
		if err != nil {
			return err
		}
		b.onClose(func() error { kafka.Close(); return nil })
		if err := kafka.EnsureTopic(ctx, 3, 1); err != nil {
			logger.Warn("could not ensure audit topic", "topic", cfg.Topic, "error", err)
		}
		sink = kafka
	}
	b.Audit = audit.NewPublisher(sink, audit.WithAsyncBuffer(auditBuffer), audit.WithLogger(logger))
	// Registered last so it drains before the sink closes.
	b.onClose(b.Audit.Close)
	return nil
}

// inMemory allows an in-process backend only in dev. Even there the gateway
// and the worker each get their own copy, so sessions admitted by one are
// never seen by the other.
func inMemory(env string, logger *slog.Logger, setting, backend string) error {
	if env != config.EnvironmentDev {
		return fmt.Errorf("%s not set: in-memory %s is only allowed with KYC_ENV=%s", setting, backend, config.EnvironmentDev)
	}
	logger.Warn(setting+" not set, using in-memory "+backend+"; state is not shared between gateway and worker",
		"environment", env,
	)
	return nil
}

func (b *Backends) onClose(fn func() error) {
	b.closers = append(b.closers, fn)
}

// Close releases backends in reverse order of opening.
func (b *Backends) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i]())
	}
	b.closers = nil
	return errors.Join(errs...)
}
