package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"kyc/internal/audit"
	"kyc/internal/collaborator"
	"kyc/internal/queue"
	id "kyc/pkg/domain"
	"kyc/pkg/platform/sentinel"
)

const (
	DefaultMaxAttempts = 3
	DefaultRetryDelay  = 60 * time.Second
	DefaultLeaseTTL    = 10 * time.Minute
	defaultPollWait    = 5 * time.Second
	bookkeepingTimeout = 10 * time.Second
)

// Auditor receives lifecycle events.
type Auditor interface {
	Emit(ctx context.Context, event audit.Event) error
}

type noopAuditor struct{}

func (noopAuditor) Emit(context.Context, audit.Event) error { return nil }

// PoolConfig tunes the worker pool. Zero values take defaults, except
// RetryDelay where zero retries immediately.
type PoolConfig struct {
	Concurrency       int
	MaxAttempts       int
	RetryDelay        time.Duration
	LeaseTTL          time.Duration
	HeartbeatInterval time.Duration
	PollWait          time.Duration
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.Concurrency < 1 {
		c.Concurrency = 1
	}
	if c.MaxAttempts < 1 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = DefaultLeaseTTL
	}
	if c.HeartbeatInterval <= 0 || c.HeartbeatInterval >= c.LeaseTTL {
		c.HeartbeatInterval = c.LeaseTTL / 3
	}
	if c.PollWait <= 0 {
		c.PollWait = defaultPollWait
	}
	return c
}

// Pool runs Concurrency workers, each pulling one job at a time. A job's
// session is processed only under that worker's lease.
type Pool struct {
	queue    queue.Queue
	sessions Sessions
	orch     *Orchestrator
	cfg      PoolConfig
	retry    backoff.BackOff
	auditor  Auditor
	metrics  Metrics
	logger   *slog.Logger
}

type PoolOption func(*Pool)

func WithAuditor(a Auditor) PoolOption {
	return func(p *Pool) {
		if a != nil {
			p.auditor = a
		}
	}
}

func WithPoolMetrics(m Metrics) PoolOption {
	return func(p *Pool) {
		if m != nil {
			p.metrics = m
		}
	}
}

func WithPoolLogger(logger *slog.Logger) PoolOption {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func NewPool(q queue.Queue, sessions Sessions, orch *Orchestrator, cfg PoolConfig, opts ...PoolOption) *Pool {
	cfg = cfg.withDefaults()
	p := &Pool{
		queue:    q,
		sessions: sessions,
		orch:     orch,
		cfg:      cfg,
		retry:    backoff.NewConstantBackOff(cfg.RetryDelay),
		auditor:  noopAuditor{},
		metrics:  noopMetrics{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run blocks until ctx is cancelled or a worker fails. In-flight jobs see the
// cancellation and leave their deliveries for redelivery.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Concurrency; i++ {
		owner := id.NewWorkerID()
		g.Go(func() error {
			return p.loop(ctx, owner)
		})
	}
	p.logger.InfoContext(ctx, "worker pool started", "concurrency", p.cfg.Concurrency)
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *Pool) loop(ctx context.Context, owner id.WorkerID) error {
	idle := backoff.NewExponentialBackOff()
	idle.InitialInterval = 200 * time.Millisecond
	idle.MaxInterval = 30 * time.Second
	idle.MaxElapsedTime = 0
	idle.Reset()

	for {
		if ctx.Err() != nil {
			return nil
		}
		if _, err := p.step(ctx, owner); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			wait := idle.NextBackOff()
			p.logger.WarnContext(ctx, "dequeue failed",
				"worker_id", owner.String(),
				"retry_in", wait,
				"error", err,
			)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
			continue
		}
		idle.Reset()
	}
}

// step dequeues and handles at most one delivery. It reports whether a
// delivery was handled.
func (p *Pool) step(ctx context.Context, owner id.WorkerID) (bool, error) {
	d, err := p.queue.Dequeue(ctx, p.cfg.PollWait)
	if err != nil {
		return false, err
	}
	if d == nil {
		return false, nil
	}
	p.handle(ctx, owner, d)
	return true, nil
}

func (p *Pool) handle(ctx context.Context, owner id.WorkerID, d *queue.Delivery) {
	job := d.Job
	logger := p.logger.With(
		"job_id", job.ID,
		"session_id", job.SessionID,
		"attempt", job.Attempt,
		"worker_id", owner.String(),
	)

	sessionID, err := id.ParseSessionID(job.SessionID)
	if err != nil {
		logger.ErrorContext(ctx, "dropping job with invalid session id", "error", err)
		p.ack(ctx, logger, d)
		return
	}

	if _, err := p.sessions.AcquireLease(ctx, sessionID, owner, p.cfg.LeaseTTL); err != nil {
		switch {
		case errors.Is(err, sentinel.ErrInvalidState):
			logger.InfoContext(ctx, "dropping duplicate delivery for finished session")
			p.ack(ctx, logger, d)
		case errors.Is(err, sentinel.ErrNotFound):
			logger.WarnContext(ctx, "dropping job for unknown session")
			p.ack(ctx, logger, d)
		case errors.Is(err, sentinel.ErrLeaseHeld):
			logger.InfoContext(ctx, "session leased by another worker, deferring")
			p.requeue(ctx, logger, d, job, p.cfg.LeaseTTL)
		default:
			logger.ErrorContext(ctx, "failed to acquire session lease", "error", err)
			p.requeue(ctx, logger, d, job, p.retry.NextBackOff())
		}
		return
	}
	p.emit(ctx, audit.Event{Action: audit.ActionProcessingStarted, SessionID: sessionID, Attempt: job.Attempt})

	runCtx, cancel := context.WithCancelCause(ctx)
	stop := p.heartbeat(runCtx, cancel, logger, sessionID, owner)
	outcome := p.orch.Process(runCtx, owner, sessionID, job)
	stop()
	cancel(nil)

	// Bookkeeping must survive shutdown of the worker context.
	bctx, bcancel := context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
	defer bcancel()

	switch outcome.Kind {
	case Success:
		logger.InfoContext(bctx, "session completed",
			"decision", outcome.Assessment.Decision,
			"risk_level", outcome.Assessment.Level,
			"overall_score", outcome.Assessment.Overall,
		)
		p.metrics.IncrementPipelineOutcome("completed")
		p.emit(bctx, audit.Event{
			Action:    audit.ActionSessionCompleted,
			SessionID: sessionID,
			Attempt:   job.Attempt,
			Decision:  string(outcome.Assessment.Decision),
			RiskLevel: string(outcome.Assessment.Level),
		})
		p.ack(bctx, logger, d)

	case Retryable:
		if job.Attempt >= p.cfg.MaxAttempts {
			logger.WarnContext(bctx, "retry budget exhausted", "stage", outcome.Stage, "error", outcome.Err)
			p.fail(bctx, logger, d, sessionID, owner, outcome)
			return
		}
		delay := p.retry.NextBackOff()
		logger.WarnContext(bctx, "stage failed, scheduling retry",
			"stage", outcome.Stage,
			"retry_in", delay,
			"error", outcome.Err,
		)
		if err := p.sessions.ReleaseLease(bctx, sessionID, owner); err != nil {
			logger.WarnContext(bctx, "failed to release session lease", "error", err)
		}
		p.emit(bctx, audit.Event{
			Action:    audit.ActionProcessingRetried,
			SessionID: sessionID,
			Attempt:   job.Attempt,
			Reason:    reason(outcome),
		})
		p.requeue(bctx, logger, d, job.Next(), delay)

	case Fatal:
		logger.ErrorContext(bctx, "stage failed permanently", "stage", outcome.Stage, "error", outcome.Err)
		p.fail(bctx, logger, d, sessionID, owner, outcome)

	case LeaseLost:
		logger.WarnContext(bctx, "session lease lost, abandoning run", "stage", outcome.Stage)
		p.ack(bctx, logger, d)

	case Interrupted:
		logger.InfoContext(bctx, "run interrupted, leaving job for redelivery", "stage", outcome.Stage)
		if err := p.sessions.ReleaseLease(bctx, sessionID, owner); err != nil {
			logger.WarnContext(bctx, "failed to release session lease", "error", err)
		}
	}
}

// heartbeat extends the lease until stopped. If the lease turns out to be
// owned by someone else it cancels the run with errLeaseLost.
func (p *Pool) heartbeat(ctx context.Context, cancel context.CancelCauseFunc, logger *slog.Logger, sessionID id.SessionID, owner id.WorkerID) func() {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(p.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := p.sessions.ExtendLease(ctx, sessionID, owner, p.cfg.LeaseTTL)
				if err == nil {
					continue
				}
				if errors.Is(err, sentinel.ErrLeaseHeld) {
					logger.WarnContext(ctx, "lease heartbeat rejected", "error", err)
					cancel(errLeaseLost)
					return
				}
				logger.WarnContext(ctx, "lease heartbeat failed", "error", err)
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

func (p *Pool) fail(ctx context.Context, logger *slog.Logger, d *queue.Delivery, sessionID id.SessionID, owner id.WorkerID, outcome Outcome) {
	if err := p.sessions.Fail(ctx, sessionID, owner); err != nil {
		if errors.Is(err, sentinel.ErrLeaseHeld) {
			logger.WarnContext(ctx, "session lease lost before failing", "error", err)
			p.ack(ctx, logger, d)
			return
		}
		logger.ErrorContext(ctx, "failed to mark session failed", "error", err)
		p.requeue(ctx, logger, d, d.Job, p.retry.NextBackOff())
		return
	}
	p.metrics.IncrementPipelineOutcome("failed")
	p.emit(ctx, audit.Event{
		Action:    audit.ActionSessionFailed,
		SessionID: sessionID,
		Attempt:   d.Job.Attempt,
		Reason:    reason(outcome),
	})
	p.ack(ctx, logger, d)
}

func (p *Pool) ack(ctx context.Context, logger *slog.Logger, d *queue.Delivery) {
	if err := p.queue.Ack(ctx, d); err != nil {
		logger.ErrorContext(ctx, "failed to ack job", "error", err)
	}
}

func (p *Pool) requeue(ctx context.Context, logger *slog.Logger, d *queue.Delivery, next queue.Job, delay time.Duration) {
	if err := p.queue.Retry(ctx, d, next, delay); err != nil {
		logger.ErrorContext(ctx, "failed to requeue job", "error", err)
		return
	}
	p.metrics.IncrementRequeue()
}

func (p *Pool) emit(ctx context.Context, event audit.Event) {
	if err := p.auditor.Emit(ctx, event); err != nil {
		p.logger.WarnContext(ctx, "audit emit failed", "action", event.Action, "error", err)
	}
}

func reason(o Outcome) string {
	if o.Err == nil {
		return o.Stage
	}
	return fmt.Sprintf("%s: %s", o.Stage, collaborator.CategoryOf(o.Err))
}
