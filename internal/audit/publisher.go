// Package audit records session lifecycle events. Emission is best-effort:
// a failing sink is logged and never fails the business operation.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Sink persists or forwards events.
type Sink interface {
	Append(ctx context.Context, event Event) error
}

// Publisher stamps events and hands them to a sink, either inline or through
// a bounded buffer drained by a background worker.
type Publisher struct {
	sink   Sink
	logger *slog.Logger
	now    func() time.Time

	buffer  int
	events  chan Event
	wg      sync.WaitGroup
	closeMu sync.RWMutex
	closed  bool
}

// Option configures the Publisher.
type Option func(*Publisher)

// WithAsyncBuffer enables asynchronous delivery with a buffer of size n.
// Events emitted while the buffer is full are dropped.
func WithAsyncBuffer(n int) Option {
	return func(p *Publisher) {
		if n > 0 {
			p.buffer = n
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *Publisher) {
		if now != nil {
			p.now = now
		}
	}
}

func NewPublisher(sink Sink, opts ...Option) *Publisher {
	p := &Publisher{
		sink:   sink,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.buffer > 0 {
		p.events = make(chan Event, p.buffer)
		p.wg.Add(1)
		go p.drain()
	}
	return p
}

// Emit records event. It only returns an error in synchronous mode, and
// callers are expected to log rather than fail on it.
func (p *Publisher) Emit(ctx context.Context, event Event) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = p.now()
	}

	if p.events == nil {
		return p.append(ctx, event)
	}

	p.closeMu.RLock()
	defer p.closeMu.RUnlock()
	if p.closed {
		return p.append(ctx, event)
	}
	select {
	case p.events <- event:
	default:
		p.logger.WarnContext(ctx, "audit buffer full, dropping event",
			"action", event.Action,
			"session_id", event.SessionID,
		)
	}
	return nil
}

// Close stops accepting buffered events and waits until the buffer is drained.
func (p *Publisher) Close() error {
	if p.events == nil {
		return nil
	}
	p.closeMu.Lock()
	if p.closed {
		p.closeMu.Unlock()
		return nil
	}
	p.closed = true
	close(p.events)
	p.closeMu.Unlock()
	p.wg.Wait()
	return nil
}

func (p *Publisher) drain() {
	defer p.wg.Done()
	for event := range p.events {
		_ = p.append(context.Background(), event)
	}
}

func (p *Publisher) append(ctx context.Context, event Event) error {
	if err := p.sink.Append(ctx, event); err != nil {
		p.logger.ErrorContext(ctx, "failed to record audit event",
			"action", event.Action,
			"session_id", event.SessionID,
			"error", err,
		)
		return err
	}
	return nil
}
