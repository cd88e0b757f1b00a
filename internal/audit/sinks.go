package audit

import (
	"context"
	"log/slog"
	"sync"
)

// MemorySink keeps events in memory.
type MemorySink struct {
	mu     sync.RWMutex
	events []Event
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Append(_ context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

// ListAll returns every event in emission order.
func (s *MemorySink) ListAll() []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Event{}, s.events...)
}

// Actions returns the actions recorded for a session in order.
func (s *MemorySink) Actions(sessionID string) []Action {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Action
	for _, e := range s.events {
		if e.SessionID.String() == sessionID {
			out = append(out, e.Action)
		}
	}
	return out
}

// LogSink writes events as structured log lines. Used when no broker is
// configured.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Append(ctx context.Context, event Event) error {
	attrs := []any{
		"event_id", event.ID.String(),
		"action", event.Action,
		"session_id", event.SessionID,
		"timestamp", event.Timestamp,
	}
	if event.RequestID != "" {
		attrs = append(attrs, "request_id", event.RequestID)
	}
	if event.Attempt > 0 {
		attrs = append(attrs, "attempt", event.Attempt)
	}
	if event.Decision != "" {
		attrs = append(attrs, "decision", event.Decision, "risk_level", event.RiskLevel)
	}
	if event.Reason != "" {
		attrs = append(attrs, "reason", event.Reason)
	}
	if event.Client != nil {
		attrs = append(attrs, "client_platform", event.Client.Platform, "client_os", event.Client.OS)
	}
	s.logger.InfoContext(ctx, "audit", attrs...)
	return nil
}
