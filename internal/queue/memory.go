package queue

import (
	"context"
	"sync"
	"time"
)

type delayedJob struct {
	raw       string
	visibleAt time.Time
}

// InMemory is a process-local Queue with the same delivery semantics as the
// Redis queue, minus crash recovery.
type InMemory struct {
	mu       sync.Mutex
	ready    []string
	delayed  []delayedJob
	inflight map[string]int
	notify   chan struct{}
	now      func() time.Time
}

func NewInMemory() *InMemory {
	return &InMemory{
		inflight: make(map[string]int),
		notify:   make(chan struct{}, 1),
		now:      time.Now,
	}
}

func (q *InMemory) Enqueue(_ context.Context, job Job) error {
	raw, err := job.encode()
	if err != nil {
		return err
	}
	q.mu.Lock()
	q.ready = append(q.ready, raw)
	q.mu.Unlock()
	q.signal()
	return nil
}

func (q *InMemory) Dequeue(ctx context.Context, wait time.Duration) (*Delivery, error) {
	deadline := time.NewTimer(wait)
	defer deadline.Stop()

	for {
		raw, nextDue, ok := q.pop()
		if ok {
			job, err := decodeJob(raw)
			if err != nil {
				q.release(raw)
				continue
			}
			return &Delivery{Job: job, raw: raw}, nil
		}

		var (
			due   <-chan time.Time
			timer *time.Timer
		)
		if !nextDue.IsZero() {
			timer = time.NewTimer(time.Until(nextDue))
			due = timer.C
		}
		select {
		case <-ctx.Done():
			stopTimer(timer)
			return nil, ctx.Err()
		case <-deadline.C:
			stopTimer(timer)
			return nil, nil
		case <-q.notify:
		case <-due:
		}
		stopTimer(timer)
	}
}

// pop promotes due delayed jobs and takes the oldest ready one. When nothing
// is ready it reports the earliest delayed visibility time.
func (q *InMemory) pop() (string, time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	kept := q.delayed[:0]
	for _, d := range q.delayed {
		if !d.visibleAt.After(now) {
			q.ready = append(q.ready, d.raw)
			continue
		}
		kept = append(kept, d)
	}
	q.delayed = kept

	if len(q.ready) == 0 {
		var next time.Time
		for _, d := range q.delayed {
			if next.IsZero() || d.visibleAt.Before(next) {
				next = d.visibleAt
			}
		}
		return "", next, false
	}
	raw := q.ready[0]
	q.ready = q.ready[1:]
	q.inflight[raw]++
	return raw, time.Time{}, true
}

func (q *InMemory) Ack(_ context.Context, d *Delivery) error {
	q.release(d.raw)
	return nil
}

func (q *InMemory) Retry(_ context.Context, d *Delivery, next Job, delay time.Duration) error {
	raw, err := next.encode()
	if err != nil {
		return err
	}
	q.mu.Lock()
	q.releaseLocked(d.raw)
	q.delayed = append(q.delayed, delayedJob{raw: raw, visibleAt: q.now().Add(delay)})
	q.mu.Unlock()
	q.signal()
	return nil
}

// Len reports ready, delayed and in-flight counts.
func (q *InMemory) Len() (ready, delayed, inflight int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, n := range q.inflight {
		inflight += n
	}
	return len(q.ready), len(q.delayed), inflight
}

func (q *InMemory) release(raw string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.releaseLocked(raw)
}

func (q *InMemory) releaseLocked(raw string) {
	if q.inflight[raw] <= 1 {
		delete(q.inflight, raw)
		return
	}
	q.inflight[raw]--
}

func (q *InMemory) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}
