package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"kyc/pkg/platform/sentinel"
)

// promoteScript moves due delayed jobs onto the ready list.
var promoteScript = redis.NewScript(`
local items = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, item in ipairs(items) do
  redis.call('ZREM', KEYS[1], item)
  redis.call('LPUSH', KEYS[2], item)
end
return #items
`)

// reapScript returns in-flight jobs whose visibility timeout passed to the
// head of the ready list.
var reapScript = redis.NewScript(`
local items = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, item in ipairs(items) do
  redis.call('ZREM', KEYS[1], item)
  redis.call('LREM', KEYS[2], 1, item)
  redis.call('RPUSH', KEYS[3], item)
end
return #items
`)

// adoptScript gives processing entries without an in-flight deadline one
// visibility window. Such entries belong to a worker that died, or failed to
// record the deadline, right after claiming the job.
var adoptScript = redis.NewScript(`
local items = redis.call('LRANGE', KEYS[1], 0, -1)
local adopted = 0
for _, item in ipairs(items) do
  if not redis.call('ZSCORE', KEYS[2], item) then
    redis.call('ZADD', KEYS[2], ARGV[1], item)
    adopted = adopted + 1
  end
end
return adopted
`)

const batchSize = 100

// RedisQueue keeps jobs in four keys derived from the queue name: the ready
// list, the processing list, a delayed zset scored by visibility time, and an
// in-flight zset scored by visibility deadline.
type RedisQueue struct {
	client     redis.UniversalClient
	ready      string
	processing string
	delayed    string
	inflight   string
	visibility time.Duration
	logger     *slog.Logger
	now        func() time.Time
	onReaped   func(n int)
}

type RedisOption func(*RedisQueue)

func WithVisibilityTimeout(d time.Duration) RedisOption {
	return func(q *RedisQueue) { q.visibility = d }
}

func WithLogger(logger *slog.Logger) RedisOption {
	return func(q *RedisQueue) { q.logger = logger }
}

func WithClock(now func() time.Time) RedisOption {
	return func(q *RedisQueue) { q.now = now }
}

// WithReapObserver is called with the number of jobs returned by the reaper.
func WithReapObserver(fn func(n int)) RedisOption {
	return func(q *RedisQueue) { q.onReaped = fn }
}

func NewRedis(client redis.UniversalClient, name string, opts ...RedisOption) *RedisQueue {
	q := &RedisQueue{
		client:     client,
		ready:      name,
		processing: name + ":processing",
		delayed:    name + ":delayed",
		inflight:   name + ":inflight",
		visibility: 45 * time.Minute,
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *RedisQueue) Enqueue(ctx context.Context, job Job) error {
	raw, err := job.encode()
	if err != nil {
		return err
	}
	if err := q.client.LPush(ctx, q.ready, raw).Err(); err != nil {
		return fmt.Errorf("enqueue job: %w", errors.Join(sentinel.ErrUnavailable, err))
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context, wait time.Duration) (*Delivery, error) {
	if err := q.maintain(ctx); err != nil {
		return nil, err
	}

	raw, err := q.client.BLMove(ctx, q.ready, q.processing, "RIGHT", "LEFT", wait).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue job: %w", errors.Join(sentinel.ErrUnavailable, err))
	}

	deadline := q.now().Add(q.visibility)
	if err := q.client.ZAdd(ctx, q.inflight, redis.Z{Score: float64(deadline.UnixMilli()), Member: raw}).Err(); err != nil {
		return nil, fmt.Errorf("track in-flight job: %w", errors.Join(sentinel.ErrUnavailable, err))
	}

	job, err := decodeJob(raw)
	if err != nil {
		q.logger.ErrorContext(ctx, "dropping undecodable job", "error", err)
		if err := q.ack(ctx, raw); err != nil {
			q.logger.ErrorContext(ctx, "failed to drop undecodable job", "error", err)
		}
		return nil, nil
	}
	return &Delivery{Job: job, raw: raw}, nil
}

func (q *RedisQueue) Ack(ctx context.Context, d *Delivery) error {
	return q.ack(ctx, d.raw)
}

func (q *RedisQueue) ack(ctx context.Context, raw string) error {
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.processing, 1, raw)
	pipe.ZRem(ctx, q.inflight, raw)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ack job: %w", errors.Join(sentinel.ErrUnavailable, err))
	}
	return nil
}

func (q *RedisQueue) Retry(ctx context.Context, d *Delivery, next Job, delay time.Duration) error {
	raw, err := next.encode()
	if err != nil {
		return err
	}
	visibleAt := q.now().Add(delay)

	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.processing, 1, d.raw)
	pipe.ZRem(ctx, q.inflight, d.raw)
	pipe.ZAdd(ctx, q.delayed, redis.Z{Score: float64(visibleAt.UnixMilli()), Member: raw})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("schedule retry: %w", errors.Join(sentinel.ErrUnavailable, err))
	}
	return nil
}

// maintain promotes due retries, adopts untracked processing entries and
// reaps expired in-flight jobs.
func (q *RedisQueue) maintain(ctx context.Context) error {
	now := fmt.Sprint(q.now().UnixMilli())
	deadline := fmt.Sprint(q.now().Add(q.visibility).UnixMilli())

	if err := promoteScript.Run(ctx, q.client, []string{q.delayed, q.ready}, now, batchSize).Err(); err != nil {
		return fmt.Errorf("promote delayed jobs: %w", errors.Join(sentinel.ErrUnavailable, err))
	}

	adopted, err := adoptScript.Run(ctx, q.client, []string{q.processing, q.inflight}, deadline).Int()
	if err != nil {
		return fmt.Errorf("adopt untracked jobs: %w", errors.Join(sentinel.ErrUnavailable, err))
	}
	if adopted > 0 {
		q.logger.WarnContext(ctx, "tracking orphaned processing jobs", "count", adopted)
	}

	reaped, err := reapScript.Run(ctx, q.client, []string{q.inflight, q.processing, q.ready}, now, batchSize).Int()
	if err != nil {
		return fmt.Errorf("reap in-flight jobs: %w", errors.Join(sentinel.ErrUnavailable, err))
	}
	if reaped > 0 {
		q.logger.WarnContext(ctx, "re-queued expired in-flight jobs", "count", reaped)
		if q.onReaped != nil {
			q.onReaped(reaped)
		}
	}
	return nil
}
