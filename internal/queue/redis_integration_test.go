//go:build integration

package queue_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"kyc/internal/queue"
	id "kyc/pkg/domain"
	"kyc/pkg/testutil/containers"
)

type RedisQueueSuite struct {
	suite.Suite
	redis *containers.RedisContainer
	now   time.Time
	queue *queue.RedisQueue
}

func TestRedisQueueSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(RedisQueueSuite))
}

func (s *RedisQueueSuite) SetupSuite() {
	s.redis = containers.GetManager().GetRedis(s.T())
}

func (s *RedisQueueSuite) SetupTest() {
	s.Require().NoError(s.redis.FlushAll(context.Background()))
	s.now = time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	s.queue = queue.NewRedis(s.redis.Client, "kyc_processing_queue",
		queue.WithClock(func() time.Time { return s.now }),
		queue.WithVisibilityTimeout(time.Minute),
	)
}

func (s *RedisQueueSuite) TestEnqueueDequeueAck() {
	ctx := context.Background()
	job := queue.NewJob(id.NewSessionID(), "a", "b")
	s.Require().NoError(s.queue.Enqueue(ctx, job))

	d, err := s.queue.Dequeue(ctx, time.Second)
	s.Require().NoError(err)
	s.Require().NotNil(d)
	s.Equal(job, d.Job)

	s.Require().NoError(s.queue.Ack(ctx, d))
	s.Zero(s.redis.Client.LLen(ctx, "kyc_processing_queue:processing").Val())
	s.Zero(s.redis.Client.ZCard(ctx, "kyc_processing_queue:inflight").Val())
}

func (s *RedisQueueSuite) TestRetryBecomesVisibleAfterDelay() {
	ctx := context.Background()
	s.Require().NoError(s.queue.Enqueue(ctx, queue.NewJob(id.NewSessionID(), "a", "b")))

	d, err := s.queue.Dequeue(ctx, time.Second)
	s.Require().NoError(err)
	s.Require().NoError(s.queue.Retry(ctx, d, d.Job.Next(), 60*time.Second))

	none, err := s.queue.Dequeue(ctx, 100*time.Millisecond)
	s.Require().NoError(err)
	s.Nil(none, "retry is hidden until its delay passes")

	s.now = s.now.Add(61 * time.Second)
	retried, err := s.queue.Dequeue(ctx, time.Second)
	s.Require().NoError(err)
	s.Require().NotNil(retried)
	s.Equal(2, retried.Job.Attempt)
}

func (s *RedisQueueSuite) TestExpiredInFlightJobIsRedelivered() {
	ctx := context.Background()
	job := queue.NewJob(id.NewSessionID(), "a", "b")
	s.Require().NoError(s.queue.Enqueue(ctx, job))

	_, err := s.queue.Dequeue(ctx, time.Second)
	s.Require().NoError(err)

	s.now = s.now.Add(2 * time.Minute)
	again, err := s.queue.Dequeue(ctx, time.Second)
	s.Require().NoError(err)
	s.Require().NotNil(again)
	s.Equal(job.ID, again.Job.ID)
	s.Equal(int64(1), s.redis.Client.LLen(ctx, "kyc_processing_queue:processing").Val())
}

func (s *RedisQueueSuite) TestUntrackedProcessingJobIsRedelivered() {
	ctx := context.Background()
	job := queue.NewJob(id.NewSessionID(), "a", "b")
	raw, err := json.Marshal(job)
	s.Require().NoError(err)
	// Claimed onto the processing list but the deadline was never recorded.
	s.Require().NoError(s.redis.Client.LPush(ctx, "kyc_processing_queue:processing", string(raw)).Err())

	none, err := s.queue.Dequeue(ctx, 100*time.Millisecond)
	s.Require().NoError(err)
	s.Nil(none)
	s.Equal(int64(1), s.redis.Client.ZCard(ctx, "kyc_processing_queue:inflight").Val())

	s.now = s.now.Add(2 * time.Minute)
	again, err := s.queue.Dequeue(ctx, time.Second)
	s.Require().NoError(err)
	s.Require().NotNil(again)
	s.Equal(job.ID, again.Job.ID)
	s.Equal(int64(1), s.redis.Client.LLen(ctx, "kyc_processing_queue:processing").Val())
}

func (s *RedisQueueSuite) TestLegacyMessageIsFirstAttempt() {
	ctx := context.Background()
	s.Require().NoError(s.redis.Client.LPush(ctx, "kyc_processing_queue",
		`{"session_id":"x","selfie_video_path":"a","id_video_path":"b"}`).Err())

	d, err := s.queue.Dequeue(ctx, time.Second)
	s.Require().NoError(err)
	s.Require().NotNil(d)
	s.Equal(1, d.Job.Attempt)
}
