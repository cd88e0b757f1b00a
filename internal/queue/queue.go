// Package queue delivers pipeline jobs at least once, with delayed retries.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	id "kyc/pkg/domain"
)

// Job is the queued unit of work for one session. Attempt starts at 1 and is
// incremented on every retry.
type Job struct {
	ID              string `json:"job_id"`
	SessionID       string `json:"session_id"`
	SelfieVideoPath string `json:"selfie_video_path"`
	IDVideoPath     string `json:"id_video_path"`
	Attempt         int    `json:"attempt"`
}

// NewJob builds the first attempt for an admitted session.
func NewJob(sessionID id.SessionID, selfieKey, idKey string) Job {
	return Job{
		ID:              uuid.NewString(),
		SessionID:       sessionID.String(),
		SelfieVideoPath: selfieKey,
		IDVideoPath:     idKey,
		Attempt:         1,
	}
}

// Next returns the job for the following attempt. It carries a fresh ID so
// the retry is a distinct delivery.
func (j Job) Next() Job {
	next := j
	next.ID = uuid.NewString()
	next.Attempt = j.Attempt + 1
	return next
}

func (j Job) encode() (string, error) {
	b, err := json.Marshal(j)
	if err != nil {
		return "", fmt.Errorf("encode job: %w", err)
	}
	return string(b), nil
}

func decodeJob(raw string) (Job, error) {
	var j Job
	if err := json.Unmarshal([]byte(raw), &j); err != nil {
		return Job{}, fmt.Errorf("decode job: %w", err)
	}
	if j.Attempt < 1 {
		j.Attempt = 1
	}
	return j, nil
}

// Delivery is a dequeued job that must be acked or retried.
type Delivery struct {
	Job Job
	raw string
}

// Queue is the job queue port.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	// Dequeue waits up to wait for a job. It returns nil, nil when none arrived.
	Dequeue(ctx context.Context, wait time.Duration) (*Delivery, error)
	Ack(ctx context.Context, d *Delivery) error
	// Retry acks d and schedules next to become visible after delay.
	Retry(ctx context.Context, d *Delivery, next Job, delay time.Duration) error
}
