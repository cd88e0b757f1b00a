package models

import (
	"time"

	id "kyc/pkg/domain"
	dErrors "kyc/pkg/domain-errors"
)

// Session is one admitted verification attempt.
//
// Invariants:
//   - ID is immutable after construction
//   - Status only moves forward: pending -> processing -> completed|failed
//   - Video keys are set once, before the session is enqueued
//   - While processing, at most one worker holds an unexpired lease
type Session struct {
	ID             id.SessionID `json:"session_id"`
	Status         Status       `json:"status"`
	SelfieVideoKey string       `json:"selfie_video_path"`
	IDVideoKey     string       `json:"id_video_path"`
	Attempts       int          `json:"attempts"`
	LeaseOwner     id.WorkerID  `json:"-"`
	LeaseExpiresAt time.Time    `json:"-"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// NewSession builds a pending session with no blobs attached yet.
func NewSession(sessionID id.SessionID, now time.Time) (*Session, error) {
	if sessionID.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "session ID required")
	}
	return &Session{
		ID:        sessionID,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// AttachVideos records where the admitted uploads were stored.
func (s *Session) AttachVideos(selfieKey, idKey string, now time.Time) error {
	if selfieKey == "" || idKey == "" {
		return dErrors.New(dErrors.CodeInvalidInput, "both video keys are required")
	}
	if s.Status != StatusPending {
		return dErrors.New(dErrors.CodeConflict, "videos can only be attached to a pending session")
	}
	s.SelfieVideoKey = selfieKey
	s.IDVideoKey = idKey
	s.UpdatedAt = now
	return nil
}

// HasLiveLease reports whether some worker holds an unexpired lease.
func (s *Session) HasLiveLease(now time.Time) bool {
	return !s.LeaseOwner.IsNil() && now.Before(s.LeaseExpiresAt)
}

// CanLease reports whether owner may take the processing lease.
func (s *Session) CanLease(owner id.WorkerID, now time.Time) bool {
	switch s.Status {
	case StatusPending:
		return true
	case StatusProcessing:
		return !s.HasLiveLease(now) || s.LeaseOwner == owner
	default:
		return false
	}
}

// ApplyLease moves the session to processing under owner and counts the attempt.
func (s *Session) ApplyLease(owner id.WorkerID, ttl time.Duration, now time.Time) {
	s.Status = StatusProcessing
	s.LeaseOwner = owner
	s.LeaseExpiresAt = now.Add(ttl)
	s.Attempts++
	s.UpdatedAt = now
}

// HoldsLease reports whether owner currently holds the lease.
func (s *Session) HoldsLease(owner id.WorkerID, now time.Time) bool {
	return s.Status == StatusProcessing && s.LeaseOwner == owner && now.Before(s.LeaseExpiresAt)
}

// ClearLease drops the lease but leaves the session in processing.
func (s *Session) ClearLease(now time.Time) {
	s.LeaseOwner = id.WorkerID{}
	s.LeaseExpiresAt = time.Time{}
	s.UpdatedAt = now
}

// Finish moves a processing session to a terminal status and drops the lease.
func (s *Session) Finish(status Status, now time.Time) error {
	if !status.IsTerminal() {
		return dErrors.New(dErrors.CodeInvalidInput, "finish requires a terminal status")
	}
	if !s.Status.CanTransitionTo(status) {
		return dErrors.New(dErrors.CodeConflict, "session cannot transition from "+s.Status.String()+" to "+status.String())
	}
	s.Status = status
	s.ClearLease(now)
	return nil
}
