package service

import (
	"context"
	"errors"
	"time"

	"kyc/internal/session/models"
	"kyc/internal/session/store"
	id "kyc/pkg/domain"
	dErrors "kyc/pkg/domain-errors"
	"kyc/pkg/platform/sentinel"
)

// TxStore is a session store with a transactional boundary. Every mutation
// sequence in this package runs inside RunInTx.
type TxStore interface {
	store.Store
	RunInTx(ctx context.Context, fn func(store store.Store) error) error
}

// Service owns session lifecycle rules: admission, the processing lease,
// per-stage persistence and the terminal transition.
type Service struct {
	store TxStore
	now   func() time.Time
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func New(st TxStore, opts ...Option) *Service {
	s := &Service{
		store: st,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Admit creates a pending session with a fresh id.
func (s *Service) Admit(ctx context.Context) (*models.Session, error) {
	session, err := models.NewSession(id.NewSessionID(), s.now().UTC())
	if err != nil {
		return nil, err
	}
	err = s.store.RunInTx(ctx, func(st store.Store) error {
		return st.Create(ctx, session)
	})
	if err != nil {
		return nil, translate(err, "create session")
	}
	return session, nil
}

// AttachVideos records the blob keys of an admitted session.
func (s *Service) AttachVideos(ctx context.Context, sessionID id.SessionID, selfieKey, idKey string) error {
	err := s.store.RunInTx(ctx, func(st store.Store) error {
		session, err := st.FindByIDForUpdate(ctx, sessionID)
		if err != nil {
			return err
		}
		if err := session.AttachVideos(selfieKey, idKey, s.now().UTC()); err != nil {
			return err
		}
		return st.Update(ctx, session)
	})
	return translate(err, "attach videos")
}

func (s *Service) Get(ctx context.Context, sessionID id.SessionID) (*models.Session, error) {
	session, err := s.store.FindByID(ctx, sessionID)
	if err != nil {
		return nil, translate(err, "get session")
	}
	return session, nil
}

// AcquireLease moves the session to processing under owner. It fails with
// sentinel.ErrLeaseHeld while another worker's lease is live and with
// sentinel.ErrInvalidState once the session is terminal.
func (s *Service) AcquireLease(ctx context.Context, sessionID id.SessionID, owner id.WorkerID, ttl time.Duration) (*models.Session, error) {
	var leased *models.Session
	err := s.store.RunInTx(ctx, func(st store.Store) error {
		session, err := st.FindByIDForUpdate(ctx, sessionID)
		if err != nil {
			return err
		}
		now := s.now().UTC()
		if session.Status.IsTerminal() {
			return sentinel.ErrInvalidState
		}
		if !session.CanLease(owner, now) {
			return sentinel.ErrLeaseHeld
		}
		session.ApplyLease(owner, ttl, now)
		if err := st.Update(ctx, session); err != nil {
			return err
		}
		leased = session
		return nil
	})
	if err != nil {
		return nil, translate(err, "acquire lease")
	}
	return leased, nil
}

// ExtendLease pushes the expiry forward for the current owner.
func (s *Service) ExtendLease(ctx context.Context, sessionID id.SessionID, owner id.WorkerID, ttl time.Duration) error {
	err := s.store.RunInTx(ctx, func(st store.Store) error {
		session, err := s.ownedSession(ctx, st, sessionID, owner)
		if err != nil {
			return err
		}
		now := s.now().UTC()
		session.LeaseExpiresAt = now.Add(ttl)
		session.UpdatedAt = now
		return st.Update(ctx, session)
	})
	return translate(err, "extend lease")
}

// ReleaseLease drops the lease after a retryable failure. The session stays
// in processing so the next attempt can take it over.
func (s *Service) ReleaseLease(ctx context.Context, sessionID id.SessionID, owner id.WorkerID) error {
	err := s.store.RunInTx(ctx, func(st store.Store) error {
		session, err := st.FindByIDForUpdate(ctx, sessionID)
		if err != nil {
			return err
		}
		if session.Status != models.StatusProcessing || session.LeaseOwner != owner {
			return nil
		}
		session.ClearLease(s.now().UTC())
		return st.Update(ctx, session)
	})
	return translate(err, "release lease")
}

// RecordFrames persists the frame extraction of a leased session.
func (s *Service) RecordFrames(ctx context.Context, owner id.WorkerID, f *models.FrameExtraction) error {
	err := s.store.RunInTx(ctx, func(st store.Store) error {
		if _, err := s.ownedSession(ctx, st, f.SessionID, owner); err != nil {
			return err
		}
		return st.UpsertFrameExtraction(ctx, f)
	})
	return translate(err, "record frames")
}

// RecordStageResult persists one stage outcome of a leased session.
func (s *Service) RecordStageResult(ctx context.Context, owner id.WorkerID, r *models.StageResult) error {
	if err := r.Validate(); err != nil {
		return err
	}
	err := s.store.RunInTx(ctx, func(st store.Store) error {
		if _, err := s.ownedSession(ctx, st, r.SessionID, owner); err != nil {
			return err
		}
		return st.UpsertStageResult(ctx, r)
	})
	return translate(err, "record stage result")
}

// Complete stores the risk score and marks the session completed in one
// transaction, so a completed session always has exactly one risk score.
func (s *Service) Complete(ctx context.Context, owner id.WorkerID, score *models.RiskScore) error {
	err := s.store.RunInTx(ctx, func(st store.Store) error {
		session, err := s.ownedSession(ctx, st, score.SessionID, owner)
		if err != nil {
			return err
		}
		if err := st.UpsertRiskScore(ctx, score); err != nil {
			return err
		}
		if err := session.Finish(models.StatusCompleted, s.now().UTC()); err != nil {
			return err
		}
		return st.Update(ctx, session)
	})
	return translate(err, "complete session")
}

// Fail marks the session failed. Only the lease owner may fail a session.
func (s *Service) Fail(ctx context.Context, sessionID id.SessionID, owner id.WorkerID) error {
	err := s.store.RunInTx(ctx, func(st store.Store) error {
		session, err := st.FindByIDForUpdate(ctx, sessionID)
		if err != nil {
			return err
		}
		if session.Status == models.StatusFailed {
			return nil
		}
		if session.Status != models.StatusProcessing || session.LeaseOwner != owner {
			return sentinel.ErrLeaseHeld
		}
		if err := session.Finish(models.StatusFailed, s.now().UTC()); err != nil {
			return err
		}
		return st.Update(ctx, session)
	})
	return translate(err, "fail session")
}

func (s *Service) FrameExtraction(ctx context.Context, sessionID id.SessionID) (*models.FrameExtraction, error) {
	f, err := s.store.FindFrameExtraction(ctx, sessionID)
	if err != nil {
		return nil, translate(err, "get frame extraction")
	}
	return f, nil
}

// Results is the read model behind the results endpoint.
type Results struct {
	Session *models.Session
	Stages  map[models.StageKind]*models.StageResult
	Risk    *models.RiskScore
}

// Results loads a session with its stage results and risk score. Stages and
// Risk are only populated for completed sessions.
func (s *Service) Results(ctx context.Context, sessionID id.SessionID) (*Results, error) {
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	out := &Results{Session: session}
	if session.Status != models.StatusCompleted {
		return out, nil
	}

	stages, err := s.store.ListStageResults(ctx, sessionID)
	if err != nil {
		return nil, translate(err, "list stage results")
	}
	out.Stages = make(map[models.StageKind]*models.StageResult, len(stages))
	for _, r := range stages {
		out.Stages[r.Kind] = r
	}

	risk, err := s.store.FindRiskScore(ctx, sessionID)
	if err != nil {
		return nil, translate(err, "get risk score")
	}
	out.Risk = risk
	return out, nil
}

func (s *Service) ownedSession(ctx context.Context, st store.Store, sessionID id.SessionID, owner id.WorkerID) (*models.Session, error) {
	session, err := st.FindByIDForUpdate(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !session.HoldsLease(owner, s.now().UTC()) {
		return nil, sentinel.ErrLeaseHeld
	}
	return session, nil
}

// translate maps store sentinels to coded errors while keeping the sentinel
// reachable through errors.Is.
func translate(err error, op string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.Wrap(err, dErrors.CodeNotFound, "session not found")
	case errors.Is(err, sentinel.ErrLeaseHeld):
		return dErrors.Wrap(err, dErrors.CodeConflict, "session lease held by another worker")
	case errors.Is(err, sentinel.ErrInvalidState):
		return dErrors.Wrap(err, dErrors.CodeConflict, "session already finished")
	case errors.Is(err, sentinel.ErrConflict):
		return dErrors.Wrap(err, dErrors.CodeConflict, "session already exists")
	case dErrors.CodeOf(err) != dErrors.CodeInternal:
		return err
	default:
		return dErrors.Wrap(err, dErrors.CodeInternal, op+" failed")
	}
}
