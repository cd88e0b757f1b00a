package store

import (
	"context"
	"maps"
	"sync"

	"kyc/internal/session/models"
	id "kyc/pkg/domain"
	dErrors "kyc/pkg/domain-errors"
	"kyc/pkg/platform/sentinel"
)

type stageKey struct {
	session id.SessionID
	kind    models.StageKind
}

type memoryState struct {
	sessions map[id.SessionID]models.Session
	frames   map[id.SessionID]models.FrameExtraction
	stages   map[stageKey]models.StageResult
	risk     map[id.SessionID]models.RiskScore
}

func (st *memoryState) clone() memoryState {
	return memoryState{
		sessions: maps.Clone(st.sessions),
		frames:   maps.Clone(st.frames),
		stages:   maps.Clone(st.stages),
		risk:     maps.Clone(st.risk),
	}
}

// InMemory is a Store for tests and single-process development runs.
// RunInTx serialises transactions and restores the prior state when fn fails.
type InMemory struct {
	txMu  sync.Mutex
	mu    sync.RWMutex
	state memoryState
}

func NewInMemory() *InMemory {
	return &InMemory{
		state: memoryState{
			sessions: make(map[id.SessionID]models.Session),
			frames:   make(map[id.SessionID]models.FrameExtraction),
			stages:   make(map[stageKey]models.StageResult),
			risk:     make(map[id.SessionID]models.RiskScore),
		},
	}
}

func (s *InMemory) RunInTx(ctx context.Context, fn func(store Store) error) error {
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.RLock()
	snapshot := s.state.clone()
	s.mu.RUnlock()

	if err := fn(s); err != nil {
		s.mu.Lock()
		s.state = snapshot
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *InMemory) Create(_ context.Context, session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state.sessions[session.ID]; ok {
		return sentinel.ErrConflict
	}
	s.state.sessions[session.ID] = *session
	return nil
}

func (s *InMemory) FindByID(_ context.Context, sessionID id.SessionID) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.state.sessions[sessionID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return &session, nil
}

// FindByIDForUpdate is FindByID; RunInTx already serialises writers.
func (s *InMemory) FindByIDForUpdate(ctx context.Context, sessionID id.SessionID) (*models.Session, error) {
	return s.FindByID(ctx, sessionID)
}

func (s *InMemory) Update(_ context.Context, session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state.sessions[session.ID]; !ok {
		return sentinel.ErrNotFound
	}
	s.state.sessions[session.ID] = *session
	return nil
}

func (s *InMemory) UpsertFrameExtraction(_ context.Context, f *models.FrameExtraction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state.sessions[f.SessionID]; !ok {
		return sentinel.ErrNotFound
	}
	cp := *f
	cp.FrameKeys = append([]string(nil), f.FrameKeys...)
	s.state.frames[f.SessionID] = cp
	return nil
}

func (s *InMemory) FindFrameExtraction(_ context.Context, sessionID id.SessionID) (*models.FrameExtraction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.state.frames[sessionID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	f.FrameKeys = append([]string(nil), f.FrameKeys...)
	return &f, nil
}

func (s *InMemory) UpsertStageResult(_ context.Context, r *models.StageResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state.sessions[r.SessionID]; !ok {
		return sentinel.ErrNotFound
	}
	cp := *r
	cp.Diagnostics = maps.Clone(r.Diagnostics)
	s.state.stages[stageKey{session: r.SessionID, kind: r.Kind}] = cp
	return nil
}

// ListStageResults returns results in pipeline order.
func (s *InMemory) ListStageResults(_ context.Context, sessionID id.SessionID) ([]*models.StageResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.StageResult
	for _, kind := range models.StageOrder {
		r, ok := s.state.stages[stageKey{session: sessionID, kind: kind}]
		if !ok {
			continue
		}
		r.Diagnostics = maps.Clone(r.Diagnostics)
		out = append(out, &r)
	}
	return out, nil
}

func (s *InMemory) UpsertRiskScore(_ context.Context, r *models.RiskScore) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.state.sessions[r.SessionID]; !ok {
		return sentinel.ErrNotFound
	}
	cp := *r
	cp.ComponentScores = maps.Clone(r.ComponentScores)
	cp.Weights = maps.Clone(r.Weights)
	s.state.risk[r.SessionID] = cp
	return nil
}

func (s *InMemory) FindRiskScore(_ context.Context, sessionID id.SessionID) (*models.RiskScore, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.state.risk[sessionID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return &r, nil
}
