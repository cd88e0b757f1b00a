// Package store persists sessions, frame extractions, stage results and risk
// scores. Stores are pure I/O; lifecycle rules live in the session service.
package store

import (
	"context"

	"kyc/internal/session/models"
	id "kyc/pkg/domain"
)

// Store is the set of operations available inside and outside a transaction.
// Upserts are keyed on the session (and stage kind) so a rerun replaces
// earlier rows instead of adding to them.
type Store interface {
	Create(ctx context.Context, session *models.Session) error
	FindByID(ctx context.Context, sessionID id.SessionID) (*models.Session, error)
	FindByIDForUpdate(ctx context.Context, sessionID id.SessionID) (*models.Session, error)
	Update(ctx context.Context, session *models.Session) error

	UpsertFrameExtraction(ctx context.Context, f *models.FrameExtraction) error
	FindFrameExtraction(ctx context.Context, sessionID id.SessionID) (*models.FrameExtraction, error)

	UpsertStageResult(ctx context.Context, r *models.StageResult) error
	ListStageResults(ctx context.Context, sessionID id.SessionID) ([]*models.StageResult, error)

	UpsertRiskScore(ctx context.Context, r *models.RiskScore) error
	FindRiskScore(ctx context.Context, sessionID id.SessionID) (*models.RiskScore, error)
}
