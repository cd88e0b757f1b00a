package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"

	"kyc/internal/session/models"
	id "kyc/pkg/domain"
	dErrors "kyc/pkg/domain-errors"
	"kyc/pkg/platform/sentinel"
	txcontext "kyc/pkg/platform/tx"
)

const (
	defaultTxTimeout      = 5 * time.Second
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// PostgresStore persists session state in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
	tx *sql.Tx
}

// NewPostgres constructs a PostgreSQL-backed session store.
func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// NewPostgresTx binds a store to an open transaction.
func NewPostgresTx(tx *sql.Tx) *PostgresStore {
	return &PostgresStore{tx: tx}
}

func (s *PostgresStore) exec(ctx context.Context) txcontext.Executor {
	if s.tx != nil {
		return s.tx
	}
	return txcontext.ExecutorFor(ctx, s.db)
}

// RunInTx runs fn against a transaction-bound store, committing when fn
// returns nil and rolling back otherwise.
func (s *PostgresStore) RunInTx(ctx context.Context, fn func(store Store) error) error {
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}
	if s.tx != nil {
		return fn(s)
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultTxTimeout)
		defer cancel()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", errors.Join(sentinel.ErrUnavailable, err))
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(NewPostgresTx(tx)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

const sessionColumns = `id, status, selfie_video_key, id_video_key, attempts, lease_owner, lease_expires_at, created_at, updated_at`

func (s *PostgresStore) Create(ctx context.Context, session *models.Session) error {
	query := `
		INSERT INTO kyc_sessions (` + sessionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := s.exec(ctx).ExecContext(ctx, query, sessionArgs(session)...)
	if err != nil {
		if isPgCode(err, pgUniqueViolation) {
			return sentinel.ErrConflict
		}
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindByID(ctx context.Context, sessionID id.SessionID) (*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM kyc_sessions WHERE id = $1`
	return s.findSession(ctx, query, sessionID)
}

// FindByIDForUpdate locks the row until the surrounding transaction ends.
func (s *PostgresStore) FindByIDForUpdate(ctx context.Context, sessionID id.SessionID) (*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM kyc_sessions WHERE id = $1 FOR UPDATE`
	return s.findSession(ctx, query, sessionID)
}

func (s *PostgresStore) findSession(ctx context.Context, query string, sessionID id.SessionID) (*models.Session, error) {
	session, err := scanSession(s.exec(ctx).QueryRowContext(ctx, query, uuid.UUID(sessionID)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find session: %w", err)
	}
	return session, nil
}

func (s *PostgresStore) Update(ctx context.Context, session *models.Session) error {
	query := `
		UPDATE kyc_sessions SET
			status = $2,
			selfie_video_key = $3,
			id_video_key = $4,
			attempts = $5,
			lease_owner = $6,
			lease_expires_at = $7,
			updated_at = $8
		WHERE id = $1
	`
	args := sessionArgs(session)
	res, err := s.exec(ctx).ExecContext(ctx, query,
		args[0], args[1], args[2], args[3], args[4], args[5], args[6],
		session.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update session rows affected: %w", err)
	}
	if rows == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) UpsertFrameExtraction(ctx context.Context, f *models.FrameExtraction) error {
	query := `
		INSERT INTO frame_extractions (session_id, frame_count, frame_keys, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (session_id) DO UPDATE SET
			frame_count = EXCLUDED.frame_count,
			frame_keys = EXCLUDED.frame_keys,
			created_at = EXCLUDED.created_at
	`
	_, err := s.exec(ctx).ExecContext(ctx, query,
		uuid.UUID(f.SessionID),
		f.FrameCount,
		pq.Array(f.FrameKeys),
		f.CreatedAt,
	)
	if err != nil {
		if isPgCode(err, pgForeignKeyViolation) {
			return sentinel.ErrNotFound
		}
		return fmt.Errorf("upsert frame extraction: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindFrameExtraction(ctx context.Context, sessionID id.SessionID) (*models.FrameExtraction, error) {
	query := `
		SELECT session_id, frame_count, frame_keys, created_at
		FROM frame_extractions
		WHERE session_id = $1
	`
	var (
		sid  uuid.UUID
		f    models.FrameExtraction
		keys pq.StringArray
	)
	err := s.exec(ctx).QueryRowContext(ctx, query, uuid.UUID(sessionID)).Scan(&sid, &f.FrameCount, &keys, &f.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find frame extraction: %w", err)
	}
	f.SessionID = id.SessionID(sid)
	f.FrameKeys = []string(keys)
	return &f, nil
}

func (s *PostgresStore) UpsertStageResult(ctx context.Context, r *models.StageResult) error {
	details, err := json.Marshal(r.Details)
	if err != nil {
		return fmt.Errorf("marshal stage details: %w", err)
	}
	diagnostics, err := json.Marshal(nonNilDiagnostics(r.Diagnostics))
	if err != nil {
		return fmt.Errorf("marshal stage diagnostics: %w", err)
	}
	query := `
		INSERT INTO stage_results (session_id, kind, score, threshold, passed, details, diagnostics, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (session_id, kind) DO UPDATE SET
			score = EXCLUDED.score,
			threshold = EXCLUDED.threshold,
			passed = EXCLUDED.passed,
			details = EXCLUDED.details,
			diagnostics = EXCLUDED.diagnostics,
			created_at = EXCLUDED.created_at
	`
	_, err = s.exec(ctx).ExecContext(ctx, query,
		uuid.UUID(r.SessionID),
		string(r.Kind),
		r.Score,
		r.Threshold,
		r.Passed,
		string(details),
		string(diagnostics),
		r.CreatedAt,
	)
	if err != nil {
		if isPgCode(err, pgForeignKeyViolation) {
			return sentinel.ErrNotFound
		}
		return fmt.Errorf("upsert stage result: %w", err)
	}
	return nil
}

// ListStageResults returns results in pipeline order.
func (s *PostgresStore) ListStageResults(ctx context.Context, sessionID id.SessionID) ([]*models.StageResult, error) {
	query := `
		SELECT session_id, kind, score, threshold, passed, details, diagnostics, created_at
		FROM stage_results
		WHERE session_id = $1
		ORDER BY array_position(ARRAY['pad','deepfake','face_match','doc_ocr','mrz','doc_liveness'], kind)
	`
	rows, err := s.exec(ctx).QueryContext(ctx, query, uuid.UUID(sessionID))
	if err != nil {
		return nil, fmt.Errorf("list stage results: %w", err)
	}
	defer rows.Close()

	var out []*models.StageResult
	for rows.Next() {
		var (
			sid         uuid.UUID
			kind        string
			details     []byte
			diagnostics []byte
			r           models.StageResult
		)
		if err := rows.Scan(&sid, &kind, &r.Score, &r.Threshold, &r.Passed, &details, &diagnostics, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan stage result: %w", err)
		}
		if err := json.Unmarshal(details, &r.Details); err != nil {
			return nil, fmt.Errorf("decode stage details: %w", err)
		}
		if err := json.Unmarshal(diagnostics, &r.Diagnostics); err != nil {
			return nil, fmt.Errorf("decode stage diagnostics: %w", err)
		}
		r.SessionID = id.SessionID(sid)
		r.Kind = models.StageKind(kind)
		out = append(out, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stage results: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) UpsertRiskScore(ctx context.Context, r *models.RiskScore) error {
	components, err := json.Marshal(r.ComponentScores)
	if err != nil {
		return fmt.Errorf("marshal component scores: %w", err)
	}
	weights, err := json.Marshal(r.Weights)
	if err != nil {
		return fmt.Errorf("marshal weights: %w", err)
	}
	query := `
		INSERT INTO risk_scores (session_id, overall_score, risk_level, decision, component_scores, weights, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (session_id) DO UPDATE SET
			overall_score = EXCLUDED.overall_score,
			risk_level = EXCLUDED.risk_level,
			decision = EXCLUDED.decision,
			component_scores = EXCLUDED.component_scores,
			weights = EXCLUDED.weights,
			created_at = EXCLUDED.created_at
	`
	_, err = s.exec(ctx).ExecContext(ctx, query,
		uuid.UUID(r.SessionID),
		r.OverallScore,
		string(r.Level),
		string(r.Decision),
		string(components),
		string(weights),
		r.CreatedAt,
	)
	if err != nil {
		if isPgCode(err, pgForeignKeyViolation) {
			return sentinel.ErrNotFound
		}
		return fmt.Errorf("upsert risk score: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindRiskScore(ctx context.Context, sessionID id.SessionID) (*models.RiskScore, error) {
	query := `
		SELECT session_id, overall_score, risk_level, decision, component_scores, weights, created_at
		FROM risk_scores
		WHERE session_id = $1
	`
	var (
		sid        uuid.UUID
		level      string
		decision   string
		components []byte
		weights    []byte
		r          models.RiskScore
	)
	err := s.exec(ctx).QueryRowContext(ctx, query, uuid.UUID(sessionID)).
		Scan(&sid, &r.OverallScore, &level, &decision, &components, &weights, &r.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find risk score: %w", err)
	}
	if err := json.Unmarshal(components, &r.ComponentScores); err != nil {
		return nil, fmt.Errorf("decode component scores: %w", err)
	}
	if err := json.Unmarshal(weights, &r.Weights); err != nil {
		return nil, fmt.Errorf("decode weights: %w", err)
	}
	r.SessionID = id.SessionID(sid)
	r.Level = models.RiskLevel(level)
	r.Decision = models.Decision(decision)
	return &r, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	var (
		sessionID  uuid.UUID
		status     string
		leaseOwner uuid.NullUUID
		leaseUntil sql.NullTime
		s          models.Session
	)
	if err := row.Scan(
		&sessionID,
		&status,
		&s.SelfieVideoKey,
		&s.IDVideoKey,
		&s.Attempts,
		&leaseOwner,
		&leaseUntil,
		&s.CreatedAt,
		&s.UpdatedAt,
	); err != nil {
		return nil, err
	}
	s.ID = id.SessionID(sessionID)
	s.Status = models.Status(status)
	if leaseOwner.Valid {
		s.LeaseOwner = id.WorkerID(leaseOwner.UUID)
	}
	if leaseUntil.Valid {
		s.LeaseExpiresAt = leaseUntil.Time
	}
	return &s, nil
}

func sessionArgs(s *models.Session) []any {
	var (
		owner      uuid.NullUUID
		leaseUntil sql.NullTime
	)
	if !s.LeaseOwner.IsNil() {
		owner = uuid.NullUUID{UUID: uuid.UUID(s.LeaseOwner), Valid: true}
	}
	if !s.LeaseExpiresAt.IsZero() {
		leaseUntil = sql.NullTime{Time: s.LeaseExpiresAt, Valid: true}
	}
	return []any{
		uuid.UUID(s.ID),
		string(s.Status),
		s.SelfieVideoKey,
		s.IDVideoKey,
		s.Attempts,
		owner,
		leaseUntil,
		s.CreatedAt,
		s.UpdatedAt,
	}
}

func nonNilDiagnostics(d models.Diagnostics) models.Diagnostics {
	if d == nil {
		return models.Diagnostics{}
	}
	return d
}

func isPgCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == code
	}
	return false
}
