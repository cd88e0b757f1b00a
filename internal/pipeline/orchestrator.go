// Package pipeline drives admitted sessions through frame extraction, the
// analysis stages and risk scoring.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"kyc/internal/collaborator"
	"kyc/internal/platform/config"
	"kyc/internal/queue"
	"kyc/internal/risk"
	"kyc/internal/session/models"
	id "kyc/pkg/domain"
)

const (
	stageFrames  = "frame_extraction"
	stageScoring = "risk_scoring"

	padFrames  = 10
	faceFrames = 5
)

// Sessions is the session store surface used by the pipeline. Every write
// requires the caller to hold the lease.
type Sessions interface {
	AcquireLease(ctx context.Context, sessionID id.SessionID, owner id.WorkerID, ttl time.Duration) (*models.Session, error)
	ExtendLease(ctx context.Context, sessionID id.SessionID, owner id.WorkerID, ttl time.Duration) error
	ReleaseLease(ctx context.Context, sessionID id.SessionID, owner id.WorkerID) error
	RecordFrames(ctx context.Context, owner id.WorkerID, f *models.FrameExtraction) error
	RecordStageResult(ctx context.Context, owner id.WorkerID, r *models.StageResult) error
	Complete(ctx context.Context, owner id.WorkerID, score *models.RiskScore) error
	Fail(ctx context.Context, sessionID id.SessionID, owner id.WorkerID) error
}

// FrameExtractor samples and stores frames of a video.
type FrameExtractor interface {
	Extract(ctx context.Context, sessionID id.SessionID, videoKey string) ([]string, error)
}

// Metrics records stage and pipeline observations.
type Metrics interface {
	ObserveStage(stage, outcome string, duration time.Duration)
	IncrementPipelineOutcome(result string)
	IncrementRequeue()
}

type noopMetrics struct{}

func (noopMetrics) ObserveStage(string, string, time.Duration) {}
func (noopMetrics) IncrementPipelineOutcome(string)             {}
func (noopMetrics) IncrementRequeue()                           {}

// Orchestrator runs the stages of one job in order, persisting each result
// before starting the next.
type Orchestrator struct {
	sessions      Sessions
	frames        FrameExtractor
	collaborators collaborator.Set
	engine        *risk.Engine
	thresholds    config.Thresholds
	callTimeout   time.Duration
	metrics       Metrics
	tracer        trace.Tracer
	logger        *slog.Logger
	now           func() time.Time
}

type OrchestratorOption func(*Orchestrator)

func WithCallTimeout(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		if d > 0 {
			o.callTimeout = d
		}
	}
}

func WithMetrics(m Metrics) OrchestratorOption {
	return func(o *Orchestrator) {
		if m != nil {
			o.metrics = m
		}
	}
}

func WithLogger(logger *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func WithClock(now func() time.Time) OrchestratorOption {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// NewOrchestrator validates the scoring config up front so a bad weight set
// fails at startup rather than on the first job.
func NewOrchestrator(
	sessions Sessions,
	extractor FrameExtractor,
	collaborators collaborator.Set,
	scoring config.Scoring,
	opts ...OrchestratorOption,
) (*Orchestrator, error) {
	if !collaborators.Complete() {
		return nil, errors.New("every analysis stage needs a collaborator")
	}
	engine, err := risk.NewEngine(scoring.Weights)
	if err != nil {
		return nil, err
	}
	o := &Orchestrator{
		sessions:      sessions,
		frames:        extractor,
		collaborators: collaborators,
		engine:        engine,
		thresholds:    scoring.Thresholds,
		callTimeout:   collaborator.DefaultTimeout,
		metrics:       noopMetrics{},
		tracer:        otel.Tracer("kyc/pipeline"),
		logger:        slog.Default(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// run carries values produced by earlier stages.
type run struct {
	owner     id.WorkerID
	sessionID id.SessionID
	job       queue.Job
	frames    *models.FrameExtraction
	ocrText   string
	passed    map[models.StageKind]bool
}

type stageFunc func(ctx context.Context, r *run) (*models.StageResult, error)

// Process runs every stage for job under owner's lease. It never changes the
// session's terminal status on failure; the worker decides that from the
// outcome and the attempt count.
func (o *Orchestrator) Process(ctx context.Context, owner id.WorkerID, sessionID id.SessionID, job queue.Job) Outcome {
	r := &run{
		owner:     owner,
		sessionID: sessionID,
		job:       job,
		passed:    make(map[models.StageKind]bool, len(models.StageOrder)),
	}

	if err := o.observe(ctx, r, stageFrames, o.extractFrames); err != nil {
		return classify(ctx, stageFrames, err)
	}

	stages := map[models.StageKind]stageFunc{
		models.StagePAD:         o.runPAD,
		models.StageDeepfake:    o.runDeepfake,
		models.StageFaceMatch:   o.runFaceMatch,
		models.StageDocOCR:      o.runOCR,
		models.StageMRZ:         o.runMRZ,
		models.StageDocLiveness: o.runDocLiveness,
	}
	for _, kind := range models.StageOrder {
		fn := stages[kind]
		err := o.observe(ctx, r, string(kind), func(ctx context.Context, r *run) error {
			return o.analyze(ctx, r, fn)
		})
		if err != nil {
			return classify(ctx, string(kind), err)
		}
	}

	var assessment risk.Assessment
	err := o.observe(ctx, r, stageScoring, func(ctx context.Context, r *run) error {
		assessment = o.engine.Assess(r.passed)
		return o.sessions.Complete(ctx, r.owner, &models.RiskScore{
			SessionID:       r.sessionID,
			OverallScore:    assessment.Overall,
			Level:           assessment.Level,
			Decision:        assessment.Decision,
			ComponentScores: assessment.ComponentScores,
			Weights:         assessment.Weights,
			CreatedAt:       o.now().UTC(),
		})
	})
	if err != nil {
		return classify(ctx, stageScoring, err)
	}
	return succeeded(assessment)
}

// observe wraps a stage with a span, a duration metric and start/finish logs.
func (o *Orchestrator) observe(ctx context.Context, r *run, stage string, fn func(context.Context, *run) error) error {
	ctx, span := o.tracer.Start(ctx, "pipeline."+stage, trace.WithAttributes(
		attribute.String("kyc.session_id", r.sessionID.String()),
		attribute.String("kyc.stage", stage),
		attribute.Int("kyc.attempt", r.job.Attempt),
	))
	defer span.End()

	o.logger.InfoContext(ctx, "stage started",
		"session_id", r.sessionID,
		"stage", stage,
		"attempt", r.job.Attempt,
	)
	start := time.Now()
	err := fn(ctx, r)
	elapsed := time.Since(start)

	outcome := "success"
	if err != nil {
		outcome = classify(ctx, stage, err).Kind.String()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.logger.WarnContext(ctx, "stage failed",
			"session_id", r.sessionID,
			"stage", stage,
			"attempt", r.job.Attempt,
			"duration_ms", elapsed.Milliseconds(),
			"error", err,
		)
	} else {
		o.logger.InfoContext(ctx, "stage finished",
			"session_id", r.sessionID,
			"stage", stage,
			"attempt", r.job.Attempt,
			"duration_ms", elapsed.Milliseconds(),
		)
	}
	o.metrics.ObserveStage(stage, outcome, elapsed)
	return err
}

func (o *Orchestrator) extractFrames(ctx context.Context, r *run) error {
	keys, err := o.frames.Extract(ctx, r.sessionID, r.job.SelfieVideoPath)
	if err != nil {
		return err
	}
	extraction, err := models.NewFrameExtraction(r.sessionID, keys, o.now().UTC())
	if err != nil {
		return err
	}
	if err := o.sessions.RecordFrames(ctx, r.owner, extraction); err != nil {
		return err
	}
	r.frames = extraction
	return nil
}

// analyze calls one collaborator under the per-call timeout and persists the
// result before returning.
func (o *Orchestrator) analyze(ctx context.Context, r *run, fn stageFunc) error {
	callCtx, cancel := context.WithTimeout(ctx, o.callTimeout)
	result, err := fn(callCtx, r)
	cancel()
	if err != nil {
		return err
	}
	result.SessionID = r.sessionID
	result.CreatedAt = o.now().UTC()
	if err := o.sessions.RecordStageResult(ctx, r.owner, result); err != nil {
		return err
	}
	r.passed[result.Kind] = result.Passed
	return nil
}

func scored(kind models.StageKind, score, threshold float64, dir models.Direction, diag models.Diagnostics) *models.StageResult {
	return &models.StageResult{
		Kind:        kind,
		Score:       score,
		Threshold:   threshold,
		Passed:      dir.Passes(score, threshold),
		Diagnostics: diag,
	}
}

func (o *Orchestrator) runPAD(ctx context.Context, r *run) (*models.StageResult, error) {
	res, err := o.collaborators.PAD.AnalyzePAD(ctx, collaborator.PADRequest{
		SessionID: r.sessionID.String(),
		Frames:    r.frames.Head(padFrames),
	})
	if err != nil {
		return nil, err
	}
	return scored(models.StagePAD, res.Score, o.thresholds.PAD, models.AtLeast, res.Diagnostics), nil
}

func (o *Orchestrator) runDeepfake(ctx context.Context, r *run) (*models.StageResult, error) {
	res, err := o.collaborators.Deepfake.AnalyzeDeepfake(ctx, collaborator.DeepfakeRequest{
		SessionID: r.sessionID.String(),
		VideoPath: r.job.SelfieVideoPath,
	})
	if err != nil {
		return nil, err
	}
	return scored(models.StageDeepfake, res.Score, o.thresholds.Deepfake, models.AtMost, res.Diagnostics), nil
}

func (o *Orchestrator) runFaceMatch(ctx context.Context, r *run) (*models.StageResult, error) {
	faces := r.frames.Head(faceFrames)
	idPhoto := r.frames.IDPhoto()
	res, err := o.collaborators.FaceMatch.MatchFaces(ctx, collaborator.FaceMatchRequest{
		SessionID:   r.sessionID.String(),
		FaceFrames:  faces,
		IDPhotoPath: idPhoto,
	})
	if err != nil {
		return nil, err
	}
	result := scored(models.StageFaceMatch, res.CosineSimilarity, o.thresholds.FaceMatch, models.AtLeast, res.Diagnostics)
	result.Details.FaceMatch = &models.FaceMatchDetails{
		CosineSimilarity: res.CosineSimilarity,
		FaceImagePaths:   append([]string(nil), faces...),
		IDPhotoPath:      idPhoto,
	}
	return result, nil
}

// runOCR is informational: it passes whenever text was extracted.
func (o *Orchestrator) runOCR(ctx context.Context, r *run) (*models.StageResult, error) {
	res, err := o.collaborators.OCR.ExtractText(ctx, collaborator.OCRRequest{
		SessionID: r.sessionID.String(),
		Frames:    r.frames.FrameKeys,
	})
	if err != nil {
		return nil, err
	}
	r.ocrText = res.Text
	return &models.StageResult{
		Kind:        models.StageDocOCR,
		Score:       res.Confidence,
		Passed:      res.Text != "",
		Diagnostics: res.Diagnostics,
		Details: models.StageDetails{OCR: &models.OCRDetails{
			ExtractedText: res.Text,
			Confidence:    res.Confidence,
			DocumentType:  res.DocumentType,
		}},
	}, nil
}

func (o *Orchestrator) runMRZ(ctx context.Context, r *run) (*models.StageResult, error) {
	res, err := o.collaborators.MRZ.ParseMRZ(ctx, collaborator.MRZRequest{
		SessionID: r.sessionID.String(),
		OCRText:   r.ocrText,
	})
	if err != nil {
		return nil, err
	}
	score := 0.0
	if res.Valid {
		score = 1.0
	}
	return &models.StageResult{
		Kind:        models.StageMRZ,
		Score:       score,
		Passed:      res.Valid,
		Diagnostics: res.Diagnostics,
		Details: models.StageDetails{MRZ: &models.MRZDetails{
			MRZData:      res.MRZData,
			ParsedFields: res.ParsedFields,
			Valid:        res.Valid,
		}},
	}, nil
}

func (o *Orchestrator) runDocLiveness(ctx context.Context, r *run) (*models.StageResult, error) {
	res, err := o.collaborators.DocLiveness.AnalyzeDocLiveness(ctx, collaborator.DocLivenessRequest{
		SessionID: r.sessionID.String(),
		Frames:    r.frames.FrameKeys,
	})
	if err != nil {
		return nil, err
	}
	return scored(models.StageDocLiveness, res.Score, o.thresholds.DocLiveness, models.AtLeast, res.Diagnostics), nil
}
