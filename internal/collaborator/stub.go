package collaborator

import (
	"context"
	"maps"
	"strconv"
	"sync"

	"kyc/internal/session/models"
)

// StubScores are the fixed values returned by Stub.
type StubScores struct {
	PAD              float64
	Deepfake         float64
	CosineSimilarity float64
	OCRText          string
	OCRConfidence    float64
	MRZValid         bool
	DocLiveness      float64
}

// DefaultStubScores pass every default threshold.
var DefaultStubScores = StubScores{
	PAD:              0.92,
	Deepfake:         0.08,
	CosineSimilarity: 0.88,
	OCRText:          "P<USADOE<<JOHN<<<<<<<<<<<<<<<<<<<<<<<<<<<<<<\nP123456789USA9001017M3001011<<<<<<<<<<<<<<08",
	OCRConfidence:    0.95,
	MRZValid:         true,
	DocLiveness:      0.9,
}

// Stub answers every stage with deterministic values. Failures can be
// injected per stage for tests and local runs.
type Stub struct {
	mu       sync.Mutex
	scores   StubScores
	failures map[models.StageKind]error
	calls    map[models.StageKind]int
}

// NewStub returns a stub answering with scores.
func NewStub(scores StubScores) *Stub {
	return &Stub{
		scores:   scores,
		failures: make(map[models.StageKind]error),
		calls:    make(map[models.StageKind]int),
	}
}

// Set exposes the stub for every stage.
func (s *Stub) Set() Set {
	return Set{PAD: s, Deepfake: s, FaceMatch: s, OCR: s, MRZ: s, DocLiveness: s}
}

// FailStage makes every call for stage return err until cleared with nil.
func (s *Stub) FailStage(stage models.StageKind, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, stage)
		return
	}
	s.failures[stage] = err
}

// Calls returns how many times stage was invoked.
func (s *Stub) Calls(stage models.StageKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[stage]
}

func (s *Stub) enter(ctx context.Context, stage models.StageKind) (StubScores, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[stage]++
	if err := ctx.Err(); err != nil {
		return StubScores{}, NewError(CategoryTimeout, stage, "context done", err)
	}
	if err, ok := s.failures[stage]; ok {
		return StubScores{}, err
	}
	return s.scores, nil
}

func stubDiagnostics(stage models.StageKind) models.Diagnostics {
	return models.Diagnostics{"method": "stub", "stage": string(stage)}
}

func (s *Stub) AnalyzePAD(ctx context.Context, req PADRequest) (*ScoreResult, error) {
	scores, err := s.enter(ctx, models.StagePAD)
	if err != nil {
		return nil, err
	}
	d := stubDiagnostics(models.StagePAD)
	d["frames_analyzed"] = strconv.Itoa(len(req.Frames))
	return &ScoreResult{Score: scores.PAD, Diagnostics: d}, nil
}

func (s *Stub) AnalyzeDeepfake(ctx context.Context, _ DeepfakeRequest) (*ScoreResult, error) {
	scores, err := s.enter(ctx, models.StageDeepfake)
	if err != nil {
		return nil, err
	}
	return &ScoreResult{Score: scores.Deepfake, Diagnostics: stubDiagnostics(models.StageDeepfake)}, nil
}

func (s *Stub) MatchFaces(ctx context.Context, req FaceMatchRequest) (*FaceMatchResult, error) {
	scores, err := s.enter(ctx, models.StageFaceMatch)
	if err != nil {
		return nil, err
	}
	var face string
	if len(req.FaceFrames) > 0 {
		face = req.FaceFrames[0]
	}
	return &FaceMatchResult{
		CosineSimilarity: scores.CosineSimilarity,
		FaceImagePath:    face,
		Diagnostics:      stubDiagnostics(models.StageFaceMatch),
	}, nil
}

func (s *Stub) ExtractText(ctx context.Context, _ OCRRequest) (*OCRResult, error) {
	scores, err := s.enter(ctx, models.StageDocOCR)
	if err != nil {
		return nil, err
	}
	return &OCRResult{
		Text:         scores.OCRText,
		Confidence:   scores.OCRConfidence,
		DocumentType: "passport",
		Diagnostics:  stubDiagnostics(models.StageDocOCR),
	}, nil
}

var stubMRZData = map[string]string{
	"type":            "P",
	"country":         "USA",
	"number":          "P123456789",
	"birth_date":      "900101",
	"expiration_date": "300101",
	"sex":             "M",
}

var stubParsedFields = map[string]string{
	"document_type":   "passport",
	"document_number": "P123456789",
	"surname":         "DOE",
	"given_names":     "JOHN",
	"date_of_birth":   "1990-01-01",
	"expiration_date": "2030-01-01",
}

func (s *Stub) ParseMRZ(ctx context.Context, req MRZRequest) (*MRZResult, error) {
	scores, err := s.enter(ctx, models.StageMRZ)
	if err != nil {
		return nil, err
	}
	d := stubDiagnostics(models.StageMRZ)
	d["text_length"] = strconv.Itoa(len(req.OCRText))
	return &MRZResult{
		MRZData:      maps.Clone(stubMRZData),
		ParsedFields: maps.Clone(stubParsedFields),
		Valid:        scores.MRZValid,
		Diagnostics:  d,
	}, nil
}

func (s *Stub) AnalyzeDocLiveness(ctx context.Context, _ DocLivenessRequest) (*ScoreResult, error) {
	scores, err := s.enter(ctx, models.StageDocLiveness)
	if err != nil {
		return nil, err
	}
	return &ScoreResult{Score: scores.DocLiveness, Diagnostics: stubDiagnostics(models.StageDocLiveness)}, nil
}
