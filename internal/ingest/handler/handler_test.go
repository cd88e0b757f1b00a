package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"kyc/internal/ingest/handler/mocks"
	ingest "kyc/internal/ingest/service"
	"kyc/internal/integrity"
	"kyc/internal/session/models"
	sessionService "kyc/internal/session/service"
	"kyc/internal/token"
	id "kyc/pkg/domain"
	dErrors "kyc/pkg/domain-errors"
	"kyc/pkg/testutil"
)

//go:generate mockgen -source=handler.go -destination=mocks/mocks.go -package=mocks
type IngestHandlerSuite struct {
	suite.Suite
	ctrl     *gomock.Controller
	service  *mocks.MockService
	sessions *mocks.MockSessions
	logger   *slog.Logger
	router   chi.Router
	created  time.Time
}

func TestIngestHandlerSuite(t *testing.T) {
	suite.Run(t, new(IngestHandlerSuite))
}

func (s *IngestHandlerSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.service = mocks.NewMockService(s.ctrl)
	s.sessions = mocks.NewMockSessions(s.ctrl)
	s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	s.router = s.newRouter()
	s.created = time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
}

func (s *IngestHandlerSuite) newRouter(opts ...Option) chi.Router {
	r := chi.NewRouter()
	New(s.service, s.sessions, s.logger, opts...).Register(r)
	return r
}

// stageFromBody stands in for the real staging: it drains the part and
// records what was uploaded.
func stageFromBody(uploaded map[string]string) func(field, filename string, body io.Reader) (*ingest.Staged, error) {
	return func(field, filename string, body io.Reader) (*ingest.Staged, error) {
		b, err := io.ReadAll(body)
		if err != nil {
			return nil, err
		}
		uploaded[field] = string(b)
		return &ingest.Staged{Field: field, Filename: filename}, nil
	}
}

func (s *IngestHandlerSuite) ingestRequest() *http.Request {
	v := integrity.NewVerifier([]byte("shared_secret"))
	selfieTags := v.Sign([]byte("selfie-bytes"))
	idTags := v.Sign([]byte("id-bytes"))
	return testutil.NewMultipartRequest(s.T(), http.MethodPost, "/ingest",
		[]testutil.FilePart{
			{Field: "selfie", Filename: "selfie.mp4", Content: []byte("selfie-bytes")},
			{Field: "id_video", Filename: "passport.mov", Content: []byte("id-bytes")},
		},
		map[string]string{
			"selfie_hmac":   selfieTags.HMAC,
			"selfie_sha256": selfieTags.SHA256,
			"id_hmac":       idTags.HMAC,
			"id_sha256":     idTags.SHA256,
		},
	)
}

func (s *IngestHandlerSuite) TestIngestSuccess() {
	sessionID := id.NewSessionID()
	uploaded := map[string]string{}
	v := integrity.NewVerifier([]byte("shared_secret"))

	s.service.EXPECT().Stage(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(stageFromBody(uploaded)).Times(2)
	s.service.EXPECT().Ingest(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, req ingest.Request) (*ingest.Result, error) {
		s.Equal("selfie.mp4", req.Selfie.Filename)
		s.Equal("passport.mov", req.IDVideo.Filename)
		s.Equal(v.Sign([]byte("selfie-bytes")), req.SelfieTags)
		s.Equal(v.Sign([]byte("id-bytes")), req.IDTags)
		return &ingest.Result{
			SessionID: sessionID,
			Token:     "signed.jwt",
			Status:    token.StatusQueued,
			Message:   ingest.AdmittedMessage,
		}, nil
	})

	rr := testutil.DoRequest(s.router, s.ingestRequest())

	testutil.AssertStatus(s.T(), rr, http.StatusOK)
	resp := testutil.UnmarshalResponse[IngestResponse](s.T(), rr)
	s.Equal(sessionID.String(), resp.SessionID)
	s.Equal("signed.jwt", resp.Token)
	s.Equal("queued", resp.Status)
	s.Equal("Videos uploaded successfully and queued for processing", resp.Message)
	s.Equal("selfie-bytes", uploaded["selfie"])
	s.Equal("id-bytes", uploaded["id_video"])
	s.NotEmpty(rr.Header().Get("X-Request-ID"))
}

func (s *IngestHandlerSuite) TestIngestIntegrityFailure() {
	s.service.EXPECT().Stage(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(stageFromBody(map[string]string{})).Times(2)
	s.service.EXPECT().Ingest(gomock.Any(), gomock.Any()).
		Return(nil, dErrors.New(dErrors.CodeIntegrity, "Selfie integrity verification failed"))

	rr := testutil.DoRequest(s.router, s.ingestRequest())

	testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, "integrity_error")
}

func (s *IngestHandlerSuite) TestIngestIntegrityFailureDescription() {
	s.service.EXPECT().Stage(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(stageFromBody(map[string]string{})).Times(2)
	s.service.EXPECT().Ingest(gomock.Any(), gomock.Any()).
		Return(nil, dErrors.New(dErrors.CodeIntegrity, "ID video integrity verification failed"))

	rr := testutil.DoRequest(s.router, s.ingestRequest())

	body := testutil.UnmarshalErrorResponse(s.T(), rr)
	s.Equal("ID video integrity verification failed", body["error_description"])
}

func (s *IngestHandlerSuite) TestIngestRejectsInvalidExtension() {
	s.service.EXPECT().Stage("selfie", "selfie.png", gomock.Any()).
		Return(nil, dErrors.New(dErrors.CodeValidation, "Invalid file format. Only video files are accepted."))

	req := testutil.NewMultipartRequest(s.T(), http.MethodPost, "/ingest",
		[]testutil.FilePart{{Field: "selfie", Filename: "selfie.png", Content: []byte("png")}}, nil)
	rr := testutil.DoRequest(s.router, req)

	testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, "validation_error")
}

func (s *IngestHandlerSuite) TestIngestRequiresMultipart() {
	req := testutil.NewRequest(s.T(), http.MethodPost, "/ingest")
	req.Header.Set("Content-Type", "application/json")

	rr := testutil.DoRequest(s.router, req)

	testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, "validation_error")
}

func (s *IngestHandlerSuite) TestIngestRejectsDuplicateFile() {
	s.service.EXPECT().Stage("selfie", gomock.Any(), gomock.Any()).DoAndReturn(stageFromBody(map[string]string{}))

	req := testutil.NewMultipartRequest(s.T(), http.MethodPost, "/ingest",
		[]testutil.FilePart{
			{Field: "selfie", Filename: "a.mp4", Content: []byte("a")},
			{Field: "selfie", Filename: "b.mp4", Content: []byte("b")},
		}, nil)
	rr := testutil.DoRequest(s.router, req)

	testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, "validation_error")
}

func (s *IngestHandlerSuite) TestIngestInternalErrorHidesDetail() {
	s.service.EXPECT().Stage(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(stageFromBody(map[string]string{})).Times(2)
	s.service.EXPECT().Ingest(gomock.Any(), gomock.Any()).
		Return(nil, dErrors.Wrap(io.ErrUnexpectedEOF, dErrors.CodeInternal, "failed to store selfie video"))

	rr := testutil.DoRequest(s.router, s.ingestRequest())

	testutil.AssertStatus(s.T(), rr, http.StatusInternalServerError)
	body := testutil.UnmarshalErrorResponse(s.T(), rr)
	s.Equal("internal_error", body["error"])
	s.Empty(body["error_description"])
}

func (s *IngestHandlerSuite) TestIngestBodyLimit() {
	s.router = s.newRouter(WithMaxUploadBytes(16))
	s.service.EXPECT().Stage(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(stageFromBody(map[string]string{})).AnyTimes()

	rr := testutil.DoRequest(s.router, s.ingestRequest())

	testutil.AssertStatus(s.T(), rr, http.StatusBadRequest)
}

func (s *IngestHandlerSuite) TestStatus() {
	session := s.session(models.StatusProcessing)
	s.sessions.EXPECT().Get(gomock.Any(), session.ID).Return(session, nil)

	rr := testutil.DoRequest(s.router, testutil.NewRequest(s.T(), http.MethodGet, "/status/"+session.ID.String()))

	testutil.AssertStatus(s.T(), rr, http.StatusOK)
	resp := testutil.UnmarshalResponse[StatusResponse](s.T(), rr)
	s.Equal(session.ID.String(), resp.SessionID)
	s.Equal("processing", resp.Status)
	s.True(s.created.Equal(resp.CreatedAt))
}

func (s *IngestHandlerSuite) TestStatusNotFound() {
	sessionID := id.NewSessionID()
	s.sessions.EXPECT().Get(gomock.Any(), sessionID).
		Return(nil, dErrors.New(dErrors.CodeNotFound, "session not found"))

	rr := testutil.DoRequest(s.router, testutil.NewRequest(s.T(), http.MethodGet, "/status/"+sessionID.String()))

	testutil.AssertStatusAndError(s.T(), rr, http.StatusNotFound, "not_found")
}

func (s *IngestHandlerSuite) TestStatusMalformedIDIsNotFound() {
	rr := testutil.DoRequest(s.router, testutil.NewRequest(s.T(), http.MethodGet, "/status/not-a-uuid"))

	testutil.AssertStatusAndError(s.T(), rr, http.StatusNotFound, "not_found")
}

func (s *IngestHandlerSuite) TestResultsNotCompleted() {
	for _, status := range []models.Status{models.StatusPending, models.StatusProcessing, models.StatusFailed} {
		session := s.session(status)
		s.sessions.EXPECT().Results(gomock.Any(), session.ID).Return(&sessionService.Results{Session: session}, nil)

		rr := testutil.DoRequest(s.router, testutil.NewRequest(s.T(), http.MethodGet, "/results/"+session.ID.String()))

		testutil.AssertStatus(s.T(), rr, http.StatusOK)
		var body map[string]any
		s.Require().NoError(json.Unmarshal(rr.Body.Bytes(), &body))
		s.Equal(string(status), body["status"])
		s.Equal("Processing not yet completed", body["message"])
		s.NotContains(body, "results")
	}
}

func (s *IngestHandlerSuite) TestResultsCompleted() {
	session := s.session(models.StatusCompleted)
	s.sessions.EXPECT().Results(gomock.Any(), session.ID).Return(s.completedResults(session), nil)

	rr := testutil.DoRequest(s.router, testutil.NewRequest(s.T(), http.MethodGet, "/results/"+session.ID.String()))

	testutil.AssertStatus(s.T(), rr, http.StatusOK)
	resp := testutil.UnmarshalResponse[ResultsResponse](s.T(), rr)
	s.Equal("completed", resp.Status)
	s.Require().NotNil(resp.Results.PAD)
	s.InDelta(0.92, resp.Results.PAD.Score, 1e-9)
	s.True(resp.Results.PAD.Passed)
	s.Require().NotNil(resp.Results.Deepfake)
	s.InDelta(0.3, resp.Results.Deepfake.Threshold, 1e-9)
	s.Require().NotNil(resp.Results.FaceMatch)
	s.InDelta(0.88, resp.Results.FaceMatch.CosineSimilarity, 1e-9)
	s.Require().NotNil(resp.Results.DocOCR)
	s.Equal("P<UTOERIKSSON<<ANNA", resp.Results.DocOCR.ExtractedText)
	s.Require().NotNil(resp.Results.MRZ)
	s.True(resp.Results.MRZ.Valid)
	s.Equal("ERIKSSON", resp.Results.MRZ.ParsedFields["surname"])
	s.Require().NotNil(resp.Results.DocLiveness)
	s.Require().NotNil(resp.Results.RiskScore)
	s.InDelta(1.0, resp.Results.RiskScore.OverallScore, 1e-9)
	s.Equal("low", resp.Results.RiskScore.RiskLevel)
	s.Equal("approve", resp.Results.RiskScore.Decision)
}

func (s *IngestHandlerSuite) TestTokenGuard() {
	jwt := token.NewJWTService("test-signing-key", time.Hour)
	s.router = s.newRouter(WithTokenGuard(jwt))
	session := s.session(models.StatusPending)
	other := id.NewSessionID()

	s.Run("missing token", func() {
		rr := testutil.DoRequest(s.router, testutil.NewRequest(s.T(), http.MethodGet, "/status/"+session.ID.String()))
		testutil.AssertStatusAndError(s.T(), rr, http.StatusUnauthorized, "unauthorized")
	})

	s.Run("token for another session", func() {
		tok, err := jwt.IssueSessionToken(other, token.StatusQueued)
		s.Require().NoError(err)
		req := testutil.NewRequest(s.T(), http.MethodGet, "/results/"+session.ID.String())
		req.Header.Set("Authorization", "Bearer "+tok)

		rr := testutil.DoRequest(s.router, req)
		testutil.AssertStatusAndError(s.T(), rr, http.StatusUnauthorized, "unauthorized")
	})

	s.Run("matching token", func() {
		s.sessions.EXPECT().Get(gomock.Any(), session.ID).Return(session, nil)
		tok, err := jwt.IssueSessionToken(session.ID, token.StatusQueued)
		s.Require().NoError(err)
		req := testutil.NewRequest(s.T(), http.MethodGet, "/status/"+session.ID.String())
		req.Header.Set("Authorization", "Bearer "+tok)

		rr := testutil.DoRequest(s.router, req)
		testutil.AssertStatus(s.T(), rr, http.StatusOK)
	})

	s.Run("ingest stays open", func() {
		req := testutil.NewRequest(s.T(), http.MethodPost, "/ingest")
		rr := testutil.DoRequest(s.router, req)
		testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, "validation_error")
	})
}

func (s *IngestHandlerSuite) TestHealth() {
	rr := testutil.DoRequest(s.router, testutil.NewRequest(s.T(), http.MethodGet, "/health"))

	testutil.AssertStatus(s.T(), rr, http.StatusOK)
	body := testutil.UnmarshalErrorResponse(s.T(), rr)
	s.Equal("healthy", body["status"])
}

func (s *IngestHandlerSuite) session(status models.Status) *models.Session {
	session, err := models.NewSession(id.NewSessionID(), s.created)
	s.Require().NoError(err)
	session.Status = status
	session.UpdatedAt = s.created.Add(time.Minute)
	return session
}

func (s *IngestHandlerSuite) completedResults(session *models.Session) *sessionService.Results {
	result := func(kind models.StageKind, score, threshold float64) *models.StageResult {
		return &models.StageResult{
			SessionID: session.ID,
			Kind:      kind,
			Score:     score,
			Threshold: threshold,
			Passed:    true,
			CreatedAt: s.created,
		}
	}
	faceMatch := result(models.StageFaceMatch, 0.88, 0.75)
	faceMatch.Details.FaceMatch = &models.FaceMatchDetails{CosineSimilarity: 0.88}
	ocr := result(models.StageDocOCR, 0.95, 0)
	ocr.Details.OCR = &models.OCRDetails{ExtractedText: "P<UTOERIKSSON<<ANNA", Confidence: 0.95, DocumentType: "passport"}
	mrz := result(models.StageMRZ, 1, 0)
	mrz.Details.MRZ = &models.MRZDetails{Valid: true, ParsedFields: map[string]string{"surname": "ERIKSSON"}}

	return &sessionService.Results{
		Session: session,
		Stages: map[models.StageKind]*models.StageResult{
			models.StagePAD:         result(models.StagePAD, 0.92, 0.85),
			models.StageDeepfake:    result(models.StageDeepfake, 0.08, 0.3),
			models.StageFaceMatch:   faceMatch,
			models.StageDocOCR:      ocr,
			models.StageMRZ:         mrz,
			models.StageDocLiveness: result(models.StageDocLiveness, 0.9, 0.8),
		},
		Risk: &models.RiskScore{
			SessionID:    session.ID,
			OverallScore: 1,
			Level:        models.RiskLow,
			Decision:     models.DecisionApprove,
			ComponentScores: map[string]float64{
				"pad": 1, "deepfake": 1, "face_match": 1, "doc_liveness": 1,
			},
			Weights: map[string]float64{
				"pad": 0.3, "deepfake": 0.3, "face_match": 0.3, "doc_liveness": 0.1,
			},
		},
	}
}
