package collaborator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"kyc/internal/platform/config"
	"kyc/internal/session/models"
	"kyc/pkg/platform/circuit"
)

// DefaultTimeout bounds every collaborator call.
const DefaultTimeout = 300 * time.Second

// maxErrorBody caps how much of a failed response is kept for logs.
const maxErrorBody = 512

// CircuitObserver is told when a collaborator circuit opens or closes.
type CircuitObserver interface {
	SetCircuitOpen(collaborator string, open bool)
}

// HTTPClient calls the analysis services over JSON/HTTP. Each stage has its
// own URL and circuit breaker.
type HTTPClient struct {
	client    *http.Client
	endpoints map[models.StageKind]*endpoint
	logger    *slog.Logger
	observer  CircuitObserver
}

type endpoint struct {
	url     string
	breaker *circuit.Breaker
}

// HTTPOption configures an HTTPClient.
type HTTPOption func(*HTTPClient)

// WithHTTPClient replaces the underlying client. Its timeout is kept as is.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTPClient) {
		if c != nil {
			h.client = c
		}
	}
}

func WithLogger(logger *slog.Logger) HTTPOption {
	return func(h *HTTPClient) {
		if logger != nil {
			h.logger = logger
		}
	}
}

func WithCircuitObserver(o CircuitObserver) HTTPOption {
	return func(h *HTTPClient) {
		h.observer = o
	}
}

// WithBreakerOptions applies options to every stage breaker.
func WithBreakerOptions(opts ...circuit.Option) HTTPOption {
	return func(h *HTTPClient) {
		for kind, ep := range h.endpoints {
			ep.breaker = circuit.New(string(kind), opts...)
		}
	}
}

// NewHTTP builds a client for the configured endpoints. A zero timeout uses
// DefaultTimeout.
func NewHTTP(cfg config.CollaboratorsConfig, timeout time.Duration, opts ...HTTPOption) *HTTPClient {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	urls := map[models.StageKind]string{
		models.StagePAD:         cfg.PAD,
		models.StageDeepfake:    cfg.Deepfake,
		models.StageFaceMatch:   cfg.FaceMatch,
		models.StageDocOCR:      cfg.OCR,
		models.StageMRZ:         cfg.MRZ,
		models.StageDocLiveness: cfg.DocLiveness,
	}
	h := &HTTPClient{
		client:    &http.Client{Timeout: timeout},
		endpoints: make(map[models.StageKind]*endpoint, len(urls)),
		logger:    slog.Default(),
	}
	for kind, url := range urls {
		h.endpoints[kind] = &endpoint{url: url, breaker: circuit.New(string(kind))}
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Set exposes the client for every stage.
func (h *HTTPClient) Set() Set {
	return Set{PAD: h, Deepfake: h, FaceMatch: h, OCR: h, MRZ: h, DocLiveness: h}
}

type scoreResponse struct {
	Score    *float64       `json:"score"`
	Analysis map[string]any `json:"analysis"`
}

func (r scoreResponse) result(stage models.StageKind) (*ScoreResult, error) {
	if r.Score == nil {
		return nil, NewError(CategoryBadResponse, stage, "response has no score", nil)
	}
	return &ScoreResult{Score: *r.Score, Diagnostics: models.DiagnosticsFrom(r.Analysis)}, nil
}

func (h *HTTPClient) AnalyzePAD(ctx context.Context, req PADRequest) (*ScoreResult, error) {
	var resp scoreResponse
	if err := h.call(ctx, models.StagePAD, req, &resp); err != nil {
		return nil, err
	}
	return resp.result(models.StagePAD)
}

func (h *HTTPClient) AnalyzeDeepfake(ctx context.Context, req DeepfakeRequest) (*ScoreResult, error) {
	var resp scoreResponse
	if err := h.call(ctx, models.StageDeepfake, req, &resp); err != nil {
		return nil, err
	}
	return resp.result(models.StageDeepfake)
}

func (h *HTTPClient) AnalyzeDocLiveness(ctx context.Context, req DocLivenessRequest) (*ScoreResult, error) {
	var resp scoreResponse
	if err := h.call(ctx, models.StageDocLiveness, req, &resp); err != nil {
		return nil, err
	}
	return resp.result(models.StageDocLiveness)
}

func (h *HTTPClient) MatchFaces(ctx context.Context, req FaceMatchRequest) (*FaceMatchResult, error) {
	var resp struct {
		CosineSimilarity *float64      `json:"cosine_similarity"`
		FaceImagePath    string         `json:"face_image_path"`
		Analysis         map[string]any `json:"analysis"`
	}
	if err := h.call(ctx, models.StageFaceMatch, req, &resp); err != nil {
		return nil, err
	}
	if resp.CosineSimilarity == nil {
		return nil, NewError(CategoryBadResponse, models.StageFaceMatch, "response has no cosine_similarity", nil)
	}
	return &FaceMatchResult{
		CosineSimilarity: *resp.CosineSimilarity,
		FaceImagePath:    resp.FaceImagePath,
		Diagnostics:      models.DiagnosticsFrom(resp.Analysis),
	}, nil
}

func (h *HTTPClient) ExtractText(ctx context.Context, req OCRRequest) (*OCRResult, error) {
	var resp struct {
		Text         string         `json:"text"`
		Confidence   float64        `json:"confidence"`
		DocumentType string         `json:"document_type"`
		Analysis     map[string]any `json:"analysis"`
	}
	if err := h.call(ctx, models.StageDocOCR, req, &resp); err != nil {
		return nil, err
	}
	return &OCRResult{
		Text:         resp.Text,
		Confidence:   resp.Confidence,
		DocumentType: resp.DocumentType,
		Diagnostics:  models.DiagnosticsFrom(resp.Analysis),
	}, nil
}

func (h *HTTPClient) ParseMRZ(ctx context.Context, req MRZRequest) (*MRZResult, error) {
	var resp struct {
		MRZData      map[string]any `json:"mrz_data"`
		ParsedFields map[string]any `json:"parsed_fields"`
		Valid        bool           `json:"valid"`
		Analysis     map[string]any `json:"analysis"`
	}
	if err := h.call(ctx, models.StageMRZ, req, &resp); err != nil {
		return nil, err
	}
	return &MRZResult{
		MRZData:      models.DiagnosticsFrom(resp.MRZData),
		ParsedFields: models.DiagnosticsFrom(resp.ParsedFields),
		Valid:        resp.Valid,
		Diagnostics:  models.DiagnosticsFrom(resp.Analysis),
	}, nil
}

// call posts body as JSON and decodes a 2xx response into out. The stage
// breaker short-circuits calls while open.
func (h *HTTPClient) call(ctx context.Context, stage models.StageKind, body, out any) error {
	ep, ok := h.endpoints[stage]
	if !ok || ep.url == "" {
		// Configuration does not change between attempts.
		err := NewError(CategoryInternal, stage, "no endpoint configured", nil)
		err.Retryable = false
		return err
	}
	if !ep.breaker.Allow() {
		return NewError(CategoryCircuitOpen, stage, "circuit open", nil)
	}

	err := h.do(ctx, stage, ep.url, body, out)
	h.record(ctx, ep.breaker, stage, err)
	return err
}

func (h *HTTPClient) do(ctx context.Context, stage models.StageKind, url string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return NewError(CategoryInternal, stage, "encode request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return NewError(CategoryInternal, stage, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		if isTimeout(ctx, err) {
			return NewError(CategoryTimeout, stage, "request timed out", err)
		}
		return NewError(CategoryOutage, stage, "request failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		ce := NewError(categoryForStatus(resp.StatusCode), stage,
			fmt.Sprintf("unexpected status %d", resp.StatusCode),
			errors.New(string(bytes.TrimSpace(snippet))))
		ce.StatusCode = resp.StatusCode
		return ce
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return NewError(CategoryBadResponse, stage, "decode response", err)
	}
	return nil
}

func (h *HTTPClient) record(ctx context.Context, breaker *circuit.Breaker, stage models.StageKind, err error) {
	var change circuit.StateChange
	switch {
	case err == nil:
		_, change = breaker.RecordSuccess()
	case countsAgainstCircuit(CategoryOf(err)):
		_, change = breaker.RecordFailure()
	default:
		return
	}
	if change.Opened {
		h.logger.WarnContext(ctx, "collaborator circuit opened", "stage", stage, "error", err)
	}
	if change.Closed {
		h.logger.InfoContext(ctx, "collaborator circuit closed", "stage", stage)
	}
	if h.observer != nil && (change.Opened || change.Closed) {
		h.observer.SetCircuitOpen(string(stage), change.Opened)
	}
}

func categoryForStatus(status int) Category {
	switch {
	case status == http.StatusTooManyRequests:
		return CategoryRateLimited
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return CategoryTimeout
	case status >= 500:
		return CategoryOutage
	default:
		return CategoryRejected
	}
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}
