package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	ingest "kyc/internal/ingest/service"
	"kyc/internal/session/models"
	sessionService "kyc/internal/session/service"
	id "kyc/pkg/domain"
	dErrors "kyc/pkg/domain-errors"
	"kyc/pkg/platform/httputil"
	"kyc/pkg/platform/middleware/auth"
	"kyc/pkg/platform/middleware/metadata"
	request "kyc/pkg/platform/middleware/request"
	"kyc/pkg/platform/middleware/requesttime"
	"kyc/pkg/requestcontext"
)

// maxFieldBytes bounds a plain multipart field; tags are 44 base64 chars.
const maxFieldBytes = 1024

// Service admits uploads.
type Service interface {
	Stage(field, filename string, body io.Reader) (*ingest.Staged, error)
	Ingest(ctx context.Context, req ingest.Request) (*ingest.Result, error)
}

// Sessions is the read side used by the status and results endpoints.
type Sessions interface {
	Get(ctx context.Context, sessionID id.SessionID) (*models.Session, error)
	Results(ctx context.Context, sessionID id.SessionID) (*sessionService.Results, error)
}

// Handler serves the ingestion gateway endpoints.
type Handler struct {
	logger         *slog.Logger
	service        Service
	sessions       Sessions
	metrics        request.LatencyObserver
	tokens         auth.TokenValidator
	maxUploadBytes int64
}

type Option func(*Handler)

// WithTokenGuard requires a bearer token for the session on status and
// results.
func WithTokenGuard(v auth.TokenValidator) Option {
	return func(h *Handler) { h.tokens = v }
}

func WithLatencyObserver(o request.LatencyObserver) Option {
	return func(h *Handler) { h.metrics = o }
}

// WithMaxUploadBytes caps the whole multipart body.
func WithMaxUploadBytes(n int64) Option {
	return func(h *Handler) { h.maxUploadBytes = n }
}

// New creates a new ingest Handler.
func New(service Service, sessions Sessions, logger *slog.Logger, opts ...Option) *Handler {
	h := &Handler{
		logger:   logger,
		service:  service,
		sessions: sessions,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register registers the gateway routes with the chi router.
func (h *Handler) Register(r chi.Router) {
	router := chi.NewRouter()
	router.Use(request.Recovery(h.logger))
	router.Use(request.RequestID)
	router.Use(request.Logger(h.logger, h.metrics))
	router.Use(metadata.ClientMetadata)
	router.Use(requesttime.Middleware)

	router.Post("/ingest", h.handleIngest)
	router.Get("/health", h.handleHealth)
	router.Group(func(r chi.Router) {
		if h.tokens != nil {
			r.Use(auth.RequireSessionToken(h.tokens, h.logger))
		}
		r.Get("/status/{session_id}", h.handleStatus)
		r.Get("/results/{session_id}", h.handleResults)
	})

	r.Mount("/", router)
}

// handleIngest streams both uploads to temp files, then verifies and admits
// them. Parts may arrive in any order.
func (h *Handler) handleIngest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := request.GetRequestID(ctx)

	if h.maxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	}
	req, err := h.readUpload(r)
	if err != nil {
		req.Selfie.Remove()
		req.IDVideo.Remove()
		h.logger.WarnContext(ctx, "invalid ingest request",
			"request_id", requestID,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}

	res, err := h.service.Ingest(ctx, req)
	if err != nil {
		h.logger.WarnContext(ctx, "ingest rejected",
			"request_id", requestID,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, IngestResponse{
		Token:     res.Token,
		SessionID: res.SessionID.String(),
		Status:    res.Status,
		Message:   res.Message,
	})
}

func (h *Handler) readUpload(r *http.Request) (ingest.Request, error) {
	var req ingest.Request
	mr, err := r.MultipartReader()
	if err != nil {
		return req, dErrors.New(dErrors.CodeValidation, "multipart/form-data body required")
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return req, nil
		}
		if err != nil {
			return req, uploadReadError(err)
		}

		field := part.FormName()
		switch field {
		case ingest.FileSelfie, ingest.FileIDVideo:
			slot := &req.Selfie
			if field == ingest.FileIDVideo {
				slot = &req.IDVideo
			}
			if *slot != nil {
				return req, dErrors.New(dErrors.CodeValidation, "duplicate "+field+" file")
			}
			staged, err := h.service.Stage(field, part.FileName(), part)
			if err != nil {
				var mbe *http.MaxBytesError
				if errors.As(err, &mbe) {
					return req, uploadReadError(err)
				}
				return req, err
			}
			*slot = staged
		case "selfie_hmac", "selfie_sha256", "id_hmac", "id_sha256":
			value, err := io.ReadAll(io.LimitReader(part, maxFieldBytes))
			if err != nil {
				return req, uploadReadError(err)
			}
			setTag(&req, field, strings.TrimSpace(string(value)))
		default:
			// unknown parts are skipped
		}
		_ = part.Close()
	}
}

func setTag(req *ingest.Request, field, value string) {
	switch field {
	case "selfie_hmac":
		req.SelfieTags.HMAC = value
	case "selfie_sha256":
		req.SelfieTags.SHA256 = value
	case "id_hmac":
		req.IDTags.HMAC = value
	case "id_sha256":
		req.IDTags.SHA256 = value
	}
}

func uploadReadError(err error) error {
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		return dErrors.Wrap(err, dErrors.CodeValidation, "upload exceeds maximum size")
	}
	return dErrors.Wrap(err, dErrors.CodeBadRequest, "malformed multipart body")
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID, ok := h.sessionFromPath(w, r)
	if !ok {
		return
	}

	session, err := h.sessions.Get(ctx, sessionID)
	if err != nil {
		h.logLookupError(ctx, "get status", sessionID, err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toStatusResponse(session))
}

func (h *Handler) handleResults(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID, ok := h.sessionFromPath(w, r)
	if !ok {
		return
	}

	results, err := h.sessions.Results(ctx, sessionID)
	if err != nil {
		h.logLookupError(ctx, "get results", sessionID, err)
		httputil.WriteError(w, err)
		return
	}
	if results.Session.Status != models.StatusCompleted {
		httputil.WriteJSON(w, http.StatusOK, PendingResultsResponse{
			SessionID: results.Session.ID.String(),
			Status:    results.Session.Status.String(),
			Message:   notCompletedMessage,
		})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toResultsResponse(results))
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// sessionFromPath parses the path id. Malformed ids are reported as unknown
// sessions. With the token guard on, the token must name the same session.
func (h *Handler) sessionFromPath(w http.ResponseWriter, r *http.Request) (id.SessionID, bool) {
	sessionID, err := id.ParseSessionID(chi.URLParam(r, "session_id"))
	if err != nil {
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeNotFound, "Session not found"))
		return id.SessionID{}, false
	}
	if h.tokens != nil && requestcontext.SessionID(r.Context()) != sessionID {
		h.logger.WarnContext(r.Context(), "token issued for another session",
			"request_id", request.GetRequestID(r.Context()),
			"session_id", sessionID.String(),
		)
		httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "token does not grant access to this session"))
		return id.SessionID{}, false
	}
	return sessionID, true
}

func (h *Handler) logLookupError(ctx context.Context, op string, sessionID id.SessionID, err error) {
	if dErrors.HasCode(err, dErrors.CodeNotFound) {
		return
	}
	h.logger.ErrorContext(ctx, op+" failed",
		"request_id", request.GetRequestID(ctx),
		"session_id", sessionID.String(),
		"error", err,
	)
}
