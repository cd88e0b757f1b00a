// Package service admits verified video pairs: it checks both uploads
// against their caller-supplied tags, creates the session, stores the blobs
// and enqueues the pipeline job.
package service

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"kyc/internal/audit"
	"kyc/internal/integrity"
	"kyc/internal/objectstore"
	"kyc/internal/queue"
	"kyc/internal/session/models"
	"kyc/internal/token"
	id "kyc/pkg/domain"
	dErrors "kyc/pkg/domain-errors"
	"kyc/pkg/requestcontext"
)

// Upload field names, also used as metric and audit labels.
const (
	FileSelfie  = "selfie"
	FileIDVideo = "id_video"
)

// AdmittedMessage is returned with every successful admission.
const AdmittedMessage = "Videos uploaded successfully and queued for processing"

const invalidFormatMessage = "Invalid file format. Only video files are accepted."

var contentTypes = map[string]string{
	".mp4": "video/mp4",
	".avi": "video/x-msvideo",
	".mov": "video/quicktime",
	".mkv": "video/x-matroska",
}

// Sessions creates the pending row and records where its videos went.
type Sessions interface {
	Admit(ctx context.Context) (*models.Session, error)
	AttachVideos(ctx context.Context, sessionID id.SessionID, selfieKey, idKey string) error
}

// BlobStore is the write side of the object store.
type BlobStore interface {
	Put(ctx context.Context, bucket, key string, body io.Reader, contentType string) error
}

type JobQueue interface {
	Enqueue(ctx context.Context, job queue.Job) error
}

type TokenIssuer interface {
	IssueSessionToken(sessionID id.SessionID, status string) (string, error)
}

type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

type Metrics interface {
	IncrementIngest(outcome string)
	IncrementIntegrityFailure(file string)
}

// Staged is one upload spooled to a temp file with the digest computed
// while it was written.
type Staged struct {
	Field    string
	Filename string
	Path     string
	Digest   integrity.Digest
}

// Remove deletes the temp file. It is safe to call more than once.
func (s *Staged) Remove() {
	if s == nil || s.Path == "" {
		return
	}
	_ = os.Remove(s.Path)
	s.Path = ""
}

// Request carries both staged uploads and the tags the caller sent for them.
type Request struct {
	Selfie     *Staged
	IDVideo    *Staged
	SelfieTags integrity.Tags
	IDTags     integrity.Tags
}

// Result is the admission response.
type Result struct {
	SessionID id.SessionID
	Token     string
	Status    string
	Message   string
}

type Service struct {
	sessions     Sessions
	blobs        BlobStore
	queue        JobQueue
	tokens       TokenIssuer
	verifier     *integrity.Verifier
	videosBucket string
	tempDir      string
	auditor      AuditPublisher
	metrics      Metrics
	logger       *slog.Logger
}

type Option func(*Service)

func WithTempDir(dir string) Option {
	return func(s *Service) { s.tempDir = dir }
}

func WithVideosBucket(bucket string) Option {
	return func(s *Service) { s.videosBucket = bucket }
}

func WithAuditPublisher(p AuditPublisher) Option {
	return func(s *Service) { s.auditor = p }
}

func WithMetrics(m Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func New(sessions Sessions, blobs BlobStore, q JobQueue, tokens TokenIssuer, verifier *integrity.Verifier, opts ...Option) *Service {
	s := &Service{
		sessions:     sessions,
		blobs:        blobs,
		queue:        q,
		tokens:       tokens,
		verifier:     verifier,
		videosBucket: "kyc-videos",
		metrics:      noopMetrics{},
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ValidateFilename accepts the supported video containers, case-insensitively.
func ValidateFilename(filename string) error {
	if filename == "" {
		return dErrors.New(dErrors.CodeValidation, "file is required")
	}
	if _, ok := contentTypes[strings.ToLower(filepath.Ext(filename))]; !ok {
		return dErrors.New(dErrors.CodeValidation, invalidFormatMessage)
	}
	return nil
}

// Stage streams body into a temp file while computing both hashes. The
// returned file must be removed by the caller, which Ingest does.
func (s *Service) Stage(field, filename string, body io.Reader) (*Staged, error) {
	if err := ValidateFilename(filename); err != nil {
		return nil, err
	}
	f, err := os.CreateTemp(s.tempDir, "kyc-upload-*"+strings.ToLower(filepath.Ext(filename)))
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to create temp file")
	}
	staged := &Staged{Field: field, Filename: filename, Path: f.Name()}

	digest, err := s.verifier.Copy(f, body)
	closeErr := f.Close()
	if err != nil {
		staged.Remove()
		return nil, dErrors.Wrap(err, dErrors.CodeBadRequest, "failed to read "+field+" upload")
	}
	if closeErr != nil {
		staged.Remove()
		return nil, dErrors.Wrap(closeErr, dErrors.CodeInternal, "failed to write temp file")
	}
	staged.Digest = digest
	return staged, nil
}

// Ingest verifies both uploads and admits the session. The staged files are
// removed on every path. Nothing is persisted until both files verify; a
// failure after the session row exists leaves the row and returns an
// internal error.
func (s *Service) Ingest(ctx context.Context, req Request) (*Result, error) {
	defer req.Selfie.Remove()
	defer req.IDVideo.Remove()

	if err := validateRequest(req); err != nil {
		s.metrics.IncrementIngest("invalid")
		return nil, err
	}
	if err := s.verify(ctx, req.Selfie, req.SelfieTags, "Selfie integrity verification failed"); err != nil {
		return nil, err
	}
	if err := s.verify(ctx, req.IDVideo, req.IDTags, "ID video integrity verification failed"); err != nil {
		return nil, err
	}

	session, err := s.sessions.Admit(ctx)
	if err != nil {
		s.metrics.IncrementIngest("error")
		return nil, internal(err, "failed to create session")
	}
	logger := s.logger.With("request_id", requestcontext.RequestID(ctx), "session_id", session.ID.String())

	selfieKey := objectstore.SelfieKey(session.ID, req.Selfie.Filename)
	idKey := objectstore.IDVideoKey(session.ID, req.IDVideo.Filename)
	if err := s.upload(ctx, req.Selfie, selfieKey); err != nil {
		logger.ErrorContext(ctx, "selfie upload failed", "error", err)
		s.metrics.IncrementIngest("error")
		return nil, internal(err, "failed to store selfie video")
	}
	if err := s.upload(ctx, req.IDVideo, idKey); err != nil {
		logger.ErrorContext(ctx, "id video upload failed", "error", err)
		s.metrics.IncrementIngest("error")
		return nil, internal(err, "failed to store id video")
	}
	if err := s.sessions.AttachVideos(ctx, session.ID, selfieKey, idKey); err != nil {
		logger.ErrorContext(ctx, "attach videos failed", "error", err)
		s.metrics.IncrementIngest("error")
		return nil, internal(err, "failed to record video keys")
	}
	if err := s.queue.Enqueue(ctx, queue.NewJob(session.ID, selfieKey, idKey)); err != nil {
		logger.ErrorContext(ctx, "enqueue failed", "error", err)
		s.metrics.IncrementIngest("error")
		return nil, internal(err, "failed to enqueue session")
	}

	tok, err := s.tokens.IssueSessionToken(session.ID, token.StatusQueued)
	if err != nil {
		logger.ErrorContext(ctx, "token issuance failed", "error", err)
		s.metrics.IncrementIngest("error")
		return nil, internal(err, "failed to issue session token")
	}

	s.emit(ctx, audit.Event{
		Action:    audit.ActionSessionAdmitted,
		SessionID: session.ID,
		Client:    audit.ClientFromUserAgent(requestcontext.UserAgent(ctx)),
	})
	s.metrics.IncrementIngest("admitted")
	logger.InfoContext(ctx, "session admitted",
		"selfie_bytes", req.Selfie.Digest.Size,
		"id_video_bytes", req.IDVideo.Digest.Size,
	)

	return &Result{
		SessionID: session.ID,
		Token:     tok,
		Status:    token.StatusQueued,
		Message:   AdmittedMessage,
	}, nil
}

func validateRequest(req Request) error {
	if req.Selfie == nil || req.IDVideo == nil {
		return dErrors.New(dErrors.CodeValidation, "both selfie and id_video files are required")
	}
	if req.SelfieTags.HMAC == "" || req.SelfieTags.SHA256 == "" {
		return dErrors.New(dErrors.CodeValidation, "selfie_hmac and selfie_sha256 are required")
	}
	if req.IDTags.HMAC == "" || req.IDTags.SHA256 == "" {
		return dErrors.New(dErrors.CodeValidation, "id_hmac and id_sha256 are required")
	}
	if err := ValidateFilename(req.Selfie.Filename); err != nil {
		return err
	}
	return ValidateFilename(req.IDVideo.Filename)
}

func (s *Service) verify(ctx context.Context, staged *Staged, tags integrity.Tags, message string) error {
	if staged.Digest.Matches(tags) {
		return nil
	}
	staged.Remove()
	s.metrics.IncrementIntegrityFailure(staged.Field)
	s.metrics.IncrementIngest("integrity_failed")
	s.logger.WarnContext(ctx, "upload failed integrity verification",
		"request_id", requestcontext.RequestID(ctx),
		"file", staged.Field,
		"bytes", staged.Digest.Size,
	)
	s.emit(ctx, audit.Event{
		Action: audit.ActionIntegrityRejected,
		Reason: staged.Field,
		Client: audit.ClientFromUserAgent(requestcontext.UserAgent(ctx)),
	})
	return dErrors.New(dErrors.CodeIntegrity, message)
}

func (s *Service) upload(ctx context.Context, staged *Staged, key string) error {
	f, err := os.Open(staged.Path)
	if err != nil {
		return err
	}
	defer f.Close()
	contentType := contentTypes[strings.ToLower(filepath.Ext(staged.Filename))]
	return s.blobs.Put(ctx, s.videosBucket, key, f, contentType)
}

func (s *Service) emit(ctx context.Context, event audit.Event) {
	if s.auditor == nil {
		return
	}
	event.RequestID = requestcontext.RequestID(ctx)
	event.Timestamp = requestcontext.Now(ctx).UTC()
	if err := s.auditor.Emit(ctx, event); err != nil {
		s.logger.WarnContext(ctx, "failed to emit audit event",
			"request_id", event.RequestID,
			"action", event.Action,
			"error", err,
		)
	}
}

// internal surfaces post-admission failures as 500s whatever their cause.
func internal(err error, msg string) error {
	return dErrors.Wrap(err, dErrors.CodeInternal, msg)
}

type noopMetrics struct{}

func (noopMetrics) IncrementIngest(string)           {}
func (noopMetrics) IncrementIntegrityFailure(string) {}
