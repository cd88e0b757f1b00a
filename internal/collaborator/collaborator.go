// Package collaborator defines the contracts of the external analysis
// services and two implementations: an HTTP client and a deterministic stub.
package collaborator

import (
	"context"

	"kyc/internal/session/models"
)

// PADRequest asks for presentation attack detection over selfie frames.
type PADRequest struct {
	SessionID string   `json:"session_id"`
	Frames    []string `json:"frames"`
}

// DeepfakeRequest asks for a deepfake score over the stored selfie video.
type DeepfakeRequest struct {
	SessionID string `json:"session_id"`
	VideoPath string `json:"video_path"`
}

// FaceMatchRequest compares selfie frames against the document photo.
type FaceMatchRequest struct {
	SessionID   string   `json:"session_id"`
	FaceFrames  []string `json:"face_frames"`
	IDPhotoPath string   `json:"id_photo_path"`
}

// OCRRequest asks for document text extraction.
type OCRRequest struct {
	SessionID string   `json:"session_id"`
	Frames    []string `json:"frames"`
}

// MRZRequest asks for machine readable zone parsing of OCR text.
type MRZRequest struct {
	SessionID string `json:"session_id"`
	OCRText   string `json:"ocr_text"`
}

// DocLivenessRequest asks whether the document is physically present.
type DocLivenessRequest struct {
	SessionID string   `json:"session_id"`
	Frames    []string `json:"frames"`
}

// ScoreResult is returned by the score-only collaborators.
type ScoreResult struct {
	Score       float64
	Diagnostics models.Diagnostics
}

type FaceMatchResult struct {
	CosineSimilarity float64
	FaceImagePath    string
	Diagnostics      models.Diagnostics
}

type OCRResult struct {
	Text         string
	Confidence   float64
	DocumentType string
	Diagnostics  models.Diagnostics
}

type MRZResult struct {
	MRZData      map[string]string
	ParsedFields map[string]string
	Valid        bool
	Diagnostics  models.Diagnostics
}

// PAD scores liveness of the selfie frames.
type PAD interface {
	AnalyzePAD(ctx context.Context, req PADRequest) (*ScoreResult, error)
}

// Deepfake scores synthetic manipulation; lower is better.
type Deepfake interface {
	AnalyzeDeepfake(ctx context.Context, req DeepfakeRequest) (*ScoreResult, error)
}

type FaceMatch interface {
	MatchFaces(ctx context.Context, req FaceMatchRequest) (*FaceMatchResult, error)
}

type OCR interface {
	ExtractText(ctx context.Context, req OCRRequest) (*OCRResult, error)
}

type MRZ interface {
	ParseMRZ(ctx context.Context, req MRZRequest) (*MRZResult, error)
}

type DocLiveness interface {
	AnalyzeDocLiveness(ctx context.Context, req DocLivenessRequest) (*ScoreResult, error)
}

// Set bundles one implementation per stage. Stages may be served by
// different implementations.
type Set struct {
	PAD         PAD
	Deepfake    Deepfake
	FaceMatch   FaceMatch
	OCR         OCR
	MRZ         MRZ
	DocLiveness DocLiveness
}

// Complete reports whether every stage has an implementation.
func (s Set) Complete() bool {
	return s.PAD != nil && s.Deepfake != nil && s.FaceMatch != nil &&
		s.OCR != nil && s.MRZ != nil && s.DocLiveness != nil
}
