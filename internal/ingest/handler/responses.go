package handler

import (
	"time"

	"kyc/internal/session/models"
	sessionService "kyc/internal/session/service"
)

const notCompletedMessage = "Processing not yet completed"

type IngestResponse struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
	Message   string `json:"message"`
}

type StatusResponse struct {
	SessionID string    `json:"session_id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PendingResultsResponse is returned for sessions that have not completed.
type PendingResultsResponse struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
	Message   string `json:"message"`
}

type ResultsResponse struct {
	SessionID string         `json:"session_id"`
	Status    string         `json:"status"`
	Results   StageResponses `json:"results"`
}

type StageResponses struct {
	PAD         *ScoreResponse     `json:"pad,omitempty"`
	Deepfake    *ScoreResponse     `json:"deepfake,omitempty"`
	FaceMatch   *FaceMatchResponse `json:"face_match,omitempty"`
	DocOCR      *OCRResponse       `json:"doc_ocr,omitempty"`
	MRZ         *MRZResponse       `json:"mrz,omitempty"`
	DocLiveness *ScoreResponse     `json:"doc_liveness,omitempty"`
	RiskScore   *RiskResponse      `json:"risk_score,omitempty"`
}

type ScoreResponse struct {
	Score     float64 `json:"score"`
	Threshold float64 `json:"threshold"`
	Passed    bool    `json:"passed"`
}

type FaceMatchResponse struct {
	CosineSimilarity float64 `json:"cosine_similarity"`
	Threshold        float64 `json:"threshold"`
	Passed           bool    `json:"passed"`
}

type OCRResponse struct {
	ExtractedText string  `json:"extracted_text"`
	Confidence    float64 `json:"confidence"`
	DocumentType  string  `json:"document_type,omitempty"`
	Passed        bool    `json:"passed"`
}

type MRZResponse struct {
	Valid        bool              `json:"valid"`
	ParsedFields map[string]string `json:"parsed_fields,omitempty"`
	Passed       bool              `json:"passed"`
}

type RiskResponse struct {
	OverallScore    float64            `json:"overall_score"`
	RiskLevel       string             `json:"risk_level"`
	Decision        string             `json:"decision"`
	ComponentScores map[string]float64 `json:"component_scores"`
	Weights         map[string]float64 `json:"weights"`
}

func toStatusResponse(s *models.Session) StatusResponse {
	return StatusResponse{
		SessionID: s.ID.String(),
		Status:    s.Status.String(),
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}
}

func toResultsResponse(r *sessionService.Results) ResultsResponse {
	out := ResultsResponse{
		SessionID: r.Session.ID.String(),
		Status:    r.Session.Status.String(),
	}
	for kind, res := range r.Stages {
		switch kind {
		case models.StagePAD:
			out.Results.PAD = scoreResponse(res)
		case models.StageDeepfake:
			out.Results.Deepfake = scoreResponse(res)
		case models.StageDocLiveness:
			out.Results.DocLiveness = scoreResponse(res)
		case models.StageFaceMatch:
			out.Results.FaceMatch = &FaceMatchResponse{
				CosineSimilarity: res.Score,
				Threshold:        res.Threshold,
				Passed:           res.Passed,
			}
		case models.StageDocOCR:
			ocr := &OCRResponse{Confidence: res.Score, Passed: res.Passed}
			if d := res.Details.OCR; d != nil {
				ocr.ExtractedText = d.ExtractedText
				ocr.Confidence = d.Confidence
				ocr.DocumentType = d.DocumentType
			}
			out.Results.DocOCR = ocr
		case models.StageMRZ:
			mrz := &MRZResponse{Passed: res.Passed}
			if d := res.Details.MRZ; d != nil {
				mrz.Valid = d.Valid
				mrz.ParsedFields = d.ParsedFields
			}
			out.Results.MRZ = mrz
		}
	}
	if risk := r.Risk; risk != nil {
		out.Results.RiskScore = &RiskResponse{
			OverallScore:    risk.OverallScore,
			RiskLevel:       string(risk.Level),
			Decision:        string(risk.Decision),
			ComponentScores: risk.ComponentScores,
			Weights:         risk.Weights,
		}
	}
	return out
}

func scoreResponse(r *models.StageResult) *ScoreResponse {
	return &ScoreResponse{Score: r.Score, Threshold: r.Threshold, Passed: r.Passed}
}
