package models

import (
	"time"

	id "kyc/pkg/domain"
)

type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

type Decision string

const (
	DecisionApprove      Decision = "approve"
	DecisionManualReview Decision = "manual_review"
	DecisionReject       Decision = "reject"
)

// RiskScore is the final assessment of a session. At most one per session.
type RiskScore struct {
	SessionID       id.SessionID
	OverallScore    float64
	Level           RiskLevel
	Decision        Decision
	ComponentScores map[string]float64
	Weights         map[string]float64
	CreatedAt       time.Time
}
