package audit

import (
	"time"

	"github.com/google/uuid"
	"github.com/mssola/useragent"

	id "kyc/pkg/domain"
)

// Action names a session lifecycle step.
type Action string

const (
	ActionSessionAdmitted   Action = "session_admitted"
	ActionIntegrityRejected Action = "integrity_rejected"
	ActionProcessingStarted Action = "processing_started"
	ActionProcessingRetried Action = "processing_retried"
	ActionSessionCompleted  Action = "session_completed"
	ActionSessionFailed     Action = "session_failed"
)

// Event is emitted from domain logic to capture key actions. Keep it
// transport-agnostic so sinks can fan out.
type Event struct {
	ID        uuid.UUID    `json:"id"`
	Action    Action       `json:"action"`
	SessionID id.SessionID `json:"session_id"`
	Timestamp time.Time    `json:"timestamp"`
	RequestID string       `json:"request_id,omitempty"`
	Attempt   int          `json:"attempt,omitempty"`
	Decision  string       `json:"decision,omitempty"`
	RiskLevel string       `json:"risk_level,omitempty"`
	Reason    string       `json:"reason,omitempty"`
	Client    *Client      `json:"client,omitempty"`
}

// Client describes the uploading device as reported by its User-Agent.
type Client struct {
	UserAgent string `json:"user_agent"`
	Browser   string `json:"browser,omitempty"`
	OS        string `json:"os,omitempty"`
	Platform  string `json:"platform,omitempty"`
	Mobile    bool   `json:"mobile"`
	Bot       bool   `json:"bot"`
}

// ClientFromUserAgent parses a User-Agent header. Empty input yields nil.
func ClientFromUserAgent(raw string) *Client {
	if raw == "" {
		return nil
	}
	ua := useragent.New(raw)
	browser, version := ua.Browser()
	if version != "" {
		browser += " " + version
	}
	return &Client{
		UserAgent: raw,
		Browser:   browser,
		OS:        ua.OS(),
		Platform:  ua.Platform(),
		Mobile:    ua.Mobile(),
		Bot:       ua.Bot(),
	}
}
