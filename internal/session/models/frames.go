package models

import (
	"time"

	id "kyc/pkg/domain"
	dErrors "kyc/pkg/domain-errors"
)

// FrameExtraction records the sampled frames of a session's selfie video,
// in capture order.
type FrameExtraction struct {
	SessionID  id.SessionID
	FrameCount int
	FrameKeys  []string
	CreatedAt  time.Time
}

func NewFrameExtraction(sessionID id.SessionID, keys []string, now time.Time) (*FrameExtraction, error) {
	if sessionID.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "frame extraction requires a session")
	}
	if len(keys) == 0 {
		return nil, dErrors.New(dErrors.CodeValidation, "no frames extracted")
	}
	return &FrameExtraction{
		SessionID:  sessionID,
		FrameCount: len(keys),
		FrameKeys:  append([]string(nil), keys...),
		CreatedAt:  now,
	}, nil
}

// Head returns at most the first n frame keys.
func (f *FrameExtraction) Head(n int) []string {
	if n >= len(f.FrameKeys) {
		return f.FrameKeys
	}
	return f.FrameKeys[:n]
}

// IDPhoto is the frame treated as the identity document photo.
func (f *FrameExtraction) IDPhoto() string {
	if len(f.FrameKeys) == 0 {
		return ""
	}
	return f.FrameKeys[0]
}
