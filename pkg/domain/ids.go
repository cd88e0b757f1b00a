package domain

import (
	"github.com/google/uuid"

	dErrors "kyc/pkg/domain-errors"
)

// SessionID identifies one verification session from admission to its
// terminal pipeline outcome. It is generated once and never reassigned.
type SessionID uuid.UUID

// WorkerID identifies a pipeline worker holding a session lease.
type WorkerID uuid.UUID

// NewSessionID generates a fresh random session identifier.
func NewSessionID() SessionID {
	return SessionID(uuid.New())
}

// NewWorkerID generates a fresh random worker identifier.
func NewWorkerID() WorkerID {
	return WorkerID(uuid.New())
}

func (id SessionID) String() string { return uuid.UUID(id).String() }
func (id SessionID) IsNil() bool    { return uuid.UUID(id) == uuid.Nil }

func (id WorkerID) String() string { return uuid.UUID(id).String() }
func (id WorkerID) IsNil() bool    { return uuid.UUID(id) == uuid.Nil }

// ParseSessionID validates untrusted input at the API and queue boundaries.
func ParseSessionID(s string) (SessionID, error) {
	u, err := parseUUID(s, "session_id")
	return SessionID(u), err
}

// ParseWorkerID validates a worker identifier.
func ParseWorkerID(s string) (WorkerID, error) {
	u, err := parseUUID(s, "worker_id")
	return WorkerID(u), err
}

func parseUUID(s, field string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, field+" is required")
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, "invalid "+field)
	}
	if u == uuid.Nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, "invalid "+field)
	}
	return u, nil
}

func (id SessionID) MarshalText() ([]byte, error) {
	return uuid.UUID(id).MarshalText()
}

func (id *SessionID) UnmarshalText(b []byte) error {
	parsed, err := ParseSessionID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
