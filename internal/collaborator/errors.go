package collaborator

import (
	"errors"
	"fmt"

	"kyc/internal/session/models"
)

// Category is the normalized failure taxonomy for collaborator calls.
type Category string

const (
	// CategoryTimeout means the call exceeded its deadline.
	CategoryTimeout Category = "timeout"
	// CategoryOutage means the service was unreachable or answered 5xx.
	CategoryOutage Category = "outage"
	// CategoryRateLimited means the service answered 429.
	CategoryRateLimited Category = "rate_limited"
	// CategoryCircuitOpen means the call was not attempted.
	CategoryCircuitOpen Category = "circuit_open"
	// CategoryBadResponse means the body could not be decoded.
	CategoryBadResponse Category = "bad_response"
	// CategoryRejected means the service refused the request (4xx).
	CategoryRejected Category = "rejected"
	CategoryInternal Category = "internal"
)

// Error wraps a collaborator failure with its stage and category.
type Error struct {
	Category   Category
	Stage      models.StageKind
	Message    string
	StatusCode int
	Underlying error
	Retryable  bool
}

func (e *Error) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("collaborator %s [%s]: %s: %v", e.Stage, e.Category, e.Message, e.Underlying)
	}
	return fmt.Sprintf("collaborator %s [%s]: %s", e.Stage, e.Category, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Underlying
}

// NewError builds a categorized error. Rejections are the only category that
// will not succeed on a later attempt.
func NewError(category Category, stage models.StageKind, message string, underlying error) *Error {
	return &Error{
		Category:   category,
		Stage:      stage,
		Message:    message,
		Underlying: underlying,
		Retryable:  category != CategoryRejected,
	}
}

// IsRetryable reports whether err may succeed on a later attempt. Errors that
// did not come from a collaborator are treated as retryable.
func IsRetryable(err error) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	return err != nil
}

// CategoryOf extracts the category, or CategoryInternal.
func CategoryOf(err error) Category {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Category
	}
	return CategoryInternal
}

// countsAgainstCircuit reports whether a failure says the service is unhealthy.
func countsAgainstCircuit(category Category) bool {
	switch category {
	case CategoryTimeout, CategoryOutage, CategoryRateLimited:
		return true
	}
	return false
}
