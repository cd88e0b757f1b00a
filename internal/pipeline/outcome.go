package pipeline

import (
	"context"
	"errors"

	"kyc/internal/collaborator"
	"kyc/internal/frames"
	"kyc/internal/risk"
	"kyc/pkg/platform/sentinel"
)

// OutcomeKind tells the worker loop what to do with a delivery.
type OutcomeKind int

const (
	// Success means the session reached completed.
	Success OutcomeKind = iota
	// Retryable means a later attempt may succeed.
	Retryable
	// Fatal means no attempt can succeed; the session must fail now.
	Fatal
	// LeaseLost means another worker owns the session; stop without writing.
	LeaseLost
	// Interrupted means the worker is shutting down mid-run.
	Interrupted
)

func (k OutcomeKind) String() string {
	switch k {
	case Success:
		return "success"
	case Retryable:
		return "retryable"
	case Fatal:
		return "fatal"
	case LeaseLost:
		return "lease_lost"
	case Interrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

// Outcome is the result of one pipeline run.
type Outcome struct {
	Kind  OutcomeKind
	Stage string
	Err   error
	// Assessment is set on Success.
	Assessment *risk.Assessment
}

func succeeded(a risk.Assessment) Outcome {
	return Outcome{Kind: Success, Assessment: &a}
}

// errLeaseLost is the cancellation cause set by the heartbeat when the lease
// can no longer be extended.
var errLeaseLost = errors.New("session lease lost")

// classify maps a stage error to an outcome. A cancelled run context wins
// over the error itself.
func classify(ctx context.Context, stage string, err error) Outcome {
	kind := Retryable
	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, errLeaseLost), errors.Is(err, sentinel.ErrLeaseHeld):
		kind = LeaseLost
	case cause != nil:
		kind = Interrupted
	case errors.Is(err, frames.ErrNoFrames):
		kind = Fatal
	case errors.Is(err, sentinel.ErrInvalidState):
		kind = Fatal
	case !collaborator.IsRetryable(err):
		kind = Fatal
	}
	return Outcome{Kind: kind, Stage: stage, Err: err}
}
