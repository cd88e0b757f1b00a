package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores, queues and blob backends
// return these (optionally wrapped) so services can translate them into
// domain errors.
//
//   - ErrNotFound: session, blob or job does not exist
//   - ErrConflict: a row with the same identity already exists
//   - ErrInvalidState: session is not in a state that allows the mutation
//   - ErrLeaseHeld: another worker owns the session lease
//   - ErrUnavailable: backend temporarily unavailable
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrInvalidState = errors.New("invalid state")
	ErrLeaseHeld    = errors.New("lease held by another worker")
	ErrUnavailable  = errors.New("unavailable")
)
