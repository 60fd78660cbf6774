package broker

import "errors"

// Sentinel errors surfaced to transports. Everything else that goes
// wrong during execution is absorbed into a degraded result so the
// caller still gets an answer.
var (
	// ErrSessionNotFound marks requests against unknown session ids.
	ErrSessionNotFound = errors.New("session not found")
	// ErrInvalidRequest marks structurally invalid requests.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrBackendUnavailable marks exhaustion of the backend chain.
	ErrBackendUnavailable = errors.New("no browser backend available")
)
