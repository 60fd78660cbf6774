// Package backend defines the browser-execution backends the broker can
// bind a session to, and the fallback chain that picks one.
package backend

import (
	"context"
	"errors"

	"operator-broker/internal/action"
)

// ErrUnavailable marks a backend that cannot serve right now (not
// installed, not reachable, failed to launch). The chain moves on to
// the next candidate when it sees this.
var ErrUnavailable = errors.New("backend unavailable")

// Kind distinguishes automation-SDK backends from the passthrough.
type Kind string

const (
	// KindDelegated backends drive the browser through an automation
	// protocol (CDP, Playwright).
	KindDelegated Kind = "delegated"
	// KindNative forwards actions to an external browser service.
	KindNative Kind = "native"
)

// Handle identifies one live browser context inside a backend.
type Handle struct {
	ID string
	// URL is the backend-reported location, when known (a debugger URL
	// for delegated backends, the service base URL for native).
	URL string
}

// CreateOptions carries session parameters into a backend.
type CreateOptions struct {
	ContextID      string
	StartURL       string
	ViewportWidth  int
	ViewportHeight int
}

// Result is the outcome of executing a single action.
type Result struct {
	// Text is the human-readable execution summary.
	Text string
	// Extraction holds EXTRACT output, when any.
	Extraction string
	// URL is the page location after the action, when known.
	URL string
	// Done reports that the backend considers the task finished.
	Done bool
	// Degraded marks a result synthesized after an execution failure.
	Degraded bool
}

// Backend is one browser-execution candidate.
type Backend interface {
	Name() string
	Kind() Kind

	// CreateSession opens a fresh browser context and returns its
	// handle. Returns ErrUnavailable (possibly wrapped) when the
	// backend cannot serve.
	CreateSession(ctx context.Context, opts CreateOptions) (Handle, error)

	// Execute runs one action against the handle's context.
	Execute(ctx context.Context, h Handle, a action.Action) (Result, error)

	// Screenshot captures the current page as PNG bytes.
	Screenshot(ctx context.Context, h Handle) ([]byte, error)

	// Close releases the handle's context. Unknown handles are a no-op.
	Close(ctx context.Context, h Handle) error
}
