package backend

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"
)

// Chain tries backends in priority order until one accepts a session.
// Each candidate gets one bounded attempt; there are no retries within
// a resolution pass.
type Chain struct {
	backends       []Backend
	attemptTimeout time.Duration
}

// NewChain builds a fallback chain over the given candidates.
func NewChain(attemptTimeout time.Duration, backends ...Backend) *Chain {
	if attemptTimeout <= 0 {
		attemptTimeout = 20 * time.Second
	}
	return &Chain{backends: backends, attemptTimeout: attemptTimeout}
}

// Candidates lists the configured backend names in priority order.
func (c *Chain) Candidates() []string {
	names := make([]string, len(c.backends))
	for i, b := range c.backends {
		names[i] = b.Name()
	}
	return names
}

// ByName finds a backend by its configured name. Used to route actions
// for sessions already bound to a backend.
func (c *Chain) ByName(name string) (Backend, bool) {
	for _, b := range c.backends {
		if b.Name() == name {
			return b, true
		}
	}
	return nil, false
}

// ResolveNamed attempts exactly one named backend, for callers that
// pin a preference instead of walking the chain.
func (c *Chain) ResolveNamed(ctx context.Context, name string, opts CreateOptions) (Backend, Handle, error) {
	b, ok := c.ByName(name)
	if !ok {
		return nil, Handle{}, fmt.Errorf("unknown backend %q", name)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, c.attemptTimeout)
	defer cancel()

	h, err := b.CreateSession(attemptCtx, opts)
	if err != nil {
		return nil, Handle{}, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return b, h, nil
}

// Resolve walks the chain and returns the first backend that opens a
// session. When every candidate fails, the joined attempt errors come
// back wrapped in ErrUnavailable.
func (c *Chain) Resolve(ctx context.Context, opts CreateOptions) (Backend, Handle, error) {
	if len(c.backends) == 0 {
		return nil, Handle{}, fmt.Errorf("%w: no backends configured", ErrUnavailable)
	}

	var attempts []error
	for _, b := range c.backends {
		attemptCtx, cancel := context.WithTimeout(ctx, c.attemptTimeout)
		h, err := b.CreateSession(attemptCtx, opts)
		cancel()

		if err == nil {
			log.Printf("backend chain: resolved to %s", b.Name())
			return b, h, nil
		}
		log.Printf("backend chain: %s unavailable: %v", b.Name(), err)
		attempts = append(attempts, fmt.Errorf("%s: %w", b.Name(), err))

		if ctx.Err() != nil {
			break
		}
	}

	return nil, Handle{}, fmt.Errorf("%w: %w", ErrUnavailable, errors.Join(attempts...))
}
