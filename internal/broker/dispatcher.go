// Package broker ties the session store, backend chain, loop detector,
// and planner into the action dispatch pipeline.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"operator-broker/internal/action"
	"operator-broker/internal/backend"
	"operator-broker/internal/config"
	"operator-broker/internal/loopdetect"
	"operator-broker/internal/planner"
	"operator-broker/internal/recorder"
	"operator-broker/internal/session"
)

// healthProber is implemented by backends that can cheaply report
// reachability without opening a session.
type healthProber interface {
	Healthy(ctx context.Context) bool
}

// Dispatcher routes session requests through completion and loop
// checks, resolves a backend, executes, and records the outcome.
type Dispatcher struct {
	store    *session.Store
	chain    *backend.Chain
	detector *loopdetect.Detector
	planner  planner.Planner
	rec      *recorder.Recorder

	executeTimeout time.Duration
	burstWindow    time.Duration
	viewportWidth  int
	viewportHeight int
}

// NewDispatcher wires the dispatch pipeline. The planner may be nil
// when only explicit action execution is needed; the recorder may be
// nil to disable tracing.
func NewDispatcher(cfg config.Config, store *session.Store, chain *backend.Chain, det *loopdetect.Detector, pl planner.Planner, rec *recorder.Recorder) *Dispatcher {
	return &Dispatcher{
		store:          store,
		chain:          chain,
		detector:       det,
		planner:        pl,
		rec:            rec,
		executeTimeout: cfg.Backends.ExecuteTimeoutDuration(),
		burstWindow:    cfg.Loop.BurstWindowDuration(),
		viewportWidth:  cfg.Backends.Embedded.GetViewportWidth(),
		viewportHeight: cfg.Backends.Embedded.GetViewportHeight(),
	}
}

// CreateRequest opens a new session.
type CreateRequest struct {
	ContextID string
	StartURL  string
	// BackendPreference pins the session to one named backend instead
	// of walking the chain.
	BackendPreference string
	ViewportWidth     int
	ViewportHeight    int
}

// CreateSession registers a session and binds it to the first backend
// that accepts. The session is rolled back when no backend can serve.
func (d *Dispatcher) CreateSession(ctx context.Context, req CreateRequest) (session.Session, error) {
	width, height := req.ViewportWidth, req.ViewportHeight
	if width <= 0 {
		width = d.viewportWidth
	}
	if height <= 0 {
		height = d.viewportHeight
	}
	opts := backend.CreateOptions{
		ContextID:      req.ContextID,
		StartURL:       req.StartURL,
		ViewportWidth:  width,
		ViewportHeight: height,
	}

	if req.BackendPreference != "" {
		if _, ok := d.chain.ByName(req.BackendPreference); !ok {
			return session.Session{}, fmt.Errorf("%w: unknown backend %q", ErrInvalidRequest, req.BackendPreference)
		}
	}

	s := d.store.Create(req.ContextID)

	var (
		b   backend.Backend
		h   backend.Handle
		err error
	)
	if req.BackendPreference != "" {
		b, h, err = d.chain.ResolveNamed(ctx, req.BackendPreference, opts)
	} else {
		b, h, err = d.chain.Resolve(ctx, opts)
	}
	if err != nil {
		d.store.Delete(s.ID)
		return session.Session{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	s, err = d.store.Update(s.ID, func(sess *session.Session) {
		sess.BackendKind = session.BackendKind(b.Kind())
		sess.BackendName = b.Name()
		sess.BackendHandle = h.ID
		sess.HandleURL = h.URL
	})
	if err != nil {
		_ = b.Close(ctx, h)
		return session.Session{}, err
	}

	d.rec.Log("session_created", s.ID, map[string]string{"backend": b.Name()})
	return s, nil
}

// DecideRequest asks for the next action toward a goal.
type DecideRequest struct {
	SessionID string
	Goal      string
	// PreviousActions optionally extends the planner's view with steps
	// the caller executed outside this broker. They are not stored.
	PreviousActions []action.Action
}

// Decision is the dispatcher's answer to a decide request. When the
// goal is already fulfilled or the session looks stuck, the action is
// a synthetic CLOSE and the flags say why.
type Decision struct {
	Action          action.Action `json:"action"`
	LoopDetected    bool          `json:"loop_detected"`
	AlreadyComplete bool          `json:"already_complete"`
	Reason          string        `json:"reason,omitempty"`
}

// DecideNextAction runs the decision pipeline: completion check, loop
// check, then the planner.
func (d *Dispatcher) DecideNextAction(ctx context.Context, req DecideRequest) (Decision, error) {
	if req.Goal == "" {
		return Decision{}, fmt.Errorf("%w: goal is required", ErrInvalidRequest)
	}

	s, ok := d.store.Get(req.SessionID)
	if !ok {
		return Decision{}, ErrSessionNotFound
	}

	if d.store.IsDone(s.ID, session.HashGoal(req.Goal)) {
		reason := "goal already completed in this session"
		d.rec.Log("duplicate_goal", s.ID, req.Goal)
		return Decision{
			Action:          action.SyntheticClose(reason),
			AlreadyComplete: true,
			Reason:          reason,
		}, nil
	}

	if looping, reason := d.detector.Detect(s.TaskHistory, s.TaskCount, s.WindowStart); looping {
		// Clear the history so a reused session does not trip the
		// detector on its very next action.
		if err := d.store.ResetHistory(s.ID); err != nil && !errors.Is(err, session.ErrNotFound) {
			log.Printf("dispatcher: reset history: %v", err)
		}
		d.rec.Log("loop_detected", s.ID, reason)
		return Decision{
			Action:       action.SyntheticClose("loop detected: " + reason),
			LoopDetected: true,
			Reason:       reason,
		}, nil
	}

	if d.planner == nil {
		return Decision{}, fmt.Errorf("%w: no planner configured", ErrInvalidRequest)
	}

	view := s.TaskHistory
	if len(req.PreviousActions) > 0 {
		view = append(append([]action.Action(nil), s.TaskHistory...), req.PreviousActions...)
	}

	next, err := d.planner.DecideNextAction(ctx, req.Goal, view)
	if err != nil {
		return Decision{}, fmt.Errorf("planning next action: %w", err)
	}
	next.Instruction = req.Goal

	d.rec.Log("decision", s.ID, next)
	return Decision{Action: next}, nil
}

// ExecuteRequest runs one action in a session.
type ExecuteRequest struct {
	SessionID string
	Goal      string
	Action    action.Action
}

// ExecuteResult reports what happened. Degraded results carry the
// failure text instead of an error so callers always get an outcome.
type ExecuteResult struct {
	Action        action.Action  `json:"action"`
	Result        backend.Result `json:"result"`
	SessionClosed bool           `json:"session_closed"`
}

// ExecuteAction validates the action, resolves the session's backend,
// executes with a bounded timeout, and records the outcome. Backend
// execution failures degrade the result rather than failing the call.
func (d *Dispatcher) ExecuteAction(ctx context.Context, req ExecuteRequest) (ExecuteResult, error) {
	a := req.Action
	tool, ok := action.ParseTool(string(a.Tool))
	if !ok {
		return ExecuteResult{}, fmt.Errorf("%w: unknown action tool %q", ErrInvalidRequest, a.Tool)
	}
	a.Tool = tool
	if a.Instruction == "" {
		a.Instruction = req.Goal
	}

	s, ok := d.store.Get(req.SessionID)
	if !ok {
		return ExecuteResult{}, ErrSessionNotFound
	}

	if req.Goal != "" && d.store.IsDone(s.ID, session.HashGoal(req.Goal)) {
		reason := "goal already completed in this session"
		d.rec.Log("duplicate_goal", s.ID, req.Goal)
		return ExecuteResult{
			Action:        action.SyntheticClose(reason),
			Result:        backend.Result{Text: reason, Done: true},
			SessionClosed: true,
		}, nil
	}

	// Loop check counts the incoming action as if it already ran, so
	// the Kth identical action is intercepted rather than executed.
	if a.Tool != action.Close {
		candidate := append(append([]action.Action(nil), s.TaskHistory...), a)
		if looping, reason := d.detector.Detect(candidate, s.TaskCount, s.WindowStart); looping {
			if err := d.store.ResetHistory(s.ID); err != nil && !errors.Is(err, session.ErrNotFound) {
				log.Printf("dispatcher: reset history: %v", err)
			}
			d.releaseBackend(ctx, s.ID)
			d.rec.Log("loop_detected", s.ID, reason)
			return ExecuteResult{
				Action:        action.SyntheticClose("loop detected: " + reason),
				Result:        backend.Result{Text: "loop detected: " + reason, Done: true},
				SessionClosed: true,
			}, nil
		}
	}

	b, h, err := d.resolveFor(ctx, &s)
	if err != nil {
		return ExecuteResult{}, err
	}

	execCtx, cancel := context.WithTimeout(ctx, d.executeTimeout)
	res, execErr := b.Execute(execCtx, h, a)
	cancel()

	if execErr != nil {
		// The request still succeeds; the caller sees a degraded
		// outcome and can decide what to do next.
		log.Printf("dispatcher: execute %s on %s failed: %v", a.Tool, b.Name(), execErr)
		res = backend.Result{
			Text:     fmt.Sprintf("action %s failed: %v", a.Tool, execErr),
			Degraded: true,
		}
	}

	if err := d.store.AppendHistory(s.ID, a, d.burstWindow); err != nil && !errors.Is(err, session.ErrNotFound) {
		log.Printf("dispatcher: append history: %v", err)
	}

	out := ExecuteResult{Action: a, Result: res}

	if a.Tool == action.Close || res.Done {
		if req.Goal != "" && !res.Degraded {
			if err := d.store.MarkDone(s.ID, session.HashGoal(req.Goal)); err != nil {
				log.Printf("dispatcher: mark done: %v", err)
			}
		}
		d.releaseBackend(ctx, s.ID)
		out.SessionClosed = true
	}

	d.rec.Log("executed", s.ID, out)
	return out, nil
}

// resolveFor returns the session's bound backend, binding one through
// the chain when the session has none yet.
func (d *Dispatcher) resolveFor(ctx context.Context, s *session.Session) (backend.Backend, backend.Handle, error) {
	if s.BackendName != "" && s.BackendHandle != "" {
		b, ok := d.chain.ByName(s.BackendName)
		if ok {
			return b, backend.Handle{ID: s.BackendHandle, URL: s.HandleURL}, nil
		}
		// Configured backends changed under a persisted session; fall
		// through and rebind.
	}

	b, h, err := d.chain.Resolve(ctx, backend.CreateOptions{
		ContextID:      s.ContextID,
		ViewportWidth:  d.viewportWidth,
		ViewportHeight: d.viewportHeight,
	})
	if err != nil {
		return nil, backend.Handle{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	updated, err := d.store.Update(s.ID, func(sess *session.Session) {
		sess.BackendKind = session.BackendKind(b.Kind())
		sess.BackendName = b.Name()
		sess.BackendHandle = h.ID
		sess.HandleURL = h.URL
	})
	if err != nil {
		_ = b.Close(ctx, h)
		return nil, backend.Handle{}, ErrSessionNotFound
	}
	*s = updated
	return b, h, nil
}

// releaseBackend closes the session's browser context and clears the
// binding. The session record itself stays so the completion ledger
// keeps deduplicating repeated goals.
func (d *Dispatcher) releaseBackend(ctx context.Context, id string) {
	s, ok := d.store.Get(id)
	if !ok || s.BackendHandle == "" {
		return
	}
	if b, ok := d.chain.ByName(s.BackendName); ok {
		if err := b.Close(ctx, backend.Handle{ID: s.BackendHandle, URL: s.HandleURL}); err != nil {
			log.Printf("dispatcher: close backend handle: %v", err)
		}
	}
	if _, err := d.store.Update(id, func(sess *session.Session) {
		sess.BackendKind = ""
		sess.BackendName = ""
		sess.BackendHandle = ""
		sess.HandleURL = ""
	}); err != nil && !errors.Is(err, session.ErrNotFound) {
		log.Printf("dispatcher: clear backend binding: %v", err)
	}
}

// CloseSession tears down the session and its backend context. Closing
// an unknown session is a no-op.
func (d *Dispatcher) CloseSession(ctx context.Context, id string) error {
	s, ok := d.store.Get(id)
	if !ok {
		return nil
	}
	d.releaseBackend(ctx, s.ID)
	d.store.Delete(s.ID)
	d.rec.Log("session_closed", s.ID, nil)
	return nil
}

// ListSessions returns all tracked sessions.
func (d *Dispatcher) ListSessions() []session.Session {
	return d.store.List()
}

// Screenshot captures the session's current page.
func (d *Dispatcher) Screenshot(ctx context.Context, id string) ([]byte, error) {
	s, ok := d.store.Get(id)
	if !ok {
		return nil, ErrSessionNotFound
	}
	if s.BackendName == "" || s.BackendHandle == "" {
		return nil, fmt.Errorf("%w: session has no bound backend", ErrInvalidRequest)
	}
	b, ok := d.chain.ByName(s.BackendName)
	if !ok {
		return nil, fmt.Errorf("%w: backend %s not configured", ErrBackendUnavailable, s.BackendName)
	}
	return b.Screenshot(ctx, backend.Handle{ID: s.BackendHandle, URL: s.HandleURL})
}

// BackendHealth is one candidate's probe result.
type BackendHealth struct {
	Name      string `json:"name"`
	Reachable bool   `json:"reachable"`
}

// Health reports broker liveness, active session count, planner
// availability, and per-backend reachability where a backend can
// report it.
type Health struct {
	Status   string          `json:"status"`
	Sessions int             `json:"sessions"`
	Planner  bool            `json:"planner_configured"`
	Backends []BackendHealth `json:"backends"`
}

// CheckHealth probes the configured backends.
func (d *Dispatcher) CheckHealth(ctx context.Context) Health {
	h := Health{Status: "ok", Sessions: d.store.Count(), Planner: d.planner != nil}
	for _, name := range d.chain.Candidates() {
		b, _ := d.chain.ByName(name)
		bh := BackendHealth{Name: name, Reachable: true}
		if prober, ok := b.(healthProber); ok {
			bh.Reachable = prober.Healthy(ctx)
		}
		h.Backends = append(h.Backends, bh)
	}
	return h
}

// SweepIdle reclaims idle sessions and releases their backend handles.
// Intended to run on a ticker.
func (d *Dispatcher) SweepIdle(ctx context.Context, maxAge time.Duration) int {
	reclaimed := d.store.SweepIdle(maxAge)
	for _, s := range reclaimed {
		if s.BackendHandle == "" {
			continue
		}
		if b, ok := d.chain.ByName(s.BackendName); ok {
			if err := b.Close(ctx, backend.Handle{ID: s.BackendHandle, URL: s.HandleURL}); err != nil {
				log.Printf("dispatcher: sweep close handle: %v", err)
			}
		}
	}
	if len(reclaimed) > 0 {
		log.Printf("dispatcher: reclaimed %d idle sessions", len(reclaimed))
	}
	return len(reclaimed)
}
