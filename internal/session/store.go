// Package session holds the authoritative table of active broker
// sessions: lifecycle, bounded task history, and the completion ledger.
package session

import (
	"encoding/json"
	"errors"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"operator-broker/internal/action"
)

// ErrNotFound is returned for lookups and updates on unknown session ids.
var ErrNotFound = errors.New("session not found")

// BackendKind is the family of browser backend bound to a session.
type BackendKind string

const (
	// KindDelegated covers automation-SDK backends (embedded Rod,
	// remote Playwright).
	KindDelegated BackendKind = "delegated"
	// KindNative is the passthrough to a native browser service.
	KindNative BackendKind = "native"
)

// Session describes one tracked browser-automation session.
type Session struct {
	ID        string `json:"id"`
	ContextID string `json:"context_id,omitempty"`

	// Backend binding. Set once a fallback candidate accepts; immutable
	// afterwards except on rebinding or teardown.
	BackendKind   BackendKind `json:"backend_kind,omitempty"`
	BackendName   string      `json:"backend_name,omitempty"`
	BackendHandle string      `json:"backend_handle,omitempty"`
	HandleURL     string      `json:"handle_url,omitempty"`

	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`

	// TaskHistory is the bounded FIFO log of executed actions.
	TaskHistory []action.Action `json:"task_history,omitempty"`
	// CompletedGoals is the set of goal hashes already fulfilled.
	CompletedGoals map[string]bool `json:"completed_goals,omitempty"`

	// Burst-window counters feeding time-based loop detection.
	TaskCount    int       `json:"task_count"`
	LastTaskTime time.Time `json:"last_task_time,omitempty"`
	WindowStart  time.Time `json:"window_start,omitempty"`
}

type record struct {
	mu sync.Mutex
	s  Session
}

// Options tunes store behavior.
type Options struct {
	// HistoryCapacity bounds TaskHistory (FIFO eviction).
	HistoryCapacity int
	// StorePath optionally persists session metadata between restarts.
	StorePath string
}

// Store is the concurrency-safe session table. The top-level map is
// guarded by an RWMutex; each session carries its own mutex so
// read-modify-write cycles on one session serialize without blocking
// the others.
type Store struct {
	opts Options

	mu      sync.RWMutex
	records map[string]*record
}

// NewStore builds an empty store and loads persisted metadata if a
// store path is configured.
func NewStore(opts Options) *Store {
	if opts.HistoryCapacity <= 0 {
		opts.HistoryCapacity = 20
	}
	s := &Store{
		opts:    opts,
		records: make(map[string]*record),
	}
	if err := s.load(); err != nil {
		log.Printf("session store: load failed: %v", err)
	}
	return s
}

// HistoryCapacity returns the configured task-history bound.
func (st *Store) HistoryCapacity() int { return st.opts.HistoryCapacity }

// Create registers a new session and returns a copy of it.
func (st *Store) Create(contextID string) Session {
	now := time.Now()
	s := Session{
		ID:             uuid.NewString(),
		ContextID:      contextID,
		CreatedAt:      now,
		LastActiveAt:   now,
		CompletedGoals: make(map[string]bool),
	}

	st.mu.Lock()
	st.records[s.ID] = &record{s: s}
	st.mu.Unlock()

	st.persist()
	return s
}

func (st *Store) record(id string) (*record, bool) {
	st.mu.RLock()
	rec, ok := st.records[id]
	st.mu.RUnlock()
	return rec, ok
}

// Get returns a copy of the session and refreshes its last-active time.
func (st *Store) Get(id string) (Session, bool) {
	rec, ok := st.record(id)
	if !ok {
		return Session{}, false
	}
	rec.mu.Lock()
	rec.s.LastActiveAt = time.Now()
	s := cloneSession(rec.s)
	rec.mu.Unlock()
	return s, true
}

// Update applies fn to the session under its lock and returns the
// resulting copy. The read-modify-write is atomic per session id.
func (st *Store) Update(id string, fn func(*Session)) (Session, error) {
	rec, ok := st.record(id)
	if !ok {
		return Session{}, ErrNotFound
	}
	rec.mu.Lock()
	fn(&rec.s)
	rec.s.LastActiveAt = time.Now()
	s := cloneSession(rec.s)
	rec.mu.Unlock()

	st.persist()
	return s, nil
}

// Delete removes a session. Returns false when the id is unknown.
func (st *Store) Delete(id string) bool {
	st.mu.Lock()
	_, ok := st.records[id]
	delete(st.records, id)
	st.mu.Unlock()

	if ok {
		st.persist()
	}
	return ok
}

// List returns copies of all tracked sessions.
func (st *Store) List() []Session {
	st.mu.RLock()
	recs := make([]*record, 0, len(st.records))
	for _, rec := range st.records {
		recs = append(recs, rec)
	}
	st.mu.RUnlock()

	out := make([]Session, 0, len(recs))
	for _, rec := range recs {
		rec.mu.Lock()
		out = append(out, cloneSession(rec.s))
		rec.mu.Unlock()
	}
	return out
}

// Count returns the number of active sessions.
func (st *Store) Count() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.records)
}

// SweepIdle deletes sessions whose last activity exceeds maxAge and
// returns the reclaimed copies so the caller can release backend
// handles. Sessions disappearing mid-sweep are a benign no-op.
func (st *Store) SweepIdle(maxAge time.Duration) []Session {
	cutoff := time.Now().Add(-maxAge)

	var stale []Session
	for _, s := range st.List() {
		if s.LastActiveAt.Before(cutoff) {
			if st.Delete(s.ID) {
				stale = append(stale, s)
			}
		}
	}
	return stale
}

// AppendHistory records an executed action in the bounded FIFO history
// and advances the burst-window counters.
func (st *Store) AppendHistory(id string, a action.Action, burstWindow time.Duration) error {
	_, err := st.Update(id, func(s *Session) {
		s.TaskHistory = append(s.TaskHistory, a)
		if excess := len(s.TaskHistory) - st.opts.HistoryCapacity; excess > 0 {
			s.TaskHistory = append([]action.Action(nil), s.TaskHistory[excess:]...)
		}

		now := time.Now()
		if s.WindowStart.IsZero() || now.Sub(s.WindowStart) > burstWindow {
			s.WindowStart = now
			s.TaskCount = 1
		} else {
			s.TaskCount++
		}
		s.LastTaskTime = now
	})
	return err
}

// ResetHistory clears the task history and burst counters. Called after
// the loop detector fires so it does not immediately re-trigger.
func (st *Store) ResetHistory(id string) error {
	_, err := st.Update(id, func(s *Session) {
		s.TaskHistory = nil
		s.TaskCount = 0
		s.WindowStart = time.Time{}
	})
	return err
}

// History returns a snapshot of the session's task history.
func (st *Store) History(id string) ([]action.Action, bool) {
	s, ok := st.Get(id)
	if !ok {
		return nil, false
	}
	return s.TaskHistory, true
}

func cloneSession(s Session) Session {
	out := s
	out.TaskHistory = append([]action.Action(nil), s.TaskHistory...)
	out.CompletedGoals = make(map[string]bool, len(s.CompletedGoals))
	for k, v := range s.CompletedGoals {
		out.CompletedGoals[k] = v
	}
	return out
}

// persist writes session metadata to disk for continuity across
// restarts. Best-effort: failures are logged, never surfaced.
func (st *Store) persist() {
	if st.opts.StorePath == "" {
		return
	}

	sessions := st.List()
	data, err := json.MarshalIndent(sessions, "", "  ")
	if err != nil {
		log.Printf("session store: marshal failed: %v", err)
		return
	}

	if dir := filepath.Dir(st.opts.StorePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Printf("session store: mkdir failed: %v", err)
			return
		}
	}
	if err := os.WriteFile(st.opts.StorePath, data, 0o644); err != nil {
		log.Printf("session store: write failed: %v", err)
	}
}

// load restores persisted metadata. Backend handles are not revalidated
// here; the dispatcher re-resolves on the next action if the handle is
// dead.
func (st *Store) load() error {
	if st.opts.StorePath == "" {
		return nil
	}

	data, err := os.ReadFile(st.opts.StorePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var sessions []Session
	if err := json.Unmarshal(data, &sessions); err != nil {
		return err
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	for _, s := range sessions {
		if s.CompletedGoals == nil {
			s.CompletedGoals = make(map[string]bool)
		}
		st.records[s.ID] = &record{s: s}
	}
	return nil
}
