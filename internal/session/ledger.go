package session

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// HashGoal derives the stable completion-ledger key for a goal string.
// SHA-256 keeps accidental collisions out of reach for any realistic
// goal cardinality; the goal is trimmed so trailing whitespace does not
// defeat dedup.
func HashGoal(goal string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(goal)))
	return hex.EncodeToString(sum[:])
}

// MarkDone records a goal hash as fulfilled for the session.
func (st *Store) MarkDone(id, goalHash string) error {
	_, err := st.Update(id, func(s *Session) {
		if s.CompletedGoals == nil {
			s.CompletedGoals = make(map[string]bool)
		}
		s.CompletedGoals[goalHash] = true
	})
	return err
}

// IsDone reports whether the session already fulfilled the goal hash.
func (st *Store) IsDone(id, goalHash string) bool {
	rec, ok := st.record(id)
	if !ok {
		return false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.s.CompletedGoals[goalHash]
}
