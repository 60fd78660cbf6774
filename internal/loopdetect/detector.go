// Package loopdetect flags sessions that are stuck repeating themselves
// so the dispatcher can close them instead of burning backend time.
package loopdetect

import (
	"fmt"
	"time"

	"operator-broker/internal/action"
)

// Config tunes the three detection signals.
type Config struct {
	// RepeatThreshold identical consecutive actions count as stuck.
	RepeatThreshold int
	// Cycle detection looks for repeating patterns of length
	// MinCycle..MaxCycle at the tail of the history.
	MinCycle int
	MaxCycle int
	// More than BurstThreshold tasks inside BurstWindow counts as stuck.
	BurstThreshold int
	BurstWindow    time.Duration
}

// Detector evaluates a session's recent history for loop signals.
type Detector struct {
	cfg Config
}

// New builds a detector, filling unset fields with the standard
// thresholds.
func New(cfg Config) *Detector {
	if cfg.RepeatThreshold < 2 {
		cfg.RepeatThreshold = 3
	}
	if cfg.MinCycle < 2 {
		cfg.MinCycle = 2
	}
	if cfg.MaxCycle < cfg.MinCycle {
		cfg.MaxCycle = 5
	}
	if cfg.BurstThreshold <= 0 {
		cfg.BurstThreshold = 5
	}
	if cfg.BurstWindow <= 0 {
		cfg.BurstWindow = 30 * time.Second
	}
	return &Detector{cfg: cfg}
}

// Detect checks the history tail and burst counters for loop signals.
// taskCount and windowStart come from the session's burst window. The
// returned reason is human-readable and ends up in the synthetic close
// action.
func (d *Detector) Detect(history []action.Action, taskCount int, windowStart time.Time) (bool, string) {
	if reason, ok := d.immediateRepeat(history); ok {
		return true, reason
	}
	if reason, ok := d.cyclicPattern(history); ok {
		return true, reason
	}
	if reason, ok := d.burst(taskCount, windowStart); ok {
		return true, reason
	}
	return false, ""
}

// immediateRepeat fires when the last RepeatThreshold actions are the
// same action.
func (d *Detector) immediateRepeat(history []action.Action) (string, bool) {
	k := d.cfg.RepeatThreshold
	if len(history) < k {
		return "", false
	}
	tail := history[len(history)-k:]
	for i := 1; i < k; i++ {
		if !tail[0].Same(tail[i]) {
			return "", false
		}
	}
	return fmt.Sprintf("action %s repeated %d times in a row", tail[0].Tool, k), true
}

// cyclicPattern fires when the tail of the history is one tool-name
// sequence of length MinCycle..MaxCycle followed immediately by the
// same sequence. Args are deliberately ignored here; oscillation shows
// up in the tool pattern even when selectors drift.
func (d *Detector) cyclicPattern(history []action.Action) (string, bool) {
	for n := d.cfg.MinCycle; n <= d.cfg.MaxCycle; n++ {
		if len(history) < 2*n {
			break
		}
		tail := history[len(history)-2*n:]
		match := true
		for i := 0; i < n; i++ {
			if tail[i].Tool != tail[i+n].Tool {
				match = false
				break
			}
		}
		if match {
			return fmt.Sprintf("cyclic pattern of %d actions repeating", n), true
		}
	}
	return "", false
}

// burst fires when more than BurstThreshold tasks landed inside the
// current burst window.
func (d *Detector) burst(taskCount int, windowStart time.Time) (string, bool) {
	if windowStart.IsZero() || taskCount <= d.cfg.BurstThreshold {
		return "", false
	}
	if time.Since(windowStart) > d.cfg.BurstWindow {
		return "", false
	}
	return fmt.Sprintf("%d tasks within %s", taskCount, d.cfg.BurstWindow), true
}
