// Package planner decides the next browser action for a session goal.
package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"operator-broker/internal/action"
)

// Planner proposes the next action toward a goal given the actions
// taken so far.
type Planner interface {
	DecideNextAction(ctx context.Context, goal string, history []action.Action) (action.Action, error)
}

const systemPrompt = `You are a browser automation planner. Given a goal and the actions
executed so far, reply with exactly one JSON object describing the next
action to take. Schema:

{"tool": "NAVIGATE|CLICK|TYPE|SELECT|SCROLL|WAIT|EXTRACT|CLOSE",
 "args": {"url": "...", "selector": "...", "value": "..."},
 "text": "text to type, if any",
 "reasoning": "one sentence on why"}

Use CLOSE when the goal is complete. Reply with the JSON object only.`

// buildUserPrompt renders the goal plus a compact history transcript.
func buildUserPrompt(goal string, history []action.Action) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n", goal)

	if len(history) == 0 {
		b.WriteString("No actions executed yet.\n")
		return b.String()
	}

	b.WriteString("Actions so far:\n")
	for i, a := range history {
		fmt.Fprintf(&b, "%d. %s", i+1, a.Tool)
		for k, v := range a.Args {
			fmt.Fprintf(&b, " %s=%s", k, v)
		}
		if a.Text != "" {
			fmt.Fprintf(&b, " text=%q", a.Text)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// ParseAction extracts the action object from a model reply. Markdown
// code fences around the JSON are tolerated.
func ParseAction(raw string) (action.Action, error) {
	cleaned := strings.TrimSpace(raw)
	if strings.HasPrefix(cleaned, "```") {
		cleaned = strings.TrimPrefix(cleaned, "```json")
		cleaned = strings.TrimPrefix(cleaned, "```")
		if idx := strings.LastIndex(cleaned, "```"); idx >= 0 {
			cleaned = cleaned[:idx]
		}
		cleaned = strings.TrimSpace(cleaned)
	}

	var payload struct {
		Tool      string            `json:"tool"`
		Args      map[string]string `json:"args"`
		Text      string            `json:"text"`
		Reasoning string            `json:"reasoning"`
	}
	if err := json.Unmarshal([]byte(cleaned), &payload); err != nil {
		return action.Action{}, fmt.Errorf("parsing planner reply: %w", err)
	}

	tool, ok := action.ParseTool(payload.Tool)
	if !ok {
		if payload.Tool == "" {
			return action.Action{}, errors.New("planner reply missing tool")
		}
		return action.Action{}, fmt.Errorf("planner proposed unknown tool %q", payload.Tool)
	}

	return action.Action{
		Tool:      tool,
		Args:      payload.Args,
		Text:      payload.Text,
		Reasoning: payload.Reasoning,
	}, nil
}
