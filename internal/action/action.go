// Package action defines the unit of execution exchanged between the
// planner, the dispatcher, and the browser backends.
package action

import "strings"

// Tool is the fixed vocabulary of browser operations the broker routes.
type Tool string

const (
	Navigate Tool = "NAVIGATE"
	Click    Tool = "CLICK"
	Type     Tool = "TYPE"
	Select   Tool = "SELECT"
	Scroll   Tool = "SCROLL"
	Wait     Tool = "WAIT"
	Extract  Tool = "EXTRACT"
	Close    Tool = "CLOSE"
)

var tools = map[Tool]struct{}{
	Navigate: {}, Click: {}, Type: {}, Select: {},
	Scroll: {}, Wait: {}, Extract: {}, Close: {},
}

// ParseTool normalizes a raw tool name to the canonical vocabulary.
func ParseTool(raw string) (Tool, bool) {
	t := Tool(strings.ToUpper(strings.TrimSpace(raw)))
	_, ok := tools[t]
	return t, ok
}

// Action is a single planner-decided browser operation. The Text,
// Reasoning, and Instruction annotations are opaque to the broker and
// pass through untouched.
type Action struct {
	Tool        Tool              `json:"tool"`
	Args        map[string]string `json:"args,omitempty"`
	Text        string            `json:"text,omitempty"`
	Reasoning   string            `json:"reasoning,omitempty"`
	Instruction string            `json:"instruction,omitempty"`
}

// Arg returns a named argument or the empty string.
func (a Action) Arg(name string) string {
	if a.Args == nil {
		return ""
	}
	return a.Args[name]
}

// Same reports structural equality of tool and args. Argument order is
// irrelevant; annotations are ignored.
func (a Action) Same(b Action) bool {
	if a.Tool != b.Tool {
		return false
	}
	if len(a.Args) != len(b.Args) {
		return false
	}
	for k, v := range a.Args {
		if bv, ok := b.Args[k]; !ok || bv != v {
			return false
		}
	}
	return true
}

// SyntheticClose builds the terminal CLOSE action the dispatcher
// returns when a session short-circuits (loop detected, goal already
// completed). It is a normal action so the caller's step loop ends
// cleanly instead of crashing.
func SyntheticClose(reason string) Action {
	return Action{
		Tool:      Close,
		Text:      reason,
		Reasoning: reason,
	}
}
