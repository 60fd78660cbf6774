package mcp

import (
	"context"
	"errors"
	"fmt"

	"operator-broker/internal/action"
	"operator-broker/internal/broker"
)

func stringArg(args map[string]interface{}, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

// CreateSessionTool opens a new broker session.
type CreateSessionTool struct {
	dispatcher *broker.Dispatcher
}

func (t *CreateSessionTool) Name() string { return "create-session" }

func (t *CreateSessionTool) Description() string {
	return "Create a browser automation session. Binds the session to the first available backend and returns its id."
}

func (t *CreateSessionTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"context_id": map[string]interface{}{
				"type":        "string",
				"description": "Optional caller context (e.g. a chat id) to associate with the session",
			},
			"start_url": map[string]interface{}{
				"type":        "string",
				"description": "Optional URL to open immediately",
			},
			"backend": map[string]interface{}{
				"type":        "string",
				"description": "Optional backend name to pin instead of walking the fallback chain",
			},
		},
	}
}

func (t *CreateSessionTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	sess, err := t.dispatcher.CreateSession(ctx, broker.CreateRequest{
		ContextID:         stringArg(args, "context_id"),
		StartURL:          stringArg(args, "start_url"),
		BackendPreference: stringArg(args, "backend"),
	})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"success":    true,
		"session_id": sess.ID,
		"backend":    sess.BackendName,
	}, nil
}

// DecideNextActionTool asks the broker for the next step toward a goal.
type DecideNextActionTool struct {
	dispatcher *broker.Dispatcher
}

func (t *DecideNextActionTool) Name() string { return "decide-next-action" }

func (t *DecideNextActionTool) Description() string {
	return "Decide the next browser action for a goal. Returns a CLOSE action when the goal is already complete or the session is stuck in a loop."
}

func (t *DecideNextActionTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_id": map[string]interface{}{"type": "string"},
			"goal":       map[string]interface{}{"type": "string"},
		},
		"required": []string{"session_id", "goal"},
	}
}

func (t *DecideNextActionTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	dec, err := t.dispatcher.DecideNextAction(ctx, broker.DecideRequest{
		SessionID: stringArg(args, "session_id"),
		Goal:      stringArg(args, "goal"),
	})
	if err != nil {
		return nil, err
	}
	return dec, nil
}

// ExecuteActionTool runs one action in a session.
type ExecuteActionTool struct {
	dispatcher *broker.Dispatcher
}

func (t *ExecuteActionTool) Name() string { return "execute-action" }

func (t *ExecuteActionTool) Description() string {
	return "Execute a browser action (NAVIGATE, CLICK, TYPE, SELECT, SCROLL, WAIT, EXTRACT, CLOSE) in a session. Failed executions return a degraded result instead of an error."
}

func (t *ExecuteActionTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_id": map[string]interface{}{"type": "string"},
			"goal":       map[string]interface{}{"type": "string"},
			"tool":       map[string]interface{}{"type": "string"},
			"args": map[string]interface{}{
				"type":        "object",
				"description": "Action arguments such as url, selector, value, direction",
			},
			"text": map[string]interface{}{
				"type":        "string",
				"description": "Text payload for TYPE actions",
			},
		},
		"required": []string{"session_id", "tool"},
	}
}

func (t *ExecuteActionTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	tool, ok := action.ParseTool(stringArg(args, "tool"))
	if !ok {
		return nil, fmt.Errorf("unknown action tool %q", stringArg(args, "tool"))
	}

	actionArgs := map[string]string{}
	if raw, ok := args["args"].(map[string]interface{}); ok {
		for k, v := range raw {
			actionArgs[k] = fmt.Sprintf("%v", v)
		}
	}

	res, err := t.dispatcher.ExecuteAction(ctx, broker.ExecuteRequest{
		SessionID: stringArg(args, "session_id"),
		Goal:      stringArg(args, "goal"),
		Action: action.Action{
			Tool: tool,
			Args: actionArgs,
			Text: stringArg(args, "text"),
		},
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// CloseSessionTool tears down a session.
type CloseSessionTool struct {
	dispatcher *broker.Dispatcher
}

func (t *CloseSessionTool) Name() string { return "close-session" }

func (t *CloseSessionTool) Description() string {
	return "Close a browser session and release its backend. Closing an unknown session succeeds."
}

func (t *CloseSessionTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_id": map[string]interface{}{"type": "string"},
		},
		"required": []string{"session_id"},
	}
}

func (t *CloseSessionTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	id := stringArg(args, "session_id")
	if id == "" {
		return nil, errors.New("session_id is required")
	}
	if err := t.dispatcher.CloseSession(ctx, id); err != nil {
		return nil, err
	}
	return map[string]interface{}{"success": true}, nil
}

// ListSessionsTool lists tracked sessions.
type ListSessionsTool struct {
	dispatcher *broker.Dispatcher
}

func (t *ListSessionsTool) Name() string { return "list-sessions" }

func (t *ListSessionsTool) Description() string {
	return "List active broker sessions with their backend bindings."
}

func (t *ListSessionsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
}

func (t *ListSessionsTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	return map[string]interface{}{
		"sessions": t.dispatcher.ListSessions(),
	}, nil
}
