package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"operator-broker/internal/action"
	"operator-broker/internal/backend"
	"operator-broker/internal/broker"
	"operator-broker/internal/config"
	"operator-broker/internal/loopdetect"
	"operator-broker/internal/session"
)

type mcpStubBackend struct{}

func (s *mcpStubBackend) Name() string       { return "embedded" }
func (s *mcpStubBackend) Kind() backend.Kind { return backend.KindDelegated }

func (s *mcpStubBackend) CreateSession(ctx context.Context, opts backend.CreateOptions) (backend.Handle, error) {
	return backend.Handle{ID: "handle-1"}, nil
}

func (s *mcpStubBackend) Execute(ctx context.Context, h backend.Handle, a action.Action) (backend.Result, error) {
	return backend.Result{Text: "executed " + string(a.Tool)}, nil
}

func (s *mcpStubBackend) Screenshot(ctx context.Context, h backend.Handle) ([]byte, error) {
	return []byte("png"), nil
}

func (s *mcpStubBackend) Close(ctx context.Context, h backend.Handle) error { return nil }

type mcpStubPlanner struct{}

func (p *mcpStubPlanner) DecideNextAction(ctx context.Context, goal string, history []action.Action) (action.Action, error) {
	return action.Action{Tool: action.Navigate, Args: map[string]string{"url": "https://example.com"}}, nil
}

func newTestMCPServer(t *testing.T) *Server {
	t.Helper()

	cfg := config.DefaultConfig()
	store := session.NewStore(session.Options{HistoryCapacity: 20})
	chain := backend.NewChain(time.Second, &mcpStubBackend{})
	det := loopdetect.New(loopdetect.Config{})
	d := broker.NewDispatcher(cfg, store, chain, det, &mcpStubPlanner{}, nil)

	return NewServer(cfg, d)
}

func TestToolRegistration(t *testing.T) {
	s := newTestMCPServer(t)

	for _, name := range []string{"create-session", "decide-next-action", "execute-action", "close-session", "list-sessions"} {
		if _, ok := s.tools[name]; !ok {
			t.Errorf("tool %q not registered", name)
		}
	}
}

func TestToolSchemasMarshal(t *testing.T) {
	s := newTestMCPServer(t)
	for name, tool := range s.tools {
		if _, err := json.Marshal(tool.InputSchema()); err != nil {
			t.Errorf("tool %q schema does not marshal: %v", name, err)
		}
		if tool.Description() == "" {
			t.Errorf("tool %q has no description", name)
		}
	}
}

func TestCreateDecideExecuteCloseFlow(t *testing.T) {
	s := newTestMCPServer(t)
	ctx := context.Background()

	created, err := s.ExecuteTool(ctx, "create-session", map[string]interface{}{"context_id": "chat-1"})
	if err != nil {
		t.Fatalf("create-session: %v", err)
	}
	payload, ok := created.(map[string]interface{})
	if !ok {
		t.Fatalf("unexpected payload type %T", created)
	}
	id, _ := payload["session_id"].(string)
	if id == "" {
		t.Fatal("no session_id returned")
	}

	decided, err := s.ExecuteTool(ctx, "decide-next-action", map[string]interface{}{
		"session_id": id,
		"goal":       "open example",
	})
	if err != nil {
		t.Fatalf("decide-next-action: %v", err)
	}
	dec, ok := decided.(broker.Decision)
	if !ok {
		t.Fatalf("unexpected decision type %T", decided)
	}
	if dec.Action.Tool != action.Navigate {
		t.Errorf("decided tool = %q", dec.Action.Tool)
	}

	executed, err := s.ExecuteTool(ctx, "execute-action", map[string]interface{}{
		"session_id": id,
		"tool":       "NAVIGATE",
		"args":       map[string]interface{}{"url": "https://example.com"},
	})
	if err != nil {
		t.Fatalf("execute-action: %v", err)
	}
	res, ok := executed.(broker.ExecuteResult)
	if !ok {
		t.Fatalf("unexpected result type %T", executed)
	}
	if res.Result.Text != "executed NAVIGATE" {
		t.Errorf("result text = %q", res.Result.Text)
	}

	if _, err := s.ExecuteTool(ctx, "close-session", map[string]interface{}{"session_id": id}); err != nil {
		t.Fatalf("close-session: %v", err)
	}

	listed, err := s.ExecuteTool(ctx, "list-sessions", map[string]interface{}{})
	if err != nil {
		t.Fatalf("list-sessions: %v", err)
	}
	list, ok := listed.(map[string]interface{})
	if !ok {
		t.Fatalf("unexpected list type %T", listed)
	}
	sessions, _ := list["sessions"].([]session.Session)
	if len(sessions) != 0 {
		t.Errorf("expected no sessions after close, got %d", len(sessions))
	}
}

func TestExecuteActionToolRejectsUnknownTool(t *testing.T) {
	s := newTestMCPServer(t)
	_, err := s.ExecuteTool(context.Background(), "execute-action", map[string]interface{}{
		"session_id": "whatever",
		"tool":       "HOVER",
	})
	if err == nil {
		t.Fatal("expected error for unknown tool")
	}
}

func TestExecuteUnknownToolName(t *testing.T) {
	s := newTestMCPServer(t)
	_, err := s.ExecuteTool(context.Background(), "no-such-tool", nil)
	if err == nil || err.Error() != fmt.Sprintf("tool not found: %s", "no-such-tool") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestMarshalToolPayload(t *testing.T) {
	payload := marshalToolPayload("t", map[string]interface{}{"success": true})
	var decoded map[string]interface{}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("payload not valid JSON: %v", err)
	}
	if decoded["success"] != true {
		t.Errorf("payload = %v", decoded)
	}

	// Unserializable payloads degrade to an error envelope.
	bad := marshalToolPayload("t", map[string]interface{}{"ch": make(chan int)})
	if err := json.Unmarshal(bad, &decoded); err != nil {
		t.Fatalf("fallback payload not valid JSON: %v", err)
	}
	if decoded["success"] != false {
		t.Errorf("fallback payload = %v", decoded)
	}
}
