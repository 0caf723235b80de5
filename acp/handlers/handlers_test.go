package handlers

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/colombod/acp-runtime/acp/approval"
	"github.com/colombod/acp-runtime/acp/rpc"
	"github.com/colombod/acp-runtime/internal/builtinrt"
	"github.com/colombod/acp-runtime/internal/session"
)

func newTestAgent(t *testing.T) (*Agent, *rpc.Processor) {
	t.Helper()
	t.Setenv("AMPLIFIER_NO_PERSIST", "true")

	sessions := session.NewManager(nil, time.Minute)
	active := session.NewActiveSessionManager(10, time.Minute, nil, approval.NewTracker())

	agent := New(sessions, active, Info{Name: "test-agent", Title: "Test Agent", Version: "0.0.0"})
	agent.Runtime = builtinrt.New()

	methods := rpc.NewMethodTable()
	agent.Register(methods)
	proc := rpc.NewProcessor(methods)
	return agent, proc
}

func call(t *testing.T, proc *rpc.Processor, id int, method string, params any, sessionID string) *rpc.Response {
	t.Helper()
	paramsRaw, err := json.Marshal(params)
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	frame, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  method,
		"params":  json.RawMessage(paramsRaw),
	})
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	resp, err := proc.HandleFrame(context.Background(), frame, sessionID)
	if err != nil {
		t.Fatalf("HandleFrame(%s) error = %v", method, err)
	}
	if resp == nil {
		t.Fatalf("HandleFrame(%s) returned nil response", method)
	}
	return resp
}

func TestInitializeRejectsWrongProtocolVersion(t *testing.T) {
	_, proc := newTestAgent(t)
	resp := call(t, proc, 1, "initialize", map[string]any{"protocol_version": 99}, "")
	if resp.Error == nil || resp.Error.Code != rpc.ErrInvalidParams {
		t.Fatalf("expected ErrInvalidParams, got %+v", resp)
	}
}

func TestInitializeReturnsAgentInfo(t *testing.T) {
	_, proc := newTestAgent(t)
	resp := call(t, proc, 1, "initialize", map[string]any{"protocol_version": ProtocolVersion}, "")
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	var result initializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if result.AgentInfo.Name != "test-agent" {
		t.Errorf("AgentInfo.Name = %q, want test-agent", result.AgentInfo.Name)
	}
	if result.ProtocolVersion != ProtocolVersion {
		t.Errorf("ProtocolVersion = %d, want %d", result.ProtocolVersion, ProtocolVersion)
	}
}

func TestUnknownMethodReturnsMethodNotFound(t *testing.T) {
	_, proc := newTestAgent(t)
	resp := call(t, proc, 1, "not_a_real_method", map[string]any{}, "")
	if resp.Error == nil || resp.Error.Code != rpc.ErrMethodNotFound {
		t.Fatalf("expected ErrMethodNotFound, got %+v", resp)
	}
}

func createSession(t *testing.T, proc *rpc.Processor) string {
	t.Helper()
	resp := call(t, proc, 1, "new_session", map[string]any{"cwd": "/tmp/project"}, "")
	if resp.Error != nil {
		t.Fatalf("new_session error: %+v", resp.Error)
	}
	var result newSessionResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("unmarshal new_session result: %v", err)
	}
	if result.SessionID == "" {
		t.Fatal("expected non-empty session id")
	}
	return result.SessionID
}

func TestNewSessionThenPromptEndsTurn(t *testing.T) {
	_, proc := newTestAgent(t)
	sessionID := createSession(t, proc)

	resp := call(t, proc, 2, "prompt", map[string]any{
		"session_id": sessionID,
		"prompt": []map[string]any{
			{"type": "text", "text": "hello agent"},
		},
	}, sessionID)
	if resp.Error != nil {
		t.Fatalf("prompt error: %+v", resp.Error)
	}

	var result promptResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("unmarshal prompt result: %v", err)
	}
	if result.StopReason != string(session.StopEndTurn) {
		t.Errorf("StopReason = %q, want %q", result.StopReason, session.StopEndTurn)
	}
}

func TestPromptUnknownSessionErrors(t *testing.T) {
	_, proc := newTestAgent(t)
	resp := call(t, proc, 1, "prompt", map[string]any{
		"session_id": "sess_does_not_exist",
		"prompt":     []map[string]any{{"type": "text", "text": "hi"}},
	}, "sess_does_not_exist")
	if resp.Error == nil {
		t.Fatal("expected an error for an unknown session")
	}
}

func TestCancelUnknownActiveSessionIsNoop(t *testing.T) {
	_, proc := newTestAgent(t)
	sessionID := createSession(t, proc)

	resp := call(t, proc, 1, "cancel", map[string]any{"session_id": sessionID}, sessionID)
	if resp.Error != nil {
		t.Fatalf("cancel on session with no active turn should be a no-op, got %+v", resp.Error)
	}
}

func TestSetSessionModeThenModeOf(t *testing.T) {
	agent, proc := newTestAgent(t)
	sessionID := createSession(t, proc)

	resp := call(t, proc, 1, "set_session_mode", map[string]any{
		"session_id": sessionID,
		"mode_id":    "yolo",
	}, sessionID)
	if resp.Error != nil {
		t.Fatalf("set_session_mode error: %+v", resp.Error)
	}
	if got := agent.ModeOf(sessionID); got != "yolo" {
		t.Errorf("ModeOf() = %q, want yolo", got)
	}
}

func TestSetSessionModeUnknownSessionErrors(t *testing.T) {
	_, proc := newTestAgent(t)
	resp := call(t, proc, 1, "set_session_mode", map[string]any{
		"session_id": "sess_does_not_exist",
		"mode_id":    "yolo",
	}, "sess_does_not_exist")
	if resp.Error == nil {
		t.Fatal("expected an error for an unknown session")
	}
}

func TestLoadSessionUnknownReturnsError(t *testing.T) {
	_, proc := newTestAgent(t)
	resp := call(t, proc, 1, "load_session", map[string]any{"session_id": "sess_missing"}, "sess_missing")
	if resp.Error == nil {
		t.Fatal("expected an error for an unknown session")
	}
}
