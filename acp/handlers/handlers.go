// Package handlers implements the six ACP JSON-RPC methods spec.md §6
// requires an agent to answer: initialize, new_session, load_session,
// prompt, cancel, set_session_mode. It is the seam that ties together the
// session plane (internal/session.Manager/ActiveSessionManager), content
// conversion (acp/content), permission bridging (acp/approval), and
// delegation (acp/spawn) behind rpc.MethodTable.
//
// Grounded on internal/mcp/handlers_session.go's spawn/message/event
// handlers, re-expressed against the ACP wire contract instead of MCP tool
// calls: the prompt handler blocks synchronously on an ActiveSession's turn
// channel the way handleSendMessage's callers poll GetEvents, except here
// the wait is a single channel receive instead of a poll loop.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/colombod/acp-runtime/acp/approval"
	"github.com/colombod/acp-runtime/acp/content"
	"github.com/colombod/acp-runtime/acp/eventmap"
	"github.com/colombod/acp-runtime/acp/rpc"
	"github.com/colombod/acp-runtime/acp/spawn"
	"github.com/colombod/acp-runtime/internal/session"
)

// ProtocolVersion is the ACP protocol revision this agent speaks. initialize
// rejects any other value with a -32602 "protocol version mismatch" error,
// per spec.md §6.
const ProtocolVersion = 1

// Info identifies this agent in the initialize handshake response.
type Info struct {
	Name    string
	Title   string
	Version string
}

// Agent bundles every collaborator the six ACP methods need and registers
// their handlers onto an rpc.MethodTable. All fields except Sessions,
// Active, and Converter may be nil: a nil Runtime makes prompt fail fast on
// a session's first turn, a nil Notifier means load_session skips its
// history replay, prompt's content warnings are not sent, and mid-turn
// updates are buffered only (no push), a nil Responder
// makes permission requests fall back to approval.Bridge's default-action
// resolution.
type Agent struct {
	Info Info

	Sessions  *session.Manager
	Active    *session.ActiveSessionManager
	Spawns    *spawn.Manager
	Converter *content.Converter
	Tracker   *approval.Tracker
	Responder approval.PermissionResponder
	Notifier  session.Notifier
	Runtime   spawn.AgentRuntime

	mu      sync.Mutex
	bridges map[string]*approval.Bridge
	modes   map[string]string
}

// New builds an Agent with Converter set to content.NewConverter().
func New(sessions *session.Manager, active *session.ActiveSessionManager, info Info) *Agent {
	return &Agent{
		Info:      info,
		Sessions:  sessions,
		Active:    active,
		Converter: content.NewConverter(),
		bridges:   make(map[string]*approval.Bridge),
		modes:     make(map[string]string),
	}
}

// Register binds every ACP method this agent answers onto methods.
func (a *Agent) Register(methods *rpc.MethodTable) {
	methods.Register("initialize", a.initialize)
	methods.Register("new_session", a.newSession)
	methods.Register("load_session", a.loadSession)
	methods.Register("prompt", a.prompt)
	methods.Register("cancel", a.cancel)
	methods.Register("set_session_mode", a.setSessionMode)
}

// BridgeFor returns the per-session approval.Bridge, creating it on first
// use. Exposed for the embedding runtime, which needs it to route tool-call
// approval prompts (request_approval(prompt, options, timeout, default))
// through session/request_permission while the session's turn is in flight.
func (a *Agent) BridgeFor(sessionID string) *approval.Bridge {
	a.mu.Lock()
	defer a.mu.Unlock()
	if b, ok := a.bridges[sessionID]; ok {
		return b
	}
	b := approval.NewBridge(sessionID, a.Responder, a.Tracker, func(context.Context) string { return sessionID })
	a.bridges[sessionID] = b
	return b
}

// SessionIDFromParams extracts the "session_id" field a request/notification
// carries, for transports (stdio, WebSocket) that need to resolve a session
// id before dispatch in order to serialize per-session handling.
func SessionIDFromParams(_ string, params json.RawMessage) string {
	var probe struct {
		SessionID string `json:"session_id"`
	}
	if len(params) == 0 {
		return ""
	}
	_ = json.Unmarshal(params, &probe)
	return probe.SessionID
}

type agentInfoWire struct {
	Name    string `json:"name"`
	Title   string `json:"title"`
	Version string `json:"version"`
}

type promptCapabilities struct {
	Image           bool `json:"image"`
	Audio           bool `json:"audio"`
	EmbeddedContext bool `json:"embedded_context"`
}

type agentCapabilities struct {
	PromptCapabilities promptCapabilities `json:"prompt_capabilities"`
}

type initializeParams struct {
	ProtocolVersion int `json:"protocol_version"`
}

type initializeResult struct {
	ProtocolVersion   int               `json:"protocol_version"`
	AgentInfo         agentInfoWire     `json:"agent_info"`
	AgentCapabilities agentCapabilities `json:"agent_capabilities"`
}

// initialize answers spec.md §6's handshake: a protocol version mismatch is
// a fatal -32602, never a negotiated fallback.
func (a *Agent) initialize(_ context.Context, _ string, params json.RawMessage) (any, error) {
	var p initializeParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, rpc.NewError(rpc.ErrInvalidParams, err.Error(), nil)
	}
	if p.ProtocolVersion != ProtocolVersion {
		return nil, rpc.NewError(rpc.ErrInvalidParams, "protocol version mismatch", nil)
	}
	return initializeResult{
		ProtocolVersion: ProtocolVersion,
		AgentInfo:       agentInfoWire{Name: a.Info.Name, Title: a.Info.Title, Version: a.Info.Version},
		AgentCapabilities: agentCapabilities{
			PromptCapabilities: promptCapabilities{Image: true, Audio: false, EmbeddedContext: true},
		},
	}, nil
}

type newSessionParams struct {
	Cwd            string         `json:"cwd"`
	Bundle         string         `json:"bundle,omitempty"`
	Behaviors      []string       `json:"behaviors,omitempty"`
	ProviderConfig map[string]any `json:"provider_config,omitempty"`
}

type newSessionResult struct {
	SessionID string `json:"session_id"`
}

// newSession creates a fresh session and returns its id. No prompt has run
// yet, so no ActiveSession/RuntimeExecutor exists until the first prompt
// call.
func (a *Agent) newSession(ctx context.Context, _ string, params json.RawMessage) (any, error) {
	var p newSessionParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, rpc.NewError(rpc.ErrInvalidParams, err.Error(), nil)
	}

	cfg := session.Config{
		Cwd:            p.Cwd,
		Bundle:         p.Bundle,
		Behaviors:      p.Behaviors,
		ProviderConfig: session.ProviderConfig(p.ProviderConfig),
	}
	sess, err := a.Sessions.Create(ctx, cfg, "", true)
	if err != nil {
		return nil, rpc.NewError(rpc.ErrInternal, err.Error(), nil)
	}
	return newSessionResult{SessionID: sess.SessionID}, nil
}

type loadSessionParams struct {
	SessionID string `json:"session_id"`
}

// loadSession rehydrates a persisted session and replays its message log as
// session/update notifications, so a reconnecting client rebuilds the same
// transcript it would have seen live.
func (a *Agent) loadSession(_ context.Context, sessionID string, params json.RawMessage) (any, error) {
	var p loadSessionParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, rpc.NewError(rpc.ErrInvalidParams, err.Error(), nil)
		}
	}
	id := firstNonEmpty(p.SessionID, sessionID)
	if id == "" {
		return nil, rpc.NewError(rpc.ErrInvalidParams, "session_id is required", nil)
	}

	sess, err := a.Sessions.Resume(id)
	if err != nil {
		return nil, rpc.NewError(rpc.ErrInternal, err.Error(), nil)
	}
	if sess == nil {
		return nil, rpc.NewError(rpc.ErrInvalidParams, fmt.Sprintf("session %s not found", id), nil)
	}

	if a.Notifier != nil {
		for _, msg := range sess.Messages {
			text := joinText(msg.Content)
			if text == "" {
				continue
			}
			kind := eventmap.UpdateAgentMessageChunk
			if msg.Role == "user" {
				kind = eventmap.UpdateUserMessageChunk
			}
			_ = a.Notifier.Notify(id, &eventmap.SessionUpdate{Kind: kind, Text: text})
		}
	}

	return map[string]any{}, nil
}

type promptParams struct {
	SessionID string                 `json:"session_id"`
	Prompt    []content.ContentBlock `json:"prompt"`
}

type promptResult struct {
	StopReason string `json:"stop_reason"`
}

// prompt converts the inbound content, records it in the session's message
// log, starts or resumes the session's RuntimeExecutor, and blocks until the
// turn resolves (end_turn, cancelled, or error), per spec.md §5's per-session
// serialization and §8's testable properties. The per-session lock
// rpc.Processor already holds around this call is exactly what makes
// blocking here safe: no other prompt for this session can be dispatched
// concurrently.
func (a *Agent) prompt(ctx context.Context, sessionID string, params json.RawMessage) (any, error) {
	var p promptParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, rpc.NewError(rpc.ErrInvalidParams, err.Error(), nil)
	}
	id := firstNonEmpty(p.SessionID, sessionID)
	if id == "" {
		return nil, rpc.NewError(rpc.ErrInvalidParams, "session_id is required", nil)
	}

	sess, err := a.Sessions.Resume(id)
	if err != nil {
		return nil, rpc.NewError(rpc.ErrInternal, err.Error(), nil)
	}
	if sess == nil {
		return nil, rpc.NewError(rpc.ErrInvalidParams, fmt.Sprintf("session %s not found", id), nil)
	}

	converted := a.Converter.Convert(p.Prompt)
	if a.Notifier != nil {
		for _, warning := range converted.Warnings {
			_ = a.Notifier.Notify(id, &eventmap.SessionUpdate{Kind: eventmap.UpdateAgentMessageChunk, Text: "[warning] " + warning})
		}
	}

	if err := a.Sessions.InjectContext(id, "user", p.Prompt); err != nil {
		return nil, rpc.NewError(rpc.ErrInternal, err.Error(), nil)
	}
	if err := a.Sessions.SetState(id, session.StatePrompting); err != nil {
		return nil, rpc.NewError(rpc.ErrInternal, err.Error(), nil)
	}

	active, ok := a.Active.Get(id)
	if !ok {
		if a.Runtime == nil {
			_ = a.Sessions.SetState(id, session.StateReady)
			return nil, rpc.NewError(rpc.ErrInternal, "no agent runtime configured", nil)
		}
		executor, err := a.Runtime.Execute(ctx, id, sess.Bundle, converted.TextPrompt)
		if err != nil {
			_ = a.Sessions.SetState(id, session.StateReady)
			return nil, rpc.NewError(rpc.ErrInternal, err.Error(), nil)
		}
		active = session.NewActiveSession(id, session.EncodeProjectPath(sess.Cwd), executor)
		turnCh := active.BeginTurn()
		if err := a.Active.Register(active); err != nil {
			return nil, rpc.NewError(rpc.ErrInternal, err.Error(), nil)
		}
		return a.awaitTurn(ctx, id, turnCh)
	}

	turnCh := active.BeginTurn()
	if err := active.SendMessage(converted.TextPrompt); err != nil {
		return nil, rpc.NewError(rpc.ErrInternal, err.Error(), nil)
	}
	return a.awaitTurn(ctx, id, turnCh)
}

func (a *Agent) awaitTurn(ctx context.Context, sessionID string, turnCh <-chan session.TurnResult) (any, error) {
	select {
	case result := <-turnCh:
		_ = a.Sessions.SetState(sessionID, session.StateReady)
		if result.StopReason == session.StopError {
			msg := "agent execution failed"
			if result.Err != nil {
				msg = result.Err.Error()
			}
			return nil, rpc.NewError(rpc.ErrInternal, msg, nil)
		}
		return promptResult{StopReason: string(result.StopReason)}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type cancelParams struct {
	SessionID string `json:"session_id"`
}

// cancel interrupts the in-flight prompt for a session, if any. It is
// registered as an unserialized method (see rpc.unserializedMethods) since
// its entire job is to unblock a prompt call that is holding the session's
// dispatch lock.
func (a *Agent) cancel(_ context.Context, sessionID string, params json.RawMessage) (any, error) {
	var p cancelParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, rpc.NewError(rpc.ErrInvalidParams, err.Error(), nil)
		}
	}
	id := firstNonEmpty(p.SessionID, sessionID)
	if id == "" {
		return nil, rpc.NewError(rpc.ErrInvalidParams, "session_id is required", nil)
	}

	active, ok := a.Active.Get(id)
	if !ok {
		return map[string]any{}, nil
	}

	_ = a.Sessions.SetState(id, session.StateCancelling)
	active.CancelTurn()
	if executor := active.GetExecutor(); executor != nil {
		_ = executor.Cancel()
	}
	return map[string]any{}, nil
}

type setSessionModeParams struct {
	SessionID string `json:"session_id"`
	ModeID    string `json:"mode_id"`
}

// setSessionMode records the active mode id for a session. spec.md leaves
// mode semantics undefined beyond naming the method; this stores the
// requested mode for the embedding runtime to read, and rejects unknown
// sessions the same way the other methods do.
func (a *Agent) setSessionMode(_ context.Context, sessionID string, params json.RawMessage) (any, error) {
	var p setSessionModeParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, rpc.NewError(rpc.ErrInvalidParams, err.Error(), nil)
	}
	id := firstNonEmpty(p.SessionID, sessionID)
	if id == "" {
		return nil, rpc.NewError(rpc.ErrInvalidParams, "session_id is required", nil)
	}
	if _, ok := a.Sessions.Get(id); !ok {
		return nil, rpc.NewError(rpc.ErrInvalidParams, fmt.Sprintf("session %s not found", id), nil)
	}

	a.mu.Lock()
	a.modes[id] = p.ModeID
	a.mu.Unlock()
	return map[string]any{}, nil
}

// ModeOf returns the mode id last set for sessionID via set_session_mode, or
// "" if none was ever set.
func (a *Agent) ModeOf(sessionID string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.modes[sessionID]
}

func joinText(blocks []content.ContentBlock) string {
	var parts []string
	for _, b := range blocks {
		if b.Kind() == content.KindText && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
