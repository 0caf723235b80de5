// Package eventmap maps internal agent-runtime events (tool calls, content
// deltas, plan/todo updates, thinking) onto ACP SessionUpdate notifications,
// grounded on original_source's event_mapper.py.
package eventmap

import (
	"strings"

	"github.com/colombod/acp-runtime/acp/toolmeta"
)

// Event is the internal runtime event being mapped, carrying a dotted type
// (e.g. "tool:pre", "content_block:delta") and a loosely-typed property bag
// matching the shape the session/agent plane already produces.
type Event struct {
	Type  string
	Props map[string]any
}

// SessionUpdateKind identifies which ACP session/update variant a mapped
// event produces.
type SessionUpdateKind string

const (
	UpdateAgentMessageChunk SessionUpdateKind = "agent_message_chunk"
	UpdateAgentThoughtChunk SessionUpdateKind = "agent_thought_chunk"
	UpdateUserMessageChunk  SessionUpdateKind = "user_message_chunk"
	UpdateToolCall          SessionUpdateKind = "tool_call"
	UpdateToolCallUpdate    SessionUpdateKind = "tool_call_update"
	UpdatePlan              SessionUpdateKind = "plan"
)

// SessionUpdate is the ACP notification payload to send for
// session/update, tagged by Kind.
type SessionUpdate struct {
	Kind SessionUpdateKind `json:"session_update"`

	Text string `json:"text,omitempty"` // agent_message_chunk / agent_thought_chunk

	ToolCallID string         `json:"tool_call_id,omitempty"` // tool_call / tool_call_update
	Title      string         `json:"title,omitempty"`        // tool_call
	ToolKind   string         `json:"kind,omitempty"`         // tool_call
	Status     string         `json:"status,omitempty"`       // tool_call / tool_call_update: pending|completed|failed
	RawInput   map[string]any `json:"raw_input,omitempty"`    // tool_call
	RawOutput  any            `json:"raw_output,omitempty"`   // tool_call_update

	Entries []PlanEntry `json:"entries,omitempty"` // plan
}

// PlanEntry mirrors ACP's plan entry shape.
type PlanEntry struct {
	Content  string `json:"content"`
	Status   string `json:"status"`   // pending|in_progress|completed
	Priority string `json:"priority"` // high|medium|low
}

// TrackTool, when non-nil, instructs the caller to start tracking a tool
// call's (id, name, args) in the tool-call tracker.
type TrackTool struct {
	CallID string
	Name   string
	Args   map[string]any
}

// MapResult is the outcome of mapping one Event.
type MapResult struct {
	Update        *SessionUpdate
	TrackTool     *TrackTool
	ClearTracking bool
}

// ignoredPrefixes are event types that are expected to have no ACP mapping
// and should not be logged as unmapped.
var ignoredPrefixes = []string{"session:", "execution:", "llm:", "provider:", "prompt:", "orchestrator:"}

// IsIgnorable reports whether an unmapped event type is expected noise.
func IsIgnorable(eventType string) bool {
	for _, p := range ignoredPrefixes {
		if strings.HasPrefix(eventType, p) {
			return true
		}
	}
	return false
}

// Mapper maps internal events onto ACP SessionUpdates.
type Mapper struct{}

// NewMapper returns a Mapper.
func NewMapper() *Mapper { return &Mapper{} }

// Map dispatches an Event to its handler, returning an empty MapResult for
// unrecognized or unmapped event types.
func (m *Mapper) Map(ev Event) MapResult {
	switch ev.Type {
	case "content_block:delta":
		return m.textUpdate(UpdateAgentMessageChunk, nestedText(ev.Props, "delta"))
	case "content_block:end":
		return m.textUpdate(UpdateAgentMessageChunk, nestedText(ev.Props, "block"))
	case "content_block:start":
		return MapResult{}
	case "content", "assistant_message", "text":
		return m.textUpdate(UpdateAgentMessageChunk, stringProp(ev.Props, "text"))
	case "tool:pre":
		return m.toolPre(ev.Props)
	case "tool:post":
		return m.toolPost(ev.Props)
	case "tool:error":
		return m.toolError(ev.Props)
	case "todo:update":
		return m.todoUpdate(ev.Props)
	case "thinking:delta", "thinking:final", "thinking:start":
		text := stringProp(ev.Props, "text")
		if text == "" {
			text = stringProp(ev.Props, "content")
		}
		return m.textUpdate(UpdateAgentThoughtChunk, text)
	default:
		return MapResult{}
	}
}

func (m *Mapper) textUpdate(kind SessionUpdateKind, text string) MapResult {
	if text == "" {
		return MapResult{}
	}
	return MapResult{Update: &SessionUpdate{Kind: kind, Text: text}}
}

func (m *Mapper) toolPre(props map[string]any) MapResult {
	toolName := ""
	if info, ok := props["tool"].(map[string]any); ok {
		toolName, _ = info["name"].(string)
	} else if s, ok := props["tool"].(string); ok {
		toolName = s
	}
	callID := stringProp(props, "call_id")
	args, _ := props["arguments"].(map[string]any)
	if args == nil {
		args = map[string]any{}
	}

	update := &SessionUpdate{
		Kind:       UpdateToolCall,
		ToolCallID: callID,
		Title:      toolmeta.TitleFor(toolName, args),
		ToolKind:   toolmeta.KindFor(toolName),
		Status:     "pending",
		RawInput:   args,
	}
	return MapResult{
		Update:    update,
		TrackTool: &TrackTool{CallID: callID, Name: toolName, Args: args},
	}
}

func (m *Mapper) toolPost(props map[string]any) MapResult {
	update := &SessionUpdate{
		Kind:       UpdateToolCallUpdate,
		ToolCallID: stringProp(props, "call_id"),
		Status:     "completed",
		RawOutput:  props["result"],
	}
	return MapResult{Update: update, ClearTracking: true}
}

func (m *Mapper) toolError(props map[string]any) MapResult {
	errVal := props["error"]
	if errVal == nil {
		errVal = "Unknown error"
	}
	update := &SessionUpdate{
		Kind:       UpdateToolCallUpdate,
		ToolCallID: stringProp(props, "call_id"),
		Status:     "failed",
		RawOutput:  map[string]any{"error": toString(errVal)},
	}
	return MapResult{Update: update, ClearTracking: true}
}

func (m *Mapper) todoUpdate(props map[string]any) MapResult {
	rawTodos, _ := props["todos"].([]any)
	if len(rawTodos) == 0 {
		return MapResult{}
	}

	entries := make([]PlanEntry, 0, len(rawTodos))
	for _, raw := range rawTodos {
		todo, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		status := stringProp(todo, "status")
		if status != "pending" && status != "in_progress" && status != "completed" {
			status = "pending"
		}
		priority := stringProp(todo, "priority")
		if priority != "high" && priority != "medium" && priority != "low" {
			priority = "medium"
		}
		content := stringProp(todo, "content")
		if content == "" {
			content = stringProp(todo, "activeForm")
		}
		if content == "" {
			content = "Task"
		}
		entries = append(entries, PlanEntry{Content: content, Status: status, Priority: priority})
	}

	return MapResult{Update: &SessionUpdate{Kind: UpdatePlan, Entries: entries}}
}

func nestedText(props map[string]any, key string) string {
	nested, ok := props[key].(map[string]any)
	if !ok {
		return ""
	}
	return stringProp(nested, "text")
}

func stringProp(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}
