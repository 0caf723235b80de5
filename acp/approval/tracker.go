// Package approval bridges tool-execution approval requests to ACP's
// session/request_permission method, grounded on original_source's
// approval_bridge.py. Unlike the Python original's contextvars.ContextVar,
// the tracked tool-call slot is threaded explicitly through
// context.Context values, matching the pattern internal/mcp/context.go
// already uses for per-request state in this codebase — never a package
// global, so concurrent sessions never see each other's tool call.
package approval

import (
	"context"
	"sync"
)

// ToolCallContext identifies the tool call currently executing on behalf
// of a given goroutine/request, used to enrich a permission prompt with
// the right tool_call_id/title/kind.
type ToolCallContext struct {
	CallID    string
	ToolName  string
	Arguments map[string]any
}

type ctxKey struct{}

// WithToolCall returns a context carrying tc as the active tool call.
func WithToolCall(ctx context.Context, tc ToolCallContext) context.Context {
	return context.WithValue(ctx, ctxKey{}, &tc)
}

// ToolCallFromContext returns the active tool call, or nil if none is set.
func ToolCallFromContext(ctx context.Context) *ToolCallContext {
	if v, ok := ctx.Value(ctxKey{}).(*ToolCallContext); ok {
		return v
	}
	return nil
}

// ClearToolCall returns a context with no active tool call, for callers
// that hold onto a long-lived context across tool boundaries and need to
// explicitly drop tracking once a tool completes.
func ClearToolCall(ctx context.Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, (*ToolCallContext)(nil))
}

// Tracker is a goroutine-safe fallback registry keyed by a logical task id,
// for call sites that cannot thread a context value through (e.g. a
// callback invoked from a library that does not accept one), grounded on
// the same need internal/mcp/context.go addresses with its header-bearing
// context keys.
type Tracker struct {
	mu    sync.Mutex
	calls map[string]*ToolCallContext
}

// NewTracker returns an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{calls: make(map[string]*ToolCallContext)}
}

// Track records the tool call active for taskID.
func (t *Tracker) Track(taskID string, tc ToolCallContext) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls[taskID] = &tc
}

// Clear drops the tool call tracked for taskID.
func (t *Tracker) Clear(taskID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.calls, taskID)
}

// Get returns the tool call tracked for taskID, or nil.
func (t *Tracker) Get(taskID string) *ToolCallContext {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls[taskID]
}
