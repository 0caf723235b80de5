// Package clienttools implements client-side tool proxies (spec.md's
// DESIGN NOTES supplement, from original_source's client_tools.py):
// tools whose schema is declared to the agent but whose handler runs on
// the connected client, not in this runtime. A Proxy never executes
// locally; it emits a tool:call hook event and blocks until the client
// answers with a result, mirroring original_source's
// ClientToolProxy/register_client_tools architecture. Grounded on the
// teacher's internal/mcp/registry.go ToolHandler shape, generalized to a
// handler that defers to the hook bus instead of running in-process. The
// asynchronous answer is correlated through Proxy's own pending map of
// per-call result channels.
package clienttools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/colombod/acp-runtime/acp/hooks"
)

// Result is what the client reports back for a proxied tool call.
type Result struct {
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Proxy implements the Amplifier tool protocol for a single client-side
// tool: its schema is visible to the agent, but Execute never runs the
// tool itself. It emits a tool:call event on the hook bus and waits for a
// matching Resolve call.
type Proxy struct {
	name        string
	description string
	inputSchema map[string]any

	bus *hooks.Bus

	mu      sync.Mutex
	pending map[string]chan Result
}

// NewProxy creates a client tool proxy. schema is the JSON Schema for the
// tool's parameters, as declared by the client; a nil schema defaults to
// an open object per original_source's register_client_tools.
func NewProxy(name, description string, schema map[string]any, bus *hooks.Bus) *Proxy {
	if schema == nil {
		schema = map[string]any{"type": "object"}
	}
	return &Proxy{
		name:        name,
		description: description,
		inputSchema: schema,
		bus:         bus,
		pending:     make(map[string]chan Result),
	}
}

// Name returns the tool's name.
func (p *Proxy) Name() string { return p.name }

// Description returns the tool's description.
func (p *Proxy) Description() string { return p.description }

// InputSchema returns the tool's parameter schema.
func (p *Proxy) InputSchema() map[string]any { return p.inputSchema }

// Execute emits a tool:call event carrying this tool's name and arguments
// and blocks until Resolve is called with the matching call id, or ctx is
// cancelled. It never runs the tool locally; if the hook bus has no
// listener capable of answering, the call will hang until ctx expires, so
// callers should always pass a context with a deadline.
func (p *Proxy) Execute(ctx context.Context, callID string, arguments json.RawMessage) (*Result, error) {
	ch := p.register(callID)
	defer p.cancel(callID)

	var args map[string]any
	if len(arguments) > 0 {
		if err := json.Unmarshal(arguments, &args); err != nil {
			return nil, fmt.Errorf("clienttools: invalid arguments for %s: %w", p.name, err)
		}
	}

	if err := p.bus.Emit(ctx, "tool:call", map[string]any{
		"call_id":   callID,
		"name":      p.name,
		"arguments": args,
	}); err != nil {
		return nil, fmt.Errorf("clienttools: emit tool:call for %s: %w", p.name, err)
	}

	select {
	case result, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("clienttools: call %s to %s cancelled", callID, p.name)
		}
		return &result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Resolve delivers the client's result for a pending call id. Returns
// false if no call with that id is outstanding (already resolved, timed
// out, or never issued).
func (p *Proxy) Resolve(callID string, result Result) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch, ok := p.pending[callID]
	if !ok {
		return false
	}
	select {
	case ch <- result:
	default:
	}
	delete(p.pending, callID)
	return true
}

func (p *Proxy) register(callID string) chan Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan Result, 1)
	p.pending[callID] = ch
	return ch
}

func (p *Proxy) cancel(callID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ch, ok := p.pending[callID]; ok {
		close(ch)
		delete(p.pending, callID)
	}
}

// Registry tracks every client-side tool proxy registered on a session,
// grounded on register_client_tools's per-session tool list and the
// teacher's Registry.order registration-order guarantee.
type Registry struct {
	mu      sync.RWMutex
	order   []string
	proxies map[string]*Proxy
}

// NewRegistry creates an empty client-tool registry.
func NewRegistry() *Registry {
	return &Registry{proxies: make(map[string]*Proxy)}
}

// Register mounts a client tool definition, creating its Proxy. Matches
// original_source's register_client_tools: a missing name is skipped
// rather than erroring, since tool schemas arrive from an external,
// untrusted bundle definition.
func (r *Registry) Register(def ToolDefinition, bus *hooks.Bus) *Proxy {
	if def.Name == "" {
		return nil
	}
	proxy := NewProxy(def.Name, def.Description, def.Parameters, bus)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.proxies[def.Name]; !exists {
		r.order = append(r.order, def.Name)
	}
	r.proxies[def.Name] = proxy
	return proxy
}

// ToolDefinition is a client-declared tool schema, as sent by the SDK in
// a bundle definition's clientTools list.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Get returns a registered proxy by name.
func (r *Registry) Get(name string) (*Proxy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.proxies[name]
	return p, ok
}

// Names returns registered tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.order))
	copy(names, r.order)
	return names
}

// pendingTimeout bounds how long Execute waits when a caller doesn't
// supply its own deadline; mirrors the per-request timeout spec.md §5
// requires for permission requests, applied here to client-tool calls.
const pendingTimeout = 2 * time.Minute

// ExecuteWithDefaultTimeout runs Execute with pendingTimeout applied if
// ctx carries no deadline of its own.
func (p *Proxy) ExecuteWithDefaultTimeout(ctx context.Context, callID string, arguments json.RawMessage) (*Result, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, pendingTimeout)
		defer cancel()
	}
	return p.Execute(ctx, callID, arguments)
}
