// Package spawn implements spec.md §4.7's spawn manager: forking a child
// session from a parent to delegate work to a named agent, forwarding the
// child's event stream into the parent's hook bus so streaming stays
// coherent across delegation boundaries. Grounded directly on the
// teacher's internal/mcp/socket_handler.go child-session spawning pattern
// (childSession tracking, handleSessionMessage's async child creation),
// restructured around acp/hooks events instead of direct socket writes.
package spawn

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/colombod/acp-runtime/acp/hooks"
	"github.com/colombod/acp-runtime/acp/metrics"
	"github.com/colombod/acp-runtime/internal/session"
)

// forwardedEventTypes are the internal event types forwarded to the
// parent's hook bus per spec.md §4.7 step 4. Everything else (thinking,
// todo updates, runtime lifecycle noise) stays local to the child.
var forwardedEventTypes = map[string]bool{
	"content_block:start": true,
	"content_block:delta": true,
	"content_block:end":   true,
	"tool:pre":            true,
	"tool:post":           true,
	"tool:error":          true,
}

// AgentRuntime starts execution of a spawned child session. Spawning the
// process/LLM call that actually performs the delegated work is the
// embedding agent runtime's job, out of this repo's scope; AgentRuntime is
// the seam it plugs into.
type AgentRuntime interface {
	Execute(ctx context.Context, childSessionID, agentName, instruction string) (session.RuntimeExecutor, error)
}

// Status is a spawn's lifecycle status.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Spawn tracks one live or completed delegation.
type Spawn struct {
	ChildID          string
	ParentID         string
	AgentName        string
	Instruction      string
	ParentToolCallID string
	NestingDepth     int
	StartedAt        time.Time
	CompletedAt      time.Time
	Status           Status
	Error            string

	mu       sync.Mutex
	executor session.RuntimeExecutor
}

// Request describes a spawn(agent_name, instruction, parent_session, …)
// call.
type Request struct {
	ParentSessionID  string
	AgentName        string
	Instruction      string
	ParentToolCallID string
	ChildID          string // optional caller-supplied id
	ParentDepth      int    // parent's own nesting_depth, 0 for a top-level session
}

// Result is the tool-visible outcome of a spawn call.
type Result struct {
	Status    string `json:"status"`
	SessionID string `json:"session_id"`
	Error     string `json:"error,omitempty"`
}

// Manager creates and tracks spawned child sessions, grounded on the
// teacher's SocketHandler.childSessions map and childCounter, generalized
// from a monotonic counter to random sub_<12 hex> ids since spawns here
// are not scoped to one socket connection.
type Manager struct {
	sessions *session.Manager
	runtime  AgentRuntime
	bus      *hooks.Bus

	mu     sync.RWMutex
	spawns map[string]*Spawn
}

// NewManager creates a spawn manager. bus is the shared hook bus spawns
// and forwarders emit on; runtime is the embedding agent runtime's
// execution seam.
func NewManager(sessions *session.Manager, runtime AgentRuntime, bus *hooks.Bus) *Manager {
	return &Manager{
		sessions: sessions,
		runtime:  runtime,
		bus:      bus,
		spawns:   make(map[string]*Spawn),
	}
}

func generateChildID() string {
	id := uuid.New()
	return fmt.Sprintf("sub_%x", id[:6])
}

// Spawn delegates a task to a named agent per spec.md §4.7: generates a
// child id, emits session:fork, creates the child session, starts
// execution, forwards the child's content/tool events to the parent
// (annotated and depth-incremented), and emits session:join on
// completion. Spawn returns as soon as the child session is created and
// running; it does not block for the delegated work to finish.
func (m *Manager) Spawn(ctx context.Context, req Request) (*Result, error) {
	childID := req.ChildID
	if childID == "" {
		childID = generateChildID()
	}
	depth := req.ParentDepth + 1

	_ = m.bus.Emit(ctx, "session:fork", map[string]any{
		"parent_id":           req.ParentSessionID,
		"child_id":            childID,
		"parent_tool_call_id": req.ParentToolCallID,
		"agent":               req.AgentName,
	})

	parentID := req.ParentSessionID
	childCfg := session.Config{
		Bundle:          req.AgentName,
		ParentSessionID: &parentID,
		Depth:           depth,
		SystemPrompt:    req.Instruction,
	}
	if _, err := m.sessions.Create(ctx, childCfg, childID, true); err != nil {
		metrics.RecordSpawn("error")
		_ = m.bus.Emit(ctx, "session:join", map[string]any{
			"parent_id": req.ParentSessionID,
			"child_id":  childID,
			"status":    "error",
			"error":     err.Error(),
		})
		return &Result{Status: "error", SessionID: childID, Error: err.Error()}, nil
	}

	sp := &Spawn{
		ChildID:          childID,
		ParentID:         req.ParentSessionID,
		AgentName:        req.AgentName,
		Instruction:      req.Instruction,
		ParentToolCallID: req.ParentToolCallID,
		NestingDepth:     depth,
		StartedAt:        time.Now(),
		Status:           StatusRunning,
	}
	m.mu.Lock()
	m.spawns[childID] = sp
	m.mu.Unlock()

	executor, err := m.runtime.Execute(ctx, childID, req.AgentName, req.Instruction)
	if err != nil {
		m.finish(ctx, sp, err)
		return &Result{Status: "error", SessionID: childID, Error: err.Error()}, nil
	}

	sp.mu.Lock()
	sp.executor = executor
	sp.mu.Unlock()

	metrics.RecordSpawn("running")
	go m.forward(ctx, sp, executor)

	return &Result{Status: "running", SessionID: childID}, nil
}

// forward re-emits the child executor's content_block/tool events onto the
// parent's hook bus, annotated per spec.md §4.7 step 4, until the executor
// finishes; then emits session:join.
func (m *Manager) forward(ctx context.Context, sp *Spawn, executor session.RuntimeExecutor) {
	events := executor.Events()
	errs := executor.Errors()
	done := executor.Done()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if !forwardedEventTypes[ev.Type] {
				continue
			}
			data := make(map[string]any, len(ev.Props)+4)
			for k, v := range ev.Props {
				data[k] = v
			}
			data["child_session_id"] = sp.ChildID
			data["parent_tool_call_id"] = sp.ParentToolCallID
			data["agent_name"] = sp.AgentName
			data["nesting_depth"] = sp.NestingDepth
			_ = m.bus.Emit(ctx, ev.Type, data)
		case err := <-errs:
			if err != nil {
				m.finish(ctx, sp, err)
				return
			}
		case <-done:
			_, err := executor.Wait()
			m.finish(ctx, sp, err)
			return
		case <-ctx.Done():
			m.finish(ctx, sp, ctx.Err())
			return
		}
	}
}

func (m *Manager) finish(ctx context.Context, sp *Spawn, err error) {
	sp.mu.Lock()
	sp.CompletedAt = time.Now()
	if err != nil {
		sp.Status = StatusFailed
		sp.Error = err.Error()
	} else {
		sp.Status = StatusCompleted
	}
	sp.mu.Unlock()

	metrics.RecordSpawn(string(sp.Status))

	payload := map[string]any{
		"parent_id": sp.ParentID,
		"child_id":  sp.ChildID,
	}
	if err != nil {
		payload["status"] = "error"
		payload["error"] = err.Error()
	} else {
		payload["status"] = "success"
	}
	_ = m.bus.Emit(ctx, "session:join", payload)
}

// Get returns a tracked spawn by child id.
func (m *Manager) Get(childID string) (*Spawn, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sp, ok := m.spawns[childID]
	return sp, ok
}

// CancelSpawn cancels a live spawn's executor, if present. Returns an
// error if the spawn is unknown; cancelling an already-finished spawn is a
// no-op.
func (m *Manager) CancelSpawn(childID string) error {
	m.mu.RLock()
	sp, ok := m.spawns[childID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("spawn %s not found", childID)
	}

	sp.mu.Lock()
	executor := sp.executor
	finished := sp.Status != StatusRunning
	sp.mu.Unlock()
	if executor == nil || finished {
		return nil
	}
	return executor.Cancel()
}
