// Package builtinrt is the default spawn.AgentRuntime cmd/acp-agent wires up
// when no external reasoning loop is configured. spec.md §1 explicitly puts
// "the agent's own reasoning loop (LLM provider clients, context
// accumulation, tool execution)" out of this repo's scope; this package is
// the seam a real implementation plugs into, not a provider itself. It
// echoes the prompt back as a single agent_message_chunk and ends the turn,
// which is enough to drive the protocol end to end (initialize, new_session,
// prompt, session/update, cancel) without any external dependency.
//
// Grounded on internal/agent/opencode.StreamingExecutor's channel-pump shape
// (eventsCh/errorsCh/doneCh fed by a single goroutine), reduced to
// session.RuntimeExecutor's narrower surface and eventmap.Event's
// Type/Props pair instead of agent.StreamEvent.
package builtinrt

import (
	"context"
	"fmt"
	"sync"

	"github.com/colombod/acp-runtime/acp/eventmap"
	"github.com/colombod/acp-runtime/acp/spawn"
	"github.com/colombod/acp-runtime/internal/session"
)

// Runtime implements spawn.AgentRuntime by handing every session an echo
// executor.
type Runtime struct{}

var _ spawn.AgentRuntime = (*Runtime)(nil)

// New returns a Runtime.
func New() *Runtime { return &Runtime{} }

// Execute starts an echo executor for instruction. childSessionID and
// agentName are accepted only to satisfy spawn.AgentRuntime; the echo
// executor ignores delegation targets and answers every session the same
// way.
func (r *Runtime) Execute(_ context.Context, childSessionID, _ string, instruction string) (session.RuntimeExecutor, error) {
	e := &executor{
		sessionID: childSessionID,
		events:    make(chan eventmap.Event, 8),
		errors:    make(chan error, 1),
		done:      make(chan struct{}),
	}
	e.runTurn(instruction)
	return e, nil
}

// executor implements session.RuntimeExecutor by replaying whatever message
// it is sent as a single content_block:delta update followed by
// execution:complete.
type executor struct {
	sessionID string
	events    chan eventmap.Event
	errors    chan error
	done      chan struct{}

	mu     sync.Mutex
	closed bool
}

var _ session.RuntimeExecutor = (*executor)(nil)

func (e *executor) runTurn(message string) {
	go func() {
		e.events <- eventmap.Event{
			Type: "content_block:delta",
			Props: map[string]any{
				"delta": map[string]any{"text": fmt.Sprintf("echo: %s", message)},
			},
		}
		e.events <- eventmap.Event{Type: "execution:complete"}
	}()
}

// SendMessage starts a new echo turn for an already-running session
// (continuation of a multi-prompt conversation).
func (e *executor) SendMessage(message string) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return fmt.Errorf("builtinrt: executor closed")
	}
	e.mu.Unlock()
	e.runTurn(message)
	return nil
}

// Cancel is a no-op: an echo turn is two buffered channel sends from a
// goroutine, with no long-running work to interrupt.
func (e *executor) Cancel() error { return nil }

func (e *executor) Events() <-chan eventmap.Event { return e.events }

func (e *executor) Errors() <-chan error { return e.errors }

func (e *executor) Done() <-chan struct{} { return e.done }

// Wait never returns a non-zero exit: the echo runtime cannot fail.
func (e *executor) Wait() (int, error) { return 0, nil }

func (e *executor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	close(e.done)
	return nil
}

func (e *executor) RuntimeSessionID() string { return e.sessionID }
