// Package hooks implements a priority-ordered event bus that lets
// independent parts of the runtime (spawn tracking, client-side tool
// proxies, audit logging) observe lifecycle events without the emitting
// code knowing who's listening.
package hooks

import (
	"context"
	"sort"
	"sync"
)

// HookFunc handles a single hook event. Returning an error does not stop
// later handlers from running; Emit collects and returns every error.
type HookFunc func(ctx context.Context, event string, data map[string]any) error

type registration struct {
	name     string
	priority int
	handler  HookFunc
	seq      int // registration order, breaks priority ties
}

// Bus dispatches named events to registered handlers in ascending
// priority order (lower runs earlier), matching registration order
// within a priority tier. Grounded on the teacher's Registry, which
// preserves tool registration order the same way; here that ordering
// concern is generalized from "tool lookup order" to "handler dispatch
// order" and a priority dimension is added since multiple hook consumers
// can care about the same event.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]*registration
	seq      int
}

// NewBus creates an empty hook bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[string][]*registration)}
}

// Register adds a named handler for event, ordered by priority (lower
// runs earlier) then by registration order.
func (b *Bus) Register(event string, priority int, name string, handler HookFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	reg := &registration{name: name, priority: priority, handler: handler, seq: b.seq}
	regs := append(b.handlers[event], reg)
	sort.SliceStable(regs, func(i, j int) bool {
		if regs[i].priority != regs[j].priority {
			return regs[i].priority < regs[j].priority
		}
		return regs[i].seq < regs[j].seq
	})
	b.handlers[event] = regs
}

// Unregister removes a named handler from an event.
func (b *Bus) Unregister(event, name string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	regs := b.handlers[event]
	for i, r := range regs {
		if r.name == name {
			b.handlers[event] = append(regs[:i], regs[i+1:]...)
			return
		}
	}
}

// Emit runs every handler registered for event, in priority order,
// passing data to each. All handlers run even if earlier ones error;
// Emit returns a HookErrors aggregating any failures, or nil.
func (b *Bus) Emit(ctx context.Context, event string, data map[string]any) error {
	b.mu.RLock()
	regs := make([]*registration, len(b.handlers[event]))
	copy(regs, b.handlers[event])
	b.mu.RUnlock()

	var errs HookErrors
	for _, r := range regs {
		if err := r.handler(ctx, event, data); err != nil {
			errs = append(errs, HookError{Name: r.name, Event: event, Err: err})
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

// HookError records a single handler's failure.
type HookError struct {
	Name  string
	Event string
	Err   error
}

func (e HookError) Error() string {
	return e.Name + " (" + e.Event + "): " + e.Err.Error()
}

// HookErrors aggregates failures from multiple handlers of the same
// Emit call.
type HookErrors []HookError

func (e HookErrors) Error() string {
	if len(e) == 1 {
		return e[0].Error()
	}
	msg := e[0].Error()
	for _, he := range e[1:] {
		msg += "; " + he.Error()
	}
	return msg
}
