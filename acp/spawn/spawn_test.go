package spawn

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/colombod/acp-runtime/acp/eventmap"
	"github.com/colombod/acp-runtime/acp/hooks"
	"github.com/colombod/acp-runtime/internal/session"
)

type fakeExecutor struct {
	events chan eventmap.Event
	errs   chan error
	done   chan struct{}
	cancel chan struct{}
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{
		events: make(chan eventmap.Event, 16),
		errs:   make(chan error, 1),
		done:   make(chan struct{}),
		cancel: make(chan struct{}, 1),
	}
}

func (f *fakeExecutor) SendMessage(string) error { return nil }
func (f *fakeExecutor) Cancel() error {
	select {
	case f.cancel <- struct{}{}:
	default:
	}
	return nil
}
func (f *fakeExecutor) Events() <-chan eventmap.Event { return f.events }
func (f *fakeExecutor) Errors() <-chan error          { return f.errs }
func (f *fakeExecutor) Done() <-chan struct{}         { return f.done }
func (f *fakeExecutor) Wait() (int, error)            { return 0, nil }
func (f *fakeExecutor) Close() error                  { return nil }
func (f *fakeExecutor) RuntimeSessionID() string      { return "fake" }

func (f *fakeExecutor) finish() {
	close(f.done)
}

type fakeRuntime struct {
	mu        sync.Mutex
	executors map[string]*fakeExecutor
	failWith  error
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{executors: make(map[string]*fakeExecutor)}
}

func (r *fakeRuntime) Execute(ctx context.Context, childSessionID, agentName, instruction string) (session.RuntimeExecutor, error) {
	if r.failWith != nil {
		return nil, r.failWith
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	exec := newFakeExecutor()
	r.executors[childSessionID] = exec
	return exec, nil
}

func (r *fakeRuntime) executorFor(id string) *fakeExecutor {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.executors[id]
}

func newTestManager(t *testing.T) (*Manager, *fakeRuntime, *hooks.Bus) {
	t.Helper()
	t.Setenv("AMPLIFIER_NO_PERSIST", "true")
	store := session.NewManager(nil, time.Minute)
	runtime := newFakeRuntime()
	bus := hooks.NewBus()
	return NewManager(store, runtime, bus), runtime, bus
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestSpawnEmitsForkAndCreatesChild(t *testing.T) {
	mgr, _, bus := newTestManager(t)

	var forked map[string]any
	var mu sync.Mutex
	bus.Register("session:fork", 0, "capture", func(ctx context.Context, event string, data map[string]any) error {
		mu.Lock()
		forked = data
		mu.Unlock()
		return nil
	})

	result, err := mgr.Spawn(context.Background(), Request{
		ParentSessionID:  "parent_1",
		AgentName:        "researcher",
		Instruction:      "find the bug",
		ParentToolCallID: "tool_call_1",
	})
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	if result.Status != "running" {
		t.Fatalf("Status = %q, want running", result.Status)
	}
	if result.SessionID == "" {
		t.Fatal("expected non-empty session id")
	}

	mu.Lock()
	defer mu.Unlock()
	if forked == nil {
		t.Fatal("expected session:fork to be emitted")
	}
	if forked["agent"] != "researcher" {
		t.Errorf("forked[agent] = %v, want researcher", forked["agent"])
	}
	if forked["child_id"] != result.SessionID {
		t.Errorf("forked[child_id] = %v, want %v", forked["child_id"], result.SessionID)
	}

	sp, ok := mgr.Get(result.SessionID)
	if !ok {
		t.Fatal("expected spawn to be tracked")
	}
	if sp.NestingDepth != 1 {
		t.Errorf("NestingDepth = %d, want 1", sp.NestingDepth)
	}
}

func TestSpawnForwardsAnnotatedEvents(t *testing.T) {
	mgr, runtime, bus := newTestManager(t)

	var got map[string]any
	var mu sync.Mutex
	bus.Register("tool:pre", 0, "capture", func(ctx context.Context, event string, data map[string]any) error {
		mu.Lock()
		got = data
		mu.Unlock()
		return nil
	})

	result, err := mgr.Spawn(context.Background(), Request{
		ParentSessionID:  "parent_2",
		AgentName:        "coder",
		Instruction:      "fix it",
		ParentToolCallID: "tool_call_2",
	})
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}

	exec := runtime.executorFor(result.SessionID)
	if exec == nil {
		t.Fatal("expected executor to be registered")
	}
	exec.events <- eventmap.Event{Type: "tool:pre", Props: map[string]any{"call_id": "c1"}}

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got != nil
	})

	mu.Lock()
	defer mu.Unlock()
	if got["child_session_id"] != result.SessionID {
		t.Errorf("child_session_id = %v, want %v", got["child_session_id"], result.SessionID)
	}
	if got["parent_tool_call_id"] != "tool_call_2" {
		t.Errorf("parent_tool_call_id = %v, want tool_call_2", got["parent_tool_call_id"])
	}
	if got["nesting_depth"] != 1 {
		t.Errorf("nesting_depth = %v, want 1", got["nesting_depth"])
	}
	if got["call_id"] != "c1" {
		t.Errorf("call_id = %v, want c1 (original props preserved)", got["call_id"])
	}
}

func TestSpawnEmitsJoinOnCompletion(t *testing.T) {
	mgr, runtime, bus := newTestManager(t)

	joined := make(chan map[string]any, 1)
	bus.Register("session:join", 0, "capture", func(ctx context.Context, event string, data map[string]any) error {
		joined <- data
		return nil
	})

	result, err := mgr.Spawn(context.Background(), Request{
		ParentSessionID: "parent_3",
		AgentName:       "reviewer",
		Instruction:     "review it",
	})
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}

	exec := runtime.executorFor(result.SessionID)
	exec.finish()

	select {
	case data := <-joined:
		if data["status"] != "success" {
			t.Errorf("status = %v, want success", data["status"])
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for session:join")
	}
}

func TestSpawnEmitsJoinErrorOnExecuteFailure(t *testing.T) {
	mgr, runtime, bus := newTestManager(t)
	runtime.failWith = errors.New("no capacity")

	joined := make(chan map[string]any, 1)
	bus.Register("session:join", 0, "capture", func(ctx context.Context, event string, data map[string]any) error {
		joined <- data
		return nil
	})

	result, err := mgr.Spawn(context.Background(), Request{
		ParentSessionID: "parent_4",
		AgentName:       "researcher",
		Instruction:     "find the bug",
	})
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	if result.Status != "error" {
		t.Fatalf("Status = %q, want error", result.Status)
	}

	select {
	case data := <-joined:
		if data["status"] != "error" {
			t.Errorf("status = %v, want error", data["status"])
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for session:join")
	}
}

func TestCancelSpawnCallsExecutorCancel(t *testing.T) {
	mgr, runtime, _ := newTestManager(t)

	result, err := mgr.Spawn(context.Background(), Request{
		ParentSessionID: "parent_5",
		AgentName:       "researcher",
		Instruction:     "find the bug",
	})
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}

	exec := runtime.executorFor(result.SessionID)
	waitFor(t, time.Second, func() bool {
		sp, ok := mgr.Get(result.SessionID)
		return ok && sp != nil
	})

	if err := mgr.CancelSpawn(result.SessionID); err != nil {
		t.Fatalf("CancelSpawn() error = %v", err)
	}

	select {
	case <-exec.cancel:
	case <-time.After(time.Second):
		t.Fatal("expected executor.Cancel() to be called")
	}
}

func TestCancelSpawnUnknownErrors(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	if err := mgr.CancelSpawn("sub_unknown"); err == nil {
		t.Error("expected error for unknown spawn")
	}
}
