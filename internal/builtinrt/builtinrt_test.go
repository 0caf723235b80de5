package builtinrt

import (
	"context"
	"testing"
	"time"
)

func recvEvent(t *testing.T, ex *executor, timeout time.Duration) (string, map[string]any) {
	t.Helper()
	select {
	case ev := <-ex.Events():
		return ev.Type, ev.Props
	case <-time.After(timeout):
		t.Fatal("timed out waiting for event")
		return "", nil
	}
}

func TestExecuteEmitsDeltaThenComplete(t *testing.T) {
	rt := New()
	execIface, err := rt.Execute(context.Background(), "child_1", "researcher", "hello there")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	ex := execIface.(*executor)

	typ, props := recvEvent(t, ex, time.Second)
	if typ != "content_block:delta" {
		t.Fatalf("first event type = %q, want content_block:delta", typ)
	}
	delta, ok := props["delta"].(map[string]any)
	if !ok {
		t.Fatalf("delta prop missing or wrong type: %#v", props)
	}
	if delta["text"] != "echo: hello there" {
		t.Errorf("delta text = %v, want %q", delta["text"], "echo: hello there")
	}

	typ, _ = recvEvent(t, ex, time.Second)
	if typ != "execution:complete" {
		t.Fatalf("second event type = %q, want execution:complete", typ)
	}
}

func TestDoneOnlyClosesOnClose(t *testing.T) {
	rt := New()
	execIface, err := rt.Execute(context.Background(), "child_2", "researcher", "first turn")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	ex := execIface.(*executor)

	// drain the first turn's events
	recvEvent(t, ex, time.Second)
	recvEvent(t, ex, time.Second)

	select {
	case <-ex.Done():
		t.Fatal("Done() closed before Close() was called")
	case <-time.After(50 * time.Millisecond):
	}

	if err := ex.SendMessage("second turn"); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	typ, props := recvEvent(t, ex, time.Second)
	if typ != "content_block:delta" {
		t.Fatalf("type = %q, want content_block:delta", typ)
	}
	delta := props["delta"].(map[string]any)
	if delta["text"] != "echo: second turn" {
		t.Errorf("delta text = %v, want echo: second turn", delta["text"])
	}
	recvEvent(t, ex, time.Second) // execution:complete

	select {
	case <-ex.Done():
		t.Fatal("Done() closed before Close() was called")
	case <-time.After(50 * time.Millisecond):
	}

	if err := ex.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	select {
	case <-ex.Done():
	default:
		t.Fatal("Done() did not close after Close()")
	}

	if err := ex.SendMessage("after close"); err == nil {
		t.Error("expected SendMessage after Close to error")
	}

	// Close is idempotent.
	if err := ex.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
}

func TestRuntimeSessionIDAndWait(t *testing.T) {
	rt := New()
	execIface, err := rt.Execute(context.Background(), "child_3", "coder", "noop")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	ex := execIface.(*executor)

	if got := ex.RuntimeSessionID(); got != "child_3" {
		t.Errorf("RuntimeSessionID() = %q, want child_3", got)
	}
	if code, err := ex.Wait(); code != 0 || err != nil {
		t.Errorf("Wait() = (%d, %v), want (0, nil)", code, err)
	}
	if err := ex.Cancel(); err != nil {
		t.Errorf("Cancel() error = %v, want nil", err)
	}
}
