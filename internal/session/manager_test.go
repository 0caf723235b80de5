package session

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/colombod/acp-runtime/acp/content"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	store := newFileStore(filepath.Join(t.TempDir(), "projects"))
	return NewManager(store, time.Minute)
}

func TestManagerCreate(t *testing.T) {
	mgr := newTestManager(t)

	sess, err := mgr.Create(context.Background(), Config{Bundle: "default", Cwd: "/work"}, "", true)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if sess.SessionID == "" {
		t.Fatal("expected generated session id")
	}
	if sess.State != StateReady {
		t.Errorf("State = %q, want %q (auto_init=true)", sess.State, StateReady)
	}

	got, ok := mgr.Get(sess.SessionID)
	if !ok || got != sess {
		t.Error("expected created session in active set")
	}
}

func TestManagerCreateNoAutoInit(t *testing.T) {
	mgr := newTestManager(t)

	sess, err := mgr.Create(context.Background(), Config{Bundle: "default"}, "fixed-id", false)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if sess.SessionID != "fixed-id" {
		t.Errorf("SessionID = %q, want %q", sess.SessionID, "fixed-id")
	}
	if sess.State != StateInitializing {
		t.Errorf("State = %q, want %q", sess.State, StateInitializing)
	}
}

func TestManagerCreatePersistsAndResumes(t *testing.T) {
	mgr := newTestManager(t)

	sess, err := mgr.Create(context.Background(), Config{Bundle: "default", Cwd: "/work"}, "persisted", true)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	// Drop it from the active set to force a store round trip.
	mgr.mu.Lock()
	delete(mgr.active, sess.SessionID)
	mgr.mu.Unlock()

	resumed, err := mgr.Resume("persisted")
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if resumed == nil {
		t.Fatal("expected resumed session")
	}
	if resumed.Cwd != "/work" {
		t.Errorf("Cwd = %q, want %q", resumed.Cwd, "/work")
	}
}

func TestManagerCreateMinimalSkipsPersistence(t *testing.T) {
	mgr := newTestManager(t)

	sess, err := mgr.CreateMinimal(context.Background(), "", "be terse")
	if err != nil {
		t.Fatalf("CreateMinimal() error = %v", err)
	}
	if sess.Bundle != "foundation" {
		t.Errorf("Bundle = %q, want foundation", sess.Bundle)
	}
	if len(sess.Messages) != 1 || sess.Messages[0].Role != "system" {
		t.Error("expected a single system message")
	}

	saved, err := mgr.store.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	for _, s := range saved {
		if s.SessionID == sess.SessionID {
			t.Error("minimal session must not be persisted")
		}
	}
}

func TestManagerResumeUnknownReturnsNil(t *testing.T) {
	mgr := newTestManager(t)

	sess, err := mgr.Resume("does-not-exist")
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if sess != nil {
		t.Error("expected nil session for unknown id")
	}
}

func TestManagerInjectAndClearContext(t *testing.T) {
	mgr := newTestManager(t)
	sess, err := mgr.Create(context.Background(), Config{Bundle: "default", Cwd: "/work", SystemPrompt: "you are terse"}, "ctx", true)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if err := mgr.InjectContext(sess.SessionID, "user", []content.ContentBlock{content.NewText("hello")}); err != nil {
		t.Fatalf("InjectContext() error = %v", err)
	}
	if len(sess.Messages) != 2 {
		t.Fatalf("len(Messages) = %d, want 2", len(sess.Messages))
	}

	if err := mgr.ClearContext(sess.SessionID, true); err != nil {
		t.Fatalf("ClearContext(preserveSystem=true) error = %v", err)
	}
	if len(sess.Messages) != 1 || sess.Messages[0].Role != "system" {
		t.Fatalf("expected only the system message to survive, got %+v", sess.Messages)
	}

	if err := mgr.ClearContext(sess.SessionID, false); err != nil {
		t.Fatalf("ClearContext(preserveSystem=false) error = %v", err)
	}
	if len(sess.Messages) != 0 {
		t.Errorf("expected empty message log, got %d messages", len(sess.Messages))
	}
}

func TestManagerListSaved(t *testing.T) {
	mgr := newTestManager(t)
	for i := 0; i < 3; i++ {
		if _, err := mgr.Create(context.Background(), Config{Bundle: "default", Cwd: "/work"}, "", true); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}

	list, err := mgr.ListSaved()
	if err != nil {
		t.Fatalf("ListSaved() error = %v", err)
	}
	if len(list) != 3 {
		t.Errorf("len(list) = %d, want 3", len(list))
	}
}

func TestManagerClose(t *testing.T) {
	mgr := newTestManager(t)
	sess, err := mgr.Create(context.Background(), Config{Bundle: "default", Cwd: "/work"}, "closeme", true)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if err := mgr.Close(sess.SessionID); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, ok := mgr.Get(sess.SessionID); ok {
		t.Error("closed session should leave the active set")
	}

	resumed, err := mgr.Resume(sess.SessionID)
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if resumed == nil || resumed.State != StateClosed {
		t.Error("expected persisted session to be marked closed")
	}
}

func TestManagerRecoverStaleSessions(t *testing.T) {
	mgr := newTestManager(t)
	fresh, err := mgr.Create(context.Background(), Config{Bundle: "default", Cwd: "/work"}, "fresh", true)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	stale, err := mgr.Create(context.Background(), Config{Bundle: "default", Cwd: "/work"}, "stale", true)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	stale.UpdatedAt = time.Now().Add(-2 * time.Hour)

	recovered := mgr.RecoverStaleSessions(time.Hour)
	if recovered != 1 {
		t.Errorf("recovered = %d, want 1", recovered)
	}
	if fresh.State == StateClosed {
		t.Error("fresh session should not be recovered")
	}
	if stale.State != StateClosed {
		t.Error("stale session should be closed")
	}
}

func TestManagerPruneClosed(t *testing.T) {
	mgr := newTestManager(t)

	old, err := mgr.Create(context.Background(), Config{Bundle: "default", Cwd: "/work"}, "old-closed", true)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := mgr.Close(old.SessionID); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	old.UpdatedAt = time.Now().Add(-2 * time.Hour)
	if err := mgr.store.Save(old); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	recent, err := mgr.Create(context.Background(), Config{Bundle: "default", Cwd: "/work"}, "recent-closed", true)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := mgr.Close(recent.SessionID); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	active, err := mgr.Create(context.Background(), Config{Bundle: "default", Cwd: "/work"}, "still-active", true)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	active.UpdatedAt = time.Now().Add(-2 * time.Hour)
	if err := mgr.store.Save(active); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	pruned, err := mgr.PruneClosed(time.Hour)
	if err != nil {
		t.Fatalf("PruneClosed() error = %v", err)
	}
	if pruned != 1 {
		t.Errorf("pruned = %d, want 1", pruned)
	}

	list, err := mgr.ListSaved()
	if err != nil {
		t.Fatalf("ListSaved() error = %v", err)
	}
	remaining := make(map[string]bool)
	for _, s := range list {
		remaining[s.SessionID] = true
	}
	if remaining["old-closed"] {
		t.Error("expected old closed session to be pruned")
	}
	if !remaining["recent-closed"] {
		t.Error("recent closed session should survive")
	}
	if !remaining["still-active"] {
		t.Error("active session should survive regardless of age")
	}
}

func TestManagerPruneClosedNoPersistence(t *testing.T) {
	t.Setenv(envNoPersist, "true")
	mgr := NewManager(nil, time.Minute)

	pruned, err := mgr.PruneClosed(time.Hour)
	if err != nil {
		t.Fatalf("PruneClosed() error = %v", err)
	}
	if pruned != 0 {
		t.Errorf("pruned = %d, want 0", pruned)
	}
}

func TestManagerKeepsIndexInSync(t *testing.T) {
	mgr := newTestManager(t)
	idx := NewSessionIndex(t.TempDir())
	mgr.SetIndex(idx)

	sess, err := mgr.Create(context.Background(), Config{Bundle: "default", Cwd: "/work"}, "indexed", true)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	entry, ok := idx.Get(sess.SessionID)
	if !ok {
		t.Fatal("expected session to be indexed on create")
	}
	if entry.Status != StateReady {
		t.Errorf("Status = %q, want %q", entry.Status, StateReady)
	}

	if err := mgr.SetState(sess.SessionID, StatePrompting); err != nil {
		t.Fatalf("SetState() error = %v", err)
	}
	entry, _ = idx.Get(sess.SessionID)
	if entry.Status != StatePrompting {
		t.Errorf("Status after SetState = %q, want %q", entry.Status, StatePrompting)
	}

	if err := mgr.Close(sess.SessionID); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	entry, _ = idx.Get(sess.SessionID)
	if entry.Status != StateClosed {
		t.Errorf("Status after Close = %q, want %q", entry.Status, StateClosed)
	}

	sess.UpdatedAt = time.Now().Add(-2 * time.Hour)
	if err := mgr.store.Save(sess); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if _, err := mgr.PruneClosed(time.Hour); err != nil {
		t.Fatalf("PruneClosed() error = %v", err)
	}
	if _, ok := idx.Get(sess.SessionID); ok {
		t.Error("expected pruned session to be removed from the index")
	}
}

func TestManagerConcurrentInjectContext(t *testing.T) {
	mgr := newTestManager(t)
	sess, err := mgr.Create(context.Background(), Config{Bundle: "default", Cwd: "/work"}, "concurrent", true)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = mgr.InjectContext(sess.SessionID, "user", []content.ContentBlock{content.NewText("hi")})
		}()
	}
	wg.Wait()

	if len(sess.Messages) != 10 {
		t.Errorf("len(Messages) = %d, want 10", len(sess.Messages))
	}
}

func TestGenerateSessionID(t *testing.T) {
	id1 := generateSessionID()
	id2 := generateSessionID()
	if id1 == id2 {
		t.Error("expected unique session ids")
	}
	if len(id1) < 16 {
		t.Errorf("session id too short: %q", id1)
	}
}

func TestResolveStoreEnvNoPersist(t *testing.T) {
	t.Setenv(envNoPersist, "true")
	if store := resolveStore(nil); store != nil {
		t.Error("expected nil store when AMPLIFIER_NO_PERSIST is set")
	}
}

func TestResolveStoreEnvStorageDir(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(envStorageDir, dir)
	store := resolveStore(nil)
	fs, ok := store.(*fileStore)
	if !ok {
		t.Fatalf("expected *fileStore, got %T", store)
	}
	if fs.root != dir {
		t.Errorf("root = %q, want %q", fs.root, dir)
	}
}

func TestResolveStoreExplicitTakesPrecedence(t *testing.T) {
	t.Setenv(envNoPersist, "true")
	explicit := newFileStore(t.TempDir())
	if store := resolveStore(explicit); store != explicit {
		t.Error("explicit store should win over AMPLIFIER_NO_PERSIST")
	}
}
