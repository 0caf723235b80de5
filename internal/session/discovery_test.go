package session

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestEncodeDecodeProjectPathRoundtrip(t *testing.T) {
	cases := []string{"/home/user/project", "/tmp", "/a/b/c/d"}
	for _, cwd := range cases {
		encoded := EncodeProjectPath(cwd)
		if encoded[0] != '-' {
			t.Fatalf("encoded path must start with '-', got %q", encoded)
		}
		decoded := DecodeProjectPath(encoded)
		if decoded != cwd {
			t.Fatalf("roundtrip mismatch for %q: got %q", cwd, decoded)
		}
	}
}

func TestEncodeProjectPathExample(t *testing.T) {
	if got := EncodeProjectPath("/home/user/project"); got != "-home-user-project" {
		t.Fatalf("unexpected encoding: %q", got)
	}
}

func withTempHome(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	orig := homeDir
	homeDir = func() (string, error) { return dir, nil }
	t.Cleanup(func() { homeDir = orig })
	return dir
}

func TestDiscoverSessionsReadsMetadata(t *testing.T) {
	home := withTempHome(t)
	cwd := "/home/user/project"
	sessDir := filepath.Join(home, ProjectsDirName, EncodeProjectPath(cwd), "sessions", "abc123")
	if err := os.MkdirAll(sessDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	meta := map[string]any{
		"session_id": "abc123",
		"cwd":        cwd,
		"updated":    "2026-01-02T00:00:00Z",
		"state":      "ready",
	}
	data, _ := json.Marshal(meta)
	if err := os.WriteFile(filepath.Join(sessDir, "metadata.json"), data, 0o644); err != nil {
		t.Fatalf("write metadata: %v", err)
	}

	sessions, err := DiscoverSessions("", 50)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("expected one session, got %d", len(sessions))
	}
	if sessions[0].SessionID != "abc123" || sessions[0].State != "ready" {
		t.Fatalf("unexpected session: %+v", sessions[0])
	}
}

func TestDiscoverSessionsMissingMetadataStillReturnsMinimalEntry(t *testing.T) {
	home := withTempHome(t)
	cwd := "/home/user/project"
	sessDir := filepath.Join(home, ProjectsDirName, EncodeProjectPath(cwd), "sessions", "sub_deadbeef-agent")
	if err := os.MkdirAll(sessDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	sessions, err := DiscoverSessions(cwd, 50)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("expected one session, got %d", len(sessions))
	}
	if !sessions[0].IsChild {
		t.Fatalf("expected child heuristic to trigger on %q", sessions[0].SessionID)
	}
}

func TestFindSessionDirectoryWithCwdHint(t *testing.T) {
	home := withTempHome(t)
	cwd := "/home/user/project"
	sessDir := filepath.Join(home, ProjectsDirName, EncodeProjectPath(cwd), "sessions", "xyz")
	if err := os.MkdirAll(sessDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	found, ok := FindSessionDirectory("xyz", cwd)
	if !ok || found != sessDir {
		t.Fatalf("expected to find %q, got %q ok=%v", sessDir, found, ok)
	}
}

func TestFindSessionDirectoryScansAllProjectsWithoutHint(t *testing.T) {
	home := withTempHome(t)
	cwd := "/home/user/project"
	sessDir := filepath.Join(home, ProjectsDirName, EncodeProjectPath(cwd), "sessions", "xyz")
	if err := os.MkdirAll(sessDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	found, ok := FindSessionDirectory("xyz", "")
	if !ok || found != sessDir {
		t.Fatalf("expected to find %q, got %q ok=%v", sessDir, found, ok)
	}
}
