package session

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ProjectsDirName is the directory under the user's home that holds every
// project's persisted sessions, per the on-disk layout
// <home>/.amplifier/projects/<encoded_cwd>/sessions/<session_id>/.
const ProjectsDirName = ".amplifier/projects"

// EncodeProjectPath encodes a working directory into Amplifier's project
// directory name format: '/' becomes '-', and the result always starts
// with '-' since Unix paths do. This codec is lossy by design (a literal
// '-' in a path component is indistinguishable from a path separator on
// decode); see the Open Question decision in DESIGN.md.
func EncodeProjectPath(cwd string) string {
	normalized := filepath.Clean(cwd)
	encoded := strings.NewReplacer("/", "-", "\\", "-").Replace(normalized)
	if !strings.HasPrefix(encoded, "-") {
		encoded = "-" + encoded
	}
	return encoded
}

// DecodeProjectPath reverses EncodeProjectPath on a best-effort basis.
func DecodeProjectPath(encoded string) string {
	encoded = strings.TrimPrefix(encoded, "-")
	return "/" + strings.ReplaceAll(encoded, "-", "/")
}

// DiscoveredSession is a lightweight view of a persisted session found on
// disk, independent of whether its metadata.json parsed cleanly.
type DiscoveredSession struct {
	SessionID string `json:"session_id"`
	Cwd       string `json:"cwd"`
	Name      string `json:"name,omitempty"`
	Created   string `json:"created,omitempty"`
	Updated   string `json:"updated,omitempty"`
	TurnCount int    `json:"turn_count"`
	State     string `json:"state"`
	Bundle    string `json:"bundle,omitempty"`

	// IsChild is a best-effort heuristic (an authoritative ParentSessionID
	// on Session takes precedence wherever both are available).
	IsChild bool `json:"is_child"`
}

// homeDir is overridable in tests.
var homeDir = func() (string, error) { return os.UserHomeDir() }

func projectsDir() (string, error) {
	home, err := homeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ProjectsDirName), nil
}

// DiscoverSessions scans every (or, if cwd is non-empty, one) project
// directory for persisted sessions, returning at most limit entries sorted
// by updated/created time descending.
func DiscoverSessions(cwd string, limit int) ([]DiscoveredSession, error) {
	root, err := projectsDir()
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(root); err != nil {
		return nil, nil
	}

	dirs, err := projectDirs(root, cwd)
	if err != nil {
		return nil, err
	}

	var sessions []DiscoveredSession
	for _, pd := range dirs {
		sessionsDir := filepath.Join(pd.path, "sessions")
		entries, err := os.ReadDir(sessionsDir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			info, ok := loadSessionMetadata(filepath.Join(sessionsDir, e.Name()), pd.cwd)
			if ok {
				sessions = append(sessions, info)
			}
			if len(sessions) >= limit {
				break
			}
		}
		if len(sessions) >= limit {
			break
		}
	}

	sort.SliceStable(sessions, func(i, j int) bool {
		return sessionSortKey(sessions[i]) > sessionSortKey(sessions[j])
	})
	if limit > 0 && len(sessions) > limit {
		sessions = sessions[:limit]
	}
	return sessions, nil
}

// FindSessionDirectory locates the on-disk directory for a session id,
// checking the cwd-derived project first when cwd is provided, then
// falling back to a scan of every project.
func FindSessionDirectory(sessionID, cwd string) (string, bool) {
	root, err := projectsDir()
	if err != nil {
		return "", false
	}
	if _, err := os.Stat(root); err != nil {
		return "", false
	}

	if cwd != "" {
		candidate := filepath.Join(root, EncodeProjectPath(cwd), "sessions", sessionID)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, true
		}
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return "", false
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		candidate := filepath.Join(root, e.Name(), "sessions", sessionID)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, true
		}
	}
	return "", false
}

type projectDir struct {
	path string
	cwd  string
}

func projectDirs(root, cwd string) ([]projectDir, error) {
	if cwd != "" {
		dir := filepath.Join(root, EncodeProjectPath(cwd))
		if _, err := os.Stat(dir); err != nil {
			return nil, nil
		}
		return []projectDir{{path: dir, cwd: cwd}}, nil
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}
	var dirs []projectDir
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, projectDir{path: filepath.Join(root, e.Name()), cwd: DecodeProjectPath(e.Name())})
		}
	}
	return dirs, nil
}

func loadSessionMetadata(sessionDir, projectCwd string) (DiscoveredSession, bool) {
	sessionID := filepath.Base(sessionDir)
	metadataPath := filepath.Join(sessionDir, "metadata.json")

	data, err := os.ReadFile(metadataPath)
	if err != nil {
		return DiscoveredSession{
			SessionID: sessionID,
			Cwd:       projectCwd,
			State:     "unknown",
			IsChild:   childHeuristic(sessionID),
		}, true
	}

	var raw struct {
		SessionID       string `json:"session_id"`
		Cwd             string `json:"cwd"`
		Name            string `json:"name"`
		Created         string `json:"created"`
		Updated         string `json:"updated"`
		TurnCount       int    `json:"turn_count"`
		State           string `json:"state"`
		Bundle          string `json:"bundle"`
		ParentSessionID string `json:"parent_session_id"`
		ParentID        string `json:"parent_id"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return DiscoveredSession{}, false
	}

	id := raw.SessionID
	if id == "" {
		id = sessionID
	}
	cwd := raw.Cwd
	if cwd == "" {
		cwd = projectCwd
	}
	state := raw.State
	if state == "" {
		state = "unknown"
	}
	isChild := raw.ParentSessionID != "" || raw.ParentID != "" || childHeuristic(id)

	return DiscoveredSession{
		SessionID: id,
		Cwd:       cwd,
		Name:      raw.Name,
		Created:   raw.Created,
		Updated:   raw.Updated,
		TurnCount: raw.TurnCount,
		State:     state,
		Bundle:    raw.Bundle,
		IsChild:   isChild,
	}, true
}

func childHeuristic(sessionID string) bool {
	return strings.Contains(sessionID, "_") && strings.Contains(sessionID, "-")
}

func sessionSortKey(s DiscoveredSession) string {
	if s.Updated != "" {
		return s.Updated
	}
	return s.Created
}
