package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/colombod/acp-runtime/acp/content"
)

const (
	envNoPersist  = "AMPLIFIER_NO_PERSIST"
	envStorageDir = "AMPLIFIER_STORAGE_DIR"
)

func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// Store persists session metadata and message logs, mirroring spec.md
// §3/§6's on-disk layout (metadata.json + messages.jsonl per session).
type Store interface {
	Save(sess *Session) error
	Load(id string) (*Session, error)
	AppendMessage(id string, msg Message) error
	ReplaceMessages(id string, msgs []Message) error
	List() ([]Summary, error)
	Delete(id string) error
}

// resolveStore applies spec.md §4.6's persistence configuration resolution
// order: explicit store argument > AMPLIFIER_NO_PERSIST > AMPLIFIER_STORAGE_DIR
// > default <home>/.amplifier/projects/.
func resolveStore(explicit Store) Store {
	if explicit != nil {
		return explicit
	}
	if truthy(os.Getenv(envNoPersist)) {
		return nil
	}
	root := os.Getenv(envStorageDir)
	if root == "" {
		home, err := homeDir()
		if err != nil {
			return nil
		}
		root = filepath.Join(home, ProjectsDirName)
	}
	return newFileStore(root)
}

// Manager maintains the set of live sessions and, when persistence is
// enabled, a Store. Per-session serialization of read-modify-write
// operations goes through locks; concurrent prompts on different sessions
// never contend with each other.
type Manager struct {
	store   Store
	active  map[string]*Session
	mu      sync.RWMutex
	locks   *SessionLockMap
	bundles *BundleCache
	index   Indexer
}

// NewManager creates a session manager. Pass a non-nil store to force a
// specific persistence backend (mainly for tests); pass nil to apply the
// env-driven resolution order.
func NewManager(store Store, bundleCacheTTL time.Duration) *Manager {
	return &Manager{
		store:   resolveStore(store),
		active:  make(map[string]*Session),
		locks:   NewSessionLockMap(),
		bundles: NewBundleCache(bundleCacheTTL),
	}
}

// Bundles exposes the prepared-bundle cache for callers that prepare
// bundles on the manager's behalf (the actual bundle-loading/preparation
// work belongs to the embedding agent runtime, out of this repo's scope).
func (m *Manager) Bundles() *BundleCache {
	return m.bundles
}

// SetIndex attaches a side index (SessionIndex or SQLiteIndexer) that
// Create/SetState/Close/PruneClosed keep in sync. Pass nil to detach. Not
// safe to call concurrently with the other Manager methods.
func (m *Manager) SetIndex(idx Indexer) {
	m.index = idx
}

func (m *Manager) indexEntry(sess *Session) *SessionIndexEntry {
	return &SessionIndexEntry{
		SessionID: sess.SessionID,
		ProjectID: EncodeProjectPath(sess.Cwd),
		Status:    sess.State,
	}
}

func generateSessionID() string {
	b := make([]byte, 12)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// Create instantiates a Session with a bundle+behaviors+provider
// configuration, attaches it to the active set, and persists metadata if a
// store exists. When id is empty a fresh id is generated.
func (m *Manager) Create(ctx context.Context, cfg Config, id string, autoInit bool) (*Session, error) {
	if id == "" {
		id = generateSessionID()
	}

	now := time.Now()
	sess := &Session{
		SessionID:       id,
		Cwd:             cfg.Cwd,
		Bundle:          cfg.Bundle,
		Behaviors:       cfg.Behaviors,
		State:           StateInitializing,
		CreatedAt:       now,
		UpdatedAt:       now,
		ParentSessionID: cfg.ParentSessionID,
		Depth:           cfg.Depth,
	}
	if cfg.SystemPrompt != "" {
		sess.Messages = append(sess.Messages, Message{
			Role:      "system",
			Content:   []content.ContentBlock{content.NewText(cfg.SystemPrompt)},
			Timestamp: now,
		})
	}
	if autoInit {
		sess.State = StateReady
	}

	m.mu.Lock()
	m.active[id] = sess
	if cfg.ParentSessionID != nil {
		if parent, ok := m.active[*cfg.ParentSessionID]; ok {
			parent.ChildSessions = append(parent.ChildSessions, id)
		}
	}
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.Save(sess); err != nil {
			return nil, fmt.Errorf("persist session %s: %w", id, err)
		}
	}
	if m.index != nil {
		m.index.Add(m.indexEntry(sess))
	}
	return sess, nil
}

// CreateMinimal is the fast path for ephemeral scoring/classification
// calls: foundation bundle, empty behaviors, a cheap provider, never
// persisted regardless of the manager's store. Benefits from the prepared
// bundle cache so repeat calls skip bundle preparation.
func (m *Manager) CreateMinimal(ctx context.Context, id, systemPrompt string) (*Session, error) {
	if id == "" {
		id = generateSessionID()
	}

	key := BundleCacheKey("foundation", nil, nil)
	if _, ok := m.bundles.Get(key); !ok {
		m.bundles.Put(key, &PreparedBundle{Bundle: "foundation"})
	}

	now := time.Now()
	sess := &Session{
		SessionID: id,
		Bundle:    "foundation",
		State:     StateReady,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if systemPrompt != "" {
		sess.Messages = append(sess.Messages, Message{
			Role:      "system",
			Content:   []content.ContentBlock{content.NewText(systemPrompt)},
			Timestamp: now,
		})
	}

	m.mu.Lock()
	m.active[id] = sess
	m.mu.Unlock()
	return sess, nil
}

// Get returns an in-memory active session.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.active[id]
	return sess, ok
}

// Resume rehydrates a session from the store, or returns nil if
// persistence is disabled or the id is unknown. Resumed sessions join the
// active set.
func (m *Manager) Resume(id string) (*Session, error) {
	if sess, ok := m.Get(id); ok {
		return sess, nil
	}
	if m.store == nil {
		return nil, nil
	}

	sess, err := m.store.Load(id)
	if err != nil {
		return nil, nil
	}

	m.mu.Lock()
	m.active[id] = sess
	m.mu.Unlock()
	return sess, nil
}

// ListSaved enumerates persisted session ids; empty when persistence is
// disabled.
func (m *Manager) ListSaved() ([]Summary, error) {
	if m.store == nil {
		return nil, nil
	}
	return m.store.List()
}

// InjectContext appends a message to a session's context without
// triggering execution, mirroring it into the local message log with a
// timestamp.
func (m *Manager) InjectContext(id string, role string, blocks []content.ContentBlock) error {
	m.locks.Lock(id)
	defer m.locks.Unlock(id)

	sess, err := m.Resume(id)
	if err != nil {
		return err
	}
	if sess == nil {
		return fmt.Errorf("session %s not found", id)
	}

	msg := Message{Role: role, Content: blocks, Timestamp: time.Now()}
	sess.Messages = append(sess.Messages, msg)
	sess.UpdatedAt = msg.Timestamp

	if m.store != nil {
		if err := m.store.AppendMessage(id, msg); err != nil {
			return err
		}
		return m.store.Save(sess)
	}
	return nil
}

// ClearContext strips all non-system messages (preserveSystem=true) or
// wipes everything.
func (m *Manager) ClearContext(id string, preserveSystem bool) error {
	m.locks.Lock(id)
	defer m.locks.Unlock(id)

	sess, err := m.Resume(id)
	if err != nil {
		return err
	}
	if sess == nil {
		return fmt.Errorf("session %s not found", id)
	}

	if preserveSystem {
		kept := sess.Messages[:0]
		for _, msg := range sess.Messages {
			if msg.Role == "system" {
				kept = append(kept, msg)
			}
		}
		sess.Messages = kept
	} else {
		sess.Messages = nil
	}
	sess.UpdatedAt = time.Now()

	if m.store != nil {
		if err := m.store.ReplaceMessages(id, sess.Messages); err != nil {
			return err
		}
		return m.store.Save(sess)
	}
	return nil
}

// SetState transitions a session's lifecycle state and persists the
// change.
func (m *Manager) SetState(id string, state State) error {
	m.locks.Lock(id)
	defer m.locks.Unlock(id)

	sess, ok := m.Get(id)
	if !ok {
		return fmt.Errorf("session %s not found", id)
	}
	sess.State = state
	sess.UpdatedAt = time.Now()
	if m.index != nil {
		m.index.UpdateStatus(id, state)
	}
	if m.store != nil {
		return m.store.Save(sess)
	}
	return nil
}

// Close transitions a session to closed and drops it from the active set;
// persisted metadata (if any) survives.
func (m *Manager) Close(id string) error {
	m.locks.Lock(id)
	sess, ok := m.active[id]
	if ok {
		sess.State = StateClosed
		sess.UpdatedAt = time.Now()
		if m.index != nil {
			m.index.UpdateStatus(id, StateClosed)
		}
		if m.store != nil {
			_ = m.store.Save(sess)
		}
		m.mu.Lock()
		delete(m.active, id)
		m.mu.Unlock()
	}
	m.locks.Unlock(id)
	m.locks.Delete(id)
	return nil
}

// PruneClosed deletes persisted sessions that are closed and whose
// UpdatedAt predates maxAge, mirroring the teacher's
// internal/cleanup.Cleaner.cleanupOldSessions retention sweep, generalized
// from the teacher's flat-JSON session files to this package's Store
// abstraction. A no-op when persistence is disabled.
func (m *Manager) PruneClosed(maxAge time.Duration) (int, error) {
	if m.store == nil {
		return 0, nil
	}
	summaries, err := m.store.List()
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge)
	pruned := 0
	for _, s := range summaries {
		if s.State != StateClosed || !s.UpdatedAt.Before(cutoff) {
			continue
		}
		if err := m.store.Delete(s.SessionID); err != nil {
			return pruned, err
		}
		m.locks.Delete(s.SessionID)
		if m.index != nil {
			m.index.Remove(s.SessionID)
		}
		pruned++
	}
	return pruned, nil
}

// RecoverStaleSessions transitions active sessions whose UpdatedAt predates
// the cutoff to closed, covering crash recovery on startup.
func (m *Manager) RecoverStaleSessions(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	m.mu.RLock()
	stale := make([]string, 0)
	for id, sess := range m.active {
		if sess.State != StateClosed && sess.UpdatedAt.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range stale {
		_ = m.SetState(id, StateClosed)
	}
	return len(stale)
}
