package session

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// SQLiteIndexer is a modernc.org/sqlite-backed Indexer, grounded on the
// teacher's internal/auth.Store (sql.Open("sqlite", path), a migrate step,
// parameterized queries). Unlike SessionIndex's full-file rewrite on every
// Save, each mutation here is a single statement, which matters once a
// deployment accumulates enough persisted sessions that rewriting the
// whole flat-JSON index on every status transition gets expensive. Load
// and Save are no-ops: the database is already the durable copy.
type SQLiteIndexer struct {
	db *sql.DB
}

// NewSQLiteIndexer opens (creating if needed) a session index database
// under dataDir.
func NewSQLiteIndexer(dataDir string) (*SQLiteIndexer, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create index dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "sessions_index.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open index db: %w", err)
	}

	idx := &SQLiteIndexer{db: db}
	if err := idx.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate index db: %w", err)
	}
	return idx, nil
}

func (s *SQLiteIndexer) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS session_index (
		session_id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		status TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_session_index_project ON session_index(project_id);
	CREATE INDEX IF NOT EXISTS idx_session_index_status ON session_index(status);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close releases the underlying database handle.
func (s *SQLiteIndexer) Close() error {
	return s.db.Close()
}

// Load is a no-op: SQLite is itself the durable store.
func (s *SQLiteIndexer) Load() error { return nil }

// Save is a no-op: every mutating call already commits.
func (s *SQLiteIndexer) Save() error { return nil }

// Add inserts or replaces a session's index entry.
func (s *SQLiteIndexer) Add(entry *SessionIndexEntry) {
	_, _ = s.db.Exec(
		`INSERT INTO session_index (session_id, project_id, status) VALUES (?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET project_id = excluded.project_id, status = excluded.status`,
		entry.SessionID, entry.ProjectID, entry.Status,
	)
}

// Get retrieves a session's index entry by id.
func (s *SQLiteIndexer) Get(sessionID string) (*SessionIndexEntry, bool) {
	var entry SessionIndexEntry
	err := s.db.QueryRow(
		`SELECT session_id, project_id, status FROM session_index WHERE session_id = ?`,
		sessionID,
	).Scan(&entry.SessionID, &entry.ProjectID, &entry.Status)
	if err != nil {
		return nil, false
	}
	return &entry, true
}

// GetByProject returns all session ids for a project.
func (s *SQLiteIndexer) GetByProject(projectID string) []string {
	rows, err := s.db.Query(`SELECT session_id FROM session_index WHERE project_id = ?`, projectID)
	if err != nil {
		return nil
	}
	defer func() { _ = rows.Close() }()
	return scanSessionIDs(rows)
}

// GetByStatus returns all session ids with a given status.
func (s *SQLiteIndexer) GetByStatus(status State) []string {
	rows, err := s.db.Query(`SELECT session_id FROM session_index WHERE status = ?`, status)
	if err != nil {
		return nil
	}
	defer func() { _ = rows.Close() }()
	return scanSessionIDs(rows)
}

func scanSessionIDs(rows *sql.Rows) []string {
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// UpdateStatus updates a session's status, returning false if the session
// isn't indexed.
func (s *SQLiteIndexer) UpdateStatus(sessionID string, newStatus State) bool {
	result, err := s.db.Exec(`UPDATE session_index SET status = ? WHERE session_id = ?`, newStatus, sessionID)
	if err != nil {
		return false
	}
	rows, _ := result.RowsAffected()
	return rows > 0
}

// Remove deletes a session's index entry.
func (s *SQLiteIndexer) Remove(sessionID string) {
	_, _ = s.db.Exec(`DELETE FROM session_index WHERE session_id = ?`, sessionID)
}

// Count returns the total number of indexed sessions.
func (s *SQLiteIndexer) Count() int {
	var count int
	_ = s.db.QueryRow(`SELECT COUNT(*) FROM session_index`).Scan(&count)
	return count
}
