package session

import (
	"time"

	"github.com/colombod/acp-runtime/acp/content"
)

// State represents where a session sits in its lifecycle, per spec.md's
// session state machine.
type State string

const (
	StateInitializing       State = "initializing"
	StateReady              State = "ready"
	StatePrompting          State = "prompting"
	StateAwaitingPermission State = "awaiting_permission"
	StateCancelling         State = "cancelling"
	StateClosed             State = "closed"
)

// Message is one entry in a session's ordered message log.
type Message struct {
	Role      string                `json:"role"`
	Content   []content.ContentBlock `json:"content"`
	Timestamp time.Time             `json:"ts"`
}

// ProviderConfig is a loosely-typed provider configuration blob, canonicalized
// (sorted keys) when hashed for the bundle cache.
type ProviderConfig map[string]any

// Config describes how to instantiate a Session: bundle + behaviors +
// provider configuration, per spec.md §4.6's create(config, id?, auto_init).
type Config struct {
	Bundle          string
	Behaviors       []string
	ProviderConfig  ProviderConfig
	Cwd             string
	SystemPrompt    string
	ParentSessionID *string
	Depth           int
}

// Session is the principal entity: a working directory, execution state,
// ordered message log, and lifecycle state. ParentSessionID is the
// authoritative child marker; the id-shape heuristic in discovery.go is a
// fallback for records that predate this field.
type Session struct {
	SessionID       string    `json:"session_id"`
	Cwd             string    `json:"cwd"`
	Name            string    `json:"name,omitempty"`
	Bundle          string    `json:"bundle,omitempty"`
	Behaviors       []string  `json:"behaviors,omitempty"`
	State           State     `json:"state"`
	CreatedAt       time.Time `json:"created"`
	UpdatedAt       time.Time `json:"updated"`
	Messages        []Message `json:"-"` // persisted separately, in messages.jsonl
	TurnCount       int       `json:"turn_count"`
	ParentSessionID *string   `json:"parent_session_id,omitempty"`
	ChildSessions   []string  `json:"child_sessions,omitempty"`
	Depth           int       `json:"depth"`
}

// IsChild reports whether this session has a recorded parent.
func (s *Session) IsChild() bool {
	return s.ParentSessionID != nil && *s.ParentSessionID != ""
}

// Summary is a lightweight view of a session for list_saved()/discovery.
type Summary struct {
	SessionID string    `json:"session_id"`
	Cwd       string    `json:"cwd"`
	Name      string    `json:"name,omitempty"`
	State     State     `json:"state"`
	CreatedAt time.Time `json:"created"`
	UpdatedAt time.Time `json:"updated"`
	TurnCount int       `json:"turn_count"`
}

// ToSummary converts a Session to its lightweight Summary.
func (s *Session) ToSummary() *Summary {
	return &Summary{
		SessionID: s.SessionID,
		Cwd:       s.Cwd,
		Name:      s.Name,
		State:     s.State,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
		TurnCount: s.TurnCount,
	}
}
