package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/colombod/acp-runtime/acp/approval"
	"github.com/colombod/acp-runtime/acp/eventmap"
	"github.com/colombod/acp-runtime/acp/metrics"
	"github.com/colombod/acp-runtime/internal/logger"
)

// Notifier delivers a mapped session/update to whichever transport owns a
// session's connection. Defined here (rather than imported from the
// transport layer) so this package stays free of a dependency on any
// concrete transport; acp/notify supplies the implementations.
type Notifier interface {
	Notify(sessionID string, update *eventmap.SessionUpdate) error
}

// TurnStopReason is the ACP stop_reason a completed prompt turn resolves to.
type TurnStopReason string

const (
	StopEndTurn   TurnStopReason = "end_turn"
	StopCancelled TurnStopReason = "cancelled"
	StopError     TurnStopReason = "error"
)

// TurnResult is what BeginTurn's channel delivers once the in-flight prompt
// concludes, one way or another.
type TurnResult struct {
	StopReason TurnStopReason
	Err        error
}

// executionComplete is the runtime lifecycle event that ends a turn. It
// carries the "execution:" prefix eventmap.IsIgnorable already treats as
// content-mapping noise; active sessions are the layer that cares about it.
const executionComplete = "execution:complete"

// RuntimeExecutor manages a bidirectional streaming agent execution,
// producing events in the eventmap.Event shape so they can be mapped
// directly onto ACP session/update notifications.
type RuntimeExecutor interface {
	// SendMessage sends a user message to the agent session
	SendMessage(message string) error

	// Cancel requests termination of the current operation
	Cancel() error

	// Events returns a channel for receiving runtime events
	Events() <-chan eventmap.Event

	// Errors returns a channel for receiving errors
	Errors() <-chan error

	// Done returns a channel that closes when execution finishes
	Done() <-chan struct{}

	// Wait blocks until execution completes and returns exit code
	Wait() (int, error)

	// Close gracefully shuts down the executor
	Close() error

	// RuntimeSessionID returns the backend's session identifier
	RuntimeSessionID() string
}

// ActiveStatus represents the status of an active streaming session
type ActiveStatus string

const (
	ActiveStatusIdle      ActiveStatus = "idle"      // Waiting for a message
	ActiveStatusRunning   ActiveStatus = "running"   // Actively processing
	ActiveStatusPaused    ActiveStatus = "paused"    // Paused (not currently used)
	ActiveStatusCompleted ActiveStatus = "completed" // Session process exited
	ActiveStatusFailed    ActiveStatus = "failed"    // Session failed with error
	ActiveStatusTimedOut  ActiveStatus = "timed_out" // Session timed out
)

// ActiveSession represents a running streaming session with its executor and buffer
type ActiveSession struct {
	SessionID    string
	ProjectID    string
	Executor     RuntimeExecutor
	EventBuffer  *EventBuffer
	StartedAt    time.Time
	LastActivity time.Time
	Status       ActiveStatus
	Error        error // Set when Status is Failed

	mu         sync.RWMutex
	executorMu sync.RWMutex // Protects Executor field access

	turnActive atomic.Bool
	turnCh     chan TurnResult
}

// NewActiveSession creates a new active session
func NewActiveSession(sessionID, projectID string, executor RuntimeExecutor) *ActiveSession {
	now := time.Now()
	return &ActiveSession{
		SessionID:    sessionID,
		ProjectID:    projectID,
		Executor:     executor,
		EventBuffer:  NewEventBuffer(sessionID, DefaultEventBufferSize),
		StartedAt:    now,
		LastActivity: now,
		Status:       ActiveStatusRunning,
		turnCh:       make(chan TurnResult, 1),
	}
}

// BeginTurn marks one prompt as in flight and returns the channel that will
// receive exactly one TurnResult when it concludes (spec.md's per-session
// serialization invariant means only one caller ever awaits this at a time).
// Any stale, unconsumed result from a prior turn is drained first.
func (a *ActiveSession) BeginTurn() <-chan TurnResult {
	select {
	case <-a.turnCh:
	default:
	}
	a.turnActive.Store(true)
	return a.turnCh
}

// signalTurn delivers a turn's outcome and stops further session/update
// delivery for it, satisfying the cancellation-finality invariant: once a
// result is signaled, events produced afterwards for the same turn are
// dropped rather than forwarded to the notifier.
func (a *ActiveSession) signalTurn(result TurnResult) {
	if !a.turnActive.CompareAndSwap(true, false) {
		return
	}
	select {
	case a.turnCh <- result:
	default:
	}
}

// CancelTurn ends the in-flight turn with stop_reason "cancelled", called by
// the cancel handler so the blocked prompt handler unblocks immediately
// rather than waiting on the executor's own lifecycle event.
func (a *ActiveSession) CancelTurn() {
	a.signalTurn(TurnResult{StopReason: StopCancelled})
}

// SendMessage sends a message to the session and updates activity time
func (a *ActiveSession) SendMessage(message string) error {
	a.mu.Lock()
	a.LastActivity = time.Now()
	a.Status = ActiveStatusRunning // Message sent means we're processing
	a.mu.Unlock()

	a.executorMu.RLock()
	executor := a.Executor
	a.executorMu.RUnlock()

	if executor == nil {
		return fmt.Errorf("executor not initialized")
	}
	return executor.SendMessage(message)
}

// GetEvents returns buffered events after the given index
func (a *ActiveSession) GetEvents(sinceIndex int) ([]*BufferedEvent, error) {
	return a.EventBuffer.After(sinceIndex)
}

// GetExecutor returns the executor with read lock protection
func (a *ActiveSession) GetExecutor() RuntimeExecutor {
	a.executorMu.RLock()
	defer a.executorMu.RUnlock()
	return a.Executor
}

// CloseExecutor safely closes the executor with write lock protection
func (a *ActiveSession) CloseExecutor() {
	a.executorMu.Lock()
	executor := a.Executor
	a.Executor = nil
	a.executorMu.Unlock()

	if executor != nil {
		_ = executor.Close()
	}
}

// IsRunning returns true if the session can receive messages (idle or running)
func (a *ActiveSession) IsRunning() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.Status == ActiveStatusRunning || a.Status == ActiveStatusIdle
}

// SetStatus updates the session status
func (a *ActiveSession) SetStatus(status ActiveStatus, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Status = status
	a.Error = err
}

// GetStatus returns the current status
func (a *ActiveSession) GetStatus() ActiveStatus {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.Status
}

// LastActivityTime returns the last activity time
func (a *ActiveSession) LastActivityTime() time.Time {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.LastActivity
}

// sessionUpdateNotification is the JSON-RPC params shape for session/update,
// also what gets buffered (pre-encoded) for SSE/WebSocket replay.
type sessionUpdateNotification struct {
	SessionID string                  `json:"session_id"`
	Update    *eventmap.SessionUpdate `json:"update"`
}

// EncodeUpdate marshals a mapped SessionUpdate into the session/update
// notification body this session buffers and replays.
func (a *ActiveSession) EncodeUpdate(update *eventmap.SessionUpdate) ([]byte, error) {
	return json.Marshal(sessionUpdateNotification{SessionID: a.SessionID, Update: update})
}

// ActiveSessionManager manages active streaming sessions
type ActiveSessionManager struct {
	sessions    map[string]*ActiveSession // by session ID
	byProject   map[string][]string       // project ID -> session IDs
	maxPerProj  int
	idleTimeout time.Duration
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc

	notifier Notifier
	tracker  *approval.Tracker
}

// NewActiveSessionManager creates a new active session manager. notifier and
// tracker may be nil: without a notifier, mapped updates are still buffered
// on each ActiveSession's EventBuffer for polling transports, just never
// pushed; without a tracker, permission requests fall back to the synthetic
// "Permission Required" tool-call context.
func NewActiveSessionManager(maxPerProject int, idleTimeout time.Duration, notifier Notifier, tracker *approval.Tracker) *ActiveSessionManager {
	if maxPerProject <= 0 {
		maxPerProject = DefaultMaxActiveSessions
	}
	if idleTimeout <= 0 {
		idleTimeout = DefaultSessionIdleTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &ActiveSessionManager{
		sessions:    make(map[string]*ActiveSession),
		byProject:   make(map[string][]string),
		maxPerProj:  maxPerProject,
		idleTimeout: idleTimeout,
		ctx:         ctx,
		cancel:      cancel,
		notifier:    notifier,
		tracker:     tracker,
	}

	// Start background cleanup goroutine
	go m.cleanupLoop()

	return m
}

// Register adds an active session to the manager
func (m *ActiveSessionManager) Register(sess *ActiveSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Check per-project limit
	if len(m.byProject[sess.ProjectID]) >= m.maxPerProj {
		logger.Slog().Error("session registration rejected", "reason", "max_sessions_reached", "max_sessions", m.maxPerProj, "project_id", sess.ProjectID)
		return fmt.Errorf("maximum active sessions (%d) reached for project %s", m.maxPerProj, sess.ProjectID)
	}

	m.sessions[sess.SessionID] = sess
	m.byProject[sess.ProjectID] = append(m.byProject[sess.ProjectID], sess.SessionID)
	logger.Slog().Info("session registered", "session_id", sess.SessionID, "project_id", sess.ProjectID)

	// Record metrics for session start. Every session registers as running;
	// status transitions afterward aren't reflected back into the gauge, so
	// Remove decrements this same "running" label regardless of final status.
	metrics.RecordSessionCreated(string(ActiveStatusRunning))

	// Start event collection goroutine
	go m.collectEvents(sess)

	return nil
}

// Get returns an active session by ID
func (m *ActiveSessionManager) Get(sessionID string) (*ActiveSession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[sessionID]
	return sess, ok
}

// Remove removes an active session from the manager
func (m *ActiveSessionManager) Remove(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[sessionID]
	if !ok {
		logger.Slog().Info("remove: session not found", "session_id", sessionID)
		return
	}

	logger.Slog().Info("removing session", "session_id", sessionID, "project_id", sess.ProjectID, "status", sess.Status)

	// Record metrics for session end
	durationSeconds := time.Since(sess.StartedAt).Seconds()
	metrics.RecordSessionClosed(string(ActiveStatusRunning), string(sess.Status), durationSeconds)

	// Close the executor safely
	sess.CloseExecutor()

	delete(m.sessions, sessionID)

	// Remove from project index
	projectSessions := m.byProject[sess.ProjectID]
	for i, id := range projectSessions {
		if id == sessionID {
			m.byProject[sess.ProjectID] = append(projectSessions[:i], projectSessions[i+1:]...)
			break
		}
	}
}

// SendMessage sends a message to an active session
func (m *ActiveSessionManager) SendMessage(sessionID, message string) error {
	sess, ok := m.Get(sessionID)
	if !ok {
		return fmt.Errorf("session %s not found or not active", sessionID)
	}

	if !sess.IsRunning() {
		return fmt.Errorf("session %s is not running (status: %s)", sessionID, sess.GetStatus())
	}

	return sess.SendMessage(message)
}

// GetEvents returns buffered events for a session
func (m *ActiveSessionManager) GetEvents(sessionID string, sinceIndex int) ([]*BufferedEvent, error) {
	sess, ok := m.Get(sessionID)
	if !ok {
		return nil, fmt.Errorf("session %s not found or not active", sessionID)
	}
	return sess.GetEvents(sinceIndex)
}

// GetLastEventIndex returns the last event index for a session
func (m *ActiveSessionManager) GetLastEventIndex(sessionID string) (int, error) {
	sess, ok := m.Get(sessionID)
	if !ok {
		return -1, fmt.Errorf("session %s not found or not active", sessionID)
	}
	return sess.EventBuffer.LastIndex(), nil
}

// ListByProject returns all active sessions for a project
func (m *ActiveSessionManager) ListByProject(projectID string) []*ActiveSession {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*ActiveSession
	for _, sessionID := range m.byProject[projectID] {
		if sess, ok := m.sessions[sessionID]; ok {
			result = append(result, sess)
		}
	}
	return result
}

// Count returns the total number of active sessions
func (m *ActiveSessionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// CountByProject returns the number of active sessions for a project
func (m *ActiveSessionManager) CountByProject(projectID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byProject[projectID])
}

// Close shuts down the manager and all active sessions
func (m *ActiveSessionManager) Close() {
	m.cancel()

	m.mu.Lock()
	defer m.mu.Unlock()

	for sessionID, sess := range m.sessions {
		sess.CloseExecutor()
		delete(m.sessions, sessionID)
	}
	m.byProject = make(map[string][]string)
}

// collectEvents reads events from the executor and buffers them
func (m *ActiveSessionManager) collectEvents(sess *ActiveSession) {
	defer func() {
		// Mark session as completed when executor exits
		status := sess.GetStatus()
		if status == ActiveStatusRunning || status == ActiveStatusIdle {
			sess.SetStatus(ActiveStatusCompleted, nil)
		}
	}()

	// Get executor reference once at start - the channels are safe to use
	// even if executor is closed, as they will simply close/return
	executor := sess.GetExecutor()
	if executor == nil {
		return
	}

	mapper := eventmap.NewMapper()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-executor.Done():
			// Session ended without a prior execution:complete event (e.g. the
			// executor closed early); resolve whatever turn is still pending
			// so a blocked prompt call doesn't hang forever.
			sess.signalTurn(TurnResult{StopReason: StopEndTurn})
			return
		case event, ok := <-executor.Events():
			if !ok {
				return
			}

			// Update status based on event type
			if event.Type == executionComplete {
				// Turn complete - session is now idle, waiting for next message
				sess.SetStatus(ActiveStatusIdle, nil)
			} else if sess.GetStatus() == ActiveStatusIdle && isWorkEvent(event) {
				// Receiving work events after idle means we're processing again
				sess.SetStatus(ActiveStatusRunning, nil)
			}

			result := mapper.Map(event)
			if result.TrackTool != nil && m.tracker != nil {
				m.tracker.Track(sess.SessionID, approval.ToolCallContext{
					CallID:    result.TrackTool.CallID,
					ToolName:  result.TrackTool.Name,
					Arguments: result.TrackTool.Args,
				})
			}
			if result.ClearTracking && m.tracker != nil {
				m.tracker.Clear(sess.SessionID)
			}

			if result.Update != nil {
				m.publish(sess, result.Update)
			}

			if event.Type == executionComplete {
				sess.signalTurn(TurnResult{StopReason: StopEndTurn})
			}
		case err := <-executor.Errors():
			if err != nil {
				sess.SetStatus(ActiveStatusFailed, err)
				sess.signalTurn(TurnResult{StopReason: StopError, Err: err})
				return
			}
		}
	}
}

// publish encodes an update, appends it to the session's replay buffer, and
// forwards it to the ACP notifier, but only while a turn is in flight: once
// CancelTurn/signalTurn has resolved the session's current prompt, further
// events produced for it are dropped rather than delivered, per spec.md's
// cancellation-finality invariant.
func (m *ActiveSessionManager) publish(sess *ActiveSession, update *eventmap.SessionUpdate) {
	if !sess.turnActive.Load() {
		return
	}
	encoded, err := sess.EncodeUpdate(update)
	if err != nil {
		logger.Slog().Error("failed to encode session update", "session_id", sess.SessionID, "error", err)
		return
	}
	sess.EventBuffer.Append(encoded)

	if m.notifier == nil {
		return
	}
	if err := m.notifier.Notify(sess.SessionID, update); err != nil {
		logger.Slog().Error("failed to notify session update", "session_id", sess.SessionID, "error", err)
	}
}

// isWorkEvent returns true if the event indicates actual processing work
// (as opposed to lifecycle notifications that don't indicate active
// processing).
func isWorkEvent(event eventmap.Event) bool {
	if event.Type == executionComplete {
		return false
	}
	return !eventmap.IsIgnorable(event.Type)
}

// cleanupLoop periodically checks for idle sessions
func (m *ActiveSessionManager) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.cleanupIdleSessions()
		}
	}
}

// cleanupIdleSessions removes sessions that have been idle too long
func (m *ActiveSessionManager) cleanupIdleSessions() {
	m.mu.RLock()
	var toRemove []string
	now := time.Now()

	for sessionID, sess := range m.sessions {
		if sess.IsRunning() && now.Sub(sess.LastActivityTime()) > m.idleTimeout {
			toRemove = append(toRemove, sessionID)
		}
	}
	m.mu.RUnlock()

	if len(toRemove) > 0 {
		logger.Slog().Info("cleaning up idle sessions", "count", len(toRemove))
	}

	// Remove idle sessions
	for _, sessionID := range toRemove {
		if sess, ok := m.Get(sessionID); ok {
			logger.Slog().Info("session timed out", "session_id", sessionID, "idle_for", now.Sub(sess.LastActivityTime()), "project_id", sess.ProjectID)
			sess.SetStatus(ActiveStatusTimedOut, fmt.Errorf("session timed out after %v of inactivity", m.idleTimeout))
			sess.CloseExecutor()
		}
		m.Remove(sessionID)
	}
}
