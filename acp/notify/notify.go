// Package notify delivers ACP session/update notifications from the
// session plane to whichever transport owns a session's connection,
// grounded on internal/session.ActiveSession's EventBuffer+NotifyEvent
// pair generalized from a single MCP SSE push into two transport-neutral
// shapes: a direct single-connection sink (stdio, WebSocket) and a
// subscriber fan-out broker (HTTP/SSE), both implementing
// internal/session.Notifier so the session package never depends on a
// concrete transport.
package notify

import (
	"encoding/json"
	"sync"

	"github.com/colombod/acp-runtime/acp/eventmap"
	"github.com/colombod/acp-runtime/acp/rpc"
)

type sessionUpdateParams struct {
	SessionID string                  `json:"session_id"`
	Update    *eventmap.SessionUpdate `json:"update"`
}

func encode(sessionID string, update *eventmap.SessionUpdate) ([]byte, error) {
	return json.Marshal(sessionUpdateParams{SessionID: sessionID, Update: update})
}

// Direct delivers notifications over a single rpc.OutboundSink, for
// transports where one connection carries exactly one session's traffic
// end to end (stdio's one process, a WebSocket connection once it has
// registered). Sessions not registered are silently dropped: nothing is
// listening for them on this sink.
type Direct struct {
	mu    sync.RWMutex
	sinks map[string]rpc.OutboundSink
	// single, when set, is used for every session id regardless of
	// registration, the stdio case where one sink serves the whole process.
	single rpc.OutboundSink
}

// NewDirect returns a Direct that always delivers through sink, regardless
// of session id. Use this for stdio, where exactly one connection exists.
func NewDirect(sink rpc.OutboundSink) *Direct {
	return &Direct{single: sink}
}

// NewRegistry returns a Direct that delivers per session id via Register,
// for transports that multiplex many connections (WebSocket).
func NewRegistry() *Direct {
	return &Direct{sinks: make(map[string]rpc.OutboundSink)}
}

// Register attaches sink as the delivery target for sessionID.
func (d *Direct) Register(sessionID string, sink rpc.OutboundSink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sinks == nil {
		d.sinks = make(map[string]rpc.OutboundSink)
	}
	d.sinks[sessionID] = sink
}

// Unregister drops sessionID's delivery target.
func (d *Direct) Unregister(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.sinks, sessionID)
}

// Lookup returns the sink currently registered for sessionID (or the single
// sink, in stdio mode), for callers that need to originate their own
// requests against it (session/request_permission, fs/*, terminal/*)
// instead of a plain notification.
func (d *Direct) Lookup(sessionID string) (rpc.OutboundSink, bool) {
	if d.single != nil {
		return d.single, true
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	sink, ok := d.sinks[sessionID]
	return sink, ok
}

// Notify implements internal/session.Notifier.
func (d *Direct) Notify(sessionID string, update *eventmap.SessionUpdate) error {
	sink := d.single
	if sink == nil {
		d.mu.RLock()
		sink = d.sinks[sessionID]
		d.mu.RUnlock()
	}
	if sink == nil {
		return nil
	}

	params, err := encode(sessionID, update)
	if err != nil {
		return err
	}
	return sink.SendNotification(&rpc.Notification{JSONRPC: "2.0", Method: "session/update", Params: params})
}

// Broadcaster fans session/update notifications out to per-session
// subscriber channels, implementing transport.EventBroker for the HTTP/SSE
// transport. Grounded on internal/session.EventBuffer's ring-buffer shape,
// generalized here from poll-based replay (After(index)) to push-based
// fan-out since SSE holds a live connection rather than polling.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[string]map[chan []byte]struct{}
}

// NewBroadcaster returns an empty Broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[string]map[chan []byte]struct{})}
}

// Subscribe implements transport.EventBroker: returns a channel that
// receives every subsequent Notify call for sessionID, and a cancel func
// that unsubscribes it. The channel is neither drained nor closed by cancel.
func (b *Broadcaster) Subscribe(sessionID string) (<-chan []byte, func()) {
	ch := make(chan []byte, 64)

	b.mu.Lock()
	if b.subs[sessionID] == nil {
		b.subs[sessionID] = make(map[chan []byte]struct{})
	}
	b.subs[sessionID][ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		delete(b.subs[sessionID], ch)
		if len(b.subs[sessionID]) == 0 {
			delete(b.subs, sessionID)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Notify implements internal/session.Notifier: encodes update and pushes it
// to every subscriber of sessionID. A slow subscriber whose channel is full
// has the notification dropped for it rather than blocking the publisher.
func (b *Broadcaster) Notify(sessionID string, update *eventmap.SessionUpdate) error {
	data, err := encode(sessionID, update)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[sessionID] {
		select {
		case ch <- data:
		default:
		}
	}
	return nil
}
