package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Handler answers one inbound request or notification. A nil returned
// result with a nil error is valid for notifications (no Response is
// produced). For requests, returning (nil, nil) yields a Response with a
// null result.
type Handler func(ctx context.Context, sessionID string, params json.RawMessage) (any, error)

// MethodTable maps a JSON-RPC method name to its Handler.
type MethodTable struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewMethodTable returns an empty MethodTable.
func NewMethodTable() *MethodTable {
	return &MethodTable{handlers: make(map[string]Handler)}
}

// Register binds a method name to a Handler, overwriting any prior binding.
func (t *MethodTable) Register(method string, h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[method] = h
}

func (t *MethodTable) lookup(method string) (Handler, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, ok := t.handlers[method]
	return h, ok
}

// SessionLocks serializes request handling per session id, following the
// same sync.Map-of-mutex shape used elsewhere in this codebase for
// per-session state.
type SessionLocks struct {
	locks sync.Map // sessionID -> *sync.Mutex
}

// NewSessionLocks returns an empty SessionLocks.
func NewSessionLocks() *SessionLocks {
	return &SessionLocks{}
}

func (l *SessionLocks) get(sessionID string) *sync.Mutex {
	v, _ := l.locks.LoadOrStore(sessionID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Lock blocks until the session's lock is held.
func (l *SessionLocks) Lock(sessionID string) { l.get(sessionID).Lock() }

// Unlock releases the session's lock.
func (l *SessionLocks) Unlock(sessionID string) { l.get(sessionID).Unlock() }

// Delete drops the lock entry for a session, call after the session ends.
func (l *SessionLocks) Delete(sessionID string) { l.locks.Delete(sessionID) }

// OutboundSink delivers a Response or Notification to the peer, regardless
// of which transport is underneath.
type OutboundSink interface {
	SendResponse(*Response) error
	SendNotification(*Notification) error
}

// Processor dispatches inbound frames against a MethodTable, serializing
// per-session handling and correlating outbound requests the runtime itself
// initiates (permission/fs/terminal requests) against their responses.
type Processor struct {
	methods *MethodTable
	locks   *SessionLocks

	pendingMu sync.Mutex
	pending   map[string]chan *Response
	nextID    int64
}

// NewProcessor builds a Processor bound to the given MethodTable.
func NewProcessor(methods *MethodTable) *Processor {
	return &Processor{
		methods: methods,
		locks:   NewSessionLocks(),
		pending: make(map[string]chan *Response),
	}
}

// HandleFrame classifies and dispatches one inbound frame. For requests and
// notifications bound to a session, handling is serialized against the
// session's lock (spec's per-session serialization requirement); frames not
// tied to a session (e.g. initialize) run unlocked. The returned Response
// is nil for notifications.
func (p *Processor) HandleFrame(ctx context.Context, raw json.RawMessage, sessionID string) (*Response, error) {
	kind, _, err := Classify(raw)
	if err != nil {
		return &Response{JSONRPC: "2.0", Error: &ErrorObject{Code: ErrParse, Message: err.Error()}}, nil
	}

	switch kind {
	case KindResponse:
		p.resolvePending(raw)
		return nil, nil
	case KindRequest, KindNotification:
		var req Request
		if err := json.Unmarshal(raw, &req); err != nil {
			return &Response{JSONRPC: "2.0", Error: &ErrorObject{Code: ErrInvalidRequest, Message: err.Error()}}, nil
		}
		return p.dispatch(ctx, req, kind == KindRequest, sessionID)
	default:
		return &Response{JSONRPC: "2.0", Error: &ErrorObject{Code: ErrInvalidRequest, Message: "unrecognized JSON-RPC frame"}}, nil
	}
}

// unserializedMethods bypass the per-session lock: their whole purpose is
// to interrupt whatever else is in flight for the session, so serializing
// them behind it would deadlock (a blocked "prompt" handler holds the lock
// until cancelled, but "cancel" needs that same lock to reach the handler
// that does the cancelling).
var unserializedMethods = map[string]bool{
	"cancel": true,
}

func (p *Processor) dispatch(ctx context.Context, req Request, wantsResponse bool, sessionID string) (*Response, error) {
	if sessionID != "" && !unserializedMethods[req.Method] {
		p.locks.Lock(sessionID)
		defer p.locks.Unlock(sessionID)
	}

	handler, ok := p.methods.lookup(req.Method)
	if !ok {
		if !wantsResponse {
			return nil, nil
		}
		return &Response{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error:   &ErrorObject{Code: ErrMethodNotFound, Message: fmt.Sprintf("method not found: %s", req.Method)},
		}, nil
	}

	result, err := handler(ctx, sessionID, req.Params)
	if !wantsResponse {
		return nil, err
	}
	if err != nil {
		return &Response{JSONRPC: "2.0", ID: req.ID, Error: ToErrorObject(err)}, nil
	}

	data, err := json.Marshal(result)
	if err != nil {
		return &Response{JSONRPC: "2.0", ID: req.ID, Error: &ErrorObject{Code: ErrInternal, Message: err.Error()}}, nil
	}
	return &Response{JSONRPC: "2.0", ID: req.ID, Result: data}, nil
}

// SendRequest issues a request the runtime itself originates (e.g. a
// session/request_permission call to the client) and blocks until the
// matching Response arrives or ctx is done.
func (p *Processor) SendRequest(ctx context.Context, sink OutboundSink, method string, params any) (json.RawMessage, error) {
	id := p.newID()
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("rpc: marshal params: %w", err)
	}

	ch := make(chan *Response, 1)
	p.pendingMu.Lock()
	p.pending[id] = ch
	p.pendingMu.Unlock()
	defer func() {
		p.pendingMu.Lock()
		delete(p.pending, id)
		p.pendingMu.Unlock()
	}()

	if err := sendAsRequest(sink, id, method, data); err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, NewError(resp.Error.Code, resp.Error.Message, resp.Error.Data)
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func sendAsRequest(sink OutboundSink, id, method string, params json.RawMessage) error {
	type requestSender interface {
		SendRequest(*Request) error
	}
	if rs, ok := sink.(requestSender); ok {
		return rs.SendRequest(&Request{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	}
	return fmt.Errorf("rpc: sink %T cannot originate requests", sink)
}

func (p *Processor) resolvePending(raw json.RawMessage) {
	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return
	}
	id, ok := resp.ID.(string)
	if !ok {
		return
	}
	p.pendingMu.Lock()
	ch, found := p.pending[id]
	p.pendingMu.Unlock()
	if found {
		ch <- &resp
	}
}

func (p *Processor) newID() string {
	p.pendingMu.Lock()
	p.nextID++
	n := p.nextID
	p.pendingMu.Unlock()
	return fmt.Sprintf("acp-%d", n)
}

// DropSession releases the session's lock entry.
func (p *Processor) DropSession(sessionID string) {
	p.locks.Delete(sessionID)
}
