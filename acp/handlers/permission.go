package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/colombod/acp-runtime/acp/approval"
	"github.com/colombod/acp-runtime/acp/rpc"
)

// RPCPermissionResponder implements approval.PermissionResponder by issuing
// an agent-originated session/request_permission call through
// rpc.Processor.SendRequest, grounded on original_source's approval bridge
// round-tripping through the client's native permission dialog. SinkFor
// resolves which connection owns a given session (the stdio sink always, a
// WebSocket connection once registered, or nothing for HTTP/SSE, which has
// no channel to originate a request on).
type RPCPermissionResponder struct {
	proc    *rpc.Processor
	sinkFor func(sessionID string) (rpc.OutboundSink, bool)
}

// NewRPCPermissionResponder builds a responder bound to proc, resolving
// sinks via sinkFor.
func NewRPCPermissionResponder(proc *rpc.Processor, sinkFor func(string) (rpc.OutboundSink, bool)) *RPCPermissionResponder {
	return &RPCPermissionResponder{proc: proc, sinkFor: sinkFor}
}

type wirePermissionOption struct {
	OptionID string `json:"option_id"`
	Name     string `json:"name"`
	Kind     string `json:"kind"`
}

type requestPermissionParams struct {
	SessionID  string                 `json:"session_id"`
	ToolCallID string                 `json:"tool_call_id,omitempty"`
	Title      string                 `json:"title,omitempty"`
	Kind       string                 `json:"kind,omitempty"`
	Prompt     string                 `json:"prompt"`
	Options    []wirePermissionOption `json:"options"`
}

type requestPermissionResult struct {
	OptionID string `json:"option_id"`
}

// RequestPermission implements approval.PermissionResponder.
func (r *RPCPermissionResponder) RequestPermission(ctx context.Context, req approval.PermissionRequest) (string, error) {
	sink, ok := r.sinkFor(req.SessionID)
	if !ok || sink == nil {
		return "", fmt.Errorf("handlers: no outbound connection registered for session %s", req.SessionID)
	}

	options := make([]wirePermissionOption, 0, len(req.Options))
	for _, opt := range req.Options {
		options = append(options, wirePermissionOption{OptionID: opt.OptionID, Name: opt.Name, Kind: opt.Kind})
	}
	params := requestPermissionParams{
		SessionID:  req.SessionID,
		ToolCallID: req.ToolCallID,
		Title:      req.Title,
		Kind:       req.ToolKind,
		Prompt:     req.Prompt,
		Options:    options,
	}

	raw, err := r.proc.SendRequest(ctx, sink, "session/request_permission", params)
	if err != nil {
		return "", err
	}

	var result requestPermissionResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", fmt.Errorf("handlers: decode session/request_permission result: %w", err)
	}
	return result.OptionID, nil
}
