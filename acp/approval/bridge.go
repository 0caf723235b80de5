package approval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/colombod/acp-runtime/acp/metrics"
	"github.com/colombod/acp-runtime/acp/toolmeta"
)

// optionKindMap maps Amplifier-style option labels to ACP permission-option
// kinds, matched by longest substring first so "deny always" is not
// shadowed by the shorter "deny" pattern.
var optionKindMap = map[string]string{
	"allow once":   "allow_once",
	"allow always": "allow_always",
	"allow session": "allow_always",
	"allow":        "allow_once",
	"yes":          "allow_once",
	"deny always":  "reject_always",
	"deny once":    "reject_once",
	"deny":         "reject_once",
	"no":           "reject_once",
	"reject":       "reject_once",
}

var sortedOptionPatterns = func() []string {
	patterns := make([]string, 0, len(optionKindMap))
	for k := range optionKindMap {
		patterns = append(patterns, k)
	}
	sort.Slice(patterns, func(i, j int) bool { return len(patterns[i]) > len(patterns[j]) })
	return patterns
}()

// PermissionOption is the ACP-facing option sent in a request_permission
// call.
type PermissionOption struct {
	OptionID string
	Name     string
	Kind     string
}

// PermissionRequest is what the Bridge sends to the connected client via
// session/request_permission.
type PermissionRequest struct {
	SessionID  string
	ToolCallID string
	Title      string
	ToolKind   string
	Prompt     string
	Options    []PermissionOption
}

// PermissionResponder performs the actual ACP round trip; callers supply an
// implementation backed by whichever transport the session is using.
type PermissionResponder interface {
	RequestPermission(ctx context.Context, req PermissionRequest) (optionID string, err error)
}

// Bridge implements Amplifier's request_approval(prompt, options, timeout,
// default) interface against an ACP client's native permission dialog,
// caching "allow always"/"deny always" decisions for the lifetime of the
// bridge (one per session).
type Bridge struct {
	sessionID  string
	responder  PermissionResponder
	tracker    *Tracker
	taskIDFunc func(ctx context.Context) string

	mu    sync.Mutex
	cache map[string]string // hash(prompt, options) -> chosen option
}

// NewBridge builds a Bridge for one session. taskIDFunc extracts the
// logical task id used to look up the active ToolCallContext from tracker
// when none is present directly on ctx; pass nil to rely solely on
// context-carried tool calls.
func NewBridge(sessionID string, responder PermissionResponder, tracker *Tracker, taskIDFunc func(context.Context) string) *Bridge {
	return &Bridge{
		sessionID:  sessionID,
		responder:  responder,
		tracker:    tracker,
		taskIDFunc: taskIDFunc,
		cache:      make(map[string]string),
	}
}

// cacheKey mirrors Python's hash((prompt, tuple(options))): a string key is
// sufficient and avoids relying on Go's unspecified map/slice hashing.
func cacheKey(prompt string, options []string) string {
	return prompt + "\x00" + strings.Join(options, "\x00")
}

// RequestApproval asks the user to approve or deny an action, honoring the
// cache law: a prior "always" decision for the identical (prompt, options)
// pair is returned without a new round trip.
func (b *Bridge) RequestApproval(ctx context.Context, prompt string, options []string, timeout time.Duration, defaultAction string) string {
	key := cacheKey(prompt, options)

	b.mu.Lock()
	if cached, ok := b.cache[key]; ok {
		b.mu.Unlock()
		metrics.RecordPermissionOutcome("cache_hit")
		return cached
	}
	b.mu.Unlock()

	if b.responder == nil {
		result := b.resolveDefault(defaultAction, options)
		metrics.RecordPermissionOutcome(b.classifyOutcome(result))
		return result
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := PermissionRequest{
		SessionID: b.sessionID,
		Prompt:    prompt,
		Options:   b.buildOptions(options),
	}
	if tc := b.activeToolCall(ctx); tc != nil {
		req.ToolCallID = tc.CallID
		req.Title = toolmeta.TitleFor(tc.ToolName, tc.Arguments)
		req.ToolKind = toolmeta.KindFor(tc.ToolName)
	} else {
		req.ToolCallID = fmt.Sprintf("approval_%s", uuid.NewString()[:8])
		req.Title = "Permission Required"
		req.ToolKind = "other"
	}

	optionID, err := b.responder.RequestPermission(reqCtx, req)
	if err != nil {
		result := b.resolveDefault(defaultAction, options)
		metrics.RecordPermissionOutcome(b.classifyOutcome(result))
		return result
	}

	result := b.mapOptionIDToString(optionID, options)
	outcome := b.classifyOutcome(result)
	metrics.RecordPermissionOutcome(outcome)
	if strings.Contains(strings.ToLower(result), "always") {
		b.mu.Lock()
		b.cache[key] = result
		b.mu.Unlock()
	}
	return result
}

// classifyOutcome maps a resolved option string back to the same
// allow_once/allow_always/reject_once/reject_always vocabulary buildOptions
// assigns to outbound PermissionOptions, for metrics labeling.
func (b *Bridge) classifyOutcome(result string) string {
	lower := strings.ToLower(result)
	for _, pattern := range sortedOptionPatterns {
		if strings.Contains(lower, pattern) {
			return optionKindMap[pattern]
		}
	}
	return "unknown"
}

func (b *Bridge) activeToolCall(ctx context.Context) *ToolCallContext {
	if tc := ToolCallFromContext(ctx); tc != nil {
		return tc
	}
	if b.tracker != nil && b.taskIDFunc != nil {
		if taskID := b.taskIDFunc(ctx); taskID != "" {
			return b.tracker.Get(taskID)
		}
	}
	return nil
}

func (b *Bridge) buildOptions(options []string) []PermissionOption {
	result := make([]PermissionOption, 0, len(options))
	for i, opt := range options {
		lower := strings.ToLower(opt)
		kind := "allow_once"
		for _, pattern := range sortedOptionPatterns {
			if strings.Contains(lower, pattern) {
				kind = optionKindMap[pattern]
				break
			}
		}
		result = append(result, PermissionOption{
			OptionID: fmt.Sprintf("opt_%d", i),
			Name:     opt,
			Kind:     kind,
		})
	}
	return result
}

func (b *Bridge) mapOptionIDToString(optionID string, options []string) string {
	var index int
	if _, err := fmt.Sscanf(optionID, "opt_%d", &index); err == nil {
		if index >= 0 && index < len(options) {
			return options[index]
		}
	}
	if len(options) > 0 {
		slog.Default().Warn("permission response optionID out of range, falling back to first option",
			"session_id", b.sessionID, "option_id", optionID, "option_count", len(options))
		return options[0]
	}
	return "Deny"
}

func (b *Bridge) resolveDefault(defaultAction string, options []string) string {
	for _, opt := range options {
		lower := strings.ToLower(opt)
		if defaultAction == "allow" && (strings.Contains(lower, "allow") || strings.Contains(lower, "yes")) {
			return opt
		}
		if defaultAction == "deny" && (strings.Contains(lower, "deny") || strings.Contains(lower, "no")) {
			return opt
		}
	}
	if len(options) == 0 {
		return "Deny"
	}
	if defaultAction == "deny" {
		return options[len(options)-1]
	}
	return options[0]
}
