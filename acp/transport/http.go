package transport

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"golang.org/x/time/rate"

	"github.com/colombod/acp-runtime/acp/metrics"
	"github.com/colombod/acp-runtime/acp/rpc"
)

// EventBroker fans out notifications to SSE subscribers keyed by session id,
// mirroring the event-replay shape the session package already provides for
// ring-buffered notification history.
type EventBroker interface {
	Subscribe(sessionID string) (ch <-chan []byte, cancel func())
}

// HTTPTransport exposes the ACP JSON-RPC processor over POST /acp/rpc and a
// notification stream over GET /acp/events, mounted by RegisterRoutes onto a
// gorilla/mux router so it composes with the namespace switch in acp/routes.
type HTTPTransport struct {
	proc    *rpc.Processor
	broker  EventBroker
	logger  *slog.Logger
	limiter *sessionLimiters
}

// NewHTTPTransport builds an HTTPTransport. reqPerSec/burst configure a
// per-session rate limiter guarding /acp/rpc, grounded on the teacher's
// golang.org/x/time/rate use for per-token limiting.
func NewHTTPTransport(proc *rpc.Processor, broker EventBroker, logger *slog.Logger, reqPerSec float64, burst int) *HTTPTransport {
	return &HTTPTransport{
		proc:    proc,
		broker:  broker,
		logger:  logger,
		limiter: newSessionLimiters(reqPerSec, burst),
	}
}

// RegisterRoutes mounts /acp/rpc and /acp/events on router.
func (t *HTTPTransport) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/acp/rpc", t.handleRPC).Methods(http.MethodPost)
	router.HandleFunc("/acp/events", t.handleEvents).Methods(http.MethodGet)
}

func (t *HTTPTransport) handleRPC(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID != "" && !t.limiter.allow(sessionID) {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeJSONRPCError(w, rpc.ErrParse, err.Error())
		return
	}
	metrics.RecordFrame("http", "read")

	resp, err := t.proc.HandleFrame(r.Context(), raw, sessionID)
	if err != nil {
		writeJSONRPCError(w, rpc.ErrInternal, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if resp == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	metrics.RecordFrame("http", "write")
	_ = json.NewEncoder(w).Encode(resp)
}

func (t *HTTPTransport) handleEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		http.Error(w, "session_id is required", http.StatusBadRequest)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, cancel := t.broker.Subscribe(sessionID)
	defer cancel()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-ch:
			if !ok {
				return
			}
			metrics.RecordFrame("sse", "write")
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}

func writeJSONRPCError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(&rpc.Response{
		JSONRPC: "2.0",
		Error:   &rpc.ErrorObject{Code: code, Message: message},
	})
}

// sessionLimiters tracks one golang.org/x/time/rate.Limiter per session,
// grounded on internal/auth/ratelimit.go's per-token limiter map.
type sessionLimiters struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	r        rate.Limit
	burst    int
}

func newSessionLimiters(reqPerSec float64, burst int) *sessionLimiters {
	if reqPerSec <= 0 {
		reqPerSec = 20
	}
	if burst <= 0 {
		burst = 40
	}
	return &sessionLimiters{
		limiters: make(map[string]*rate.Limiter),
		r:        rate.Limit(reqPerSec),
		burst:    burst,
	}
}

func (s *sessionLimiters) allow(sessionID string) bool {
	s.mu.Lock()
	lim, ok := s.limiters[sessionID]
	if !ok {
		lim = rate.NewLimiter(s.r, s.burst)
		s.limiters[sessionID] = lim
	}
	s.mu.Unlock()
	return lim.Allow()
}
