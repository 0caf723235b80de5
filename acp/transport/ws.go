package transport

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/colombod/acp-runtime/acp/metrics"
	"github.com/colombod/acp-runtime/acp/rpc"
)

// WebSocket close codes used by the ACP WebSocket transport. 1011 (internal
// error) stands in for "protocol error" here since gorilla/websocket does
// not define a named constant for it.
const (
	CloseClean         = websocket.CloseNormalClosure
	closeInternalServer = 1011
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// SessionRegistrar attaches and detaches a direct-connection OutboundSink
// under a session id, so a per-session notifier (the acp/notify.Direct that
// notify.NewRegistry returns) can deliver session/update notifications to
// whichever WebSocket connection owns that session.
type SessionRegistrar interface {
	Register(sessionID string, sink rpc.OutboundSink)
	Unregister(sessionID string)
}

// WSTransport runs the ACP processor full-duplex over a single WebSocket
// connection at /acp/ws. A connection may carry frames for several
// sessions and is registered as the sink for each one it sees; ping/pong is handled entirely by gorilla/websocket and never
// surfaced to the processor.
type WSTransport struct {
	proc      *rpc.Processor
	logger    *slog.Logger
	sessionOf func(method string, params json.RawMessage) string
	registrar SessionRegistrar
}

// NewWSTransport builds a WSTransport. registrar may be nil, in which case
// the connection receives only the responses to its own requests and no
// session/update notifications.
func NewWSTransport(proc *rpc.Processor, logger *slog.Logger, sessionOf func(string, json.RawMessage) string, registrar SessionRegistrar) *WSTransport {
	return &WSTransport{proc: proc, logger: logger, sessionOf: sessionOf, registrar: registrar}
}

// RegisterRoutes mounts /acp/ws on router.
func (t *WSTransport) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/acp/ws", t.handleWS)
}

func (t *WSTransport) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sink := &wsSink{conn: conn}
	ctx := r.Context()
	registered := make(map[string]bool)
	defer func() {
		if t.registrar == nil {
			return
		}
		for sessionID := range registered {
			t.registrar.Unregister(sessionID)
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.logger.Error("websocket read error", "error", err)
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(closeInternalServer, "protocol error"), time.Now().Add(time.Second))
				return
			}
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return
		}
		metrics.RecordFrame("ws", "read")

		var raw json.RawMessage = data
		sessionID := ""
		if t.sessionOf != nil {
			var probe struct {
				Method string          `json:"method"`
				Params json.RawMessage `json:"params"`
			}
			if json.Unmarshal(raw, &probe) == nil {
				sessionID = t.sessionOf(probe.Method, probe.Params)
			}
		}
		if sessionID != "" && !registered[sessionID] && t.registrar != nil {
			t.registrar.Register(sessionID, sink)
			registered[sessionID] = true
		}

		resp, err := t.proc.HandleFrame(ctx, raw, sessionID)
		if err != nil {
			t.logger.Error("websocket frame handling failed", "error", err)
			continue
		}
		if resp != nil {
			if err := sink.SendResponse(resp); err != nil {
				t.logger.Error("websocket write failed", "error", err)
				return
			}
		}
	}
}

type wsSink struct {
	conn *websocket.Conn
}

func (s *wsSink) SendResponse(resp *rpc.Response) error {
	if resp == nil {
		return nil
	}
	metrics.RecordFrame("ws", "write")
	return s.conn.WriteJSON(resp)
}

func (s *wsSink) SendNotification(n *rpc.Notification) error {
	metrics.RecordFrame("ws", "write")
	return s.conn.WriteJSON(n)
}

func (s *wsSink) SendRequest(req *rpc.Request) error {
	metrics.RecordFrame("ws", "write")
	return s.conn.WriteJSON(req)
}
