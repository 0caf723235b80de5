package transport

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"

	"github.com/colombod/acp-runtime/acp/frame"
	"github.com/colombod/acp-runtime/acp/metrics"
	"github.com/colombod/acp-runtime/acp/rpc"
)

// Exit codes for the stdio transport: Run returns 0 on clean stdin EOF,
// and InitFailure maps a fatal startup error to 1. ExitHijacked (2) is not
// returned by Run or by cmd/acp-agent, which diverts non-frame stdout
// writes to stderr, logs a warning, and keeps serving.
const (
	ExitClean       = 0
	ExitInitFailure = 1
	ExitHijacked    = 2
)

// StdoutGuard is the only writer allowed to touch the real stdout once a
// StdioTransport is running. Any write arriving through a different path
// (a stray fmt.Println, a library that logs to os.Stdout) must be detected
// and diverted, never merged into the frame stream.
type StdoutGuard struct {
	mu  sync.Mutex
	out io.Writer
}

// NewStdoutGuard wraps the real stdout writer.
func NewStdoutGuard(out io.Writer) *StdoutGuard {
	return &StdoutGuard{out: out}
}

// WriteFrame writes one already-terminated frame to stdout.
func (g *StdoutGuard) WriteFrame(data []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, err := g.out.Write(data)
	return err
}

// DivertingWriter wraps an io.Writer (typically the process's real stdout
// file descriptor, once swapped out for a pipe) and routes every write that
// does not go through the guard's WriteFrame to a diversion sink (stderr),
// satisfying the stdio invariant that only protocol frames reach stdout.
type DivertingWriter struct {
	Divert io.Writer
	logged bool
	onHit  func()
}

// NewDivertingWriter builds a writer that forwards stray bytes to divert
// and invokes onHijack (if non-nil) the first time it sees any.
func NewDivertingWriter(divert io.Writer, onHijack func()) *DivertingWriter {
	return &DivertingWriter{Divert: divert, onHit: onHijack}
}

func (d *DivertingWriter) Write(p []byte) (int, error) {
	if !d.logged {
		d.logged = true
		if d.onHit != nil {
			d.onHit()
		}
	}
	return d.Divert.Write(p)
}

// StdioTransport runs the ACP processor over line-delimited JSON on stdin
// and stdout, mirroring the teacher's socket read/dispatch loop but
// retargeted at process pipes instead of a TCP connection.
type StdioTransport struct {
	proc   *rpc.Processor
	in     io.Reader
	guard  *StdoutGuard
	logger *slog.Logger

	sessionOf func(method string, params json.RawMessage) string
}

// NewStdioTransport builds a StdioTransport reading from in and writing
// frames through guard. sessionOf extracts the session id that owns a given
// inbound method/params pair, used for per-session lock serialization; it
// may return "" for session-less methods like initialize.
func NewStdioTransport(proc *rpc.Processor, in io.Reader, guard *StdoutGuard, logger *slog.Logger, sessionOf func(string, json.RawMessage) string) *StdioTransport {
	return &StdioTransport{proc: proc, in: in, guard: guard, logger: logger, sessionOf: sessionOf}
}

// SendResponse writes a Response frame to stdout.
func (t *StdioTransport) SendResponse(resp *rpc.Response) error {
	if resp == nil {
		return nil
	}
	data, err := frame.Encode(resp)
	if err != nil {
		return err
	}
	metrics.RecordFrame("stdio", "write")
	return t.guard.WriteFrame(data)
}

// SendNotification writes a Notification frame to stdout.
func (t *StdioTransport) SendNotification(n *rpc.Notification) error {
	data, err := frame.Encode(n)
	if err != nil {
		return err
	}
	metrics.RecordFrame("stdio", "write")
	return t.guard.WriteFrame(data)
}

// SendRequest writes a runtime-originated Request frame to stdout, used by
// rpc.Processor.SendRequest for permission/fs/terminal callbacks.
func (t *StdioTransport) SendRequest(req *rpc.Request) error {
	data, err := frame.Encode(req)
	if err != nil {
		return err
	}
	metrics.RecordFrame("stdio", "write")
	return t.guard.WriteFrame(data)
}

// Run drains frames from stdin until EOF, dispatching each through the
// processor and writing any Response back to stdout. It returns the
// process exit code to use.
func (t *StdioTransport) Run(ctx context.Context) int {
	sc := frame.NewScanner(t.in)
	for {
		raw, err := sc.Next()
		if err == io.EOF {
			t.logger.Info("stdin closed, draining complete")
			return ExitClean
		}
		if err != nil {
			t.logger.Error("frame read failed", "error", err)
			resp := &rpc.Response{JSONRPC: "2.0", Error: &rpc.ErrorObject{Code: rpc.ErrParse, Message: err.Error()}}
			_ = t.SendResponse(resp)
			continue
		}
		metrics.RecordFrame("stdio", "read")

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

		resp, err := t.proc.HandleFrame(ctx, raw, sessionID)
		if err != nil {
			t.logger.Error("frame handling failed", "error", err)
			continue
		}
		if resp != nil {
			if err := t.SendResponse(resp); err != nil {
				t.logger.Error("failed to write response frame", "error", err)
			}
		}
	}
}

// InitFailure is a convenience for callers that need to report a fatal
// startup error against the stdio exit-code contract.
func InitFailure(logger *slog.Logger, err error) int {
	logger.Error("fatal init failure", "error", err)
	return ExitInitFailure
}
