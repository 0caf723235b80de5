package main

import (
	"log/slog"
	"os"

	"github.com/colombod/acp-runtime/internal/logger"
)

// newLogger wires internal/logger.InitSlog as the process-wide logger.
// logDir may be empty, in which case logging goes to stderr only; it is
// passed through from --log-dir in every transport mode, since logging
// never targets stdout (which acp/transport.StdoutGuard reserves for ACP
// JSON-RPC frames). If the log directory can't be created, logging falls
// back to stderr rather than failing startup.
func newLogger(logDir string, jsonOutput bool, level slog.Level) *slog.Logger {
	if err := logger.InitSlog(logDir, jsonOutput, level); err != nil {
		opts := &slog.HandlerOptions{Level: level}
		var handler slog.Handler
		if jsonOutput {
			handler = slog.NewJSONHandler(os.Stderr, opts)
		} else {
			handler = slog.NewTextHandler(os.Stderr, opts)
		}
		fallback := slog.New(handler)
		fallback.Error("failed to initialize log file, falling back to stderr only", "error", err, "log_dir", logDir)
		return fallback
	}
	return logger.Slog()
}
