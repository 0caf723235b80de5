package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"

	"github.com/colombod/acp-runtime/acp/approval"
	"github.com/colombod/acp-runtime/acp/eventmap"
	"github.com/colombod/acp-runtime/acp/handlers"
	"github.com/colombod/acp-runtime/acp/hooks"
	"github.com/colombod/acp-runtime/acp/metrics"
	"github.com/colombod/acp-runtime/acp/notify"
	"github.com/colombod/acp-runtime/acp/routes"
	"github.com/colombod/acp-runtime/acp/rpc"
	"github.com/colombod/acp-runtime/acp/spawn"
	"github.com/colombod/acp-runtime/acp/sweep"
	"github.com/colombod/acp-runtime/acp/transport"
	"github.com/colombod/acp-runtime/internal/builtinrt"
	loggerpkg "github.com/colombod/acp-runtime/internal/logger"
	"github.com/colombod/acp-runtime/internal/session"
)

// multiNotifier fans a session/update out to every target, so http mode's
// SSE subscribers and WebSocket connections both see the same stream
// regardless of which transport originated the session's prompt call.
type multiNotifier []session.Notifier

func (m multiNotifier) Notify(sessionID string, update *eventmap.SessionUpdate) error {
	for _, target := range m {
		_ = target.Notify(sessionID, update)
	}
	return nil
}

type serveOptions struct {
	transportMode string
	addr          string
	storageDir    string
	noPersist     bool
	jsonLogs      bool
	logLevel      string
	logDir        string
	acpEnabled    bool
	reqPerSec     float64
	reqBurst      int
	maxPerProject int
	idleTimeout   time.Duration
	sweepSchedule string
}

func newServeCmd() *cobra.Command {
	opts := &serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the ACP agent over stdio or HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.transportMode, "transport", "stdio", "transport to serve on: stdio, http")
	flags.StringVar(&opts.addr, "addr", ":8790", "listen address for http transport")
	flags.StringVar(&opts.storageDir, "storage-dir", "", "session persistence directory (default: $HOME/.amplifier/projects)")
	flags.BoolVar(&opts.noPersist, "no-persist", false, "disable session persistence entirely")
	flags.BoolVar(&opts.jsonLogs, "json-logs", false, "emit structured JSON logs instead of text")
	flags.StringVar(&opts.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	flags.StringVar(&opts.logDir, "log-dir", "", "directory to tee logs into alongside stderr (default: stderr only)")
	flags.BoolVar(&opts.acpEnabled, "acp-enabled", true, "mount ACP routes at the root namespace (http transport only)")
	flags.Float64Var(&opts.reqPerSec, "rate-limit", 20, "per-session requests/sec allowed on /acp/rpc (http transport)")
	flags.IntVar(&opts.reqBurst, "rate-burst", 40, "per-session burst allowance on /acp/rpc (http transport)")
	flags.IntVar(&opts.maxPerProject, "max-sessions-per-project", session.DefaultMaxActiveSessions, "max concurrently active sessions per project")
	flags.DurationVar(&opts.idleTimeout, "idle-timeout", session.DefaultSessionIdleTimeout, "idle duration before an active session is swept")
	flags.StringVar(&opts.sweepSchedule, "sweep-schedule", "", "cron schedule for the background sweep (default: every 5 minutes)")

	return cmd
}

func runServe(cmd *cobra.Command, opts *serveOptions) error {
	level, err := parseLogLevel(opts.logLevel)
	if err != nil {
		return err
	}
	logger := newLogger(opts.logDir, opts.jsonLogs, level)
	defer func() { _ = loggerpkg.CloseSlog() }()

	if opts.noPersist {
		_ = os.Setenv("AMPLIFIER_NO_PERSIST", "1")
	} else if opts.storageDir != "" {
		abs, err := filepath.Abs(opts.storageDir)
		if err != nil {
			return fmt.Errorf("invalid --storage-dir: %w", err)
		}
		_ = os.Setenv("AMPLIFIER_STORAGE_DIR", abs)
	}
	if v, ok := os.LookupEnv("AMPLIFIER_ACP_ENABLED"); ok && !cmd.Flags().Changed("acp-enabled") {
		opts.acpEnabled = routes.ACPEnabled(v)
	}

	sessions := session.NewManager(nil, 5*time.Minute)
	tracker := approval.NewTracker()

	info := handlers.Info{Name: "acp-agent", Title: "ACP Runtime Agent", Version: Version}
	agent := handlers.New(sessions, nil, info)

	methods := rpc.NewMethodTable()
	agent.Register(methods)
	proc := rpc.NewProcessor(methods)

	runtime := builtinrt.New()
	agent.Runtime = runtime
	agent.Tracker = tracker
	agent.Spawns = spawn.NewManager(sessions, runtime, hooks.NewBus())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	switch opts.transportMode {
	case "stdio":
		return serveStdio(ctx, opts, logger, sessions, tracker, proc, agent)
	case "http":
		return serveHTTP(ctx, opts, logger, sessions, tracker, proc, agent)
	default:
		return fmt.Errorf("unknown --transport %q (want stdio or http)", opts.transportMode)
	}
}

func parseLogLevel(s string) (slog.Level, error) {
	switch s {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown --log-level %q", s)
	}
}

func serveStdio(ctx context.Context, opts *serveOptions, logger *slog.Logger, sessions *session.Manager, tracker *approval.Tracker, proc *rpc.Processor, agent *handlers.Agent) error {
	realStdout := os.Stdout
	pr, pw, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	os.Stdout = pw
	go func() {
		_, _ = io.Copy(transport.NewDivertingWriter(os.Stderr, func() {
			logger.Warn("non-frame write to stdout diverted to stderr")
		}), pr)
	}()
	guard := transport.NewStdoutGuard(realStdout)
	stdioT := transport.NewStdioTransport(proc, os.Stdin, guard, logger, handlers.SessionIDFromParams)

	direct := notify.NewDirect(stdioT)
	agent.Notifier = direct
	agent.Active = session.NewActiveSessionManager(opts.maxPerProject, opts.idleTimeout, direct, tracker)
	agent.Responder = handlers.NewRPCPermissionResponder(proc, func(string) (rpc.OutboundSink, bool) { return stdioT, true })

	sweeper := sweep.New(sessions, sweepConfig(opts), logger)
	if err := sweeper.Start(ctx); err != nil {
		logger.Warn("sweep failed to start", "error", err)
	}
	defer sweeper.Stop()

	code := stdioT.Run(ctx)
	os.Exit(code)
	return nil
}

func serveHTTP(ctx context.Context, opts *serveOptions, logger *slog.Logger, sessions *session.Manager, tracker *approval.Tracker, proc *rpc.Processor, agent *handlers.Agent) error {
	broadcaster := notify.NewBroadcaster()
	registry := notify.NewRegistry()
	fanout := multiNotifier{broadcaster, registry}

	agent.Notifier = fanout
	agent.Active = session.NewActiveSessionManager(opts.maxPerProject, opts.idleTimeout, fanout, tracker)

	wsT := transport.NewWSTransport(proc, logger, handlers.SessionIDFromParams, registry)
	httpT := transport.NewHTTPTransport(proc, broadcaster, logger, opts.reqPerSec, opts.reqBurst)

	agent.Responder = handlers.NewRPCPermissionResponder(proc, registry.Lookup)

	router := routes.Build(opts.acpEnabled, acpMounter{http: httpT, ws: wsT}, amplifierMounter{})

	sweeper := sweep.New(sessions, sweepConfig(opts), logger)
	if err := sweeper.Start(ctx); err != nil {
		logger.Warn("sweep failed to start", "error", err)
	}
	defer sweeper.Stop()

	server := &http.Server{Addr: opts.addr, Handler: router}

	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("acp-agent listening", "addr", opts.addr, "acp_enabled", opts.acpEnabled)
		serverErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErr:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case sig := <-shutdownChan:
		logger.Info("shutting down", "signal", sig.String())
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	}
}

func sweepConfig(opts *serveOptions) sweep.Config {
	cfg := sweep.DefaultConfig()
	cfg.IdleTimeout = opts.idleTimeout
	if opts.sweepSchedule != "" {
		cfg.Schedule = opts.sweepSchedule
	}
	return cfg
}

// acpMounter composes the HTTP and WebSocket ACP transports plus the
// Prometheus scrape endpoint behind a single routes.Mounter.
type acpMounter struct {
	http *transport.HTTPTransport
	ws   *transport.WSTransport
}

func (m acpMounter) RegisterRoutes(router *mux.Router) {
	m.http.RegisterRoutes(router)
	m.ws.RegisterRoutes(router)
	router.Handle("/metrics", metrics.Handler())
}

// amplifierMounter is the non-ACP namespace's minimal surface: a liveness
// probe, since this binary has no session/agent HTTP API of its own beyond
// the ACP protocol itself.
type amplifierMounter struct{}

func (amplifierMounter) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/health", routes.HealthHandler)
}
