// Package sweep runs periodic background maintenance over the session
// store: recovering sessions stranded by a crash and pruning closed
// sessions past their retention window. Grounded on the teacher's
// internal/cleanup.Cleaner (ticker-driven Start/Stop, a Config/DefaultConfig
// pair, a runCleanup dispatcher), with the schedule itself driven by
// robfig/cron/v3 rather than a bare interval, matching how
// internal/schedule/cron.go already leans on that library for cron-field
// parsing. cleanupOldSessions's flat "sessions/<id>.json" scan is replaced
// by session.Manager.PruneClosed, which understands this repo's
// metadata.json+messages.jsonl layout.
package sweep

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/colombod/acp-runtime/internal/session"
)

// Config controls sweep cadence and retention thresholds.
type Config struct {
	// Schedule is a 5-field cron expression (minute hour dom month dow)
	// controlling how often a sweep runs. Defaults to every 5 minutes.
	Schedule string
	// IdleTimeout is how long a non-closed session may go without an
	// update before RecoverStaleSessions forces it closed.
	IdleTimeout time.Duration
	// ClosedRetention is how long a closed session's persisted record
	// survives before PruneClosed deletes it.
	ClosedRetention time.Duration
}

// DefaultConfig mirrors the teacher's cleanup.DefaultConfig thresholds
// (5-minute cadence, 1-hour retention), expressed as a cron schedule plus
// a matching idle timeout.
func DefaultConfig() Config {
	return Config{
		Schedule:        "*/5 * * * *",
		IdleTimeout:     1 * time.Hour,
		ClosedRetention: 1 * time.Hour,
	}
}

// Result reports what one sweep pass did.
type Result struct {
	RecoveredStale int
	PrunedClosed   int
	Err            error
}

// Sweeper periodically recovers stale sessions and prunes closed ones past
// retention. Safe for concurrent use; Start/Stop follow the teacher's
// Cleaner lifecycle.
type Sweeper struct {
	sessions *session.Manager
	cfg      Config
	log      *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup

	onResult func(Result)
}

// New creates a Sweeper against the given session manager. log may be nil,
// in which case slog.Default() is used.
func New(sessions *session.Manager, cfg Config, log *slog.Logger) *Sweeper {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultConfig().Schedule
	}
	return &Sweeper{
		sessions: sessions,
		cfg:      cfg,
		log:      log,
	}
}

// OnResult installs a callback invoked after every sweep pass, mainly for
// tests and metrics wiring. Must be called before Start.
func (s *Sweeper) OnResult(fn func(Result)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onResult = fn
}

// cronParser matches internal/schedule/cron.go's field configuration:
// standard 5-field cron (minute hour day month weekday), no seconds.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Start schedules periodic sweeps via a robfig/cron/v3 parser-validated
// expression, running one pass immediately the way the teacher's Cleaner
// runs cleanup on start rather than waiting for the first tick.
func (s *Sweeper) Start(ctx context.Context) error {
	schedule, err := cronParser.Parse(s.cfg.Schedule)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runSweep(runCtx)

		next := schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		defer timer.Stop()

		for {
			select {
			case <-runCtx.Done():
				return
			case <-timer.C:
				s.runSweep(runCtx)
				next = schedule.Next(time.Now())
				timer.Reset(time.Until(next))
			}
		}
	}()

	s.log.Info("sweep started", "schedule", s.cfg.Schedule, "idle_timeout", s.cfg.IdleTimeout, "closed_retention", s.cfg.ClosedRetention)
	return nil
}

// Stop halts the sweep loop and waits for the in-flight pass, if any, to
// finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	s.log.Info("sweep stopped")
}

// runSweep performs one pass: recover stale sessions, then prune closed
// ones past retention.
func (s *Sweeper) runSweep(ctx context.Context) {
	result := Result{}

	if s.cfg.IdleTimeout > 0 {
		result.RecoveredStale = s.sessions.RecoverStaleSessions(s.cfg.IdleTimeout)
		if result.RecoveredStale > 0 {
			s.log.Info("sweep recovered stale sessions", "count", result.RecoveredStale)
		}
	}

	if s.cfg.ClosedRetention > 0 {
		pruned, err := s.sessions.PruneClosed(s.cfg.ClosedRetention)
		result.PrunedClosed = pruned
		result.Err = err
		if err != nil {
			s.log.Warn("sweep prune failed", "error", err)
		} else if pruned > 0 {
			s.log.Info("sweep pruned closed sessions", "count", pruned)
		}
	}

	s.mu.Lock()
	cb := s.onResult
	s.mu.Unlock()
	if cb != nil {
		cb(result)
	}
}
