// Package supervisor restarts the whole bridge+driver session on fatal
// failure, capped within a time window so a broken environment exits for
// operator intervention instead of looping forever.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/quailyquaily/wabridge/bridge"
)

type Config struct {
	// MaxRestarts within Window before giving up, default 5.
	MaxRestarts int
	Window      time.Duration
	// Delay between a failure and the next attempt, default 5s.
	Delay time.Duration
}

func (c Config) maxRestarts() int {
	if c.MaxRestarts > 0 {
		return c.MaxRestarts
	}
	return 5
}

func (c Config) window() time.Duration {
	if c.Window > 0 {
		return c.Window
	}
	return 10 * time.Minute
}

func (c Config) delay() time.Duration {
	if c.Delay > 0 {
		return c.Delay
	}
	return 5 * time.Second
}

// Session builds and runs one complete bridge+driver session from scratch.
// It returns when the session ends; a non-nil error triggers a restart.
type Session func(ctx context.Context) error

type Supervisor struct {
	cfg Config
	log *slog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func New(cfg Config, log *slog.Logger) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{
		cfg: cfg,
		log: log,
		now: time.Now,
		sleep: func(ctx context.Context, d time.Duration) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d):
				return nil
			}
		},
	}
}

// Run loops the session until it ends cleanly, the context is canceled, or
// the restart cap is exceeded. Manual restarts do not count toward the cap.
func (s *Supervisor) Run(ctx context.Context, session Session) error {
	var failures []time.Time
	for {
		err := session(ctx)
		if err == nil || errors.Is(err, context.Canceled) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if errors.Is(err, bridge.ErrRestartRequested) {
			s.log.Info("supervisor_manual_restart")
		} else {
			now := s.now()
			failures = append(failures, now)
			failures = pruneOlder(failures, now.Add(-s.cfg.window()))
			s.log.Error("supervisor_session_failed", "error", err, "recent_failures", len(failures))
			if len(failures) > s.cfg.maxRestarts() {
				return fmt.Errorf("supervisor: %d failures within %s, giving up: %w",
					len(failures), s.cfg.window(), err)
			}
		}

		if err := s.sleep(ctx, s.cfg.delay()); err != nil {
			return err
		}
		s.log.Info("supervisor_restarting")
	}
}

func pruneOlder(stamps []time.Time, cutoff time.Time) []time.Time {
	kept := stamps[:0]
	for _, t := range stamps {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}
