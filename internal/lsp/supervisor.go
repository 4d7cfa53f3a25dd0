package lsp

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// RestartPolicy bounds automatic restarts of a lost analysis process.
type RestartPolicy struct {
	// Enabled turns automatic restarts on.
	Enabled bool

	// MaxRestarts is how many restarts are attempted within Window before
	// the supervisor gives up and leaves the session degraded.
	MaxRestarts int

	// Window is the rolling interval MaxRestarts applies to.
	Window time.Duration

	// BaseBackoff is the delay before the first restart attempt. Each
	// further attempt doubles it, capped at MaxBackoff.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// withDefaults fills zero fields with working values.
func (p RestartPolicy) withDefaults() RestartPolicy {
	if p.MaxRestarts <= 0 {
		p.MaxRestarts = 5
	}
	if p.Window <= 0 {
		p.Window = 2 * time.Minute
	}
	if p.BaseBackoff <= 0 {
		p.BaseBackoff = 500 * time.Millisecond
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = 15 * time.Second
	}
	return p
}

// Backoff returns the delay before restart attempt n (zero-based):
// BaseBackoff doubled per attempt, capped at MaxBackoff.
func (p RestartPolicy) Backoff(attempt int) time.Duration {
	d := p.BaseBackoff
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

// Supervisor restarts a degraded session with exponential backoff. It only
// acts when nudged via NotifyDegraded, so orderly shutdowns never trigger
// a restart.
type Supervisor struct {
	policy  RestartPolicy
	session *Session
	logger  zerolog.Logger

	trigger chan struct{}
	done    chan struct{}
	stop    sync.Once

	onGiveUp func()

	mu       sync.Mutex
	restarts []time.Time
}

// NewSupervisor creates a supervisor for the session. onGiveUp, if
// non-nil, fires once when the restart budget is exhausted.
func NewSupervisor(policy RestartPolicy, session *Session, logger zerolog.Logger, onGiveUp func()) *Supervisor {
	return &Supervisor{
		policy:   policy.withDefaults(),
		session:  session,
		logger:   logger.With().Str("component", "supervisor").Logger(),
		trigger:  make(chan struct{}, 1),
		done:     make(chan struct{}),
		onGiveUp: onGiveUp,
	}
}

// Start launches the supervision goroutine.
func (s *Supervisor) Start() {
	go s.run()
}

// Stop halts supervision. Idempotent.
func (s *Supervisor) Stop() {
	s.stop.Do(func() { close(s.done) })
}

// NotifyDegraded nudges the supervisor. Safe from any goroutine, never
// blocks.
func (s *Supervisor) NotifyDegraded() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

func (s *Supervisor) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.trigger:
			if !s.policy.Enabled {
				continue
			}
			s.attemptRestart()
		}
	}
}

// attemptRestart waits out the backoff and restarts the session once.
// A failed restart re-arms the trigger so the next attempt backs off
// further.
func (s *Supervisor) attemptRestart() {
	attempt, ok := s.recordAttempt()
	if !ok {
		s.logger.Error().Int("max", s.policy.MaxRestarts).Dur("window", s.policy.Window).
			Msg("restart budget exhausted, leaving session degraded")
		if s.onGiveUp != nil {
			s.onGiveUp()
		}
		return
	}

	delay := s.policy.Backoff(attempt)
	s.logger.Info().Int("attempt", attempt+1).Dur("backoff", delay).Msg("scheduling restart")

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-s.done:
		return
	case <-timer.C:
	}

	if s.session.State() != StateDegraded {
		return // recovered or shut down while we waited
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.session.cfg.InitializeTimeout+s.policy.MaxBackoff)
	err := s.session.Restart(ctx)
	cancel()
	if err != nil {
		s.logger.Warn().Err(err).Msg("restart failed")
		s.NotifyDegraded()
		return
	}
	s.logger.Info().Msg("analysis process restarted")
}

// recordAttempt prunes attempts outside the window and records a new one.
// Returns the zero-based attempt number within the window, or ok=false
// when the budget is spent.
func (s *Supervisor) recordAttempt() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-s.policy.Window)
	kept := s.restarts[:0]
	for _, t := range s.restarts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.restarts = kept

	if len(s.restarts) >= s.policy.MaxRestarts {
		return 0, false
	}
	attempt := len(s.restarts)
	s.restarts = append(s.restarts, time.Now())
	return attempt, true
}
