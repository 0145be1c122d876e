package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Notifier surfaces user-facing notices from the bridge or the tool.
// The editor front end plugs in its own implementation.
type Notifier interface {
	Notify(level MessageType, message string)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(level MessageType, message string)

// Notify implements Notifier.
func (f NotifierFunc) Notify(level MessageType, message string) { f(level, message) }

// SupervisorConfig tunes the crash recovery policy.
type SupervisorConfig struct {
	// MaxRestarts is the crash respawn budget before the supervisor
	// gives up. Default: 5.
	MaxRestarts int

	// InitialBackoff is the delay before the first respawn attempt;
	// each subsequent attempt doubles it up to MaxBackoff.
	// Defaults: 500ms initial, 30s cap.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// ResetWindow is how long a session must stay up for the restart
	// budget to reset. Default: 3m.
	ResetWindow time.Duration
}

// DefaultSupervisorConfig returns the default recovery policy.
func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		MaxRestarts:    5,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		ResetWindow:    3 * time.Minute,
	}
}

func (c *SupervisorConfig) fillDefaults() {
	if c.MaxRestarts == 0 {
		c.MaxRestarts = 5
	}
	if c.InitialBackoff == 0 {
		c.InitialBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.ResetWindow == 0 {
		c.ResetWindow = 3 * time.Minute
	}
}

// SessionFactory constructs a fresh, unstarted session. The supervisor
// calls it for the first start and for every restart, so each attempt
// picks up the current settings.
type SessionFactory func() *Session

// Supervisor owns the current session and the crash recovery policy:
// bounded respawn with exponential backoff after a crash, and an
// explicit Restart operation that is idempotent under concurrent
// invocation.
type Supervisor struct {
	cfg      SupervisorConfig
	factory  SessionFactory
	sync     *ConfigSync
	logger   *slog.Logger
	notifier Notifier

	mu       sync.Mutex
	session  *Session
	failed   bool
	restarts int
	upSince  time.Time

	// One stop-then-start sequence at a time; manual restarts and crash
	// respawns both claim the slot, and concurrent callers share the
	// outcome of the attempt they joined.
	inflight *restartAttempt

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// restartAttempt is one owned stop-then-start sequence. err is written
// before done is closed and never after.
type restartAttempt struct {
	done chan struct{}
	err  error
}

// NewSupervisor creates a supervisor. sync may be nil when no
// configuration synchronizer is attached.
func NewSupervisor(factory SessionFactory, sync *ConfigSync, cfg SupervisorConfig, logger *slog.Logger, notifier Notifier) *Supervisor {
	cfg.fillDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = NotifierFunc(func(MessageType, string) {})
	}
	return &Supervisor{
		cfg:      cfg,
		factory:  factory,
		sync:     sync,
		logger:   logger,
		notifier: notifier,
		done:     make(chan struct{}),
	}
}

// Session returns the current session, or nil before the first start.
func (sv *Supervisor) Session() *Session {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.session
}

// Failed reports whether the crash retry budget is exhausted. Once
// failed, the tool stays down until an explicit Restart.
func (sv *Supervisor) Failed() bool {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.failed
}

// Start brings up the first session.
func (sv *Supervisor) Start(ctx context.Context) error {
	return sv.startSession(ctx)
}

// startSession builds, binds, and starts a fresh session and begins
// watching it for crashes.
func (sv *Supervisor) startSession(ctx context.Context) error {
	session := sv.factory()
	if sv.sync != nil {
		sv.sync.Bind(session)
	}
	if err := session.Start(ctx); err != nil {
		return err
	}

	sv.mu.Lock()
	sv.session = session
	sv.failed = false
	sv.upSince = time.Now()
	sv.mu.Unlock()

	// Deliver any settings change that landed while no session could
	// take it, including one made during this handshake.
	if sv.sync != nil {
		sv.sync.Flush()
	}

	sv.wg.Add(1)
	go sv.watch(session)
	return nil
}

// watch waits for the session to end. A crash triggers the respawn
// policy; a deliberate stop just ends the watch.
func (sv *Supervisor) watch(session *Session) {
	defer sv.wg.Done()

	select {
	case <-sv.done:
		return
	case cause, ok := <-session.Crashed():
		if !ok {
			return // stopped deliberately
		}
		sv.logger.Warn("tool crashed", slog.String("session", session.ID()), slog.Any("error", cause))
		sv.respawn(session)
	}
}

// respawn retries within the crash budget, backing off exponentially.
// The budget resets when a session has stayed up past the reset window.
// Each attempt claims the in-flight slot shared with Restart; if a
// manual restart replaces the crashed session first, recovery aborts.
func (sv *Supervisor) respawn(crashed *Session) {
	sv.mu.Lock()
	if time.Since(sv.upSince) >= sv.cfg.ResetWindow {
		sv.restarts = 0
	}
	sv.mu.Unlock()

	backoff := sv.cfg.InitialBackoff
	for {
		sv.mu.Lock()
		if sv.restarts >= sv.cfg.MaxRestarts {
			sv.failed = true
			sv.mu.Unlock()
			sv.logger.Error("crash retry budget exhausted", slog.Int("attempts", sv.cfg.MaxRestarts))
			sv.notifier.Notify(MessageError, fmt.Sprintf("%v", ErrServerUnavailable))
			return
		}
		sv.restarts++
		attempt := sv.restarts
		sv.mu.Unlock()

		sv.logger.Info("respawning tool",
			slog.Int("attempt", attempt),
			slog.Duration("backoff", backoff))

		select {
		case <-sv.done:
			return
		case <-time.After(backoff):
		}

		a, ok := sv.claimAttempt(crashed)
		if !ok {
			sv.logger.Info("respawn superseded by restart")
			return
		}
		err := sv.startSession(context.Background())
		sv.finishAttempt(a, err)
		if err != nil {
			sv.logger.Warn("respawn failed", slog.Int("attempt", attempt), slog.Any("error", err))
			backoff *= 2
			if backoff > sv.cfg.MaxBackoff {
				backoff = sv.cfg.MaxBackoff
			}
			continue
		}
		return
	}
}

// claimAttempt takes ownership of the in-flight slot for one respawn
// attempt. It reports false when the crashed session is no longer the
// current one, which means a manual restart already replaced it.
func (sv *Supervisor) claimAttempt(crashed *Session) (*restartAttempt, bool) {
	for {
		sv.mu.Lock()
		if sv.session != crashed {
			sv.mu.Unlock()
			return nil, false
		}
		if a := sv.inflight; a != nil {
			sv.mu.Unlock()
			select {
			case <-a.done:
				continue
			case <-sv.done:
				return nil, false
			}
		}
		a := &restartAttempt{done: make(chan struct{})}
		sv.inflight = a
		sv.mu.Unlock()
		return a, true
	}
}

// finishAttempt publishes the attempt's outcome and releases the slot.
func (sv *Supervisor) finishAttempt(a *restartAttempt, err error) {
	sv.mu.Lock()
	sv.inflight = nil
	sv.mu.Unlock()
	a.err = err
	close(a.done)
}

// Restart stops the current session, if any, and starts a fresh one. A
// manual restart clears the failed state and the crash budget.
// Concurrent callers do not stack restarts; they share the outcome of
// the one in flight.
func (sv *Supervisor) Restart(ctx context.Context) error {
	sv.mu.Lock()
	if a := sv.inflight; a != nil {
		sv.mu.Unlock()
		select {
		case <-a.done:
			return a.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	a := &restartAttempt{done: make(chan struct{})}
	sv.inflight = a
	sv.mu.Unlock()

	err := sv.restart(ctx)
	sv.finishAttempt(a, err)
	return err
}

func (sv *Supervisor) restart(ctx context.Context) error {
	sv.mu.Lock()
	current := sv.session
	sv.restarts = 0
	sv.failed = false
	sv.mu.Unlock()

	if current != nil {
		if err := current.Stop(ctx); err != nil {
			sv.logger.Warn("stop before restart failed", slog.Any("error", err))
		}
	}
	if err := sv.startSession(ctx); err != nil {
		sv.notifier.Notify(MessageError, fmt.Sprintf("tool failed to start: %v; check the path setting and restart", err))
		return err
	}
	return nil
}

// Stop shuts the supervisor down: no more respawns, current session
// stopped gracefully.
func (sv *Supervisor) Stop(ctx context.Context) error {
	sv.stopOnce.Do(func() { close(sv.done) })

	sv.mu.Lock()
	current := sv.session
	sv.mu.Unlock()

	var err error
	if current != nil {
		err = current.Stop(ctx)
	}
	sv.wg.Wait()
	return err
}
