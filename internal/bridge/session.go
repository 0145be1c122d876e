package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// State is the lifecycle state of a Session.
type State int32

const (
	// StateStopped means no tool process exists.
	StateStopped State = iota
	// StateStarting means the tool process is being spawned.
	StateStarting
	// StateHandshaking means initialize is in flight.
	StateHandshaking
	// StateRunning is the steady state; traffic flows both ways.
	StateRunning
	// StateStopping means a graceful shutdown is in progress.
	StateStopping
	// StateCrashed means the tool process exited unexpectedly.
	StateCrashed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateHandshaking:
		return "handshaking"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateCrashed:
		return "crashed"
	default:
		return "unknown"
	}
}

// Worker is one spawned tool process as the session sees it. The
// process package provides the real implementation; tests substitute
// in-memory pipes.
type Worker interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Done() <-chan struct{}
	ExitError() error
	Terminate(grace time.Duration) error
}

// WorkerFactory spawns a fresh tool process. It fails with a
// *process.SpawnError when the executable cannot be launched.
type WorkerFactory func() (Worker, error)

// SessionConfig configures one Session.
type SessionConfig struct {
	// Factory spawns the tool process.
	Factory WorkerFactory

	// RootURI and WorkspaceFolders seed the initialize request.
	RootURI          DocumentURI
	WorkspaceFolders []WorkspaceFolder

	// InitializationOptions is the settings payload sent with
	// initialize.
	InitializationOptions any

	// HandshakeTimeout bounds the initialize request. Default: 15s.
	HandshakeTimeout time.Duration

	// RequestTimeout is the default deadline for Call. Default: 30s.
	RequestTimeout time.Duration

	// ShutdownTimeout bounds the shutdown request. Default: 5s.
	ShutdownTimeout time.Duration

	// GraceTimeout is how long Terminate waits after the polite signal
	// before killing. Default: 2s.
	GraceTimeout time.Duration

	// Trace mirrors wire traffic to the logger.
	Trace TraceLevel

	// Logger is the injected log sink. Defaults to slog.Default().
	Logger *slog.Logger
}

func (c *SessionConfig) fillDefaults() {
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 15 * time.Second
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
	if c.GraceTimeout == 0 {
		c.GraceTimeout = 2 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Session is the full lifecycle of one spawned tool process: spawn,
// handshake, steady state, shutdown. A session is never reused; a
// restart discards it and constructs a new one.
type Session struct {
	id     string
	cfg    SessionConfig
	logger *slog.Logger

	state atomic.Int32

	worker    Worker
	transport *Transport
	router    *Router

	mu           sync.Mutex
	capabilities json.RawMessage
	serverInfo   *ServerInfo

	// Handlers registered before Start are applied when the router is
	// built.
	pendingReq  map[string]RequestHandler
	pendingNote map[string]NotificationHandler

	crashCh   chan error
	crashOnce sync.Once

	group    *errgroup.Group
	pumpStop context.CancelFunc
}

// NewSession creates a session in the stopped state.
func NewSession(cfg SessionConfig) *Session {
	cfg.fillDefaults()
	id := uuid.NewString()
	return &Session{
		id:          id,
		cfg:         cfg,
		logger:      cfg.Logger.With(slog.String("session", id)),
		pendingReq:  make(map[string]RequestHandler),
		pendingNote: make(map[string]NotificationHandler),
		crashCh:     make(chan error, 1),
	}
}

// ID returns the session's identity for log correlation.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Crashed returns a channel that delivers the crash cause if the tool
// process exits unexpectedly, and is closed when the session ends.
func (s *Session) Crashed() <-chan error { return s.crashCh }

// Capabilities returns the capabilities negotiated during the
// handshake. Immutable once Running.
func (s *Session) Capabilities() json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capabilities
}

// ServerInfo returns the tool's self-identification, if it sent one.
func (s *Session) ServerInfo() *ServerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverInfo
}

// HandleRequest registers the handler for an inbound request method.
// May be called before or after Start.
func (s *Session) HandleRequest(method string, h RequestHandler) {
	s.mu.Lock()
	s.pendingReq[method] = h
	router := s.router
	s.mu.Unlock()
	if router != nil {
		router.HandleRequest(method, h)
	}
}

// HandleNotification registers the handler for an inbound notification
// method. May be called before or after Start.
func (s *Session) HandleNotification(method string, h NotificationHandler) {
	s.mu.Lock()
	s.pendingNote[method] = h
	router := s.router
	s.mu.Unlock()
	if router != nil {
		router.HandleNotification(method, h)
	}
}

// Start spawns the tool process and performs the initialize handshake.
// On handshake failure the session returns to Stopped and the error is a
// *StartupError; on spawn failure the factory's error passes through.
func (s *Session) Start(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateStopped), int32(StateStarting)) {
		return ErrAlreadyRunning
	}

	worker, err := s.cfg.Factory()
	if err != nil {
		s.state.Store(int32(StateStopped))
		return err
	}

	transport := NewTransport(worker.Stdout(), worker.Stdin(), worker.Stdin(),
		WithTrace(s.cfg.Trace), WithTransportLogger(s.logger))
	router := NewRouter(transport, s.logger)

	s.mu.Lock()
	s.worker = worker
	s.transport = transport
	s.router = router
	for method, h := range s.pendingReq {
		router.HandleRequest(method, h)
	}
	for method, h := range s.pendingNote {
		router.HandleNotification(method, h)
	}
	s.mu.Unlock()

	// The pumps outlive the Start call; they stop when the session
	// does, not when the caller's context does.
	pumpCtx, cancel := context.WithCancel(context.Background())
	s.pumpStop = cancel
	g, pumpCtx := errgroup.WithContext(pumpCtx)
	s.group = g
	g.Go(func() error { return s.runRouter(pumpCtx) })
	g.Go(func() error { s.watchWorker(); return nil })

	s.state.Store(int32(StateHandshaking))
	if err := s.handshake(ctx); err != nil {
		if s.State() != StateCrashed {
			// Through Stopping so the worker watcher reads the
			// termination as deliberate.
			s.state.Store(int32(StateStopping))
			s.teardown(ErrCancelled)
			s.state.Store(int32(StateStopped))
			s.closeCrashChannel()
		}
		return &StartupError{Command: s.id, Err: err}
	}

	s.state.Store(int32(StateRunning))
	s.logger.Info("session running")
	return nil
}

// handshake sends initialize and, on success, the initialized
// notification.
func (s *Session) handshake(ctx context.Context) error {
	hsCtx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	defer cancel()

	params := InitializeParams{
		ProcessID:             os.Getpid(),
		RootURI:               s.cfg.RootURI,
		Capabilities:          DefaultClientCapabilities(),
		InitializationOptions: s.cfg.InitializationOptions,
		WorkspaceFolders:      s.cfg.WorkspaceFolders,
		Trace:                 s.cfg.Trace.String(),
	}

	var result InitializeResult
	if err := s.router.Call(hsCtx, MethodInitialize, params, &result); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	s.mu.Lock()
	s.capabilities = result.Capabilities
	s.serverInfo = result.ServerInfo
	s.mu.Unlock()

	if err := s.router.Notify(MethodInitialized, InitializedParams{}); err != nil {
		return fmt.Errorf("initialized: %w", err)
	}
	return nil
}

// runRouter drives the read loop. A framing error while live is fatal to
// the connection: the worker is killed so the crash path runs.
func (s *Session) runRouter(ctx context.Context) error {
	err := s.router.Run(ctx)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	var framing *FramingError
	if errors.As(err, &framing) {
		st := s.State()
		if st != StateStopping && st != StateStopped {
			s.logger.Error("fatal framing error", slog.Any("error", err))
			_ = s.worker.Terminate(0)
		}
		return err
	}
	return err
}

// watchWorker surfaces unexpected process exit as a crash.
func (s *Session) watchWorker() {
	<-s.worker.Done()

	st := s.State()
	if st == StateStopping || st == StateStopped {
		return // expected exit
	}

	s.state.Store(int32(StateCrashed))
	cause := fmt.Errorf("%w: %v", ErrConnectionLost, s.worker.ExitError())
	s.logger.Warn("tool process exited unexpectedly", slog.Any("error", s.worker.ExitError()))

	// Fail every pending request exactly once, then report the crash.
	s.router.Fail(ErrConnectionLost)
	s.transport.Close()
	s.crashOnce.Do(func() {
		s.crashCh <- cause
		close(s.crashCh)
	})
}

// Call sends a request to the tool and awaits its response. The default
// request timeout applies unless ctx carries an earlier deadline.
func (s *Session) Call(ctx context.Context, method string, params, result any) error {
	if s.State() != StateRunning {
		return ErrNotRunning
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.RequestTimeout)
		defer cancel()
	}
	return s.router.Call(ctx, method, params, result)
}

// Notify sends a notification to the tool.
func (s *Session) Notify(method string, params any) error {
	if s.State() != StateRunning {
		return ErrNotRunning
	}
	return s.router.Notify(method, params)
}

// Stop performs the graceful shutdown sequence: shutdown request, exit
// notification, then process termination. Safe to call on an already
// stopped or crashed session.
func (s *Session) Stop(ctx context.Context) error {
	for {
		st := s.State()
		switch st {
		case StateStopped, StateStopping:
			return nil
		case StateStarting:
			// Start still owns the lifecycle; the router may not exist
			// yet.
			return nil
		case StateCrashed:
			// Process is already gone; just release the streams.
			s.release()
			return nil
		}
		if s.state.CompareAndSwap(int32(st), int32(StateStopping)) {
			break
		}
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.router.Call(shutdownCtx, MethodShutdown, nil, nil); err != nil {
		s.logger.Warn("shutdown request failed", slog.Any("error", err))
	}
	if err := s.router.Notify(MethodExit, nil); err != nil {
		s.logger.Warn("exit notification failed", slog.Any("error", err))
	}

	s.teardown(ErrCancelled)
	s.state.Store(int32(StateStopped))
	s.closeCrashChannel()
	s.logger.Info("session stopped")
	return nil
}

// teardown resolves pending work, terminates the worker, and waits for
// the pumps to drain.
func (s *Session) teardown(cause error) {
	s.router.Fail(cause)
	_ = s.worker.Terminate(s.cfg.GraceTimeout)
	s.transport.Close()
	s.release()
}

// release cancels the pumps and waits for them.
func (s *Session) release() {
	if s.pumpStop != nil {
		s.pumpStop()
	}
	if s.group != nil {
		_ = s.group.Wait()
	}
}

// closeCrashChannel marks the session as finished for crash watchers.
func (s *Session) closeCrashChannel() {
	s.crashOnce.Do(func() { close(s.crashCh) })
}
