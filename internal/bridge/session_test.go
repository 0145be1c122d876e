package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"
)

// fakeWorker is an in-memory stand-in for a spawned tool process.
type fakeWorker struct {
	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter

	done     chan struct{}
	exitOnce sync.Once

	mu      sync.Mutex
	exitErr error
}

func newFakeWorker() *fakeWorker {
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	return &fakeWorker{
		stdinR:  stdinR,
		stdinW:  stdinW,
		stdoutR: stdoutR,
		stdoutW: stdoutW,
		done:    make(chan struct{}),
	}
}

func (w *fakeWorker) Stdin() io.WriteCloser { return w.stdinW }
func (w *fakeWorker) Stdout() io.Reader     { return w.stdoutR }
func (w *fakeWorker) Done() <-chan struct{} { return w.done }

func (w *fakeWorker) ExitError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.exitErr
}

func (w *fakeWorker) Terminate(time.Duration) error {
	w.exit(nil)
	return nil
}

// exit simulates process death: streams close, done fires.
func (w *fakeWorker) exit(err error) {
	w.exitOnce.Do(func() {
		w.mu.Lock()
		w.exitErr = err
		w.mu.Unlock()
		w.stdoutW.Close()
		w.stdinR.Close()
		close(w.done)
	})
}

// fakeTool scripts the tool side of the protocol and records the methods
// it saw in order.
type fakeTool struct {
	worker *fakeWorker
	reader *bufio.Reader

	mu      sync.Mutex
	methods []string
}

func newFakeTool(w *fakeWorker) *fakeTool {
	return &fakeTool{worker: w, reader: bufio.NewReader(w.stdinR)}
}

func (ft *fakeTool) record(method string) {
	ft.mu.Lock()
	ft.methods = append(ft.methods, method)
	ft.mu.Unlock()
}

func (ft *fakeTool) seen() []string {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return append([]string(nil), ft.methods...)
}

func (ft *fakeTool) respond(id ID, result any) {
	resp, err := newResponse(id, result, nil)
	if err != nil {
		return
	}
	frame, err := EncodeFrame(resp)
	if err != nil {
		return
	}
	ft.worker.stdoutW.Write(frame)
}

// serve answers lifecycle methods until the stream closes: initialize
// and shutdown get responses, exit ends the process.
func (ft *fakeTool) serve() {
	for {
		msg, err := ReadFrame(ft.reader)
		if err != nil {
			return
		}
		if msg.Method != "" {
			ft.record(msg.Method)
		}
		switch msg.Method {
		case MethodInitialize:
			ft.respond(*msg.ID, InitializeResult{
				Capabilities: json.RawMessage(`{"textDocumentSync":1}`),
				ServerInfo:   &ServerInfo{Name: "faketool", Version: "1.0"},
			})
		case MethodShutdown:
			ft.respond(*msg.ID, nil)
		case MethodExit:
			ft.worker.exit(nil)
			return
		}
	}
}

// newTestSession wires a session to a scripted tool. When serve is
// false the tool reads traffic but never answers.
func newTestSession(t *testing.T, serve bool, cfg SessionConfig) (*Session, *fakeTool) {
	t.Helper()
	worker := newFakeWorker()
	tool := newFakeTool(worker)
	cfg.Factory = func() (Worker, error) { return worker, nil }
	if serve {
		go tool.serve()
	} else {
		go io.Copy(io.Discard, worker.stdinR)
	}
	session := NewSession(cfg)
	t.Cleanup(func() { worker.exit(nil) })
	return session, tool
}

func TestSessionStartHandshake(t *testing.T) {
	session, tool := newTestSession(t, true, SessionConfig{})

	if session.State() != StateStopped {
		t.Fatalf("initial state = %v", session.State())
	}
	if err := session.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if session.State() != StateRunning {
		t.Errorf("state = %v, want running", session.State())
	}

	if got := session.Capabilities(); string(got) != `{"textDocumentSync":1}` {
		t.Errorf("capabilities = %s", got)
	}
	if info := session.ServerInfo(); info == nil || info.Name != "faketool" {
		t.Errorf("server info = %+v", info)
	}

	// Handshake order on the wire: initialize, then initialized.
	deadline := time.After(2 * time.Second)
	for len(tool.seen()) < 2 {
		select {
		case <-deadline:
			t.Fatalf("handshake traffic = %v", tool.seen())
		case <-time.After(10 * time.Millisecond):
		}
	}
	seen := tool.seen()
	if seen[0] != MethodInitialize || seen[1] != MethodInitialized {
		t.Errorf("handshake order = %v", seen)
	}

	if err := session.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestSessionStartTwice(t *testing.T) {
	session, _ := newTestSession(t, true, SessionConfig{})
	if err := session.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer session.Stop(context.Background())

	if err := session.Start(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Start = %v, want ErrAlreadyRunning", err)
	}
}

func TestSessionHandshakeTimeout(t *testing.T) {
	// The tool reads initialize and never answers.
	session, _ := newTestSession(t, false, SessionConfig{
		HandshakeTimeout: 100 * time.Millisecond,
	})

	err := session.Start(context.Background())
	var startup *StartupError
	if !errors.As(err, &startup) {
		t.Fatalf("expected *StartupError, got %v", err)
	}
	if !errors.Is(err, ErrTimedOut) {
		t.Errorf("cause = %v, want ErrTimedOut", err)
	}
	if session.State() != StateStopped {
		t.Errorf("state = %v, want stopped", session.State())
	}
}

func TestSessionSpawnFailure(t *testing.T) {
	spawnErr := errors.New("no such executable")
	session := NewSession(SessionConfig{
		Factory: func() (Worker, error) { return nil, spawnErr },
	})

	if err := session.Start(context.Background()); !errors.Is(err, spawnErr) {
		t.Fatalf("Start = %v, want spawn error", err)
	}
	if session.State() != StateStopped {
		t.Errorf("state = %v, want stopped", session.State())
	}

	// A failed spawn leaves the session startable again.
	if err := session.Start(context.Background()); !errors.Is(err, spawnErr) {
		t.Fatalf("restartable Start = %v", err)
	}
}

func TestSessionCallWhileStopped(t *testing.T) {
	session, _ := newTestSession(t, true, SessionConfig{})
	if err := session.Call(context.Background(), "tool/x", nil, nil); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("Call = %v, want ErrNotRunning", err)
	}
	if err := session.Notify("tool/x", nil); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("Notify = %v, want ErrNotRunning", err)
	}
}

func TestSessionStopWhileStarting(t *testing.T) {
	worker := newFakeWorker()
	tool := newFakeTool(worker)
	go tool.serve()

	entered := make(chan struct{})
	release := make(chan struct{})
	session := NewSession(SessionConfig{
		Factory: func() (Worker, error) {
			close(entered)
			<-release
			return worker, nil
		},
	})
	t.Cleanup(func() { worker.exit(nil) })

	started := make(chan error, 1)
	go func() { started <- session.Start(context.Background()) }()
	<-entered

	// Start still owns the lifecycle; Stop must be a safe no-op.
	if err := session.Stop(context.Background()); err != nil {
		t.Fatalf("Stop while starting: %v", err)
	}
	if session.State() != StateStarting {
		t.Errorf("state = %v, want starting", session.State())
	}

	close(release)
	if err := <-started; err != nil {
		t.Fatalf("Start: %v", err)
	}
	if session.State() != StateRunning {
		t.Errorf("state = %v, want running", session.State())
	}
	if err := session.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestSessionCrashFailsPendingCalls(t *testing.T) {
	worker := newFakeWorker()
	tool := newFakeTool(worker)
	session := NewSession(SessionConfig{
		Factory: func() (Worker, error) { return worker, nil },
	})

	// The tool completes the handshake, then dies once two requests are
	// in flight.
	go func() {
		requests := 0
		for {
			msg, err := ReadFrame(tool.reader)
			if err != nil {
				return
			}
			switch msg.Method {
			case MethodInitialize:
				tool.respond(*msg.ID, InitializeResult{Capabilities: json.RawMessage(`{}`)})
			case MethodInitialized:
			default:
				requests++
				if requests == 2 {
					worker.exit(errors.New("exit status 1"))
					return
				}
			}
		}
	}()

	if err := session.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Both outstanding requests must resolve, neither may hang.
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			errs <- session.Call(context.Background(), "tool/compute", nil, nil)
		}()
	}
	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			if !errors.Is(err, ErrConnectionLost) {
				t.Fatalf("Call = %v, want ErrConnectionLost", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("pending call never resolved after crash")
		}
	}
	if session.State() != StateCrashed {
		t.Errorf("state = %v, want crashed", session.State())
	}

	select {
	case cause, ok := <-session.Crashed():
		if !ok {
			t.Fatal("crash channel closed without a cause")
		}
		if !errors.Is(cause, ErrConnectionLost) {
			t.Errorf("crash cause = %v", cause)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("crash never reported")
	}
}

func TestSessionStopSequence(t *testing.T) {
	session, tool := newTestSession(t, true, SessionConfig{})
	if err := session.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := session.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if session.State() != StateStopped {
		t.Errorf("state = %v, want stopped", session.State())
	}

	// shutdown precedes exit on the wire.
	seen := tool.seen()
	shutdownAt, exitAt := -1, -1
	for i, m := range seen {
		switch m {
		case MethodShutdown:
			shutdownAt = i
		case MethodExit:
			exitAt = i
		}
	}
	if shutdownAt == -1 || exitAt == -1 || shutdownAt > exitAt {
		t.Errorf("stop sequence = %v", seen)
	}

	// A deliberate stop is not a crash.
	if _, ok := <-session.Crashed(); ok {
		t.Error("stop reported as crash")
	}

	// Stop again is a no-op.
	if err := session.Stop(context.Background()); err != nil {
		t.Errorf("second Stop: %v", err)
	}
}

func TestSessionInboundHandlers(t *testing.T) {
	session, tool := newTestSession(t, true, SessionConfig{})

	got := make(chan string, 1)
	session.HandleNotification("tool/event", func(_ context.Context, params json.RawMessage) {
		var s string
		json.Unmarshal(params, &s)
		got <- s
	})

	if err := session.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer session.Stop(context.Background())

	params, _ := json.Marshal("hello")
	frame, _ := EncodeFrame(&Message{JSONRPC: "2.0", Method: "tool/event", Params: params})
	tool.worker.stdoutW.Write(frame)

	select {
	case s := <-got:
		if s != "hello" {
			t.Errorf("got %q", s)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("notification never dispatched")
	}
}
