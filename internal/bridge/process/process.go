// Package process manages the external tool child process: spawn, pipe
// ownership, exit tracking, and graceful termination.
package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// SpawnError reports that the tool executable could not be started.
type SpawnError struct {
	Command string
	Err     error
}

// Error implements the error interface.
func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Command, e.Err)
}

// Unwrap returns the underlying error.
func (e *SpawnError) Unwrap() error { return e.Err }

// ErrNotStarted is returned when operations require a started process.
var ErrNotStarted = errors.New("process not started")

// Config describes how to launch the tool process.
type Config struct {
	// Command is the argv to execute. Command[0] is the executable.
	Command []string

	// Dir is the working directory. Empty means inherit.
	Dir string

	// Env are additional NAME=VALUE pairs appended to the inherited
	// environment.
	Env []string

	// Stderr receives the process's stderr. Nil discards it.
	Stderr io.Writer
}

// Process is one spawned tool process and its standard streams.
// The pipes are owned exclusively by the Process and are closed when it
// is terminated. It is safe for concurrent use.
type Process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser

	done     chan struct{}
	exited   atomic.Bool
	exitErr  error
	mu       sync.RWMutex
	waitOnce sync.Once
}

// Spawn starts the tool process with piped stdin/stdout.
// It fails with a *SpawnError if the executable is missing or cannot be
// launched.
func Spawn(cfg Config) (*Process, error) {
	if len(cfg.Command) == 0 {
		return nil, &SpawnError{Command: "", Err: errors.New("empty command")}
	}

	cmd := exec.Command(cfg.Command[0], cfg.Command[1:]...)
	cmd.Dir = cfg.Dir
	cmd.Env = append(os.Environ(), cfg.Env...)
	cmd.Stderr = cfg.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &SpawnError{Command: cfg.Command[0], Err: fmt.Errorf("stdin pipe: %w", err)}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, &SpawnError{Command: cfg.Command[0], Err: fmt.Errorf("stdout pipe: %w", err)}
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		return nil, &SpawnError{Command: cfg.Command[0], Err: err}
	}

	p := &Process{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		done:   make(chan struct{}),
	}
	go p.waitLoop()
	return p, nil
}

// waitLoop reaps the process and records its exit.
func (p *Process) waitLoop() {
	p.waitOnce.Do(func() {
		err := p.cmd.Wait()
		p.mu.Lock()
		p.exitErr = err
		p.mu.Unlock()
		p.exited.Store(true)
		close(p.done)
	})
}

// Stdin returns the process's stdin pipe.
func (p *Process) Stdin() io.WriteCloser { return p.stdin }

// Stdout returns the process's stdout pipe.
func (p *Process) Stdout() io.Reader { return p.stdout }

// Done returns a channel closed when the process exits, expectedly or not.
func (p *Process) Done() <-chan struct{} { return p.done }

// ExitError returns the error from waiting on the process, if any.
func (p *Process) ExitError() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.exitErr
}

// HasExited reports whether the process has exited.
func (p *Process) HasExited() bool { return p.exited.Load() }

// PID returns the operating system process id, or -1 if unavailable.
func (p *Process) PID() int {
	if p.cmd.Process == nil {
		return -1
	}
	return p.cmd.Process.Pid
}

// Terminate asks the process to exit, waits up to grace, then kills it.
// On Unix the polite signal is SIGTERM; on Windows the process is killed
// outright because there is no portable soft-termination signal.
// The standard pipes are closed before signalling so a tool blocked on a
// read observes end-of-stream.
func (p *Process) Terminate(grace time.Duration) error {
	p.stdin.Close()

	if p.exited.Load() {
		p.stdout.Close()
		return nil
	}

	if p.cmd.Process == nil {
		return ErrNotStarted
	}

	if runtime.GOOS != "windows" {
		_ = p.cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-p.done:
			p.stdout.Close()
			return nil
		case <-time.After(grace):
		}
	}

	_ = p.cmd.Process.Kill()
	<-p.done
	p.stdout.Close()
	return nil
}
