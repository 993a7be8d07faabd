// Package supervisor runs one external agent command inside a workspace,
// streams its output line by line, enforces the wall-clock budget, and
// classifies termination.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/codeswarm/codeswarm/internal/common/errors"
	"github.com/codeswarm/codeswarm/internal/common/logger"
	v1 "github.com/codeswarm/codeswarm/pkg/api/v1"
)

// EmitFunc receives every progress event the supervisor produces, in
// production order.
type EmitFunc func(kind v1.EventKind, payload string)

// Config describes one supervised command.
type Config struct {
	Argv []string
	Dir  string
	Env  []string
	// Stdin, when non-empty, is written to the child's standard input.
	Stdin string

	// Timeout is the wall-clock budget; zero disables it.
	Timeout time.Duration
	// GracePeriod is the interval between the graceful termination signal
	// and the forced kill.
	GracePeriod time.Duration
	// MaxLineBytes truncates longer output lines; a warning event annotates
	// each truncation.
	MaxLineBytes int

	// Inspect, when set, is applied to each stdout line; a returned payload
	// is emitted as a best-effort status event after the line itself.
	Inspect func(line string) (string, bool)
}

// Result is the terminal outcome of a supervised command.
type Result struct {
	State      v1.AgentState
	ExitCode   int
	Reason     string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Supervisor owns one child process. It does not retry; retry is a
// scheduler concern.
type Supervisor struct {
	config Config
	emit   EmitFunc
	logger *logger.Logger

	cmd  *exec.Cmd
	done chan struct{}

	cancelCh   chan struct{}
	cancelOnce sync.Once

	mu        sync.Mutex
	state     v1.AgentState
	result    Result
	cancelled bool
	timedOut  bool
}

// New creates a supervisor in the pending state.
func New(cfg Config, emit EmitFunc, log *logger.Logger) *Supervisor {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 10 * time.Second
	}
	if cfg.MaxLineBytes <= 0 {
		cfg.MaxLineBytes = 64 * 1024
	}
	return &Supervisor{
		config:   cfg,
		emit:     emit,
		logger:   log.WithFields(zap.String("component", "supervisor")),
		done:     make(chan struct{}),
		cancelCh: make(chan struct{}),
		state:    v1.AgentStatePending,
	}
}

// State returns the current lifecycle state.
func (s *Supervisor) State() v1.AgentState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done returns a channel closed when the command reaches a terminal state.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

// Result returns the terminal outcome. Valid only after Done is closed.
func (s *Supervisor) Result() Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

// Cancel requests termination. Idempotent; a no-op on a terminal supervisor.
func (s *Supervisor) Cancel() {
	s.cancelOnce.Do(func() {
		close(s.cancelCh)
	})
}

// Start launches the command. A launch failure leaves the supervisor
// terminal-failed and returns an error classified as transient or permanent.
func (s *Supervisor) Start(ctx context.Context) error {
	if len(s.config.Argv) == 0 {
		return apperrors.PermanentLaunch("empty command vector", nil)
	}

	s.mu.Lock()
	s.state = v1.AgentStateStarting
	s.result.StartedAt = time.Now()
	s.mu.Unlock()

	cmd := exec.Command(s.config.Argv[0], s.config.Argv[1:]...)
	cmd.Dir = s.config.Dir
	cmd.Env = s.config.Env
	if s.config.Stdin != "" {
		cmd.Stdin = strings.NewReader(s.config.Stdin)
	}

	// New process group so termination signals reach the whole agent tree,
	// and the kernel reaps the child if the orchestrator dies.
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGTERM,
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return s.failLaunch(err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return s.failLaunch(err)
	}

	if err := cmd.Start(); err != nil {
		return s.failLaunch(err)
	}

	s.mu.Lock()
	s.cmd = cmd
	s.state = v1.AgentStateRunning
	s.mu.Unlock()

	s.emit(v1.EventStatus, "started")
	s.logger.Info("agent process started",
		zap.Int("pid", cmd.Process.Pid),
		zap.String("command", s.config.Argv[0]))

	var pumps sync.WaitGroup
	pumps.Add(2)
	go s.pump(v1.EventStdout, stdout, &pumps)
	go s.pump(v1.EventStderr, stderr, &pumps)

	go s.supervise(ctx, &pumps)
	return nil
}

// failLaunch records a terminal failure for a command that never ran.
func (s *Supervisor) failLaunch(err error) error {
	classified := ClassifyLaunchError(err)

	s.mu.Lock()
	s.state = v1.AgentStateFailed
	s.result.State = v1.AgentStateFailed
	s.result.ExitCode = -1
	s.result.Reason = classified.Error()
	s.result.FinishedAt = time.Now()
	s.mu.Unlock()

	close(s.done)
	return classified
}

// supervise waits for natural exit, timeout, or cancellation, in that
// select; classification priority is cancelled, then timeout, then exit code.
func (s *Supervisor) supervise(ctx context.Context, pumps *sync.WaitGroup) {
	waitCh := make(chan error, 1)
	go func() {
		// Pipes must be drained before Wait per os/exec contract.
		pumps.Wait()
		waitCh <- s.cmd.Wait()
	}()

	var timeoutCh <-chan time.Time
	if s.config.Timeout > 0 {
		timer := time.NewTimer(s.config.Timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	cancelCh := s.cancelCh
	ctxDone := ctx.Done()

	for {
		select {
		case err := <-waitCh:
			s.finalize(err)
			return

		case <-cancelCh:
			cancelCh = nil
			s.mu.Lock()
			s.cancelled = true
			s.mu.Unlock()
			s.terminate("cancel requested")

		case <-ctxDone:
			ctxDone = nil
			s.mu.Lock()
			s.cancelled = true
			s.mu.Unlock()
			s.terminate("context cancelled")

		case <-timeoutCh:
			timeoutCh = nil
			s.mu.Lock()
			alreadyCancelled := s.cancelled
			if !alreadyCancelled {
				s.timedOut = true
			}
			s.mu.Unlock()
			if !alreadyCancelled {
				s.terminate(fmt.Sprintf("timeout after %s", s.config.Timeout))
			}
		}
	}
}

// terminate sends the graceful signal to the process group and schedules
// the forced kill after the grace period. Safe to call more than once.
func (s *Supervisor) terminate(reason string) {
	s.mu.Lock()
	if s.state == v1.AgentStateTerminating || s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.state = v1.AgentStateTerminating
	pid := s.cmd.Process.Pid
	s.mu.Unlock()

	s.emit(v1.EventStatus, "terminating: "+reason)
	s.logger.Info("terminating agent process",
		zap.Int("pid", pid),
		zap.String("reason", reason))

	_ = syscall.Kill(-pid, syscall.SIGTERM)

	grace := s.config.GracePeriod
	go func() {
		select {
		case <-s.done:
		case <-time.After(grace):
			s.logger.Warn("grace period elapsed, sending SIGKILL", zap.Int("pid", pid))
			_ = syscall.Kill(-pid, syscall.SIGKILL)
		}
	}()
}

// finalize classifies termination and closes the done channel.
func (s *Supervisor) finalize(waitErr error) {
	s.mu.Lock()

	exitCode := -1
	if s.cmd.ProcessState != nil {
		exitCode = s.cmd.ProcessState.ExitCode()
	}

	var state v1.AgentState
	var reason string
	switch {
	case s.cancelled:
		state = v1.AgentStateCancelled
		reason = "cancelled"
	case s.timedOut:
		state = v1.AgentStateTimeout
		reason = fmt.Sprintf("timeout after %s", s.config.Timeout)
	case waitErr == nil:
		state = v1.AgentStateSucceeded
		reason = "succeeded"
	default:
		state = v1.AgentStateFailed
		reason = fmt.Sprintf("exit code %d", exitCode)
	}

	now := time.Now()
	s.state = state
	s.result = Result{
		State:      state,
		ExitCode:   exitCode,
		Reason:     reason,
		StartedAt:  s.result.StartedAt,
		FinishedAt: now,
	}
	duration := now.Sub(s.result.StartedAt)
	s.mu.Unlock()

	s.emit(v1.EventStatus, fmt.Sprintf("%s (finished in %.2fs)", reason, duration.Seconds()))
	s.logger.Info("agent process terminal",
		zap.String("state", string(state)),
		zap.Int("exit_code", exitCode),
		zap.Duration("duration", duration))

	close(s.done)
}

// pump forwards output lines as events as soon as each line completes.
// Lines beyond MaxLineBytes are truncated with an annotating warning; the
// reader never buffers an unbounded line.
func (s *Supervisor) pump(kind v1.EventKind, pipe io.Reader, pumps *sync.WaitGroup) {
	defer pumps.Done()

	reader := bufio.NewReaderSize(pipe, 32*1024)
	for {
		line, truncated, err := readLine(reader, s.config.MaxLineBytes)
		if len(line) > 0 {
			s.emit(kind, line)
			if truncated {
				s.emit(v1.EventWarning, fmt.Sprintf(
					"output line truncated to %d bytes", s.config.MaxLineBytes))
			}
			if kind == v1.EventStdout && s.config.Inspect != nil {
				if payload, ok := s.config.Inspect(line); ok {
					s.emit(v1.EventStatus, payload)
				}
			}
		}
		if err != nil {
			return
		}
	}
}

// readLine reads one line up to max bytes and discards the remainder of
// over-long lines. The truncated flag reports whether anything was dropped.
func readLine(r *bufio.Reader, max int) (string, bool, error) {
	var buf []byte
	truncated := false

	for {
		chunk, isPrefix, err := r.ReadLine()
		if len(chunk) > 0 {
			if len(buf) < max {
				room := max - len(buf)
				if len(chunk) > room {
					chunk = chunk[:room]
					truncated = true
				}
				buf = append(buf, chunk...)
			} else {
				truncated = true
			}
		}
		if err != nil {
			return string(buf), truncated, err
		}
		if !isPrefix {
			return string(buf), truncated, nil
		}
	}
}

// ClassifyLaunchError maps a process start error to the retry taxonomy:
// resource exhaustion is transient, everything else is permanent.
func ClassifyLaunchError(err error) error {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.EAGAIN, syscall.ENOMEM, syscall.EMFILE, syscall.ENFILE, syscall.ETXTBSY:
			return apperrors.TransientLaunch("failed to launch agent process", err)
		}
	}

	return apperrors.PermanentLaunch("failed to launch agent process", err)
}
