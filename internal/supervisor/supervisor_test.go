package supervisor

import (
	"bufio"
	"context"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/codeswarm/codeswarm/internal/common/errors"
	"github.com/codeswarm/codeswarm/internal/common/logger"
	v1 "github.com/codeswarm/codeswarm/pkg/api/v1"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	require.NoError(t, err)
	return log
}

type eventCollector struct {
	mu     sync.Mutex
	events []v1.ProgressEvent
}

func (c *eventCollector) emit(kind v1.EventKind, payload string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, v1.ProgressEvent{Kind: kind, Payload: payload})
}

func (c *eventCollector) payloads(kind v1.EventKind) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, e := range c.events {
		if e.Kind == kind {
			out = append(out, e.Payload)
		}
	}
	return out
}

func waitDone(t *testing.T, s *Supervisor) Result {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("supervisor did not terminate in time")
	}
	return s.Result()
}

func TestSupervisorSuccess(t *testing.T) {
	col := &eventCollector{}
	sup := New(Config{
		Argv: []string{"sh", "-c", "echo one; echo two >&2; echo three"},
		Dir:  t.TempDir(),
	}, col.emit, testLogger(t))

	require.NoError(t, sup.Start(context.Background()))
	result := waitDone(t, sup)

	assert.Equal(t, v1.AgentStateSucceeded, result.State)
	assert.Equal(t, 0, result.ExitCode)
	assert.Equal(t, []string{"one", "three"}, col.payloads(v1.EventStdout))
	assert.Equal(t, []string{"two"}, col.payloads(v1.EventStderr))

	statuses := col.payloads(v1.EventStatus)
	require.NotEmpty(t, statuses)
	assert.Equal(t, "started", statuses[0])
	assert.Contains(t, statuses[len(statuses)-1], "succeeded")
}

func TestSupervisorNonZeroExit(t *testing.T) {
	col := &eventCollector{}
	sup := New(Config{
		Argv: []string{"sh", "-c", "exit 3"},
		Dir:  t.TempDir(),
	}, col.emit, testLogger(t))

	require.NoError(t, sup.Start(context.Background()))
	result := waitDone(t, sup)

	assert.Equal(t, v1.AgentStateFailed, result.State)
	assert.Equal(t, 3, result.ExitCode)
	assert.Contains(t, result.Reason, "exit code 3")
}

func TestSupervisorTimeout(t *testing.T) {
	col := &eventCollector{}
	sup := New(Config{
		Argv:        []string{"sleep", "30"},
		Dir:         t.TempDir(),
		Timeout:     200 * time.Millisecond,
		GracePeriod: 500 * time.Millisecond,
	}, col.emit, testLogger(t))

	require.NoError(t, sup.Start(context.Background()))
	result := waitDone(t, sup)

	assert.Equal(t, v1.AgentStateTimeout, result.State)
	assert.Contains(t, result.Reason, "timeout")
}

func TestSupervisorCancel(t *testing.T) {
	col := &eventCollector{}
	sup := New(Config{
		Argv:        []string{"sleep", "30"},
		Dir:         t.TempDir(),
		GracePeriod: 500 * time.Millisecond,
	}, col.emit, testLogger(t))

	require.NoError(t, sup.Start(context.Background()))
	sup.Cancel()
	sup.Cancel() // idempotent
	result := waitDone(t, sup)

	assert.Equal(t, v1.AgentStateCancelled, result.State)
	assert.Equal(t, "cancelled", result.Reason)
}

func TestSupervisorCancelBeatsTimeout(t *testing.T) {
	col := &eventCollector{}
	sup := New(Config{
		Argv:        []string{"sleep", "30"},
		Dir:         t.TempDir(),
		Timeout:     50 * time.Millisecond,
		GracePeriod: 500 * time.Millisecond,
	}, col.emit, testLogger(t))

	require.NoError(t, sup.Start(context.Background()))
	sup.Cancel()
	result := waitDone(t, sup)

	// Cancellation wins the classification even if the budget also elapsed.
	assert.Equal(t, v1.AgentStateCancelled, result.State)
}

func TestSupervisorContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	col := &eventCollector{}
	sup := New(Config{
		Argv:        []string{"sleep", "30"},
		Dir:         t.TempDir(),
		GracePeriod: 500 * time.Millisecond,
	}, col.emit, testLogger(t))

	require.NoError(t, sup.Start(ctx))
	cancel()
	result := waitDone(t, sup)

	assert.Equal(t, v1.AgentStateCancelled, result.State)
}

func TestSupervisorGraceEscalation(t *testing.T) {
	// Trap SIGTERM so only SIGKILL can stop the child.
	col := &eventCollector{}
	sup := New(Config{
		Argv:        []string{"sh", "-c", "trap '' TERM; sleep 30"},
		Dir:         t.TempDir(),
		GracePeriod: 200 * time.Millisecond,
	}, col.emit, testLogger(t))

	require.NoError(t, sup.Start(context.Background()))
	time.Sleep(100 * time.Millisecond) // let the trap install
	sup.Cancel()
	result := waitDone(t, sup)

	assert.Equal(t, v1.AgentStateCancelled, result.State)
}

func TestSupervisorLaunchPermanent(t *testing.T) {
	col := &eventCollector{}
	sup := New(Config{
		Argv: []string{"definitely-not-a-real-command-xyz"},
		Dir:  t.TempDir(),
	}, col.emit, testLogger(t))

	err := sup.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeLaunchPermanent, apperrors.Code(err))

	result := waitDone(t, sup)
	assert.Equal(t, v1.AgentStateFailed, result.State)
}

func TestSupervisorEmptyArgv(t *testing.T) {
	sup := New(Config{}, func(v1.EventKind, string) {}, testLogger(t))
	err := sup.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeLaunchPermanent, apperrors.Code(err))
}

func TestSupervisorLineTruncation(t *testing.T) {
	col := &eventCollector{}
	sup := New(Config{
		Argv:         []string{"sh", "-c", "printf 'aaaaaaaaaaaaaaaaaaaa\\nshort\\n'"},
		Dir:          t.TempDir(),
		MaxLineBytes: 8,
	}, col.emit, testLogger(t))

	require.NoError(t, sup.Start(context.Background()))
	waitDone(t, sup)

	stdout := col.payloads(v1.EventStdout)
	assert.Equal(t, []string{"aaaaaaaa", "short"}, stdout)

	warnings := col.payloads(v1.EventWarning)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "truncated")
}

func TestSupervisorInspect(t *testing.T) {
	col := &eventCollector{}
	sup := New(Config{
		Argv: []string{"sh", "-c", "echo 'progress: 40%'"},
		Dir:  t.TempDir(),
		Inspect: func(line string) (string, bool) {
			if strings.Contains(line, "progress:") {
				return "40% complete", true
			}
			return "", false
		},
	}, col.emit, testLogger(t))

	require.NoError(t, sup.Start(context.Background()))
	waitDone(t, sup)

	assert.Contains(t, col.payloads(v1.EventStatus), "40% complete")
}

func TestReadLine(t *testing.T) {
	r := bufio.NewReaderSize(strings.NewReader("hello\nworld\n"), 16)

	line, truncated, err := readLine(r, 64)
	require.NoError(t, err)
	assert.Equal(t, "hello", line)
	assert.False(t, truncated)

	line, _, err = readLine(r, 64)
	require.NoError(t, err)
	assert.Equal(t, "world", line)
}

func TestReadLineOverflow(t *testing.T) {
	long := strings.Repeat("x", 100)
	r := bufio.NewReaderSize(strings.NewReader(long+"\ntail\n"), 16)

	line, truncated, err := readLine(r, 10)
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("x", 10), line)
	assert.True(t, truncated)

	// The remainder of the long line is discarded, not leaked into the next.
	line, truncated, err = readLine(r, 10)
	require.NoError(t, err)
	assert.Equal(t, "tail", line)
	assert.False(t, truncated)
}

func TestClassifyLaunchError(t *testing.T) {
	transient := ClassifyLaunchError(syscall.EAGAIN)
	assert.Equal(t, apperrors.ErrCodeLaunchTransient, apperrors.Code(transient))

	permanent := ClassifyLaunchError(exec.ErrNotFound)
	assert.Equal(t, apperrors.ErrCodeLaunchPermanent, apperrors.Code(permanent))

	wrapped := ClassifyLaunchError(&exec.Error{Name: "agent", Err: syscall.ENOMEM})
	assert.Equal(t, apperrors.ErrCodeLaunchTransient, apperrors.Code(wrapped))
}
