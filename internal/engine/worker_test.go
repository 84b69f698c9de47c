package engine

import (
	"bytes"
	"io"
	"os/exec"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"project-magpie/internal/logger"
)

func requirePosixShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}
}

// streamSink is a consumer that keeps everything it read. Run joins the
// consumer goroutines before returning, so reading the sink afterwards is
// race free; the mutex is for the paranoid.
type streamSink struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *streamSink) consume(r io.Reader) {
	data, _ := io.ReadAll(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf.Write(data)
}

func (s *streamSink) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

func TestSupervisorCleanExit(t *testing.T) {
	requirePosixShell(t)
	sup := NewSupervisor(logger.NewNop())

	var stdout, stderr streamSink
	cmd := exec.Command("sh", "-c", "echo to-stdout; echo to-stderr 1>&2")

	err := sup.Run(cmd, NewControlHandle(), stdout.consume, stderr.consume)
	require.NoError(t, err)
	require.Equal(t, "to-stdout\n", stdout.String())
	require.Equal(t, "to-stderr\n", stderr.String())
}

func TestSupervisorBadExitCode(t *testing.T) {
	requirePosixShell(t)
	sup := NewSupervisor(logger.NewNop())

	var stdout, stderr streamSink
	cmd := exec.Command("sh", "-c", "exit 3")

	err := sup.Run(cmd, NewControlHandle(), stdout.consume, stderr.consume)
	var bad *BadExitCodeError
	require.ErrorAs(t, err, &bad)
	require.Equal(t, 3, bad.Code)
}

func TestSupervisorStopKillsSubtree(t *testing.T) {
	requirePosixShell(t)
	sup := NewSupervisor(logger.NewNop())

	handle := NewControlHandle()
	time.AfterFunc(100*time.Millisecond, handle.SignalStop)

	// Without the subtree kill the background sleeps would keep the stdout
	// pipe open and Run could not return before they finish.
	var stdout, stderr streamSink
	cmd := exec.Command("sh", "-c", "sleep 10 & sleep 10 & wait")

	start := time.Now()
	err := sup.Run(cmd, handle, stdout.consume, stderr.consume)
	require.ErrorIs(t, err, ErrAborted)
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestSupervisorPause(t *testing.T) {
	requirePosixShell(t)
	sup := NewSupervisor(logger.NewNop())

	handle := NewControlHandle()
	time.AfterFunc(100*time.Millisecond, handle.SignalPause)

	var stdout, stderr streamSink
	cmd := exec.Command("sh", "-c", "sleep 10")

	start := time.Now()
	err := sup.Run(cmd, handle, stdout.consume, stderr.consume)
	require.ErrorIs(t, err, ErrPaused)
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestSupervisorStartFailure(t *testing.T) {
	sup := NewSupervisor(logger.NewNop())

	var stdout, stderr streamSink
	cmd := exec.Command("/this/binary/does/not/exist")

	err := sup.Run(cmd, NewControlHandle(), stdout.consume, stderr.consume)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrAborted)
}
