package engine

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"
)

// pollInterval bounds how long a stop or pause request can go unnoticed.
const pollInterval = 250 * time.Millisecond

// Supervisor babysits one child process per call: it feeds both output
// streams to the given consumers, honors stop and pause requests, and never
// returns while anything of the subtree is still running.
type Supervisor struct {
	log *slog.Logger
}

func NewSupervisor(log *slog.Logger) *Supervisor {
	return &Supervisor{log: log}
}

// Run starts cmd and blocks until it is gone. Each consumer runs on its own
// goroutine and gets the raw stream; both have returned by the time Run
// returns. A clean exit yields nil, a non-zero exit *BadExitCodeError, a
// stop request ErrAborted and a pause request ErrPaused.
func (s *Supervisor) Run(cmd *exec.Cmd, handle *ControlHandle, consumeStdout, consumeStderr func(io.Reader)) error {
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	setProcAttr(cmd)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", cmd.Path, err)
	}

	var consumers sync.WaitGroup
	consumers.Add(2)
	go func() {
		defer consumers.Done()
		consumeStdout(stdout)
	}()
	go func() {
		defer consumers.Done()
		consumeStderr(stderr)
	}()

	// cmd.Wait may only run once both pipe readers are finished.
	waitDone := make(chan error, 1)
	go func() {
		consumers.Wait()
		waitDone <- cmd.Wait()
	}()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case err := <-waitDone:
			if err == nil {
				return nil
			}
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				return &BadExitCodeError{Code: exitErr.ExitCode()}
			}
			return fmt.Errorf("failed to wait for command: %w", err)

		case <-ticker.C:
			if handle.StopRequested() {
				s.terminate(cmd, waitDone)
				return ErrAborted
			}
			if handle.PauseRequested() {
				s.terminate(cmd, waitDone)
				return ErrPaused
			}
		}
	}
}

// terminate kills the process subtree and reaps the child.
func (s *Supervisor) terminate(cmd *exec.Cmd, waitDone <-chan error) {
	pid := cmd.Process.Pid
	if err := killTree(pid); err != nil {
		s.log.Warn("Failed to terminate process tree.", "pid", pid, "error", err)
	}
	<-waitDone
}
