package engine

import (
	"errors"
	"fmt"
)

// ErrAborted reports a worker that was stopped on request.
var ErrAborted = errors.New("task was aborted")

// ErrPaused reports a worker that was paused on request. Paused work is not
// resumable in place; resuming means a fresh run.
var ErrPaused = errors.New("task was paused")

// BadExitCodeError reports a tool run that ended on its own with a non-zero
// exit code.
type BadExitCodeError struct {
	Code int
}

func (e *BadExitCodeError) Error() string {
	return fmt.Sprintf("command exited with bad status code: %d", e.Code)
}
