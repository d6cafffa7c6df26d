package bridge

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by Registry lookups for unknown bridge IDs.
var ErrNotFound = errors.New("bridge: not found")

// SpawnError means the agent executable could not be located or started.
type SpawnError struct {
	Binary string
	Err    error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("bridge: spawn %s: %v", e.Binary, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// StartupError means the agent process started but exited within the startup
// grace window. Stderr carries the diagnostic output collected before exit.
type StartupError struct {
	Exit   ExitInfo
	Stderr string
}

func (e *StartupError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("bridge: agent exited during startup (code %d)", e.Exit.Code)
	}
	return fmt.Sprintf("bridge: agent exited during startup (code %d): %s", e.Exit.Code, e.Stderr)
}

// TimeoutError means no response arrived for a command within its deadline.
// The process is still alive; only the one command failed.
type TimeoutError struct {
	RequestID int64
	After     time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("bridge: request %d timed out after %s", e.RequestID, e.After)
}

// ProcessExitedError means the agent process died with commands outstanding.
// Every pending command on the channel is rejected with the same error.
type ProcessExitedError struct {
	Exit ExitInfo
}

func (e *ProcessExitedError) Error() string {
	if e.Exit.Signal != "" {
		return fmt.Sprintf("bridge: agent process exited (signal %s)", e.Exit.Signal)
	}
	return fmt.Sprintf("bridge: agent process exited (code %d)", e.Exit.Code)
}
