package sessions

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionNotFound is returned when no live handle exists for an ID
	ErrSessionNotFound = errors.New("session not found")

	// ErrNoResumableSession is returned when a continue is requested before
	// the session has learned its CLI-minted identifier
	ErrNoResumableSession = errors.New("no resumable session: external identifier not yet known")

	// ErrTooManySessions is returned when the live session cap is hit
	ErrTooManySessions = errors.New("too many sessions")
)

// LaunchError reports a Process Launcher failure during session creation
type LaunchError struct {
	Kind       Kind
	WorkingDir string
	Cause      error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("failed to launch %s session in %s: %v", e.Kind, e.WorkingDir, e.Cause)
}

func (e *LaunchError) Unwrap() error {
	return e.Cause
}
