// Package transport provides the low-level communication layer with the
// agent CLI's stream-json output mode.
package transport

import "context"

// Transport is the interface for a single agent CLI run.
// Implementations handle the actual I/O (subprocess, fakes in tests).
type Transport interface {
	// Connect starts the run
	Connect(ctx context.Context) error

	// Messages returns a channel yielding parsed stream-json messages.
	// The channel is closed when the run ends.
	Messages() <-chan Message

	// Errors returns a channel yielding transport-level errors
	Errors() <-chan error

	// Close terminates the run and cleans up resources
	Close() error

	// IsConnected returns whether the underlying process is still running
	IsConnected() bool
}

// Options configures a stream run
type Options struct {
	// Bin is the agent CLI binary, "claude" if empty
	Bin string

	// WorkingDir is the directory the agent operates in
	WorkingDir string

	// Resume is the CLI-minted session identifier to resume from, if any
	Resume string

	// SessionID pins the identifier a fresh run adopts. Ignored when
	// Resume is set.
	SessionID string

	// TurnLimit caps the number of agent turns for this run (0 = CLI default).
	// Enforcement is the CLI's responsibility, not ours.
	TurnLimit int

	// MaxBufferSize bounds a single stream-json line (default 1MB)
	MaxBufferSize int
}
