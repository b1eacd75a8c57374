package sessions

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/creack/pty"

	"github.com/agentdeck/agentdeck/config"
	"github.com/agentdeck/agentdeck/sessions/transport"
)

// TerminalProc is a launched interactive agent process attached to a PTY
type TerminalProc struct {
	PTY *os.File
	Cmd *exec.Cmd
}

// StreamOptions tunes a streaming launch
type StreamOptions struct {
	// Resume continues the conversation identified by this external token
	Resume string
	// SessionID pins the token a fresh run should adopt
	SessionID string
	// TurnLimit caps agent turns when > 0
	TurnLimit int
}

// StreamRun is a handle on a running streaming subprocess.
// *transport.Subprocess is the production implementation.
type StreamRun interface {
	Messages() <-chan transport.Message
	Errors() <-chan error
	Close() error
}

// Launcher starts agent processes. The service depends on this interface
// so tests can swap in fakes without spawning anything.
type Launcher interface {
	LaunchTerminal(workingDir string, args []string) (*TerminalProc, error)
	LaunchStream(ctx context.Context, prompt, workingDir string, opts StreamOptions) (StreamRun, error)
}

// CLILauncher launches the real agent CLI
type CLILauncher struct {
	Bin string
}

// NewCLILauncher builds a launcher using the configured agent binary
func NewCLILauncher() *CLILauncher {
	return &CLILauncher{Bin: config.Get().AgentBin}
}

// LaunchTerminal starts the agent CLI under a PTY in the given directory
func (cl *CLILauncher) LaunchTerminal(workingDir string, args []string) (*TerminalProc, error) {
	if workingDir != "" {
		info, err := os.Stat(workingDir)
		if err != nil || !info.IsDir() {
			return nil, fmt.Errorf("working directory %s does not exist", workingDir)
		}
	}

	cmd := exec.Command(cl.Bin, args...)
	cmd.Dir = workingDir
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("starting %s: %w", cl.Bin, err)
	}

	return &TerminalProc{PTY: ptmx, Cmd: cmd}, nil
}

// LaunchStream starts a one-shot streaming run and connects its pipes
func (cl *CLILauncher) LaunchStream(ctx context.Context, prompt, workingDir string, opts StreamOptions) (StreamRun, error) {
	sub := transport.NewSubprocess(prompt, transport.Options{
		Bin:        cl.Bin,
		WorkingDir: workingDir,
		Resume:     opts.Resume,
		SessionID:  opts.SessionID,
		TurnLimit:  opts.TurnLimit,
	})
	if err := sub.Connect(ctx); err != nil {
		return nil, err
	}
	return sub, nil
}
