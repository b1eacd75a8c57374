package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/agentdeck/agentdeck/log"
)

// DefaultMaxBufferSize bounds a single stream-json line (1MB)
const DefaultMaxBufferSize = 1024 * 1024

var (
	ErrNotConnected     = fmt.Errorf("not connected")
	ErrAlreadyConnected = fmt.Errorf("already connected")
)

// LaunchError wraps a failure to start or talk to the agent CLI process
type LaunchError struct {
	Message string
	Cause   error
}

func (e *LaunchError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("agent CLI: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("agent CLI: %s", e.Message)
}

func (e *LaunchError) Unwrap() error {
	return e.Cause
}

// Subprocess runs one agent turn as a child process in print mode,
// streaming parsed messages until the turn completes or the run is closed.
type Subprocess struct {
	options Options
	prompt  string

	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr io.ReadCloser

	messages chan Message
	errors   chan error

	// tail of stderr for error reporting
	stderrTail []string

	connected bool
	closed    bool
	// closed by monitorProcess once cmd.Wait returns; Wait may only be
	// called once, so everyone else observes exit through this
	waitDone chan struct{}
	mu       sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ Transport = (*Subprocess)(nil)

// NewSubprocess creates a transport for a single prompt run
func NewSubprocess(prompt string, options Options) *Subprocess {
	return &Subprocess{
		options:  options,
		prompt:   prompt,
		messages: make(chan Message, 100),
		errors:   make(chan error, 10),
		waitDone: make(chan struct{}),
	}
}

// buildArgs constructs the CLI argument list
func (t *Subprocess) buildArgs() []string {
	args := []string{"--output-format", "stream-json", "--verbose"}

	if t.options.Resume != "" {
		args = append(args, "--resume", t.options.Resume)
	} else if t.options.SessionID != "" {
		args = append(args, "--session-id", t.options.SessionID)
	}
	if t.options.TurnLimit > 0 {
		args = append(args, "--max-turns", strconv.Itoa(t.options.TurnLimit))
	}

	args = append(args, "--print", "--", t.prompt)
	return args
}

// Connect starts the subprocess and its reader goroutines
func (t *Subprocess) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.connected {
		return ErrAlreadyConnected
	}
	if t.closed {
		return &LaunchError{Message: "transport already closed"}
	}

	t.ctx, t.cancel = context.WithCancel(ctx)

	bin := t.options.Bin
	if bin == "" {
		bin = "claude"
	}

	t.cmd = exec.CommandContext(t.ctx, bin, t.buildArgs()...)
	t.cmd.Dir = t.options.WorkingDir
	t.cmd.Env = os.Environ()

	var err error
	t.stdout, err = t.cmd.StdoutPipe()
	if err != nil {
		return &LaunchError{Message: "failed to create stdout pipe", Cause: err}
	}
	t.stderr, err = t.cmd.StderrPipe()
	if err != nil {
		return &LaunchError{Message: "failed to create stderr pipe", Cause: err}
	}

	if err := t.cmd.Start(); err != nil {
		return &LaunchError{Message: "failed to start process", Cause: err}
	}

	t.connected = true

	log.Info().
		Int("pid", t.cmd.Process.Pid).
		Str("cwd", t.options.WorkingDir).
		Str("resume", t.options.Resume).
		Msg("agent CLI subprocess started")

	t.wg.Add(2)
	go t.readStdout()
	go t.readStderr()

	t.wg.Add(1)
	go t.monitorProcess()

	return nil
}

// readStdout parses stream-json lines into the message channel
func (t *Subprocess) readStdout() {
	defer t.wg.Done()

	maxBuf := t.options.MaxBufferSize
	if maxBuf <= 0 {
		maxBuf = DefaultMaxBufferSize
	}

	scanner := bufio.NewScanner(t.stdout)
	scanner.Buffer(make([]byte, maxBuf), maxBuf)

	for scanner.Scan() {
		select {
		case <-t.ctx.Done():
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		msg, err := ParseMessage(line)
		if err != nil {
			log.Warn().Err(err).Int("bytes", len(line)).Msg("skipping unparseable stream-json line")
			continue
		}

		select {
		case t.messages <- msg:
		case <-t.ctx.Done():
			return
		}
	}

	if err := scanner.Err(); err != nil {
		select {
		case t.errors <- &LaunchError{Message: "stdout read error", Cause: err}:
		case <-t.ctx.Done():
		}
	}
}

// readStderr keeps a short tail of stderr for error reporting
func (t *Subprocess) readStderr() {
	defer t.wg.Done()

	scanner := bufio.NewScanner(t.stderr)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		t.mu.Lock()
		t.stderrTail = append(t.stderrTail, line)
		if len(t.stderrTail) > 20 {
			t.stderrTail = t.stderrTail[1:]
		}
		t.mu.Unlock()

		log.Debug().Str("stderr", line).Msg("agent CLI stderr")
	}
}

// monitorProcess waits for process exit and closes the message channel
func (t *Subprocess) monitorProcess() {
	defer t.wg.Done()

	err := t.cmd.Wait()
	close(t.waitDone)

	t.mu.Lock()
	t.connected = false
	closed := t.closed
	tail := strings.Join(t.stderrTail, "\n")
	t.mu.Unlock()

	if err != nil && !closed {
		select {
		case <-t.ctx.Done():
			// cancelled on purpose, not a failure
			log.Debug().Err(err).Msg("agent CLI process terminated after cancellation")
		default:
			log.Error().Err(err).Str("stderr", tail).Msg("agent CLI process exited with error")
			select {
			case t.errors <- &LaunchError{Message: "process exited: " + tail, Cause: err}:
			default:
			}
		}
	}

	close(t.messages)
}

// Messages returns the channel of parsed messages
func (t *Subprocess) Messages() <-chan Message {
	return t.messages
}

// Errors returns the channel of transport errors
func (t *Subprocess) Errors() <-chan error {
	return t.errors
}

// Close terminates the run. The CLI is a Node.js program that handles
// SIGINT but ignores SIGTERM, so the sequence is SIGINT, short wait,
// then SIGKILL.
func (t *Subprocess) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	if t.cancel != nil {
		t.cancel()
	}

	if t.cmd != nil && t.cmd.Process != nil {
		if err := t.cmd.Process.Signal(syscall.SIGINT); err == nil {
			// monitorProcess is the sole Wait caller; watch its signal
			select {
			case <-t.waitDone:
			case <-time.After(5 * time.Second):
				log.Warn().Int("pid", t.cmd.Process.Pid).Msg("process did not exit after SIGINT, sending SIGKILL")
				t.cmd.Process.Kill()
			}
		} else {
			t.cmd.Process.Kill()
		}
	}

	// Unblock scanner goroutines stuck on I/O
	if t.stdout != nil {
		t.stdout.Close()
	}
	if t.stderr != nil {
		t.stderr.Close()
	}

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		log.Warn().Msg("transport goroutines did not finish in time, proceeding with close")
	}

	return nil
}

// IsConnected returns whether the underlying process is still running
func (t *Subprocess) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected && !t.closed
}
