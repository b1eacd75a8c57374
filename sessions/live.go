package sessions

import (
	"context"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/agentdeck/agentdeck/sessions/transport"
)

// Kind distinguishes the two ways an agent session can run
type Kind string

const (
	// KindTerminal is an interactive PTY session
	KindTerminal Kind = "terminal"
	// KindSDK is a headless streaming session speaking stream-json
	KindSDK Kind = "sdk"
)

// Approval is the recorded decision for a single tool invocation.
// Decisions are bookkeeping only; the underlying agent process is never
// blocked waiting for one.
type Approval string

const (
	ApprovalUndecided Approval = "undecided"
	ApprovalApproved  Approval = "approved"
	ApprovalDenied    Approval = "denied"
)

// Live is the in-memory handle for a running (or, for streaming
// sessions, recently finished) agent session. Terminal handles carry a
// PTY and process; streaming handles carry the accumulated message list
// and tool-approval map. Fields for the other kind stay zero.
type Live struct {
	ID         string
	Name       string
	Kind       Kind
	WorkingDir string
	CreatedAt  time.Time

	// terminal
	PTY *os.File
	Cmd *exec.Cmd

	mu         sync.RWMutex
	lastActive time.Time

	// streaming
	messages   []transport.Message
	completed  bool
	terminated bool
	externalID string
	turnLimit  int
	approvals  map[string]Approval
	toolNames  map[string]string
	cancel     context.CancelFunc
	generation uint64
}

// NewTerminalLive wraps a launched PTY process in a handle
func NewTerminalLive(id, name, workingDir string, ptmx *os.File, cmd *exec.Cmd) *Live {
	now := time.Now()
	return &Live{
		ID:         id,
		Name:       name,
		Kind:       KindTerminal,
		WorkingDir: workingDir,
		CreatedAt:  now,
		lastActive: now,
		PTY:        ptmx,
		Cmd:        cmd,
	}
}

// NewStreamLive creates a handle for a streaming session
func NewStreamLive(id, name, workingDir string, turnLimit int, cancel context.CancelFunc) *Live {
	now := time.Now()
	return &Live{
		ID:         id,
		Name:       name,
		Kind:       KindSDK,
		WorkingDir: workingDir,
		CreatedAt:  now,
		lastActive: now,
		turnLimit:  turnLimit,
		approvals:  make(map[string]Approval),
		toolNames:  make(map[string]string),
		cancel:     cancel,
		generation: 1,
	}
}

// Touch refreshes the in-memory last-activity time
func (l *Live) Touch() {
	l.mu.Lock()
	l.lastActive = time.Now()
	l.mu.Unlock()
}

// LastActive returns the last time the session saw input or output
func (l *Live) LastActive() time.Time {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastActive
}

// AppendMessage records one parsed stream message on the handle
func (l *Live) AppendMessage(msg transport.Message) {
	l.mu.Lock()
	l.messages = append(l.messages, msg)
	l.lastActive = time.Now()
	l.mu.Unlock()
}

// Messages returns a copy of the accumulated message list
func (l *Live) Messages() []transport.Message {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]transport.Message, len(l.messages))
	copy(out, l.messages)
	return out
}

// MessageCount returns the number of accumulated messages
func (l *Live) MessageCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.messages)
}

// ResetMessages clears the accumulated message list. Used when a
// conversation is continued: the resumed run replays nothing, so stale
// in-memory messages would misrepresent the new turn.
func (l *Live) ResetMessages() {
	l.mu.Lock()
	l.messages = nil
	l.mu.Unlock()
}

// SetExternalID records the token the agent process reports for itself.
// The process may mint a new token when resumed, so the latest report
// always wins.
func (l *Live) SetExternalID(id string) (changed bool) {
	if id == "" {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.externalID == id {
		return false
	}
	l.externalID = id
	return true
}

// ExternalID returns the agent-reported session token, or ""
func (l *Live) ExternalID() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.externalID
}

// TurnLimit returns the configured max turns for streaming runs
func (l *Live) TurnLimit() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.turnLimit
}

// SetCompleted marks whether the stream has finished
func (l *Live) SetCompleted(v bool) {
	l.mu.Lock()
	l.completed = v
	l.mu.Unlock()
}

// Completed reports whether the stream has finished
func (l *Live) Completed() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.completed
}

// markTerminated flags the handle as explicitly torn down so the drain
// loop skips its own final record update. Returns false if already set.
func (l *Live) markTerminated() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.terminated {
		return false
	}
	l.terminated = true
	return true
}

// Terminated reports whether the handle was explicitly torn down
func (l *Live) Terminated() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.terminated
}

// beginRun installs the cancel func for a new run and bumps the run
// generation. Returns the new generation and the previous run's cancel
// func (nil if none). A replaced run's drain loop compares its
// generation against the handle's so it cannot settle a session that
// has already moved on.
func (l *Live) beginRun(cancel context.CancelFunc) (uint64, context.CancelFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.generation++
	prev := l.cancel
	l.cancel = cancel
	return l.generation, prev
}

// runGeneration returns the generation of the run that owns the handle
func (l *Live) runGeneration() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.generation
}

// isCurrentRun reports whether gen identifies the run that currently
// owns the handle
func (l *Live) isCurrentRun(gen uint64) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.generation == gen
}

// Cancel stops the current streaming run, if any
func (l *Live) Cancel() {
	l.mu.RLock()
	cancel := l.cancel
	l.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
}

// RecordToolUse registers a tool invocation awaiting a decision.
// Already-decided invocations are left alone.
func (l *Live) RecordToolUse(toolUseID, name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.approvals == nil {
		l.approvals = make(map[string]Approval)
		l.toolNames = make(map[string]string)
	}
	if _, ok := l.approvals[toolUseID]; !ok {
		l.approvals[toolUseID] = ApprovalUndecided
		l.toolNames[toolUseID] = name
	}
}

// SetApproval records a decision for a tool invocation
func (l *Live) SetApproval(toolUseID string, approved bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.approvals == nil {
		l.approvals = make(map[string]Approval)
		l.toolNames = make(map[string]string)
	}
	if approved {
		l.approvals[toolUseID] = ApprovalApproved
	} else {
		l.approvals[toolUseID] = ApprovalDenied
	}
}

// Approvals returns a copy of the tool-approval map
func (l *Live) Approvals() map[string]Approval {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]Approval, len(l.approvals))
	for k, v := range l.approvals {
		out[k] = v
	}
	return out
}

// ToolName returns the recorded tool name for an invocation, or ""
func (l *Live) ToolName(toolUseID string) string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.toolNames[toolUseID]
}

// HasUndecidedTool reports whether any tool invocation awaits a decision
func (l *Live) HasUndecidedTool() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, a := range l.approvals {
		if a == ApprovalUndecided {
			return true
		}
	}
	return false
}

// State derives the user-facing lifecycle state of the handle
func (l *Live) State() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	switch {
	case l.terminated:
		return "terminated"
	case l.completed:
		return "completed"
	default:
		for _, a := range l.approvals {
			if a == ApprovalUndecided {
				return "awaiting-approval"
			}
		}
		return "running"
	}
}
