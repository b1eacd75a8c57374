package sessions

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/agentdeck/agentdeck/db"
	"github.com/agentdeck/agentdeck/sessions/transport"
)

// memStore is an in-memory Store for tests
type memStore struct {
	mu      sync.Mutex
	records map[string]*db.SessionRecord
	history []db.HistoryEntry
	nextID  int64
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]*db.SessionRecord)}
}

func (m *memStore) CreateSession(r *db.SessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[r.ID]; ok {
		return fmt.Errorf("duplicate session id %s", r.ID)
	}
	if r.ExternalID != nil {
		for _, rec := range m.records {
			if rec.ExternalID != nil && *rec.ExternalID == *r.ExternalID {
				return fmt.Errorf("duplicate external id %s", *r.ExternalID)
			}
		}
	}
	cp := *r
	m.records[r.ID] = &cp
	return nil
}

func (m *memStore) GetSession(id string) (*db.SessionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (m *memStore) GetSessionByExternalID(externalID string) (*db.SessionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.records {
		if rec.ExternalID != nil && *rec.ExternalID == externalID {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memStore) ListSessions() ([]db.SessionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]db.SessionRecord, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, *rec)
	}
	return out, nil
}

func (m *memStore) UpdateSession(id string, u db.SessionUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return fmt.Errorf("session record %s not found", id)
	}
	if u.Name != nil {
		rec.Name = *u.Name
	}
	if u.LastActiveAt != nil {
		rec.LastActiveAt = *u.LastActiveAt
	}
	if u.Status != nil {
		rec.Status = *u.Status
	}
	if u.HasProcess != nil {
		rec.HasProcess = *u.HasProcess
	}
	if u.CanReinit != nil {
		rec.CanReinit = *u.CanReinit
	}
	if u.Metadata != nil {
		rec.Metadata = *u.Metadata
	}
	if u.ExternalID != nil {
		rec.ExternalID = u.ExternalID
	}
	if u.TranscriptPath != nil {
		rec.TranscriptPath = u.TranscriptPath
	}
	return nil
}

func (m *memStore) DeleteSession(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, id)
	kept := m.history[:0]
	for _, e := range m.history {
		if e.SessionID != id {
			kept = append(kept, e)
		}
	}
	m.history = kept
	return nil
}

func (m *memStore) AppendHistory(e *db.HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	e.ID = m.nextID
	if e.Timestamp == 0 {
		e.Timestamp = db.NowMs()
	}
	m.history = append(m.history, *e)
	return nil
}

func (m *memStore) ListHistory(sessionID string, limit int) ([]db.HistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []db.HistoryEntry
	for _, e := range m.history {
		if e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (m *memStore) historyCount(sessionID, direction string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.history {
		if e.SessionID == sessionID && e.Direction == direction {
			n++
		}
	}
	return n
}

// fakeRun is a scriptable StreamRun
type fakeRun struct {
	messages  chan transport.Message
	errs      chan error
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeRun() *fakeRun {
	return &fakeRun{
		messages: make(chan transport.Message, 16),
		errs:     make(chan error, 1),
		closed:   make(chan struct{}),
	}
}

func (r *fakeRun) Messages() <-chan transport.Message { return r.messages }
func (r *fakeRun) Errors() <-chan error               { return r.errs }

func (r *fakeRun) Close() error {
	r.closeOnce.Do(func() { close(r.closed) })
	return nil
}

func (r *fakeRun) emit(msg transport.Message) { r.messages <- msg }

func (r *fakeRun) finish(err error) {
	if err != nil {
		r.errs <- err
	}
	close(r.messages)
	close(r.errs)
}

// fakeLauncher hands out scripted runs
type fakeLauncher struct {
	mu        sync.Mutex
	runs      []*fakeRun
	lastOpts  StreamOptions
	launchErr error
}

func (f *fakeLauncher) LaunchTerminal(workingDir string, args []string) (*TerminalProc, error) {
	return nil, errors.New("terminal launch not supported in this test")
}

func (f *fakeLauncher) LaunchStream(ctx context.Context, prompt, workingDir string, opts StreamOptions) (StreamRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.launchErr != nil {
		return nil, f.launchErr
	}
	run := newFakeRun()
	f.runs = append(f.runs, run)
	f.lastOpts = opts
	return run, nil
}

func (f *fakeLauncher) lastRun() *fakeRun {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.runs) == 0 {
		return nil
	}
	return f.runs[len(f.runs)-1]
}

func (f *fakeLauncher) runAt(i int) *fakeRun {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs[i]
}

func newTestService(store Store, launcher Launcher) *Service {
	return NewService(store, launcher, NewRegistry(), ServiceOptions{MaxSessions: 5})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func msg(fields map[string]any) transport.Message {
	return transport.Message(fields)
}

func TestStartStreamDrainsToCompletion(t *testing.T) {
	store := newMemStore()
	launcher := &fakeLauncher{}
	svc := newTestService(store, launcher)

	live, err := svc.StartStream("", "fix the bug", "/tmp", 0, "")
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}

	run := launcher.lastRun()
	run.emit(msg(map[string]any{"type": "system", "session_id": "ext-1"}))
	run.emit(msg(map[string]any{
		"type":       "assistant",
		"session_id": "ext-1",
		"message": map[string]any{
			"content": []any{
				map[string]any{"type": "tool_use", "id": "tu-1", "name": "Bash"},
			},
		},
	}))
	run.emit(msg(map[string]any{"type": "result", "session_id": "ext-1"}))
	run.finish(nil)

	waitFor(t, "completion", func() bool {
		rec, _ := store.GetSession(live.ID)
		return rec != nil && rec.Status == db.StatusCompleted
	})

	if !live.Completed() {
		t.Error("handle should be marked completed")
	}
	if live.MessageCount() != 3 {
		t.Errorf("expected 3 messages on handle, got %d", live.MessageCount())
	}
	if live.ExternalID() != "ext-1" {
		t.Errorf("expected external id ext-1, got %q", live.ExternalID())
	}

	approvals := live.Approvals()
	if approvals["tu-1"] != ApprovalUndecided {
		t.Errorf("expected undecided approval for tu-1, got %q", approvals["tu-1"])
	}

	rec, _ := store.GetSession(live.ID)
	if rec.ExternalID == nil || *rec.ExternalID != "ext-1" {
		t.Error("external id was not persisted")
	}
	if rec.HasProcess {
		t.Error("record should not claim a process after completion")
	}
	if !rec.CanReinit {
		t.Error("completed session with a token should be resumable")
	}

	if n := store.historyCount(live.ID, db.DirectionInput); n != 1 {
		t.Errorf("expected 1 input history entry, got %d", n)
	}
	if n := store.historyCount(live.ID, db.DirectionOutput); n != 3 {
		t.Errorf("expected 3 output history entries, got %d", n)
	}

	// handle stays registered so the conversation can be continued
	if svc.Registry().Get(live.ID) == nil {
		t.Error("completed stream handle should remain registered")
	}
}

func TestStreamFailureMarksCrashed(t *testing.T) {
	store := newMemStore()
	launcher := &fakeLauncher{}
	svc := newTestService(store, launcher)

	live, err := svc.StartStream("", "do something", "/tmp", 0, "")
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}

	run := launcher.lastRun()
	run.emit(msg(map[string]any{"type": "system", "session_id": "ext-2"}))
	run.finish(errors.New("process exited with code 1"))

	waitFor(t, "crash status", func() bool {
		rec, _ := store.GetSession(live.ID)
		return rec != nil && rec.Status == db.StatusCrashed
	})

	rec, _ := store.GetSession(live.ID)
	if !rec.CanReinit {
		t.Error("crashed session with a token should be resumable")
	}
}

func TestContinueWithoutTokenFails(t *testing.T) {
	store := newMemStore()
	launcher := &fakeLauncher{}
	svc := newTestService(store, launcher)

	live, err := svc.StartStream("", "hello", "/tmp", 0, "")
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}

	// no message revealed a token yet
	if _, err := svc.Continue(live.ID, "next"); !errors.Is(err, ErrNoResumableSession) {
		t.Fatalf("expected ErrNoResumableSession, got %v", err)
	}

	// record untouched
	rec, _ := store.GetSession(live.ID)
	if rec.Status != db.StatusActive {
		t.Errorf("record should be untouched, status %s", rec.Status)
	}

	launcher.lastRun().finish(nil)
}

func TestContinueResumesWithToken(t *testing.T) {
	store := newMemStore()
	launcher := &fakeLauncher{}
	svc := newTestService(store, launcher)

	live, err := svc.StartStream("", "hello", "/tmp", 3, "")
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}

	run := launcher.lastRun()
	run.emit(msg(map[string]any{"type": "result", "session_id": "ext-3"}))
	run.finish(nil)

	waitFor(t, "completion", func() bool { return live.Completed() })

	if _, err := svc.Continue(live.ID, "and then?"); err != nil {
		t.Fatalf("Continue: %v", err)
	}

	if launcher.lastOpts.Resume != "ext-3" {
		t.Errorf("expected resume token ext-3, got %q", launcher.lastOpts.Resume)
	}
	if launcher.lastOpts.TurnLimit != 3 {
		t.Errorf("expected turn limit carried over, got %d", launcher.lastOpts.TurnLimit)
	}
	if live.Completed() {
		t.Error("handle should no longer be completed")
	}
	if live.MessageCount() != 0 {
		t.Errorf("in-memory messages should be cleared, have %d", live.MessageCount())
	}

	rec, _ := store.GetSession(live.ID)
	if rec.Status != db.StatusActive || !rec.HasProcess {
		t.Errorf("record should be active again, got %s hasProcess=%v", rec.Status, rec.HasProcess)
	}

	if n := store.historyCount(live.ID, db.DirectionInput); n != 2 {
		t.Errorf("expected 2 input history entries, got %d", n)
	}

	launcher.lastRun().finish(nil)
}

func TestContinueWhilePriorRunStillDraining(t *testing.T) {
	store := newMemStore()
	launcher := &fakeLauncher{}
	svc := newTestService(store, launcher)

	live, err := svc.StartStream("", "hello", "/tmp", 0, "")
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}

	run1 := launcher.runAt(0)
	run1.emit(msg(map[string]any{"type": "system", "session_id": "ext-9"}))
	waitFor(t, "token", func() bool { return live.ExternalID() == "ext-9" })

	// continue before the first run's channels close
	if _, err := svc.Continue(live.ID, "and then?"); err != nil {
		t.Fatalf("Continue: %v", err)
	}

	// the replaced run winds down afterwards; its leftovers must not
	// touch the handle or the record
	run1.emit(msg(map[string]any{"type": "result", "session_id": "ext-9"}))
	run1.finish(nil)

	select {
	case <-run1.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for replaced run to be closed")
	}

	if live.Completed() {
		t.Error("handle must not be completed while the new run streams")
	}
	if live.MessageCount() != 0 {
		t.Errorf("stale messages applied to the handle: %d", live.MessageCount())
	}
	rec, _ := store.GetSession(live.ID)
	if rec.Status != db.StatusActive || !rec.HasProcess {
		t.Errorf("record settled by a replaced run: status=%s hasProcess=%v", rec.Status, rec.HasProcess)
	}

	// only the current run settles the session
	run2 := launcher.runAt(1)
	run2.emit(msg(map[string]any{"type": "result", "session_id": "ext-9"}))
	run2.finish(nil)

	waitFor(t, "completion", func() bool {
		r, _ := store.GetSession(live.ID)
		return r != nil && r.Status == db.StatusCompleted
	})
	if !live.Completed() {
		t.Error("handle should be completed once the current run ends")
	}
	if live.MessageCount() != 1 {
		t.Errorf("expected 1 message from the current run, got %d", live.MessageCount())
	}
}

func TestStartStreamWithResumeToken(t *testing.T) {
	store := newMemStore()
	launcher := &fakeLauncher{}
	svc := newTestService(store, launcher)

	live, err := svc.StartStream("", "pick up the refactor", "/tmp", 2, "tok-abc")
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}

	if launcher.lastOpts.Resume != "tok-abc" {
		t.Errorf("expected resume token tok-abc, got %q", launcher.lastOpts.Resume)
	}
	if live.ExternalID() != "tok-abc" {
		t.Errorf("handle should be seeded with the token, got %q", live.ExternalID())
	}

	// the run ends without ever reporting a session_id; the seeded token
	// still makes the session continuable
	launcher.lastRun().finish(nil)
	waitFor(t, "completion", func() bool { return live.Completed() })

	rec, _ := store.GetSession(live.ID)
	if !rec.CanReinit {
		t.Error("seeded session should be resumable")
	}

	if _, err := svc.Continue(live.ID, "keep going"); err != nil {
		t.Fatalf("Continue after seeded start: %v", err)
	}
	if launcher.lastOpts.Resume != "tok-abc" {
		t.Errorf("continue should reuse the seeded token, got %q", launcher.lastOpts.Resume)
	}

	launcher.lastRun().finish(nil)
}

func TestTerminateIsIdempotent(t *testing.T) {
	store := newMemStore()
	launcher := &fakeLauncher{}
	svc := newTestService(store, launcher)

	live, err := svc.StartStream("", "hello", "/tmp", 0, "")
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	launcher.lastRun().emit(msg(map[string]any{"type": "system", "session_id": "ext-4"}))

	waitFor(t, "token", func() bool { return live.ExternalID() == "ext-4" })

	if err := svc.Terminate(live.ID); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if svc.Registry().Get(live.ID) != nil {
		t.Error("terminated handle should be removed from registry")
	}

	rec, _ := store.GetSession(live.ID)
	if rec.Status != db.StatusCompleted {
		t.Errorf("expected completed, got %s", rec.Status)
	}

	// second terminate and terminate of unknown id are no-ops
	if err := svc.Terminate(live.ID); err != nil {
		t.Errorf("repeat Terminate: %v", err)
	}
	if err := svc.Terminate("no-such-session"); err != nil {
		t.Errorf("Terminate unknown: %v", err)
	}

	launcher.lastRun().finish(nil)
}

func TestApproveRecordsDecision(t *testing.T) {
	store := newMemStore()
	launcher := &fakeLauncher{}
	svc := newTestService(store, launcher)

	live, err := svc.StartStream("", "hello", "/tmp", 0, "")
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}

	run := launcher.lastRun()
	run.emit(msg(map[string]any{
		"type":       "assistant",
		"session_id": "ext-5",
		"message": map[string]any{
			"content": []any{
				map[string]any{"type": "tool_use", "id": "tu-9", "name": "Write"},
			},
		},
	}))

	waitFor(t, "pending approval", func() bool { return live.HasUndecidedTool() })

	if live.State() != "awaiting-approval" {
		t.Errorf("expected awaiting-approval state, got %s", live.State())
	}

	if err := svc.Approve(live.ID, "tu-9", false); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if live.Approvals()["tu-9"] != ApprovalDenied {
		t.Errorf("expected denied, got %q", live.Approvals()["tu-9"])
	}
	if live.State() != "running" {
		t.Errorf("expected running after decision, got %s", live.State())
	}

	if err := svc.Approve("missing", "tu-9", true); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}

	run.finish(nil)
}

func TestStartStreamLaunchFailure(t *testing.T) {
	store := newMemStore()
	launcher := &fakeLauncher{launchErr: errors.New("binary not found")}
	svc := newTestService(store, launcher)

	_, err := svc.StartStream("", "hello", "/tmp", 0, "")
	var launchErr *LaunchError
	if !errors.As(err, &launchErr) {
		t.Fatalf("expected LaunchError, got %v", err)
	}

	// nothing persisted, nothing registered
	recs, _ := store.ListSessions()
	if len(recs) != 0 {
		t.Errorf("expected no records, got %d", len(recs))
	}
	if svc.Registry().Len() != 0 {
		t.Errorf("expected empty registry, got %d", svc.Registry().Len())
	}
}

func TestSessionCapEnforced(t *testing.T) {
	store := newMemStore()
	launcher := &fakeLauncher{}
	svc := NewService(store, launcher, NewRegistry(), ServiceOptions{MaxSessions: 1})

	if _, err := svc.StartStream("", "one", "/tmp", 0, ""); err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	if _, err := svc.StartStream("", "two", "/tmp", 0, ""); !errors.Is(err, ErrTooManySessions) {
		t.Fatalf("expected ErrTooManySessions, got %v", err)
	}

	launcher.lastRun().finish(nil)
}
