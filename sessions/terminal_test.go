package sessions

import (
	"context"
	"errors"
	"os/exec"
	"sync"
	"testing"

	"github.com/creack/pty"

	"github.com/agentdeck/agentdeck/db"
)

// fakeTerminalLauncher runs a real child under a PTY so reads, writes,
// and process exit behave like the real CLI without depending on it
type fakeTerminalLauncher struct {
	mu        sync.Mutex
	launchErr error
	lastDir   string
	lastArgs  []string
}

func (f *fakeTerminalLauncher) LaunchStream(ctx context.Context, prompt, workingDir string, opts StreamOptions) (StreamRun, error) {
	return nil, errors.New("stream launch not supported in this test")
}

func (f *fakeTerminalLauncher) LaunchTerminal(workingDir string, args []string) (*TerminalProc, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastDir = workingDir
	f.lastArgs = append([]string(nil), args...)
	if f.launchErr != nil {
		return nil, f.launchErr
	}

	ptmx, tty, err := pty.Open()
	if err != nil {
		return nil, err
	}
	cmd := exec.Command("cat")
	cmd.Stdin = tty
	cmd.Stdout = tty
	if err := cmd.Start(); err != nil {
		ptmx.Close()
		tty.Close()
		return nil, err
	}
	tty.Close()
	return &TerminalProc{PTY: ptmx, Cmd: cmd}, nil
}

func (f *fakeTerminalLauncher) args() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastArgs
}

func TestCreateTerminalFreshPinsOwnID(t *testing.T) {
	store := newMemStore()
	launcher := &fakeTerminalLauncher{}
	svc := newTestService(store, launcher)

	live, err := svc.CreateTerminal("", "/tmp/proj", "")
	if err != nil {
		t.Fatalf("CreateTerminal: %v", err)
	}
	defer svc.Terminate(live.ID)

	args := launcher.args()
	if len(args) != 2 || args[0] != "--session-id" || args[1] != live.ID {
		t.Errorf("fresh launch args = %v, want [--session-id %s]", args, live.ID)
	}
	if live.Name != "proj" {
		t.Errorf("default name = %q, want proj", live.Name)
	}

	rec, _ := store.GetSession(live.ID)
	if rec == nil || rec.Status != db.StatusActive || !rec.HasProcess {
		t.Fatalf("record not active with process: %+v", rec)
	}
	if rec.ExternalID == nil || *rec.ExternalID != live.ID {
		t.Error("fresh terminal should persist its own id as the external token")
	}
}

func TestCreateTerminalResumesWithToken(t *testing.T) {
	store := newMemStore()
	launcher := &fakeTerminalLauncher{}
	svc := newTestService(store, launcher)

	live, err := svc.CreateTerminal("", "/tmp/proj", "tok-t1")
	if err != nil {
		t.Fatalf("CreateTerminal: %v", err)
	}
	defer svc.Terminate(live.ID)

	args := launcher.args()
	if len(args) != 2 || args[0] != "--resume" || args[1] != "tok-t1" {
		t.Errorf("resume launch args = %v, want [--resume tok-t1]", args)
	}

	rec, _ := store.GetSession(live.ID)
	if rec.ExternalID == nil || *rec.ExternalID != "tok-t1" {
		t.Error("resume token should be persisted as the external token")
	}
}

func TestCreateTerminalLaunchFailure(t *testing.T) {
	store := newMemStore()
	launcher := &fakeTerminalLauncher{launchErr: errors.New("binary not found")}
	svc := newTestService(store, launcher)

	_, err := svc.CreateTerminal("", "/tmp/proj", "")
	var launchErr *LaunchError
	if !errors.As(err, &launchErr) {
		t.Fatalf("expected LaunchError, got %v", err)
	}
	if launchErr.Kind != KindTerminal {
		t.Errorf("launch error kind = %s, want terminal", launchErr.Kind)
	}

	recs, _ := store.ListSessions()
	if len(recs) != 0 {
		t.Errorf("expected no records, got %d", len(recs))
	}
	if svc.Registry().Len() != 0 {
		t.Errorf("expected empty registry, got %d", svc.Registry().Len())
	}
}

func TestCreateTerminalRollsBackOnPersistFailure(t *testing.T) {
	store := newMemStore()
	launcher := &fakeTerminalLauncher{}
	svc := newTestService(store, launcher)

	// an imported record already owns this token, so the insert collides
	tok := "tok-dup"
	if err := store.CreateSession(&db.SessionRecord{ID: "imported", ExternalID: &tok}); err != nil {
		t.Fatal(err)
	}

	if _, err := svc.CreateTerminal("", "/tmp/proj", "tok-dup"); err == nil {
		t.Fatal("expected create to fail on duplicate external token")
	}

	if svc.Registry().Len() != 0 {
		t.Errorf("rolled-back session left in registry, len %d", svc.Registry().Len())
	}
	recs, _ := store.ListSessions()
	if len(recs) != 1 {
		t.Errorf("expected only the preexisting record, got %d", len(recs))
	}
}

func TestSendInputRoundTrip(t *testing.T) {
	store := newMemStore()
	launcher := &fakeTerminalLauncher{}
	svc := newTestService(store, launcher)

	live, err := svc.CreateTerminal("", "/tmp/proj", "")
	if err != nil {
		t.Fatalf("CreateTerminal: %v", err)
	}
	defer svc.Terminate(live.ID)

	viewer := NewClient(16)
	svc.Registry().AddSubscriber(live.ID, viewer)
	defer svc.Registry().RemoveSubscriber(live.ID, viewer)

	before := live.LastActive()
	if err := svc.SendInput(live.ID, []byte("ping\n")); err != nil {
		t.Fatalf("SendInput: %v", err)
	}

	// the child echoes, so the broadcaster must see the bytes back
	recvChunk(t, viewer.Send)

	if n := store.historyCount(live.ID, db.DirectionInput); n != 1 {
		t.Errorf("expected 1 input history entry, got %d", n)
	}
	waitFor(t, "output history", func() bool {
		return store.historyCount(live.ID, db.DirectionOutput) > 0
	})
	if live.LastActive().Before(before) {
		t.Error("input should refresh the activity clock")
	}
}

func TestSendInputUnknownOrWrongKind(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store, &fakeTerminalLauncher{})

	if err := svc.SendInput("missing", []byte("x")); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound for unknown id, got %v", err)
	}

	svc.Registry().Register(NewStreamLive("sdk-1", "n", "/tmp", 0, func() {}))
	if err := svc.SendInput("sdk-1", []byte("x")); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound for sdk handle, got %v", err)
	}
}

func TestResizeDeadSessionIsNoOp(t *testing.T) {
	svc := newTestService(newMemStore(), &fakeTerminalLauncher{})
	if err := svc.Resize("missing", 80, 24); err != nil {
		t.Errorf("resize of a dead session should be a no-op, got %v", err)
	}
}

func TestTerminateSettlesTerminalRecord(t *testing.T) {
	store := newMemStore()
	launcher := &fakeTerminalLauncher{}
	svc := newTestService(store, launcher)

	live, err := svc.CreateTerminal("", "/tmp/proj", "")
	if err != nil {
		t.Fatalf("CreateTerminal: %v", err)
	}

	if err := svc.Terminate(live.ID); err != nil {
		t.Fatalf("Terminate: %v", err)
	}

	if svc.Registry().Get(live.ID) != nil {
		t.Error("terminated handle should be removed from registry")
	}
	rec, _ := store.GetSession(live.ID)
	if rec.Status != db.StatusTerminated || rec.HasProcess {
		t.Errorf("record = %s hasProcess=%v, want terminated without process", rec.Status, rec.HasProcess)
	}
}

func TestTerminalCrashMarksRecord(t *testing.T) {
	store := newMemStore()
	launcher := &fakeTerminalLauncher{}
	svc := newTestService(store, launcher)

	live, err := svc.CreateTerminal("", "/tmp/proj", "")
	if err != nil {
		t.Fatalf("CreateTerminal: %v", err)
	}

	// the process dying on its own is a crash, not a terminate
	_ = live.Cmd.Process.Kill()

	waitFor(t, "crash status", func() bool {
		rec, _ := store.GetSession(live.ID)
		return rec != nil && rec.Status == db.StatusCrashed
	})

	rec, _ := store.GetSession(live.ID)
	if rec.HasProcess || !rec.CanReinit {
		t.Errorf("crashed record should be reinitializable without a process: %+v", rec)
	}
	waitFor(t, "registry cleanup", func() bool {
		return svc.Registry().Get(live.ID) == nil
	})
}

func TestRestartPrefersResumeToken(t *testing.T) {
	store := newMemStore()
	launcher := &fakeTerminalLauncher{}
	svc := newTestService(store, launcher)

	tok := "tok-r1"
	seed := &db.SessionRecord{
		ID:         "r1",
		Name:       "old",
		WorkingDir: "/tmp/proj",
		Kind:       db.KindTerminal,
		Status:     db.StatusCrashed,
		CanReinit:  true,
		ExternalID: &tok,
	}
	if err := store.CreateSession(seed); err != nil {
		t.Fatal(err)
	}

	live, err := svc.Restart("r1")
	if err != nil {
		t.Fatalf("Restart: %v", err)
	}
	defer svc.Terminate(live.ID)

	args := launcher.args()
	if len(args) != 2 || args[0] != "--resume" || args[1] != "tok-r1" {
		t.Errorf("restart args = %v, want [--resume tok-r1]", args)
	}

	rec, _ := store.GetSession("r1")
	if rec.Status != db.StatusActive || !rec.HasProcess {
		t.Errorf("restarted record = %s hasProcess=%v, want active with process", rec.Status, rec.HasProcess)
	}
}

func TestRestartFallsBackToContinue(t *testing.T) {
	store := newMemStore()
	launcher := &fakeTerminalLauncher{}
	svc := newTestService(store, launcher)

	seed := &db.SessionRecord{
		ID:         "r2",
		Name:       "old",
		WorkingDir: "/tmp/proj",
		Kind:       db.KindTerminal,
		Status:     db.StatusCrashed,
	}
	if err := store.CreateSession(seed); err != nil {
		t.Fatal(err)
	}

	live, err := svc.Restart("r2")
	if err != nil {
		t.Fatalf("Restart: %v", err)
	}
	defer svc.Terminate(live.ID)

	args := launcher.args()
	if len(args) != 1 || args[0] != "--continue" {
		t.Errorf("restart args = %v, want [--continue]", args)
	}
}

func TestRestartUnknownAndLaunchFailure(t *testing.T) {
	store := newMemStore()
	launcher := &fakeTerminalLauncher{}
	svc := newTestService(store, launcher)

	if _, err := svc.Restart("missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}

	seed := &db.SessionRecord{ID: "r3", WorkingDir: "/tmp/proj", Kind: db.KindTerminal, Status: db.StatusCrashed}
	if err := store.CreateSession(seed); err != nil {
		t.Fatal(err)
	}

	launcher.mu.Lock()
	launcher.launchErr = errors.New("binary gone")
	launcher.mu.Unlock()

	_, err := svc.Restart("r3")
	var launchErr *LaunchError
	if !errors.As(err, &launchErr) {
		t.Fatalf("expected LaunchError, got %v", err)
	}

	rec, _ := store.GetSession("r3")
	if rec.Status != db.StatusCrashed || !rec.CanReinit {
		t.Errorf("failed restart should leave a reinitializable crashed record: %+v", rec)
	}
}
