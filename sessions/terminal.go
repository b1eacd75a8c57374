package sessions

import (
	"path/filepath"

	"github.com/creack/pty"
	"github.com/google/uuid"

	"github.com/agentdeck/agentdeck/db"
	"github.com/agentdeck/agentdeck/log"
)

const ptyReadBufferSize = 4096

// CreateTerminal launches an interactive agent session under a PTY.
// A fresh session pins the agent CLI to our own ID so the external token
// is known up front; a non-empty resumeToken continues an existing
// conversation instead.
func (s *Service) CreateTerminal(name, workingDir, resumeToken string) (*Live, error) {
	if err := s.checkCapacity(); err != nil {
		return nil, err
	}

	id := uuid.New().String()
	if name == "" {
		name = filepath.Base(workingDir)
	}

	externalID := id
	args := []string{"--session-id", id}
	if resumeToken != "" {
		externalID = resumeToken
		args = []string{"--resume", resumeToken}
	}

	proc, err := s.launcher.LaunchTerminal(workingDir, args)
	if err != nil {
		return nil, &LaunchError{Kind: KindTerminal, WorkingDir: workingDir, Cause: err}
	}

	live := NewTerminalLive(id, name, workingDir, proc.PTY, proc.Cmd)
	live.SetExternalID(externalID)
	s.registry.Register(live)

	record := &db.SessionRecord{
		ID:           id,
		Name:         name,
		CreatedAt:    db.NowMs(),
		LastActiveAt: db.NowMs(),
		WorkingDir:   workingDir,
		Status:       db.StatusActive,
		Kind:         db.KindTerminal,
		HasProcess:   true,
		CanReinit:    false,
		ExternalID:   &externalID,
	}
	if err := s.store.CreateSession(record); err != nil {
		// roll back the launch so we never carry an unrecorded process.
		// No monitor goroutine exists yet, so reap the kill here.
		_ = proc.Cmd.Process.Kill()
		_ = proc.PTY.Close()
		_ = proc.Cmd.Wait()
		s.registry.Remove(id)
		return nil, err
	}

	s.wg.Add(2)
	go s.readPTY(live)
	go s.monitorTerminal(live)

	log.Info().
		Str("sessionId", id).
		Str("cwd", workingDir).
		Bool("resumed", resumeToken != "").
		Msg("terminal session created")

	s.notifyChange(id, db.StatusActive)
	return live, nil
}

// readPTY pumps PTY output to subscribers and the history log until the
// process exits
func (s *Service) readPTY(live *Live) {
	defer s.wg.Done()

	buf := make([]byte, ptyReadBufferSize)
	for {
		n, err := live.PTY.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])

			s.registry.Publish(live.ID, chunk)
			live.Touch()

			if herr := s.store.AppendHistory(&db.HistoryEntry{
				SessionID: live.ID,
				Direction: db.DirectionOutput,
				Content:   string(chunk),
			}); herr != nil {
				log.Error().Err(herr).Str("sessionId", live.ID).Msg("failed to persist terminal output")
			}
		}
		if err != nil {
			// PTY read errors with EIO when the child exits; the monitor
			// goroutine settles the record
			return
		}
	}
}

// monitorTerminal waits for process exit and settles the persisted record
func (s *Service) monitorTerminal(live *Live) {
	defer s.wg.Done()

	err := live.Cmd.Wait()
	_ = live.PTY.Close()

	// explicit terminate or server shutdown already settled the record
	if live.Terminated() || s.ctx.Err() != nil {
		return
	}

	status := db.StatusTerminated
	if err != nil {
		status = db.StatusCrashed
		log.Warn().Err(err).Str("sessionId", live.ID).Msg("terminal session exited abnormally")
	} else {
		log.Info().Str("sessionId", live.ID).Msg("terminal session exited")
	}

	s.persistExit(live.ID, status, true)
	s.registry.Remove(live.ID)
	s.notifyChange(live.ID, status)
}

// SendInput writes input to a terminal session's PTY and records it
func (s *Service) SendInput(id string, data []byte) error {
	live := s.registry.Get(id)
	if live == nil || live.Kind != KindTerminal {
		return ErrSessionNotFound
	}

	if _, err := live.PTY.Write(data); err != nil {
		return err
	}
	live.Touch()

	if err := s.store.AppendHistory(&db.HistoryEntry{
		SessionID: id,
		Direction: db.DirectionInput,
		Content:   string(data),
	}); err != nil {
		log.Error().Err(err).Str("sessionId", id).Msg("failed to persist terminal input")
	}

	now := db.NowMs()
	if err := s.store.UpdateSession(id, db.SessionUpdate{LastActiveAt: &now}); err != nil {
		log.Error().Err(err).Str("sessionId", id).Msg("failed to refresh session activity")
	}
	return nil
}

// Resize adjusts the PTY window. Resizing a session that is not live is
// a no-op so viewers of finished sessions do not error out.
func (s *Service) Resize(id string, cols, rows uint16) error {
	live := s.registry.Get(id)
	if live == nil || live.PTY == nil {
		return nil
	}
	return pty.Setsize(live.PTY, &pty.Winsize{Rows: rows, Cols: cols})
}

// Restart relaunches a terminal session from its persisted record,
// resuming the prior conversation when its external token is known.
// Any still-live handle for the ID is killed first.
func (s *Service) Restart(id string) (*Live, error) {
	record, err := s.store.GetSession(id)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, ErrSessionNotFound
	}

	if old := s.registry.Get(id); old != nil {
		old.markTerminated()
		if old.Cmd != nil && old.Cmd.Process != nil {
			_ = old.Cmd.Process.Kill()
		}
		if old.PTY != nil {
			_ = old.PTY.Close()
		}
		s.registry.Remove(id)
	}

	args := []string{"--continue"}
	if record.ExternalID != nil && *record.ExternalID != "" {
		args = []string{"--resume", *record.ExternalID}
	}

	proc, err := s.launcher.LaunchTerminal(record.WorkingDir, args)
	if err != nil {
		s.persistExit(id, db.StatusCrashed, true)
		return nil, &LaunchError{Kind: KindTerminal, WorkingDir: record.WorkingDir, Cause: err}
	}

	live := NewTerminalLive(id, record.Name, record.WorkingDir, proc.PTY, proc.Cmd)
	if record.ExternalID != nil {
		live.SetExternalID(*record.ExternalID)
	}
	s.registry.Register(live)

	now := db.NowMs()
	if err := s.store.UpdateSession(id, db.SessionUpdate{
		Status:       strPtr(db.StatusActive),
		HasProcess:   boolPtr(true),
		CanReinit:    boolPtr(false),
		LastActiveAt: &now,
	}); err != nil {
		log.Error().Err(err).Str("sessionId", id).Msg("failed to mark restarted session active")
	}

	s.wg.Add(2)
	go s.readPTY(live)
	go s.monitorTerminal(live)

	log.Info().Str("sessionId", id).Strs("args", args).Msg("terminal session restarted")
	s.notifyChange(id, db.StatusActive)
	return live, nil
}
