package sessions

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/agentdeck/agentdeck/db"
	"github.com/agentdeck/agentdeck/log"
	"github.com/agentdeck/agentdeck/sessions/transport"
)

type streamMetadata struct {
	InitialPrompt string `json:"initialPrompt"`
	TurnLimit     int    `json:"turnLimit,omitempty"`
	ResumedFrom   string `json:"resumedFrom,omitempty"`
}

// StartStream launches a headless streaming session for the given prompt
// and returns as soon as the run is underway. Messages are drained in
// the background; callers observe progress through the broadcaster, the
// handle, or persisted history. A non-empty resumeToken continues an
// existing conversation (discovered, imported, or left behind by a
// crash) instead of starting a fresh one.
func (s *Service) StartStream(name, prompt, workingDir string, turnLimit int, resumeToken string) (*Live, error) {
	if err := s.checkCapacity(); err != nil {
		return nil, err
	}

	id := uuid.New().String()
	if name == "" {
		name = firstWords(prompt, 6)
	}

	runCtx, cancel := context.WithCancel(s.ctx)
	run, err := s.launcher.LaunchStream(runCtx, prompt, workingDir, StreamOptions{
		Resume:    resumeToken,
		TurnLimit: turnLimit,
	})
	if err != nil {
		cancel()
		return nil, &LaunchError{Kind: KindSDK, WorkingDir: workingDir, Cause: err}
	}

	live := NewStreamLive(id, name, workingDir, turnLimit, cancel)
	// seed the token so the session is continuable even if the run dies
	// before reporting one
	live.SetExternalID(resumeToken)
	s.registry.Register(live)

	meta, _ := json.Marshal(streamMetadata{InitialPrompt: prompt, TurnLimit: turnLimit, ResumedFrom: resumeToken})
	record := &db.SessionRecord{
		ID:           id,
		Name:         name,
		CreatedAt:    db.NowMs(),
		LastActiveAt: db.NowMs(),
		WorkingDir:   workingDir,
		Status:       db.StatusActive,
		Kind:         db.KindSDK,
		HasProcess:   true,
		Metadata:     string(meta),
	}
	if err := s.store.CreateSession(record); err != nil {
		cancel()
		_ = run.Close()
		s.registry.Remove(id)
		return nil, err
	}

	s.appendStreamInput(id, prompt)

	s.wg.Add(1)
	go s.drainStream(live, run, live.runGeneration())

	log.Info().Str("sessionId", id).Str("cwd", workingDir).Str("resume", resumeToken).Msg("streaming session started")
	s.notifyChange(id, db.StatusActive)
	return live, nil
}

// Continue resumes a completed (or idle) streaming session with a new
// prompt. It fails without touching the record when the session never
// revealed its external token, since there is nothing to resume from.
func (s *Service) Continue(id, prompt string) (*Live, error) {
	live := s.registry.Get(id)
	if live == nil || live.Kind != KindSDK {
		return nil, ErrSessionNotFound
	}

	token := live.ExternalID()
	if token == "" {
		return nil, ErrNoResumableSession
	}

	runCtx, cancel := context.WithCancel(s.ctx)
	run, err := s.launcher.LaunchStream(runCtx, prompt, live.WorkingDir, StreamOptions{
		Resume:    token,
		TurnLimit: live.TurnLimit(),
	})
	if err != nil {
		cancel()
		s.persistExit(id, db.StatusCrashed, true)
		s.notifyChange(id, db.StatusCrashed)
		return nil, &LaunchError{Kind: KindSDK, WorkingDir: live.WorkingDir, Cause: err}
	}

	// the resumed run replays nothing, so stale messages from the prior
	// turn would misrepresent it
	live.ResetMessages()
	live.SetCompleted(false)
	gen, prev := live.beginRun(cancel)
	if prev != nil {
		prev()
	}

	now := db.NowMs()
	if err := s.store.UpdateSession(id, db.SessionUpdate{
		Status:       strPtr(db.StatusActive),
		HasProcess:   boolPtr(true),
		LastActiveAt: &now,
	}); err != nil {
		log.Error().Err(err).Str("sessionId", id).Msg("failed to mark continued session active")
	}

	s.appendStreamInput(id, prompt)

	s.wg.Add(1)
	go s.drainStream(live, run, gen)

	log.Info().Str("sessionId", id).Str("resume", token).Msg("streaming session continued")
	s.notifyChange(id, db.StatusActive)
	return live, nil
}

// Approve records a decision for a pending tool invocation. Decisions
// are advisory bookkeeping; the agent process is never blocked on them.
func (s *Service) Approve(id, toolUseID string, approved bool) error {
	live := s.registry.Get(id)
	if live == nil || live.Kind != KindSDK {
		return ErrSessionNotFound
	}

	live.SetApproval(toolUseID, approved)
	log.Info().
		Str("sessionId", id).
		Str("toolUseId", toolUseID).
		Str("tool", live.ToolName(toolUseID)).
		Bool("approved", approved).
		Msg("tool use decided")

	s.notifyChange(id, live.State())
	return nil
}

// drainStream consumes a run's message and error channels until the run
// ends, then settles the handle and record. Per-message persistence
// failures are logged and skipped; only the run itself decides the
// session's fate. gen identifies the run: once Continue hands the
// handle to a newer run, this loop keeps draining but stops applying
// messages and must not settle.
func (s *Service) drainStream(live *Live, run StreamRun, gen uint64) {
	defer s.wg.Done()

	var runErr error
	messages := run.Messages()
	errs := run.Errors()

	for messages != nil || errs != nil {
		select {
		case msg, ok := <-messages:
			if !ok {
				messages = nil
				continue
			}
			if live.isCurrentRun(gen) {
				s.handleStreamMessage(live, msg)
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil && runErr == nil {
				runErr = err
			}
		}
	}
	_ = run.Close()

	// explicit terminate, server shutdown, or a newer run owning the
	// handle: the record is not this loop's to settle
	if live.Terminated() || s.ctx.Err() != nil || !live.isCurrentRun(gen) {
		return
	}

	live.SetCompleted(true)

	status := db.StatusCompleted
	if runErr != nil {
		status = db.StatusCrashed
		log.Warn().Err(runErr).Str("sessionId", live.ID).Msg("streaming session failed")
	} else {
		log.Info().Str("sessionId", live.ID).Int("messages", live.MessageCount()).Msg("streaming session completed")
	}

	s.persistExit(live.ID, status, live.ExternalID() != "")
	s.notifyChange(live.ID, status)
}

// handleStreamMessage applies one parsed message to the handle and the
// persistence layer
func (s *Service) handleStreamMessage(live *Live, msg transport.Message) {
	live.AppendMessage(msg)
	s.registry.Publish(live.ID, msg.Raw())

	if live.SetExternalID(msg.SessionID()) {
		token := live.ExternalID()
		if err := s.store.UpdateSession(live.ID, db.SessionUpdate{ExternalID: &token}); err != nil {
			log.Error().Err(err).Str("sessionId", live.ID).Str("externalId", token).Msg("failed to persist external identifier")
		}
	}

	if err := s.store.AppendHistory(&db.HistoryEntry{
		SessionID: live.ID,
		Direction: db.DirectionOutput,
		Content:   string(msg.Raw()),
	}); err != nil {
		log.Error().Err(err).Str("sessionId", live.ID).Msg("failed to persist stream message")
	}

	for _, tu := range msg.ToolUses() {
		live.RecordToolUse(tu.ID, tu.Name)
		log.Debug().Str("sessionId", live.ID).Str("tool", tu.Name).Str("toolUseId", tu.ID).Msg("tool use requested")
		s.notifyChange(live.ID, live.State())
	}

	now := db.NowMs()
	if err := s.store.UpdateSession(live.ID, db.SessionUpdate{LastActiveAt: &now}); err != nil {
		log.Error().Err(err).Str("sessionId", live.ID).Msg("failed to refresh session activity")
	}
}

// appendStreamInput records a prompt in session history
func (s *Service) appendStreamInput(id, prompt string) {
	if err := s.store.AppendHistory(&db.HistoryEntry{
		SessionID: id,
		Direction: db.DirectionInput,
		Content:   prompt,
	}); err != nil {
		log.Error().Err(err).Str("sessionId", id).Msg("failed to persist prompt")
	}
}

// firstWords derives a short display name from a prompt
func firstWords(text string, n int) string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return "session"
	}
	if len(words) > n {
		words = words[:n]
	}
	return strings.Join(words, " ")
}
