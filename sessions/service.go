// Package sessions implements the session lifecycle core: the registry
// of live handles, the output broadcaster, terminal and streaming
// session management, and the health reconciler that keeps persisted
// records honest about what is actually running.
package sessions

import (
	"context"
	"sync"

	"github.com/agentdeck/agentdeck/db"
	"github.com/agentdeck/agentdeck/log"
)

// ServiceOptions tunes a Service
type ServiceOptions struct {
	// MaxSessions caps concurrent live sessions, 0 = unlimited
	MaxSessions int

	// OnChange is invoked after a session's lifecycle state changes.
	// May be nil. Called from session goroutines, so it must not block.
	OnChange func(id, state string)
}

// Service owns terminal and streaming agent sessions
type Service struct {
	store       Store
	launcher    Launcher
	registry    *Registry
	maxSessions int
	onChange    func(id, state string)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService creates a session service
func NewService(store Store, launcher Launcher, registry *Registry, opts ServiceOptions) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		store:       store,
		launcher:    launcher,
		registry:    registry,
		maxSessions: opts.MaxSessions,
		onChange:    opts.OnChange,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Registry exposes the live handle registry
func (s *Service) Registry() *Registry {
	return s.registry
}

// Store exposes the persistence port
func (s *Service) Store() Store {
	return s.store
}

func (s *Service) notifyChange(id, state string) {
	if s.onChange != nil {
		s.onChange(id, state)
	}
}

func (s *Service) checkCapacity() error {
	if s.maxSessions > 0 && s.registry.Len() >= s.maxSessions {
		return ErrTooManySessions
	}
	return nil
}

// persistExit records that a session's process is gone
func (s *Service) persistExit(id, status string, canReinit bool) {
	now := db.NowMs()
	hasProcess := false
	err := s.store.UpdateSession(id, db.SessionUpdate{
		Status:       &status,
		HasProcess:   &hasProcess,
		CanReinit:    &canReinit,
		LastActiveAt: &now,
	})
	if err != nil {
		log.Error().Err(err).Str("sessionId", id).Str("status", status).Msg("failed to persist session exit")
	}
}

// Terminate stops a session and removes it from the registry.
// Terminating an unknown or already-gone session is a no-op.
func (s *Service) Terminate(id string) error {
	live := s.registry.Get(id)
	if live == nil {
		return nil
	}
	if !live.markTerminated() {
		return nil
	}

	switch live.Kind {
	case KindSDK:
		live.Cancel()
		live.SetCompleted(true)
		s.persistExit(id, db.StatusCompleted, live.ExternalID() != "")
		s.notifyChange(id, db.StatusCompleted)
	case KindTerminal:
		if live.Cmd != nil && live.Cmd.Process != nil {
			_ = live.Cmd.Process.Kill()
		}
		if live.PTY != nil {
			_ = live.PTY.Close()
		}
		s.persistExit(id, db.StatusTerminated, true)
		s.notifyChange(id, db.StatusTerminated)
	}

	s.registry.Remove(id)
	log.Info().Str("sessionId", id).Str("kind", string(live.Kind)).Msg("session terminated")
	return nil
}

// Delete terminates a session if live and removes its persisted record
// along with all history
func (s *Service) Delete(id string) error {
	if err := s.Terminate(id); err != nil {
		return err
	}
	return s.store.DeleteSession(id)
}

// Shutdown stops every live session, marking their records inactive so
// the next boot does not report them as crashes, then waits for session
// goroutines to drain or ctx to expire.
func (s *Service) Shutdown(ctx context.Context) error {
	s.cancel()

	for id := range s.registry.IDs() {
		live := s.registry.Get(id)
		if live == nil {
			continue
		}
		live.markTerminated()
		switch live.Kind {
		case KindSDK:
			live.Cancel()
		case KindTerminal:
			if live.Cmd != nil && live.Cmd.Process != nil {
				_ = live.Cmd.Process.Kill()
			}
			if live.PTY != nil {
				_ = live.PTY.Close()
			}
		}
		s.persistExit(id, db.StatusInactive, true)
		s.registry.Remove(id)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func strPtr(s string) *string { return &s }
func boolPtr(b bool) *bool    { return &b }
