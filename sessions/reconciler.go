package sessions

import (
	"context"
	"sync"
	"time"

	"github.com/agentdeck/agentdeck/db"
	"github.com/agentdeck/agentdeck/log"
)

// initialReconcileDelay gives sessions created during startup a moment
// to register before the first liveness pass runs
const initialReconcileDelay = 5 * time.Second

// Reconciler keeps persisted session records consistent with the live
// registry. Records claiming a process that no handle backs are demoted
// to crashed and flagged resumable.
type Reconciler struct {
	store    Store
	registry *Registry
	interval time.Duration
	onChange func(id, state string)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewReconciler creates a reconciler checking at the given interval
func NewReconciler(store Store, registry *Registry, interval time.Duration, onChange func(id, state string)) *Reconciler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Reconciler{
		store:    store,
		registry: registry,
		interval: interval,
		onChange: onChange,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start runs the boot pass synchronously, then launches periodic passes
func (r *Reconciler) Start() {
	r.bootPass()

	r.wg.Add(1)
	go r.loop()
}

// Stop halts periodic reconciliation
func (r *Reconciler) Stop() {
	r.cancel()
	r.wg.Wait()
}

func (r *Reconciler) loop() {
	defer r.wg.Done()

	select {
	case <-time.After(initialReconcileDelay):
		r.pass()
	case <-r.ctx.Done():
		return
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.pass()
		case <-r.ctx.Done():
			return
		}
	}
}

// bootPass runs once at startup. The registry is empty after a restart,
// so every record still claiming to be active describes a process that
// died with the previous server instance.
func (r *Reconciler) bootPass() {
	records, err := r.store.ListSessions()
	if err != nil {
		log.Error().Err(err).Msg("reconciler boot pass failed to list sessions")
		return
	}

	var demoted int
	for _, rec := range records {
		if rec.Status != db.StatusActive {
			continue
		}
		if err := r.demote(rec.ID); err != nil {
			log.Error().Err(err).Str("sessionId", rec.ID).Msg("failed to demote stale session at boot")
			continue
		}
		demoted++
	}

	if demoted > 0 {
		log.Info().Int("count", demoted).Msg("marked orphaned sessions as crashed at boot")
	}
}

// pass demotes active records whose claimed process has no live handle.
// Per-record failures are logged and skipped so one bad row cannot stall
// reconciliation.
func (r *Reconciler) pass() {
	records, err := r.store.ListSessions()
	if err != nil {
		log.Error().Err(err).Msg("reconciler pass failed to list sessions")
		return
	}

	liveIDs := r.registry.IDs()

	for _, rec := range records {
		if rec.Status != db.StatusActive || !rec.HasProcess {
			continue
		}
		if _, ok := liveIDs[rec.ID]; ok {
			continue
		}

		log.Warn().Str("sessionId", rec.ID).Str("kind", rec.Kind).Msg("active session has no live handle, marking crashed")
		if err := r.demote(rec.ID); err != nil {
			log.Error().Err(err).Str("sessionId", rec.ID).Msg("failed to demote stale session")
			continue
		}
		if r.onChange != nil {
			r.onChange(rec.ID, db.StatusCrashed)
		}
	}
}

func (r *Reconciler) demote(id string) error {
	now := db.NowMs()
	return r.store.UpdateSession(id, db.SessionUpdate{
		Status:       strPtr(db.StatusCrashed),
		HasProcess:   boolPtr(false),
		CanReinit:    boolPtr(true),
		LastActiveAt: &now,
	})
}
