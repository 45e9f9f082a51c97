package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/hylla/waypoint/internal/domain"
	"github.com/hylla/waypoint/internal/telemetry"
)

// DefaultAutosaveInterval is how often the sync loop checks the dirty flag.
const DefaultAutosaveInterval = 30 * time.Second

// SyncTrigger names what started one sync pass.
type SyncTrigger string

// SyncTrigger values.
const (
	SyncTriggerTimer  SyncTrigger = "timer"
	SyncTriggerResume SyncTrigger = "resume"
	SyncTriggerManual SyncTrigger = "manual"
)

// pendingEvent pairs a change event with the store revision that produced it.
type pendingEvent struct {
	revision uint64
	event    domain.ChangeEvent
}

// SyncLoop reconciles one project store with the persistence gateway and fans saved changes out
// to the change feed. Local state is authoritative; failed saves leave it dirty for the next pass.
type SyncLoop struct {
	store    *ProjectStore
	gateway  Gateway
	feed     ChangeFeed
	clock    Clock
	interval time.Duration
	metrics  *telemetry.Metrics
	resume   chan struct{}
	saveMu   sync.Mutex
	// afterRevision runs between the revision read and the dirty check in Refresh; tests only.
	afterRevision func()

	mu          sync.Mutex
	dirty       bool
	latestRev   uint64
	lastSavedAt time.Time
	pending     []pendingEvent
}

// NewSyncLoop constructs a sync loop and registers it as the store's mutation hook.
func NewSyncLoop(store *ProjectStore, gateway Gateway, feed ChangeFeed, clock Clock, interval time.Duration, metrics *telemetry.Metrics) *SyncLoop {
	if clock == nil {
		clock = time.Now
	}
	if interval <= 0 {
		interval = DefaultAutosaveInterval
	}
	l := &SyncLoop{
		store:    store,
		gateway:  gateway,
		feed:     feed,
		clock:    clock,
		interval: interval,
		metrics:  metrics,
		resume:   make(chan struct{}, 1),
	}
	store.OnMutation(l.recordMutation)
	return l
}

// recordMutation marks the loop dirty and queues the mutation's change event.
func (l *SyncLoop) recordMutation(revision uint64, evt domain.ChangeEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.dirty {
		l.metrics.MarkDirty(true)
	}
	l.dirty = true
	l.latestRev = revision
	if evt.ID != "" {
		l.pending = append(l.pending, pendingEvent{revision: revision, event: evt})
	}
}

// Dirty reports whether local state differs from the last successful save.
func (l *SyncLoop) Dirty() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dirty
}

// LastSavedAt returns the time of the last successful save, or zero.
func (l *SyncLoop) LastSavedAt() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastSavedAt
}

// Interval returns the autosave period.
func (l *SyncLoop) Interval() time.Duration {
	return l.interval
}

// Resume requests a refresh-on-resume pass. Repeated requests before the loop runs coalesce.
func (l *SyncLoop) Resume() {
	select {
	case l.resume <- struct{}{}:
	default:
	}
}

// Run drives the autosave timer and resume trigger until ctx ends.
func (l *SyncLoop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	projectID := l.store.ProjectID()
	log.Debug("sync loop started", "project_id", projectID, "interval", l.interval)
	for {
		var trigger SyncTrigger
		select {
		case <-ctx.Done():
			log.Debug("sync loop stopped", "project_id", projectID)
			return nil
		case <-ticker.C:
			trigger = SyncTriggerTimer
		case <-l.resume:
			trigger = SyncTriggerResume
		}
		if err := l.Sync(ctx, trigger); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn("sync pass failed", "project_id", projectID, "trigger", trigger, "err", err)
		}
	}
}

// Sync is the single entry point for every trigger. Timer passes save only when dirty; resume
// passes save when dirty and otherwise refresh from the gateway; manual passes always save.
func (l *SyncLoop) Sync(ctx context.Context, trigger SyncTrigger) error {
	switch trigger {
	case SyncTriggerTimer:
		if !l.Dirty() {
			return nil
		}
		return l.Save(ctx)
	case SyncTriggerResume:
		if l.Dirty() {
			return l.Save(ctx)
		}
		return l.Refresh(ctx)
	case SyncTriggerManual:
		return l.Save(ctx)
	default:
		return fmt.Errorf("unknown sync trigger %q", trigger)
	}
}

// Save persists the current snapshot. On failure local state and the dirty flag are kept and a
// PersistenceError is returned.
func (l *SyncLoop) Save(ctx context.Context) error {
	l.saveMu.Lock()
	defer l.saveMu.Unlock()

	projectID := l.store.ProjectID()
	snap, revision, err := l.store.SnapshotWithRevision()
	if err != nil {
		return err
	}
	started := l.clock()
	err = l.gateway.SaveProject(ctx, projectID, snap)
	l.metrics.RecordSave(err, l.clock().Sub(started))
	if err != nil {
		log.Error("project save failed", "project_id", projectID, "revision", revision, "err", err)
		return &domain.PersistenceError{Op: "save project " + projectID, Err: err}
	}

	l.mu.Lock()
	l.lastSavedAt = l.clock().UTC()
	var ready []domain.ChangeEvent
	keep := l.pending[:0]
	for _, p := range l.pending {
		if p.revision <= revision {
			ready = append(ready, p.event)
			continue
		}
		keep = append(keep, p)
	}
	l.pending = keep
	if l.dirty && l.latestRev <= revision {
		l.dirty = false
		l.metrics.MarkDirty(false)
	}
	l.mu.Unlock()

	log.Info("project saved", "project_id", projectID, "revision", revision, "events", len(ready))
	l.publish(ctx, ready)
	return nil
}

// publish fans saved change events out and appends them to the gateway ledger when supported.
func (l *SyncLoop) publish(ctx context.Context, events []domain.ChangeEvent) {
	recorder, _ := l.gateway.(ChangeRecorder)
	for _, evt := range events {
		if recorder != nil {
			if err := recorder.AppendChangeEvent(ctx, evt); err != nil {
				log.Warn("change ledger append failed", "project_id", evt.ProjectID, "event_id", evt.ID, "err", err)
			}
		}
		if l.feed == nil {
			continue
		}
		err := l.feed.Publish(ctx, evt)
		l.metrics.RecordEventPublished(err)
		if err != nil {
			log.Warn("change event publish failed", "project_id", evt.ProjectID, "event_id", evt.ID, "err", err)
		}
	}
}

// Refresh replaces local state with the gateway copy. It never overwrites unsaved local edits.
func (l *SyncLoop) Refresh(ctx context.Context) error {
	projectID := l.store.ProjectID()
	// Read the revision before the dirty flag: a mutation committing in between bumps the
	// revision, so loadIfUnchanged refuses; one committing earlier is seen as dirty.
	revision := l.store.Revision()
	if l.afterRevision != nil {
		l.afterRevision()
	}
	if l.Dirty() {
		log.Debug("refresh skipped: unsaved local changes", "project_id", projectID)
		return nil
	}
	snap, err := l.gateway.LoadProject(ctx, projectID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("load project %q: %w", projectID, err)
		}
		log.Error("project load failed", "project_id", projectID, "err", err)
		return &domain.PersistenceError{Op: "load project " + projectID, Err: err}
	}
	applied, err := l.store.loadIfUnchanged(snap, revision)
	if err != nil {
		log.Error("remote snapshot rejected", "project_id", projectID, "err", err)
		return err
	}
	if !applied {
		log.Debug("refresh skipped: local mutation during load", "project_id", projectID)
	}
	return nil
}

// Import decodes, revives, and validates a serialized snapshot, then applies it as a local edit.
// Nothing is applied unless the whole payload is valid.
func (l *SyncLoop) Import(ctx context.Context, editor domain.Editor, data []byte) error {
	snap, err := DecodeSnapshot(data)
	if err != nil {
		return err
	}
	project, err := snap.ToProject()
	if err != nil {
		return fmt.Errorf("import snapshot: %w", err)
	}
	if err := l.store.ReplaceProject(ctx, editor, project); err != nil {
		return fmt.Errorf("import snapshot: %w", err)
	}
	log.Info("snapshot imported", "project_id", project.ID, "editor_id", editor.ID)
	return nil
}

// Export serializes the current snapshot for round-trip use.
func (l *SyncLoop) Export() ([]byte, error) {
	snap, err := l.store.Snapshot()
	if err != nil {
		return nil, err
	}
	return EncodeSnapshot(snap)
}
