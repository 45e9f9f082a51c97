// Package memory provides in-process persistence and lease backends for tests and single-process use.
package memory

import (
	"context"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/hylla/waypoint/internal/app"
	"github.com/hylla/waypoint/internal/domain"
)

// Store is a map-backed gateway, lease store, and change ledger.
type Store struct {
	mu       sync.Mutex
	projects map[string]app.Snapshot
	savedAt  map[string]time.Time
	leases   map[string]domain.EditLease
	events   map[string][]domain.ChangeEvent
	failSaves error
}

// New constructs an empty store.
func New() *Store {
	return &Store{
		projects: map[string]app.Snapshot{},
		savedAt:  map[string]time.Time{},
		leases:   map[string]domain.EditLease{},
		events:   map[string][]domain.ChangeEvent{},
	}
}

// LoadProject returns a copy of the saved snapshot.
func (s *Store) LoadProject(_ context.Context, projectID string) (app.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.projects[strings.TrimSpace(projectID)]
	if !ok {
		return app.Snapshot{}, app.ErrNotFound
	}
	return snap.Clone(), nil
}

// SaveProject stores a copy of snap.
func (s *Store) SaveProject(_ context.Context, projectID string, snap app.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSaves != nil {
		return s.failSaves
	}
	projectID = strings.TrimSpace(projectID)
	s.projects[projectID] = snap.Clone()
	s.savedAt[projectID] = time.Now().UTC()
	return nil
}

// ListProjects returns saved projects ordered by id.
func (s *Store) ListProjects(context.Context) ([]app.ProjectSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]app.ProjectSummary, 0, len(s.projects))
	for id, snap := range s.projects {
		out = append(out, app.ProjectSummary{ID: id, Name: snap.Name, SavedAt: s.savedAt[id]})
	}
	slices.SortFunc(out, func(a, b app.ProjectSummary) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}

// SetFailSaves makes SaveProject return err until it is called again with nil.
func (s *Store) SetFailSaves(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failSaves = err
}

// GetLease returns the stored lease record, or nil.
func (s *Store) GetLease(_ context.Context, projectID string) (*domain.EditLease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lease, ok := s.leases[strings.TrimSpace(projectID)]
	if !ok {
		return nil, nil
	}
	return &lease, nil
}

// UpdateLease applies fn under the store mutex.
func (s *Store) UpdateLease(_ context.Context, projectID string, fn app.LeaseUpdateFunc) error {
	projectID = strings.TrimSpace(projectID)
	s.mu.Lock()
	defer s.mu.Unlock()
	var current *domain.EditLease
	if lease, ok := s.leases[projectID]; ok {
		current = &lease
	}
	next, err := fn(current)
	if err != nil {
		return err
	}
	if next == nil {
		delete(s.leases, projectID)
		return nil
	}
	s.leases[projectID] = *next
	return nil
}

// AppendChangeEvent appends one event to the ledger.
func (s *Store) AppendChangeEvent(_ context.Context, evt domain.ChangeEvent) error {
	evt.Payload = maps.Clone(evt.Payload)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[evt.ProjectID] = append(s.events[evt.ProjectID], evt)
	return nil
}

// ListChangeEvents returns the newest events first, up to limit (all when limit <= 0).
func (s *Store) ListChangeEvents(_ context.Context, projectID string, limit int) ([]domain.ChangeEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	events := slices.Clone(s.events[strings.TrimSpace(projectID)])
	slices.Reverse(events)
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	for i := range events {
		events[i].Payload = maps.Clone(events[i].Payload)
	}
	return events, nil
}
