package app

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hylla/waypoint/internal/domain"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeGateway is a map-backed gateway with injectable failures.
type fakeGateway struct {
	mu       sync.Mutex
	projects map[string]Snapshot
	saveErr  error
	loadErr  error
	saves    int
	ledger   []domain.ChangeEvent
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{projects: map[string]Snapshot{}}
}

func (g *fakeGateway) LoadProject(_ context.Context, id string) (Snapshot, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.loadErr != nil {
		return Snapshot{}, g.loadErr
	}
	snap, ok := g.projects[id]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	return snap.Clone(), nil
}

func (g *fakeGateway) SaveProject(_ context.Context, id string, snap Snapshot) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.saveErr != nil {
		return g.saveErr
	}
	g.saves++
	g.projects[id] = snap.Clone()
	return nil
}

func (g *fakeGateway) AppendChangeEvent(_ context.Context, evt domain.ChangeEvent) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ledger = append(g.ledger, evt)
	return nil
}

func (g *fakeGateway) ListChangeEvents(_ context.Context, _ string, _ int) ([]domain.ChangeEvent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]domain.ChangeEvent(nil), g.ledger...), nil
}

func (g *fakeGateway) setSaveErr(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.saveErr = err
}

func (g *fakeGateway) saveCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.saves
}

// fakeLeaseStore keeps lease records in a map.
type fakeLeaseStore struct {
	mu     sync.Mutex
	leases map[string]domain.EditLease
}

func newFakeLeaseStore() *fakeLeaseStore {
	return &fakeLeaseStore{leases: map[string]domain.EditLease{}}
}

func (s *fakeLeaseStore) GetLease(_ context.Context, id string) (*domain.EditLease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lease, ok := s.leases[id]
	if !ok {
		return nil, nil
	}
	return &lease, nil
}

func (s *fakeLeaseStore) UpdateLease(_ context.Context, id string, fn LeaseUpdateFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var current *domain.EditLease
	if lease, ok := s.leases[id]; ok {
		current = &lease
	}
	next, err := fn(current)
	if err != nil {
		return err
	}
	if next == nil {
		delete(s.leases, id)
		return nil
	}
	s.leases[id] = *next
	return nil
}

// fakeFeed records published events.
type fakeFeed struct {
	mu        sync.Mutex
	published []domain.ChangeEvent
}

func (f *fakeFeed) Publish(_ context.Context, evt domain.ChangeEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, evt)
	return nil
}

func (f *fakeFeed) Subscribe(context.Context, string, func(domain.ChangeEvent)) (Subscription, error) {
	return nil, fmt.Errorf("not supported")
}

func (f *fakeFeed) events() []domain.ChangeEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.ChangeEvent(nil), f.published...)
}

// sequentialIDs returns an id generator producing prefix-1, prefix-2, ...
func sequentialIDs(prefix string) IDGenerator {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("%s-%d", prefix, n)
	}
}

var (
	alice = domain.Editor{ID: "alice", Name: "Alice"}
	bob   = domain.Editor{ID: "bob", Name: "Bob"}
)

// testProject returns a valid project aggregate with no milestones.
func testProject(id string) domain.Project {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	p, err := domain.NewProject(domain.ProjectInput{ID: id, ProjectMetadata: domain.ProjectMetadata{
		Name:      "Launch",
		Client:    "Acme",
		StartDate: start,
		EndDate:   start.AddDate(0, 3, 0),
		Status:    domain.ProjectStatusActive,
	}})
	if err != nil {
		panic(err)
	}
	return p
}

// milestoneInput returns a valid milestone input.
func milestoneInput(id string, order, progress int, deps ...string) domain.MilestoneInput {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	return domain.MilestoneInput{
		ID:           id,
		Name:         "Milestone " + id,
		StartDate:    start,
		EndDate:      start.AddDate(0, 1, 0),
		Progress:     progress,
		Order:        order,
		Dependencies: deps,
	}
}

// harness wires one store, lease manager, and sync loop over fakes.
type harness struct {
	clock   *fakeClock
	gateway *fakeGateway
	leases  *LeaseManager
	feed    *fakeFeed
	store   *ProjectStore
	sync    *SyncLoop
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		clock:   newFakeClock(),
		gateway: newFakeGateway(),
		feed:    &fakeFeed{},
	}
	h.leases = NewLeaseManager(newFakeLeaseStore(), h.clock.Now, 0, nil)
	h.store = NewProjectStore("p1", h.leases, sequentialIDs("id"), h.clock.Now, nil)
	h.sync = NewSyncLoop(h.store, h.gateway, h.feed, h.clock.Now, time.Hour, nil)
	if err := h.store.Load(SnapshotFromProject(testProject("p1"))); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	return h
}

// acquire acquires the lease for editor or fails the test.
func (h *harness) acquire(t *testing.T, editor domain.Editor) {
	t.Helper()
	if _, err := h.leases.Acquire(context.Background(), "p1", editor); err != nil {
		t.Fatalf("Acquire(%s) error = %v", editor.ID, err)
	}
}
