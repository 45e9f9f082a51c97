package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/hylla/waypoint/internal/app"
	"github.com/hylla/waypoint/internal/domain"
)

func sampleSnapshot(t *testing.T) app.Snapshot {
	t.Helper()
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	p, err := domain.NewProject(domain.ProjectInput{ID: "p1", ProjectMetadata: domain.ProjectMetadata{
		Name:      "Launch",
		Client:    "Acme",
		StartDate: start,
		EndDate:   start.AddDate(0, 2, 0),
		Status:    domain.ProjectStatusActive,
	}})
	if err != nil {
		t.Fatalf("NewProject() error = %v", err)
	}
	m, err := domain.NewMilestone(domain.MilestoneInput{
		ID:        "m1",
		Name:      "Kickoff",
		StartDate: start,
		EndDate:   start.AddDate(0, 0, 14),
		Progress:  45,
		Order:     1,
		KPIs:      []domain.KPI{{ID: "k1", Name: "Signups", Target: 100, Current: 95}},
	})
	if err != nil {
		t.Fatalf("NewMilestone() error = %v", err)
	}
	p.Milestones = []domain.Milestone{m}
	domain.Recompute(&p)
	return app.SnapshotFromProject(p)
}

func TestRepositoryProjectRoundTrip(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "nested", "waypoint.db")
	repo, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() {
		_ = repo.Close()
	})
	if err := repo.Ping(ctx); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}

	if _, err := repo.LoadProject(ctx, "p1"); !errors.Is(err, app.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	snap := sampleSnapshot(t)
	if err := repo.SaveProject(ctx, "p1", snap); err != nil {
		t.Fatalf("SaveProject() error = %v", err)
	}
	loaded, err := repo.LoadProject(ctx, "p1")
	if err != nil {
		t.Fatalf("LoadProject() error = %v", err)
	}
	if !reflect.DeepEqual(loaded, snap) {
		t.Fatalf("snapshot mismatch\nwant %#v\ngot  %#v", snap, loaded)
	}

	snap.Name = "Launch v2"
	snap.Milestones[0].Progress = 90
	if err := repo.SaveProject(ctx, "p1", snap); err != nil {
		t.Fatalf("second SaveProject() error = %v", err)
	}
	list, err := repo.ListProjects(ctx)
	if err != nil {
		t.Fatalf("ListProjects() error = %v", err)
	}
	if len(list) != 1 || list[0].Name != "Launch v2" || list[0].SavedAt.IsZero() {
		t.Fatalf("unexpected listing %#v", list)
	}

	if err := repo.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	reopened, err := Open(dbPath)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	t.Cleanup(func() {
		_ = reopened.Close()
	})
	loaded, err = reopened.LoadProject(ctx, "p1")
	if err != nil {
		t.Fatalf("LoadProject() after reopen error = %v", err)
	}
	if loaded.Milestones[0].Progress != 90 {
		t.Fatalf("expected persisted progress 90, got %d", loaded.Milestones[0].Progress)
	}
}

func TestRepositoryLeases(t *testing.T) {
	ctx := context.Background()
	repo, err := OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory() error = %v", err)
	}
	t.Cleanup(func() {
		_ = repo.Close()
	})

	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	leases := app.NewLeaseManager(repo, func() time.Time { return now }, 0, nil)
	if _, err := leases.Acquire(ctx, "p1", domain.Editor{ID: "alice", Name: "Alice"}); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	_, err = leases.Acquire(ctx, "p1", domain.Editor{ID: "bob", Name: "Bob"})
	var contention *domain.LeaseContentionError
	if !errors.As(err, &contention) || contention.HolderName != "Alice" {
		t.Fatalf("expected contention naming Alice, got %v", err)
	}
	stored, err := repo.GetLease(ctx, "p1")
	if err != nil {
		t.Fatalf("GetLease() error = %v", err)
	}
	if stored == nil || !stored.AcquiredAt.Equal(now) || stored.HolderID != "alice" {
		t.Fatalf("unexpected stored lease %#v", stored)
	}

	boom := errors.New("abort")
	if err := repo.UpdateLease(ctx, "p1", func(*domain.EditLease) (*domain.EditLease, error) { return nil, boom }); !errors.Is(err, boom) {
		t.Fatalf("expected abort error, got %v", err)
	}
	if stored, _ := repo.GetLease(ctx, "p1"); stored == nil {
		t.Fatal("expected rolled back update to keep the lease")
	}

	if err := leases.Release(ctx, "p1", "alice"); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if stored, _ := repo.GetLease(ctx, "p1"); stored != nil {
		t.Fatalf("expected lease row removed, got %#v", stored)
	}
}

func TestRepositoryChangeLedger(t *testing.T) {
	ctx := context.Background()
	repo, err := OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory() error = %v", err)
	}
	t.Cleanup(func() {
		_ = repo.Close()
	})

	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	kinds := []domain.ChangeKind{domain.ChangeKindMilestone, domain.ChangeKindTask, domain.ChangeKindComment}
	for i, kind := range kinds {
		evt, err := domain.NewChangeEvent(domain.ChangeEventInput{
			ID:        string(kind),
			Kind:      kind,
			ProjectID: "p1",
			ActorID:   "alice",
			Payload:   map[string]string{"op": "upsert"},
		}, now.Add(time.Duration(i)*time.Second))
		if err != nil {
			t.Fatalf("NewChangeEvent() error = %v", err)
		}
		if err := repo.AppendChangeEvent(ctx, evt); err != nil {
			t.Fatalf("AppendChangeEvent() error = %v", err)
		}
		if err := repo.AppendChangeEvent(ctx, evt); err != nil {
			t.Fatalf("duplicate AppendChangeEvent() error = %v", err)
		}
	}

	all, err := repo.ListChangeEvents(ctx, "p1", 0)
	if err != nil {
		t.Fatalf("ListChangeEvents() error = %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected duplicates to be ignored, got %d events", len(all))
	}
	if all[0].Kind != domain.ChangeKindComment || all[0].Payload["op"] != "upsert" || !all[0].OccurredAt.Equal(now.Add(2*time.Second)) {
		t.Fatalf("unexpected newest event %#v", all[0])
	}
	limited, err := repo.ListChangeEvents(ctx, "p1", 1)
	if err != nil {
		t.Fatalf("ListChangeEvents(limit) error = %v", err)
	}
	if len(limited) != 1 {
		t.Fatalf("expected 1 event, got %d", len(limited))
	}
	other, err := repo.ListChangeEvents(ctx, "p2", 0)
	if err != nil {
		t.Fatalf("ListChangeEvents(p2) error = %v", err)
	}
	if len(other) != 0 {
		t.Fatalf("expected no events for p2, got %d", len(other))
	}
}

func TestRepositoryBacksSyncLoop(t *testing.T) {
	ctx := context.Background()
	repo, err := OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory() error = %v", err)
	}
	t.Cleanup(func() {
		_ = repo.Close()
	})
	if err := repo.SaveProject(ctx, "p1", sampleSnapshot(t)); err != nil {
		t.Fatalf("SaveProject() error = %v", err)
	}

	svc := app.NewService(repo, repo, nil, nil, nil, app.ServiceConfig{})
	session, err := svc.Open(ctx, "p1")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	editor := domain.Editor{ID: "alice"}
	if _, err := session.AcquireLease(ctx, editor); err != nil {
		t.Fatalf("AcquireLease() error = %v", err)
	}
	if _, err := session.Store.UpsertKPI(ctx, editor, "m1", domain.KPIInput{ID: "k1", Name: "Signups", Target: 100, Current: 60}); err != nil {
		t.Fatalf("UpsertKPI() error = %v", err)
	}
	if err := session.Sync.Sync(ctx, app.SyncTriggerManual); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	saved, err := repo.LoadProject(ctx, "p1")
	if err != nil {
		t.Fatalf("LoadProject() error = %v", err)
	}
	if got := saved.Milestones[0].KPIs[0].Status; got != string(domain.KPIStatusOffTrack) {
		t.Fatalf("expected saved kpi status off-track, got %q", got)
	}
	events, err := svc.ListChangeEvents(ctx, "p1", 10)
	if err != nil {
		t.Fatalf("ListChangeEvents() error = %v", err)
	}
	if len(events) != 1 || events[0].Kind != domain.ChangeKindMilestone {
		t.Fatalf("unexpected ledger %#v", events)
	}
}
