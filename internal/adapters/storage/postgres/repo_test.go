package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/hylla/waypoint/internal/app"
	"github.com/hylla/waypoint/internal/domain"
)

// openTestRepository connects to WAYPOINT_TEST_POSTGRES_DSN or skips.
func openTestRepository(t *testing.T) *Repository {
	t.Helper()
	dsn := os.Getenv("WAYPOINT_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("WAYPOINT_TEST_POSTGRES_DSN not set")
	}
	repo, err := Open(context.Background(), dsn)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() {
		_ = repo.Close()
	})
	return repo
}

// uniqueID keeps reruns against a shared database independent.
func uniqueID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}

func TestOpenRejectsBlankDSN(t *testing.T) {
	if _, err := Open(context.Background(), " "); err == nil {
		t.Fatal("expected blank dsn error")
	}
}

func TestRepositoryProjectRoundTrip(t *testing.T) {
	repo := openTestRepository(t)
	ctx := context.Background()
	id := uniqueID("p")
	if _, err := repo.LoadProject(ctx, id); !errors.Is(err, app.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	p, err := domain.NewProject(domain.ProjectInput{ID: id, ProjectMetadata: domain.ProjectMetadata{
		Name:      "Launch",
		StartDate: start,
		EndDate:   start.AddDate(0, 1, 0),
	}})
	if err != nil {
		t.Fatalf("NewProject() error = %v", err)
	}
	snap := app.SnapshotFromProject(p)
	if err := repo.SaveProject(ctx, id, snap); err != nil {
		t.Fatalf("SaveProject() error = %v", err)
	}
	snap.Name = "Launch v2"
	if err := repo.SaveProject(ctx, id, snap); err != nil {
		t.Fatalf("second SaveProject() error = %v", err)
	}
	loaded, err := repo.LoadProject(ctx, id)
	if err != nil {
		t.Fatalf("LoadProject() error = %v", err)
	}
	if loaded.Name != "Launch v2" || loaded.StartDate != snap.StartDate {
		t.Fatalf("unexpected loaded snapshot %#v", loaded)
	}
	if _, err := loaded.ToProject(); err != nil {
		t.Fatalf("ToProject() error = %v", err)
	}
}

func TestRepositoryLeaseSerialization(t *testing.T) {
	repo := openTestRepository(t)
	ctx := context.Background()
	id := uniqueID("lease")
	leases := app.NewLeaseManager(repo, nil, 0, nil)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := range 8 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			editor := domain.Editor{ID: fmt.Sprintf("e%d", i)}
			if _, err := leases.Acquire(ctx, id, editor); err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			} else if !errors.Is(err, domain.ErrLeaseContention) {
				t.Errorf("Acquire() unexpected error = %v", err)
			}
		}(i)
	}
	wg.Wait()
	if winners != 1 {
		t.Fatalf("expected exactly one lease holder, got %d", winners)
	}
}

func TestRepositoryChangeLedger(t *testing.T) {
	repo := openTestRepository(t)
	ctx := context.Background()
	projectID := uniqueID("ledger")
	now := time.Now().UTC()
	for i, kind := range []domain.ChangeKind{domain.ChangeKindTask, domain.ChangeKindComment} {
		evt, err := domain.NewChangeEvent(domain.ChangeEventInput{
			ID:        fmt.Sprintf("%s-%d", projectID, i),
			Kind:      kind,
			ProjectID: projectID,
			Payload:   map[string]string{"i": fmt.Sprint(i)},
		}, now)
		if err != nil {
			t.Fatalf("NewChangeEvent() error = %v", err)
		}
		if err := repo.AppendChangeEvent(ctx, evt); err != nil {
			t.Fatalf("AppendChangeEvent() error = %v", err)
		}
	}
	events, err := repo.ListChangeEvents(ctx, projectID, 1)
	if err != nil {
		t.Fatalf("ListChangeEvents() error = %v", err)
	}
	if len(events) != 1 || events[0].Kind != domain.ChangeKindComment || events[0].Payload["i"] != "1" {
		t.Fatalf("unexpected events %#v", events)
	}
}
