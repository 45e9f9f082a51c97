package common

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/hylla/waypoint/internal/adapters/storage/memory"
	"github.com/hylla/waypoint/internal/app"
	"github.com/hylla/waypoint/internal/domain"
)

// newAdapterForTest wires one adapter over an in-memory store and a fixed clock.
func newAdapterForTest(t *testing.T) (*AppServiceAdapter, *memory.Store) {
	t.Helper()
	store := memory.New()
	n := 0
	idGen := func() string {
		n++
		return fmt.Sprintf("id-%d", n)
	}
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	svc := app.NewService(store, store, nil, idGen, func() time.Time { return now }, app.ServiceConfig{
		LeaseTTL:         domain.DefaultLeaseTTL,
		AutosaveInterval: time.Hour,
	})
	return NewAppServiceAdapter(svc), store
}

func adapterMilestone(id string, order, progress int) app.SnapshotMilestone {
	return app.SnapshotMilestone{
		ID:        id,
		Name:      "Milestone " + id,
		Status:    "in-progress",
		StartDate: "2026-03-01T00:00:00Z",
		EndDate:   "2026-04-01T00:00:00Z",
		Progress:  progress,
		Order:     order,
	}
}

func TestAppServiceAdapterProjectLifecycle(t *testing.T) {
	ctx := context.Background()
	adapter, store := newAdapterForTest(t)
	alice := Editor{ID: "alice", Name: "Alice"}

	created, err := adapter.CreateProject(ctx, alice, CreateProjectRequest{
		ID:        "p1",
		Name:      "Launch",
		StartDate: "2026-03-01T00:00:00Z",
		EndDate:   "2026-06-30T00:00:00Z",
	})
	if err != nil {
		t.Fatalf("CreateProject() error = %v", err)
	}
	if created.ID != "p1" || created.Status != "planning" {
		t.Fatalf("unexpected created snapshot %#v", created)
	}

	first := adapterMilestone("m1", 1, 40)
	first.Deliverables = []app.SnapshotDeliverable{
		{ID: "d1", Text: "Draft", Completed: true},
		{ID: "d2", Text: "Review"},
	}
	if _, err := adapter.UpsertMilestone(ctx, "p1", alice, first); err != nil {
		t.Fatalf("UpsertMilestone(m1) error = %v", err)
	}
	snap, err := adapter.UpsertMilestone(ctx, "p1", alice, adapterMilestone("m2", 2, 81))
	if err != nil {
		t.Fatalf("UpsertMilestone(m2) error = %v", err)
	}
	if snap.OverallProgress != 61 {
		t.Fatalf("expected overall progress 61, got %d", snap.OverallProgress)
	}

	snap, err = adapter.SetMilestoneProgress(ctx, "p1", alice, "m1", 100)
	if err != nil {
		t.Fatalf("SetMilestoneProgress() error = %v", err)
	}
	if snap.Milestones[0].Progress != 100 || snap.OverallProgress != 91 {
		t.Fatalf("unexpected progress after set %#v", snap)
	}
	if _, err := adapter.SetMilestoneProgress(ctx, "p1", alice, "missing", 10); !errors.Is(err, app.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown milestone, got %v", err)
	}

	snap, err = adapter.UpsertKPI(ctx, "p1", alice, "m2", app.SnapshotKPI{ID: "k1", Name: "Signups", Target: 100, Current: 75})
	if err != nil {
		t.Fatalf("UpsertKPI() error = %v", err)
	}
	if got := snap.Milestones[1].KPIs[0].Status; got != "at-risk" {
		t.Fatalf("expected at-risk kpi, got %q", got)
	}

	name := "Launch v2"
	snap, err = adapter.UpdateMetadata(ctx, "p1", alice, MetadataPatch{Name: &name})
	if err != nil {
		t.Fatalf("UpdateMetadata() error = %v", err)
	}
	if snap.Name != name || snap.StartDate != "2026-03-01T00:00:00Z" {
		t.Fatalf("unexpected metadata %#v", snap)
	}

	status, err := adapter.ProjectStatus(ctx, "p1")
	if err != nil {
		t.Fatalf("ProjectStatus() error = %v", err)
	}
	if !status.Dirty || status.Lease == nil || status.Lease.HolderName != "Alice" {
		t.Fatalf("unexpected status %#v", status)
	}
	wantMilestones := []MilestoneStatus{
		{ID: "m1", Progress: 100, DeliverableRatio: 0.5},
		{ID: "m2", Progress: 81, DeliverableRatio: 0},
	}
	if !reflect.DeepEqual(status.Milestones, wantMilestones) {
		t.Fatalf("unexpected milestone status %#v", status.Milestones)
	}
	if !status.Lease.ExpiresAt.Equal(status.Lease.AcquiredAt.Add(domain.DefaultLeaseTTL)) {
		t.Fatalf("unexpected lease expiry %#v", status.Lease)
	}

	status, err = adapter.Save(ctx, "p1")
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if status.Dirty || status.LastSavedAt == nil {
		t.Fatalf("expected clean status after save, got %#v", status)
	}
	saved, err := store.LoadProject(ctx, "p1")
	if err != nil {
		t.Fatalf("LoadProject() error = %v", err)
	}
	if saved.Name != name || len(saved.Milestones) != 2 {
		t.Fatalf("unexpected saved snapshot %#v", saved)
	}

	list, err := adapter.ListProjects(ctx)
	if err != nil {
		t.Fatalf("ListProjects() error = %v", err)
	}
	if len(list) != 1 || list[0].ID != "p1" || list[0].Name != name {
		t.Fatalf("unexpected listing %#v", list)
	}

	events, err := adapter.ListEvents(ctx, "p1", 0)
	if err != nil {
		t.Fatalf("ListEvents() error = %v", err)
	}
	if len(events) == 0 || events[0].ProjectID != "p1" {
		t.Fatalf("unexpected events %#v", events)
	}
}

func TestAppServiceAdapterLeaseGate(t *testing.T) {
	ctx := context.Background()
	adapter, _ := newAdapterForTest(t)
	alice := Editor{ID: "alice", Name: "Alice"}
	bob := Editor{ID: "bob", Name: "Bob"}
	if _, err := adapter.CreateProject(ctx, alice, CreateProjectRequest{ID: "p1", Name: "Launch", StartDate: "2026-03-01T00:00:00Z", EndDate: "2026-03-31T00:00:00Z"}); err != nil {
		t.Fatalf("CreateProject() error = %v", err)
	}

	if _, err := adapter.UpsertMilestone(ctx, "p1", bob, adapterMilestone("m1", 1, 10)); !errors.Is(err, domain.ErrLeaseRequired) {
		t.Fatalf("expected ErrLeaseRequired, got %v", err)
	}
	_, err := adapter.AcquireLease(ctx, "p1", bob)
	var contention *domain.LeaseContentionError
	if !errors.As(err, &contention) || contention.HolderName != "Alice" {
		t.Fatalf("expected contention naming Alice, got %v", err)
	}
	if err := adapter.ReleaseLease(ctx, "p1", bob); err != nil {
		t.Fatalf("ReleaseLease(non-holder) error = %v", err)
	}
	if _, err := adapter.RenewLease(ctx, "p1", bob); !errors.Is(err, domain.ErrLeaseRequired) {
		t.Fatalf("expected non-holder renew to fail, got %v", err)
	}
	if err := adapter.ReleaseLease(ctx, "p1", alice); err != nil {
		t.Fatalf("ReleaseLease(holder) error = %v", err)
	}
	lease, err := adapter.AcquireLease(ctx, "p1", bob)
	if err != nil {
		t.Fatalf("AcquireLease(bob) error = %v", err)
	}
	if lease.HolderID != "bob" {
		t.Fatalf("unexpected lease %#v", lease)
	}
	if _, err := adapter.AcquireLease(ctx, "p1", Editor{}); !errors.Is(err, domain.ErrInvalidEditor) {
		t.Fatalf("expected ErrInvalidEditor, got %v", err)
	}
}

func TestAppServiceAdapterExportImportAnnounce(t *testing.T) {
	ctx := context.Background()
	adapter, _ := newAdapterForTest(t)
	alice := Editor{ID: "alice"}
	if _, err := adapter.CreateProject(ctx, alice, CreateProjectRequest{ID: "p1", Name: "Launch", StartDate: "2026-03-01T00:00:00Z", EndDate: "2026-03-31T00:00:00Z"}); err != nil {
		t.Fatalf("CreateProject() error = %v", err)
	}
	if _, err := adapter.UpsertMilestone(ctx, "p1", alice, adapterMilestone("m1", 1, 50)); err != nil {
		t.Fatalf("UpsertMilestone() error = %v", err)
	}
	exported, err := adapter.Export(ctx, "p1")
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if !strings.Contains(string(exported), `"startDate": "2026-03-01T00:00:00Z"`) {
		t.Fatalf("expected ISO-8601 dates in export, got %s", exported)
	}

	if _, err := adapter.DeleteMilestone(ctx, "p1", alice, "m1"); err != nil {
		t.Fatalf("DeleteMilestone() error = %v", err)
	}
	if _, err := adapter.Import(ctx, "p1", alice, []byte(`{"id":`)); !errors.Is(err, domain.ErrDeserialization) {
		t.Fatalf("expected ErrDeserialization, got %v", err)
	}
	restored, err := adapter.Import(ctx, "p1", alice, exported)
	if err != nil {
		t.Fatalf("Import() error = %v", err)
	}
	if len(restored.Milestones) != 1 || restored.OverallProgress != 50 {
		t.Fatalf("unexpected restored snapshot %#v", restored)
	}

	received := make(chan app.ChangeEventJSON, 1)
	sub, err := adapter.Subscribe(ctx, "p1", func(evt app.ChangeEventJSON) { received <- evt })
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer sub.Close()
	announced, err := adapter.Announce(ctx, "p1", AnnounceRequest{Kind: "comment", ActorID: "carol", Payload: map[string]string{"text": "ship it"}})
	if err != nil {
		t.Fatalf("Announce() error = %v", err)
	}
	select {
	case got := <-received:
		if got.ID != announced.ID || got.Kind != "comment" || got.Payload["text"] != "ship it" {
			t.Fatalf("unexpected delivered event %#v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for announced event")
	}
	if _, err := adapter.Announce(ctx, "p1", AnnounceRequest{Kind: "bogus"}); !errors.Is(err, domain.ErrInvalidChangeKind) {
		t.Fatalf("expected ErrInvalidChangeKind, got %v", err)
	}
}

func TestAppServiceAdapterUnconfigured(t *testing.T) {
	var adapter *AppServiceAdapter
	if _, err := adapter.GetProject(context.Background(), "p1"); !errors.Is(err, ErrServiceUnavailable) {
		t.Fatalf("expected ErrServiceUnavailable, got %v", err)
	}
	if _, err := adapter.ListProjects(context.Background()); !errors.Is(err, ErrServiceUnavailable) {
		t.Fatalf("expected ErrServiceUnavailable, got %v", err)
	}
}

func TestClassifyError(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"contention", fmt.Errorf("acquire: %w", &domain.LeaseContentionError{HolderID: "a", HolderName: "Alice"}), http.StatusConflict, "lease_contention"},
		{"lease required", domain.ErrLeaseRequired, http.StatusPreconditionRequired, "lease_required"},
		{"exists", app.ErrAlreadyExists, http.StatusConflict, "already_exists"},
		{"not found", app.ErrNotFound, http.StatusNotFound, "not_found"},
		{"dangling", &domain.DanglingDependencyError{MilestoneID: "m1", DependencyID: "x"}, http.StatusBadRequest, "dangling_dependency"},
		{"cycle", &domain.CyclicDependencyError{Path: []string{"a", "b", "a"}}, http.StatusBadRequest, "cyclic_dependency"},
		{"decode", &domain.DeserializationError{Field: "startDate", Err: errors.New("bad")}, http.StatusBadRequest, "deserialization_failed"},
		{"mismatch", app.ErrProjectMismatch, http.StatusBadRequest, "project_mismatch"},
		{"persistence", &domain.PersistenceError{Op: "save", Err: errors.New("offline")}, http.StatusServiceUnavailable, "persistence_failure"},
		{"ledger", app.ErrLedgerUnavailable, http.StatusNotImplemented, "not_supported"},
		{"validation", domain.ErrInvalidProgress, http.StatusBadRequest, "invalid_request"},
		{"other", errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ClassifyError(tc.err)
			if got.Status != tc.status || got.Code != tc.code {
				t.Fatalf("ClassifyError() = %d/%q, want %d/%q", got.Status, got.Code, tc.status, tc.code)
			}
		})
	}
	if got := ClassifyError(&domain.LeaseContentionError{HolderName: "Alice"}); got.Context["holder_name"] != "Alice" {
		t.Fatalf("expected holder name in context, got %#v", got.Context)
	}
}
