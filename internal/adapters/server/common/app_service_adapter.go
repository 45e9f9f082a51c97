package common

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/hylla/waypoint/internal/app"
	"github.com/hylla/waypoint/internal/domain"
)

// AppServiceAdapter maps transport contracts onto app.Service sessions.
type AppServiceAdapter struct {
	service *app.Service
}

// NewAppServiceAdapter builds one common adapter over an app.Service instance.
func NewAppServiceAdapter(service *app.Service) *AppServiceAdapter {
	return &AppServiceAdapter{service: service}
}

// session opens the project session, failing when no service is wired.
func (a *AppServiceAdapter) session(ctx context.Context, projectID string) (*app.Session, error) {
	if a == nil || a.service == nil {
		return nil, fmt.Errorf("app service adapter is not configured: %w", ErrServiceUnavailable)
	}
	return a.service.Open(ctx, projectID)
}

// ListProjects lists persisted projects.
func (a *AppServiceAdapter) ListProjects(ctx context.Context) ([]ProjectSummary, error) {
	if a == nil || a.service == nil {
		return nil, fmt.Errorf("app service adapter is not configured: %w", ErrServiceUnavailable)
	}
	rows, err := a.service.ListProjects(ctx)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	out := make([]ProjectSummary, 0, len(rows))
	for _, row := range rows {
		out = append(out, ProjectSummary{ID: row.ID, Name: row.Name, SavedAt: row.SavedAt.UTC()})
	}
	return out, nil
}

// CreateProject creates and saves a new project with editor holding its lease.
func (a *AppServiceAdapter) CreateProject(ctx context.Context, editor Editor, in CreateProjectRequest) (app.Snapshot, error) {
	if a == nil || a.service == nil {
		return app.Snapshot{}, fmt.Errorf("app service adapter is not configured: %w", ErrServiceUnavailable)
	}
	actor, err := normalizeEditor(editor)
	if err != nil {
		return app.Snapshot{}, err
	}
	start, err := app.ParseSnapshotTime("startDate", in.StartDate)
	if err != nil {
		return app.Snapshot{}, err
	}
	end, err := app.ParseSnapshotTime("endDate", in.EndDate)
	if err != nil {
		return app.Snapshot{}, err
	}
	session, err := a.service.CreateProject(ctx, actor, domain.ProjectInput{
		ID: in.ID,
		ProjectMetadata: domain.ProjectMetadata{
			Name:        in.Name,
			Description: in.Description,
			Client:      in.Client,
			StartDate:   start,
			EndDate:     end,
			Status:      domain.ProjectStatus(in.Status),
		},
	})
	if err != nil {
		return app.Snapshot{}, fmt.Errorf("create project: %w", err)
	}
	return session.Store.Snapshot()
}

// GetProject returns the current snapshot for projectID.
func (a *AppServiceAdapter) GetProject(ctx context.Context, projectID string) (app.Snapshot, error) {
	session, err := a.session(ctx, projectID)
	if err != nil {
		return app.Snapshot{}, err
	}
	return session.Store.Snapshot()
}

// ProjectStatus reports dirty state, last save, and lease holder.
func (a *AppServiceAdapter) ProjectStatus(ctx context.Context, projectID string) (ProjectStatus, error) {
	session, err := a.session(ctx, projectID)
	if err != nil {
		return ProjectStatus{}, err
	}
	return a.status(ctx, session)
}

// status converts one session status.
func (a *AppServiceAdapter) status(ctx context.Context, session *app.Session) (ProjectStatus, error) {
	st, err := session.Status(ctx)
	if err != nil {
		return ProjectStatus{}, err
	}
	out := ProjectStatus{ProjectID: st.ProjectID, Dirty: st.Dirty, Milestones: make([]MilestoneStatus, 0, len(st.Milestones))}
	for _, m := range st.Milestones {
		out.Milestones = append(out.Milestones, MilestoneStatus{ID: m.ID, Progress: m.Progress, DeliverableRatio: m.DeliverableRatio})
	}
	if !st.LastSavedAt.IsZero() {
		saved := st.LastSavedAt.UTC()
		out.LastSavedAt = &saved
	}
	if st.Lease != nil {
		lease := a.mapLease(*st.Lease)
		out.Lease = &lease
	}
	return out, nil
}

// AcquireLease acquires the project edit lease for editor.
func (a *AppServiceAdapter) AcquireLease(ctx context.Context, projectID string, editor Editor) (Lease, error) {
	actor, err := normalizeEditor(editor)
	if err != nil {
		return Lease{}, err
	}
	session, err := a.session(ctx, projectID)
	if err != nil {
		return Lease{}, err
	}
	lease, err := session.AcquireLease(ctx, actor)
	if err != nil {
		return Lease{}, err
	}
	return a.mapLease(lease), nil
}

// RenewLease renews the lease held by editor.
func (a *AppServiceAdapter) RenewLease(ctx context.Context, projectID string, editor Editor) (Lease, error) {
	actor, err := normalizeEditor(editor)
	if err != nil {
		return Lease{}, err
	}
	session, err := a.session(ctx, projectID)
	if err != nil {
		return Lease{}, err
	}
	lease, err := session.RenewLease(ctx, actor.ID)
	if err != nil {
		return Lease{}, err
	}
	return a.mapLease(lease), nil
}

// ReleaseLease releases the lease when editor holds it.
func (a *AppServiceAdapter) ReleaseLease(ctx context.Context, projectID string, editor Editor) error {
	actor, err := normalizeEditor(editor)
	if err != nil {
		return err
	}
	session, err := a.session(ctx, projectID)
	if err != nil {
		return err
	}
	return session.ReleaseLease(ctx, actor.ID)
}

// UpdateMetadata applies a metadata patch over the current values.
func (a *AppServiceAdapter) UpdateMetadata(ctx context.Context, projectID string, editor Editor, patch MetadataPatch) (app.Snapshot, error) {
	return a.mutate(ctx, projectID, editor, func(session *app.Session, actor domain.Editor) error {
		project, err := session.Store.Project()
		if err != nil {
			return err
		}
		meta := project.Metadata()
		if patch.Name != nil {
			meta.Name = *patch.Name
		}
		if patch.Description != nil {
			meta.Description = *patch.Description
		}
		if patch.Client != nil {
			meta.Client = *patch.Client
		}
		if patch.Status != nil {
			meta.Status = domain.ProjectStatus(*patch.Status)
		}
		if patch.StartDate != nil {
			if meta.StartDate, err = app.ParseSnapshotTime("startDate", *patch.StartDate); err != nil {
				return err
			}
		}
		if patch.EndDate != nil {
			if meta.EndDate, err = app.ParseSnapshotTime("endDate", *patch.EndDate); err != nil {
				return err
			}
		}
		_, err = session.Store.UpdateMetadata(ctx, actor, meta)
		return err
	})
}

// UpsertMilestone creates or replaces one milestone.
func (a *AppServiceAdapter) UpsertMilestone(ctx context.Context, projectID string, editor Editor, in app.SnapshotMilestone) (app.Snapshot, error) {
	return a.mutate(ctx, projectID, editor, func(session *app.Session, actor domain.Editor) error {
		milestone, err := in.Input()
		if err != nil {
			return err
		}
		_, err = session.Store.UpsertMilestone(ctx, actor, milestone)
		return err
	})
}

// DeleteMilestone removes one milestone.
func (a *AppServiceAdapter) DeleteMilestone(ctx context.Context, projectID string, editor Editor, milestoneID string) (app.Snapshot, error) {
	return a.mutate(ctx, projectID, editor, func(session *app.Session, actor domain.Editor) error {
		return session.Store.DeleteMilestone(ctx, actor, milestoneID)
	})
}

// SetMilestoneProgress changes only the progress of one milestone.
func (a *AppServiceAdapter) SetMilestoneProgress(ctx context.Context, projectID string, editor Editor, milestoneID string, progress int) (app.Snapshot, error) {
	return a.mutate(ctx, projectID, editor, func(session *app.Session, actor domain.Editor) error {
		snap, err := session.Store.Snapshot()
		if err != nil {
			return err
		}
		idx := slices.IndexFunc(snap.Milestones, func(m app.SnapshotMilestone) bool {
			return m.ID == strings.TrimSpace(milestoneID)
		})
		if idx < 0 {
			return fmt.Errorf("milestone %q: %w", milestoneID, app.ErrNotFound)
		}
		current := snap.Milestones[idx]
		current.Progress = progress
		milestone, err := current.Input()
		if err != nil {
			return err
		}
		_, err = session.Store.UpsertMilestone(ctx, actor, milestone)
		return err
	})
}

// UpsertTask creates or replaces one task.
func (a *AppServiceAdapter) UpsertTask(ctx context.Context, projectID string, editor Editor, in app.SnapshotTask) (app.Snapshot, error) {
	return a.mutate(ctx, projectID, editor, func(session *app.Session, actor domain.Editor) error {
		task, err := in.Input()
		if err != nil {
			return err
		}
		_, err = session.Store.UpsertTask(ctx, actor, task)
		return err
	})
}

// DeleteTask removes one task.
func (a *AppServiceAdapter) DeleteTask(ctx context.Context, projectID string, editor Editor, taskID string) (app.Snapshot, error) {
	return a.mutate(ctx, projectID, editor, func(session *app.Session, actor domain.Editor) error {
		return session.Store.DeleteTask(ctx, actor, taskID)
	})
}

// UpsertKPI creates or replaces one KPI under milestoneID.
func (a *AppServiceAdapter) UpsertKPI(ctx context.Context, projectID string, editor Editor, milestoneID string, in app.SnapshotKPI) (app.Snapshot, error) {
	return a.mutate(ctx, projectID, editor, func(session *app.Session, actor domain.Editor) error {
		_, err := session.Store.UpsertKPI(ctx, actor, milestoneID, in.Input())
		return err
	})
}

// DeleteKPI removes one KPI from milestoneID.
func (a *AppServiceAdapter) DeleteKPI(ctx context.Context, projectID string, editor Editor, milestoneID, kpiID string) (app.Snapshot, error) {
	return a.mutate(ctx, projectID, editor, func(session *app.Session, actor domain.Editor) error {
		return session.Store.DeleteKPI(ctx, actor, milestoneID, kpiID)
	})
}

// mutate runs one lease-gated store mutation and returns the resulting snapshot.
func (a *AppServiceAdapter) mutate(ctx context.Context, projectID string, editor Editor, fn func(*app.Session, domain.Editor) error) (app.Snapshot, error) {
	actor, err := normalizeEditor(editor)
	if err != nil {
		return app.Snapshot{}, err
	}
	session, err := a.session(ctx, projectID)
	if err != nil {
		return app.Snapshot{}, err
	}
	if err := fn(session, actor); err != nil {
		return app.Snapshot{}, err
	}
	return session.Store.Snapshot()
}

// Save persists the project immediately.
func (a *AppServiceAdapter) Save(ctx context.Context, projectID string) (ProjectStatus, error) {
	session, err := a.session(ctx, projectID)
	if err != nil {
		return ProjectStatus{}, err
	}
	if err := session.Sync.Sync(ctx, app.SyncTriggerManual); err != nil {
		return ProjectStatus{}, err
	}
	return a.status(ctx, session)
}

// Resume runs the resume trigger: save when dirty, otherwise refresh.
func (a *AppServiceAdapter) Resume(ctx context.Context, projectID string) (ProjectStatus, error) {
	session, err := a.session(ctx, projectID)
	if err != nil {
		return ProjectStatus{}, err
	}
	if err := session.Sync.Sync(ctx, app.SyncTriggerResume); err != nil {
		return ProjectStatus{}, err
	}
	return a.status(ctx, session)
}

// Export serializes the current project snapshot.
func (a *AppServiceAdapter) Export(ctx context.Context, projectID string) ([]byte, error) {
	session, err := a.session(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return session.Sync.Export()
}

// Import replaces the project with a serialized snapshot.
func (a *AppServiceAdapter) Import(ctx context.Context, projectID string, editor Editor, data []byte) (app.Snapshot, error) {
	return a.mutate(ctx, projectID, editor, func(session *app.Session, actor domain.Editor) error {
		return session.Sync.Import(ctx, actor, data)
	})
}

// ListEvents lists recorded change events, newest first.
func (a *AppServiceAdapter) ListEvents(ctx context.Context, projectID string, limit int) ([]app.ChangeEventJSON, error) {
	if a == nil || a.service == nil {
		return nil, fmt.Errorf("app service adapter is not configured: %w", ErrServiceUnavailable)
	}
	events, err := a.service.ListChangeEvents(ctx, projectID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]app.ChangeEventJSON, 0, len(events))
	for _, evt := range events {
		out = append(out, app.ChangeEventToJSON(evt))
	}
	return out, nil
}

// Announce fans out a remote-originated change event.
func (a *AppServiceAdapter) Announce(ctx context.Context, projectID string, in AnnounceRequest) (app.ChangeEventJSON, error) {
	session, err := a.session(ctx, projectID)
	if err != nil {
		return app.ChangeEventJSON{}, err
	}
	evt, err := session.Announce(ctx, domain.ChangeKind(strings.TrimSpace(in.Kind)), in.ActorID, in.Payload)
	if err != nil {
		return app.ChangeEventJSON{}, err
	}
	return app.ChangeEventToJSON(evt), nil
}

// Subscribe registers fn for the project's change events.
func (a *AppServiceAdapter) Subscribe(ctx context.Context, projectID string, fn func(app.ChangeEventJSON)) (app.Subscription, error) {
	session, err := a.session(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return session.Subscribe(ctx, func(evt domain.ChangeEvent) {
		fn(app.ChangeEventToJSON(evt))
	})
}

// mapLease converts one domain lease using the service TTL.
func (a *AppServiceAdapter) mapLease(lease domain.EditLease) Lease {
	return Lease{
		ProjectID:  lease.ProjectID,
		HolderID:   lease.HolderID,
		HolderName: lease.HolderName,
		AcquiredAt: lease.AcquiredAt.UTC(),
		ExpiresAt:  lease.ExpiresAt(a.leaseTTL()).UTC(),
	}
}

// leaseTTL returns the configured lease TTL.
func (a *AppServiceAdapter) leaseTTL() time.Duration {
	if a == nil || a.service == nil {
		return domain.DefaultLeaseTTL
	}
	return a.service.Leases().TTL()
}

// normalizeEditor validates transport editor identity.
func normalizeEditor(editor Editor) (domain.Editor, error) {
	actor, err := domain.NewEditor(editor.ID, editor.Name)
	if err != nil {
		return domain.Editor{}, fmt.Errorf("editor identity: %w", err)
	}
	return actor, nil
}
