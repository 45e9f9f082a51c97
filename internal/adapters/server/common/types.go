// Package common provides transport-agnostic server contracts used by HTTP and MCP adapters.
package common

import (
	"context"
	"errors"
	"time"

	"github.com/hylla/waypoint/internal/app"
	"github.com/hylla/waypoint/internal/domain"
)

// ErrInvalidRequest reports malformed transport input.
var ErrInvalidRequest = errors.New("invalid request")

// ErrServiceUnavailable reports a missing backing service.
var ErrServiceUnavailable = errors.New("service unavailable")

// Editor identifies the caller of one mutating request.
type Editor struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Domain converts the transport editor to its domain form.
func (e Editor) Domain() domain.Editor {
	return domain.Editor{ID: e.ID, Name: e.Name}
}

// ProjectSummary is one listing row.
type ProjectSummary struct {
	ID      string    `json:"id"`
	Name    string    `json:"name"`
	SavedAt time.Time `json:"savedAt"`
}

// Lease is the transport view of an edit lease.
type Lease struct {
	ProjectID  string    `json:"projectId"`
	HolderID   string    `json:"holderId"`
	HolderName string    `json:"holderName"`
	AcquiredAt time.Time `json:"acquiredAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// ProjectStatus summarizes sync and lease state for one project.
type ProjectStatus struct {
	ProjectID   string            `json:"projectId"`
	Dirty       bool              `json:"dirty"`
	LastSavedAt *time.Time        `json:"lastSavedAt,omitempty"`
	Lease       *Lease            `json:"lease,omitempty"`
	Milestones  []MilestoneStatus `json:"milestones"`
}

// MilestoneStatus reports one milestone's progress and deliverable completion ratio.
type MilestoneStatus struct {
	ID               string  `json:"id"`
	Progress         int     `json:"progress"`
	DeliverableRatio float64 `json:"deliverableRatio"`
}

// CreateProjectRequest captures input for a new project.
type CreateProjectRequest struct {
	ID          string `json:"id,omitempty"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Client      string `json:"client,omitempty"`
	StartDate   string `json:"startDate"`
	EndDate     string `json:"endDate"`
	Status      string `json:"status,omitempty"`
}

// MetadataPatch carries optional project metadata updates. Nil fields are left unchanged.
type MetadataPatch struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	Client      *string `json:"client,omitempty"`
	StartDate   *string `json:"startDate,omitempty"`
	EndDate     *string `json:"endDate,omitempty"`
	Status      *string `json:"status,omitempty"`
}

// AnnounceRequest captures a remote-originated change to fan out.
type AnnounceRequest struct {
	Kind    string            `json:"kind"`
	ActorID string            `json:"actorId,omitempty"`
	Payload map[string]string `json:"payload,omitempty"`
}

// ProjectService is the app surface shared by the HTTP and MCP transports.
type ProjectService interface {
	ListProjects(context.Context) ([]ProjectSummary, error)
	CreateProject(context.Context, Editor, CreateProjectRequest) (app.Snapshot, error)
	GetProject(context.Context, string) (app.Snapshot, error)
	ProjectStatus(context.Context, string) (ProjectStatus, error)

	AcquireLease(context.Context, string, Editor) (Lease, error)
	RenewLease(context.Context, string, Editor) (Lease, error)
	ReleaseLease(context.Context, string, Editor) error

	UpdateMetadata(context.Context, string, Editor, MetadataPatch) (app.Snapshot, error)
	UpsertMilestone(context.Context, string, Editor, app.SnapshotMilestone) (app.Snapshot, error)
	DeleteMilestone(context.Context, string, Editor, string) (app.Snapshot, error)
	SetMilestoneProgress(context.Context, string, Editor, string, int) (app.Snapshot, error)
	UpsertTask(context.Context, string, Editor, app.SnapshotTask) (app.Snapshot, error)
	DeleteTask(context.Context, string, Editor, string) (app.Snapshot, error)
	UpsertKPI(context.Context, string, Editor, string, app.SnapshotKPI) (app.Snapshot, error)
	DeleteKPI(context.Context, string, Editor, string, string) (app.Snapshot, error)

	Save(context.Context, string) (ProjectStatus, error)
	Resume(context.Context, string) (ProjectStatus, error)
	Export(context.Context, string) ([]byte, error)
	Import(context.Context, string, Editor, []byte) (app.Snapshot, error)

	ListEvents(context.Context, string, int) ([]app.ChangeEventJSON, error)
	Announce(context.Context, string, AnnounceRequest) (app.ChangeEventJSON, error)
	Subscribe(context.Context, string, func(app.ChangeEventJSON)) (app.Subscription, error)
}
