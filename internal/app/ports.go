package app

import (
	"context"
	"time"

	"github.com/hylla/waypoint/internal/domain"
)

// Gateway loads and saves whole project snapshots. LoadProject returns ErrNotFound for unknown ids.
// Only success or failure of SaveProject is assumed; it need not be atomic.
type Gateway interface {
	LoadProject(context.Context, string) (Snapshot, error)
	SaveProject(context.Context, string, Snapshot) error
}

// LeaseUpdateFunc computes the next lease record from the current one. A nil current means free;
// returning nil clears the record. Returning an error aborts without writing.
type LeaseUpdateFunc func(current *domain.EditLease) (*domain.EditLease, error)

// LeaseStore persists one lease record per project. UpdateLease must make the read-then-write
// effectively exclusive for a project.
type LeaseStore interface {
	GetLease(context.Context, string) (*domain.EditLease, error)
	UpdateLease(context.Context, string, LeaseUpdateFunc) error
}

// Subscription is an active change-feed registration.
type Subscription interface {
	Close() error
}

// ChangeFeed publishes change events and fans them out to per-project subscribers.
type ChangeFeed interface {
	Publish(context.Context, domain.ChangeEvent) error
	Subscribe(context.Context, string, func(domain.ChangeEvent)) (Subscription, error)
}

// ChangeRecorder is an optional gateway capability that keeps an audit ledger of published events.
type ChangeRecorder interface {
	AppendChangeEvent(context.Context, domain.ChangeEvent) error
	ListChangeEvents(context.Context, string, int) ([]domain.ChangeEvent, error)
}

// ProjectSummary is one row of a gateway's saved-project listing.
type ProjectSummary struct {
	ID      string
	Name    string
	SavedAt time.Time
}

// ProjectLister is an optional gateway capability that enumerates saved projects.
type ProjectLister interface {
	ListProjects(context.Context) ([]ProjectSummary, error)
}
