package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/hylla/waypoint/internal/domain"
	"github.com/hylla/waypoint/internal/telemetry"
)

// LeaseManager grants the single project-wide edit lease. Expiry is evaluated lazily on access.
type LeaseManager struct {
	store   LeaseStore
	clock   Clock
	ttl     time.Duration
	metrics *telemetry.Metrics
}

// NewLeaseManager constructs a lease manager. A non-positive ttl falls back to domain.DefaultLeaseTTL.
func NewLeaseManager(store LeaseStore, clock Clock, ttl time.Duration, metrics *telemetry.Metrics) *LeaseManager {
	if clock == nil {
		clock = time.Now
	}
	if ttl <= 0 {
		ttl = domain.DefaultLeaseTTL
	}
	return &LeaseManager{store: store, clock: clock, ttl: ttl, metrics: metrics}
}

// TTL returns the configured lease lifetime.
func (m *LeaseManager) TTL() time.Duration {
	return m.ttl
}

// Acquire grants the lease to editor when it is free, expired, or already held by editor.
func (m *LeaseManager) Acquire(ctx context.Context, projectID string, editor domain.Editor) (domain.EditLease, error) {
	projectID = strings.TrimSpace(projectID)
	editor, err := domain.NewEditor(editor.ID, editor.Name)
	if err != nil {
		return domain.EditLease{}, err
	}
	var granted domain.EditLease
	err = m.store.UpdateLease(ctx, projectID, func(current *domain.EditLease) (*domain.EditLease, error) {
		now := m.clock()
		if current != nil && !current.IsExpired(now, m.ttl) && !current.HeldBy(editor.ID) {
			return nil, &domain.LeaseContentionError{HolderID: current.HolderID, HolderName: current.HolderName}
		}
		next, err := domain.NewEditLease(projectID, editor, now)
		if err != nil {
			return nil, err
		}
		granted = next
		return &next, nil
	})
	if err != nil {
		var contention *domain.LeaseContentionError
		if errors.As(err, &contention) {
			m.metrics.RecordLeaseAcquire(telemetry.ResultBusy)
			log.Warn("edit lease contention", "project_id", projectID, "editor_id", editor.ID, "holder", contention.HolderName)
			return domain.EditLease{}, err
		}
		m.metrics.RecordLeaseAcquire(telemetry.ResultFailure)
		return domain.EditLease{}, fmt.Errorf("acquire edit lease: %w", err)
	}
	m.metrics.RecordLeaseAcquire(telemetry.ResultSuccess)
	log.Info("edit lease acquired", "project_id", projectID, "editor_id", editor.ID)
	return granted, nil
}

// Release frees the lease when holderID owns it. Any other caller is a no-op.
func (m *LeaseManager) Release(ctx context.Context, projectID, holderID string) error {
	projectID = strings.TrimSpace(projectID)
	holderID = strings.TrimSpace(holderID)
	released := false
	err := m.store.UpdateLease(ctx, projectID, func(current *domain.EditLease) (*domain.EditLease, error) {
		if current == nil || !current.HeldBy(holderID) {
			return current, nil
		}
		released = true
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("release edit lease: %w", err)
	}
	if released {
		log.Info("edit lease released", "project_id", projectID, "editor_id", holderID)
	}
	return nil
}

// Renew refreshes the acquisition time of an unexpired lease held by holderID.
func (m *LeaseManager) Renew(ctx context.Context, projectID, holderID string) (domain.EditLease, error) {
	projectID = strings.TrimSpace(projectID)
	holderID = strings.TrimSpace(holderID)
	var renewed domain.EditLease
	err := m.store.UpdateLease(ctx, projectID, func(current *domain.EditLease) (*domain.EditLease, error) {
		now := m.clock()
		if current == nil || !current.HeldBy(holderID) || current.IsExpired(now, m.ttl) {
			return nil, domain.ErrLeaseRequired
		}
		next := *current
		next.Renew(now)
		renewed = next
		return &next, nil
	})
	if err != nil {
		return domain.EditLease{}, fmt.Errorf("renew edit lease: %w", err)
	}
	return renewed, nil
}

// Check returns ErrLeaseRequired unless holderID holds an unexpired lease.
func (m *LeaseManager) Check(ctx context.Context, projectID, holderID string) error {
	current, err := m.Current(ctx, projectID)
	if err != nil {
		return err
	}
	if current == nil || !current.HeldBy(holderID) {
		log.Error("mutation blocked: edit lease not held", "project_id", projectID, "editor_id", holderID)
		return domain.ErrLeaseRequired
	}
	return nil
}

// Current returns the valid lease record, or nil when the project is free or the lease expired.
func (m *LeaseManager) Current(ctx context.Context, projectID string) (*domain.EditLease, error) {
	current, err := m.store.GetLease(ctx, strings.TrimSpace(projectID))
	if err != nil {
		return nil, fmt.Errorf("read edit lease: %w", err)
	}
	if current == nil || current.IsExpired(m.clock(), m.ttl) {
		return nil, nil
	}
	return current, nil
}
