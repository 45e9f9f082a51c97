package domain

import (
	"strings"
	"time"
)

// DefaultLeaseTTL is how long an edit lease stays valid without renewal.
const DefaultLeaseTTL = 5 * time.Minute

// Editor identifies the party performing a lease or mutation call.
type Editor struct {
	ID   string
	Name string
}

// NewEditor normalizes and validates an editor identity. Name falls back to ID.
func NewEditor(id, name string) (Editor, error) {
	id = strings.TrimSpace(id)
	name = strings.TrimSpace(name)
	if id == "" {
		return Editor{}, ErrInvalidEditor
	}
	if name == "" {
		name = id
	}
	return Editor{ID: id, Name: name}, nil
}

// EditLease stores the single project-wide edit lease record.
type EditLease struct {
	ProjectID  string
	HolderID   string
	HolderName string
	AcquiredAt time.Time
}

// NewEditLease builds a lease held by editor starting at now.
func NewEditLease(projectID string, editor Editor, now time.Time) (EditLease, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return EditLease{}, ErrInvalidID
	}
	editor, err := NewEditor(editor.ID, editor.Name)
	if err != nil {
		return EditLease{}, err
	}
	return EditLease{
		ProjectID:  projectID,
		HolderID:   editor.ID,
		HolderName: editor.Name,
		AcquiredAt: now.UTC(),
	}, nil
}

// IsExpired reports whether more than ttl has elapsed since acquisition.
func (l EditLease) IsExpired(now time.Time, ttl time.Duration) bool {
	return now.Sub(l.AcquiredAt) > ttl
}

// HeldBy reports whether holderID owns the lease.
func (l EditLease) HeldBy(holderID string) bool {
	return l.HolderID == strings.TrimSpace(holderID)
}

// ExpiresAt returns the instant after which the lease may be reclaimed.
func (l EditLease) ExpiresAt(ttl time.Duration) time.Time {
	return l.AcquiredAt.Add(ttl)
}

// Renew refreshes the acquisition time.
func (l *EditLease) Renew(now time.Time) {
	if l == nil {
		return
	}
	l.AcquiredAt = now.UTC()
}
