package domain

import (
	"maps"
	"slices"
	"strings"
	"time"
)

// ChangeKind describes what part of a project a change event concerns.
type ChangeKind string

// ChangeKind values fanned out to subscribers.
const (
	ChangeKindMilestone ChangeKind = "milestone"
	ChangeKindTask      ChangeKind = "task"
	ChangeKindComment   ChangeKind = "comment"
	ChangeKindUpdate    ChangeKind = "update"
)

var validChangeKinds = []ChangeKind{ChangeKindMilestone, ChangeKindTask, ChangeKindComment, ChangeKindUpdate}

// ChangeEvent is a notification that a project changed. It never feeds back into project state.
type ChangeEvent struct {
	ID         string
	Kind       ChangeKind
	ProjectID  string
	ActorID    string
	Payload    map[string]string
	OccurredAt time.Time
}

// ChangeEventInput holds values used to build a change event.
type ChangeEventInput struct {
	ID        string
	Kind      ChangeKind
	ProjectID string
	ActorID   string
	Payload   map[string]string
}

// NewChangeEvent validates input and stamps the occurrence time.
func NewChangeEvent(in ChangeEventInput, now time.Time) (ChangeEvent, error) {
	in.ID = strings.TrimSpace(in.ID)
	in.ProjectID = strings.TrimSpace(in.ProjectID)
	if in.ID == "" || in.ProjectID == "" {
		return ChangeEvent{}, ErrInvalidID
	}
	if !IsValidChangeKind(in.Kind) {
		return ChangeEvent{}, ErrInvalidChangeKind
	}
	return ChangeEvent{
		ID:         in.ID,
		Kind:       in.Kind,
		ProjectID:  in.ProjectID,
		ActorID:    strings.TrimSpace(in.ActorID),
		Payload:    maps.Clone(in.Payload),
		OccurredAt: now.UTC(),
	}, nil
}

// IsValidChangeKind reports whether kind is supported.
func IsValidChangeKind(kind ChangeKind) bool {
	return slices.Contains(validChangeKinds, kind)
}
