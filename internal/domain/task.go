package domain

import (
	"slices"
	"strings"
	"time"
)

type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in-progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusBlocked    TaskStatus = "blocked"
)

var validTaskStatuses = []TaskStatus{TaskStatusPending, TaskStatusInProgress, TaskStatusCompleted, TaskStatusBlocked}

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

var validPriorities = []Priority{PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical}

type Task struct {
	ID          string
	MilestoneID string
	Name        string
	Status      TaskStatus
	Priority    Priority
	StartDate   time.Time
	EndDate     time.Time
	Progress    int
	AssignedTo  []string
}

type TaskInput struct {
	ID          string
	MilestoneID string
	Name        string
	Status      TaskStatus
	Priority    Priority
	StartDate   time.Time
	EndDate     time.Time
	Progress    int
	AssignedTo  []string
}

func NewTask(in TaskInput) (Task, error) {
	t := Task{
		ID:          strings.TrimSpace(in.ID),
		MilestoneID: strings.TrimSpace(in.MilestoneID),
		Name:        strings.TrimSpace(in.Name),
		Status:      in.Status,
		Priority:    in.Priority,
		Progress:    in.Progress,
		AssignedTo:  normalizeNames(in.AssignedTo),
	}
	if t.Status == "" {
		t.Status = TaskStatusPending
	}
	if t.Priority == "" {
		t.Priority = PriorityMedium
	}
	start, end, err := normalizeDateRange(in.StartDate, in.EndDate)
	if err != nil {
		return Task{}, err
	}
	t.StartDate, t.EndDate = start, end
	if err := t.Validate(); err != nil {
		return Task{}, err
	}
	return t, nil
}

// Validate checks task-local invariants. Milestone existence is checked at project scope.
func (t Task) Validate() error {
	if t.ID == "" {
		return ErrInvalidID
	}
	if t.MilestoneID == "" {
		return ErrUnknownMilestone
	}
	if t.Name == "" {
		return ErrInvalidName
	}
	if !slices.Contains(validTaskStatuses, t.Status) {
		return ErrInvalidStatus
	}
	if !slices.Contains(validPriorities, t.Priority) {
		return ErrInvalidPriority
	}
	if !validProgress(t.Progress) {
		return ErrInvalidProgress
	}
	if t.EndDate.Before(t.StartDate) {
		return ErrInvalidDateRange
	}
	return nil
}

func (t Task) Clone() Task {
	out := t
	out.AssignedTo = slices.Clone(t.AssignedTo)
	return out
}
