package domain

import (
	"slices"
	"strings"
	"time"
)

// MilestoneStatus describes milestone progress state.
type MilestoneStatus string

// MilestoneStatus values.
const (
	MilestoneStatusPending    MilestoneStatus = "pending"
	MilestoneStatusInProgress MilestoneStatus = "in-progress"
	MilestoneStatusCompleted  MilestoneStatus = "completed"
	MilestoneStatusDelayed    MilestoneStatus = "delayed"
)

var validMilestoneStatuses = []MilestoneStatus{
	MilestoneStatusPending,
	MilestoneStatusInProgress,
	MilestoneStatusCompleted,
	MilestoneStatusDelayed,
}

// Deliverable is a checklist entry owned by one milestone.
type Deliverable struct {
	ID        string
	Text      string
	Completed bool
}

// Milestone is one ranked, dated stage of a project.
type Milestone struct {
	ID           string
	Name         string
	Description  string
	Status       MilestoneStatus
	StartDate    time.Time
	EndDate      time.Time
	Progress     int
	Deliverables []Deliverable
	AssignedTo   []string
	Dependencies []string
	Order        int
	KPIs         []KPI
}

// MilestoneInput holds values used to create or replace a milestone.
type MilestoneInput struct {
	ID           string
	Name         string
	Description  string
	Status       MilestoneStatus
	StartDate    time.Time
	EndDate      time.Time
	Progress     int
	Deliverables []Deliverable
	AssignedTo   []string
	Dependencies []string
	Order        int
	KPIs         []KPI
}

// NewMilestone validates input and returns a normalized milestone with fresh KPI statuses.
func NewMilestone(in MilestoneInput) (Milestone, error) {
	m := Milestone{
		ID:           strings.TrimSpace(in.ID),
		Name:         strings.TrimSpace(in.Name),
		Description:  strings.TrimSpace(in.Description),
		Status:       in.Status,
		Progress:     in.Progress,
		AssignedTo:   normalizeNames(in.AssignedTo),
		Dependencies: normalizeNames(in.Dependencies),
		Order:        in.Order,
	}
	if m.Status == "" {
		m.Status = MilestoneStatusPending
	}
	start, end, err := normalizeDateRange(in.StartDate, in.EndDate)
	if err != nil {
		return Milestone{}, err
	}
	m.StartDate, m.EndDate = start, end

	m.Deliverables = make([]Deliverable, 0, len(in.Deliverables))
	for _, d := range in.Deliverables {
		d.ID = strings.TrimSpace(d.ID)
		d.Text = strings.TrimSpace(d.Text)
		m.Deliverables = append(m.Deliverables, d)
	}
	m.KPIs = make([]KPI, 0, len(in.KPIs))
	for _, k := range in.KPIs {
		kpi, err := NewKPI(KPIInput{
			ID:      k.ID,
			Name:    k.Name,
			Target:  k.Target,
			Current: k.Current,
			Unit:    k.Unit,
			Trend:   k.Trend,
		})
		if err != nil {
			return Milestone{}, err
		}
		m.KPIs = append(m.KPIs, kpi)
	}
	if err := m.Validate(); err != nil {
		return Milestone{}, err
	}
	return m, nil
}

// Validate checks milestone-local invariants. Dependency existence is checked at project scope.
func (m Milestone) Validate() error {
	if m.ID == "" {
		return ErrInvalidID
	}
	if m.Name == "" {
		return ErrInvalidName
	}
	if !slices.Contains(validMilestoneStatuses, m.Status) {
		return ErrInvalidStatus
	}
	if !validProgress(m.Progress) {
		return ErrInvalidProgress
	}
	if m.EndDate.Before(m.StartDate) {
		return ErrInvalidDateRange
	}
	seen := make(map[string]struct{}, len(m.Deliverables))
	for _, d := range m.Deliverables {
		if d.ID == "" {
			return ErrInvalidID
		}
		if d.Text == "" {
			return ErrInvalidName
		}
		if _, ok := seen[d.ID]; ok {
			return ErrDuplicateID
		}
		seen[d.ID] = struct{}{}
	}
	clear(seen)
	for _, k := range m.KPIs {
		if err := k.Validate(); err != nil {
			return err
		}
		if _, ok := seen[k.ID]; ok {
			return ErrDuplicateID
		}
		seen[k.ID] = struct{}{}
	}
	return nil
}

// KPIIndex returns the slice index of one KPI, or -1.
func (m Milestone) KPIIndex(id string) int {
	return slices.IndexFunc(m.KPIs, func(k KPI) bool { return k.ID == id })
}

// SameDependencies reports whether two milestones declare the same dependency set.
func (m Milestone) SameDependencies(other Milestone) bool {
	if len(m.Dependencies) != len(other.Dependencies) {
		return false
	}
	for _, dep := range m.Dependencies {
		if !slices.Contains(other.Dependencies, dep) {
			return false
		}
	}
	return true
}

// DependsOn reports whether the milestone lists id as a dependency.
func (m Milestone) DependsOn(id string) bool {
	return slices.Contains(m.Dependencies, id)
}

// Clone returns a deep copy.
func (m Milestone) Clone() Milestone {
	out := m
	out.Deliverables = slices.Clone(m.Deliverables)
	out.AssignedTo = slices.Clone(m.AssignedTo)
	out.Dependencies = slices.Clone(m.Dependencies)
	out.KPIs = slices.Clone(m.KPIs)
	return out
}
