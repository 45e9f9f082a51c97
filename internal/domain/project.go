package domain

import (
	"slices"
	"strings"
	"time"
)

// ProjectStatus describes the lifecycle phase of a project.
type ProjectStatus string

// ProjectStatus values.
const (
	ProjectStatusPlanning  ProjectStatus = "planning"
	ProjectStatusActive    ProjectStatus = "active"
	ProjectStatusOnHold    ProjectStatus = "on-hold"
	ProjectStatusCompleted ProjectStatus = "completed"
	ProjectStatusCancelled ProjectStatus = "cancelled"
)

var validProjectStatuses = []ProjectStatus{
	ProjectStatusPlanning,
	ProjectStatusActive,
	ProjectStatusOnHold,
	ProjectStatusCompleted,
	ProjectStatusCancelled,
}

// Project is the aggregate root: metadata plus its milestones and tasks.
type Project struct {
	ID              string
	Name            string
	Description     string
	Client          string
	StartDate       time.Time
	EndDate         time.Time
	Status          ProjectStatus
	Milestones      []Milestone
	Tasks           []Task
	OverallProgress int
}

// ProjectMetadata holds the editable scalar fields of a project.
type ProjectMetadata struct {
	Name        string
	Description string
	Client      string
	StartDate   time.Time
	EndDate     time.Time
	Status      ProjectStatus
}

// ProjectInput holds values used to create a project.
type ProjectInput struct {
	ID string
	ProjectMetadata
}

// NewProject constructs a project with no milestones or tasks.
func NewProject(in ProjectInput) (Project, error) {
	id := strings.TrimSpace(in.ID)
	if id == "" {
		return Project{}, ErrInvalidID
	}
	meta, err := normalizeProjectMetadata(in.ProjectMetadata)
	if err != nil {
		return Project{}, err
	}
	p := Project{ID: id}
	p.applyMetadata(meta)
	return p, nil
}

// UpdateMetadata replaces the scalar fields after validation.
func (p *Project) UpdateMetadata(in ProjectMetadata) error {
	meta, err := normalizeProjectMetadata(in)
	if err != nil {
		return err
	}
	p.applyMetadata(meta)
	return nil
}

// Metadata returns the editable scalar fields.
func (p Project) Metadata() ProjectMetadata {
	return ProjectMetadata{
		Name:        p.Name,
		Description: p.Description,
		Client:      p.Client,
		StartDate:   p.StartDate,
		EndDate:     p.EndDate,
		Status:      p.Status,
	}
}

// applyMetadata copies normalized metadata into the project.
func (p *Project) applyMetadata(meta ProjectMetadata) {
	p.Name = meta.Name
	p.Description = meta.Description
	p.Client = meta.Client
	p.StartDate = meta.StartDate
	p.EndDate = meta.EndDate
	p.Status = meta.Status
}

// MilestoneIndex returns the slice index of one milestone, or -1.
func (p Project) MilestoneIndex(id string) int {
	return slices.IndexFunc(p.Milestones, func(m Milestone) bool { return m.ID == id })
}

// TaskIndex returns the slice index of one task, or -1.
func (p Project) TaskIndex(id string) int {
	return slices.IndexFunc(p.Tasks, func(t Task) bool { return t.ID == id })
}

// Clone returns a deep copy.
func (p Project) Clone() Project {
	out := p
	out.Milestones = make([]Milestone, 0, len(p.Milestones))
	for _, m := range p.Milestones {
		out.Milestones = append(out.Milestones, m.Clone())
	}
	out.Tasks = make([]Task, 0, len(p.Tasks))
	for _, t := range p.Tasks {
		out.Tasks = append(out.Tasks, t.Clone())
	}
	return out
}

// SortMilestones orders milestones by display rank, then id.
func (p *Project) SortMilestones() {
	slices.SortStableFunc(p.Milestones, func(a, b Milestone) int {
		if a.Order != b.Order {
			return a.Order - b.Order
		}
		return strings.Compare(a.ID, b.ID)
	})
}

// Validate checks every aggregate invariant except rollup freshness.
func (p Project) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return ErrInvalidID
	}
	if _, err := normalizeProjectMetadata(p.Metadata()); err != nil {
		return err
	}
	milestoneIDs := make(map[string]struct{}, len(p.Milestones))
	orders := make(map[int]struct{}, len(p.Milestones))
	for _, m := range p.Milestones {
		if err := m.Validate(); err != nil {
			return err
		}
		if _, ok := milestoneIDs[m.ID]; ok {
			return ErrDuplicateID
		}
		milestoneIDs[m.ID] = struct{}{}
		if _, ok := orders[m.Order]; ok {
			return ErrDuplicateOrder
		}
		orders[m.Order] = struct{}{}
	}
	taskIDs := make(map[string]struct{}, len(p.Tasks))
	for _, t := range p.Tasks {
		if err := t.Validate(); err != nil {
			return err
		}
		if _, ok := taskIDs[t.ID]; ok {
			return ErrDuplicateID
		}
		taskIDs[t.ID] = struct{}{}
		if _, ok := milestoneIDs[t.MilestoneID]; !ok {
			return ErrUnknownMilestone
		}
	}
	return ValidateDependencies(p.Milestones)
}

// normalizeProjectMetadata trims and validates project metadata.
func normalizeProjectMetadata(in ProjectMetadata) (ProjectMetadata, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Description = strings.TrimSpace(in.Description)
	in.Client = strings.TrimSpace(in.Client)
	if in.Name == "" {
		return ProjectMetadata{}, ErrInvalidName
	}
	if in.Status == "" {
		in.Status = ProjectStatusPlanning
	}
	if !slices.Contains(validProjectStatuses, in.Status) {
		return ProjectMetadata{}, ErrInvalidStatus
	}
	start, end, err := normalizeDateRange(in.StartDate, in.EndDate)
	if err != nil {
		return ProjectMetadata{}, err
	}
	in.StartDate, in.EndDate = start, end
	return in, nil
}

// normalizeDateRange converts both bounds to UTC and enforces end >= start.
func normalizeDateRange(start, end time.Time) (time.Time, time.Time, error) {
	start, end = start.UTC(), end.UTC()
	if end.Before(start) {
		return time.Time{}, time.Time{}, ErrInvalidDateRange
	}
	return start, end, nil
}

// normalizeNames trims names and drops blanks and duplicates, preserving order.
func normalizeNames(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, raw := range in {
		name := strings.TrimSpace(raw)
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}

// validProgress reports whether a percent value is in [0,100].
func validProgress(v int) bool {
	return v >= 0 && v <= 100
}
