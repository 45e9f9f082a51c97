package app

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/hylla/waypoint/internal/domain"
)

// SnapshotTimeFormat is the ISO-8601 layout used for every serialized date.
const SnapshotTimeFormat = time.RFC3339Nano

// Snapshot is the serializable form of one project aggregate. Dates are ISO-8601 strings.
type Snapshot struct {
	ID              string              `json:"id"`
	Name            string              `json:"name"`
	Description     string              `json:"description"`
	Client          string              `json:"client"`
	StartDate       string              `json:"startDate"`
	EndDate         string              `json:"endDate"`
	Status          string              `json:"status"`
	OverallProgress int                 `json:"overallProgress"`
	Milestones      []SnapshotMilestone `json:"milestones"`
	Tasks           []SnapshotTask      `json:"tasks"`
}

// SnapshotMilestone is the serializable form of one milestone.
type SnapshotMilestone struct {
	ID           string                `json:"id"`
	Name         string                `json:"name"`
	Description  string                `json:"description"`
	Status       string                `json:"status"`
	StartDate    string                `json:"startDate"`
	EndDate      string                `json:"endDate"`
	Progress     int                   `json:"progress"`
	Deliverables []SnapshotDeliverable `json:"deliverables"`
	AssignedTo   []string              `json:"assignedTo"`
	Dependencies []string              `json:"dependencies"`
	Order        int                   `json:"order"`
	KPIs         []SnapshotKPI         `json:"kpis"`
}

// SnapshotDeliverable is the serializable form of one deliverable.
type SnapshotDeliverable struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	Completed bool   `json:"completed"`
}

// SnapshotKPI is the serializable form of one KPI.
type SnapshotKPI struct {
	ID      string  `json:"id"`
	Name    string  `json:"name"`
	Target  float64 `json:"target"`
	Current float64 `json:"current"`
	Unit    string  `json:"unit"`
	Status  string  `json:"status"`
	Trend   string  `json:"trend"`
}

// SnapshotTask is the serializable form of one task.
type SnapshotTask struct {
	ID          string   `json:"id"`
	MilestoneID string   `json:"milestoneId"`
	Name        string   `json:"name"`
	Status      string   `json:"status"`
	Priority    string   `json:"priority"`
	StartDate   string   `json:"startDate"`
	EndDate     string   `json:"endDate"`
	Progress    int      `json:"progress"`
	AssignedTo  []string `json:"assignedTo"`
}

// DecodeSnapshot strictly decodes one snapshot document. Unknown keys and trailing data are rejected.
func DecodeSnapshot(data []byte) (Snapshot, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var snap Snapshot
	if err := dec.Decode(&snap); err != nil {
		return Snapshot{}, &domain.DeserializationError{Err: err}
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return Snapshot{}, &domain.DeserializationError{Err: errors.New("trailing data after snapshot")}
	}
	return snap, nil
}

// EncodeSnapshot renders a snapshot as indented JSON with a trailing newline.
func EncodeSnapshot(snap Snapshot) ([]byte, error) {
	encoded, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode snapshot json: %w", err)
	}
	return append(encoded, '\n'), nil
}

// SnapshotFromProject converts a project aggregate into its serializable form.
func SnapshotFromProject(p domain.Project) Snapshot {
	snap := Snapshot{
		ID:              p.ID,
		Name:            p.Name,
		Description:     p.Description,
		Client:          p.Client,
		StartDate:       formatSnapshotTime(p.StartDate),
		EndDate:         formatSnapshotTime(p.EndDate),
		Status:          string(p.Status),
		OverallProgress: p.OverallProgress,
		Milestones:      make([]SnapshotMilestone, 0, len(p.Milestones)),
		Tasks:           make([]SnapshotTask, 0, len(p.Tasks)),
	}
	for _, m := range p.Milestones {
		sm := SnapshotMilestone{
			ID:           m.ID,
			Name:         m.Name,
			Description:  m.Description,
			Status:       string(m.Status),
			StartDate:    formatSnapshotTime(m.StartDate),
			EndDate:      formatSnapshotTime(m.EndDate),
			Progress:     m.Progress,
			Deliverables: make([]SnapshotDeliverable, 0, len(m.Deliverables)),
			AssignedTo:   nonNilStrings(m.AssignedTo),
			Dependencies: nonNilStrings(m.Dependencies),
			Order:        m.Order,
			KPIs:         make([]SnapshotKPI, 0, len(m.KPIs)),
		}
		for _, d := range m.Deliverables {
			sm.Deliverables = append(sm.Deliverables, SnapshotDeliverable(d))
		}
		for _, k := range m.KPIs {
			sm.KPIs = append(sm.KPIs, KPIToSnapshot(k))
		}
		snap.Milestones = append(snap.Milestones, sm)
	}
	for _, t := range p.Tasks {
		snap.Tasks = append(snap.Tasks, SnapshotTask{
			ID:          t.ID,
			MilestoneID: t.MilestoneID,
			Name:        t.Name,
			Status:      string(t.Status),
			Priority:    string(t.Priority),
			StartDate:   formatSnapshotTime(t.StartDate),
			EndDate:     formatSnapshotTime(t.EndDate),
			Progress:    t.Progress,
			AssignedTo:  nonNilStrings(t.AssignedTo),
		})
	}
	return snap
}

// ToProject revives dates, validates every invariant, and recomputes rollups.
// Serialized overallProgress and KPI statuses are derived values and are replaced.
func (s Snapshot) ToProject() (domain.Project, error) {
	start, err := parseSnapshotTime("startDate", s.StartDate)
	if err != nil {
		return domain.Project{}, err
	}
	end, err := parseSnapshotTime("endDate", s.EndDate)
	if err != nil {
		return domain.Project{}, err
	}
	p, err := domain.NewProject(domain.ProjectInput{
		ID: s.ID,
		ProjectMetadata: domain.ProjectMetadata{
			Name:        s.Name,
			Description: s.Description,
			Client:      s.Client,
			StartDate:   start,
			EndDate:     end,
			Status:      domain.ProjectStatus(s.Status),
		},
	})
	if err != nil {
		return domain.Project{}, fmt.Errorf("project: %w", err)
	}

	p.Milestones = make([]domain.Milestone, 0, len(s.Milestones))
	for i, sm := range s.Milestones {
		m, err := sm.toDomain()
		if err != nil {
			return domain.Project{}, fmt.Errorf("milestones[%d]: %w", i, err)
		}
		p.Milestones = append(p.Milestones, m)
	}
	p.Tasks = make([]domain.Task, 0, len(s.Tasks))
	for i, st := range s.Tasks {
		t, err := st.toDomain()
		if err != nil {
			return domain.Project{}, fmt.Errorf("tasks[%d]: %w", i, err)
		}
		p.Tasks = append(p.Tasks, t)
	}
	p.SortMilestones()
	domain.Recompute(&p)
	if err := p.Validate(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// Input revives a serialized milestone into constructor input. KPI statuses are dropped.
func (sm SnapshotMilestone) Input() (domain.MilestoneInput, error) {
	start, err := parseSnapshotTime("startDate", sm.StartDate)
	if err != nil {
		return domain.MilestoneInput{}, err
	}
	end, err := parseSnapshotTime("endDate", sm.EndDate)
	if err != nil {
		return domain.MilestoneInput{}, err
	}
	in := domain.MilestoneInput{
		ID:           sm.ID,
		Name:         sm.Name,
		Description:  sm.Description,
		Status:       domain.MilestoneStatus(sm.Status),
		StartDate:    start,
		EndDate:      end,
		Progress:     sm.Progress,
		AssignedTo:   sm.AssignedTo,
		Dependencies: sm.Dependencies,
		Order:        sm.Order,
		Deliverables: make([]domain.Deliverable, 0, len(sm.Deliverables)),
		KPIs:         make([]domain.KPI, 0, len(sm.KPIs)),
	}
	for _, d := range sm.Deliverables {
		in.Deliverables = append(in.Deliverables, domain.Deliverable(d))
	}
	for _, k := range sm.KPIs {
		kin := k.Input()
		in.KPIs = append(in.KPIs, domain.KPI{
			ID:      kin.ID,
			Name:    kin.Name,
			Target:  kin.Target,
			Current: kin.Current,
			Unit:    kin.Unit,
			Trend:   kin.Trend,
		})
	}
	return in, nil
}

// toDomain converts one serialized milestone.
func (sm SnapshotMilestone) toDomain() (domain.Milestone, error) {
	in, err := sm.Input()
	if err != nil {
		return domain.Milestone{}, err
	}
	return domain.NewMilestone(in)
}

// Input converts a serialized KPI into constructor input.
func (k SnapshotKPI) Input() domain.KPIInput {
	return domain.KPIInput{
		ID:      k.ID,
		Name:    k.Name,
		Target:  k.Target,
		Current: k.Current,
		Unit:    k.Unit,
		Trend:   domain.KPITrend(k.Trend),
	}
}

// Input revives a serialized task into constructor input.
func (st SnapshotTask) Input() (domain.TaskInput, error) {
	start, err := parseSnapshotTime("startDate", st.StartDate)
	if err != nil {
		return domain.TaskInput{}, err
	}
	end, err := parseSnapshotTime("endDate", st.EndDate)
	if err != nil {
		return domain.TaskInput{}, err
	}
	return domain.TaskInput{
		ID:          st.ID,
		MilestoneID: st.MilestoneID,
		Name:        st.Name,
		Status:      domain.TaskStatus(st.Status),
		Priority:    domain.Priority(st.Priority),
		StartDate:   start,
		EndDate:     end,
		Progress:    st.Progress,
		AssignedTo:  st.AssignedTo,
	}, nil
}

// toDomain converts one serialized task.
func (st SnapshotTask) toDomain() (domain.Task, error) {
	in, err := st.Input()
	if err != nil {
		return domain.Task{}, err
	}
	return domain.NewTask(in)
}

// KPIToSnapshot converts one KPI to its serializable form.
func KPIToSnapshot(k domain.KPI) SnapshotKPI {
	return SnapshotKPI{
		ID:      k.ID,
		Name:    k.Name,
		Target:  k.Target,
		Current: k.Current,
		Unit:    k.Unit,
		Status:  string(k.Status),
		Trend:   string(k.Trend),
	}
}

// ParseSnapshotTime revives one ISO-8601 date field for transport adapters.
func ParseSnapshotTime(field, raw string) (time.Time, error) {
	return parseSnapshotTime(field, raw)
}

// Clone returns a deep copy.
func (s Snapshot) Clone() Snapshot {
	out := s
	out.Milestones = make([]SnapshotMilestone, 0, len(s.Milestones))
	for _, m := range s.Milestones {
		m.Deliverables = slices.Clone(m.Deliverables)
		m.AssignedTo = slices.Clone(m.AssignedTo)
		m.Dependencies = slices.Clone(m.Dependencies)
		m.KPIs = slices.Clone(m.KPIs)
		out.Milestones = append(out.Milestones, m)
	}
	out.Tasks = make([]SnapshotTask, 0, len(s.Tasks))
	for _, t := range s.Tasks {
		t.AssignedTo = slices.Clone(t.AssignedTo)
		out.Tasks = append(out.Tasks, t)
	}
	return out
}

// parseSnapshotTime revives one ISO-8601 date field.
func parseSnapshotTime(field, raw string) (time.Time, error) {
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, &domain.DeserializationError{Field: field, Err: err}
	}
	return ts.UTC(), nil
}

// formatSnapshotTime renders one date field.
func formatSnapshotTime(ts time.Time) string {
	return ts.UTC().Format(SnapshotTimeFormat)
}

// nonNilStrings keeps empty sets serialized as [] rather than null.
func nonNilStrings(in []string) []string {
	if in == nil {
		return []string{}
	}
	return slices.Clone(in)
}
