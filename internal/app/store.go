package app

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/hylla/waypoint/internal/domain"
	"github.com/hylla/waypoint/internal/telemetry"
)

// MutationHook observes every committed mutation in commit order with the revision it produced.
type MutationHook func(revision uint64, evt domain.ChangeEvent)

// ProjectStore holds one project aggregate in memory. Reads are never gated; every mutation
// requires the caller to hold the project's edit lease.
type ProjectStore struct {
	mu        sync.Mutex
	projectID string
	project   domain.Project
	loaded    bool
	revision  uint64
	leases    *LeaseManager
	idGen     IDGenerator
	clock     Clock
	metrics   *telemetry.Metrics
	hook      MutationHook
}

// NewProjectStore constructs an empty store bound to projectID.
func NewProjectStore(projectID string, leases *LeaseManager, idGen IDGenerator, clock Clock, metrics *telemetry.Metrics) *ProjectStore {
	if idGen == nil {
		idGen = uuid.NewString
	}
	if clock == nil {
		clock = time.Now
	}
	return &ProjectStore{
		projectID: strings.TrimSpace(projectID),
		leases:    leases,
		idGen:     idGen,
		clock:     clock,
		metrics:   metrics,
	}
}

// OnMutation registers the hook called after each committed mutation.
func (s *ProjectStore) OnMutation(hook MutationHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = hook
}

// ProjectID returns the bound project id.
func (s *ProjectStore) ProjectID() string {
	return s.projectID
}

// Loaded reports whether an aggregate is present.
func (s *ProjectStore) Loaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loaded
}

// Revision returns the number of committed mutations.
func (s *ProjectStore) Revision() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revision
}

// Load replaces the whole aggregate from a snapshot after reviving dates and validating.
// It is hydration, not an edit, so it neither requires a lease nor fires the mutation hook.
func (s *ProjectStore) Load(snap Snapshot) error {
	project, err := snap.ToProject()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if project.ID != s.projectID {
		return fmt.Errorf("load project %q into store %q: %w", project.ID, s.projectID, ErrProjectMismatch)
	}
	s.project = project
	s.loaded = true
	return nil
}

// Snapshot returns a deep, serializable copy of the aggregate.
func (s *ProjectStore) Snapshot() (Snapshot, error) {
	snap, _, err := s.SnapshotWithRevision()
	return snap, err
}

// SnapshotWithRevision returns a snapshot and the revision it reflects.
func (s *ProjectStore) SnapshotWithRevision() (Snapshot, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded {
		return Snapshot{}, 0, ErrNoProject
	}
	return SnapshotFromProject(s.project), s.revision, nil
}

// Project returns a deep copy of the aggregate.
func (s *ProjectStore) Project() (domain.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded {
		return domain.Project{}, ErrNoProject
	}
	return s.project.Clone(), nil
}

// mutation describes one pending edit for the commit pipeline.
type mutation struct {
	kind    domain.ChangeKind
	op      string
	payload map[string]string
	// replaces allows the edit to populate a store that has not been loaded yet.
	replaces bool
	// apply edits the working copy and reports whether dependencies changed.
	apply func(p *domain.Project) (depsChanged bool, err error)
}

// mutate runs one lease-gated edit against a clone and commits it only when every check passes.
func (s *ProjectStore) mutate(ctx context.Context, editor domain.Editor, m mutation) error {
	editor, err := domain.NewEditor(editor.ID, editor.Name)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded && !m.replaces {
		return ErrNoProject
	}
	if err := s.leases.Check(ctx, s.projectID, editor.ID); err != nil {
		return err
	}

	working := s.project.Clone()
	depsChanged, err := m.apply(&working)
	if err != nil {
		return err
	}
	if depsChanged {
		if err := domain.ValidateDependencies(working.Milestones); err != nil {
			log.Warn("mutation rejected: dependency graph", "project_id", s.projectID, "op", m.op, "err", err)
			return err
		}
	}
	domain.Recompute(&working)

	s.project = working
	s.loaded = true
	s.revision++
	s.metrics.RecordMutation(string(m.kind))

	payload := map[string]string{"op": m.op}
	for k, v := range m.payload {
		payload[k] = v
	}
	eventID := s.idGen()
	if eventID == "" {
		eventID = fmt.Sprintf("%s-%d", s.projectID, s.revision)
	}
	evt, err := domain.NewChangeEvent(domain.ChangeEventInput{
		ID:        eventID,
		Kind:      m.kind,
		ProjectID: s.projectID,
		ActorID:   editor.ID,
		Payload:   payload,
	}, s.clock())
	if err != nil {
		log.Warn("change event not built", "project_id", s.projectID, "op", m.op, "err", err)
	}
	if s.hook != nil {
		s.hook(s.revision, evt)
	}
	return nil
}

// loadIfUnchanged hydrates from snap only when no mutation committed since revision.
func (s *ProjectStore) loadIfUnchanged(snap Snapshot, revision uint64) (bool, error) {
	project, err := snap.ToProject()
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if project.ID != s.projectID {
		return false, fmt.Errorf("load project %q into store %q: %w", project.ID, s.projectID, ErrProjectMismatch)
	}
	if s.revision != revision {
		return false, nil
	}
	s.project = project
	s.loaded = true
	return true, nil
}

// CreateMilestone adds a new milestone with a generated id.
func (s *ProjectStore) CreateMilestone(ctx context.Context, editor domain.Editor, in domain.MilestoneInput) (domain.Milestone, error) {
	in.ID = s.idGen()
	return s.upsertMilestone(ctx, editor, in, true)
}

// UpsertMilestone creates or replaces one milestone.
func (s *ProjectStore) UpsertMilestone(ctx context.Context, editor domain.Editor, in domain.MilestoneInput) (domain.Milestone, error) {
	return s.upsertMilestone(ctx, editor, in, false)
}

// upsertMilestone validates and stores one milestone.
func (s *ProjectStore) upsertMilestone(ctx context.Context, editor domain.Editor, in domain.MilestoneInput, createOnly bool) (domain.Milestone, error) {
	milestone, err := domain.NewMilestone(in)
	if err != nil {
		return domain.Milestone{}, err
	}
	op := "upsert"
	if createOnly {
		op = "create"
	}
	err = s.mutate(ctx, editor, mutation{
		kind:    domain.ChangeKindMilestone,
		op:      op + "_milestone",
		payload: map[string]string{"milestone_id": milestone.ID},
		apply: func(p *domain.Project) (bool, error) {
			for _, other := range p.Milestones {
				if other.ID != milestone.ID && other.Order == milestone.Order {
					return false, domain.ErrDuplicateOrder
				}
			}
			if cycle := domain.ProposedCycle(p.Milestones, milestone.ID, milestone.Dependencies); cycle != nil {
				return false, &domain.CyclicDependencyError{Path: cycle}
			}
			idx := p.MilestoneIndex(milestone.ID)
			if idx < 0 {
				p.Milestones = append(p.Milestones, milestone)
				p.SortMilestones()
				return len(milestone.Dependencies) > 0, nil
			}
			if createOnly {
				return false, ErrAlreadyExists
			}
			depsChanged := !p.Milestones[idx].SameDependencies(milestone)
			p.Milestones[idx] = milestone
			p.SortMilestones()
			return depsChanged, nil
		},
	})
	if err != nil {
		return domain.Milestone{}, err
	}
	return milestone.Clone(), nil
}

// DeleteMilestone removes a milestone that nothing depends on and that owns no tasks.
func (s *ProjectStore) DeleteMilestone(ctx context.Context, editor domain.Editor, milestoneID string) error {
	milestoneID = strings.TrimSpace(milestoneID)
	return s.mutate(ctx, editor, mutation{
		kind:    domain.ChangeKindMilestone,
		op:      "delete_milestone",
		payload: map[string]string{"milestone_id": milestoneID},
		apply: func(p *domain.Project) (bool, error) {
			idx := p.MilestoneIndex(milestoneID)
			if idx < 0 {
				return false, ErrNotFound
			}
			for _, other := range p.Milestones {
				if other.DependsOn(milestoneID) {
					return false, &domain.DanglingDependencyError{MilestoneID: other.ID, DependencyID: milestoneID}
				}
			}
			if slices.ContainsFunc(p.Tasks, func(t domain.Task) bool { return t.MilestoneID == milestoneID }) {
				return false, domain.ErrMilestoneHasTasks
			}
			p.Milestones = slices.Delete(p.Milestones, idx, idx+1)
			return true, nil
		},
	})
}

// CreateTask adds a new task with a generated id.
func (s *ProjectStore) CreateTask(ctx context.Context, editor domain.Editor, in domain.TaskInput) (domain.Task, error) {
	in.ID = s.idGen()
	return s.upsertTask(ctx, editor, in, true)
}

// UpsertTask creates or replaces one task.
func (s *ProjectStore) UpsertTask(ctx context.Context, editor domain.Editor, in domain.TaskInput) (domain.Task, error) {
	return s.upsertTask(ctx, editor, in, false)
}

// upsertTask validates and stores one task.
func (s *ProjectStore) upsertTask(ctx context.Context, editor domain.Editor, in domain.TaskInput, createOnly bool) (domain.Task, error) {
	task, err := domain.NewTask(in)
	if err != nil {
		return domain.Task{}, err
	}
	op := "upsert_task"
	if createOnly {
		op = "create_task"
	}
	err = s.mutate(ctx, editor, mutation{
		kind:    domain.ChangeKindTask,
		op:      op,
		payload: map[string]string{"task_id": task.ID, "milestone_id": task.MilestoneID},
		apply: func(p *domain.Project) (bool, error) {
			if p.MilestoneIndex(task.MilestoneID) < 0 {
				return false, domain.ErrUnknownMilestone
			}
			idx := p.TaskIndex(task.ID)
			if idx < 0 {
				p.Tasks = append(p.Tasks, task)
				return false, nil
			}
			if createOnly {
				return false, ErrAlreadyExists
			}
			p.Tasks[idx] = task
			return false, nil
		},
	})
	if err != nil {
		return domain.Task{}, err
	}
	return task.Clone(), nil
}

// DeleteTask removes one task.
func (s *ProjectStore) DeleteTask(ctx context.Context, editor domain.Editor, taskID string) error {
	taskID = strings.TrimSpace(taskID)
	return s.mutate(ctx, editor, mutation{
		kind:    domain.ChangeKindTask,
		op:      "delete_task",
		payload: map[string]string{"task_id": taskID},
		apply: func(p *domain.Project) (bool, error) {
			idx := p.TaskIndex(taskID)
			if idx < 0 {
				return false, ErrNotFound
			}
			p.Tasks = slices.Delete(p.Tasks, idx, idx+1)
			return false, nil
		},
	})
}

// UpdateMetadata replaces the project's scalar fields.
func (s *ProjectStore) UpdateMetadata(ctx context.Context, editor domain.Editor, meta domain.ProjectMetadata) (domain.Project, error) {
	var out domain.Project
	err := s.mutate(ctx, editor, mutation{
		kind: domain.ChangeKindUpdate,
		op:   "update_metadata",
		apply: func(p *domain.Project) (bool, error) {
			if err := p.UpdateMetadata(meta); err != nil {
				return false, err
			}
			out = *p
			return false, nil
		},
	})
	if err != nil {
		return domain.Project{}, err
	}
	return out.Clone(), nil
}

// CreateKPI adds a KPI with a generated id to one milestone.
func (s *ProjectStore) CreateKPI(ctx context.Context, editor domain.Editor, milestoneID string, in domain.KPIInput) (domain.KPI, error) {
	in.ID = s.idGen()
	return s.upsertKPI(ctx, editor, milestoneID, in, true)
}

// UpsertKPI creates or replaces one KPI; its status is recomputed before commit.
func (s *ProjectStore) UpsertKPI(ctx context.Context, editor domain.Editor, milestoneID string, in domain.KPIInput) (domain.KPI, error) {
	return s.upsertKPI(ctx, editor, milestoneID, in, false)
}

// upsertKPI validates and stores one KPI.
func (s *ProjectStore) upsertKPI(ctx context.Context, editor domain.Editor, milestoneID string, in domain.KPIInput, createOnly bool) (domain.KPI, error) {
	milestoneID = strings.TrimSpace(milestoneID)
	kpi, err := domain.NewKPI(in)
	if err != nil {
		return domain.KPI{}, err
	}
	op := "upsert_kpi"
	if createOnly {
		op = "create_kpi"
	}
	err = s.mutate(ctx, editor, mutation{
		kind:    domain.ChangeKindMilestone,
		op:      op,
		payload: map[string]string{"milestone_id": milestoneID, "kpi_id": kpi.ID},
		apply: func(p *domain.Project) (bool, error) {
			mIdx := p.MilestoneIndex(milestoneID)
			if mIdx < 0 {
				return false, domain.ErrUnknownMilestone
			}
			m := &p.Milestones[mIdx]
			idx := m.KPIIndex(kpi.ID)
			if idx < 0 {
				m.KPIs = append(m.KPIs, kpi)
				return false, nil
			}
			if createOnly {
				return false, ErrAlreadyExists
			}
			m.KPIs[idx] = kpi
			return false, nil
		},
	})
	if err != nil {
		return domain.KPI{}, err
	}
	return kpi, nil
}

// DeleteKPI removes one KPI from a milestone.
func (s *ProjectStore) DeleteKPI(ctx context.Context, editor domain.Editor, milestoneID, kpiID string) error {
	milestoneID = strings.TrimSpace(milestoneID)
	kpiID = strings.TrimSpace(kpiID)
	return s.mutate(ctx, editor, mutation{
		kind:    domain.ChangeKindMilestone,
		op:      "delete_kpi",
		payload: map[string]string{"milestone_id": milestoneID, "kpi_id": kpiID},
		apply: func(p *domain.Project) (bool, error) {
			mIdx := p.MilestoneIndex(milestoneID)
			if mIdx < 0 {
				return false, domain.ErrUnknownMilestone
			}
			m := &p.Milestones[mIdx]
			idx := m.KPIIndex(kpiID)
			if idx < 0 {
				return false, ErrNotFound
			}
			m.KPIs = slices.Delete(m.KPIs, idx, idx+1)
			return false, nil
		},
	})
}

// ReplaceProject swaps in a fully validated aggregate as a local edit.
func (s *ProjectStore) ReplaceProject(ctx context.Context, editor domain.Editor, next domain.Project) error {
	if next.ID != s.projectID {
		return fmt.Errorf("replace project %q in store %q: %w", next.ID, s.projectID, ErrProjectMismatch)
	}
	if err := next.Validate(); err != nil {
		return err
	}
	return s.mutate(ctx, editor, mutation{
		kind:     domain.ChangeKindUpdate,
		op:       "replace_project",
		replaces: true,
		apply: func(p *domain.Project) (bool, error) {
			*p = next.Clone()
			return false, nil
		},
	})
}
