package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/hylla/waypoint/internal/domain"
	"github.com/hylla/waypoint/internal/telemetry"
)

// ServiceConfig holds configuration for service.
type ServiceConfig struct {
	LeaseTTL         time.Duration
	AutosaveInterval time.Duration
	Metrics          *telemetry.Metrics
}

// IDGenerator returns unique identifiers for new entities.
type IDGenerator func() string

// Clock returns the current time.
type Clock func() time.Time

// Service opens one session per project and runs their sync loops.
type Service struct {
	gateway  Gateway
	leases   *LeaseManager
	feed     ChangeFeed
	idGen    IDGenerator
	clock    Clock
	interval time.Duration
	metrics  *telemetry.Metrics

	mu       sync.Mutex
	sessions map[string]*Session
	runCtx   context.Context
	loops    sync.WaitGroup
}

// NewService constructs a new value for this package.
func NewService(gateway Gateway, leaseStore LeaseStore, feed ChangeFeed, idGen IDGenerator, clock Clock, cfg ServiceConfig) *Service {
	if idGen == nil {
		idGen = uuid.NewString
	}
	if clock == nil {
		clock = time.Now
	}
	if feed == nil {
		feed = NewNotifier(0)
	}
	return &Service{
		gateway:  gateway,
		leases:   NewLeaseManager(leaseStore, clock, cfg.LeaseTTL, cfg.Metrics),
		feed:     feed,
		idGen:    idGen,
		clock:    clock,
		interval: cfg.AutosaveInterval,
		metrics:  cfg.Metrics,
		sessions: map[string]*Session{},
	}
}

// Leases returns the shared lease manager.
func (s *Service) Leases() *LeaseManager {
	return s.leases
}

// Feed returns the change feed sessions publish to.
func (s *Service) Feed() ChangeFeed {
	return s.feed
}

// Run starts sync loops for open and future sessions and blocks until ctx ends.
func (s *Service) Run(ctx context.Context) error {
	s.mu.Lock()
	s.runCtx = ctx
	for _, session := range s.sessions {
		s.startLoopLocked(session)
	}
	s.mu.Unlock()

	<-ctx.Done()
	s.loops.Wait()
	s.mu.Lock()
	s.runCtx = nil
	s.mu.Unlock()
	return nil
}

// startLoopLocked runs one session's sync loop under the service run context.
func (s *Service) startLoopLocked(session *Session) {
	if s.runCtx == nil || session.running {
		return
	}
	session.running = true
	ctx := s.runCtx
	s.loops.Add(1)
	go func() {
		defer s.loops.Done()
		_ = session.Sync.Run(ctx)
		s.mu.Lock()
		session.running = false
		s.mu.Unlock()
	}()
}

// Open returns the session for projectID, hydrating it from the gateway on first use.
func (s *Service) Open(ctx context.Context, projectID string) (*Session, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return nil, domain.ErrInvalidID
	}
	s.mu.Lock()
	if session, ok := s.sessions[projectID]; ok {
		s.mu.Unlock()
		return session, nil
	}
	s.mu.Unlock()

	session := s.newSession(projectID)
	if err := session.Sync.Refresh(ctx); err != nil {
		return nil, err
	}
	return s.register(session), nil
}

// CreateProject creates a new project, grants its edit lease to editor, and saves it immediately.
func (s *Service) CreateProject(ctx context.Context, editor domain.Editor, in domain.ProjectInput) (*Session, error) {
	if strings.TrimSpace(in.ID) == "" {
		in.ID = s.idGen()
	}
	project, err := domain.NewProject(in)
	if err != nil {
		return nil, err
	}
	if _, err := s.gateway.LoadProject(ctx, project.ID); err == nil {
		return nil, fmt.Errorf("create project %q: %w", project.ID, ErrAlreadyExists)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, &domain.PersistenceError{Op: "load project " + project.ID, Err: err}
	}
	s.mu.Lock()
	_, open := s.sessions[project.ID]
	s.mu.Unlock()
	if open {
		return nil, fmt.Errorf("create project %q: %w", project.ID, ErrAlreadyExists)
	}

	session := s.newSession(project.ID)
	if _, err := s.leases.Acquire(ctx, project.ID, editor); err != nil {
		return nil, err
	}
	if err := session.Store.ReplaceProject(ctx, editor, project); err != nil {
		return nil, err
	}
	session = s.register(session)
	if err := session.Sync.Save(ctx); err != nil {
		log.Warn("new project kept unsaved", "project_id", project.ID, "err", err)
		return session, err
	}
	log.Info("project created", "project_id", project.ID, "editor_id", editor.ID)
	return session, nil
}

// newSession wires a store and sync loop for projectID.
func (s *Service) newSession(projectID string) *Session {
	store := NewProjectStore(projectID, s.leases, s.idGen, s.clock, s.metrics)
	return &Session{
		Store:  store,
		Sync:   NewSyncLoop(store, s.gateway, s.feed, s.clock, s.interval, s.metrics),
		leases: s.leases,
		feed:   s.feed,
		idGen:  s.idGen,
		clock:  s.clock,
	}
}

// register caches session unless another caller won the race, and starts its loop when running.
func (s *Service) register(session *Session) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.sessions[session.ProjectID()]; ok {
		return existing
	}
	s.sessions[session.ProjectID()] = session
	s.startLoopLocked(session)
	return session
}

// Sessions returns the ids of all open sessions.
func (s *Service) Sessions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		out = append(out, id)
	}
	return out
}

// Flush saves every dirty session and joins the failures.
func (s *Service) Flush(ctx context.Context) error {
	s.mu.Lock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		sessions = append(sessions, session)
	}
	s.mu.Unlock()

	var errs []error
	for _, session := range sessions {
		if !session.Sync.Dirty() {
			continue
		}
		if err := session.Sync.Save(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ListChangeEvents reads the change ledger when the gateway keeps one.
func (s *Service) ListChangeEvents(ctx context.Context, projectID string, limit int) ([]domain.ChangeEvent, error) {
	recorder, ok := s.gateway.(ChangeRecorder)
	if !ok {
		return nil, ErrLedgerUnavailable
	}
	return recorder.ListChangeEvents(ctx, strings.TrimSpace(projectID), limit)
}

// ListProjects enumerates saved projects when the gateway supports it.
func (s *Service) ListProjects(ctx context.Context) ([]ProjectSummary, error) {
	lister, ok := s.gateway.(ProjectLister)
	if !ok {
		return nil, ErrListUnavailable
	}
	return lister.ListProjects(ctx)
}

// Session is one open project: its store, sync loop, and lease access.
type Session struct {
	Store *ProjectStore
	Sync  *SyncLoop

	leases  *LeaseManager
	feed    ChangeFeed
	idGen   IDGenerator
	clock   Clock
	running bool
}

// SessionStatus summarizes sync and lease state for one project.
type SessionStatus struct {
	ProjectID   string
	Dirty       bool
	LastSavedAt time.Time
	Lease       *domain.EditLease
	Milestones  []MilestoneStatus
}

// MilestoneStatus pairs a milestone's progress with its informational deliverable ratio.
type MilestoneStatus struct {
	ID               string
	Progress         int
	DeliverableRatio float64
}

// ProjectID returns the project this session is bound to.
func (s *Session) ProjectID() string {
	return s.Store.ProjectID()
}

// AcquireLease acquires the project's edit lease for editor.
func (s *Session) AcquireLease(ctx context.Context, editor domain.Editor) (domain.EditLease, error) {
	return s.leases.Acquire(ctx, s.ProjectID(), editor)
}

// RenewLease refreshes the edit lease held by holderID.
func (s *Session) RenewLease(ctx context.Context, holderID string) (domain.EditLease, error) {
	return s.leases.Renew(ctx, s.ProjectID(), holderID)
}

// ReleaseLease frees the edit lease when holderID holds it.
func (s *Session) ReleaseLease(ctx context.Context, holderID string) error {
	return s.leases.Release(ctx, s.ProjectID(), holderID)
}

// Status reports dirty state, last save time, and the current lease holder.
func (s *Session) Status(ctx context.Context) (SessionStatus, error) {
	lease, err := s.leases.Current(ctx, s.ProjectID())
	if err != nil {
		return SessionStatus{}, err
	}
	project, err := s.Store.Project()
	if err != nil {
		return SessionStatus{}, err
	}
	milestones := make([]MilestoneStatus, 0, len(project.Milestones))
	for _, m := range project.Milestones {
		milestones = append(milestones, MilestoneStatus{
			ID:               m.ID,
			Progress:         m.Progress,
			DeliverableRatio: domain.DeliverableCompletionRatio(m),
		})
	}
	return SessionStatus{
		ProjectID:   s.ProjectID(),
		Dirty:       s.Sync.Dirty(),
		LastSavedAt: s.Sync.LastSavedAt(),
		Lease:       lease,
		Milestones:  milestones,
	}, nil
}

// Subscribe registers fn for this project's change events.
func (s *Session) Subscribe(ctx context.Context, fn func(domain.ChangeEvent)) (Subscription, error) {
	return s.feed.Subscribe(ctx, s.ProjectID(), fn)
}

// Announce publishes a remote-originated change, such as a comment posted elsewhere.
// It is fan-out only and never touches the project store.
func (s *Session) Announce(ctx context.Context, kind domain.ChangeKind, actorID string, payload map[string]string) (domain.ChangeEvent, error) {
	now := s.clock()
	eventID := s.idGen()
	if eventID == "" {
		eventID = fmt.Sprintf("%s-%d", s.ProjectID(), now.UnixNano())
	}
	evt, err := domain.NewChangeEvent(domain.ChangeEventInput{
		ID:        eventID,
		Kind:      kind,
		ProjectID: s.ProjectID(),
		ActorID:   actorID,
		Payload:   payload,
	}, now)
	if err != nil {
		return domain.ChangeEvent{}, err
	}
	if err := s.feed.Publish(ctx, evt); err != nil {
		return domain.ChangeEvent{}, fmt.Errorf("publish change event: %w", err)
	}
	return evt, nil
}
