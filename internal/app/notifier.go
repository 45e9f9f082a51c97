package app

import (
	"context"
	"strings"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/hylla/waypoint/internal/domain"
)

// defaultNotifierBuffer bounds undelivered events per subscription.
const defaultNotifierBuffer = 64

// Notifier is the in-process change feed. Each subscription drains its own queue in publish order.
type Notifier struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[string]map[uint64]*notifierSubscription
	buffer int
}

// NewNotifier constructs an in-process change feed. A non-positive buffer uses the default.
func NewNotifier(buffer int) *Notifier {
	if buffer <= 0 {
		buffer = defaultNotifierBuffer
	}
	return &Notifier{
		subs:   map[string]map[uint64]*notifierSubscription{},
		buffer: buffer,
	}
}

// Publish queues evt for every subscriber of its project. Full queues drop the event.
func (n *Notifier) Publish(_ context.Context, evt domain.ChangeEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, sub := range n.subs[evt.ProjectID] {
		select {
		case sub.events <- evt:
		default:
			log.Warn("change event dropped: subscriber queue full", "project_id", evt.ProjectID, "event_id", evt.ID)
		}
	}
	return nil
}

// Subscribe registers fn for projectID until the subscription is closed or ctx ends.
func (n *Notifier) Subscribe(ctx context.Context, projectID string, fn func(domain.ChangeEvent)) (Subscription, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return nil, domain.ErrInvalidID
	}
	sub := &notifierSubscription{
		notifier:  n,
		projectID: projectID,
		events:    make(chan domain.ChangeEvent, n.buffer),
		done:      make(chan struct{}),
	}
	n.mu.Lock()
	n.nextID++
	sub.id = n.nextID
	if n.subs[projectID] == nil {
		n.subs[projectID] = map[uint64]*notifierSubscription{}
	}
	n.subs[projectID][sub.id] = sub
	n.mu.Unlock()

	go sub.run(ctx, fn)
	return sub, nil
}

// SubscriberCount returns the number of live subscriptions for projectID.
func (n *Notifier) SubscriberCount(projectID string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs[projectID])
}

// remove detaches one subscription.
func (n *Notifier) remove(sub *notifierSubscription) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.subs[sub.projectID], sub.id)
	if len(n.subs[sub.projectID]) == 0 {
		delete(n.subs, sub.projectID)
	}
}

// notifierSubscription is one registered callback and its delivery queue.
type notifierSubscription struct {
	notifier  *Notifier
	id        uint64
	projectID string
	events    chan domain.ChangeEvent
	done      chan struct{}
	closeOnce sync.Once
}

// run delivers queued events until the subscription closes.
func (s *notifierSubscription) run(ctx context.Context, fn func(domain.ChangeEvent)) {
	defer s.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case evt := <-s.events:
			fn(evt)
		}
	}
}

// Close detaches the subscription. It is safe to call more than once.
func (s *notifierSubscription) Close() error {
	s.closeOnce.Do(func() {
		s.notifier.remove(s)
		close(s.done)
	})
	return nil
}
