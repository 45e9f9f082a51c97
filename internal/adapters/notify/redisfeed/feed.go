// Package redisfeed fans change events out across processes over Redis pub/sub.
package redisfeed

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"

	"github.com/hylla/waypoint/internal/app"
	"github.com/hylla/waypoint/internal/domain"
)

// ChannelPrefix prefixes every per-project channel.
const ChannelPrefix = "waypoint:changes:"

// Feed is a Redis pub/sub app.ChangeFeed.
type Feed struct {
	rdb *redis.Client
}

// New constructs a feed over rdb.
func New(rdb *redis.Client) *Feed {
	return &Feed{rdb: rdb}
}

// Channel returns the pub/sub channel for projectID.
func Channel(projectID string) string {
	return ChannelPrefix + strings.TrimSpace(projectID)
}

// Publish sends evt to its project's channel.
func (f *Feed) Publish(ctx context.Context, evt domain.ChangeEvent) error {
	encoded, err := app.EncodeChangeEvent(evt)
	if err != nil {
		return err
	}
	if err := f.rdb.Publish(ctx, Channel(evt.ProjectID), encoded).Err(); err != nil {
		return fmt.Errorf("publish change event: %w", err)
	}
	return nil
}

// Subscribe registers fn for projectID. It returns once Redis confirms the subscription.
func (f *Feed) Subscribe(ctx context.Context, projectID string, fn func(domain.ChangeEvent)) (app.Subscription, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return nil, domain.ErrInvalidID
	}
	pubsub := f.rdb.Subscribe(ctx, Channel(projectID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe change feed: %w", err)
	}
	sub := &subscription{pubsub: pubsub, done: make(chan struct{})}
	go sub.run(ctx, projectID, fn)
	return sub, nil
}

// subscription is one live Redis subscription.
type subscription struct {
	pubsub    *redis.PubSub
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// run decodes messages until the subscription closes or ctx ends.
func (s *subscription) run(ctx context.Context, projectID string, fn func(domain.ChangeEvent)) {
	defer s.Close()
	messages := s.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			evt, err := app.DecodeChangeEvent([]byte(msg.Payload))
			if err != nil {
				log.Warn("change event discarded: undecodable", "project_id", projectID, "err", err)
				continue
			}
			fn(evt)
		}
	}
}

// Close unsubscribes. It is safe to call more than once.
func (s *subscription) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.closeErr = s.pubsub.Close()
	})
	return s.closeErr
}
