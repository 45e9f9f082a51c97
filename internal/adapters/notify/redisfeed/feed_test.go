package redisfeed

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hylla/waypoint/internal/domain"
)

func TestChannel(t *testing.T) {
	if got := Channel("p1"); got != "waypoint:changes:p1" {
		t.Fatalf("unexpected channel %q", got)
	}
}

func TestFeedRoundTrip(t *testing.T) {
	addr := os.Getenv("WAYPOINT_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("WAYPOINT_TEST_REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() {
		_ = rdb.Close()
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	feed := New(rdb)
	projectID := fmt.Sprintf("p-%d", time.Now().UnixNano())
	received := make(chan domain.ChangeEvent, 1)
	sub, err := feed.Subscribe(ctx, projectID, func(evt domain.ChangeEvent) { received <- evt })
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer sub.Close()

	evt, err := domain.NewChangeEvent(domain.ChangeEventInput{ID: "e1", Kind: domain.ChangeKindTask, ProjectID: projectID, ActorID: "alice"}, time.Now())
	if err != nil {
		t.Fatalf("NewChangeEvent() error = %v", err)
	}
	if err := feed.Publish(ctx, evt); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	select {
	case got := <-received:
		if got.ID != "e1" || got.Kind != domain.ChangeKindTask || got.ActorID != "alice" {
			t.Fatalf("unexpected event %#v", got)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for event")
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func TestSubscribeRejectsBlankProject(t *testing.T) {
	feed := New(redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"}))
	if _, err := feed.Subscribe(context.Background(), "", func(domain.ChangeEvent) {}); err != domain.ErrInvalidID {
		t.Fatalf("expected ErrInvalidID, got %v", err)
	}
}
