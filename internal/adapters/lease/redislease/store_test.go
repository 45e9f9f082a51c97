package redislease

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hylla/waypoint/internal/app"
	"github.com/hylla/waypoint/internal/domain"
)

// newTestClient connects to WAYPOINT_TEST_REDIS_ADDR or skips.
func newTestClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("WAYPOINT_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("WAYPOINT_TEST_REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
	t.Cleanup(func() {
		_ = rdb.Close()
	})
	return rdb
}

func TestKey(t *testing.T) {
	if got := Key(" p1 "); got != "waypoint:lease:p1" {
		t.Fatalf("unexpected key %q", got)
	}
}

func TestStoreLeaseLifecycle(t *testing.T) {
	rdb := newTestClient(t)
	ctx := context.Background()
	projectID := fmt.Sprintf("p-%d", time.Now().UnixNano())
	t.Cleanup(func() {
		_ = rdb.Del(context.Background(), Key(projectID)).Err()
	})

	store := New(rdb, time.Minute)
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	leases := app.NewLeaseManager(store, func() time.Time { return now }, time.Minute, nil)
	if _, err := leases.Acquire(ctx, projectID, domain.Editor{ID: "alice", Name: "Alice"}); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	lease, err := store.GetLease(ctx, projectID)
	if err != nil {
		t.Fatalf("GetLease() error = %v", err)
	}
	if lease == nil || lease.HolderName != "Alice" || !lease.AcquiredAt.Equal(now) {
		t.Fatalf("unexpected lease %#v", lease)
	}
	ttl, err := rdb.TTL(ctx, Key(projectID)).Result()
	if err != nil {
		t.Fatalf("TTL() error = %v", err)
	}
	if ttl <= time.Minute {
		t.Fatalf("expected key ttl beyond the lease ttl, got %s", ttl)
	}

	_, err = leases.Acquire(ctx, projectID, domain.Editor{ID: "bob"})
	var contention *domain.LeaseContentionError
	if !errors.As(err, &contention) || contention.HolderID != "alice" {
		t.Fatalf("expected contention, got %v", err)
	}
	if err := leases.Release(ctx, projectID, "alice"); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if lease, err := store.GetLease(ctx, projectID); err != nil || lease != nil {
		t.Fatalf("expected free lease, got %#v err=%v", lease, err)
	}
}

func TestStoreConcurrentAcquire(t *testing.T) {
	rdb := newTestClient(t)
	ctx := context.Background()
	projectID := fmt.Sprintf("race-%d", time.Now().UnixNano())
	t.Cleanup(func() {
		_ = rdb.Del(context.Background(), Key(projectID)).Err()
	})
	leases := app.NewLeaseManager(New(rdb, 0), nil, 0, nil)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := range 8 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := leases.Acquire(ctx, projectID, domain.Editor{ID: fmt.Sprintf("e%d", i)}); err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	if winners != 1 {
		t.Fatalf("expected exactly one lease holder, got %d", winners)
	}
}
