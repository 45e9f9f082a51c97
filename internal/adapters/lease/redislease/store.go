// Package redislease keeps project edit leases in Redis so several processes share one lease.
package redislease

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hylla/waypoint/internal/app"
	"github.com/hylla/waypoint/internal/domain"
)

// KeyPrefix prefixes every lease key.
const KeyPrefix = "waypoint:lease:"

// maxTxRetries bounds optimistic-transaction retries per update.
const maxTxRetries = 16

// record is the stored JSON form of one lease.
type record struct {
	ProjectID  string    `json:"projectId"`
	HolderID   string    `json:"holderId"`
	HolderName string    `json:"holderName"`
	AcquiredAt time.Time `json:"acquiredAt"`
}

// Store is a Redis-backed app.LeaseStore.
type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

// New constructs a lease store. Keys expire after twice ttl; the lease manager still decides expiry.
func New(rdb *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = domain.DefaultLeaseTTL
	}
	return &Store{rdb: rdb, ttl: ttl}
}

// Key returns the Redis key for projectID.
func Key(projectID string) string {
	return KeyPrefix + strings.TrimSpace(projectID)
}

// GetLease returns the stored lease record, or nil when none exists.
func (s *Store) GetLease(ctx context.Context, projectID string) (*domain.EditLease, error) {
	return readLease(ctx, s.rdb, Key(projectID))
}

// UpdateLease applies fn inside a WATCH/MULTI transaction, retrying when another writer races.
func (s *Store) UpdateLease(ctx context.Context, projectID string, fn app.LeaseUpdateFunc) error {
	key := Key(projectID)
	txf := func(tx *redis.Tx) error {
		current, err := readLease(ctx, tx, key)
		if err != nil {
			return err
		}
		next, err := fn(current)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if next == nil {
				pipe.Del(ctx, key)
				return nil
			}
			encoded, err := json.Marshal(record{
				ProjectID:  next.ProjectID,
				HolderID:   next.HolderID,
				HolderName: next.HolderName,
				AcquiredAt: next.AcquiredAt.UTC(),
			})
			if err != nil {
				return fmt.Errorf("encode lease: %w", err)
			}
			pipe.Set(ctx, key, encoded, 2*s.ttl)
			return nil
		})
		return err
	}
	for range maxTxRetries {
		err := s.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("update lease %q: too many concurrent writers", projectID)
}

// getter is satisfied by both the client and a watched transaction.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// readLease decodes the lease stored at key.
func readLease(ctx context.Context, g getter, key string) (*domain.EditLease, error) {
	raw, err := g.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("get lease: %w", err)
	}
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode lease: %w", err)
	}
	return &domain.EditLease{
		ProjectID:  rec.ProjectID,
		HolderID:   rec.HolderID,
		HolderName: rec.HolderName,
		AcquiredAt: rec.AcquiredAt.UTC(),
	}, nil
}
