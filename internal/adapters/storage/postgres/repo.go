// Package postgres persists project snapshots, edit leases, and the change ledger in PostgreSQL.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hylla/waypoint/internal/app"
	"github.com/hylla/waypoint/internal/domain"
)

// Repository is a pgx-pool backed gateway, lease store, and change recorder.
type Repository struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// Open connects to dsn, verifies the connection, and migrates the schema.
func Open(ctx context.Context, dsn string) (*Repository, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("postgres dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	poolCfg.MaxConns = 10
	poolCfg.MinConns = 1
	poolCfg.MaxConnIdleTime = time.Minute

	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(connectCtx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	repo := &Repository{pool: pool, now: time.Now}
	if err := repo.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return repo, nil
}

// Close releases every pooled connection.
func (r *Repository) Close() error {
	r.pool.Close()
	return nil
}

// Ping reports whether the database is reachable.
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// migrate handles migrate.
func (r *Repository) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			snapshot_json JSONB NOT NULL,
			saved_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS edit_leases (
			project_id TEXT PRIMARY KEY,
			holder_id TEXT NOT NULL,
			holder_name TEXT NOT NULL,
			acquired_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS change_events (
			seq BIGSERIAL PRIMARY KEY,
			id TEXT NOT NULL UNIQUE,
			project_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			actor_id TEXT NOT NULL DEFAULT '',
			payload_json JSONB NOT NULL DEFAULT '{}'::jsonb,
			occurred_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_change_events_project_seq ON change_events(project_id, seq DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate postgres: %w", err)
		}
	}
	return nil
}

// LoadProject reads and strictly decodes one saved snapshot.
func (r *Repository) LoadProject(ctx context.Context, projectID string) (app.Snapshot, error) {
	var raw string
	err := r.pool.QueryRow(ctx, `SELECT snapshot_json::text FROM projects WHERE id = $1`, strings.TrimSpace(projectID)).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return app.Snapshot{}, app.ErrNotFound
		}
		return app.Snapshot{}, fmt.Errorf("select project: %w", err)
	}
	snap, err := app.DecodeSnapshot([]byte(raw))
	if err != nil {
		return app.Snapshot{}, fmt.Errorf("decode projects.snapshot_json: %w", err)
	}
	return snap, nil
}

// SaveProject upserts the whole snapshot row.
func (r *Repository) SaveProject(ctx context.Context, projectID string, snap app.Snapshot) error {
	encoded, err := app.EncodeSnapshot(snap)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO projects(id, name, snapshot_json, saved_at)
		VALUES ($1, $2, $3::jsonb, $4)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			snapshot_json = EXCLUDED.snapshot_json,
			saved_at = EXCLUDED.saved_at
	`, strings.TrimSpace(projectID), snap.Name, string(encoded), r.now().UTC())
	if err != nil {
		return fmt.Errorf("upsert project: %w", err)
	}
	return nil
}

// ListProjects returns saved projects ordered by id.
func (r *Repository) ListProjects(ctx context.Context) ([]app.ProjectSummary, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, name, saved_at FROM projects ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]app.ProjectSummary, 0)
	for rows.Next() {
		var summary app.ProjectSummary
		if err := rows.Scan(&summary.ID, &summary.Name, &summary.SavedAt); err != nil {
			return nil, err
		}
		summary.SavedAt = summary.SavedAt.UTC()
		out = append(out, summary)
	}
	return out, rows.Err()
}

// GetLease returns the stored lease record, or nil when none exists.
func (r *Repository) GetLease(ctx context.Context, projectID string) (*domain.EditLease, error) {
	return getLease(ctx, r.pool, strings.TrimSpace(projectID))
}

// UpdateLease applies fn under a transaction-scoped advisory lock keyed by project id, so
// concurrent acquisitions of a free lease serialize as well.
func (r *Repository) UpdateLease(ctx context.Context, projectID string, fn app.LeaseUpdateFunc) (err error) {
	projectID = strings.TrimSpace(projectID)
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err = tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, projectID); err != nil {
		return fmt.Errorf("lock edit lease: %w", err)
	}
	current, err := getLease(ctx, tx, projectID)
	if err != nil {
		return err
	}
	next, err := fn(current)
	if err != nil {
		return err
	}
	if next == nil {
		_, err = tx.Exec(ctx, `DELETE FROM edit_leases WHERE project_id = $1`, projectID)
	} else {
		_, err = tx.Exec(ctx, `
			INSERT INTO edit_leases(project_id, holder_id, holder_name, acquired_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (project_id) DO UPDATE SET
				holder_id = EXCLUDED.holder_id,
				holder_name = EXCLUDED.holder_name,
				acquired_at = EXCLUDED.acquired_at
		`, projectID, next.HolderID, next.HolderName, next.AcquiredAt.UTC())
	}
	if err != nil {
		return fmt.Errorf("write edit lease: %w", err)
	}
	err = tx.Commit(ctx)
	return err
}

// AppendChangeEvent inserts one ledger record. Re-appending an event id is a no-op.
func (r *Repository) AppendChangeEvent(ctx context.Context, evt domain.ChangeEvent) error {
	payloadJSON, err := json.Marshal(evt.Payload)
	if err != nil {
		return fmt.Errorf("encode change event payload: %w", err)
	}
	occurred := evt.OccurredAt
	if occurred.IsZero() {
		occurred = r.now()
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO change_events(id, project_id, kind, actor_id, payload_json, occurred_at)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6)
		ON CONFLICT (id) DO NOTHING
	`, evt.ID, evt.ProjectID, string(evt.Kind), evt.ActorID, string(payloadJSON), occurred.UTC())
	if err != nil {
		return fmt.Errorf("insert change event: %w", err)
	}
	return nil
}

// ListChangeEvents lists recent project events newest first. A non-positive limit returns all.
func (r *Repository) ListChangeEvents(ctx context.Context, projectID string, limit int) ([]domain.ChangeEvent, error) {
	query := `
		SELECT id, project_id, kind, actor_id, payload_json::text, occurred_at
		FROM change_events
		WHERE project_id = $1
		ORDER BY seq DESC`
	args := []any{strings.TrimSpace(projectID)}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.ChangeEvent, 0)
	for rows.Next() {
		var (
			event      domain.ChangeEvent
			kindRaw    string
			payloadRaw string
		)
		if err := rows.Scan(&event.ID, &event.ProjectID, &kindRaw, &event.ActorID, &payloadRaw, &event.OccurredAt); err != nil {
			return nil, err
		}
		event.Kind = domain.ChangeKind(kindRaw)
		event.OccurredAt = event.OccurredAt.UTC()
		if err := json.Unmarshal([]byte(payloadRaw), &event.Payload); err != nil {
			return nil, fmt.Errorf("decode change_events.payload_json: %w", err)
		}
		if event.Payload == nil {
			event.Payload = map[string]string{}
		}
		out = append(out, event)
	}
	return out, rows.Err()
}

// queryRower is satisfied by both the pool and a transaction.
type queryRower interface {
	QueryRow(context.Context, string, ...any) pgx.Row
}

// getLease reads one lease row through q.
func getLease(ctx context.Context, q queryRower, projectID string) (*domain.EditLease, error) {
	var lease domain.EditLease
	err := q.QueryRow(ctx, `
		SELECT project_id, holder_id, holder_name, acquired_at
		FROM edit_leases
		WHERE project_id = $1
	`, projectID).Scan(&lease.ProjectID, &lease.HolderID, &lease.HolderName, &lease.AcquiredAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select edit lease: %w", err)
	}
	lease.AcquiredAt = lease.AcquiredAt.UTC()
	return &lease, nil
}
