package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hylla/waypoint/internal/app"
	"github.com/hylla/waypoint/internal/domain"
	_ "modernc.org/sqlite"
)

// driverName defines a package constant value.
const driverName = "sqlite"

// Repository stores project snapshots, edit leases, and the change ledger in one sqlite file.
type Repository struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (and migrates) the database at path, creating parent directories as needed.
func Open(path string) (*Repository, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite dir: %w", err)
	}
	db, err := sql.Open(driverName, path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	return newRepository(db)
}

// OpenInMemory opens a private in-memory database.
func OpenInMemory() (*Repository, error) {
	db, err := sql.Open(driverName, ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open sqlite memory: %w", err)
	}
	return newRepository(db)
}

// newRepository pins the pool to one connection and migrates the schema.
func newRepository(db *sql.DB) (*Repository, error) {
	// sqlite allows a single writer; one connection also keeps :memory: databases alive.
	db.SetMaxOpenConns(1)
	repo := &Repository{db: db, now: time.Now}
	if err := repo.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return repo, nil
}

// Close closes the underlying database.
func (r *Repository) Close() error {
	return r.db.Close()
}

// Ping reports whether the database is reachable.
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// migrate handles migrate.
func (r *Repository) migrate(ctx context.Context) error {
	stmts := []string{
		`PRAGMA foreign_keys = ON;`,
		`PRAGMA busy_timeout = 5000;`,
		`CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			snapshot_json TEXT NOT NULL,
			saved_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS edit_leases (
			project_id TEXT PRIMARY KEY,
			holder_id TEXT NOT NULL,
			holder_name TEXT NOT NULL,
			acquired_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS change_events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			project_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			actor_id TEXT NOT NULL DEFAULT '',
			payload_json TEXT NOT NULL DEFAULT '{}',
			occurred_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_change_events_project_seq ON change_events(project_id, seq DESC);`,
	}
	for _, stmt := range stmts {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate sqlite: %w", err)
		}
	}
	return nil
}

// LoadProject reads and strictly decodes one saved snapshot.
func (r *Repository) LoadProject(ctx context.Context, projectID string) (app.Snapshot, error) {
	var raw string
	err := r.db.QueryRowContext(ctx, `SELECT snapshot_json FROM projects WHERE id = ?`, strings.TrimSpace(projectID)).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
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
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO projects(id, name, snapshot_json, saved_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			snapshot_json = excluded.snapshot_json,
			saved_at = excluded.saved_at
	`, strings.TrimSpace(projectID), snap.Name, string(encoded), ts(r.now()))
	if err != nil {
		return fmt.Errorf("upsert project: %w", err)
	}
	return nil
}

// ListProjects returns saved projects ordered by id.
func (r *Repository) ListProjects(ctx context.Context) ([]app.ProjectSummary, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, name, saved_at FROM projects ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]app.ProjectSummary, 0)
	for rows.Next() {
		var (
			summary  app.ProjectSummary
			savedRaw string
		)
		if err := rows.Scan(&summary.ID, &summary.Name, &savedRaw); err != nil {
			return nil, err
		}
		summary.SavedAt = parseTS(savedRaw)
		out = append(out, summary)
	}
	return out, rows.Err()
}

// GetLease returns the stored lease record, or nil when none exists.
func (r *Repository) GetLease(ctx context.Context, projectID string) (*domain.EditLease, error) {
	return getLease(ctx, r.db, strings.TrimSpace(projectID))
}

// UpdateLease applies fn inside one transaction so the read-then-write is exclusive.
func (r *Repository) UpdateLease(ctx context.Context, projectID string, fn app.LeaseUpdateFunc) (err error) {
	projectID = strings.TrimSpace(projectID)
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	current, err := getLease(ctx, tx, projectID)
	if err != nil {
		return err
	}
	next, err := fn(current)
	if err != nil {
		return err
	}
	if next == nil {
		_, err = tx.ExecContext(ctx, `DELETE FROM edit_leases WHERE project_id = ?`, projectID)
	} else {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO edit_leases(project_id, holder_id, holder_name, acquired_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(project_id) DO UPDATE SET
				holder_id = excluded.holder_id,
				holder_name = excluded.holder_name,
				acquired_at = excluded.acquired_at
		`, projectID, next.HolderID, next.HolderName, ts(next.AcquiredAt))
	}
	if err != nil {
		return fmt.Errorf("write edit lease: %w", err)
	}
	err = tx.Commit()
	return err
}

// AppendChangeEvent inserts one ledger record. Re-appending an event id is a no-op.
func (r *Repository) AppendChangeEvent(ctx context.Context, evt domain.ChangeEvent) error {
	return insertChangeEvent(ctx, r.db, evt)
}

// ListChangeEvents lists recent project events newest first. A non-positive limit returns all.
func (r *Repository) ListChangeEvents(ctx context.Context, projectID string, limit int) ([]domain.ChangeEvent, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, project_id, kind, actor_id, payload_json, occurred_at
		FROM change_events
		WHERE project_id = ?
		ORDER BY seq DESC
		LIMIT ?
	`, strings.TrimSpace(projectID), limit)
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
			createdRaw string
		)
		if err := rows.Scan(&event.ID, &event.ProjectID, &kindRaw, &event.ActorID, &payloadRaw, &createdRaw); err != nil {
			return nil, err
		}
		event.Kind = domain.ChangeKind(kindRaw)
		event.OccurredAt = parseTS(createdRaw)
		if strings.TrimSpace(payloadRaw) == "" {
			payloadRaw = "{}"
		}
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

// queryRower represents a query-only DB contract used by DB and Tx implementations.
type queryRower interface {
	QueryRowContext(context.Context, string, ...any) *sql.Row
}

// getLease reads one lease row through q.
func getLease(ctx context.Context, q queryRower, projectID string) (*domain.EditLease, error) {
	var (
		lease       domain.EditLease
		acquiredRaw string
	)
	err := q.QueryRowContext(ctx, `
		SELECT project_id, holder_id, holder_name, acquired_at
		FROM edit_leases
		WHERE project_id = ?
	`, projectID).Scan(&lease.ProjectID, &lease.HolderID, &lease.HolderName, &acquiredRaw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select edit lease: %w", err)
	}
	lease.AcquiredAt = parseTS(acquiredRaw)
	return &lease, nil
}

// execerContext represents a write-only DB contract used by DB and Tx implementations.
type execerContext interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
}

// insertChangeEvent inserts a change-event ledger record.
func insertChangeEvent(ctx context.Context, execer execerContext, event domain.ChangeEvent) error {
	payloadJSON, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("encode change event payload: %w", err)
	}
	_, err = execer.ExecContext(ctx, `
		INSERT INTO change_events(id, project_id, kind, actor_id, payload_json, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		event.ID,
		event.ProjectID,
		string(event.Kind),
		event.ActorID,
		string(payloadJSON),
		ts(normalizeEventTS(event.OccurredAt)),
	)
	if err != nil {
		return fmt.Errorf("insert change event: %w", err)
	}
	return nil
}

// normalizeEventTS ensures event timestamps are always populated and UTC-normalized.
func normalizeEventTS(in time.Time) time.Time {
	if in.IsZero() {
		return time.Now().UTC()
	}
	return in.UTC()
}

// ts handles ts.
func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTS parses input into a normalized form.
func parseTS(v string) time.Time {
	ts, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return ts.UTC()
}
