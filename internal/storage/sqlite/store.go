// Package sqlite implements monitor.Store on an embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/JakeFAU/webpage-change-monitor/internal/monitor"
)

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000Z"

const schema = `
CREATE TABLE IF NOT EXISTS resources (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	created_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS targets (
	id             TEXT PRIMARY KEY,
	resource_id    TEXT NOT NULL REFERENCES resources(id) ON DELETE CASCADE,
	display_name   TEXT NOT NULL,
	description    TEXT NOT NULL DEFAULT '',
	url            TEXT NOT NULL,
	cron_schedule  TEXT NOT NULL,
	change_type    TEXT NOT NULL,
	expected_value TEXT,
	html_tag       TEXT NOT NULL,
	selector_type  TEXT NOT NULL,
	selector_value TEXT NOT NULL,
	enabled        INTEGER NOT NULL DEFAULT 1,
	created_at     TEXT NOT NULL,
	updated_at     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_targets_resource_id ON targets (resource_id);

CREATE TABLE IF NOT EXISTS target_snapshots (
	seq                INTEGER PRIMARY KEY AUTOINCREMENT,
	id                 TEXT NOT NULL UNIQUE,
	target_id          TEXT NOT NULL REFERENCES targets(id) ON DELETE CASCADE,
	value              TEXT NOT NULL,
	is_expected_value  INTEGER NOT NULL,
	is_change_detected INTEGER NOT NULL,
	content_hash       TEXT NOT NULL DEFAULT '',
	archive_uri        TEXT NOT NULL DEFAULT '',
	created_at         TEXT NOT NULL,
	updated_at         TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_target_snapshots_target_created ON target_snapshots (target_id, created_at DESC);
`

const targetColumns = `id, resource_id, display_name, description, url, cron_schedule, change_type,
	expected_value, html_tag, selector_type, selector_value, enabled, created_at, updated_at`

const snapshotColumns = `id, target_id, value, is_expected_value, is_change_detected, content_hash,
	archive_uri, created_at, updated_at`

// Store implements monitor.Store for SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the database at path and applies the schema.
// ":memory:" opens a private in-memory database.
func New(ctx context.Context, path string) (*Store, error) {
	memory := path == ":memory:" || path == ""
	dsn := path
	if memory {
		dsn = ":memory:"
	}
	dsn += "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	if !memory {
		dsn += "&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	if memory {
		// Every connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close sqlite database: %w", err)
	}
	return nil
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping sqlite database: %w", err)
	}
	return nil
}

// CreateResource inserts a resource.
func (s *Store) CreateResource(ctx context.Context, r monitor.Resource) error {
	res, err := s.db.ExecContext(ctx, `
INSERT INTO resources (id, name, description, created_at) VALUES (?, ?, ?, ?)
ON CONFLICT(id) DO NOTHING`, r.ID, r.Name, r.Description, formatTime(r.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert resource: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("resource %s: %w", r.ID, monitor.ErrConflict)
	}
	return nil
}

// GetResource returns a resource by id.
func (s *Store) GetResource(ctx context.Context, id string) (monitor.Resource, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name, description, created_at FROM resources WHERE id = ?`, id)
	r, err := scanResource(row)
	if errors.Is(err, sql.ErrNoRows) {
		return monitor.Resource{}, fmt.Errorf("resource %s: %w", id, monitor.ErrNotFound)
	}
	if err != nil {
		return monitor.Resource{}, fmt.Errorf("get resource: %w", err)
	}
	return r, nil
}

// ListResources returns one page of resources and the total count.
func (s *Store) ListResources(ctx context.Context, page monitor.PageRequest) ([]monitor.Resource, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM resources`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count resources: %w", err)
	}

	sortCol := "created_at"
	if page.SortBy == monitor.SortByName {
		sortCol = "lower(name)"
	}
	dir := direction(page.SortDirection)
	query := fmt.Sprintf(`SELECT id, name, description, created_at FROM resources
ORDER BY %s %s, id %s LIMIT ? OFFSET ?`, sortCol, dir, dir)

	rows, err := s.db.QueryContext(ctx, query, page.Count, page.Offset())
	if err != nil {
		return nil, 0, fmt.Errorf("list resources: %w", err)
	}
	defer rows.Close()

	out := []monitor.Resource{}
	for rows.Next() {
		r, err := scanResource(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan resource: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate resources: %w", err)
	}
	return out, total, nil
}

// DeleteResource removes a resource with its targets and their snapshots.
func (s *Store) DeleteResource(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
DELETE FROM target_snapshots WHERE target_id IN (SELECT id FROM targets WHERE resource_id = ?)`, id); err != nil {
			return fmt.Errorf("delete resource snapshots: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM targets WHERE resource_id = ?`, id); err != nil {
			return fmt.Errorf("delete resource targets: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM resources WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("delete resource: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("resource %s: %w", id, monitor.ErrNotFound)
		}
		return nil
	})
}

// CreateTarget inserts a target under an existing resource.
func (s *Store) CreateTarget(ctx context.Context, t monitor.Target) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := resourceExists(ctx, tx, t.ResourceID); err != nil {
			return err
		}
		kind, expected := changeColumns(t.Change)
		res, err := tx.ExecContext(ctx, `
INSERT INTO targets (`+targetColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO NOTHING`,
			t.ID, t.ResourceID, t.DisplayName, t.Description, t.URL, t.CronSchedule, kind, expected,
			t.HTMLTag, string(t.SelectorType), t.SelectorValue, t.Enabled,
			formatTime(t.CreatedAt), formatTime(t.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("insert target: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("target %s: %w", t.ID, monitor.ErrConflict)
		}
		return nil
	})
}

// UpdateTarget replaces the mutable fields of an existing target.
func (s *Store) UpdateTarget(ctx context.Context, t monitor.Target) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := resourceExists(ctx, tx, t.ResourceID); err != nil {
			return err
		}
		kind, expected := changeColumns(t.Change)
		res, err := tx.ExecContext(ctx, `
UPDATE targets SET resource_id = ?, display_name = ?, description = ?, url = ?, cron_schedule = ?,
	change_type = ?, expected_value = ?, html_tag = ?, selector_type = ?, selector_value = ?,
	enabled = ?, updated_at = ?
WHERE id = ?`,
			t.ResourceID, t.DisplayName, t.Description, t.URL, t.CronSchedule, kind, expected,
			t.HTMLTag, string(t.SelectorType), t.SelectorValue, t.Enabled, formatTime(t.UpdatedAt), t.ID,
		)
		if err != nil {
			return fmt.Errorf("update target: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("target %s: %w", t.ID, monitor.ErrNotFound)
		}
		return nil
	})
}

// DeleteTarget removes a target and its snapshots.
func (s *Store) DeleteTarget(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM target_snapshots WHERE target_id = ?`, id); err != nil {
			return fmt.Errorf("delete target snapshots: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM targets WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("delete target: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("target %s: %w", id, monitor.ErrNotFound)
		}
		return nil
	})
}

// GetTarget returns a target by id.
func (s *Store) GetTarget(ctx context.Context, id string) (monitor.Target, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+targetColumns+` FROM targets WHERE id = ?`, id)
	t, err := scanTarget(row)
	if errors.Is(err, sql.ErrNoRows) {
		return monitor.Target{}, fmt.Errorf("target %s: %w", id, monitor.ErrNotFound)
	}
	if err != nil {
		return monitor.Target{}, fmt.Errorf("get target: %w", err)
	}
	return t, nil
}

// ListActiveTargets returns every enabled target.
func (s *Store) ListActiveTargets(ctx context.Context) ([]monitor.Target, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+targetColumns+` FROM targets WHERE enabled = 1 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list active targets: %w", err)
	}
	defer rows.Close()
	return collectTargets(rows)
}

// ListTargets returns one page of targets, optionally restricted to a resource.
func (s *Store) ListTargets(ctx context.Context, resourceID string, page monitor.PageRequest) ([]monitor.Target, int, error) {
	where := ""
	args := []any{}
	if resourceID != "" {
		where = "WHERE resource_id = ?"
		args = append(args, resourceID)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM targets `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count targets: %w", err)
	}

	sortCol := "created_at"
	switch page.SortBy {
	case monitor.SortByDisplayName:
		sortCol = "lower(display_name)"
	case monitor.SortByUpdatedAt:
		sortCol = "updated_at"
	}
	dir := direction(page.SortDirection)
	query := fmt.Sprintf(`SELECT %s FROM targets %s ORDER BY %s %s, id %s LIMIT ? OFFSET ?`,
		targetColumns, where, sortCol, dir, dir)

	rows, err := s.db.QueryContext(ctx, query, append(args, page.Count, page.Offset())...)
	if err != nil {
		return nil, 0, fmt.Errorf("list targets: %w", err)
	}
	defer rows.Close()
	out, err := collectTargets(rows)
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

// LatestSnapshot returns the newest snapshot of a target.
func (s *Store) LatestSnapshot(ctx context.Context, targetID string) (monitor.Snapshot, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+snapshotColumns+` FROM target_snapshots
WHERE target_id = ? ORDER BY created_at DESC, seq DESC LIMIT 1`, targetID)
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return monitor.Snapshot{}, false, nil
	}
	if err != nil {
		return monitor.Snapshot{}, false, fmt.Errorf("latest snapshot: %w", err)
	}
	return snap, true, nil
}

// InsertSnapshot appends a snapshot in a single statement.
func (s *Store) InsertSnapshot(ctx context.Context, snap monitor.Snapshot) error {
	res, err := s.db.ExecContext(ctx, `
INSERT INTO target_snapshots (`+snapshotColumns+`)
SELECT ?, ?, ?, ?, ?, ?, ?, ?, ? WHERE EXISTS (SELECT 1 FROM targets WHERE id = ?)`,
		snap.ID, snap.TargetID, snap.Value, snap.IsExpectedValue, snap.IsChangeDetected,
		snap.ContentHash, snap.ArchiveURI, formatTime(snap.CreatedAt), formatTime(snap.UpdatedAt), snap.TargetID,
	)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("target %s: %w", snap.TargetID, monitor.ErrNotFound)
	}
	return nil
}

// ListSnapshots returns one page of a target's snapshots ordered by creation time.
func (s *Store) ListSnapshots(ctx context.Context, targetID string, page monitor.PageRequest) ([]monitor.Snapshot, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM target_snapshots WHERE target_id = ?`, targetID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count snapshots: %w", err)
	}

	dir := direction(page.SortDirection)
	query := fmt.Sprintf(`SELECT %s FROM target_snapshots WHERE target_id = ?
ORDER BY created_at %s, seq %s LIMIT ? OFFSET ?`, snapshotColumns, dir, dir)
	rows, err := s.db.QueryContext(ctx, query, targetID, page.Count, page.Offset())
	if err != nil {
		return nil, 0, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	out := []monitor.Snapshot{}
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan snapshot: %w", err)
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate snapshots: %w", err)
	}
	return out, total, nil
}

// DeleteSnapshots removes every snapshot of a target.
func (s *Store) DeleteSnapshots(ctx context.Context, targetID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM target_snapshots WHERE target_id = ?`, targetID); err != nil {
		return fmt.Errorf("delete snapshots: %w", err)
	}
	return nil
}

// PruneSnapshots keeps the newest keep snapshots of a target.
func (s *Store) PruneSnapshots(ctx context.Context, targetID string, keep int) (int, error) {
	if keep <= 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, `
DELETE FROM target_snapshots WHERE target_id = ? AND seq NOT IN (
	SELECT seq FROM target_snapshots WHERE target_id = ? ORDER BY created_at DESC, seq DESC LIMIT ?
)`, targetID, targetID, keep)
	if err != nil {
		return 0, fmt.Errorf("prune snapshots: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune snapshots rows: %w", err)
	}
	return int(n), nil
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func resourceExists(ctx context.Context, tx *sql.Tx, id string) error {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM resources WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("resource %s: %w", id, monitor.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("lookup resource: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanResource(row scanner) (monitor.Resource, error) {
	var (
		r       monitor.Resource
		created string
	)
	if err := row.Scan(&r.ID, &r.Name, &r.Description, &created); err != nil {
		return monitor.Resource{}, err //nolint:wrapcheck // callers wrap with context
	}
	var err error
	if r.CreatedAt, err = parseTime(created); err != nil {
		return monitor.Resource{}, err
	}
	return r, nil
}

func scanTarget(row scanner) (monitor.Target, error) {
	var (
		t                monitor.Target
		kind, selType    string
		expected         sql.NullString
		created, updated string
	)
	if err := row.Scan(&t.ID, &t.ResourceID, &t.DisplayName, &t.Description, &t.URL, &t.CronSchedule,
		&kind, &expected, &t.HTMLTag, &selType, &t.SelectorValue, &t.Enabled, &created, &updated); err != nil {
		return monitor.Target{}, err //nolint:wrapcheck // callers wrap with context
	}
	var expectedPtr *string
	if expected.Valid {
		expectedPtr = &expected.String
	}
	change, err := monitor.ParseChangeType(kind, expectedPtr)
	if err != nil {
		return monitor.Target{}, fmt.Errorf("target %s: %w", t.ID, err)
	}
	t.Change = change
	t.SelectorType = monitor.SelectorType(selType)
	if t.CreatedAt, err = parseTime(created); err != nil {
		return monitor.Target{}, err
	}
	if t.UpdatedAt, err = parseTime(updated); err != nil {
		return monitor.Target{}, err
	}
	return t, nil
}

func collectTargets(rows *sql.Rows) ([]monitor.Target, error) {
	out := []monitor.Target{}
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, fmt.Errorf("scan target: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate targets: %w", err)
	}
	return out, nil
}

func scanSnapshot(row scanner) (monitor.Snapshot, error) {
	var (
		snap             monitor.Snapshot
		created, updated string
	)
	if err := row.Scan(&snap.ID, &snap.TargetID, &snap.Value, &snap.IsExpectedValue, &snap.IsChangeDetected,
		&snap.ContentHash, &snap.ArchiveURI, &created, &updated); err != nil {
		return monitor.Snapshot{}, err //nolint:wrapcheck // callers wrap with context
	}
	var err error
	if snap.CreatedAt, err = parseTime(created); err != nil {
		return monitor.Snapshot{}, err
	}
	if snap.UpdatedAt, err = parseTime(updated); err != nil {
		return monitor.Snapshot{}, err
	}
	return snap, nil
}

func changeColumns(ct monitor.ChangeType) (string, sql.NullString) {
	if ct == nil {
		return string(monitor.ChangeKindChangeDetection), sql.NullString{}
	}
	if expected, ok := monitor.ExpectedValue(ct); ok {
		return string(ct.Kind()), sql.NullString{String: expected, Valid: true}
	}
	return string(ct.Kind()), sql.NullString{}
}

func direction(d monitor.SortDirection) string {
	if d == monitor.SortAscending {
		return "ASC"
	}
	return "DESC"
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}
