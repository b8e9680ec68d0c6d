// Package postgres provides the Postgres-backed monitor.Store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/webpage-change-monitor/internal/monitor"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

var validSchemaName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	Schema          string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	// Migrate applies the schema on startup.
	Migrate bool
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Ping(context.Context) error
	Close()
}

// Store implements monitor.Store on Postgres.
type Store struct {
	pool   pool
	schema string
}

// New connects to Postgres using cfg and optionally applies the schema.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("storage.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s, err := NewWithPool(p, cfg.Schema)
	if err != nil {
		p.Close()
		return nil, err
	}
	if cfg.Migrate {
		if err := s.Migrate(ctx); err != nil {
			p.Close()
			return nil, err
		}
	}
	return s, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool, schema string) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if schema == "" {
		schema = "monitor"
	}
	if !validSchemaName.MatchString(schema) {
		return nil, fmt.Errorf("invalid schema name %q", schema)
	}
	return &Store{pool: p, schema: schema}, nil
}

// Migrate creates the schema and tables when they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schemaStatements(s.schema) {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate postgres schema: %w", err)
		}
	}
	return nil
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func (s *Store) table(name string) string {
	return s.schema + "." + name
}

// CreateResource inserts a resource.
func (s *Store) CreateResource(ctx context.Context, r monitor.Resource) error {
	query := fmt.Sprintf(`INSERT INTO %s (id, name, description, created_at) VALUES ($1,$2,$3,$4)`,
		s.table("resources"))
	if _, err := s.pool.Exec(ctx, query, r.ID, r.Name, r.Description, r.CreatedAt); err != nil {
		if pgCode(err) == pgUniqueViolation {
			return fmt.Errorf("resource %s: %w", r.ID, monitor.ErrConflict)
		}
		return fmt.Errorf("insert resource: %w", err)
	}
	return nil
}

// GetResource returns a resource by id.
func (s *Store) GetResource(ctx context.Context, id string) (monitor.Resource, error) {
	query := fmt.Sprintf(`SELECT id, name, description, created_at FROM %s WHERE id = $1`, s.table("resources"))
	r, err := scanResource(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
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
	if err := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, s.table("resources"))).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count resources: %w", err)
	}

	sortCol := "created_at"
	if page.SortBy == monitor.SortByName {
		sortCol = "lower(name)"
	}
	dir := direction(page.SortDirection)
	query := fmt.Sprintf(`SELECT id, name, description, created_at FROM %s ORDER BY %s %s, id %s LIMIT $1 OFFSET $2`,
		s.table("resources"), sortCol, dir, dir)
	rows, err := s.pool.Query(ctx, query, page.Count, page.Offset())
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

// DeleteResource removes a resource; targets and snapshots follow through ON DELETE CASCADE.
func (s *Store) DeleteResource(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.table("resources")), id)
	if err != nil {
		return fmt.Errorf("delete resource: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("resource %s: %w", id, monitor.ErrNotFound)
	}
	return nil
}

const targetColumns = `id, resource_id, display_name, description, url, cron_schedule, change_type,
	expected_value, html_tag, selector_type, selector_value, enabled, created_at, updated_at`

// CreateTarget inserts a target under an existing resource.
func (s *Store) CreateTarget(ctx context.Context, t monitor.Target) error {
	kind, expected := changeColumns(t.Change)
	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		s.table("targets"), targetColumns)
	_, err := s.pool.Exec(ctx, query,
		t.ID, t.ResourceID, t.DisplayName, t.Description, t.URL, t.CronSchedule, kind, expected,
		t.HTMLTag, string(t.SelectorType), t.SelectorValue, t.Enabled, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		switch pgCode(err) {
		case pgUniqueViolation:
			return fmt.Errorf("target %s: %w", t.ID, monitor.ErrConflict)
		case pgForeignKeyViolation:
			return fmt.Errorf("resource %s: %w", t.ResourceID, monitor.ErrNotFound)
		}
		return fmt.Errorf("insert target: %w", err)
	}
	return nil
}

// UpdateTarget replaces the mutable fields of an existing target.
func (s *Store) UpdateTarget(ctx context.Context, t monitor.Target) error {
	kind, expected := changeColumns(t.Change)
	query := fmt.Sprintf(`UPDATE %s SET resource_id = $2, display_name = $3, description = $4, url = $5,
	cron_schedule = $6, change_type = $7, expected_value = $8, html_tag = $9, selector_type = $10,
	selector_value = $11, enabled = $12, updated_at = $13
WHERE id = $1`, s.table("targets"))
	tag, err := s.pool.Exec(ctx, query,
		t.ID, t.ResourceID, t.DisplayName, t.Description, t.URL, t.CronSchedule, kind, expected,
		t.HTMLTag, string(t.SelectorType), t.SelectorValue, t.Enabled, t.UpdatedAt,
	)
	if err != nil {
		if pgCode(err) == pgForeignKeyViolation {
			return fmt.Errorf("resource %s: %w", t.ResourceID, monitor.ErrNotFound)
		}
		return fmt.Errorf("update target: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("target %s: %w", t.ID, monitor.ErrNotFound)
	}
	return nil
}

// DeleteTarget removes a target; snapshots follow through ON DELETE CASCADE.
func (s *Store) DeleteTarget(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.table("targets")), id)
	if err != nil {
		return fmt.Errorf("delete target: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("target %s: %w", id, monitor.ErrNotFound)
	}
	return nil
}

// GetTarget returns a target by id.
func (s *Store) GetTarget(ctx context.Context, id string) (monitor.Target, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, targetColumns, s.table("targets"))
	t, err := scanTarget(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return monitor.Target{}, fmt.Errorf("target %s: %w", id, monitor.ErrNotFound)
	}
	if err != nil {
		return monitor.Target{}, fmt.Errorf("get target: %w", err)
	}
	return t, nil
}

// ListActiveTargets returns every enabled target.
func (s *Store) ListActiveTargets(ctx context.Context) ([]monitor.Target, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE enabled ORDER BY id`, targetColumns, s.table("targets"))
	rows, err := s.pool.Query(ctx, query)
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
		where = "WHERE resource_id = $1"
		args = append(args, resourceID)
	}

	var total int
	countQuery := fmt.Sprintf(`SELECT COUNT(*) FROM %s %s`, s.table("targets"), where)
	if err := s.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
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
	n := len(args)
	query := fmt.Sprintf(`SELECT %s FROM %s %s ORDER BY %s %s, id %s LIMIT $%d OFFSET $%d`,
		targetColumns, s.table("targets"), where, sortCol, dir, dir, n+1, n+2)
	rows, err := s.pool.Query(ctx, query, append(args, page.Count, page.Offset())...)
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

const snapshotColumns = `id, target_id, value, is_expected_value, is_change_detected, content_hash,
	archive_uri, created_at, updated_at`

// LatestSnapshot returns the newest snapshot of a target.
func (s *Store) LatestSnapshot(ctx context.Context, targetID string) (monitor.Snapshot, bool, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE target_id = $1 ORDER BY created_at DESC, seq DESC LIMIT 1`,
		snapshotColumns, s.table("target_snapshots"))
	snap, err := scanSnapshot(s.pool.QueryRow(ctx, query, targetID))
	if errors.Is(err, pgx.ErrNoRows) {
		return monitor.Snapshot{}, false, nil
	}
	if err != nil {
		return monitor.Snapshot{}, false, fmt.Errorf("latest snapshot: %w", err)
	}
	return snap, true, nil
}

// InsertSnapshot appends a snapshot in a single statement.
func (s *Store) InsertSnapshot(ctx context.Context, snap monitor.Snapshot) error {
	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		s.table("target_snapshots"), snapshotColumns)
	_, err := s.pool.Exec(ctx, query,
		snap.ID, snap.TargetID, snap.Value, snap.IsExpectedValue, snap.IsChangeDetected,
		snap.ContentHash, snap.ArchiveURI, snap.CreatedAt, snap.UpdatedAt,
	)
	if err != nil {
		switch pgCode(err) {
		case pgForeignKeyViolation:
			return fmt.Errorf("target %s: %w", snap.TargetID, monitor.ErrNotFound)
		case pgUniqueViolation:
			return fmt.Errorf("snapshot %s: %w", snap.ID, monitor.ErrConflict)
		}
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

// ListSnapshots returns one page of a target's snapshots ordered by creation time.
func (s *Store) ListSnapshots(ctx context.Context, targetID string, page monitor.PageRequest) ([]monitor.Snapshot, int, error) {
	var total int
	countQuery := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE target_id = $1`, s.table("target_snapshots"))
	if err := s.pool.QueryRow(ctx, countQuery, targetID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count snapshots: %w", err)
	}

	dir := direction(page.SortDirection)
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE target_id = $1 ORDER BY created_at %s, seq %s LIMIT $2 OFFSET $3`,
		snapshotColumns, s.table("target_snapshots"), dir, dir)
	rows, err := s.pool.Query(ctx, query, targetID, page.Count, page.Offset())
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
	query := fmt.Sprintf(`DELETE FROM %s WHERE target_id = $1`, s.table("target_snapshots"))
	if _, err := s.pool.Exec(ctx, query, targetID); err != nil {
		return fmt.Errorf("delete snapshots: %w", err)
	}
	return nil
}

// PruneSnapshots keeps the newest keep snapshots of a target.
func (s *Store) PruneSnapshots(ctx context.Context, targetID string, keep int) (int, error) {
	if keep <= 0 {
		return 0, nil
	}
	table := s.table("target_snapshots")
	query := fmt.Sprintf(`DELETE FROM %s WHERE target_id = $1 AND seq NOT IN (
	SELECT seq FROM %s WHERE target_id = $1 ORDER BY created_at DESC, seq DESC LIMIT $2
)`, table, table)
	tag, err := s.pool.Exec(ctx, query, targetID, keep)
	if err != nil {
		return 0, fmt.Errorf("prune snapshots: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanResource(row pgx.Row) (monitor.Resource, error) {
	var r monitor.Resource
	if err := row.Scan(&r.ID, &r.Name, &r.Description, &r.CreatedAt); err != nil {
		return monitor.Resource{}, err //nolint:wrapcheck // callers wrap with context
	}
	r.CreatedAt = r.CreatedAt.UTC()
	return r, nil
}

func scanTarget(row pgx.Row) (monitor.Target, error) {
	var (
		t             monitor.Target
		kind, selType string
		expected      pgtype.Text
	)
	if err := row.Scan(&t.ID, &t.ResourceID, &t.DisplayName, &t.Description, &t.URL, &t.CronSchedule,
		&kind, &expected, &t.HTMLTag, &selType, &t.SelectorValue, &t.Enabled, &t.CreatedAt, &t.UpdatedAt); err != nil {
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
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	return t, nil
}

func collectTargets(rows pgx.Rows) ([]monitor.Target, error) {
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

func scanSnapshot(row pgx.Row) (monitor.Snapshot, error) {
	var snap monitor.Snapshot
	if err := row.Scan(&snap.ID, &snap.TargetID, &snap.Value, &snap.IsExpectedValue, &snap.IsChangeDetected,
		&snap.ContentHash, &snap.ArchiveURI, &snap.CreatedAt, &snap.UpdatedAt); err != nil {
		return monitor.Snapshot{}, err //nolint:wrapcheck // callers wrap with context
	}
	snap.CreatedAt = snap.CreatedAt.UTC()
	snap.UpdatedAt = snap.UpdatedAt.UTC()
	return snap, nil
}

func changeColumns(ct monitor.ChangeType) (string, pgtype.Text) {
	if ct == nil {
		return string(monitor.ChangeKindChangeDetection), pgtype.Text{}
	}
	if expected, ok := monitor.ExpectedValue(ct); ok {
		return string(ct.Kind()), pgtype.Text{String: expected, Valid: true}
	}
	return string(ct.Kind()), pgtype.Text{}
}

func direction(d monitor.SortDirection) string {
	if d == monitor.SortAscending {
		return "ASC"
	}
	return "DESC"
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}
