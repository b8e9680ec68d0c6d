package postgres

import "fmt"

func schemaStatements(schema string) []string {
	return []string{
		fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, schema),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.resources (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL
)`, schema),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %[1]s.targets (
	id             TEXT PRIMARY KEY,
	resource_id    TEXT NOT NULL REFERENCES %[1]s.resources(id) ON DELETE CASCADE,
	display_name   TEXT NOT NULL,
	description    TEXT NOT NULL DEFAULT '',
	url            TEXT NOT NULL,
	cron_schedule  TEXT NOT NULL,
	change_type    TEXT NOT NULL CHECK (change_type IN ('ValueCheck', 'ChangeDetection')),
	expected_value TEXT,
	html_tag       TEXT NOT NULL,
	selector_type  TEXT NOT NULL,
	selector_value TEXT NOT NULL,
	enabled        BOOLEAN NOT NULL DEFAULT TRUE,
	created_at     TIMESTAMPTZ NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL
)`, schema),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS targets_resource_id_idx ON %s.targets (resource_id)`, schema),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %[1]s.target_snapshots (
	seq                BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	id                 TEXT NOT NULL UNIQUE,
	target_id          TEXT NOT NULL REFERENCES %[1]s.targets(id) ON DELETE CASCADE,
	value              TEXT NOT NULL,
	is_expected_value  BOOLEAN NOT NULL,
	is_change_detected BOOLEAN NOT NULL,
	content_hash       TEXT NOT NULL DEFAULT '',
	archive_uri        TEXT NOT NULL DEFAULT '',
	created_at         TIMESTAMPTZ NOT NULL,
	updated_at         TIMESTAMPTZ NOT NULL
)`, schema),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS target_snapshots_target_created_idx
	ON %s.target_snapshots (target_id, created_at DESC)`, schema),
	}
}
