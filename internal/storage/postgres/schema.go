package postgres

import (
	"context"
	"fmt"
)

// schema holds the relational DDL. Statements are idempotent so Migrate can
// run on every deploy. The complaints table is owned by the API service;
// only the columns the engine reads are declared here, and the CREATE is a
// no-op when the table already exists.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS complaints (
		id BIGSERIAL PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		barangay_id BIGINT NOT NULL,
		category_id BIGINT NOT NULL,
		author_id BIGINT NOT NULL,
		status TEXT NOT NULL DEFAULT 'submitted',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS incidents (
		id BIGSERIAL PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT NOT NULL,
		barangay_id BIGINT NOT NULL,
		category_id BIGINT NOT NULL,
		status TEXT NOT NULL DEFAULT 'ACTIVE',
		complaint_count INTEGER NOT NULL DEFAULT 1,
		severity_score DOUBLE PRECISION NOT NULL DEFAULT 1.0,
		severity_level TEXT NOT NULL DEFAULT 'LOW',
		time_window_hours DOUBLE PRECISION NOT NULL DEFAULT 24,
		first_reported_at TIMESTAMPTZ NOT NULL,
		last_reported_at TIMESTAMPTZ NOT NULL
	)`,

	`CREATE INDEX IF NOT EXISTS idx_incidents_partition
		ON incidents (barangay_id, category_id, status)`,

	`CREATE INDEX IF NOT EXISTS idx_incidents_last_reported
		ON incidents (last_reported_at)`,

	`CREATE TABLE IF NOT EXISTS incident_memberships (
		id BIGSERIAL PRIMARY KEY,
		incident_id BIGINT NOT NULL REFERENCES incidents(id),
		complaint_id BIGINT NOT NULL,
		similarity_score DOUBLE PRECISION NOT NULL,
		linked_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (incident_id, complaint_id)
	)`,

	`CREATE INDEX IF NOT EXISTS idx_memberships_incident_linked
		ON incident_memberships (incident_id, linked_at)`,

	`CREATE TABLE IF NOT EXISTS category_configs (
		category_id BIGINT PRIMARY KEY,
		base_severity_weight DOUBLE PRECISION NOT NULL DEFAULT 2.0,
		time_window_hours DOUBLE PRECISION NOT NULL DEFAULT 24,
		similarity_threshold DOUBLE PRECISION NOT NULL DEFAULT 0.65
	)`,
}

// Migrate applies the relational schema.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
