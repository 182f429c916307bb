package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/ucrsph/incident-engine/internal/storage"
	"github.com/ucrsph/incident-engine/internal/types"
)

// incidentRow maps the incidents table. Kept separate from types.Incident so
// the domain type carries no sqlx tags.
type incidentRow struct {
	ID              int64     `db:"id"`
	Title           string    `db:"title"`
	Description     string    `db:"description"`
	BarangayID      int64     `db:"barangay_id"`
	CategoryID      int64     `db:"category_id"`
	Status          string    `db:"status"`
	ComplaintCount  int       `db:"complaint_count"`
	SeverityScore   float64   `db:"severity_score"`
	SeverityLevel   string    `db:"severity_level"`
	TimeWindowHours float64   `db:"time_window_hours"`
	FirstReportedAt time.Time `db:"first_reported_at"`
	LastReportedAt  time.Time `db:"last_reported_at"`
}

func (r *incidentRow) toDomain() *types.Incident {
	return &types.Incident{
		ID:              r.ID,
		Title:           r.Title,
		Description:     r.Description,
		BarangayID:      r.BarangayID,
		CategoryID:      r.CategoryID,
		Status:          types.IncidentStatus(r.Status),
		ComplaintCount:  r.ComplaintCount,
		SeverityScore:   r.SeverityScore,
		SeverityLevel:   types.SeverityLevel(r.SeverityLevel),
		TimeWindowHours: r.TimeWindowHours,
		FirstReportedAt: r.FirstReportedAt,
		LastReportedAt:  r.LastReportedAt,
	}
}

const incidentColumns = `id, title, description, barangay_id, category_id, status,
	complaint_count, severity_score, severity_level, time_window_hours,
	first_reported_at, last_reported_at`

// queryer is satisfied by both *sqlx.DB and *sqlx.Tx so the same query
// helpers serve the store and the merge transaction.
type queryer interface {
	sqlx.QueryerContext
	sqlx.ExecerContext
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
}

// GetIncident fetches one incident by id.
func (s *Store) GetIncident(ctx context.Context, id int64) (*types.Incident, error) {
	return getIncident(ctx, s.db, id, false)
}

func getIncident(ctx context.Context, q queryer, id int64, forUpdate bool) (*types.Incident, error) {
	query := `SELECT ` + incidentColumns + ` FROM incidents WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var row incidentRow
	if err := q.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get incident %d: %w", id, err)
	}
	return row.toDomain(), nil
}

// CreateIncident inserts a new incident and fills in its generated id.
func (s *Store) CreateIncident(ctx context.Context, incident *types.Incident) error {
	return createIncident(ctx, s.db, incident)
}

func createIncident(ctx context.Context, q queryer, incident *types.Incident) error {
	const query = `
		INSERT INTO incidents (title, description, barangay_id, category_id, status,
			complaint_count, severity_score, severity_level, time_window_hours,
			first_reported_at, last_reported_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id`
	err := q.GetContext(ctx, &incident.ID, query,
		incident.Title, incident.Description, incident.BarangayID, incident.CategoryID,
		string(incident.Status), incident.ComplaintCount, incident.SeverityScore,
		string(incident.SeverityLevel), incident.TimeWindowHours,
		incident.FirstReportedAt, incident.LastReportedAt,
	)
	if err != nil {
		return fmt.Errorf("create incident: %w", err)
	}
	return nil
}

// UpdateIncident persists the mutable incident fields.
func (s *Store) UpdateIncident(ctx context.Context, incident *types.Incident) error {
	return updateIncident(ctx, s.db, incident)
}

func updateIncident(ctx context.Context, q queryer, incident *types.Incident) error {
	const query = `
		UPDATE incidents
		SET status = $2, complaint_count = $3, severity_score = $4,
			severity_level = $5, last_reported_at = $6
		WHERE id = $1`
	res, err := q.ExecContext(ctx, query,
		incident.ID, string(incident.Status), incident.ComplaintCount,
		incident.SeverityScore, string(incident.SeverityLevel), incident.LastReportedAt,
	)
	if err != nil {
		return fmt.Errorf("update incident %d: %w", incident.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ListActiveInWindow returns ACTIVE incidents in the partition whose
// last_reported_at falls within the window, newest first. The relational
// store is the source of truth for candidate discovery.
func (s *Store) ListActiveInWindow(ctx context.Context, barangayID, categoryID int64, windowHours float64, now time.Time) ([]*types.Incident, error) {
	cutoff := now.Add(-time.Duration(windowHours * float64(time.Hour)))
	const query = `
		SELECT ` + incidentColumns + `
		FROM incidents
		WHERE barangay_id = $1 AND category_id = $2 AND status = $3
			AND last_reported_at >= $4
		ORDER BY last_reported_at DESC, id ASC`
	var rows []incidentRow
	if err := s.db.SelectContext(ctx, &rows, query, barangayID, categoryID, string(types.IncidentActive), cutoff); err != nil {
		return nil, fmt.Errorf("list active incidents: %w", err)
	}
	incidents := make([]*types.Incident, len(rows))
	for i := range rows {
		incidents[i] = rows[i].toDomain()
	}
	return incidents, nil
}

// ExpireOverdue flips ACTIVE incidents past their window to EXPIRED in one
// statement and returns the affected ids. Safe to rerun.
func (s *Store) ExpireOverdue(ctx context.Context, now time.Time) ([]int64, error) {
	const query = `
		UPDATE incidents
		SET status = $1
		WHERE status = $2
			AND last_reported_at + make_interval(secs => time_window_hours * 3600) <= $3
		RETURNING id`
	var ids []int64
	if err := s.db.SelectContext(ctx, &ids, query, string(types.IncidentExpired), string(types.IncidentActive), now); err != nil {
		return nil, fmt.Errorf("expire overdue incidents: %w", err)
	}
	if len(ids) > 0 {
		s.logger.Info("expired incidents", zap.Int("count", len(ids)))
	}
	return ids, nil
}
