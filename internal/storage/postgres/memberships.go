package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ucrsph/incident-engine/internal/storage"
	"github.com/ucrsph/incident-engine/internal/types"
)

// LinkComplaint appends a membership row. A duplicate (incident, complaint)
// pair surfaces as storage.ErrDuplicateMembership so job re-runs can treat
// it as success.
func (s *Store) LinkComplaint(ctx context.Context, incidentID, complaintID int64, similarity float64, linkedAt time.Time) (*types.Membership, error) {
	return linkComplaint(ctx, s.db, incidentID, complaintID, similarity, linkedAt)
}

func linkComplaint(ctx context.Context, q queryer, incidentID, complaintID int64, similarity float64, linkedAt time.Time) (*types.Membership, error) {
	const query = `
		INSERT INTO incident_memberships (incident_id, complaint_id, similarity_score, linked_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id`
	m := &types.Membership{
		IncidentID:      incidentID,
		ComplaintID:     complaintID,
		SimilarityScore: similarity,
		LinkedAt:        linkedAt,
	}
	if err := q.GetContext(ctx, &m.ID, query, incidentID, complaintID, similarity, linkedAt); err != nil {
		if isUniqueViolation(err) {
			return nil, storage.ErrDuplicateMembership
		}
		return nil, fmt.Errorf("link complaint %d to incident %d: %w", complaintID, incidentID, err)
	}
	return m, nil
}

// MembershipForComplaint returns the membership row of a complaint, or
// storage.ErrNotFound when none exists.
func (s *Store) MembershipForComplaint(ctx context.Context, complaintID int64) (*types.Membership, error) {
	const query = `
		SELECT id, incident_id, complaint_id, similarity_score, linked_at
		FROM incident_memberships
		WHERE complaint_id = $1`
	var row struct {
		ID              int64     `db:"id"`
		IncidentID      int64     `db:"incident_id"`
		ComplaintID     int64     `db:"complaint_id"`
		SimilarityScore float64   `db:"similarity_score"`
		LinkedAt        time.Time `db:"linked_at"`
	}
	if err := s.db.GetContext(ctx, &row, query, complaintID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("membership for complaint %d: %w", complaintID, err)
	}
	return &types.Membership{
		ID:              row.ID,
		IncidentID:      row.IncidentID,
		ComplaintID:     row.ComplaintID,
		SimilarityScore: row.SimilarityScore,
		LinkedAt:        row.LinkedAt,
	}, nil
}

// CountMembershipsInWindow counts memberships linked to the incident within
// the trailing window. Feeds the velocity component of severity.
func (s *Store) CountMembershipsInWindow(ctx context.Context, incidentID int64, windowHours float64, now time.Time) (int, error) {
	cutoff := now.Add(-time.Duration(windowHours * float64(time.Hour)))
	const query = `
		SELECT COUNT(*)
		FROM incident_memberships
		WHERE incident_id = $1 AND linked_at >= $2`
	var count int
	if err := s.db.GetContext(ctx, &count, query, incidentID, cutoff); err != nil {
		return 0, fmt.Errorf("count memberships for incident %d: %w", incidentID, err)
	}
	return count, nil
}

// ComplaintStatusesForIncident returns the distinct workflow statuses of the
// complaints linked to an incident. Used to compose the merge message.
func (s *Store) ComplaintStatusesForIncident(ctx context.Context, incidentID int64) ([]types.ComplaintStatus, error) {
	const query = `
		SELECT DISTINCT c.status
		FROM complaints c
		JOIN incident_memberships m ON m.complaint_id = c.id
		WHERE m.incident_id = $1`
	var raw []string
	if err := s.db.SelectContext(ctx, &raw, query, incidentID); err != nil {
		return nil, fmt.Errorf("complaint statuses for incident %d: %w", incidentID, err)
	}
	statuses := make([]types.ComplaintStatus, len(raw))
	for i, r := range raw {
		statuses[i] = types.ComplaintStatus(r)
	}
	return statuses, nil
}
