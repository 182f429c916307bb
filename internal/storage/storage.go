// Package storage defines the authoritative relational store for incidents,
// memberships, and category configuration.
//
// The concrete implementation lives in the postgres sub-package. Consumers
// depend on the IncidentStore interface rather than on the concrete type so
// that alternative implementations (mocks, fakes) can be substituted.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/ucrsph/incident-engine/internal/types"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicateMembership is returned when a (incident, complaint) pair is
// already linked. Callers treat it as success on job re-runs.
var ErrDuplicateMembership = errors.New("membership already exists")

// IncidentStore is the relational capability the use cases depend on.
// Implementations must be safe for concurrent use by multiple workers.
type IncidentStore interface {
	// Incident CRUD
	GetIncident(ctx context.Context, id int64) (*types.Incident, error)
	CreateIncident(ctx context.Context, incident *types.Incident) error
	UpdateIncident(ctx context.Context, incident *types.Incident) error

	// LinkComplaint appends a membership. Returns ErrDuplicateMembership on
	// a repeated (incident, complaint) pair.
	LinkComplaint(ctx context.Context, incidentID, complaintID int64, similarity float64, linkedAt time.Time) (*types.Membership, error)

	// MembershipForComplaint returns the membership of a complaint, or
	// ErrNotFound when the complaint is not linked yet. The clustering use
	// case uses it to short-circuit re-runs of completed jobs.
	MembershipForComplaint(ctx context.Context, complaintID int64) (*types.Membership, error)

	// ListActiveInWindow returns ACTIVE incidents in (barangay, category)
	// whose last_reported_at >= now - windowHours, newest first.
	ListActiveInWindow(ctx context.Context, barangayID, categoryID int64, windowHours float64, now time.Time) ([]*types.Incident, error)

	// CountMembershipsInWindow counts memberships linked within the window.
	CountMembershipsInWindow(ctx context.Context, incidentID int64, windowHours float64, now time.Time) (int, error)

	// GetCategoryConfig returns the configured knobs for a category, or
	// ErrNotFound when no row exists. Callers choose the fallback: the
	// severity path has a built-in per-category weight table.
	GetCategoryConfig(ctx context.Context, categoryID int64) (types.CategoryConfig, error)

	// ComplaintStatusesForIncident returns the distinct workflow statuses of
	// the complaints linked to an incident.
	ComplaintStatusesForIncident(ctx context.Context, incidentID int64) ([]types.ComplaintStatus, error)

	// ExpireOverdue atomically marks incidents whose window has elapsed as
	// EXPIRED and returns their ids.
	ExpireOverdue(ctx context.Context, now time.Time) ([]int64, error)

	// Merge runs fn inside a transaction that owns the merge-or-create
	// decision for one complaint. fn receives a MergeTx scoped to that
	// transaction; returning an error rolls everything back.
	Merge(ctx context.Context, fn func(tx MergeTx) error) error

	// Lifecycle
	Close() error
}

// MergeTx is the transactional subset used by the clustering use case.
// GetIncidentForUpdate takes a row lock so the race-condition guard observes
// a stable status until commit.
type MergeTx interface {
	GetIncidentForUpdate(ctx context.Context, id int64) (*types.Incident, error)
	CreateIncident(ctx context.Context, incident *types.Incident) error
	UpdateIncident(ctx context.Context, incident *types.Incident) error
	LinkComplaint(ctx context.Context, incidentID, complaintID int64, similarity float64, linkedAt time.Time) (*types.Membership, error)
}
