package cluster

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ucrsph/incident-engine/internal/fault"
	"github.com/ucrsph/incident-engine/internal/severity"
	"github.com/ucrsph/incident-engine/internal/storage"
	"github.com/ucrsph/incident-engine/internal/types"
)

// SeverityRefresher recomputes and persists one incident's severity score.
// Pure function of current state, so concurrent recomputes converge.
type SeverityRefresher struct {
	store  storage.IncidentStore
	logger *zap.Logger
	now    func() time.Time
}

// NewSeverityRefresher wires the severity use case.
func NewSeverityRefresher(store storage.IncidentStore, logger *zap.Logger) *SeverityRefresher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SeverityRefresher{store: store, logger: logger, now: time.Now}
}

// WithClock overrides the clock. Tests only.
func (r *SeverityRefresher) WithClock(now func() time.Time) *SeverityRefresher {
	r.now = now
	return r
}

// Refresh recomputes the incident's severity from its membership velocity
// and category base weight, then persists score and band.
func (r *SeverityRefresher) Refresh(ctx context.Context, incidentID int64) (*types.Incident, error) {
	incident, err := r.store.GetIncident(ctx, incidentID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fault.NotFound(fmt.Errorf("incident %d", incidentID))
		}
		return nil, fault.Transient(fmt.Errorf("load incident %d: %w", incidentID, err))
	}

	now := r.now().UTC()
	count, err := r.store.CountMembershipsInWindow(ctx, incidentID, incident.TimeWindowHours, now)
	if err != nil {
		return nil, fault.Transient(fmt.Errorf("count memberships for incident %d: %w", incidentID, err))
	}
	vel := severity.Velocity{
		WindowHours:    incident.TimeWindowHours,
		ComplaintCount: count,
	}

	// Unconfigured categories fall back to the built-in weight table; a
	// store error also degrades to it rather than failing the refresh.
	baseWeight := severity.BaseWeight(incident.CategoryID)
	cfg, err := r.store.GetCategoryConfig(ctx, incident.CategoryID)
	switch {
	case err == nil:
		baseWeight = cfg.BaseSeverityWeight
	case errors.Is(err, storage.ErrNotFound):
		// no config row
	default:
		r.logger.Warn("category config unavailable, using built-in base weight",
			zap.Int64("category_id", incident.CategoryID),
			zap.Error(err),
		)
	}

	score := severity.Score(baseWeight, incident.ComplaintCount, vel)
	incident.UpdateSeverity(score)

	if err := r.store.UpdateIncident(ctx, incident); err != nil {
		return nil, fault.Transient(fmt.Errorf("persist severity for incident %d: %w", incidentID, err))
	}

	r.logger.Info("severity refreshed",
		zap.Int64("incident_id", incidentID),
		zap.Float64("score", incident.SeverityScore),
		zap.String("level", string(incident.SeverityLevel)),
		zap.Float64("velocity_per_hour", vel.PerHour()),
	)
	return incident, nil
}
