// Package lifecycle owns the incident expiration sweep: incidents past
// their time window transition ACTIVE -> EXPIRED in the relational store,
// and the status propagates to every linked complaint vector.
package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/ucrsph/incident-engine/internal/storage"
	"github.com/ucrsph/incident-engine/internal/telemetry"
	"github.com/ucrsph/incident-engine/internal/types"
	"github.com/ucrsph/incident-engine/internal/vector"
)

// Sweeper periodically expires overdue incidents. The relational store is
// authoritative; vector propagation is best effort and converges on the
// next tick.
type Sweeper struct {
	store   storage.IncidentStore
	vectors vector.VectorStore
	period  time.Duration
	logger  *zap.Logger
	now     func() time.Time
}

// NewSweeper wires the lifecycle scheduler.
func NewSweeper(store storage.IncidentStore, vectors vector.VectorStore, period time.Duration, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	sweepMetricsOnce.Do(initSweepMetrics)
	return &Sweeper{
		store:   store,
		vectors: vectors,
		period:  period,
		logger:  logger,
		now:     time.Now,
	}
}

// WithClock overrides the clock. Tests only.
func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

// Run sweeps once immediately, then on every tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	if _, err := s.Sweep(ctx); err != nil {
		s.logger.Error("sweep failed", zap.Error(err))
	}
	ticker := time.NewTicker(s.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Error("sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep runs one expiration pass and returns the expired incident ids.
// A propagation failure for one incident never blocks the others; the
// rerun picks up stragglers because the relational flip already committed.
func (s *Sweeper) Sweep(ctx context.Context) ([]int64, error) {
	now := s.now().UTC()
	expired, err := s.store.ExpireOverdue(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("expire overdue: %w", err)
	}
	for _, id := range expired {
		if err := s.vectors.UpdateStatusByIncident(ctx, id, types.IncidentExpired); err != nil {
			s.logger.Warn("vector status propagation failed, will converge on next sweep",
				zap.Int64("incident_id", id),
				zap.Error(err),
			)
		}
	}
	if len(expired) > 0 {
		if sweepMetrics.expired != nil {
			sweepMetrics.expired.Add(ctx, int64(len(expired)))
		}
		s.logger.Info("sweep expired incidents", zap.Int64s("incident_ids", expired))
	}
	return expired, nil
}

var sweepMetrics struct {
	expired metric.Int64Counter
}

var sweepMetricsOnce sync.Once

func initSweepMetrics() {
	m := telemetry.Meter("github.com/ucrsph/incident-engine/lifecycle")
	sweepMetrics.expired, _ = m.Int64Counter("ucrs.lifecycle.expired",
		metric.WithDescription("Incidents expired by the lifecycle sweep"),
		metric.WithUnit("{incident}"),
	)
}
