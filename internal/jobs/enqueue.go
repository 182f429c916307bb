package jobs

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/ucrsph/incident-engine/internal/severity"
	"github.com/ucrsph/incident-engine/internal/storage"
	"github.com/ucrsph/incident-engine/internal/types"
)

// Enqueuer is the inbound contract for the complaint API: once a complaint
// row exists, EnqueueCluster hands it to the engine. The category knobs are
// resolved here so the job payload is self-contained.
type Enqueuer struct {
	queue  *Queue
	store  storage.IncidentStore
	logger *zap.Logger
}

// NewEnqueuer builds the inbound enqueue surface.
func NewEnqueuer(queue *Queue, store storage.IncidentStore, logger *zap.Logger) *Enqueuer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Enqueuer{queue: queue, store: store, logger: logger}
}

// EnqueueCluster resolves the category config for the complaint and pushes
// a cluster job. The caller's window/weight/threshold fields are ignored;
// the stored config (or its defaults) always wins.
func (e *Enqueuer) EnqueueCluster(ctx context.Context, in types.ClusterInput) error {
	cfg, err := e.store.GetCategoryConfig(ctx, in.CategoryID)
	if errors.Is(err, storage.ErrNotFound) {
		cfg = types.DefaultCategoryConfig(in.CategoryID)
		cfg.BaseSeverityWeight = severity.BaseWeight(in.CategoryID)
	} else if err != nil {
		return fmt.Errorf("resolve category config for complaint %d: %w", in.ComplaintID, err)
	}
	in.TimeWindowHours = cfg.TimeWindowHours
	in.BaseSeverityWeight = cfg.BaseSeverityWeight
	in.SimilarityThreshold = cfg.SimilarityThreshold

	if err := e.queue.Push(ctx, Job{Kind: KindCluster, Cluster: &ClusterJob{Input: in}}); err != nil {
		return err
	}
	e.logger.Info("enqueued cluster job",
		zap.Int64("complaint_id", in.ComplaintID),
		zap.Int64("barangay_id", in.BarangayID),
		zap.Int64("category_id", in.CategoryID),
	)
	return nil
}

// EnqueueSeverity pushes a severity recomputation job. Also dispatched
// independently, e.g. when a complaint is resolved.
func (e *Enqueuer) EnqueueSeverity(ctx context.Context, incidentID int64) error {
	return e.queue.Push(ctx, Job{Kind: KindSeverity, Severity: &SeverityJob{IncidentID: incidentID}})
}
