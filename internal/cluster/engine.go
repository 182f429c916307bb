// Package cluster implements the clustering and severity use cases: the
// decision procedure that assigns each new complaint to an active incident
// or creates a new one, and the recomputation that keeps severity fresh.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/ucrsph/incident-engine/internal/arbiter"
	"github.com/ucrsph/incident-engine/internal/embed"
	"github.com/ucrsph/incident-engine/internal/fault"
	"github.com/ucrsph/incident-engine/internal/storage"
	"github.com/ucrsph/incident-engine/internal/telemetry"
	"github.com/ucrsph/incident-engine/internal/types"
	"github.com/ucrsph/incident-engine/internal/vector"
)

// scoreEpsilon is the tolerance for all floating-point score comparisons.
const scoreEpsilon = 1e-9

// highBandMargin is added to the category threshold to separate the high
// band from the ambiguous one.
const highBandMargin = 0.10

// Engine orchestrates embed, candidate lookup, arbitration, and the
// merge-or-create decision. Construct once per process; safe for concurrent
// use by the worker pool.
type Engine struct {
	embedder embed.Embedder
	vectors  vector.VectorStore
	store    storage.IncidentStore
	arbiter  arbiter.Arbiter
	logger   *zap.Logger
	now      func() time.Time
}

// NewEngine wires the clustering use case. now defaults to time.Now.
func NewEngine(embedder embed.Embedder, vectors vector.VectorStore, store storage.IncidentStore, arb arbiter.Arbiter, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	clusterMetricsOnce.Do(initClusterMetrics)
	return &Engine{
		embedder: embedder,
		vectors:  vectors,
		store:    store,
		arbiter:  arb,
		logger:   logger,
		now:      time.Now,
	}
}

// WithClock overrides the engine clock. Tests only.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// candidate pairs an incident with its measured similarity to the probe.
type candidate struct {
	incident *types.Incident
	score    float64
}

// Cluster assigns one complaint to an incident. The relational writes are a
// single transaction; the vector upsert happens after commit and is
// idempotent, so a retried job converges to the same state.
func (e *Engine) Cluster(ctx context.Context, in types.ClusterInput) (*types.ClusterResult, error) {
	if strings.TrimSpace(in.Description) == "" {
		return nil, fault.Invalid(fmt.Errorf("complaint %d has empty description", in.ComplaintID))
	}
	if in.ComplaintID <= 0 {
		return nil, fault.Invalid(fmt.Errorf("malformed complaint id %d", in.ComplaintID))
	}
	now := e.now().UTC()

	// Re-run guard: a completed job already linked this complaint. Rebuild
	// the result from current state instead of clustering again.
	if existing, err := e.store.MembershipForComplaint(ctx, in.ComplaintID); err == nil {
		return e.replayResult(ctx, in, existing)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, fault.Transient(fmt.Errorf("membership lookup for complaint %d: %w", in.ComplaintID, err))
	}

	query, err := e.embedder.Embed(ctx, in.Description)
	if err != nil {
		return nil, fmt.Errorf("embed complaint %d: %w", in.ComplaintID, err)
	}

	best, err := e.findBestCandidate(ctx, query, in, now)
	if err != nil {
		return nil, err
	}

	merge := false
	if best != nil {
		merge = e.arbitrate(ctx, best, in)
	}

	var (
		incident   *types.Incident
		similarity float64
		isNew      bool
	)
	if merge {
		incident, similarity, isNew, err = e.mergeOrCreate(ctx, in, best, now)
	} else {
		incident, err = e.createIncident(ctx, in, now)
		similarity, isNew = 1.0, true
	}
	if err != nil {
		return nil, err
	}

	// Step 6: vector upsert after the relational commit. Idempotent by
	// complaint id, so a retry after a partial failure is safe.
	meta := types.VectorMetadata{
		ComplaintID:   in.ComplaintID,
		BarangayID:    in.BarangayID,
		CategoryID:    in.CategoryID,
		IncidentID:    incident.ID,
		Status:        types.IncidentActive,
		CreatedAtUnix: float64(in.CreatedAt.UTC().Unix()),
	}
	if err := e.vectors.Upsert(ctx, in.ComplaintID, query, meta); err != nil {
		return nil, fault.Transient(fmt.Errorf("upsert vector for complaint %d: %w", in.ComplaintID, err))
	}

	result := &types.ClusterResult{
		IncidentID:      incident.ID,
		IsNewIncident:   isNew,
		SimilarityScore: similarity,
		SeverityLevel:   incident.SeverityLevel,
	}
	if !isNew {
		e.attachMergeContext(ctx, result, incident.ID)
	}

	if clusterMetrics.decisions != nil {
		clusterMetrics.decisions.Add(ctx, 1, metric.WithAttributes(
			attribute.Bool("ucrs.cluster.new_incident", isNew),
		))
	}
	e.logger.Info("clustered complaint",
		zap.Int64("complaint_id", in.ComplaintID),
		zap.Int64("incident_id", incident.ID),
		zap.Bool("new_incident", isNew),
		zap.Float64("similarity", similarity),
	)
	return result, nil
}

// replayResult rebuilds the outcome of an already-completed job. The vector
// upsert is repeated because the first run may have died between the
// relational commit and the upsert; both operations are idempotent.
func (e *Engine) replayResult(ctx context.Context, in types.ClusterInput, m *types.Membership) (*types.ClusterResult, error) {
	incident, err := e.store.GetIncident(ctx, m.IncidentID)
	if err != nil {
		return nil, fault.Transient(fmt.Errorf("load incident %d for replay: %w", m.IncidentID, err))
	}

	query, err := e.embedder.Embed(ctx, in.Description)
	if err != nil {
		return nil, fmt.Errorf("embed complaint %d: %w", in.ComplaintID, err)
	}
	meta := types.VectorMetadata{
		ComplaintID:   in.ComplaintID,
		BarangayID:    in.BarangayID,
		CategoryID:    in.CategoryID,
		IncidentID:    incident.ID,
		Status:        incident.Status,
		CreatedAtUnix: float64(in.CreatedAt.UTC().Unix()),
	}
	if err := e.vectors.Upsert(ctx, in.ComplaintID, query, meta); err != nil {
		return nil, fault.Transient(fmt.Errorf("upsert vector for complaint %d: %w", in.ComplaintID, err))
	}

	isNew := incident.ComplaintCount == 1 && almostEqual(m.SimilarityScore, 1.0)
	result := &types.ClusterResult{
		IncidentID:      incident.ID,
		IsNewIncident:   isNew,
		SimilarityScore: m.SimilarityScore,
		SeverityLevel:   incident.SeverityLevel,
	}
	if !isNew {
		e.attachMergeContext(ctx, result, incident.ID)
	}
	e.logger.Info("replayed completed cluster job",
		zap.Int64("complaint_id", in.ComplaintID),
		zap.Int64("incident_id", incident.ID),
	)
	return result, nil
}

// findBestCandidate scores active incidents in the partition against the
// probe vector. Candidates come from the relational store (source of truth,
// avoids vector-metadata drift); their seed vectors come from the vector
// store in one batch. Candidates with missing seed vectors are skipped.
func (e *Engine) findBestCandidate(ctx context.Context, query []float32, in types.ClusterInput, now time.Time) (*candidate, error) {
	incidents, err := e.store.ListActiveInWindow(ctx, in.BarangayID, in.CategoryID, in.TimeWindowHours, now)
	if err != nil {
		return nil, fault.Transient(fmt.Errorf("list candidates: %w", err))
	}
	if len(incidents) == 0 {
		return nil, nil
	}

	ids := make([]int64, len(incidents))
	for i, inc := range incidents {
		ids[i] = inc.ID
	}
	seeds, err := e.vectors.BatchFetchIncidentVectors(ctx, ids)
	if err != nil {
		return nil, fault.Transient(fmt.Errorf("fetch seed vectors: %w", err))
	}

	var best *candidate
	for _, inc := range incidents {
		seed, ok := seeds[inc.ID]
		if !ok || seed == nil {
			continue
		}
		score := vector.Cosine(query, seed)
		e.logger.Debug("scored candidate",
			zap.Int64("incident_id", inc.ID),
			zap.Float64("score", score),
		)
		if best == nil || betterCandidate(score, inc, best) {
			best = &candidate{incident: inc, score: score}
		}
	}
	return best, nil
}

// betterCandidate implements the tie-breaking order: highest score first,
// then latest last_reported_at, then smallest incident id. Score compares
// use a 1e-9 tolerance.
func betterCandidate(score float64, inc *types.Incident, best *candidate) bool {
	switch {
	case score > best.score+scoreEpsilon:
		return true
	case score < best.score-scoreEpsilon:
		return false
	}
	if inc.LastReportedAt.After(best.incident.LastReportedAt) {
		return true
	}
	if inc.LastReportedAt.Before(best.incident.LastReportedAt) {
		return false
	}
	return inc.ID < best.incident.ID
}

// arbitrate applies the confidence-band decision. Below threshold the LLM
// is never called; in both upper bands the merge happens iff the arbiter
// answers YES. Arbiter errors degrade to NO so the pipeline stays live
// during outages, at the cost of extra new incidents.
func (e *Engine) arbitrate(ctx context.Context, best *candidate, in types.ClusterInput) bool {
	threshold := in.SimilarityThreshold
	var band arbiter.Band
	switch {
	case best.score >= threshold+highBandMargin-scoreEpsilon:
		band = arbiter.BandHigh
	case best.score >= threshold-scoreEpsilon:
		band = arbiter.BandAmbiguous
	default:
		e.logger.Debug("auto-reject below threshold",
			zap.Float64("score", best.score),
			zap.Float64("threshold", threshold),
		)
		return false
	}

	same, err := e.arbiter.SameIncident(ctx, best.incident.Description, in.Description, band)
	if err != nil {
		e.logger.Warn("arbiter unavailable, treating as new incident",
			zap.Int64("complaint_id", in.ComplaintID),
			zap.Int64("candidate_incident_id", best.incident.ID),
			zap.Error(err),
		)
		return false
	}
	return same
}

// errAlreadyLinked aborts the merge transaction when the membership turns
// out to exist already: the increment must roll back so a re-run of a
// completed job leaves complaint_count untouched.
var errAlreadyLinked = errors.New("complaint already linked")

// mergeOrCreate merges the complaint into the chosen incident inside one
// transaction. If the incident went non-ACTIVE between scoring and the
// locked re-read, it falls through to creating a fresh incident in the same
// transaction (race-condition guard).
func (e *Engine) mergeOrCreate(ctx context.Context, in types.ClusterInput, best *candidate, now time.Time) (*types.Incident, float64, bool, error) {
	var (
		incident   *types.Incident
		similarity float64
		isNew      bool
	)
	err := e.store.Merge(ctx, func(tx storage.MergeTx) error {
		current, err := tx.GetIncidentForUpdate(ctx, best.incident.ID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fault.Transient(err)
		}
		if err != nil || !current.IsActive() {
			e.logger.Warn("candidate incident no longer active, creating new",
				zap.Int64("incident_id", best.incident.ID),
				zap.Int64("complaint_id", in.ComplaintID),
			)
			incident = newIncidentFrom(in, now)
			similarity, isNew = 1.0, true
			return createWithSeed(ctx, tx, incident, in, now)
		}

		current.RecordComplaint(now)
		if err := tx.UpdateIncident(ctx, current); err != nil {
			return fault.Transient(err)
		}
		if _, err := tx.LinkComplaint(ctx, current.ID, in.ComplaintID, best.score, now); err != nil {
			if errors.Is(err, storage.ErrDuplicateMembership) {
				return errAlreadyLinked
			}
			return fault.Transient(err)
		}
		incident = current
		similarity, isNew = best.score, false
		return nil
	})
	if errors.Is(err, errAlreadyLinked) {
		// Re-run of a completed job: the link already exists and the
		// rolled-back transaction left the count alone. Same outcome.
		return best.incident, best.score, false, nil
	}
	if err != nil {
		return nil, 0, false, err
	}
	return incident, similarity, isNew, nil
}

// createIncident creates a fresh incident seeded by this complaint, with
// its membership, in one transaction.
func (e *Engine) createIncident(ctx context.Context, in types.ClusterInput, now time.Time) (*types.Incident, error) {
	incident := newIncidentFrom(in, now)
	err := e.store.Merge(ctx, func(tx storage.MergeTx) error {
		return createWithSeed(ctx, tx, incident, in, now)
	})
	if err != nil {
		return nil, err
	}
	return incident, nil
}

func createWithSeed(ctx context.Context, tx storage.MergeTx, incident *types.Incident, in types.ClusterInput, now time.Time) error {
	if err := tx.CreateIncident(ctx, incident); err != nil {
		return fault.Transient(err)
	}
	// The seed complaint IS the incident: similarity 1.0.
	if _, err := tx.LinkComplaint(ctx, incident.ID, in.ComplaintID, 1.0, now); err != nil {
		return fault.Transient(err)
	}
	return nil
}

// newIncidentFrom builds the incident an unmatched complaint seeds. The
// initial severity is the category base weight; the follow-up severity job
// refines it.
func newIncidentFrom(in types.ClusterInput, now time.Time) *types.Incident {
	score := types.ClampSeverity(in.BaseSeverityWeight)
	return &types.Incident{
		Title:           in.Title,
		Description:     in.Description,
		BarangayID:      in.BarangayID,
		CategoryID:      in.CategoryID,
		Status:          types.IncidentActive,
		ComplaintCount:  1,
		SeverityScore:   score,
		SeverityLevel:   types.SeverityLevelFromScore(score),
		TimeWindowHours: in.TimeWindowHours,
		FirstReportedAt: now,
		LastReportedAt:  now,
	}
}

// attachMergeContext fills the user-facing message and existing status for
// merge results. Best effort: a failure here never fails the job.
func (e *Engine) attachMergeContext(ctx context.Context, result *types.ClusterResult, incidentID int64) {
	statuses, err := e.store.ComplaintStatusesForIncident(ctx, incidentID)
	if err != nil {
		e.logger.Warn("could not load complaint statuses for merge message",
			zap.Int64("incident_id", incidentID),
			zap.Error(err),
		)
		return
	}
	status := types.MostUrgentStatus(statuses)
	if status == "" {
		return
	}
	result.ExistingStatus = status
	result.Message = mergeMessage(status)
}

// clusterMetrics holds lazily-initialized OTel instruments.
var clusterMetrics struct {
	decisions metric.Int64Counter
}

var clusterMetricsOnce sync.Once

func initClusterMetrics() {
	m := telemetry.Meter("github.com/ucrsph/incident-engine/cluster")
	clusterMetrics.decisions, _ = m.Int64Counter("ucrs.cluster.decisions",
		metric.WithDescription("Cluster decisions by outcome (merge vs new incident)"),
		metric.WithUnit("{decision}"),
	)
}

// almostEqual is shared by tests for score assertions.
func almostEqual(a, b float64) bool {
	return math.Abs(a-b) <= scoreEpsilon
}
