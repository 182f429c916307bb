// Package vector defines the complaint-vector index capability: persistent
// unit vectors with structured metadata, filtered nearest-neighbour search,
// and local cosine similarity.
package vector

import (
	"context"

	"github.com/ucrsph/incident-engine/internal/types"
)

// Match is one nearest-neighbour result.
type Match struct {
	ComplaintID int64
	Score       float64
	Meta        types.VectorMetadata
}

// MetadataUpdate is a partial metadata update; nil fields are left untouched.
type MetadataUpdate struct {
	IncidentID *int64
	Status     *types.IncidentStatus
}

// VectorStore is the vector index capability the use cases depend on.
// Implementations must be safe for concurrent use by multiple workers.
// Transient errors surface to the caller for retry; missing ids on fetch
// return nil rather than fail.
type VectorStore interface {
	// Upsert stores a complaint vector with its metadata. Idempotent by
	// complaint id; overwrites metadata.
	Upsert(ctx context.Context, complaintID int64, vec []float32, meta types.VectorMetadata) error

	// QuerySimilar returns the topK nearest ACTIVE vectors in the
	// (barangay, category) partition created at or after sinceUnix, sorted
	// by score descending with ties broken by larger created_at then larger
	// complaint id.
	QuerySimilar(ctx context.Context, query []float32, barangayID, categoryID int64, sinceUnix float64, topK int) ([]Match, error)

	// FetchIncidentVector returns the seed (earliest) complaint vector
	// linked to the incident, or nil when none exists.
	FetchIncidentVector(ctx context.Context, incidentID int64) ([]float32, error)

	// BatchFetchIncidentVectors is the best-effort batched variant; missing
	// incidents are simply absent from the result map.
	BatchFetchIncidentVectors(ctx context.Context, incidentIDs []int64) (map[int64][]float32, error)

	// UpdateMetadata partially updates a vector's metadata.
	UpdateMetadata(ctx context.Context, complaintID int64, update MetadataUpdate) error

	// UpdateStatusByIncident updates the status of every vector linked to
	// the incident. Used by the lifecycle sweep.
	UpdateStatusByIncident(ctx context.Context, incidentID int64, status types.IncidentStatus) error

	Close() error
}

// Cosine computes the cosine similarity of two unit vectors. Inputs are
// assumed normalized, so this is a plain dot product. Deterministic and
// never suspends. Mismatched lengths score 0.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}
