// Package types defines the core domain types shared across the engine:
// incidents, memberships, category configuration, severity bands, and the
// DTOs that cross the job bus.
package types

import (
	"math"
	"time"
)

// IncidentStatus is the lifecycle state of an incident.
type IncidentStatus string

const (
	IncidentActive  IncidentStatus = "ACTIVE"
	IncidentExpired IncidentStatus = "EXPIRED"
)

// SeverityLevel is the banded label of the continuous severity score.
type SeverityLevel string

const (
	SeverityLow      SeverityLevel = "LOW"
	SeverityMedium   SeverityLevel = "MEDIUM"
	SeverityHigh     SeverityLevel = "HIGH"
	SeverityCritical SeverityLevel = "CRITICAL"
)

// SeverityLevelFromScore maps a severity score in [1,10] to its band.
// Bands: LOW < 4 <= MEDIUM < 6 <= HIGH < 8 <= CRITICAL.
func SeverityLevelFromScore(score float64) SeverityLevel {
	switch {
	case score >= 8.0:
		return SeverityCritical
	case score >= 6.0:
		return SeverityHigh
	case score >= 4.0:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// ClampSeverity bounds a raw severity score to [1.0, 10.0] and rounds it to
// two decimals so persisted scores are stable across recomputations.
func ClampSeverity(raw float64) float64 {
	clamped := math.Min(math.Max(raw, 1.0), 10.0)
	return math.Round(clamped*100) / 100
}

// ComplaintStatus mirrors the workflow states owned by the complaint API.
// The engine never mutates these; it only reads them to compose the
// user-facing merge message.
type ComplaintStatus string

const (
	ComplaintSubmitted             ComplaintStatus = "submitted"
	ComplaintUnderReview           ComplaintStatus = "under_review"
	ComplaintForwardedToLGU        ComplaintStatus = "forwarded_to_lgu"
	ComplaintForwardedToDepartment ComplaintStatus = "forwarded_to_department"
	ComplaintResolved              ComplaintStatus = "resolved"
)

// statusUrgency ranks complaint statuses most-urgent first for the merge
// message. Unknown statuses rank last.
var statusUrgency = map[ComplaintStatus]int{
	ComplaintUnderReview:           0,
	ComplaintForwardedToLGU:        1,
	ComplaintForwardedToDepartment: 2,
	ComplaintResolved:              3,
	ComplaintSubmitted:             4,
}

// MostUrgentStatus returns the highest-ranked status among the given ones,
// or "" when the slice is empty.
func MostUrgentStatus(statuses []ComplaintStatus) ComplaintStatus {
	best := ComplaintStatus("")
	bestRank := len(statusUrgency) + 1
	for _, s := range statuses {
		rank, ok := statusUrgency[s]
		if !ok {
			rank = len(statusUrgency)
		}
		if best == "" || rank < bestRank {
			best = s
			bestRank = rank
		}
	}
	return best
}

// Incident is a clustered real-world incident aggregating one or more
// complaints within a (barangay, category, time window) partition.
type Incident struct {
	ID              int64
	Title           string
	Description     string // seed complaint's description
	BarangayID      int64
	CategoryID      int64
	Status          IncidentStatus
	ComplaintCount  int
	SeverityScore   float64
	SeverityLevel   SeverityLevel
	TimeWindowHours float64
	FirstReportedAt time.Time
	LastReportedAt  time.Time
}

// IsActive reports whether the incident can still absorb new complaints.
func (i *Incident) IsActive() bool {
	return i.Status == IncidentActive
}

// RecordComplaint registers one more complaint against the incident.
func (i *Incident) RecordComplaint(now time.Time) {
	i.ComplaintCount++
	i.LastReportedAt = now
}

// UpdateSeverity clamps, rounds, and re-bands the severity score.
func (i *Incident) UpdateSeverity(raw float64) {
	i.SeverityScore = ClampSeverity(raw)
	i.SeverityLevel = SeverityLevelFromScore(i.SeverityScore)
}

// Membership links a complaint to its incident. Append-only; unique per
// (incident, complaint).
type Membership struct {
	ID              int64
	IncidentID      int64
	ComplaintID     int64
	SimilarityScore float64
	LinkedAt        time.Time
}

// CategoryConfig carries the per-category clustering knobs.
type CategoryConfig struct {
	CategoryID          int64
	BaseSeverityWeight  float64 // [1,5]
	TimeWindowHours     float64 // > 0
	SimilarityThreshold float64 // (0,1)
}

// DefaultCategoryConfig carries the fallback clustering knobs for
// categories without a config row.
func DefaultCategoryConfig(categoryID int64) CategoryConfig {
	return CategoryConfig{
		CategoryID:          categoryID,
		BaseSeverityWeight:  2.0,
		TimeWindowHours:     24.0,
		SimilarityThreshold: 0.65,
	}
}

// ClusterInput is the inbound contract from the complaint API: everything
// the engine needs to cluster one persisted complaint. The category knobs
// are resolved at enqueue time so the job payload is self-contained.
type ClusterInput struct {
	ComplaintID         int64     `json:"complaint_id"`
	UserID              int64     `json:"user_id"`
	Title               string    `json:"title"`
	Description         string    `json:"description"`
	BarangayID          int64     `json:"barangay_id"`
	CategoryID          int64     `json:"category_id"`
	TimeWindowHours     float64   `json:"time_window_hours"`
	BaseSeverityWeight  float64   `json:"base_severity_weight"`
	SimilarityThreshold float64   `json:"similarity_threshold"`
	CreatedAt           time.Time `json:"created_at"`
}

// ClusterResult is the outbound contract consumed by the API response
// builder once a cluster job completes.
type ClusterResult struct {
	IncidentID         int64           `json:"incident_id"`
	IsNewIncident      bool            `json:"is_new_incident"`
	SimilarityScore    float64         `json:"similarity_score"`
	SeverityLevel      SeverityLevel   `json:"severity_level"`
	ExistingStatus     ComplaintStatus `json:"existing_incident_status,omitempty"`
	Message            string          `json:"message,omitempty"`
}

// VectorMetadata is the structured metadata stored alongside each complaint
// vector. IncidentID of -1 means the vector is not linked yet.
type VectorMetadata struct {
	ComplaintID   int64
	BarangayID    int64
	CategoryID    int64
	IncidentID    int64
	Status        IncidentStatus
	CreatedAtUnix float64
}

// NoIncident is the sentinel incident id for unlinked vectors.
const NoIncident int64 = -1
