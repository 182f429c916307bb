// Package severity computes the weighted severity score for an incident.
// Everything here is pure: no I/O, no clocks, no suspension.
package severity

import (
	"math"

	"github.com/ucrsph/incident-engine/internal/types"
)

const (
	countWeightFactor    = 1.5
	velocityWeightFactor = 2.0

	// DefaultBaseWeight applies to categories with neither a config row nor
	// a built-in weight.
	DefaultBaseWeight = 2.0
)

// categoryBaseWeights mirrors the seed values of category_configs (1-5
// scale). The database is the source of truth; this is the fallback for
// unconfigured categories.
var categoryBaseWeights = map[int64]float64{
	1:  3.0, // noise disturbance
	2:  4.0, // illegal dumping
	3:  3.5, // road damage
	4:  2.5, // street light outage
	5:  5.0, // flooding / drainage
	6:  4.5, // illegal construction
	7:  2.0, // stray animals
	8:  3.0, // public intoxication
	9:  2.5, // illegal vending
	10: 4.0, // water supply
	11: 3.5, // garbage collection
	12: 2.0, // vandalism
	13: 2.0, // other
}

// BaseWeight returns the built-in base weight for a category.
func BaseWeight(categoryID int64) float64 {
	if w, ok := categoryBaseWeights[categoryID]; ok {
		return w
	}
	return DefaultBaseWeight
}

// Velocity measures complaint arrivals over a trailing window.
type Velocity struct {
	WindowHours    float64
	ComplaintCount int
}

// PerHour returns the complaint rate. A non-positive window rates 0.
func (v Velocity) PerHour() float64 {
	if v.WindowHours <= 0 {
		return 0
	}
	return float64(v.ComplaintCount) / v.WindowHours
}

// Score computes the severity score:
//
//	base_weight + log2(max(count, 1)) * 1.5 + complaints_per_hour * 2.0
//
// clamped to [1.0, 10.0] and rounded to two decimals. Logarithmic in count
// (the 10th complaint matters far less than the 2nd), linear in rate,
// additive on the category baseline.
func Score(baseWeight float64, complaintCount int, velocity Velocity) float64 {
	count := complaintCount
	if count < 1 {
		count = 1
	}
	raw := baseWeight + math.Log2(float64(count))*countWeightFactor + velocity.PerHour()*velocityWeightFactor
	return types.ClampSeverity(raw)
}
