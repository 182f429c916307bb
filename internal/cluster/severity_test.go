package cluster

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ucrsph/incident-engine/internal/fault"
	"github.com/ucrsph/incident-engine/internal/types"
)

func newRefresherFixture() (*SeverityRefresher, *fakeStore) {
	store := newFakeStore()
	r := NewSeverityRefresher(store, nil).WithClock(func() time.Time { return fixedNow })
	return r, store
}

func seedRefreshIncident(store *fakeStore, categoryID int64) *types.Incident {
	inc := store.addIncident(types.Incident{
		ID:              1,
		BarangayID:      12,
		CategoryID:      categoryID,
		Status:          types.IncidentActive,
		ComplaintCount:  2,
		SeverityScore:   5.0,
		SeverityLevel:   types.SeverityMedium,
		TimeWindowHours: 24,
		FirstReportedAt: fixedNow.Add(-2 * time.Hour),
		LastReportedAt:  fixedNow.Add(-time.Hour),
	})
	store.LinkComplaint(context.Background(), 1, 101, 1.0, fixedNow.Add(-2*time.Hour))
	store.LinkComplaint(context.Background(), 1, 102, 0.8, fixedNow.Add(-time.Hour))
	return inc
}

func TestRefreshRecomputesScoreAndBand(t *testing.T) {
	r, store := newRefresherFixture()
	seedRefreshIncident(store, 5)
	store.configs[5] = types.CategoryConfig{
		CategoryID:          5,
		BaseSeverityWeight:  5.0,
		TimeWindowHours:     24,
		SimilarityThreshold: 0.65,
	}

	// 5.0 + log2(2)*1.5 + (2/24)*2.0 = 6.67, HIGH.
	inc, err := r.Refresh(context.Background(), 1)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if inc.SeverityScore != 6.67 {
		t.Errorf("SeverityScore = %v, want 6.67", inc.SeverityScore)
	}
	if inc.SeverityLevel != types.SeverityHigh {
		t.Errorf("SeverityLevel = %s, want HIGH", inc.SeverityLevel)
	}

	persisted, _ := store.GetIncident(context.Background(), 1)
	if persisted.SeverityScore != 6.67 || persisted.SeverityLevel != types.SeverityHigh {
		t.Errorf("persisted = (%v, %s)", persisted.SeverityScore, persisted.SeverityLevel)
	}
}

func TestRefreshUsesBuiltinWeightWhenUnconfigured(t *testing.T) {
	r, store := newRefresherFixture()
	seedRefreshIncident(store, 5) // flooding: built-in weight 5.0, no config row

	// 5.0 + log2(2)*1.5 + (2/24)*2.0 = 6.67, HIGH.
	inc, err := r.Refresh(context.Background(), 1)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if inc.SeverityScore != 6.67 {
		t.Errorf("SeverityScore = %v, want 6.67", inc.SeverityScore)
	}
	if inc.SeverityLevel != types.SeverityHigh {
		t.Errorf("SeverityLevel = %s, want HIGH", inc.SeverityLevel)
	}
}

func TestRefreshFallsBackToBuiltinWeight(t *testing.T) {
	r, store := newRefresherFixture()
	seedRefreshIncident(store, 7) // stray animals: built-in weight 2.0
	store.configErr = errBoom

	// 2.0 + log2(2)*1.5 + (2/24)*2.0 = 3.67, LOW.
	inc, err := r.Refresh(context.Background(), 1)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if inc.SeverityScore != 3.67 {
		t.Errorf("SeverityScore = %v, want 3.67", inc.SeverityScore)
	}
	if inc.SeverityLevel != types.SeverityLow {
		t.Errorf("SeverityLevel = %s, want LOW", inc.SeverityLevel)
	}
}

func TestRefreshOnlyCountsMembershipsInWindow(t *testing.T) {
	r, store := newRefresherFixture()
	seedRefreshIncident(store, 5)
	store.configs[5] = types.CategoryConfig{CategoryID: 5, BaseSeverityWeight: 5.0, TimeWindowHours: 24, SimilarityThreshold: 0.65}
	// An old link outside the window adds no velocity.
	store.LinkComplaint(context.Background(), 1, 103, 0.9, fixedNow.Add(-48*time.Hour))

	inc, err := r.Refresh(context.Background(), 1)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	// Count term still uses total ComplaintCount (2); velocity uses the two
	// in-window links only.
	if inc.SeverityScore != 6.67 {
		t.Errorf("SeverityScore = %v, want 6.67", inc.SeverityScore)
	}
}

func TestRefreshMissingIncidentIsNotFound(t *testing.T) {
	r, _ := newRefresherFixture()
	_, err := r.Refresh(context.Background(), 99)
	if !errors.Is(err, fault.ErrNotFound) {
		t.Errorf("error = %v, want NotFound", err)
	}
}

func TestRefreshCountFailureIsTransient(t *testing.T) {
	r, store := newRefresherFixture()
	seedRefreshIncident(store, 5)
	store.countErr = errBoom

	_, err := r.Refresh(context.Background(), 1)
	if !errors.Is(err, fault.ErrTransient) {
		t.Errorf("error = %v, want Transient", err)
	}
}

func TestRefreshPersistFailureIsTransient(t *testing.T) {
	r, store := newRefresherFixture()
	seedRefreshIncident(store, 5)
	store.updateErr = errBoom

	_, err := r.Refresh(context.Background(), 1)
	if !errors.Is(err, fault.ErrTransient) {
		t.Errorf("error = %v, want Transient", err)
	}
}
