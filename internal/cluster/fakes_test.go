package cluster

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/ucrsph/incident-engine/internal/arbiter"
	"github.com/ucrsph/incident-engine/internal/storage"
	"github.com/ucrsph/incident-engine/internal/types"
	"github.com/ucrsph/incident-engine/internal/vector"
)

// fakeStore is an in-memory IncidentStore with real transaction rollback:
// Merge snapshots state up front and restores it when fn errors.
type fakeStore struct {
	mu          sync.Mutex
	incidents   map[int64]*types.Incident
	memberships map[int64]*types.Membership // keyed by complaint id
	configs     map[int64]types.CategoryConfig
	statuses    map[int64][]types.ComplaintStatus // keyed by incident id
	nextID      int64

	// hideMemberships makes MembershipForComplaint always miss, so tests can
	// drive the engine past the replay guard into the duplicate-link path.
	hideMemberships bool

	// beforeMerge runs at the top of Merge, simulating a concurrent writer.
	beforeMerge func(s *fakeStore)

	getErr    error
	listErr   error
	updateErr error
	countErr  error
	configErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		incidents:   map[int64]*types.Incident{},
		memberships: map[int64]*types.Membership{},
		configs:     map[int64]types.CategoryConfig{},
		statuses:    map[int64][]types.ComplaintStatus{},
	}
}

func (s *fakeStore) addIncident(inc types.Incident) *types.Incident {
	s.mu.Lock()
	defer s.mu.Unlock()
	if inc.ID == 0 {
		s.nextID++
		inc.ID = s.nextID
	} else if inc.ID > s.nextID {
		s.nextID = inc.ID
	}
	s.incidents[inc.ID] = &inc
	return &inc
}

func copyIncident(inc *types.Incident) *types.Incident {
	c := *inc
	return &c
}

func (s *fakeStore) GetIncident(ctx context.Context, id int64) (*types.Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	inc, ok := s.incidents[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return copyIncident(inc), nil
}

func (s *fakeStore) CreateIncident(ctx context.Context, inc *types.Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	inc.ID = s.nextID
	s.incidents[inc.ID] = copyIncident(inc)
	return nil
}

func (s *fakeStore) UpdateIncident(ctx context.Context, inc *types.Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		return s.updateErr
	}
	if _, ok := s.incidents[inc.ID]; !ok {
		return storage.ErrNotFound
	}
	s.incidents[inc.ID] = copyIncident(inc)
	return nil
}

func (s *fakeStore) LinkComplaint(ctx context.Context, incidentID, complaintID int64, similarity float64, linkedAt time.Time) (*types.Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.memberships[complaintID]; ok {
		return nil, storage.ErrDuplicateMembership
	}
	m := &types.Membership{
		ID:              int64(len(s.memberships) + 1),
		IncidentID:      incidentID,
		ComplaintID:     complaintID,
		SimilarityScore: similarity,
		LinkedAt:        linkedAt,
	}
	s.memberships[complaintID] = m
	return m, nil
}

func (s *fakeStore) MembershipForComplaint(ctx context.Context, complaintID int64) (*types.Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hideMemberships {
		return nil, storage.ErrNotFound
	}
	m, ok := s.memberships[complaintID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	c := *m
	return &c, nil
}

func (s *fakeStore) ListActiveInWindow(ctx context.Context, barangayID, categoryID int64, windowHours float64, now time.Time) ([]*types.Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	cutoff := now.Add(-time.Duration(windowHours * float64(time.Hour)))
	var out []*types.Incident
	for _, inc := range s.incidents {
		if inc.BarangayID == barangayID && inc.CategoryID == categoryID &&
			inc.Status == types.IncidentActive && !inc.LastReportedAt.Before(cutoff) {
			out = append(out, copyIncident(inc))
		}
	}
	return out, nil
}

func (s *fakeStore) CountMembershipsInWindow(ctx context.Context, incidentID int64, windowHours float64, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.countErr != nil {
		return 0, s.countErr
	}
	cutoff := now.Add(-time.Duration(windowHours * float64(time.Hour)))
	count := 0
	for _, m := range s.memberships {
		if m.IncidentID == incidentID && !m.LinkedAt.Before(cutoff) {
			count++
		}
	}
	return count, nil
}

func (s *fakeStore) GetCategoryConfig(ctx context.Context, categoryID int64) (types.CategoryConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.configErr != nil {
		return types.CategoryConfig{}, s.configErr
	}
	if cfg, ok := s.configs[categoryID]; ok {
		return cfg, nil
	}
	return types.CategoryConfig{}, storage.ErrNotFound
}

func (s *fakeStore) ComplaintStatusesForIncident(ctx context.Context, incidentID int64) ([]types.ComplaintStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.ComplaintStatus(nil), s.statuses[incidentID]...), nil
}

func (s *fakeStore) ExpireOverdue(ctx context.Context, now time.Time) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []int64
	for _, inc := range s.incidents {
		deadline := inc.LastReportedAt.Add(time.Duration(inc.TimeWindowHours * float64(time.Hour)))
		if inc.Status == types.IncidentActive && !deadline.After(now) {
			inc.Status = types.IncidentExpired
			ids = append(ids, inc.ID)
		}
	}
	return ids, nil
}

func (s *fakeStore) Merge(ctx context.Context, fn func(tx storage.MergeTx) error) error {
	if s.beforeMerge != nil {
		s.beforeMerge(s)
	}

	s.mu.Lock()
	snapIncidents := make(map[int64]*types.Incident, len(s.incidents))
	for id, inc := range s.incidents {
		snapIncidents[id] = copyIncident(inc)
	}
	snapMemberships := make(map[int64]*types.Membership, len(s.memberships))
	for id, m := range s.memberships {
		c := *m
		snapMemberships[id] = &c
	}
	snapNextID := s.nextID
	s.mu.Unlock()

	if err := fn(&fakeMergeTx{store: s}); err != nil {
		s.mu.Lock()
		s.incidents = snapIncidents
		s.memberships = snapMemberships
		s.nextID = snapNextID
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *fakeStore) Close() error { return nil }

type fakeMergeTx struct {
	store *fakeStore
}

func (t *fakeMergeTx) GetIncidentForUpdate(ctx context.Context, id int64) (*types.Incident, error) {
	return t.store.GetIncident(ctx, id)
}

func (t *fakeMergeTx) CreateIncident(ctx context.Context, inc *types.Incident) error {
	return t.store.CreateIncident(ctx, inc)
}

func (t *fakeMergeTx) UpdateIncident(ctx context.Context, inc *types.Incident) error {
	return t.store.UpdateIncident(ctx, inc)
}

func (t *fakeMergeTx) LinkComplaint(ctx context.Context, incidentID, complaintID int64, similarity float64, linkedAt time.Time) (*types.Membership, error) {
	return t.store.LinkComplaint(ctx, incidentID, complaintID, similarity, linkedAt)
}

// fakeVectors is an in-memory VectorStore. Seed vectors per incident are
// set directly by tests; upserts are recorded for assertions.
type fakeVectors struct {
	mu       sync.Mutex
	seeds    map[int64][]float32 // incident id -> seed vector
	upserts  map[int64]types.VectorMetadata
	statuses map[int64]types.IncidentStatus // incident id -> last status push

	batchErr  error
	upsertErr error
	statusErr map[int64]error
}

func newFakeVectors() *fakeVectors {
	return &fakeVectors{
		seeds:    map[int64][]float32{},
		upserts:  map[int64]types.VectorMetadata{},
		statuses: map[int64]types.IncidentStatus{},
	}
}

func (v *fakeVectors) Upsert(ctx context.Context, complaintID int64, vec []float32, meta types.VectorMetadata) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.upsertErr != nil {
		return v.upsertErr
	}
	v.upserts[complaintID] = meta
	return nil
}

func (v *fakeVectors) QuerySimilar(ctx context.Context, query []float32, barangayID, categoryID int64, sinceUnix float64, topK int) ([]vector.Match, error) {
	return nil, nil
}

func (v *fakeVectors) FetchIncidentVector(ctx context.Context, incidentID int64) ([]float32, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.seeds[incidentID], nil
}

func (v *fakeVectors) BatchFetchIncidentVectors(ctx context.Context, incidentIDs []int64) (map[int64][]float32, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.batchErr != nil {
		return nil, v.batchErr
	}
	out := map[int64][]float32{}
	for _, id := range incidentIDs {
		if seed, ok := v.seeds[id]; ok {
			out[id] = seed
		}
	}
	return out, nil
}

func (v *fakeVectors) UpdateMetadata(ctx context.Context, complaintID int64, update vector.MetadataUpdate) error {
	return nil
}

func (v *fakeVectors) UpdateStatusByIncident(ctx context.Context, incidentID int64, status types.IncidentStatus) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.statusErr[incidentID]; err != nil {
		return err
	}
	v.statuses[incidentID] = status
	return nil
}

func (v *fakeVectors) Close() error { return nil }

// fakeEmbedder maps texts to fixed vectors; unmapped texts get the default.
type fakeEmbedder struct {
	dim     int
	byText  map[string][]float32
	def     []float32
	err     error
	calls   int
	callsMu sync.Mutex
}

func newFakeEmbedder(def []float32) *fakeEmbedder {
	return &fakeEmbedder{dim: len(def), byText: map[string][]float32{}, def: def}
}

func (e *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.callsMu.Lock()
	e.calls++
	e.callsMu.Unlock()
	if e.err != nil {
		return nil, e.err
	}
	if v, ok := e.byText[text]; ok {
		return v, nil
	}
	return e.def, nil
}

func (e *fakeEmbedder) Dim() int { return e.dim }

// fakeArbiter records calls and answers from a script.
type fakeArbiter struct {
	mu     sync.Mutex
	answer bool
	err    error
	calls  []arbiterCall
}

type arbiterCall struct {
	a, b string
	band arbiter.Band
}

func (f *fakeArbiter) SameIncident(ctx context.Context, a, b string, band arbiter.Band) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, arbiterCall{a: a, b: b, band: band})
	if f.err != nil {
		return false, f.err
	}
	return f.answer, nil
}

func (f *fakeArbiter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// unitVectorWithCosine returns a 2D unit vector whose dot product with
// [1, 0] equals score.
func unitVectorWithCosine(score float64) []float32 {
	if score > 1 {
		score = 1
	}
	return []float32{float32(score), float32(math.Sqrt(1 - score*score))}
}

var errBoom = errors.New("boom")
