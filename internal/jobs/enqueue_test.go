package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ucrsph/incident-engine/internal/types"
)

func TestEnqueueClusterResolvesCategoryConfig(t *testing.T) {
	q, _ := newTestQueue(t)
	store := newStubStore()
	store.configs[5] = types.CategoryConfig{
		CategoryID:          5,
		BaseSeverityWeight:  5.0,
		TimeWindowHours:     48,
		SimilarityThreshold: 0.70,
	}
	enq := NewEnqueuer(q, store, nil)
	ctx := context.Background()

	in := types.ClusterInput{
		ComplaintID: 101,
		Description: "baha",
		BarangayID:  12,
		CategoryID:  5,
		// Caller-supplied knobs must be overwritten by the stored config.
		TimeWindowHours:     1,
		BaseSeverityWeight:  1,
		SimilarityThreshold: 0.1,
	}
	require.NoError(t, enq.EnqueueCluster(ctx, in))

	job, ok, err := q.Pop(ctx, time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, KindCluster, job.Kind)
	got := job.Cluster.Input
	require.Equal(t, 48.0, got.TimeWindowHours)
	require.Equal(t, 5.0, got.BaseSeverityWeight)
	require.Equal(t, 0.70, got.SimilarityThreshold)
}

func TestEnqueueClusterDefaultsUnconfiguredCategory(t *testing.T) {
	q, _ := newTestQueue(t)
	enq := NewEnqueuer(q, newStubStore(), nil)
	ctx := context.Background()

	require.NoError(t, enq.EnqueueCluster(ctx, types.ClusterInput{ComplaintID: 1, Description: "x", CategoryID: 99}))

	job, ok, err := q.Pop(ctx, time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	got := job.Cluster.Input
	require.Equal(t, 24.0, got.TimeWindowHours)
	require.Equal(t, 2.0, got.BaseSeverityWeight)
	require.Equal(t, 0.65, got.SimilarityThreshold)
}

func TestEnqueueClusterUsesBuiltinWeightWhenUnconfigured(t *testing.T) {
	q, _ := newTestQueue(t)
	enq := NewEnqueuer(q, newStubStore(), nil)
	ctx := context.Background()

	// Flooding has no config row here; the built-in weight table supplies
	// the base weight while window and threshold stay at the defaults.
	require.NoError(t, enq.EnqueueCluster(ctx, types.ClusterInput{ComplaintID: 2, Description: "baha", CategoryID: 5}))

	job, ok, err := q.Pop(ctx, time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	got := job.Cluster.Input
	require.Equal(t, 5.0, got.BaseSeverityWeight)
	require.Equal(t, 24.0, got.TimeWindowHours)
	require.Equal(t, 0.65, got.SimilarityThreshold)
}

func TestEnqueueSeverity(t *testing.T) {
	q, _ := newTestQueue(t)
	enq := NewEnqueuer(q, newStubStore(), nil)
	ctx := context.Background()

	require.NoError(t, enq.EnqueueSeverity(ctx, 7))

	job, ok, err := q.Pop(ctx, time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, KindSeverity, job.Kind)
	require.Equal(t, int64(7), job.Severity.IncidentID)
}
