package index

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryAdapterSearchOrdersByScore(t *testing.T) {
	a := NewMemoryAdapter()
	ctx := context.Background()
	require.NoError(t, a.Ensure(ctx))

	require.NoError(t, a.Add(ctx, "exact", []float32{1, 0}, Meta{CreatedAt: time.Now()}))
	require.NoError(t, a.Add(ctx, "near", []float32{0.9, 0.1}, Meta{CreatedAt: time.Now()}))

	results, err := a.Search(ctx, []float32{1, 0}, 2, nil)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "exact", results[0].ID)
}

func TestMemoryAdapterSearchRespectsPredicate(t *testing.T) {
	a := NewMemoryAdapter()
	ctx := context.Background()
	require.NoError(t, a.Ensure(ctx))

	require.NoError(t, a.Add(ctx, "a", []float32{1, 0}, Meta{SessionID: "s1"}))
	require.NoError(t, a.Add(ctx, "b", []float32{1, 0}, Meta{SessionID: "s2"}))

	results, err := a.Search(ctx, []float32{1, 0}, 10, func(m Meta) bool {
		return m.SessionID == "s1"
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "a", results[0].ID)
}

func TestMemoryAdapterTieBreakByCreatedAtThenID(t *testing.T) {
	a := NewMemoryAdapter()
	ctx := context.Background()
	require.NoError(t, a.Ensure(ctx))

	older := time.Now().Add(-time.Hour)
	newer := time.Now()

	require.NoError(t, a.Add(ctx, "z", []float32{1, 0}, Meta{CreatedAt: older}))
	require.NoError(t, a.Add(ctx, "a", []float32{1, 0}, Meta{CreatedAt: newer}))

	results, err := a.Search(ctx, []float32{1, 0}, 10, nil)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "a", results[0].ID, "newer created_at should win the tie")
}

func TestMemoryAdapterDeleteAndClear(t *testing.T) {
	a := NewMemoryAdapter()
	ctx := context.Background()
	require.NoError(t, a.Ensure(ctx))
	require.NoError(t, a.Add(ctx, "a", []float32{1, 0}, Meta{}))
	require.NoError(t, a.Delete(ctx, []string{"a"}))

	items, err := a.ListItems(ctx)
	require.NoError(t, err)
	assert.Empty(t, items)

	require.NoError(t, a.Add(ctx, "b", []float32{1, 0}, Meta{}))
	require.NoError(t, a.Clear(ctx))
	items, err = a.ListItems(ctx)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestNormalizeUnitLength(t *testing.T) {
	v := Normalize([]float32{3, 4})
	assert.InDelta(t, 1.0, float64(v[0]*v[0]+v[1]*v[1]), 1e-5)
}
