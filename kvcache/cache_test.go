package kvcache_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/intUnderflow/neurst/kvcache"
	"github.com/intUnderflow/neurst/ml"

	_ "github.com/intUnderflow/neurst/ml/backend/cpu"
)

func setup(tb testing.TB) ml.Context {
	tb.Helper()

	b, err := ml.NewBackend("cpu", ml.BackendParams{Seed: 42})
	require.NoError(tb, err)

	ctx := b.NewContext()
	tb.Cleanup(func() { ctx.Close() })

	return ctx
}

// step builds a [1, 1, heads, unitsPerHead] key or value filled with a
// single marker value.
func step(tb testing.TB, ctx ml.Context, fill float32) ml.Tensor {
	tb.Helper()

	data := []float32{fill, fill, fill, fill}
	t, err := ctx.FromFloatSlice(data, 1, 1, 2, 2)
	require.NoError(tb, err)

	return t
}

func TestDecoderCacheGrows(t *testing.T) {
	ctx := setup(t)

	cache := kvcache.NewDecoderCache()
	cache.SetLayer(0)
	require.Equal(t, 0, cache.Len())

	key, value := cache.Get(ctx)
	require.Nil(t, key)
	require.Nil(t, value)

	for i := 1; i <= 3; i++ {
		key, value = cache.Put(ctx, step(t, ctx, float32(i)), step(t, ctx, float32(-i)))
		require.Equal(t, i, cache.Len())
		if diff := cmp.Diff([]int{1, i, 2, 2}, key.Shape()); diff != "" {
			t.Error(diff)
		}
		if diff := cmp.Diff([]int{1, i, 2, 2}, value.Shape()); diff != "" {
			t.Error(diff)
		}
	}

	// History is ordered oldest first along the length axis.
	want := []float32{1, 1, 1, 1, 2, 2, 2, 2, 3, 3, 3, 3}
	if diff := cmp.Diff(want, key.Floats()); diff != "" {
		t.Error(diff)
	}
}

// Tensors handed out by Put must not change when later steps extend
// the history.
func TestDecoderCacheCopyOnWrite(t *testing.T) {
	ctx := setup(t)

	cache := kvcache.NewDecoderCache()
	cache.SetLayer(0)

	first, _ := cache.Put(ctx, step(t, ctx, 1), step(t, ctx, -1))
	snapshot := first.Floats()

	cache.Put(ctx, step(t, ctx, 2), step(t, ctx, -2))
	cache.Put(ctx, step(t, ctx, 3), step(t, ctx, -3))

	if diff := cmp.Diff([]int{1, 1, 2, 2}, first.Shape()); diff != "" {
		t.Error(diff)
	}
	if diff := cmp.Diff(snapshot, first.Floats()); diff != "" {
		t.Error(diff)
	}
}

func TestDecoderCacheLayers(t *testing.T) {
	ctx := setup(t)

	cache := kvcache.NewDecoderCache()

	cache.SetLayer(0)
	cache.Put(ctx, step(t, ctx, 1), step(t, ctx, -1))
	cache.Put(ctx, step(t, ctx, 2), step(t, ctx, -2))

	cache.SetLayer(1)
	require.Equal(t, 0, cache.Len())
	cache.Put(ctx, step(t, ctx, 9), step(t, ctx, -9))
	require.Equal(t, 1, cache.Len())

	cache.SetLayer(0)
	require.Equal(t, 2, cache.Len())

	cache.Reset()
	require.Equal(t, 0, cache.Len())
	key, value := cache.Get(ctx)
	require.Nil(t, key)
	require.Nil(t, value)
}

func TestMemoryCacheReplaces(t *testing.T) {
	ctx := setup(t)

	cache := kvcache.NewMemoryCache()
	cache.SetLayer(0)

	memory, err := ctx.FromFloatSlice(make([]float32, 1*5*2*2), 1, 5, 2, 2)
	require.NoError(t, err)

	key, value := cache.Put(ctx, memory, memory)
	require.Equal(t, 5, cache.Len())
	require.Same(t, memory, key)
	require.Same(t, memory, value)

	gotKey, gotValue := cache.Get(ctx)
	require.Same(t, memory, gotKey)
	require.Same(t, memory, gotValue)

	// Putting again replaces rather than concatenates.
	shorter, err := ctx.FromFloatSlice(make([]float32, 1*3*2*2), 1, 3, 2, 2)
	require.NoError(t, err)

	cache.Put(ctx, shorter, shorter)
	require.Equal(t, 3, cache.Len())
}
