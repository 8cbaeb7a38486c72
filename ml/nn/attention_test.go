package nn_test

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/intUnderflow/neurst/kvcache"
	"github.com/intUnderflow/neurst/ml"
	"github.com/intUnderflow/neurst/ml/nn"
)

func newSelfAttention(tb testing.TB, ctx ml.Context, units, heads int, name string) *nn.MultiHeadSelfAttention {
	tb.Helper()

	layer, err := nn.NewMultiHeadSelfAttention(nn.AttentionConfig{
		NumHeads: heads,
		NumUnits: units,
		Name:     name,
	})
	require.NoError(tb, err)
	require.NoError(tb, layer.Build(ctx, units))

	return layer
}

func TestSelfAttentionShapes(t *testing.T) {
	ctx := setup(t)

	layer := newSelfAttention(t, ctx, 8, 2, "sa")
	x := ctx.Uniform(-1, 1, 2, 4, 8)

	got := layer.Forward(ctx, x)
	if diff := cmp.Diff([]int{2, 4, 8}, got.Shape()); diff != "" {
		t.Error(diff)
	}
}

// A padded key position must not influence the output at any valid
// query position.
func TestSelfAttentionPaddingMask(t *testing.T) {
	ctx := setup(t)

	layer := newSelfAttention(t, ctx, 8, 2, "sa")

	base := make([]float32, 3*8)
	for i := range base {
		base[i] = float32(i%5) - 2
	}

	perturbed := make([]float32, len(base))
	copy(perturbed, base)
	for i := 2 * 8; i < 3*8; i++ {
		perturbed[i] += 100
	}

	mask := nn.PaddingBias(ctx, []int{2}, 3)

	a := layer.Forward(ctx, fromFloats(t, ctx, base, 1, 3, 8), nn.WithMask(mask)).Floats()
	b := layer.Forward(ctx, fromFloats(t, ctx, perturbed, 1, 3, 8), nn.WithMask(mask)).Floats()

	for i := 0; i < 2*8; i++ {
		if math.Abs(float64(a[i]-b[i])) > 1e-5 {
			t.Fatalf("valid position output changed: a[%d]=%v b[%d]=%v", i, a[i], i, b[i])
		}
	}
}

// Decoding one step at a time with a cache must reproduce the full
// causal-masked pass.
func TestSelfAttentionIncrementalDecoding(t *testing.T) {
	ctx := setup(t)

	const (
		length = 4
		hidden = 8
	)

	layer := newSelfAttention(t, ctx, hidden, 2, "sa")

	data := make([]float32, length*hidden)
	for i := range data {
		data[i] = float32(i%7)*0.25 - 0.75
	}
	x := fromFloats(t, ctx, data, 1, length, hidden)

	full := layer.Forward(ctx, x, nn.WithMask(nn.CausalBias(ctx, length))).Floats()

	cache := kvcache.NewDecoderCache()
	cache.SetLayer(0)

	for step := 0; step < length; step++ {
		in := fromFloats(t, ctx, data[step*hidden:(step+1)*hidden], 1, 1, hidden)
		out := layer.Forward(ctx, in, nn.WithCache(cache)).Floats()

		require.Equal(t, step+1, cache.Len())
		for i, got := range out {
			want := full[step*hidden+i]
			if math.Abs(float64(got-want)) > 1e-4 {
				t.Fatalf("step %d: output[%d] = %v, full pass has %v", step, i, got, want)
			}
		}
	}
}

func TestCrossAttention(t *testing.T) {
	ctx := setup(t)

	layer, err := nn.NewMultiHeadAttention(nn.AttentionConfig{
		NumHeads: 2,
		NumUnits: 8,
		Name:     "cross",
	})
	require.NoError(t, err)
	require.NoError(t, layer.Build(ctx, 6, 4))

	query := ctx.Uniform(-1, 1, 1, 2, 6)
	memory := ctx.Uniform(-1, 1, 1, 5, 4)

	t.Run("shapes", func(t *testing.T) {
		got := layer.Forward(ctx, query, nn.WithMemory(memory))
		if diff := cmp.Diff([]int{1, 2, 8}, got.Shape()); diff != "" {
			t.Error(diff)
		}
	})

	t.Run("cached memory skips reprojection", func(t *testing.T) {
		cache := kvcache.NewMemoryCache()
		cache.SetLayer(0)

		first := layer.Forward(ctx, query, nn.WithMemory(memory), nn.WithCache(cache))
		require.Equal(t, 5, cache.Len())

		// The memory is gone but its projection is cached.
		second := layer.Forward(ctx, query, nn.WithCache(cache))
		if diff := cmp.Diff(first.Floats(), second.Floats()); diff != "" {
			t.Error(diff)
		}
	})

	t.Run("no memory and no cache", func(t *testing.T) {
		require.Panics(t, func() { layer.Forward(ctx, query) })
	})
}

func TestAttentionConfigErrors(t *testing.T) {
	cases := []struct {
		name string
		cfg  nn.AttentionConfig
	}{
		{"no heads", nn.AttentionConfig{NumUnits: 8}},
		{"no units", nn.AttentionConfig{NumHeads: 2}},
		{"indivisible units", nn.AttentionConfig{NumHeads: 2, NumUnits: 7}},
		{"dropout too high", nn.AttentionConfig{NumHeads: 2, NumUnits: 8, AttentionDropout: 1}},
		{"negative output units", nn.AttentionConfig{NumHeads: 2, NumUnits: 8, OutputUnits: -1}},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			_, err := nn.NewMultiHeadSelfAttention(tt.cfg)
			require.Error(t, err)

			_, err = nn.NewMultiHeadAttention(tt.cfg)
			require.Error(t, err)
		})
	}
}

func TestAttentionLifecycle(t *testing.T) {
	ctx := setup(t)

	layer, err := nn.NewMultiHeadSelfAttention(nn.AttentionConfig{
		NumHeads: 2,
		NumUnits: 8,
		Name:     "sa",
	})
	require.NoError(t, err)

	require.Panics(t, func() { layer.Forward(ctx, ctx.Ones(ml.DTypeF32, 1, 1, 8)) })

	require.NoError(t, layer.Build(ctx, 8))
	require.Error(t, layer.Build(ctx, 8))
}
