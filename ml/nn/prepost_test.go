package nn_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/intUnderflow/neurst/ml"
	"github.com/intUnderflow/neurst/ml/nn"
)

// zeroSublayer discards its input, so the residual wrapper around it
// reduces to the identity.
type zeroSublayer struct{}

func (zeroSublayer) Forward(ctx ml.Context, x ml.Tensor, opts ...nn.Option) ml.Tensor {
	return x.Scale(ctx, 0)
}

// recordingSublayer passes its input through and notes whether the
// wrapper forwarded the training flag.
type recordingSublayer struct {
	training bool
}

func (l *recordingSublayer) Forward(ctx ml.Context, x ml.Tensor, opts ...nn.Option) ml.Tensor {
	for _, opt := range opts {
		var o nn.Options
		opt(&o)
		if o.Training {
			l.training = true
		}
	}

	return x
}

func TestPrePostResidual(t *testing.T) {
	ctx := setup(t)

	t.Run("zero sublayer is the identity", func(t *testing.T) {
		wrapper, err := nn.NewPrePost(zeroSublayer{}, nn.PrePostConfig{Name: "zero"})
		require.NoError(t, err)
		require.NoError(t, wrapper.Build(ctx, 4))

		x := fromFloats(t, ctx, []float32{1, -2, 3, -4, 5, -6, 7, -8}, 1, 2, 4)
		got := wrapper.Forward(ctx, x)
		if diff := cmp.Diff(x.Floats(), got.Floats()); diff != "" {
			t.Error(diff)
		}
	})

	t.Run("passthrough sublayer adds the normalized input", func(t *testing.T) {
		inner := &recordingSublayer{}
		wrapper, err := nn.NewPrePost(inner, nn.PrePostConfig{Name: "pass"})
		require.NoError(t, err)
		require.NoError(t, wrapper.Build(ctx, 4))

		x := fromFloats(t, ctx, []float32{1, 2, 3, 4}, 1, 1, 4)
		norm, err := nn.NewLayerNorm(nn.LayerNormConfig{Name: "ref"})
		require.NoError(t, err)
		require.NoError(t, norm.Build(ctx, 4))

		got := wrapper.Forward(ctx, x)
		want := x.Add(ctx, norm.Forward(ctx, x))
		if diff := cmp.Diff(want.Floats(), got.Floats()); diff != "" {
			t.Error(diff)
		}
	})
}

func TestPrePostForwardsOptions(t *testing.T) {
	ctx := setup(t)

	inner := &recordingSublayer{}
	wrapper, err := nn.NewPrePost(inner, nn.PrePostConfig{Name: "opts"})
	require.NoError(t, err)
	require.NoError(t, wrapper.Build(ctx, 4))

	wrapper.Forward(ctx, ctx.Ones(ml.DTypeF32, 1, 1, 4), nn.WithTraining())
	require.True(t, inner.training)
}

func TestPrePostErrors(t *testing.T) {
	ctx := setup(t)

	_, err := nn.NewPrePost(nil, nn.PrePostConfig{})
	require.Error(t, err)

	_, err = nn.NewPrePost(zeroSublayer{}, nn.PrePostConfig{DropoutRate: 1})
	require.Error(t, err)

	wrapper, err := nn.NewPrePost(zeroSublayer{}, nn.PrePostConfig{Name: "life"})
	require.NoError(t, err)

	require.Panics(t, func() { wrapper.Forward(ctx, ctx.Ones(ml.DTypeF32, 1, 1, 4)) })

	require.NoError(t, wrapper.Build(ctx, 4))
	require.Error(t, wrapper.Build(ctx, 4))
}
