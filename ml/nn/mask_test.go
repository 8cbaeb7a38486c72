package nn_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/intUnderflow/neurst/ml/nn"
)

func TestPaddingBias(t *testing.T) {
	ctx := setup(t)

	mask := nn.PaddingBias(ctx, []int{2, 3}, 3)
	if diff := cmp.Diff([]int{2, 1, 1, 3}, mask.Shape()); diff != "" {
		t.Error(diff)
	}

	got := mask.Floats()
	want := []float32{0, 0, -1e9, 0, 0, 0}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Error(diff)
	}

	require.Panics(t, func() { nn.PaddingBias(ctx, []int{4}, 3) })
	require.Panics(t, func() { nn.PaddingBias(ctx, []int{-1}, 3) })
}

func TestCausalBias(t *testing.T) {
	ctx := setup(t)

	mask := nn.CausalBias(ctx, 3)
	if diff := cmp.Diff([]int{1, 1, 3, 3}, mask.Shape()); diff != "" {
		t.Error(diff)
	}

	got := mask.Floats()
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			val := got[i*3+j]
			if j <= i && val != 0 {
				t.Errorf("position (%d,%d) = %v, want 0", i, j, val)
			}
			if j > i && val != -1e9 {
				t.Errorf("position (%d,%d) = %v, want the mask penalty", i, j, val)
			}
		}
	}
}
