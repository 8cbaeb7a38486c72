package cpu_test

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/intUnderflow/neurst/ml"
	"github.com/intUnderflow/neurst/ml/backend/cpu"
)

func setup(tb testing.TB) (ml.Backend, ml.Context) {
	tb.Helper()

	b, err := ml.NewBackend("cpu", ml.BackendParams{Seed: 42})
	if err != nil {
		tb.Fatal(err)
	}

	ctx := b.NewContext()
	tb.Cleanup(func() { ctx.Close() })

	return b, ctx
}

func fromFloats(tb testing.TB, ctx ml.Context, s []float32, shape ...int) ml.Tensor {
	tb.Helper()

	t, err := ctx.FromFloatSlice(s, shape...)
	if err != nil {
		tb.Fatal(err)
	}

	return t
}

func TestMulmat(t *testing.T) {
	_, ctx := setup(t)

	a := fromFloats(t, ctx, []float32{1, 2, 3, 4, 5, 6}, 2, 3)
	b := fromFloats(t, ctx, []float32{7, 8, 9, 10, 11, 12}, 3, 2)

	got := a.Mulmat(ctx, b)
	if diff := cmp.Diff([]int{2, 2}, got.Shape()); diff != "" {
		t.Error(diff)
	}
	if diff := cmp.Diff([]float32{58, 64, 139, 154}, got.Floats()); diff != "" {
		t.Error(diff)
	}
}

func TestMulmatBatched(t *testing.T) {
	_, ctx := setup(t)

	// Two batches against a shared kernel.
	a := fromFloats(t, ctx, []float32{
		1, 0,
		0, 1,

		2, 0,
		0, 2,
	}, 2, 2, 2)
	kernel := fromFloats(t, ctx, []float32{1, 2, 3, 4}, 2, 2)

	got := a.Mulmat(ctx, kernel)
	if diff := cmp.Diff([]int{2, 2, 2}, got.Shape()); diff != "" {
		t.Error(diff)
	}
	if diff := cmp.Diff([]float32{1, 2, 3, 4, 2, 4, 6, 8}, got.Floats()); diff != "" {
		t.Error(diff)
	}
}

func TestMulmatMismatch(t *testing.T) {
	_, ctx := setup(t)

	a := fromFloats(t, ctx, make([]float32, 6), 2, 3)
	b := fromFloats(t, ctx, make([]float32, 8), 4, 2)

	defer func() {
		if recover() == nil {
			t.Error("expected panic on contraction mismatch")
		}
	}()
	a.Mulmat(ctx, b)
}

func TestAddBroadcast(t *testing.T) {
	_, ctx := setup(t)

	x := fromFloats(t, ctx, []float32{1, 2, 3, 4, 5, 6}, 2, 3)

	t.Run("bias", func(t *testing.T) {
		bias := fromFloats(t, ctx, []float32{10, 20, 30}, 3)
		got := x.Add(ctx, bias)
		if diff := cmp.Diff([]float32{11, 22, 33, 14, 25, 36}, got.Floats()); diff != "" {
			t.Error(diff)
		}
	})

	t.Run("per row", func(t *testing.T) {
		row := fromFloats(t, ctx, []float32{100, 200}, 2, 1)
		got := x.Add(ctx, row)
		if diff := cmp.Diff([]float32{101, 102, 103, 204, 205, 206}, got.Floats()); diff != "" {
			t.Error(diff)
		}
	})

	t.Run("incompatible", func(t *testing.T) {
		bad := fromFloats(t, ctx, []float32{1, 2}, 2)
		defer func() {
			if recover() == nil {
				t.Error("expected panic on incompatible broadcast")
			}
		}()
		x.Add(ctx, bad)
	})
}

func TestSoftmax(t *testing.T) {
	_, ctx := setup(t)

	x := fromFloats(t, ctx, []float32{1, 2, 3, -1e9, 0, 0}, 2, 3)
	got := x.Softmax(ctx).Floats()

	for row := 0; row < 2; row++ {
		var sum float32
		for col := 0; col < 3; col++ {
			sum += got[row*3+col]
		}
		if math.Abs(float64(sum)-1) > 1e-5 {
			t.Errorf("row %d sums to %v, want 1", row, sum)
		}
	}

	// The masked entry gets numerically zero weight.
	if got[3] != 0 {
		t.Errorf("masked weight = %v, want 0", got[3])
	}
	if math.Abs(float64(got[4])-0.5) > 1e-5 {
		t.Errorf("surviving weight = %v, want 0.5", got[4])
	}
}

func TestLayerNorm(t *testing.T) {
	_, ctx := setup(t)

	x := fromFloats(t, ctx, []float32{1, 2, 3, 4}, 1, 4)
	weight := fromFloats(t, ctx, []float32{1, 1, 1, 1}, 4)
	bias := fromFloats(t, ctx, []float32{0, 0, 0, 0}, 4)

	got := x.LayerNorm(ctx, weight, bias, 1e-6).Floats()

	var mean, variance float64
	for _, v := range got {
		mean += float64(v)
	}
	mean /= 4
	for _, v := range got {
		variance += (float64(v) - mean) * (float64(v) - mean)
	}
	variance /= 4

	if math.Abs(mean) > 1e-5 {
		t.Errorf("mean = %v, want 0", mean)
	}
	if math.Abs(variance-1) > 1e-4 {
		t.Errorf("variance = %v, want 1", variance)
	}
}

func TestPermute(t *testing.T) {
	_, ctx := setup(t)

	x := fromFloats(t, ctx, []float32{1, 2, 3, 4, 5, 6}, 2, 3)
	got := x.Permute(ctx, 1, 0).Contiguous(ctx)

	if diff := cmp.Diff([]int{3, 2}, got.Shape()); diff != "" {
		t.Error(diff)
	}
	if diff := cmp.Diff([]float32{1, 4, 2, 5, 3, 6}, got.Floats()); diff != "" {
		t.Error(diff)
	}
}

func TestArange(t *testing.T) {
	_, ctx := setup(t)

	got := ctx.Arange(0, 5, 1, ml.DTypeI32)
	if got.DType() != ml.DTypeI32 {
		t.Errorf("dtype = %v, want %v", got.DType(), ml.DTypeI32)
	}
	if diff := cmp.Diff([]int{5}, got.Shape()); diff != "" {
		t.Error(diff)
	}
	if diff := cmp.Diff([]float32{0, 1, 2, 3, 4}, got.Floats()); diff != "" {
		t.Error(diff)
	}

	stepped := ctx.Arange(1, 2, 0.5, ml.DTypeF32)
	if diff := cmp.Diff([]float32{1, 1.5}, stepped.Floats()); diff != "" {
		t.Error(diff)
	}

	defer func() {
		if recover() == nil {
			t.Error("expected panic on non-positive step")
		}
	}()
	ctx.Arange(0, 1, 0, ml.DTypeF32)
}

func TestConcatSplit(t *testing.T) {
	_, ctx := setup(t)

	a := fromFloats(t, ctx, []float32{1, 2, 3, 4}, 1, 2, 2)
	b := fromFloats(t, ctx, []float32{5, 6}, 1, 1, 2)

	joined := a.Concat(ctx, b, 1)
	if diff := cmp.Diff([]int{1, 3, 2}, joined.Shape()); diff != "" {
		t.Error(diff)
	}
	if diff := cmp.Diff([]float32{1, 2, 3, 4, 5, 6}, joined.Floats()); diff != "" {
		t.Error(diff)
	}

	parts := joined.Split(ctx, 1, 2, 1)
	if diff := cmp.Diff(a.Floats(), parts[0].Floats()); diff != "" {
		t.Error(diff)
	}
	if diff := cmp.Diff(b.Floats(), parts[1].Floats()); diff != "" {
		t.Error(diff)
	}
}

func TestRows(t *testing.T) {
	_, ctx := setup(t)

	table := fromFloats(t, ctx, []float32{0, 1, 10, 11, 20, 21}, 3, 2)
	ids, err := ctx.FromIntSlice([]int32{2, 0, 2}, 3)
	if err != nil {
		t.Fatal(err)
	}

	got := table.Rows(ctx, ids)
	if diff := cmp.Diff([]int{3, 2}, got.Shape()); diff != "" {
		t.Error(diff)
	}
	if diff := cmp.Diff([]float32{20, 21, 0, 1, 20, 21}, got.Floats()); diff != "" {
		t.Error(diff)
	}
}

func TestReducedPrecisionRoundTrip(t *testing.T) {
	_, ctx := setup(t)

	values := []float32{0, 1, -1, 0.5, 3.14159, -123.456}
	full := fromFloats(t, ctx, values, len(values))

	for _, dtype := range []ml.DType{ml.DTypeF16, ml.DTypeBF16} {
		t.Run(dtype.String(), func(t *testing.T) {
			reduced, err := cpu.Convert(ctx, full, dtype)
			if err != nil {
				t.Fatal(err)
			}
			if reduced.DType() != dtype {
				t.Fatalf("dtype = %v, want %v", reduced.DType(), dtype)
			}

			decoded, err := cpu.FromBytes(ctx, dtype, reduced.Bytes(), len(values))
			if err != nil {
				t.Fatal(err)
			}

			// Encoding and decoding the already-rounded values is exact.
			if diff := cmp.Diff(reduced.Floats(), decoded.Floats()); diff != "" {
				t.Error(diff)
			}

			for i, want := range values {
				got := decoded.Floats()[i]
				if math.Abs(float64(got-want)) > math.Abs(float64(want))*0.01+1e-3 {
					t.Errorf("value %d: got %v, want about %v", i, got, want)
				}
			}
		})
	}
}

func TestDropout(t *testing.T) {
	_, ctx := setup(t)

	x := ctx.Ones(ml.DTypeF32, 1000)

	t.Run("zero rate is identity", func(t *testing.T) {
		got := x.Dropout(ctx, 0)
		if diff := cmp.Diff(x.Floats(), got.Floats()); diff != "" {
			t.Error(diff)
		}
	})

	t.Run("survivors are rescaled", func(t *testing.T) {
		got := x.Dropout(ctx, 0.5).Floats()

		var zeros int
		var sum float64
		for _, v := range got {
			if v == 0 {
				zeros++
			} else if v != 2 {
				t.Fatalf("survivor = %v, want 2", v)
			}
			sum += float64(v)
		}

		if zeros < 400 || zeros > 600 {
			t.Errorf("dropped %d of 1000, want about half", zeros)
		}
		if mean := sum / 1000; mean < 0.8 || mean > 1.2 {
			t.Errorf("mean = %v, want about 1", mean)
		}
	})
}
