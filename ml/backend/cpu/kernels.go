package cpu

import (
	"fmt"
	"runtime"

	"github.com/chewxy/math32"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/intUnderflow/neurst/ml"
)

func (t *Tensor) Add(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return t.broadcastBinary(t2.(*Tensor), func(a, b float32) float32 { return a + b })
}

// broadcastBinary applies op elementwise. The second operand must
// broadcast to the receiver's shape: after left-padding with size-1
// dimensions, every dimension is either equal or 1.
func (t *Tensor) broadcastBinary(u *Tensor, op func(a, b float32) float32) ml.Tensor {
	if len(u.shape) > len(t.shape) {
		panic(fmt.Errorf("cpu: cannot broadcast %v onto %v", u.shape, t.shape))
	}

	uShape := make([]int, len(t.shape))
	for i := range uShape {
		uShape[i] = 1
	}
	copy(uShape[len(t.shape)-len(u.shape):], u.shape)

	uStrides := strides(uShape)
	for d := range uShape {
		switch uShape[d] {
		case t.shape[d]:
		case 1:
			uStrides[d] = 0
		default:
			panic(fmt.Errorf("cpu: cannot broadcast %v onto %v", u.shape, t.shape))
		}
	}

	out := newTensor(t.b, t.dtype, t.shape...)
	tStrides := strides(t.shape)

	for flat := range t.data {
		rem, uFlat := flat, 0
		for d, s := range tStrides {
			uFlat += (rem / s) * uStrides[d]
			rem %= s
		}

		out.data[flat] = op(t.data[flat], u.data[uFlat])
	}

	return out
}

// Mulmat contracts the last dimension of t against the second-to-last
// dimension of t2. Leading dimensions of t batch the multiply; t2 is
// either batched identically or a single [k, n] matrix shared across
// the batch. Batches run in parallel.
func (t *Tensor) Mulmat(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	u := t2.(*Tensor)
	if len(t.shape) < 2 || len(u.shape) < 2 {
		panic(fmt.Errorf("cpu: mulmat needs rank >= 2, got %v and %v", t.shape, u.shape))
	}

	m, k := t.shape[len(t.shape)-2], t.shape[len(t.shape)-1]
	k2, n := u.shape[len(u.shape)-2], u.shape[len(u.shape)-1]
	if k != k2 {
		panic(fmt.Errorf("cpu: mulmat contraction mismatch between %v and %v", t.shape, u.shape))
	}

	batchShape := t.shape[:len(t.shape)-2]
	batch := elems(batchShape)

	uBatched := len(u.shape) > 2
	if uBatched && elems(u.shape[:len(u.shape)-2]) != batch {
		panic(fmt.Errorf("cpu: mulmat batch mismatch between %v and %v", t.shape, u.shape))
	}

	out := newTensor(t.b, t.dtype, append(slicesClone(batchShape), m, n)...)

	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := 0; i < batch; i++ {
		a := blas32.General{Rows: m, Cols: k, Stride: k, Data: t.data[i*m*k : (i+1)*m*k]}

		bData := u.data
		if uBatched {
			bData = u.data[i*k*n : (i+1)*k*n]
		}
		b := blas32.General{Rows: k, Cols: n, Stride: n, Data: bData}

		c := blas32.General{Rows: m, Cols: n, Stride: n, Data: out.data[i*m*n : (i+1)*m*n]}

		g.Go(func() error {
			blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, a, b, 0, c)
			return nil
		})
	}
	g.Wait()

	return out
}

func (t *Tensor) Scale(ctx ml.Context, s float64) ml.Tensor {
	return t.unary(func(v float32) float32 { return v * float32(s) })
}

// Softmax normalizes over the last dimension, subtracting the row
// maximum first so fully-masked rows of large-negative scores stay
// finite.
func (t *Tensor) Softmax(ctx ml.Context) ml.Tensor {
	inner := t.shape[len(t.shape)-1]
	rows := len(t.data) / inner

	out := newTensor(t.b, t.dtype, t.shape...)

	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := 0; i < rows; i++ {
		src := t.data[i*inner : (i+1)*inner]
		dst := out.data[i*inner : (i+1)*inner]

		g.Go(func() error {
			max := src[0]
			for _, v := range src[1:] {
				if v > max {
					max = v
				}
			}

			var sum float32
			for j, v := range src {
				dst[j] = math32.Exp(v - max)
				sum += dst[j]
			}

			for j := range dst {
				dst[j] /= sum
			}

			return nil
		})
	}
	g.Wait()

	return out
}

// LayerNorm normalizes over the last dimension, then applies the
// elementwise gain and, when non-nil, bias. All arithmetic is float32.
func (t *Tensor) LayerNorm(ctx ml.Context, weight, bias ml.Tensor, eps float32) ml.Tensor {
	inner := t.shape[len(t.shape)-1]
	rows := len(t.data) / inner

	var w, b *Tensor
	if weight != nil {
		w = weight.(*Tensor)
		if len(w.data) != inner {
			panic(fmt.Errorf("cpu: layer norm gain size %d does not match %d channels", len(w.data), inner))
		}
	}
	if bias != nil {
		b = bias.(*Tensor)
		if len(b.data) != inner {
			panic(fmt.Errorf("cpu: layer norm bias size %d does not match %d channels", len(b.data), inner))
		}
	}

	out := newTensor(t.b, t.dtype, t.shape...)
	for i := 0; i < rows; i++ {
		src := t.data[i*inner : (i+1)*inner]
		dst := out.data[i*inner : (i+1)*inner]

		var mean float32
		for _, v := range src {
			mean += v
		}
		mean /= float32(inner)

		var variance float32
		for _, v := range src {
			variance += (v - mean) * (v - mean)
		}
		variance /= float32(inner)

		scale := 1 / math32.Sqrt(variance+eps)
		for j, v := range src {
			dst[j] = (v - mean) * scale
			if w != nil {
				dst[j] *= w.data[j]
			}
			if b != nil {
				dst[j] += b.data[j]
			}
		}
	}

	return out
}

func (t *Tensor) Dropout(ctx ml.Context, rate float32) ml.Tensor {
	if rate < 0 || rate >= 1 {
		panic(fmt.Errorf("cpu: dropout rate must be in [0, 1), got %v", rate))
	}
	if rate == 0 {
		return t
	}

	keep := 1 - rate
	out := newTensor(t.b, t.dtype, t.shape...)
	for i, v := range t.data {
		if float32(t.b.float64()) >= rate {
			out.data[i] = v / keep
		}
	}

	return out
}

func (t *Tensor) ReLU(ctx ml.Context) ml.Tensor {
	return t.unary(func(v float32) float32 {
		if v < 0 {
			return 0
		}
		return v
	})
}

// GELU uses the tanh approximation from the original GPT-2 code.
func (t *Tensor) GELU(ctx ml.Context) ml.Tensor {
	const sqrt2OverPi = 0.7978845608
	return t.unary(func(v float32) float32 {
		return 0.5 * v * (1 + math32.Tanh(sqrt2OverPi*(v+0.044715*v*v*v)))
	})
}

func (t *Tensor) SILU(ctx ml.Context) ml.Tensor {
	return t.unary(func(v float32) float32 {
		return v / (1 + math32.Exp(-v))
	})
}

func (t *Tensor) Tanh(ctx ml.Context) ml.Tensor {
	return t.unary(math32.Tanh)
}

func (t *Tensor) unary(op func(float32) float32) ml.Tensor {
	out := newTensor(t.b, t.dtype, t.shape...)
	for i, v := range t.data {
		out.data[i] = op(v)
	}

	return out
}
