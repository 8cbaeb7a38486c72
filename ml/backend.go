package ml

import (
	"fmt"
)

// Backend is a tensor runtime. It allocates tensors, executes the
// primitives the layer packages are written against, and keeps the
// registry of named weights for checkpoint save/restore by the host
// framework.
type Backend interface {
	Name() string

	// Get returns the weight registered under name, or nil if no
	// weight with that name exists.
	Get(name string) Tensor

	// Weights returns the names of all registered weights, sorted.
	Weights() []string

	NewContext() Context
}

type BackendParams struct {
	// Seed for the backend's random number generator. Zero means
	// seed from entropy.
	Seed int64
}

var backends = make(map[string]func(BackendParams) (Backend, error))

func RegisterBackend(name string, f func(BackendParams) (Backend, error)) {
	if _, ok := backends[name]; ok {
		panic("backend: backend already registered")
	}

	backends[name] = f
}

func NewBackend(name string, params BackendParams) (Backend, error) {
	if backend, ok := backends[name]; ok {
		return backend(params)
	}

	return nil, fmt.Errorf("unsupported backend %q", name)
}

// Context creates tensors and records weights. Contexts from the cpu
// backend are eager: every Tensor method computes its result before
// returning.
type Context interface {
	Zeros(dtype DType, shape ...int) Tensor
	Ones(dtype DType, shape ...int) Tensor
	Arange(start, stop, step float32, dtype DType) Tensor

	FromFloatSlice(s []float32, shape ...int) (Tensor, error)
	FromIntSlice(s []int32, shape ...int) (Tensor, error)

	// Uniform and Normal draw initial weight values from the
	// backend's random source.
	Uniform(low, high float32, shape ...int) Tensor
	Normal(mean, stddev float32, shape ...int) Tensor

	// Weight registers t under a hierarchical name, making it
	// addressable through Backend.Get for checkpointing. Registering
	// a second tensor under the same name panics: a layer's weights
	// are created exactly once.
	Weight(name string, t Tensor) Tensor

	Close() error
}

type Tensor interface {
	Dim(n int) int
	Rank() int

	Shape() []int
	DType() DType

	Bytes() []byte
	Floats() []float32

	// Add is elementwise with broadcasting: t2 must broadcast to the
	// receiver's shape after left-padding with size-1 dimensions.
	Add(ctx Context, t2 Tensor) Tensor

	// Mulmat is a batched matrix multiply: the last two dimensions
	// of the operands are contracted, leading dimensions must match
	// exactly or be absent from t2.
	Mulmat(ctx Context, t2 Tensor) Tensor

	Scale(ctx Context, s float64) Tensor

	Softmax(ctx Context) Tensor
	LayerNorm(ctx Context, weight, bias Tensor, eps float32) Tensor

	// Dropout zeroes each element with probability rate and scales
	// the survivors by 1/(1-rate). Callers gate it on training mode.
	Dropout(ctx Context, rate float32) Tensor

	ReLU(ctx Context) Tensor
	GELU(ctx Context) Tensor
	SILU(ctx Context) Tensor
	Tanh(ctx Context) Tensor

	Reshape(ctx Context, shape ...int) Tensor
	Permute(ctx Context, axes ...int) Tensor
	Contiguous(ctx Context) Tensor

	Concat(ctx Context, t2 Tensor, dim int) Tensor
	Split(ctx Context, dim int, sizes ...int) []Tensor
	Rows(ctx Context, indices Tensor) Tensor
}

type DType int

const (
	DTypeF32 DType = iota
	DTypeF16
	DTypeBF16
	DTypeI32
	DTypeOther
)

func (d DType) String() string {
	switch d {
	case DTypeF32:
		return "f32"
	case DTypeF16:
		return "f16"
	case DTypeBF16:
		return "bf16"
	case DTypeI32:
		return "i32"
	default:
		return "other"
	}
}
