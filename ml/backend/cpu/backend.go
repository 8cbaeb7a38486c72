// Package cpu is a pure-Go tensor backend. It executes every
// primitive eagerly on the host CPU and exists so the layer packages
// can run, and be tested, without an accelerator runtime.
package cpu

import (
	"fmt"
	"math/rand"
	"slices"
	"sync"
	"time"

	"github.com/intUnderflow/neurst/ml"
)

type Backend struct {
	mu      sync.RWMutex
	weights map[string]ml.Tensor

	rngMu sync.Mutex
	rng   *rand.Rand
}

func New(params ml.BackendParams) (ml.Backend, error) {
	seed := params.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	return &Backend{
		weights: make(map[string]ml.Tensor),
		rng:     rand.New(rand.NewSource(seed)),
	}, nil
}

func init() {
	ml.RegisterBackend("cpu", New)
}

func (b *Backend) Name() string {
	return "cpu"
}

func (b *Backend) Get(name string) ml.Tensor {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.weights[name]
}

func (b *Backend) Weights() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	names := make([]string, 0, len(b.weights))
	for name := range b.weights {
		names = append(names, name)
	}

	slices.Sort(names)
	return names
}

func (b *Backend) NewContext() ml.Context {
	return &Context{b: b}
}

// float64 draws from the backend's seeded source. The lock keeps
// concurrent contexts from interleaving reads of the generator state.
func (b *Backend) float64() float64 {
	b.rngMu.Lock()
	defer b.rngMu.Unlock()

	return b.rng.Float64()
}

func (b *Backend) normFloat64() float64 {
	b.rngMu.Lock()
	defer b.rngMu.Unlock()

	return b.rng.NormFloat64()
}

type Context struct {
	b *Backend
}

func (c *Context) Zeros(dtype ml.DType, shape ...int) ml.Tensor {
	return newTensor(c.b, dtype, shape...)
}

func (c *Context) Ones(dtype ml.DType, shape ...int) ml.Tensor {
	t := newTensor(c.b, dtype, shape...)
	for i := range t.data {
		t.data[i] = 1
	}

	return t
}

func (c *Context) Arange(start, stop, step float32, dtype ml.DType) ml.Tensor {
	if step <= 0 {
		panic(fmt.Errorf("cpu: arange step must be positive, got %v", step))
	}

	var data []float32
	for v := start; v < stop; v += step {
		data = append(data, v)
	}

	t := newTensor(c.b, dtype, len(data))
	copy(t.data, data)
	return t
}

func (c *Context) FromFloatSlice(s []float32, shape ...int) (ml.Tensor, error) {
	if len(s) != elems(shape) {
		return nil, fmt.Errorf("cpu: data size %d does not match shape %v", len(s), shape)
	}

	t := newTensor(c.b, ml.DTypeF32, shape...)
	copy(t.data, s)
	return t, nil
}

func (c *Context) FromIntSlice(s []int32, shape ...int) (ml.Tensor, error) {
	if len(s) != elems(shape) {
		return nil, fmt.Errorf("cpu: data size %d does not match shape %v", len(s), shape)
	}

	t := newTensor(c.b, ml.DTypeI32, shape...)
	for i, v := range s {
		t.data[i] = float32(v)
	}

	return t, nil
}

func (c *Context) Uniform(low, high float32, shape ...int) ml.Tensor {
	t := newTensor(c.b, ml.DTypeF32, shape...)
	for i := range t.data {
		t.data[i] = low + (high-low)*float32(c.b.float64())
	}

	return t
}

func (c *Context) Normal(mean, stddev float32, shape ...int) ml.Tensor {
	t := newTensor(c.b, ml.DTypeF32, shape...)
	for i := range t.data {
		t.data[i] = mean + stddev*float32(c.b.normFloat64())
	}

	return t
}

func (c *Context) Weight(name string, t ml.Tensor) ml.Tensor {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()

	if _, ok := c.b.weights[name]; ok {
		panic(fmt.Errorf("cpu: weight %q already registered", name))
	}

	c.b.weights[name] = t
	return t
}

func (c *Context) Close() error {
	return nil
}
