package nn

import (
	"fmt"

	"github.com/intUnderflow/neurst/ml"
)

// MultiHeadDenseConfig describes a head-splitting (or head-merging)
// linear projection.
type MultiHeadDenseConfig struct {
	// OutputUnits holds one flat output width per projection target.
	// A single entry is the common case; multiple entries produce one
	// tensor per entry from a single fused kernel, e.g. [u, u, u] for
	// a fused query/key/value projection.
	OutputUnits []int `json:"output_units"`

	NumHeads int `json:"num_heads"`

	KernelInitializer string `json:"kernel_initializer,omitempty"`
	BiasInitializer   string `json:"bias_initializer,omitempty"`
	Activation        string `json:"activation,omitempty"`
	UseBias           bool   `json:"use_bias"`

	// OutputTransform flips the layer from splitting a flat input
	// into per-head sub-spaces to merging per-head inputs back into a
	// flat output. It requires a single output width.
	OutputTransform bool `json:"is_output_transform"`

	Name string `json:"name,omitempty"`
}

// MultiHeadDense projects between the flat hidden dimension and
// per-head sub-spaces.
//
// Split mode maps [..., length, hidden] to one tensor of shape
// [..., length, heads, units/heads] per configured output width.
// Output-transform mode contracts the trailing [heads, unitsPerHead]
// axes of the input into a flat [..., length, outputUnits] tensor.
// The kernel is stored flat, [input, Σunits] or [heads*unitsPerHead,
// outputUnits], which realizes the einsum contractions as plain
// matrix multiplies.
type MultiHeadDense struct {
	cfg MultiHeadDenseConfig

	activation Activation
	kernelInit Initializer
	biasInit   Initializer

	kernel ml.Tensor
	bias   ml.Tensor
	built  bool
}

func NewMultiHeadDense(cfg MultiHeadDenseConfig) (*MultiHeadDense, error) {
	if cfg.Name == "" {
		cfg.Name = "transform"
	}
	if cfg.NumHeads < 1 {
		return nil, fmt.Errorf("nn: %s: num_heads must be at least 1, got %d", cfg.Name, cfg.NumHeads)
	}
	if len(cfg.OutputUnits) == 0 {
		return nil, fmt.Errorf("nn: %s: output_units must not be empty", cfg.Name)
	}
	for _, units := range cfg.OutputUnits {
		if units <= 0 {
			return nil, fmt.Errorf("nn: %s: output width must be positive, got %d", cfg.Name, units)
		}
	}

	if cfg.OutputTransform {
		if len(cfg.OutputUnits) > 1 {
			return nil, fmt.Errorf("nn: %s: output transform requires a single output width, got %d", cfg.Name, len(cfg.OutputUnits))
		}
		if cfg.OutputUnits[0]%cfg.NumHeads != 0 {
			return nil, fmt.Errorf("nn: %s: output width %d is not divisible by %d heads", cfg.Name, cfg.OutputUnits[0], cfg.NumHeads)
		}
	}

	activation, err := ResolveActivation(cfg.Activation)
	if err != nil {
		return nil, err
	}

	kernelInit, err := ResolveInitializer(cfg.KernelInitializer)
	if err != nil {
		return nil, err
	}

	biasName := cfg.BiasInitializer
	if biasName == "" {
		biasName = "zeros"
	}
	biasInit, err := ResolveInitializer(biasName)
	if err != nil {
		return nil, err
	}

	return &MultiHeadDense{
		cfg:        cfg,
		activation: activation,
		kernelInit: kernelInit,
		biasInit:   biasInit,
	}, nil
}

func (l *MultiHeadDense) Config() MultiHeadDenseConfig {
	return l.cfg
}

func (l *MultiHeadDense) totalUnits() int {
	total := 0
	for _, units := range l.cfg.OutputUnits {
		total += units
	}

	return total
}

// Build allocates the kernel and bias. Split mode takes the flat
// input width; output-transform mode takes the incoming head count
// and units per head.
func (l *MultiHeadDense) Build(ctx ml.Context, dims ...int) error {
	if l.built {
		return fmt.Errorf("nn: %s: already built", l.cfg.Name)
	}

	var fanIn int
	if l.cfg.OutputTransform {
		if len(dims) != 2 {
			return fmt.Errorf("nn: %s: output transform build takes [heads, unitsPerHead], got %v", l.cfg.Name, dims)
		}
		if dims[0] != l.cfg.NumHeads {
			return fmt.Errorf("nn: %s: input has %d heads, configured for %d", l.cfg.Name, dims[0], l.cfg.NumHeads)
		}

		fanIn = dims[0] * dims[1]
	} else {
		if len(dims) != 1 {
			return fmt.Errorf("nn: %s: split build takes the input width, got %v", l.cfg.Name, dims)
		}
		for _, units := range l.cfg.OutputUnits {
			if units%l.cfg.NumHeads != 0 {
				return fmt.Errorf("nn: %s: output width %d is not divisible by %d heads", l.cfg.Name, units, l.cfg.NumHeads)
			}
		}

		fanIn = dims[0]
	}

	total := l.totalUnits()
	l.kernel = ctx.Weight(l.cfg.Name+"/kernel", l.kernelInit(ctx, fanIn, total, fanIn, total))
	if l.cfg.UseBias {
		l.bias = ctx.Weight(l.cfg.Name+"/bias", l.biasInit(ctx, fanIn, total, total))
	}

	l.built = true
	return nil
}

// ForwardSplit projects a [..., length, hidden] input and returns one
// [..., length, heads, units/heads] tensor per configured output
// width.
func (l *MultiHeadDense) ForwardSplit(ctx ml.Context, x ml.Tensor) []ml.Tensor {
	if !l.built {
		panic(fmt.Errorf("nn: %s: forward before build", l.cfg.Name))
	}
	if l.cfg.OutputTransform {
		panic(fmt.Errorf("nn: %s: output transform produces a single tensor, use Forward", l.cfg.Name))
	}

	shape := x.Shape()
	lead := shape[:len(shape)-1]
	hidden := shape[len(shape)-1]
	if hidden != l.kernel.Dim(0) {
		panic(fmt.Errorf("nn: %s: input width %d does not match kernel %d", l.cfg.Name, hidden, l.kernel.Dim(0)))
	}

	y := x.Reshape(ctx, prod(lead), hidden).Mulmat(ctx, l.kernel)
	if l.bias != nil {
		y = y.Add(ctx, l.bias)
	}

	parts := y.Split(ctx, 1, l.cfg.OutputUnits...)
	for i, part := range parts {
		units := l.cfg.OutputUnits[i]
		outShape := append(append([]int{}, lead...), l.cfg.NumHeads, units/l.cfg.NumHeads)
		part = part.Reshape(ctx, outShape...)
		if l.activation != nil {
			part = l.activation(ctx, part)
		}

		parts[i] = part
	}

	return parts
}

// Forward is the single-output projection. In output-transform mode
// it merges a [..., length, heads, unitsPerHead] input into
// [..., length, outputUnits]; in split mode it requires exactly one
// configured output width.
func (l *MultiHeadDense) Forward(ctx ml.Context, x ml.Tensor) ml.Tensor {
	if !l.cfg.OutputTransform {
		if len(l.cfg.OutputUnits) > 1 {
			panic(fmt.Errorf("nn: %s: multiple output widths, use ForwardSplit", l.cfg.Name))
		}

		return l.ForwardSplit(ctx, x)[0]
	}

	if !l.built {
		panic(fmt.Errorf("nn: %s: forward before build", l.cfg.Name))
	}

	shape := x.Shape()
	if len(shape) < 2 {
		panic(fmt.Errorf("nn: %s: output transform needs [..., heads, unitsPerHead], got %v", l.cfg.Name, shape))
	}

	lead := shape[:len(shape)-2]
	flat := shape[len(shape)-2] * shape[len(shape)-1]
	if flat != l.kernel.Dim(0) {
		panic(fmt.Errorf("nn: %s: input width %d does not match kernel %d", l.cfg.Name, flat, l.kernel.Dim(0)))
	}

	y := x.Reshape(ctx, prod(lead), flat).Mulmat(ctx, l.kernel)
	if l.bias != nil {
		y = y.Add(ctx, l.bias)
	}

	outShape := append(append([]int{}, lead...), l.cfg.OutputUnits[0])
	y = y.Reshape(ctx, outShape...)
	if l.activation != nil {
		y = l.activation(ctx, y)
	}

	return y
}

func prod(dims []int) int {
	n := 1
	for _, dim := range dims {
		n *= dim
	}

	return n
}
