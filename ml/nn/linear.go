package nn

import (
	"fmt"

	"github.com/intUnderflow/neurst/ml"
)

type LinearConfig struct {
	Units int `json:"units"`

	KernelInitializer string `json:"kernel_initializer,omitempty"`
	BiasInitializer   string `json:"bias_initializer,omitempty"`
	Activation        string `json:"activation,omitempty"`
	UseBias           bool   `json:"use_bias"`

	Name string `json:"name,omitempty"`
}

// Linear is a plain position-wise dense projection, [..., in] to
// [..., units].
type Linear struct {
	cfg LinearConfig

	activation Activation
	kernelInit Initializer
	biasInit   Initializer

	weight ml.Tensor
	bias   ml.Tensor
	built  bool
}

func NewLinear(cfg LinearConfig) (*Linear, error) {
	if cfg.Name == "" {
		cfg.Name = "dense"
	}
	if cfg.Units <= 0 {
		return nil, fmt.Errorf("nn: %s: units must be positive, got %d", cfg.Name, cfg.Units)
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

	return &Linear{
		cfg:        cfg,
		activation: activation,
		kernelInit: kernelInit,
		biasInit:   biasInit,
	}, nil
}

func (l *Linear) Config() LinearConfig {
	return l.cfg
}

func (l *Linear) Build(ctx ml.Context, inputDim int) error {
	if l.built {
		return fmt.Errorf("nn: %s: already built", l.cfg.Name)
	}
	if inputDim <= 0 {
		return fmt.Errorf("nn: %s: input width must be positive, got %d", l.cfg.Name, inputDim)
	}

	l.weight = ctx.Weight(l.cfg.Name+"/kernel", l.kernelInit(ctx, inputDim, l.cfg.Units, inputDim, l.cfg.Units))
	if l.cfg.UseBias {
		l.bias = ctx.Weight(l.cfg.Name+"/bias", l.biasInit(ctx, inputDim, l.cfg.Units, l.cfg.Units))
	}

	l.built = true
	return nil
}

func (l *Linear) Forward(ctx ml.Context, x ml.Tensor) ml.Tensor {
	if !l.built {
		panic(fmt.Errorf("nn: %s: forward before build", l.cfg.Name))
	}

	shape := x.Shape()
	lead := shape[:len(shape)-1]
	hidden := shape[len(shape)-1]
	if hidden != l.weight.Dim(0) {
		panic(fmt.Errorf("nn: %s: input width %d does not match kernel %d", l.cfg.Name, hidden, l.weight.Dim(0)))
	}

	y := x.Reshape(ctx, prod(lead), hidden).Mulmat(ctx, l.weight)
	if l.bias != nil {
		y = y.Add(ctx, l.bias)
	}

	y = y.Reshape(ctx, append(append([]int{}, lead...), l.cfg.Units)...)
	if l.activation != nil {
		y = l.activation(ctx, y)
	}

	return y
}
