package nn

import (
	"fmt"

	"github.com/intUnderflow/neurst/ml"
)

type LayerNormConfig struct {
	// Epsilon added to the variance. Zero defaults to 1e-6.
	Epsilon float32 `json:"epsilon,omitempty"`

	Name string `json:"name,omitempty"`
}

// LayerNorm normalizes the last dimension with a learned gain and
// bias. The statistics are computed in float32 whatever the
// surrounding computation's precision.
type LayerNorm struct {
	cfg LayerNormConfig

	weight ml.Tensor
	bias   ml.Tensor
	built  bool
}

func NewLayerNorm(cfg LayerNormConfig) (*LayerNorm, error) {
	if cfg.Name == "" {
		cfg.Name = "ln"
	}
	if cfg.Epsilon < 0 {
		return nil, fmt.Errorf("nn: %s: epsilon must not be negative, got %v", cfg.Name, cfg.Epsilon)
	}
	if cfg.Epsilon == 0 {
		cfg.Epsilon = 1e-6
	}

	return &LayerNorm{cfg: cfg}, nil
}

func (l *LayerNorm) Config() LayerNormConfig {
	return l.cfg
}

func (l *LayerNorm) Build(ctx ml.Context, inputDim int) error {
	if l.built {
		return fmt.Errorf("nn: %s: already built", l.cfg.Name)
	}
	if inputDim <= 0 {
		return fmt.Errorf("nn: %s: input width must be positive, got %d", l.cfg.Name, inputDim)
	}

	l.weight = ctx.Weight(l.cfg.Name+"/gamma", ctx.Ones(ml.DTypeF32, inputDim))
	l.bias = ctx.Weight(l.cfg.Name+"/beta", ctx.Zeros(ml.DTypeF32, inputDim))

	l.built = true
	return nil
}

func (l *LayerNorm) Forward(ctx ml.Context, x ml.Tensor) ml.Tensor {
	if !l.built {
		panic(fmt.Errorf("nn: %s: forward before build", l.cfg.Name))
	}

	return x.LayerNorm(ctx, l.weight, l.bias, l.cfg.Epsilon)
}
