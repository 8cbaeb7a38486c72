package nn

import (
	"fmt"

	"github.com/intUnderflow/neurst/ml"
)

type FFNConfig struct {
	// FilterSize is the width of the inner expansion.
	FilterSize int `json:"filter_size"`

	// OutputSize is the width of the final projection.
	OutputSize int `json:"output_size"`

	// DropoutRate is applied between the two projections in training
	// mode.
	DropoutRate float32 `json:"dropout_rate"`

	// Activation of the inner projection. Defaults to relu. The
	// final projection has no activation.
	Activation string `json:"activation,omitempty"`

	Name string `json:"name,omitempty"`
}

// FFN is the position-wise feed-forward sub-layer: an expansion to
// FilterSize with an activation, then a linear contraction to
// OutputSize. Every position is transformed independently.
type FFN struct {
	cfg FFNConfig

	dense1 *Linear
	dense2 *Linear
	built  bool
}

func NewFFN(cfg FFNConfig) (*FFN, error) {
	if cfg.Name == "" {
		cfg.Name = "ffn"
	}
	if cfg.FilterSize <= 0 {
		return nil, fmt.Errorf("nn: %s: filter_size must be positive, got %d", cfg.Name, cfg.FilterSize)
	}
	if cfg.OutputSize <= 0 {
		return nil, fmt.Errorf("nn: %s: output_size must be positive, got %d", cfg.Name, cfg.OutputSize)
	}
	if cfg.DropoutRate < 0 || cfg.DropoutRate >= 1 {
		return nil, fmt.Errorf("nn: %s: dropout_rate must be in [0, 1), got %v", cfg.Name, cfg.DropoutRate)
	}

	activation := cfg.Activation
	if activation == "" {
		activation = "relu"
	}

	dense1, err := NewLinear(LinearConfig{
		Units:      cfg.FilterSize,
		Activation: activation,
		UseBias:    true,
		Name:       cfg.Name + "/dense1",
	})
	if err != nil {
		return nil, err
	}

	dense2, err := NewLinear(LinearConfig{
		Units:   cfg.OutputSize,
		UseBias: true,
		Name:    cfg.Name + "/dense2",
	})
	if err != nil {
		return nil, err
	}

	return &FFN{cfg: cfg, dense1: dense1, dense2: dense2}, nil
}

func (l *FFN) Config() FFNConfig {
	return l.cfg
}

func (l *FFN) Build(ctx ml.Context, dims ...int) error {
	if l.built {
		return fmt.Errorf("nn: %s: already built", l.cfg.Name)
	}
	if len(dims) != 1 {
		return fmt.Errorf("nn: %s: build takes the input width, got %v", l.cfg.Name, dims)
	}

	if err := l.dense1.Build(ctx, dims[0]); err != nil {
		return err
	}
	if err := l.dense2.Build(ctx, l.cfg.FilterSize); err != nil {
		return err
	}

	l.built = true
	return nil
}

func (l *FFN) Forward(ctx ml.Context, x ml.Tensor, opts ...Option) ml.Tensor {
	if !l.built {
		panic(fmt.Errorf("nn: %s: forward before build", l.cfg.Name))
	}

	o := collect(opts)

	y := l.dense1.Forward(ctx, x)
	if o.Training && l.cfg.DropoutRate > 0 {
		y = y.Dropout(ctx, l.cfg.DropoutRate)
	}

	return l.dense2.Forward(ctx, y)
}
