package nn

import (
	"fmt"

	"github.com/intUnderflow/neurst/ml"
)

type PrePostConfig struct {
	// DropoutRate is applied to the sub-layer's output in training
	// mode.
	DropoutRate float32 `json:"dropout_rate"`

	Name string `json:"name,omitempty"`
}

// PrePost wraps a sub-layer in the residual block used around every
// attention and feed-forward sub-layer: normalize the input, run the
// sub-layer on the normalized value, dropout in training mode, then
// add the original unnormalized input back. The sequence is fixed.
type PrePost struct {
	cfg PrePostConfig

	layer Sublayer
	norm  *LayerNorm
	built bool
}

func NewPrePost(layer Sublayer, cfg PrePostConfig) (*PrePost, error) {
	if cfg.Name == "" {
		cfg.Name = "layer_prepostprocess"
	}
	if layer == nil {
		return nil, fmt.Errorf("nn: %s: inner layer must not be nil", cfg.Name)
	}
	if cfg.DropoutRate < 0 || cfg.DropoutRate >= 1 {
		return nil, fmt.Errorf("nn: %s: dropout_rate must be in [0, 1), got %v", cfg.Name, cfg.DropoutRate)
	}

	norm, err := NewLayerNorm(LayerNormConfig{Name: cfg.Name + "/ln"})
	if err != nil {
		return nil, err
	}

	return &PrePost{cfg: cfg, layer: layer, norm: norm}, nil
}

func (l *PrePost) Config() PrePostConfig {
	return l.cfg
}

// Build allocates the normalization parameters. The inner sub-layer
// is built separately by whoever assembled it; this wrapper does not
// know its input shape requirements.
func (l *PrePost) Build(ctx ml.Context, dims ...int) error {
	if l.built {
		return fmt.Errorf("nn: %s: already built", l.cfg.Name)
	}
	if len(dims) != 1 {
		return fmt.Errorf("nn: %s: build takes the input width, got %v", l.cfg.Name, dims)
	}

	if err := l.norm.Build(ctx, dims[0]); err != nil {
		return err
	}

	l.built = true
	return nil
}

func (l *PrePost) Forward(ctx ml.Context, x ml.Tensor, opts ...Option) ml.Tensor {
	if !l.built {
		panic(fmt.Errorf("nn: %s: forward before build", l.cfg.Name))
	}

	o := collect(opts)

	y := l.norm.Forward(ctx, x)
	y = l.layer.Forward(ctx, y, opts...)
	if o.Training && l.cfg.DropoutRate > 0 {
		y = y.Dropout(ctx, l.cfg.DropoutRate)
	}

	return x.Add(ctx, y)
}
