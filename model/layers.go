package model

import (
	"encoding/json"
	"fmt"

	"github.com/intUnderflow/neurst/ml"
	"github.com/intUnderflow/neurst/ml/nn"
)

// Component is a transformer sub-layer that can be built into a
// block: anything with the shared two-phase lifecycle and the common
// forward signature.
type Component interface {
	Build(ctx ml.Context, dims ...int) error
	Forward(ctx ml.Context, x ml.Tensor, opts ...nn.Option) ml.Tensor
}

var baseLayers = make(map[string]func(json.RawMessage) (Component, error))

// RegisterBaseLayer adds a sub-layer builder under a string key.
func RegisterBaseLayer(name string, f func(json.RawMessage) (Component, error)) {
	if _, ok := baseLayers[name]; ok {
		panic("model: base layer already registered")
	}

	baseLayers[name] = f
}

func init() {
	RegisterBaseLayer("multi_head_self_attention", func(raw json.RawMessage) (Component, error) {
		var cfg nn.AttentionConfig
		if err := unmarshalConfig(raw, &cfg); err != nil {
			return nil, err
		}

		return nn.NewMultiHeadSelfAttention(cfg)
	})

	RegisterBaseLayer("multi_head_attention", func(raw json.RawMessage) (Component, error) {
		var cfg nn.AttentionConfig
		if err := unmarshalConfig(raw, &cfg); err != nil {
			return nil, err
		}

		return nn.NewMultiHeadAttention(cfg)
	})

	RegisterBaseLayer("transformer_ffn", func(raw json.RawMessage) (Component, error) {
		var cfg nn.FFNConfig
		if err := unmarshalConfig(raw, &cfg); err != nil {
			return nil, err
		}

		return nn.NewFFN(cfg)
	})
}

func unmarshalConfig(raw json.RawMessage, cfg any) error {
	if len(raw) == 0 {
		return fmt.Errorf("model: missing layer params")
	}

	return json.Unmarshal(raw, cfg)
}

// LayerDesc is the serialized form of a sub-layer: a base-layer
// registry key plus its configuration record.
type LayerDesc struct {
	Class  string          `json:"class"`
	Params json.RawMessage `json:"params"`
}

// BuildBaseLayer builds a bare sub-layer from its description.
func BuildBaseLayer(desc LayerDesc) (Component, error) {
	f, ok := baseLayers[desc.Class]
	if !ok {
		return nil, fmt.Errorf("model: unknown base layer %q", desc.Class)
	}

	return f(desc.Params)
}

// BuildTransformerComponent builds a sub-layer from its description
// and wraps it in the residual pre/post block.
func BuildTransformerComponent(desc LayerDesc, dropoutRate float32) (Component, error) {
	base, err := BuildBaseLayer(desc)
	if err != nil {
		return nil, err
	}

	return WrapComponent(base, dropoutRate, desc.Class+"_prepost_wrapper")
}

// WrapComponent places a sub-layer inside a PrePost wrapper and ties
// the two Build phases together.
func WrapComponent(base Component, dropoutRate float32, name string) (Component, error) {
	wrapper, err := nn.NewPrePost(base, nn.PrePostConfig{DropoutRate: dropoutRate, Name: name})
	if err != nil {
		return nil, err
	}

	return &wrappedComponent{base: base, wrapper: wrapper}, nil
}

type wrappedComponent struct {
	base    Component
	wrapper *nn.PrePost
}

func (c *wrappedComponent) Build(ctx ml.Context, dims ...int) error {
	if err := c.base.Build(ctx, dims...); err != nil {
		return err
	}
	if len(dims) == 0 {
		return fmt.Errorf("model: component build needs the input width")
	}

	return c.wrapper.Build(ctx, dims[0])
}

func (c *wrappedComponent) Forward(ctx ml.Context, x ml.Tensor, opts ...nn.Option) ml.Tensor {
	return c.wrapper.Forward(ctx, x, opts...)
}
