// Package model assembles the layer packages into whole networks and
// keeps the static registration tables that build them from
// serialized descriptions. Registration happens in init functions at
// process start; there is no runtime discovery.
package model

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/intUnderflow/neurst/ml"
	"github.com/intUnderflow/neurst/ml/nn"
)

// Model is a buildable network. Build allocates every weight exactly
// once; Forward may then be called repeatedly and, for inference,
// concurrently.
type Model interface {
	Build(ctx ml.Context) error
	Forward(ctx ml.Context, inputs ml.Tensor, opts ...nn.Option) ml.Tensor
}

var models = make(map[string]func(json.RawMessage) (Model, error))

func Register(name string, f func(json.RawMessage) (Model, error)) {
	if _, ok := models[name]; ok {
		panic("model: model already registered")
	}

	models[name] = f
}

// Description is the serialized form of a model: a registry key plus
// the configuration record to build it from.
type Description struct {
	Model  string          `json:"model"`
	Config json.RawMessage `json:"config"`
}

func New(name string, config json.RawMessage) (Model, error) {
	f, ok := models[name]
	if !ok {
		return nil, fmt.Errorf("model: unsupported architecture %q", name)
	}

	slog.Debug("building model", "model", name)
	return f(config)
}

// Unmarshal builds a model from a serialized Description.
func Unmarshal(data []byte) (Model, error) {
	var desc Description
	if err := json.Unmarshal(data, &desc); err != nil {
		return nil, fmt.Errorf("model: invalid description: %w", err)
	}

	return New(desc.Model, desc.Config)
}
