package nn

import (
	"fmt"
	"strings"

	"github.com/intUnderflow/neurst/ml"
)

// Activation is an elementwise nonlinearity applied to a layer's
// output.
type Activation func(ml.Context, ml.Tensor) ml.Tensor

// ResolveActivation maps an activation name to its function. The
// empty string, "none" and "linear" resolve to nil, meaning no
// activation.
func ResolveActivation(name string) (Activation, error) {
	switch strings.ToLower(name) {
	case "", "none", "linear":
		return nil, nil
	case "relu":
		return func(ctx ml.Context, t ml.Tensor) ml.Tensor { return t.ReLU(ctx) }, nil
	case "gelu":
		return func(ctx ml.Context, t ml.Tensor) ml.Tensor { return t.GELU(ctx) }, nil
	case "silu", "swish":
		return func(ctx ml.Context, t ml.Tensor) ml.Tensor { return t.SILU(ctx) }, nil
	case "tanh":
		return func(ctx ml.Context, t ml.Tensor) ml.Tensor { return t.Tanh(ctx) }, nil
	default:
		return nil, fmt.Errorf("nn: unknown activation %q", name)
	}
}
