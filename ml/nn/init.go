package nn

import (
	"fmt"
	"strings"

	"github.com/chewxy/math32"

	"github.com/intUnderflow/neurst/ml"
)

// Initializer draws the initial values of a weight tensor. fanIn and
// fanOut describe the projection the weight belongs to so scaled
// schemes can size their distributions.
type Initializer func(ctx ml.Context, fanIn, fanOut int, shape ...int) ml.Tensor

// ResolveInitializer maps an initializer name to its function. The
// empty string resolves to glorot uniform for kernels; bias-type
// weights should name "zeros" explicitly.
func ResolveInitializer(name string) (Initializer, error) {
	switch strings.ToLower(name) {
	case "", "glorot_uniform":
		return func(ctx ml.Context, fanIn, fanOut int, shape ...int) ml.Tensor {
			limit := math32.Sqrt(6 / float32(fanIn+fanOut))
			return ctx.Uniform(-limit, limit, shape...)
		}, nil
	case "zeros":
		return func(ctx ml.Context, fanIn, fanOut int, shape ...int) ml.Tensor {
			return ctx.Zeros(ml.DTypeF32, shape...)
		}, nil
	case "ones":
		return func(ctx ml.Context, fanIn, fanOut int, shape ...int) ml.Tensor {
			return ctx.Ones(ml.DTypeF32, shape...)
		}, nil
	case "random_normal":
		return func(ctx ml.Context, fanIn, fanOut int, shape ...int) ml.Tensor {
			return ctx.Normal(0, 0.05, shape...)
		}, nil
	default:
		return nil, fmt.Errorf("nn: unknown initializer %q", name)
	}
}
