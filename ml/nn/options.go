package nn

import (
	"github.com/intUnderflow/neurst/kvcache"
	"github.com/intUnderflow/neurst/ml"
)

// Sublayer is any layer that can sit inside a PrePost wrapper. The
// wrapper forwards every caller-supplied option to the inner layer
// untouched; layers ignore options they have no use for.
type Sublayer interface {
	Forward(ctx ml.Context, x ml.Tensor, opts ...Option) ml.Tensor
}

// Options carries the per-call parameters shared across layers.
type Options struct {
	// Training enables dropout. Layers never apply dropout outside
	// of training mode.
	Training bool

	// Mask is an additive attention bias, zero at valid positions
	// and a large negative value at masked ones, broadcastable to
	// [batch, heads, queryLen, keyLen]. Omitting it where causal
	// masking is expected silently attends to every position; that
	// is the caller's responsibility.
	Mask ml.Tensor

	// Memory is the key/value source sequence for cross-attention.
	Memory ml.Tensor

	// Cache holds key/value history for incremental decoding.
	Cache kvcache.Cache

	// Mode selects the embedding layer's operating mode.
	Mode string

	// Time is the absolute position of a single-step input. HasTime
	// distinguishes an explicit zero from an omitted value.
	Time    int
	HasTime bool
}

type Option func(*Options)

func WithTraining() Option {
	return func(o *Options) {
		o.Training = true
	}
}

func WithMask(mask ml.Tensor) Option {
	return func(o *Options) {
		o.Mask = mask
	}
}

func WithMemory(memory ml.Tensor) Option {
	return func(o *Options) {
		o.Memory = memory
	}
}

func WithCache(cache kvcache.Cache) Option {
	return func(o *Options) {
		o.Cache = cache
	}
}

func WithMode(mode string) Option {
	return func(o *Options) {
		o.Mode = mode
	}
}

func WithTime(time int) Option {
	return func(o *Options) {
		o.Time = time
		o.HasTime = true
	}
}

func collect(opts []Option) Options {
	var o Options
	for _, opt := range opts {
		opt(&o)
	}

	return o
}
