// Package kvcache holds projected key/value history for incremental
// decoding. A cache is owned by the decoding loop and lent to
// attention for the duration of one step; it must have at most one
// writer per decoding step.
package kvcache

import (
	"github.com/intUnderflow/neurst/ml"
)

type Cache interface {
	// SetLayer selects the layer the next Get and Put apply to.
	SetLayer(layer int)

	// Get returns the cached key/value for the active layer, or nil
	// tensors if nothing is cached.
	Get(ctx ml.Context) (ml.Tensor, ml.Tensor)

	// Put stores key/value for the active layer and returns the
	// tensors attention should compute against. Implementations
	// replace the stored entry rather than mutating it, so a tensor
	// previously returned by Get or Put is never changed underneath
	// its holder.
	Put(ctx ml.Context, key, value ml.Tensor) (ml.Tensor, ml.Tensor)

	// Len returns the cached sequence length of the active layer.
	Len() int

	// Reset drops all cached history.
	Reset()
}
