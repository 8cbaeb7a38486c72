package kvcache

import (
	"github.com/intUnderflow/neurst/ml"
)

// DecoderCache accumulates self-attention key/value history across
// decoding steps. Tensors are shaped [batch, length, heads,
// unitsPerHead]; Put concatenates the new step(s) onto the history
// along the length axis and stores the concatenation as a fresh
// tensor.
type DecoderCache struct {
	curLayer     int
	keys, values []ml.Tensor
}

func NewDecoderCache() *DecoderCache {
	return &DecoderCache{}
}

func (c *DecoderCache) SetLayer(layer int) {
	if layer >= len(c.keys) {
		c.keys = append(c.keys, make([]ml.Tensor, layer-len(c.keys)+1)...)
		c.values = append(c.values, make([]ml.Tensor, layer-len(c.values)+1)...)
	}

	c.curLayer = layer
}

func (c *DecoderCache) Get(ctx ml.Context) (ml.Tensor, ml.Tensor) {
	if c.curLayer >= len(c.keys) {
		return nil, nil
	}

	return c.keys[c.curLayer], c.values[c.curLayer]
}

func (c *DecoderCache) Put(ctx ml.Context, key, value ml.Tensor) (ml.Tensor, ml.Tensor) {
	c.SetLayer(c.curLayer)

	if c.keys[c.curLayer] != nil {
		key = c.keys[c.curLayer].Concat(ctx, key, 1)
		value = c.values[c.curLayer].Concat(ctx, value, 1)
	}

	c.keys[c.curLayer] = key
	c.values[c.curLayer] = value

	return key, value
}

func (c *DecoderCache) Len() int {
	if c.curLayer >= len(c.keys) || c.keys[c.curLayer] == nil {
		return 0
	}

	return c.keys[c.curLayer].Dim(1)
}

func (c *DecoderCache) Reset() {
	c.keys = nil
	c.values = nil
	c.curLayer = 0
}
