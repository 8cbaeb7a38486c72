package kvcache

import (
	"github.com/intUnderflow/neurst/ml"
)

// MemoryCache stores cross-attention key/value projected from an
// encoder output. The memory sequence never grows during decoding,
// so Put replaces the entry instead of concatenating; attention
// checks Get first and skips reprojection on a hit.
type MemoryCache struct {
	curLayer     int
	keys, values []ml.Tensor
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{}
}

func (c *MemoryCache) SetLayer(layer int) {
	if layer >= len(c.keys) {
		c.keys = append(c.keys, make([]ml.Tensor, layer-len(c.keys)+1)...)
		c.values = append(c.values, make([]ml.Tensor, layer-len(c.values)+1)...)
	}

	c.curLayer = layer
}

func (c *MemoryCache) Get(ctx ml.Context) (ml.Tensor, ml.Tensor) {
	if c.curLayer >= len(c.keys) {
		return nil, nil
	}

	return c.keys[c.curLayer], c.values[c.curLayer]
}

func (c *MemoryCache) Put(ctx ml.Context, key, value ml.Tensor) (ml.Tensor, ml.Tensor) {
	c.SetLayer(c.curLayer)

	c.keys[c.curLayer] = key
	c.values[c.curLayer] = value

	return key, value
}

func (c *MemoryCache) Len() int {
	if c.curLayer >= len(c.keys) || c.keys[c.curLayer] == nil {
		return 0
	}

	return c.keys[c.curLayer].Dim(1)
}

func (c *MemoryCache) Reset() {
	c.keys = nil
	c.values = nil
	c.curLayer = 0
}
