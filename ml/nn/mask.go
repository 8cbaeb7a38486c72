package nn

import (
	"fmt"

	"github.com/intUnderflow/neurst/ml"
)

// maskPenalty is the additive bias at masked positions. Large enough
// that softmax assigns them numerically zero weight, small enough to
// stay finite in float32.
const maskPenalty = -1e9

// PaddingBias builds an additive attention bias from per-sequence
// valid lengths: zero at valid key positions, a large negative value
// at padded ones. The [batch, 1, 1, length] shape broadcasts over
// heads and query positions.
func PaddingBias(ctx ml.Context, lengths []int, maxLen int) ml.Tensor {
	data := make([]float32, len(lengths)*maxLen)
	for i, length := range lengths {
		if length < 0 || length > maxLen {
			panic(fmt.Errorf("nn: valid length %d out of range [0, %d]", length, maxLen))
		}

		for j := length; j < maxLen; j++ {
			data[i*maxLen+j] = maskPenalty
		}
	}

	mask, err := ctx.FromFloatSlice(data, len(lengths), 1, 1, maxLen)
	if err != nil {
		panic(err)
	}

	return mask
}

// CausalBias builds the lower-triangular bias that stops queries from
// attending to future positions. The [1, 1, length, length] shape
// broadcasts over batch and heads.
func CausalBias(ctx ml.Context, length int) ml.Tensor {
	data := make([]float32, length*length)
	for i := 0; i < length; i++ {
		for j := i + 1; j < length; j++ {
			data[i*length+j] = maskPenalty
		}
	}

	mask, err := ctx.FromFloatSlice(data, 1, 1, length, length)
	if err != nil {
		panic(err)
	}

	return mask
}
