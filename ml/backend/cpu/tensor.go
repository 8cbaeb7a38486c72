package cpu

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"

	"github.com/intUnderflow/neurst/ml"
)

// Tensor is a dense row-major array. Values are held as float32
// regardless of the declared dtype; the dtype controls the byte
// encoding produced by Bytes. Operations never mutate their operands,
// so built weights are safe for concurrent read-only forward passes.
type Tensor struct {
	b     *Backend
	dtype ml.DType
	shape []int
	data  []float32
}

func newTensor(b *Backend, dtype ml.DType, shape ...int) *Tensor {
	for i, dim := range shape {
		if dim <= 0 {
			panic(fmt.Errorf("cpu: shape[%d] must be positive, got %d", i, dim))
		}
	}

	return &Tensor{
		b:     b,
		dtype: dtype,
		shape: slicesClone(shape),
		data:  make([]float32, elems(shape)),
	}
}

func elems(shape []int) int {
	n := 1
	for _, dim := range shape {
		n *= dim
	}

	return n
}

func slicesClone(s []int) []int {
	out := make([]int, len(s))
	copy(out, s)
	return out
}

func (t *Tensor) Dim(n int) int {
	return t.shape[n]
}

func (t *Tensor) Rank() int {
	return len(t.shape)
}

func (t *Tensor) Shape() []int {
	return slicesClone(t.shape)
}

func (t *Tensor) DType() ml.DType {
	return t.dtype
}

func (t *Tensor) Floats() []float32 {
	out := make([]float32, len(t.data))
	copy(out, t.data)
	return out
}

func (t *Tensor) Bytes() []byte {
	switch t.dtype {
	case ml.DTypeF16:
		u16s := make([]uint16, len(t.data))
		for i, f := range t.data {
			u16s[i] = float16.Fromfloat32(f).Bits()
		}

		var buf bytes.Buffer
		if err := binary.Write(&buf, binary.LittleEndian, u16s); err != nil {
			panic(err)
		}
		return buf.Bytes()
	case ml.DTypeBF16:
		return bfloat16.EncodeFloat32(t.data)
	case ml.DTypeI32:
		i32s := make([]int32, len(t.data))
		for i, f := range t.data {
			i32s[i] = int32(f)
		}

		var buf bytes.Buffer
		if err := binary.Write(&buf, binary.LittleEndian, i32s); err != nil {
			panic(err)
		}
		return buf.Bytes()
	default:
		var buf bytes.Buffer
		if err := binary.Write(&buf, binary.LittleEndian, t.data); err != nil {
			panic(err)
		}
		return buf.Bytes()
	}
}

// FromBytes decodes a byte payload previously produced by Bytes,
// converting reduced-precision encodings back up to float32.
func FromBytes(ctx ml.Context, dtype ml.DType, data []byte, shape ...int) (ml.Tensor, error) {
	var f32s []float32
	switch dtype {
	case ml.DTypeF16:
		if len(data)%2 != 0 {
			return nil, fmt.Errorf("cpu: odd f16 payload of %d bytes", len(data))
		}

		u16s := make([]uint16, len(data)/2)
		if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, u16s); err != nil {
			return nil, err
		}

		f32s = make([]float32, len(u16s))
		for i, u := range u16s {
			f32s[i] = float16.Frombits(u).Float32()
		}
	case ml.DTypeBF16:
		f32s = bfloat16.DecodeFloat32(data)
	case ml.DTypeF32:
		f32s = make([]float32, len(data)/4)
		if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, f32s); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("cpu: cannot decode dtype %s", dtype)
	}

	return ctx.FromFloatSlice(f32s, shape...)
}

func (t *Tensor) Reshape(ctx ml.Context, shape ...int) ml.Tensor {
	if elems(shape) != len(t.data) {
		panic(fmt.Errorf("cpu: cannot reshape %v to %v", t.shape, shape))
	}

	return &Tensor{b: t.b, dtype: t.dtype, shape: slicesClone(shape), data: t.data}
}

func (t *Tensor) Permute(ctx ml.Context, axes ...int) ml.Tensor {
	if len(axes) != len(t.shape) {
		panic(fmt.Errorf("cpu: permute axes %v do not match rank %d", axes, len(t.shape)))
	}

	seen := make([]bool, len(axes))
	outShape := make([]int, len(axes))
	for i, axis := range axes {
		if axis < 0 || axis >= len(t.shape) || seen[axis] {
			panic(fmt.Errorf("cpu: invalid permute axes %v for shape %v", axes, t.shape))
		}
		seen[axis] = true
		outShape[i] = t.shape[axis]
	}

	out := newTensor(t.b, t.dtype, outShape...)

	inStrides := strides(t.shape)
	outStrides := strides(outShape)

	idx := make([]int, len(t.shape))
	for flat := range t.data {
		rem := flat
		for d, s := range inStrides {
			idx[d] = rem / s
			rem %= s
		}

		outFlat := 0
		for d, axis := range axes {
			outFlat += idx[axis] * outStrides[d]
		}

		out.data[outFlat] = t.data[flat]
	}

	return out
}

// Contiguous is a no-op: this backend materializes every result in
// row-major order.
func (t *Tensor) Contiguous(ctx ml.Context) ml.Tensor {
	return t
}

func (t *Tensor) Concat(ctx ml.Context, t2 ml.Tensor, dim int) ml.Tensor {
	u := t2.(*Tensor)
	if len(t.shape) != len(u.shape) || dim < 0 || dim >= len(t.shape) {
		panic(fmt.Errorf("cpu: cannot concat %v and %v on dim %d", t.shape, u.shape, dim))
	}

	for d := range t.shape {
		if d != dim && t.shape[d] != u.shape[d] {
			panic(fmt.Errorf("cpu: cannot concat %v and %v on dim %d", t.shape, u.shape, dim))
		}
	}

	outShape := slicesClone(t.shape)
	outShape[dim] += u.shape[dim]
	out := newTensor(t.b, t.dtype, outShape...)

	outer := elems(t.shape[:dim])
	inner := elems(t.shape[dim+1:])
	tBlock := t.shape[dim] * inner
	uBlock := u.shape[dim] * inner

	for i := 0; i < outer; i++ {
		copy(out.data[i*(tBlock+uBlock):], t.data[i*tBlock:(i+1)*tBlock])
		copy(out.data[i*(tBlock+uBlock)+tBlock:], u.data[i*uBlock:(i+1)*uBlock])
	}

	return out
}

func (t *Tensor) Split(ctx ml.Context, dim int, sizes ...int) []ml.Tensor {
	if dim < 0 || dim >= len(t.shape) {
		panic(fmt.Errorf("cpu: split dim %d out of range for shape %v", dim, t.shape))
	}

	total := 0
	for _, size := range sizes {
		total += size
	}
	if total != t.shape[dim] {
		panic(fmt.Errorf("cpu: split sizes %v do not sum to dim %d of shape %v", sizes, dim, t.shape))
	}

	outer := elems(t.shape[:dim])
	inner := elems(t.shape[dim+1:])

	outs := make([]ml.Tensor, len(sizes))
	offset := 0
	for n, size := range sizes {
		outShape := slicesClone(t.shape)
		outShape[dim] = size
		out := newTensor(t.b, t.dtype, outShape...)

		for i := 0; i < outer; i++ {
			src := i*t.shape[dim]*inner + offset*inner
			copy(out.data[i*size*inner:(i+1)*size*inner], t.data[src:src+size*inner])
		}

		offset += size
		outs[n] = out
	}

	return outs
}

// Rows gathers rows of a [rows, cols...] table by integer index. The
// output shape is the index shape followed by the table's row shape.
func (t *Tensor) Rows(ctx ml.Context, indices ml.Tensor) ml.Tensor {
	ids := indices.(*Tensor)
	rowSize := elems(t.shape[1:])

	outShape := append(ids.Shape(), t.shape[1:]...)
	out := newTensor(t.b, t.dtype, outShape...)

	for i, f := range ids.data {
		row := int(f)
		if row < 0 || row >= t.shape[0] {
			panic(fmt.Errorf("cpu: row index %d out of range [0, %d)", row, t.shape[0]))
		}

		copy(out.data[i*rowSize:(i+1)*rowSize], t.data[row*rowSize:(row+1)*rowSize])
	}

	return out
}

func strides(shape []int) []int {
	out := make([]int, len(shape))
	s := 1
	for d := len(shape) - 1; d >= 0; d-- {
		out[d] = s
		s *= shape[d]
	}

	return out
}

// Convert re-encodes t's values through dtype and returns a tensor of
// that dtype. Converting to a reduced-precision dtype rounds every
// value to what the encoding can represent.
func Convert(ctx ml.Context, t ml.Tensor, dtype ml.DType) (ml.Tensor, error) {
	src, ok := t.(*Tensor)
	if !ok {
		return nil, fmt.Errorf("cpu: cannot convert foreign tensor %T", t)
	}

	out := newTensor(src.b, dtype, src.shape...)
	copy(out.data, src.data)

	switch dtype {
	case ml.DTypeF16:
		for i, v := range out.data {
			out.data[i] = float16.Fromfloat32(v).Float32()
		}
	case ml.DTypeBF16:
		rounded := bfloat16.DecodeFloat32(bfloat16.EncodeFloat32(out.data))
		copy(out.data, rounded)
	case ml.DTypeF32, ml.DTypeI32:
	default:
		return nil, fmt.Errorf("cpu: cannot convert to dtype %s", dtype)
	}

	return out, nil
}
