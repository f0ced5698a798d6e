package cpu

import (
	"fmt"

	"github.com/born-ml/autograd/internal/tensor"
)

// Shape operations move whole elements and never look at their values,
// so they work on the byte buffer directly and are dtype independent.

// Reshape returns a copy of x with a new shape of the same element count.
func (cpu *CPUBackend) Reshape(x *tensor.RawTensor, shape tensor.Shape) (*tensor.RawTensor, error) {
	if err := checkDefined("reshape", x); err != nil {
		return nil, err
	}
	if shape.NumElements() != x.NumElements() {
		return nil, fmt.Errorf("%w: reshape: cannot reshape %v (%d elements) to %v (%d elements)",
			tensor.ErrShapeMismatch, x.Shape(), x.NumElements(), shape, shape.NumElements())
	}
	result, err := cpu.alloc("reshape", shape, x.DType())
	if err != nil {
		return nil, err
	}
	copy(result.Data(), x.Data())
	return result, nil
}

// Expand broadcasts x to shape following right-aligned NumPy rules.
func (cpu *CPUBackend) Expand(x *tensor.RawTensor, shape tensor.Shape) (*tensor.RawTensor, error) {
	if err := checkDefined("expand", x); err != nil {
		return nil, err
	}
	if err := x.Shape().ExpandableTo(shape); err != nil {
		return nil, fmt.Errorf("expand: %w", err)
	}
	result, err := cpu.alloc("expand", shape, x.DType())
	if err != nil {
		return nil, err
	}

	elem := x.DType().Size()
	src, dst := x.Data(), result.Data()
	for i, s := range broadcastIndex(x.Shape(), shape) {
		copy(dst[i*elem:(i+1)*elem], src[s*elem:(s+1)*elem])
	}
	return result, nil
}

// Transpose swaps two dimensions.
func (cpu *CPUBackend) Transpose(x *tensor.RawTensor, dim0, dim1 int) (*tensor.RawTensor, error) {
	if err := checkDefined("transpose", x); err != nil {
		return nil, err
	}
	rank := len(x.Shape())
	if dim0 < 0 || dim0 >= rank || dim1 < 0 || dim1 >= rank {
		return nil, fmt.Errorf("%w: transpose: dims (%d, %d) out of range for rank %d",
			tensor.ErrShapeMismatch, dim0, dim1, rank)
	}

	outShape := x.Shape().Clone()
	outShape[dim0], outShape[dim1] = outShape[dim1], outShape[dim0]
	result, err := cpu.alloc("transpose", outShape, x.DType())
	if err != nil {
		return nil, err
	}

	// Strides of x permuted into output coordinate order.
	srcStrides := append([]int(nil), x.Strides()...)
	srcStrides[dim0], srcStrides[dim1] = srcStrides[dim1], srcStrides[dim0]

	elem := x.DType().Size()
	src, dst := x.Data(), result.Data()
	coords := make([]int, rank)
	for lin := 0; lin < result.NumElements(); lin++ {
		s := 0
		for d := range coords {
			s += coords[d] * srcStrides[d]
		}
		copy(dst[lin*elem:(lin+1)*elem], src[s*elem:(s+1)*elem])

		for d := rank - 1; d >= 0; d-- {
			coords[d]++
			if coords[d] < outShape[d] {
				break
			}
			coords[d] = 0
		}
	}
	return result, nil
}

// Narrow returns a copy of x restricted to [start, start+length) along dim.
func (cpu *CPUBackend) Narrow(x *tensor.RawTensor, dim, start, length int) (*tensor.RawTensor, error) {
	if err := checkDefined("narrow", x); err != nil {
		return nil, err
	}
	shape := x.Shape()
	if dim < 0 || dim >= len(shape) {
		return nil, fmt.Errorf("%w: narrow: dim %d out of range for rank %d", tensor.ErrShapeMismatch, dim, len(shape))
	}
	if start < 0 || length <= 0 || start+length > shape[dim] {
		return nil, fmt.Errorf("%w: narrow: range [%d, %d) out of bounds for dimension %d of size %d",
			tensor.ErrShapeMismatch, start, start+length, dim, shape[dim])
	}

	outShape := shape.Clone()
	outShape[dim] = length
	result, err := cpu.alloc("narrow", outShape, x.DType())
	if err != nil {
		return nil, err
	}

	outer, inner := blocks(shape, dim)
	inner *= x.DType().Size()
	src, dst := x.Data(), result.Data()
	for o := 0; o < outer; o++ {
		from := (o*shape[dim] + start) * inner
		to := o * length * inner
		copy(dst[to:to+length*inner], src[from:from+length*inner])
	}
	return result, nil
}

// Cat concatenates tensors along dim. All other dimensions must match.
func (cpu *CPUBackend) Cat(xs []*tensor.RawTensor, dim int) (*tensor.RawTensor, error) {
	if len(xs) == 0 {
		return nil, fmt.Errorf("%w: cat: no tensors", tensor.ErrShapeMismatch)
	}
	if err := checkDefined("cat", xs...); err != nil {
		return nil, err
	}
	if err := checkSameDType("cat", xs...); err != nil {
		return nil, err
	}

	first := xs[0].Shape()
	if dim < 0 || dim >= len(first) {
		return nil, fmt.Errorf("%w: cat: dim %d out of range for rank %d", tensor.ErrShapeMismatch, dim, len(first))
	}
	outShape := first.Clone()
	outShape[dim] = 0
	for i, x := range xs {
		s := x.Shape()
		if len(s) != len(first) {
			return nil, fmt.Errorf("%w: cat: tensor %d has rank %d, expected %d", tensor.ErrShapeMismatch, i, len(s), len(first))
		}
		for d := range s {
			if d != dim && s[d] != first[d] {
				return nil, fmt.Errorf("%w: cat: tensor %d has shape %v, incompatible with %v",
					tensor.ErrShapeMismatch, i, s, first)
			}
		}
		outShape[dim] += s[dim]
	}

	result, err := cpu.alloc("cat", outShape, xs[0].DType())
	if err != nil {
		return nil, err
	}

	outer, inner := blocks(first, dim)
	inner *= xs[0].DType().Size()
	dst := result.Data()
	pos := 0
	for o := 0; o < outer; o++ {
		for _, x := range xs {
			n := x.Shape()[dim] * inner
			copy(dst[pos:pos+n], x.Data()[o*n:(o+1)*n])
			pos += n
		}
	}
	return result, nil
}

// blocks returns the number of elements before and after dim.
func blocks(shape tensor.Shape, dim int) (outer, inner int) {
	outer, inner = 1, 1
	for d := 0; d < dim; d++ {
		outer *= shape[d]
	}
	for d := dim + 1; d < len(shape); d++ {
		inner *= shape[d]
	}
	return outer, inner
}
