package cpu

import (
	"fmt"

	"github.com/born-ml/autograd/internal/tensor"
)

// Sum reduces all elements to a scalar tensor of shape ().
func (cpu *CPUBackend) Sum(x *tensor.RawTensor) (*tensor.RawTensor, error) {
	if err := checkDefined("sum", x); err != nil {
		return nil, err
	}
	result, err := cpu.alloc("sum", tensor.Shape{}, x.DType())
	if err != nil {
		return nil, err
	}

	switch x.DType() {
	case tensor.Float32:
		result.AsFloat32()[0] = sumAll(x.AsFloat32())
	case tensor.Float64:
		result.AsFloat64()[0] = sumAll(x.AsFloat64())
	default:
		return nil, fmt.Errorf("%w: sum: dtype %s", tensor.ErrUnsupported, x.DType())
	}
	return result, nil
}

// SumTo reduces x to shape by summing over broadcast dimensions.
// It is the adjoint of Expand: shape must be expandable to x's shape.
func (cpu *CPUBackend) SumTo(x *tensor.RawTensor, shape tensor.Shape) (*tensor.RawTensor, error) {
	if err := checkDefined("sum_to", x); err != nil {
		return nil, err
	}
	if err := shape.ExpandableTo(x.Shape()); err != nil {
		return nil, fmt.Errorf("sum_to: %w", err)
	}
	result, err := cpu.alloc("sum_to", shape, x.DType())
	if err != nil {
		return nil, err
	}

	index := broadcastIndex(shape, x.Shape())
	switch x.DType() {
	case tensor.Float32:
		scatterAdd(result.AsFloat32(), x.AsFloat32(), index)
	case tensor.Float64:
		scatterAdd(result.AsFloat64(), x.AsFloat64(), index)
	default:
		return nil, fmt.Errorf("%w: sum_to: dtype %s", tensor.ErrUnsupported, x.DType())
	}
	return result, nil
}

func sumAll[T float](xs []T) T {
	var s T
	for _, v := range xs {
		s += v
	}
	return s
}

func scatterAdd[T float](dst, src []T, index []int) {
	for i, v := range src {
		dst[index[i]] += v
	}
}

// broadcastIndex maps every linear index of the broadcast shape dst to the
// linear index of the element of src it reads from. Shapes are right-aligned
// and size-1 source dimensions are repeated.
func broadcastIndex(src, dst tensor.Shape) []int {
	n := dst.NumElements()
	index := make([]int, n)

	offset := len(dst) - len(src)
	srcStrides := src.ComputeStrides()
	bstride := make([]int, len(dst))
	for i := range src {
		if src[i] != 1 {
			bstride[offset+i] = srcStrides[i]
		}
	}

	coords := make([]int, len(dst))
	for lin := 0; lin < n; lin++ {
		s := 0
		for d := range dst {
			s += coords[d] * bstride[d]
		}
		index[lin] = s

		for d := len(dst) - 1; d >= 0; d-- {
			coords[d]++
			if coords[d] < dst[d] {
				break
			}
			coords[d] = 0
		}
	}
	return index
}
