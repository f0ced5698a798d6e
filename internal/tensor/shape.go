package tensor

import "fmt"

// Shape represents the dimensions of a tensor.
type Shape []int

// NumElements returns the total number of elements in the tensor.
func (s Shape) NumElements() int {
	if len(s) == 0 {
		return 1 // Scalar has 1 element
	}
	n := 1
	for _, dim := range s {
		n *= dim
	}
	return n
}

// Validate checks if the shape is valid (all dimensions > 0).
func (s Shape) Validate() error {
	for i, dim := range s {
		if dim <= 0 {
			return fmt.Errorf("%w: invalid dimension at index %d: %d (must be > 0)", ErrShapeMismatch, i, dim)
		}
	}
	return nil
}

// Equal checks if two shapes are equal.
func (s Shape) Equal(other Shape) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

// Clone returns a copy of the shape.
func (s Shape) Clone() Shape {
	clone := make(Shape, len(s))
	copy(clone, s)
	return clone
}

// ComputeStrides calculates row-major strides for the shape.
// Strides define memory layout: stride[i] = product of all dimensions after i.
func (s Shape) ComputeStrides() []int {
	strides := make([]int, len(s))
	if len(s) == 0 {
		return strides
	}

	strides[len(s)-1] = 1
	for i := len(s) - 2; i >= 0; i-- {
		strides[i] = strides[i+1] * s[i+1]
	}
	return strides
}

// ExpandableTo reports whether s can be broadcast to target following
// NumPy rules: shapes are aligned from the right and every source dimension
// must either match the target or be 1.
//
// Examples:
//
//	(3, 1)  -> (2, 3, 5)  ok
//	()      -> (4, 4)     ok
//	(3, 4)  -> (3, 5)     error
func (s Shape) ExpandableTo(target Shape) error {
	if len(s) > len(target) {
		return fmt.Errorf("%w: cannot expand %v to lower rank %v", ErrShapeMismatch, s, target)
	}
	offset := len(target) - len(s)
	for i, dim := range s {
		if dim != 1 && dim != target[offset+i] {
			return fmt.Errorf("%w: cannot expand %v to %v (dimension %d: %d vs %d)",
				ErrShapeMismatch, s, target, i, dim, target[offset+i])
		}
	}
	return nil
}

// String formats the shape as (d0, d1, ...).
func (s Shape) String() string {
	out := "("
	for i, d := range s {
		if i > 0 {
			out += ", "
		}
		out += fmt.Sprint(d)
	}
	return out + ")"
}
