package autograd

import (
	"context"
	"fmt"

	"github.com/born-ml/autograd/internal/tensor"
	"github.com/born-ml/autograd/internal/trace"
)

// Differentiable primitives. Every backward node is written in terms of
// these same functions, so gradients of gradients come for free when the
// engine runs with CreateGraph.

func unaryKernel(f func(b tensor.Backend, x *tensor.RawTensor) (*tensor.RawTensor, error)) trace.Kernel {
	return func(b tensor.Backend, in []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
		out, err := f(b, in[0])
		if err != nil {
			return nil, err
		}
		return []*tensor.RawTensor{out}, nil
	}
}

// apply runs a single-output kernel and wraps the result.
func apply(ctx context.Context, name string, kernel trace.Kernel, inputs []*Variable, makeNode func(NodeBase) Node) (*Variable, error) {
	for i, in := range inputs {
		if in == nil {
			return nil, undefinedInput(name, i)
		}
	}
	outs, err := RunKernel(ctx, name, kernel, inputs)
	if err != nil {
		return nil, err
	}
	return WrapOutputs(ctx, inputs, outs, makeNode)[0], nil
}

func undefinedInput(name string, i int) error {
	return fmt.Errorf("%w: %s: input %d is undefined", ErrInvalidArgument, name, i)
}

// Add returns a + b. Shapes must match; use Expand to broadcast.
func Add(ctx context.Context, a, b *Variable) (*Variable, error) {
	kernel := func(be tensor.Backend, in []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
		out, err := be.Add(in[0], in[1])
		if err != nil {
			return nil, err
		}
		return []*tensor.RawTensor{out}, nil
	}
	return apply(ctx, "Add", kernel, []*Variable{a, b}, func(base NodeBase) Node {
		return &AddBackward{NodeBase: base}
	})
}

// Mul returns the element-wise product a * b.
func Mul(ctx context.Context, a, b *Variable) (*Variable, error) {
	kernel := func(be tensor.Backend, in []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
		out, err := be.Mul(in[0], in[1])
		if err != nil {
			return nil, err
		}
		return []*tensor.RawTensor{out}, nil
	}
	return apply(ctx, "Mul", kernel, []*Variable{a, b}, func(base NodeBase) Node {
		return &MulBackward{
			NodeBase: base,
			a:        SaveVariable(a, false),
			b:        SaveVariable(b, false),
		}
	})
}

// Neg returns -x.
func Neg(ctx context.Context, x *Variable) (*Variable, error) {
	return apply(ctx, "Neg", unaryKernel(tensor.Backend.Neg), []*Variable{x}, func(base NodeBase) Node {
		return &NegBackward{NodeBase: base}
	})
}

// MulScalar returns x * scalar.
func MulScalar(ctx context.Context, x *Variable, scalar float64) (*Variable, error) {
	kernel := unaryKernel(func(be tensor.Backend, r *tensor.RawTensor) (*tensor.RawTensor, error) {
		return be.MulScalar(r, scalar)
	})
	return apply(ctx, "MulScalar", kernel, []*Variable{x}, func(base NodeBase) Node {
		return &MulScalarBackward{NodeBase: base, scalar: scalar}
	})
}

// Sum reduces x to a scalar.
func Sum(ctx context.Context, x *Variable) (*Variable, error) {
	if x == nil {
		return nil, undefinedInput("Sum", 0)
	}
	shape := x.Data().Shape().Clone()
	return apply(ctx, "Sum", unaryKernel(tensor.Backend.Sum), []*Variable{x}, func(base NodeBase) Node {
		return &SumBackward{NodeBase: base, shape: shape}
	})
}

// SumTo reduces x to shape by summing broadcast dimensions.
func SumTo(ctx context.Context, x *Variable, shape tensor.Shape) (*Variable, error) {
	if x == nil {
		return nil, undefinedInput("SumTo", 0)
	}
	inShape := x.Data().Shape().Clone()
	shape = shape.Clone()
	kernel := unaryKernel(func(be tensor.Backend, r *tensor.RawTensor) (*tensor.RawTensor, error) {
		return be.SumTo(r, shape)
	})
	return apply(ctx, "SumTo", kernel, []*Variable{x}, func(base NodeBase) Node {
		return &SumToBackward{NodeBase: base, shape: inShape}
	})
}

// View returns x with a new shape of the same element count. The data is
// copied, so mutating the result never affects x.
func View(ctx context.Context, x *Variable, shape tensor.Shape) (*Variable, error) {
	if x == nil {
		return nil, undefinedInput("View", 0)
	}
	inShape := x.Data().Shape().Clone()
	shape = shape.Clone()
	kernel := unaryKernel(func(be tensor.Backend, r *tensor.RawTensor) (*tensor.RawTensor, error) {
		return be.Reshape(r, shape)
	})
	return apply(ctx, "View", kernel, []*Variable{x}, func(base NodeBase) Node {
		return &ViewBackward{NodeBase: base, shape: inShape}
	})
}

// Expand broadcasts x to shape.
func Expand(ctx context.Context, x *Variable, shape tensor.Shape) (*Variable, error) {
	if x == nil {
		return nil, undefinedInput("Expand", 0)
	}
	inShape := x.Data().Shape().Clone()
	shape = shape.Clone()
	kernel := unaryKernel(func(be tensor.Backend, r *tensor.RawTensor) (*tensor.RawTensor, error) {
		return be.Expand(r, shape)
	})
	return apply(ctx, "Expand", kernel, []*Variable{x}, func(base NodeBase) Node {
		return &ExpandBackward{NodeBase: base, shape: inShape}
	})
}

// Transpose swaps dimensions dim0 and dim1.
func Transpose(ctx context.Context, x *Variable, dim0, dim1 int) (*Variable, error) {
	kernel := unaryKernel(func(be tensor.Backend, r *tensor.RawTensor) (*tensor.RawTensor, error) {
		return be.Transpose(r, dim0, dim1)
	})
	return apply(ctx, "Transpose", kernel, []*Variable{x}, func(base NodeBase) Node {
		return &TransposeBackward{NodeBase: base, dim0: dim0, dim1: dim1}
	})
}

// Narrow returns the slice [start, start+length) of x along dim.
func Narrow(ctx context.Context, x *Variable, dim, start, length int) (*Variable, error) {
	if x == nil {
		return nil, undefinedInput("Narrow", 0)
	}
	inShape := x.Data().Shape().Clone()
	kernel := unaryKernel(func(be tensor.Backend, r *tensor.RawTensor) (*tensor.RawTensor, error) {
		return be.Narrow(r, dim, start, length)
	})
	return apply(ctx, "Narrow", kernel, []*Variable{x}, func(base NodeBase) Node {
		return &NarrowBackward{NodeBase: base, shape: inShape, dim: dim, start: start}
	})
}

// unnarrow embeds g into a zero tensor of shape at offset start along dim.
// It is the adjoint of Narrow.
func unnarrow(ctx context.Context, g *Variable, shape tensor.Shape, dim, start int) (*Variable, error) {
	length := g.Data().Shape()[dim]
	kernel := unaryKernel(func(be tensor.Backend, r *tensor.RawTensor) (*tensor.RawTensor, error) {
		parts := make([]*tensor.RawTensor, 0, 3)
		pad := func(size int) error {
			if size == 0 {
				return nil
			}
			s := shape.Clone()
			s[dim] = size
			z, err := be.Zeros(s, r.DType())
			if err != nil {
				return err
			}
			parts = append(parts, z)
			return nil
		}
		if err := pad(start); err != nil {
			return nil, err
		}
		parts = append(parts, r)
		if err := pad(shape[dim] - start - length); err != nil {
			return nil, err
		}
		return be.Cat(parts, dim)
	})
	return apply(ctx, "NarrowGrad", kernel, []*Variable{g}, func(base NodeBase) Node {
		return &unnarrowBackward{NodeBase: base, dim: dim, start: start, length: length}
	})
}

// Cat concatenates xs along dim.
func Cat(ctx context.Context, xs []*Variable, dim int) (*Variable, error) {
	if len(xs) == 0 {
		return nil, fmt.Errorf("%w: Cat: no inputs", ErrInvalidArgument)
	}
	sizes := make([]int, len(xs))
	for i, x := range xs {
		if x == nil {
			return nil, undefinedInput("Cat", i)
		}
		if shape := x.Data().Shape(); dim >= 0 && dim < len(shape) {
			sizes[i] = shape[dim]
		}
	}
	kernel := func(be tensor.Backend, in []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
		out, err := be.Cat(in, dim)
		if err != nil {
			return nil, err
		}
		return []*tensor.RawTensor{out}, nil
	}
	return apply(ctx, "Cat", kernel, xs, func(base NodeBase) Node {
		return &CatBackward{NodeBase: base, dim: dim, sizes: sizes}
	})
}

// AddBackward passes the gradient to both operands.
type AddBackward struct {
	NodeBase
	Transparent
}

// Name returns the node name.
func (n *AddBackward) Name() string { return "AddBackward" }

// Apply implements Node.
func (n *AddBackward) Apply(_ context.Context, grads []*Variable) ([]*Variable, error) {
	if err := checkGrads(n, grads, 1); err != nil {
		return nil, err
	}
	out := make([]*Variable, 2)
	for i := range out {
		if n.ShouldComputeOutput(i) {
			out[i] = grads[0]
		}
	}
	return out, nil
}

// MulBackward computes g*b and g*a from the saved operands.
type MulBackward struct {
	NodeBase
	Transparent

	a, b *SavedVariable
}

// Name returns the node name.
func (n *MulBackward) Name() string { return "MulBackward" }

// Apply implements Node.
func (n *MulBackward) Apply(ctx context.Context, grads []*Variable) ([]*Variable, error) {
	if err := checkGrads(n, grads, 1); err != nil {
		return nil, err
	}
	a, err := n.a.Unpack(n)
	if err != nil {
		return nil, err
	}
	b, err := n.b.Unpack(n)
	if err != nil {
		return nil, err
	}

	out := make([]*Variable, 2)
	if n.ShouldComputeOutput(0) {
		if out[0], err = Mul(ctx, grads[0], b); err != nil {
			return nil, err
		}
	}
	if n.ShouldComputeOutput(1) {
		if out[1], err = Mul(ctx, grads[0], a); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ReleaseVariables frees both operands.
func (n *MulBackward) ReleaseVariables() {
	n.a.Release()
	n.b.Release()
}

// NegBackward negates the gradient.
type NegBackward struct {
	NodeBase
	Transparent
}

// Name returns the node name.
func (n *NegBackward) Name() string { return "NegBackward" }

// Apply implements Node.
func (n *NegBackward) Apply(ctx context.Context, grads []*Variable) ([]*Variable, error) {
	if err := checkGrads(n, grads, 1); err != nil {
		return nil, err
	}
	g, err := Neg(ctx, grads[0])
	return []*Variable{g}, err
}

// MulScalarBackward scales the gradient.
type MulScalarBackward struct {
	NodeBase
	Transparent

	scalar float64
}

// Name returns the node name.
func (n *MulScalarBackward) Name() string { return "MulScalarBackward" }

// Apply implements Node.
func (n *MulScalarBackward) Apply(ctx context.Context, grads []*Variable) ([]*Variable, error) {
	if err := checkGrads(n, grads, 1); err != nil {
		return nil, err
	}
	g, err := MulScalar(ctx, grads[0], n.scalar)
	return []*Variable{g}, err
}

// SumBackward broadcasts the scalar gradient back to the input shape.
type SumBackward struct {
	NodeBase
	Transparent

	shape tensor.Shape
}

// Name returns the node name.
func (n *SumBackward) Name() string { return "SumBackward" }

// Apply implements Node.
func (n *SumBackward) Apply(ctx context.Context, grads []*Variable) ([]*Variable, error) {
	if err := checkGrads(n, grads, 1); err != nil {
		return nil, err
	}
	g, err := Expand(ctx, grads[0], n.shape)
	return []*Variable{g}, err
}

// SumToBackward broadcasts the gradient back to the input shape.
type SumToBackward struct {
	NodeBase
	Transparent

	shape tensor.Shape
}

// Name returns the node name.
func (n *SumToBackward) Name() string { return "SumToBackward" }

// Apply implements Node.
func (n *SumToBackward) Apply(ctx context.Context, grads []*Variable) ([]*Variable, error) {
	if err := checkGrads(n, grads, 1); err != nil {
		return nil, err
	}
	g, err := Expand(ctx, grads[0], n.shape)
	return []*Variable{g}, err
}

// ViewBackward reshapes the gradient to the input shape.
type ViewBackward struct {
	NodeBase
	Transparent

	shape tensor.Shape
}

// Name returns the node name.
func (n *ViewBackward) Name() string { return "ViewBackward" }

// Apply implements Node.
func (n *ViewBackward) Apply(ctx context.Context, grads []*Variable) ([]*Variable, error) {
	if err := checkGrads(n, grads, 1); err != nil {
		return nil, err
	}
	g, err := View(ctx, grads[0], n.shape)
	return []*Variable{g}, err
}

// ExpandBackward sums the gradient over broadcast dimensions.
type ExpandBackward struct {
	NodeBase
	Transparent

	shape tensor.Shape
}

// Name returns the node name.
func (n *ExpandBackward) Name() string { return "ExpandBackward" }

// Apply implements Node.
func (n *ExpandBackward) Apply(ctx context.Context, grads []*Variable) ([]*Variable, error) {
	if err := checkGrads(n, grads, 1); err != nil {
		return nil, err
	}
	g, err := SumTo(ctx, grads[0], n.shape)
	return []*Variable{g}, err
}

// TransposeBackward transposes the gradient back.
type TransposeBackward struct {
	NodeBase
	Transparent

	dim0, dim1 int
}

// Name returns the node name.
func (n *TransposeBackward) Name() string { return "TransposeBackward" }

// Apply implements Node.
func (n *TransposeBackward) Apply(ctx context.Context, grads []*Variable) ([]*Variable, error) {
	if err := checkGrads(n, grads, 1); err != nil {
		return nil, err
	}
	g, err := Transpose(ctx, grads[0], n.dim0, n.dim1)
	return []*Variable{g}, err
}

// NarrowBackward scatters the gradient into a zero tensor of the input shape.
type NarrowBackward struct {
	NodeBase
	Transparent

	shape      tensor.Shape
	dim, start int
}

// Name returns the node name.
func (n *NarrowBackward) Name() string { return "NarrowBackward" }

// Apply implements Node.
func (n *NarrowBackward) Apply(ctx context.Context, grads []*Variable) ([]*Variable, error) {
	if err := checkGrads(n, grads, 1); err != nil {
		return nil, err
	}
	g, err := unnarrow(ctx, grads[0], n.shape, n.dim, n.start)
	return []*Variable{g}, err
}

type unnarrowBackward struct {
	NodeBase
	Transparent

	dim, start, length int
}

func (n *unnarrowBackward) Name() string { return "NarrowGradBackward" }

func (n *unnarrowBackward) Apply(ctx context.Context, grads []*Variable) ([]*Variable, error) {
	if err := checkGrads(n, grads, 1); err != nil {
		return nil, err
	}
	g, err := Narrow(ctx, grads[0], n.dim, n.start, n.length)
	return []*Variable{g}, err
}

// CatBackward splits the gradient back into the concatenated pieces.
type CatBackward struct {
	NodeBase
	Transparent

	dim   int
	sizes []int
}

// Name returns the node name.
func (n *CatBackward) Name() string { return "CatBackward" }

// Apply implements Node.
func (n *CatBackward) Apply(ctx context.Context, grads []*Variable) ([]*Variable, error) {
	if err := checkGrads(n, grads, 1); err != nil {
		return nil, err
	}
	out := make([]*Variable, len(n.sizes))
	offset := 0
	for i, size := range n.sizes {
		if n.ShouldComputeOutput(i) {
			g, err := Narrow(ctx, grads[0], n.dim, offset, size)
			if err != nil {
				return nil, err
			}
			out[i] = g
		}
		offset += size
	}
	return out, nil
}
