// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package autograd

import (
	"context"

	"github.com/born-ml/autograd/internal/autograd"
	"github.com/born-ml/autograd/internal/autograd/functions"
	"github.com/born-ml/autograd/tensor"
)

// Add returns a + b.
func Add(ctx context.Context, a, b *Variable) (*Variable, error) {
	return autograd.Add(ctx, a, b)
}

// Mul returns the element-wise product a * b.
func Mul(ctx context.Context, a, b *Variable) (*Variable, error) {
	return autograd.Mul(ctx, a, b)
}

// Neg returns -x.
func Neg(ctx context.Context, x *Variable) (*Variable, error) {
	return autograd.Neg(ctx, x)
}

// MulScalar returns x * scalar.
func MulScalar(ctx context.Context, x *Variable, scalar float64) (*Variable, error) {
	return autograd.MulScalar(ctx, x, scalar)
}

// Sum reduces x to a scalar.
func Sum(ctx context.Context, x *Variable) (*Variable, error) {
	return autograd.Sum(ctx, x)
}

// SumTo reduces a broadcast x back to shape.
func SumTo(ctx context.Context, x *Variable, shape tensor.Shape) (*Variable, error) {
	return autograd.SumTo(ctx, x, shape)
}

// View reshapes x.
func View(ctx context.Context, x *Variable, shape tensor.Shape) (*Variable, error) {
	return autograd.View(ctx, x, shape)
}

// Expand broadcasts x to shape.
func Expand(ctx context.Context, x *Variable, shape tensor.Shape) (*Variable, error) {
	return autograd.Expand(ctx, x, shape)
}

// Transpose swaps two dimensions of x.
func Transpose(ctx context.Context, x *Variable, dim0, dim1 int) (*Variable, error) {
	return autograd.Transpose(ctx, x, dim0, dim1)
}

// Narrow returns length elements of x along dim starting at start.
func Narrow(ctx context.Context, x *Variable, dim, start, length int) (*Variable, error) {
	return autograd.Narrow(ctx, x, dim, start, length)
}

// Cat concatenates xs along dim.
func Cat(ctx context.Context, xs []*Variable, dim int) (*Variable, error) {
	return autograd.Cat(ctx, xs, dim)
}

// ConvParams configures a convolution.
type ConvParams = functions.ConvParams

// Conv2DParams returns parameters for a non-transposed 2D convolution with
// the same stride, padding and dilation on both axes.
func Conv2DParams(stride, padding, dilation, groups int) ConvParams {
	return functions.Conv2DParams(stride, padding, dilation, groups)
}

// Conv applies a 1D or 2D, optionally grouped or transposed, convolution.
// bias may be nil. The result is differentiable to any order for
// non-transposed convolutions.
func Conv(ctx context.Context, input, weight, bias *Variable, p ConvParams) (*Variable, error) {
	return functions.Conv(ctx, input, weight, bias, p)
}
