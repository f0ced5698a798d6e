// Package functions implements composite differentiable functions on top of
// the autograd primitives: N-dimensional convolution with its first and
// second derivatives.
package functions

import (
	"fmt"
	"slices"

	"github.com/born-ml/autograd/internal/autograd"
	"github.com/born-ml/autograd/internal/tensor"
)

// ConvParams configures a convolution. The per-axis slices hold one entry
// for 1-D convolution and two (height, width) for 2-D.
type ConvParams struct {
	Stride        []int
	Padding       []int
	Dilation      []int
	OutputPadding []int
	Transposed    bool
	Groups        int
}

// Conv2DParams returns symmetric 2-D parameters with no output padding.
func Conv2DParams(stride, padding, dilation, groups int) ConvParams {
	return ConvParams{
		Stride:        []int{stride, stride},
		Padding:       []int{padding, padding},
		Dilation:      []int{dilation, dilation},
		OutputPadding: []int{0, 0},
		Groups:        groups,
	}
}

// Clone returns a deep copy of p.
func (p ConvParams) Clone() ConvParams {
	p.Stride = slices.Clone(p.Stride)
	p.Padding = slices.Clone(p.Padding)
	p.Dilation = slices.Clone(p.Dilation)
	p.OutputPadding = slices.Clone(p.OutputPadding)
	return p
}

func (p ConvParams) isPaddingNeg() bool {
	return slices.ContainsFunc(p.Padding, func(v int) bool { return v < 0 })
}

func (p ConvParams) isOutputPaddingNeg() bool {
	return slices.ContainsFunc(p.OutputPadding, func(v int) bool { return v < 0 })
}

// validate rejects parameter combinations no kernel can run.
func (p ConvParams) validate() error {
	if p.isPaddingNeg() {
		return fmt.Errorf("%w: negative padding is not supported", autograd.ErrUnsupportedConfiguration)
	}
	if p.isOutputPaddingNeg() {
		return fmt.Errorf("%w: negative output_padding is not supported", autograd.ErrUnsupportedConfiguration)
	}
	if p.Groups < 1 {
		return fmt.Errorf("%w: groups must be positive, got %d", autograd.ErrInvalidArgument, p.Groups)
	}
	n := len(p.Stride)
	if n < 1 || n > 2 || len(p.Padding) != n || len(p.Dilation) != n || len(p.OutputPadding) != n {
		return fmt.Errorf("%w: stride %v, padding %v, dilation %v and output_padding %v must all have 1 or 2 entries",
			autograd.ErrInvalidArgument, p.Stride, p.Padding, p.Dilation, p.OutputPadding)
	}
	return nil
}

// view1dAs2d prepends a unit height axis to 1-D parameters.
func (p ConvParams) view1dAs2d() ConvParams {
	p = p.Clone()
	if len(p.Stride) == 1 {
		p.Stride = slices.Insert(p.Stride, 0, 1)
		p.Padding = slices.Insert(p.Padding, 0, 0)
		p.Dilation = slices.Insert(p.Dilation, 0, 1)
		p.OutputPadding = slices.Insert(p.OutputPadding, 0, 0)
	}
	return p
}

// backend converts 2-D parameters to the numeric-library form.
func (p ConvParams) backend() tensor.ConvParams {
	return tensor.ConvParams{
		Stride:        [2]int{p.Stride[0], p.Stride[1]},
		Padding:       [2]int{p.Padding[0], p.Padding[1]},
		Dilation:      [2]int{p.Dilation[0], p.Dilation[1]},
		OutputPadding: [2]int{p.OutputPadding[0], p.OutputPadding[1]},
		Transposed:    p.Transposed,
	}
}

// outputShape computes the convolution result shape for input and weight.
func (p ConvParams) outputShape(input, weight tensor.Shape) tensor.Shape {
	dim := len(input)
	out := make(tensor.Shape, dim)
	out[0] = input[0]
	if p.Transposed {
		out[1] = weight[1] * p.Groups
	} else {
		out[1] = weight[0]
	}
	offset := len(p.Stride) - (dim - 2)
	for d := 2; d < dim; d++ {
		i := offset + d - 2
		kernel := p.Dilation[i]*(weight[d]-1) + 1
		if p.Transposed {
			out[d] = (input[d]-1)*p.Stride[i] - 2*p.Padding[i] + kernel + p.OutputPadding[i]
		} else {
			out[d] = (input[d]+2*p.Padding[i]-kernel)/p.Stride[i] + 1
		}
	}
	return out
}

// checkInputs validates the arity of a function call: len(inputs) must be
// want and the first required entries must be defined.
func checkInputs(name string, inputs []*autograd.Variable, want, required int) error {
	if len(inputs) != want {
		return fmt.Errorf("%w: %s: expected %d arguments (got %d)", autograd.ErrInvalidArgument, name, want, len(inputs))
	}
	for i := 0; i < required; i++ {
		if inputs[i] == nil {
			return fmt.Errorf("%w: %s: expected Tensor at argument %d (got None)", autograd.ErrInvalidArgument, name, i)
		}
	}
	return nil
}

// checkInputShapeForward validates operand shapes before any kernel runs.
func checkInputShapeForward(input, weight, bias tensor.Shape, hasBias bool, groups int, transposed bool) error {
	k := len(input)
	if k != 3 && k != 4 {
		return fmt.Errorf("%w: expected 3-dimensional or 4-dimensional input, but got input of size %v",
			autograd.ErrUnsupportedConfiguration, input)
	}
	if len(weight) != k {
		return fmt.Errorf("%w: Expected %d-dimensional input for %d-dimensional weight %v, but got input of size %v instead",
			autograd.ErrInvalidArgument, k, k, weight, input)
	}
	if weight[0] < groups {
		return fmt.Errorf("%w: Given groups=%d, expected weight to be at least %d at dimension 0, but got weight of size %v instead",
			autograd.ErrInvalidArgument, groups, groups, weight)
	}
	if weight[0]%groups != 0 {
		return fmt.Errorf("%w: Given groups=%d, expected weight dimension 0 to be divisible by %d, but got weight of size %v instead",
			autograd.ErrInvalidArgument, groups, groups, weight)
	}

	if !transposed {
		if input[1] != weight[1]*groups {
			return fmt.Errorf("%w: Given groups=%d, weight%v, so expected input%v to have %d channels, but got %d channels instead",
				autograd.ErrInvalidArgument, groups, weight, input, weight[1]*groups, input[1])
		}
		if hasBias && (len(bias) != 1 || bias[0] != weight[0]) {
			return fmt.Errorf("%w: Given weight of size %v, expected bias to be 1-dimensional with %d elements, but got bias of size %v instead",
				autograd.ErrInvalidArgument, weight, weight[0], bias)
		}
		return nil
	}

	if input[1] != weight[0] {
		return fmt.Errorf("%w: Given transposed=true, weight%v, so expected input%v to have %d channels, but got %d channels instead",
			autograd.ErrInvalidArgument, weight, input, weight[0], input[1])
	}
	if hasBias && (len(bias) != 1 || bias[0] != weight[1]*groups) {
		return fmt.Errorf("%w: Given transposed=true, weight of size %v, expected bias to be 1-dimensional with %d elements, but got bias of size %v instead",
			autograd.ErrInvalidArgument, weight, weight[1]*groups, bias)
	}
	return nil
}
