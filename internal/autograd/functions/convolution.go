package functions

import (
	"context"
	"fmt"

	"github.com/born-ml/autograd/internal/autograd"
	"github.com/born-ml/autograd/internal/tensor"
)

// ConvForward is an N-dimensional (transposed) convolution over
// [input, weight, bias]. bias may be undefined.
type ConvForward struct {
	ConvParams
}

// NewConvForward creates a convolution with the given parameters.
func NewConvForward(p ConvParams) *ConvForward {
	return &ConvForward{ConvParams: p.Clone()}
}

// Conv is a convenience wrapper around ConvForward.Apply.
func Conv(ctx context.Context, input, weight, bias *autograd.Variable, p ConvParams) (*autograd.Variable, error) {
	out, err := NewConvForward(p).Apply(ctx, []*autograd.Variable{input, weight, bias})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// Apply computes the convolution and records a ConvBackward node when any
// operand requires grad.
func (f *ConvForward) Apply(ctx context.Context, inputs []*autograd.Variable) ([]*autograd.Variable, error) {
	if err := checkInputs("ConvNd", inputs, 3, 2); err != nil {
		return nil, err
	}
	if err := f.validate(); err != nil {
		return nil, err
	}

	input, weight, bias := inputs[0], inputs[1], inputs[2]
	var biasShape tensor.Shape
	if bias != nil {
		biasShape = bias.Data().Shape()
	}
	inShape := input.Data().Shape()
	if err := checkInputShapeForward(inShape, weight.Data().Shape(), biasShape, bias != nil, f.Groups, f.Transposed); err != nil {
		return nil, err
	}

	// 3-D input accepts 1-D parameters or their 2-D form with a unit height axis.
	p := f.ConvParams
	if len(inShape) == 3 {
		p = p.view1dAs2d()
	} else if len(p.Stride) != 2 {
		return nil, fmt.Errorf("%w: 4-dimensional input needs 2-dimensional parameters, got stride %v",
			autograd.ErrInvalidArgument, p.Stride)
	}
	outShape := p.outputShape(inShape, weight.Data().Shape())
	for _, d := range outShape[2:] {
		if d < 1 {
			return nil, fmt.Errorf("%w: Given input size %v, calculated output size %v is too small",
				autograd.ErrInvalidArgument, inShape, outShape)
		}
	}

	outs, err := autograd.RunKernel(ctx, "ConvForward", convForwardKernel(p), inputs)
	if err != nil {
		return nil, err
	}
	return autograd.WrapOutputs(ctx, inputs, outs, func(base autograd.NodeBase) autograd.Node {
		return &ConvBackward{
			NodeBase: base,
			params:   p,
			input:    autograd.SaveVariable(input, false),
			weight:   autograd.SaveVariable(weight, false),
			bias:     autograd.SaveVariable(bias, false),
		}
	}), nil
}

// ConvBackward computes the gradients of a convolution with respect to its
// input, weight and bias.
type ConvBackward struct {
	autograd.NodeBase
	autograd.Transparent

	params              ConvParams
	input, weight, bias *autograd.SavedVariable
}

// Name returns the node name.
func (n *ConvBackward) Name() string { return "ConvBackward" }

// SavedVariables returns the captured operands.
func (n *ConvBackward) SavedVariables() []*autograd.SavedVariable {
	return []*autograd.SavedVariable{n.input, n.weight, n.bias}
}

// WithSavedVariables returns a copy of n over saved [input, weight, bias].
func (n *ConvBackward) WithSavedVariables(saved []*autograd.SavedVariable) autograd.Node {
	c := *n
	c.input, c.weight, c.bias = saved[0], saved[1], saved[2]
	return &c
}

// Apply implements autograd.Node. Gradients whose edge is invalid are not
// computed; the bias gradient is computed only when a bias was given.
func (n *ConvBackward) Apply(ctx context.Context, grads []*autograd.Variable) ([]*autograd.Variable, error) {
	if err := checkInputs("ConvNdBackward", grads, 1, 1); err != nil {
		return nil, err
	}
	if err := n.params.validate(); err != nil {
		return nil, err
	}

	input, err := n.input.Unpack(n)
	if err != nil {
		return nil, err
	}
	weight, err := n.weight.Unpack(n)
	if err != nil {
		return nil, err
	}
	bias, err := n.bias.Unpack(n)
	if err != nil {
		return nil, err
	}

	mask := [3]bool{
		n.ShouldComputeOutput(0),
		n.ShouldComputeOutput(1),
		n.ShouldComputeOutput(2) && bias.Defined(),
	}

	gradOutput := grads[0]
	all := []*autograd.Variable{gradOutput, input, weight}
	outs, err := autograd.RunKernel(ctx, "ConvBackward", convBackwardKernel(n.params, mask), all)
	if err != nil {
		return nil, err
	}
	return autograd.WrapOutputs(ctx, all, outs, func(base autograd.NodeBase) autograd.Node {
		return &ConvBackwardBackward{
			NodeBase:   base,
			params:     n.params,
			input:      autograd.SaveVariable(input, false),
			weight:     autograd.SaveVariable(weight, false),
			bias:       autograd.SaveVariable(bias, false),
			gradOutput: autograd.SaveVariable(gradOutput, false),
		}
	}), nil
}

// ReleaseVariables frees the captured operands.
func (n *ConvBackward) ReleaseVariables() {
	n.input.Release()
	n.weight.Release()
	n.bias.Release()
}

// ConvBackwardBackward differentiates ConvBackward. It receives gradients
// for [gradInput, gradWeight, gradBias] and returns gradients for
// [gradOutput, input, weight].
type ConvBackwardBackward struct {
	autograd.NodeBase
	autograd.Transparent

	params                          ConvParams
	input, weight, bias, gradOutput *autograd.SavedVariable
}

// Name returns the node name.
func (n *ConvBackwardBackward) Name() string { return "ConvBackwardBackward" }

// SavedVariables returns the captured operands.
func (n *ConvBackwardBackward) SavedVariables() []*autograd.SavedVariable {
	return []*autograd.SavedVariable{n.input, n.weight, n.bias, n.gradOutput}
}

// WithSavedVariables returns a copy of n over saved
// [input, weight, bias, gradOutput].
func (n *ConvBackwardBackward) WithSavedVariables(saved []*autograd.SavedVariable) autograd.Node {
	c := *n
	c.input, c.weight, c.bias, c.gradOutput = saved[0], saved[1], saved[2], saved[3]
	return &c
}

// Apply implements autograd.Node.
func (n *ConvBackwardBackward) Apply(ctx context.Context, grads []*autograd.Variable) ([]*autograd.Variable, error) {
	if err := checkInputs("ConvNdBackwardBackward", grads, 3, 0); err != nil {
		return nil, err
	}
	if n.params.Transposed {
		return nil, fmt.Errorf("%w: ConvBackwardBackward does not support transposed convolution",
			autograd.ErrUnsupportedConfiguration)
	}

	ggI, ggW, ggb := grads[0], grads[1], grads[2]

	gO, err := n.gradOutput.Unpack(n)
	if err != nil {
		return nil, err
	}
	weight, err := n.weight.Unpack(n)
	if err != nil {
		return nil, err
	}
	input, err := n.input.Unpack(n)
	if err != nil {
		return nil, err
	}

	ggO, err := n.gradGradOutput(ctx, ggI, ggW, ggb, input, weight, gO)
	if err != nil {
		return nil, err
	}

	var gW *autograd.Variable
	if ggI != nil {
		if gW, err = n.weightGrad(ctx, ggI, gO, weight); err != nil {
			return nil, err
		}
	}

	var gI *autograd.Variable
	if ggW != nil {
		if gI, err = n.inputGrad(ctx, ggW, gO, input, weight); err != nil {
			return nil, err
		}
	}

	return []*autograd.Variable{ggO, gI, gW}, nil
}

// gradGradOutput computes conv(ggI, w) + conv(x, ggW) + expand(ggb).
func (n *ConvBackwardBackward) gradGradOutput(ctx context.Context, ggI, ggW, ggb, input, weight, gO *autograd.Variable) (*autograd.Variable, error) {
	var ggO *autograd.Variable
	add := func(term *autograd.Variable) error {
		if ggO == nil {
			ggO = term
			return nil
		}
		sum, err := autograd.Add(ctx, ggO, term)
		ggO = sum
		return err
	}

	if ggI != nil {
		term, err := Conv(ctx, ggI, weight, nil, n.params)
		if err != nil {
			return nil, err
		}
		if err := add(term); err != nil {
			return nil, err
		}
	}

	if ggW != nil {
		term, err := Conv(ctx, input, ggW, nil, n.params)
		if err != nil {
			return nil, err
		}
		if err := add(term); err != nil {
			return nil, err
		}
	}

	if ggb != nil {
		outShape := gO.Data().Shape()
		viewShape := make(tensor.Shape, len(outShape))
		for i := range viewShape {
			viewShape[i] = 1
		}
		viewShape[1] = ggb.Data().Shape()[0]

		view, err := autograd.View(ctx, ggb, viewShape)
		if err != nil {
			return nil, err
		}
		term, err := autograd.Expand(ctx, view, outShape)
		if err != nil {
			return nil, err
		}
		if err := add(term); err != nil {
			return nil, err
		}
	}
	return ggO, nil
}

// weightGrad computes the weight gradient as a convolution of ggI with gO
// accumulated over the batch, narrowed to the kernel size.
func (n *ConvBackwardBackward) weightGrad(ctx context.Context, ggI, gO, weight *autograd.Variable) (*autograd.Variable, error) {
	p := n.params.Clone()
	groups := p.Groups
	p.Groups = 1
	p.Stride, p.Dilation = p.Dilation, p.Stride

	gOt, err := autograd.Transpose(ctx, gO, 0, 1)
	if err != nil {
		return nil, err
	}
	ggIt, err := autograd.Transpose(ctx, ggI, 0, 1)
	if err != nil {
		return nil, err
	}

	var gWt *autograd.Variable
	if groups == 1 {
		if gWt, err = Conv(ctx, ggIt, gOt, nil, p); err != nil {
			return nil, err
		}
	} else {
		parts := make([]*autograd.Variable, groups)
		for g := range parts {
			ggItG, err := subvariable(ctx, ggIt, 0, groups, g)
			if err != nil {
				return nil, err
			}
			gOtG, err := subvariable(ctx, gOt, 0, groups, g)
			if err != nil {
				return nil, err
			}
			if parts[g], err = Conv(ctx, ggItG, gOtG, nil, p); err != nil {
				return nil, err
			}
		}
		if gWt, err = autograd.Cat(ctx, parts, 1); err != nil {
			return nil, err
		}
	}

	gW, err := autograd.Transpose(ctx, gWt, 0, 1)
	if err != nil {
		return nil, err
	}

	gWShape := gW.Data().Shape()
	wShape := weight.Data().Shape()
	for i := 2; i < len(gWShape); i++ {
		if gWShape[i] > wShape[i] {
			if gW, err = autograd.Narrow(ctx, gW, i, 0, wShape[i]); err != nil {
				return nil, err
			}
		}
	}
	return gW, nil
}

// inputGrad computes the input gradient as a transposed convolution of gO
// with ggW.
func (n *ConvBackwardBackward) inputGrad(ctx context.Context, ggW, gO, input, weight *autograd.Variable) (*autograd.Variable, error) {
	p := n.params.Clone()
	p.Transposed = true
	p.Stride, p.Dilation = p.Dilation, p.Stride

	kernelSize := weight.Data().Shape()[2:]
	inputShape := input.Data().Shape()[2:]
	gOShape := gO.Data().Shape()[2:]
	offset := len(p.Stride) - len(kernelSize)
	for i := range kernelSize {
		j := offset + i
		expected := (kernelSize[i]-1)*p.Stride[j] - 2*p.Padding[j] + (p.Dilation[j]*(gOShape[i]-1) + 1)
		if expected != inputShape[i] {
			p.OutputPadding[j] = inputShape[i] - expected
		}
	}

	groups := p.Groups
	p.Groups = 1

	ggWt, err := autograd.Transpose(ctx, ggW, 0, 1)
	if err != nil {
		return nil, err
	}
	gOt, err := autograd.Transpose(ctx, gO, 0, 1)
	if err != nil {
		return nil, err
	}

	var gIt *autograd.Variable
	if groups == 1 {
		if gIt, err = Conv(ctx, ggWt, gOt, nil, p); err != nil {
			return nil, err
		}
	} else {
		parts := make([]*autograd.Variable, groups)
		for g := range parts {
			ggWtG, err := subvariable(ctx, ggWt, 1, groups, g)
			if err != nil {
				return nil, err
			}
			gOtG, err := subvariable(ctx, gOt, 0, groups, g)
			if err != nil {
				return nil, err
			}
			if parts[g], err = Conv(ctx, ggWtG, gOtG, nil, p); err != nil {
				return nil, err
			}
		}
		if gIt, err = autograd.Cat(ctx, parts, 0); err != nil {
			return nil, err
		}
	}
	return autograd.Transpose(ctx, gIt, 0, 1)
}

// ReleaseVariables frees the captured operands.
func (n *ConvBackwardBackward) ReleaseVariables() {
	n.input.Release()
	n.weight.Release()
	n.bias.Release()
	n.gradOutput.Release()
}

// subvariable returns group g of groups equal slices of v along dim.
func subvariable(ctx context.Context, v *autograd.Variable, dim, groups, g int) (*autograd.Variable, error) {
	n := v.Data().Shape()[dim] / groups
	return autograd.Narrow(ctx, v, dim, n*g, n)
}
