package functions

import (
	"fmt"

	"github.com/born-ml/autograd/internal/tensor"
	"github.com/born-ml/autograd/internal/trace"
)

// view4d inserts a unit height axis: [N, C, L] -> [N, C, 1, L].
func view4d(b tensor.Backend, x *tensor.RawTensor) (*tensor.RawTensor, error) {
	if x == nil {
		return nil, nil
	}
	s := x.Shape()
	if len(s) != 3 {
		return nil, fmt.Errorf("%w: expected 3D tensor, got %v", tensor.ErrShapeMismatch, s)
	}
	return b.Reshape(x, tensor.Shape{s[0], s[1], 1, s[2]})
}

// view3d removes the unit height axis added by view4d.
func view3d(b tensor.Backend, x *tensor.RawTensor) (*tensor.RawTensor, error) {
	if x == nil {
		return nil, nil
	}
	s := x.Shape()
	if len(s) != 4 {
		return nil, fmt.Errorf("%w: expected 4D tensor, got %v", tensor.ErrShapeMismatch, s)
	}
	return b.Reshape(x, tensor.Shape{s[0], s[1], s[3]})
}

// subtensor returns group g of groups equal slices of x along dim.
func subtensor(b tensor.Backend, x *tensor.RawTensor, dim, groups, g int) (*tensor.RawTensor, error) {
	if x == nil {
		return nil, nil
	}
	n := x.Shape()[dim] / groups
	return b.Narrow(x, dim, n*g, n)
}

// convForwardKernel computes a grouped convolution of [input, weight, bias].
// 3-D operands run through the 2-D path with a unit height axis.
func convForwardKernel(p ConvParams) trace.Kernel {
	bp := p.backend()
	return func(b tensor.Backend, in []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
		input, weight, bias := in[0], in[1], in[2]

		squeeze := len(input.Shape()) == 3
		if squeeze {
			var err error
			if input, err = view4d(b, input); err != nil {
				return nil, err
			}
			if weight, err = view4d(b, weight); err != nil {
				return nil, err
			}
		}

		var output *tensor.RawTensor
		if p.Groups == 1 {
			var err error
			if output, err = b.Conv2D(input, weight, bias, bp); err != nil {
				return nil, err
			}
		} else {
			outputs := make([]*tensor.RawTensor, p.Groups)
			for g := range outputs {
				xg, err := subtensor(b, input, 1, p.Groups, g)
				if err != nil {
					return nil, err
				}
				wg, err := subtensor(b, weight, 0, p.Groups, g)
				if err != nil {
					return nil, err
				}
				bg, err := subtensor(b, bias, 0, p.Groups, g)
				if err != nil {
					return nil, err
				}
				if outputs[g], err = b.Conv2D(xg, wg, bg, bp); err != nil {
					return nil, err
				}
			}
			var err error
			if output, err = b.Cat(outputs, 1); err != nil {
				return nil, err
			}
		}

		if squeeze {
			var err error
			if output, err = view3d(b, output); err != nil {
				return nil, err
			}
		}
		return []*tensor.RawTensor{output}, nil
	}
}

// convBackwardKernel computes the masked gradients of a grouped convolution
// from [gradOutput, input, weight]. Unmasked outputs are nil.
func convBackwardKernel(p ConvParams, mask [3]bool) trace.Kernel {
	bp := p.backend()
	return func(b tensor.Backend, in []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
		gradOutput, input, weight := in[0], in[1], in[2]

		squeeze := len(input.Shape()) == 3
		if squeeze {
			var err error
			if gradOutput, err = view4d(b, gradOutput); err != nil {
				return nil, err
			}
			if input, err = view4d(b, input); err != nil {
				return nil, err
			}
			if weight, err = view4d(b, weight); err != nil {
				return nil, err
			}
		}

		var gradInput, gradWeight, gradBias *tensor.RawTensor
		if p.Groups == 1 {
			var err error
			gradInput, gradWeight, gradBias, err = b.Conv2DBackward(gradOutput, input, weight, bp, mask)
			if err != nil {
				return nil, err
			}
		} else {
			gradInputs := make([]*tensor.RawTensor, p.Groups)
			gradWeights := make([]*tensor.RawTensor, p.Groups)
			gradBiases := make([]*tensor.RawTensor, p.Groups)
			for g := 0; g < p.Groups; g++ {
				xg, err := subtensor(b, input, 1, p.Groups, g)
				if err != nil {
					return nil, err
				}
				gog, err := subtensor(b, gradOutput, 1, p.Groups, g)
				if err != nil {
					return nil, err
				}
				wg, err := subtensor(b, weight, 0, p.Groups, g)
				if err != nil {
					return nil, err
				}
				gradInputs[g], gradWeights[g], gradBiases[g], err = b.Conv2DBackward(gog, xg, wg, bp, mask)
				if err != nil {
					return nil, err
				}
			}

			var err error
			if mask[0] {
				if gradInput, err = b.Cat(gradInputs, 1); err != nil {
					return nil, err
				}
			}
			if mask[1] {
				if gradWeight, err = b.Cat(gradWeights, 0); err != nil {
					return nil, err
				}
			}
			if mask[2] {
				if gradBias, err = b.Cat(gradBiases, 0); err != nil {
					return nil, err
				}
			}
		}

		if squeeze {
			var err error
			if gradInput, err = view3d(b, gradInput); err != nil {
				return nil, err
			}
			if gradWeight, err = view3d(b, gradWeight); err != nil {
				return nil, err
			}
		}
		return []*tensor.RawTensor{gradInput, gradWeight, gradBias}, nil
	}
}
