package cpu

import (
	"fmt"

	"github.com/born-ml/autograd/internal/parallel"
	"github.com/born-ml/autograd/internal/tensor"
)

// Conv2DBackward computes the gradients of Conv2D with respect to input,
// weight and bias. Outputs whose mask bit is false are not computed and are
// returned as nil.
//
// For a regular convolution the input gradient is the transposed convolution
// of gradOutput with weight. For a transposed convolution it is the regular
// convolution of gradOutput with weight.
func (cpu *CPUBackend) Conv2DBackward(
	gradOutput, input, weight *tensor.RawTensor,
	p tensor.ConvParams,
	mask [3]bool,
) (gradInput, gradWeight, gradBias *tensor.RawTensor, err error) {
	if err := checkDefined("conv2d_backward", gradOutput, input, weight); err != nil {
		return nil, nil, nil, err
	}
	if err := checkSameDType("conv2d_backward", gradOutput, input, weight); err != nil {
		return nil, nil, nil, err
	}
	g, outShape, err := convGeometry("conv2d_backward", input, weight, p)
	if err != nil {
		return nil, nil, nil, err
	}
	if !gradOutput.Shape().Equal(outShape) {
		return nil, nil, nil, fmt.Errorf("%w: conv2d_backward: grad_output shape %v, expected %v",
			tensor.ErrShapeMismatch, gradOutput.Shape(), outShape)
	}

	dtype := input.DType()
	if mask[0] {
		if gradInput, err = cpu.alloc("conv2d_backward", input.Shape(), dtype); err != nil {
			return nil, nil, nil, err
		}
	}
	if mask[1] {
		if gradWeight, err = cpu.alloc("conv2d_backward", weight.Shape(), dtype); err != nil {
			return nil, nil, nil, err
		}
	}
	if mask[2] {
		if gradBias, err = cpu.alloc("conv2d_backward", tensor.Shape{outShape[1]}, dtype); err != nil {
			return nil, nil, nil, err
		}
	}

	switch dtype {
	case tensor.Float32:
		conv2dBackward(f32(gradInput), f32(gradWeight), f32(gradBias),
			gradOutput.AsFloat32(), input.AsFloat32(), weight.AsFloat32(), g, p.Transposed, cpu.par)
	case tensor.Float64:
		conv2dBackward(f64(gradInput), f64(gradWeight), f64(gradBias),
			gradOutput.AsFloat64(), input.AsFloat64(), weight.AsFloat64(), g, p.Transposed, cpu.par)
	default:
		return nil, nil, nil, fmt.Errorf("%w: conv2d_backward: dtype %s", tensor.ErrUnsupported, dtype)
	}
	return gradInput, gradWeight, gradBias, nil
}

// conv2dBackward fills the non-nil gradient slices.
func conv2dBackward[T float](gI, gW, gB, gO, in, w []T, g convGeom, transposed bool, cfg parallel.Config) {
	if transposed {
		// gO lives in x space, in lives in y space.
		if gI != nil {
			correlate(gI, gO, w, g, cfg)
		}
		if gW != nil {
			weightGrad(gW, in, gO, g, cfg)
		}
		if gB != nil {
			biasGrad(gB, gO, g.n, g.cx, g.hx*g.wx)
		}
		return
	}
	if gI != nil {
		gatherInputGrad(gI, gO, w, g, cfg)
	}
	if gW != nil {
		weightGrad(gW, gO, in, g, cfg)
	}
	if gB != nil {
		biasGrad(gB, gO, g.n, g.cy, g.hy*g.wy)
	}
}

func biasGrad[T float](gb, gy []T, n, c, hw int) {
	for i := 0; i < n; i++ {
		for ch := 0; ch < c; ch++ {
			off := (i*c + ch) * hw
			var sum T
			for j := 0; j < hw; j++ {
				sum += gy[off+j]
			}
			gb[ch] += sum
		}
	}
}
