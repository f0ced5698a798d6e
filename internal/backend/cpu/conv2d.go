package cpu

import (
	"fmt"

	"github.com/born-ml/autograd/internal/parallel"
	"github.com/born-ml/autograd/internal/tensor"
)

// convGeom describes one 2D cross-correlation between an "x" space and a
// "y" space:
//
//	y[n, cy, oh, ow] = sum over cx, kh, kw of
//	    x[n, cx, oh*s - p + kh*d, ow*s - p + kw*d] * w[cy, cx, kh, kw]
//
// A regular convolution maps input (x) to output (y). A transposed
// convolution is the adjoint: its input lives in y space, its output in x
// space, and its weight [C_in, C_out, K_h, K_w] is already laid out as
// [cy, cx, kh, kw].
type convGeom struct {
	n          int
	cx, hx, wx int
	cy, hy, wy int
	kh, kw     int
	sh, sw     int
	ph, pw     int
	dh, dw     int
}

// convGeometry validates the operands and returns the correlation geometry
// together with the shape of the convolution result.
func convGeometry(op string, input, weight *tensor.RawTensor, p tensor.ConvParams) (convGeom, tensor.Shape, error) {
	var g convGeom

	inputShape := input.Shape()
	weightShape := weight.Shape()
	if len(inputShape) != 4 {
		return g, nil, fmt.Errorf("%w: %s: input must be 4D [N,C,H,W], got %dD", tensor.ErrShapeMismatch, op, len(inputShape))
	}
	if len(weightShape) != 4 {
		return g, nil, fmt.Errorf("%w: %s: weight must be 4D, got %dD", tensor.ErrShapeMismatch, op, len(weightShape))
	}
	for i := 0; i < 2; i++ {
		if p.Stride[i] <= 0 || p.Dilation[i] <= 0 {
			return g, nil, fmt.Errorf("%w: %s: stride %v and dilation %v must be positive", tensor.ErrUnsupported, op, p.Stride, p.Dilation)
		}
		if p.Padding[i] < 0 || p.OutputPadding[i] < 0 {
			return g, nil, fmt.Errorf("%w: %s: negative padding %v or output padding %v", tensor.ErrUnsupported, op, p.Padding, p.OutputPadding)
		}
	}

	g.n = inputShape[0]
	g.kh, g.kw = weightShape[2], weightShape[3]
	g.sh, g.sw = p.Stride[0], p.Stride[1]
	g.ph, g.pw = p.Padding[0], p.Padding[1]
	g.dh, g.dw = p.Dilation[0], p.Dilation[1]

	if p.Transposed {
		// input is y space, result is x space.
		if inputShape[1] != weightShape[0] {
			return g, nil, fmt.Errorf("%w: %s: input channels %d != weight dim 0 (%d)", tensor.ErrShapeMismatch, op, inputShape[1], weightShape[0])
		}
		g.cy, g.hy, g.wy = inputShape[1], inputShape[2], inputShape[3]
		g.cx = weightShape[1]
		g.hx = (g.hy-1)*g.sh - 2*g.ph + g.dh*(g.kh-1) + 1 + p.OutputPadding[0]
		g.wx = (g.wy-1)*g.sw - 2*g.pw + g.dw*(g.kw-1) + 1 + p.OutputPadding[1]
		if g.hx <= 0 || g.wx <= 0 {
			return g, nil, fmt.Errorf("%w: %s: invalid output size %dx%d", tensor.ErrShapeMismatch, op, g.hx, g.wx)
		}
		return g, tensor.Shape{g.n, g.cx, g.hx, g.wx}, nil
	}

	if inputShape[1] != weightShape[1] {
		return g, nil, fmt.Errorf("%w: %s: input channels %d != weight channels %d", tensor.ErrShapeMismatch, op, inputShape[1], weightShape[1])
	}
	g.cx, g.hx, g.wx = inputShape[1], inputShape[2], inputShape[3]
	g.cy = weightShape[0]
	g.hy = (g.hx+2*g.ph-(g.dh*(g.kh-1)+1))/g.sh + 1
	g.wy = (g.wx+2*g.pw-(g.dw*(g.kw-1)+1))/g.sw + 1
	if g.hx+2*g.ph < g.dh*(g.kh-1)+1 || g.wx+2*g.pw < g.dw*(g.kw-1)+1 {
		return g, nil, fmt.Errorf("%w: %s: kernel size can't be greater than actual input size", tensor.ErrShapeMismatch, op)
	}
	return g, tensor.Shape{g.n, g.cy, g.hy, g.wy}, nil
}

// Conv2D performs a single-group 2D (transposed) convolution with direct loops.
//
// Input shape:  [N, C_in, H, W]
// Weight shape: [C_out, C_in, K_h, K_w], or [C_in, C_out, K_h, K_w] when transposed
// Bias shape:   [C_out] (optional)
//
// Output size per spatial axis:
//
//	regular:    (H + 2p - (d*(K-1) + 1)) / s + 1
//	transposed: (H - 1)*s - 2p + d*(K-1) + 1 + output_padding
func (cpu *CPUBackend) Conv2D(input, weight, bias *tensor.RawTensor, p tensor.ConvParams) (*tensor.RawTensor, error) {
	if err := checkDefined("conv2d", input, weight); err != nil {
		return nil, err
	}
	if err := checkSameDType("conv2d", input, weight, bias); err != nil {
		return nil, err
	}
	g, outShape, err := convGeometry("conv2d", input, weight, p)
	if err != nil {
		return nil, err
	}
	if bias != nil && (len(bias.Shape()) != 1 || bias.Shape()[0] != outShape[1]) {
		return nil, fmt.Errorf("%w: conv2d: bias shape %v, expected (%d)", tensor.ErrShapeMismatch, bias.Shape(), outShape[1])
	}

	output, err := cpu.alloc("conv2d", outShape, input.DType())
	if err != nil {
		return nil, err
	}

	switch input.DType() {
	case tensor.Float32:
		conv2dForward(output.AsFloat32(), input.AsFloat32(), weight.AsFloat32(), f32(bias), g, p.Transposed, cpu.par)
	case tensor.Float64:
		conv2dForward(output.AsFloat64(), input.AsFloat64(), weight.AsFloat64(), f64(bias), g, p.Transposed, cpu.par)
	default:
		return nil, fmt.Errorf("%w: conv2d: dtype %s", tensor.ErrUnsupported, input.DType())
	}
	return output, nil
}

func conv2dForward[T float](out, in, w, b []T, g convGeom, transposed bool, cfg parallel.Config) {
	if transposed {
		gatherInputGrad(out, in, w, g, cfg)
		if b != nil {
			addBias(out, b, g.n, g.cx, g.hx*g.wx)
		}
		return
	}
	correlate(out, in, w, g, cfg)
	if b != nil {
		addBias(out, b, g.n, g.cy, g.hy*g.wy)
	}
}

// correlate computes y from x and w. Work is split over (n, cy).
func correlate[T float](y, x, w []T, g convGeom, cfg parallel.Config) {
	parallel.ForBatch(g.n, g.cy, func(n, cy int) {
		yOff := (n*g.cy + cy) * g.hy * g.wy
		for oh := 0; oh < g.hy; oh++ {
			for ow := 0; ow < g.wy; ow++ {
				var sum T
				for cx := 0; cx < g.cx; cx++ {
					xOff := (n*g.cx + cx) * g.hx * g.wx
					wOff := (cy*g.cx + cx) * g.kh * g.kw
					for kh := 0; kh < g.kh; kh++ {
						h := oh*g.sh - g.ph + kh*g.dh
						if h < 0 || h >= g.hx {
							continue
						}
						for kw := 0; kw < g.kw; kw++ {
							ww := ow*g.sw - g.pw + kw*g.dw
							if ww < 0 || ww >= g.wx {
								continue
							}
							sum += x[xOff+h*g.wx+ww] * w[wOff+kh*g.kw+kw]
						}
					}
				}
				y[yOff+oh*g.wy+ow] = sum
			}
		}
	}, cfg)
}

// gatherInputGrad computes the adjoint of correlate with respect to x:
// every y element is scattered back onto the x positions it read.
// Work is split over (n, cx) so no two goroutines write the same element.
func gatherInputGrad[T float](gx, gy, w []T, g convGeom, cfg parallel.Config) {
	parallel.ForBatch(g.n, g.cx, func(n, cx int) {
		gxOff := (n*g.cx + cx) * g.hx * g.wx
		for cy := 0; cy < g.cy; cy++ {
			gyOff := (n*g.cy + cy) * g.hy * g.wy
			wOff := (cy*g.cx + cx) * g.kh * g.kw
			for oh := 0; oh < g.hy; oh++ {
				for ow := 0; ow < g.wy; ow++ {
					v := gy[gyOff+oh*g.wy+ow]
					if v == 0 {
						continue
					}
					for kh := 0; kh < g.kh; kh++ {
						h := oh*g.sh - g.ph + kh*g.dh
						if h < 0 || h >= g.hx {
							continue
						}
						for kw := 0; kw < g.kw; kw++ {
							ww := ow*g.sw - g.pw + kw*g.dw
							if ww < 0 || ww >= g.wx {
								continue
							}
							gx[gxOff+h*g.wx+ww] += v * w[wOff+kh*g.kw+kw]
						}
					}
				}
			}
		}
	}, cfg)
}

// weightGrad computes the adjoint of correlate with respect to w.
// Work is split over (cy, cx).
func weightGrad[T float](gw, gy, x []T, g convGeom, cfg parallel.Config) {
	parallel.ForBatch(g.cy, g.cx, func(cy, cx int) {
		wOff := (cy*g.cx + cx) * g.kh * g.kw
		for kh := 0; kh < g.kh; kh++ {
			for kw := 0; kw < g.kw; kw++ {
				var sum T
				for n := 0; n < g.n; n++ {
					gyOff := (n*g.cy + cy) * g.hy * g.wy
					xOff := (n*g.cx + cx) * g.hx * g.wx
					for oh := 0; oh < g.hy; oh++ {
						h := oh*g.sh - g.ph + kh*g.dh
						if h < 0 || h >= g.hx {
							continue
						}
						for ow := 0; ow < g.wy; ow++ {
							ww := ow*g.sw - g.pw + kw*g.dw
							if ww < 0 || ww >= g.wx {
								continue
							}
							sum += gy[gyOff+oh*g.wy+ow] * x[xOff+h*g.wx+ww]
						}
					}
				}
				gw[wOff+kh*g.kw+kw] = sum
			}
		}
	}, cfg)
}

func addBias[T float](out, b []T, n, c, hw int) {
	for i := 0; i < n; i++ {
		for ch := 0; ch < c; ch++ {
			off := (i*c + ch) * hw
			for j := 0; j < hw; j++ {
				out[off+j] += b[ch]
			}
		}
	}
}

func f32(r *tensor.RawTensor) []float32 {
	if r == nil {
		return nil
	}
	return r.AsFloat32()
}

func f64(r *tensor.RawTensor) []float64 {
	if r == nil {
		return nil
	}
	return r.AsFloat64()
}
