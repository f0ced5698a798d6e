package cpu

import (
	"fmt"

	"github.com/born-ml/autograd/internal/parallel"
	"github.com/born-ml/autograd/internal/tensor"
)

// elementwiseGrain is the fewest elements one goroutine maps.
const elementwiseGrain = 1 << 14

// Add performs element-wise addition. Shapes must match exactly; broadcasting
// is expressed explicitly through Expand.
func (cpu *CPUBackend) Add(a, b *tensor.RawTensor) (*tensor.RawTensor, error) {
	return cpu.binary("add", a, b,
		func(x, y float32) float32 { return x + y },
		func(x, y float64) float64 { return x + y })
}

// Mul performs element-wise multiplication.
func (cpu *CPUBackend) Mul(a, b *tensor.RawTensor) (*tensor.RawTensor, error) {
	return cpu.binary("mul", a, b,
		func(x, y float32) float32 { return x * y },
		func(x, y float64) float64 { return x * y })
}

// Neg negates every element.
func (cpu *CPUBackend) Neg(x *tensor.RawTensor) (*tensor.RawTensor, error) {
	return cpu.unary("neg", x,
		func(v float32) float32 { return -v },
		func(v float64) float64 { return -v })
}

// MulScalar multiplies every element by scalar.
func (cpu *CPUBackend) MulScalar(x *tensor.RawTensor, scalar float64) (*tensor.RawTensor, error) {
	s32 := float32(scalar)
	return cpu.unary("mul_scalar", x,
		func(v float32) float32 { return v * s32 },
		func(v float64) float64 { return v * scalar })
}

func (cpu *CPUBackend) binary(
	op string,
	a, b *tensor.RawTensor,
	f32 func(x, y float32) float32,
	f64 func(x, y float64) float64,
) (*tensor.RawTensor, error) {
	if err := checkDefined(op, a, b); err != nil {
		return nil, err
	}
	if err := checkSameDType(op, a, b); err != nil {
		return nil, err
	}
	if !a.Shape().Equal(b.Shape()) {
		return nil, fmt.Errorf("%w: %s: %v vs %v", tensor.ErrShapeMismatch, op, a.Shape(), b.Shape())
	}

	result, err := cpu.alloc(op, a.Shape(), a.DType())
	if err != nil {
		return nil, err
	}

	switch a.DType() {
	case tensor.Float32:
		mapBinary(result.AsFloat32(), a.AsFloat32(), b.AsFloat32(), f32, cpu.par)
	case tensor.Float64:
		mapBinary(result.AsFloat64(), a.AsFloat64(), b.AsFloat64(), f64, cpu.par)
	default:
		return nil, fmt.Errorf("%w: %s: dtype %s", tensor.ErrUnsupported, op, a.DType())
	}
	return result, nil
}

func (cpu *CPUBackend) unary(
	op string,
	x *tensor.RawTensor,
	f32 func(v float32) float32,
	f64 func(v float64) float64,
) (*tensor.RawTensor, error) {
	if err := checkDefined(op, x); err != nil {
		return nil, err
	}

	result, err := cpu.alloc(op, x.Shape(), x.DType())
	if err != nil {
		return nil, err
	}

	switch x.DType() {
	case tensor.Float32:
		mapUnary(result.AsFloat32(), x.AsFloat32(), f32, cpu.par)
	case tensor.Float64:
		mapUnary(result.AsFloat64(), x.AsFloat64(), f64, cpu.par)
	default:
		return nil, fmt.Errorf("%w: %s: dtype %s", tensor.ErrUnsupported, op, x.DType())
	}
	return result, nil
}

func mapBinary[T float](dst, a, b []T, f func(x, y T) T, cfg parallel.Config) {
	parallel.For(len(dst), func(start, end int) {
		for i := start; i < end; i++ {
			dst[i] = f(a[i], b[i])
		}
	}, cfg.Grain(elementwiseGrain))
}

func mapUnary[T float](dst, x []T, f func(v T) T, cfg parallel.Config) {
	parallel.For(len(dst), func(start, end int) {
		for i := start; i < end; i++ {
			dst[i] = f(x[i])
		}
	}, cfg.Grain(elementwiseGrain))
}
