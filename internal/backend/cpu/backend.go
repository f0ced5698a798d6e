// Package cpu implements the pure Go reference numeric library.
package cpu

import (
	"fmt"

	"github.com/born-ml/autograd/internal/parallel"
	"github.com/born-ml/autograd/internal/tensor"
)

// Verify that CPUBackend implements tensor.Backend.
var _ tensor.Backend = (*CPUBackend)(nil)

// float is the element constraint shared by the generic kernels.
type float interface {
	~float32 | ~float64
}

// CPUBackend implements tensor operations on CPU.
type CPUBackend struct {
	device tensor.Device
	par    parallel.Config
}

// New creates a new CPU backend with default parallelism.
func New() *CPUBackend {
	return NewWithConfig(parallel.DefaultConfig())
}

// NewWithConfig creates a CPU backend with explicit parallelism settings.
func NewWithConfig(cfg parallel.Config) *CPUBackend {
	return &CPUBackend{
		device: tensor.CPU,
		par:    cfg,
	}
}

// Name returns the backend name.
func (cpu *CPUBackend) Name() string {
	return "CPU"
}

// Device returns the compute device.
func (cpu *CPUBackend) Device() tensor.Device {
	return cpu.device
}

// Zeros allocates a zero-filled tensor.
func (cpu *CPUBackend) Zeros(shape tensor.Shape, dtype tensor.DataType) (*tensor.RawTensor, error) {
	return tensor.NewRaw(shape, dtype, cpu.device)
}

// Ones allocates a tensor filled with ones.
func (cpu *CPUBackend) Ones(shape tensor.Shape, dtype tensor.DataType) (*tensor.RawTensor, error) {
	r, err := tensor.NewRaw(shape, dtype, cpu.device)
	if err != nil {
		return nil, err
	}
	r.Fill(1)
	return r, nil
}

// alloc creates an output tensor on this device, wrapping failures with op.
func (cpu *CPUBackend) alloc(op string, shape tensor.Shape, dtype tensor.DataType) (*tensor.RawTensor, error) {
	r, err := tensor.NewRaw(shape, dtype, cpu.device)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to create result tensor: %w", op, err)
	}
	return r, nil
}

// checkDefined rejects nil operands.
func checkDefined(op string, xs ...*tensor.RawTensor) error {
	for i, x := range xs {
		if x == nil {
			return fmt.Errorf("%w: %s: operand %d is undefined", tensor.ErrShapeMismatch, op, i)
		}
	}
	return nil
}

// checkSameDType rejects operands whose dtypes differ from the first one.
func checkSameDType(op string, xs ...*tensor.RawTensor) error {
	for _, x := range xs[1:] {
		if x != nil && x.DType() != xs[0].DType() {
			return fmt.Errorf("%w: %s: %s vs %s", tensor.ErrDTypeMismatch, op, xs[0].DType(), x.DType())
		}
	}
	return nil
}
