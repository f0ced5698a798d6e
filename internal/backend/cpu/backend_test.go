package cpu

import (
	"errors"
	"testing"

	"github.com/born-ml/autograd/internal/parallel"
	"github.com/born-ml/autograd/internal/tensor"
)

func mustF64(t *testing.T, values []float64, shape tensor.Shape) *tensor.RawTensor {
	t.Helper()
	r, err := tensor.FromFloat64(values, shape)
	if err != nil {
		t.Fatalf("FromFloat64: %v", err)
	}
	return r
}

func assertValues(t *testing.T, name string, got *tensor.RawTensor, want []float64) {
	t.Helper()
	vals := got.Float64s()
	if len(vals) != len(want) {
		t.Fatalf("%s: got %d values, want %d", name, len(vals), len(want))
	}
	for i := range want {
		if diff := vals[i] - want[i]; diff > 1e-9 || diff < -1e-9 {
			t.Errorf("%s[%d] = %v, want %v", name, i, vals[i], want[i])
		}
	}
}

func TestCPUBackend_Name(t *testing.T) {
	backend := New()
	if backend.Name() != "CPU" {
		t.Errorf("Name() = %q, want CPU", backend.Name())
	}
	if backend.Device() != tensor.CPU {
		t.Errorf("Device() = %v, want CPU", backend.Device())
	}
}

func TestAddShapeMismatch(t *testing.T) {
	backend := New()
	a := mustF64(t, []float64{1, 2}, tensor.Shape{2})
	b := mustF64(t, []float64{1, 2, 3}, tensor.Shape{3})
	if _, err := backend.Add(a, b); !errors.Is(err, tensor.ErrShapeMismatch) {
		t.Errorf("Add mismatched shapes: err = %v, want ErrShapeMismatch", err)
	}
}

func TestElementwise(t *testing.T) {
	backend := New()
	a := mustF64(t, []float64{1, 2, 3}, tensor.Shape{3})
	b := mustF64(t, []float64{4, 5, 6}, tensor.Shape{3})

	sum, err := backend.Add(a, b)
	if err != nil {
		t.Fatal(err)
	}
	assertValues(t, "add", sum, []float64{5, 7, 9})

	prod, err := backend.Mul(a, b)
	if err != nil {
		t.Fatal(err)
	}
	assertValues(t, "mul", prod, []float64{4, 10, 18})

	neg, err := backend.Neg(a)
	if err != nil {
		t.Fatal(err)
	}
	assertValues(t, "neg", neg, []float64{-1, -2, -3})

	scaled, err := backend.MulScalar(a, 0.5)
	if err != nil {
		t.Fatal(err)
	}
	assertValues(t, "mul_scalar", scaled, []float64{0.5, 1, 1.5})
}

func TestExpandAndSumTo(t *testing.T) {
	backend := New()
	x := mustF64(t, []float64{1, 2, 3}, tensor.Shape{3, 1})

	expanded, err := backend.Expand(x, tensor.Shape{2, 3, 2})
	if err != nil {
		t.Fatal(err)
	}
	assertValues(t, "expand", expanded, []float64{1, 1, 2, 2, 3, 3, 1, 1, 2, 2, 3, 3})

	reduced, err := backend.SumTo(expanded, tensor.Shape{3, 1})
	if err != nil {
		t.Fatal(err)
	}
	assertValues(t, "sum_to", reduced, []float64{4, 8, 12})

	if _, err := backend.Expand(x, tensor.Shape{3, 2, 2}); !errors.Is(err, tensor.ErrShapeMismatch) {
		t.Errorf("Expand incompatible: err = %v, want ErrShapeMismatch", err)
	}
}

func TestSum(t *testing.T) {
	backend := New()
	x := mustF64(t, []float64{1, 2, 3, 4}, tensor.Shape{2, 2})
	s, err := backend.Sum(x)
	if err != nil {
		t.Fatal(err)
	}
	if len(s.Shape()) != 0 {
		t.Errorf("Sum shape = %v, want scalar", s.Shape())
	}
	assertValues(t, "sum", s, []float64{10})
}

func TestTranspose(t *testing.T) {
	backend := New()
	x := mustF64(t, []float64{1, 2, 3, 4, 5, 6}, tensor.Shape{2, 3})

	y, err := backend.Transpose(x, 0, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !y.Shape().Equal(tensor.Shape{3, 2}) {
		t.Fatalf("Transpose shape = %v, want (3, 2)", y.Shape())
	}
	assertValues(t, "transpose", y, []float64{1, 4, 2, 5, 3, 6})

	if _, err := backend.Transpose(x, 0, 2); !errors.Is(err, tensor.ErrShapeMismatch) {
		t.Errorf("Transpose out of range: err = %v, want ErrShapeMismatch", err)
	}
}

func TestNarrowAndCat(t *testing.T) {
	backend := New()
	// [2, 4]
	x := mustF64(t, []float64{0, 1, 2, 3, 4, 5, 6, 7}, tensor.Shape{2, 4})

	left, err := backend.Narrow(x, 1, 0, 1)
	if err != nil {
		t.Fatal(err)
	}
	right, err := backend.Narrow(x, 1, 1, 3)
	if err != nil {
		t.Fatal(err)
	}
	assertValues(t, "narrow left", left, []float64{0, 4})
	assertValues(t, "narrow right", right, []float64{1, 2, 3, 5, 6, 7})

	joined, err := backend.Cat([]*tensor.RawTensor{left, right}, 1)
	if err != nil {
		t.Fatal(err)
	}
	assertValues(t, "cat", joined, x.Float64s())

	if _, err := backend.Narrow(x, 1, 3, 2); !errors.Is(err, tensor.ErrShapeMismatch) {
		t.Errorf("Narrow out of bounds: err = %v, want ErrShapeMismatch", err)
	}
	if _, err := backend.Cat([]*tensor.RawTensor{left, x}, 0); !errors.Is(err, tensor.ErrShapeMismatch) {
		t.Errorf("Cat incompatible: err = %v, want ErrShapeMismatch", err)
	}
}

func TestReshapeCopies(t *testing.T) {
	backend := New()
	x := mustF64(t, []float64{1, 2, 3, 4}, tensor.Shape{2, 2})
	y, err := backend.Reshape(x, tensor.Shape{4})
	if err != nil {
		t.Fatal(err)
	}
	y.AsFloat64()[0] = 9
	if x.AsFloat64()[0] != 1 {
		t.Error("Reshape result shares storage with its input")
	}
	if _, err := backend.Reshape(x, tensor.Shape{3}); !errors.Is(err, tensor.ErrShapeMismatch) {
		t.Errorf("Reshape wrong count: err = %v, want ErrShapeMismatch", err)
	}
}

func TestElementwise_ParallelMatchesSequential(t *testing.T) {
	n := 3*elementwiseGrain + 5
	a := make([]float64, n)
	b := make([]float64, n)
	for i := range a {
		a[i] = float64(i)
		b[i] = float64(n - i)
	}
	x, y := mustF64(t, a, tensor.Shape{n}), mustF64(t, b, tensor.Shape{n})

	seq := NewWithConfig(parallel.Sequential())
	par := NewWithConfig(parallel.Sequential().WithWorkers(4, 1))
	for name, op := range map[string]func(be *CPUBackend) (*tensor.RawTensor, error){
		"mul":        func(be *CPUBackend) (*tensor.RawTensor, error) { return be.Mul(x, y) },
		"add":        func(be *CPUBackend) (*tensor.RawTensor, error) { return be.Add(x, y) },
		"mul_scalar": func(be *CPUBackend) (*tensor.RawTensor, error) { return be.MulScalar(x, -0.5) },
	} {
		want, err := op(seq)
		if err != nil {
			t.Fatalf("%s sequential: %v", name, err)
		}
		got, err := op(par)
		if err != nil {
			t.Fatalf("%s parallel: %v", name, err)
		}
		assertValues(t, name, got, want.Float64s())
	}
}
