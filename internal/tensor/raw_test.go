package tensor

import (
	"errors"
	"testing"
)

func TestRawTensorAsFloat32ZeroCopy(t *testing.T) {
	raw, err := NewRaw(Shape{3, 2}, Float32, CPU)
	if err != nil {
		t.Fatalf("NewRaw: %v", err)
	}
	data := raw.AsFloat32()

	if len(data) != 6 {
		t.Errorf("AsFloat32 length = %d, want 6", len(data))
	}

	data[0] = 42
	if raw.AsFloat32()[0] != 42 {
		t.Error("AsFloat32 should return zero-copy slice")
	}
}

func TestRawTensorCloneIsDeep(t *testing.T) {
	raw, _ := FromFloat64([]float64{1, 2, 3}, Shape{3})
	clone := raw.Clone()

	clone.AsFloat64()[0] = 100
	if raw.AsFloat64()[0] != 1 {
		t.Errorf("Clone shares buffer: original[0] = %v", raw.AsFloat64()[0])
	}
	if !clone.Shape().Equal(raw.Shape()) {
		t.Errorf("Clone shape = %v, want %v", clone.Shape(), raw.Shape())
	}
}

func TestRawTensorScalar(t *testing.T) {
	raw, err := NewRaw(Shape{}, Float32, CPU)
	if err != nil {
		t.Fatalf("NewRaw scalar: %v", err)
	}
	if raw.NumElements() != 1 {
		t.Errorf("scalar NumElements = %d, want 1", raw.NumElements())
	}
	raw.Fill(2.5)
	if got := raw.Float64s(); got[0] != 2.5 {
		t.Errorf("Fill/Float64s = %v, want [2.5]", got)
	}
}

func TestFromFloat32LengthMismatch(t *testing.T) {
	_, err := FromFloat32([]float32{1, 2}, Shape{3})
	if !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("FromFloat32 error = %v, want ErrShapeMismatch", err)
	}
}

func TestShapeExpandableTo(t *testing.T) {
	cases := []struct {
		src, dst Shape
		ok       bool
	}{
		{Shape{3, 1}, Shape{2, 3, 5}, true},
		{Shape{}, Shape{4, 4}, true},
		{Shape{3, 4}, Shape{3, 5}, false},
		{Shape{2, 3, 4}, Shape{3, 4}, false},
	}
	for _, c := range cases {
		err := c.src.ExpandableTo(c.dst)
		if (err == nil) != c.ok {
			t.Errorf("%v.ExpandableTo(%v) err = %v, want ok=%v", c.src, c.dst, err, c.ok)
		}
	}
}

func TestShapeValidate(t *testing.T) {
	if err := (Shape{2, 0}).Validate(); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("Validate zero dim = %v, want ErrShapeMismatch", err)
	}
	if err := (Shape{2, 3}).Validate(); err != nil {
		t.Errorf("Validate valid shape = %v", err)
	}
}
