package tensor

// ConvParams configures a single-group 2D convolution in the numeric library.
// Index 0 is the height axis, index 1 the width axis.
type ConvParams struct {
	Stride        [2]int
	Padding       [2]int
	Dilation      [2]int
	OutputPadding [2]int
	Transposed    bool
}

// Backend defines the numeric library consumed by the autograd engine.
// Every operation returns a freshly allocated tensor and reports precondition
// failures as errors wrapping ErrShapeMismatch, ErrDTypeMismatch or
// ErrUnsupported.
//
// Implementations:
//   - cpu.CPUBackend: pure Go reference implementation
//   - CountingBackend: call-counting decorator for tests
type Backend interface {
	// Creation
	Zeros(shape Shape, dtype DataType) (*RawTensor, error)
	Ones(shape Shape, dtype DataType) (*RawTensor, error)

	// Element-wise operations (operands must have equal shapes)
	Add(a, b *RawTensor) (*RawTensor, error)
	Mul(a, b *RawTensor) (*RawTensor, error)
	Neg(x *RawTensor) (*RawTensor, error)
	MulScalar(x *RawTensor, scalar float64) (*RawTensor, error)

	// Reductions
	Sum(x *RawTensor) (*RawTensor, error)                // total sum (scalar result)
	SumTo(x *RawTensor, shape Shape) (*RawTensor, error) // inverse of Expand

	// Shape operations
	Reshape(x *RawTensor, shape Shape) (*RawTensor, error)
	Expand(x *RawTensor, shape Shape) (*RawTensor, error)
	Transpose(x *RawTensor, dim0, dim1 int) (*RawTensor, error)
	Narrow(x *RawTensor, dim, start, length int) (*RawTensor, error)
	Cat(xs []*RawTensor, dim int) (*RawTensor, error)

	// Convolution.
	// Non-transposed weight layout is [C_out, C_in, K_h, K_w], transposed is
	// [C_in, C_out, K_h, K_w]. bias may be nil.
	Conv2D(input, weight, bias *RawTensor, p ConvParams) (*RawTensor, error)

	// Conv2DBackward returns gradients for input, weight and bias. An output
	// whose mask bit is false is not computed and is returned as nil.
	Conv2DBackward(gradOutput, input, weight *RawTensor, p ConvParams, mask [3]bool) (gradInput, gradWeight, gradBias *RawTensor, err error)

	// Metadata
	Name() string
	Device() Device
}
