package trace

import (
	"github.com/born-ml/autograd/internal/tensor"
)

// Kernel is a replayable numeric-library computation. Tensor operands
// arrive through in; anything captured by the closure is treated as static
// configuration.
type Kernel func(b tensor.Backend, in []*tensor.RawTensor) ([]*tensor.RawTensor, error)

// Flags describe a stage input or output as seen during tracing.
type Flags struct {
	Defined      bool
	RequiresGrad bool
}

// Value is a single tensor in the trace.
type Value struct {
	ID    int
	Stage int
	Shape tensor.Shape
	DType tensor.DataType

	// Const holds a snapshot of tensor data that entered the trace without
	// being a stage input or a traced kernel output.
	Const *tensor.RawTensor
}

// IsConst reports whether the value is a captured constant.
func (v *Value) IsConst() bool {
	return v != nil && v.Const != nil
}

// Node is one executed kernel. A nil entry in Inputs or Outputs stands for
// an undefined tensor.
type Node struct {
	Kind    string
	Stage   int
	Kernel  Kernel
	Inputs  []*Value
	Outputs []*Value
}

// Stage groups the inputs, outputs and kernels of one derivative order.
type Stage struct {
	Inputs      []*Value
	InputFlags  []Flags
	Outputs     []*Value
	OutputFlags []Flags

	// UsedInputs[i] is true if Inputs[i] is read by any node or output
	// recorded up to and including this stage.
	UsedInputs []bool

	// CopiedEdges lists indices into the previous stage's gradient edges
	// that this stage also differentiates with respect to.
	CopiedEdges []int

	Nodes []*Node
}
