// Package jit implements the staged interpreter: a traced function and its
// first N derivatives are replayed as a chain of graph nodes, one per
// derivative order.
//
// Usage:
//
//	factory, err := jit.Compile(ctx, engine, fn, inputs, 2)
//	node := factory.Construct(ctx)
//	outputs, err := node.Apply(ctx, inputs)
//	// outputs are differentiable twice through the compiled stages
package jit

import (
	"context"
	"fmt"
	"slices"

	"github.com/born-ml/autograd/internal/autograd"
	"github.com/born-ml/autograd/internal/tensor"
	"github.com/born-ml/autograd/internal/trace"
)

// StageDetails is the per-stage metadata the interpreter checks live
// inputs against.
type StageDetails struct {
	InputFlags  []trace.Flags
	OutputFlags []trace.Flags

	// UsedInputs[i] is false if input i does not influence any output, in
	// which case the next stage has no gradient edge for it.
	UsedInputs []bool

	// CopiedEdges lists indices into the previous stage node's next edges
	// that the node of this stage inherits.
	CopiedEdges []int

	// InputShapes and InputDTypes describe the traced inputs, used to
	// zero-fill undefined live inputs.
	InputShapes []tensor.Shape
	InputDTypes []tensor.DataType
}

// FunctionFactory holds a compiled trace and creates interpreter nodes for it.
type FunctionFactory struct {
	state     *trace.State
	code      []*trace.Stage
	details   []StageDetails
	numValues int
}

// NewFunctionFactory derives the stage details of a finished trace. Used
// inputs of every stage must already be computed.
func NewFunctionFactory(st *trace.State) (*FunctionFactory, error) {
	stages := st.Stages()
	f := &FunctionFactory{
		state:     st,
		code:      stages,
		details:   make([]StageDetails, len(stages)),
		numValues: st.NumValues(),
	}
	for i, stage := range stages {
		if len(stage.UsedInputs) != len(stage.Inputs) {
			return nil, fmt.Errorf("%w: stage %d has %d inputs but %d used-input entries",
				autograd.ErrInvalidArgument, i, len(stage.Inputs), len(stage.UsedInputs))
		}
		if len(stage.InputFlags) != len(stage.Inputs) || len(stage.OutputFlags) != len(stage.Outputs) {
			return nil, fmt.Errorf("%w: stage %d flags do not match its inputs and outputs", autograd.ErrInvalidArgument, i)
		}

		d := StageDetails{
			InputFlags:  slices.Clone(stage.InputFlags),
			OutputFlags: slices.Clone(stage.OutputFlags),
			UsedInputs:  slices.Clone(stage.UsedInputs),
			CopiedEdges: slices.Clone(stage.CopiedEdges),
			InputShapes: make([]tensor.Shape, len(stage.Inputs)),
			InputDTypes: make([]tensor.DataType, len(stage.Inputs)),
		}
		for j, v := range stage.Inputs {
			if v != nil {
				d.InputShapes[j] = v.Shape.Clone()
				d.InputDTypes[j] = v.DType
			}
		}
		f.details[i] = d
	}
	return f, nil
}

// NumStages returns the number of compiled stages: the forward stage plus
// one per derivative.
func (f *FunctionFactory) NumStages() int {
	return len(f.details)
}

// Trace returns the recorded trace.
func (f *FunctionFactory) Trace() *trace.State {
	return f.state
}

// Details returns the metadata of stage i.
func (f *FunctionFactory) Details(i int) StageDetails {
	return f.details[i]
}

// Construct returns a fresh stage-0 node. Applying it runs the forward stage.
func (f *FunctionFactory) Construct(ctx context.Context) *InterpreterNode {
	numInputs := 0
	if len(f.details) > 0 {
		numInputs = len(f.details[0].InputFlags)
	}
	return &InterpreterNode{
		NodeBase: autograd.NewNodeBase(autograd.FromContext(ctx).NextSequenceNr(), nil, numInputs),
		factory:  f,
		regs:     make([]*tensor.RawTensor, f.numValues),
	}
}
