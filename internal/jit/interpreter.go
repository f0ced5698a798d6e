package jit

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/born-ml/autograd/internal/autograd"
	"github.com/born-ml/autograd/internal/tensor"
	"github.com/born-ml/autograd/internal/trace"
)

// InterpreterNode runs one stage of a compiled function. The stage-s node
// receives the gradients of stage s-1's outputs and produces stage s's
// outputs; outputs that require grad are bound to a lazily created
// stage-(s+1) node.
type InterpreterNode struct {
	autograd.NodeBase

	factory *FunctionFactory
	stage   int

	mu       sync.Mutex
	regs     []*tensor.RawTensor
	released bool
}

// Name returns the node name.
func (n *InterpreterNode) Name() string {
	return fmt.Sprintf("InterpreterBackward%d", n.stage)
}

// Stage returns the stage the node runs.
func (n *InterpreterNode) Stage() int {
	return n.stage
}

// ReleaseVariables drops the interpreter registers. Applying the node again
// fails with autograd.ErrReusedAfterRelease.
func (n *InterpreterNode) ReleaseVariables() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.released = true
	n.regs = nil
}

// Apply implements autograd.Node.
func (n *InterpreterNode) Apply(ctx context.Context, inputs []*autograd.Variable) ([]*autograd.Variable, error) {
	details := n.factory.details
	if n.stage == len(details) {
		return nil, fmt.Errorf("%w: Function compiled only for %d derivatives. Use nderivs argument to request more.",
			autograd.ErrDerivativeLimit, len(details)-1)
	}

	n.mu.Lock()
	if n.released {
		n.mu.Unlock()
		return nil, autograd.ErrReusedAfterRelease
	}
	regs := slices.Clone(n.regs)
	n.mu.Unlock()

	d := details[n.stage]
	raws, err := n.checkInputs(ctx, d, inputs)
	if err != nil {
		return nil, err
	}

	b := autograd.FromContext(ctx).Backend()
	outs, err := runStage(b, n.factory.code[n.stage], regs, raws)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", n.Name(), err)
	}
	if len(outs) != len(d.OutputFlags) {
		return nil, fmt.Errorf("%w: %s produced %d outputs, traced %d",
			autograd.ErrInvalidArgument, n.Name(), len(outs), len(d.OutputFlags))
	}

	// Every output traced as requiring grad owns an input slot of the next
	// stage, defined or not, so slots line up with the traced seeds.
	var next *InterpreterNode
	result := make([]*autograd.Variable, len(outs))
	for i, out := range outs {
		if d.OutputFlags[i].RequiresGrad && autograd.GradEnabled(ctx) {
			if next == nil {
				next = n.makeNext(ctx, regs, inputs)
			}
			slot := next.AddInput()
			if out != nil {
				result[i] = autograd.NewOutput(out, next, slot)
			}
			continue
		}
		if out != nil {
			result[i] = autograd.NewVariable(out, false)
		}
	}
	return result, nil
}

// checkInputs validates live inputs against the traced flags and returns
// their data, zero-filling undefined inputs the trace expects to be defined.
func (n *InterpreterNode) checkInputs(ctx context.Context, d StageDetails, inputs []*autograd.Variable) ([]*tensor.RawTensor, error) {
	if len(inputs) != len(d.InputFlags) {
		return nil, fmt.Errorf("%w: %s expected %d inputs, got %d",
			autograd.ErrInvalidArgument, n.Name(), len(d.InputFlags), len(inputs))
	}

	raws := make([]*tensor.RawTensor, len(inputs))
	for i, in := range inputs {
		traced := d.InputFlags[i]
		if !traced.Defined && in.Defined() {
			return nil, fmt.Errorf("%w: JIT interpreter received a defined input %d, "+
				"but the trace was compiled with the input being undefined", autograd.ErrStageMismatch, i)
		}
		if !traced.RequiresGrad && in.RequiresGrad() {
			return nil, fmt.Errorf("%w: JIT interpreter received input %d with requires_grad=True, "+
				"but was compiled with requires_grad=False", autograd.ErrStageMismatch, i)
		}

		switch {
		case in.Defined():
			raws[i] = in.Data()
		case traced.Defined:
			zero, err := autograd.FromContext(ctx).Backend().Zeros(d.InputShapes[i], d.InputDTypes[i])
			if err != nil {
				return nil, fmt.Errorf("%w: %s: zero-filling input %d: %w", autograd.ErrInvalidArgument, n.Name(), i, err)
			}
			raws[i] = zero
		}
	}
	return raws, nil
}

// makeNext creates the node of the following stage. Its next edges are the
// edges copied from this node followed by one edge per used input that was
// traced as requiring grad. When no following stage was compiled the node
// stays unwired and fails when applied.
func (n *InterpreterNode) makeNext(ctx context.Context, regs []*tensor.RawTensor, inputs []*autograd.Variable) *InterpreterNode {
	next := &InterpreterNode{
		NodeBase: autograd.NewNodeBase(autograd.FromContext(ctx).NextSequenceNr(), nil, 0),
		factory:  n.factory,
		stage:    n.stage + 1,
		regs:     regs,
	}
	if next.stage == len(n.factory.details) {
		return next
	}

	for _, idx := range n.factory.details[next.stage].CopiedEdges {
		next.AddNextEdge(n.NextEdge(idx))
	}
	d := n.factory.details[n.stage]
	for i, in := range inputs {
		if !d.UsedInputs[i] || !d.InputFlags[i].RequiresGrad {
			continue
		}
		if !in.Defined() || !in.RequiresGrad() {
			next.AddNextEdge(autograd.Edge{})
			continue
		}
		next.AddNextEdge(in.GradientEdge())
	}
	return next
}

// runStage executes the kernels of stage on regs. Inputs are written to
// their registers first; the stage outputs are read back at the end.
func runStage(b tensor.Backend, stage *trace.Stage, regs, inputs []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
	for i, v := range stage.Inputs {
		if v != nil {
			regs[v.ID] = inputs[i]
		}
	}

	read := func(v *trace.Value) (*tensor.RawTensor, error) {
		switch {
		case v == nil:
			return nil, nil
		case v.IsConst():
			return v.Const, nil
		case regs[v.ID] == nil:
			return nil, fmt.Errorf("%w: value %%%d read before it was computed", autograd.ErrInvalidArgument, v.ID)
		default:
			return regs[v.ID], nil
		}
	}

	for _, node := range stage.Nodes {
		args := make([]*tensor.RawTensor, len(node.Inputs))
		for i, v := range node.Inputs {
			var err error
			if args[i], err = read(v); err != nil {
				return nil, fmt.Errorf("%s: %w", node.Kind, err)
			}
		}
		outs, err := node.Kernel(b, args)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", node.Kind, err)
		}
		if len(outs) < len(node.Outputs) {
			return nil, fmt.Errorf("%w: %s returned %d outputs, traced %d",
				autograd.ErrInvalidArgument, node.Kind, len(outs), len(node.Outputs))
		}
		for i, v := range node.Outputs {
			if v != nil {
				regs[v.ID] = outs[i]
			}
		}
	}

	outs := make([]*tensor.RawTensor, len(stage.Outputs))
	for i, v := range stage.Outputs {
		var err error
		if outs[i], err = read(v); err != nil {
			return nil, err
		}
	}
	return outs, nil
}
