package autograd

import (
	"context"
	"errors"
	"fmt"

	"github.com/born-ml/autograd/internal/tensor"
	"github.com/born-ml/autograd/internal/trace"
)

// Edge points at input Slot of Node. The zero Edge is invalid and marks an
// input that does not take part in differentiation.
type Edge struct {
	Node Node
	Slot int
}

// Valid reports whether the edge points at a node.
func (e Edge) Valid() bool {
	return e.Node != nil
}

// Node is a backward computation in the graph. Apply receives one gradient
// per output of the forward operation and returns one gradient per next
// edge; nil entries are undefined gradients.
//
// Implementations embed NodeBase and must be pointer types so that nodes
// can be used as map keys by the engine.
type Node interface {
	Apply(ctx context.Context, inputs []*Variable) ([]*Variable, error)
	Name() string
	Base() *NodeBase

	// ReleaseVariables frees saved state once the node will not run again.
	ReleaseVariables()
}

// TraceableNode is implemented by nodes whose Apply is fully expressed
// through RunKernel calls, so a trace can see through it.
type TraceableNode interface {
	Node
	Traceable() bool
}

// SavedVariableNode is implemented by opaque nodes that can be recorded
// as a single traced evaluation. The saved values become inputs of the
// recorded evaluation, and replaying it applies a copy of the node made by
// WithSavedVariables on the live values.
type SavedVariableNode interface {
	Node
	SavedVariables() []*SavedVariable

	// WithSavedVariables returns a copy of the node whose saved variables
	// are replaced by saved, given in SavedVariables order.
	WithSavedVariables(saved []*SavedVariable) Node
}

// Transparent marks a built-in node as traceable. Embed it next to NodeBase.
type Transparent struct{}

// Traceable implements TraceableNode.
func (Transparent) Traceable() bool { return true }

// NodeBase holds the state shared by all nodes.
type NodeBase struct {
	seq        uint64
	next       []Edge
	numInputs  int
	executable bool
}

// NewNodeBase creates node state with explicit edges. Most nodes receive
// their base from WrapOutputs instead.
func NewNodeBase(seq uint64, next []Edge, numInputs int) NodeBase {
	return NodeBase{
		seq:        seq,
		next:       next,
		numInputs:  numInputs,
		executable: true,
	}
}

// Base returns b itself; embedding NodeBase satisfies Node.Base.
func (b *NodeBase) Base() *NodeBase { return b }

// SequenceNr returns the creation order of the node.
func (b *NodeBase) SequenceNr() uint64 { return b.seq }

// NextEdges returns the outgoing edges, one per differentiable input of
// the forward operation.
func (b *NodeBase) NextEdges() []Edge { return b.next }

// NextEdge returns edge i.
func (b *NodeBase) NextEdge(i int) Edge { return b.next[i] }

// NumOutputs returns the number of gradients Apply must return.
func (b *NodeBase) NumOutputs() int { return len(b.next) }

// NumInputs returns the number of gradients Apply receives.
func (b *NodeBase) NumInputs() int { return b.numInputs }

// AddInput increments the number of gradients the node receives.
func (b *NodeBase) AddInput() int {
	b.numInputs++
	return b.numInputs - 1
}

// AddNextEdge appends an outgoing edge.
func (b *NodeBase) AddNextEdge(e Edge) {
	b.next = append(b.next, e)
}

// IsExecutable reports whether the engine should run the node.
func (b *NodeBase) IsExecutable() bool { return b.executable }

// SetExecutable marks the node as prunable or not.
func (b *NodeBase) SetExecutable(executable bool) { b.executable = executable }

// ShouldComputeOutput reports whether gradient i is consumed downstream.
func (b *NodeBase) ShouldComputeOutput(i int) bool {
	return i < len(b.next) && b.next[i].Valid()
}

// ReleaseVariables is a no-op for nodes without saved state.
func (b *NodeBase) ReleaseVariables() {}

// CollectNextEdges returns the gradient edge of every variable.
func CollectNextEdges(vars ...*Variable) []Edge {
	edges := make([]Edge, len(vars))
	for i, v := range vars {
		edges[i] = v.GradientEdge()
	}
	return edges
}

// RunKernel executes kernel on the graph's numeric library and reports the
// execution to the active trace. Library precondition failures are mapped to
// ErrUnsupportedConfiguration or ErrInvalidArgument.
func RunKernel(ctx context.Context, name string, kernel trace.Kernel, inputs []*Variable) ([]*tensor.RawTensor, error) {
	raws := make([]*tensor.RawTensor, len(inputs))
	for i, v := range inputs {
		raws[i] = v.Data()
	}

	outputs, err := kernel(FromContext(ctx).Backend(), raws)
	if err != nil {
		if errors.Is(err, tensor.ErrUnsupported) {
			return nil, fmt.Errorf("%w: %s: %w", ErrUnsupportedConfiguration, name, err)
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidArgument, name, err)
	}

	if st := trace.FromContext(ctx); st != nil {
		st.Record(name, kernel, raws, outputs)
	}
	return outputs, nil
}

// WrapOutputs turns raw outputs of a forward operation into variables. When
// grad mode is on and any input requires grad, makeNode is called with a
// base whose next edges point at the inputs, and output i becomes output i
// of the returned node. Otherwise the outputs are plain leaves.
func WrapOutputs(ctx context.Context, inputs []*Variable, outputs []*tensor.RawTensor, makeNode func(base NodeBase) Node) []*Variable {
	vars := make([]*Variable, len(outputs))

	requiresGrad := false
	if GradEnabled(ctx) {
		for _, in := range inputs {
			if in.RequiresGrad() {
				requiresGrad = true
				break
			}
		}
	}
	if !requiresGrad {
		for i, out := range outputs {
			if out != nil {
				vars[i] = NewVariable(out, false)
			}
		}
		return vars
	}

	base := NewNodeBase(FromContext(ctx).NextSequenceNr(), CollectNextEdges(inputs...), len(outputs))
	fn := makeNode(base)
	for i, out := range outputs {
		if out != nil {
			vars[i] = newOutput(out, fn, i)
		}
	}
	return vars
}

// checkGrads validates the gradient count received by a node.
func checkGrads(n Node, grads []*Variable, want int) error {
	if len(grads) != want {
		return fmt.Errorf("%w: %s expected %d gradients, got %d", ErrInvalidArgument, n.Name(), want, len(grads))
	}
	return nil
}
