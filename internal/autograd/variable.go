package autograd

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"weak"

	"github.com/born-ml/autograd/internal/tensor"
)

// VersionCounter counts in-place mutations of a tensor. It is shared by every
// Variable that views the same data so that snapshots can detect mutation
// through any of them.
type VersionCounter struct {
	v atomic.Uint32
}

// Current returns the current version.
func (c *VersionCounter) Current() uint32 {
	return c.v.Load()
}

// Bump increments the version.
func (c *VersionCounter) Bump() {
	c.v.Add(1)
}

// Variable is a tensor participating in differentiation.
//
// A Variable is either a leaf (created by the user, no producing node) or
// the output of a node (GradFn non-nil). A nil *Variable is the undefined
// value; every accessor is safe to call on it.
type Variable struct {
	data         *tensor.RawTensor
	requiresGrad bool
	gradFn       Node
	outputNr     int
	version      *VersionCounter

	mu          sync.Mutex
	accumulator weak.Pointer[GradAccumulator]
	grad        *Variable
}

// NewVariable creates a leaf.
func NewVariable(data *tensor.RawTensor, requiresGrad bool) *Variable {
	return &Variable{
		data:         data,
		requiresGrad: requiresGrad,
		version:      &VersionCounter{},
	}
}

// NewOutput binds data to input slot outputNr of fn, making fn the
// producer of the returned value. Custom nodes that do not build their
// outputs with WrapOutputs use it to attach results to the graph.
func NewOutput(data *tensor.RawTensor, fn Node, outputNr int) *Variable {
	return newOutput(data, fn, outputNr)
}

func newOutput(data *tensor.RawTensor, fn Node, outputNr int) *Variable {
	return &Variable{
		data:         data,
		requiresGrad: true,
		gradFn:       fn,
		outputNr:     outputNr,
		version:      &VersionCounter{},
	}
}

// Defined reports whether v holds a value.
func (v *Variable) Defined() bool {
	return v != nil
}

// Data returns the underlying tensor, nil if undefined.
func (v *Variable) Data() *tensor.RawTensor {
	if v == nil {
		return nil
	}
	return v.data
}

// RequiresGrad reports whether gradients flow to v.
func (v *Variable) RequiresGrad() bool {
	return v != nil && v.requiresGrad
}

// IsLeaf reports whether v has no producing node.
func (v *Variable) IsLeaf() bool {
	return v != nil && v.gradFn == nil
}

// GradFn returns the producing node, nil for leaves.
func (v *Variable) GradFn() Node {
	if v == nil {
		return nil
	}
	return v.gradFn
}

// OutputNr returns which output of GradFn this value is.
func (v *Variable) OutputNr() int {
	if v == nil {
		return 0
	}
	return v.outputNr
}

// Version returns the in-place mutation count.
func (v *Variable) Version() uint32 {
	if v == nil {
		return 0
	}
	return v.version.Current()
}

// Mutate applies an in-place modification to the data and bumps the
// version counter. It does nothing on the undefined value.
func (v *Variable) Mutate(f func(data *tensor.RawTensor)) {
	if v == nil {
		return
	}
	f(v.data)
	v.version.Bump()
}

// GradAccumulator returns the gradient sink of a leaf that requires grad,
// creating it on first use. The Variable holds it weakly: it lives as long
// as some graph edge points at it. Returns nil for non-leaves and leaves
// that do not require grad.
func (v *Variable) GradAccumulator() *GradAccumulator {
	if v == nil || !v.requiresGrad || v.gradFn != nil {
		return nil
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	if acc := v.accumulator.Value(); acc != nil {
		return acc
	}
	acc := &GradAccumulator{
		NodeBase: NodeBase{
			seq:        math.MaxUint64,
			numInputs:  1,
			executable: true,
		},
		variable: v,
	}
	v.accumulator = weak.Make(acc)
	return acc
}

// GradientEdge returns the edge along which v's gradient flows: its
// producing node and output index, or its accumulator for leaves. Values
// that do not require grad yield an invalid edge.
func (v *Variable) GradientEdge() Edge {
	switch {
	case v == nil:
		return Edge{}
	case v.gradFn != nil:
		return Edge{Node: v.gradFn, Slot: v.outputNr}
	case v.requiresGrad:
		return Edge{Node: v.GradAccumulator(), Slot: 0}
	default:
		return Edge{}
	}
}

// Grad returns the gradient accumulated by backward passes.
func (v *Variable) Grad() *Variable {
	if v == nil {
		return nil
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.grad
}

// ZeroGrad clears the accumulated gradient.
func (v *Variable) ZeroGrad() {
	if v == nil {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.grad = nil
}

// Detach returns a leaf that does not require grad and shares data and
// version counter with v.
func (v *Variable) Detach() *Variable {
	if v == nil {
		return nil
	}
	return &Variable{data: v.data, version: v.version}
}

// String describes the value for error messages.
func (v *Variable) String() string {
	if v == nil {
		return "undefined"
	}
	if v.gradFn != nil {
		return fmt.Sprintf("%s, output %d of %s", v.data, v.outputNr, v.gradFn.Name())
	}
	return fmt.Sprintf("%s, leaf, requires_grad=%t", v.data, v.requiresGrad)
}
