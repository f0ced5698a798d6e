package autograd

import (
	"context"
	"fmt"
)

// GradAccumulator is the gradient sink of a leaf. It receives one gradient
// and adds it to the leaf's .Grad(). It holds the leaf strongly while the
// leaf holds the accumulator weakly.
type GradAccumulator struct {
	NodeBase
	Transparent

	variable *Variable
}

// Name returns the node name.
func (a *GradAccumulator) Name() string { return "AccumulateGrad" }

// Variable returns the leaf the accumulator writes to.
func (a *GradAccumulator) Variable() *Variable { return a.variable }

// Apply accumulates inputs[0] into the leaf gradient. With grad mode on the
// sum is itself differentiable, which is what higher-order Backward calls
// rely on.
func (a *GradAccumulator) Apply(ctx context.Context, inputs []*Variable) ([]*Variable, error) {
	if err := checkGrads(a, inputs, 1); err != nil {
		return nil, err
	}
	grad := inputs[0]
	if grad == nil {
		return nil, nil
	}

	v := a.variable
	v.mu.Lock()
	defer v.mu.Unlock()

	switch {
	case v.grad == nil && GradEnabled(ctx):
		v.grad = grad
	case v.grad == nil:
		v.grad = NewVariable(grad.Data().Clone(), false)
	case GradEnabled(ctx):
		sum, err := Add(ctx, v.grad, grad)
		if err != nil {
			return nil, err
		}
		v.grad = sum
	default:
		sum, err := FromContext(ctx).Backend().Add(v.grad.Data(), grad.Data())
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrInvalidArgument, a.Name(), err)
		}
		v.grad = NewVariable(sum, false)
	}
	return nil, nil
}
