package autograd

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/born-ml/autograd/internal/backend/cpu"
	"github.com/born-ml/autograd/internal/tensor"
)

func newTestContext() context.Context {
	return WithGraph(context.Background(), NewGraph(cpu.New()))
}

func leaf(t *testing.T, values []float64, shape tensor.Shape, requiresGrad bool) *Variable {
	t.Helper()
	raw, err := tensor.FromFloat64(values, shape)
	require.NoError(t, err)
	return NewVariable(raw, requiresGrad)
}

func values(v *Variable) []float64 {
	if v == nil {
		return nil
	}
	return v.Data().Float64s()
}

// opaqueNode is a user-defined node that is not built from RunKernel calls.
// It scales its gradient by the saved factor.
type opaqueNode struct {
	NodeBase

	factor *SavedVariable
}

func (n *opaqueNode) Name() string { return "OpaqueBackward" }

func (n *opaqueNode) Apply(ctx context.Context, grads []*Variable) ([]*Variable, error) {
	if err := checkGrads(n, grads, 1); err != nil {
		return nil, err
	}
	f, err := n.factor.Unpack(n)
	if err != nil {
		return nil, err
	}
	g, err := Mul(ctx, grads[0], f)
	return []*Variable{g}, err
}

// withSaved adds SavedVariables to opaqueNode.
type withSaved struct {
	*opaqueNode
}

func (n *withSaved) SavedVariables() []*SavedVariable {
	return []*SavedVariable{n.factor}
}

func (n *withSaved) WithSavedVariables(saved []*SavedVariable) Node {
	c := *n.opaqueNode
	c.factor = saved[0]
	return &withSaved{&c}
}

// opaqueScale returns x*factor with an opaqueNode as producer.
func opaqueScale(t *testing.T, ctx context.Context, x, factor *Variable, exposeSaved bool) *Variable {
	t.Helper()
	raw, err := FromContext(ctx).Backend().Mul(x.Data(), factor.Data())
	require.NoError(t, err)
	out := WrapOutputs(ctx, []*Variable{x}, []*tensor.RawTensor{raw}, func(base NodeBase) Node {
		n := &opaqueNode{NodeBase: base, factor: SaveVariable(factor, false)}
		if exposeSaved {
			return &withSaved{n}
		}
		return n
	})
	return out[0]
}

// badArityNode returns no gradients although it has one next edge.
type badArityNode struct {
	NodeBase
}

func (n *badArityNode) Name() string { return "BadArityBackward" }

func (n *badArityNode) Apply(context.Context, []*Variable) ([]*Variable, error) {
	return nil, nil
}
