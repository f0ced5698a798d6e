package autograd

import (
	"context"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/autograd/internal/tensor"
	"github.com/born-ml/autograd/internal/trace"
)

func TestBackward_AccumulatesLeafGradients(t *testing.T) {
	ctx := newTestContext()
	x := leaf(t, []float64{1, 2, 3}, tensor.Shape{3}, true)
	w := leaf(t, []float64{4, 5, 6}, tensor.Shape{3}, true)

	y, err := Mul(ctx, x, w)
	require.NoError(t, err)
	loss, err := Sum(ctx, y)
	require.NoError(t, err)

	require.NoError(t, NewEngine(Config{}).Backward(ctx, []*Variable{loss}, nil, Options{}))
	assert.Equal(t, []float64{4, 5, 6}, values(x.Grad()))
	assert.Equal(t, []float64{1, 2, 3}, values(w.Grad()))
	assert.Nil(t, loss.Grad(), "non-leaf gradients are not retained")
}

func TestBackward_SecondPassWithoutRetainFails(t *testing.T) {
	ctx := newTestContext()
	x := leaf(t, []float64{2, 3}, tensor.Shape{2}, true)
	y, err := Mul(ctx, x, x)
	require.NoError(t, err)
	loss, err := Sum(ctx, y)
	require.NoError(t, err)

	engine := NewEngine(Config{Workers: 2})
	require.NoError(t, engine.Backward(ctx, []*Variable{loss}, nil, Options{}))
	assert.Equal(t, []float64{4, 6}, values(x.Grad()))

	err = engine.Backward(ctx, []*Variable{loss}, nil, Options{})
	require.ErrorIs(t, err, ErrReusedAfterRelease)
	assert.Contains(t, err.Error(), "Specify retain_graph=True when calling backward the first time.")
	assert.Contains(t, err.Error(), "MulBackward")
}

func TestBackward_RetainGraphAllowsSecondPass(t *testing.T) {
	ctx := newTestContext()
	x := leaf(t, []float64{2, 3}, tensor.Shape{2}, true)
	y, err := Mul(ctx, x, x)
	require.NoError(t, err)
	loss, err := Sum(ctx, y)
	require.NoError(t, err)

	engine := NewEngine(Config{})
	require.NoError(t, engine.Backward(ctx, []*Variable{loss}, nil, Options{RetainGraph: true}))
	require.NoError(t, engine.Backward(ctx, []*Variable{loss}, nil, Options{}))
	assert.Equal(t, []float64{8, 12}, values(x.Grad()), "gradients accumulate across passes")
}

func TestBackward_MutationAfterSaveFails(t *testing.T) {
	ctx := newTestContext()
	x := leaf(t, []float64{1, 2}, tensor.Shape{2}, true)
	w := leaf(t, []float64{3, 4}, tensor.Shape{2}, false)
	y, err := Mul(ctx, x, w)
	require.NoError(t, err)
	loss, err := Sum(ctx, y)
	require.NoError(t, err)

	w.Mutate(func(data *tensor.RawTensor) { data.Fill(0) })

	err = NewEngine(Config{}).Backward(ctx, []*Variable{loss}, nil, Options{})
	require.ErrorIs(t, err, ErrStaleVersion)
	assert.Contains(t, err.Error(), "is at version 1; expected version 0 instead")
}

func TestBackward_ExplicitSeed(t *testing.T) {
	ctx := newTestContext()
	x := leaf(t, []float64{1, 2}, tensor.Shape{2}, true)
	y, err := MulScalar(ctx, x, 3)
	require.NoError(t, err)

	seed := leaf(t, []float64{10, 100}, tensor.Shape{2}, false)
	require.NoError(t, NewEngine(Config{}).Backward(ctx, []*Variable{y}, []*Variable{seed}, Options{}))
	assert.Equal(t, []float64{30, 300}, values(x.Grad()))
}

func TestBackward_SeedShapeMismatch(t *testing.T) {
	ctx := newTestContext()
	x := leaf(t, []float64{1, 2}, tensor.Shape{2}, true)
	y, err := Neg(ctx, x)
	require.NoError(t, err)

	seed := leaf(t, []float64{1, 2, 3}, tensor.Shape{3}, false)
	err = NewEngine(Config{}).Backward(ctx, []*Variable{y}, []*Variable{seed}, Options{})
	require.ErrorIs(t, err, ErrInvalidArgument)
	assert.Contains(t, err.Error(), "Mismatch in shape: grad_output[0]")
}

func TestBackward_RootWithoutGrad(t *testing.T) {
	ctx := newTestContext()
	x := leaf(t, []float64{1}, tensor.Shape{1}, false)
	err := NewEngine(Config{}).Backward(ctx, []*Variable{x}, nil, Options{})
	require.ErrorIs(t, err, ErrInvalidArgument)
	assert.Contains(t, err.Error(), "does not require grad and does not have a grad_fn")
}

func TestBackward_LeafRoot(t *testing.T) {
	ctx := newTestContext()
	x := leaf(t, []float64{1, 2}, tensor.Shape{2}, true)
	require.NoError(t, NewEngine(Config{}).Backward(ctx, []*Variable{x}, nil, Options{}))
	assert.Equal(t, []float64{1, 1}, values(x.Grad()))
}

func TestBackward_NoGradBuildsNoGraph(t *testing.T) {
	ctx := NoGrad(newTestContext())
	x := leaf(t, []float64{1, 2}, tensor.Shape{2}, true)
	y, err := Mul(ctx, x, x)
	require.NoError(t, err)
	assert.True(t, y.IsLeaf())
	assert.False(t, y.RequiresGrad())
}

func TestBackward_WrongGradientCount(t *testing.T) {
	ctx := newTestContext()
	x := leaf(t, []float64{1}, tensor.Shape{1}, true)
	node := &badArityNode{NodeBase: NewNodeBase(0, CollectNextEdges(x), 1)}
	root := newOutput(x.Data().Clone(), node, 0)

	err := NewEngine(Config{}).Backward(ctx, []*Variable{root}, nil, Options{})
	require.ErrorIs(t, err, ErrInvalidArgument)
	assert.Contains(t, err.Error(), "function BadArityBackward returned an incorrect number of gradients (expected 1, got 0)")
}

func TestBackward_CanceledContext(t *testing.T) {
	base := newTestContext()
	x := leaf(t, []float64{1, 2}, tensor.Shape{2}, true)
	y, err := Neg(base, x)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(base)
	cancel()
	err = NewEngine(Config{Workers: 4}).Backward(ctx, []*Variable{y}, nil, Options{})
	require.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, x.Grad())
}

// siblingGraph builds several roots that all feed the same leaf, so that the
// accumulator receives one contribution per root in worker completion order.
func siblingGraph(t *testing.T, ctx context.Context) (*Variable, []*Variable) {
	t.Helper()
	x := leaf(t, []float64{1e8, 1, -1e8, 3.3}, tensor.Shape{4}, true)
	scales := []float64{1e-7, 3.1, 0.1, 7e7, -2.5, 1e-3, 0.7, 11}
	roots := make([]*Variable, 0, len(scales))
	for _, s := range scales {
		y, err := MulScalar(ctx, x, s)
		require.NoError(t, err)
		y, err = Mul(ctx, y, y)
		require.NoError(t, err)
		r, err := Sum(ctx, y)
		require.NoError(t, err)
		roots = append(roots, r)
	}
	return x, roots
}

func TestBackward_DeterministicAcrossWorkerCounts(t *testing.T) {
	var want []uint64
	for _, workers := range []int{1, 2, 8, 1, 8, 3} {
		for run := 0; run < 5; run++ {
			ctx := newTestContext()
			x, roots := siblingGraph(t, ctx)
			require.NoError(t, NewEngine(Config{Workers: workers}).Backward(ctx, roots, nil, Options{}))

			got := make([]uint64, 0, 4)
			for _, v := range values(x.Grad()) {
				got = append(got, math.Float64bits(v))
			}
			if want == nil {
				want = got
				continue
			}
			require.Equal(t, want, got, "workers=%d run=%d", workers, run)
		}
	}
}

func TestGrad_ReturnsGradientsWithoutTouchingLeaves(t *testing.T) {
	ctx := newTestContext()
	x := leaf(t, []float64{1, 2}, tensor.Shape{2}, true)
	w := leaf(t, []float64{5, 7}, tensor.Shape{2}, true)
	y, err := Mul(ctx, x, w)
	require.NoError(t, err)
	loss, err := Sum(ctx, y)
	require.NoError(t, err)

	grads, err := NewEngine(Config{}).Grad(ctx, []*Variable{loss}, nil, []*Variable{x}, Options{})
	require.NoError(t, err)
	require.Len(t, grads, 1)
	assert.Equal(t, []float64{5, 7}, values(grads[0]))
	assert.Nil(t, x.Grad())
	assert.Nil(t, w.Grad())
}

func TestGrad_IntermediateTarget(t *testing.T) {
	ctx := newTestContext()
	x := leaf(t, []float64{1, 2}, tensor.Shape{2}, true)
	h, err := MulScalar(ctx, x, 2)
	require.NoError(t, err)
	y, err := Mul(ctx, h, h)
	require.NoError(t, err)
	loss, err := Sum(ctx, y)
	require.NoError(t, err)

	grads, err := NewEngine(Config{}).Grad(ctx, []*Variable{loss}, nil, []*Variable{h}, Options{})
	require.NoError(t, err)
	assert.Equal(t, []float64{4, 8}, values(grads[0]))
	assert.Nil(t, x.Grad())
}

func TestGrad_AllowUnused(t *testing.T) {
	ctx := newTestContext()
	x := leaf(t, []float64{1, 2}, tensor.Shape{2}, true)
	unused := leaf(t, []float64{3}, tensor.Shape{1}, true)
	loss, err := Sum(ctx, x)
	require.NoError(t, err)

	engine := NewEngine(Config{})
	_, err = engine.Grad(ctx, []*Variable{loss}, nil, []*Variable{x, unused}, Options{RetainGraph: true})
	require.ErrorIs(t, err, ErrInvalidArgument)
	assert.Contains(t, err.Error(), "Set allow_unused=True")

	grads, err := engine.Grad(ctx, []*Variable{loss}, nil, []*Variable{x, unused}, Options{AllowUnused: true})
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 1}, values(grads[0]))
	assert.Nil(t, grads[1])
}

func TestGrad_InputWithoutGrad(t *testing.T) {
	ctx := newTestContext()
	x := leaf(t, []float64{1}, tensor.Shape{1}, true)
	c := leaf(t, []float64{1}, tensor.Shape{1}, false)
	loss, err := Sum(ctx, x)
	require.NoError(t, err)

	_, err = NewEngine(Config{}).Grad(ctx, []*Variable{loss}, nil, []*Variable{c}, Options{})
	require.ErrorIs(t, err, ErrInvalidArgument)
	assert.Contains(t, err.Error(), "does not require grad")
}

func TestGrad_CreateGraphDoubleBackward(t *testing.T) {
	ctx := newTestContext()
	x := leaf(t, []float64{2, 3}, tensor.Shape{2}, true)
	xx, err := Mul(ctx, x, x)
	require.NoError(t, err)
	cube, err := Mul(ctx, xx, x)
	require.NoError(t, err)
	loss, err := Sum(ctx, cube)
	require.NoError(t, err)

	engine := NewEngine(Config{Workers: 2})
	grads, err := engine.Grad(ctx, []*Variable{loss}, nil, []*Variable{x}, Options{CreateGraph: true})
	require.NoError(t, err)
	assert.Equal(t, []float64{12, 27}, values(grads[0]), "3x^2")
	require.True(t, grads[0].RequiresGrad())
	require.NotNil(t, grads[0].GradFn())

	g, err := Sum(ctx, grads[0])
	require.NoError(t, err)
	require.NoError(t, engine.Backward(ctx, []*Variable{g}, nil, Options{}))
	assert.Equal(t, []float64{12, 18}, values(x.Grad()), "6x")
}

func TestGrad_CreateGraphThroughShapeOps(t *testing.T) {
	ctx := newTestContext()
	x := leaf(t, []float64{1, 2, 3, 4}, tensor.Shape{4}, true)
	n, err := Narrow(ctx, x, 0, 1, 2)
	require.NoError(t, err)
	sq, err := Mul(ctx, n, n)
	require.NoError(t, err)
	loss, err := Sum(ctx, sq)
	require.NoError(t, err)

	engine := NewEngine(Config{})
	grads, err := engine.Grad(ctx, []*Variable{loss}, nil, []*Variable{x}, Options{CreateGraph: true})
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 4, 6, 0}, values(grads[0]))

	g, err := Sum(ctx, grads[0])
	require.NoError(t, err)
	require.NoError(t, engine.Backward(ctx, []*Variable{g}, nil, Options{}))
	assert.Equal(t, []float64{0, 2, 2, 0}, values(x.Grad()))
}

func TestBackward_TracesTransparentNodes(t *testing.T) {
	st := trace.NewState()
	ctx := trace.WithState(newTestContext(), st)
	x := leaf(t, []float64{1, 2}, tensor.Shape{2}, true)
	w := leaf(t, []float64{3, 4}, tensor.Shape{2}, false)
	y, err := Mul(ctx, x, w)
	require.NoError(t, err)
	loss, err := Sum(ctx, y)
	require.NoError(t, err)

	require.NoError(t, NewEngine(Config{}).Backward(ctx, []*Variable{loss}, nil, Options{}))

	text := st.String()
	assert.Contains(t, text, "= Mul(")
	assert.Contains(t, text, "= Sum(")
	assert.Contains(t, text, "= Expand(", "SumBackward runs through Expand")
	assert.NotContains(t, text, "Eval")
}

func TestBackward_TracedOpaqueNodeNeedsSavedVariables(t *testing.T) {
	st := trace.NewState()
	ctx := trace.WithState(newTestContext(), st)
	x := leaf(t, []float64{1, 2}, tensor.Shape{2}, true)
	factor := leaf(t, []float64{3, 4}, tensor.Shape{2}, false)

	y := opaqueScale(t, ctx, x, factor, false)
	err := NewEngine(Config{}).Backward(ctx, []*Variable{y}, nil, Options{})
	require.ErrorIs(t, err, ErrSavedVariablesRequired)
	assert.Contains(t, err.Error(), "OpaqueBackward")
}

func TestBackward_TracedOpaqueNodeRecordsEval(t *testing.T) {
	st := trace.NewState()
	ctx := trace.WithState(newTestContext(), st)
	x := leaf(t, []float64{1, 2}, tensor.Shape{2}, true)
	factor := leaf(t, []float64{3, 4}, tensor.Shape{2}, false)

	y := opaqueScale(t, ctx, x, factor, true)
	require.NoError(t, NewEngine(Config{}).Backward(ctx, []*Variable{y}, nil, Options{}))
	assert.Equal(t, []float64{3, 4}, values(x.Grad()))

	var evals int
	for _, line := range strings.Split(st.String(), "\n") {
		if strings.Contains(line, "= Eval(") {
			evals++
		}
		assert.NotContains(t, line, "= Mul(", "the opaque body is not traced through")
	}
	assert.Equal(t, 1, evals)

	// The recorded kernel replays the node on fresh buffers.
	nodes := st.Stages()[0].Nodes
	eval := nodes[len(nodes)-1]
	require.Equal(t, "Eval", eval.Kind)
	g, err := tensor.FromFloat64([]float64{2, 2}, tensor.Shape{2})
	require.NoError(t, err)
	out, err := eval.Kernel(FromContext(ctx).Backend(), []*tensor.RawTensor{g, factor.Data()})
	require.NoError(t, err)
	assert.Equal(t, []float64{6, 8}, out[0].Float64s())

	// Replaying on another saved factor uses that factor.
	other, err := tensor.FromFloat64([]float64{10, -1}, tensor.Shape{2})
	require.NoError(t, err)
	out, err = eval.Kernel(FromContext(ctx).Backend(), []*tensor.RawTensor{g, other})
	require.NoError(t, err)
	assert.Equal(t, []float64{20, -2}, out[0].Float64s())
	assert.Equal(t, []float64{3, 4}, values(factor), "the traced factor is left untouched")
}

func TestBackward_UntracedOpaqueNode(t *testing.T) {
	ctx := newTestContext()
	x := leaf(t, []float64{1, 2}, tensor.Shape{2}, true)
	factor := leaf(t, []float64{3, 4}, tensor.Shape{2}, false)

	y := opaqueScale(t, ctx, x, factor, false)
	require.NoError(t, NewEngine(Config{}).Backward(ctx, []*Variable{y}, nil, Options{}))
	assert.Equal(t, []float64{3, 4}, values(x.Grad()))
}

func TestNewEngine_DefaultWorkers(t *testing.T) {
	assert.GreaterOrEqual(t, NewEngine(Config{}).Workers(), 1)
	assert.Equal(t, 3, NewEngine(Config{Workers: 3}).Workers())
}
