package jit

import (
	"context"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/autograd/internal/autograd"
	"github.com/born-ml/autograd/internal/autograd/functions"
	"github.com/born-ml/autograd/internal/backend/cpu"
	"github.com/born-ml/autograd/internal/tensor"
	"github.com/born-ml/autograd/internal/trace"
)

func newTestContext() context.Context {
	return autograd.WithGraph(context.Background(), autograd.NewGraph(cpu.New()))
}

func leaf(t *testing.T, vals []float64, shape tensor.Shape, requiresGrad bool) *autograd.Variable {
	t.Helper()
	raw, err := tensor.FromFloat64(append([]float64(nil), vals...), shape)
	require.NoError(t, err)
	return autograd.NewVariable(raw, requiresGrad)
}

func cube(ctx context.Context, in []*autograd.Variable) ([]*autograd.Variable, error) {
	sq, err := autograd.Mul(ctx, in[0], in[0])
	if err != nil {
		return nil, err
	}
	y, err := autograd.Mul(ctx, sq, in[0])
	return []*autograd.Variable{y}, err
}

func compileCube(t *testing.T, ctx context.Context, engine *autograd.Engine, nderivs int) *FunctionFactory {
	t.Helper()
	example := leaf(t, []float64{0.5, 0.5}, tensor.Shape{2}, true)
	f, err := Compile(ctx, engine, cube, []*autograd.Variable{example}, nderivs)
	require.NoError(t, err)
	return f
}

func TestCompile_StageDetails(t *testing.T) {
	ctx := newTestContext()
	f := compileCube(t, ctx, autograd.NewEngine(autograd.Config{Workers: 1}), 2)

	require.Equal(t, 3, f.NumStages())
	assert.Equal(t, []trace.Flags{{Defined: true, RequiresGrad: true}}, f.Details(0).InputFlags)
	assert.Equal(t, []trace.Flags{{Defined: true, RequiresGrad: true}}, f.Details(1).InputFlags)
	assert.Equal(t, []trace.Flags{{Defined: true, RequiresGrad: false}}, f.Details(2).InputFlags)

	assert.Equal(t, []bool{true}, f.Details(0).UsedInputs)
	assert.Empty(t, f.Details(1).CopiedEdges)
	assert.Equal(t, []int{0}, f.Details(2).CopiedEdges)
	assert.Equal(t, []trace.Flags{{Defined: true, RequiresGrad: true}, {Defined: true, RequiresGrad: true}},
		f.Details(2).OutputFlags)
	assert.Equal(t, tensor.Shape{2}, f.Details(0).InputShapes[0])
}

func TestInterpreter_CubeTwoDerivatives(t *testing.T) {
	ctx := newTestContext()
	engine := autograd.NewEngine(autograd.Config{Workers: 2})
	f := compileCube(t, ctx, engine, 2)

	x := leaf(t, []float64{1, 2}, tensor.Shape{2}, true)
	out, err := f.Construct(ctx).Apply(ctx, []*autograd.Variable{x})
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 8}, out[0].Data().Float64s())

	first, err := engine.Grad(ctx, out, nil, []*autograd.Variable{x}, autograd.Options{CreateGraph: true})
	require.NoError(t, err)
	assert.Equal(t, []float64{3, 12}, first[0].Data().Float64s())

	second, err := engine.Grad(ctx, first, nil, []*autograd.Variable{x}, autograd.Options{CreateGraph: true})
	require.NoError(t, err)
	assert.Equal(t, []float64{6, 12}, second[0].Data().Float64s())

	_, err = engine.Grad(ctx, second, nil, []*autograd.Variable{x}, autograd.Options{})
	require.ErrorIs(t, err, autograd.ErrDerivativeLimit)
	assert.Contains(t, err.Error(), "Function compiled only for 2 derivatives. Use nderivs argument to request more.")
}

func TestInterpreter_OneDerivative(t *testing.T) {
	ctx := newTestContext()
	engine := autograd.NewEngine(autograd.Config{Workers: 1})
	f := compileCube(t, ctx, engine, 1)
	require.Equal(t, 2, f.NumStages())

	x := leaf(t, []float64{1, 2}, tensor.Shape{2}, true)
	out, err := f.Construct(ctx).Apply(ctx, []*autograd.Variable{x})
	require.NoError(t, err)

	first, err := engine.Grad(ctx, out, nil, []*autograd.Variable{x}, autograd.Options{CreateGraph: true})
	require.NoError(t, err)
	assert.Equal(t, []float64{3, 12}, first[0].Data().Float64s())
	assert.True(t, first[0].RequiresGrad(), "the failure is deferred to the next backward pass")

	_, err = engine.Grad(ctx, first, nil, []*autograd.Variable{x}, autograd.Options{})
	require.ErrorIs(t, err, autograd.ErrDerivativeLimit)
	assert.Contains(t, err.Error(), "compiled only for 1 derivatives")
}

func TestInterpreter_BackwardAccumulates(t *testing.T) {
	ctx := newTestContext()
	engine := autograd.NewEngine(autograd.Config{})
	f := compileCube(t, ctx, engine, 1)

	x := leaf(t, []float64{1, 2}, tensor.Shape{2}, true)
	out, err := f.Construct(ctx).Apply(ctx, []*autograd.Variable{x})
	require.NoError(t, err)

	require.NoError(t, engine.Backward(ctx, out, nil, autograd.Options{RetainGraph: true}))
	assert.Equal(t, []float64{3, 12}, x.Grad().Data().Float64s())

	require.NoError(t, engine.Backward(ctx, out, nil, autograd.Options{}))
	assert.Equal(t, []float64{6, 24}, x.Grad().Data().Float64s())

	err = engine.Backward(ctx, out, nil, autograd.Options{})
	require.ErrorIs(t, err, autograd.ErrReusedAfterRelease)
	assert.Contains(t, err.Error(), "InterpreterBackward1")
}

func TestInterpreter_ReleaseForward(t *testing.T) {
	ctx := newTestContext()
	f := compileCube(t, ctx, autograd.NewEngine(autograd.Config{}), 1)

	node := f.Construct(ctx)
	node.ReleaseVariables()
	_, err := node.Apply(ctx, []*autograd.Variable{leaf(t, []float64{1, 2}, tensor.Shape{2}, true)})
	require.ErrorIs(t, err, autograd.ErrReusedAfterRelease)
}

// Two outputs, only the first is differentiated: the undefined gradient of
// the second is zero-filled before stage 1 runs.
func TestInterpreter_ZeroFillsUndefinedGradient(t *testing.T) {
	ctx := newTestContext()
	engine := autograd.NewEngine(autograd.Config{Workers: 1})
	scale := func(ctx context.Context, in []*autograd.Variable) ([]*autograd.Variable, error) {
		a, err := autograd.MulScalar(ctx, in[0], 2)
		if err != nil {
			return nil, err
		}
		b, err := autograd.MulScalar(ctx, in[1], 3)
		return []*autograd.Variable{a, b}, err
	}
	examples := []*autograd.Variable{
		leaf(t, []float64{0, 0}, tensor.Shape{2}, true),
		leaf(t, []float64{0, 0}, tensor.Shape{2}, true),
	}
	f, err := Compile(ctx, engine, scale, examples, 1)
	require.NoError(t, err)

	a := leaf(t, []float64{1, 2}, tensor.Shape{2}, true)
	b := leaf(t, []float64{3, 4}, tensor.Shape{2}, true)
	out, err := f.Construct(ctx).Apply(ctx, []*autograd.Variable{a, b})
	require.NoError(t, err)
	assert.Equal(t, []float64{9, 12}, out[1].Data().Float64s())

	grads, err := engine.Grad(ctx, out[:1], nil, []*autograd.Variable{a, b}, autograd.Options{})
	require.NoError(t, err)
	assert.Equal(t, []float64{2, 2}, grads[0].Data().Float64s())
	require.NotNil(t, grads[1])
	assert.Equal(t, []float64{0, 0}, grads[1].Data().Float64s())
}

func TestInterpreter_StageMismatch(t *testing.T) {
	ctx := newTestContext()
	engine := autograd.NewEngine(autograd.Config{Workers: 1})
	first := func(ctx context.Context, in []*autograd.Variable) ([]*autograd.Variable, error) {
		y, err := autograd.MulScalar(ctx, in[0], 2)
		return []*autograd.Variable{y}, err
	}

	t.Run("requires grad", func(t *testing.T) {
		example := leaf(t, []float64{1}, tensor.Shape{1}, false)
		f, err := Compile(ctx, engine, first, []*autograd.Variable{example}, 1)
		require.NoError(t, err)
		assert.Equal(t, 1, f.NumStages())

		_, err = f.Construct(ctx).Apply(ctx, []*autograd.Variable{leaf(t, []float64{1}, tensor.Shape{1}, true)})
		require.ErrorIs(t, err, autograd.ErrStageMismatch)
		assert.Contains(t, err.Error(), "requires_grad=True, but was compiled with requires_grad=False")
	})

	t.Run("defined", func(t *testing.T) {
		example := leaf(t, []float64{1}, tensor.Shape{1}, true)
		f, err := Compile(ctx, engine, first, []*autograd.Variable{example, nil}, 1)
		require.NoError(t, err)

		live := []*autograd.Variable{
			leaf(t, []float64{1}, tensor.Shape{1}, true),
			leaf(t, []float64{1}, tensor.Shape{1}, false),
		}
		_, err = f.Construct(ctx).Apply(ctx, live)
		require.ErrorIs(t, err, autograd.ErrStageMismatch)
		assert.Contains(t, err.Error(), "but the trace was compiled with the input being undefined")
	})

	t.Run("arity", func(t *testing.T) {
		example := leaf(t, []float64{1}, tensor.Shape{1}, true)
		f, err := Compile(ctx, engine, first, []*autograd.Variable{example}, 1)
		require.NoError(t, err)

		_, err = f.Construct(ctx).Apply(ctx, nil)
		require.ErrorIs(t, err, autograd.ErrInvalidArgument)
	})
}

func TestInterpreter_NoGrad(t *testing.T) {
	ctx := newTestContext()
	f := compileCube(t, ctx, autograd.NewEngine(autograd.Config{}), 1)

	x := leaf(t, []float64{2}, tensor.Shape{1}, true)
	out, err := f.Construct(ctx).Apply(autograd.NoGrad(ctx), []*autograd.Variable{x})
	require.NoError(t, err)
	assert.Equal(t, []float64{8}, out[0].Data().Float64s())
	assert.False(t, out[0].RequiresGrad())
}

func TestCompile_NegativeDerivatives(t *testing.T) {
	ctx := newTestContext()
	_, err := Compile(ctx, autograd.NewEngine(autograd.Config{}), cube, nil, -1)
	require.ErrorIs(t, err, autograd.ErrInvalidArgument)
}

// A compiled grouped convolution produces the same gradients as running the
// graph eagerly.
func TestInterpreter_ConvMatchesEager(t *testing.T) {
	ctx := newTestContext()
	engine := autograd.NewEngine(autograd.Config{Workers: 4})
	p := functions.Conv2DParams(1, 1, 1, 2)

	loss := func(ctx context.Context, in []*autograd.Variable) ([]*autograd.Variable, error) {
		y, err := functions.Conv(ctx, in[0], in[1], in[2], p)
		if err != nil {
			return nil, err
		}
		sq, err := autograd.Mul(ctx, y, y)
		if err != nil {
			return nil, err
		}
		s, err := autograd.Sum(ctx, sq)
		return []*autograd.Variable{s}, err
	}

	rng := rand.New(rand.NewSource(3))
	rnd := func(n int) []float64 {
		vals := make([]float64, n)
		for i := range vals {
			vals[i] = rng.Float64()*2 - 1
		}
		return vals
	}
	xs, ws, bs := rnd(1*2*5*5), rnd(2*1*3*3), rnd(2)
	inputs := func() []*autograd.Variable {
		return []*autograd.Variable{
			leaf(t, xs, tensor.Shape{1, 2, 5, 5}, true),
			leaf(t, ws, tensor.Shape{2, 1, 3, 3}, true),
			leaf(t, bs, tensor.Shape{2}, true),
		}
	}

	f, err := Compile(ctx, engine, loss, inputs(), 1)
	require.NoError(t, err)

	compiledIn := inputs()
	compiledOut, err := f.Construct(ctx).Apply(ctx, compiledIn)
	require.NoError(t, err)
	compiled, err := engine.Grad(ctx, compiledOut, nil, compiledIn, autograd.Options{})
	require.NoError(t, err)

	eagerIn := inputs()
	eagerOut, err := loss(ctx, eagerIn)
	require.NoError(t, err)
	eager, err := engine.Grad(ctx, eagerOut, nil, eagerIn, autograd.Options{})
	require.NoError(t, err)

	approx := cmpopts.EquateApprox(1e-9, 1e-12)
	assert.InDelta(t, eagerOut[0].Data().Float64s()[0], compiledOut[0].Data().Float64s()[0], 1e-9)
	for i := range eager {
		if diff := cmp.Diff(eager[i].Data().Float64s(), compiled[i].Data().Float64s(), approx); diff != "" {
			t.Errorf("gradient %d mismatch (-eager +compiled):\n%s", i, diff)
		}
	}
}

func TestCompile_TraceExport(t *testing.T) {
	ctx := newTestContext()
	f := compileCube(t, ctx, autograd.NewEngine(autograd.Config{Workers: 1}), 2)

	sum, err := trace.Decode(f.Trace().Marshal())
	require.NoError(t, err)
	require.Len(t, sum.Stages, 3)
	assert.Equal(t, []int{0}, sum.Stages[2].CopiedEdges)
	assert.Equal(t, []bool{true}, sum.Stages[1].UsedInputs)
	assert.Contains(t, f.Trace().String(), "= Mul(")
}

// scaleBackward is a user-defined node that is not traceable: its body is
// recorded as a single evaluation over the incoming gradient and its
// saved factor.
type scaleBackward struct {
	autograd.NodeBase

	factor *autograd.SavedVariable
}

func (n *scaleBackward) Name() string { return "ScaleBackward" }

func (n *scaleBackward) Apply(ctx context.Context, grads []*autograd.Variable) ([]*autograd.Variable, error) {
	f, err := n.factor.Unpack(n)
	if err != nil {
		return nil, err
	}
	g, err := autograd.Mul(ctx, grads[0], f)
	return []*autograd.Variable{g}, err
}

func (n *scaleBackward) SavedVariables() []*autograd.SavedVariable {
	return []*autograd.SavedVariable{n.factor}
}

func (n *scaleBackward) WithSavedVariables(saved []*autograd.SavedVariable) autograd.Node {
	c := *n
	c.factor = saved[0]
	return &c
}

// scale returns in[0]*in[1], differentiable in in[0] only.
func scale(ctx context.Context, in []*autograd.Variable) ([]*autograd.Variable, error) {
	x, factor := in[0], in[1]
	kernel := func(b tensor.Backend, raws []*tensor.RawTensor) ([]*tensor.RawTensor, error) {
		out, err := b.Mul(raws[0], raws[1])
		if err != nil {
			return nil, err
		}
		return []*tensor.RawTensor{out}, nil
	}
	outs, err := autograd.RunKernel(ctx, "Scale", kernel, []*autograd.Variable{x, factor})
	if err != nil {
		return nil, err
	}
	return autograd.WrapOutputs(ctx, []*autograd.Variable{x}, outs, func(base autograd.NodeBase) autograd.Node {
		return &scaleBackward{NodeBase: base, factor: autograd.SaveVariable(factor, false)}
	}), nil
}

func TestInterpreter_OpaqueNodeUsesLiveSavedValues(t *testing.T) {
	ctx := newTestContext()
	engine := autograd.NewEngine(autograd.Config{Workers: 1})

	examples := []*autograd.Variable{
		leaf(t, []float64{0.5, 0.5}, tensor.Shape{2}, true),
		leaf(t, []float64{3, 4}, tensor.Shape{2}, false),
	}
	f, err := Compile(ctx, engine, scale, examples, 1)
	require.NoError(t, err)
	assert.Contains(t, f.Trace().String(), "= Eval(")

	x := leaf(t, []float64{1, 2}, tensor.Shape{2}, true)
	factor := leaf(t, []float64{10, -1}, tensor.Shape{2}, false)
	out, err := f.Construct(ctx).Apply(ctx, []*autograd.Variable{x, factor})
	require.NoError(t, err)
	assert.Equal(t, []float64{10, -2}, out[0].Data().Float64s())

	grads, err := engine.Grad(ctx, out, nil, []*autograd.Variable{x}, autograd.Options{})
	require.NoError(t, err)
	assert.Equal(t, []float64{10, -1}, grads[0].Data().Float64s())
}
