package jit

import (
	"context"
	"fmt"

	"github.com/born-ml/autograd/internal/autograd"
	"github.com/born-ml/autograd/internal/ctxlog"
	"github.com/born-ml/autograd/internal/tensor"
	"github.com/born-ml/autograd/internal/trace"
)

// Func is a differentiable computation over variables.
type Func func(ctx context.Context, inputs []*autograd.Variable) ([]*autograd.Variable, error)

// Compile traces fn on inputs and then traces nderivs successive backward
// passes, each differentiating the previous stage's outputs with respect to
// every earlier target and the previous stage's inputs. The inputs are only
// used as examples: fn sees copies of them.
func Compile(ctx context.Context, engine *autograd.Engine, fn Func, inputs []*autograd.Variable, nderivs int) (*FunctionFactory, error) {
	if nderivs < 0 {
		return nil, fmt.Errorf("%w: nderivs must be non-negative, got %d", autograd.ErrInvalidArgument, nderivs)
	}

	st := trace.NewState()
	tctx := trace.WithState(autograd.WithGradMode(ctx, true), st)
	logger := ctxlog.FromContext(ctx)

	placeholders := make([]*autograd.Variable, len(inputs))
	for i, in := range inputs {
		if in == nil {
			st.AddInput(nil, trace.Flags{})
			continue
		}
		placeholders[i] = autograd.NewVariable(in.Data().Clone(), in.RequiresGrad())
		st.AddInput(placeholders[i].Data(), flagsOf(placeholders[i]))
	}

	outputs, err := fn(tctx, placeholders)
	if err != nil {
		return nil, fmt.Errorf("tracing forward stage: %w", err)
	}
	setOutputs(st, outputs)

	stageInputs := placeholders
	var targets []*autograd.Variable
	for s := 1; s <= nderivs; s++ {
		var roots []*autograd.Variable
		for _, out := range outputs {
			if out.RequiresGrad() {
				roots = append(roots, out)
			}
		}
		if len(roots) == 0 {
			break
		}

		used, err := st.ComputeUsedInputs(s - 1)
		if err != nil {
			return nil, err
		}
		var inputTargets []*autograd.Variable
		for i, in := range stageInputs {
			if used[i] && in.RequiresGrad() {
				inputTargets = append(inputTargets, in)
			}
		}
		candidates := append(append([]*autograd.Variable(nil), targets...), inputTargets...)
		if len(candidates) == 0 {
			break
		}

		st.EnterStage()
		seeds := make([]*autograd.Variable, len(roots))
		for j, root := range roots {
			seed, err := ones(ctx, root.Data())
			if err != nil {
				return nil, err
			}
			seeds[j] = autograd.NewVariable(seed, s < nderivs)
			st.AddInput(seed, flagsOf(seeds[j]))
		}

		grads, err := engine.Grad(tctx, roots, seeds, candidates, autograd.Options{CreateGraph: true, AllowUnused: true})
		if err != nil {
			return nil, fmt.Errorf("tracing stage %d: %w", s, err)
		}

		var copied []int
		var kept, stageOutputs []*autograd.Variable
		for j := range targets {
			if grads[j] != nil {
				copied = append(copied, j)
				kept = append(kept, targets[j])
				stageOutputs = append(stageOutputs, grads[j])
			}
		}
		stageOutputs = append(stageOutputs, grads[len(targets):]...)
		setOutputs(st, stageOutputs)
		st.SetCopiedEdges(s, copied)

		logger.Debug("Traced derivative stage.", "stage", s, "roots", len(roots),
			"targets", len(candidates), "copied", len(copied))

		targets = append(kept, inputTargets...)
		stageInputs = seeds
		outputs = stageOutputs
	}

	stages := st.CurrentStage() + 1
	if _, err := st.ComputeUsedInputs(stages - 1); err != nil {
		return nil, err
	}
	logger.Debug("Compiled function.", "stages", stages, "values", st.NumValues())
	return NewFunctionFactory(st)
}

func flagsOf(v *autograd.Variable) trace.Flags {
	return trace.Flags{Defined: v.Defined(), RequiresGrad: v.RequiresGrad()}
}

func setOutputs(st *trace.State, outputs []*autograd.Variable) {
	raws := make([]*tensor.RawTensor, len(outputs))
	flags := make([]trace.Flags, len(outputs))
	for i, out := range outputs {
		raws[i] = out.Data()
		flags[i] = flagsOf(out)
	}
	st.SetOutputs(raws, flags)
}

func ones(ctx context.Context, like *tensor.RawTensor) (*tensor.RawTensor, error) {
	r, err := autograd.FromContext(ctx).Backend().Ones(like.Shape(), like.DType())
	if err != nil {
		return nil, fmt.Errorf("%w: creating seed: %w", autograd.ErrInvalidArgument, err)
	}
	return r, nil
}
