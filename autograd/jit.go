// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package autograd

import (
	"context"

	"github.com/born-ml/autograd/internal/jit"
)

// Func is a differentiable computation over variables.
type Func = jit.Func

// FunctionFactory holds a compiled function and its derivative stages.
type FunctionFactory = jit.FunctionFactory

// InterpreterNode runs one compiled stage.
type InterpreterNode = jit.InterpreterNode

// Compile traces fn and its first nderivs derivatives on example inputs.
//
// Example:
//
//	factory, _ := autograd.Compile(ctx, engine, fn, examples, 2)
//	outputs, _ := factory.Construct(ctx).Apply(ctx, inputs)
func Compile(ctx context.Context, engine *Engine, fn Func, inputs []*Variable, nderivs int) (*FunctionFactory, error) {
	return jit.Compile(ctx, engine, fn, inputs, nderivs)
}
