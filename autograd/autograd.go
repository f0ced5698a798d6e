// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package autograd provides dynamic reverse-mode automatic differentiation.
//
// Operations on Variables record a graph of backward nodes as they run. An
// Engine walks that graph from the roots with a pool of workers,
// accumulating gradients into leaves (Backward) or returning them (Grad).
// Backward passes can themselves be recorded (CreateGraph), which gives
// derivatives of any order.
//
// Example:
//
//	import (
//	    "github.com/born-ml/autograd/autograd"
//	    "github.com/born-ml/autograd/backend/cpu"
//	    "github.com/born-ml/autograd/tensor"
//	)
//
//	func main() {
//	    ctx := autograd.WithGraph(context.Background(), autograd.NewGraph(cpu.New()))
//	    raw, err := tensor.FromFloat64([]float64{2, 3}, tensor.Shape{2})
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    x := autograd.NewVariable(raw, true)
//
//	    y, err := autograd.Mul(ctx, x, x)
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    engine := autograd.NewEngine(autograd.Config{})
//	    if err := engine.Backward(ctx, []*autograd.Variable{y}, nil, autograd.Options{}); err != nil {
//	        log.Fatal(err)
//	    }
//	    // x.Grad() holds [4, 6]
//	}
package autograd

import (
	"context"

	"github.com/born-ml/autograd/internal/autograd"
	"github.com/born-ml/autograd/tensor"
)

// Variable is a tensor taking part in differentiation. A nil *Variable is
// the undefined value.
type Variable = autograd.Variable

// NewVariable creates a leaf.
func NewVariable(data *tensor.RawTensor, requiresGrad bool) *Variable {
	return autograd.NewVariable(data, requiresGrad)
}

// NewOutput binds data to input slot outputNr of fn.
func NewOutput(data *tensor.RawTensor, fn Node, outputNr int) *Variable {
	return autograd.NewOutput(data, fn, outputNr)
}

// SavedVariable captures a value for use by a backward node and detects
// in-place modification after capture.
type SavedVariable = autograd.SavedVariable

// SaveVariable captures v. isOutput is true when v is an output of the
// node that saves it.
func SaveVariable(v *Variable, isOutput bool) *SavedVariable {
	return autograd.SaveVariable(v, isOutput)
}

// Node is a backward computation in the graph.
type Node = autograd.Node

// NodeBase holds the state shared by all nodes. Custom nodes embed it.
type NodeBase = autograd.NodeBase

// Edge points at an input slot of a node.
type Edge = autograd.Edge

// SavedVariableNode is implemented by custom nodes that can be traced as a
// single evaluation.
type SavedVariableNode = autograd.SavedVariableNode

// Engine executes backward passes.
type Engine = autograd.Engine

// Config configures an Engine.
type Config = autograd.Config

// Options control a backward pass.
type Options = autograd.Options

// NewEngine creates an engine.
func NewEngine(cfg Config) *Engine {
	return autograd.NewEngine(cfg)
}

// Graph is the graph-construction context.
type Graph = autograd.Graph

// NewGraph creates a graph context computing on backend.
func NewGraph(backend tensor.Backend) *Graph {
	return autograd.NewGraph(backend)
}

// WithGraph returns a context carrying g. Every operation needs one.
func WithGraph(ctx context.Context, g *Graph) context.Context {
	return autograd.WithGraph(ctx, g)
}

// NoGrad disables graph construction for the returned context.
func NoGrad(ctx context.Context) context.Context {
	return autograd.NoGrad(ctx)
}

// WithGradMode enables or disables graph construction.
func WithGradMode(ctx context.Context, enabled bool) context.Context {
	return autograd.WithGradMode(ctx, enabled)
}

// GradEnabled reports whether operations record nodes.
func GradEnabled(ctx context.Context) bool {
	return autograd.GradEnabled(ctx)
}
