// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package autograd_test

import (
	"context"
	"errors"
	"fmt"

	"github.com/born-ml/autograd/autograd"
	"github.com/born-ml/autograd/backend/cpu"
	"github.com/born-ml/autograd/tensor"
)

func ExampleEngine_Backward() {
	ctx := autograd.WithGraph(context.Background(), autograd.NewGraph(cpu.New()))
	raw, _ := tensor.FromFloat64([]float64{2, 3}, tensor.Shape{2})
	x := autograd.NewVariable(raw, true)

	y, _ := autograd.Mul(ctx, x, x)
	engine := autograd.NewEngine(autograd.Config{Workers: 2})
	if err := engine.Backward(ctx, []*autograd.Variable{y}, nil, autograd.Options{}); err != nil {
		fmt.Println(err)
		return
	}
	fmt.Println(x.Grad().Data().Float64s())

	err := engine.Backward(ctx, []*autograd.Variable{y}, nil, autograd.Options{})
	fmt.Println(errors.Is(err, autograd.ErrReusedAfterRelease))
	// Output:
	// [4 6]
	// true
}

func ExampleCompile() {
	ctx := autograd.WithGraph(context.Background(), autograd.NewGraph(cpu.New()))
	engine := autograd.NewEngine(autograd.Config{})
	cube := func(ctx context.Context, in []*autograd.Variable) ([]*autograd.Variable, error) {
		sq, err := autograd.Mul(ctx, in[0], in[0])
		if err != nil {
			return nil, err
		}
		y, err := autograd.Mul(ctx, sq, in[0])
		return []*autograd.Variable{y}, err
	}

	example, _ := tensor.FromFloat64([]float64{0, 0}, tensor.Shape{2})
	factory, err := autograd.Compile(ctx, engine, cube, []*autograd.Variable{autograd.NewVariable(example, true)}, 2)
	if err != nil {
		fmt.Println(err)
		return
	}

	raw, _ := tensor.FromFloat64([]float64{1, 2}, tensor.Shape{2})
	x := autograd.NewVariable(raw, true)
	y, _ := factory.Construct(ctx).Apply(ctx, []*autograd.Variable{x})

	createGraph := autograd.Options{CreateGraph: true}
	dy, _ := engine.Grad(ctx, y, nil, []*autograd.Variable{x}, createGraph)
	d2y, _ := engine.Grad(ctx, dy, nil, []*autograd.Variable{x}, createGraph)
	_, err = engine.Grad(ctx, d2y, nil, []*autograd.Variable{x}, autograd.Options{})

	fmt.Println(dy[0].Data().Float64s())
	fmt.Println(d2y[0].Data().Float64s())
	fmt.Println(errors.Is(err, autograd.ErrDerivativeLimit))
	// Output:
	// [3 12]
	// [6 12]
	// true
}

func ExampleConv() {
	ctx := autograd.WithGraph(context.Background(), autograd.NewGraph(cpu.New()))
	xr, _ := tensor.FromFloat64([]float64{1, 2, 3, 4, 5, 6, 7, 8, 9}, tensor.Shape{1, 1, 3, 3})
	wr, _ := tensor.FromFloat64([]float64{1, 0, 0, 1}, tensor.Shape{1, 1, 2, 2})
	x := autograd.NewVariable(xr, true)
	w := autograd.NewVariable(wr, false)

	y, _ := autograd.Conv(ctx, x, w, nil, autograd.Conv2DParams(1, 0, 1, 1))
	fmt.Println(y.Data().Shape(), y.Data().Float64s())
	// Output:
	// (1, 1, 2, 2) [6 8 12 14]
}
