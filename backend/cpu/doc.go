// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package cpu provides the pure Go CPU numeric library.
//
// # Overview
//
// This package implements tensor.Backend with:
//   - Pure Go implementation (no CGO)
//   - Im2col algorithm for convolutions
//   - Direct kernels for convolution gradients, computed only where the
//     output mask asks for them
//   - Float32 and Float64 support
//
// # Basic Usage
//
//	import (
//	    "github.com/born-ml/autograd/backend/cpu"
//	    "github.com/born-ml/autograd/tensor"
//	)
//
//	func main() {
//	    backend := cpu.New()
//	    x, _ := tensor.FromFloat64([]float64{1, 2, 3, 4}, tensor.Shape{1, 1, 2, 2})
//	    w, _ := tensor.FromFloat64([]float64{1}, tensor.Shape{1, 1, 1, 1})
//	    y, _ := backend.Conv2D(x, w, nil, tensor.ConvParams{
//	        Stride:   [2]int{1, 1},
//	        Dilation: [2]int{1, 1},
//	    })
//	}
//
// # Performance
//
// Batch and channel planes are spread over goroutines; use NewWithWorkers
// to bound them.
package cpu
