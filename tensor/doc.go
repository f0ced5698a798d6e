// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package tensor exposes the raw tensor type and the numeric-library
// contract used by the autograd engine.
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
//	    x, _ := tensor.FromFloat64([]float64{1, 2, 3, 4}, tensor.Shape{2, 2})
//	    y, _ := backend.Mul(x, x)
//	}
//
// # Supported Data Types
//
// Tensors hold float32 or float64 elements. Operations on mixed data types
// fail with ErrDTypeMismatch.
package tensor
