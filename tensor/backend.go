// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package tensor

import "github.com/born-ml/autograd/internal/tensor"

// Backend is the numeric library the engine computes with. Every operation
// returns a fresh tensor and reports precondition failures as errors
// wrapping ErrShapeMismatch, ErrDTypeMismatch or ErrUnsupported.
//
// Implementations:
//   - backend/cpu: pure Go reference implementation
//   - CountingBackend: call-counting decorator for tests
type Backend = tensor.Backend

// ConvParams configures a single-group 2D convolution.
type ConvParams = tensor.ConvParams

// CountingBackend counts calls per operation and records convolution
// backward masks.
type CountingBackend = tensor.CountingBackend

// NewCountingBackend wraps inner.
func NewCountingBackend(inner Backend) *CountingBackend {
	return tensor.NewCountingBackend(inner)
}

// Numeric-library errors.
var (
	ErrShapeMismatch = tensor.ErrShapeMismatch
	ErrDTypeMismatch = tensor.ErrDTypeMismatch
	ErrUnsupported   = tensor.ErrUnsupported
)
