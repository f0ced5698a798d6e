// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package autograd

import "github.com/born-ml/autograd/internal/autograd"

// Errors returned by the engine, nodes and compiled functions. Match them
// with errors.Is.
var (
	ErrInvalidArgument          = autograd.ErrInvalidArgument
	ErrUnsupportedConfiguration = autograd.ErrUnsupportedConfiguration
	ErrReusedAfterRelease       = autograd.ErrReusedAfterRelease
	ErrStaleVersion             = autograd.ErrStaleVersion
	ErrMissingAccumulator       = autograd.ErrMissingAccumulator
	ErrMissingProducer          = autograd.ErrMissingProducer
	ErrStageMismatch            = autograd.ErrStageMismatch
	ErrDerivativeLimit          = autograd.ErrDerivativeLimit
	ErrSavedVariablesRequired   = autograd.ErrSavedVariablesRequired
)
