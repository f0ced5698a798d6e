// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package cpu

import (
	internalcpu "github.com/born-ml/autograd/internal/backend/cpu"
	"github.com/born-ml/autograd/internal/parallel"
	"github.com/born-ml/autograd/tensor"
)

// Backend is the pure Go CPU numeric library.
type Backend = internalcpu.CPUBackend

// Compile-time check that Backend implements tensor.Backend.
var _ tensor.Backend = (*Backend)(nil)

// New creates a CPU backend using every available core.
//
// Example:
//
//	import (
//	    "github.com/born-ml/autograd/autograd"
//	    "github.com/born-ml/autograd/backend/cpu"
//	)
//
//	func main() {
//	    ctx := autograd.WithGraph(context.Background(), autograd.NewGraph(cpu.New()))
//	}
func New() *Backend {
	return internalcpu.New()
}

// NewWithWorkers creates a CPU backend whose kernels use at most workers
// goroutines. Values below 2 run sequentially.
func NewWithWorkers(workers int) *Backend {
	return internalcpu.NewWithConfig(parallel.DefaultConfig().WithWorkers(workers, 1))
}
