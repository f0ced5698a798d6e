package autograd

import (
	"context"
	"sync/atomic"

	"github.com/born-ml/autograd/internal/tensor"
)

// Graph is the graph-construction context: it owns the numeric library used
// by every operation and hands out node sequence numbers.
type Graph struct {
	backend tensor.Backend
	seq     atomic.Uint64
}

// NewGraph creates a graph context computing on backend.
func NewGraph(backend tensor.Backend) *Graph {
	return &Graph{backend: backend}
}

// Backend returns the numeric library.
func (g *Graph) Backend() tensor.Backend {
	return g.backend
}

// NextSequenceNr returns a monotonically increasing node sequence number.
func (g *Graph) NextSequenceNr() uint64 {
	return g.seq.Add(1) - 1
}

// key is an unexported type to prevent collisions with context keys from other packages.
type key int

const (
	graphKey key = iota
	gradModeKey
)

// WithGraph returns a context carrying g.
func WithGraph(ctx context.Context, g *Graph) context.Context {
	return context.WithValue(ctx, graphKey, g)
}

// FromContext extracts the graph context. Operations cannot run without
// one, so a missing graph is a programming error.
func FromContext(ctx context.Context) *Graph {
	if g, ok := ctx.Value(graphKey).(*Graph); ok {
		return g
	}
	panic("autograd: graph missing from context")
}

// WithGradMode returns a context in which graph construction is enabled or
// disabled.
func WithGradMode(ctx context.Context, enabled bool) context.Context {
	return context.WithValue(ctx, gradModeKey, enabled)
}

// NoGrad disables graph construction for the returned context.
func NoGrad(ctx context.Context) context.Context {
	return WithGradMode(ctx, false)
}

// GradEnabled reports whether operations record nodes. Defaults to true.
func GradEnabled(ctx context.Context) bool {
	if enabled, ok := ctx.Value(gradModeKey).(bool); ok {
		return enabled
	}
	return true
}
