// Package trace records the kernels executed while a function and its
// derivatives run, producing a staged IR that the jit interpreter replays.
//
// A trace is split into stages. Stage 0 is the forward computation and
// stage s (s >= 1) is the create-graph backward pass over stage s-1. Values
// are identified by the raw buffers flowing through traced kernels; a buffer
// that was never registered as a stage input or produced by a traced kernel
// is captured as a constant.
//
// Tracing is enabled for a scope by storing a *State in the context:
//
//	st := trace.NewState()
//	ctx = trace.WithState(ctx, st)
//	// ... run differentiable operations ...
//	stages := st.Stages()
package trace
