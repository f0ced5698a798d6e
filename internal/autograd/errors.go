package autograd

import "errors"

// Errors reported by the engine, nodes and snapshot guards. Callers match
// them with errors.Is; detected failures are wrapped with context naming
// the node and value involved.
var (
	// ErrInvalidArgument covers arity, shape and gradient-count violations.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrUnsupportedConfiguration reports a parameter combination the
	// numeric library or a node cannot handle.
	ErrUnsupportedConfiguration = errors.New("unsupported configuration")

	// ErrReusedAfterRelease is returned when a node's saved buffers were
	// freed by an earlier backward pass.
	ErrReusedAfterRelease = errors.New("Trying to backward through the graph a second time, " +
		"but the buffers have already been freed. Specify retain_graph=True when calling backward the first time.")

	// ErrStaleVersion is returned when a saved value was mutated in place
	// after it was captured.
	ErrStaleVersion = errors.New("one of the variables needed for gradient computation has been modified by an inplace operation")

	// ErrMissingAccumulator is returned when the gradient sink of a saved
	// leaf no longer exists.
	ErrMissingAccumulator = errors.New("no grad accumulator for a saved leaf")

	// ErrMissingProducer is returned when a saved non-leaf has no producing node.
	ErrMissingProducer = errors.New("no grad_fn for non-leaf saved variable")

	// ErrStageMismatch is returned when a compiled stage receives inputs it
	// was not traced for.
	ErrStageMismatch = errors.New("stage input mismatch")

	// ErrDerivativeLimit is returned when a compiled function is asked for
	// more derivatives than it was compiled for.
	ErrDerivativeLimit = errors.New("derivative limit exceeded")

	// ErrSavedVariablesRequired is returned when an opaque node is applied
	// under tracing without exposing its saved variables.
	ErrSavedVariablesRequired = errors.New("traced node must expose its saved variables")
)
