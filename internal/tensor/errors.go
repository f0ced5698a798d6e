package tensor

import "errors"

// Precondition failures reported by numeric-library implementations.
// Callers match them with errors.Is.
var (
	// ErrShapeMismatch covers rank, size and channel precondition failures.
	ErrShapeMismatch = errors.New("shape mismatch")

	// ErrDTypeMismatch is returned when operands have different data types.
	ErrDTypeMismatch = errors.New("dtype mismatch")

	// ErrUnsupported is returned for parameter combinations a backend cannot
	// execute, such as negative padding.
	ErrUnsupported = errors.New("unsupported configuration")
)
