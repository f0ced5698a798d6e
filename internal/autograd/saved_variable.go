package autograd

import (
	"fmt"
	"weak"

	"github.com/born-ml/autograd/internal/tensor"
)

// SavedVariable is a snapshot of a value captured by a node during the
// forward pass. Unpacking fails if the value was mutated in place since it
// was saved, or if the node already released its buffers.
type SavedVariable struct {
	data         *tensor.RawTensor
	requiresGrad bool
	savedVersion uint32
	version      *VersionCounter
	hasGradFn    bool
	outputNr     int
	gradFn       Node
	accumulator  weak.Pointer[GradAccumulator]
}

// SaveVariable captures v. isOutput must be true when v is an output of the
// node that saves it; the producer is then supplied at Unpack time instead
// of being stored. An undefined v yields an empty guard.
func SaveVariable(v *Variable, isOutput bool) *SavedVariable {
	if v == nil {
		return &SavedVariable{}
	}
	s := &SavedVariable{
		data:         v.data,
		requiresGrad: v.requiresGrad,
		savedVersion: v.version.Current(),
		version:      v.version,
		hasGradFn:    v.gradFn != nil,
		outputNr:     v.outputNr,
	}
	if !isOutput {
		s.gradFn = v.gradFn
	}
	if acc := v.GradAccumulator(); acc != nil {
		s.accumulator = weak.Make(acc)
	}
	return s
}

// Defined reports whether the guard still holds data.
func (s *SavedVariable) Defined() bool {
	return s.data != nil
}

// Data returns the captured tensor without any checks.
func (s *SavedVariable) Data() *tensor.RawTensor {
	return s.data
}

// Unpack reconstructs the saved value. savedFor is the node that owns the
// guard; it becomes the producer of values saved with isOutput. The result
// shares the version counter of the original value.
func (s *SavedVariable) Unpack(savedFor Node) (*Variable, error) {
	if s.version == nil {
		return nil, nil
	}
	if s.data == nil {
		return nil, ErrReusedAfterRelease
	}

	if current := s.version.Current(); current != s.savedVersion {
		return nil, fmt.Errorf("%w: %s is at version %d; expected version %d instead",
			ErrStaleVersion, s.describe(savedFor), current, s.savedVersion)
	}

	gradFn := s.gradFn
	if gradFn == nil && s.hasGradFn {
		gradFn = savedFor
	}
	if s.hasGradFn && gradFn == nil {
		return nil, fmt.Errorf("%w: output %d", ErrMissingProducer, s.outputNr)
	}

	v := &Variable{
		data:         s.data,
		requiresGrad: s.requiresGrad,
		gradFn:       gradFn,
		outputNr:     s.outputNr,
		version:      s.version,
	}
	if !s.hasGradFn && s.requiresGrad {
		acc := s.accumulator.Value()
		if acc == nil {
			return nil, fmt.Errorf("%w: [%s]", ErrMissingAccumulator, s.data)
		}
		v.accumulator = weak.Make(acc)
	}
	return v, nil
}

// Release drops the captured data. Later Unpack calls fail with
// ErrReusedAfterRelease.
func (s *SavedVariable) Release() {
	s.data = nil
	s.gradFn = nil
}

func (s *SavedVariable) describe(savedFor Node) string {
	switch {
	case s.gradFn != nil:
		return fmt.Sprintf("[%s], which is output %d of %s", s.data, s.outputNr, s.gradFn.Name())
	case s.hasGradFn && savedFor != nil:
		return fmt.Sprintf("[%s], which is output %d of %s", s.data, s.outputNr, savedFor.Name())
	default:
		return fmt.Sprintf("[%s], which is a leaf", s.data)
	}
}
