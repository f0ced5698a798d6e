package trace

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/born-ml/autograd/internal/tensor"
)

// State accumulates a trace. It is safe for concurrent use; recording is
// serialized by an internal lock so kernels executed by parallel backward
// workers are appended in completion order.
type State struct {
	mu     sync.Mutex
	byData map[*tensor.RawTensor]*Value
	values []*Value
	stages []*Stage
}

// NewState creates an empty trace positioned at stage 0.
func NewState() *State {
	return &State{
		byData: make(map[*tensor.RawTensor]*Value),
		stages: []*Stage{{}},
	}
}

type key struct{}

// stateKey is the key for the tracing state in a context.Context.
var stateKey = key{}

// WithState returns a context that traces into s. A nil s disables tracing
// for the returned context.
func WithState(ctx context.Context, s *State) context.Context {
	return context.WithValue(ctx, stateKey, s)
}

// FromContext returns the active tracing state, or nil when not tracing.
func FromContext(ctx context.Context) *State {
	s, _ := ctx.Value(stateKey).(*State)
	return s
}

// EnterStage starts a new stage and returns its index.
func (s *State) EnterStage() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stages = append(s.stages, &Stage{})
	return len(s.stages) - 1
}

// CurrentStage returns the index of the stage being recorded.
func (s *State) CurrentStage() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.stages) - 1
}

// AddInput registers raw as the next input of the current stage. A nil raw
// records an undefined input.
func (s *State) AddInput(raw *tensor.RawTensor, flags Flags) *Value {
	s.mu.Lock()
	defer s.mu.Unlock()

	stage := s.current()
	var v *Value
	if raw != nil {
		v = s.newValue(raw, nil)
		s.byData[raw] = v
	}
	stage.Inputs = append(stage.Inputs, v)
	stage.InputFlags = append(stage.InputFlags, flags)
	return v
}

// SetOutputs records the outputs of the current stage.
func (s *State) SetOutputs(raws []*tensor.RawTensor, flags []Flags) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stage := s.current()
	stage.Outputs = make([]*Value, len(raws))
	for i, raw := range raws {
		stage.Outputs[i] = s.lookup(raw)
	}
	stage.OutputFlags = append([]Flags(nil), flags...)
}

// Record appends a kernel execution to the current stage. Unknown input
// buffers become constants; outputs become fresh values. Outputs that were
// already known (a kernel returning one of its inputs) keep their identity.
func (s *State) Record(kind string, kernel Kernel, inputs, outputs []*tensor.RawTensor) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stage := s.current()
	n := &Node{
		Kind:    kind,
		Stage:   len(s.stages) - 1,
		Kernel:  kernel,
		Inputs:  make([]*Value, len(inputs)),
		Outputs: make([]*Value, len(outputs)),
	}
	for i, raw := range inputs {
		n.Inputs[i] = s.lookup(raw)
	}
	for i, raw := range outputs {
		if raw == nil {
			continue
		}
		if v, ok := s.byData[raw]; ok {
			n.Outputs[i] = v
			continue
		}
		v := s.newValue(raw, nil)
		s.byData[raw] = v
		n.Outputs[i] = v
	}
	stage.Nodes = append(stage.Nodes, n)
}

// Lookup returns the value registered for raw, or nil.
func (s *State) Lookup(raw *tensor.RawTensor) *Value {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byData[raw]
}

// ComputeUsedInputs marks which inputs of stage are read by nodes or
// outputs of stages 0..stage, stores the mask on the stage and returns it.
func (s *State) ComputeUsedInputs(stage int) ([]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if stage < 0 || stage >= len(s.stages) {
		return nil, fmt.Errorf("trace: stage %d out of range [0, %d)", stage, len(s.stages))
	}

	read := make(map[*Value]bool)
	for _, st := range s.stages[:stage+1] {
		for _, n := range st.Nodes {
			for _, v := range n.Inputs {
				read[v] = true
			}
		}
	}
	for _, v := range s.stages[stage].Outputs {
		read[v] = true
	}

	inputs := s.stages[stage].Inputs
	used := make([]bool, len(inputs))
	for i, v := range inputs {
		used[i] = v != nil && read[v]
	}
	s.stages[stage].UsedInputs = used
	return append([]bool(nil), used...), nil
}

// SetCopiedEdges records the previous-stage edge indices of stage.
func (s *State) SetCopiedEdges(stage int, idx []int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stages[stage].CopiedEdges = append([]int(nil), idx...)
}

// Stages returns the recorded stages. The result must be treated as
// read-only once recording has finished.
func (s *State) Stages() []*Stage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Stage(nil), s.stages...)
}

// NumValues returns the number of values in the trace.
func (s *State) NumValues() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.values)
}

// String renders the trace as text, one line per stage header and node.
func (s *State) String() string {
	var sb strings.Builder
	for i, st := range s.Stages() {
		fmt.Fprintf(&sb, "stage %d: inputs=%s outputs=%s used=%v copied=%v\n",
			i, valueList(st.Inputs), valueList(st.Outputs), st.UsedInputs, st.CopiedEdges)
		for _, n := range st.Nodes {
			fmt.Fprintf(&sb, "  %s = %s(%s)\n", valueList(n.Outputs), n.Kind, valueList(n.Inputs))
		}
	}
	return sb.String()
}

func valueList(vs []*Value) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		switch {
		case v == nil:
			parts[i] = "_"
		case v.IsConst():
			parts[i] = fmt.Sprintf("%%c%d", v.ID)
		default:
			parts[i] = fmt.Sprintf("%%%d", v.ID)
		}
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func (s *State) current() *Stage {
	return s.stages[len(s.stages)-1]
}

// lookup returns the value for raw, capturing unknown buffers as constants.
func (s *State) lookup(raw *tensor.RawTensor) *Value {
	if raw == nil {
		return nil
	}
	if v, ok := s.byData[raw]; ok {
		return v
	}
	v := s.newValue(raw, raw.Clone())
	s.byData[raw] = v
	return v
}

func (s *State) newValue(raw, constant *tensor.RawTensor) *Value {
	v := &Value{
		ID:    len(s.values),
		Stage: len(s.stages) - 1,
		Shape: raw.Shape().Clone(),
		DType: raw.DType(),
		Const: constant,
	}
	s.values = append(s.values, v)
	return v
}
