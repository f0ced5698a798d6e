package trace

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/born-ml/autograd/internal/tensor"
)

// Summary is the data-free description of a trace that Encode exports.
// Value references are value IDs; -1 stands for an undefined tensor.
type Summary struct {
	Values []ValueSummary
	Stages []StageSummary
}

// ValueSummary describes one traced value.
type ValueSummary struct {
	ID    int
	Stage int
	Shape []int
	DType tensor.DataType
	Const bool
}

// StageSummary describes one stage.
type StageSummary struct {
	Inputs      []int
	InputFlags  []Flags
	Outputs     []int
	OutputFlags []Flags
	UsedInputs  []bool
	CopiedEdges []int
	Nodes       []NodeSummary
}

// NodeSummary describes one traced kernel execution.
type NodeSummary struct {
	Kind    string
	Inputs  []int
	Outputs []int
}

// Wire field numbers.
//
//	message Trace { repeated Value values = 1; repeated Stage stages = 2; }
//	message Value { int64 id = 1; int64 stage = 2; repeated int64 shape = 3; int32 dtype = 4; bool const = 5; }
//	message Stage {
//	  repeated int64 inputs = 1; repeated uint32 input_flags = 2;
//	  repeated int64 outputs = 3; repeated uint32 output_flags = 4;
//	  repeated bool used_inputs = 5; repeated int64 copied_edges = 6;
//	  repeated Node nodes = 7;
//	}
//	message Node { string kind = 1; repeated int64 inputs = 2; repeated int64 outputs = 3; }
//
// Value references are stored as id+1 so that 0 encodes an undefined tensor.
const (
	fieldTraceValues = 1
	fieldTraceStages = 2

	fieldValueID    = 1
	fieldValueStage = 2
	fieldValueShape = 3
	fieldValueDType = 4
	fieldValueConst = 5

	fieldStageInputs      = 1
	fieldStageInputFlags  = 2
	fieldStageOutputs     = 3
	fieldStageOutputFlags = 4
	fieldStageUsedInputs  = 5
	fieldStageCopiedEdges = 6
	fieldStageNodes       = 7

	fieldNodeKind    = 1
	fieldNodeInputs  = 2
	fieldNodeOutputs = 3
)

// Summarize captures the structure of the trace.
func (s *State) Summarize() *Summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	sum := &Summary{}
	for _, v := range s.values {
		sum.Values = append(sum.Values, ValueSummary{
			ID:    v.ID,
			Stage: v.Stage,
			Shape: append([]int(nil), v.Shape...),
			DType: v.DType,
			Const: v.IsConst(),
		})
	}
	for _, st := range s.stages {
		ss := StageSummary{
			Inputs:      valueIDs(st.Inputs),
			InputFlags:  append([]Flags(nil), st.InputFlags...),
			Outputs:     valueIDs(st.Outputs),
			OutputFlags: append([]Flags(nil), st.OutputFlags...),
			UsedInputs:  append([]bool(nil), st.UsedInputs...),
			CopiedEdges: append([]int(nil), st.CopiedEdges...),
		}
		for _, n := range st.Nodes {
			ss.Nodes = append(ss.Nodes, NodeSummary{
				Kind:    n.Kind,
				Inputs:  valueIDs(n.Inputs),
				Outputs: valueIDs(n.Outputs),
			})
		}
		sum.Stages = append(sum.Stages, ss)
	}
	return sum
}

// Marshal encodes the trace structure in protobuf wire format.
func (s *State) Marshal() []byte {
	return Encode(s.Summarize())
}

// Encode serializes sum in protobuf wire format.
func Encode(sum *Summary) []byte {
	var b []byte
	for _, v := range sum.Values {
		var m []byte
		m = appendVarintField(m, fieldValueID, uint64(v.ID))
		m = appendVarintField(m, fieldValueStage, uint64(v.Stage))
		m = appendPacked(m, fieldValueShape, toUints(v.Shape, 0))
		m = appendVarintField(m, fieldValueDType, uint64(v.DType))
		if v.Const {
			m = appendVarintField(m, fieldValueConst, 1)
		}
		b = protowire.AppendTag(b, fieldTraceValues, protowire.BytesType)
		b = protowire.AppendBytes(b, m)
	}
	for _, st := range sum.Stages {
		var m []byte
		m = appendPacked(m, fieldStageInputs, toUints(st.Inputs, 1))
		m = appendPacked(m, fieldStageInputFlags, flagsToUints(st.InputFlags))
		m = appendPacked(m, fieldStageOutputs, toUints(st.Outputs, 1))
		m = appendPacked(m, fieldStageOutputFlags, flagsToUints(st.OutputFlags))
		m = appendPacked(m, fieldStageUsedInputs, boolsToUints(st.UsedInputs))
		m = appendPacked(m, fieldStageCopiedEdges, toUints(st.CopiedEdges, 0))
		for _, n := range st.Nodes {
			var nm []byte
			nm = protowire.AppendTag(nm, fieldNodeKind, protowire.BytesType)
			nm = protowire.AppendString(nm, n.Kind)
			nm = appendPacked(nm, fieldNodeInputs, toUints(n.Inputs, 1))
			nm = appendPacked(nm, fieldNodeOutputs, toUints(n.Outputs, 1))
			m = protowire.AppendTag(m, fieldStageNodes, protowire.BytesType)
			m = protowire.AppendBytes(m, nm)
		}
		b = protowire.AppendTag(b, fieldTraceStages, protowire.BytesType)
		b = protowire.AppendBytes(b, m)
	}
	return b
}

// Decode parses data produced by Encode.
func Decode(data []byte) (*Summary, error) {
	sum := &Summary{}
	if err := readFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldTraceValues:
			m, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			v, err := decodeValue(m)
			if err != nil {
				return 0, err
			}
			sum.Values = append(sum.Values, v)
			return n, nil
		case fieldTraceStages:
			m, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			st, err := decodeStage(m)
			if err != nil {
				return 0, err
			}
			sum.Stages = append(sum.Stages, st)
			return n, nil
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	}); err != nil {
		return nil, fmt.Errorf("failed to parse trace: %w", err)
	}
	return sum, nil
}

func decodeValue(data []byte) (ValueSummary, error) {
	var v ValueSummary
	err := readFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldValueID, fieldValueStage, fieldValueDType, fieldValueConst:
			x, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return n, nil
			}
			switch num {
			case fieldValueID:
				v.ID = int(x)
			case fieldValueStage:
				v.Stage = int(x)
			case fieldValueDType:
				v.DType = tensor.DataType(x)
			case fieldValueConst:
				v.Const = x != 0
			}
			return n, nil
		case fieldValueShape:
			xs, n := consumeInts(typ, b)
			v.Shape = append(v.Shape, fromUints(xs, 0)...)
			return n, nil
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})
	return v, err
}

func decodeStage(data []byte) (StageSummary, error) {
	var st StageSummary
	err := readFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == fieldStageNodes {
			m, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			node, err := decodeNode(m)
			if err != nil {
				return 0, err
			}
			st.Nodes = append(st.Nodes, node)
			return n, nil
		}

		xs, n := consumeInts(typ, b)
		switch num {
		case fieldStageInputs:
			st.Inputs = append(st.Inputs, fromUints(xs, 1)...)
		case fieldStageInputFlags:
			st.InputFlags = append(st.InputFlags, uintsToFlags(xs)...)
		case fieldStageOutputs:
			st.Outputs = append(st.Outputs, fromUints(xs, 1)...)
		case fieldStageOutputFlags:
			st.OutputFlags = append(st.OutputFlags, uintsToFlags(xs)...)
		case fieldStageUsedInputs:
			for _, x := range xs {
				st.UsedInputs = append(st.UsedInputs, x != 0)
			}
		case fieldStageCopiedEdges:
			st.CopiedEdges = append(st.CopiedEdges, fromUints(xs, 0)...)
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
		return n, nil
	})
	return st, err
}

func decodeNode(data []byte) (NodeSummary, error) {
	var node NodeSummary
	err := readFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldNodeKind:
			s, n := protowire.ConsumeString(b)
			node.Kind = s
			return n, nil
		case fieldNodeInputs:
			xs, n := consumeInts(typ, b)
			node.Inputs = append(node.Inputs, fromUints(xs, 1)...)
			return n, nil
		case fieldNodeOutputs:
			xs, n := consumeInts(typ, b)
			node.Outputs = append(node.Outputs, fromUints(xs, 1)...)
			return n, nil
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})
	return node, err
}

// readFields walks the fields of a message. field returns the number of
// bytes consumed from b, or a negative protowire error code.
func readFields(data []byte, field func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]

		n, err := field(num, typ, data)
		if err != nil {
			return err
		}
		if n < 0 {
			return fmt.Errorf("field %d: %w", num, protowire.ParseError(n))
		}
		data = data[n:]
	}
	return nil
}

// consumeInts reads a packed or a single unpacked varint field.
func consumeInts(typ protowire.Type, b []byte) ([]uint64, int) {
	if typ == protowire.VarintType {
		x, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, n
		}
		return []uint64{x}, n
	}
	if typ != protowire.BytesType {
		return nil, -1
	}
	packed, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, n
	}
	var xs []uint64
	for len(packed) > 0 {
		x, m := protowire.ConsumeVarint(packed)
		if m < 0 {
			return nil, m
		}
		xs = append(xs, x)
		packed = packed[m:]
	}
	return xs, n
}

func appendVarintField(b []byte, num protowire.Number, x uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, x)
}

func appendPacked(b []byte, num protowire.Number, xs []uint64) []byte {
	if len(xs) == 0 {
		return b
	}
	var packed []byte
	for _, x := range xs {
		packed = protowire.AppendVarint(packed, x)
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, packed)
}

func valueIDs(vs []*Value) []int {
	ids := make([]int, len(vs))
	for i, v := range vs {
		if v == nil {
			ids[i] = -1
		} else {
			ids[i] = v.ID
		}
	}
	return ids
}

func toUints(xs []int, offset int) []uint64 {
	out := make([]uint64, len(xs))
	for i, x := range xs {
		out[i] = uint64(x + offset)
	}
	return out
}

func fromUints(xs []uint64, offset int) []int {
	out := make([]int, len(xs))
	for i, x := range xs {
		out[i] = int(x) - offset
	}
	return out
}

func flagsToUints(fs []Flags) []uint64 {
	out := make([]uint64, len(fs))
	for i, f := range fs {
		if f.Defined {
			out[i] |= 1
		}
		if f.RequiresGrad {
			out[i] |= 2
		}
	}
	return out
}

func uintsToFlags(xs []uint64) []Flags {
	out := make([]Flags, len(xs))
	for i, x := range xs {
		out[i] = Flags{Defined: x&1 != 0, RequiresGrad: x&2 != 0}
	}
	return out
}

func boolsToUints(bs []bool) []uint64 {
	out := make([]uint64, len(bs))
	for i, v := range bs {
		if v {
			out[i] = 1
		}
	}
	return out
}
