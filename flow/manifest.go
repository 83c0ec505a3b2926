package flow

import (
	"github.com/gomlx/flow-gomlx/ir"
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Manifest describes the executables of a partitioned module, for the runtime or for inspection:
//
//	{"executables": [{"name": ..., "kind": "dispatch"|"reduction", "operands": [types...],
//	  "results": [types...], "workload": [dims...] | null, "call_sites": N,
//	  "accumulator": [operand, result]}]}
//
// Dynamic workload dimensions are null.
func Manifest(m *ir.Module) (*structpb.Struct, error) {
	callSites := make(map[string]int)
	forEachDispatch(m, func(dispatch *ir.Operation) {
		callSites[dispatch.StringAttr(ir.AttrExecutable)]++
	})
	var executables []any
	for _, e := range m.Executables() {
		entry := map[string]any{
			"name":       e.Name,
			"kind":       e.Kind.String(),
			"operands":   typeStrings(e.Entry.ArgTypes()),
			"results":    typeStrings(e.Entry.ResultTypes()),
			"workload":   workloadDims(e.Workload),
			"call_sites": callSites[e.Name],
		}
		if e.Kind == ir.ReductionExecutable {
			entry["accumulator"] = []any{e.AccumulatorOperand, e.AccumulatorResult}
		}
		if len(e.Callees) > 0 {
			callees := make([]any, len(e.Callees))
			for i, f := range e.Callees {
				callees[i] = f.Name()
			}
			entry["callees"] = callees
		}
		executables = append(executables, entry)
	}
	s, err := structpb.NewStruct(map[string]any{"executables": executables})
	if err != nil {
		return nil, errors.Wrap(err, "failed to build executables manifest")
	}
	return s, nil
}

// MarshalManifest serializes the Manifest of the module, as JSON if asJSON, otherwise in the
// protobuf binary format of a google.protobuf.Struct.
func MarshalManifest(m *ir.Module, asJSON bool) ([]byte, error) {
	s, err := Manifest(m)
	if err != nil {
		return nil, err
	}
	var data []byte
	if asJSON {
		data, err = protojson.MarshalOptions{Multiline: true, UseProtoNames: true}.Marshal(s)
	} else {
		data, err = proto.Marshal(s)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to serialize executables manifest")
	}
	return data, nil
}

func typeStrings(types []ir.Type) []any {
	strs := make([]any, len(types))
	for i, t := range types {
		strs[i] = t.String()
	}
	return strs
}

func workloadDims(w *ir.Workload) any {
	if w == nil {
		return nil
	}
	dims := make([]any, len(w.Dims))
	for i, d := range w.Dims {
		if !d.IsDynamic() {
			dims[i] = d.Size
		}
	}
	return dims
}
