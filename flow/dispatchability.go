package flow

import (
	"github.com/gomlx/flow-gomlx/ir"
	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrStaleAnalysis is returned when a dispatchability analysis is read for a function that changed
// since the analysis was built. It means the passes were scheduled in the wrong order, and it is fatal.
var ErrStaleAnalysis = errors.New("stale dispatchability analysis")

// Dispatchability is the result of the dispatchability analysis of a module: for each function,
// the set of operations that can be placed inside an executable.
//
// It is immutable once built, and safe for concurrent reads. Each entry records the generation of
// the function it was computed for: reading the entry of a function mutated since then fails
// with ErrStaleAnalysis.
type Dispatchability struct {
	entries map[*ir.Function]*dispatchEntry

	// functions holds the names of dispatchable functions: those whose every operation is
	// dispatchable, so calls to them can be cloned into executables.
	functions sets.Set[string]
}

type dispatchEntry struct {
	generation uint64
	ops        sets.Set[*ir.Operation]
}

// AnalyzeDispatchability classifies every operation of every function of the module, nested
// operations included. Malformed operations are reported to sink as errors and conservatively
// classified as not dispatchable. It doesn't change the module.
func AnalyzeDispatchability(m *ir.Module, sink Sink) *Dispatchability {
	d := &Dispatchability{
		entries:   make(map[*ir.Function]*dispatchEntry),
		functions: sets.Make[string](),
	}

	// Local classification: everything but calls, which depend on the callee.
	local := make(map[*ir.Function]sets.Set[*ir.Operation])
	var calls []*ir.Operation
	for _, f := range m.Functions() {
		ops := sets.Make[*ir.Operation]()
		f.Walk(func(op *ir.Operation) {
			if !isDispatchableOp(op, sink) {
				return
			}
			if op.Kind() == ir.OpCall {
				calls = append(calls, op)
				return
			}
			ops.Insert(op)
		})
		local[f] = ops
	}

	// Dispatchable functions, to a fixed point: a function is dispatchable if all its operations
	// are, and calls are dispatchable if their callee is. Recursive functions never qualify.
	dispatchableCall := func(call *ir.Operation) bool {
		callee := ir.ResolveCallee(call)
		return callee != nil && d.functions.Has(callee.Name())
	}
	for changed := true; changed; {
		changed = false
		for _, f := range m.Functions() {
			if d.functions.Has(f.Name()) {
				continue
			}
			if functionIsDispatchable(f, local[f], dispatchableCall) {
				d.functions.Insert(f.Name())
				changed = true
			}
		}
	}
	for _, call := range calls {
		if dispatchableCall(call) {
			local[call.Function()].Insert(call)
		}
	}

	for _, f := range m.Functions() {
		d.entries[f] = &dispatchEntry{generation: f.Generation(), ops: local[f]}
		klog.V(2).Infof("dispatchability: function %q has %d dispatchable operations out of %d",
			f.Name(), len(local[f]), f.NumOps())
	}
	return d
}

// functionIsDispatchable returns whether all operations of f are dispatchable. The function
// terminator is ignored, and region markers are transparent: their bodies are checked instead.
func functionIsDispatchable(f *ir.Function, ops sets.Set[*ir.Operation], dispatchableCall func(*ir.Operation) bool) bool {
	ok := true
	f.Walk(func(op *ir.Operation) {
		switch {
		case !ok:
		case op == f.ReturnOp():
		case op.Kind().IsRegionMarker() || op.Kind() == ir.OpFlowReturn:
		case op.Kind() == ir.OpCall:
			ok = ops.Has(op) || dispatchableCall(op)
		default:
			ok = ops.Has(op)
		}
	})
	return ok
}

// isDispatchableOp checks the predicates of a single operation: whitelisted kind, well-formed
// arity, no host handles and, for elementwise ops, identical operand types.
// Calls pass this check, and are then decided by their callee.
func isDispatchableOp(op *ir.Operation, sink Sink) bool {
	if err := ir.CheckArity(op); err != nil {
		emitf(sink, op.Loc, SeverityError, "malformed operation: %v", err)
		return false
	}
	kind := op.Kind()
	if !kind.IsPure() && kind != ir.OpCall {
		return false
	}
	for _, v := range op.Operands() {
		if v.Type().IsHandle() {
			return false
		}
	}
	for _, v := range op.Results() {
		if v.Type().IsHandle() {
			return false
		}
	}
	if kind.IsElementwise() {
		return elementwiseOperandsMatch(op)
	}
	return true
}

// elementwiseOperandsMatch returns whether the operands of an elementwise op have identical types.
// The condition of a select only needs the same dimensions as the selected values.
func elementwiseOperandsMatch(op *ir.Operation) bool {
	operands := op.Operands()
	if op.Kind() == ir.OpSelect {
		cond, onTrue := operands[0].Type(), operands[1].Type()
		if !cond.IsTensor() || !cond.WithDType(onTrue.DType()).Equal(onTrue) {
			return false
		}
		operands = operands[1:]
	}
	for _, v := range operands[1:] {
		if !v.Type().Equal(operands[0].Type()) {
			return false
		}
	}
	return true
}

// Lookup returns the set of dispatchable operations of f. It must be treated as read-only.
//
// It returns ErrStaleAnalysis if f changed since the analysis was built, and an error if f
// wasn't part of the analyzed module.
func (d *Dispatchability) Lookup(f *ir.Function) (sets.Set[*ir.Operation], error) {
	entry, found := d.entries[f]
	if !found {
		return nil, errors.Errorf("function %q is not covered by the dispatchability analysis", f.Name())
	}
	if entry.generation != f.Generation() {
		return nil, errors.Wrapf(ErrStaleAnalysis, "function %q changed since the analysis (generation %d, now %d)",
			f.Name(), entry.generation, f.Generation())
	}
	return entry.ops, nil
}

// IsStale returns whether any analyzed function changed since the analysis was built, or if
// the module has functions the analysis doesn't cover.
func (d *Dispatchability) IsStale(m *ir.Module) bool {
	if d == nil {
		return true
	}
	for _, f := range m.Functions() {
		entry, found := d.entries[f]
		if !found || entry.generation != f.Generation() {
			return true
		}
	}
	return false
}

// IsDispatchableFunction returns whether the named function only contains dispatchable operations.
func (d *Dispatchability) IsDispatchableFunction(name string) bool {
	return d.functions.Has(name)
}
