package flow

import (
	"fmt"
	"slices"

	"github.com/gomlx/flow-gomlx/ir"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// OutlineRegions extracts every region marker of the module functions into an executable, and
// replaces it with a "flow.dispatch" call to it. It returns the executables created, in order.
//
// Executables are named "<func>_ex_dispatch_<N>" or "<func>_ex_reduce_<N>", N counting the regions
// of the function, with a "_<k>" suffix on collisions. Their parameters are the values consumed
// from outside the region, in first-use order (reductions move the accumulator last), and their
// results are the region results. Functions called from within regions are cloned into the
// executable, as they were before any of them was outlined.
func OutlineRegions(m *ir.Module) ([]*ir.Executable, error) {
	callees, err := snapshotCallees(m)
	if err != nil {
		return nil, err
	}
	var executables []*ir.Executable
	for _, f := range m.Functions() {
		var markers []*ir.Operation
		f.Walk(func(op *ir.Operation) {
			if op.Kind().IsRegionMarker() {
				markers = append(markers, op)
			}
		})
		for n, marker := range markers {
			e, err := outlineRegion(m, f, marker, n, callees)
			if err != nil {
				return executables, errors.WithMessagef(err, "outlining region #%d of %q", n, f.Name())
			}
			executables = append(executables, e)
		}
		if len(markers) > 0 {
			klog.V(1).Infof("outline: function %q: %d executables", f.Name(), len(markers))
		}
	}
	return executables, nil
}

// snapshotCallees returns copies, with region markers dissolved, of every function transitively
// called from within a region.
func snapshotCallees(m *ir.Module) (map[string]*ir.Function, error) {
	snapshots := make(map[string]*ir.Function)
	var pending []string
	addCalls := func(f *ir.Function, onlyInRegions bool) {
		f.Walk(func(op *ir.Operation) {
			if op.Kind() != ir.OpCall || (onlyInRegions && !insideRegion(op)) {
				return
			}
			name := op.StringAttr(ir.AttrCallee)
			if _, found := snapshots[name]; !found && !slices.Contains(pending, name) {
				pending = append(pending, name)
			}
		})
	}
	for _, f := range m.Functions() {
		addCalls(f, true)
	}
	for len(pending) > 0 {
		name := pending[0]
		pending = pending[1:]
		f := m.LookupFunction(name)
		if f == nil {
			return nil, errors.Errorf("call to undefined function %q inside a region", name)
		}
		snapshot := f.Clone(name)
		dissolveAllRegions(snapshot)
		snapshots[name] = snapshot
		addCalls(snapshot, false)
	}
	return snapshots, nil
}

func outlineRegion(m *ir.Module, f *ir.Function, marker *ir.Operation, n int, callees map[string]*ir.Function) (*ir.Executable, error) {
	kind := ir.DispatchExecutable
	suffix := "dispatch"
	if marker.Kind() == ir.OpReductionRegion {
		kind, suffix = ir.ReductionExecutable, "reduce"
	}
	name := m.UniqueSymbol(fmt.Sprintf("%s_ex_%s_%d", f.Name(), suffix, n))
	members := regionMembers(marker)
	term := marker.Body().Terminator()

	// Operands: values defined outside the region, in first-use order.
	var operands []*ir.Value
	for _, member := range members {
		member.Walk(func(op *ir.Operation) {
			for _, v := range op.Operands() {
				if def := v.DefiningOp(); def != nil && marker.IsAncestorOf(def) {
					continue
				}
				if v.IsBlockArgument() && v.ParentBlock().ParentOp() != nil && marker.IsAncestorOf(v.ParentBlock().ParentOp()) {
					continue
				}
				if !slices.Contains(operands, v) {
					operands = append(operands, v)
				}
			}
		})
	}
	results := term.Operands()
	accumulatorOperand, accumulatorResult := -1, -1
	if kind == ir.ReductionExecutable {
		root := reductionRoot(marker)
		accumulator := root.Operand(1)
		operands = slices.DeleteFunc(operands, func(v *ir.Value) bool { return v == accumulator })
		operands = append(operands, accumulator)
		accumulatorOperand = len(operands) - 1
		accumulatorResult = slices.Index(results, root.Result(0))
		if accumulatorResult < 0 {
			// The reduction result is unused: it's still returned, to keep the calling convention.
			results = append(results, root.Result(0))
			accumulatorResult = len(results) - 1
		}
	}

	// Entry function: a copy of the members, rewired to the parameters.
	operandTypes := make([]ir.Type, len(operands))
	for i, v := range operands {
		operandTypes[i] = v.Type()
	}
	resultTypes := make([]ir.Type, len(results))
	for i, v := range results {
		resultTypes[i] = v.Type()
	}
	entry := ir.NewFunction(name, operandTypes, resultTypes)
	mapping := make(map[*ir.Value]*ir.Value)
	for i, v := range operands {
		mapping[v] = entry.Arg(i)
	}
	for _, member := range members {
		entry.Body().Append(member.Clone(mapping))
	}
	entryResults := make([]*ir.Value, len(results))
	for i, v := range results {
		entryResults[i] = mapping[v]
	}
	ir.NewBuilder(entry.Body()).At(marker.Loc).Return(entryResults...)

	e := ir.NewExecutable(name, kind, entry)
	e.AccumulatorOperand, e.AccumulatorResult = accumulatorOperand, accumulatorResult
	if err := addCallees(e, entry, callees); err != nil {
		return nil, err
	}
	if err := e.Verify(); err != nil {
		return nil, err
	}
	if err := m.AddExecutable(e); err != nil {
		return nil, err
	}

	// Replace the region by the dispatch.
	b := ir.NewBuilderBefore(marker)
	dispatch := b.Dispatch(name, operands, resultTypes, nil)
	if kind == ir.ReductionExecutable {
		dispatch.SetAttr(ir.AttrAccumulator, ir.IntsValue([]int{accumulatorOperand, accumulatorResult}))
	}
	replacements := make(map[*ir.Value]*ir.Value)
	for i, v := range term.Operands() {
		replacements[v] = dispatch.Result(i)
		replacements[marker.Result(i)] = dispatch.Result(i)
	}
	dispatch.Workload = outlinedWorkload(marker, replacements)
	marker.ReplaceAllUsesWith(dispatch.Results()[:marker.NumResults()])
	retargetWorkloads(f, marker, replacements)
	marker.Erase()
	klog.V(2).Infof("outline: %s -> @%s(%d operands, %d results) workload=%s",
		marker.Kind(), name, len(operands), len(results), dispatch.Workload)
	return e, nil
}

// outlinedWorkload returns the workload of marker for its dispatch: dynamic dimensions whose
// provenance is inside the region are remapped to the dispatch results, or become unresolved.
func outlinedWorkload(marker *ir.Operation, replacements map[*ir.Value]*ir.Value) *ir.Workload {
	w := marker.Workload.Clone()
	if w == nil {
		return nil
	}
	for i, d := range w.Dims {
		w.Dims[i] = remapDim(d, marker, replacements)
	}
	return w
}

func remapDim(d ir.Dim, marker *ir.Operation, replacements map[*ir.Value]*ir.Value) ir.Dim {
	if d.Source == nil {
		return d
	}
	if r, found := replacements[d.Source]; found {
		d.Source = r
		return d
	}
	if def := d.Source.DefiningOp(); def != nil && marker.IsAncestorOf(def) {
		return ir.Dim{Size: ir.DynamicDim}
	}
	return d
}

// retargetWorkloads fixes the workloads of other regions and dispatches of f whose provenance
// points inside the marker being outlined.
func retargetWorkloads(f *ir.Function, marker *ir.Operation, replacements map[*ir.Value]*ir.Value) {
	f.Walk(func(op *ir.Operation) {
		if op.Workload == nil || op == marker || marker.IsAncestorOf(op) {
			return
		}
		for i, d := range op.Workload.Dims {
			op.Workload.Dims[i] = remapDim(d, marker, replacements)
		}
	})
}

// addCallees clones into e every function transitively called from f.
func addCallees(e *ir.Executable, f *ir.Function, callees map[string]*ir.Function) error {
	var err error
	f.Walk(func(op *ir.Operation) {
		if err != nil || op.Kind() != ir.OpCall {
			return
		}
		name := op.StringAttr(ir.AttrCallee)
		if e.LookupCallee(name) != nil {
			return
		}
		snapshot, found := callees[name]
		if !found {
			err = errors.Errorf("call to undefined function %q inside a region", name)
			return
		}
		callee := snapshot.Clone(name)
		e.AddCallee(callee)
		err = addCallees(e, callee, callees)
	})
	return err
}
