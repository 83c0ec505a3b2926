package flow

import (
	"github.com/gomlx/flow-gomlx/ir"
	"github.com/gomlx/gomlx/pkg/support/sets"
	"k8s.io/klog/v2"
)

// IdentifyReductionRegions wraps every dispatchable reduction root not yet inside a region into
// a "flow.reduction_region" marker, together with the producers that feed only that reduction:
// dispatchable operations, constants and whole dispatch regions. The init operand of the root is
// the accumulator and is never absorbed. The region workload is the shape of the reduced input.
//
// It returns the markers created.
func IdentifyReductionRegions(f *ir.Function, dispatchable sets.Set[*ir.Operation]) []*ir.Operation {
	var roots []*ir.Operation
	f.Walk(func(op *ir.Operation) {
		if op.Kind().IsReduction() && dispatchable.Has(op) && !insideRegion(op) {
			roots = append(roots, op)
		}
	})
	var markers []*ir.Operation
	for _, root := range roots {
		markers = append(markers, wrapReduction(root, dispatchable))
	}
	klog.V(1).Infof("reduction-regions: function %q: %d reduction regions", f.Name(), len(markers))
	return markers
}

func wrapReduction(root *ir.Operation, dispatchable sets.Set[*ir.Operation]) *ir.Operation {
	block := root.Block()
	workload := ir.WorkloadOf(root.Operand(0))
	var accumulatorDef *ir.Operation
	if def := root.Operand(1).DefiningOp(); def != nil {
		accumulatorDef = def.AncestorIn(block)
	}
	effects := make(effectCache)
	eligible := func(op *ir.Operation) bool {
		if op == accumulatorDef || effects.orderedEffect(op) {
			return false
		}
		kind := op.Kind()
		if isPlainRegion(op) {
			return true
		}
		return dispatchable.Has(op) && !kind.IsReduction() && !kind.IsRegionMarker()
	}

	// Walk backwards from the root: an eligible op joins the slice if all its users are in it.
	slice := sets.Make[*ir.Operation]()
	slice.Insert(root)
	ops := block.Ops()
	for i := block.Index(root) - 1; i >= 0; i-- {
		op := ops[i]
		if !eligible(op) || op.NumResults() == 0 {
			continue
		}
		feedsOnlySlice := true
		for _, r := range op.Results() {
			if !r.HasUses() {
				feedsOnlySlice = false
			}
			for _, use := range r.Uses() {
				if user := use.Op.AncestorIn(block); user == nil || !slice.Has(user) {
					feedsOnlySlice = false
					break
				}
			}
		}
		if feedsOnlySlice {
			slice.Insert(op)
		}
	}

	var members []*ir.Operation
	for _, op := range ops {
		if !slice.Has(op) {
			continue
		}
		if isPlainRegion(op) {
			members = append(members, dissolveRegion(op)...)
		} else {
			members = append(members, op)
		}
	}
	klog.V(2).Infof("reduction-regions: %s absorbs %d operations", root, len(members)-1)
	return wrapRegion(ir.OpReductionRegion, members, workload)
}

// reductionRoot returns the root of a reduction region: its last member.
func reductionRoot(marker *ir.Operation) *ir.Operation {
	members := regionMembers(marker)
	return members[len(members)-1]
}
