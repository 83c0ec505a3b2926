package flow

import (
	"slices"

	"github.com/gomlx/flow-gomlx/ir"
	"github.com/gomlx/gomlx/pkg/support/sets"
	"k8s.io/klog/v2"
)

// IdentifyRegions partitions the dispatchable operations of f into maximal connected dispatch
// regions, and wraps each one in a "flow.dispatch_region" marker. It returns the markers created.
//
// Operations are processed in definition order: a dispatchable operation joins the regions of its
// dispatchable producers, merging them, unless that would create a cycle between regions, in which
// case the producers' regions are tried one at a time, in operand order. Reduction roots are left
// for IdentifyReductionRegions. Constants join a region only if all their users are in it.
//
// Each block is partitioned independently, and operations already inside region markers are
// left alone, so running it twice is a no-op.
func IdentifyRegions(f *ir.Function, dispatchable sets.Set[*ir.Operation]) []*ir.Operation {
	var markers []*ir.Operation
	for _, block := range blocksOf(f) {
		markers = append(markers, identifyInBlock(block, dispatchable)...)
	}
	klog.V(1).Infof("identify-regions: function %q: %d regions", f.Name(), len(markers))
	return markers
}

func identifyInBlock(block *ir.Block, dispatchable sets.Set[*ir.Operation]) []*ir.Operation {
	g := newBlockGraph(block)
	c := newClustering(g)
	candidate := func(op *ir.Operation) bool {
		kind := op.Kind()
		return dispatchable.Has(op) && !kind.IsReduction() && kind != ir.OpConstant
	}

	for i, op := range g.ops {
		if !candidate(op) {
			continue
		}
		c.assign(i)

		neighbours := producerRegions(g, c, i)
		if len(neighbours) == 0 {
			continue
		}
		all := append([]int{c.root(i)}, neighbours...)
		if !c.wouldCycle(all, i) {
			for _, r := range neighbours {
				c.union(i, r)
			}
			continue
		}
		for _, r := range neighbours {
			if !c.wouldCycle([]int{c.root(i), r}, i) {
				c.union(i, r)
			} else {
				klog.V(2).Infof("identify-regions: %s not merged with a producer region: it would create a cycle", op)
			}
		}
	}

	// Constants only join a region holding all their users.
	for i, op := range g.ops {
		if op.Kind() != ir.OpConstant || !dispatchable.Has(op) || len(g.succ[i]) == 0 {
			continue
		}
		root := -1
		for _, s := range g.succ[i] {
			r := c.root(s)
			if r < 0 || (root >= 0 && r != root) {
				root = -1
				break
			}
			root = r
		}
		if root >= 0 {
			c.assign(i)
			c.union(root, i)
		}
	}

	var markers []*ir.Operation
	for _, members := range c.orderedClasses() {
		markers = append(markers, wrapRegion(ir.OpDispatchRegion, members, nil))
	}
	return markers
}

// producerRegions returns the regions holding producers of the operands of the operation at
// position i, in operand order.
func producerRegions(g *blockGraph, c *clustering, i int) []int {
	var roots []int
	for _, operand := range g.ops[i].Operands() {
		def := operand.DefiningOp()
		if def == nil {
			continue
		}
		producer := def.AncestorIn(g.block)
		if producer == nil {
			continue
		}
		if r := c.root(g.pos[producer]); r >= 0 && !slices.Contains(roots, r) {
			roots = append(roots, r)
		}
	}
	return roots
}
