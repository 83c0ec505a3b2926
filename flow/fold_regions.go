package flow

import (
	"github.com/gomlx/flow-gomlx/ir"
	"k8s.io/klog/v2"
)

// FoldRegions merges compatible dispatch regions of f, and returns the number of merges.
//
// Two regions are compatible if they are in the same block, their workloads are provably equal,
// and merging them doesn't create a cycle: no path goes from one to the other through an
// operation outside both. Merges are computed to a fixed point (bounded by maxIterations sweeps,
// 0 for no bound) before rewriting, so the result doesn't depend on the order regions are visited.
// Reduction regions are never candidates. Folding is idempotent.
func FoldRegions(f *ir.Function, maxIterations int) int {
	merges := 0
	for _, block := range blocksOf(f) {
		merges += foldInBlock(block, maxIterations)
	}
	klog.V(1).Infof("fold-regions: function %q: %d merges", f.Name(), merges)
	return merges
}

func foldInBlock(block *ir.Block, maxIterations int) int {
	g := newBlockGraph(block)
	c := newClustering(g)
	var markers []int
	for i, op := range g.ops {
		if isPlainRegion(op) {
			c.assign(i)
			markers = append(markers, i)
		}
	}
	if len(markers) < 2 {
		return 0
	}

	merges := 0
	for iteration := 0; maxIterations <= 0 || iteration < maxIterations; iteration++ {
		changed := false
		for ii, a := range markers {
			for _, b := range markers[ii+1:] {
				ra, rb := c.root(a), c.root(b)
				if ra == rb {
					continue
				}
				// The workload of a class is the one of its first marker.
				wa, wb := g.ops[c.classes[ra][0]].Workload, g.ops[c.classes[rb][0]].Workload
				if !wa.Equal(wb) {
					continue
				}
				if c.wouldCycle([]int{ra, rb}, len(g.ops)) {
					klog.V(2).Infof("fold-regions: regions at %s and %s are not adjacent", g.ops[a].Loc, g.ops[b].Loc)
					continue
				}
				c.union(a, b)
				merges++
				changed = true
			}
		}
		if !changed {
			break
		}
	}

	for _, class := range c.orderedClasses() {
		if len(class) < 2 {
			continue
		}
		workload := class[0].Workload
		var members []*ir.Operation
		for _, marker := range class {
			members = append(members, dissolveRegion(marker)...)
		}
		wrapRegion(ir.OpDispatchRegion, members, workload)
	}
	return merges
}
