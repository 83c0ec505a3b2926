package flow

import (
	"slices"

	"github.com/gomlx/flow-gomlx/ir"
	"k8s.io/klog/v2"
)

// DefaultConstantSizeThreshold is the default largest constant, in bytes, cloned into regions.
const DefaultConstantSizeThreshold = 1024

// RematerializeConstants clones small constants defined outside regions into each region that
// uses them, and erases the originals left unused. Constants larger than threshold bytes stay
// shared, crossing region boundaries as operands. It returns the number of clones created.
func RematerializeConstants(f *ir.Function, threshold int) int {
	var constants []*ir.Operation
	f.Walk(func(op *ir.Operation) {
		if op.Kind() == ir.OpConstant && !insideRegion(op) {
			constants = append(constants, op)
		}
	})

	clones := 0
	for _, c := range constants {
		size, ok := c.Result(0).Type().ByteSize()
		if !ok || size > threshold {
			continue
		}
		value := c.Result(0)

		// Consuming regions, in use order.
		var regions []*ir.Operation
		for _, use := range value.Uses() {
			if region := enclosingRegion(use.Op, c.Block()); region != nil && !slices.Contains(regions, region) {
				regions = append(regions, region)
			}
		}
		for _, region := range regions {
			clone := c.Clone(make(map[*ir.Value]*ir.Value))
			ir.NewBuilderBefore(region.Body().Op(0)).Insert(clone)
			value.ReplaceUsesIf(clone.Result(0), func(use ir.Use) bool {
				return region.IsAncestorOf(use.Op)
			})
			clones++
		}
		if len(regions) > 0 {
			klog.V(2).Infof("rematerialize: constant %s cloned into %d regions", c, len(regions))
		}
		if !value.HasUses() {
			c.Erase()
		}
	}
	klog.V(1).Infof("rematerialize: function %q: %d constants cloned", f.Name(), clones)
	return clones
}

// enclosingRegion returns the region marker directly in block that contains op, or nil.
func enclosingRegion(op *ir.Operation, block *ir.Block) *ir.Operation {
	ancestor := op.AncestorIn(block)
	if ancestor == nil || !ancestor.Kind().IsRegionMarker() {
		return nil
	}
	return ancestor
}
