package flow

import (
	"github.com/gomlx/flow-gomlx/ir"
	"github.com/zclconf/go-cty/cty"
	"k8s.io/klog/v2"
)

// DeduplicateExecutables merges executables that compute the same thing: same kind, same
// accumulator pair and same canonical entry and callees. The first one, in module order, is kept
// and the dispatches to the others are retargeted to it. It returns the number of executables removed.
func DeduplicateExecutables(m *ir.Module) int {
	canonical := make(map[string]string) // Canonical form -> surviving executable name.
	renames := make(map[string]string)
	for _, e := range m.Executables() {
		key := e.CanonicalString()
		if survivor, found := canonical[key]; found {
			renames[e.Name] = survivor
			continue
		}
		canonical[key] = e.Name
	}
	if len(renames) == 0 {
		return 0
	}
	forEachDispatch(m, func(dispatch *ir.Operation) {
		if survivor, found := renames[dispatch.StringAttr(ir.AttrExecutable)]; found {
			dispatch.SetAttr(ir.AttrExecutable, cty.StringVal(survivor))
		}
	})
	for _, e := range m.Executables() {
		if survivor, found := renames[e.Name]; found {
			m.RemoveExecutable(e.Name)
			klog.V(2).Infof("dedupe: executable %q merged into %q", e.Name, survivor)
		}
	}
	klog.V(1).Infof("dedupe: %d executables removed", len(renames))
	return len(renames)
}

// forEachDispatch calls fn for every "flow.dispatch" of the module functions, in module and
// definition order.
func forEachDispatch(m *ir.Module, fn func(dispatch *ir.Operation)) {
	for _, f := range m.Functions() {
		f.Walk(func(op *ir.Operation) {
			if op.Kind() == ir.OpDispatch {
				fn(op)
			}
		})
	}
}
