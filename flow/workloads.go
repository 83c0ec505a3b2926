package flow

import (
	"github.com/gomlx/flow-gomlx/ir"
	"github.com/zclconf/go-cty/cty"
	"k8s.io/klog/v2"
)

// AssignWorkloads finalizes the workload of every executable from its call sites.
//
// If all the dispatches to an executable carry provably equal workloads, the workload is set on
// the executable (its Workload field and its "workload" attribute). Otherwise each dispatch
// records its own workload in a "workload" attribute, null when unresolved. Executables without
// dispatches are reported to sink as warnings. The result only depends on the module contents.
func AssignWorkloads(m *ir.Module, sink Sink) {
	sites := make(map[string][]*ir.Operation)
	forEachDispatch(m, func(dispatch *ir.Operation) {
		name := dispatch.StringAttr(ir.AttrExecutable)
		sites[name] = append(sites[name], dispatch)
	})

	for _, e := range m.Executables() {
		calls := sites[e.Name]
		if len(calls) == 0 {
			emitf(sink, e.Entry.Body().Op(0).Loc, SeverityWarning, "executable %q has no call sites, its workload is unresolved", e.Name)
			continue
		}
		agree := calls[0].Workload != nil
		for _, call := range calls[1:] {
			if !call.Workload.Equal(calls[0].Workload) {
				agree = false
				break
			}
		}
		if agree {
			e.Workload = calls[0].Workload.Clone()
			e.SetAttr(ir.AttrWorkload, e.Workload.CtyValue())
			for _, call := range calls {
				call.RemoveAttr(ir.AttrWorkload)
			}
			klog.V(2).Infof("workloads: executable %q: workload %s", e.Name, e.Workload)
			continue
		}
		e.Workload = nil
		delete(e.Attrs, ir.AttrWorkload)
		for _, call := range calls {
			call.SetAttr(ir.AttrWorkload, workloadAttr(call.Workload))
		}
		klog.V(2).Infof("workloads: executable %q: %d call sites with different workloads", e.Name, len(calls))
	}
}

func workloadAttr(w *ir.Workload) cty.Value {
	if w == nil {
		return cty.NullVal(cty.List(cty.Number))
	}
	return w.CtyValue()
}
