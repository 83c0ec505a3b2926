package flow

import (
	"context"

	"github.com/gomlx/flow-gomlx/ir"
	"github.com/hashicorp/hcl/v2"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Pass names, as reported in logs, diagnostics and statistics.
const (
	PassReconcileShapes        = "reconcile-shapes"
	PassDispatchability        = "dispatchability"
	PassIdentifyRegions        = "identify-regions"
	PassFoldRegions            = "fold-regions"
	PassRematerialize          = "rematerialize-constants"
	PassFoldToFixedPoint       = "fold-to-fixed-point"
	PassReductionRegions       = "reduction-regions"
	PassOutline                = "outline"
	PassDeduplicateExecutables = "deduplicate-executables"
	PassAssignWorkloads        = "assign-workloads"
	PassVerify                 = "verify"
)

// FunctionPassFunc adapts a function to a FunctionPass.
type FunctionPassFunc struct {
	PassName string
	Fn       func(pc *PassContext, f *ir.Function) error
}

// Name implements Pass.
func (p *FunctionPassFunc) Name() string { return p.PassName }

// RunOnFunction implements FunctionPass.
func (p *FunctionPassFunc) RunOnFunction(pc *PassContext, f *ir.Function) error { return p.Fn(pc, f) }

// ModulePassFunc adapts a function to a ModulePass.
type ModulePassFunc struct {
	PassName string
	Fn       func(pc *PassContext, m *ir.Module) error
}

// Name implements Pass.
func (p *ModulePassFunc) Name() string { return p.PassName }

// RunOnModule implements ModulePass.
func (p *ModulePassFunc) RunOnModule(pc *PassContext, m *ir.Module) error { return p.Fn(pc, m) }

// analysisPass is a function pass that reads the dispatchability analysis.
type analysisPass struct {
	FunctionPassFunc
}

func (*analysisPass) requiresDispatchability() {}

// ReconcileShapesPass returns the pass running ReconcileShapes on every function.
func ReconcileShapesPass() FunctionPass {
	return &FunctionPassFunc{PassName: PassReconcileShapes, Fn: func(_ *PassContext, f *ir.Function) error {
		ReconcileShapes(f)
		return nil
	}}
}

// DispatchabilityPass returns the module pass (re)building the dispatchability analysis.
func DispatchabilityPass() ModulePass {
	return &ModulePassFunc{PassName: PassDispatchability, Fn: func(pc *PassContext, m *ir.Module) error {
		pc.SetAnalysis(AnalyzeDispatchability(m, pc.Sink))
		return nil
	}}
}

// IdentifyRegionsPass returns the pass grouping dispatchable operations into regions.
func IdentifyRegionsPass() FunctionPass {
	return &analysisPass{FunctionPassFunc{PassName: PassIdentifyRegions, Fn: func(pc *PassContext, f *ir.Function) error {
		dispatchable, err := pc.Dispatchable(f)
		if err != nil {
			return err
		}
		IdentifyRegions(f, dispatchable)
		return nil
	}}}
}

// FoldRegionsPass returns the pass merging regions with equal workloads.
func FoldRegionsPass() FunctionPass {
	return &FunctionPassFunc{PassName: PassFoldRegions, Fn: func(pc *PassContext, f *ir.Function) error {
		FoldRegions(f, pc.Options.MaxFoldIterations)
		return nil
	}}
}

// RematerializePass returns the pass cloning small constants into the regions using them.
func RematerializePass() FunctionPass {
	return &FunctionPassFunc{PassName: PassRematerialize, Fn: func(pc *PassContext, f *ir.Function) error {
		RematerializeConstants(f, pc.Options.ConstantSizeThreshold)
		return nil
	}}
}

// FixedPointPass returns a pass repeating the given function passes on each function until none
// of them changes it, at most maxIterations times (0 means no bound).
func FixedPointPass(name string, maxIterations int, passes ...FunctionPass) FunctionPass {
	return &FunctionPassFunc{PassName: name, Fn: func(pc *PassContext, f *ir.Function) error {
		for iteration := 0; maxIterations == 0 || iteration < maxIterations; iteration++ {
			generation := f.Generation()
			for _, p := range passes {
				if err := p.RunOnFunction(pc, f); err != nil {
					return errors.WithMessagef(err, "%s", p.Name())
				}
			}
			if f.Generation() == generation {
				klog.V(2).Infof("%s: function %q converged after %d iterations", name, f.Name(), iteration+1)
				return nil
			}
		}
		klog.V(1).Infof("%s: function %q didn't converge in %d iterations", name, f.Name(), maxIterations)
		return nil
	}}
}

// ReductionRegionsPass returns the pass wrapping reductions and their input slices into reduction regions.
func ReductionRegionsPass() FunctionPass {
	return &analysisPass{FunctionPassFunc{PassName: PassReductionRegions, Fn: func(pc *PassContext, f *ir.Function) error {
		dispatchable, err := pc.Dispatchable(f)
		if err != nil {
			return err
		}
		IdentifyReductionRegions(f, dispatchable)
		return nil
	}}}
}

// OutlinePass returns the module pass outlining all regions into executables.
func OutlinePass() ModulePass {
	return &ModulePassFunc{PassName: PassOutline, Fn: func(_ *PassContext, m *ir.Module) error {
		_, err := OutlineRegions(m)
		return err
	}}
}

// DeduplicatePass returns the module pass merging identical executables.
func DeduplicatePass() ModulePass {
	return &ModulePassFunc{PassName: PassDeduplicateExecutables, Fn: func(_ *PassContext, m *ir.Module) error {
		DeduplicateExecutables(m)
		return nil
	}}
}

// AssignWorkloadsPass returns the module pass finalizing the executables workloads.
func AssignWorkloadsPass() ModulePass {
	return &ModulePassFunc{PassName: PassAssignWorkloads, Fn: func(pc *PassContext, m *ir.Module) error {
		AssignWorkloads(m, pc.Sink)
		return nil
	}}
}

// VerifyPass returns the module pass verifying the module.
func VerifyPass() ModulePass {
	return &ModulePassFunc{PassName: PassVerify, Fn: func(_ *PassContext, m *ir.Module) error {
		return m.Verify()
	}}
}

// BuildPipeline returns the passes of the partitioning pipeline configured by opts:
//
//	reconcile-shapes, dispatchability, identify-regions, fold-to-fixed-point
//	(fold-regions, rematerialize-constants), dispatchability, reduction-regions, outline,
//	deduplicate-executables, assign-workloads, verify
//
// Disabled steps are left out. Reduction regions read an analysis refreshed after folding, since
// folding changes the functions.
func BuildPipeline(opts Options) []Pass {
	passes := []Pass{ReconcileShapesPass(), DispatchabilityPass(), IdentifyRegionsPass()}
	var fixedPoint []FunctionPass
	if opts.FoldRegions {
		fixedPoint = append(fixedPoint, FoldRegionsPass())
	}
	if opts.RematerializeConstants {
		fixedPoint = append(fixedPoint, RematerializePass())
	}
	if len(fixedPoint) > 0 {
		passes = append(passes, FixedPointPass(PassFoldToFixedPoint, opts.MaxFoldIterations, fixedPoint...))
	}
	passes = append(passes, DispatchabilityPass(), ReductionRegionsPass(), OutlinePass())
	if opts.DeduplicateExecutables {
		passes = append(passes, DeduplicatePass())
	}
	passes = append(passes, AssignWorkloadsPass(), VerifyPass())
	return passes
}

// Pipeline is the configured partitioning pipeline. Create it with NewPipeline, adjust it with
// the chainable setters, and run it with Run.
type Pipeline struct {
	opts  Options
	sink  Sink
	stats *Stats
	diags hcl.Diagnostics
}

// NewPipeline returns a pipeline configured by opts.
func NewPipeline(opts Options) *Pipeline {
	return &Pipeline{opts: opts}
}

// Options returns the pipeline configuration.
func (p *Pipeline) Options() Options { return p.opts }

// WithSink sets where diagnostics are sent, besides being collected. Nil logs them with klog.
func (p *Pipeline) WithSink(sink Sink) *Pipeline {
	p.sink = sink
	return p
}

// WithParallelism bounds the number of functions processed concurrently.
func (p *Pipeline) WithParallelism(n int) *Pipeline {
	p.opts.Parallelism = n
	return p
}

// WithConstantSizeThreshold sets the largest constant, in bytes, cloned into regions.
func (p *Pipeline) WithConstantSizeThreshold(bytes int) *Pipeline {
	p.opts.ConstantSizeThreshold = bytes
	return p
}

// FailFast stops the pipeline at the first failing function.
func (p *Pipeline) FailFast() *Pipeline {
	p.opts.FailFast = true
	return p
}

// DisableFolding keeps the regions as identified, without merging them.
func (p *Pipeline) DisableFolding() *Pipeline {
	p.opts.FoldRegions = false
	return p
}

// DisableRematerialization keeps constants shared between regions.
func (p *Pipeline) DisableRematerialization() *Pipeline {
	p.opts.RematerializeConstants = false
	return p
}

// DisableDeduplication keeps identical executables separate.
func (p *Pipeline) DisableDeduplication() *Pipeline {
	p.opts.DeduplicateExecutables = false
	return p
}

// Passes returns the names of the passes the pipeline runs, in order.
func (p *Pipeline) Passes() []string {
	return NewPassManager(p.opts, p.sink).Add(BuildPipeline(p.opts)...).Passes()
}

// Run partitions the module in place.
//
// Functions on which a pass failed are left as they were before that pass, and the failures are
// returned in a *FailureError, unless FailFast is set, in which case the first failure stops the run.
func (p *Pipeline) Run(ctx context.Context, m *ir.Module) error {
	pm := NewPassManager(p.opts, p.sink).Add(BuildPipeline(p.opts)...)
	klog.V(1).Infof("pipeline: %d functions, passes %v", len(m.Functions()), pm.Passes())
	err := pm.Run(ctx, m)
	p.stats, p.diags = pm.Stats(), pm.Diagnostics()
	if err != nil {
		klog.V(1).Infof("pipeline: failed: %v", err)
	}
	return err
}

// Stats returns the statistics of the last run, or nil.
func (p *Pipeline) Stats() *Stats { return p.stats }

// Diagnostics returns all the diagnostics emitted during the last run.
func (p *Pipeline) Diagnostics() hcl.Diagnostics { return p.diags }

// Run partitions the module in place with the pipeline configured by opts. Diagnostics go to sink,
// or are logged if sink is nil. The statistics of the run are returned even on failure.
func Run(ctx context.Context, m *ir.Module, opts Options, sink Sink) (*Stats, error) {
	p := NewPipeline(opts).WithSink(sink)
	err := p.Run(ctx, m)
	return p.Stats(), err
}
