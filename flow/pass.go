package flow

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/flow-gomlx/ir"
	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/hashicorp/hcl/v2"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// Pass is a stage of the pipeline. It must also implement FunctionPass or ModulePass.
type Pass interface {
	// Name returns the pass name, used in logs, diagnostics and statistics.
	Name() string
}

// FunctionPass transforms one function at a time. It may only read and change the function it
// is given, since functions are processed concurrently.
type FunctionPass interface {
	Pass
	RunOnFunction(pc *PassContext, f *ir.Function) error
}

// ModulePass transforms the whole module.
type ModulePass interface {
	Pass
	RunOnModule(pc *PassContext, m *ir.Module) error
}

// analysisConsumer is implemented by passes that read the dispatchability analysis.
type analysisConsumer interface {
	requiresDispatchability()
}

// PassContext is the state shared by the passes of one pipeline run.
type PassContext struct {
	Options Options
	Sink    Sink

	analysis *Dispatchability
}

// Dispatchable returns the dispatchable operations of f, from the current analysis.
// It fails with ErrStaleAnalysis if f changed since the analysis was built.
func (pc *PassContext) Dispatchable(f *ir.Function) (sets.Set[*ir.Operation], error) {
	if pc.analysis == nil {
		return nil, errors.Wrap(ErrStaleAnalysis, "dispatchability analysis was never run")
	}
	return pc.analysis.Lookup(f)
}

// Analysis returns the current dispatchability analysis, or nil.
func (pc *PassContext) Analysis() *Dispatchability { return pc.analysis }

// SetAnalysis publishes a new dispatchability analysis.
func (pc *PassContext) SetAnalysis(d *Dispatchability) { pc.analysis = d }

// PassManager runs a sequence of passes over a module.
//
// Function passes process the functions of the module concurrently, up to Options.Parallelism.
// A function pass failing on a function (returning an error or panicking) leaves that function
// as it was before the pass, and is reported as an error diagnostic. With Options.FailFast the
// run stops there; otherwise the remaining functions and passes run, and all failures are
// returned at the end in a *FailureError. Stale analyses and module pass failures always stop the run.
type PassManager struct {
	passes    []Pass
	pc        *PassContext
	collector *Collector
	stats     *Stats
}

// NewPassManager creates a pass manager. Diagnostics are collected and also sent to sink;
// if sink is nil they are logged with klog.
func NewPassManager(opts Options, sink Sink) *PassManager {
	if sink == nil {
		sink = KlogSink{}
	}
	collector := NewCollector()
	return &PassManager{
		pc:        &PassContext{Options: opts, Sink: Tee(collector, sink)},
		collector: collector,
		stats:     &Stats{},
	}
}

// Add appends passes to the pipeline.
func (pm *PassManager) Add(passes ...Pass) *PassManager {
	pm.passes = append(pm.passes, passes...)
	return pm
}

// Passes returns the names of the passes, in order.
func (pm *PassManager) Passes() []string {
	names := make([]string, len(pm.passes))
	for i, p := range pm.passes {
		names[i] = p.Name()
	}
	return names
}

// Context returns the pass context, holding the options and the current analysis.
func (pm *PassManager) Context() *PassContext { return pm.pc }

// Diagnostics returns all diagnostics emitted so far.
func (pm *PassManager) Diagnostics() hcl.Diagnostics { return pm.collector.Diagnostics() }

// Stats returns the statistics recorded so far.
func (pm *PassManager) Stats() *Stats { return pm.stats }

// FailureError is returned when a function pass failed on some functions. The failed functions
// were left as they were before the pass.
type FailureError struct {
	Diagnostics hcl.Diagnostics
}

// Error implements error. Diagnostics without a subject are printed without a location.
func (e *FailureError) Error() string {
	var sb strings.Builder
	for i, diag := range e.Diagnostics {
		if i > 0 {
			sb.WriteString("; ")
		}
		if diag.Subject != nil {
			fmt.Fprintf(&sb, "%s: ", diag.Subject)
		}
		sb.WriteString(diag.Summary)
		if diag.Detail != "" {
			fmt.Fprintf(&sb, ": %s", diag.Detail)
		}
	}
	return sb.String()
}

// functionLoc returns the first known location of the operations of f, or ir.UnknownLoc.
func functionLoc(f *ir.Function) ir.Location {
	for _, op := range f.Body().Ops() {
		if op.Loc.IsKnown() {
			return op.Loc
		}
	}
	return ir.UnknownLoc
}

type passFailure struct {
	index int
	diag  *hcl.Diagnostic
}

// Run runs all passes on the module. The context is checked between passes and between functions.
func (pm *PassManager) Run(ctx context.Context, m *ir.Module) error {
	if err := pm.pc.Options.Validate(); err != nil {
		return err
	}
	var failures hcl.Diagnostics
	for index, p := range pm.passes {
		if err := ctx.Err(); err != nil {
			return err
		}
		pm.refreshAnalysis(p, m)
		var err error
		switch p := p.(type) {
		case FunctionPass:
			var passFailures hcl.Diagnostics
			passFailures, err = pm.runFunctionPass(ctx, index, p, m.Functions())
			failures = append(failures, passFailures...)
		case ModulePass:
			err = pm.runModulePass(index, p, m)
		default:
			err = errors.Errorf("pass %q is neither a FunctionPass nor a ModulePass", p.Name())
		}
		if err != nil {
			return err
		}
		if pm.pc.Options.VerifyEach {
			if err := m.Verify(); err != nil {
				return errors.WithMessagef(err, "module verification failed after pass %q", p.Name())
			}
		}
	}
	if len(failures) > 0 {
		return &FailureError{Diagnostics: failures}
	}
	return nil
}

// RunOnFunction runs the function passes on f alone. It fails if the pipeline has module passes.
func (pm *PassManager) RunOnFunction(ctx context.Context, f *ir.Function) error {
	var failures hcl.Diagnostics
	for index, p := range pm.passes {
		fp, ok := p.(FunctionPass)
		if !ok {
			return errors.Errorf("pass %q can't run on a single function", p.Name())
		}
		if _, ok := p.(analysisConsumer); ok && pm.pc.Options.RecomputeStaleAnalysis && f.Module() != nil &&
			pm.pc.analysis.IsStale(f.Module()) {
			pm.pc.analysis = AnalyzeDispatchability(f.Module(), pm.pc.Sink)
		}
		passFailures, err := pm.runFunctionPass(ctx, index, fp, []*ir.Function{f})
		if err != nil {
			return err
		}
		failures = append(failures, passFailures...)
	}
	if len(failures) > 0 {
		return &FailureError{Diagnostics: failures}
	}
	return nil
}

// refreshAnalysis rebuilds the dispatchability analysis before a pass that reads it, if stale.
func (pm *PassManager) refreshAnalysis(p Pass, m *ir.Module) {
	if _, ok := p.(analysisConsumer); !ok || !pm.pc.Options.RecomputeStaleAnalysis {
		return
	}
	if pm.pc.analysis.IsStale(m) {
		klog.V(1).Infof("pass manager: recomputing dispatchability analysis before %q", p.Name())
		pm.pc.analysis = AnalyzeDispatchability(m, pm.pc.Sink)
	}
}

func (pm *PassManager) runFunctionPass(ctx context.Context, index int, p FunctionPass, functions []*ir.Function) (hcl.Diagnostics, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(pm.pc.Options.Parallelism, 1))
	var mu sync.Mutex
	var failures []passFailure
	for i, f := range functions {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			err := pm.runOnFunction(index, p, f)
			if err == nil {
				return nil
			}
			if errors.Is(err, ErrStaleAnalysis) {
				return errors.WithMessagef(err, "pass %q", p.Name())
			}
			loc := functionLoc(f)
			diag := &hcl.Diagnostic{
				Severity: SeverityError,
				Summary:  fmt.Sprintf("pass %q failed on function %q", p.Name(), f.Name()),
				Detail:   err.Error(),
			}
			if loc.IsKnown() {
				rng := loc.Range()
				diag.Subject = &rng
			}
			pm.pc.Sink.Emit(loc, SeverityError, diag.Summary+": "+diag.Detail)
			mu.Lock()
			failures = append(failures, passFailure{index: i, diag: diag})
			mu.Unlock()
			if pm.pc.Options.FailFast {
				return &FailureError{Diagnostics: hcl.Diagnostics{diag}}
			}
			return nil
		})
	}
	err := g.Wait()
	slices.SortFunc(failures, func(a, b passFailure) int { return a.index - b.index })
	diags := make(hcl.Diagnostics, len(failures))
	for i, failure := range failures {
		diags[i] = failure.diag
	}
	return diags, err
}

// runOnFunction runs p on f, restoring f if it fails.
func (pm *PassManager) runOnFunction(index int, p FunctionPass, f *ir.Function) error {
	snapshot := f.Clone(f.Name())
	opsBefore := f.NumOps()
	start := time.Now()
	var err error
	if panicErr := exceptions.TryCatch[error](func() { err = p.RunOnFunction(pm.pc, f) }); panicErr != nil {
		err = errors.WithMessagef(panicErr, "panic in pass %q", p.Name())
	}
	if err == nil {
		err = f.Verify()
	}
	if err != nil {
		f.Restore(snapshot)
	}
	pm.stats.Add(PassStat{
		PassIndex:     int64(index),
		Pass:          p.Name(),
		Function:      f.Name(),
		DurationNanos: time.Since(start).Nanoseconds(),
		OpsBefore:     int64(opsBefore),
		OpsAfter:      int64(f.NumOps()),
		Failed:        err != nil,
	})
	return err
}

func (pm *PassManager) runModulePass(index int, p ModulePass, m *ir.Module) error {
	opsBefore := moduleOps(m)
	start := time.Now()
	var err error
	if panicErr := exceptions.TryCatch[error](func() { err = p.RunOnModule(pm.pc, m) }); panicErr != nil {
		err = errors.WithMessagef(panicErr, "panic in pass %q", p.Name())
	}
	pm.stats.Add(PassStat{
		PassIndex:     int64(index),
		Pass:          p.Name(),
		DurationNanos: time.Since(start).Nanoseconds(),
		OpsBefore:     int64(opsBefore),
		OpsAfter:      int64(moduleOps(m)),
		Failed:        err != nil,
	})
	if err != nil {
		pm.pc.Sink.Emit(ir.UnknownLoc, SeverityError, fmt.Sprintf("pass %q failed: %v", p.Name(), err))
		return errors.WithMessagef(err, "pass %q", p.Name())
	}
	return nil
}

func moduleOps(m *ir.Module) int {
	count := 0
	for _, f := range m.Functions() {
		count += f.NumOps()
	}
	for _, e := range m.Executables() {
		count += e.Entry.NumOps()
	}
	return count
}
