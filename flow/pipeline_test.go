package flow

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gomlx/flow-gomlx/ir"
	"github.com/hashicorp/hcl/v2"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

func testOptions() Options {
	opts := DefaultOptions()
	opts.Parallelism = 2
	opts.VerifyEach = true
	return opts
}

func TestPipeline(t *testing.T) {
	m, main := buildRepeatedExp(t, f32(4))
	collector := NewCollector()
	p := NewPipeline(testOptions()).WithSink(collector)
	require.NoError(t, p.Run(context.Background(), m))
	require.NoError(t, m.Verify())

	assert.Empty(t, markersOf(main))
	require.Len(t, m.Executables(), 1, "both exp regions share one executable")
	e := m.Executables()[0]
	assert.True(t, e.Workload.Equal(ir.StaticWorkload(4)))
	assert.Len(t, dispatchesOf(main), 2)
	assert.False(t, collector.HasErrors())

	stats := p.Stats()
	require.NotNil(t, stats)
	var passes []string
	for _, r := range stats.Records() {
		if len(passes) == 0 || passes[len(passes)-1] != r.Pass {
			passes = append(passes, r.Pass)
		}
		assert.False(t, r.Failed)
	}
	assert.Equal(t, p.Passes(), passes)
}

func TestBuildPipeline(t *testing.T) {
	names := func(passes []Pass) []string {
		result := make([]string, len(passes))
		for i, p := range passes {
			result[i] = p.Name()
		}
		return result
	}
	assert.Equal(t, []string{
		PassReconcileShapes, PassDispatchability, PassIdentifyRegions, PassFoldToFixedPoint,
		PassDispatchability, PassReductionRegions, PassOutline, PassDeduplicateExecutables,
		PassAssignWorkloads, PassVerify,
	}, names(BuildPipeline(DefaultOptions())))

	opts := DefaultOptions()
	opts.FoldRegions, opts.RematerializeConstants, opts.DeduplicateExecutables = false, false, false
	assert.Equal(t, []string{
		PassReconcileShapes, PassDispatchability, PassIdentifyRegions,
		PassDispatchability, PassReductionRegions, PassOutline,
		PassAssignWorkloads, PassVerify,
	}, names(BuildPipeline(opts)))

	p := NewPipeline(DefaultOptions()).DisableFolding().DisableDeduplication().FailFast().WithParallelism(3)
	assert.False(t, p.Options().FoldRegions)
	assert.False(t, p.Options().DeduplicateExecutables)
	assert.True(t, p.Options().FailFast)
	assert.Equal(t, 3, p.Options().Parallelism)
	assert.Contains(t, p.Passes(), PassFoldToFixedPoint, "rematerialization still runs")
}

func TestPipelineWithoutFolding(t *testing.T) {
	tt := f32(16)
	main := ir.NewFunction("main", []ir.Type{tt, tt}, []ir.Type{tt, tt})
	b := ir.NewBuilder(main.Body())
	b.Return(b.Exp(main.Arg(0)), b.Neg(main.Arg(1)))
	m := newModule(t, main)
	require.NoError(t, NewPipeline(testOptions()).DisableFolding().Run(context.Background(), m))
	assert.Len(t, m.Executables(), 2)

	main = ir.NewFunction("main", []ir.Type{tt, tt}, []ir.Type{tt, tt})
	b = ir.NewBuilder(main.Body())
	b.Return(b.Exp(main.Arg(0)), b.Neg(main.Arg(1)))
	m = newModule(t, main)
	require.NoError(t, NewPipeline(testOptions()).Run(context.Background(), m))
	assert.Len(t, m.Executables(), 1)
}

// failingPass mutates every function, then fails on those whose name starts with "bad".
type failingPass struct{ panics bool }

func (*failingPass) Name() string { return "failing" }

func (p *failingPass) RunOnFunction(_ *PassContext, f *ir.Function) error {
	ret := f.ReturnOp()
	neg := ir.NewBuilderBefore(ret).Neg(ret.Operand(0))
	ret.SetOperand(0, neg)
	if strings.HasPrefix(f.Name(), "bad") {
		if p.panics {
			panic(errors.Errorf("broken invariant in %q", f.Name()))
		}
		return errors.Errorf("can't handle %q", f.Name())
	}
	return nil
}

func identityModule(t *testing.T, names ...string) *ir.Module {
	var functions []*ir.Function
	for _, name := range names {
		f := ir.NewFunction(name, []ir.Type{f32(4)}, []ir.Type{f32(4)})
		ir.NewBuilder(f.Body()).Return(f.Arg(0))
		functions = append(functions, f)
	}
	return newModule(t, functions...)
}

func TestPassManagerFailureIsolation(t *testing.T) {
	for _, panics := range []bool{false, true} {
		m := identityModule(t, "good1", "bad1", "good2", "bad2")
		before := make(map[string]string)
		for _, f := range m.Functions() {
			before[f.Name()] = f.String()
		}
		pm := NewPassManager(testOptions(), NewCollector()).Add(&failingPass{panics: panics})
		err := pm.Run(context.Background(), m)
		require.Error(t, err)

		var failure *FailureError
		require.True(t, errors.As(err, &failure))
		diags := failure.Diagnostics
		require.Len(t, diags, 2)
		assert.Contains(t, diags[0].Summary, `"bad1"`)
		assert.Contains(t, diags[1].Summary, `"bad2"`)

		for _, f := range m.Functions() {
			require.NoError(t, f.Verify())
			if strings.HasPrefix(f.Name(), "bad") {
				assert.Equal(t, before[f.Name()], f.String(), "failed function must be restored")
			} else {
				assert.NotEqual(t, before[f.Name()], f.String())
			}
		}
		assert.True(t, pm.Diagnostics().HasErrors())

		failed := 0
		for _, r := range pm.Stats().Records() {
			if r.Failed {
				failed++
			}
		}
		assert.Equal(t, 2, failed)
	}
}

func TestPassManagerFailureMessage(t *testing.T) {
	located := ir.NewFunction("bad_located", []ir.Type{f32(4)}, []ir.Type{f32(4)})
	ir.NewBuilder(located.Body()).At(ir.Loc("model.py", 7, 2)).Return(located.Arg(0))
	unlocated := ir.NewFunction("bad_unlocated", []ir.Type{f32(4)}, []ir.Type{f32(4)})
	ir.NewBuilder(unlocated.Body()).Return(unlocated.Arg(0))
	m := newModule(t, located, unlocated)

	collector := NewCollector()
	err := NewPassManager(testOptions(), collector).Add(&failingPass{}).Run(context.Background(), m)
	require.Error(t, err)
	var failure *FailureError
	require.True(t, errors.As(err, &failure))
	require.Len(t, failure.Diagnostics, 2)
	require.NotNil(t, failure.Diagnostics[0].Subject)
	assert.Equal(t, "model.py", failure.Diagnostics[0].Subject.Filename)
	assert.Equal(t, 7, failure.Diagnostics[0].Subject.Start.Line)
	assert.Nil(t, failure.Diagnostics[1].Subject)

	msg := err.Error()
	assert.NotContains(t, msg, "<nil>")
	assert.True(t, strings.HasPrefix(msg, "model.py:7,2-2: "), msg)
	assert.Contains(t, msg, `pass "failing" failed on function "bad_unlocated": can't handle "bad_unlocated"`)

	// The sink gets the same locations, in completion order.
	var locatedSubjects []*hcl.Range
	for _, diag := range collector.Diagnostics() {
		if diag.Subject != nil {
			locatedSubjects = append(locatedSubjects, diag.Subject)
		}
	}
	require.Len(t, locatedSubjects, 1)
	assert.Equal(t, "model.py", locatedSubjects[0].Filename)
}

func TestPassManagerFailFast(t *testing.T) {
	m := identityModule(t, "bad1", "good1")
	opts := testOptions()
	opts.FailFast = true
	opts.Parallelism = 1
	var ran []string
	pm := NewPassManager(opts, NewCollector()).Add(
		&failingPass{},
		&FunctionPassFunc{PassName: "after", Fn: func(_ *PassContext, f *ir.Function) error {
			ran = append(ran, f.Name())
			return nil
		}},
	)
	err := pm.Run(context.Background(), m)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"bad1"`)
	assert.Empty(t, ran, "no pass runs after a failure with FailFast")
}

func TestPassManagerStaleAnalysis(t *testing.T) {
	m, _ := buildSeparatedChain(t)
	opts := testOptions()
	opts.RecomputeStaleAnalysis = false
	mutate := &FunctionPassFunc{PassName: "mutate", Fn: func(_ *PassContext, f *ir.Function) error {
		f.Body().Op(0).SetAttr("touched", ir.IntsValue([]int{1}))
		return nil
	}}
	pm := NewPassManager(opts, NewCollector()).Add(DispatchabilityPass(), mutate, IdentifyRegionsPass())
	err := pm.Run(context.Background(), m)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStaleAnalysis))

	// With recomputation the analysis is refreshed before it's needed.
	m, main := buildSeparatedChain(t)
	opts.RecomputeStaleAnalysis = true
	pm = NewPassManager(opts, NewCollector()).Add(DispatchabilityPass(), mutate, IdentifyRegionsPass())
	require.NoError(t, pm.Run(context.Background(), m))
	assert.Len(t, markersOf(main), 2)
}

func TestPassManagerModulePassFailure(t *testing.T) {
	m := identityModule(t, "f")
	ran := false
	pm := NewPassManager(testOptions(), NewCollector()).Add(
		&ModulePassFunc{PassName: "broken", Fn: func(*PassContext, *ir.Module) error { return errors.New("boom") }},
		&ModulePassFunc{PassName: "after", Fn: func(*PassContext, *ir.Module) error { ran = true; return nil }},
	)
	err := pm.Run(context.Background(), m)
	require.ErrorContains(t, err, "boom")
	assert.False(t, ran)
}

func TestPassManagerCancellation(t *testing.T) {
	m := identityModule(t, "f")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	pm := NewPassManager(testOptions(), NewCollector()).Add(&failingPass{})
	require.ErrorIs(t, pm.Run(ctx, m), context.Canceled)
	assert.Empty(t, pm.Stats().Records())
}

func TestRunOnFunction(t *testing.T) {
	_, main := buildSeparatedChain(t)
	pm := NewPassManager(testOptions(), NewCollector()).Add(IdentifyRegionsPass())
	require.NoError(t, pm.RunOnFunction(context.Background(), main))
	assert.Len(t, markersOf(main), 2)

	pm = NewPassManager(testOptions(), NewCollector()).Add(OutlinePass())
	require.Error(t, pm.RunOnFunction(context.Background(), main))
}

func TestManifest(t *testing.T) {
	m, _ := buildRepeatedExp(t, f32(4))
	require.NoError(t, NewPipeline(testOptions()).Run(context.Background(), m))

	s := must.M1(Manifest(m))
	executables := s.Fields["executables"].GetListValue().GetValues()
	require.Len(t, executables, 1)
	entry := executables[0].GetStructValue().GetFields()
	assert.Equal(t, "main_ex_dispatch_0", entry["name"].GetStringValue())
	assert.Equal(t, "dispatch", entry["kind"].GetStringValue())
	assert.Equal(t, 2.0, entry["call_sites"].GetNumberValue())
	workload := entry["workload"].GetListValue().GetValues()
	require.Len(t, workload, 1)
	assert.Equal(t, 4.0, workload[0].GetNumberValue())

	data := must.M1(MarshalManifest(m, false))
	var decoded structpb.Struct
	require.NoError(t, proto.Unmarshal(data, &decoded))
	assert.True(t, proto.Equal(s, &decoded))

	jsonData := must.M1(MarshalManifest(m, true))
	assert.Contains(t, string(jsonData), `"main_ex_dispatch_0"`)
}

func TestStatsParquet(t *testing.T) {
	m, _ := buildSeparatedChain(t)
	stats, err := Run(context.Background(), m, testOptions(), NewCollector())
	require.NoError(t, err)
	records := stats.Records()
	require.NotEmpty(t, records)

	path := filepath.Join(t.TempDir(), "stats.parquet")
	require.NoError(t, stats.WriteParquet(path))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Positive(t, info.Size())

	read, err := ReadStatsParquet(path)
	require.NoError(t, err)
	assert.Equal(t, records, read)
	assert.Contains(t, stats.TotalDuration(), PassOutline)
}

func TestOptionsHCL(t *testing.T) {
	opts, err := ParseOptions([]byte(`
pipeline {
  constant_size_threshold = 64
  parallelism             = 2
  fail_fast               = true
  fold_regions            = false
}
`), "pipeline.hcl")
	require.NoError(t, err)
	assert.Equal(t, 64, opts.ConstantSizeThreshold)
	assert.Equal(t, 2, opts.Parallelism)
	assert.True(t, opts.FailFast)
	assert.False(t, opts.FoldRegions)
	// Defaults kept for what's not given.
	assert.True(t, opts.RematerializeConstants)
	assert.Equal(t, DefaultOptions().MaxFoldIterations, opts.MaxFoldIterations)

	// Empty file: defaults.
	opts, err = ParseOptions(nil, "empty.hcl")
	require.NoError(t, err)
	assert.Equal(t, DefaultOptions(), opts)

	path := filepath.Join(t.TempDir(), "flow.hcl")
	require.NoError(t, os.WriteFile(path, []byte("pipeline {\n  max_fold_iterations = 3\n}\n"), 0o644))
	opts = must.M1(LoadOptionsFile(path))
	assert.Equal(t, 3, opts.MaxFoldIterations)

	for name, src := range map[string]string{
		"unknown attribute": `pipeline { colour = "red" }`,
		"wrong type":        `pipeline { parallelism = "many" }`,
		"invalid value":     `pipeline { parallelism = 0 }`,
		"duplicate block":   "pipeline {}\npipeline {}\n",
		"syntax":            `pipeline {`,
	} {
		_, err := ParseOptions([]byte(src), name+".hcl")
		assert.Error(t, err, name)
	}
}
