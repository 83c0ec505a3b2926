package flow

import (
	"testing"

	"github.com/gomlx/flow-gomlx/ir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"
)

// partition runs region identification, folding and reduction identification on every function.
func partition(t *testing.T, m *ir.Module) {
	t.Helper()
	for _, f := range m.Functions() {
		IdentifyRegions(f, dispatchableOps(t, m, f))
		FoldRegions(f, 0)
	}
	for _, f := range m.Functions() {
		IdentifyReductionRegions(f, dispatchableOps(t, m, f))
	}
	require.NoError(t, m.Verify())
}

func dispatchesOf(f *ir.Function) []*ir.Operation {
	var dispatches []*ir.Operation
	f.Walk(func(op *ir.Operation) {
		if op.Kind() == ir.OpDispatch {
			dispatches = append(dispatches, op)
		}
	})
	return dispatches
}

// buildRepeatedExp builds: exp(x) -> host -> exp, where both exp regions compute the same thing.
func buildRepeatedExp(t *testing.T, tt ir.Type) (*ir.Module, *ir.Function) {
	main := ir.NewFunction("main", []ir.Type{tt}, []ir.Type{tt})
	b := ir.NewBuilder(main.Body())
	a := b.Exp(main.Arg(0))
	h := b.Call("host", []*ir.Value{a}, []ir.Type{tt}).Result(0)
	b.Return(b.Exp(h))
	return newModule(t, hostIdentity("host", tt), main), main
}

func TestOutlineRegions(t *testing.T) {
	m, main := buildSeparatedChain(t)
	partition(t, m)

	executables, err := OutlineRegions(m)
	require.NoError(t, err)
	require.NoError(t, m.Verify())
	require.Len(t, executables, 2)
	assert.Equal(t, "main_ex_dispatch_0", executables[0].Name)
	assert.Equal(t, "main_ex_dispatch_1", executables[1].Name)
	assert.Equal(t, ir.DispatchExecutable, executables[0].Kind)
	assert.Empty(t, markersOf(main))

	// The first region holds the constant: its only operand is the function argument.
	e0 := executables[0]
	assert.Equal(t, []ir.Type{f32(128)}, e0.Entry.ArgTypes())
	assert.Equal(t, []ir.Type{f32(128)}, e0.Entry.ResultTypes())
	assert.Equal(t, []ir.OpKind{ir.OpConstant, ir.OpAdd, ir.OpExp, ir.OpReturn}, kinds(e0.Entry.Body().Ops()))

	dispatches := dispatchesOf(main)
	require.Len(t, dispatches, 2)
	assert.Equal(t, "main_ex_dispatch_0", dispatches[0].StringAttr(ir.AttrExecutable))
	assert.Equal(t, main.Arg(0), dispatches[0].Operand(0))
	assert.True(t, dispatches[0].Workload.Equal(ir.StaticWorkload(128)))
	assert.Equal(t, dispatches[0].Result(0), main.Body().Op(1).Operand(0), "host call reads the dispatch result")
	assert.Equal(t, main.ReturnOp().Operand(0), dispatches[1].Result(0))
}

func TestOutlineNameCollision(t *testing.T) {
	tt := f32(4)
	taken := ir.NewFunction("main_ex_dispatch_0", []ir.Type{tt}, []ir.Type{tt})
	ir.NewBuilder(taken.Body()).Return(taken.Arg(0))
	main := ir.NewFunction("main", []ir.Type{tt}, []ir.Type{tt})
	b := ir.NewBuilder(main.Body())
	b.Return(b.Neg(main.Arg(0)))
	m := newModule(t, taken, main)
	partition(t, m)

	executables, err := OutlineRegions(m)
	require.NoError(t, err)
	require.Len(t, executables, 1)
	assert.Equal(t, "main_ex_dispatch_0_1", executables[0].Name)
	assert.NotNil(t, m.LookupFunction("main_ex_dispatch_0"))
}

func TestOutlineReduction(t *testing.T) {
	main := ir.NewFunction("main", []ir.Type{f32(4, 8), f32(4)}, []ir.Type{f32(4)})
	b := ir.NewBuilder(main.Body())
	init := main.Arg(1)
	b.Return(b.Reduce(ir.OpReduceSum, b.Exp(main.Arg(0)), init, 1))
	m := newModule(t, main)
	partition(t, m)
	require.Len(t, markersOf(main), 1)

	executables, err := OutlineRegions(m)
	require.NoError(t, err)
	require.NoError(t, m.Verify())
	require.Len(t, executables, 1)
	e := executables[0]
	assert.Equal(t, "main_ex_reduce_0", e.Name)
	assert.Equal(t, ir.ReductionExecutable, e.Kind)
	assert.Equal(t, 1, e.AccumulatorOperand)
	assert.Equal(t, 0, e.AccumulatorResult)
	assert.Equal(t, []ir.OpKind{ir.OpExp, ir.OpReduceSum, ir.OpReturn}, kinds(e.Entry.Body().Ops()))

	dispatch := dispatchesOf(main)[0]
	assert.Equal(t, init, dispatch.Operand(1))
	pair, err := dispatch.IntsAttr(ir.AttrAccumulator)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 0}, pair)
	assert.True(t, dispatch.Workload.Equal(ir.StaticWorkload(4, 8)))
}

func TestOutlineClonesCallees(t *testing.T) {
	tt := f32(4)
	square := ir.NewFunction("square", []ir.Type{tt}, []ir.Type{tt})
	sb := ir.NewBuilder(square.Body())
	sb.Return(sb.Mul(square.Arg(0), square.Arg(0)))
	main := ir.NewFunction("main", []ir.Type{tt}, []ir.Type{tt})
	b := ir.NewBuilder(main.Body())
	sq := b.Call("square", []*ir.Value{b.Neg(main.Arg(0))}, []ir.Type{tt}).Result(0)
	b.Return(b.Exp(sq))
	m := newModule(t, square, main)
	partition(t, m)

	executables, err := OutlineRegions(m)
	require.NoError(t, err)
	require.NoError(t, m.Verify())

	// "square" itself became a function with one dispatch; main's executable calls a private,
	// unpartitioned copy of it.
	var mainExecutable *ir.Executable
	for _, e := range executables {
		if e.Name == "main_ex_dispatch_0" {
			mainExecutable = e
		}
	}
	require.NotNil(t, mainExecutable)
	require.Len(t, mainExecutable.Callees, 1)
	callee := mainExecutable.Callees[0]
	assert.Equal(t, "square", callee.Name())
	assert.Equal(t, []ir.OpKind{ir.OpMul, ir.OpReturn}, kinds(callee.Body().Ops()))
	call := mainExecutable.Entry.Body().Op(1)
	require.Equal(t, ir.OpCall, call.Kind())
	assert.Equal(t, callee, ir.ResolveCallee(call))
	assert.Len(t, dispatchesOf(m.LookupFunction("square")), 1)
}

func TestDeduplicateExecutables(t *testing.T) {
	m, main := buildRepeatedExp(t, f32(4))
	partition(t, m)
	executables, err := OutlineRegions(m)
	require.NoError(t, err)
	require.Len(t, executables, 2)

	assert.Equal(t, 1, DeduplicateExecutables(m))
	require.NoError(t, m.Verify())
	require.Len(t, m.Executables(), 1)
	assert.Nil(t, m.LookupExecutable("main_ex_dispatch_1"))
	for _, dispatch := range dispatchesOf(main) {
		assert.Equal(t, "main_ex_dispatch_0", dispatch.StringAttr(ir.AttrExecutable))
	}
	assert.Equal(t, 0, DeduplicateExecutables(m))
}

func TestAssignWorkloadsAgree(t *testing.T) {
	m, main := buildRepeatedExp(t, f32(4))
	partition(t, m)
	_, err := OutlineRegions(m)
	require.NoError(t, err)
	DeduplicateExecutables(m)

	collector := NewCollector()
	AssignWorkloads(m, collector)
	assert.Empty(t, collector.Diagnostics())
	e := m.LookupExecutable("main_ex_dispatch_0")
	require.NotNil(t, e)
	assert.True(t, e.Workload.Equal(ir.StaticWorkload(4)))
	assert.True(t, e.Attrs[ir.AttrWorkload].Equals(cty.ListVal([]cty.Value{cty.NumberIntVal(4)})).True())
	for _, dispatch := range dispatchesOf(main) {
		_, found := dispatch.Attr(ir.AttrWorkload)
		assert.False(t, found)
	}
}

func TestAssignWorkloadsDisagree(t *testing.T) {
	// Both exps have a dynamic dimension, of different provenance: the executable is shared, but
	// its workload can only be given per call site.
	m, main := buildRepeatedExp(t, f32(ir.DynamicDim))
	partition(t, m)
	_, err := OutlineRegions(m)
	require.NoError(t, err)
	require.Equal(t, 1, DeduplicateExecutables(m))

	AssignWorkloads(m, nil)
	first := m.String()
	e := m.Executables()[0]
	assert.Nil(t, e.Workload)
	_, found := e.Attrs[ir.AttrWorkload]
	assert.False(t, found)
	dispatches := dispatchesOf(main)
	require.Len(t, dispatches, 2)
	for _, dispatch := range dispatches {
		attr, found := dispatch.Attr(ir.AttrWorkload)
		require.True(t, found)
		require.Equal(t, 1, attr.LengthInt())
		assert.True(t, attr.Index(cty.NumberIntVal(0)).IsNull())
	}

	// Deterministic.
	AssignWorkloads(m, nil)
	assert.Equal(t, first, m.String())
}

func TestAssignWorkloadsWithoutCallSites(t *testing.T) {
	tt := f32(4)
	entry := ir.NewFunction("orphan", []ir.Type{tt}, []ir.Type{tt})
	b := ir.NewBuilder(entry.Body()).At(ir.Loc("model.py", 3, 1))
	b.Return(b.Neg(entry.Arg(0)))
	m := ir.NewModule()
	require.NoError(t, m.AddExecutable(ir.NewExecutable("orphan", ir.DispatchExecutable, entry)))

	collector := NewCollector()
	AssignWorkloads(m, collector)
	diags := collector.Diagnostics()
	require.Len(t, diags, 1)
	assert.Equal(t, SeverityWarning, diags[0].Severity)
	assert.Contains(t, diags[0].Summary, `"orphan" has no call sites`)
	assert.Equal(t, 3, diags[0].Subject.Start.Line)
}
