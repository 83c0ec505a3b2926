package flow

import (
	"testing"

	"github.com/gomlx/flow-gomlx/ir"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatchability(t *testing.T) {
	tt := f32(4)
	square := ir.NewFunction("square", []ir.Type{tt}, []ir.Type{tt})
	sb := ir.NewBuilder(square.Body())
	sb.Return(sb.Mul(square.Arg(0), square.Arg(0)))

	// Recursive functions are never dispatchable.
	loop := ir.NewFunction("loop", []ir.Type{tt}, []ir.Type{tt})
	lb := ir.NewBuilder(loop.Body())
	lb.Return(lb.Call("loop", []*ir.Value{lb.Neg(loop.Arg(0))}, []ir.Type{tt}).Result(0))

	main := ir.NewFunction("main", []ir.Type{tt, f32(ir.DynamicDim), ir.TensorType(dtypes.Bool, 4)}, []ir.Type{tt})
	b := ir.NewBuilder(main.Body())
	x, dyn, cond := main.Arg(0), main.Arg(1), main.Arg(2)
	sq := b.Call("square", []*ir.Value{x}, []ir.Type{tt}).Result(0)
	host := b.Call("host", []*ir.Value{sq}, []ir.Type{tt}).Result(0)
	rec := b.Call("loop", []*ir.Value{host}, []ir.Type{tt}).Result(0)
	mixed := b.Add(rec, b.Convert(dyn, dtypes.Float32)) // tensor<4> + tensor<?>
	sel := b.Select(cond, mixed, x)
	handle := b.Handle()
	b.Print(handle)
	b.Return(sel)
	m := newModule(t, square, loop, hostIdentity("host", tt), main)

	d := AnalyzeDispatchability(m, nil)
	assert.True(t, d.IsDispatchableFunction("square"))
	assert.False(t, d.IsDispatchableFunction("loop"))
	assert.False(t, d.IsDispatchableFunction("host"))

	ops, err := d.Lookup(main)
	require.NoError(t, err)
	assert.True(t, ops.Has(sq.DefiningOp()))
	assert.False(t, ops.Has(host.DefiningOp()))
	assert.False(t, ops.Has(rec.DefiningOp()))
	assert.True(t, ops.Has(mixed.DefiningOp().Operand(1).DefiningOp()), "convert")
	assert.False(t, ops.Has(mixed.DefiningOp()), "operand types differ")
	assert.True(t, ops.Has(sel.DefiningOp()), "select condition only needs the same dimensions")
	assert.False(t, ops.Has(handle.DefiningOp()))
	assert.False(t, ops.Has(main.ReturnOp()))
	assert.False(t, d.IsStale(m))
}

func TestDispatchabilityMalformedOperation(t *testing.T) {
	tt := f32(4)
	main := ir.NewFunction("main", []ir.Type{tt}, []ir.Type{tt})
	b := ir.NewBuilder(main.Body())
	bad := b.At(ir.Loc("model.py", 12, 3)).Create(ir.OpAdd, []*ir.Value{main.Arg(0)}, []ir.Type{tt}, nil)
	b.At(ir.UnknownLoc).Return(bad.Result(0))
	m := ir.NewModule()
	require.NoError(t, m.AddFunction(main))

	collector := NewCollector()
	d := AnalyzeDispatchability(m, collector)
	ops, err := d.Lookup(main)
	require.NoError(t, err)
	assert.False(t, ops.Has(bad))

	require.True(t, collector.HasErrors())
	diags := collector.Diagnostics()
	require.Len(t, diags, 1)
	assert.Contains(t, diags[0].Summary, "expects 2 operands")
	require.NotNil(t, diags[0].Subject)
	assert.Equal(t, "model.py", diags[0].Subject.Filename)
	assert.Equal(t, 12, diags[0].Subject.Start.Line)
}

func TestDispatchabilityStale(t *testing.T) {
	m, main := buildSeparatedChain(t)
	d := AnalyzeDispatchability(m, nil)
	dispatchable, err := d.Lookup(main)
	require.NoError(t, err)
	IdentifyRegions(main, dispatchable)

	assert.True(t, d.IsStale(m))
	_, err = d.Lookup(main)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStaleAnalysis))

	// Functions outside the analysis are reported, but not as stale.
	other := ir.NewFunction("other", nil, nil)
	ir.NewBuilder(other.Body()).Return()
	_, err = d.Lookup(other)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrStaleAnalysis))

	// Re-analyzing the partitioned function classifies calls the same way.
	d = AnalyzeDispatchability(m, nil)
	assert.False(t, d.IsStale(m))
	assert.False(t, d.IsDispatchableFunction("host"))
}

func TestReconcileShapes(t *testing.T) {
	static, dynamic := f32(4), f32(ir.DynamicDim)
	main := ir.NewFunction("main", []ir.Type{static, dynamic}, []ir.Type{static})
	b := ir.NewBuilder(main.Body())
	sum := b.Create(ir.OpAdd, []*ir.Value{main.Arg(0), main.Arg(1)}, []ir.Type{static}, nil)
	b.Return(sum.Result(0))
	m := newModule(t, main)

	ops := dispatchableOps(t, m, main)
	assert.False(t, ops.Has(sum))

	assert.Equal(t, 1, ReconcileShapes(main))
	require.NoError(t, main.Verify())
	assert.Equal(t, main.Arg(0), sum.Operand(0))
	tie := sum.Operand(1).DefiningOp()
	require.NotNil(t, tie)
	assert.Equal(t, ir.OpTieShape, tie.Kind())
	assert.True(t, tie.Result(0).Type().Equal(static))
	assert.Equal(t, ir.OpCastCompatible, tie.Operand(1).DefiningOp().Kind())

	ops = dispatchableOps(t, m, main)
	assert.True(t, ops.Has(sum))

	// Nothing left to reconcile.
	assert.Equal(t, 0, ReconcileShapes(main))
}

func TestReconcileShapesIncompatible(t *testing.T) {
	main := ir.NewFunction("main", []ir.Type{f32(4), f32(5)}, []ir.Type{f32(4)})
	b := ir.NewBuilder(main.Body())
	sum := b.Create(ir.OpAdd, []*ir.Value{main.Arg(0), main.Arg(1)}, []ir.Type{f32(4)}, nil)
	b.Return(sum.Result(0))
	newModule(t, main)
	before := main.String()
	assert.Equal(t, 0, ReconcileShapes(main))
	assert.Equal(t, before, main.String())
}
