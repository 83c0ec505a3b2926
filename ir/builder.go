package ir

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/zclconf/go-cty/cty"
)

// Builder creates operations at an insertion point: the end of a block, or just before an operation.
//
// The typed helpers infer result types from the operands, and panic (with exceptions.Panicf)
// if the operands are invalid for the op kind. Use Create to build arbitrary operations.
type Builder struct {
	block  *Block
	before *Operation
	loc    Location
}

// NewBuilder returns a builder inserting at the end of block.
func NewBuilder(block *Block) *Builder {
	return &Builder{block: block}
}

// NewBuilderBefore returns a builder inserting just before op.
func NewBuilderBefore(op *Operation) *Builder {
	return &Builder{block: op.block, before: op, loc: op.Loc}
}

// At sets the location of the operations created next.
func (b *Builder) At(loc Location) *Builder {
	b.loc = loc
	return b
}

// Location returns the location used for new operations.
func (b *Builder) Location() Location { return b.loc }

// Block returns the block where operations are inserted.
func (b *Builder) Block() *Block { return b.block }

// SetInsertionPointToEnd moves the insertion point to the end of block.
func (b *Builder) SetInsertionPointToEnd(block *Block) {
	b.block, b.before = block, nil
}

// SetInsertionPointBefore moves the insertion point to just before op.
func (b *Builder) SetInsertionPointBefore(op *Operation) {
	b.block, b.before = op.block, op
}

// SetInsertionPointAfter moves the insertion point to just after op.
func (b *Builder) SetInsertionPointAfter(op *Operation) {
	b.block = op.block
	idx := b.block.Index(op)
	if idx+1 < len(b.block.ops) {
		b.before = b.block.ops[idx+1]
	} else {
		b.before = nil
	}
}

// Insert places a detached operation at the insertion point.
func (b *Builder) Insert(op *Operation) *Operation {
	if b.block == nil {
		exceptions.Panicf("ir.Builder.Insert(%s): no insertion point", op.kind)
	}
	if op.block != nil {
		exceptions.Panicf("ir.Builder.Insert(%s): operation is already in a block", op.kind)
	}
	if b.before == nil {
		b.block.insertAt(op, len(b.block.ops))
	} else {
		b.block.insertAt(op, b.block.Index(b.before))
	}
	return op
}

// Create builds and inserts an operation.
func (b *Builder) Create(kind OpKind, operands []*Value, resultTypes []Type, attrs map[string]cty.Value) *Operation {
	op := NewOperation(kind, b.loc, operands, resultTypes)
	op.Attrs = attrs
	return b.Insert(op)
}

func (b *Builder) single(kind OpKind, operands []*Value, resultType Type) *Value {
	return b.Create(kind, operands, []Type{resultType}, nil).Result(0)
}

// Constant creates a constant op holding the tensor.
func (b *Builder) Constant(value *tensors.Tensor) *Value {
	shape := value.Shape()
	op := b.Create(OpConstant, nil, []Type{TensorType(shape.DType, shape.Dimensions...)}, nil)
	op.Payload = value
	return op.Result(0)
}

// ConstantFloat32 creates a float32 constant from a flat slice and its dimensions.
func (b *Builder) ConstantFloat32(data []float32, dims ...int) *Value {
	return b.Constant(tensors.FromFlatDataAndDimensions(data, dims...))
}

// Binary creates an elementwise binary op. Both operands must have the same type.
func (b *Builder) Binary(kind OpKind, x, y *Value) *Value {
	if !kind.IsElementwise() || opCatalogue[kind].minOperands != 2 {
		exceptions.Panicf("ir.Builder.Binary: %s is not an elementwise op", kind)
	}
	return b.single(kind, []*Value{x, y}, x.Type())
}

// Add creates an "add" op.
func (b *Builder) Add(x, y *Value) *Value { return b.Binary(OpAdd, x, y) }

// Sub creates a "sub" op.
func (b *Builder) Sub(x, y *Value) *Value { return b.Binary(OpSub, x, y) }

// Mul creates a "mul" op.
func (b *Builder) Mul(x, y *Value) *Value { return b.Binary(OpMul, x, y) }

// Div creates a "div" op.
func (b *Builder) Div(x, y *Value) *Value { return b.Binary(OpDiv, x, y) }

// Max creates a "max" op.
func (b *Builder) Max(x, y *Value) *Value { return b.Binary(OpMax, x, y) }

// Min creates a "min" op.
func (b *Builder) Min(x, y *Value) *Value { return b.Binary(OpMin, x, y) }

// Unary creates an elementwise unary op.
func (b *Builder) Unary(kind OpKind, x *Value) *Value {
	return b.single(kind, []*Value{x}, x.Type())
}

// Neg creates a "neg" op.
func (b *Builder) Neg(x *Value) *Value { return b.Unary(OpNeg, x) }

// Exp creates an "exp" op.
func (b *Builder) Exp(x *Value) *Value { return b.Unary(OpExp, x) }

// Convert creates a "convert" op changing the dtype of x.
func (b *Builder) Convert(x *Value, dtype dtypes.DType) *Value {
	return b.single(OpConvert, []*Value{x}, x.Type().WithDType(dtype))
}

// Broadcast prepends the prefixDims axes to x.
func (b *Builder) Broadcast(x *Value, prefixDims ...int) *Value {
	for _, d := range prefixDims {
		if d < 0 {
			exceptions.Panicf("ir.Builder.Broadcast: prefix dimensions must be static, got %v", prefixDims)
		}
	}
	dims := append(slices.Clone(prefixDims), x.Type().Shape.Dimensions...)
	return b.single(OpBroadcast, []*Value{x}, x.Type().WithDims(dims...))
}

// Dot creates a rank-2 matrix multiplication.
func (b *Builder) Dot(x, y *Value) *Value {
	if x.Type().Rank() != 2 || y.Type().Rank() != 2 {
		exceptions.Panicf("ir.Builder.Dot: operands must be rank-2, got %s and %s", x.Type(), y.Type())
	}
	return b.single(OpDot, []*Value{x, y}, x.Type().WithDims(x.Type().Dim(0), y.Type().Dim(1)))
}

// Select creates an elementwise select: cond ? onTrue : onFalse.
func (b *Builder) Select(cond, onTrue, onFalse *Value) *Value {
	return b.single(OpSelect, []*Value{cond, onTrue, onFalse}, onTrue.Type())
}

// Reduce creates a reduction of input over the given dimensions, combined with init.
func (b *Builder) Reduce(kind OpKind, input, init *Value, dims ...int) *Value {
	if !kind.IsReduction() {
		exceptions.Panicf("ir.Builder.Reduce: %s is not a reduction", kind)
	}
	var kept []int
	for axis, d := range input.Type().Shape.Dimensions {
		if !slices.Contains(dims, axis) {
			kept = append(kept, d)
		}
	}
	attrs := map[string]cty.Value{AttrDimensions: IntsValue(dims)}
	return b.Create(kind, []*Value{input, init}, []Type{input.Type().WithDims(kept...)}, attrs).Result(0)
}

// GetRankedShape returns the runtime shape of x, typed as shapeType.
func (b *Builder) GetRankedShape(x *Value, shapeType Type) *Value {
	return b.single(OpGetRankedShape, []*Value{x}, shapeType)
}

// CastCompatibleShape asserts that all the shapes are compatible with target, and returns a
// shape value of the target type.
func (b *Builder) CastCompatibleShape(target Type, shapes ...*Value) *Value {
	return b.single(OpCastCompatible, shapes, target)
}

// TieShape returns x refined to resultType, using the runtime shape given.
func (b *Builder) TieShape(x, shape *Value, resultType Type) *Value {
	return b.single(OpTieShape, []*Value{x, shape}, resultType)
}

// Call creates a call to the function callee.
func (b *Builder) Call(callee string, args []*Value, resultTypes []Type) *Operation {
	return b.Create(OpCall, args, resultTypes, map[string]cty.Value{AttrCallee: cty.StringVal(callee)})
}

// Print creates a host side-effecting print of the values.
func (b *Builder) Print(values ...*Value) *Operation {
	return b.Create(OpPrint, values, nil, nil)
}

// Handle creates an opaque host handle.
func (b *Builder) Handle() *Value {
	return b.single(OpHandle, nil, HandleType())
}

// If creates an "scf.if" with two empty branches. Fill them with NewBuilder(op.Blocks()[i]),
// terminated by Yield.
func (b *Builder) If(cond *Value, resultTypes []Type) *Operation {
	op := b.Create(OpIf, []*Value{cond}, resultTypes, nil)
	op.AddBlock()
	op.AddBlock()
	return op
}

// Yield terminates a branch of an "scf.if".
func (b *Builder) Yield(values ...*Value) *Operation {
	return b.Create(OpYield, values, nil, nil)
}

// Return terminates a function body.
func (b *Builder) Return(values ...*Value) *Operation {
	return b.Create(OpReturn, values, nil, nil)
}

// Region creates an empty region marker (OpDispatchRegion or OpReductionRegion) with one body block.
func (b *Builder) Region(kind OpKind, resultTypes []Type, workload *Workload) *Operation {
	if !kind.IsRegionMarker() {
		exceptions.Panicf("ir.Builder.Region: %s is not a region marker", kind)
	}
	op := b.Create(kind, nil, resultTypes, nil)
	op.Workload = workload
	op.AddBlock()
	return op
}

// FlowReturn terminates the body of a region marker.
func (b *Builder) FlowReturn(values ...*Value) *Operation {
	return b.Create(OpFlowReturn, values, nil, nil)
}

// Dispatch creates a call to an executable.
func (b *Builder) Dispatch(executable string, args []*Value, resultTypes []Type, workload *Workload) *Operation {
	op := b.Create(OpDispatch, args, resultTypes, map[string]cty.Value{AttrExecutable: cty.StringVal(executable)})
	op.Workload = workload
	return op
}
