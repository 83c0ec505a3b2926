package ir

import (
	"slices"

	"github.com/gomlx/exceptions"
)

// Block is an ordered list of operations, with optional arguments.
//
// The body of a function is a block (its arguments are the function parameters), and
// operations like "scf.if" or the region markers own nested blocks.
type Block struct {
	args   []*Value
	ops    []*Operation
	parent *Operation
	fn     *Function // Only set for function bodies.
}

// Args returns the block arguments.
func (b *Block) Args() []*Value { return slices.Clone(b.args) }

// Arg returns the i-th block argument.
func (b *Block) Arg(i int) *Value { return b.args[i] }

// NumArgs returns the number of block arguments.
func (b *Block) NumArgs() int { return len(b.args) }

// AddArgument appends a new argument of the given type to the block.
func (b *Block) AddArgument(t Type) *Value {
	v := &Value{id: newID(), typ: t, block: b, index: len(b.args)}
	b.args = append(b.args, v)
	b.touch()
	return v
}

// Ops returns a copy of the list of operations, in definition order.
func (b *Block) Ops() []*Operation { return slices.Clone(b.ops) }

// NumOps returns the number of operations directly in the block.
func (b *Block) NumOps() int { return len(b.ops) }

// Empty returns whether the block has no operations.
func (b *Block) Empty() bool { return len(b.ops) == 0 }

// Op returns the i-th operation of the block.
func (b *Block) Op(i int) *Operation { return b.ops[i] }

// Index returns the position of op in the block, or -1 if it isn't there.
func (b *Block) Index(op *Operation) int {
	return slices.Index(b.ops, op)
}

// Terminator returns the last operation if it is a terminator, nil otherwise.
func (b *Block) Terminator() *Operation {
	if len(b.ops) == 0 {
		return nil
	}
	last := b.ops[len(b.ops)-1]
	if !last.kind.IsTerminator() {
		return nil
	}
	return last
}

// ParentOp returns the operation owning the block, or nil for function bodies.
func (b *Block) ParentOp() *Operation { return b.parent }

// Function returns the function containing the block, or nil if it is detached.
func (b *Block) Function() *Function {
	if b.fn != nil {
		return b.fn
	}
	if b.parent != nil && b.parent.block != nil {
		return b.parent.block.Function()
	}
	return nil
}

// Append adds a detached operation at the end of the block.
func (b *Block) Append(op *Operation) *Operation {
	if op.block != nil {
		exceptions.Panicf("ir.Block.Append(%s): operation is already in a block", op.kind)
	}
	b.insertAt(op, len(b.ops))
	return op
}

// Walk calls fn for every operation of the block, and those nested in them, in pre-order.
func (b *Block) Walk(fn func(*Operation)) {
	for _, op := range slices.Clone(b.ops) {
		op.Walk(fn)
	}
}

// PositionMap returns the position of each operation directly in the block.
func (b *Block) PositionMap() map[*Operation]int {
	positions := make(map[*Operation]int, len(b.ops))
	for i, op := range b.ops {
		positions[op] = i
	}
	return positions
}

func (b *Block) insertAt(op *Operation, pos int) {
	b.ops = slices.Insert(b.ops, pos, op)
	op.block = b
	b.touch()
}

func (b *Block) remove(op *Operation) {
	idx := b.Index(op)
	if idx < 0 {
		exceptions.Panicf("ir.Block.remove(%s): operation not in block", op.kind)
	}
	b.touch()
	b.ops = slices.Delete(b.ops, idx, idx+1)
	op.block = nil
}

// cloneInto copies the arguments and operations of b into the empty block dst.
func (b *Block) cloneInto(dst *Block, mapping map[*Value]*Value) {
	for _, arg := range b.args {
		mapping[arg] = dst.AddArgument(arg.typ)
	}
	for _, op := range b.ops {
		dst.Append(op.Clone(mapping))
	}
}

func (b *Block) touch() {
	if fn := b.Function(); fn != nil {
		fn.bump()
	}
}
