package ir

import (
	"fmt"
	"maps"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/gocty"
)

// Operation is a node of the graph: an operator kind applied to ordered operands, producing
// ordered results. Operations may own nested blocks (branches of an "scf.if", bodies of region markers).
type Operation struct {
	id       int64
	kind     OpKind
	operands []*Value
	results  []*Value
	blocks   []*Block
	block    *Block

	// Attrs holds static attributes of the operation, e.g. "callee" or "dimensions".
	Attrs map[string]cty.Value

	// Payload is the value of constant operations.
	Payload *tensors.Tensor

	// Workload is the iteration space of region markers and dispatch calls.
	Workload *Workload

	// Loc is the source location the operation was derived from.
	Loc Location
}

// NewOperation creates a detached operation. Use Builder.Insert or Block.Append to place it in a block.
func NewOperation(kind OpKind, loc Location, operands []*Value, resultTypes []Type) *Operation {
	op := &Operation{
		id:       newID(),
		kind:     kind,
		operands: slices.Clone(operands),
		Loc:      loc,
	}
	for ii, operand := range op.operands {
		if operand == nil {
			exceptions.Panicf("ir.NewOperation(%s): operand #%d is nil", kind, ii)
		}
		operand.addUse(op, ii)
	}
	op.results = make([]*Value, len(resultTypes))
	for ii, t := range resultTypes {
		op.results[ii] = &Value{id: newID(), typ: t, def: op, index: ii}
	}
	return op
}

// ID returns a process unique id of the operation.
func (op *Operation) ID() int64 { return op.id }

// Kind returns the operator kind.
func (op *Operation) Kind() OpKind { return op.kind }

// NumOperands returns the number of operands.
func (op *Operation) NumOperands() int { return len(op.operands) }

// Operand returns the i-th operand.
func (op *Operation) Operand(i int) *Value { return op.operands[i] }

// Operands returns a copy of the operands list.
func (op *Operation) Operands() []*Value { return slices.Clone(op.operands) }

// SetOperand replaces the i-th operand, keeping the use lists up-to-date.
func (op *Operation) SetOperand(i int, v *Value) {
	old := op.operands[i]
	if old == v {
		return
	}
	old.removeUse(op, i)
	op.operands[i] = v
	v.addUse(op, i)
	op.touch()
}

// SetOperands replaces the whole operands list.
func (op *Operation) SetOperands(operands []*Value) {
	for ii, old := range op.operands {
		old.removeUse(op, ii)
	}
	op.operands = slices.Clone(operands)
	for ii, v := range op.operands {
		v.addUse(op, ii)
	}
	op.touch()
}

// NumResults returns the number of results.
func (op *Operation) NumResults() int { return len(op.results) }

// Result returns the i-th result.
func (op *Operation) Result(i int) *Value { return op.results[i] }

// Results returns a copy of the results list.
func (op *Operation) Results() []*Value { return slices.Clone(op.results) }

// ResultTypes returns the types of the results.
func (op *Operation) ResultTypes() []Type {
	types := make([]Type, len(op.results))
	for i, r := range op.results {
		types[i] = r.typ
	}
	return types
}

// Blocks returns the nested blocks of the operation.
func (op *Operation) Blocks() []*Block { return slices.Clone(op.blocks) }

// NumBlocks returns the number of nested blocks.
func (op *Operation) NumBlocks() int { return len(op.blocks) }

// Body returns the first nested block, or nil if there are none.
func (op *Operation) Body() *Block {
	if len(op.blocks) == 0 {
		return nil
	}
	return op.blocks[0]
}

// AddBlock creates a new empty nested block owned by op.
func (op *Operation) AddBlock() *Block {
	b := &Block{parent: op}
	op.blocks = append(op.blocks, b)
	op.touch()
	return b
}

// Block returns the block containing the operation, or nil if detached.
func (op *Operation) Block() *Block { return op.block }

// ParentOp returns the operation owning the block containing op, or nil at function level.
func (op *Operation) ParentOp() *Operation {
	if op.block == nil {
		return nil
	}
	return op.block.parent
}

// Function returns the function containing op, or nil if detached.
func (op *Operation) Function() *Function {
	if op.block == nil {
		return nil
	}
	return op.block.Function()
}

// IsAncestorOf returns whether other is op itself or is nested (at any depth) inside op.
func (op *Operation) IsAncestorOf(other *Operation) bool {
	for other != nil {
		if other == op {
			return true
		}
		other = other.ParentOp()
	}
	return false
}

// AncestorIn returns the ancestor of op (possibly op itself) that is directly in block b,
// or nil if op is not nested in b.
func (op *Operation) AncestorIn(b *Block) *Operation {
	for op != nil {
		if op.block == b {
			return op
		}
		op = op.ParentOp()
	}
	return nil
}

// Walk calls fn on op and on every operation nested in it, in pre-order.
func (op *Operation) Walk(fn func(*Operation)) {
	fn(op)
	for _, b := range op.blocks {
		b.Walk(fn)
	}
}

// Attr returns the attribute with the given name.
func (op *Operation) Attr(name string) (cty.Value, bool) {
	v, found := op.Attrs[name]
	return v, found
}

// SetAttr sets an attribute.
func (op *Operation) SetAttr(name string, value cty.Value) {
	if op.Attrs == nil {
		op.Attrs = make(map[string]cty.Value)
	}
	op.Attrs[name] = value
	op.touch()
}

// RemoveAttr removes an attribute, if present.
func (op *Operation) RemoveAttr(name string) {
	if _, found := op.Attrs[name]; found {
		delete(op.Attrs, name)
		op.touch()
	}
}

// StringAttr returns a string attribute, or "" if it is missing or not a string.
func (op *Operation) StringAttr(name string) string {
	v, found := op.Attrs[name]
	if !found || v.IsNull() || !v.IsKnown() || v.Type() != cty.String {
		return ""
	}
	return v.AsString()
}

// IntsAttr decodes a list of integers attribute.
func (op *Operation) IntsAttr(name string) ([]int, error) {
	v, found := op.Attrs[name]
	if !found {
		return nil, errors.Errorf("%s: missing attribute %q", op.kind, name)
	}
	var ints []int
	if err := gocty.FromCtyValue(v, &ints); err != nil {
		return nil, errors.Wrapf(err, "%s: attribute %q is not a list of integers", op.kind, name)
	}
	return ints, nil
}

// IntsValue encodes a list of integers as an attribute value.
func IntsValue(ints []int) cty.Value {
	if len(ints) == 0 {
		return cty.ListValEmpty(cty.Number)
	}
	values := make([]cty.Value, len(ints))
	for i, x := range ints {
		values[i] = cty.NumberIntVal(int64(x))
	}
	return cty.ListVal(values)
}

// Erase removes the operation (and everything nested in it) from its block and drops its operand uses.
// It panics if any of its results is still used.
func (op *Operation) Erase() {
	for _, r := range op.results {
		if r.HasUses() {
			exceptions.Panicf("ir.Operation.Erase(%s): result #%d still has %d uses", op.kind, r.index, r.NumUses())
		}
	}
	fn := op.Function()
	op.dropReferences()
	if op.block != nil {
		op.block.remove(op)
	}
	if fn != nil {
		fn.bump()
	}
}

// dropReferences removes the uses held by op and by its nested operations.
func (op *Operation) dropReferences() {
	for ii, operand := range op.operands {
		operand.removeUse(op, ii)
	}
	op.operands = nil
	for _, b := range op.blocks {
		for _, nested := range b.ops {
			nested.dropReferences()
		}
	}
}

// ReplaceAllUsesWith replaces the uses of each result of op with the corresponding value.
func (op *Operation) ReplaceAllUsesWith(values []*Value) {
	if len(values) != len(op.results) {
		exceptions.Panicf("ir.Operation.ReplaceAllUsesWith(%s): %d results, %d replacement values",
			op.kind, len(op.results), len(values))
	}
	for i, r := range op.results {
		r.ReplaceAllUsesWith(values[i])
	}
}

// ReplaceWith replaces all uses of op's results with values and erases op.
func (op *Operation) ReplaceWith(values []*Value) {
	op.ReplaceAllUsesWith(values)
	op.Erase()
}

// MoveBefore moves op to just before other, possibly to a different block.
func (op *Operation) MoveBefore(other *Operation) {
	if op.block != nil {
		op.block.remove(op)
	}
	other.block.insertAt(op, other.block.Index(other))
}

// MoveAfter moves op to just after other, possibly to a different block.
func (op *Operation) MoveAfter(other *Operation) {
	if op.block != nil {
		op.block.remove(op)
	}
	other.block.insertAt(op, other.block.Index(other)+1)
}

// MoveToEnd moves op to the end of block b.
func (op *Operation) MoveToEnd(b *Block) {
	if op.block != nil {
		op.block.remove(op)
	}
	b.insertAt(op, len(b.ops))
}

// Clone returns a detached deep copy of op. Operands found in mapping are remapped; results
// (and the arguments and results of nested operations) are recorded in mapping.
func (op *Operation) Clone(mapping map[*Value]*Value) *Operation {
	operands := make([]*Value, len(op.operands))
	for i, operand := range op.operands {
		operands[i] = lookupValue(mapping, operand)
	}
	c := NewOperation(op.kind, op.Loc, operands, op.ResultTypes())
	if op.Attrs != nil {
		c.Attrs = maps.Clone(op.Attrs)
	}
	c.Payload = op.Payload
	if op.Workload != nil {
		c.Workload = op.Workload.Remap(mapping)
	}
	for i, r := range op.results {
		mapping[r] = c.results[i]
	}
	for _, b := range op.blocks {
		nb := c.AddBlock()
		b.cloneInto(nb, mapping)
	}
	return c
}

func lookupValue(mapping map[*Value]*Value, v *Value) *Value {
	if mapped, found := mapping[v]; found {
		return mapped
	}
	return v
}

// String returns a one line description of the op, without nested blocks.
func (op *Operation) String() string {
	return fmt.Sprintf("%s(%d operands) -> (%s) %s", op.kind, len(op.operands), typesString(op.ResultTypes()), op.Loc)
}

// touch bumps the generation of the function containing op.
func (op *Operation) touch() {
	if fn := op.Function(); fn != nil {
		fn.bump()
	}
}
