package ir

import (
	"fmt"
	"slices"
	"sync/atomic"
)

// nextID is shared by values and operations, so ids are unique within the process.
var nextID atomic.Int64

func newID() int64 {
	return nextID.Add(1)
}

// Use is one use-edge of a Value: operand Index of Op.
type Use struct {
	Op    *Operation
	Index int
}

// Value is a typed edge of the graph: it is either the result of an Operation or the argument
// of a Block. Values have a single definition and any number of uses.
type Value struct {
	id    int64
	typ   Type
	def   *Operation
	block *Block // Set for block arguments.
	index int
	uses  []Use
}

// ID returns a process unique id of the value.
func (v *Value) ID() int64 { return v.id }

// Type returns the static type of the value.
func (v *Value) Type() Type { return v.typ }

// SetType changes the static type of the value. Used by passes that refine types.
func (v *Value) SetType(t Type) {
	v.typ = t
	v.touch()
}

// DefiningOp returns the operation that defines the value, or nil for block arguments.
func (v *Value) DefiningOp() *Operation { return v.def }

// Index returns the result index (for op results) or the argument index (for block arguments).
func (v *Value) Index() int { return v.index }

// IsBlockArgument returns whether the value is an argument of a block.
func (v *Value) IsBlockArgument() bool { return v.block != nil }

// ParentBlock returns the block where the value is defined.
func (v *Value) ParentBlock() *Block {
	if v.block != nil {
		return v.block
	}
	if v.def != nil {
		return v.def.block
	}
	return nil
}

// Uses returns a copy of the use list, in the order uses were created.
func (v *Value) Uses() []Use { return slices.Clone(v.uses) }

// NumUses returns the number of uses.
func (v *Value) NumUses() int { return len(v.uses) }

// HasUses returns whether the value is used at all.
func (v *Value) HasUses() bool { return len(v.uses) > 0 }

// Users returns the distinct operations using the value, in use order.
func (v *Value) Users() []*Operation {
	users := make([]*Operation, 0, len(v.uses))
	for _, use := range v.uses {
		if !slices.Contains(users, use.Op) {
			users = append(users, use.Op)
		}
	}
	return users
}

// ReplaceAllUsesWith rewrites every use of v to use newValue instead.
func (v *Value) ReplaceAllUsesWith(newValue *Value) {
	v.ReplaceUsesIf(newValue, func(Use) bool { return true })
}

// ReplaceUsesIf rewrites the uses of v for which pred returns true to use newValue instead.
func (v *Value) ReplaceUsesIf(newValue *Value, pred func(use Use) bool) {
	if newValue == v {
		return
	}
	for _, use := range v.Uses() {
		if pred(use) {
			use.Op.SetOperand(use.Index, newValue)
		}
	}
}

// String returns a short debug representation.
func (v *Value) String() string {
	if v.def != nil {
		return fmt.Sprintf("%%v%d<%s#%d>: %s", v.id, v.def.Kind(), v.index, v.typ)
	}
	return fmt.Sprintf("%%v%d<arg#%d>: %s", v.id, v.index, v.typ)
}

func (v *Value) addUse(op *Operation, index int) {
	v.uses = append(v.uses, Use{Op: op, Index: index})
}

func (v *Value) removeUse(op *Operation, index int) {
	for i, use := range v.uses {
		if use.Op == op && use.Index == index {
			v.uses = slices.Delete(v.uses, i, i+1)
			return
		}
	}
}

// touch bumps the generation of the function where v is defined.
func (v *Value) touch() {
	if b := v.ParentBlock(); b != nil {
		if fn := b.Function(); fn != nil {
			fn.bump()
		}
	}
}
