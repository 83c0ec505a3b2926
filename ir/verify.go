package ir

import (
	"slices"

	"github.com/pkg/errors"
)

// Verify checks the structural invariants of the function:
//
//   - Every operation matches the arity of its kind.
//   - Every operand is defined before its use, in the same block or in an enclosing one.
//   - Use lists agree with the operand lists.
//   - Blocks are terminated by the terminator their owner expects, and terminators appear nowhere else.
//   - Terminators carry values matching the types of the function or of the owning operation.
func (f *Function) Verify() error {
	if f.body == nil {
		return errors.Errorf("function %q has no body", f.name)
	}
	v := &verifier{fn: f, visible: make(map[*Value]bool)}
	if err := v.block(f.body, OpReturn, f.resultTypes); err != nil {
		return errors.WithMessagef(err, "function %q", f.name)
	}
	return nil
}

type verifier struct {
	fn      *Function
	visible map[*Value]bool
}

// block verifies b, which must be terminated by an op of kind terminator returning values of resultTypes.
func (v *verifier) block(b *Block, terminator OpKind, resultTypes []Type) error {
	var defined []*Value
	defer func() {
		for _, value := range defined {
			delete(v.visible, value)
		}
	}()
	for _, arg := range b.args {
		v.visible[arg] = true
		defined = append(defined, arg)
	}
	if len(b.ops) == 0 {
		return errors.Errorf("block is empty, expected a %q terminator", terminator)
	}
	for i, op := range b.ops {
		if op.block != b {
			return errors.Errorf("%s: operation is linked to the wrong block", op)
		}
		if err := CheckArity(op); err != nil {
			return errors.WithMessagef(err, "%s", op.Loc)
		}
		last := i == len(b.ops)-1
		if op.kind.IsTerminator() != last {
			if last {
				return errors.Errorf("%s: block must end with a %q terminator", op, terminator)
			}
			return errors.Errorf("%s: terminator in the middle of a block", op)
		}
		if last && op.kind != terminator {
			return errors.Errorf("%s: block must end with %q", op, terminator)
		}
		for ii, operand := range op.operands {
			if !v.visible[operand] {
				return errors.Errorf("%s: operand #%d (%s) is not defined before its use", op, ii, operand)
			}
			if !slices.Contains(operand.uses, Use{Op: op, Index: ii}) {
				return errors.Errorf("%s: operand #%d (%s) is missing the use in its use list", op, ii, operand)
			}
		}
		if err := v.nested(op); err != nil {
			return err
		}
		for _, r := range op.results {
			if r.def != op {
				return errors.Errorf("%s: result #%d is linked to the wrong operation", op, r.index)
			}
			v.visible[r] = true
			defined = append(defined, r)
		}
		if last {
			if len(op.operands) != len(resultTypes) {
				return errors.Errorf("%s: returns %d values, expected %d", op, len(op.operands), len(resultTypes))
			}
			for ii, operand := range op.operands {
				if !operand.typ.Equal(resultTypes[ii]) {
					return errors.Errorf("%s: value #%d has type %s, expected %s", op, ii, operand.typ, resultTypes[ii])
				}
			}
		}
	}
	return nil
}

// nested verifies the blocks owned by op.
func (v *verifier) nested(op *Operation) error {
	var terminator OpKind
	switch {
	case op.kind == OpIf:
		terminator = OpYield
	case op.kind.IsRegionMarker():
		terminator = OpFlowReturn
	default:
		return nil
	}
	for _, b := range op.blocks {
		if b.parent != op {
			return errors.Errorf("%s: nested block is linked to the wrong operation", op)
		}
		if err := v.block(b, terminator, op.ResultTypes()); err != nil {
			return errors.WithMessagef(err, "in %s", op.kind)
		}
	}
	return nil
}
