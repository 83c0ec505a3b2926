package flow

import (
	"github.com/gomlx/flow-gomlx/ir"
	"github.com/gomlx/flow-gomlx/shape"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"k8s.io/klog/v2"
)

// ReconcileShapes refines the operands of elementwise operations whose static shape information
// differs but is compatible, so they get identical types and become dispatchable.
//
// For each such op it builds, with shape.BuildCastInputsToResultShape, a runtime assertion that
// the operands share the most refined shape, and ties every less refined operand to it. The result
// type is left unchanged. Ops whose compatibility can't be established are left untouched.
// It returns the number of operations reconciled.
func ReconcileShapes(f *ir.Function) int {
	var ops []*ir.Operation
	f.Walk(func(op *ir.Operation) {
		if op.Kind().IsElementwise() && op.NumOperands() > 1 && !operandDimsMatch(op) {
			ops = append(ops, op)
		}
	})
	count := 0
	for _, op := range ops {
		operands := op.Operands()
		types := make([]ir.Type, len(operands))
		for i, v := range operands {
			types[i] = v.Type()
		}
		dims, ok := shape.MeetDims(types...)
		if !ok {
			klog.V(2).Infof("reconcile-shapes: %s has incompatible operand shapes", op)
			continue
		}
		b := ir.NewBuilderBefore(op)
		target := ir.RankedShapeType(dtypes.Int64, dims...)
		shapeValue := shape.BuildCastInputsToResultShape(b, op.Loc, target, operands)
		if shapeValue == nil {
			continue
		}
		for i, v := range operands {
			refined := v.Type().WithDims(dims...)
			if v.Type().Equal(refined) {
				continue
			}
			op.SetOperand(i, b.TieShape(v, shapeValue, refined))
		}
		count++
	}
	if count > 0 {
		klog.V(1).Infof("reconcile-shapes: function %q: %d operations reconciled", f.Name(), count)
	}
	return count
}

// operandDimsMatch returns whether all operands of op have the same dimensions.
func operandDimsMatch(op *ir.Operation) bool {
	first := op.Operand(0).Type()
	for _, v := range op.Operands()[1:] {
		t := v.Type()
		if t.Kind != first.Kind || !t.WithDType(first.DType()).Equal(first) {
			return false
		}
	}
	return true
}
