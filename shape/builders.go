// Package shape holds builders of shape-computation operations, used wherever operands must be
// proven to share a runtime shape before being fused.
package shape

import (
	"github.com/gomlx/flow-gomlx/ir"
	"k8s.io/klog/v2"
)

// BuildCastInputsToResultShape inserts, at the builder's insertion point, one
// "shape.get_ranked_shape" per input followed by a "shape.cast_compatible" asserting that all
// those shapes are compatible with target. It returns the resulting shape value, typed as target.
//
// target must be a ranked shape type (see ir.RankedShapeType) whose dimension dtype is an integer.
// The shape of each input is typed with the input dimensions and the target dimension dtype.
//
// Inputs may have any rank: compatibility, broadcasting included, is checked at run time by
// "shape.cast_compatible". It returns nil, and inserts nothing, if an input is not a tensor or the
// target is not a shape with integer dimensions.
func BuildCastInputsToResultShape(b *ir.Builder, loc ir.Location, target ir.Type, inputs []*ir.Value) *ir.Value {
	if !target.IsShape() || !target.DType().IsInt() {
		klog.V(2).Infof("shape: cannot cast to %s: not a ranked shape with integer dimensions", target)
		return nil
	}
	if len(inputs) == 0 {
		return nil
	}
	inputShapeTypes := make([]ir.Type, len(inputs))
	for i, input := range inputs {
		t := input.Type()
		if !t.IsTensor() {
			klog.V(2).Infof("shape: input #%d of type %s is not a tensor", i, t)
			return nil
		}
		inputShapeTypes[i] = ir.RankedShapeType(target.DType(), t.Dims()...)
	}

	saved := b.Location()
	defer b.At(saved)
	b.At(loc)
	inputShapes := make([]*ir.Value, len(inputs))
	for i, input := range inputs {
		inputShapes[i] = b.GetRankedShape(input, inputShapeTypes[i])
	}
	return b.CastCompatibleShape(target, inputShapes...)
}

// MeetDims returns the most refined dimensions compatible with all the tensor types: each
// dimension is static if any of the types has it static. Dtypes are ignored. It returns false if
// a type is not a tensor, if the ranks differ or if two static dimensions disagree.
func MeetDims(types ...ir.Type) ([]int, bool) {
	if len(types) == 0 || !types[0].IsTensor() {
		return nil, false
	}
	dims := types[0].Dims()
	for _, t := range types[1:] {
		if !t.IsTensor() || t.Rank() != len(dims) {
			return nil, false
		}
		for axis, d := range t.Shape.Dimensions {
			switch {
			case d == ir.DynamicDim:
			case dims[axis] == ir.DynamicDim:
				dims[axis] = d
			case dims[axis] != d:
				return nil, false
			}
		}
	}
	return dims, true
}
