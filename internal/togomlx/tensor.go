package togomlx

import (
	"github.com/gomlx/flow-gomlx/ir"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/pkg/errors"
)

// Shape converts a static tensor type to a GoMLX shapes.Shape (it includes the dtype).
func Shape(t ir.Type) (shape shapes.Shape, err error) {
	if !t.IsTensor() {
		err = errors.Errorf("type %s is not a tensor", t)
		return
	}
	if !t.IsStatic() {
		err = errors.Errorf("type %s has dynamic dimensions", t)
		return
	}
	shape = shapes.Make(t.DType(), t.Dims()...)
	return
}

// Compatible returns whether a concrete shape is an instance of type t: same dtype and rank, and
// equal static dimensions.
func Compatible(t ir.Type, shape shapes.Shape) bool {
	if !t.IsTensor() || t.DType() != shape.DType || t.Rank() != shape.Rank() {
		return false
	}
	for axis, d := range t.Shape.Dimensions {
		if d != ir.DynamicDim && d != shape.Dimensions[axis] {
			return false
		}
	}
	return true
}
