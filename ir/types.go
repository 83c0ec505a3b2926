package ir

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
)

// DynamicDim marks a dimension only known at run time.
const DynamicDim = -1

// TypeKind enumerates the kinds of values carried by the graph.
type TypeKind int

const (
	// InvalidKind is the zero value, used for uninitialized types.
	InvalidKind TypeKind = iota

	// TensorKind is a multi-dimensional array of a given dtype.
	TensorKind

	// ShapeKind is a ranked shape value: the runtime dimensions of a tensor.
	// Its dtype is the element type used to represent each dimension.
	ShapeKind

	// HandleKind is an opaque host handle (files, buffers, devices). It can't cross into an executable.
	HandleKind
)

// String implements fmt.Stringer.
func (k TypeKind) String() string {
	switch k {
	case TensorKind:
		return "tensor"
	case ShapeKind:
		return "shape"
	case HandleKind:
		return "handle"
	default:
		return "invalid"
	}
}

// Type is the static type of a Value.
//
// For TensorKind and ShapeKind types, Shape holds the dtype and the dimensions, where any
// dimension may be DynamicDim.
type Type struct {
	Kind  TypeKind
	Shape shapes.Shape
}

// TensorType returns a tensor type. Use DynamicDim for dimensions unknown at compile time.
func TensorType(dtype dtypes.DType, dims ...int) Type {
	return Type{Kind: TensorKind, Shape: shapes.Shape{DType: dtype, Dimensions: slices.Clone(dims)}}
}

// RankedShapeType returns the type of a shape value for tensors of the given dimensions.
// dimType is the integer type used for each dimension (usually dtypes.Int64).
func RankedShapeType(dimType dtypes.DType, dims ...int) Type {
	return Type{Kind: ShapeKind, Shape: shapes.Shape{DType: dimType, Dimensions: slices.Clone(dims)}}
}

// HandleType returns the opaque host handle type.
func HandleType() Type {
	return Type{Kind: HandleKind}
}

// IsTensor returns whether the type is a tensor.
func (t Type) IsTensor() bool { return t.Kind == TensorKind }

// IsShape returns whether the type is a ranked shape.
func (t Type) IsShape() bool { return t.Kind == ShapeKind }

// IsHandle returns whether the type is an opaque host handle.
func (t Type) IsHandle() bool { return t.Kind == HandleKind }

// DType returns the element type (tensors) or the dimension type (shapes).
func (t Type) DType() dtypes.DType { return t.Shape.DType }

// Rank returns the number of dimensions.
func (t Type) Rank() int { return len(t.Shape.Dimensions) }

// Dims returns a copy of the dimensions.
func (t Type) Dims() []int { return slices.Clone(t.Shape.Dimensions) }

// Dim returns the dimension of the given axis, possibly DynamicDim.
func (t Type) Dim(axis int) int { return t.Shape.Dimensions[axis] }

// IsStatic returns whether all dimensions are known at compile time.
func (t Type) IsStatic() bool {
	for _, d := range t.Shape.Dimensions {
		if d < 0 {
			return false
		}
	}
	return true
}

// WithDType returns a copy of the type with a different dtype.
func (t Type) WithDType(dtype dtypes.DType) Type {
	t.Shape = shapes.Shape{DType: dtype, Dimensions: slices.Clone(t.Shape.Dimensions)}
	return t
}

// WithDims returns a copy of the type with different dimensions.
func (t Type) WithDims(dims ...int) Type {
	t.Shape = shapes.Shape{DType: t.Shape.DType, Dimensions: slices.Clone(dims)}
	return t
}

// Equal returns whether both types are identical, including which dimensions are dynamic.
func (t Type) Equal(other Type) bool {
	if t.Kind != other.Kind {
		return false
	}
	if t.Kind == HandleKind {
		return true
	}
	return t.Shape.DType == other.Shape.DType && slices.Equal(t.Shape.Dimensions, other.Shape.Dimensions)
}

// ByteSize returns the number of bytes of a static tensor of this type.
// It returns false if the type is not a tensor or if it has dynamic dimensions.
func (t Type) ByteSize() (int, bool) {
	if t.Kind != TensorKind || !t.IsStatic() {
		return 0, false
	}
	size := t.Shape.DType.Size()
	for _, d := range t.Shape.Dimensions {
		size *= d
	}
	return size, true
}

// String implements fmt.Stringer, e.g.: "tensor<4x?xFloat32>".
func (t Type) String() string {
	if t.Kind == HandleKind || t.Kind == InvalidKind {
		return t.Kind.String()
	}
	var sb strings.Builder
	sb.WriteString(t.Kind.String())
	sb.WriteString("<")
	for _, d := range t.Shape.Dimensions {
		if d < 0 {
			sb.WriteString("?")
		} else {
			sb.WriteString(fmt.Sprint(d))
		}
		sb.WriteString("x")
	}
	sb.WriteString(t.Shape.DType.String())
	sb.WriteString(">")
	return sb.String()
}

// typesString formats a list of types.
func typesString(types []Type) string {
	parts := make([]string, len(types))
	for i, t := range types {
		parts[i] = t.String()
	}
	return strings.Join(parts, ", ")
}
