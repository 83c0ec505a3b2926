package ir

import (
	"fmt"
	"slices"
	"strings"

	"github.com/zclconf/go-cty/cty"
)

// Dim is one dimension of a Workload: either a static size, or a dynamic dimension identified
// by its provenance, that is, the axis of the value it was ultimately derived from.
type Dim struct {
	// Size is the static size, or DynamicDim.
	Size int

	// Source and Axis identify where a dynamic dimension comes from. Source is nil when the
	// provenance is unknown, in which case the dimension is never provably equal to another.
	Source *Value
	Axis   int
}

// StaticDim returns a static dimension.
func StaticDim(size int) Dim {
	return Dim{Size: size}
}

// IsDynamic returns whether the dimension is only known at run time.
func (d Dim) IsDynamic() bool { return d.Size < 0 }

// Equal returns whether both dimensions are provably equal: same static size, or same provenance.
func (d Dim) Equal(other Dim) bool {
	if !d.IsDynamic() || !other.IsDynamic() {
		return d.Size == other.Size
	}
	return d.Source != nil && d.Source == other.Source && d.Axis == other.Axis
}

// Workload is the iteration space an executable is invoked over.
type Workload struct {
	Dims []Dim
}

// StaticWorkload returns a workload of static dimensions.
func StaticWorkload(dims ...int) *Workload {
	w := &Workload{Dims: make([]Dim, len(dims))}
	for i, d := range dims {
		w.Dims[i] = StaticDim(d)
	}
	return w
}

// WorkloadOf returns the workload needed to produce v: one dimension per axis of v, with dynamic
// dimensions traced back to their provenance.
func WorkloadOf(v *Value) *Workload {
	w := &Workload{Dims: make([]Dim, v.Type().Rank())}
	for axis := range w.Dims {
		w.Dims[axis] = TraceDim(v, axis)
	}
	return w
}

// Rank returns the number of dimensions.
func (w *Workload) Rank() int { return len(w.Dims) }

// IsStatic returns whether all dimensions are static.
func (w *Workload) IsStatic() bool {
	for _, d := range w.Dims {
		if d.IsDynamic() {
			return false
		}
	}
	return true
}

// Equal returns whether both workloads are provably equal. A nil workload is never equal to anything.
func (w *Workload) Equal(other *Workload) bool {
	if w == nil || other == nil || len(w.Dims) != len(other.Dims) {
		return false
	}
	for i, d := range w.Dims {
		if !d.Equal(other.Dims[i]) {
			return false
		}
	}
	return true
}

// Clone returns a copy of the workload.
func (w *Workload) Clone() *Workload {
	if w == nil {
		return nil
	}
	return &Workload{Dims: slices.Clone(w.Dims)}
}

// Remap returns a copy of the workload with the sources of dynamic dimensions remapped.
func (w *Workload) Remap(mapping map[*Value]*Value) *Workload {
	c := w.Clone()
	if c == nil {
		return nil
	}
	for i, d := range c.Dims {
		if d.Source != nil {
			c.Dims[i].Source = lookupValue(mapping, d.Source)
		}
	}
	return c
}

// CtyValue encodes the workload as a list of numbers, with dynamic dimensions as null.
func (w *Workload) CtyValue() cty.Value {
	if len(w.Dims) == 0 {
		return cty.ListValEmpty(cty.Number)
	}
	values := make([]cty.Value, len(w.Dims))
	for i, d := range w.Dims {
		if d.IsDynamic() {
			values[i] = cty.NullVal(cty.Number)
		} else {
			values[i] = cty.NumberIntVal(int64(d.Size))
		}
	}
	return cty.ListVal(values)
}

// String implements fmt.Stringer. Dynamic dimensions are printed as "?".
func (w *Workload) String() string {
	if w == nil {
		return "<unresolved>"
	}
	parts := make([]string, len(w.Dims))
	for i, d := range w.Dims {
		if d.IsDynamic() {
			parts[i] = "?"
		} else {
			parts[i] = fmt.Sprint(d.Size)
		}
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// TraceDim returns the given axis of v as a Dim: static if known, otherwise traced backwards
// through shape-preserving operations (elementwise, broadcast, reductions, dot, region markers)
// to the value the dimension originates from.
func TraceDim(v *Value, axis int) Dim {
	for {
		t := v.Type()
		if axis < 0 || axis >= t.Rank() {
			return Dim{Size: DynamicDim}
		}
		if d := t.Dim(axis); d >= 0 {
			return StaticDim(d)
		}
		op := v.DefiningOp()
		if op == nil {
			return Dim{Size: DynamicDim, Source: v, Axis: axis}
		}
		next, nextAxis, ok := traceDimThrough(op, v, axis)
		if !ok {
			return Dim{Size: DynamicDim, Source: v, Axis: axis}
		}
		v, axis = next, nextAxis
	}
}

// traceDimThrough maps axis of the result v of op to the operand (and axis) it derives from.
func traceDimThrough(op *Operation, v *Value, axis int) (*Value, int, bool) {
	kind := op.Kind()
	switch {
	case kind == OpSelect:
		return op.Operand(1), axis, true
	case kind.IsElementwise() || kind == OpConvert || kind == OpTieShape:
		return op.Operand(0), axis, true
	case kind == OpBroadcast:
		prefix := v.Type().Rank() - op.Operand(0).Type().Rank()
		if axis < prefix {
			return nil, 0, false
		}
		return op.Operand(0), axis - prefix, true
	case kind.IsReduction():
		dims, err := op.IntsAttr(AttrDimensions)
		if err != nil {
			return nil, 0, false
		}
		input := op.Operand(0)
		kept := 0
		for inputAxis := range input.Type().Rank() {
			if slices.Contains(dims, inputAxis) {
				continue
			}
			if kept == axis {
				return input, inputAxis, true
			}
			kept++
		}
		return nil, 0, false
	case kind == OpDot:
		if axis == 0 {
			return op.Operand(0), 0, true
		}
		return op.Operand(1), 1, true
	case kind.IsRegionMarker():
		term := op.Body().Terminator()
		if term == nil || v.Index() >= term.NumOperands() {
			return nil, 0, false
		}
		return term.Operand(v.Index()), axis, true
	}
	return nil, 0, false
}
