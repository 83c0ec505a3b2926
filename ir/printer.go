package ir

import (
	"bytes"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/zclconf/go-cty/cty"
)

// printer renders functions in a textual form, numbering values locally to each function.
type printer struct {
	buf bytes.Buffer

	// canonical omits the function name and the locations, so that structurally equal
	// functions print the same.
	canonical bool

	names    map[*Value]string
	nextName int
	nextArg  int
}

func newPrinter(canonical bool) *printer {
	return &printer{canonical: canonical, names: make(map[*Value]string)}
}

// w writes formatted text to the buffer.
func (p *printer) w(format string, args ...any) {
	if len(args) == 0 {
		p.buf.WriteString(format)
	} else {
		p.buf.WriteString(fmt.Sprintf(format, args...))
	}
}

func (p *printer) indent(depth int) {
	p.buf.WriteString(strings.Repeat("  ", depth))
}

func (p *printer) name(v *Value) string {
	if name, found := p.names[v]; found {
		return name
	}
	// Values defined outside the printed function (shouldn't happen in verified IR).
	return fmt.Sprintf("%%ext%d", v.id)
}

func (p *printer) defineArg(v *Value) string {
	name := fmt.Sprintf("%%arg%d", p.nextArg)
	p.nextArg++
	p.names[v] = name
	return name
}

func (p *printer) defineResult(v *Value) string {
	name := fmt.Sprintf("%%%d", p.nextName)
	p.nextName++
	p.names[v] = name
	return name
}

func (p *printer) function(f *Function) {
	if p.canonical {
		p.w("func(")
	} else {
		p.w("func @%s(", f.name)
	}
	for i, arg := range f.body.args {
		if i > 0 {
			p.w(", ")
		}
		p.w("%s: %s", p.defineArg(arg), arg.typ)
	}
	p.w(") -> (%s) {\n", typesString(f.resultTypes))
	p.block(f.body, 1)
	p.w("}\n")
}

func (p *printer) block(b *Block, depth int) {
	if depth > 1 && len(b.args) > 0 {
		p.indent(depth - 1)
		p.w("^(")
		for i, arg := range b.args {
			if i > 0 {
				p.w(", ")
			}
			p.w("%s: %s", p.defineArg(arg), arg.typ)
		}
		p.w("):\n")
	}
	for _, op := range b.ops {
		p.operation(op, depth)
	}
}

func (p *printer) operation(op *Operation, depth int) {
	p.indent(depth)
	if len(op.results) > 0 {
		names := make([]string, len(op.results))
		for i, r := range op.results {
			names[i] = p.defineResult(r)
		}
		p.w("%s = ", strings.Join(names, ", "))
	}
	p.w("%s(", op.kind)
	for i, operand := range op.operands {
		if i > 0 {
			p.w(", ")
		}
		p.w("%s", p.name(operand))
	}
	p.w(")")
	if len(op.Attrs) > 0 {
		p.w(" {")
		for i, key := range slices.Sorted(maps.Keys(op.Attrs)) {
			if i > 0 {
				p.w(", ")
			}
			p.w("%s = %s", key, FormatAttr(op.Attrs[key]))
		}
		p.w("}")
	}
	if op.Payload != nil {
		p.w(" value=%s", payloadString(op))
	}
	if op.Workload != nil {
		p.w(" workload=%s", p.workload(op.Workload))
	}
	if len(op.results) > 0 {
		p.w(" : %s", typesString(op.ResultTypes()))
	}
	if !p.canonical && op.Loc.IsKnown() {
		p.w(" %s", op.Loc)
	}
	if len(op.blocks) == 0 {
		p.w("\n")
		return
	}
	for i, b := range op.blocks {
		if i == 0 {
			p.w(" {\n")
		} else {
			p.indent(depth)
			p.w("} {\n")
		}
		p.block(b, depth+1)
	}
	p.indent(depth)
	p.w("}\n")
}

// workload prints dynamic dimensions with their provenance when it is known.
func (p *printer) workload(w *Workload) string {
	parts := make([]string, len(w.Dims))
	for i, d := range w.Dims {
		switch {
		case !d.IsDynamic():
			parts[i] = strconv.Itoa(d.Size)
		case d.Source != nil:
			if name, found := p.names[d.Source]; found {
				parts[i] = fmt.Sprintf("dim(%s, %d)", name, d.Axis)
			} else {
				parts[i] = "?"
			}
		default:
			parts[i] = "?"
		}
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func payloadString(op *Operation) string {
	var sb strings.Builder
	sb.WriteString("dense<")
	op.Payload.ConstFlatData(func(flat any) {
		sb.WriteString(fmt.Sprintf("%v", flat))
	})
	sb.WriteString(">")
	return sb.String()
}

// FormatAttr formats an attribute value: strings are quoted, lists use brackets and nulls
// print as "null".
func FormatAttr(v cty.Value) string {
	switch {
	case v.IsNull():
		return "null"
	case !v.IsKnown():
		return "?"
	}
	t := v.Type()
	switch {
	case t == cty.String:
		return strconv.Quote(v.AsString())
	case t == cty.Number:
		return v.AsBigFloat().Text('g', -1)
	case t == cty.Bool:
		return strconv.FormatBool(v.True())
	case t.IsListType() || t.IsTupleType() || t.IsSetType():
		var parts []string
		for it := v.ElementIterator(); it.Next(); {
			_, elem := it.Element()
			parts = append(parts, FormatAttr(elem))
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case t.IsMapType() || t.IsObjectType():
		var parts []string
		for it := v.ElementIterator(); it.Next(); {
			key, elem := it.Element()
			parts = append(parts, fmt.Sprintf("%s = %s", key.AsString(), FormatAttr(elem)))
		}
		return "{" + strings.Join(parts, ", ") + "}"
	}
	return v.GoString()
}

// String implements fmt.Stringer, printing the whole function.
func (f *Function) String() string {
	p := newPrinter(false)
	p.function(f)
	return p.buf.String()
}

// CanonicalString prints the function without its name or locations: two functions with the
// same canonical string compute the same thing.
func (f *Function) CanonicalString() string {
	p := newPrinter(true)
	p.function(f)
	return p.buf.String()
}

// String implements fmt.Stringer, printing the executable with its entry point and callees.
func (e *Executable) String() string {
	var buf bytes.Buffer
	w := func(format string, args ...any) {
		buf.WriteString(fmt.Sprintf(format, args...))
	}
	w("executable @%s (%s) workload=%s", e.Name, e.Kind, e.Workload)
	if e.Kind == ReductionExecutable {
		w(" accumulator=(%d, %d)", e.AccumulatorOperand, e.AccumulatorResult)
	}
	for _, key := range slices.Sorted(maps.Keys(e.Attrs)) {
		w(" %s=%s", key, FormatAttr(e.Attrs[key]))
	}
	w(" {\n")
	if e.Entry != nil {
		buf.WriteString(e.Entry.String())
	}
	for _, f := range e.Callees {
		buf.WriteString(f.String())
	}
	w("}\n")
	return buf.String()
}

// CanonicalString prints what identifies the computation of the executable: its kind, the
// accumulator pair and the canonical form of its functions. Callee names are kept, since they
// are referenced by the calls.
func (e *Executable) CanonicalString() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%s accumulator=(%d, %d)\n", e.Kind, e.AccumulatorOperand, e.AccumulatorResult))
	if e.Entry != nil {
		sb.WriteString(e.Entry.CanonicalString())
	}
	for _, f := range e.Callees {
		sb.WriteString(fmt.Sprintf("@%s = ", f.name))
		sb.WriteString(f.CanonicalString())
	}
	return sb.String()
}

// String implements fmt.Stringer, printing all functions and executables of the module.
func (m *Module) String() string {
	var buf bytes.Buffer
	for _, f := range m.functions {
		buf.WriteString(f.String())
	}
	for _, e := range m.executables {
		buf.WriteString(e.String())
	}
	return buf.String()
}
