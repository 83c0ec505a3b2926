// Package ir is the graph model the flow passes read and rewrite.
//
//   - Module: a whole program, holding functions and the executables outlined from them.
//   - Function: a named graph whose body is a Block of Operations.
//   - Operation: an operator kind applied to ordered operand Values, producing ordered result Values.
//   - Value: a typed edge with a single definition and a use list.
//   - Builder: creates operations at an insertion point, inferring result types.
//
// The model knows nothing about dispatch regions beyond the op kinds of the catalogue: region
// membership and analysis results are kept by the passes in side tables.
package ir

import (
	"fmt"
	"slices"

	"github.com/pkg/errors"
	"github.com/zclconf/go-cty/cty"
)

// Module is a set of functions and executables sharing one symbol namespace.
type Module struct {
	functions   []*Function
	executables []*Executable
	symbols     map[string]any
}

// NewModule returns an empty module.
func NewModule() *Module {
	return &Module{symbols: make(map[string]any)}
}

// AddFunction registers f in the module. It fails if the name is already taken.
func (m *Module) AddFunction(f *Function) error {
	if m.HasSymbol(f.name) {
		return errors.Errorf("symbol %q already defined in module", f.name)
	}
	if f.module != nil {
		return errors.Errorf("function %q already belongs to a module", f.name)
	}
	f.module = m
	m.functions = append(m.functions, f)
	m.symbols[f.name] = f
	return nil
}

// Functions returns the functions of the module, in registration order.
func (m *Module) Functions() []*Function { return slices.Clone(m.functions) }

// LookupFunction returns the function with the given name, or nil.
func (m *Module) LookupFunction(name string) *Function {
	f, _ := m.symbols[name].(*Function)
	return f
}

// AddExecutable registers e in the module. It fails if the name is already taken.
func (m *Module) AddExecutable(e *Executable) error {
	if m.HasSymbol(e.Name) {
		return errors.Errorf("symbol %q already defined in module", e.Name)
	}
	e.module = m
	m.executables = append(m.executables, e)
	m.symbols[e.Name] = e
	return nil
}

// Executables returns the executables of the module, in registration order.
func (m *Module) Executables() []*Executable { return slices.Clone(m.executables) }

// LookupExecutable returns the executable with the given name, or nil.
func (m *Module) LookupExecutable(name string) *Executable {
	e, _ := m.symbols[name].(*Executable)
	return e
}

// RemoveExecutable unregisters the executable with the given name. It returns false if not found.
func (m *Module) RemoveExecutable(name string) bool {
	e := m.LookupExecutable(name)
	if e == nil {
		return false
	}
	m.executables = slices.DeleteFunc(m.executables, func(x *Executable) bool { return x == e })
	delete(m.symbols, name)
	e.module = nil
	return true
}

// HasSymbol returns whether name is used by a function or executable.
func (m *Module) HasSymbol(name string) bool {
	_, found := m.symbols[name]
	return found
}

// UniqueSymbol returns base if it is free, otherwise base followed by the first free "_<k>" suffix.
func (m *Module) UniqueSymbol(base string) string {
	if !m.HasSymbol(base) {
		return base
	}
	for k := 1; ; k++ {
		name := fmt.Sprintf("%s_%d", base, k)
		if !m.HasSymbol(name) {
			return name
		}
	}
}

// Verify checks every function and executable of the module.
func (m *Module) Verify() error {
	for _, f := range m.functions {
		if err := f.Verify(); err != nil {
			return err
		}
	}
	for _, e := range m.executables {
		if err := e.Verify(); err != nil {
			return err
		}
	}
	return nil
}

// ExecutableKind distinguishes plain dispatch executables from reductions.
type ExecutableKind int

const (
	// DispatchExecutable is a pure map over its workload.
	DispatchExecutable ExecutableKind = iota

	// ReductionExecutable threads an accumulator operand/result pair.
	ReductionExecutable
)

// String implements fmt.Stringer.
func (k ExecutableKind) String() string {
	if k == ReductionExecutable {
		return "reduction"
	}
	return "dispatch"
}

// Executable is a standalone unit outlined from a region: an entry function with an explicit
// signature, the functions it calls and the workload it is invoked over.
type Executable struct {
	Name string
	Kind ExecutableKind

	// Entry is the entry point: its parameters are the operands and its returned values the results.
	Entry *Function

	// Callees are private copies of the functions called from Entry.
	Callees []*Function

	// Workload is set by workload assignment, when all call sites agree. Nil means unresolved.
	Workload *Workload

	// Attrs holds attributes of the entry point, e.g. "workload".
	Attrs map[string]cty.Value

	// AccumulatorOperand and AccumulatorResult index the accumulator pair of reduction
	// executables in the entry signature. Both are -1 for dispatch executables.
	AccumulatorOperand, AccumulatorResult int

	module *Module
}

// NewExecutable creates an executable for the given entry function.
func NewExecutable(name string, kind ExecutableKind, entry *Function) *Executable {
	e := &Executable{
		Name:               name,
		Kind:               kind,
		Entry:              entry,
		AccumulatorOperand: -1,
		AccumulatorResult:  -1,
	}
	entry.executable = e
	return e
}

// AddCallee registers a private copy of a called function.
func (e *Executable) AddCallee(f *Function) {
	f.executable = e
	e.Callees = append(e.Callees, f)
}

// LookupCallee returns the callee with the given name, or nil.
func (e *Executable) LookupCallee(name string) *Function {
	for _, f := range e.Callees {
		if f.name == name {
			return f
		}
	}
	return nil
}

// Module returns the module owning the executable, or nil.
func (e *Executable) Module() *Module { return e.module }

// SetAttr sets an attribute of the entry point.
func (e *Executable) SetAttr(name string, value cty.Value) {
	if e.Attrs == nil {
		e.Attrs = make(map[string]cty.Value)
	}
	e.Attrs[name] = value
}

// Verify checks the entry point and the callees.
func (e *Executable) Verify() error {
	if e.Entry == nil {
		return errors.Errorf("executable %q has no entry point", e.Name)
	}
	if err := e.Entry.Verify(); err != nil {
		return errors.WithMessagef(err, "executable %q", e.Name)
	}
	for _, f := range e.Callees {
		if err := f.Verify(); err != nil {
			return errors.WithMessagef(err, "executable %q", e.Name)
		}
	}
	if e.Kind == ReductionExecutable {
		if e.AccumulatorOperand < 0 || e.AccumulatorOperand >= e.Entry.body.NumArgs() ||
			e.AccumulatorResult < 0 || e.AccumulatorResult >= len(e.Entry.resultTypes) {
			return errors.Errorf("reduction executable %q has an invalid accumulator pair (%d, %d)",
				e.Name, e.AccumulatorOperand, e.AccumulatorResult)
		}
	}
	return nil
}

// ResolveCallee returns the function called by a "call" operation: the executable's callees are
// searched for calls within executables, the module functions otherwise.
func ResolveCallee(call *Operation) *Function {
	name := call.StringAttr(AttrCallee)
	fn := call.Function()
	if fn == nil {
		return nil
	}
	if e := fn.executable; e != nil {
		return e.LookupCallee(name)
	}
	if fn.module != nil {
		return fn.module.LookupFunction(name)
	}
	return nil
}
