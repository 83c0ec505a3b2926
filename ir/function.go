package ir

import (
	"slices"
	"sync/atomic"
)

// Function is a named graph: its body is a block whose arguments are the parameters, terminated
// by a "return" operation.
type Function struct {
	name        string
	body        *Block
	resultTypes []Type
	module      *Module
	executable  *Executable

	// generation is bumped on every structural change, and it's used to detect stale analyses.
	generation atomic.Uint64
}

// NewFunction creates a detached function with an empty body.
func NewFunction(name string, argTypes, resultTypes []Type) *Function {
	f := &Function{name: name, resultTypes: slices.Clone(resultTypes)}
	f.body = &Block{fn: f}
	for _, t := range argTypes {
		f.body.AddArgument(t)
	}
	return f
}

// Name returns the symbol name of the function.
func (f *Function) Name() string { return f.name }

// Body returns the top-level block of the function.
func (f *Function) Body() *Block { return f.body }

// Args returns the function parameters.
func (f *Function) Args() []*Value { return f.body.Args() }

// Arg returns the i-th parameter.
func (f *Function) Arg(i int) *Value { return f.body.Arg(i) }

// ArgTypes returns the types of the parameters.
func (f *Function) ArgTypes() []Type {
	types := make([]Type, len(f.body.args))
	for i, arg := range f.body.args {
		types[i] = arg.typ
	}
	return types
}

// ResultTypes returns the types returned by the function.
func (f *Function) ResultTypes() []Type { return slices.Clone(f.resultTypes) }

// Module returns the module owning the function, or nil.
func (f *Function) Module() *Module { return f.module }

// Executable returns the executable owning the function (as entry point or callee), or nil.
func (f *Function) Executable() *Executable { return f.executable }

// Generation returns the current generation token. It changes whenever the function is mutated.
func (f *Function) Generation() uint64 { return f.generation.Load() }

func (f *Function) bump() { f.generation.Add(1) }

// Walk calls fn on every operation of the function, nested ones included, in pre-order.
func (f *Function) Walk(fn func(*Operation)) {
	f.body.Walk(fn)
}

// NumOps returns the number of operations in the function, nested ones included.
func (f *Function) NumOps() int {
	count := 0
	f.Walk(func(*Operation) { count++ })
	return count
}

// ReturnOp returns the terminator of the function body, or nil if it isn't a "return".
func (f *Function) ReturnOp() *Operation {
	term := f.body.Terminator()
	if term == nil || term.kind != OpReturn {
		return nil
	}
	return term
}

// Clone returns a detached deep copy of the function under a new name.
func (f *Function) Clone(name string) *Function {
	c := &Function{name: name, resultTypes: slices.Clone(f.resultTypes)}
	c.body = &Block{fn: c}
	f.body.cloneInto(c.body, make(map[*Value]*Value))
	return c
}

// Restore replaces the contents of f with those of snapshot, which must have been created with
// f.Clone and is consumed by the call. It is used to roll back a failed transformation.
func (f *Function) Restore(snapshot *Function) {
	f.body = snapshot.body
	f.body.fn = f
	f.resultTypes = snapshot.resultTypes
	snapshot.body = nil
	f.bump()
}
