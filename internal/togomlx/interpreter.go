// Package togomlx executes ir functions with GoMLX, as a reference for the semantics of a
// module before and after partitioning.
package togomlx

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/flow-gomlx/ir"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/backends/simplego"
	. "github.com/gomlx/gomlx/pkg/core/graph" //nolint
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Evaluate executes the function named fnName of m on the simplego backend, and returns its results.
//
// Every operation is converted to GoMLX ops in one graph: calls and dispatches are inlined,
// both branches of an "scf.if" are computed and selected with Where, and shape values are
// tracked statically. Host side effects are ignored.
func Evaluate(m *ir.Module, fnName string, inputs ...*tensors.Tensor) ([]*tensors.Tensor, error) {
	backend, err := simplego.New("")
	if err != nil {
		return nil, errors.Wrap(err, "failed to create simplego backend")
	}
	defer backend.Finalize()
	return EvaluateWith(backend, m, fnName, inputs...)
}

// EvaluateWith is like Evaluate, using the given backend.
func EvaluateWith(backend backends.Backend, m *ir.Module, fnName string, inputs ...*tensors.Tensor) ([]*tensors.Tensor, error) {
	fn := m.LookupFunction(fnName)
	if fn == nil {
		return nil, errors.Errorf("function %q not found in module", fnName)
	}
	if len(inputs) != len(fn.Args()) {
		return nil, errors.Errorf("function %q takes %d inputs, got %d", fnName, len(fn.Args()), len(inputs))
	}
	for i, input := range inputs {
		if !Compatible(fn.Arg(i).Type(), input.Shape()) {
			return nil, errors.Errorf("input #%d of shape %s doesn't match the parameter type %s",
				i, input.Shape(), fn.Arg(i).Type())
		}
	}
	var results []*tensors.Tensor
	err := exceptions.TryCatch[error](func() {
		results = MustExecOnceN(backend, func(g *Graph) []*Node {
			args := make([]*Node, len(inputs))
			for i, input := range inputs {
				args[i] = Const(g, input)
			}
			return newConverter(m, g).call(fn, args)
		})
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "while evaluating %q", fnName)
	}
	return results, nil
}

// binding is what a Value converts to: a graph node for tensors, or the dimensions for shape values.
type binding struct {
	node  *Node
	shape []int
}

type converter struct {
	module *ir.Module
	graph  *Graph
	depth  int
}

// maxCallDepth bounds the inlining of calls, to fail on recursive functions.
const maxCallDepth = 64

func newConverter(m *ir.Module, g *Graph) *converter {
	return &converter{module: m, graph: g}
}

// call converts the body of fn with the given arguments, and returns the converted results.
func (c *converter) call(fn *ir.Function, args []*Node) []*Node {
	c.depth++
	defer func() { c.depth-- }()
	if c.depth > maxCallDepth {
		exceptions.Panicf("call depth exceeds %d converting %q: recursive function?", maxCallDepth, fn.Name())
	}
	env := make(map[*ir.Value]binding)
	for i, arg := range args {
		env[fn.Arg(i)] = binding{node: arg}
	}
	return c.nodes(c.block(fn.Body(), env))
}

// block converts the operations of b, and returns the values passed to its terminator.
func (c *converter) block(b *ir.Block, env map[*ir.Value]binding) []binding {
	for _, op := range b.Ops() {
		if op.Kind().IsTerminator() {
			results := make([]binding, op.NumOperands())
			for i, v := range op.Operands() {
				results[i] = env[v]
			}
			return results
		}
		for i, r := range c.operation(op, env) {
			env[op.Result(i)] = r
		}
	}
	exceptions.Panicf("block without terminator")
	return nil
}

func (c *converter) nodes(bindings []binding) []*Node {
	nodes := make([]*Node, len(bindings))
	for i, b := range bindings {
		if b.node == nil {
			exceptions.Panicf("value #%d is not a tensor", i)
		}
		nodes[i] = b.node
	}
	return nodes
}

func (c *converter) operands(op *ir.Operation, env map[*ir.Value]binding) []*Node {
	operands := make([]*Node, op.NumOperands())
	for i, v := range op.Operands() {
		b, found := env[v]
		if !found {
			exceptions.Panicf("%s: operand #%d is not defined", op, i)
		}
		operands[i] = b.node
	}
	return operands
}

// operation converts op, and returns the bindings of its results.
func (c *converter) operation(op *ir.Operation, env map[*ir.Value]binding) []binding {
	kind := op.Kind()
	x := c.operands(op, env)
	single := func(n *Node) []binding { return []binding{{node: n}} }
	switch kind {
	case ir.OpConstant:
		if op.Payload == nil {
			exceptions.Panicf("%s: constant without a value", op)
		}
		return single(Const(c.graph, op.Payload))
	case ir.OpAdd:
		return single(Add(x[0], x[1]))
	case ir.OpSub:
		return single(Sub(x[0], x[1]))
	case ir.OpMul:
		return single(Mul(x[0], x[1]))
	case ir.OpDiv:
		return single(Div(x[0], x[1]))
	case ir.OpMax:
		return single(Max(x[0], x[1]))
	case ir.OpMin:
		return single(Min(x[0], x[1]))
	case ir.OpNeg:
		return single(Neg(x[0]))
	case ir.OpAbs:
		return single(Abs(x[0]))
	case ir.OpExp:
		return single(Exp(x[0]))
	case ir.OpLog:
		return single(Log(x[0]))
	case ir.OpSqrt:
		return single(Sqrt(x[0]))
	case ir.OpTanh:
		return single(Tanh(x[0]))
	case ir.OpConvert:
		return single(ConvertDType(x[0], op.Result(0).Type().DType()))
	case ir.OpBroadcast:
		resultDims := op.Result(0).Type().Dims()
		prefix := resultDims[:len(resultDims)-x[0].Rank()]
		return single(BroadcastPrefix(x[0], prefix...))
	case ir.OpDot:
		return single(MatMul(x[0], x[1]))
	case ir.OpSelect:
		return single(Where(x[0], x[1], x[2]))
	case ir.OpReduceSum, ir.OpReduceMax:
		return single(c.reduce(op, x[0], x[1]))

	case ir.OpGetRankedShape:
		return []binding{{shape: x[0].Shape().Dimensions}}
	case ir.OpCastCompatible:
		return []binding{{shape: c.castCompatible(op, env)}}
	case ir.OpTieShape:
		if dims := env[op.Operand(1)].shape; !slices.Equal(dims, x[0].Shape().Dimensions) {
			exceptions.Panicf("%s: value of shape %s tied to dimensions %v", op, x[0].Shape(), dims)
		}
		return single(x[0])

	case ir.OpCall:
		callee := ir.ResolveCallee(op)
		if callee == nil {
			exceptions.Panicf("%s: undefined callee %q", op, op.StringAttr(ir.AttrCallee))
		}
		return bindNodes(c.call(callee, x))
	case ir.OpDispatch:
		name := op.StringAttr(ir.AttrExecutable)
		e := c.module.LookupExecutable(name)
		if e == nil {
			exceptions.Panicf("%s: undefined executable %q", op, name)
		}
		return bindNodes(c.call(e.Entry, x))
	case ir.OpIf:
		return c.ifOp(op, x[0], env)
	case ir.OpDispatchRegion, ir.OpReductionRegion:
		return c.block(op.Body(), env)

	case ir.OpPrint:
		klog.V(2).Infof("togomlx: ignoring %s", op)
		return nil
	case ir.OpHandle:
		return []binding{{}}
	}
	exceptions.Panicf("%s: operation not supported", op)
	return nil
}

func bindNodes(nodes []*Node) []binding {
	bindings := make([]binding, len(nodes))
	for i, n := range nodes {
		bindings[i] = binding{node: n}
	}
	return bindings
}

// reduce combines the reduction of input over the "dimensions" attribute with init.
func (c *converter) reduce(op *ir.Operation, input, init *Node) *Node {
	dims, err := op.IntsAttr(ir.AttrDimensions)
	if err != nil {
		panic(errors.WithMessagef(err, "%s", op))
	}
	if op.Kind() == ir.OpReduceMax {
		return Max(ReduceMax(input, dims...), init)
	}
	return Add(ReduceSum(input, dims...), init)
}

// castCompatible broadcasts the shape operands together, aligned on their last axis, and checks
// the result against the static dimensions of the result type.
func (c *converter) castCompatible(op *ir.Operation, env map[*ir.Value]binding) []int {
	var dims []int
	for _, v := range op.Operands() {
		shape := env[v].shape
		if len(shape) > len(dims) {
			dims = append(slices.Repeat([]int{1}, len(shape)-len(dims)), dims...)
		}
		offset := len(dims) - len(shape)
		for axis, d := range shape {
			switch current := dims[offset+axis]; {
			case d == current || d == 1:
			case current == 1:
				dims[offset+axis] = d
			default:
				exceptions.Panicf("%s: incompatible shapes %v and %v", op, dims, shape)
			}
		}
	}
	target := op.Result(0).Type()
	if len(dims) != target.Rank() {
		exceptions.Panicf("%s: shape %v incompatible with %s", op, dims, target)
	}
	for axis, d := range target.Shape.Dimensions {
		if d != ir.DynamicDim && dims[axis] != d {
			exceptions.Panicf("%s: shape %v incompatible with %s", op, dims, target)
		}
	}
	return dims
}

// ifOp converts both branches and selects their results with the condition.
func (c *converter) ifOp(op *ir.Operation, cond *Node, env map[*ir.Value]binding) []binding {
	onTrue := c.nodes(c.block(op.Blocks()[0], env))
	onFalse := c.nodes(c.block(op.Blocks()[1], env))
	results := make([]binding, len(onTrue))
	for i := range onTrue {
		branchCond := cond
		if dims := onTrue[i].Shape().Dimensions; cond.Rank() == 0 && len(dims) > 0 {
			branchCond = BroadcastToDims(cond, dims...)
		}
		results[i] = binding{node: Where(branchCond, onTrue[i], onFalse[i])}
	}
	return results
}
