package ir

import (
	"github.com/pkg/errors"
)

// OpKind is the operator kind of an Operation.
type OpKind string

// Operation kinds known to the graph model.
const (
	OpConstant OpKind = "constant"

	// Elementwise binary ops: operands must have identical types.
	OpAdd OpKind = "add"
	OpSub OpKind = "sub"
	OpMul OpKind = "mul"
	OpDiv OpKind = "div"
	OpMax OpKind = "max"
	OpMin OpKind = "min"

	// Elementwise unary ops.
	OpNeg  OpKind = "neg"
	OpAbs  OpKind = "abs"
	OpExp  OpKind = "exp"
	OpLog  OpKind = "log"
	OpSqrt OpKind = "sqrt"
	OpTanh OpKind = "tanh"

	OpConvert   OpKind = "convert"
	OpBroadcast OpKind = "broadcast"
	OpDot       OpKind = "dot"
	OpSelect    OpKind = "select"

	// Reductions take (input, init) and the "dimensions" attribute.
	OpReduceSum OpKind = "reduce.sum"
	OpReduceMax OpKind = "reduce.max"

	OpGetRankedShape OpKind = "shape.get_ranked_shape"
	OpCastCompatible OpKind = "shape.cast_compatible"
	OpTieShape       OpKind = "shape.tie"

	OpCall   OpKind = "call"
	OpReturn OpKind = "return"
	OpIf     OpKind = "scf.if"
	OpYield  OpKind = "scf.yield"

	OpPrint  OpKind = "io.print"
	OpHandle OpKind = "io.handle"

	OpDispatchRegion  OpKind = "flow.dispatch_region"
	OpReductionRegion OpKind = "flow.reduction_region"
	OpFlowReturn      OpKind = "flow.return"
	OpDispatch        OpKind = "flow.dispatch"
)

// Attribute names used by the op catalogue.
const (
	AttrCallee      = "callee"
	AttrExecutable  = "executable"
	AttrDimensions  = "dimensions"
	AttrWorkload    = "workload"
	AttrAccumulator = "accumulator"
)

type opTraits uint32

const (
	traitPure opTraits = 1 << iota
	traitElementwise
	traitReduction
	traitTerminator
	traitRegionMarker
	traitSideEffect
)

// variadic marks an unbounded number of operands or results.
const variadic = -1

type opInfo struct {
	minOperands, maxOperands int
	numResults               int
	numBlocks                int
	traits                   opTraits
}

var opCatalogue = map[OpKind]opInfo{
	OpConstant: {0, 0, 1, 0, traitPure},

	OpAdd: {2, 2, 1, 0, traitPure | traitElementwise},
	OpSub: {2, 2, 1, 0, traitPure | traitElementwise},
	OpMul: {2, 2, 1, 0, traitPure | traitElementwise},
	OpDiv: {2, 2, 1, 0, traitPure | traitElementwise},
	OpMax: {2, 2, 1, 0, traitPure | traitElementwise},
	OpMin: {2, 2, 1, 0, traitPure | traitElementwise},

	OpNeg:  {1, 1, 1, 0, traitPure | traitElementwise},
	OpAbs:  {1, 1, 1, 0, traitPure | traitElementwise},
	OpExp:  {1, 1, 1, 0, traitPure | traitElementwise},
	OpLog:  {1, 1, 1, 0, traitPure | traitElementwise},
	OpSqrt: {1, 1, 1, 0, traitPure | traitElementwise},
	OpTanh: {1, 1, 1, 0, traitPure | traitElementwise},

	OpConvert:   {1, 1, 1, 0, traitPure},
	OpBroadcast: {1, 1, 1, 0, traitPure},
	OpDot:       {2, 2, 1, 0, traitPure},
	OpSelect:    {3, 3, 1, 0, traitPure | traitElementwise},

	OpReduceSum: {2, 2, 1, 0, traitPure | traitReduction},
	OpReduceMax: {2, 2, 1, 0, traitPure | traitReduction},

	OpGetRankedShape: {1, 1, 1, 0, traitPure},
	OpCastCompatible: {1, variadic, 1, 0, traitPure},
	OpTieShape:       {2, 2, 1, 0, traitPure},

	OpCall:   {0, variadic, variadic, 0, 0},
	OpReturn: {0, variadic, 0, 0, traitTerminator},
	OpIf:     {1, 1, variadic, 2, 0},
	OpYield:  {0, variadic, 0, 0, traitTerminator},

	OpPrint:  {0, variadic, 0, 0, traitSideEffect},
	OpHandle: {0, 0, 1, 0, traitSideEffect},

	OpDispatchRegion:  {0, 0, variadic, 1, traitRegionMarker},
	OpReductionRegion: {0, 0, variadic, 1, traitRegionMarker},
	OpFlowReturn:      {0, variadic, 0, 0, traitTerminator},
	OpDispatch:        {0, variadic, variadic, 0, 0},
}

// IsKnown returns whether the kind is part of the op catalogue.
func (k OpKind) IsKnown() bool {
	_, found := opCatalogue[k]
	return found
}

func (k OpKind) has(trait opTraits) bool {
	return opCatalogue[k].traits&trait != 0
}

// IsPure returns whether ops of this kind are free of side effects and don't depend on the host.
func (k OpKind) IsPure() bool { return k.has(traitPure) }

// IsElementwise returns whether the kind is an elementwise op: result type equals the operands type.
func (k OpKind) IsElementwise() bool { return k.has(traitElementwise) }

// IsReduction returns whether the kind is an associative reduction root.
func (k OpKind) IsReduction() bool { return k.has(traitReduction) }

// IsTerminator returns whether the kind terminates a block.
func (k OpKind) IsTerminator() bool { return k.has(traitTerminator) }

// IsRegionMarker returns whether the kind wraps a dispatch or reduction region.
func (k OpKind) IsRegionMarker() bool { return k.has(traitRegionMarker) }

// HasSideEffects returns whether ops of this kind interact with the host.
func (k OpKind) HasSideEffects() bool { return k.has(traitSideEffect) }

// CheckArity verifies the number of operands, results and nested blocks of op against its kind.
// Unknown kinds are reported as errors.
func CheckArity(op *Operation) error {
	info, found := opCatalogue[op.Kind()]
	if !found {
		return errors.Errorf("unknown operation kind %q", op.Kind())
	}
	n := op.NumOperands()
	if n < info.minOperands || (info.maxOperands != variadic && n > info.maxOperands) {
		if info.minOperands == info.maxOperands {
			return errors.Errorf("%s expects %d operands, got %d", op.Kind(), info.minOperands, n)
		}
		return errors.Errorf("%s expects at least %d operands, got %d", op.Kind(), info.minOperands, n)
	}
	if info.numResults != variadic && op.NumResults() != info.numResults {
		return errors.Errorf("%s expects %d results, got %d", op.Kind(), info.numResults, op.NumResults())
	}
	if len(op.blocks) != info.numBlocks {
		return errors.Errorf("%s expects %d nested blocks, got %d", op.Kind(), info.numBlocks, len(op.blocks))
	}
	return nil
}
