package flow

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/flow-gomlx/internal/unionfind"
	"github.com/gomlx/flow-gomlx/ir"
	"github.com/gomlx/gomlx/pkg/support/sets"
)

// isPlainRegion returns whether op is a dispatch region marker (not a reduction region).
func isPlainRegion(op *ir.Operation) bool { return op.Kind() == ir.OpDispatchRegion }

// regionMembers returns the operations wrapped by a region marker, without its terminator.
func regionMembers(marker *ir.Operation) []*ir.Operation {
	ops := marker.Body().Ops()
	return ops[:len(ops)-1]
}

// effectCache memoizes which functions have ordered effects.
type effectCache map[*ir.Function]bool

// orderedEffect returns whether the relative order of op with other such ops must be preserved:
// host side effects, calls to functions that (transitively) have them or can't be resolved, and
// operations with such effects in their nested blocks, region markers included.
func (cache effectCache) orderedEffect(op *ir.Operation) bool {
	direct, callees := directEffects(op)
	if direct {
		return true
	}
	for _, callee := range callees {
		if cache.functionHasEffects(callee) {
			return true
		}
	}
	return false
}

// functionHasEffects returns whether f, or any function it transitively calls, has direct effects.
func (cache effectCache) functionHasEffects(f *ir.Function) bool {
	if effects, found := cache[f]; found {
		return effects
	}
	visited := sets.Make[*ir.Function]()
	stack := []*ir.Function{f}
	visited.Insert(f)
	effects := false
	for len(stack) > 0 && !effects {
		fn := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, op := range fn.Body().Ops() {
			direct, callees := directEffects(op)
			if direct {
				effects = true
				break
			}
			for _, callee := range callees {
				if !visited.Has(callee) {
					visited.Insert(callee)
					stack = append(stack, callee)
				}
			}
		}
	}
	cache[f] = effects
	return effects
}

// directEffects returns whether op, or an operation nested in it, has host side effects or calls
// an unknown function, and otherwise the functions it calls.
func directEffects(op *ir.Operation) (direct bool, callees []*ir.Function) {
	if op.Kind().HasSideEffects() {
		return true, nil
	}
	if op.Kind() == ir.OpCall {
		callee := ir.ResolveCallee(op)
		if callee == nil {
			return true, nil
		}
		callees = append(callees, callee)
	}
	for _, block := range op.Blocks() {
		for _, nested := range block.Ops() {
			nestedDirect, nestedCallees := directEffects(nested)
			if nestedDirect {
				return true, nil
			}
			callees = append(callees, nestedCallees...)
		}
	}
	return false, callees
}

// blockGraph is the dependency graph between the operations directly in a block: an edge goes
// from a producer to every consumer, where uses nested in an operation count as uses by that
// operation. Operations with ordered effects are chained in block order. A region marker is
// chained exactly when one of its members is, so graphs over markers and over their members agree.
type blockGraph struct {
	block *ir.Block
	ops   []*ir.Operation
	pos   map[*ir.Operation]int
	succ  [][]int
	pred  [][]int
}

func newBlockGraph(b *ir.Block) *blockGraph {
	g := &blockGraph{block: b, ops: b.Ops(), pos: b.PositionMap()}
	n := len(g.ops)
	g.succ = make([][]int, n)
	g.pred = make([][]int, n)
	lastEffect := -1
	effects := make(effectCache)
	for i, op := range g.ops {
		for _, r := range op.Results() {
			for _, use := range r.Uses() {
				user := use.Op.AncestorIn(b)
				if user == nil {
					continue
				}
				g.addEdge(i, g.pos[user])
			}
		}
		if effects.orderedEffect(op) {
			if lastEffect >= 0 {
				g.addEdge(lastEffect, i)
			}
			lastEffect = i
		}
	}
	return g
}

func (g *blockGraph) addEdge(from, to int) {
	if from == to || slices.Contains(g.succ[from], to) {
		return
	}
	g.succ[from] = append(g.succ[from], to)
	g.pred[to] = append(g.pred[to], from)
}

// clustering groups operations of a block into candidate regions, with union-find bookkeeping.
type clustering struct {
	*blockGraph
	uf      *unionfind.Set
	member  []bool        // Whether the operation is assigned to a cluster.
	classes map[int][]int // Root -> positions, for assigned operations.
}

func newClustering(g *blockGraph) *clustering {
	return &clustering{
		blockGraph: g,
		uf:         unionfind.New(len(g.ops)),
		member:     make([]bool, len(g.ops)),
		classes:    make(map[int][]int),
	}
}

// assign makes position i a member, in a cluster of its own.
func (c *clustering) assign(i int) {
	c.member[i] = true
	c.classes[c.uf.Find(i)] = []int{i}
}

// root returns the cluster id of position i, or -1 if it isn't assigned.
func (c *clustering) root(i int) int {
	if !c.member[i] {
		return -1
	}
	return c.uf.Find(i)
}

// union merges the clusters of positions a and b.
func (c *clustering) union(a, b int) {
	ra, rb := c.uf.Find(a), c.uf.Find(b)
	if ra == rb {
		return
	}
	merged := append(c.classes[ra], c.classes[rb]...)
	delete(c.classes, ra)
	delete(c.classes, rb)
	slices.Sort(merged)
	c.classes[c.uf.Union(ra, rb)] = merged
}

// wouldCycle returns whether merging the clusters with the given roots into one would create a
// cycle: a path leaving the merged cluster and coming back to it. Other clusters count as a
// single node each, since they will be wrapped as one operation. Only positions up to limit are
// explored: callers guarantee nothing beyond it can lead back into the merged cluster.
func (c *clustering) wouldCycle(roots []int, limit int) bool {
	inMerged := func(i int) bool {
		r := c.root(i)
		return r >= 0 && slices.Contains(roots, r)
	}
	visited := make([]bool, len(c.ops))
	var queue []int
	visit := func(i int) {
		if visited[i] || i > limit {
			return
		}
		visited[i] = true
		queue = append(queue, i)
		if r := c.root(i); r >= 0 {
			// The whole cluster is reached.
			for _, j := range c.classes[r] {
				if !visited[j] && j <= limit {
					visited[j] = true
					queue = append(queue, j)
				}
			}
		}
	}
	for _, r := range roots {
		for _, i := range c.classes[r] {
			for _, s := range c.succ[i] {
				if !inMerged(s) {
					visit(s)
				}
			}
		}
	}
	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		for _, s := range c.succ[i] {
			if inMerged(s) {
				return true
			}
			visit(s)
		}
	}
	return false
}

// orderedClasses returns the clusters, each as a list of operations in block order, ordered by
// their first operation.
func (c *clustering) orderedClasses() [][]*ir.Operation {
	roots := make([]int, 0, len(c.classes))
	for r := range c.classes {
		roots = append(roots, r)
	}
	slices.SortFunc(roots, func(a, b int) int { return c.classes[a][0] - c.classes[b][0] })
	result := make([][]*ir.Operation, len(roots))
	for i, r := range roots {
		for _, p := range c.classes[r] {
			result[i] = append(result[i], c.ops[p])
		}
	}
	return result
}

// escapingValues returns the results of members used by operations outside the member set,
// in definition order.
func escapingValues(members []*ir.Operation) []*ir.Value {
	block := members[0].Block()
	memberSet := sets.Make[*ir.Operation](len(members))
	for _, op := range members {
		memberSet.Insert(op)
	}
	var escaping []*ir.Value
	for _, op := range members {
		for _, r := range op.Results() {
			for _, use := range r.Uses() {
				if user := use.Op.AncestorIn(block); user == nil || !memberSet.Has(user) {
					escaping = append(escaping, r)
					break
				}
			}
		}
	}
	return escaping
}

// regionWorkload returns the workload of a region: the shape of its first escaping value, or of
// the last member's first result if nothing escapes.
func regionWorkload(members []*ir.Operation, escaping []*ir.Value) *ir.Workload {
	if len(escaping) > 0 {
		return ir.WorkloadOf(escaping[0])
	}
	for i := len(members) - 1; i >= 0; i-- {
		if members[i].NumResults() > 0 {
			return ir.WorkloadOf(members[i].Result(0))
		}
	}
	return ir.StaticWorkload()
}

// wrapRegion wraps members, operations of one block listed in block order, into a new region
// marker of the given kind, and returns it. The marker results are the escaping values.
//
// Non-member operations placed between the members that they (transitively) depend on are
// hoisted before the first member, where the marker is inserted. The members must form a convex
// set: no path may leave them and come back. Violations panic.
func wrapRegion(kind ir.OpKind, members []*ir.Operation, workload *ir.Workload) *ir.Operation {
	if len(members) == 0 {
		exceptions.Panicf("flow.wrapRegion: no members")
	}
	block := members[0].Block()
	memberSet := sets.Make[*ir.Operation](len(members))
	for _, op := range members {
		if op.Block() != block {
			exceptions.Panicf("flow.wrapRegion: members must be in the same block")
		}
		memberSet.Insert(op)
	}
	hoistBeforeFirst(block, memberSet)

	escaping := escapingValues(members)
	if workload == nil {
		workload = regionWorkload(members, escaping)
	}
	resultTypes := make([]ir.Type, len(escaping))
	for i, v := range escaping {
		resultTypes[i] = v.Type()
	}
	b := ir.NewBuilderBefore(members[0])
	marker := b.Region(kind, resultTypes, workload)
	for i, v := range escaping {
		v.ReplaceUsesIf(marker.Result(i), func(use ir.Use) bool {
			user := use.Op.AncestorIn(block)
			return user == nil || !memberSet.Has(user)
		})
	}
	body := marker.Body()
	for _, op := range members {
		op.MoveToEnd(body)
	}
	ir.NewBuilder(body).At(marker.Loc).FlowReturn(escaping...)
	return marker
}

// hoistBeforeFirst moves the non-member operations located between the members, and that members
// depend on, to just before the first member.
func hoistBeforeFirst(block *ir.Block, memberSet sets.Set[*ir.Operation]) {
	g := newBlockGraph(block)
	first, last := -1, -1
	for i, op := range g.ops {
		if memberSet.Has(op) {
			if first < 0 {
				first = i
			}
			last = i
		}
	}
	required := make([]bool, len(g.ops))
	var hoisted []*ir.Operation
	for i := last; i > first; i-- {
		op := g.ops[i]
		if memberSet.Has(op) {
			required[i] = true
			continue
		}
		for _, s := range g.succ[i] {
			if required[s] {
				required[i] = true
				break
			}
		}
		if required[i] {
			for _, p := range g.pred[i] {
				if memberSet.Has(g.ops[p]) {
					exceptions.Panicf("flow.wrapRegion: %s is both produced by and feeding the region", op)
				}
			}
			hoisted = append(hoisted, op)
		}
	}
	firstOp := g.ops[first]
	for i := len(hoisted) - 1; i >= 0; i-- {
		hoisted[i].MoveBefore(firstOp)
	}
}

// dissolveRegion moves the members of a region marker back to the enclosing block, at the
// marker's position, and erases the marker. It returns the former members.
func dissolveRegion(marker *ir.Operation) []*ir.Operation {
	members := regionMembers(marker)
	term := marker.Body().Terminator()
	for _, op := range members {
		op.MoveBefore(marker)
	}
	marker.ReplaceAllUsesWith(term.Operands())
	term.Erase()
	marker.Erase()
	return members
}

// dissolveAllRegions dissolves every region marker of f, nested ones included.
func dissolveAllRegions(f *ir.Function) {
	var markers []*ir.Operation
	f.Walk(func(op *ir.Operation) {
		if op.Kind().IsRegionMarker() {
			markers = append(markers, op)
		}
	})
	for _, marker := range markers {
		dissolveRegion(marker)
	}
}

// blocksOf returns the blocks of f where regions may be formed, in pre-order: the body and the
// blocks nested in operations other than region markers.
func blocksOf(f *ir.Function) []*ir.Block {
	blocks := []*ir.Block{f.Body()}
	f.Walk(func(op *ir.Operation) {
		if op.Kind().IsRegionMarker() || op.NumBlocks() == 0 || insideRegion(op) {
			return
		}
		blocks = append(blocks, op.Blocks()...)
	})
	return blocks
}

// insideRegion returns whether op is nested in a region marker.
func insideRegion(op *ir.Operation) bool {
	for p := op.ParentOp(); p != nil; p = p.ParentOp() {
		if p.Kind().IsRegionMarker() {
			return true
		}
	}
	return false
}
