// Package unionfind implements a disjoint-set forest over dense integer ids.
//
// It is used by the region passes to merge clusters of operations transitively without
// rescanning: ids are allocated with Add, merged with Union and compared with Find.
package unionfind

// Set is a disjoint-set forest with path compression and union by size.
// The zero value is an empty set, ready to use.
type Set struct {
	parent []int
	size   []int
}

// New returns a Set with n singleton elements, with ids 0 to n-1.
func New(n int) *Set {
	s := &Set{}
	for range n {
		s.Add()
	}
	return s
}

// Add appends a new singleton element and returns its id.
func (s *Set) Add() int {
	id := len(s.parent)
	s.parent = append(s.parent, id)
	s.size = append(s.size, 1)
	return id
}

// Len returns the number of elements (not the number of classes).
func (s *Set) Len() int {
	return len(s.parent)
}

// Find returns the representative of the class of x.
func (s *Set) Find(x int) int {
	root := x
	for s.parent[root] != root {
		root = s.parent[root]
	}
	for s.parent[x] != root {
		next := s.parent[x]
		s.parent[x] = root
		x = next
	}
	return root
}

// Union merges the classes of a and b and returns the representative of the merged class.
//
// The larger class keeps its root; on ties the root of a is kept, which makes results depend only
// on the order of the calls.
func (s *Set) Union(a, b int) int {
	ra, rb := s.Find(a), s.Find(b)
	if ra == rb {
		return ra
	}
	if s.size[ra] < s.size[rb] {
		ra, rb = rb, ra
	}
	s.parent[rb] = ra
	s.size[ra] += s.size[rb]
	return ra
}

// Same reports whether a and b are in the same class.
func (s *Set) Same(a, b int) bool {
	return s.Find(a) == s.Find(b)
}

// Size returns the number of elements in the class of x.
func (s *Set) Size(x int) int {
	return s.size[s.Find(x)]
}

// Classes returns the members of each class, grouped by representative. Classes are ordered by
// their smallest member, and members are in increasing order.
func (s *Set) Classes() [][]int {
	index := make(map[int]int)
	var classes [][]int
	for x := range s.parent {
		root := s.Find(x)
		idx, found := index[root]
		if !found {
			idx = len(classes)
			index[root] = idx
			classes = append(classes, nil)
		}
		classes[idx] = append(classes[idx], x)
	}
	return classes
}
