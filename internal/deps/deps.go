// Package deps computes the start order of a set of named processes from
// their declared dependencies.
package deps

import (
	"container/heap"
	"fmt"
	"strings"
)

// Node is one named entry with the names it depends on.
type Node struct {
	Name      string
	DependsOn []string
}

// UnknownDependencyError is returned when a node references a name that was
// never declared.
type UnknownDependencyError struct {
	Process    string
	Dependency string
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("process %q depends on unknown process %q", e.Process, e.Dependency)
}

// CycleError is returned when the dependency graph is not acyclic. Cycle lists
// the names along the loop, with the first name repeated at the end.
type CycleError struct {
	Cycle []string
}

func (e *CycleError) Error() string {
	return "dependency cycle detected: " + strings.Join(e.Cycle, " -> ")
}

// DuplicateNameError is returned when two nodes share a name.
type DuplicateNameError struct {
	Name string
}

func (e *DuplicateNameError) Error() string {
	return fmt.Sprintf("duplicate process name %q", e.Name)
}

// Resolve returns every node name ordered so that each name appears after all
// of its dependencies. Among nodes whose dependencies are satisfied at the same
// time the one declared first wins, so the result is stable for a given input.
func Resolve(nodes []Node) ([]string, error) {
	index := make(map[string]int, len(nodes))
	for i, n := range nodes {
		if _, dup := index[n.Name]; dup {
			return nil, &DuplicateNameError{Name: n.Name}
		}
		index[n.Name] = i
	}

	indegree := make([]int, len(nodes))
	dependents := make([][]int, len(nodes))
	for i, n := range nodes {
		seen := make(map[string]struct{}, len(n.DependsOn))
		for _, d := range n.DependsOn {
			j, ok := index[d]
			if !ok {
				return nil, &UnknownDependencyError{Process: n.Name, Dependency: d}
			}
			if _, dup := seen[d]; dup {
				continue
			}
			seen[d] = struct{}{}
			indegree[i]++
			dependents[j] = append(dependents[j], i)
		}
	}

	ready := &indexHeap{}
	for i := range nodes {
		if indegree[i] == 0 {
			heap.Push(ready, i)
		}
	}

	order := make([]string, 0, len(nodes))
	for ready.Len() > 0 {
		i := heap.Pop(ready).(int)
		order = append(order, nodes[i].Name)
		for _, j := range dependents[i] {
			indegree[j]--
			if indegree[j] == 0 {
				heap.Push(ready, j)
			}
		}
	}

	if len(order) != len(nodes) {
		return nil, &CycleError{Cycle: findCycle(nodes, index, indegree)}
	}
	return order, nil
}

// Reverse returns a reversed copy of order.
func Reverse(order []string) []string {
	out := make([]string, len(order))
	for i, name := range order {
		out[len(order)-1-i] = name
	}
	return out
}

// findCycle walks the nodes left unresolved by Kahn's pass. Every such node has
// at least one unresolved dependency, so following them must revisit a node.
func findCycle(nodes []Node, index map[string]int, indegree []int) []string {
	start := -1
	for i := range nodes {
		if indegree[i] > 0 {
			start = i
			break
		}
	}
	if start < 0 {
		return nil
	}
	pos := make(map[int]int)
	var path []int
	cur := start
	for {
		if p, seen := pos[cur]; seen {
			loop := make([]string, 0, len(path)-p+1)
			for _, i := range path[p:] {
				loop = append(loop, nodes[i].Name)
			}
			return append(loop, nodes[cur].Name)
		}
		pos[cur] = len(path)
		path = append(path, cur)
		next := -1
		for _, d := range nodes[cur].DependsOn {
			if j := index[d]; indegree[j] > 0 {
				next = j
				break
			}
		}
		if next < 0 {
			return nil
		}
		cur = next
	}
}

type indexHeap []int

func (h indexHeap) Len() int           { return len(h) }
func (h indexHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h indexHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *indexHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *indexHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
