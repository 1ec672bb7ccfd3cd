package layers

import (
	"fmt"
	"sort"
	"strings"
)

// visit states for the depth-first traversals
const (
	unvisited uint8 = iota
	inProgress
	done
)

// dependencyGraph is an index arena over a layer set. Nodes are addressed by
// their position in digests; edges only point at registered layers.
type dependencyGraph struct {
	digests []string
	layers  []*Layer
	edges   [][]int
	// missing holds, per node, dependencies that are not part of the set
	missing [][]string
}

func newDependencyGraph(set map[string]*Layer) *dependencyGraph {
	digests := make([]string, 0, len(set))
	for d := range set {
		digests = append(digests, d)
	}
	sort.Strings(digests)

	index := make(map[string]int, len(digests))
	for i, d := range digests {
		index[d] = i
	}

	g := &dependencyGraph{
		digests: digests,
		layers:  make([]*Layer, len(digests)),
		edges:   make([][]int, len(digests)),
		missing: make([][]string, len(digests)),
	}

	for i, d := range digests {
		layer := set[d]
		g.layers[i] = layer
		for _, dep := range layer.Dependencies {
			if j, ok := index[dep]; ok {
				g.edges[i] = append(g.edges[i], j)
			} else {
				g.missing[i] = append(g.missing[i], dep)
			}
		}
	}

	return g
}

type frame struct {
	node int
	next int
}

// walk runs an iterative post-order DFS from every unvisited node. onExit is
// called when all dependencies of a node have been exited. A back-edge onto a
// node still on the path returns ErrCircularDependency naming the cycle.
func (g *dependencyGraph) walk(onExit func(node int) error) error {
	state := make([]uint8, len(g.digests))
	stack := make([]frame, 0, 16)

	for root := range g.digests {
		if state[root] != unvisited {
			continue
		}

		state[root] = inProgress
		stack = append(stack, frame{node: root})

		for len(stack) > 0 {
			top := &stack[len(stack)-1]

			if top.next < len(g.edges[top.node]) {
				dep := g.edges[top.node][top.next]
				top.next++

				switch state[dep] {
				case inProgress:
					return g.cycleError(stack, dep)
				case unvisited:
					state[dep] = inProgress
					stack = append(stack, frame{node: dep})
				}
				continue
			}

			node := top.node
			stack = stack[:len(stack)-1]
			state[node] = done
			if onExit != nil {
				if err := onExit(node); err != nil {
					return err
				}
			}
		}
	}

	return nil
}

func (g *dependencyGraph) cycleError(stack []frame, target int) error {
	start := 0
	for i, f := range stack {
		if f.node == target {
			start = i
			break
		}
	}

	path := make([]string, 0, len(stack)-start+1)
	for _, f := range stack[start:] {
		path = append(path, g.digests[f.node])
	}
	path = append(path, g.digests[target])

	return fmt.Errorf("%w: %s", ErrCircularDependency, strings.Join(path, " -> "))
}

// CheckCircularDependencies fails with ErrCircularDependency if the dependency
// graph of set contains a cycle, including a layer that depends on itself.
// Dependencies outside set cannot close a cycle and are ignored.
func CheckCircularDependencies(set map[string]*Layer) error {
	return newDependencyGraph(set).walk(nil)
}

// SortByDependencies returns the layers of set ordered so that every dependency
// precedes its dependents. Only that partial order is guaranteed.
func SortByDependencies(set map[string]*Layer) ([]*Layer, error) {
	g := newDependencyGraph(set)
	sorted := make([]*Layer, 0, len(g.digests))

	err := g.walk(func(node int) error {
		if len(g.missing[node]) > 0 {
			return fmt.Errorf("%w: %s requires %s", ErrDependencyNotFound,
				g.digests[node], strings.Join(g.missing[node], ", "))
		}
		sorted = append(sorted, g.layers[node])
		return nil
	})
	if err != nil {
		return nil, err
	}

	return sorted, nil
}
