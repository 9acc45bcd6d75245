package engine

import "fmt"

// Node is a vertex in a computation graph, identified by name.
type Node interface {
	NodeName() string
	Dependencies() []string
}

// BuildDAG returns an evaluation order for nodes in which every node follows its
// dependencies. Nodes that can never become ready (cycles, missing dependencies) are
// left out; if any of wantNodes is among them an error is returned.
func BuildDAG[N Node](nodes []N, wantNodes []string) ([]string, error) {
	evaluationOrder := make([]string, 0, len(nodes))
	done := make(map[string]bool, len(nodes))

	for {
		progress := false
		for _, node := range nodes {
			name := node.NodeName()
			if done[name] {
				continue
			}

			ready := true
			for _, dep := range node.Dependencies() {
				if !done[dep] {
					ready = false
					break
				}
			}
			if ready {
				done[name] = true
				evaluationOrder = append(evaluationOrder, name)
				progress = true
			}
		}
		if !progress {
			break
		}
	}

	for _, name := range wantNodes {
		if !done[name] {
			return nil, fmt.Errorf("node %q could not be computed (unreachable in computation graph)", name)
		}
	}

	return evaluationOrder, nil
}

// Prune keeps only the entries of order that wantNodes transitively depend on.
func Prune[N Node](nodes []N, order []string, wantNodes []string) []string {
	byName := make(map[string]N, len(nodes))
	for _, node := range nodes {
		byName[node.NodeName()] = node
	}

	needed := make(map[string]bool)
	stack := append([]string(nil), wantNodes...)
	for len(stack) > 0 {
		name := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if needed[name] {
			continue
		}
		needed[name] = true
		if node, ok := byName[name]; ok {
			stack = append(stack, node.Dependencies()...)
		}
	}

	out := make([]string, 0, len(needed))
	for _, name := range order {
		if needed[name] {
			out = append(out, name)
		}
	}
	return out
}
