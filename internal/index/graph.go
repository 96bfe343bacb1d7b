package index

// Graph is an immutable adjacency relation over document ids, e.g. the
// roadmap-node dependency graph.
type Graph struct {
	adjacency map[string][]string
}

func buildGraph(edges []Edge) *Graph {
	adj := make(map[string][]string)
	for _, e := range edges {
		adj[e.From] = append(adj[e.From], e.To)
	}
	return &Graph{adjacency: adj}
}

// Neighbors returns the ids one hop away from the given document.
func (g *Graph) Neighbors(id string) []string {
	return g.adjacency[id]
}

// Len returns the number of source nodes with outgoing edges.
func (g *Graph) Len() int { return len(g.adjacency) }
