package core

import (
	"math/rand"

	"github.com/soros1321/emotiq/pkg/gossip/types"
)

// BuildGraph wires the given local nodes into a connected neighbor
// graph with every degree bounded by maxDegree. The construction
// is a shuffled ring with random chords layered on top, and it is
// deterministic for a given seed.
func BuildGraph(nodes []*GossipNode, maxDegree int, seed int64) error {
	count := len(nodes)
	switch {
	case count <= 1:
		return nil
	case count == 2:
		if maxDegree < 1 {
			return types.ErrBadGraph
		}
		return connect(nodes[0], nodes[1])
	case maxDegree < 2:
		// A connected graph over three or more vertices needs
		// at least one vertex of degree two.
		return types.ErrBadGraph
	}

	rng := rand.New(rand.NewSource(seed))
	order := rng.Perm(count)

	for i := 0; i < count; i++ {
		a := nodes[order[i]]
		b := nodes[order[(i+1)%count]]
		if err := connect(a, b); err != nil {
			return err
		}
	}

	// Random chords up to the degree budget. Failed picks are
	// simply skipped, density beyond connectivity is best effort.
	attempts := count * maxDegree
	for i := 0; i < attempts; i++ {
		a := nodes[rng.Intn(count)]
		b := nodes[rng.Intn(count)]
		if a.UID() == b.UID() || a.Degree() >= maxDegree || b.Degree() >= maxDegree {
			continue
		}
		if hasNeighbor(a, b.UID()) {
			continue
		}
		if err := connect(a, b); err != nil {
			return err
		}
	}
	return ValidateGraph(nodes, maxDegree)
}

// ValidateGraph checks the two builder contracts, connectivity
// and the degree bound.
func ValidateGraph(nodes []*GossipNode, maxDegree int) error {
	if len(nodes) <= 1 {
		return nil
	}
	byUID := make(map[types.UID]*GossipNode, len(nodes))
	for _, node := range nodes {
		if node.Degree() > maxDegree {
			return types.ErrBadGraph
		}
		byUID[node.UID()] = node
	}

	visited := make(map[types.UID]bool, len(nodes))
	queue := []types.UID{nodes[0].UID()}
	visited[nodes[0].UID()] = true
	for len(queue) > 0 {
		uid := queue[0]
		queue = queue[1:]
		for _, neighbor := range byUID[uid].Neighbors() {
			if visited[neighbor] {
				continue
			}
			visited[neighbor] = true
			queue = append(queue, neighbor)
		}
	}
	if len(visited) != len(nodes) {
		return types.ErrBadGraph
	}
	return nil
}

func connect(a, b *GossipNode) error {
	if err := a.AddNeighbor(b.UID()); err != nil {
		return err
	}
	return b.AddNeighbor(a.UID())
}

func hasNeighbor(node *GossipNode, uid types.UID) bool {
	for _, neighbor := range node.Neighbors() {
		if neighbor == uid {
			return true
		}
	}
	return false
}
