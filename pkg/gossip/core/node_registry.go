package core

import (
	"fmt"
	"sync"

	"github.com/soros1321/emotiq/pkg/gossip/types"
)

// Node is anything addressable by UID, a local gossip node or a
// proxy standing in for a remote one. Deliver hands a message to
// the node as coming from neighbor `from`.
type Node interface {
	UID() types.UID
	Deliver(message types.Message, from types.UID) error
}

// NodeRegistry is the process wide mapping from UID to node. The
// anonymous UID is reserved and never registered, the router
// expands it to every local node.
type NodeRegistry struct {
	mutex sync.RWMutex
	nodes map[types.UID]Node
	alloc *types.Allocator
}

func NewNodeRegistry(regime types.Regime) *NodeRegistry {
	return &NodeRegistry{
		nodes: make(map[types.UID]Node),
		alloc: types.NewAllocator(regime),
	}
}

// NextUID allocates a fresh UID in the current regime.
func (r *NodeRegistry) NextUID() types.UID {
	return r.alloc.Next()
}

// SetRegime switches the UID allocation regime.
func (r *NodeRegistry) SetRegime(regime types.Regime) {
	r.alloc.SetRegime(regime)
}

// Register adds the node under its UID.
func (r *NodeRegistry) Register(node Node) error {
	uid := node.UID()
	if uid == types.AnonymousUID {
		return fmt.Errorf("uid 0 is reserved for anonymous broadcast")
	}
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if _, ok := r.nodes[uid]; ok {
		return fmt.Errorf("node %s already registered", uid)
	}
	r.nodes[uid] = node
	return nil
}

// Resolve looks the UID up.
func (r *NodeRegistry) Resolve(uid types.UID) (Node, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	node, ok := r.nodes[uid]
	return node, ok
}

// Locals returns every registered local gossip node.
func (r *NodeRegistry) Locals() []*GossipNode {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	var locals []*GossipNode
	for _, node := range r.nodes {
		if local, ok := node.(*GossipNode); ok {
			locals = append(locals, local)
		}
	}
	return locals
}

// Size reports how many nodes are registered.
func (r *NodeRegistry) Size() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.nodes)
}

// Clear stops every local node and empties the registry.
func (r *NodeRegistry) Clear() {
	r.mutex.Lock()
	nodes := r.nodes
	r.nodes = make(map[types.UID]Node)
	r.mutex.Unlock()

	for _, node := range nodes {
		if local, ok := node.(*GossipNode); ok {
			local.Stop()
		}
	}
}
