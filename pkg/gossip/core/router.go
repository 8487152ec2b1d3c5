package core

import (
	"context"

	"github.com/soros1321/emotiq/pkg/gossip/types"
)

// Router drains decoded frames from socket owners and hands each
// message to the destination local node. Frames for the anonymous
// UID fan out to every local node, mirroring an external neighbor
// delivery on each.
type Router struct {
	nodes *NodeRegistry
	log   types.Logger
}

func NewRouter(nodes *NodeRegistry, log types.Logger) *Router {
	return &Router{nodes: nodes, log: log}
}

// Run consumes the inbox until the context is cancelled.
func (r *Router) Run(ctx context.Context, inbox <-chan Inbound) {
	for {
		select {
		case <-ctx.Done():
			return
		case in := <-inbox:
			r.route(in)
		}
	}
}

func (r *Router) route(in Inbound) {
	if in.Destination == types.AnonymousUID {
		for _, local := range r.nodes.Locals() {
			if err := local.Deliver(in.Message, in.Source); err != nil {
				r.log.Warnf("anonymous delivery to %s failed: %v", local.UID(), err)
			}
		}
		return
	}

	node, ok := r.nodes.Resolve(in.Destination)
	if !ok {
		r.log.Warnf("dropping frame %s: %v %s", in.Message.ID, types.ErrUnknownDestination, in.Destination)
		return
	}
	local, ok := node.(*GossipNode)
	if !ok {
		r.log.Warnf("dropping frame %s addressed to proxy %s", in.Message.ID, in.Destination)
		return
	}
	if err := local.Deliver(in.Message, in.Source); err != nil {
		r.log.Warnf("delivery of %s to %s failed: %v", in.Message.ID, in.Destination, err)
	}
}
