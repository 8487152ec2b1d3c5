package core

import (
	"github.com/soros1321/emotiq/pkg/gossip/types"
)

// ProxyNode is the local stand in for a remote gossip node. It
// holds no direct reference to a socket owner, every send resolves
// the endpoint through the connection registry, so a torn down
// owner surfaces naturally as an error instead of dangling.
type ProxyNode struct {
	uid       types.UID
	remoteUID types.UID
	address   string
	port      int

	conns *ConnRegistry
	log   types.Logger
}

// NewProxyNode creates a proxy for the remote node remoteUID at
// the given endpoint. uid is the local registry key, for concrete
// remote nodes it equals remoteUID, for anonymous proxies it is a
// locally allocated UID while remoteUID stays zero.
func NewProxyNode(uid, remoteUID types.UID, address string, port int, conns *ConnRegistry, log types.Logger) *ProxyNode {
	return &ProxyNode{
		uid:       uid,
		remoteUID: remoteUID,
		address:   address,
		port:      port,
		conns:     conns,
		log:       log,
	}
}

// UID implements Node.
func (p *ProxyNode) UID() types.UID {
	return p.uid
}

// RemoteUID is the UID frames sent through this proxy are
// addressed to, zero for anonymous broadcast.
func (p *ProxyNode) RemoteUID() types.UID {
	return p.remoteUID
}

// Endpoint returns the remote address and port.
func (p *ProxyNode) Endpoint() (string, int) {
	return p.address, p.port
}

// Equal compares proxies on their remote identity.
func (p *ProxyNode) Equal(other *ProxyNode) bool {
	return other != nil &&
		endpointKey(p.address, p.port) == endpointKey(other.address, other.port) &&
		p.remoteUID == other.remoteUID
}

// Reachable reports whether a live owner serves the endpoint
// right now.
func (p *ProxyNode) Reachable() bool {
	return p.conns.Lookup(p.address, p.port) != nil
}

// Connect obtains a fresh socket owner for the endpoint. After a
// teardown the proxy stays non forwarding until this is called.
func (p *ProxyNode) Connect(outbox chan<- Inbound) error {
	_, err := p.conns.EnsureConnection(p.address, p.port, outbox)
	return err
}

// Deliver implements Node, serializing the message onto the owner
// serving the endpoint. Without a live owner the send fails with
// ErrUnreachable, on an owner that closed underneath the caller it
// fails with ErrClosed.
func (p *ProxyNode) Deliver(message types.Message, from types.UID) error {
	owner := p.conns.Lookup(p.address, p.port)
	if owner == nil {
		return types.ErrUnreachable
	}
	return owner.Send(p.remoteUID, from, message)
}
