package core

import (
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/soros1321/emotiq/pkg/gossip/types"
)

const dialTimeout = 5 * time.Second

// ConnRegistry is the process wide mapping from peer endpoint to
// the socket owner serving it. At any instant at most one live
// owner exists per endpoint.
type ConnRegistry struct {
	mutex  sync.Mutex
	owners map[string]*SocketOwner

	// Serializes concurrent dial outs so that racing callers of
	// EnsureConnection obtain the winner's owner instead of
	// opening a second stream.
	dialing sync.Mutex

	monitorTimeout time.Duration
	metrics        *Metrics
	log            types.Logger
}

func NewConnRegistry(monitorTimeout time.Duration, metrics *Metrics, log types.Logger) *ConnRegistry {
	if monitorTimeout <= 0 {
		monitorTimeout = types.DefaultMonitorTimeout
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &ConnRegistry{
		owners:         make(map[string]*SocketOwner),
		monitorTimeout: monitorTimeout,
		metrics:        metrics,
		log:            log,
	}
}

// endpointKey canonicalizes the address so that equivalent textual
// representations of the same peer collide on one entry.
func endpointKey(address string, port int) string {
	host := address
	if ip := net.ParseIP(address); ip != nil {
		host = ip.String()
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// Lookup returns the live owner for the endpoint, nil when none.
func (r *ConnRegistry) Lookup(address string, port int) *SocketOwner {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.owners[endpointKey(address, port)]
}

// Insert registers the owner for its endpoint. Inserting over a
// live entry fails, the previous owner must remove itself first.
func (r *ConnRegistry) Insert(address string, port int, owner *SocketOwner) error {
	key := endpointKey(address, port)
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if _, ok := r.owners[key]; ok {
		return types.ErrDuplicateEndpoint
	}
	r.owners[key] = owner
	r.metrics.Connections.Inc()
	return nil
}

// Remove drops the entry for the endpoint. Removing an endpoint
// that is not registered is a no op, so owner teardown can call
// this unconditionally.
func (r *ConnRegistry) Remove(address string, port int) {
	key := endpointKey(address, port)
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if _, ok := r.owners[key]; ok {
		delete(r.owners, key)
		r.metrics.Connections.Dec()
	}
}

// Size reports how many live owners are registered.
func (r *ConnRegistry) Size() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return len(r.owners)
}

// EnsureConnection returns the owner serving the endpoint, dialing
// a fresh TCP stream when none exists. Concurrent callers for the
// same endpoint are serialized, only one owner is ever created.
func (r *ConnRegistry) EnsureConnection(address string, port int, outbox chan<- Inbound) (*SocketOwner, error) {
	if owner := r.Lookup(address, port); owner != nil {
		return owner, nil
	}

	r.dialing.Lock()
	defer r.dialing.Unlock()

	// Re-check under the dial lock, a racing caller may have
	// won while this one was waiting.
	if owner := r.Lookup(address, port); owner != nil {
		return owner, nil
	}

	conn, err := net.DialTimeout("tcp", endpointKey(address, port), dialTimeout)
	if err != nil {
		return nil, types.ErrConnectFailed
	}

	owner, err := NewSocketOwner(conn, address, port, outbox, r, r.monitorTimeout, r.log)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := r.Insert(address, port, owner); err != nil {
		owner.Shutdown()
		return nil, err
	}
	owner.Start()
	return owner, nil
}

// Clear shuts down every registered owner. Used when the whole
// system goes down.
func (r *ConnRegistry) Clear() {
	r.mutex.Lock()
	owners := make([]*SocketOwner, 0, len(r.owners))
	for _, owner := range r.owners {
		owners = append(owners, owner)
	}
	r.mutex.Unlock()

	for _, owner := range owners {
		owner.Shutdown()
	}
}
