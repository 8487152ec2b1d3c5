// Package gossip is a peer to peer message dissemination core for
// a small blockchain node fleet. Each node participates in a
// bounded degree connected graph of peers, a message injected at
// any node reaches every reachable node while duplicate delivery
// is suppressed, a time to live bound is honored and loops in the
// graph are survived.
package gossip

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/soros1321/emotiq/pkg/gossip/core"
	"github.com/soros1321/emotiq/pkg/gossip/definition"
	"github.com/soros1321/emotiq/pkg/gossip/types"
)

const inboxDepth = 256

// System ties together the registries, the router, the listener
// and the public solicitation API for one process.
type System struct {
	conf    *types.Config
	log     types.Logger
	metrics *core.Metrics

	conns *core.ConnRegistry
	nodes *core.NodeRegistry
	verbs *core.VerbTable

	inbox    chan core.Inbound
	router   *core.Router
	listener *core.Listener

	invoker core.Invoker
	ctx     context.Context
	cancel  context.CancelFunc
	started atomic.Bool
}

// NewSystem assembles a system from the configuration. A nil
// configuration means the defaults.
func NewSystem(conf *types.Config) (*System, error) {
	if conf == nil {
		conf = types.DefaultConfiguration()
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	log := conf.Logger
	if log == nil {
		log = definition.NewDefaultLogger()
	}

	metrics := core.NewMetrics()
	conns := core.NewConnRegistry(conf.MonitorTimeout, metrics, log)
	nodes := core.NewNodeRegistry(conf.UIDRegime)
	inbox := make(chan core.Inbound, inboxDepth)
	ctx, cancel := context.WithCancel(context.Background())

	return &System{
		conf:     conf,
		log:      log,
		metrics:  metrics,
		conns:    conns,
		nodes:    nodes,
		verbs:    core.NewVerbTable(),
		inbox:    inbox,
		router:   core.NewRouter(nodes, log),
		listener: core.NewListener(conns, inbox, conf.MonitorTimeout, log),
		invoker:  core.NewInvoker(),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Start spawns the router, creates the configured number of local
// nodes, binds the listener and dials every bootstrap peer.
// Bootstrap failures are logged, an unreachable peer at startup is
// not fatal.
func (s *System) Start() error {
	if !s.started.CompareAndSwap(false, true) {
		return nil
	}
	s.invoker.Spawn(func() { s.router.Run(s.ctx, s.inbox) })

	for i := 0; i < s.conf.LocalNodes(); i++ {
		if _, err := s.CreateNode(); err != nil {
			return err
		}
	}
	if err := s.StartListener(); err != nil {
		return err
	}
	for _, address := range s.conf.AllKnownAddresses {
		if _, err := s.ConnectPeer(address, s.conf.GossipPort); err != nil {
			s.log.Warnf("bootstrap dial to %s failed: %v", address, err)
		}
	}
	return nil
}

// Stop tears the whole system down, the listener first so no new
// connections appear while owners are cleared.
func (s *System) Stop() {
	s.StopListener()
	s.conns.Clear()
	s.nodes.Clear()
	s.cancel()
	s.invoker.Stop()
}

// StartListener binds the gossip port, or the secondary co-tenant
// port when the primary is taken.
func (s *System) StartListener() error {
	_, err := s.listener.Start(s.conf.GossipPort)
	return err
}

// StopListener closes the listening socket. Established
// connections stay up.
func (s *System) StopListener() {
	s.listener.Stop()
}

// Port returns the port the listener actually bound.
func (s *System) Port() int {
	return s.listener.Port()
}

// CreateNode allocates a UID, registers a fresh local gossip node
// and starts its actor.
func (s *System) CreateNode() (*core.GossipNode, error) {
	node := core.NewGossipNode(s.nodes.NextUID(), s.nodes, s.verbs, s.metrics, s.conf.SolicitDeadline, s.log)
	if err := s.nodes.Register(node); err != nil {
		return nil, err
	}
	node.Start()
	return node, nil
}

// ConnectPeer ensures a connection to the remote process and
// registers an anonymous proxy for it, the remote side routes
// frames sent through it to all of its local nodes.
func (s *System) ConnectPeer(address string, port int) (*core.ProxyNode, error) {
	if _, err := s.conns.EnsureConnection(address, port, s.inbox); err != nil {
		return nil, err
	}
	proxy := core.NewProxyNode(s.nodes.NextUID(), types.AnonymousUID, address, port, s.conns, s.log)
	if err := s.nodes.Register(proxy); err != nil {
		return nil, err
	}
	return proxy, nil
}

// ProxyFor registers a proxy standing for the concrete remote node
// remoteUID at the given endpoint and ensures a connection exists.
func (s *System) ProxyFor(remoteUID types.UID, address string, port int) (*core.ProxyNode, error) {
	if remoteUID == types.AnonymousUID {
		return nil, fmt.Errorf("use ConnectPeer for anonymous proxies")
	}
	if _, err := s.conns.EnsureConnection(address, port, s.inbox); err != nil {
		return nil, err
	}
	proxy := core.NewProxyNode(remoteUID, remoteUID, address, port, s.conns, s.log)
	if err := s.nodes.Register(proxy); err != nil {
		return nil, err
	}
	return proxy, nil
}

// BuildGraph creates count local nodes and wires them into a
// connected graph with degree at most maxDegree, deterministic
// for the configured seed.
func (s *System) BuildGraph(count, maxDegree int) ([]*core.GossipNode, error) {
	nodes := make([]*core.GossipNode, 0, count)
	for i := 0; i < count; i++ {
		node, err := s.CreateNode()
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	if err := core.BuildGraph(nodes, maxDegree, s.conf.GraphSeed); err != nil {
		return nil, err
	}
	return nodes, nil
}

// ClearNodes stops and forgets every registered node.
func (s *System) ClearNodes() {
	s.nodes.Clear()
}

// SetUIDRegime switches UID allocation between tiny and normal.
func (s *System) SetUIDRegime(regime types.Regime) {
	s.nodes.SetRegime(regime)
}

// RegisterVerb installs an application verb on the dispatch
// table shared by every local node.
func (s *System) RegisterVerb(verb *core.Verb) {
	s.verbs.Register(verb)
}

// Nodes exposes the node registry.
func (s *System) Nodes() *core.NodeRegistry {
	return s.nodes
}

// Connections exposes the connection registry.
func (s *System) Connections() *core.ConnRegistry {
	return s.conns
}

// Inbox is the shared outbox decoded frames are routed from. It
// is handed to EnsureConnection for owners created outside the
// system.
func (s *System) Inbox() chan core.Inbound {
	return s.inbox
}

// Metrics exposes the counters of this system for scraping.
func (s *System) Metrics() *core.Metrics {
	return s.metrics
}

// Eripa resolves the externally routable address of this node,
// configured or auto detected.
func (s *System) Eripa() (string, error) {
	if s.conf.Eripa != "" {
		return s.conf.Eripa, nil
	}
	return DetectERIPA()
}

// Broadcast injects a fire and forget command at the given node.
func (s *System) Broadcast(node *core.GossipNode, verb string, payload []byte) error {
	return node.Inject(s.newMessage(types.Command, verb, payload, node.UID(), false), nil)
}

// SolicitWait injects a solicitation at the node and blocks until
// the aggregate over every reachable node arrived or the deadline
// fired, in which case the partial aggregate is returned.
func (s *System) SolicitWait(node *core.GossipNode, verb string, payload []byte) (core.Aggregate, error) {
	return s.solicit(node, verb, payload, false)
}

// SolicitDirect is SolicitWait with every node asked to reply
// directly to the origin instead of up the tree. Cheaper on deep
// graphs, always deadline bound.
func (s *System) SolicitDirect(node *core.GossipNode, verb string, payload []byte) (core.Aggregate, error) {
	return s.solicit(node, verb, payload, true)
}

func (s *System) solicit(node *core.GossipNode, verb string, payload []byte, direct bool) (core.Aggregate, error) {
	waiter := make(chan core.Aggregate, 1)
	message := s.newMessage(types.Solicit, verb, payload, node.UID(), direct)
	if err := node.Inject(message, waiter); err != nil {
		return core.Aggregate{}, err
	}
	select {
	case agg := <-waiter:
		return agg, nil
	case <-time.After(s.conf.SolicitDeadline + time.Second):
		// The node actor missed its own deadline event, return
		// what the caller can still act on.
		return core.Aggregate{Partial: true}, nil
	case <-s.ctx.Done():
		return core.Aggregate{}, types.ErrClosed
	}
}

func (s *System) newMessage(kind types.Kind, verb string, payload []byte, origin types.UID, direct bool) types.Message {
	return types.Message{
		ID:          uuid.New(),
		Kind:        kind,
		Verb:        verb,
		OriginUID:   origin,
		DirectReply: direct,
		Timestamp:   time.Now().Unix(),
		TTLSeconds:  s.conf.TTLSeconds,
		Payload:     payload,
	}
}
