package core

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/soros1321/emotiq/pkg/gossip/types"
)

const (
	nodeMailboxDepth      = 256
	mailboxEnqueueTimeout = 250 * time.Millisecond
	sweepInterval         = time.Second
)

// Aggregate is the outcome of one solicitation. Partial marks an
// aggregate that was cut short by the deadline with replies still
// outstanding.
type Aggregate struct {
	Payload []byte
	Partial bool
}

type eventKind uint8

const (
	deliverEvent eventKind = iota
	injectEvent
	deadlineEvent
	queryEvent
)

type cacheQuery struct {
	id    uuid.UUID
	all   bool
	reply chan int
}

type nodeEvent struct {
	kind         eventKind
	message      types.Message
	source       types.UID
	external     bool
	waiter       chan Aggregate
	solicitation uuid.UUID
	query        *cacheQuery
}

// seenEntry is the cache slot for one admitted message id. The
// aggregation fields are released once the reply went out, the
// slot itself stays until the hard expiry so stragglers keep
// being suppressed.
type seenEntry struct {
	firstSeen    int64
	source       types.UID
	external     bool
	hardDeadline int64

	awaiting    bool
	direct      bool
	verb        *Verb
	origin      types.Message
	aggregate   []byte
	outstanding map[types.UID]struct{}
	waiter      chan Aggregate
	timer       *time.Timer
}

// GossipNode is a local node of the graph. It is a single
// goroutine actor, every message is fully processed, admission,
// cache update and forward enqueue, before the next one is taken
// from the mailbox.
type GossipNode struct {
	uid types.UID

	neighborMu sync.RWMutex
	neighbors  map[types.UID]struct{}

	seen    map[uuid.UUID]*seenEntry
	mailbox chan nodeEvent

	registry *NodeRegistry
	verbs    *VerbTable
	metrics  *Metrics
	log      types.Logger

	clock           func() int64
	solicitDeadline time.Duration

	invoker Invoker
	ctx     context.Context
	cancel  context.CancelFunc
	started atomic.Bool
	done    chan struct{}
}

func NewGossipNode(uid types.UID, registry *NodeRegistry, verbs *VerbTable, metrics *Metrics, solicitDeadline time.Duration, log types.Logger) *GossipNode {
	if metrics == nil {
		metrics = NewMetrics()
	}
	if solicitDeadline <= 0 {
		solicitDeadline = types.DefaultSolicitDeadline
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &GossipNode{
		uid:             uid,
		neighbors:       make(map[types.UID]struct{}),
		seen:            make(map[uuid.UUID]*seenEntry),
		mailbox:         make(chan nodeEvent, nodeMailboxDepth),
		registry:        registry,
		verbs:           verbs,
		metrics:         metrics,
		log:             log,
		clock:           func() int64 { return time.Now().Unix() },
		solicitDeadline: solicitDeadline,
		invoker:         NewInvoker(),
		ctx:             ctx,
		cancel:          cancel,
		done:            make(chan struct{}),
	}
}

// Start spawns the actor loop. Starting twice is a no op.
func (n *GossipNode) Start() {
	if !n.started.CompareAndSwap(false, true) {
		return
	}
	n.invoker.Spawn(n.run)
}

// Stop cancels the actor and waits for the loop to exit.
func (n *GossipNode) Stop() {
	n.cancel()
	if n.started.Load() {
		<-n.done
	}
}

// UID implements Node.
func (n *GossipNode) UID() types.UID {
	return n.uid
}

// Deliver implements Node, enqueuing a message received from the
// given neighbor.
func (n *GossipNode) Deliver(message types.Message, from types.UID) error {
	return n.post(nodeEvent{kind: deliverEvent, message: message, source: from, external: true})
}

// Inject feeds a locally created message through admission with no
// source neighbor. For solicitations the waiter receives the final
// aggregate.
func (n *GossipNode) Inject(message types.Message, waiter chan Aggregate) error {
	return n.post(nodeEvent{kind: injectEvent, message: message, waiter: waiter})
}

// AddNeighbor adds an edge. Duplicates and self edges are
// rejected.
func (n *GossipNode) AddNeighbor(uid types.UID) error {
	if uid == n.uid {
		return types.ErrBadGraph
	}
	n.neighborMu.Lock()
	defer n.neighborMu.Unlock()
	if _, ok := n.neighbors[uid]; ok {
		return types.ErrBadGraph
	}
	n.neighbors[uid] = struct{}{}
	return nil
}

// Neighbors returns the neighbor set in stable order.
func (n *GossipNode) Neighbors() []types.UID {
	n.neighborMu.RLock()
	defer n.neighborMu.RUnlock()
	uids := make([]types.UID, 0, len(n.neighbors))
	for uid := range n.neighbors {
		uids = append(uids, uid)
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids
}

// Degree returns the number of neighbors.
func (n *GossipNode) Degree() int {
	n.neighborMu.RLock()
	defer n.neighborMu.RUnlock()
	return len(n.neighbors)
}

// Seen reports whether the message id currently occupies a cache
// slot. The query goes through the mailbox so it observes a
// consistent cache state.
func (n *GossipNode) Seen(id uuid.UUID) bool {
	q := &cacheQuery{id: id, reply: make(chan int, 1)}
	if err := n.post(nodeEvent{kind: queryEvent, query: q}); err != nil {
		return false
	}
	select {
	case v := <-q.reply:
		return v > 0
	case <-n.ctx.Done():
		return false
	}
}

// SeenCount returns the number of live cache slots.
func (n *GossipNode) SeenCount() int {
	q := &cacheQuery{all: true, reply: make(chan int, 1)}
	if err := n.post(nodeEvent{kind: queryEvent, query: q}); err != nil {
		return 0
	}
	select {
	case v := <-q.reply:
		return v
	case <-n.ctx.Done():
		return 0
	}
}

func (n *GossipNode) post(ev nodeEvent) error {
	select {
	case <-n.ctx.Done():
		return types.ErrClosed
	default:
	}
	select {
	case n.mailbox <- ev:
		return nil
	case <-n.ctx.Done():
		return types.ErrClosed
	case <-time.After(mailboxEnqueueTimeout):
		return types.ErrMailboxFull
	}
}

func (n *GossipNode) run() {
	defer close(n.done)
	sweep := time.NewTicker(sweepInterval)
	defer sweep.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case ev := <-n.mailbox:
			switch ev.kind {
			case deliverEvent, injectEvent:
				n.admit(ev)
			case deadlineEvent:
				n.finishSolicit(ev.solicitation, true)
			case queryEvent:
				n.answerQuery(ev.query)
			}
		case <-sweep.C:
			n.sweepExpired()
		}
	}
}

func (n *GossipNode) answerQuery(q *cacheQuery) {
	if q.all {
		q.reply <- len(n.seen)
		return
	}
	if _, ok := n.seen[q.id]; ok {
		q.reply <- 1
	} else {
		q.reply <- 0
	}
}

// admit applies the two band expiry rule, then the duplicate
// check, then dispatches the verb and forwards under neighbor
// exclusion.
func (n *GossipNode) admit(ev nodeEvent) {
	m := ev.message
	now := n.clock()

	if m.HardExpired(now) {
		// A hard expired id must leave no trace, the cache
		// cannot grow without bound.
		delete(n.seen, m.ID)
		n.metrics.Expired.Inc()
		n.answerWaiter(ev.waiter, Aggregate{Partial: true})
		return
	}
	if m.SoftExpired(now) {
		// Late straggler, drop it but leave any live cache
		// slot alone.
		n.metrics.Expired.Inc()
		n.answerWaiter(ev.waiter, Aggregate{Partial: true})
		return
	}

	if _, ok := n.seen[m.ID]; ok {
		n.metrics.Duplicates.Inc()
		// The sender of a duplicate solicitation is waiting on
		// this edge. An empty reply unblocks it right away, the
		// contribution of this node travels on its admission
		// edge only, so nothing is counted twice.
		if m.Kind == types.Solicit && ev.external && !m.DirectReply {
			n.emitReply(m, ev.source, nil)
		}
		return
	}

	entry := &seenEntry{
		firstSeen:    now,
		source:       ev.source,
		external:     ev.external,
		hardDeadline: m.Timestamp + 2*m.TTLSeconds,
	}
	n.seen[m.ID] = entry
	n.metrics.Admitted.Inc()

	switch m.Kind {
	case types.Command:
		if verb, ok := n.verbs.lookup(m.Verb); ok {
			if _, err := verb.Apply(n, m); err != nil {
				n.log.Warnf("%s verb %s failed: %v", n.uid, m.Verb, err)
			}
		} else {
			n.log.Warnf("%s dropping action of unknown verb %s", n.uid, m.Verb)
		}
		n.forward(m, ev)
	case types.Solicit:
		n.admitSolicit(m, ev, entry)
	case types.Reply:
		// Replies are point to point, they are never gossiped
		// onwards.
		n.handleReply(m)
	default:
		n.log.Warnf("%s dropping message %s of unknown kind %d", n.uid, m.ID, m.Kind)
	}
}

func (n *GossipNode) admitSolicit(m types.Message, ev nodeEvent, entry *seenEntry) {
	verb, ok := n.verbs.lookup(m.Verb)
	if !ok {
		// This node cannot contribute, keep the message moving
		// so the rest of the graph still answers.
		n.log.Warnf("%s forwarding solicitation with unknown verb %s", n.uid, m.Verb)
		n.forward(m, ev)
		n.answerWaiter(ev.waiter, Aggregate{Partial: true})
		return
	}

	contribution, err := verb.Apply(n, m)
	if err != nil {
		n.log.Warnf("%s verb %s failed: %v", n.uid, m.Verb, err)
	}

	entry.awaiting = true
	entry.direct = m.DirectReply
	entry.verb = verb
	entry.origin = m
	entry.aggregate = contribution
	entry.waiter = ev.waiter

	sent := n.forward(m, ev)

	switch {
	case m.DirectReply && ev.waiter == nil:
		// Intermediate node in direct mode, answer straight to
		// the origin and keep nothing pending.
		n.emitReply(m, m.OriginUID, contribution)
		n.releaseReplyState(entry)
	case m.DirectReply:
		// Origin in direct mode. The expected reply count is
		// unknown, the deadline closes the collection.
		entry.timer = n.deadlineTimer(m.ID)
	default:
		entry.outstanding = sent
		if len(sent) == 0 {
			n.finishSolicit(m.ID, false)
		} else {
			entry.timer = n.deadlineTimer(m.ID)
		}
	}
}

func (n *GossipNode) deadlineTimer(id uuid.UUID) *time.Timer {
	return time.AfterFunc(n.solicitDeadline, func() {
		n.post(nodeEvent{kind: deadlineEvent, solicitation: id})
	})
}

// handleReply folds one downstream reply into the aggregate of
// the solicitation it answers.
func (n *GossipNode) handleReply(m types.Message) {
	entry, ok := n.seen[m.SolicitationID]
	if !ok || !entry.awaiting {
		n.log.Debugf("%s ignoring reply for released solicitation %s", n.uid, m.SolicitationID)
		return
	}
	merged, err := entry.verb.Fold(entry.aggregate, m.Payload)
	if err != nil {
		n.log.Warnf("%s folding reply %s failed: %v", n.uid, m.ID, err)
	} else {
		entry.aggregate = merged
	}
	if entry.outstanding != nil {
		delete(entry.outstanding, m.OriginUID)
		if len(entry.outstanding) == 0 {
			n.finishSolicit(m.SolicitationID, false)
		}
	}
}

// finishSolicit closes the reply slot of a solicitation, either
// because every downstream reply arrived or because the deadline
// fired. The aggregate goes to the local waiter when this node is
// the origin, upstream otherwise.
func (n *GossipNode) finishSolicit(id uuid.UUID, timedOut bool) {
	entry, ok := n.seen[id]
	if !ok || !entry.awaiting {
		return
	}
	partial := timedOut && len(entry.outstanding) > 0
	agg := Aggregate{Payload: entry.aggregate, Partial: partial}

	switch {
	case entry.waiter != nil:
		n.answerWaiter(entry.waiter, agg)
	case !entry.direct && entry.external:
		n.emitReply(entry.origin, entry.source, entry.aggregate)
	}
	n.releaseReplyState(entry)
}

func (n *GossipNode) releaseReplyState(entry *seenEntry) {
	if entry.timer != nil {
		entry.timer.Stop()
	}
	entry.awaiting = false
	entry.verb = nil
	entry.origin = types.Message{}
	entry.aggregate = nil
	entry.outstanding = nil
	entry.waiter = nil
	entry.timer = nil
}

func (n *GossipNode) answerWaiter(waiter chan Aggregate, agg Aggregate) {
	if waiter == nil {
		return
	}
	select {
	case waiter <- agg:
	default:
	}
}

// emitReply sends a reply for the given solicitation to the node
// registered under dest, a neighbor for tree aggregation or the
// origin itself in direct mode.
func (n *GossipNode) emitReply(solicit types.Message, dest types.UID, payload []byte) {
	reply := types.Message{
		ID:             uuid.New(),
		Kind:           types.Reply,
		Verb:           solicit.Verb,
		OriginUID:      n.uid,
		SolicitationID: solicit.ID,
		Timestamp:      n.clock(),
		TTLSeconds:     solicit.TTLSeconds,
		Payload:        payload,
	}
	target, ok := n.registry.Resolve(dest)
	if !ok {
		n.log.Warnf("%s cannot reply, %s is not registered", n.uid, dest)
		return
	}
	if err := target.Deliver(reply, n.uid); err != nil {
		n.log.Warnf("%s reply to %s failed: %v", n.uid, dest, err)
		return
	}
	n.metrics.Replies.Inc()
}

// forward hands the message to every neighbor except the one it
// came from, returning the set that accepted the enqueue.
func (n *GossipNode) forward(m types.Message, ev nodeEvent) map[types.UID]struct{} {
	sent := make(map[types.UID]struct{})
	for _, uid := range n.Neighbors() {
		if ev.external && uid == ev.source {
			continue
		}
		target, ok := n.registry.Resolve(uid)
		if !ok {
			n.log.Warnf("%s has unregistered neighbor %s", n.uid, uid)
			continue
		}
		if err := target.Deliver(m, n.uid); err != nil {
			n.log.Warnf("%s forward of %s to %s failed: %v", n.uid, m.ID, uid, err)
			continue
		}
		sent[uid] = struct{}{}
		n.metrics.Forwarded.Inc()
	}
	return sent
}

// sweepExpired drops every cache slot past its hard deadline, so
// eviction does not depend on a stale message being re-presented.
func (n *GossipNode) sweepExpired() {
	now := n.clock()
	for id, entry := range n.seen {
		if now <= entry.hardDeadline {
			continue
		}
		if entry.awaiting {
			n.finishSolicit(id, true)
		}
		delete(n.seen, id)
	}
}
