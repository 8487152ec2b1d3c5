package test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/goleak"

	"github.com/soros1321/emotiq/pkg/gossip"
	"github.com/soros1321/emotiq/pkg/gossip/core"
	"github.com/soros1321/emotiq/pkg/gossip/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestSystem_StartStop(t *testing.T) {
	system := CreateSystem(t, 1, types.Tiny)
	if system.Port() == 0 {
		t.Errorf("listener should have bound a port")
	}
	if got := len(system.Nodes().Locals()); got != 1 {
		t.Errorf("expected one local node, got %d", got)
	}
}

func TestSystem_ZeroNodes(t *testing.T) {
	system := CreateSystem(t, 0, types.Tiny)
	if got := len(system.Nodes().Locals()); got != 0 {
		t.Errorf("numnodes zero must force zero nodes, got %d", got)
	}
}

// A command broadcast over a built graph fires the verb once per
// node.
func TestSystem_BuildGraphBroadcast(t *testing.T) {
	system := CreateSystem(t, 0, types.Tiny)
	nodes, err := system.BuildGraph(8, 3)
	if err != nil {
		t.Fatalf("building graph: %v", err)
	}

	var fired atomic.Int64
	system.RegisterVerb(&core.Verb{
		Name: "probe",
		Apply: func(_ *core.GossipNode, _ types.Message) ([]byte, error) {
			fired.Add(1)
			return nil, nil
		},
	})

	if err := system.Broadcast(nodes[0], "probe", nil); err != nil {
		t.Fatalf("broadcasting: %v", err)
	}
	Eventually(t, "verb on every node", func() bool {
		return fired.Load() == 8
	})
	time.Sleep(200 * time.Millisecond)
	if got := fired.Load(); got != 8 {
		t.Errorf("verb fired %d times on 8 nodes", got)
	}
}

func TestSystem_SolicitWaitOverGraph(t *testing.T) {
	system := CreateSystem(t, 0, types.Tiny)
	nodes, err := system.BuildGraph(6, 3)
	if err != nil {
		t.Fatalf("building graph: %v", err)
	}

	agg, err := system.SolicitWait(nodes[0], core.VerbCountAlive, nil)
	if err != nil {
		t.Fatalf("soliciting: %v", err)
	}
	count, err := core.CountAliveResult(agg.Payload)
	if err != nil {
		t.Fatalf("decoding aggregate: %v", err)
	}
	if count != 6 {
		t.Errorf("count-alive over 6 nodes returned %d, partial=%v", count, agg.Partial)
	}
}

// An anonymous frame reaches every local node of the peer process.
func TestSystem_AnonymousBroadcastAcrossSystems(t *testing.T) {
	var fired atomic.Int64
	probe := &core.Verb{
		Name: "probe",
		Apply: func(_ *core.GossipNode, _ types.Message) ([]byte, error) {
			fired.Add(1)
			return nil, nil
		},
	}

	local := CreateSystem(t, 1, types.Tiny)
	remote := CreateSystem(t, 2, types.Normal)
	local.RegisterVerb(probe)
	remote.RegisterVerb(probe)

	proxy, err := local.ConnectPeer("127.0.0.1", remote.Port())
	if err != nil {
		t.Fatalf("connecting peer: %v", err)
	}
	origin := local.Nodes().Locals()[0]
	if err := origin.AddNeighbor(proxy.UID()); err != nil {
		t.Fatalf("wiring proxy: %v", err)
	}

	if err := local.Broadcast(origin, "probe", nil); err != nil {
		t.Fatalf("broadcasting: %v", err)
	}
	// One firing at the origin plus one per remote local node.
	Eventually(t, "verb across both systems", func() bool {
		return fired.Load() == 3
	})
}

// A solicitation crosses the machine boundary and the aggregate
// flows back up through the proxies.
func TestSystem_SolicitAcrossSystems(t *testing.T) {
	local := CreateSystem(t, 1, types.Tiny)
	remote := CreateSystem(t, 2, types.Normal)

	origin := local.Nodes().Locals()[0]
	remotes := remote.Nodes().Locals()
	first, second := remotes[0], remotes[1]

	// Explicit cross machine edges, origin to first and first to
	// second, each remote edge backed by a concrete proxy on both
	// sides.
	if _, err := local.ProxyFor(first.UID(), "127.0.0.1", remote.Port()); err != nil {
		t.Fatalf("proxy for remote node: %v", err)
	}
	if _, err := remote.ProxyFor(origin.UID(), "127.0.0.1", local.Port()); err != nil {
		t.Fatalf("proxy for origin: %v", err)
	}
	if err := origin.AddNeighbor(first.UID()); err != nil {
		t.Fatal(err)
	}
	if err := first.AddNeighbor(origin.UID()); err != nil {
		t.Fatal(err)
	}
	if err := first.AddNeighbor(second.UID()); err != nil {
		t.Fatal(err)
	}
	if err := second.AddNeighbor(first.UID()); err != nil {
		t.Fatal(err)
	}

	var agg core.Aggregate
	var err error
	completed := WaitThisOrTimeout(func() {
		agg, err = local.SolicitWait(origin, core.VerbCountAlive, nil)
	}, 5*time.Second)
	if !completed {
		t.Fatalf("solicitation never returned")
	}
	if err != nil {
		t.Fatalf("soliciting: %v", err)
	}
	if agg.Partial {
		t.Errorf("aggregate should be complete")
	}
	count, err := core.CountAliveResult(agg.Payload)
	if err != nil {
		t.Fatalf("decoding aggregate: %v", err)
	}
	if count != 3 {
		t.Errorf("count-alive across systems returned %d", count)
	}
}

// Peer hangup. The remote process goes away, the local owner tears
// down, the registry entry disappears and proxy sends start
// failing.
func TestSystem_PeerHangup(t *testing.T) {
	local := CreateSystem(t, 1, types.Tiny)
	remote := CreateSystem(t, 1, types.Normal)

	proxy, err := local.ConnectPeer("127.0.0.1", remote.Port())
	if err != nil {
		t.Fatalf("connecting peer: %v", err)
	}
	if got := local.Connections().Size(); got != 1 {
		t.Fatalf("expected one live connection, got %d", got)
	}

	remote.Stop()

	Eventually(t, "local owner teardown", func() bool {
		return local.Connections().Size() == 0
	})

	message := types.Message{
		ID:         uuid.New(),
		Kind:       types.Command,
		Verb:       core.VerbCountAlive,
		Timestamp:  time.Now().Unix(),
		TTLSeconds: 10,
	}
	err = proxy.Deliver(message, 1)
	if err != types.ErrUnreachable && err != types.ErrClosed {
		t.Errorf("send through a dead proxy should fail, got %v", err)
	}
	if proxy.Reachable() {
		t.Errorf("proxy must report unreachable after the hangup")
	}
}

// A co-tenant on the primary port pushes the second system to the
// derived secondary port.
func TestSystem_SecondaryPort(t *testing.T) {
	first := CreateSystem(t, 0, types.Tiny)
	primary := first.Port()

	conf := types.DefaultConfiguration()
	conf.GossipPort = primary
	zero := 0
	conf.NumNodes = &zero
	second, err := gossip.NewSystem(conf)
	if err != nil {
		t.Fatalf("assembling co-tenant: %v", err)
	}
	if err := second.Start(); err != nil {
		t.Fatalf("starting co-tenant: %v", err)
	}
	t.Cleanup(second.Stop)

	if got := second.Port(); got != primary+1 {
		t.Errorf("co-tenant should land on %d, got %d", primary+1, got)
	}
}
