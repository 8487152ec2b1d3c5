package core

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/soros1321/emotiq/pkg/gossip/definition"
	"github.com/soros1321/emotiq/pkg/gossip/types"
)

// tcpPair returns both ends of an established local connection.
func tcpPair(t *testing.T) (client, server net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listening: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		accepted <- conn
	}()

	client, err = net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dialing: %v", err)
	}
	select {
	case server = <-accepted:
	case <-time.After(time.Second):
		t.Fatalf("accept never completed")
	}
	return client, server
}

func testOwner(t *testing.T, conn net.Conn, registry *ConnRegistry, outbox chan Inbound) *SocketOwner {
	t.Helper()
	host, port := "127.0.0.1", conn.RemoteAddr().(*net.TCPAddr).Port
	owner, err := NewSocketOwner(conn, host, port, outbox, registry, time.Minute, definition.NewDefaultLogger())
	if err != nil {
		t.Fatalf("creating owner: %v", err)
	}
	return owner
}

func TestEndpointKey_Canonical(t *testing.T) {
	if endpointKey("127.0.0.1", 80) != endpointKey("::ffff:127.0.0.1", 80) {
		t.Errorf("equivalent addresses must produce one key")
	}
	if endpointKey("127.0.0.1", 80) == endpointKey("127.0.0.1", 81) {
		t.Errorf("ports must separate keys")
	}
}

func TestConnRegistry_InsertRemove(t *testing.T) {
	log := definition.NewDefaultLogger()
	registry := NewConnRegistry(time.Minute, nil, log)
	client, server := tcpPair(t)
	defer server.Close()

	owner := testOwner(t, client, registry, make(chan Inbound, 1))
	defer owner.Shutdown()

	if err := registry.Insert("10.0.0.1", 7000, owner); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := registry.Insert("10.0.0.1", 7000, owner); err != types.ErrDuplicateEndpoint {
		t.Errorf("second insert should fail with duplicate, got %v", err)
	}
	if registry.Lookup("10.0.0.1", 7000) != owner {
		t.Errorf("lookup should find the inserted owner")
	}

	registry.Remove("10.0.0.1", 7000)
	if registry.Lookup("10.0.0.1", 7000) != nil {
		t.Errorf("lookup after remove should be empty")
	}
	// Removing twice is a no op.
	registry.Remove("10.0.0.1", 7000)
	if got := registry.Size(); got != 0 {
		t.Errorf("registry size is %d, want 0", got)
	}
}

// Two concurrent callers racing for the same endpoint obtain the
// same owner and the registry grows by exactly one.
func TestConnRegistry_EnsureConnectionDedup(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listening: %v", err)
	}
	defer ln.Close()
	var acceptedMu sync.Mutex
	var accepted []net.Conn
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			acceptedMu.Lock()
			accepted = append(accepted, conn)
			acceptedMu.Unlock()
		}
	}()
	defer func() {
		acceptedMu.Lock()
		defer acceptedMu.Unlock()
		for _, conn := range accepted {
			conn.Close()
		}
	}()

	registry := NewConnRegistry(time.Minute, nil, definition.NewDefaultLogger())
	port := ln.Addr().(*net.TCPAddr).Port
	outbox := make(chan Inbound, 8)

	const callers = 8
	owners := make([]*SocketOwner, callers)
	var group sync.WaitGroup
	for i := 0; i < callers; i++ {
		group.Add(1)
		go func(slot int) {
			defer group.Done()
			owner, err := registry.EnsureConnection("127.0.0.1", port, outbox)
			if err != nil {
				t.Errorf("ensure connection: %v", err)
				return
			}
			owners[slot] = owner
		}(i)
	}
	group.Wait()

	for i := 1; i < callers; i++ {
		if owners[i] != owners[0] {
			t.Errorf("caller %d obtained a different owner", i)
		}
	}
	if got := registry.Size(); got != 1 {
		t.Errorf("registry size is %d, want 1", got)
	}

	registry.Clear()
	if got := registry.Size(); got != 0 {
		t.Errorf("registry size after clear is %d", got)
	}
}

func TestConnRegistry_EnsureConnectionRefused(t *testing.T) {
	registry := NewConnRegistry(time.Minute, nil, definition.NewDefaultLogger())
	// Port 1 on loopback is closed on any sane test machine.
	if _, err := registry.EnsureConnection("127.0.0.1", 1, nil); err != types.ErrConnectFailed {
		t.Errorf("expected connect failure, got %v", err)
	}
}

func TestNodeRegistry_Rules(t *testing.T) {
	registry := NewNodeRegistry(types.Tiny)
	verbs := NewVerbTable()
	log := definition.NewDefaultLogger()

	node := NewGossipNode(registry.NextUID(), registry, verbs, nil, 0, log)
	if err := registry.Register(node); err != nil {
		t.Fatalf("registering: %v", err)
	}
	if err := registry.Register(node); err == nil {
		t.Errorf("double registration must fail")
	}

	anon := NewGossipNode(types.AnonymousUID, registry, verbs, nil, 0, log)
	if err := registry.Register(anon); err == nil {
		t.Errorf("uid 0 must be rejected")
	}

	if _, ok := registry.Resolve(node.UID()); !ok {
		t.Errorf("resolve should find the node")
	}
	if _, ok := registry.Resolve(types.UID(9999)); ok {
		t.Errorf("resolve should miss unknown uids")
	}

	conns := NewConnRegistry(time.Minute, nil, log)
	proxy := NewProxyNode(registry.NextUID(), 77, "10.0.0.9", 7000, conns, log)
	if err := registry.Register(proxy); err != nil {
		t.Fatalf("registering proxy: %v", err)
	}
	if got := len(registry.Locals()); got != 1 {
		t.Errorf("locals must exclude proxies, got %d", got)
	}
	if got := registry.Size(); got != 2 {
		t.Errorf("size is %d, want 2", got)
	}

	registry.Clear()
	if got := registry.Size(); got != 0 {
		t.Errorf("size after clear is %d", got)
	}
}

func TestProxyNode_Equality(t *testing.T) {
	log := definition.NewDefaultLogger()
	conns := NewConnRegistry(time.Minute, nil, log)
	a := NewProxyNode(1, 7, "127.0.0.1", 7000, conns, log)
	b := NewProxyNode(2, 7, "::ffff:127.0.0.1", 7000, conns, log)
	c := NewProxyNode(3, 8, "127.0.0.1", 7000, conns, log)

	if !a.Equal(b) {
		t.Errorf("same remote identity must compare equal")
	}
	if a.Equal(c) {
		t.Errorf("different remote uids must not compare equal")
	}
}

func TestProxyNode_UnreachableWithoutOwner(t *testing.T) {
	log := definition.NewDefaultLogger()
	conns := NewConnRegistry(time.Minute, nil, log)
	proxy := NewProxyNode(1, 7, "127.0.0.1", 7000, conns, log)

	err := proxy.Deliver(commandMsg(VerbCountAlive, 1, 10), 1)
	if err != types.ErrUnreachable {
		t.Errorf("send without a live owner should be unreachable, got %v", err)
	}
	if proxy.Reachable() {
		t.Errorf("proxy must report unreachable")
	}
}
