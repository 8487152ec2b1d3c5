package test

import (
	"testing"
	"time"

	"github.com/soros1321/emotiq/pkg/gossip"
	"github.com/soros1321/emotiq/pkg/gossip/types"
)

// CreateSystem builds and starts a gossip system on an ephemeral
// port with the given number of local nodes. The system is torn
// down with the test.
func CreateSystem(t *testing.T, numNodes int, regime types.Regime) *gossip.System {
	t.Helper()
	conf := types.DefaultConfiguration()
	conf.GossipPort = 0
	conf.UIDRegime = regime
	conf.NumNodes = &numNodes
	conf.SolicitDeadline = 2 * time.Second

	system, err := gossip.NewSystem(conf)
	if err != nil {
		t.Fatalf("assembling system: %v", err)
	}
	if err := system.Start(); err != nil {
		t.Fatalf("starting system: %v", err)
	}
	t.Cleanup(system.Stop)
	return system
}

// Eventually polls the condition until it holds or the deadline
// passes.
func Eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// WaitThisOrTimeout runs cb and reports whether it returned before
// the duration elapsed.
func WaitThisOrTimeout(cb func(), duration time.Duration) bool {
	done := make(chan bool)
	go func() {
		cb()
		done <- true
	}()
	select {
	case <-done:
		return true
	case <-time.After(duration):
		return false
	}
}
