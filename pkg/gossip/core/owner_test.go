package core

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/soros1321/emotiq/pkg/gossip/definition"
	"github.com/soros1321/emotiq/pkg/gossip/types"
)

// A frame sent by one owner arrives decoded on the outbox of the
// owner holding the other end of the stream.
func TestSocketOwner_SendReceive(t *testing.T) {
	log := definition.NewDefaultLogger()
	registry := NewConnRegistry(time.Minute, nil, log)
	client, server := tcpPair(t)

	sender := testOwner(t, client, registry, make(chan Inbound, 1))
	outbox := make(chan Inbound, 1)
	receiver := testOwner(t, server, registry, outbox)
	sender.Start()
	receiver.Start()
	t.Cleanup(func() {
		sender.Shutdown()
		receiver.Shutdown()
	})

	message := types.Message{
		ID:         uuid.New(),
		Kind:       types.Command,
		Verb:       VerbCountAlive,
		OriginUID:  3,
		Timestamp:  time.Now().Unix(),
		TTLSeconds: 10,
		Payload:    []byte(`{"count":1}`),
	}
	if err := sender.Send(5, 3, message); err != nil {
		t.Fatalf("sending: %v", err)
	}

	select {
	case in := <-outbox:
		if in.Destination != 5 || in.Source != 3 {
			t.Errorf("bad addressing %d from %d", in.Destination, in.Source)
		}
		if in.Message.ID != message.ID {
			t.Errorf("message id mangled on the wire")
		}
		if in.Message.Verb != message.Verb {
			t.Errorf("verb mangled on the wire")
		}
		if in.Owner != receiver {
			t.Errorf("inbound frame must reference the receiving owner")
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("frame never delivered")
	}
}

// Several frames written back to back decode one by one, including
// the ones a single readiness event has to account for.
func TestSocketOwner_BackToBackFrames(t *testing.T) {
	log := definition.NewDefaultLogger()
	registry := NewConnRegistry(time.Minute, nil, log)
	client, server := tcpPair(t)

	sender := testOwner(t, client, registry, make(chan Inbound, 1))
	outbox := make(chan Inbound, 16)
	receiver := testOwner(t, server, registry, outbox)
	sender.Start()
	receiver.Start()
	t.Cleanup(func() {
		sender.Shutdown()
		receiver.Shutdown()
	})

	const frames = 10
	sent := make(map[uuid.UUID]bool)
	for i := 0; i < frames; i++ {
		message := types.Message{
			ID:         uuid.New(),
			Kind:       types.Command,
			Verb:       VerbCountAlive,
			Timestamp:  time.Now().Unix(),
			TTLSeconds: 10,
		}
		sent[message.ID] = true
		if err := sender.Send(1, 2, message); err != nil {
			t.Fatalf("sending frame %d: %v", i, err)
		}
	}

	for i := 0; i < frames; i++ {
		select {
		case in := <-outbox:
			if !sent[in.Message.ID] {
				t.Errorf("received unknown frame %s", in.Message.ID)
			}
			delete(sent, in.Message.ID)
		case <-time.After(3 * time.Second):
			t.Fatalf("only %d of %d frames arrived", i, frames)
		}
	}
}

// Peer hangup. The monitor observes the close, the owner tears
// down, the registry entry disappears and later sends fail closed.
func TestSocketOwner_PeerHangup(t *testing.T) {
	log := definition.NewDefaultLogger()
	registry := NewConnRegistry(time.Minute, nil, log)
	client, server := tcpPair(t)

	owner := testOwner(t, client, registry, make(chan Inbound, 1))
	host, port := owner.Address()
	if err := registry.Insert(host, port, owner); err != nil {
		t.Fatalf("inserting: %v", err)
	}
	owner.Start()

	server.Close()

	eventually(t, "owner teardown", owner.Closed)
	if registry.Lookup(host, port) != nil {
		t.Errorf("registry entry must be gone after teardown")
	}

	message := types.Message{ID: uuid.New(), Kind: types.Command, Verb: VerbCountAlive, Timestamp: time.Now().Unix(), TTLSeconds: 10}
	if err := owner.Send(1, 2, message); err != types.ErrClosed {
		t.Errorf("send on a closed owner should fail closed, got %v", err)
	}
}

// Shutdown twice has the same observable effect as once.
func TestSocketOwner_ShutdownIdempotent(t *testing.T) {
	log := definition.NewDefaultLogger()
	registry := NewConnRegistry(time.Minute, nil, log)
	client, server := tcpPair(t)
	defer server.Close()

	owner := testOwner(t, client, registry, make(chan Inbound, 1))
	owner.Start()

	owner.Shutdown()
	if !owner.Closed() {
		t.Fatalf("owner must be closed after shutdown")
	}
	owner.Shutdown()
	if !owner.Closed() {
		t.Errorf("second shutdown must leave the owner closed")
	}
}

func TestWire_RejectsOversizedFrames(t *testing.T) {
	message := types.Message{ID: uuid.New(), Timestamp: 1, TTLSeconds: 1}
	wire, err := encodeFrame(frame{Destination: 1, Source: 2, Message: message})
	if err != nil {
		t.Fatalf("encoding: %v", err)
	}
	// Corrupt the length prefix into an absurd size.
	wire[0], wire[1], wire[2], wire[3] = 0xff, 0xff, 0xff, 0xff

	client, server := tcpPair(t)
	defer client.Close()
	defer server.Close()
	go client.Write(wire)

	if _, err := decodeFrame(server); err == nil {
		t.Errorf("oversized frame must be rejected")
	}
}
