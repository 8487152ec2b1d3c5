package core

import (
	"bufio"
	"errors"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/soros1321/emotiq/pkg/gossip/types"
)

// Owner lifecycle. Shutdown is idempotent, commands issued after
// the owner closed fail with types.ErrClosed.
const (
	ownerOpen int32 = iota
	ownerClosing
	ownerClosed
)

const (
	// Grace period for the buffered byte re-check before a
	// decode. Readiness events may outnumber available frames,
	// a prior decode can have consumed every buffered byte.
	listenCheckTimeout = 10 * time.Millisecond

	// Upper bound on reading one full frame once at least one
	// byte arrived. A stalled partial frame means the stream is
	// broken.
	frameReadTimeout = 30 * time.Second

	// How long to wait for a slot on the outbox before dropping
	// a decoded frame.
	outboxTimeout = 250 * time.Millisecond

	mailboxDepth = 64
)

// Inbound is one decoded frame handed to the outbox, together with
// the owner it arrived on.
type Inbound struct {
	Owner       *SocketOwner
	Destination types.UID
	Source      types.UID
	Message     types.Message
}

type commandKind uint8

const (
	sendCommand commandKind = iota
	receiveReadyCommand
	shutdownCommand
)

type command struct {
	kind  commandKind
	wire  []byte
	reply chan error
}

// SocketOwner is the exclusive owner of one TCP stream. It is a
// single goroutine actor serving a mailbox of commands, all socket
// I/O happens inside its handler and no other code may touch the
// connection.
type SocketOwner struct {
	conn    net.Conn
	reader  *bufio.Reader
	address string
	port    int

	mailbox chan command
	outbox  chan<- Inbound

	registry *ConnRegistry
	monitor  *monitor
	invoker  Invoker

	state   atomic.Int32
	started atomic.Bool
	closing chan struct{}
	done    chan struct{}

	log types.Logger
}

// NewSocketOwner wraps an established connection. The owner does
// not serve its mailbox until Start is called, so the caller can
// still register it first.
func NewSocketOwner(conn net.Conn, address string, port int, outbox chan<- Inbound, registry *ConnRegistry, monitorTimeout time.Duration, log types.Logger) (*SocketOwner, error) {
	o := &SocketOwner{
		conn:     conn,
		reader:   bufio.NewReader(conn),
		address:  address,
		port:     port,
		mailbox:  make(chan command, mailboxDepth),
		outbox:   outbox,
		registry: registry,
		invoker:  NewInvoker(),
		closing:  make(chan struct{}),
		done:     make(chan struct{}),
		log:      log,
	}
	m, err := newMonitor(conn, o, monitorTimeout, log)
	if err != nil {
		return nil, err
	}
	o.monitor = m
	return o, nil
}

// Start spawns the actor loop and the readiness monitor.
func (o *SocketOwner) Start() {
	if !o.started.CompareAndSwap(false, true) {
		return
	}
	o.invoker.Spawn(o.run)
	o.invoker.Spawn(o.monitor.run)
}

// Address returns the peer endpoint this owner serves.
func (o *SocketOwner) Address() (string, int) {
	return o.address, o.port
}

// State returns the current lifecycle state.
func (o *SocketOwner) State() int32 {
	return o.state.Load()
}

// Closed reports whether the owner went through its shutdown.
func (o *SocketOwner) Closed() bool {
	return o.state.Load() == ownerClosed
}

// Send serializes the tuple on the stream. The call blocks until
// the owner's handler flushed the frame or failed.
func (o *SocketOwner) Send(destination, source types.UID, message types.Message) error {
	wire, err := encodeFrame(frame{Destination: destination, Source: source, Message: message})
	if err != nil {
		return err
	}
	reply := make(chan error, 1)
	if err := o.post(command{kind: sendCommand, wire: wire, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-o.done:
		return types.ErrClosed
	}
}

// ReceiveReady is posted by the readiness monitor. Losing one is
// benign, the monitor will observe readability again, so a full
// mailbox drops the event instead of blocking the monitor.
func (o *SocketOwner) ReceiveReady() {
	if o.Closed() {
		return
	}
	select {
	case o.mailbox <- command{kind: receiveReadyCommand}:
	case <-o.done:
	default:
	}
}

// Shutdown tears the owner down and blocks until the actor loop
// exited. Safe to invoke any number of times.
func (o *SocketOwner) Shutdown() {
	if !o.started.Load() {
		// Never served its mailbox, tear down inline.
		o.teardown()
		return
	}
	select {
	case o.mailbox <- command{kind: shutdownCommand}:
	case <-o.done:
		return
	}
	<-o.done
}

func (o *SocketOwner) post(c command) error {
	if o.Closed() {
		return types.ErrClosed
	}
	select {
	case o.mailbox <- c:
		return nil
	case <-o.done:
		return types.ErrClosed
	}
}

// requestShutdown is the monitor side teardown trigger. Unlike
// ReceiveReady it must not be dropped, so it blocks until the
// mailbox takes it or a teardown is already under way.
func (o *SocketOwner) requestShutdown() {
	select {
	case o.mailbox <- command{kind: shutdownCommand}:
	case <-o.closing:
	case <-o.done:
	}
}

func (o *SocketOwner) run() {
	defer close(o.done)
	defer o.teardown()
	for cmd := range o.mailbox {
		switch cmd.kind {
		case sendCommand:
			err := o.handleSend(cmd.wire)
			cmd.reply <- err
			if err != nil {
				// The stream is unusable, self shutdown.
				return
			}
		case receiveReadyCommand:
			if !o.handleReceiveReady() {
				return
			}
		case shutdownCommand:
			return
		}
	}
}

func (o *SocketOwner) handleSend(wire []byte) error {
	if o.state.Load() != ownerOpen {
		return types.ErrClosed
	}
	if _, err := o.conn.Write(wire); err != nil {
		o.log.Warnf("write to %s failed: %v", endpointKey(o.address, o.port), err)
		return types.ErrClosed
	}
	return nil
}

// handleReceiveReady decodes one frame if a complete prefix byte
// is buffered. The re-check is a required precondition before the
// decoder runs, without it the actor would block forever on a
// stream whose readiness events were already consumed.
func (o *SocketOwner) handleReceiveReady() bool {
	if o.reader.Buffered() == 0 {
		o.conn.SetReadDeadline(time.Now().Add(listenCheckTimeout))
		_, err := o.reader.Peek(1)
		o.conn.SetReadDeadline(time.Time{})
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				// Spurious readiness event, nothing buffered.
				return true
			}
			// EOF or a hard transport error.
			return false
		}
	}

	o.conn.SetReadDeadline(time.Now().Add(frameReadTimeout))
	f, err := decodeFrame(o.reader)
	o.conn.SetReadDeadline(time.Time{})
	if err != nil {
		if !errors.Is(err, net.ErrClosed) {
			o.log.Warnf("dropping connection %s: %v", endpointKey(o.address, o.port), err)
		}
		return false
	}

	in := Inbound{Owner: o, Destination: f.Destination, Source: f.Source, Message: f.Message}
	select {
	case o.outbox <- in:
	case <-time.After(outboxTimeout):
		o.log.Warnf("outbox full, dropped frame for %s", f.Destination)
	}

	// Bytes read into the buffer alongside this frame are
	// invisible to the monitor's poll, schedule another round
	// so they are not stranded until new traffic arrives.
	if o.reader.Buffered() > 0 {
		o.ReceiveReady()
	}
	return true
}

// teardown moves the owner to closed, removes the registry entry
// before the socket is released, stops the monitor and closes the
// stream. Runs at most once.
func (o *SocketOwner) teardown() {
	if !o.state.CompareAndSwap(ownerOpen, ownerClosing) {
		return
	}
	close(o.closing)
	o.registry.Remove(o.address, o.port)
	o.monitor.stop()
	if o.started.Load() {
		<-o.monitor.finished
	}
	o.monitor.discard()
	o.conn.Close()
	o.state.Store(ownerClosed)
}
