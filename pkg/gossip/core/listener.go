package core

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/soros1321/emotiq/pkg/gossip/types"
)

// Listener accepts inbound gossip connections and wraps each one
// in a socket owner plus readiness monitor, wired to the shared
// outbox. When the configured port is already taken by a co-tenant
// process the secondary port, primary plus one, is tried before
// giving up.
type Listener struct {
	conns          *ConnRegistry
	outbox         chan<- Inbound
	monitorTimeout time.Duration
	log            types.Logger

	ln     net.Listener
	port   int
	group  *errgroup.Group
	cancel context.CancelFunc
}

func NewListener(conns *ConnRegistry, outbox chan<- Inbound, monitorTimeout time.Duration, log types.Logger) *Listener {
	if monitorTimeout <= 0 {
		monitorTimeout = types.DefaultMonitorTimeout
	}
	return &Listener{
		conns:          conns,
		outbox:         outbox,
		monitorTimeout: monitorTimeout,
		log:            log,
	}
}

// Start binds the listener and spawns the accept loop, returning
// the port actually bound.
func (l *Listener) Start(port int) (int, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil && port > 0 && port < 65535 {
		// Co-tenant on the primary port, fall over to the
		// secondary one.
		l.log.Infof("port %d taken, trying %d", port, port+1)
		ln, err = net.Listen("tcp", fmt.Sprintf(":%d", port+1))
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %v", types.ErrConnectFailed, err)
	}

	l.ln = ln
	l.port = ln.Addr().(*net.TCPAddr).Port

	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.group, _ = errgroup.WithContext(ctx)
	l.group.Go(func() error {
		l.acceptLoop(ctx)
		return nil
	})
	l.log.Infof("gossip listener on port %d", l.port)
	return l.port, nil
}

// Port returns the bound port, zero before Start.
func (l *Listener) Port() int {
	return l.port
}

// Stop closes the listener and waits for the accept loop. Owners
// created for accepted connections stay up, they are torn down
// individually or by clearing the connection registry.
func (l *Listener) Stop() {
	if l.ln == nil {
		return
	}
	l.cancel()
	l.ln.Close()
	l.group.Wait()
	l.ln = nil
}

func (l *Listener) acceptLoop(ctx context.Context) {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			l.log.Warnf("accept failed: %v", err)
			continue
		}
		l.serve(conn)
	}
}

// serve registers an owner for the accepted stream under the
// remote endpoint.
func (l *Listener) serve(conn net.Conn) {
	host, portText, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		l.log.Warnf("rejecting connection with bad remote %v: %v", conn.RemoteAddr(), err)
		conn.Close()
		return
	}
	port, _ := strconv.Atoi(portText)

	owner, err := NewSocketOwner(conn, host, port, l.outbox, l.conns, l.monitorTimeout, l.log)
	if err != nil {
		l.log.Warnf("rejecting connection from %s: %v", conn.RemoteAddr(), err)
		conn.Close()
		return
	}
	if err := l.conns.Insert(host, port, owner); err != nil {
		l.log.Warnf("rejecting connection from %s: %v", conn.RemoteAddr(), err)
		owner.Shutdown()
		return
	}
	owner.Start()
	l.log.Debugf("accepted gossip peer %s", conn.RemoteAddr())
}
