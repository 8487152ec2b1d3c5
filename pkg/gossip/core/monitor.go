package core

import (
	"fmt"
	"net"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/soros1321/emotiq/pkg/gossip/types"
)

// Yield between readiness probes so the owner can drain buffered
// bytes before the next event is posted.
const pollBackoff = time.Millisecond

// monitor watches one socket for readability or hangup and posts
// the outcome to its owner. It never reads the socket itself, it
// polls a duplicated descriptor so no byte is ever consumed
// outside the owner's handler. A self pipe wakes the poll on
// shutdown, closing a descriptor does not interrupt a thread
// already blocked on it.
type monitor struct {
	fd      int
	wakeR   int
	wakeW   int
	owner    *SocketOwner
	timeout  time.Duration
	stopped  atomic.Bool
	finished chan struct{}
	log      types.Logger
}

func newMonitor(conn net.Conn, owner *SocketOwner, timeout time.Duration, log types.Logger) (*monitor, error) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return nil, fmt.Errorf("connection does not expose a descriptor")
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return nil, err
	}
	var fd int
	var dupErr error
	err = raw.Control(func(f uintptr) {
		fd, dupErr = unix.Dup(int(f))
	})
	if err != nil {
		return nil, err
	}
	if dupErr != nil {
		return nil, dupErr
	}

	var pipe [2]int
	if err := unix.Pipe(pipe[:]); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return &monitor{
		fd:       fd,
		wakeR:    pipe[0],
		wakeW:    pipe[1],
		owner:    owner,
		timeout:  timeout,
		finished: make(chan struct{}),
		log:      log,
	}, nil
}

// stop wakes the poll loop through the self pipe. Called by the
// owner teardown, safe to invoke more than once.
func (m *monitor) stop() {
	if m.stopped.CompareAndSwap(false, true) {
		unix.Write(m.wakeW, []byte{0})
	}
}

// discard releases the descriptors. Only safe once the loop is
// known not to be inside poll, the owner teardown waits for the
// loop to finish first.
func (m *monitor) discard() {
	unix.Close(m.fd)
	unix.Close(m.wakeR)
	unix.Close(m.wakeW)
}

// run blocks on poll until the stream is readable, hung up or
// silent for the whole timeout. Readability is reported to the
// owner, a hangup or a silent window ends the stream, and a failed
// poll is logged before the loop polls again.
func (m *monitor) run() {
	defer close(m.finished)
	for {
		if m.stopped.Load() {
			return
		}
		fds := []unix.PollFd{
			{Fd: int32(m.fd), Events: unix.POLLIN},
			{Fd: int32(m.wakeR), Events: unix.POLLIN},
		}
		n, err := unix.Poll(fds, int(m.timeout.Milliseconds()))
		if m.stopped.Load() || fds[1].Revents != 0 {
			return
		}
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			m.log.Errorf("poll on %s failed: %v", endpointKey(m.owner.Address()), err)
			continue
		}

		revents := fds[0].Revents
		switch {
		case revents&(unix.POLLHUP|unix.POLLERR|unix.POLLNVAL) != 0:
			m.owner.requestShutdown()
			return
		case revents&unix.POLLIN != 0:
			m.owner.ReceiveReady()
			time.Sleep(pollBackoff)
		case n == 0:
			// Nothing for the whole window, the peer closed
			// without a hangup reaching us.
			m.owner.requestShutdown()
			return
		}
	}
}
