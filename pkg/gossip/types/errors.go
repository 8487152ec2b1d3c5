package types

import "errors"

var (
	// Returned when a TCP connect to a peer endpoint was refused
	// or the address did not resolve.
	ErrConnectFailed = errors.New("connect to peer failed")

	// Returned for operations issued against a socket owner that
	// already went through its shutdown.
	ErrClosed = errors.New("socket owner is closed")

	// Returned when the wire decoder rejected a frame. The stream
	// is out of sync at this point and the connection goes down.
	ErrDecodeFailed = errors.New("frame decode failed")

	// Returned when a frame targets a UID this process does
	// not know.
	ErrUnknownDestination = errors.New("unknown destination uid")

	// Returned by the connection registry when inserting over a
	// live entry for the same endpoint.
	ErrDuplicateEndpoint = errors.New("endpoint already registered")

	// Returned by a proxy whose connection was torn down and not
	// yet re-established.
	ErrUnreachable = errors.New("remote node unreachable")

	// Returned when an actor mailbox did not accept a message
	// within the enqueue grace period.
	ErrMailboxFull = errors.New("mailbox full, message dropped")

	// Returned when a neighbor UID is added twice or the
	// degree constraints of the builder cannot be met.
	ErrBadGraph = errors.New("cannot build graph with given constraints")
)
