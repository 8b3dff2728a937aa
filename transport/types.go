// Package transport implements the datagram transport boundary for the
// discovery engine.
//
// The engine speaks an unordered, lossy datagram protocol. This package
// owns the socket and delivers raw datagrams to a handler; packet
// authentication and parsing happen above it, in the discovery codec,
// because the type byte of a datagram cannot be trusted before its
// signature has been checked.
package transport

import (
	"fmt"
	"net"
)

// DatagramHandler processes a single received datagram. Handlers are
// invoked off the read loop and must not be assumed to run in order.
type DatagramHandler func(data []byte, addr net.Addr)

// Transport defines the interface for datagram transports used by the
// discovery engine. The abstraction keeps the engine testable with an
// in-memory transport.
type Transport interface {
	// Send transmits a datagram to the specified address.
	Send(data []byte, addr net.Addr) error

	// SetHandler installs the handler for incoming datagrams.
	// Datagrams received while no handler is set are dropped.
	SetHandler(handler DatagramHandler)

	// LocalAddr returns the local address the transport is listening on.
	LocalAddr() net.Addr

	// Close shuts down the transport. Close is idempotent.
	Close() error
}

// TransportError wraps a socket-level failure with the operation that
// produced it.
type TransportError struct {
	Op    string
	Cause error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s failed: %v", e.Op, e.Cause)
}

func (e *TransportError) Unwrap() error {
	return e.Cause
}
