// Package netio abstracts the raw IPv4 socket each router interface and
// each transport endpoint sends and receives on. A Socket is bound to a
// single address; sending addresses a destination, receiving reports the
// source the datagram actually arrived from.
//
// Two implementations exist: an in-memory Fabric (see fabric.go) used by
// every test and by default in the diagnostic CLI, and a real Linux
// raw-socket backend (raw_linux.go) that the CLI uses with --backend raw.
package netio

import (
	"context"
	"errors"
	"net/netip"
)

// ErrClosed is returned by Socket methods after Close has been called.
var ErrClosed = errors.New("netio: socket closed")

// Socket is the minimal send/receive surface a router interface or a
// transport endpoint needs. It stands in for a raw IPv4 socket bound to a
// loopback address.
type Socket interface {
	// SendTo writes b addressed to dst, a unicast address bound by exactly
	// one peer Socket. There is no multicast delivery: LSAs are sent to each
	// neighbor's interface address individually.
	SendTo(dst netip.Addr, b []byte) error

	// RecvFrom blocks until a datagram arrives, ctx is done, or the socket
	// is closed, whichever happens first.
	RecvFrom(ctx context.Context, buf []byte) (n int, src netip.Addr, err error)

	// LocalAddr returns the address this socket is bound to.
	LocalAddr() netip.Addr

	Close() error
}
