//go:build linux

package netio

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// RawSocket is a Socket backed by a real SOCK_RAW/IPPROTO_RAW socket bound
// to a loopback address, grounded on the unix.Socket/unix.Bind/unix.Sendto
// sequence the teacher uses for its own netlink route-table socket. It
// requires CAP_NET_RAW and is the production backend for a router interface
// or endpoint that wants real packets on the wire rather than the in-memory
// Fabric.
type RawSocket struct {
	fd   int
	addr netip.Addr

	mu        sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

// BindRaw opens a SOCK_RAW/IPPROTO_RAW socket and binds it to addr (expected
// to be a loopback address, e.g. 127.0.0.1, standing in for a distinct
// physical interface).
func BindRaw(addr netip.Addr) (*RawSocket, error) {
	if !addr.Is4() {
		return nil, fmt.Errorf("netio: raw socket requires an IPv4 address, got %s", addr)
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_RAW, unix.IPPROTO_RAW)
	if err != nil {
		return nil, fmt.Errorf("creating raw socket: %w", err)
	}

	sa := &unix.SockaddrInet4{Addr: addr.As4()}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("binding raw socket to %s: %w", addr, err)
	}

	// Non-blocking: router interface sockets are polled in a cycle per
	// spec.md §5; RecvFrom below layers a context-aware poll loop on top.
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("setting nonblocking: %w", err)
	}

	return &RawSocket{fd: fd, addr: addr, closed: make(chan struct{})}, nil
}

func (s *RawSocket) SendTo(dst netip.Addr, b []byte) error {
	if !dst.Is4() {
		return fmt.Errorf("netio: raw socket requires an IPv4 destination, got %s", dst)
	}
	sa := &unix.SockaddrInet4{Addr: dst.As4()}
	s.mu.Lock()
	defer s.mu.Unlock()
	return unix.Sendto(s.fd, b, 0, sa)
}

// RecvFrom polls the socket until a datagram arrives, ctx is done, or the
// socket is closed. The poll interval mirrors the router's "polled in a
// cycle" non-blocking receive model (spec.md §5).
func (s *RawSocket) RecvFrom(ctx context.Context, buf []byte) (int, netip.Addr, error) {
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-s.closed:
			return 0, netip.Addr{}, ErrClosed
		case <-ctx.Done():
			return 0, netip.Addr{}, ctx.Err()
		case <-ticker.C:
			s.mu.Lock()
			n, from, err := unix.Recvfrom(s.fd, buf, 0)
			s.mu.Unlock()
			if err != nil {
				if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
					continue
				}
				return 0, netip.Addr{}, fmt.Errorf("recvfrom: %w", err)
			}
			sa4, ok := from.(*unix.SockaddrInet4)
			if !ok {
				continue
			}
			return n, netip.AddrFrom4(sa4.Addr), nil
		}
	}
}

func (s *RawSocket) LocalAddr() netip.Addr { return s.addr }

func (s *RawSocket) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.mu.Lock()
		unix.Close(s.fd)
		s.mu.Unlock()
	})
	return nil
}
