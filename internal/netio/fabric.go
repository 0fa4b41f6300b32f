package netio

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
)

// packet is a datagram in flight between two Fabric sockets, tagged with the
// address it was sent from.
type packet struct {
	data []byte
	src  netip.Addr
}

// Fabric is an in-memory stand-in for the loopback address space: each
// address in 127.0.0.0/8 is bound by at most one Socket, and SendTo delivers
// to whatever Socket is currently bound to the destination address, exactly
// as the kernel would for a real SOCK_RAW socket bound to that address.
//
// A Fabric is shared by every router interface and every endpoint in one
// simulated network; tests and cmd/routemesh-topo construct one Fabric per
// topology.
type Fabric struct {
	mu      sync.RWMutex
	sockets map[netip.Addr]*fabricSocket

	sentCount       map[netip.Addr]int
	dropOccurrences map[netip.Addr]map[int]bool
}

// NewFabric creates an empty Fabric.
func NewFabric() *Fabric {
	return &Fabric{sockets: make(map[netip.Addr]*fabricSocket)}
}

// SentCount reports how many datagrams have been sent to dst so far. A
// test uses this to compute the occurrence index of a send that hasn't
// happened yet, then passes it to DropOccurrence.
func (f *Fabric) SentCount(dst netip.Addr) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sentCount[dst]
}

// DropOccurrence marks the n-th (1-indexed, counting from the first
// datagram ever sent to dst) datagram addressed to dst as lost: deliver
// silently discards it instead of queuing it, simulating the packet loss
// spec.md's Go-Back-N retransmission scenario requires.
func (f *Fabric) DropOccurrence(dst netip.Addr, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dropOccurrences == nil {
		f.dropOccurrences = make(map[netip.Addr]map[int]bool)
	}
	if f.dropOccurrences[dst] == nil {
		f.dropOccurrences[dst] = make(map[int]bool)
	}
	f.dropOccurrences[dst][n] = true
}

// Bind registers a new Socket at addr. It returns an error if addr is
// already bound, matching the bind(2) behavior the simulation relies on.
func (f *Fabric) Bind(addr netip.Addr) (Socket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, exists := f.sockets[addr]; exists {
		return nil, fmt.Errorf("netio: address %s already bound", addr)
	}

	s := &fabricSocket{
		fabric:  f,
		addr:    addr,
		recvCh:  make(chan packet, 64),
		closeCh: make(chan struct{}),
	}
	f.sockets[addr] = s
	return s, nil
}

// deliver looks up the socket bound to dst and queues b on its receive
// channel, tagged with src. It silently drops the datagram (returning nil)
// if a test has marked this occurrence of a send to dst as lost via
// DropOccurrence. It returns an error if no socket is bound to dst, if the
// recipient's receive buffer is full, or if the recipient is closed.
func (f *Fabric) deliver(src, dst netip.Addr, b []byte) error {
	f.mu.Lock()
	if f.sentCount == nil {
		f.sentCount = make(map[netip.Addr]int)
	}
	f.sentCount[dst]++
	occurrence := f.sentCount[dst]
	dropped := f.dropOccurrences[dst][occurrence]
	dest, ok := f.sockets[dst]
	f.mu.Unlock()

	if dropped {
		return nil
	}
	if !ok {
		return fmt.Errorf("netio: no socket bound to %s", dst)
	}

	cp := make([]byte, len(b))
	copy(cp, b)

	select {
	case dest.recvCh <- packet{data: cp, src: src}:
		return nil
	case <-dest.closeCh:
		return ErrClosed
	default:
		return fmt.Errorf("netio: receive buffer full for %s", dst)
	}
}

func (f *Fabric) unbind(addr netip.Addr) {
	f.mu.Lock()
	delete(f.sockets, addr)
	f.mu.Unlock()
}

// fabricSocket is the Fabric's Socket implementation.
type fabricSocket struct {
	fabric  *Fabric
	addr    netip.Addr
	recvCh  chan packet
	closeCh chan struct{}
	closeOnce sync.Once
}

func (s *fabricSocket) SendTo(dst netip.Addr, b []byte) error {
	select {
	case <-s.closeCh:
		return ErrClosed
	default:
	}
	return s.fabric.deliver(s.addr, dst, b)
}

func (s *fabricSocket) RecvFrom(ctx context.Context, buf []byte) (int, netip.Addr, error) {
	select {
	case pkt := <-s.recvCh:
		n := copy(buf, pkt.data)
		return n, pkt.src, nil
	case <-s.closeCh:
		return 0, netip.Addr{}, ErrClosed
	case <-ctx.Done():
		return 0, netip.Addr{}, ctx.Err()
	}
}

func (s *fabricSocket) LocalAddr() netip.Addr { return s.addr }

func (s *fabricSocket) Close() error {
	s.closeOnce.Do(func() {
		close(s.closeCh)
		s.fabric.unbind(s.addr)
	})
	return nil
}
