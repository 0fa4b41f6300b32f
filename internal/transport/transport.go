// Package transport implements the reliable Go-Back-N transport that rides
// on top of the simulated network: a three-way handshake establishes a
// connection, a sliding-window sender retransmits on a single cumulative
// timeout, and an in-order-only receiver ACKs every accepted segment and
// silently drops (re-ACKing the last good one) anything out of order.
//
// Sequence numbers here count segments, not bytes — every segment, whatever
// its payload length, advances the sequence space by exactly one. This
// mirrors the reference client/server, which track seq_num/ack_num as plain
// segment counters rather than byte offsets.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/netip"
	"time"

	"github.com/kuuji/routemesh/internal/netio"
	"github.com/kuuji/routemesh/pkg/wire"
)

// MaxSegmentPayload is the largest payload carried by one segment. Larger
// messages are split across multiple segments by Send.
const MaxSegmentPayload = 512

// DefaultWindow is the sender's window size when a caller doesn't specify
// one; it is always further bounded by the peer's advertised window during
// the handshake.
const DefaultWindow = 4

// retryAttempts and attemptTimeout bound how long the handshake waits for
// each expected segment before giving up or retransmitting.
const (
	retryAttempts  = 5
	attemptTimeout = 2 * time.Second
)

// ErrHandshakeFailed is returned when a Dial or Accept handshake does not
// complete within its retry budget.
var ErrHandshakeFailed = errors.New("transport: handshake failed")

// ErrReceiveTimeout is returned when Receive's wall-clock budget elapses
// before a terminal (FIN) segment arrives.
var ErrReceiveTimeout = errors.New("transport: receive timed out")

// ReceiveBudget is the total wall-clock time Receive spends collecting
// segments before giving up.
const ReceiveBudget = 15 * time.Second

// Conn is one established Go-Back-N connection. It is not safe for
// concurrent use by multiple goroutines — a connection handles one request
// then one response, sequentially, exactly as the reference client/server
// do.
type Conn struct {
	sock netio.Socket

	// nextHop is the directly reachable address this connection hands to
	// Socket.SendTo, and the value stamped into every outgoing segment's
	// next_hop field. It may be the peer's own address (adjacent hosts) or
	// a router's interface address (multi-hop), but it is never rewritten
	// by the connection itself — only a Router forwards by rewriting it.
	nextHop netip.Addr

	localIP, remoteIP       net.IP
	localPort, remotePort   uint16
	window                  uint16
	seq, ack                uint32

	log *slog.Logger
}

// randomPort returns an ephemeral port in the conventional dynamic range.
func randomPort() uint16 {
	return uint16(49152 + rand.IntN(16384))
}

// Dial performs the active open: send SYN, wait for SYN-ACK addressed back
// to localIP, then ACK. remotePort is the listening endpoint's port;
// nextHop is the address to hand the packet to on the wire (the peer
// itself, or a gateway router interface for a multi-hop path).
func Dial(ctx context.Context, sock netio.Socket, localIP, remoteIP net.IP, remotePort uint16, nextHop netip.Addr, window uint16, log *slog.Logger) (*Conn, error) {
	if window == 0 {
		window = DefaultWindow
	}
	if log == nil {
		log = slog.Default()
	}

	c := &Conn{
		sock:       sock,
		nextHop:    nextHop,
		localIP:    localIP,
		remoteIP:   remoteIP,
		localPort:  randomPort(),
		remotePort: remotePort,
		window:     window,
		log:        log.With("component", "transport", "role", "client"),
	}

	initSeq := uint32(0)
	syn := c.buildSegment(wire.FlagSYN, initSeq, 0, nil)
	if err := c.sock.SendTo(c.nextHop, syn); err != nil {
		return nil, fmt.Errorf("sending SYN: %w", err)
	}

	for attempt := 0; attempt < retryAttempts; attempt++ {
		dg, err := c.recvMatching(ctx, func(dg wire.HTTPDatagram) bool {
			return dg.Segment.HasFlag(wire.FlagSYN) && dg.Segment.HasFlag(wire.FlagACK) &&
				dg.Segment.NextHopIP().Equal(c.localIP)
		})
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				if err := c.sock.SendTo(c.nextHop, syn); err != nil {
					return nil, fmt.Errorf("resending SYN: %w", err)
				}
				continue
			}
			return nil, err
		}

		peerInit := dg.Segment.SeqNum
		if dg.Segment.Window < c.window {
			c.window = dg.Segment.Window
		}
		c.ack = peerInit + 1
		c.seq = initSeq + 1

		ack := c.buildSegment(wire.FlagACK, c.seq, c.ack, nil)
		if err := c.sock.SendTo(c.nextHop, ack); err != nil {
			return nil, fmt.Errorf("sending handshake ACK: %w", err)
		}
		c.log.Info("handshake complete", "remote_port", c.remotePort, "window", c.window)
		return c, nil
	}
	return nil, ErrHandshakeFailed
}

// Accept performs the passive open: wait for a SYN addressed to localIP,
// reply SYN-ACK, then wait for the final ACK. It ignores any non-transport
// traffic (link-state advertisements) that happens to arrive on the same
// socket while waiting.
func Accept(ctx context.Context, sock netio.Socket, localIP net.IP, window uint16, log *slog.Logger) (*Conn, error) {
	if window == 0 {
		window = DefaultWindow
	}
	if log == nil {
		log = slog.Default()
	}

	c := &Conn{
		sock:     sock,
		localIP:  localIP,
		window:   window,
		log:      log.With("component", "transport", "role", "server"),
	}

	dg, peer, err := c.recvMatchingFrom(ctx, func(dg wire.HTTPDatagram) bool {
		return dg.Segment.HasFlag(wire.FlagSYN) && !dg.Segment.HasFlag(wire.FlagACK) &&
			dg.Segment.NextHopIP().Equal(localIP)
	})
	if err != nil {
		return nil, fmt.Errorf("waiting for SYN: %w", err)
	}

	c.nextHop = peer
	c.remoteIP = dg.IP.SrcIP()
	c.remotePort = dg.Segment.SrcPort
	c.localPort = dg.Segment.DstPort
	peerInit := dg.Segment.SeqNum
	c.ack = peerInit + 1
	if dg.Segment.Window < c.window {
		c.window = dg.Segment.Window
	}

	initSeq := uint32(0)
	synAck := c.buildSegment(wire.FlagSYN|wire.FlagACK, initSeq, c.ack, nil)
	if err := c.sock.SendTo(c.nextHop, synAck); err != nil {
		return nil, fmt.Errorf("sending SYN-ACK: %w", err)
	}

	for attempt := 0; attempt < retryAttempts; attempt++ {
		ackDg, err := c.recvMatching(ctx, func(dg wire.HTTPDatagram) bool {
			return dg.Segment.HasFlag(wire.FlagACK) && !dg.Segment.HasFlag(wire.FlagSYN) &&
				dg.Segment.NextHopIP().Equal(c.localIP) && dg.Segment.AckNum == initSeq+1
		})
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				if err := c.sock.SendTo(c.nextHop, synAck); err != nil {
					return nil, fmt.Errorf("resending SYN-ACK: %w", err)
				}
				continue
			}
			return nil, err
		}
		_ = ackDg
		c.seq = initSeq + 1
		c.log.Info("handshake complete", "remote_port", c.remotePort, "window", c.window)
		return c, nil
	}
	return nil, ErrHandshakeFailed
}

// buildSegment assembles a full HTTPDatagram wire form with the connection's
// current address/port fields.
func (c *Conn) buildSegment(flags uint8, seqNum, ackNum uint32, payload []byte) []byte {
	dg := wire.HTTPDatagram{
		IP: wire.NewIPHeader(c.localIP, c.remoteIP, wire.ProtoTransport, wire.TCPLikeHeaderLen+len(payload)),
		Segment: wire.TCPLikeHeader{
			SrcPort:    c.localPort,
			DstPort:    c.remotePort,
			SeqNum:     seqNum,
			AckNum:     ackNum,
			DataOffset: wire.TCPLikeHeaderLen,
			Flags:      flags,
			Window:     c.window,
		},
		Payload: payload,
	}
	dg.Segment.NextHop = addrTo4(c.nextHop)
	return dg.Encode()
}

func addrTo4(a netip.Addr) [4]byte {
	if !a.IsValid() {
		return [4]byte{}
	}
	return a.As4()
}

// recvMatching reads segments from c.sock until one satisfies pred or the
// per-attempt timeout elapses.
func (c *Conn) recvMatching(ctx context.Context, pred func(wire.HTTPDatagram) bool) (wire.HTTPDatagram, error) {
	dg, _, err := c.recvMatchingFrom(ctx, pred)
	return dg, err
}

func (c *Conn) recvMatchingFrom(ctx context.Context, pred func(wire.HTTPDatagram) bool) (wire.HTTPDatagram, netip.Addr, error) {
	deadline, cancel := context.WithTimeout(ctx, attemptTimeout)
	defer cancel()

	buf := make([]byte, 8192)
	for {
		n, src, err := c.sock.RecvFrom(deadline, buf)
		if err != nil {
			return wire.HTTPDatagram{}, netip.Addr{}, err
		}
		ih, err := wire.DecodeIPHeader(buf[:n])
		if err != nil || ih.Protocol != wire.ProtoTransport {
			continue
		}
		dg, err := wire.DecodeHTTPDatagram(buf[:n])
		if err != nil {
			continue
		}
		if pred(dg) {
			return dg, src, nil
		}
	}
}

// Send splits data into MaxSegmentPayload-sized segments and sends them
// using Go-Back-N: up to window segments are in flight unacknowledged at
// once, a cumulative-ACK advances the window by exactly one segment per
// matching ACK, and any single timeout rewinds to the oldest unacked
// segment and resends the whole outstanding window.
//
// isError marks data as an error response (HTTP 400/404): such segments
// carry flags=17 (ACK+FIN, no PSH) instead of the normal flags=24→25
// (ACK+PSH, promoted to ACK+PSH+FIN on the last segment) per spec.md's
// Testable Properties #4/#5.
func (c *Conn) Send(ctx context.Context, data []byte, isError bool) error {
	var segments [][]byte
	for len(data) > 0 {
		n := MaxSegmentPayload
		if n > len(data) {
			n = len(data)
		}
		segments = append(segments, data[:n])
		data = data[n:]
	}
	if len(segments) == 0 {
		segments = [][]byte{nil}
	}
	total := len(segments)

	base := 0
	next := 0
	startSeq := c.seq

	send := func(i int) error {
		flags := uint8(wire.FlagACK)
		if !isError {
			flags |= wire.FlagPSH
		}
		if i == total-1 {
			flags |= wire.FlagFIN
		}
		seg := c.buildSegment(flags, startSeq+uint32(i), c.ack, segments[i])
		return c.sock.SendTo(c.nextHop, seg)
	}

	for base < total {
		for next < total && next < base+int(c.window) {
			if err := send(next); err != nil {
				return fmt.Errorf("sending segment %d: %w", next, err)
			}
			next++
		}

		dg, err := c.recvMatching(ctx, func(dg wire.HTTPDatagram) bool {
			return dg.Segment.HasFlag(wire.FlagACK) && dg.Segment.NextHopIP().Equal(c.localIP)
		})
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				next = base
				continue
			}
			return fmt.Errorf("waiting for ACK: %w", err)
		}
		if dg.Segment.AckNum == startSeq+uint32(base)+1 {
			base++
		}
	}

	c.seq = startSeq + uint32(total)
	return nil
}

// Receive collects segments in order until a FIN-flagged segment arrives or
// ReceiveBudget elapses, ACKing every accepted segment and re-ACKing the
// last good sequence number for anything out of order.
func (c *Conn) Receive(ctx context.Context) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, ReceiveBudget)
	defer cancel()

	var out []byte
	for {
		dg, err := c.recvMatching(ctx, func(dg wire.HTTPDatagram) bool {
			// Accept data segments per spec.md's flags ∈ {24, 25, 17}: an
			// ACK carrying either PSH (normal data) or FIN (terminal,
			// including the flags=17 error framing with no PSH bit).
			flags := dg.Segment
			isData := flags.HasFlag(wire.FlagACK) && !flags.HasFlag(wire.FlagSYN) &&
				(flags.HasFlag(wire.FlagPSH) || flags.HasFlag(wire.FlagFIN))
			return isData && dg.Segment.NextHopIP().Equal(c.localIP)
		})
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				if ctx.Err() == nil {
					// Only one per-attempt wait elapsed; keep listening
					// until ReceiveBudget itself runs out.
					continue
				}
				return nil, ErrReceiveTimeout
			}
			return nil, err
		}

		if dg.Segment.SeqNum != c.ack {
			ack := c.buildSegment(wire.FlagACK, c.seq, c.ack, nil)
			_ = c.sock.SendTo(c.nextHop, ack)
			continue
		}

		out = append(out, dg.Payload...)
		c.ack++
		ack := c.buildSegment(wire.FlagACK, c.seq, c.ack, nil)
		if err := c.sock.SendTo(c.nextHop, ack); err != nil {
			return nil, fmt.Errorf("ACKing segment: %w", err)
		}
		if dg.Segment.HasFlag(wire.FlagFIN) {
			return out, nil
		}
	}
}

// LocalPort and RemotePort expose the negotiated endpoint ports.
func (c *Conn) LocalPort() uint16  { return c.localPort }
func (c *Conn) RemotePort() uint16 { return c.remotePort }

// RemoteIP returns the peer's IP-header address.
func (c *Conn) RemoteIP() net.IP { return c.remoteIP }

// Close releases the underlying socket.
func (c *Conn) Close() error { return c.sock.Close() }
