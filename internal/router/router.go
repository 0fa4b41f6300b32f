// Package router implements the link-state routing engine: each Router owns
// its interfaces and sockets, builds a link-state database by flooding LSAs,
// derives a forwarding table with Dijkstra's algorithm, and forwards
// transport datagrams by longest-prefix match.
//
// A Router is a runner.Task: construction wires its sockets, Run drives the
// flood → compute → forward → close lifecycle against wall-clock deadlines
// supplied at construction, and never shares state across goroutines other
// than its own internal fan-in of interface sockets (grounded on
// bridge.Bind's recvCh pattern, generalized from one data channel per peer
// to one raw socket per interface).
package router

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/kuuji/routemesh/internal/netio"
	"github.com/kuuji/routemesh/pkg/wire"
)

const maxDatagram = 8192

// Interface is one of a router's physical attachments: its own address and
// the address of the peer on the other end.
type Interface struct {
	Name  string
	Local netip.Addr
	Peer  netip.Addr
}

// Connection is a directly attached destination: a CIDR subnet the router
// owns, or a bare host address reachable over one hop, with its cost and
// outgoing interface.
type Connection struct {
	Dest      string
	Cost      int
	Interface string
}

// fwdEntry is one row of a computed forwarding table.
type fwdEntry struct {
	Iface string
	Cost  int
}

// Binder opens a Socket bound to addr. netio.Fabric.Bind and netio.BindRaw
// both satisfy this signature.
type Binder func(addr netip.Addr) (netio.Socket, error)

// Config is the bootstrap configuration for one Router.
type Config struct {
	ID          string
	Interfaces  []Interface
	Connections []Connection

	// FloodQuiescence is how long the router waits without accepting a new
	// LSA before it considers the flood phase converged. Defaults to 5s.
	FloodQuiescence time.Duration
	// ForwardBudget is the total wall-clock time the router spends in the
	// forwarding phase before shutting down. Defaults to 10s.
	ForwardBudget time.Duration

	Logger *slog.Logger

	// Recorder receives counts of flooding/forwarding events as they
	// happen. It may be nil, in which case events are simply not counted.
	Recorder Recorder
}

// Recorder is the counter surface a Router reports through, implemented by
// internal/status's Prometheus-backed Metrics for production use and left
// nil in tests that don't care about counts.
type Recorder interface {
	LSAAccepted(routerID string)
	LSAFlooded(routerID string)
	DatagramForwarded(routerID string)
	DatagramDropped(routerID string)
}

// Router is a link-state routing engine task. It owns one socket per
// interface, a private LSDB, and a private forwarding table; nothing about
// its state is shared with any other Router or Task.
type Router struct {
	id      string
	ifaces  map[string]Interface
	sockets map[string]netio.Socket

	floodQuiescence time.Duration
	forwardBudget   time.Duration
	log             *slog.Logger
	recorder        Recorder

	mu          sync.Mutex
	lsdb        map[string][]wire.LSARecord
	highestSeen map[string]uint16
	seq         uint16
	fwdTable    map[string]fwdEntry
	fwdOrder    []string

	// recvAll is an optional receive-only socket distinct from every
	// forwarding interface — the simulation's "catch everything addressed
	// to this box" socket. It is never present in ifaces/sockets, so it can
	// never be selected as a forwarding egress or appear in a computed
	// forwarding table.
	recvAll netio.Socket
}

// New builds a Router and binds a socket for each configured interface via
// bind. The router's own LSDB entry is initialized from cfg.Connections.
func New(cfg Config, bind Binder) (*Router, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("router: empty router id")
	}
	floodQuiescence := cfg.FloodQuiescence
	if floodQuiescence <= 0 {
		floodQuiescence = 5 * time.Second
	}
	forwardBudget := cfg.ForwardBudget
	if forwardBudget <= 0 {
		forwardBudget = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ifaces := make(map[string]Interface, len(cfg.Interfaces))
	sockets := make(map[string]netio.Socket, len(cfg.Interfaces))
	for _, ifc := range cfg.Interfaces {
		sock, err := bind(ifc.Local)
		if err != nil {
			for _, s := range sockets {
				_ = s.Close()
			}
			return nil, fmt.Errorf("binding interface %s: %w", ifc.Name, err)
		}
		ifaces[ifc.Name] = ifc
		sockets[ifc.Name] = sock
	}

	r := &Router{
		id:              cfg.ID,
		ifaces:          ifaces,
		sockets:         sockets,
		floodQuiescence: floodQuiescence,
		forwardBudget:   forwardBudget,
		log:             logger.With("component", "router", "router_id", cfg.ID),
		recorder:        cfg.Recorder,
		lsdb:            make(map[string][]wire.LSARecord),
		highestSeen:     make(map[string]uint16),
		fwdTable:        make(map[string]fwdEntry),
	}

	own := make([]wire.LSARecord, 0, len(cfg.Connections))
	for _, c := range cfg.Connections {
		own = append(own, wire.LSARecord{Dest: c.Dest, Cost: c.Cost, Iface: c.Interface})
	}
	r.lsdb[r.id] = own

	return r, nil
}

// SetRecvAll attaches the optional receive-all diagnostic socket. It is
// never used for sending or for forwarding-table entries.
func (r *Router) SetRecvAll(sock netio.Socket) { r.recvAll = sock }

// ID returns the router's identifier.
func (r *Router) ID() string { return r.id }

// LSDB returns a snapshot of the link-state database.
func (r *Router) LSDB() map[string][]wire.LSARecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string][]wire.LSARecord, len(r.lsdb))
	for k, v := range r.lsdb {
		out[k] = append([]wire.LSARecord(nil), v...)
	}
	return out
}

// ForwardingTable returns a snapshot of the computed forwarding table as
// destination -> (interface, cost).
func (r *Router) ForwardingTable() map[string][2]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string][2]any, len(r.fwdTable))
	for k, v := range r.fwdTable {
		out[k] = [2]any{v.Iface, v.Cost}
	}
	return out
}

// event is one datagram received on one of the router's interface sockets.
type event struct {
	iface string
	data  []byte
	src   netip.Addr
}

// Run drives the router through its lifecycle: send the initial LSA, flood
// until quiescent, compute the forwarding table once, forward transport
// datagrams for the forward budget, then close every socket.
func (r *Router) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	recvCh := make(chan event, 256)
	go r.fanIn(ctx, recvCh)

	r.sendInitialLSA()
	r.log.Info("initial LSA sent")

	if err := r.floodPhase(ctx, recvCh); err != nil {
		r.shutdown()
		return err
	}

	r.runRouteAlg()
	r.mu.Lock()
	entries := len(r.fwdTable)
	r.mu.Unlock()
	r.log.Info("forwarding table computed", "entries", entries)

	if err := r.forwardPhase(ctx, recvCh); err != nil {
		r.shutdown()
		return err
	}

	r.shutdown()
	return nil
}

// fanIn reads every interface socket (and the recvAll socket, if set)
// concurrently and funnels datagrams into recvCh, tagged with the interface
// that received them.
func (r *Router) fanIn(ctx context.Context, recvCh chan<- event) {
	var wg sync.WaitGroup
	read := func(name string, sock netio.Socket) {
		defer wg.Done()
		buf := make([]byte, maxDatagram)
		for {
			n, src, err := sock.RecvFrom(ctx, buf)
			if err != nil {
				return
			}
			data := make([]byte, n)
			copy(data, buf[:n])
			select {
			case recvCh <- event{iface: name, data: data, src: src}:
			case <-ctx.Done():
				return
			}
		}
	}

	for name, sock := range r.sockets {
		wg.Add(1)
		go read(name, sock)
	}
	if r.recvAll != nil {
		wg.Add(1)
		go read("", r.recvAll)
	}
	wg.Wait()
}

// sendInitialLSA broadcasts the router's own direct-connection LSA on every
// interface.
func (r *Router) sendInitialLSA() {
	r.mu.Lock()
	records := append([]wire.LSARecord(nil), r.lsdb[r.id]...)
	seq := r.seq
	r.mu.Unlock()

	selfAddr := netIPFromID(r.id)
	for name, ifc := range r.ifaces {
		dg := wire.LSADatagram{
			IP:      wire.NewIPHeader(ipFromAddr(ifc.Local), wire.MulticastLSA, wire.ProtoLSA, 0),
			Seq:     seq,
			Records: records,
		}
		copy(dg.AdvRtr[:], selfAddr.To4())
		if err := r.sockets[name].SendTo(ifc.Peer, dg.Encode()); err != nil {
			r.log.Warn("sending initial LSA", "iface", name, "error", err)
		}
	}
}

// floodPhase consumes datagrams off recvCh until no new LSA has been
// accepted for r.floodQuiescence.
func (r *Router) floodPhase(ctx context.Context, recvCh <-chan event) error {
	timer := time.NewTimer(r.floodQuiescence)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		case ev := <-recvCh:
			if r.handleLSAEvent(ev) {
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(r.floodQuiescence)
			}
		}
	}
}

// forwardPhase consumes datagrams off recvCh for r.forwardBudget, forwarding
// transport datagrams and continuing to apply LSA suppression to late
// duplicates.
func (r *Router) forwardPhase(ctx context.Context, recvCh <-chan event) error {
	deadline := time.NewTimer(r.forwardBudget)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return nil
		case ev := <-recvCh:
			ih, err := wire.DecodeIPHeader(ev.data)
			if err != nil {
				continue
			}
			switch ih.Protocol {
			case wire.ProtoTransport:
				r.forwardHTTP(ev.data)
			case wire.ProtoLSA:
				r.handleLSAEvent(ev)
			}
		}
	}
}

// handleLSAEvent decodes ev as a candidate LSA, applies the acceptance
// gate and monotonicity check, and floods it onward if new. It reports
// whether a genuinely new LSA was accepted (used to reset the quiescence
// timer).
func (r *Router) handleLSAEvent(ev event) bool {
	ih, err := wire.DecodeIPHeader(ev.data)
	if err != nil {
		return false
	}
	if ih.Protocol != wire.ProtoLSA {
		return false
	}
	ifc, known := r.ifaces[ev.iface]
	if !known || ifc.Peer != ev.src {
		return false
	}
	if !ih.DstIP().Equal(wire.MulticastLSA) {
		return false
	}

	dg, err := wire.DecodeLSADatagram(ev.data)
	if err != nil {
		r.log.Warn("malformed LSA", "error", err)
		return false
	}

	advID := dg.AdvRtrIP().String()
	if advID == r.id {
		return false
	}

	r.mu.Lock()
	prevSeq, seen := r.highestSeen[advID]
	if seen && dg.Seq <= prevSeq {
		r.mu.Unlock()
		return false
	}
	r.highestSeen[advID] = dg.Seq
	r.lsdb[advID] = append([]wire.LSARecord(nil), dg.Records...)
	r.mu.Unlock()

	r.log.Info("LSA accepted", "adv_rtr", advID, "seq", dg.Seq, "via", ev.iface)
	if r.recorder != nil {
		r.recorder.LSAAccepted(r.id)
	}
	r.floodLSA(dg, ev.iface)
	return true
}

// floodLSA re-emits dg, unchanged in adv_rtr/seq/records, on every interface
// except arrivalIface.
func (r *Router) floodLSA(dg wire.LSADatagram, arrivalIface string) {
	for name, ifc := range r.ifaces {
		if name == arrivalIface {
			continue
		}
		out := wire.LSADatagram{
			IP:      wire.NewIPHeader(ipFromAddr(ifc.Local), wire.MulticastLSA, wire.ProtoLSA, 0),
			AdvRtr:  dg.AdvRtr,
			Seq:     dg.Seq,
			Records: dg.Records,
		}
		if err := r.sockets[name].SendTo(ifc.Peer, out.Encode()); err != nil {
			r.log.Warn("flooding LSA", "iface", name, "error", err)
			continue
		}
		if r.recorder != nil {
			r.recorder.LSAFlooded(r.id)
		}
	}
}

// edge is one outgoing link in the Dijkstra graph built from the LSDB.
type edge struct {
	to    string
	cost  int
	iface string
}

// buildGraph turns the LSDB into a directed weighted graph, adding every
// referenced destination as a node (even leaf subnets with no outgoing
// edges of their own) so Dijkstra settles all of them.
func (r *Router) buildGraph() map[string][]edge {
	g := make(map[string][]edge)
	ensure := func(n string) {
		if _, ok := g[n]; !ok {
			g[n] = nil
		}
	}
	for node, links := range r.lsdb {
		ensure(node)
		for _, rec := range links {
			ensure(rec.Dest)
			g[node] = append(g[node], edge{to: rec.Dest, cost: rec.Cost, iface: rec.Iface})
		}
	}
	return g
}

// runRouteAlg recomputes the forwarding table from the current LSDB via
// Dijkstra's shortest-path algorithm, labeling each path by the interface of
// its first hop from self.
func (r *Router) runRouteAlg() {
	r.mu.Lock()
	g := r.buildGraph()
	r.mu.Unlock()

	nodes := make([]string, 0, len(g))
	for n := range g {
		nodes = append(nodes, n)
	}
	sort.Strings(nodes)

	const inf = math.MaxInt32
	dist := make(map[string]int, len(nodes))
	for _, n := range nodes {
		dist[n] = inf
	}
	dist[r.id] = 0

	type hop struct {
		node, iface string
	}
	path := make(map[string][]hop)
	settled := map[string]bool{r.id: true}

	for _, e := range g[r.id] {
		if e.cost < dist[e.to] {
			dist[e.to] = e.cost
			path[e.to] = []hop{{e.to, e.iface}}
		}
	}

	for len(settled) < len(nodes) {
		w := ""
		best := inf
		for _, n := range nodes {
			if settled[n] {
				continue
			}
			if dist[n] < best {
				best = dist[n]
				w = n
			}
		}
		if w == "" {
			break // remaining nodes are unreachable
		}
		settled[w] = true
		for _, e := range g[w] {
			if settled[e.to] {
				continue
			}
			nd := dist[w] + e.cost
			if nd < dist[e.to] {
				dist[e.to] = nd
				np := make([]hop, len(path[w])+1)
				copy(np, path[w])
				np[len(np)-1] = hop{e.to, e.iface}
				path[e.to] = np
			}
		}
	}

	table := make(map[string]fwdEntry, len(nodes))
	order := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if n == r.id {
			continue
		}
		p := path[n]
		if len(p) == 0 {
			continue
		}
		table[n] = fwdEntry{Iface: p[0].iface, Cost: dist[n]}
		order = append(order, n)
	}

	r.mu.Lock()
	r.fwdTable = table
	r.fwdOrder = order
	r.mu.Unlock()
}

// forwardHTTP decodes data as a transport datagram, checks that it is
// addressed to one of this router's interfaces via next_hop, and re-emits
// it on the longest-prefix-matched egress interface.
func (r *Router) forwardHTTP(data []byte) {
	dg, err := wire.DecodeHTTPDatagram(data)
	if err != nil {
		r.log.Warn("malformed datagram", "error", err)
		return
	}

	nextHop := dg.Segment.NextHopIP()
	addressedToUs := false
	for _, ifc := range r.ifaces {
		if ipFromAddr(ifc.Local).Equal(nextHop) {
			addressedToUs = true
			break
		}
	}
	if !addressedToUs {
		return
	}

	entry, ok := r.longestPrefixMatch(dg.IP.DstIP())
	if !ok {
		r.log.Info("no route to host", "dest", dg.IP.DstIP())
		if r.recorder != nil {
			r.recorder.DatagramDropped(r.id)
		}
		return
	}

	outIface, ok := r.ifaces[entry.Iface]
	if !ok {
		r.log.Warn("forwarding table names unknown interface", "iface", entry.Iface)
		if r.recorder != nil {
			r.recorder.DatagramDropped(r.id)
		}
		return
	}

	fwd := wire.HTTPDatagram{
		IP:      dg.IP,
		Segment: dg.Segment,
		Payload: dg.Payload,
	}
	fwd.Segment.NextHop = outIface.Peer.As4()

	if err := r.sockets[entry.Iface].SendTo(outIface.Peer, fwd.Encode()); err != nil {
		r.log.Warn("forwarding datagram", "iface", entry.Iface, "error", err)
		if r.recorder != nil {
			r.recorder.DatagramDropped(r.id)
		}
		return
	}
	if r.recorder != nil {
		r.recorder.DatagramForwarded(r.id)
	}
}

// longestPrefixMatch selects the forwarding-table entry whose destination
// key shares the most leading bits with dest, breaking ties by declared
// prefix length and then by the table's stable (sorted) order.
func (r *Router) longestPrefixMatch(dest net.IP) (fwdEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	bestBits, bestDeclared := -1, -1
	var best fwdEntry
	found := false

	for _, key := range r.fwdOrder {
		entry, ok := r.fwdTable[key]
		if !ok {
			continue
		}
		bits, declared, valid := matchPrefixLen(dest, key)
		if !valid {
			continue
		}
		if bits > bestBits || (bits == bestBits && declared > bestDeclared) {
			bestBits, bestDeclared, best, found = bits, declared, entry, true
		}
	}
	return best, found
}

// matchPrefixLen reports how many leading bits of dest match network, which
// may be a CIDR ("A.B.C.D/P") or a bare host address (treated as /32).
func matchPrefixLen(dest net.IP, network string) (bits, declaredPrefix int, ok bool) {
	var netIP net.IP
	prefix := 32
	if idx := indexByte(network, '/'); idx >= 0 {
		_, ipNet, err := net.ParseCIDR(network)
		if err != nil {
			return 0, 0, false
		}
		ones, _ := ipNet.Mask.Size()
		netIP = ipNet.IP
		prefix = ones
	} else {
		netIP = net.ParseIP(network)
		if netIP == nil {
			return 0, 0, false
		}
	}

	d4 := dest.To4()
	n4 := netIP.To4()
	if d4 == nil || n4 == nil {
		return 0, 0, false
	}

	matched := 0
	for i := 0; i < prefix; i++ {
		byteIdx, bitIdx := i/8, 7-i%8
		if (d4[byteIdx]>>bitIdx)&1 != (n4[byteIdx]>>bitIdx)&1 {
			break
		}
		matched++
	}
	return matched, prefix, true
}

func indexByte(s string, c byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == c {
			return i
		}
	}
	return -1
}

func (r *Router) shutdown() {
	for name, sock := range r.sockets {
		if err := sock.Close(); err != nil {
			r.log.Warn("closing socket", "iface", name, "error", err)
		}
	}
	if r.recvAll != nil {
		_ = r.recvAll.Close()
	}
	r.log.Info("router shut down")
}

func ipFromAddr(a netip.Addr) net.IP {
	b := a.As4()
	return net.IPv4(b[0], b[1], b[2], b[3])
}

func netIPFromID(id string) net.IP {
	return net.ParseIP(id)
}
