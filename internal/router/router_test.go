package router

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/kuuji/routemesh/internal/netio"
	"github.com/kuuji/routemesh/pkg/wire"
)

func addr(s string) netip.Addr { return netip.MustParseAddr(s) }

// buildLinearMesh wires two routers back to back over one Fabric interface
// pair, mirroring spec.md's scenario 1 (two routers, one link, cost 3).
func buildLinearMesh(t *testing.T) (*netio.Fabric, *Router, *Router) {
	t.Helper()
	f := netio.NewFabric()

	r1, err := New(Config{
		ID: "1.1.1.1",
		Interfaces: []Interface{
			{Name: "Gi0/1", Local: addr("127.0.1.1"), Peer: addr("127.0.1.2")},
		},
		Connections: []Connection{
			{Dest: "2.2.2.2", Cost: 3, Interface: "Gi0/1"},
		},
		FloodQuiescence: 50 * time.Millisecond,
		ForwardBudget:   50 * time.Millisecond,
	}, f.Bind)
	if err != nil {
		t.Fatalf("new r1: %v", err)
	}

	r2, err := New(Config{
		ID: "2.2.2.2",
		Interfaces: []Interface{
			{Name: "Gi0/1", Local: addr("127.0.1.2"), Peer: addr("127.0.1.1")},
		},
		Connections: []Connection{
			{Dest: "1.1.1.1", Cost: 3, Interface: "Gi0/1"},
		},
		FloodQuiescence: 50 * time.Millisecond,
		ForwardBudget:   50 * time.Millisecond,
	}, f.Bind)
	if err != nil {
		t.Fatalf("new r2: %v", err)
	}

	return f, r1, r2
}

func TestTwoRouterMeshConvergesForwardingTable(t *testing.T) {
	_, r1, r2 := buildLinearMesh(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan struct{}, 2)
	go func() { r1.Run(ctx); done <- struct{}{} }()
	go func() { r2.Run(ctx); done <- struct{}{} }()
	<-done
	<-done

	t1 := r1.ForwardingTable()
	entry, ok := t1["2.2.2.2"]
	if !ok {
		t.Fatalf("router 1 has no route to 2.2.2.2: %v", t1)
	}
	if entry[0] != "Gi0/1" {
		t.Errorf("router 1 egress = %v, want Gi0/1", entry[0])
	}
	if entry[1] != 3 {
		t.Errorf("router 1 cost = %v, want 3", entry[1])
	}

	t2 := r2.ForwardingTable()
	if _, ok := t2["1.1.1.1"]; !ok {
		t.Fatalf("router 2 has no route to 1.1.1.1: %v", t2)
	}
}

func TestLSAMonotonicitySuppressesStaleSequence(t *testing.T) {
	f := netio.NewFabric()
	r, err := New(Config{
		ID: "1.1.1.1",
		Interfaces: []Interface{
			{Name: "Gi0/1", Local: addr("127.0.2.1"), Peer: addr("127.0.2.2")},
		},
	}, f.Bind)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	peer, err := f.Bind(addr("127.0.2.2"))
	if err != nil {
		t.Fatalf("bind peer: %v", err)
	}
	defer peer.Close()

	newLSA := func(seq uint16) wire.LSADatagram {
		dg := wire.LSADatagram{
			IP:  wire.NewIPHeader(ipFromAddr(addr("127.0.2.2")), wire.MulticastLSA, wire.ProtoLSA, 0),
			Seq: seq,
			Records: []wire.LSARecord{
				{Dest: "3.3.3.3", Cost: 1, Iface: "Gi0/1"},
			},
		}
		copy(dg.AdvRtr[:], net.ParseIP("9.9.9.9").To4())
		return dg
	}

	ev1 := event{iface: "Gi0/1", data: newLSA(5).Encode(), src: addr("127.0.2.2")}
	if !r.handleLSAEvent(ev1) {
		t.Fatal("expected first LSA with seq 5 to be accepted")
	}

	ev2 := event{iface: "Gi0/1", data: newLSA(5).Encode(), src: addr("127.0.2.2")}
	if r.handleLSAEvent(ev2) {
		t.Fatal("expected duplicate seq 5 to be rejected")
	}

	ev3 := event{iface: "Gi0/1", data: newLSA(3).Encode(), src: addr("127.0.2.2")}
	if r.handleLSAEvent(ev3) {
		t.Fatal("expected stale seq 3 to be rejected")
	}

	ev4 := event{iface: "Gi0/1", data: newLSA(6).Encode(), src: addr("127.0.2.2")}
	if !r.handleLSAEvent(ev4) {
		t.Fatal("expected newer seq 6 to be accepted")
	}
}

func TestLongestPrefixMatchPrefersMoreSpecificRoute(t *testing.T) {
	r := &Router{
		fwdTable: map[string]fwdEntry{
			"10.0.0.0/8":     {Iface: "Gi0/1", Cost: 5},
			"192.168.1.0/24": {Iface: "Gi0/2", Cost: 2},
			"192.168.1.5":    {Iface: "Gi0/3", Cost: 1},
		},
		fwdOrder: []string{"10.0.0.0/8", "192.168.1.0/24", "192.168.1.5"},
	}

	entry, ok := r.longestPrefixMatch(net.ParseIP("192.168.1.5"))
	if !ok {
		t.Fatal("expected a match")
	}
	if entry.Iface != "Gi0/3" {
		t.Errorf("egress = %s, want Gi0/3 (exact host route should win)", entry.Iface)
	}

	entry, ok = r.longestPrefixMatch(net.ParseIP("192.168.1.3"))
	if !ok {
		t.Fatal("expected a match")
	}
	if entry.Iface != "Gi0/3" {
		t.Errorf("egress = %s, want Gi0/3 (host entry 192.168.1.5 shares 29 leading bits, the /24 only 24)", entry.Iface)
	}

	entry, ok = r.longestPrefixMatch(net.ParseIP("10.5.5.5"))
	if !ok {
		t.Fatal("expected a match")
	}
	if entry.Iface != "Gi0/1" {
		t.Errorf("egress = %s, want Gi0/1 (only /8 shares any leading bits)", entry.Iface)
	}
}

func TestLongestPrefixMatchFirstEntryWinsWhenNoneMatch(t *testing.T) {
	// Mirrors the original implementation's behavior: max_length starts at
	// -1, so the first forwarding-table entry is selected even when no
	// entry shares any prefix bits with the destination, as long as the
	// table is non-empty.
	r := &Router{
		fwdTable: map[string]fwdEntry{
			"172.16.0.0/12": {Iface: "Gi0/1", Cost: 4},
		},
		fwdOrder: []string{"172.16.0.0/12"},
	}

	entry, ok := r.longestPrefixMatch(net.ParseIP("8.8.8.8"))
	if !ok {
		t.Fatal("expected the lone entry to be selected even with zero matching bits")
	}
	if entry.Iface != "Gi0/1" {
		t.Errorf("egress = %s, want Gi0/1", entry.Iface)
	}
}

func TestLongestPrefixMatchEmptyTableHasNoRoute(t *testing.T) {
	r := &Router{fwdTable: map[string]fwdEntry{}}
	if _, ok := r.longestPrefixMatch(net.ParseIP("8.8.8.8")); ok {
		t.Fatal("expected no route when forwarding table is empty")
	}
}

// fakeRecorder tallies calls in place of a real Prometheus-backed Recorder.
type fakeRecorder struct {
	accepted, flooded, forwarded, dropped int
}

func (f *fakeRecorder) LSAAccepted(string)      { f.accepted++ }
func (f *fakeRecorder) LSAFlooded(string)       { f.flooded++ }
func (f *fakeRecorder) DatagramForwarded(string) { f.forwarded++ }
func (f *fakeRecorder) DatagramDropped(string)   { f.dropped++ }

func TestRecorderCountsAcceptedFloodedAndDropped(t *testing.T) {
	f := netio.NewFabric()
	rec := &fakeRecorder{}
	r, err := New(Config{
		ID: "1.1.1.1",
		Interfaces: []Interface{
			{Name: "Gi0/1", Local: addr("127.0.3.1"), Peer: addr("127.0.3.2")},
		},
		Recorder: rec,
	}, f.Bind)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	peer, err := f.Bind(addr("127.0.3.2"))
	if err != nil {
		t.Fatalf("bind peer: %v", err)
	}
	defer peer.Close()

	dg := wire.LSADatagram{
		IP:  wire.NewIPHeader(ipFromAddr(addr("127.0.3.2")), wire.MulticastLSA, wire.ProtoLSA, 0),
		Seq: 1,
		Records: []wire.LSARecord{
			{Dest: "3.3.3.3", Cost: 1, Iface: "Gi0/1"},
		},
	}
	copy(dg.AdvRtr[:], net.ParseIP("9.9.9.9").To4())

	ev := event{iface: "Gi0/1", data: dg.Encode(), src: addr("127.0.3.2")}
	if !r.handleLSAEvent(ev) {
		t.Fatal("expected the LSA to be accepted")
	}
	if rec.accepted != 1 {
		t.Errorf("accepted = %d, want 1", rec.accepted)
	}
	if rec.flooded != 0 {
		t.Errorf("flooded = %d, want 0 (single-interface router has nowhere to re-flood)", rec.flooded)
	}

	// An undecodable datagram is discarded before routing, so it is not
	// counted as a drop.
	r.forwardHTTP(nil)
	if rec.dropped != 0 {
		t.Errorf("dropped = %d, want 0 for an undecodable datagram (malformed, not no-route)", rec.dropped)
	}
}
