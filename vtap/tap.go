// Package vtap implements the virtual tap (spec.md §4.5): one instance per
// joined overlay network, looking like an Ethernet NIC to the TCP/IP stack
// and like a frame sink/source to the overlay core. The shape -- a wrapper
// around raw frame I/O with explicit inject paths -- is
// adapted from the teacher's tstun.Wrapper, narrowed to what a single
// network's L2 endpoint needs rather than a whole-device TUN/TAP wrapper.
package vtap

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"ztcore.dev/ztcore/events"
	"ztcore.dev/ztcore/net/netaddr"
	"ztcore.dev/ztcore/types/logger"

	"net/netip"
)

// maxGuardedRxBufSZ carries spec.md §4.5's MAX_GUARDED_RX_BUF_SZ value. The
// tap keeps no inbound (overlay -> stack) queue of its own and does not
// enforce this limit: an inbound frame is dropped only when the RxSink
// refuses it.
const maxGuardedRxBufSZ = 1024

// ethernetHeaderLen is the synthesised header size spec.md §4.5 describes
// for inbound frames ("a synthesised 14-byte Ethernet header").
const ethernetHeaderLen = 14

// EtherType values this package cares about for multicast-group derivation
// and netif dispatch (spec.md §4.6).
const (
	EtherTypeIPv4 uint16 = 0x0800
	EtherTypeARP  uint16 = 0x0806
	EtherTypeIPv6 uint16 = 0x86DD
)

// MulticastGroup is a derived address-resolution multicast membership
// (spec.md §4.5's scan_multicast_groups).
type MulticastGroup struct {
	MAC [6]byte
	ADI uint32
}

// Route is a managed route pushed from the overlay, or an interface-local
// route implied by an assigned CIDR (spec.md §3).
type Route struct {
	Target netip.Prefix
	Via    netip.Addr // zero Via means interface-local; always ignored on reconcile
}

// FrameSink is how a tap hands an outbound (stack -> overlay) frame to the
// Node facade; implemented by overlay.Facade.ProcessVirtualNetworkFrame.
type FrameSink func(now int64, netID uint64, srcMAC, dstMAC [6]byte, etherType uint16, vlanID uint16, payload []byte) error

// RxSink is how a tap hands an inbound (overlay -> stack), already-framed
// Ethernet packet to the stack driver (spec.md §4.6). It reports whether
// the frame was accepted; false means the sink refused the frame and it
// was dropped.
type RxSink func(frame []byte) bool

// Tap is one per-network virtual Ethernet endpoint.
type Tap struct {
	NetID uint64
	MAC   [6]byte
	logf  logger.Logf

	mu       sync.Mutex
	mtu      int
	ips      netaddr.CIDRSet
	routes   []Route
	groups   map[MulticastGroup]bool
	status   int
	toOverlay FrameSink
	toStack   RxSink

	eventq *events.Queue
}

// New creates a Tap for netID with the given hardware address; mtu and the
// frame sinks are supplied once the network config arrives (UP transition,
// spec.md §4.8).
func New(netID uint64, mac [6]byte, eventq *events.Queue, logf logger.Logf) *Tap {
	if logf == nil {
		logf = logger.Discard
	}
	return &Tap{
		NetID:  netID,
		MAC:    mac,
		logf:   logger.WithPrefix(logf, fmt.Sprintf("vtap(%016x): ", netID)),
		groups: make(map[MulticastGroup]bool),
		eventq: eventq,
		mtu:    1500,
	}
}

// Configure wires the frame sinks and MTU. The stack driver calls it when
// the tap is attached and again whenever the overlay sink is replaced.
func (t *Tap) Configure(mtu int, toOverlay FrameSink, toStack RxSink) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mtu = mtu
	t.toOverlay = toOverlay
	t.toStack = toStack
}

// MTU returns the current interface MTU.
func (t *Tap) MTU() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mtu
}

// SetMTU updates the interface MTU alone, for a CONFIG_UPDATE transition
// that changes MTU without resupplying the frame sinks (spec.md §4.8).
func (t *Tap) SetMTU(mtu int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mtu = mtu
}

// IPs returns the tap's sorted, deduplicated assigned CIDRs (spec.md §3's
// managed_ips invariant, testable in spec.md §8).
func (t *Tap) IPs() []netip.Prefix {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]netip.Prefix(nil), t.ips.Slice()...)
}

// AddIP registers addr with the tap, emitting ADDR_ADDED_V4/V6 if it
// wasn't already present (spec.md §4.5).
func (t *Tap) AddIP(cidr netip.Prefix) {
	t.mu.Lock()
	changed := t.ips.Add(cidr)
	t.mu.Unlock()
	if changed {
		t.emitAddr(true, cidr)
	}
}

// RemoveIP tears addr down, emitting ADDR_REMOVED_V4/V6 if it was present.
func (t *Tap) RemoveIP(cidr netip.Prefix) {
	t.mu.Lock()
	changed := t.ips.Remove(cidr)
	t.mu.Unlock()
	if changed {
		t.emitAddr(false, cidr)
	}
}

func (t *Tap) emitAddr(added bool, cidr netip.Prefix) {
	if t.eventq == nil {
		return
	}
	code := events.AddrAddedV4
	if !added {
		code = events.AddrRemovedV4
	}
	if cidr.Addr().Is6() && !cidr.Addr().Is4In6() {
		if added {
			code = events.AddrAddedV6
		} else {
			code = events.AddrRemovedV6
		}
	}
	t.eventq.Enqueue(code, cidr)
}

// RouteAdd/RouteDelete maintain the tap's managed-route set; reconciliation
// against the overlay-pushed list happens via ReconcileRoutes, which the
// node service calls on each UP and CONFIG_UPDATE transition; routes are
// not reconciled on the housekeeping tick.
func (t *Tap) routeIndex(target netip.Prefix) int {
	for i, r := range t.routes {
		if r.Target == target {
			return i
		}
	}
	return -1
}

func (t *Tap) RouteAdd(target netip.Prefix, via netip.Addr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i := t.routeIndex(target); i >= 0 {
		t.routes[i].Via = via
		return
	}
	t.routes = append(t.routes, Route{Target: target, Via: via})
}

func (t *Tap) RouteDelete(target netip.Prefix) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i := t.routeIndex(target); i >= 0 {
		t.routes = append(t.routes[:i], t.routes[i+1:]...)
	}
}

// Routes returns the current route set.
func (t *Tap) Routes() []Route {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Route(nil), t.routes...)
}

// ReconcileRoutes diffs pushed (the overlay-provided managed-route list)
// against the tap's locally-held set, adding/removing to match. Routes
// with a zero Via are interface-local and always ignored, per spec.md
// §4.5.
func (t *Tap) ReconcileRoutes(pushed []Route) {
	t.mu.Lock()

	pushedByTarget := make(map[netip.Prefix]netip.Addr, len(pushed))
	for _, r := range pushed {
		if !r.Via.IsValid() {
			continue
		}
		pushedByTarget[r.Target] = r.Via
	}
	have := make(map[netip.Prefix]bool, len(t.routes))
	for _, r := range t.routes {
		have[r.Target] = true
	}
	var added, removed []netip.Prefix
	for target, via := range pushedByTarget {
		if i := t.routeIndex(target); i >= 0 {
			t.routes[i].Via = via
			continue
		}
		t.routes = append(t.routes, Route{Target: target, Via: via})
		added = append(added, target)
	}
	kept := t.routes[:0]
	for _, r := range t.routes {
		if _, ok := pushedByTarget[r.Target]; ok {
			kept = append(kept, r)
		} else {
			removed = append(removed, r.Target)
		}
	}
	t.routes = kept
	eq := t.eventq
	t.mu.Unlock()

	if eq == nil {
		return
	}
	for _, target := range added {
		eq.Enqueue(events.RouteAdded, target)
	}
	for _, target := range removed {
		eq.Enqueue(events.RouteRemoved, target)
	}
}

// ScanMulticastGroups derives address-resolution multicast groups from
// the tap's assigned IPs (IPv4 solicited-node-style pattern, IPv6
// solicited-node and all-nodes), returning the added and removed groups
// since the last scan (spec.md §4.5).
func (t *Tap) ScanMulticastGroups() (added, removed []MulticastGroup) {
	t.mu.Lock()
	defer t.mu.Unlock()

	want := make(map[MulticastGroup]bool)
	for _, p := range t.ips.Slice() {
		addr := p.Addr()
		if addr.Is4() {
			want[ipv4BroadcastGroup(addr)] = true
		} else {
			want[ipv6SolicitedNodeGroup(addr)] = true
			want[ipv6AllNodesGroup()] = true
		}
	}
	for g := range want {
		if !t.groups[g] {
			added = append(added, g)
		}
	}
	for g := range t.groups {
		if !want[g] {
			removed = append(removed, g)
		}
	}
	sortGroups(added)
	sortGroups(removed)
	t.groups = want
	return added, removed
}

func sortGroups(gs []MulticastGroup) {
	sort.Slice(gs, func(i, j int) bool {
		return fmt.Sprintf("%x", gs[i].MAC) < fmt.Sprintf("%x", gs[j].MAC)
	})
}

// ipv4BroadcastGroup derives the IPv4-ARP-equivalent multicast MAC by
// applying the standard 01:00:5e + low 23 bits mapping to the tap's own
// IPv4 address (ARP itself is not multicast on IPv4; kept analogous to
// the IPv6 derivation below for a uniform MulticastGroup shape).
func ipv4BroadcastGroup(addr netip.Addr) MulticastGroup {
	a := addr.As4()
	return MulticastGroup{MAC: [6]byte{0x01, 0x00, 0x5e, a[1] & 0x7f, a[2], a[3]}}
}

// ipv6SolicitedNodeGroup derives the IPv6 solicited-node multicast MAC
// (33:33:ff:XX:XX:XX from the low 24 bits of the address).
func ipv6SolicitedNodeGroup(addr netip.Addr) MulticastGroup {
	a := addr.As16()
	return MulticastGroup{MAC: [6]byte{0x33, 0x33, 0xff, a[13], a[14], a[15]}}
}

// ipv6AllNodesGroup is the fixed ff02::1 all-nodes multicast MAC.
func ipv6AllNodesGroup() MulticastGroup {
	return MulticastGroup{MAC: [6]byte{0x33, 0x33, 0x00, 0x00, 0x00, 0x01}}
}

// HandleOutboundFrame is called by the stack driver's netif TX path with a
// raw Ethernet frame; it strips the header and forwards
// (src, dst, ethertype, payload) to the overlay via toOverlay (spec.md
// §4.5's outbound path).
func (t *Tap) HandleOutboundFrame(now int64, raw []byte) error {
	if len(raw) < ethernetHeaderLen {
		return fmt.Errorf("vtap: short frame (%d bytes)", len(raw))
	}
	var dst, src [6]byte
	copy(dst[:], raw[0:6])
	copy(src[:], raw[6:12])
	etherType := binary.BigEndian.Uint16(raw[12:14])
	payload := raw[ethernetHeaderLen:]

	t.mu.Lock()
	sink := t.toOverlay
	t.mu.Unlock()
	if sink == nil {
		return fmt.Errorf("vtap: not configured")
	}
	return sink(now, t.NetID, src, dst, etherType, 0, payload)
}

// DeliverInboundFrame synthesises a 14-byte Ethernet header around payload
// and enqueues it onto the stack driver's rx queue (spec.md §4.5's inbound
// path). It reports whether the frame was accepted.
func (t *Tap) DeliverInboundFrame(srcMAC, dstMAC [6]byte, etherType uint16, payload []byte) bool {
	t.mu.Lock()
	sink := t.toStack
	t.mu.Unlock()
	if sink == nil {
		return false
	}
	frame := make([]byte, ethernetHeaderLen+len(payload))
	copy(frame[0:6], dstMAC[:])
	copy(frame[6:12], srcMAC[:])
	binary.BigEndian.PutUint16(frame[12:14], etherType)
	copy(frame[ethernetHeaderLen:], payload)
	if !sink(frame) {
		t.logf("rx sink refused frame, dropping")
		return false
	}
	return true
}
