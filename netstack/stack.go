// Package netstack is the stack driver (spec.md §4.6): it owns the single
// gVisor TCP/IP stack instance and the one goroutine allowed to touch its
// PCBs, translating between per-network virtual taps (L2) and the
// TCP/UDP/ICMP endpoints the socket façade dials and listens on.
//
// The wiring -- a gvisor stack.Stack with a channel.Endpoint NIC, forwarders
// for inbound connections, and a drain goroutine moving generated packets
// back out -- is adapted from the teacher's wgengine/netstack/netstack.go.
// The teacher uses exactly one NIC standing in for an entire tailnet and
// forwards accepted connections to local host processes; this driver
// instead creates one NIC per joined network (matching spec.md §4.6's "On
// tap up ... create a netif") and hands accepted connections to the socket
// façade's accept queues rather than dialing back out to the host, since
// spec.md's socket API *is* the application's socket layer, not a
// transparent host-traffic proxy.
package netstack

import (
	"context"
	"fmt"
	"net/netip"
	"sync"

	"gvisor.dev/gvisor/pkg/bufferv2"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/network/arp"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv6"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/icmp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
	"gvisor.dev/gvisor/pkg/waiter"

	"ztcore.dev/ztcore/events"
	"ztcore.dev/ztcore/types/logger"
	"ztcore.dev/ztcore/vtap"
)

// AcceptHandler receives an inbound TCP connection already off the three-way
// handshake, matching the listening record the socket façade created for
// localPort (spec.md §4.7's accept_queue).
type AcceptHandler func(conn *gonet.TCPConn, local, remote netip.AddrPort)

// netif is the per-network netstack side of a joined network (spec.md
// §4.6's "netif").
type netif struct {
	nicID  tcpip.NICID
	linkEP *channel.Endpoint
	tap    *vtap.Tap
}

// Driver owns the single gVisor stack shared by every joined network.
type Driver struct {
	logf logger.Logf
	eq   *events.Queue

	ipstack *stack.Stack

	ctx       context.Context
	ctxCancel context.CancelFunc

	mu       sync.Mutex
	nextNIC  tcpip.NICID
	netifs   map[uint64]*netif // keyed by net_id
	onAccept AcceptHandler
}

// New creates a Driver with TCP, UDP and ICMP transport protocols and IPv4
// + IPv6 network protocols registered, mirroring the teacher's Create
// (spec.md §4.6).
func New(eq *events.Queue, logf logger.Logf) (*Driver, error) {
	if logf == nil {
		logf = logger.Discard
	}
	ipstack := stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol, ipv6.NewProtocol, arp.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol, udp.NewProtocol, icmp.NewProtocol4, icmp.NewProtocol6},
		HandleLocal:        true,
	})
	sackEnabled := tcpip.TCPSACKEnabled(true)
	if err := ipstack.SetTransportProtocolOption(tcp.ProtocolNumber, &sackEnabled); err != nil {
		return nil, fmt.Errorf("netstack: enable TCP SACK: %v", err)
	}
	d := &Driver{
		logf:    logger.WithPrefix(logf, "netstack: "),
		eq:      eq,
		ipstack: ipstack,
		nextNIC: 1,
		netifs:  make(map[uint64]*netif),
	}
	d.ctx, d.ctxCancel = context.WithCancel(context.Background())

	tcpFwd := tcp.NewForwarder(ipstack, 0, 16, d.acceptTCP)
	udpFwd := udp.NewForwarder(ipstack, d.acceptUDP)
	ipstack.SetTransportProtocolHandler(tcp.ProtocolNumber, tcpFwd.HandlePacket)
	ipstack.SetTransportProtocolHandler(udp.ProtocolNumber, udpFwd.HandlePacket)
	return d, nil
}

// SetAcceptHandler registers the socket façade's inbound-TCP-connection
// sink. Must be called before any network is joined.
func (d *Driver) SetAcceptHandler(h AcceptHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onAccept = h
}

// Stack returns the underlying gvisor stack, for the socket façade's
// Dial/Listen calls.
func (d *Driver) Stack() *stack.Stack { return d.ipstack }

// AddNetif creates a netstack-side netif for tap: a NIC backed by a
// channel.Endpoint, wired so outbound stack traffic reaches the tap's
// overlay sink and inbound overlay frames reach the stack (spec.md §4.6's
// "On tap up" netif lifecycle). mtu is the tap's configured MTU.
func (d *Driver) AddNetif(tap *vtap.Tap, mtu int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.netifs[tap.NetID]; exists {
		return fmt.Errorf("netstack: netif for net %016x already exists", tap.NetID)
	}
	nicID := d.nextNIC
	d.nextNIC++

	linkEP := channel.New(512, uint32(mtu), tcpip.LinkAddress(tap.MAC[:]))
	if err := d.ipstack.CreateNIC(nicID, linkEP); err != nil {
		return fmt.Errorf("netstack: create NIC for net %016x: %v", tap.NetID, err)
	}
	d.ipstack.SetPromiscuousMode(nicID, true)
	d.ipstack.SetSpoofing(nicID, true)

	nif := &netif{nicID: nicID, linkEP: linkEP, tap: tap}
	d.netifs[tap.NetID] = nif

	tap.Configure(mtu, noopFrameSink, func(frame []byte) bool {
		return d.injectInbound(nif, frame)
	})

	go d.drainOutbound(nif)
	if d.eq != nil {
		d.eq.Enqueue(events.NetifUp, tap.NetID)
	}
	return nil
}

// noopFrameSink is replaced immediately below by the real overlay sink the
// node service wires in via SetOverlaySink; kept as a named placeholder so
// AddNetif never leaves Configure's FrameSink nil between calls.
var noopFrameSink vtap.FrameSink = func(now int64, netID uint64, src, dst [6]byte, etherType, vlan uint16, payload []byte) error {
	return nil
}

// SetOverlaySink rewires tap's outbound FrameSink to send, typically the
// Node facade's ProcessVirtualNetworkFrame. Split from AddNetif because the
// node service constructs the overlay facade after the stack driver.
func (d *Driver) SetOverlaySink(tap *vtap.Tap, sink vtap.FrameSink) {
	d.mu.Lock()
	nif, ok := d.netifs[tap.NetID]
	d.mu.Unlock()
	if !ok {
		return
	}
	tap.Configure(tap.MTU(), sink, func(frame []byte) bool {
		return d.injectInbound(nif, frame)
	})
}

// RemoveNetif tears down net_id's netif (spec.md §4.6, NETWORK_DOWN/DESTROY).
func (d *Driver) RemoveNetif(netID uint64) {
	d.mu.Lock()
	nif, ok := d.netifs[netID]
	if ok {
		delete(d.netifs, netID)
	}
	d.mu.Unlock()
	if !ok {
		return
	}
	d.ipstack.RemoveNIC(nif.nicID)
	if d.eq != nil {
		d.eq.Enqueue(events.NetifRemoved, netID)
	}
}

// AddAddress registers cidr on net_id's netif and installs a route so
// traffic to that prefix is dispatched to the right NIC (spec.md §4.6's
// ETHTYPE_IP/IPV6 dst-match dispatch, modeled here via gvisor's own route
// table instead of hand-rolled ethertype switching).
func (d *Driver) AddAddress(netID uint64, cidr netip.Prefix) error {
	d.mu.Lock()
	nif, ok := d.netifs[netID]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("netstack: no netif for net %016x", netID)
	}
	proto := ipv4.ProtocolNumber
	if cidr.Addr().Is6() && !cidr.Addr().Is4In6() {
		proto = ipv6.ProtocolNumber
	}
	pa := tcpip.ProtocolAddress{
		Protocol: proto,
		AddressWithPrefix: tcpip.AddressWithPrefix{
			Address:   tcpip.Address(cidr.Addr().AsSlice()),
			PrefixLen: cidr.Bits(),
		},
	}
	if err := d.ipstack.AddProtocolAddress(nif.nicID, pa, stack.AddressProperties{
		PEB:        stack.CanBePrimaryEndpoint,
		ConfigType: stack.AddressConfigStatic,
	}); err != nil {
		return fmt.Errorf("netstack: add address %s to net %016x: %v", cidr, netID, err)
	}
	d.addRoute(cidr, nif.nicID)
	return nil
}

// RemoveAddress is AddAddress's inverse.
func (d *Driver) RemoveAddress(netID uint64, cidr netip.Prefix) error {
	d.mu.Lock()
	nif, ok := d.netifs[netID]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("netstack: no netif for net %016x", netID)
	}
	if err := d.ipstack.RemoveAddress(nif.nicID, tcpip.Address(cidr.Addr().AsSlice())); err != nil {
		return fmt.Errorf("netstack: remove address %s from net %016x: %v", cidr, netID, err)
	}
	d.removeRoute(cidr)
	return nil
}

func (d *Driver) addRoute(cidr netip.Prefix, nicID tcpip.NICID) {
	subnet, err := tcpip.NewSubnet(tcpip.Address(cidr.Masked().Addr().AsSlice()), tcpip.AddressMask(prefixMask(cidr)))
	if err != nil {
		d.logf("route for %s: %v", cidr, err)
		return
	}
	rt := d.ipstack.GetRouteTable()
	rt = append(rt, tcpip.Route{Destination: subnet, NIC: nicID})
	d.ipstack.SetRouteTable(rt)
}

func (d *Driver) removeRoute(cidr netip.Prefix) {
	subnet, err := tcpip.NewSubnet(tcpip.Address(cidr.Masked().Addr().AsSlice()), tcpip.AddressMask(prefixMask(cidr)))
	if err != nil {
		return
	}
	old := d.ipstack.GetRouteTable()
	kept := old[:0]
	for _, r := range old {
		if r.Destination != subnet {
			kept = append(kept, r)
		}
	}
	d.ipstack.SetRouteTable(kept)
}

func prefixMask(p netip.Prefix) string {
	full := p.Addr().BitLen()
	bits := p.Bits()
	bytes := make([]byte, full/8)
	for i := range bytes {
		if bits >= 8 {
			bytes[i] = 0xff
			bits -= 8
		} else if bits > 0 {
			bytes[i] = byte(0xff << (8 - bits))
			bits = 0
		}
	}
	return string(bytes)
}

// injectInbound feeds an already-framed Ethernet packet from a tap into
// its netif's channel endpoint, dispatching by EtherType (spec.md §4.6).
func (d *Driver) injectInbound(nif *netif, frame []byte) bool {
	if len(frame) < 14 {
		return false
	}
	var proto tcpip.NetworkProtocolNumber
	switch (uint16(frame[12]) << 8) | uint16(frame[13]) {
	case uint16(header.IPv4ProtocolNumber):
		proto = header.IPv4ProtocolNumber
	case uint16(header.IPv6ProtocolNumber):
		proto = header.IPv6ProtocolNumber
	case uint16(header.ARPProtocolNumber):
		proto = header.ARPProtocolNumber
	default:
		return false
	}
	pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
		Payload: bufferv2.MakeWithData(append([]byte(nil), frame[14:]...)),
	})
	nif.linkEP.InjectInbound(proto, pkt)
	pkt.DecRef()
	return true
}

// drainOutbound is the teacher's "inject" goroutine, adapted to hand
// generated frames to the owning tap's HandleOutboundFrame instead of a
// tstun.Wrapper (spec.md §4.5's outbound path).
func (d *Driver) drainOutbound(nif *netif) {
	for {
		pkt := nif.linkEP.ReadContext(d.ctx)
		if pkt == nil {
			return
		}
		frame := buildEthernetFrame(nif.tap.MAC, pkt)
		if err := nif.tap.HandleOutboundFrame(0, frame); err != nil {
			d.logf("outbound frame for net %016x: %v", nif.tap.NetID, err)
		}
	}
}

// buildEthernetFrame assembles the outbound Ethernet frame the tap forwards
// into the overlay. With arp.NewProtocol registered and the NIC given a real
// MAC, the stack resolves the next-hop link address itself (ARP for IPv4,
// NDP as part of ipv6.NewProtocol for IPv6) and the channel endpoint's own
// AddHeader already wrote a complete 14-byte Ethernet header -- src, resolved
// dst, ethertype -- into pkt.LinkHeader() before handing the packet to
// ReadContext, matching gvisor's own link/tun device's AddHeader.
func buildEthernetFrame(srcMAC [6]byte, pkt *stack.PacketBuffer) []byte {
	payload := stack.PayloadSince(pkt.NetworkHeader())
	if linkHdr := pkt.LinkHeader().Slice(); len(linkHdr) == header.EthernetMinimumSize {
		frame := make([]byte, len(linkHdr)+len(payload))
		copy(frame, linkHdr)
		copy(frame[len(linkHdr):], payload)
		return frame
	}

	// Neighbor resolution hasn't completed yet (or the stack generated this
	// packet before AddHeader ran); fall back to a link-layer broadcast so
	// the frame still has a chance of delivery instead of an all-zero dest.
	var etherType uint16 = 0x0800
	if len(payload) > 0 && payload[0]>>4 == 6 {
		etherType = 0x86DD
	}
	frame := make([]byte, 14+len(payload))
	for i := 0; i < 6; i++ {
		frame[i] = 0xff
	}
	copy(frame[6:12], srcMAC[:])
	frame[12] = byte(etherType >> 8)
	frame[13] = byte(etherType)
	copy(frame[14:], payload)
	return frame
}

// DialContextTCP opens an outbound TCP connection through the stack
// (spec.md §4.7's connect on a stream socket).
func (d *Driver) DialContextTCP(ctx context.Context, addr netip.AddrPort) (*gonet.TCPConn, error) {
	full := tcpip.FullAddress{Addr: tcpip.Address(addr.Addr().AsSlice()), Port: addr.Port()}
	proto := ipv4.ProtocolNumber
	if addr.Addr().Is6() && !addr.Addr().Is4In6() {
		proto = ipv6.ProtocolNumber
	}
	return gonet.DialContextTCP(ctx, d.ipstack, full, proto)
}

// DialContextUDP opens a connected UDP endpoint through the stack.
func (d *Driver) DialContextUDP(ctx context.Context, addr netip.AddrPort) (*gonet.UDPConn, error) {
	full := &tcpip.FullAddress{Addr: tcpip.Address(addr.Addr().AsSlice()), Port: addr.Port()}
	proto := ipv4.ProtocolNumber
	if addr.Addr().Is6() && !addr.Addr().Is4In6() {
		proto = ipv6.ProtocolNumber
	}
	return gonet.DialUDP(d.ipstack, nil, full, proto)
}

// ListenUDP opens an unconnected UDP endpoint bound to addr, for the socket
// façade's bind-then-recvfrom path (spec.md §4.7's dgram bind/sendto/recvfrom).
func (d *Driver) ListenUDP(addr netip.AddrPort) (*gonet.UDPConn, error) {
	full := &tcpip.FullAddress{Addr: tcpip.Address(addr.Addr().AsSlice()), Port: addr.Port()}
	proto := ipv4.ProtocolNumber
	if addr.Addr().Is6() && !addr.Addr().Is4In6() {
		proto = ipv6.ProtocolNumber
	}
	return gonet.DialUDP(d.ipstack, full, nil, proto)
}

func (d *Driver) acceptTCP(r *tcp.ForwarderRequest) {
	id := r.ID()
	var wq waiter.Queue
	ep, err := r.CreateEndpoint(&wq)
	if err != nil {
		d.logf("acceptTCP: %v", err)
		r.Complete(true)
		return
	}
	r.Complete(false)
	ep.SocketOptions().SetKeepAlive(true)
	conn := gonet.NewTCPConn(&wq, ep)

	local, _ := ipPortFromTEI(id.LocalAddress, id.LocalPort)
	remote, _ := ipPortFromTEI(id.RemoteAddress, id.RemotePort)

	d.mu.Lock()
	h := d.onAccept
	d.mu.Unlock()
	if h == nil {
		conn.Close()
		return
	}
	h(conn, local, remote)
}

func (d *Driver) acceptUDP(r *udp.ForwarderRequest) {
	// UDP in this façade is connectionless at the stack level; the
	// socket façade dials/binds gonet UDP endpoints itself rather than
	// going through the forwarder, so an unsolicited forwarder hit means
	// no listening socket claimed the port.
	r.ID()
}

func ipPortFromTEI(addr tcpip.Address, port uint16) (netip.AddrPort, bool) {
	a, ok := netip.AddrFromSlice([]byte(addr))
	if !ok {
		return netip.AddrPort{}, false
	}
	return netip.AddrPortFrom(a.Unmap(), port), true
}

// Close tears down every netif and the stack.
func (d *Driver) Close() error {
	d.ctxCancel()
	d.ipstack.Close()
	return nil
}
