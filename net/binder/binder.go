// Package binder implements the UDP binder (spec.md §4.3): the set of host
// UDP sockets the node service sends and receives overlay wire traffic on,
// kept in sync with the machine's live interface set.
package binder

import (
	"fmt"
	"net"
	"net/netip"
	"strings"
	"sync"

	"github.com/vishvananda/netlink"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
	"ztcore.dev/ztcore/types/logger"
)

// defaultRejectPrefixes are always rejected, regardless of embedder policy
// (spec.md §4.3): these names are virtual/overlay interfaces themselves, and
// binding them would create an overlay-over-overlay loop.
var defaultRejectPrefixes = []string{"lo", "zt", "tun", "tap", "feth", "utun"}

// Policy gates which (interface name, address) pairs the binder is allowed
// to open a UDP socket on.
type Policy struct {
	// ExtraRejectPrefixes supplements defaultRejectPrefixes.
	ExtraRejectPrefixes []string
	// V4Blacklist / V6Blacklist reject any address contained in one of
	// these CIDRs (the global_v4_blacklist / global_v6_blacklist of
	// spec.md §4.3).
	V4Blacklist []netip.Prefix
	V6Blacklist []netip.Prefix
	// TapAddrs returns addresses currently assigned to a virtual tap;
	// the binder must never bind one of them (prevents overlay-over-
	// overlay). Supplied as a func so the policy always sees the live set
	// without the binder needing a back-reference to every tap.
	TapAddrs func() []netip.Addr
}

func (p Policy) shouldBindInterface(name string, addr netip.Addr) bool {
	lname := strings.ToLower(name)
	for _, prefix := range defaultRejectPrefixes {
		if strings.HasPrefix(lname, prefix) {
			return false
		}
	}
	for _, prefix := range p.ExtraRejectPrefixes {
		if strings.HasPrefix(lname, strings.ToLower(prefix)) {
			return false
		}
	}
	blacklist := p.V4Blacklist
	if addr.Is6() && !addr.Is4In6() {
		blacklist = p.V6Blacklist
	}
	for _, cidr := range blacklist {
		if cidr.Contains(addr) {
			return false
		}
	}
	if p.TapAddrs != nil {
		for _, tapAddr := range p.TapAddrs() {
			if tapAddr == addr {
				return false
			}
		}
	}
	return true
}

// binding is one live (port, local address) UDP socket.
type binding struct {
	addr netip.Addr
	port uint16
	pc   net.PacketConn
	p4   *ipv4.PacketConn
	p6   *ipv6.PacketConn
}

// Handle identifies a binding for IsValid queries, matching the
// opaque handle the original binder hands back to the service thread.
type Handle struct {
	addr netip.Addr
	port uint16
}

// AddrPort returns the bound (address, port) a handle names, for the node
// service's local_socket bookkeeping on the receive path (spec.md §4.8).
func (h Handle) AddrPort() netip.AddrPort {
	return netip.AddrPortFrom(h.addr, h.port)
}

// PacketHandler receives one datagram read off a live binding (spec.md
// §4.8's "UDP receive callback").
type PacketHandler func(local Handle, from netip.AddrPort, data []byte)

// Binder owns the live set of host UDP sockets across every local
// interface and the node's one-to-three listening ports.
type Binder struct {
	logf logger.Logf

	mu       sync.RWMutex
	bindings map[Handle]*binding
	onPacket PacketHandler
}

// New creates an empty Binder; Refresh must be called at least once before
// any traffic can flow.
func New(logf logger.Logf) *Binder {
	if logf == nil {
		logf = logger.Discard
	}
	return &Binder{
		logf:     logger.WithPrefix(logf, "binder: "),
		bindings: make(map[Handle]*binding),
	}
}

// SetPacketHandler installs the callback every binding's receive loop
// invokes per datagram. Must be called before the first Refresh that opens
// a socket to avoid missing early traffic.
func (b *Binder) SetPacketHandler(h PacketHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onPacket = h
}

func (b *Binder) recvLoop(h Handle, bind *binding) {
	buf := make([]byte, 64*1024)
	for {
		n, from, err := bind.pc.ReadFrom(buf)
		if err != nil {
			return // socket closed by Refresh/CloseAll
		}
		b.mu.RLock()
		handler := b.onPacket
		b.mu.RUnlock()
		if handler == nil {
			continue
		}
		addrPort, ok := udpAddrPort(from)
		if !ok {
			continue
		}
		handler(h, addrPort, append([]byte(nil), buf[:n]...))
	}
}

func udpAddrPort(a net.Addr) (netip.AddrPort, bool) {
	ua, ok := a.(*net.UDPAddr)
	if !ok {
		return netip.AddrPort{}, false
	}
	ip, ok := netip.AddrFromSlice(ua.IP)
	if !ok {
		return netip.AddrPort{}, false
	}
	return netip.AddrPortFrom(ip.Unmap(), uint16(ua.Port)), true
}

// ExplicitBind is an operator-pinned (address, port) the refresh loop must
// always keep bound regardless of what interface enumeration finds.
type ExplicitBind struct {
	Addr netip.Addr
	Port uint16
}

// Refresh enumerates local interface addresses via netlink, filters them
// through policy, and opens or closes UDP sockets on the given ports so the
// live binding set matches exactly (spec.md §4.3). It is safe to call
// concurrently with Send/IsValid, but not with itself.
func (b *Binder) Refresh(ports []uint16, explicitBinds []ExplicitBind, policy Policy) error {
	want := make(map[Handle]netip.Addr)

	links, err := netlink.LinkList()
	if err != nil {
		return fmt.Errorf("binder: list links: %w", err)
	}
	for _, link := range links {
		attrs := link.Attrs()
		if attrs == nil {
			continue
		}
		addrs, err := netlink.AddrList(link, netlink.FAMILY_ALL)
		if err != nil {
			b.logf("addr list for %s: %v", attrs.Name, err)
			continue
		}
		for _, a := range addrs {
			addr, ok := netip.AddrFromSlice(a.IP)
			if !ok {
				continue
			}
			addr = addr.Unmap()
			if !policy.shouldBindInterface(attrs.Name, addr) {
				continue
			}
			for _, port := range ports {
				want[Handle{addr: addr, port: port}] = addr
			}
		}
	}
	for _, eb := range explicitBinds {
		want[Handle{addr: eb.Addr, port: eb.Port}] = eb.Addr
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for h := range want {
		if _, ok := b.bindings[h]; ok {
			continue
		}
		bind, err := b.open(h.addr, h.port)
		if err != nil {
			b.logf("bind %s:%d: %v", h.addr, h.port, err)
			continue
		}
		b.bindings[h] = bind
		go b.recvLoop(h, bind)
	}
	for h, bind := range b.bindings {
		if _, ok := want[h]; !ok {
			bind.pc.Close()
			delete(b.bindings, h)
		}
	}
	return nil
}

func (b *Binder) open(addr netip.Addr, port uint16) (*binding, error) {
	network := "udp4"
	if addr.Is6() {
		network = "udp6"
	}
	pc, err := net.ListenUDP(network, &net.UDPAddr{IP: addr.AsSlice(), Port: int(port), Zone: addr.Zone()})
	if err != nil {
		return nil, err
	}
	bind := &binding{addr: addr, port: port, pc: pc}
	if network == "udp4" {
		bind.p4 = ipv4.NewPacketConn(pc)
	} else {
		bind.p6 = ipv6.NewPacketConn(pc)
	}
	return bind, nil
}

// Count returns the number of live UDP bindings, for a metrics gauge.
func (b *Binder) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.bindings)
}

// IsValid reports whether handle still names a live socket.
func (b *Binder) IsValid(h Handle) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.bindings[h]
	return ok
}

// SendAll writes bytes with the given IP TTL/hop-limit on every live socket
// whose address family matches dst, returning true if at least one send
// succeeded (spec.md §4.3's udp_send_all).
func (b *Binder) SendAll(dst netip.AddrPort, payload []byte, ttl int) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	wantV6 := dst.Addr().Is6() && !dst.Addr().Is4In6()
	sentOK := false
	udpAddr := &net.UDPAddr{IP: dst.Addr().AsSlice(), Port: int(dst.Port()), Zone: dst.Addr().Zone()}
	for _, bind := range b.bindings {
		if bind.addr.Is6() != wantV6 {
			continue
		}
		if bind.p4 != nil && ttl > 0 {
			bind.p4.SetTTL(ttl)
		}
		if bind.p6 != nil && ttl > 0 {
			bind.p6.SetHopLimit(ttl)
		}
		if _, err := bind.pc.WriteTo(payload, udpAddr); err != nil {
			continue
		}
		sentOK = true
	}
	return sentOK
}

// LocalAddrs returns every address currently bound, for the node service's
// add_local_interface_address reconciliation (spec.md §4.8).
func (b *Binder) LocalAddrs() []netip.Addr {
	b.mu.RLock()
	defer b.mu.RUnlock()
	seen := make(map[netip.Addr]bool)
	var out []netip.Addr
	for h := range b.bindings {
		if !seen[h.addr] {
			seen[h.addr] = true
			out = append(out, h.addr)
		}
	}
	return out
}

// CloseAll tears down every binding.
func (b *Binder) CloseAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for h, bind := range b.bindings {
		bind.pc.Close()
		delete(b.bindings, h)
	}
}
