package netstack

import (
	"context"
	"net"
	"net/netip"
	"sync"

	"github.com/miekg/dns"

	"ztcore.dev/ztcore/types/logger"
)

// serviceDNSPort is the well-known port the embedded resolver answers on,
// spec.md §4.6 naming "DNS" among the stack driver's responsibilities
// (the overlay's own equivalent of MagicDNS -- resolving other joined
// peers by name without a real upstream resolver).
const serviceDNSPort = 53

// Resolver answers A/AAAA queries for overlay peer hostnames from an
// in-memory name table the node service keeps in sync with peer/network
// state. Grounded on the teacher's tailscale.com/net/dns.Manager role
// (an embedded responder for the tailnet's own service IP) but backed by
// github.com/miekg/dns instead of a hand-rolled wire-format encoder/decoder,
// since nothing in the teacher's own dns package is itself a vendorable
// third-party dependency.
type Resolver struct {
	logf logger.Logf

	mu    sync.RWMutex
	names map[string][]netip.Addr
}

// NewResolver creates an empty Resolver.
func NewResolver(logf logger.Logf) *Resolver {
	if logf == nil {
		logf = logger.Discard
	}
	return &Resolver{
		logf:  logger.WithPrefix(logf, "netstack/dns: "),
		names: make(map[string][]netip.Addr),
	}
}

// SetAddrs replaces the address set for a fully-qualified hostname (with
// trailing dot, matching miekg/dns's canonical form).
func (r *Resolver) SetAddrs(fqdn string, addrs []netip.Addr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(addrs) == 0 {
		delete(r.names, fqdn)
		return
	}
	r.names[fqdn] = append([]netip.Addr(nil), addrs...)
}

// RemoveName drops every address for fqdn, e.g. on peer departure.
func (r *Resolver) RemoveName(fqdn string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.names, fqdn)
}

func (r *Resolver) lookup(fqdn string) []netip.Addr {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.names[fqdn]
}

// HandleQuery answers a single DNS message, returning a response ready to
// write back to the querier. Unsupported question types get NOTIMP;
// unknown names get NXDOMAIN.
func (r *Resolver) HandleQuery(req *dns.Msg) *dns.Msg {
	resp := new(dns.Msg)
	resp.SetReply(req)
	resp.Authoritative = true

	if len(req.Question) == 0 {
		resp.Rcode = dns.RcodeFormatError
		return resp
	}
	q := req.Question[0]
	addrs := r.lookup(q.Name)
	if addrs == nil {
		resp.Rcode = dns.RcodeNameError
		return resp
	}

	switch q.Qtype {
	case dns.TypeA:
		for _, a := range addrs {
			if !a.Is4() {
				continue
			}
			rr := &dns.A{Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 30}, A: a.AsSlice()}
			resp.Answer = append(resp.Answer, rr)
		}
	case dns.TypeAAAA:
		for _, a := range addrs {
			if !a.Is6() || a.Is4In6() {
				continue
			}
			b := a.As16()
			rr := &dns.AAAA{Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeAAAA, Class: dns.ClassINET, Ttl: 30}, AAAA: b[:]}
			resp.Answer = append(resp.Answer, rr)
		}
	default:
		resp.Rcode = dns.RcodeNotImplemented
	}
	return resp
}

// Serve reads DNS queries off conn until ctx is cancelled or a read fails,
// answering each via HandleQuery. conn is typically a *gonet.UDPConn bound
// to the overlay's service IP through the stack driver.
func (r *Resolver) Serve(ctx context.Context, conn dnsPacketConn) {
	buf := make([]byte, 512)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n, peer, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logf("read: %v", err)
			continue
		}
		req := new(dns.Msg)
		if err := req.Unpack(buf[:n]); err != nil {
			r.logf("unpack from %v: %v", peer, err)
			continue
		}
		resp := r.HandleQuery(req)
		out, err := resp.Pack()
		if err != nil {
			r.logf("pack response: %v", err)
			continue
		}
		if _, err := conn.WriteTo(out, peer); err != nil {
			r.logf("write to %v: %v", peer, err)
		}
	}
}

// dnsPacketConn is the minimal net.PacketConn surface Serve needs; defined
// locally so tests can pass an in-memory fake instead of a real gonet
// connection.
type dnsPacketConn interface {
	ReadFrom(p []byte) (n int, addr net.Addr, err error)
	WriteTo(p []byte, addr net.Addr) (int, error)
}
