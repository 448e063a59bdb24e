package netstack

import (
	"net/netip"
	"testing"

	"github.com/miekg/dns"
	qt "github.com/frankban/quicktest"
)

func TestResolverAnswersKnownA(t *testing.T) {
	c := qt.New(t)
	r := NewResolver(nil)
	r.SetAddrs("peer1.ztcore.internal.", []netip.Addr{netip.MustParseAddr("10.1.2.3")})

	req := new(dns.Msg)
	req.SetQuestion("peer1.ztcore.internal.", dns.TypeA)

	resp := r.HandleQuery(req)
	c.Assert(resp.Rcode, qt.Equals, dns.RcodeSuccess)
	c.Assert(len(resp.Answer), qt.Equals, 1)
	a, ok := resp.Answer[0].(*dns.A)
	c.Assert(ok, qt.IsTrue)
	c.Assert(a.A.String(), qt.Equals, "10.1.2.3")
}

func TestResolverUnknownNameIsNXDOMAIN(t *testing.T) {
	c := qt.New(t)
	r := NewResolver(nil)

	req := new(dns.Msg)
	req.SetQuestion("nobody.ztcore.internal.", dns.TypeA)

	resp := r.HandleQuery(req)
	c.Assert(resp.Rcode, qt.Equals, dns.RcodeNameError)
}

func TestResolverUnsupportedQtypeIsNotImplemented(t *testing.T) {
	c := qt.New(t)
	r := NewResolver(nil)
	r.SetAddrs("peer1.ztcore.internal.", []netip.Addr{netip.MustParseAddr("10.1.2.3")})

	req := new(dns.Msg)
	req.SetQuestion("peer1.ztcore.internal.", dns.TypeMX)

	resp := r.HandleQuery(req)
	c.Assert(resp.Rcode, qt.Equals, dns.RcodeNotImplemented)
}

func TestResolverRemoveNameClearsAnswers(t *testing.T) {
	c := qt.New(t)
	r := NewResolver(nil)
	r.SetAddrs("peer1.ztcore.internal.", []netip.Addr{netip.MustParseAddr("10.1.2.3")})
	r.RemoveName("peer1.ztcore.internal.")

	req := new(dns.Msg)
	req.SetQuestion("peer1.ztcore.internal.", dns.TypeA)
	resp := r.HandleQuery(req)
	c.Assert(resp.Rcode, qt.Equals, dns.RcodeNameError)
}
