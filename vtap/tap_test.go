package vtap

import (
	"net/netip"
	"testing"

	qt "github.com/frankban/quicktest"
	"ztcore.dev/ztcore/events"
)

func TestAddIPSortedAndDeduped(t *testing.T) {
	c := qt.New(t)
	tp := New(1, [6]byte{1, 2, 3, 4, 5, 6}, nil, nil)

	tp.AddIP(netip.MustParsePrefix("10.1.0.5/24"))
	tp.AddIP(netip.MustParsePrefix("10.0.0.5/24"))
	tp.AddIP(netip.MustParsePrefix("10.1.0.5/24")) // duplicate, no-op

	ips := tp.IPs()
	c.Assert(len(ips), qt.Equals, 2)
	c.Assert(ips[0].Addr().String() < ips[1].Addr().String(), qt.IsTrue)

	tp.RemoveIP(netip.MustParsePrefix("10.0.0.5/24"))
	c.Assert(len(tp.IPs()), qt.Equals, 1)
}

func TestAddIPEmitsAddrEvent(t *testing.T) {
	c := qt.New(t)
	q := events.NewQueue(nil)
	delivered := make(chan events.Code, 4)
	q.SetHandler(func(code events.Code, _ any) { delivered <- code })
	q.Enable()
	q.Run()

	tp := New(1, [6]byte{1, 2, 3, 4, 5, 6}, q, nil)
	tp.AddIP(netip.MustParsePrefix("10.0.0.5/24"))

	c.Assert(<-delivered, qt.Equals, events.AddrAddedV4)
}

func TestScanMulticastGroupsTracksAddedAndRemoved(t *testing.T) {
	c := qt.New(t)
	tp := New(1, [6]byte{1, 2, 3, 4, 5, 6}, nil, nil)
	tp.AddIP(netip.MustParsePrefix("10.0.0.5/24"))

	added, removed := tp.ScanMulticastGroups()
	c.Assert(len(added), qt.Equals, 1)
	c.Assert(len(removed), qt.Equals, 0)

	// Second scan with no IP change yields no delta.
	added, removed = tp.ScanMulticastGroups()
	c.Assert(len(added), qt.Equals, 0)
	c.Assert(len(removed), qt.Equals, 0)

	tp.RemoveIP(netip.MustParsePrefix("10.0.0.5/24"))
	added, removed = tp.ScanMulticastGroups()
	c.Assert(len(added), qt.Equals, 0)
	c.Assert(len(removed), qt.Equals, 1)
}

func TestReconcileRoutesIgnoresZeroViaAndDiffs(t *testing.T) {
	c := qt.New(t)
	tp := New(1, [6]byte{}, nil, nil)

	local := netip.MustParsePrefix("10.0.0.0/24")
	viaRoute := netip.MustParsePrefix("192.168.0.0/24")
	gw := netip.MustParseAddr("10.0.0.1")

	tp.ReconcileRoutes([]Route{
		{Target: local, Via: netip.Addr{}}, // interface-local, ignored
		{Target: viaRoute, Via: gw},
	})
	routes := tp.Routes()
	c.Assert(len(routes), qt.Equals, 1)
	c.Assert(routes[0].Target, qt.Equals, viaRoute)

	// Reconciling again with viaRoute absent removes it.
	tp.ReconcileRoutes(nil)
	c.Assert(len(tp.Routes()), qt.Equals, 0)
}

func TestHandleOutboundFrameStripsHeaderAndForwards(t *testing.T) {
	c := qt.New(t)
	tp := New(7, [6]byte{1, 1, 1, 1, 1, 1}, nil, nil)

	var gotNetID uint64
	var gotPayload []byte
	tp.Configure(1500, func(now int64, netID uint64, src, dst [6]byte, etherType, vlan uint16, payload []byte) error {
		gotNetID = netID
		gotPayload = payload
		return nil
	}, nil)

	frame := make([]byte, 14+4)
	copy(frame[0:6], []byte{2, 2, 2, 2, 2, 2})
	copy(frame[6:12], []byte{1, 1, 1, 1, 1, 1})
	frame[12], frame[13] = 0x08, 0x00
	copy(frame[14:], []byte("ping"))

	c.Assert(tp.HandleOutboundFrame(0, frame), qt.IsNil)
	c.Assert(gotNetID, qt.Equals, uint64(7))
	c.Assert(string(gotPayload), qt.Equals, "ping")
}

func TestDeliverInboundFrameSynthesisesHeader(t *testing.T) {
	c := qt.New(t)
	tp := New(7, [6]byte{}, nil, nil)

	var got []byte
	tp.Configure(1500, nil, func(frame []byte) bool {
		got = frame
		return true
	})

	ok := tp.DeliverInboundFrame([6]byte{9, 9, 9, 9, 9, 9}, [6]byte{8, 8, 8, 8, 8, 8}, EtherTypeIPv4, []byte("pong"))
	c.Assert(ok, qt.IsTrue)
	c.Assert(len(got), qt.Equals, 14+4)
	c.Assert(got[12], qt.Equals, byte(0x08))
	c.Assert(string(got[14:]), qt.Equals, "pong")
}
