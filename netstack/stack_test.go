package netstack

import (
	"net/netip"
	"testing"

	qt "github.com/frankban/quicktest"
	"gvisor.dev/gvisor/pkg/bufferv2"
	"gvisor.dev/gvisor/pkg/tcpip/stack"

	"ztcore.dev/ztcore/vtap"
)

func TestAddNetifThenDuplicateErrors(t *testing.T) {
	c := qt.New(t)
	d, err := New(nil, nil)
	c.Assert(err, qt.IsNil)
	defer d.Close()

	tp := vtap.New(1, [6]byte{1, 2, 3, 4, 5, 6}, nil, nil)
	c.Assert(d.AddNetif(tp, 1500), qt.IsNil)
	c.Assert(d.AddNetif(tp, 1500), qt.Not(qt.IsNil))
}

func TestAddAddressUnknownNetifErrors(t *testing.T) {
	c := qt.New(t)
	d, err := New(nil, nil)
	c.Assert(err, qt.IsNil)
	defer d.Close()

	err = d.AddAddress(99, netip.MustParsePrefix("10.0.0.1/24"))
	c.Assert(err, qt.Not(qt.IsNil))
}

func TestAddAddressThenRemoveSucceeds(t *testing.T) {
	c := qt.New(t)
	d, err := New(nil, nil)
	c.Assert(err, qt.IsNil)
	defer d.Close()

	tp := vtap.New(1, [6]byte{1, 2, 3, 4, 5, 6}, nil, nil)
	c.Assert(d.AddNetif(tp, 1500), qt.IsNil)

	cidr := netip.MustParsePrefix("10.0.0.1/24")
	c.Assert(d.AddAddress(1, cidr), qt.IsNil)
	c.Assert(d.RemoveAddress(1, cidr), qt.IsNil)
}

func TestRemoveNetifIsIdempotentForUnknownNet(t *testing.T) {
	d, err := New(nil, nil)
	qt.New(t).Assert(err, qt.IsNil)
	defer d.Close()
	d.RemoveNetif(404) // must not panic
}

// TestNewRegistersARP confirms the IPv4 neighbor-resolution protocol is
// wired into the stack; without it, every outbound frame would carry an
// unresolved (broadcast) destination MAC forever.
func TestNewRegistersARP(t *testing.T) {
	c := qt.New(t)
	d, err := New(nil, nil)
	c.Assert(err, qt.IsNil)
	defer d.Close()

	proto := d.Stack().NetworkProtocolInstance(0x0806) // header.ARPProtocolNumber
	c.Assert(proto, qt.Not(qt.IsNil))
}

func TestBuildEthernetFrameFallsBackToBroadcastBeforeResolution(t *testing.T) {
	c := qt.New(t)
	srcMAC := [6]byte{2, 0, 0, 0, 0, 9}
	payload := []byte{0x45, 0x00, 0x00, 0x14} // IPv4 version nibble

	pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
		Payload: bufferv2.MakeWithData(append([]byte(nil), payload...)),
	})
	defer pkt.DecRef()

	frame := buildEthernetFrame(srcMAC, pkt)
	c.Assert(len(frame) >= 14, qt.IsTrue)
	for i := 0; i < 6; i++ {
		c.Assert(frame[i], qt.Equals, byte(0xff))
	}
	c.Assert(frame[6:12], qt.DeepEquals, srcMAC[:])
	c.Assert(frame[12], qt.Equals, byte(0x08)) // IPv4 ethertype
	c.Assert(frame[13], qt.Equals, byte(0x00))
}
