package overlay

import (
	"net/netip"
	"testing"

	qt "github.com/frankban/quicktest"
)

type fakeNode struct {
	joinCode  ResultCode
	addr      uint64
	online    bool
	peers     []Peer
	lowBW     bool
	clearedIF int
}

func (f *fakeNode) ProcessWirePacket(now int64, localSocket uint64, from netip.AddrPort, data []byte) (int64, ResultCode) {
	return now + 100, ResultOK
}
func (f *fakeNode) ProcessBackgroundTasks(now int64) (int64, ResultCode) { return now + 1000, ResultOK }
func (f *fakeNode) ProcessVirtualNetworkFrame(now int64, netID uint64, srcMAC, dstMAC [6]byte, etherType, vlanID uint16, payload []byte) (int64, ResultCode) {
	return now + 100, ResultOK
}
func (f *fakeNode) Join(netID uint64) ResultCode  { return f.joinCode }
func (f *fakeNode) Leave(netID uint64) ResultCode { return ResultOK }
func (f *fakeNode) MulticastSubscribe(netID uint64, mac [6]byte, adi uint32) ResultCode {
	return ResultOK
}
func (f *fakeNode) MulticastUnsubscribe(netID uint64, mac [6]byte, adi uint32) ResultCode {
	return ResultOK
}
func (f *fakeNode) Orbit(worldID, seed uint64) ResultCode { return ResultOK }
func (f *fakeNode) Deorbit(worldID uint64) ResultCode     { return ResultOK }
func (f *fakeNode) Address() uint64                       { return f.addr }
func (f *fakeNode) Online() bool                          { return f.online }
func (f *fakeNode) Peers() []Peer                         { return f.peers }
func (f *fakeNode) AddLocalInterfaceAddress(addr netip.Addr) {}
func (f *fakeNode) ClearLocalInterfaceAddresses()            { f.clearedIF++ }
func (f *fakeNode) PRNG() uint64                             { return 42 }
func (f *fakeNode) Identity() string                         { return "fake-identity" }
func (f *fakeNode) SetLowBandwidthMode(on bool)              { f.lowBW = on }

func TestFacadeForwardsSimpleCalls(t *testing.T) {
	c := qt.New(t)
	n := &fakeNode{addr: 0x1234, online: true}
	f := New(n, nil)

	c.Assert(f.Address(), qt.Equals, uint64(0x1234))
	c.Assert(f.Online(), qt.IsTrue)
	c.Assert(f.PRNG(), qt.Equals, uint64(42))
	c.Assert(f.Identity(), qt.Equals, "fake-identity")

	f.SetLowBandwidthMode(true)
	c.Assert(n.lowBW, qt.IsTrue)

	f.ClearLocalInterfaceAddresses()
	c.Assert(n.clearedIF, qt.Equals, 1)
}

func TestFacadeFatalJoinTriggersOnFatal(t *testing.T) {
	c := qt.New(t)
	n := &fakeNode{joinCode: ResultFatalErrorBindFailed}
	var reason string
	f := New(n, func(r string) { reason = r })

	err := f.Join(1)
	c.Assert(err, qt.Not(qt.IsNil))
	c.Assert(reason, qt.Not(qt.Equals), "")
}

func TestFacadeNonFatalJoinErrorDoesNotTriggerOnFatal(t *testing.T) {
	c := qt.New(t)
	n := &fakeNode{joinCode: ResultErrorNetworkNotFound}
	called := false
	f := New(n, func(string) { called = true })

	err := f.Join(1)
	c.Assert(err, qt.Not(qt.IsNil))
	c.Assert(called, qt.IsFalse)
}

func TestFacadeConfigHandlerFanOut(t *testing.T) {
	c := qt.New(t)
	f := New(&fakeNode{}, nil)
	var got ConfigOp
	var cfg VirtualNetworkConfig
	f.SetVirtualNetworkConfigHandler(func(op ConfigOp, c VirtualNetworkConfig) {
		got = op
		cfg = c
	})
	f.DeliverVirtualNetworkConfig(ConfigUp, VirtualNetworkConfig{NetID: 7})
	c.Assert(got, qt.Equals, ConfigUp)
	c.Assert(cfg.NetID, qt.Equals, uint64(7))
}
