package service

import (
	"net/netip"
	"sync"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	"ztcore.dev/ztcore/events"
	"ztcore.dev/ztcore/overlay"
)

// fakeNode is a minimal overlay.Node stub for service-level tests: it
// never generates real traffic, it just lets Service's wiring exercise
// every call shape without a real cryptographic engine.
type fakeNode struct {
	mu       sync.Mutex
	joined   []uint64
	left     []uint64
	subs     []uint64
	unsubs   []uint64
	lowBW    bool
	localIfs []netip.Addr
}

func (f *fakeNode) ProcessWirePacket(now int64, localSocket uint64, from netip.AddrPort, data []byte) (int64, overlay.ResultCode) {
	return now + 1000, overlay.ResultOK
}
func (f *fakeNode) ProcessBackgroundTasks(now int64) (int64, overlay.ResultCode) {
	return now + 5000, overlay.ResultOK
}
func (f *fakeNode) ProcessVirtualNetworkFrame(now int64, netID uint64, srcMAC, dstMAC [6]byte, etherType, vlanID uint16, payload []byte) (int64, overlay.ResultCode) {
	return now + 1000, overlay.ResultOK
}
func (f *fakeNode) Join(netID uint64) overlay.ResultCode {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joined = append(f.joined, netID)
	return overlay.ResultOK
}
func (f *fakeNode) Leave(netID uint64) overlay.ResultCode {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.left = append(f.left, netID)
	return overlay.ResultOK
}
func (f *fakeNode) MulticastSubscribe(netID uint64, mac [6]byte, adi uint32) overlay.ResultCode {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, netID)
	return overlay.ResultOK
}
func (f *fakeNode) MulticastUnsubscribe(netID uint64, mac [6]byte, adi uint32) overlay.ResultCode {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubs = append(f.unsubs, netID)
	return overlay.ResultOK
}
func (f *fakeNode) Orbit(worldID, seed uint64) overlay.ResultCode   { return overlay.ResultOK }
func (f *fakeNode) Deorbit(worldID uint64) overlay.ResultCode       { return overlay.ResultOK }
func (f *fakeNode) Address() uint64                                 { return 0x1122334455 }
func (f *fakeNode) Online() bool                                    { return true }
func (f *fakeNode) Peers() []overlay.Peer                           { return nil }
func (f *fakeNode) AddLocalInterfaceAddress(addr netip.Addr) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.localIfs = append(f.localIfs, addr)
}
func (f *fakeNode) ClearLocalInterfaceAddresses() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.localIfs = nil
}
func (f *fakeNode) PRNG() uint64          { return 42 }
func (f *fakeNode) Identity() string      { return "test-identity" }
func (f *fakeNode) SetLowBandwidthMode(on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lowBW = on
}

func newTestService(c *qt.C) (*Service, *fakeNode) {
	home := c.TempDir()
	node := &fakeNode{}
	cfg := Config{
		Home:         home,
		PortRangeMin: 40000,
		PortRangeMax: 40100,
	}
	svc, err := New(cfg, node, nil)
	c.Assert(err, qt.IsNil)
	c.Cleanup(func() { svc.Terminate("") })
	return svc, node
}

func TestNewWithoutHomeErrors(t *testing.T) {
	c := qt.New(t)
	_, err := New(Config{}, &fakeNode{}, nil)
	c.Assert(err, qt.Not(qt.IsNil))
}

func TestStartSelectsPortsAndEmitsNodeUp(t *testing.T) {
	c := qt.New(t)
	svc, _ := newTestService(c)

	var mu sync.Mutex
	var codes []events.Code
	svc.Events().SetHandler(func(code events.Code, payload any) {
		mu.Lock()
		defer mu.Unlock()
		codes = append(codes, code)
	})

	c.Assert(svc.Start(), qt.IsNil)
	c.Assert(len(svc.ports) > 0, qt.IsTrue)

	c.Assert(waitForCode(&mu, &codes, events.NodeUp), qt.IsTrue)
}

func TestConfigUpCreatesNetifAndAssignsAddresses(t *testing.T) {
	c := qt.New(t)
	svc, _ := newTestService(c)
	c.Assert(svc.Start(), qt.IsNil)

	cfg := overlay.VirtualNetworkConfig{
		NetID:             1,
		MAC:               [6]byte{2, 0, 0, 0, 0, 1},
		MTU:               1500,
		AssignedAddresses: []netip.Prefix{netip.MustParsePrefix("10.1.0.5/24")},
		Status:            overlay.NetworkOK,
	}
	svc.node.DeliverVirtualNetworkConfig(overlay.ConfigUp, cfg)

	svc.mu.Lock()
	tap, ok := svc.taps[1]
	svc.mu.Unlock()
	c.Assert(ok, qt.IsTrue)
	c.Assert(tap.IPs(), qt.HasLen, 1)
}

func TestConfigUpdateDiffsAddresses(t *testing.T) {
	c := qt.New(t)
	svc, _ := newTestService(c)
	c.Assert(svc.Start(), qt.IsNil)

	up := overlay.VirtualNetworkConfig{
		NetID:             2,
		MAC:               [6]byte{2, 0, 0, 0, 0, 2},
		MTU:               1500,
		AssignedAddresses: []netip.Prefix{netip.MustParsePrefix("10.2.0.5/24")},
	}
	svc.node.DeliverVirtualNetworkConfig(overlay.ConfigUp, up)

	update := up
	update.MTU = 1400
	update.AssignedAddresses = []netip.Prefix{netip.MustParsePrefix("10.2.0.9/24")}
	svc.node.DeliverVirtualNetworkConfig(overlay.ConfigUpdate, update)

	svc.mu.Lock()
	tap := svc.taps[2]
	svc.mu.Unlock()
	c.Assert(tap.MTU(), qt.Equals, 1400)
	ips := tap.IPs()
	c.Assert(ips, qt.HasLen, 1)
	c.Assert(ips[0], qt.Equals, netip.MustParsePrefix("10.2.0.9/24"))
}

func TestConfigDownRemovesTap(t *testing.T) {
	c := qt.New(t)
	svc, _ := newTestService(c)
	c.Assert(svc.Start(), qt.IsNil)

	up := overlay.VirtualNetworkConfig{NetID: 3, MAC: [6]byte{2, 0, 0, 0, 0, 3}, MTU: 1500}
	svc.node.DeliverVirtualNetworkConfig(overlay.ConfigUp, up)
	svc.node.DeliverVirtualNetworkConfig(overlay.ConfigDown, up)

	svc.mu.Lock()
	_, ok := svc.taps[3]
	svc.mu.Unlock()
	c.Assert(ok, qt.IsFalse)
}

func TestTerminateIsIdempotent(t *testing.T) {
	c := qt.New(t)
	svc, _ := newTestService(c)
	c.Assert(svc.Start(), qt.IsNil)

	svc.Terminate("boom")
	svc.Terminate("again") // must not panic or block
	c.Assert(svc.TermReason(), qt.Equals, "boom")
}

func TestOnFatalTerminatesService(t *testing.T) {
	c := qt.New(t)
	svc, _ := newTestService(c)
	c.Assert(svc.Start(), qt.IsNil)

	svc.onFatal("identity collision")
	c.Assert(svc.TermReason(), qt.Equals, "identity collision")
}

func collectCodes(svc *Service) (*sync.Mutex, *[]events.Code) {
	var mu sync.Mutex
	var codes []events.Code
	svc.Events().SetHandler(func(code events.Code, payload any) {
		mu.Lock()
		defer mu.Unlock()
		codes = append(codes, code)
	})
	return &mu, &codes
}

func waitForCode(mu *sync.Mutex, codes *[]events.Code, want events.Code) bool {
	for i := 0; i < 500; i++ {
		mu.Lock()
		for _, c := range *codes {
			if c == want {
				mu.Unlock()
				return true
			}
		}
		mu.Unlock()
		time.Sleep(time.Millisecond)
	}
	return false
}

func TestRunLoopEmitsNodeOnline(t *testing.T) {
	c := qt.New(t)
	svc, _ := newTestService(c)
	mu, codes := collectCodes(svc)

	c.Assert(svc.Start(), qt.IsNil)
	c.Assert(waitForCode(mu, codes, events.NodeOnline), qt.IsTrue)
}

func TestJoinEmitsNetReqConfig(t *testing.T) {
	c := qt.New(t)
	svc, _ := newTestService(c)
	mu, codes := collectCodes(svc)

	c.Assert(svc.Start(), qt.IsNil)
	c.Assert(svc.Join(0xabcd), qt.IsNil)
	c.Assert(waitForCode(mu, codes, events.NetReqConfig), qt.IsTrue)
}

func TestConfigUpEmitsNetReadyV4BeforeNetOK(t *testing.T) {
	c := qt.New(t)
	svc, _ := newTestService(c)
	c.Assert(svc.Start(), qt.IsNil)

	var mu sync.Mutex
	var codes []events.Code
	svc.Events().SetHandler(func(code events.Code, payload any) {
		mu.Lock()
		defer mu.Unlock()
		codes = append(codes, code)
	})

	cfg := overlay.VirtualNetworkConfig{
		NetID:             4,
		MAC:               [6]byte{2, 0, 0, 0, 0, 4},
		MTU:               1500,
		AssignedAddresses: []netip.Prefix{netip.MustParsePrefix("10.4.0.5/24")},
		Status:            overlay.NetworkOK,
	}
	svc.node.DeliverVirtualNetworkConfig(overlay.ConfigUp, cfg)

	c.Assert(waitForCode(&mu, &codes, events.NetOK), qt.IsTrue)

	mu.Lock()
	defer mu.Unlock()
	readyIdx, okIdx := -1, -1
	for i, code := range codes {
		if code == events.NetReadyV4 && readyIdx < 0 {
			readyIdx = i
		}
		if code == events.NetOK && okIdx < 0 {
			okIdx = i
		}
	}
	c.Assert(readyIdx, qt.Not(qt.Equals), -1)
	c.Assert(okIdx, qt.Not(qt.Equals), -1)
	c.Assert(readyIdx < okIdx, qt.IsTrue)
}

func TestConfigUpReconcilesRoutes(t *testing.T) {
	c := qt.New(t)
	svc, _ := newTestService(c)
	c.Assert(svc.Start(), qt.IsNil)

	cfg := overlay.VirtualNetworkConfig{
		NetID: 5,
		MAC:   [6]byte{2, 0, 0, 0, 0, 5},
		MTU:   1500,
		Routes: []overlay.ConfigRoute{
			{Target: netip.MustParsePrefix("10.5.0.0/24"), Via: netip.MustParseAddr("10.5.0.1")},
		},
	}
	svc.node.DeliverVirtualNetworkConfig(overlay.ConfigUp, cfg)

	svc.mu.Lock()
	tap := svc.taps[5]
	svc.mu.Unlock()
	c.Assert(tap.Routes(), qt.HasLen, 1)
	c.Assert(tap.Routes()[0].Target, qt.Equals, netip.MustParsePrefix("10.5.0.0/24"))
}
