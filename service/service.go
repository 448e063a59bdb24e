// Package service implements the Node Service orchestrator (spec.md §4.8):
// the top-level object that owns the home directory, binder, stack driver,
// socket table and overlay facade, and drives the background housekeeping
// loop that ties them together. The three-thread shape -- a service thread
// running this loop, a stack thread inside netstack.Driver, and an event
// dispatcher thread inside events.Queue -- mirrors the teacher's
// userspaceEngine: a small struct of collaborators plus one goroutine per
// long-lived duty, started from a single constructor and torn down by one
// idempotent Close/Terminate path.
package service

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"net/netip"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"ztcore.dev/ztcore/abi"
	"ztcore.dev/ztcore/events"
	"ztcore.dev/ztcore/metrics"
	"ztcore.dev/ztcore/net/binder"
	"ztcore.dev/ztcore/netstack"
	"ztcore.dev/ztcore/overlay"
	"ztcore.dev/ztcore/socket"
	"ztcore.dev/ztcore/store"
	"ztcore.dev/ztcore/types/logger"
	"ztcore.dev/ztcore/vtap"
)

// Housekeeping intervals named in spec.md §4.8.
const (
	binderRefreshPeriod         = 30 * time.Second
	tapMulticastCheckInterval   = 5 * time.Second
	localInterfaceCheckInterval = 60 * time.Second
	peerGCInterval              = 3600 * time.Second
	peerGCMaxAge                = 30 * 24 * time.Hour
	peerStatusCheckInterval     = 5 * time.Second
	wakeThreshold               = 10 * time.Second
	loopTick                    = 100 * time.Millisecond
	maxPortTrials               = 256
)

// Config is the embedder-supplied configuration for a Service, spec.md
// §4.8 steps 1-2.
type Config struct {
	// Home is the state-store directory (identity, roots, networks.d,
	// peers.d). Required.
	Home string

	// PrimaryPort, SecondaryPort, TertiaryPort: 0 means "pick one via the
	// trial-bind procedure" within [PortRangeMin, PortRangeMax] -- always
	// for the primary port, and for secondary/tertiary only when their
	// Allow flag is set (spec.md §4.8 step 2).
	PrimaryPort        uint16
	SecondaryPort      uint16
	AllowSecondaryPort bool
	TertiaryPort       uint16
	AllowTertiaryPort  bool
	PortRangeMin       uint16
	PortRangeMax       uint16

	AllowIdentityCaching bool
	AllowRootSetCaching  bool
	AllowPeerCaching     bool
	AllowNetworkCaching  bool

	BinderPolicy binder.Policy

	LowBandwidthMode bool
}

// Service is the running node: state store, binder, stack driver, socket
// table and overlay facade, plus the background loop that reconciles them.
type Service struct {
	cfg  Config
	logf logger.Logf

	eq      *events.Queue
	fstore  *store.FileStore
	objects *store.Store
	bnd     *binder.Binder
	driver  *netstack.Driver
	node    *overlay.Facade
	sockets *socket.Table

	mu    sync.Mutex
	taps  map[uint64]*vtap.Tap
	ports []uint16

	lastOnline       bool
	lastPeerSnapshot map[uint64]overlay.Peer

	ctx    context.Context
	cancel context.CancelFunc
	eg     *errgroup.Group

	termOnce   sync.Once
	termReason string

	lastDirectReceiveFromGlobal time.Time
	identityCollisionRetried    bool
}

// New constructs a Service around node (the opaque overlay core) and wires
// every callback spec.md §4.8 requires, but does not yet select ports, join
// cached networks, or start the background loop -- call Start for that.
func New(cfg Config, node overlay.Node, logf logger.Logf) (*Service, error) {
	if logf == nil {
		logf = logger.Discard
	}
	if cfg.Home == "" {
		return nil, abi.New(abi.KindInvalidArg, "service.New", fmt.Errorf("home directory required"))
	}
	logf = logger.WithPrefix(logf, "service: ")

	fstore, err := store.NewFileStore(cfg.Home, logf)
	if err != nil {
		return nil, abi.New(abi.KindUnrecoverable, "service.New", err)
	}
	eq := events.NewQueue(logf)

	objects := store.New(fstore, store.CachePolicy{
		AllowIdentity: cfg.AllowIdentityCaching,
		AllowRootSet:  cfg.AllowRootSetCaching,
		AllowPeer:     cfg.AllowPeerCaching,
		AllowNetwork:  cfg.AllowNetworkCaching,
	}, eq)

	bnd := binder.New(logf)

	driver, err := netstack.New(eq, logf)
	if err != nil {
		fstore.Close()
		return nil, abi.New(abi.KindUnrecoverable, "service.New", err)
	}

	s := &Service{
		cfg:              cfg,
		logf:             logf,
		eq:               eq,
		fstore:           fstore,
		objects:          objects,
		bnd:              bnd,
		driver:           driver,
		taps:             make(map[uint64]*vtap.Tap),
		lastPeerSnapshot: make(map[uint64]overlay.Peer),
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.eg, s.ctx = errgroup.WithContext(ctx)
	s.cancel = cancel

	s.node = overlay.New(node, s.onFatal)
	s.node.SetVirtualNetworkConfigHandler(s.onConfig)
	s.node.SetLowBandwidthMode(cfg.LowBandwidthMode)

	cfg.BinderPolicy.TapAddrs = s.tapAddrsForPolicy
	s.cfg.BinderPolicy = cfg.BinderPolicy

	s.sockets = socket.NewTable(driver, s.anyTapAddr, logf)
	bnd.SetPacketHandler(s.onWirePacket)

	return s, nil
}

// tapAddrsForPolicy feeds binder.Policy.TapAddrs: the binder must never
// open a host UDP socket on an address already assigned to a virtual tap
// (spec.md §4.3).
func (s *Service) tapAddrsForPolicy() []netip.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []netip.Addr
	for _, tap := range s.taps {
		for _, p := range tap.IPs() {
			out = append(out, p.Addr())
		}
	}
	return out
}

// anyTapAddr resolves an ANY-address bind to the first matching-family
// address among joined networks, the socket façade's tapAddr callback.
func (s *Service) anyTapAddr(v6 bool) (netip.Addr, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tap := range s.taps {
		for _, p := range tap.IPs() {
			addr := p.Addr()
			isV6 := addr.Is6() && !addr.Is4In6()
			if isV6 == v6 {
				return addr, true
			}
		}
	}
	return netip.Addr{}, false
}

// Events returns the shared event queue so the embedder can register a
// handler and Enable/Run it before or after Start.
func (s *Service) Events() *events.Queue { return s.eq }

// Store returns the policy-gated identity/world/peer/network object
// store (spec.md §4.2), for an embedder that needs to read or seed
// identity.public/identity.secret directly.
func (s *Service) Store() *store.Store { return s.objects }

// Sockets returns the socket façade table.
func (s *Service) Sockets() *socket.Table { return s.sockets }

// Metrics builds a Prometheus registry wired to this service's live event
// queue, binder and socket table, under namespace.
func (s *Service) Metrics(namespace string) *metrics.Metrics {
	return metrics.New(namespace, s.eq, s.bnd, s.sockets)
}

// Join requests membership in netID; the resulting tap is created
// asynchronously when the overlay delivers the UP config transition. A
// successful Join immediately raises NET_REQ_CONFIG (spec.md §4.8 step 4),
// the event Scenario 1 expects before the first NET_OK.
func (s *Service) Join(netID uint64) error {
	if err := s.node.Join(netID); err != nil {
		return err
	}
	s.eq.Enqueue(events.NetReqConfig, netID)
	return nil
}

// Leave withdraws membership from netID.
func (s *Service) Leave(netID uint64) error { return s.node.Leave(netID) }

// Start performs spec.md §4.8 steps 1-4's one-time setup (port selection,
// cached-network join) and launches the background housekeeping loop.
func (s *Service) Start() error {
	if err := s.selectPorts(); err != nil {
		return err
	}
	if err := s.bnd.Refresh(s.ports, nil, s.cfg.BinderPolicy); err != nil {
		s.logf("initial binder refresh: %v", err)
	}

	s.eq.Enable()
	s.eq.Run()
	s.eq.Enqueue(events.NodeUp, nil)

	if s.cfg.AllowNetworkCaching {
		ids, err := s.fstore.NetworkIDs()
		if err != nil {
			s.logf("enumerate cached networks: %v", err)
		}
		for _, id := range ids {
			if err := s.node.Join(id); err != nil {
				s.logf("join cached network %016x: %v", id, err)
				continue
			}
			s.eq.Enqueue(events.NetReqConfig, id)
		}
	}

	s.eg.Go(s.runLoop)
	return nil
}

// selectPorts implements spec.md §4.8 step 2: explicit ports are used
// as-is, zero ports are resolved via up to maxPortTrials random trial
// binds in [PortRangeMin, PortRangeMax].
func (s *Service) selectPorts() error {
	type slot struct {
		explicit uint16
		autoPick bool
	}
	slots := []slot{
		{s.cfg.PrimaryPort, true},
		{s.cfg.SecondaryPort, s.cfg.AllowSecondaryPort},
		{s.cfg.TertiaryPort, s.cfg.AllowTertiaryPort},
	}
	var resolved []uint16
	for _, sl := range slots {
		switch {
		case sl.explicit != 0:
			resolved = append(resolved, sl.explicit)
		case sl.autoPick:
			picked, err := s.trialBindPort()
			if err != nil {
				return err
			}
			resolved = append(resolved, picked)
		}
	}
	s.ports = resolved
	return nil
}

func (s *Service) trialBindPort() (uint16, error) {
	lo, hi := int(s.cfg.PortRangeMin), int(s.cfg.PortRangeMax)
	if hi <= lo {
		lo, hi = 1024, 65535
	}
	span := hi - lo + 1
	for i := 0; i < maxPortTrials; i++ {
		port := lo + rand.Intn(span)
		pc, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
		if err != nil {
			continue
		}
		pc.Close()
		return uint16(port), nil
	}
	return 0, abi.New(abi.KindUnrecoverable, "service.selectPorts", fmt.Errorf("no free port in [%d,%d] after %d trials", lo, hi, maxPortTrials))
}

// runLoop is the service thread's main loop, spec.md §4.8 step 4.
func (s *Service) runLoop() error {
	ticker := time.NewTicker(loopTick)
	defer ticker.Stop()

	expected := time.Now()
	lastBinderRefresh := time.Now()
	lastMulticastCheck := time.Now()
	lastInterfaceCheck := time.Now()
	lastPeerGC := time.Now()
	lastPeerStatusCheck := time.Now()
	var nextBGDeadline int64

	for {
		select {
		case <-s.ctx.Done():
			return nil
		case now := <-ticker.C:
			forceRefresh := false
			if now.Sub(expected) > wakeThreshold {
				s.logf("wake from sleep detected (%s gap), forcing binder refresh", now.Sub(expected))
				forceRefresh = true
			}
			expected = now.Add(loopTick)

			if forceRefresh || now.Sub(lastBinderRefresh) >= binderRefreshPeriod {
				if err := s.bnd.Refresh(s.ports, nil, s.cfg.BinderPolicy); err != nil {
					s.logf("binder refresh: %v", err)
				}
				lastBinderRefresh = now
			}

			nowMS := now.UnixMilli()
			if nowMS >= nextBGDeadline {
				next, err := s.node.ProcessBackgroundTasks(nowMS)
				if err != nil && abi.KindOf(err) == abi.KindUnrecoverable {
					return err // onFatal already triggered Terminate
				}
				if next <= nowMS {
					next = nowMS + int64(loopTick/time.Millisecond)
				}
				nextBGDeadline = next
			}

			s.reconcileOnlineStatus()

			if now.Sub(lastPeerStatusCheck) >= peerStatusCheckInterval {
				s.reconcilePeerEvents()
				lastPeerStatusCheck = now
			}

			if now.Sub(lastMulticastCheck) >= tapMulticastCheckInterval {
				s.reconcileMulticast()
				lastMulticastCheck = now
			}

			if now.Sub(lastInterfaceCheck) >= localInterfaceCheckInterval {
				s.reconcileLocalInterfaces()
				lastInterfaceCheck = now
			}

			if now.Sub(lastPeerGC) >= peerGCInterval {
				removed, err := s.fstore.GCPeers(peerGCMaxAge, now)
				if err != nil {
					s.logf("peer gc: %v", err)
				} else if removed > 0 {
					s.logf("peer gc: removed %d stale entries", removed)
				}
				lastPeerGC = now
			}
		}
	}
}

func (s *Service) reconcileMulticast() {
	s.mu.Lock()
	taps := make([]*vtap.Tap, 0, len(s.taps))
	for _, t := range s.taps {
		taps = append(taps, t)
	}
	s.mu.Unlock()

	for _, tap := range taps {
		added, removed := tap.ScanMulticastGroups()
		for _, g := range added {
			if err := s.node.MulticastSubscribe(tap.NetID, g.MAC, g.ADI); err != nil {
				s.logf("multicast subscribe net %016x: %v", tap.NetID, err)
			}
		}
		for _, g := range removed {
			if err := s.node.MulticastUnsubscribe(tap.NetID, g.MAC, g.ADI); err != nil {
				s.logf("multicast unsubscribe net %016x: %v", tap.NetID, err)
			}
		}
	}
}

func (s *Service) reconcileLocalInterfaces() {
	s.node.ClearLocalInterfaceAddresses()
	for _, addr := range s.bnd.LocalAddrs() {
		s.node.AddLocalInterfaceAddress(addr)
	}
}

// reconcileOnlineStatus polls the overlay's online status once per loop
// tick and raises NODE_ONLINE/NODE_OFFLINE on transitions (spec.md §4.8
// step 4's generate_synthetic_events; §5 requires NODE_ONLINE precede any
// NET_OK).
func (s *Service) reconcileOnlineStatus() {
	online := s.node.Online()
	s.mu.Lock()
	changed := online != s.lastOnline
	s.lastOnline = online
	s.mu.Unlock()
	if !changed {
		return
	}
	if online {
		s.eq.Enqueue(events.NodeOnline, nil)
	} else {
		s.eq.Enqueue(events.NodeOffline, nil)
	}
}

// peerReachability classifies a peer snapshot's current path set into the
// PEER_DIRECT/PEER_RELAY/PEER_UNREACHABLE taxonomy (spec.md §3): a
// preferred, non-expired path means a direct route is in use; any other
// live path means traffic is relayed; no live paths means unreachable.
type peerReachability int

const (
	reachUnreachable peerReachability = iota
	reachRelay
	reachDirect
)

func classifyPeerReachability(p overlay.Peer) peerReachability {
	live, preferred := false, false
	for _, path := range p.Paths {
		if path.Expired {
			continue
		}
		live = true
		if path.Preferred {
			preferred = true
		}
	}
	switch {
	case preferred:
		return reachDirect
	case live:
		return reachRelay
	default:
		return reachUnreachable
	}
}

// PeerPath identifies one path of one peer, the payload PEER_PATH_DISCOVERED
// and PEER_PATH_DEAD events carry.
type PeerPath struct {
	NodeID  uint64
	Address netip.AddrPort
}

// reconcilePeerEvents diffs the overlay's current peer snapshot against the
// last one taken, raising PEER_DIRECT/PEER_RELAY/PEER_UNREACHABLE on
// reachability transitions and PEER_PATH_DISCOVERED/PEER_PATH_DEAD on path
// churn (spec.md §4.8 step 4's generate_synthetic_events; §3's ephemeral
// Peer view).
func (s *Service) reconcilePeerEvents() {
	peers := s.node.Peers()
	cur := make(map[uint64]overlay.Peer, len(peers))
	for _, p := range peers {
		cur[p.NodeID] = p
	}

	s.mu.Lock()
	prev := s.lastPeerSnapshot
	s.lastPeerSnapshot = cur
	s.mu.Unlock()

	for id, p := range cur {
		old, existed := prev[id]

		oldPaths := make(map[netip.AddrPort]overlay.Path, len(old.Paths))
		for _, path := range old.Paths {
			oldPaths[path.Address] = path
		}
		curAddrs := make(map[netip.AddrPort]bool, len(p.Paths))
		for _, path := range p.Paths {
			curAddrs[path.Address] = true
			if _, ok := oldPaths[path.Address]; !ok && !path.Expired {
				s.eq.Enqueue(events.PeerPathDiscovered, PeerPath{NodeID: id, Address: path.Address})
			}
		}
		for addr, path := range oldPaths {
			if !curAddrs[addr] && !path.Expired {
				s.eq.Enqueue(events.PeerPathDead, PeerPath{NodeID: id, Address: addr})
			}
		}

		reach := classifyPeerReachability(p)
		oldReach := reachUnreachable
		if existed {
			oldReach = classifyPeerReachability(old)
		}
		if !existed || reach != oldReach {
			switch reach {
			case reachDirect:
				s.eq.Enqueue(events.PeerDirect, id)
			case reachRelay:
				s.eq.Enqueue(events.PeerRelay, id)
			case reachUnreachable:
				s.eq.Enqueue(events.PeerUnreachable, id)
			}
		}
	}
	for id := range prev {
		if _, ok := cur[id]; !ok {
			s.eq.Enqueue(events.PeerUnreachable, id)
		}
	}
}

// isGlobalUnicast reports whether addr is a global-scope address, for the
// UDP receive callback's last_direct_receive_from_global stamp (spec.md
// §4.8).
func isGlobalUnicast(addr netip.Addr) bool {
	return addr.IsValid() && !addr.IsLoopback() && !addr.IsLinkLocalUnicast() &&
		!addr.IsLinkLocalMulticast() && !addr.IsMulticast() && !addr.IsUnspecified()
}

// onWirePacket is the binder's per-datagram callback (spec.md §4.8's "UDP
// receive callback").
func (s *Service) onWirePacket(h binder.Handle, from netip.AddrPort, data []byte) {
	now := time.Now()
	if isGlobalUnicast(from.Addr()) {
		s.mu.Lock()
		s.lastDirectReceiveFromGlobal = now
		s.mu.Unlock()
	}
	localSocket := localSocketID(h)
	if _, err := s.node.ProcessWirePacket(now.UnixMilli(), localSocket, from, data); err != nil {
		s.logf("process_wire_packet from %s: %v", from, err)
	}
}

// localSocketID derives a stable identifier for a binder handle, the
// local_socket value the overlay core's process_wire_packet expects to
// distinguish which bound port a datagram arrived on.
func localSocketID(h binder.Handle) uint64 {
	ap := h.AddrPort()
	return uint64(ap.Port())<<48 ^ addrHash(ap.Addr())
}

func addrHash(a netip.Addr) uint64 {
	var h uint64 = 14695981039346656037
	for _, b := range a.AsSlice() {
		h ^= uint64(b)
		h *= 1099511628211
	}
	return h
}

// onFatal is the overlay facade's fatal-result callback. On the first
// identity collision the colliding secret is saved aside via the state
// store; every fatal result then terminates the service. The handshake is
// not retried and the node is not re-created here.
func (s *Service) onFatal(reason string) {
	if strings.Contains(reason, overlay.ResultFatalErrorIdentityCollision.String()) {
		s.mu.Lock()
		retried := s.identityCollisionRetried
		s.identityCollisionRetried = true
		s.mu.Unlock()
		if !retried {
			if err := s.fstore.SaveAfterCollision(); err != nil {
				s.logf("save identity after collision: %v", err)
			}
		}
	}
	s.Terminate(reason)
}

// onConfig is the virtual-network-config callback (spec.md §4.8's UP /
// CONFIG_UPDATE / DOWN / DESTROY transitions).
func (s *Service) onConfig(op overlay.ConfigOp, cfg overlay.VirtualNetworkConfig) {
	switch op {
	case overlay.ConfigUp:
		s.configUp(cfg)
	case overlay.ConfigUpdate:
		s.configUpdate(cfg)
	case overlay.ConfigDown, overlay.ConfigDestroy:
		s.configDown(cfg, op == overlay.ConfigDestroy)
	}
}

func (s *Service) configUp(cfg overlay.VirtualNetworkConfig) {
	s.mu.Lock()
	if _, exists := s.taps[cfg.NetID]; exists {
		s.mu.Unlock()
		s.configUpdate(cfg)
		return
	}
	tap := vtap.New(cfg.NetID, cfg.MAC, s.eq, s.logf)
	s.taps[cfg.NetID] = tap
	s.mu.Unlock()

	if err := s.driver.AddNetif(tap, cfg.MTU); err != nil {
		s.logf("add netif for net %016x: %v", cfg.NetID, err)
		return
	}
	s.driver.SetOverlaySink(tap, func(now int64, netID uint64, srcMAC, dstMAC [6]byte, etherType, vlanID uint16, payload []byte) error {
		_, err := s.node.ProcessVirtualNetworkFrame(now, netID, srcMAC, dstMAC, etherType, vlanID, payload)
		return err
	})

	var gotV4, gotV6 bool
	for _, cidr := range cfg.AssignedAddresses {
		if err := s.driver.AddAddress(cfg.NetID, cidr); err != nil {
			s.logf("add address %s on net %016x: %v", cidr, cfg.NetID, err)
			continue
		}
		tap.AddIP(cidr)
		if cidr.Addr().Is4() {
			gotV4 = true
		} else {
			gotV6 = true
		}
	}
	tap.ReconcileRoutes(toVtapRoutes(cfg.Routes))

	// NET_READY_* must precede NET_OK (spec.md §5).
	if gotV4 {
		s.eq.Enqueue(events.NetReadyV4, cfg.NetID)
	}
	if gotV6 {
		s.eq.Enqueue(events.NetReadyV6, cfg.NetID)
	}
	s.eq.Enqueue(events.NetUpdate, cfg.NetID)
	if cfg.Status == overlay.NetworkOK {
		s.eq.Enqueue(events.NetOK, cfg.NetID)
	}
}

// toVtapRoutes adapts the overlay facade's route shape to vtap's, the
// plumbing generate_synthetic_events's route diff runs on (spec.md §4.8
// step 4).
func toVtapRoutes(routes []overlay.ConfigRoute) []vtap.Route {
	out := make([]vtap.Route, len(routes))
	for i, r := range routes {
		out[i] = vtap.Route{Target: r.Target, Via: r.Via}
	}
	return out
}

// configUpdate diffs the freshly-delivered assigned-address list against
// the tap's current managed_ips and MTU, adding/removing only what
// changed (spec.md §4.8's sync_managed_stuff).
func (s *Service) configUpdate(cfg overlay.VirtualNetworkConfig) {
	s.mu.Lock()
	tap, ok := s.taps[cfg.NetID]
	s.mu.Unlock()
	if !ok {
		s.configUp(cfg)
		return
	}

	want := make(map[netip.Prefix]bool, len(cfg.AssignedAddresses))
	for _, p := range cfg.AssignedAddresses {
		want[p] = true
	}
	have := tap.IPs()
	haveSet := make(map[netip.Prefix]bool, len(have))
	for _, p := range have {
		haveSet[p] = true
	}

	for _, p := range have {
		if !want[p] {
			if err := s.driver.RemoveAddress(cfg.NetID, p); err != nil {
				s.logf("remove address %s on net %016x: %v", p, cfg.NetID, err)
				continue
			}
			tap.RemoveIP(p)
		}
	}
	hadV4, hadV6 := false, false
	for _, p := range have {
		if p.Addr().Is4() {
			hadV4 = true
		} else {
			hadV6 = true
		}
	}
	var gotNewV4, gotNewV6 bool
	for p := range want {
		if !haveSet[p] {
			if err := s.driver.AddAddress(cfg.NetID, p); err != nil {
				s.logf("add address %s on net %016x: %v", p, cfg.NetID, err)
				continue
			}
			tap.AddIP(p)
			if p.Addr().Is4() {
				gotNewV4 = true
			} else {
				gotNewV6 = true
			}
		}
	}
	tap.SetMTU(cfg.MTU)
	tap.ReconcileRoutes(toVtapRoutes(cfg.Routes))

	if gotNewV4 && !hadV4 {
		s.eq.Enqueue(events.NetReadyV4, cfg.NetID)
	}
	if gotNewV6 && !hadV6 {
		s.eq.Enqueue(events.NetReadyV6, cfg.NetID)
	}
	s.eq.Enqueue(events.NetUpdate, cfg.NetID)
	if cfg.Status == overlay.NetworkOK {
		s.eq.Enqueue(events.NetOK, cfg.NetID)
	}
}

func (s *Service) configDown(cfg overlay.VirtualNetworkConfig, destroy bool) {
	s.mu.Lock()
	_, ok := s.taps[cfg.NetID]
	delete(s.taps, cfg.NetID)
	s.mu.Unlock()
	if !ok {
		return
	}

	s.eq.Enqueue(events.NetDown, cfg.NetID)
	s.driver.RemoveNetif(cfg.NetID)

	if destroy && s.cfg.AllowNetworkCaching {
		if err := s.fstore.DeleteNetworkConfig(cfg.NetID); err != nil {
			s.logf("delete cached config for net %016x: %v", cfg.NetID, err)
		}
	}
}

// Terminate idempotently shuts the service down (spec.md §4.8's
// terminate()): stops the background loop, tears down every tap, closes
// the binder and stack driver, and emits the final NODE_DOWN /
// NODE_FATAL_ERROR event before StackDown. Teardown runs on its own
// goroutine because Terminate may be called from onFatal while the
// service thread's own call stack is invoking the overlay facade -- were
// teardown to wait for the loop inline, that call would wait on itself.
func (s *Service) Terminate(reason string) {
	s.termOnce.Do(func() {
		s.mu.Lock()
		s.termReason = reason
		s.mu.Unlock()
		go s.teardown(reason)
	})
}

func (s *Service) teardown(reason string) {
	s.cancel()
	if err := s.eg.Wait(); err != nil {
		s.logf("service loop exited: %v", err)
	}

	s.mu.Lock()
	for netID := range s.taps {
		s.driver.RemoveNetif(netID)
	}
	s.taps = nil
	s.mu.Unlock()

	s.bnd.CloseAll()
	s.driver.Close()

	if reason != "" {
		s.eq.Enqueue(events.NodeFatalError, reason)
	} else {
		s.eq.Enqueue(events.NodeDown, nil)
	}
	s.eq.Enqueue(events.StackDown, nil)

	s.fstore.Close()
}

// TermReason returns the reason string passed to the first Terminate call,
// or "" if the service is still running or terminated cleanly.
func (s *Service) TermReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.termReason
}
