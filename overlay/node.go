// Package overlay wraps the opaque overlay Node the core treats as a black
// box (spec.md §4.4): cryptographic handshake, world/root consensus, peer
// discovery and wire framing are all external collaborators. This package
// only defines the capability surface the rest of the core calls through,
// translates its ResultCode values into the abi error taxonomy, and
// forwards fatal results to a termination callback, the same polymorphism
// the teacher applies at its tsnet/magicsock boundary ("treat the hard
// cryptographic engine as an interface, drive it from plain Go code").
package overlay

import (
	"net/netip"
	"sync"

	"ztcore.dev/ztcore/abi"
)

// ResultCode mirrors the Node's own result taxonomy (spec.md §4.4); Fatal
// values transition the service to UNRECOVERABLE_ERROR termination.
type ResultCode int

const (
	ResultOK ResultCode = iota
	ResultErrorOutOfMemory
	ResultErrorDataStoreRequired
	ResultErrorNetworkNotFound
	ResultErrorUnsupportedOperation
	ResultErrorBadParameter
	ResultFatalErrorIdentityCollision
	ResultFatalErrorBindFailed
	ResultFatalErrorInternal
)

// IsFatal reports whether r must transition the service to termination,
// per spec.md §4.4 ("is_fatal(code) triggers transition to
// UNRECOVERABLE_ERROR").
func (r ResultCode) IsFatal() bool {
	switch r {
	case ResultFatalErrorIdentityCollision, ResultFatalErrorBindFailed, ResultFatalErrorInternal:
		return true
	default:
		return false
	}
}

// String names the ResultCode, used to qualify the reason string an
// onFatal callback receives so embedders can branch on which fatal
// condition occurred (e.g. identity collision vs. bind failure) without
// this package growing a second callback shape.
func (r ResultCode) String() string {
	switch r {
	case ResultOK:
		return "ok"
	case ResultErrorOutOfMemory:
		return "error_out_of_memory"
	case ResultErrorDataStoreRequired:
		return "error_data_store_required"
	case ResultErrorNetworkNotFound:
		return "error_network_not_found"
	case ResultErrorUnsupportedOperation:
		return "error_unsupported_operation"
	case ResultErrorBadParameter:
		return "error_bad_parameter"
	case ResultFatalErrorIdentityCollision:
		return "fatal_error_identity_collision"
	case ResultFatalErrorBindFailed:
		return "fatal_error_bind_failed"
	case ResultFatalErrorInternal:
		return "fatal_error_internal"
	default:
		return "unknown_result_code"
	}
}

func (r ResultCode) asError(op string) error {
	if r == ResultOK {
		return nil
	}
	kind := abi.KindGeneral
	switch r {
	case ResultErrorOutOfMemory:
		kind = abi.KindResourceExhausted
	case ResultErrorDataStoreRequired:
		kind = abi.KindService
	case ResultErrorNetworkNotFound:
		kind = abi.KindNoResult
	case ResultErrorUnsupportedOperation:
		kind = abi.KindInvalidOp
	case ResultErrorBadParameter:
		kind = abi.KindInvalidArg
	case ResultFatalErrorIdentityCollision, ResultFatalErrorBindFailed, ResultFatalErrorInternal:
		kind = abi.KindUnrecoverable
	}
	return abi.New(kind, op, nil)
}

// PeerRole classifies a peer snapshot (spec.md §3).
type PeerRole int

const (
	RoleLeaf PeerRole = iota
	RoleMoon
	RolePlanet
)

// Path is one observed network path to a peer.
type Path struct {
	Address       netip.AddrPort
	LastSend      int64
	LastRecv      int64
	TrustedPathID uint64
	Expired       bool
	Preferred     bool
}

// Peer is the ephemeral view object spec.md §3 describes, reconstructed
// from the Node on demand and on peer-change events -- never cached by
// this package beyond the call that produced it.
type Peer struct {
	NodeID       uint64
	Role         PeerRole
	VersionMajor int
	VersionMinor int
	VersionRev   int
	LatencyMS    int
	Paths        []Path
}

// FrameHandler receives outbound (src, dst, net_id) Ethernet frames
// destined for the overlay wire -- the virtual tap's outbound path
// (spec.md §4.5) calls into the Node via this shape.
type FrameHandler func(now int64, netID uint64, srcMAC, dstMAC [6]byte, etherType uint16, vlanID uint16, payload []byte) ResultCode

// VirtualNetworkConfig is the config snapshot delivered on UP/CONFIG_UPDATE
// (spec.md §4.8).
type VirtualNetworkConfig struct {
	NetID             uint64
	MAC               [6]byte
	MTU               int
	AssignedAddresses []netip.Prefix
	Routes            []ConfigRoute
	Status            NetworkStatus
}

// ConfigRoute is one managed route the Node pushes down with a config
// transition (spec.md §3); a zero Via marks an interface-local route,
// which vtap.Tap.ReconcileRoutes always ignores.
type ConfigRoute struct {
	Target netip.Prefix
	Via    netip.Addr
}

// NetworkStatus is the per-network lifecycle the Node reports.
type NetworkStatus int

const (
	NetworkRequestingConfig NetworkStatus = iota
	NetworkOK
	NetworkAccessDenied
	NetworkNotFound
	NetworkClientTooOld
)

// VirtualNetworkConfigHandler is invoked on NETWORK_CONFIG's UP /
// CONFIG_UPDATE / DOWN / DESTROY transitions (spec.md §4.8).
type VirtualNetworkConfigHandler func(op ConfigOp, cfg VirtualNetworkConfig)

// ConfigOp enumerates the transition kinds passed to a
// VirtualNetworkConfigHandler.
type ConfigOp int

const (
	ConfigUp ConfigOp = iota
	ConfigUpdate
	ConfigDown
	ConfigDestroy
)

// Node is the capability set spec.md §4.4 requires from the opaque overlay
// core: everything above the wire-packet/crypto boundary that this module
// treats as a black box. A production embedder supplies a concrete
// implementation backed by the actual overlay engine; tests supply a fake.
type Node interface {
	ProcessWirePacket(now int64, localSocket uint64, from netip.AddrPort, data []byte) (nextDeadline int64, code ResultCode)
	ProcessBackgroundTasks(now int64) (nextDeadline int64, code ResultCode)
	ProcessVirtualNetworkFrame(now int64, netID uint64, srcMAC, dstMAC [6]byte, etherType uint16, vlanID uint16, payload []byte) (nextDeadline int64, code ResultCode)

	Join(netID uint64) ResultCode
	Leave(netID uint64) ResultCode
	MulticastSubscribe(netID uint64, mac [6]byte, adi uint32) ResultCode
	MulticastUnsubscribe(netID uint64, mac [6]byte, adi uint32) ResultCode
	Orbit(worldID, seed uint64) ResultCode
	Deorbit(worldID uint64) ResultCode

	Address() uint64
	Online() bool
	Peers() []Peer
	AddLocalInterfaceAddress(addr netip.Addr)
	ClearLocalInterfaceAddresses()
	PRNG() uint64
	Identity() string
	SetLowBandwidthMode(on bool)
}

// Facade wraps a Node, translating ResultCode to abi errors and routing
// config/frame callbacks to the handlers the node service registers.
type Facade struct {
	node Node

	mu           sync.Mutex
	onFatal      func(reason string)
	onConfig     VirtualNetworkConfigHandler
	frameHandler FrameHandler
}

// New wraps node. onFatal is invoked at most once, the first time a Node
// call returns a fatal ResultCode (spec.md §4.4).
func New(node Node, onFatal func(reason string)) *Facade {
	return &Facade{node: node, onFatal: onFatal}
}

// SetVirtualNetworkConfigHandler registers the callback invoked on
// UP/CONFIG_UPDATE/DOWN/DESTROY (spec.md §4.8).
func (f *Facade) SetVirtualNetworkConfigHandler(h VirtualNetworkConfigHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onConfig = h
}

// DeliverVirtualNetworkConfig is called by an embedder-side overlay
// integration when the Node reports a config transition; it fans out to
// the registered handler.
func (f *Facade) DeliverVirtualNetworkConfig(op ConfigOp, cfg VirtualNetworkConfig) {
	f.mu.Lock()
	h := f.onConfig
	f.mu.Unlock()
	if h != nil {
		h(op, cfg)
	}
}

func (f *Facade) checkFatal(code ResultCode, reason string) {
	if !code.IsFatal() {
		return
	}
	f.mu.Lock()
	cb := f.onFatal
	f.onFatal = nil
	f.mu.Unlock()
	if cb != nil {
		cb(reason + ": " + code.String())
	}
}

// ProcessWirePacket forwards an inbound UDP datagram to the Node (spec.md
// §4.8's "UDP receive callback").
func (f *Facade) ProcessWirePacket(now int64, localSocket uint64, from netip.AddrPort, data []byte) (nextDeadline int64, err error) {
	next, code := f.node.ProcessWirePacket(now, localSocket, from, data)
	f.checkFatal(code, "process_wire_packet fatal result")
	return next, code.asError("process_wire_packet")
}

// ProcessBackgroundTasks drives the Node's periodic housekeeping.
func (f *Facade) ProcessBackgroundTasks(now int64) (nextDeadline int64, err error) {
	next, code := f.node.ProcessBackgroundTasks(now)
	f.checkFatal(code, "process_background_tasks fatal result")
	return next, code.asError("process_background_tasks")
}

// ProcessVirtualNetworkFrame forwards an outbound Ethernet frame from a
// virtual tap onto the overlay wire (spec.md §4.5's outbound path).
func (f *Facade) ProcessVirtualNetworkFrame(now int64, netID uint64, srcMAC, dstMAC [6]byte, etherType, vlanID uint16, payload []byte) (nextDeadline int64, err error) {
	next, code := f.node.ProcessVirtualNetworkFrame(now, netID, srcMAC, dstMAC, etherType, vlanID, payload)
	f.checkFatal(code, "process_virtual_network_frame fatal result")
	return next, code.asError("process_virtual_network_frame")
}

// Join requests membership in netID.
func (f *Facade) Join(netID uint64) error {
	code := f.node.Join(netID)
	f.checkFatal(code, "join fatal result")
	return code.asError("join")
}

// Leave withdraws membership from netID.
func (f *Facade) Leave(netID uint64) error {
	return f.node.Leave(netID).asError("leave")
}

// MulticastSubscribe/Unsubscribe mirror the Node's membership calls
// (spec.md §4.5's "Node Service uses the delta to call
// multicast_subscribe/unsubscribe").
func (f *Facade) MulticastSubscribe(netID uint64, mac [6]byte, adi uint32) error {
	return f.node.MulticastSubscribe(netID, mac, adi).asError("multicast_subscribe")
}

func (f *Facade) MulticastUnsubscribe(netID uint64, mac [6]byte, adi uint32) error {
	return f.node.MulticastUnsubscribe(netID, mac, adi).asError("multicast_unsubscribe")
}

// Orbit/Deorbit are thin passthroughs to the Node's root-set management
// (spec.md §9 "world"/moon supplement), matching the original's one-line
// forwards.
func (f *Facade) Orbit(worldID, seed uint64) error {
	return f.node.Orbit(worldID, seed).asError("orbit")
}

func (f *Facade) Deorbit(worldID uint64) error {
	return f.node.Deorbit(worldID).asError("deorbit")
}

// Address returns the node's 40-bit address as a u64.
func (f *Facade) Address() uint64 { return f.node.Address() }

// Online reports whether the Node believes it has established any direct
// or relayed paths.
func (f *Facade) Online() bool { return f.node.Online() }

// Peers returns a point-in-time peer snapshot.
func (f *Facade) Peers() []Peer { return f.node.Peers() }

// AddLocalInterfaceAddress/ClearLocalInterfaceAddresses forward the
// binder's bound-address bookkeeping into the Node (spec.md §4.8's
// LOCAL_INTERFACE_CHECK_INTERVAL step).
func (f *Facade) AddLocalInterfaceAddress(addr netip.Addr) { f.node.AddLocalInterfaceAddress(addr) }
func (f *Facade) ClearLocalInterfaceAddresses()            { f.node.ClearLocalInterfaceAddresses() }

// PRNG exposes the Node's random source for port-selection trials
// (spec.md §4.8 step 2).
func (f *Facade) PRNG() uint64 { return f.node.PRNG() }

// Identity returns a printable identity string, for logs and diagnostics.
func (f *Facade) Identity() string { return f.node.Identity() }

// SetLowBandwidthMode toggles the overlay's low-bandwidth behavior
// (spec.md §9 supplement, ServiceControls.cpp's equivalent).
func (f *Facade) SetLowBandwidthMode(on bool) { f.node.SetLowBandwidthMode(on) }
