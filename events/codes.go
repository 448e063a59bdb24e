package events

// Code is a flat event code, partitioned into ranges per spec §6.
// Numeric assignments are normative for bindings and must not be reordered.
type Code int

const (
	NodeUp Code = 200 + iota
	NodeOnline
	NodeOffline
	NodeDown
	NodeFatalError
	_
	_
	_
	_
	_
)

const (
	NetNotFound Code = 210 + iota
	NetClientTooOld
	NetReqConfig
	NetAccessDenied
	NetDown
	NetUpdate
	NetReadyV4
	NetReadyV6
	NetOK
)

const (
	StackUp Code = 220 + iota
	StackDown
)

const (
	NetifUp Code = 230 + iota
	NetifDown
	NetifRemoved
	NetifLinkUp
	NetifLinkDown
)

const (
	PeerDirect Code = 240 + iota
	PeerRelay
	PeerUnreachable
	PeerPathDiscovered
	PeerPathDead
)

const (
	RouteAdded Code = 250 + iota
	RouteRemoved
)

const (
	AddrAddedV4 Code = 260 + iota
	AddrAddedV6
	AddrRemovedV4
	AddrRemovedV6
)

const (
	StoreIdentityPublic Code = 270 + iota
	StoreIdentitySecret
	StorePlanet
	StorePeer
	StoreNetwork
)

func (c Code) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return "EVENT_UNKNOWN"
}

var codeNames = map[Code]string{
	NodeUp:         "NODE_UP",
	NodeOnline:     "NODE_ONLINE",
	NodeOffline:    "NODE_OFFLINE",
	NodeDown:       "NODE_DOWN",
	NodeFatalError: "NODE_FATAL_ERROR",

	NetNotFound:     "NET_NOT_FOUND",
	NetClientTooOld: "NET_CLIENT_TOO_OLD",
	NetReqConfig:    "NET_REQ_CONFIG",
	NetAccessDenied: "NET_ACCESS_DENIED",
	NetDown:         "NET_DOWN",
	NetUpdate:       "NET_UPDATE",
	NetReadyV4:      "NET_READY_V4",
	NetReadyV6:      "NET_READY_V6",
	NetOK:           "NET_OK",

	StackUp:   "STACK_UP",
	StackDown: "STACK_DOWN",

	NetifUp:       "NETIF_UP",
	NetifDown:     "NETIF_DOWN",
	NetifRemoved:  "NETIF_REMOVED",
	NetifLinkUp:   "NETIF_LINK_UP",
	NetifLinkDown: "NETIF_LINK_DOWN",

	PeerDirect:         "PEER_DIRECT",
	PeerRelay:          "PEER_RELAY",
	PeerUnreachable:    "PEER_UNREACHABLE",
	PeerPathDiscovered: "PEER_PATH_DISCOVERED",
	PeerPathDead:       "PEER_PATH_DEAD",

	RouteAdded:   "ROUTE_ADDED",
	RouteRemoved: "ROUTE_REMOVED",

	AddrAddedV4:   "ADDR_ADDED_V4",
	AddrAddedV6:   "ADDR_ADDED_V6",
	AddrRemovedV4: "ADDR_REMOVED_V4",
	AddrRemovedV6: "ADDR_REMOVED_V6",

	StoreIdentityPublic: "STORE_IDENTITY_PUBLIC",
	StoreIdentitySecret: "STORE_IDENTITY_SECRET",
	StorePlanet:         "STORE_PLANET",
	StorePeer:           "STORE_PEER",
	StoreNetwork:        "STORE_NETWORK",
}

// IsFatal reports whether code is one that an embedder should treat as the
// runtime having stopped for good reason.
func (c Code) IsFatal() bool {
	return c == NodeFatalError
}
