// Package socket is the socket façade (spec.md §4.7): a file-descriptor
// table mapping BSD-shaped calls onto the stack driver's gonet connections,
// enforcing the state machine, blocking discipline and option set spec.md
// §5 describes for a socket record.
//
// Blocking is implemented the way spec.md §9's redesign flag prescribes --
// a channel a stack-thread callback signals, with the timeout as the wake
// bound -- rather than the original's 100ms accept-recheck poll loop.
package socket

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"

	"ztcore.dev/ztcore/abi"
	"ztcore.dev/ztcore/netstack"
	"ztcore.dev/ztcore/types/logger"
)

// Family is a socket address family.
type Family int

const (
	FamilyV4 Family = iota
	FamilyV6
)

// FamilyFromWire converts the C-ABI's canonical family constant
// (abi.FamilyINET / abi.FamilyINET6) to a Family, for a binding layer
// translating a zts_socket(family, ...) call.
func FamilyFromWire(wire int) (Family, error) {
	switch wire {
	case abi.FamilyINET:
		return FamilyV4, nil
	case abi.FamilyINET6:
		return FamilyV6, nil
	default:
		return 0, abi.New(abi.KindInvalidArg, "socket", fmt.Errorf("unknown address family %d", wire))
	}
}

// Wire returns f's canonical C-ABI family constant.
func (f Family) Wire() int {
	if f == FamilyV6 {
		return abi.FamilyINET6
	}
	return abi.FamilyINET
}

// Type is a socket type.
type Type int

const (
	TypeStream Type = iota
	TypeDgram
	TypeRaw
)

// State is a socket record's lifecycle state (spec.md §5).
type State int

const (
	StateInactive State = iota
	StateBound
	StateConnecting
	StateConnected
	StateListening
	StateShutdownW
	StateShutdownRW
	StateClosed
)

// ShutHow selects the direction(s) shutdown disables.
type ShutHow int

const (
	ShutRD ShutHow = iota
	ShutWR
	ShutRDWR
)

const maxBacklog = 128

// Options holds the setsockopt/getsockopt-able state spec.md §5's table
// names (SO_LINGER, SO_REUSEADDR, SO_KEEPALIVE, SO_SNDBUF, SO_RCVBUF,
// SO_SNDTIMEO, SO_RCVTIMEO, TCP_NODELAY, IP_TTL).
type Options struct {
	LingerEnabled bool
	LingerSeconds int
	ReuseAddr     bool
	Keepalive     bool
	SndBuf        int
	RcvBuf        int
	SndTimeo      time.Duration
	RcvTimeo      time.Duration
	TCPNoDelay    bool
	IPTTL         int
}

// pendingDatagram is one datagram RecvFrom hasn't yet been called to
// collect, set aside by a Select readability probe so the datagram is
// reported exactly once.
type pendingDatagram struct {
	data []byte
	from netip.AddrPort
}

// Record is one entry of the socket façade's file-descriptor table
// (spec.md §5's "Socket record").
type Record struct {
	fd       int
	family   Family
	typ      Type
	protocol int

	mu        sync.Mutex
	state     State
	local     netip.AddrPort
	peer      netip.AddrPort
	opts      Options
	blocking  bool
	tcpConn   *gonet.TCPConn
	udpConn   *gonet.UDPConn
	acceptQ   chan *Record
	closeOnce sync.Once

	// pending holds stream bytes a Select readability probe already read
	// off tcpConn; Recv drains this before reading the conn again so every
	// byte is still delivered exactly once.
	pending []byte
	// pendingDgram holds a datagram a Select readability probe already
	// read off udpConn, for the same reason.
	pendingDgram *pendingDatagram

	// connDone/connErr back a non-blocking stream connect (spec.md §4.7's
	// "stream non-blocking: returns in_progress"): connDone closes once the
	// background dial resolves, connErr holds its result.
	connDone chan struct{}
	connErr  error
}

func (r *Record) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

func (r *Record) getState() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Table is the socket façade's fd table, one per node service instance.
type Table struct {
	driver *netstack.Driver
	logf   logger.Logf

	// tapAddr resolves the any-addr bind case to the first tap address of
	// the requested family (spec.md §5's bind contract).
	tapAddr func(v6 bool) (netip.Addr, bool)

	mu        sync.Mutex
	nextFD    int
	records   map[int]*Record
	listeners map[netip.AddrPort]*Record
}

// NewTable creates a Table wired to driver, using tapAddr to resolve
// any-addr binds. tapAddr may be nil if the caller never binds to the
// wildcard address.
func NewTable(driver *netstack.Driver, tapAddr func(v6 bool) (netip.Addr, bool), logf logger.Logf) *Table {
	if logf == nil {
		logf = logger.Discard
	}
	t := &Table{
		driver:    driver,
		tapAddr:   tapAddr,
		logf:      logger.WithPrefix(logf, "socket: "),
		nextFD:    3, // leave 0-2 looking like stdio, matching BSD convention
		records:   make(map[int]*Record),
		listeners: make(map[netip.AddrPort]*Record),
	}
	driver.SetAcceptHandler(t.onAccept)
	return t
}

// Socket creates a new record in the inactive state (spec.md §5's
// socket(family, type, proto) row).
func (t *Table) Socket(family Family, typ Type, protocol int) (int, error) {
	if typ != TypeStream && typ != TypeDgram && typ != TypeRaw {
		return -1, abi.New(abi.KindInvalidArg, "socket", nil)
	}
	r := &Record{family: family, typ: typ, protocol: protocol, state: StateInactive, blocking: true}

	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.records) >= maxRecords {
		return -1, abi.New(abi.KindResourceExhausted, "socket", nil)
	}
	fd := t.nextFD
	t.nextFD++
	r.fd = fd
	t.records[fd] = r
	return fd, nil
}

// maxRecords bounds the PCB pool per spec.md §8's "socket returns
// resource_exhausted when the PCB pool is full" acceptance criterion.
const maxRecords = 4096

func (t *Table) get(fd int) (*Record, error) {
	t.mu.Lock()
	r, ok := t.records[fd]
	t.mu.Unlock()
	if !ok {
		return nil, abi.New(abi.KindBadFD, "lookup", nil)
	}
	return r, nil
}

// Bind assigns a local address to fd (spec.md §5's bind row). The
// zero-value Addr in addr means "any", resolved to the first tap address
// of the record's family.
func (t *Table) Bind(fd int, addr netip.AddrPort) error {
	r, err := t.get(fd)
	if err != nil {
		return err
	}
	a := addr.Addr()
	if !a.IsValid() {
		if t.tapAddr == nil {
			return abi.New(abi.KindNoRoute, "bind", nil)
		}
		resolved, ok := t.tapAddr(r.family == FamilyV6)
		if !ok {
			return abi.New(abi.KindNoRoute, "bind", nil)
		}
		a = resolved
	}
	if (r.family == FamilyV6) != (a.Is6() && !a.Is4In6()) {
		return abi.New(abi.KindInvalidArg, "bind", fmt.Errorf("address family mismatch"))
	}

	r.mu.Lock()
	if r.state != StateInactive {
		r.mu.Unlock()
		return abi.New(abi.KindInvalidOp, "bind", nil)
	}
	r.local = netip.AddrPortFrom(a, addr.Port())
	r.state = StateBound
	r.mu.Unlock()

	if r.typ == TypeDgram {
		conn, err := t.driver.ListenUDP(r.local)
		if err != nil {
			r.setState(StateInactive)
			return abi.New(abi.KindNoRoute, "bind", err)
		}
		r.mu.Lock()
		r.udpConn = conn
		if addr.Port() == 0 {
			if lp, ok := conn.LocalAddr().(*net.UDPAddr); ok {
				r.local = netip.AddrPortFrom(a, uint16(lp.Port))
			}
		}
		r.mu.Unlock()
	}
	return nil
}

// Connect opens fd's stream or sets its dgram peer (spec.md §5's connect
// row). Stream connects block until the handshake completes or ctx is
// done; callers pass a context with SO_SNDTIMEO/SO_RCVTIMEO-derived
// deadlines for non-blocking emulation.
func (t *Table) Connect(ctx context.Context, fd int, addr netip.AddrPort) error {
	r, err := t.get(fd)
	if err != nil {
		return err
	}
	switch r.typ {
	case TypeStream:
		r.mu.Lock()
		blocking := r.blocking
		r.mu.Unlock()
		if !blocking {
			return t.connectNonBlocking(r, addr)
		}
		r.setState(StateConnecting)
		conn, err := t.driver.DialContextTCP(ctx, addr)
		if err != nil {
			r.setState(StateInactive)
			return abi.New(abi.KindConnRefused, "connect", err)
		}
		r.mu.Lock()
		r.tcpConn = conn
		r.peer = addr
		r.state = StateConnected
		r.mu.Unlock()
		return nil
	case TypeDgram:
		r.mu.Lock()
		if r.udpConn == nil {
			r.mu.Unlock()
			conn, err := t.driver.DialContextUDP(ctx, addr)
			if err != nil {
				return abi.New(abi.KindConnRefused, "connect", err)
			}
			r.mu.Lock()
			r.udpConn = conn
		}
		r.peer = addr
		r.state = StateConnected
		r.mu.Unlock()
		return nil
	default:
		return abi.New(abi.KindInvalidOp, "connect", nil)
	}
}

// connectNonBlocking starts the TCP handshake in the background and
// reports in-progress immediately (mapped onto would_block, the nearest
// kind the abstract taxonomy has), matching spec.md §4.7's "stream
// non-blocking: returns in_progress". Select observes completion through
// r.connDone/r.connErr.
func (t *Table) connectNonBlocking(r *Record, addr netip.AddrPort) error {
	r.mu.Lock()
	if r.state != StateInactive && r.state != StateBound {
		r.mu.Unlock()
		return abi.New(abi.KindInvalidOp, "connect", nil)
	}
	r.state = StateConnecting
	done := make(chan struct{})
	r.connDone = done
	r.mu.Unlock()

	go func() {
		conn, err := t.driver.DialContextTCP(context.Background(), addr)
		r.mu.Lock()
		if err != nil {
			r.state = StateInactive
			r.connErr = abi.New(abi.KindConnRefused, "connect", err)
		} else {
			r.tcpConn = conn
			r.peer = addr
			r.state = StateConnected
		}
		r.mu.Unlock()
		close(done)
	}()

	return abi.New(abi.KindWouldBlock, "connect", nil)
}

// Listen transitions fd to listening, registering it for inbound-accept
// demux (spec.md §5's listen row; backlog clamped to <=128).
func (t *Table) Listen(fd int, backlog int) error {
	r, err := t.get(fd)
	if err != nil {
		return err
	}
	if r.typ != TypeStream {
		return abi.New(abi.KindInvalidOp, "listen", nil)
	}
	r.mu.Lock()
	if r.state != StateBound {
		r.mu.Unlock()
		return abi.New(abi.KindInvalidOp, "listen", nil)
	}
	if backlog <= 0 {
		backlog = 1
	}
	if backlog > maxBacklog {
		backlog = maxBacklog
	}
	r.acceptQ = make(chan *Record, backlog)
	r.state = StateListening
	local := r.local
	r.mu.Unlock()

	t.mu.Lock()
	t.listeners[local] = r
	t.mu.Unlock()
	return nil
}

// onAccept is netstack.AcceptHandler: it demuxes an inbound TCP connection
// to the listening record bound to its local address, dropping it if no
// socket is listening there or that record's accept_queue is full.
func (t *Table) onAccept(conn *gonet.TCPConn, local, remote netip.AddrPort) {
	t.mu.Lock()
	listener, ok := t.listeners[local]
	t.mu.Unlock()
	if !ok {
		conn.Close()
		return
	}

	child := &Record{
		fd:      -1,
		family:  listener.family,
		typ:     TypeStream,
		state:   StateConnected,
		local:   local,
		peer:    remote,
		tcpConn: conn,
	}

	select {
	case listener.acceptQ <- child:
	default:
		t.logf("accept queue full for %v, dropping connection from %v", local, remote)
		conn.Close()
	}
}

// Accept returns the next connection from fd's accept_queue (spec.md §5's
// accept row). Blocking sockets wait until one arrives; non-blocking
// sockets return would_block immediately when the queue is empty.
func (t *Table) Accept(fd int) (int, netip.AddrPort, error) {
	r, err := t.get(fd)
	if err != nil {
		return -1, netip.AddrPort{}, err
	}
	r.mu.Lock()
	if r.state != StateListening {
		r.mu.Unlock()
		return -1, netip.AddrPort{}, abi.New(abi.KindInvalidOp, "accept", nil)
	}
	q := r.acceptQ
	blocking := r.blocking
	r.mu.Unlock()

	var child *Record
	if blocking {
		child = <-q
	} else {
		select {
		case child = <-q:
		default:
			return -1, netip.AddrPort{}, abi.New(abi.KindWouldBlock, "accept", nil)
		}
	}

	t.mu.Lock()
	if len(t.records) >= maxRecords {
		t.mu.Unlock()
		child.tcpConn.Close()
		return -1, netip.AddrPort{}, abi.New(abi.KindResourceExhausted, "accept", nil)
	}
	newFD := t.nextFD
	t.nextFD++
	child.fd = newFD
	t.records[newFD] = child
	t.mu.Unlock()

	return newFD, child.peer, nil
}

// Send writes to fd's connected peer (spec.md §5's send row).
func (t *Table) Send(fd int, b []byte) (int, error) {
	r, err := t.get(fd)
	if err != nil {
		return 0, err
	}
	r.mu.Lock()
	state, tcpConn, udpConn, timeo := r.state, r.tcpConn, r.udpConn, r.opts.SndTimeo
	r.mu.Unlock()
	if state == StateShutdownW || state == StateShutdownRW {
		return 0, abi.New(abi.KindBrokenPipe, "send", nil)
	}
	if state != StateConnected {
		return 0, abi.New(abi.KindNotConnected, "send", nil)
	}
	switch {
	case tcpConn != nil:
		setWriteDeadline(tcpConn, timeo)
		n, err := tcpConn.Write(b)
		return n, wrapIOErr("send", err)
	case udpConn != nil:
		setWriteDeadline(udpConn, timeo)
		n, err := udpConn.Write(b)
		return n, wrapIOErr("send", err)
	default:
		return 0, abi.New(abi.KindNotConnected, "send", nil)
	}
}

// Recv reads from fd's connected peer (spec.md §5's recv row). For TCP,
// bytes arrive in peer-send order; for UDP each call returns one datagram.
func (t *Table) Recv(fd int, b []byte) (int, error) {
	r, err := t.get(fd)
	if err != nil {
		return 0, err
	}
	r.mu.Lock()
	if len(r.pending) > 0 {
		n := copy(b, r.pending)
		r.pending = r.pending[n:]
		r.mu.Unlock()
		return n, nil
	}
	state, tcpConn, udpConn, timeo := r.state, r.tcpConn, r.udpConn, r.opts.RcvTimeo
	r.mu.Unlock()
	if state != StateConnected && state != StateShutdownW {
		return 0, abi.New(abi.KindNotConnected, "recv", nil)
	}
	switch {
	case tcpConn != nil:
		setReadDeadline(tcpConn, timeo)
		n, err := tcpConn.Read(b)
		return n, wrapIOErr("recv", err)
	case udpConn != nil:
		setReadDeadline(udpConn, timeo)
		n, err := udpConn.Read(b)
		return n, wrapIOErr("recv", err)
	default:
		return 0, abi.New(abi.KindNotConnected, "recv", nil)
	}
}

// SendTo sends a single datagram to addr (spec.md §5's sendto row; dgram
// sockets only).
func (t *Table) SendTo(fd int, b []byte, addr netip.AddrPort) (int, error) {
	r, err := t.get(fd)
	if err != nil {
		return 0, err
	}
	if r.typ != TypeDgram {
		return 0, abi.New(abi.KindInvalidOp, "sendto", nil)
	}
	r.mu.Lock()
	udpConn := r.udpConn
	r.mu.Unlock()
	if udpConn == nil {
		if err := t.Bind(fd, netip.AddrPort{}); err != nil {
			return 0, err
		}
		r.mu.Lock()
		udpConn = r.udpConn
		r.mu.Unlock()
	}
	n, err := udpConn.WriteTo(b, fullAddr(addr))
	return n, wrapIOErr("sendto", err)
}

// RecvFrom returns one datagram and its sender (spec.md §5's recvfrom
// row). Calling RecvFrom on a socket already connected via Connect is
// allowed rather than rejected. The reported sender is the datagram's
// source address; the connected peer is reported only when that source
// cannot be resolved to an address and port.
func (t *Table) RecvFrom(fd int, b []byte) (int, netip.AddrPort, error) {
	r, err := t.get(fd)
	if err != nil {
		return 0, netip.AddrPort{}, err
	}
	if r.typ != TypeDgram {
		return 0, netip.AddrPort{}, abi.New(abi.KindInvalidOp, "recvfrom", nil)
	}
	r.mu.Lock()
	if r.pendingDgram != nil {
		dg := r.pendingDgram
		r.pendingDgram = nil
		r.mu.Unlock()
		n := copy(b, dg.data)
		return n, dg.from, nil
	}
	udpConn, peer := r.udpConn, r.peer
	r.mu.Unlock()
	if udpConn == nil {
		return 0, netip.AddrPort{}, abi.New(abi.KindNotConnected, "recvfrom", nil)
	}
	n, from, err := udpConn.ReadFrom(b)
	if err != nil {
		return 0, netip.AddrPort{}, wrapIOErr("recvfrom", err)
	}
	sender := peer
	if a, ok := addrPortOf(from); ok {
		sender = a
	}
	return n, sender, nil
}

// Close marks fd for teardown (spec.md §5's close row). If SO_LINGER is
// set and writes are pending, it blocks up to the linger timeout.
func (t *Table) Close(fd int) error {
	r, err := t.get(fd)
	if err != nil {
		return err
	}
	r.mu.Lock()
	linger, lingerSecs := r.opts.LingerEnabled, r.opts.LingerSeconds
	tcpConn, udpConn := r.tcpConn, r.udpConn
	local := r.local
	r.state = StateClosed
	r.mu.Unlock()

	r.closeOnce.Do(func() {
		if linger && lingerSecs > 0 && tcpConn != nil {
			tcpConn.SetDeadline(time.Now().Add(time.Duration(lingerSecs) * time.Second))
		}
		if tcpConn != nil {
			tcpConn.Close()
		}
		if udpConn != nil {
			udpConn.Close()
		}
	})

	t.mu.Lock()
	delete(t.records, fd)
	if listener, ok := t.listeners[local]; ok && listener == r {
		delete(t.listeners, local)
	}
	t.mu.Unlock()
	return nil
}

// Shutdown disables fd's read and/or write direction (spec.md §5's
// shutdown row; connected stream sockets only).
func (t *Table) Shutdown(fd int, how ShutHow) error {
	r, err := t.get(fd)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateConnected && r.state != StateShutdownW {
		return abi.New(abi.KindNotConnected, "shutdown", nil)
	}
	if r.tcpConn == nil {
		return abi.New(abi.KindNotConnected, "shutdown", nil)
	}
	var mode gonetShutdownMode
	switch how {
	case ShutRD:
		mode = shutdownRead
	case ShutWR:
		mode = shutdownWrite
		r.state = StateShutdownW
	case ShutRDWR:
		mode = shutdownReadWrite
		r.state = StateShutdownRW
	default:
		return abi.New(abi.KindInvalidArg, "shutdown", nil)
	}
	return shutdownConn(r.tcpConn, mode)
}

// Fcntl implements F_GETFL/F_SETFL, honouring only O_NONBLOCK (spec.md
// §5's fcntl row).
func (t *Table) Fcntl(fd int, getfl bool, nonblock bool) (bool, error) {
	r, err := t.get(fd)
	if err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if getfl {
		return !r.blocking, nil
	}
	r.blocking = !nonblock
	return !r.blocking, nil
}

// SetSockOpt applies one of the supported options (spec.md §5's
// setsockopt/getsockopt row). Unknown names report no_protoopt.
func (t *Table) SetSockOpt(fd int, name string, value any) error {
	r, err := t.get(fd)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	switch name {
	case "SO_LINGER":
		secs, ok := value.(int)
		if !ok {
			return abi.New(abi.KindInvalidArg, "setsockopt", nil)
		}
		r.opts.LingerEnabled = secs >= 0
		r.opts.LingerSeconds = secs
	case "SO_REUSEADDR":
		v, ok := value.(bool)
		if !ok {
			return abi.New(abi.KindInvalidArg, "setsockopt", nil)
		}
		r.opts.ReuseAddr = v
	case "SO_KEEPALIVE":
		v, ok := value.(bool)
		if !ok {
			return abi.New(abi.KindInvalidArg, "setsockopt", nil)
		}
		r.opts.Keepalive = v
	case "SO_SNDBUF":
		v, ok := value.(int)
		if !ok {
			return abi.New(abi.KindInvalidArg, "setsockopt", nil)
		}
		r.opts.SndBuf = v
	case "SO_RCVBUF":
		v, ok := value.(int)
		if !ok {
			return abi.New(abi.KindInvalidArg, "setsockopt", nil)
		}
		r.opts.RcvBuf = v
	case "SO_SNDTIMEO":
		v, ok := value.(time.Duration)
		if !ok {
			return abi.New(abi.KindInvalidArg, "setsockopt", nil)
		}
		r.opts.SndTimeo = v
	case "SO_RCVTIMEO":
		v, ok := value.(time.Duration)
		if !ok {
			return abi.New(abi.KindInvalidArg, "setsockopt", nil)
		}
		r.opts.RcvTimeo = v
	case "TCP_NODELAY":
		v, ok := value.(bool)
		if !ok {
			return abi.New(abi.KindInvalidArg, "setsockopt", nil)
		}
		r.opts.TCPNoDelay = v
	case "IP_TTL":
		v, ok := value.(int)
		if !ok {
			return abi.New(abi.KindInvalidArg, "setsockopt", nil)
		}
		r.opts.IPTTL = v
	default:
		return abi.New(abi.KindNoProtoOpt, "setsockopt", nil)
	}
	return nil
}

// GetSockOpt returns the current value of name (spec.md §5's getsockopt
// row). Unknown names report no_protoopt.
func (t *Table) GetSockOpt(fd int, name string) (any, error) {
	r, err := t.get(fd)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	switch name {
	case "SO_LINGER":
		return r.opts.LingerSeconds, nil
	case "SO_REUSEADDR":
		return r.opts.ReuseAddr, nil
	case "SO_KEEPALIVE":
		return r.opts.Keepalive, nil
	case "SO_SNDBUF":
		return r.opts.SndBuf, nil
	case "SO_RCVBUF":
		return r.opts.RcvBuf, nil
	case "SO_SNDTIMEO":
		return r.opts.SndTimeo, nil
	case "SO_RCVTIMEO":
		return r.opts.RcvTimeo, nil
	case "TCP_NODELAY":
		return r.opts.TCPNoDelay, nil
	case "IP_TTL":
		return r.opts.IPTTL, nil
	default:
		return nil, abi.New(abi.KindNoProtoOpt, "getsockopt", nil)
	}
}

// State reports fd's current lifecycle state, mainly for tests and
// select()-style polling built atop the façade.
func (t *Table) State(fd int) (State, error) {
	r, err := t.get(fd)
	if err != nil {
		return 0, err
	}
	return r.getState(), nil
}

// Count returns the number of live sockets, for a metrics gauge.
func (t *Table) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}
