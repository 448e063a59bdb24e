package socket

import (
	"io"
	"net"
	"net/netip"
	"time"

	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"

	"ztcore.dev/ztcore/abi"
)

func fullAddr(ap netip.AddrPort) net.Addr {
	return &net.UDPAddr{IP: ap.Addr().AsSlice(), Port: int(ap.Port())}
}

func addrPortOf(a net.Addr) (netip.AddrPort, bool) {
	ua, ok := a.(*net.UDPAddr)
	if !ok {
		return netip.AddrPort{}, false
	}
	ip, ok := netip.AddrFromSlice(ua.IP)
	if !ok {
		return netip.AddrPort{}, false
	}
	return netip.AddrPortFrom(ip.Unmap(), uint16(ua.Port)), true
}

type readDeadliner interface{ SetReadDeadline(time.Time) error }
type writeDeadliner interface{ SetWriteDeadline(time.Time) error }

func setReadDeadline(c readDeadliner, timeo time.Duration) {
	if timeo <= 0 {
		c.SetReadDeadline(time.Time{})
		return
	}
	c.SetReadDeadline(time.Now().Add(timeo))
}

func setWriteDeadline(c writeDeadliner, timeo time.Duration) {
	if timeo <= 0 {
		c.SetWriteDeadline(time.Time{})
		return
	}
	c.SetWriteDeadline(time.Now().Add(timeo))
}

// gonetShutdownMode mirrors the how ∈ {rd, wr, rdwr} of spec.md §5's
// shutdown row.
type gonetShutdownMode int

const (
	shutdownRead gonetShutdownMode = iota
	shutdownWrite
	shutdownReadWrite
)

func shutdownConn(conn *gonet.TCPConn, mode gonetShutdownMode) error {
	switch mode {
	case shutdownRead:
		return conn.CloseRead()
	case shutdownWrite:
		return conn.CloseWrite()
	case shutdownReadWrite:
		return conn.Close()
	default:
		return nil
	}
}

// wrapIOErr translates a gonet I/O error into the abstract taxonomy
// (spec.md §7). A clean EOF is reported as (0, nil) rather than an error,
// matching spec.md acceptance criterion 5: "peer recv returns 0 exactly
// once" after a graceful shutdown, not an error.
func wrapIOErr(op string, err error) error {
	if err == nil || err == io.EOF {
		return nil
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return abi.New(abi.KindTimeout, op, err)
	}
	return abi.New(abi.KindReset, op, err)
}
