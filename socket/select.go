package socket

import (
	"context"
	"io"
	"time"
)

// selectPollInterval is the façade's standard recheck interval (spec.md
// §4.7's "Blocking discipline": ACCEPT_RECHECK_DELAY/CONNECT_RECHECK_DELAY,
// roughly 50-100 ms).
const selectPollInterval = 75 * time.Millisecond

// Select monitors readFDs/writeFDs/exceptFDs for readiness, honouring
// timeout (spec.md §5's select row): timeout < 0 blocks until something is
// ready or ctx is done; timeout == 0 checks once and returns immediately;
// timeout > 0 bounds the wait. An unknown fd in any set reports bad_fd
// before any waiting begins.
func (t *Table) Select(ctx context.Context, readFDs, writeFDs, exceptFDs []int, timeout time.Duration) (readyRead, readyWrite, readyExcept []int, err error) {
	for _, fd := range readFDs {
		if _, err := t.get(fd); err != nil {
			return nil, nil, nil, err
		}
	}
	for _, fd := range writeFDs {
		if _, err := t.get(fd); err != nil {
			return nil, nil, nil, err
		}
	}
	for _, fd := range exceptFDs {
		if _, err := t.get(fd); err != nil {
			return nil, nil, nil, err
		}
	}

	var deadline time.Time
	hasDeadline := timeout > 0
	if hasDeadline {
		deadline = time.Now().Add(timeout)
	}

	for {
		readyRead = readyRead[:0]
		for _, fd := range readFDs {
			if t.readable(fd) {
				readyRead = append(readyRead, fd)
			}
		}
		readyWrite = readyWrite[:0]
		for _, fd := range writeFDs {
			if t.writable(fd) {
				readyWrite = append(readyWrite, fd)
			}
		}
		readyExcept = readyExcept[:0]
		for _, fd := range exceptFDs {
			if t.exceptional(fd) {
				readyExcept = append(readyExcept, fd)
			}
		}
		if len(readyRead)+len(readyWrite)+len(readyExcept) > 0 {
			return readyRead, readyWrite, readyExcept, nil
		}
		if timeout == 0 {
			return nil, nil, nil, nil
		}
		if len(readFDs)+len(writeFDs)+len(exceptFDs) == 0 {
			// Nothing to monitor; honour the timeout on its own rather
			// than waiting out a full poll tick (spec.md §8's all-zero
			// fd_set boundary case: "a 1 ms timeout returns 0 in 1 ms ±").
			if !hasDeadline {
				<-ctx.Done()
				return nil, nil, nil, nil
			}
			select {
			case <-ctx.Done():
			case <-time.After(timeout):
			}
			return nil, nil, nil, nil
		}

		wait := selectPollInterval
		if hasDeadline {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return nil, nil, nil, nil
			}
			if remaining < wait {
				wait = remaining
			}
		}
		select {
		case <-ctx.Done():
			return nil, nil, nil, nil
		case <-time.After(wait):
		}
	}
}

// readable reports whether fd has data (or an end condition) available
// without blocking. For a connected stream/dgram socket this probes the
// underlying conn with an already-elapsed read deadline; any bytes it
// reads are stashed on the record so a subsequent Recv/RecvFrom still
// observes them exactly once.
func (t *Table) readable(fd int) bool {
	r, err := t.get(fd)
	if err != nil {
		return false
	}
	r.mu.Lock()
	if r.state == StateListening {
		ready := len(r.acceptQ) > 0
		r.mu.Unlock()
		return ready
	}
	if len(r.pending) > 0 || r.pendingDgram != nil {
		r.mu.Unlock()
		return true
	}
	tcpConn, udpConn := r.tcpConn, r.udpConn
	r.mu.Unlock()

	switch {
	case tcpConn != nil:
		tcpConn.SetReadDeadline(time.Now())
		buf := make([]byte, 4096)
		n, rerr := tcpConn.Read(buf)
		tcpConn.SetReadDeadline(time.Time{})
		if n > 0 {
			r.mu.Lock()
			r.pending = append(r.pending, buf[:n]...)
			r.mu.Unlock()
			return true
		}
		return rerr == io.EOF
	case udpConn != nil:
		udpConn.SetReadDeadline(time.Now())
		buf := make([]byte, 65535)
		n, from, rerr := udpConn.ReadFrom(buf)
		udpConn.SetReadDeadline(time.Time{})
		if rerr != nil {
			return false
		}
		r.mu.Lock()
		sender := r.peer
		if a, ok := addrPortOf(from); ok {
			sender = a
		}
		r.pendingDgram = &pendingDatagram{data: append([]byte(nil), buf[:n]...), from: sender}
		r.mu.Unlock()
		return true
	default:
		return false
	}
}

// writable reports whether fd can currently accept a send without
// blocking. A connecting stream socket (spec.md §4.7's non-blocking
// connect) becomes writable once its background dial resolves
// successfully.
func (t *Table) writable(fd int) bool {
	r, err := t.get(fd)
	if err != nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.state {
	case StateConnected:
		return true
	case StateConnecting:
		if r.connDone == nil {
			return false
		}
		select {
		case <-r.connDone:
			return r.connErr == nil && r.state == StateConnected
		default:
			return false
		}
	default:
		return false
	}
}

// exceptional reports whether fd has hit an error condition select's
// caller should be told about -- currently just a failed non-blocking
// connect (spec.md §4.7 doesn't model out-of-band data for this façade).
func (t *Table) exceptional(fd int) bool {
	r, err := t.get(fd)
	if err != nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.connDone == nil {
		return false
	}
	select {
	case <-r.connDone:
		return r.connErr != nil
	default:
		return false
	}
}
