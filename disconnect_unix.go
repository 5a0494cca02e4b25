//go:build linux || darwin || freebsd || netbsd || openbsd

package fakesmtp

import (
	"context"
	"crypto/tls"
	"net"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

const peerPollInterval = 200 * time.Millisecond

func rawConn(conn net.Conn) (net.Conn, syscall.RawConn, bool) {
	if tc, ok := conn.(*tls.Conn); ok {
		conn = tc.NetConn()
	}
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return nil, nil, false
	}
	rc, err := sc.SyscallConn()
	if err != nil {
		return nil, nil, false
	}
	return conn, rc, true
}

// peerGone peeks at the socket without consuming anything. It blocks until
// the socket is readable or its read deadline passes.
func peerGone(rc syscall.RawConn) (gone bool, err error) {
	var buf [1]byte
	err = rc.Read(func(fd uintptr) bool {
		n, _, rerr := unix.Recvfrom(int(fd), buf[:], unix.MSG_PEEK|unix.MSG_DONTWAIT)
		switch {
		case rerr == unix.EAGAIN || rerr == unix.EINTR:
			return false
		case rerr != nil || n == 0:
			gone = true
		}
		return true
	})
	return gone, err
}

// watchDisconnect calls cancel as soon as the peer closes or resets conn.
// Pipelined bytes stay in the kernel buffer for go-smtp to read; while some
// are pending the socket is polled instead. The returned stop func ends the
// watch and must be called before go-smtp reads from conn again.
func watchDisconnect(conn net.Conn, cancel context.CancelFunc) (stop func()) {
	base, rc, ok := rawConn(conn)
	if !ok {
		return func() {}
	}
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		for {
			gone, err := peerGone(rc)
			if gone {
				cancel()
				return
			}
			if err != nil {
				return
			}
			select {
			case <-done:
				return
			case <-time.After(peerPollInterval):
			}
		}
	}()
	return func() {
		close(done)
		// wakes a blocked peek; go-smtp sets its own deadline before reading
		_ = base.SetReadDeadline(time.Now())
		<-stopped
		_ = base.SetReadDeadline(time.Time{})
	}
}
