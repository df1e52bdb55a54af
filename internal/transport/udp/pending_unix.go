//go:build linux || darwin

package udp

import (
	"net"

	"golang.org/x/sys/unix"
)

// datagramReady reports whether a datagram waits on the socket. The byte
// count query says 0 for an empty queue and for a zero-length datagram at
// its head, so a zero count is settled with a non-blocking peek.
func datagramReady(c *net.UDPConn) (bool, error) {
	raw, err := c.SyscallConn()
	if err != nil {
		return false, err
	}
	var (
		ready bool
		qerr  error
		buf   [1]byte
	)
	err = raw.Control(func(fd uintptr) {
		n, ierr := unix.IoctlGetInt(int(fd), pendingRequest)
		if ierr != nil {
			qerr = ierr
			return
		}
		if n > 0 {
			ready = true
			return
		}
		_, _, perr := unix.Recvfrom(int(fd), buf[:], unix.MSG_PEEK|unix.MSG_DONTWAIT)
		switch {
		case perr == nil:
			ready = true
		case perr == unix.EAGAIN || perr == unix.EWOULDBLOCK || perr == unix.EINTR:
		default:
			qerr = perr
		}
	})
	if err != nil {
		return false, err
	}
	return ready, qerr
}
