//go:build linux || darwin

package tcp

import (
	"io"
	"net"

	"golang.org/x/sys/unix"
)

// peerGone peeks at the socket without consuming data. It reports true when
// the peer has closed or reset the connection; "no data yet" is not an
// error.
func peerGone(c *net.TCPConn) (bool, error) {
	raw, err := c.SyscallConn()
	if err != nil {
		return true, err
	}

	var (
		gone  bool
		cause error
		buf   [1]byte
	)
	err = raw.Read(func(fd uintptr) bool {
		n, _, rerr := unix.Recvfrom(int(fd), buf[:], unix.MSG_PEEK|unix.MSG_DONTWAIT)
		switch {
		case rerr == unix.EAGAIN || rerr == unix.EWOULDBLOCK || rerr == unix.EINTR:
		case rerr != nil:
			gone, cause = true, rerr
		case n == 0:
			gone, cause = true, io.EOF
		}
		return true
	})
	if err != nil {
		return true, err
	}
	return gone, cause
}
