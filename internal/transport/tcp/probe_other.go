//go:build !(linux || darwin)

package tcp

import "net"

// peerGone cannot peek without consuming on this platform; disconnects are
// found by the read and write paths instead.
func peerGone(_ *net.TCPConn) (bool, error) {
	return false, nil
}
