//go:build !(linux || darwin)

package udp

import "net"

// datagramReady always reports true so that sync mode attempts a short
// deadline read on this platform.
func datagramReady(_ *net.UDPConn) (bool, error) {
	return true, nil
}
