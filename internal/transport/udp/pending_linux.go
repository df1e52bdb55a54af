package udp

import "golang.org/x/sys/unix"

// pendingRequest returns the size of the next datagram in the receive queue.
const pendingRequest = unix.SIOCINQ
