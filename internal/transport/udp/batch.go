package udp

import (
	"net"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// maxBatch is the number of datagrams moved per batched syscall.
const maxBatch = 32

// batchConn moves several datagrams per syscall (recvmmsg and sendmmsg on
// Linux). ipv4.Message and ipv6.Message are the same type, so one interface
// covers both families.
type batchConn interface {
	ReadBatch(ms []ipv4.Message, flags int) (int, error)
	WriteBatch(ms []ipv4.Message, flags int) (int, error)
}

func newBatchConn(c *net.UDPConn, v6 bool) batchConn {
	if v6 {
		return ipv6.NewPacketConn(c)
	}
	return ipv4.NewPacketConn(c)
}
