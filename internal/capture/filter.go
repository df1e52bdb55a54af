package capture

import (
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"golang.org/x/net/bpf"

	"firestige.xyz/grnet/internal/core"
)

const (
	etherTypeIPv4  = 0x0800
	etherTypeDot1Q = 0x8100
	ipProtoUDP     = 17
	ethHeaderLen   = 14
	dot1qTagLen    = 4
	bpfAcceptLen   = 0xFFFF
)

// udpDstPortProgram assembles the classic BPF equivalent of
// "udp dst port N or (vlan and udp dst port N)" for Ethernet frames.
// Fragments other than the first are rejected since they carry no UDP
// header.
func udpDstPortProgram(port uint16) []bpf.Instruction {
	plain := ipv4UDPDstPort(ethHeaderLen, port)
	tagged := ipv4UDPDstPort(ethHeaderLen+dot1qTagLen, port)

	prog := []bpf.Instruction{
		bpf.LoadAbsolute{Off: 12, Size: 2},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: etherTypeDot1Q, SkipFalse: uint8(len(tagged))},
	}
	prog = append(prog, tagged...)
	return append(prog, plain...)
}

// ipv4UDPDstPort matches an IPv4/UDP packet starting at base.
func ipv4UDPDstPort(base uint32, port uint16) []bpf.Instruction {
	return []bpf.Instruction{
		bpf.LoadAbsolute{Off: base - 2, Size: 2}, // ethertype
		bpf.JumpIf{Cond: bpf.JumpNotEqual, Val: etherTypeIPv4, SkipTrue: 8},
		bpf.LoadAbsolute{Off: base + 9, Size: 1}, // protocol
		bpf.JumpIf{Cond: bpf.JumpNotEqual, Val: ipProtoUDP, SkipTrue: 6},
		bpf.LoadAbsolute{Off: base + 6, Size: 2}, // flags and fragment offset
		bpf.JumpIf{Cond: bpf.JumpBitsSet, Val: 0x1FFF, SkipTrue: 4},
		bpf.LoadMemShift{Off: base}, // X = IHL * 4
		bpf.LoadIndirect{Off: base + 2, Size: 2},
		bpf.JumpIf{Cond: bpf.JumpNotEqual, Val: uint32(port), SkipTrue: 1},
		bpf.RetConstant{Val: bpfAcceptLen},
		bpf.RetConstant{Val: 0},
	}
}

// Filter selects UDP datagrams sent to one destination port and extracts
// their payload. Not safe for concurrent use.
type Filter struct {
	port uint16
	vm   *bpf.VM

	parser  *gopacket.DecodingLayerParser
	eth     layers.Ethernet
	dot1q   layers.Dot1Q
	ip4     layers.IPv4
	udp     layers.UDP
	payload gopacket.Payload
	decoded []gopacket.LayerType
}

// NewFilter builds a filter for UDP destination port.
func NewFilter(port uint16) (*Filter, error) {
	vm, err := bpf.NewVM(udpDstPortProgram(port))
	if err != nil {
		return nil, fmt.Errorf("%w: bpf program: %v", core.ErrConfigInvalid, err)
	}
	f := &Filter{
		port:    port,
		vm:      vm,
		decoded: make([]gopacket.LayerType, 0, 5),
	}
	f.parser = gopacket.NewDecodingLayerParser(
		layers.LayerTypeEthernet,
		&f.eth,
		&f.dot1q,
		&f.ip4,
		&f.udp,
		&f.payload,
	)
	f.parser.IgnoreUnsupported = true
	return f, nil
}

// Match returns the UDP payload of frame when it is addressed to the
// filter's port. The payload aliases frame.
func (f *Filter) Match(frame []byte) ([]byte, bool) {
	if n, err := f.vm.Run(frame); err != nil || n == 0 {
		return nil, false
	}
	if err := f.parser.DecodeLayers(frame, &f.decoded); err != nil {
		return nil, false
	}
	for _, lt := range f.decoded {
		if lt == layers.LayerTypeUDP {
			if uint16(f.udp.DstPort) != f.port {
				return nil, false
			}
			return f.udp.Payload, true
		}
	}
	return nil, false
}
