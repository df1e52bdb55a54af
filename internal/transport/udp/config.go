// Package udp implements the UDP sink and source blocks.
package udp

import (
	"fmt"
	"net"
	"strings"

	"firestige.xyz/grnet/internal/core"
	"firestige.xyz/grnet/internal/framing"
)

// Receive modes of the source.
const (
	ReceiveAsync = "async"
	ReceiveSync  = "sync"
)

// DefaultPayloadSize fits one Ethernet MTU after IPv4 and UDP headers.
const DefaultPayloadSize = 1472

// SinkConfig holds the UDP sink parameters.
type SinkConfig struct {
	ItemSize    int    `mapstructure:"item_size" yaml:"item_size"`
	VecLen      int    `mapstructure:"vec_len" yaml:"vec_len"`
	Host        string `mapstructure:"host" yaml:"host"`
	Port        int    `mapstructure:"port" yaml:"port"`
	HeaderType  string `mapstructure:"header_type" yaml:"header_type"`
	PayloadSize int    `mapstructure:"payload_size" yaml:"payload_size"`
	SendEOF     bool   `mapstructure:"send_eof" yaml:"send_eof"`
	IPv6        bool   `mapstructure:"ipv6" yaml:"ipv6"`
}

// ApplyDefaults fills unset fields.
func (c *SinkConfig) ApplyDefaults() {
	if c.VecLen == 0 {
		c.VecLen = 1
	}
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.PayloadSize == 0 {
		c.PayloadSize = DefaultPayloadSize
	}
}

// Validate checks the configuration, packet layout included.
func (c *SinkConfig) Validate() error {
	if err := validateCommon(c.ItemSize, c.VecLen, c.Port); err != nil {
		return err
	}
	if c.Port == 0 {
		return fmt.Errorf("%w: sink needs a destination port", core.ErrConfigInvalid)
	}
	_, err := buildLayout(c.HeaderType, c.PayloadSize, c.ItemSize*c.VecLen)
	return err
}

// SourceConfig holds the UDP source parameters.
type SourceConfig struct {
	ItemSize           int    `mapstructure:"item_size" yaml:"item_size"`
	VecLen             int    `mapstructure:"vec_len" yaml:"vec_len"`
	Host               string `mapstructure:"host" yaml:"host"`
	Port               int    `mapstructure:"port" yaml:"port"`
	HeaderType         string `mapstructure:"header_type" yaml:"header_type"`
	PayloadSize        int    `mapstructure:"payload_size" yaml:"payload_size"`
	RecvBufferBytes    int    `mapstructure:"recv_buffer_bytes" yaml:"recv_buffer_bytes"`
	NotifyMissed       bool   `mapstructure:"notify_missed" yaml:"notify_missed"`
	SourceZeros        bool   `mapstructure:"source_zeros" yaml:"source_zeros"`
	IPv6               bool   `mapstructure:"ipv6" yaml:"ipv6"`
	ReceiveMode        string `mapstructure:"receive_mode" yaml:"receive_mode"`
	EOSOnEmpty         bool   `mapstructure:"eos_on_empty" yaml:"eos_on_empty"`
	PartialFlushCycles int    `mapstructure:"partial_flush_cycles" yaml:"partial_flush_cycles"`
}

// ApplyDefaults fills unset fields.
func (c *SourceConfig) ApplyDefaults() {
	if c.VecLen == 0 {
		c.VecLen = 1
	}
	if c.PayloadSize == 0 {
		c.PayloadSize = DefaultPayloadSize
	}
	if c.ReceiveMode == "" {
		c.ReceiveMode = ReceiveAsync
	}
	c.ReceiveMode = strings.ToLower(c.ReceiveMode)
	if c.PartialFlushCycles == 0 {
		c.PartialFlushCycles = framing.DefaultPartialFlushCycles
	}
}

// Validate checks the configuration, packet layout included.
func (c *SourceConfig) Validate() error {
	if err := validateCommon(c.ItemSize, c.VecLen, c.Port); err != nil {
		return err
	}
	if c.ReceiveMode != ReceiveAsync && c.ReceiveMode != ReceiveSync {
		return fmt.Errorf("%w: receive_mode must be %q or %q, got %q",
			core.ErrConfigInvalid, ReceiveAsync, ReceiveSync, c.ReceiveMode)
	}
	if c.RecvBufferBytes < 0 {
		return fmt.Errorf("%w: recv_buffer_bytes must not be negative", core.ErrConfigInvalid)
	}
	_, err := buildLayout(c.HeaderType, c.PayloadSize, c.ItemSize*c.VecLen)
	return err
}

func validateCommon(itemSize, vecLen, port int) error {
	if itemSize <= 0 {
		return fmt.Errorf("%w: item_size must be positive, got %d", core.ErrConfigInvalid, itemSize)
	}
	if vecLen <= 0 {
		return fmt.Errorf("%w: vec_len must be positive, got %d", core.ErrConfigInvalid, vecLen)
	}
	if port < 0 || port > 65535 {
		return fmt.Errorf("%w: port %d out of range", core.ErrConfigInvalid, port)
	}
	return nil
}

// buildLayout parses the header type and computes the packet layout.
func buildLayout(headerType string, payloadSize, blockSize int) (framing.Layout, error) {
	kind, err := framing.ParseKind(headerType)
	if err != nil {
		return framing.Layout{}, err
	}
	return framing.NewLayout(kind, payloadSize, blockSize)
}

// resolve looks up host:port and returns the address with the socket family
// to use. udp6 is used when forced, for IPv6 literals and for names that only
// resolve to IPv6.
func resolve(host string, port int, forceV6 bool) (*net.UDPAddr, string, error) {
	lookup := "udp"
	if forceV6 || strings.Contains(host, ":") {
		lookup = "udp6"
	}
	addr, err := net.ResolveUDPAddr(lookup, joinHostPort(host, port))
	if err != nil {
		return nil, "", err
	}
	if lookup == "udp6" || (addr.IP != nil && addr.IP.To4() == nil) {
		return addr, "udp6", nil
	}
	return addr, "udp4", nil
}

func joinHostPort(host string, port int) string {
	return net.JoinHostPort(strings.Trim(host, "[]"), fmt.Sprint(port))
}
