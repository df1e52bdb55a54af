// Package tcp implements the TCP sink and source blocks.
package tcp

import (
	"fmt"
	"net"
	"strings"
	"time"

	"firestige.xyz/grnet/internal/core"
)

// Connection roles.
const (
	ModeServer = "server"
	ModeClient = "client"
)

// Defaults.
const (
	DefaultQueueBytes = 8 << 20
	DefaultKeepAlive  = 30 * time.Second
)

// Config holds the parameters shared by the TCP sink and source.
type Config struct {
	ItemSize   int           `mapstructure:"item_size" yaml:"item_size"`
	VecLen     int           `mapstructure:"vec_len" yaml:"vec_len"`
	Host       string        `mapstructure:"host" yaml:"host"`
	Port       int           `mapstructure:"port" yaml:"port"`
	Mode       string        `mapstructure:"mode" yaml:"mode"`
	QueueBytes int           `mapstructure:"queue_bytes" yaml:"queue_bytes"`
	KeepAlive  time.Duration `mapstructure:"keep_alive" yaml:"keep_alive"`
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.VecLen == 0 {
		c.VecLen = 1
	}
	if c.Mode == "" {
		c.Mode = ModeServer
	}
	c.Mode = strings.ToLower(c.Mode)
	if c.QueueBytes == 0 {
		c.QueueBytes = DefaultQueueBytes
	}
	if c.KeepAlive == 0 {
		c.KeepAlive = DefaultKeepAlive
	}
}

// Validate checks the configuration after defaults are applied.
func (c *Config) Validate() error {
	if c.ItemSize <= 0 {
		return fmt.Errorf("%w: item_size must be positive, got %d", core.ErrConfigInvalid, c.ItemSize)
	}
	if c.VecLen <= 0 {
		return fmt.Errorf("%w: vec_len must be positive, got %d", core.ErrConfigInvalid, c.VecLen)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", core.ErrConfigInvalid, c.Port)
	}
	switch c.Mode {
	case ModeServer:
	case ModeClient:
		if c.Host == "" {
			return fmt.Errorf("%w: client mode needs a host", core.ErrConfigInvalid)
		}
		if c.Port == 0 {
			return fmt.Errorf("%w: client mode needs a port", core.ErrConfigInvalid)
		}
	default:
		return fmt.Errorf("%w: mode must be %q or %q, got %q", core.ErrConfigInvalid, ModeServer, ModeClient, c.Mode)
	}
	if c.QueueBytes < c.BlockSize() {
		return fmt.Errorf("%w: queue_bytes %d smaller than one block", core.ErrConfigInvalid, c.QueueBytes)
	}
	return nil
}

// BlockSize is the size in bytes of one scheduler item.
func (c *Config) BlockSize() int {
	return c.ItemSize * c.VecLen
}

// network is the lookup network: tcp6 for IPv6 literals, tcp otherwise.
func (c *Config) network() string {
	if strings.Contains(c.Host, ":") {
		return "tcp6"
	}
	return "tcp"
}

// resolve looks up the configured address and returns it with the socket
// family of the result, so a name with only IPv6 records still works.
func (c *Config) resolve() (*net.TCPAddr, string, error) {
	addr, err := net.ResolveTCPAddr(c.network(), c.address())
	if err != nil {
		return nil, "", err
	}
	if addr.IP != nil && addr.IP.To4() == nil {
		return addr, "tcp6", nil
	}
	return addr, "tcp4", nil
}

func (c *Config) address() string {
	host := strings.Trim(c.Host, "[]")
	if strings.Contains(host, ":") {
		return fmt.Sprintf("[%s]:%d", host, c.Port)
	}
	return fmt.Sprintf("%s:%d", host, c.Port)
}
