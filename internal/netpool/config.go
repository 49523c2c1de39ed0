package netpool

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
)

// Config describes the namespace pool and the addressing of its slots.
type Config struct {
	Prefix   string `yaml:"prefix"`
	PoolSize int    `yaml:"pool_size"`
	Max      int    `yaml:"max"`

	// HostCIDR is carved into one /30 per slot: .1 stays in the root
	// namespace, .2 is the slot's host IP.
	HostCIDR string `yaml:"host_cidr"`

	GuestIP      string `yaml:"guest_ip"`
	TapIP        string `yaml:"tap_ip"`
	TapPrefixLen int    `yaml:"tap_prefix_len"`
	TapName      string `yaml:"tap_name"`
}

const (
	defaultPrefix       = "vsl"
	defaultPoolSize     = 4
	defaultMax          = 64
	defaultHostCIDR     = "10.200.0.0/16"
	defaultGuestIP      = "172.16.0.2"
	defaultTapIP        = "172.16.0.1"
	defaultTapPrefixLen = 30
	defaultTapName      = "tap0"

	// linux IFNAMSIZ minus the terminator, minus "h" and a 5 digit index.
	maxPrefixLen = 9
)

// DefaultConfig returns the configuration used when the host config is silent.
func DefaultConfig() Config {
	return Config{}.WithDefaults()
}

// WithDefaults fills unset fields with their defaults.
func (c Config) WithDefaults() Config {
	if c.Prefix == "" {
		c.Prefix = defaultPrefix
	}
	if c.PoolSize == 0 {
		c.PoolSize = defaultPoolSize
	}
	if c.Max == 0 {
		c.Max = defaultMax
	}
	if c.HostCIDR == "" {
		c.HostCIDR = defaultHostCIDR
	}
	if c.GuestIP == "" {
		c.GuestIP = defaultGuestIP
	}
	if c.TapIP == "" {
		c.TapIP = defaultTapIP
	}
	if c.TapPrefixLen == 0 {
		c.TapPrefixLen = defaultTapPrefixLen
	}
	if c.TapName == "" {
		c.TapName = defaultTapName
	}
	return c
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	if c.Prefix == "" || len(c.Prefix) > maxPrefixLen {
		return fmt.Errorf("namespace prefix %q must be 1-%d characters", c.Prefix, maxPrefixLen)
	}
	if c.PoolSize < 0 || c.Max <= 0 {
		return errors.New("namespace pool size must not be negative and max must be positive")
	}
	if c.PoolSize > c.Max {
		return fmt.Errorf("namespace pool size %d exceeds max %d", c.PoolSize, c.Max)
	}
	network, err := c.hostNetwork()
	if err != nil {
		return err
	}
	ones, bits := network.Mask.Size()
	if bits != 32 {
		return fmt.Errorf("host cidr %s must be IPv4", c.HostCIDR)
	}
	if capacity := 1 << (bits - ones) / 4; c.Max > capacity {
		return fmt.Errorf("host cidr %s holds %d slots, max is %d", c.HostCIDR, capacity, c.Max)
	}
	for name, value := range map[string]string{"guest ip": c.GuestIP, "tap ip": c.TapIP} {
		if ip := net.ParseIP(value); ip == nil || ip.To4() == nil {
			return fmt.Errorf("invalid %s %q", name, value)
		}
	}
	if c.TapPrefixLen <= 0 || c.TapPrefixLen > 30 {
		return fmt.Errorf("tap prefix length %d out of range", c.TapPrefixLen)
	}
	return nil
}

func (c Config) hostNetwork() (*net.IPNet, error) {
	_, network, err := net.ParseCIDR(c.HostCIDR)
	if err != nil {
		return nil, fmt.Errorf("parse host cidr: %w", err)
	}
	return network, nil
}

// slotAddresses returns the root-namespace gateway and the host IP of slot idx.
func (c Config) slotAddresses(idx int) (net.IP, net.IP) {
	network, err := c.hostNetwork()
	if err != nil {
		return nil, nil
	}
	base := binary.BigEndian.Uint32(network.IP.To4()) + uint32(idx)*4
	gateway := make(net.IP, 4)
	host := make(net.IP, 4)
	binary.BigEndian.PutUint32(gateway, base+1)
	binary.BigEndian.PutUint32(host, base+2)
	return gateway, host
}
