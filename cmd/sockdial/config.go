package main

import (
	"fmt"
	"net"
	"net/netip"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/joshuafuller/netsock/socket"
	"github.com/joshuafuller/netsock/transport"
)

// Config is the optional YAML file given with --config. Flags override it.
type Config struct {
	DNSServers []string      `yaml:"dnsServers"`
	SOCKS5     string        `yaml:"socks5"`
	PreferIPv6 bool          `yaml:"preferIPv6"`
	Timeout    time.Duration `yaml:"timeout"`
	// Allow restricts destinations to these prefixes. Empty allows everything.
	Allow   []string      `yaml:"allow"`
	Options SocketOptions `yaml:"options"`
}

// SocketOptions are applied to the socket once it is connected. Unset fields
// leave the transport default alone.
type SocketOptions struct {
	KeepAlive         *bool          `yaml:"keepAlive"`
	NoDelay           *bool          `yaml:"noDelay"`
	ReceiveBufferSize int            `yaml:"receiveBufferSize"`
	SendBufferSize    int            `yaml:"sendBufferSize"`
	SoTimeout         *time.Duration `yaml:"soTimeout"`
	TrafficClass      *int           `yaml:"trafficClass"`
	// Linger enables SO_LINGER with this many seconds. Negative disables it.
	Linger *int `yaml:"linger"`
}

// loadConfig reads path. An empty path yields the zero Config.
func loadConfig(path string) (*Config, error) {
	cfg := &Config{}
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return cfg, nil
}

func (o *SocketOptions) apply(s *socket.Socket) error {
	if o.KeepAlive != nil {
		if err := s.SetKeepAlive(*o.KeepAlive); err != nil {
			return err
		}
	}
	if o.NoDelay != nil {
		if err := s.SetTCPNoDelay(*o.NoDelay); err != nil {
			return err
		}
	}
	if o.ReceiveBufferSize != 0 {
		if err := s.SetReceiveBufferSize(o.ReceiveBufferSize); err != nil {
			return err
		}
	}
	if o.SendBufferSize != 0 {
		if err := s.SetSendBufferSize(o.SendBufferSize); err != nil {
			return err
		}
	}
	if o.SoTimeout != nil {
		if err := s.SetSoTimeout(*o.SoTimeout); err != nil {
			return err
		}
	}
	if o.TrafficClass != nil {
		if err := s.SetTrafficClass(*o.TrafficClass); err != nil {
			return err
		}
	}
	if o.Linger != nil {
		if err := s.SetSoLinger(*o.Linger >= 0, *o.Linger); err != nil {
			return err
		}
	}
	return nil
}

// policy builds the connect policy from the allow list.
func (c *Config) policy() (socket.Policy, error) {
	if len(c.Allow) == 0 {
		return nil, nil
	}
	prefixes := make([]netip.Prefix, 0, len(c.Allow))
	for _, p := range c.Allow {
		prefix, err := netip.ParsePrefix(p)
		if err != nil {
			return nil, fmt.Errorf("invalid allow entry: %w", err)
		}
		prefixes = append(prefixes, prefix)
	}
	return socket.AllowPrefixes(prefixes...), nil
}

// parseProxy turns "host:port" into a SOCKS proxy descriptor.
func parseProxy(hostport string) (*transport.Proxy, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return nil, fmt.Errorf("invalid SOCKS5 address %q: %w", hostport, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || !transport.ValidPort(port) {
		return nil, fmt.Errorf("invalid SOCKS5 port %q", portStr)
	}
	ep := transport.Unresolved(host, port)
	if addr, err := netip.ParseAddr(host); err == nil {
		ep = transport.NewEndpoint(addr, port)
	}
	return &transport.Proxy{Type: transport.SOCKS, Addr: ep}, nil
}
