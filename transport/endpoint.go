package transport

import (
	"net"
	"net/netip"
	"strconv"

	"github.com/google/netstack/tcpip/header"

	"github.com/joshuafuller/netsock/internal/errors"
)

// MaxPort is the largest valid port number.
const MaxPort = 65535

// Endpoint is an IP socket address. It implements net.Addr.
//
// An Endpoint whose Addr is not valid but whose Host is set is unresolved: it names
// a host that has not been looked up. Sockets refuse to bind or connect to
// unresolved endpoints.
type Endpoint struct {
	Addr netip.Addr
	Host string
	Port int
}

// NewEndpoint returns a resolved endpoint.
func NewEndpoint(addr netip.Addr, port int) *Endpoint {
	return &Endpoint{Addr: addr, Port: port}
}

// Unresolved returns an endpoint naming host without an address.
func Unresolved(host string, port int) *Endpoint {
	return &Endpoint{Host: host, Port: port}
}

// Network returns "tcp".
func (e *Endpoint) Network() string { return "tcp" }

func (e *Endpoint) String() string {
	if e.IsUnresolved() {
		return net.JoinHostPort(e.Host, strconv.Itoa(e.Port)) + " (unresolved)"
	}
	return net.JoinHostPort(e.Addr.String(), strconv.Itoa(e.Port))
}

// IsUnresolved reports whether the endpoint carries no address.
func (e *Endpoint) IsUnresolved() bool {
	return !e.Addr.IsValid()
}

// HostString returns the host name if one was given, else the address literal.
func (e *Endpoint) HostString() string {
	if e.Host != "" {
		return e.Host
	}
	return e.Addr.String()
}

// ValidPort reports whether port is in [0, MaxPort].
func ValidPort(port int) bool {
	return port >= 0 && port <= MaxPort
}

// AddrPort joins addr and port, rejecting ports outside [0, MaxPort] rather than
// truncating them.
func AddrPort(addr netip.Addr, port int) (netip.AddrPort, error) {
	if !ValidPort(port) {
		return netip.AddrPort{}, &errors.ValidationError{Field: "port", Value: port, Message: "out of range [0, 65535]"}
	}
	return netip.AddrPortFrom(addr, uint16(port)), nil
}

// SupportedIP reports whether ip has the length of an IPv4 (4-byte) or IPv6
// (16-byte) address.
func SupportedIP(ip net.IP) bool {
	switch len(ip) {
	case header.IPv4AddressSize, header.IPv6AddressSize:
		return true
	}
	return false
}

// SupportedAddr reports whether addr belongs to an address family a transport can
// bind or connect.
func SupportedAddr(addr netip.Addr) bool {
	return addr.IsValid() && SupportedIP(addr.AsSlice())
}

// FromNetAddr converts the net.Addr implementations a socket accepts: *Endpoint,
// *net.TCPAddr and *net.UDPAddr. ok is false for any other type, and for a
// TCPAddr or UDPAddr whose IP is neither empty nor 4 or 16 bytes long.
func FromNetAddr(a net.Addr) (ep *Endpoint, ok bool) {
	switch a := a.(type) {
	case *Endpoint:
		return a, a != nil
	case *net.TCPAddr:
		if a == nil {
			return nil, false
		}
		return fromIP(a.IP, a.Zone, a.Port)
	case *net.UDPAddr:
		if a == nil {
			return nil, false
		}
		return fromIP(a.IP, a.Zone, a.Port)
	}
	return nil, false
}

func fromIP(ip net.IP, zone string, port int) (*Endpoint, bool) {
	if len(ip) == 0 {
		// A TCPAddr without an IP is the wildcard, as net.Listen treats it.
		return &Endpoint{Addr: netip.IPv4Unspecified(), Port: port}, true
	}
	if !SupportedIP(ip) {
		return nil, false
	}
	addr, _ := netip.AddrFromSlice(ip)
	return &Endpoint{Addr: addr.Unmap().WithZone(zone), Port: port}, true
}
