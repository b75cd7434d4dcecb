package socket

import (
	goerrors "errors"
	"net/netip"

	"github.com/joshuafuller/netsock/internal/errors"
	"github.com/joshuafuller/netsock/transport"
)

// Policy decides whether a socket may connect to a destination. host is the
// address literal, or the host name for an unresolved proxy endpoint.
type Policy interface {
	CheckConnect(host string, port int) error
}

// PolicyFunc adapts a function to Policy.
type PolicyFunc func(host string, port int) error

// CheckConnect calls f(host, port).
func (f PolicyFunc) CheckConnect(host string, port int) error { return f(host, port) }

// AllowPrefixes returns a policy that permits only destinations inside one of
// prefixes.
func AllowPrefixes(prefixes ...netip.Prefix) Policy {
	return PolicyFunc(func(host string, port int) error {
		addr, err := netip.ParseAddr(host)
		if err != nil {
			return goerrors.New("destination is not an address literal")
		}
		for _, p := range prefixes {
			if p.Contains(addr.Unmap()) {
				return nil
			}
		}
		return goerrors.New("destination outside allowed prefixes")
	})
}

// checkDestination validates the port, then consults the policy.
func (s *Socket) checkDestination(addr netip.Addr, port int) error {
	if !transport.ValidPort(port) {
		return portErr(port)
	}
	return s.checkConnect(addr.String(), port)
}

func (s *Socket) checkConnect(host string, port int) error {
	if s.policy == nil {
		return nil
	}
	err := s.policy.CheckConnect(host, port)
	if err == nil {
		return nil
	}
	var permErr *errors.PermissionError
	if goerrors.As(err, &permErr) {
		return err
	}
	return &errors.PermissionError{Host: host, Port: port, Err: err}
}
