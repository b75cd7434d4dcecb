package socket

import (
	"time"

	"github.com/containerd/log"

	"github.com/joshuafuller/netsock/internal/errors"
	"github.com/joshuafuller/netsock/transport"
)

// Option is a functional option for configuring a Socket.
//
// Options are applied by every constructor before the transport is created, so
// the factory, registry and proxy they select decide which transport the socket
// gets.
//
// Example:
//
//	s, err := socket.Dial("db.internal", 5432,
//	    socket.WithResolver(&resolver.DNS{Servers: []string{"10.0.0.53:53"}}),
//	    socket.WithPolicy(allowList),
//	)
type Option func(*Socket) error

// WithProxy routes the socket through proxy. Only direct and SOCKS proxies are
// accepted; a SOCKS proxy needs an address.
//
// The connect policy is consulted for the proxy endpoint once all options are
// applied, so WithPolicy may come before or after WithProxy.
func WithProxy(proxy *transport.Proxy) Option {
	return func(s *Socket) error {
		if proxy == nil {
			return &errors.ValidationError{Field: "proxy", Message: "proxy is nil"}
		}
		switch proxy.Type {
		case transport.Direct:
		case transport.SOCKS:
			if proxy.Addr == nil {
				return &errors.ValidationError{Field: "proxy", Value: proxy, Message: "SOCKS proxy has no address"}
			}
		default:
			return &errors.ValidationError{Field: "proxy", Value: proxy, Message: "invalid proxy type"}
		}
		s.proxy = proxy
		return nil
	}
}

// WithRegistry makes the socket take its factory from r instead of Default.
func WithRegistry(r *Registry) Option {
	return func(s *Socket) error {
		if r == nil {
			return &errors.ValidationError{Field: "registry", Message: "registry is nil"}
		}
		s.registry = r
		return nil
	}
}

// WithFactory makes the socket build its transports with f, bypassing the
// registry entirely.
func WithFactory(f transport.Factory) Option {
	return func(s *Socket) error {
		if f == nil {
			return &errors.ValidationError{Field: "factory", Message: "factory is nil"}
		}
		s.factory = f
		return nil
	}
}

// WithResolver sets the resolver used by the hostname constructors.
func WithResolver(r Resolver) Option {
	return func(s *Socket) error {
		if r == nil {
			return &errors.ValidationError{Field: "resolver", Message: "resolver is nil"}
		}
		s.resolver = r
		return nil
	}
}

// WithPolicy installs a connect policy. Without one every destination is
// allowed.
func WithPolicy(p Policy) Option {
	return func(s *Socket) error {
		s.policy = p
		return nil
	}
}

// WithLogger sets the entry the socket logs through. The default is log.L.
func WithLogger(l *log.Entry) Option {
	return func(s *Socket) error {
		if l == nil {
			return &errors.ValidationError{Field: "logger", Message: "logger is nil"}
		}
		s.log = l
		return nil
	}
}

// WithDialTimeout bounds every connect attempt made by the Dial constructors.
// Each fallback candidate gets the full timeout. Zero, the default, waits
// indefinitely. Connect and ConnectTimeout ignore it.
func WithDialTimeout(d time.Duration) Option {
	return func(s *Socket) error {
		if d < 0 {
			return &errors.ValidationError{Field: "timeout", Value: d, Message: "timeout can't be negative"}
		}
		s.dialTimeout = d
		return nil
	}
}
