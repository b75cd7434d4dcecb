package socket

import (
	"context"
	goerrors "errors"
	"net/netip"
	"time"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"

	"github.com/joshuafuller/netsock/internal/errors"
	"github.com/joshuafuller/netsock/transport"
)

// Dial resolves host and returns a stream socket connected to the first of its
// addresses that accepts the connection.
//
// Addresses are tried in resolver order. A permission or network failure on any
// address but the last is logged at debug level and the next address is tried
// with a fresh transport; the last address's error is returned as is. Validation
// and state errors stop the dial immediately.
func Dial(host string, port int, opts ...Option) (*Socket, error) {
	return dialHost(host, port, netip.Addr{}, 0, true, opts)
}

// DialFrom is Dial with an explicit local address and port. A zero localAddr
// binds to the wildcard address; localPort 0 picks an ephemeral port.
func DialFrom(host string, port int, localAddr netip.Addr, localPort int, opts ...Option) (*Socket, error) {
	return dialHost(host, port, localAddr, localPort, true, opts)
}

// DialMode is Dial with an explicit socket mode. streaming false creates a
// datagram socket.
func DialMode(host string, port int, streaming bool, opts ...Option) (*Socket, error) {
	return dialHost(host, port, netip.Addr{}, 0, streaming, opts)
}

// DialAddr returns a stream socket connected to addr:port. No resolution or
// fallback takes place.
func DialAddr(addr netip.Addr, port int, opts ...Option) (*Socket, error) {
	return dialAddr(addr, port, netip.Addr{}, 0, true, opts)
}

// DialAddrFrom is DialAddr with an explicit local address and port.
func DialAddrFrom(addr netip.Addr, port int, localAddr netip.Addr, localPort int, opts ...Option) (*Socket, error) {
	return dialAddr(addr, port, localAddr, localPort, true, opts)
}

// DialAddrMode is DialAddr with an explicit socket mode.
func DialAddrMode(addr netip.Addr, port int, streaming bool, opts ...Option) (*Socket, error) {
	return dialAddr(addr, port, netip.Addr{}, 0, streaming, opts)
}

func dialHost(host string, port int, local netip.Addr, localPort int, streaming bool, opts []Option) (*Socket, error) {
	s, err := newSocket(opts)
	if err != nil {
		return nil, err
	}
	if err := s.tryAllAddresses(host, port, local, localPort, streaming); err != nil {
		_ = s.Close() // Ignore error, already returning primary error
		return nil, err
	}
	return s, nil
}

func dialAddr(addr netip.Addr, port int, local netip.Addr, localPort int, streaming bool, opts []Option) (*Socket, error) {
	if !addr.IsValid() {
		return nil, &errors.ValidationError{Field: "address", Message: "address is not set"}
	}
	s, err := newSocket(opts)
	if err != nil {
		return nil, err
	}
	err = s.checkDestination(addr, port)
	if err == nil {
		err = s.startup(addr, port, local, localPort, streaming)
	}
	if err != nil {
		_ = s.Close() // Ignore error, already returning primary error
		return nil, err
	}
	return s, nil
}

// tryAllAddresses connects to each address of host in turn until one succeeds.
func (s *Socket) tryAllAddresses(host string, port int, local netip.Addr, localPort int, streaming bool) error {
	addrs, err := s.resolve(host)
	if err != nil {
		return err
	}

	last := len(addrs) - 1
	for i, addr := range addrs[:last] {
		err := s.attempt(addr, port, local, localPort, streaming)
		if err == nil {
			fallbackAttempts.WithValues("success").Inc()
			return nil
		}
		if !errdefs.IsPermissionDenied(err) && !errdefs.IsUnavailable(err) {
			fallbackAttempts.WithValues("failed").Inc()
			return err
		}
		fallbackAttempts.WithValues("suppressed").Inc()
		s.log.WithFields(log.Fields{
			"host":       host,
			"address":    addr,
			"port":       port,
			"candidate":  i + 1,
			"candidates": len(addrs),
		}).WithError(err).Debug("connect attempt failed, trying next address")

		s.closeTransport()
		if s.impl, err = s.newTransport(); err != nil {
			return err
		}
	}

	if err := s.attempt(addrs[last], port, local, localPort, streaming); err != nil {
		fallbackAttempts.WithValues("failed").Inc()
		return err
	}
	fallbackAttempts.WithValues("success").Inc()
	return nil
}

func (s *Socket) attempt(addr netip.Addr, port int, local netip.Addr, localPort int, streaming bool) error {
	if err := s.checkDestination(addr, port); err != nil {
		return err
	}
	return s.startup(addr, port, local, localPort, streaming)
}

func (s *Socket) resolve(host string) ([]netip.Addr, error) {
	addrs, err := s.resolver.ResolveAll(context.Background(), host)
	if err != nil {
		var resErr *errors.ResolveError
		if goerrors.As(err, &resErr) {
			return nil, err
		}
		return nil, &errors.ResolveError{Host: host, Err: err}
	}
	if len(addrs) == 0 {
		return nil, &errors.ResolveError{Host: host}
	}
	return addrs, nil
}

// startup creates, binds and connects the transport in one step, under the
// instance lock. A SOCKS stream socket skips the bind. Any failure after the
// transport is created closes it.
func (s *Socket) startup(addr netip.Addr, port int, local netip.Addr, localPort int, streaming bool) error {
	if !transport.ValidPort(localPort) {
		return &errors.ValidationError{Field: "local port", Value: localPort, Message: "out of range [0, 65535]"}
	}
	if !local.IsValid() {
		local = anyAddr
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() {
		return errors.Closed("connect")
	}

	start := time.Now()
	if err := s.impl.Create(streaming); err != nil {
		s.closeTransport()
		return transportErr("create", err)
	}
	s.created.Store(true)

	if !streaming || !s.usingSOCKS() {
		if err := s.impl.Bind(local, localPort); err != nil {
			s.closeTransport()
			return transportErr("bind", err)
		}
	}
	s.bound.Store(true)

	if err := s.impl.Connect(addr, port, s.dialTimeout); err != nil {
		s.closeTransport()
		return transportErr("connect", err)
	}
	s.cacheLocalAddress()
	s.connected.Store(true)
	socketActions.WithValues("connect").UpdateSince(start)
	return nil
}
