// Package socket implements a client-side TCP socket on top of a pluggable
// transport.
//
// A Socket moves through Unconnected → Bound → Connected, and Closed is reachable
// from any state. Input and output can each be shut down once a socket is
// connected. The hostname constructors (Dial, DialFrom, DialMode) resolve the name
// and try every returned address in order; failures on all but the last candidate
// are absorbed, and the last candidate's failure is returned.
//
// # Locking
//
// Each socket has two locks. The instance lock guards transport creation, bind,
// the address-constructor connect sequence and option mutation. The connect lock
// serializes Connect calls so at most one connect is in flight. A Connect holds the
// connect lock for its whole duration and takes the instance lock only for the
// implicit bind; the instance lock is never held while waiting for the connect
// lock. Close takes neither lock: it flips the closed flag and closes the
// transport, which makes any in-flight bind or connect fail.
//
// # Example
//
//	s, err := socket.Dial("example.com", 80)
//	if err != nil {
//	    return err
//	}
//	defer s.Close()
//
//	w, _ := s.OutputStream()
//	fmt.Fprint(w, "HEAD / HTTP/1.0\r\n\r\n")
package socket

import (
	goerrors "errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/containerd/log"

	"github.com/joshuafuller/netsock/internal/errors"
	"github.com/joshuafuller/netsock/transport"
)

var anyAddr = netip.IPv4Unspecified()

// Socket is a client-side stream (or datagram) socket.
type Socket struct {
	mu        sync.Mutex // instance lock
	connectMu sync.Mutex // connect lock

	// impl is replaced only while a constructor runs, before the socket is
	// visible to other goroutines.
	impl     transport.Transport
	proxy    *transport.Proxy
	registry *Registry
	factory  transport.Factory
	resolver Resolver
	policy   Policy
	log      *log.Entry
	// dialTimeout bounds each connect made by the Dial constructors.
	dialTimeout time.Duration

	created        atomic.Bool
	bound          atomic.Bool
	connected      atomic.Bool
	closed         atomic.Bool
	inputShutdown  atomic.Bool
	outputShutdown atomic.Bool

	// localAddr is written before connected flips, so a goroutine that sees
	// IsConnected() also sees the cached address.
	localAddr atomic.Pointer[netip.Addr]
}

// New returns an unconnected socket. Use Bind and Connect to drive it.
func New(opts ...Option) (*Socket, error) {
	return newSocket(opts)
}

// NewWithProxy returns an unconnected socket that connects through proxy. A nil
// proxy or an HTTP proxy is rejected. If the proxy has an address, the connect
// policy is consulted for it.
func NewWithProxy(proxy *transport.Proxy, opts ...Option) (*Socket, error) {
	if proxy == nil {
		return nil, &errors.ValidationError{Field: "proxy", Message: "proxy is nil"}
	}
	return newSocket(append(opts, WithProxy(proxy)))
}

// FromAccepted wraps a transport that a listening-side collaborator has already
// accepted. The socket starts out created, bound and connected.
func FromAccepted(impl transport.Transport, opts ...Option) (*Socket, error) {
	if impl == nil {
		return nil, &errors.ValidationError{Field: "transport", Message: "transport is nil"}
	}
	s, err := configure(opts)
	if err != nil {
		return nil, err
	}
	s.impl = impl
	s.accepted()
	return s, nil
}

func configure(opts []Option) (*Socket, error) {
	s := &Socket{
		registry: Default,
		resolver: DefaultResolver,
		log:      log.L,
	}
	s.localAddr.Store(&anyAddr)
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}
	return s, nil
}

func newSocket(opts []Option) (*Socket, error) {
	s, err := configure(opts)
	if err != nil {
		return nil, err
	}
	if s.proxy != nil && s.proxy.Addr != nil {
		if err := s.checkConnect(s.proxy.Addr.HostString(), s.proxy.Addr.Port); err != nil {
			return nil, err
		}
	}
	if s.impl, err = s.newTransport(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Socket) newTransport() (transport.Transport, error) {
	f := s.factory
	if f == nil {
		f = s.registry.Factory()
	}
	impl, err := f.NewTransport(s.proxy)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}
	return impl, nil
}

// accepted marks a socket produced by an accept operation.
func (s *Socket) accepted() {
	s.created.Store(true)
	s.bound.Store(true)
	s.cacheLocalAddress()
	s.connected.Store(true)
}

// Bind binds the socket to local. A nil local binds to the wildcard address and
// an ephemeral port.
func (s *Socket) Bind(local net.Addr) error {
	if s.closed.Load() {
		return errors.Closed("bind")
	}
	if s.bound.Load() {
		return &errors.StateError{Operation: "bind", Message: "socket is already bound"}
	}

	addr, port := anyAddr, 0
	if local != nil {
		ep, err := validEndpoint("local address", local)
		if err != nil {
			return err
		}
		addr, port = ep.Addr, ep.Port
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.bound.Load() {
		return &errors.StateError{Operation: "bind", Message: "socket is already bound"}
	}
	if err := s.createLocked("bind", true); err != nil {
		return err
	}

	start := time.Now()
	if err := s.impl.Bind(addr, port); err != nil {
		s.closeTransport()
		return transportErr("bind", err)
	}
	s.bound.Store(true)
	s.cacheLocalAddress()
	socketActions.WithValues("bind").UpdateSince(start)
	return nil
}

// Connect connects to remote without a timeout.
func (s *Socket) Connect(remote net.Addr) error {
	return s.ConnectTimeout(remote, 0)
}

// ConnectTimeout connects to remote. A zero timeout blocks until the transport
// reports success or failure; a positive timeout makes the connect fail with a
// timeout error once it elapses. An unbound socket is first bound to the wildcard
// address, unless it connects through a SOCKS proxy.
func (s *Socket) ConnectTimeout(remote net.Addr, timeout time.Duration) error {
	if s.closed.Load() {
		return errors.Closed("connect")
	}
	if timeout < 0 {
		return &errors.ValidationError{Field: "timeout", Value: timeout, Message: "must not be negative"}
	}
	if s.connected.Load() {
		return &errors.StateError{Operation: "connect", Message: "already connected"}
	}
	if remote == nil {
		return &errors.ValidationError{Field: "remote address", Message: "remote address is nil"}
	}
	ep, err := validEndpoint("remote address", remote)
	if err != nil {
		return err
	}
	if err := s.checkDestination(ep.Addr, ep.Port); err != nil {
		return err
	}
	if err := s.ensureCreated("connect"); err != nil {
		return err
	}

	s.connectMu.Lock()
	defer s.connectMu.Unlock()

	if s.connected.Load() {
		return &errors.StateError{Operation: "connect", Message: "already connected"}
	}
	if err := s.implicitBind(); err != nil {
		return err
	}

	start := time.Now()
	if err := s.impl.Connect(ep.Addr, ep.Port, timeout); err != nil {
		s.closeTransport()
		return transportErr("connect", err)
	}
	s.cacheLocalAddress()
	s.connected.Store(true)
	socketActions.WithValues("connect").UpdateSince(start)
	return nil
}

// implicitBind binds an unbound socket to the wildcard address before a connect.
// SOCKS sockets skip the bind because the proxy negotiates the local end.
func (s *Socket) implicitBind() error {
	if s.bound.Load() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bound.Load() {
		return nil
	}
	if !s.usingSOCKS() {
		s.log.WithField("socket", s).Debug("binding to wildcard address before connect")
		if err := s.impl.Bind(anyAddr, 0); err != nil {
			s.closeTransport()
			return transportErr("bind", err)
		}
	}
	s.bound.Store(true)
	return nil
}

// Close closes the socket. It may be called at any time, from any goroutine, and
// more than once. The cached local address reverts to the wildcard address;
// LocalPort keeps reporting the last bound port.
func (s *Socket) Close() error {
	start := time.Now()
	s.closed.Store(true)
	s.localAddr.Store(&anyAddr)
	err := s.impl.Close()
	socketActions.WithValues("close").UpdateSince(start)
	return err
}

// ShutdownInput disables further reads. The input stream reports EOF afterwards.
func (s *Socket) ShutdownInput() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inputShutdown.Load() {
		return &errors.StateError{Operation: "shutdown input", Message: "socket input is already shutdown"}
	}
	if err := s.checkConnected("shutdown input"); err != nil {
		return err
	}
	if err := s.impl.ShutdownInput(); err != nil {
		return transportErr("shutdown input", err)
	}
	s.inputShutdown.Store(true)
	return nil
}

// ShutdownOutput disables further writes and signals end of stream to the peer.
func (s *Socket) ShutdownOutput() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outputShutdown.Load() {
		return &errors.StateError{Operation: "shutdown output", Message: "socket output is already shutdown"}
	}
	if err := s.checkConnected("shutdown output"); err != nil {
		return err
	}
	if err := s.impl.ShutdownOutput(); err != nil {
		return transportErr("shutdown output", err)
	}
	s.outputShutdown.Store(true)
	return nil
}

// InputStream returns the stream to read from the connected peer.
func (s *Socket) InputStream() (io.Reader, error) {
	if err := s.checkConnected("input stream"); err != nil {
		return nil, err
	}
	if s.inputShutdown.Load() {
		return nil, &errors.StateError{Operation: "input stream", Message: "socket input is shutdown"}
	}
	return s.impl.InputStream()
}

// OutputStream returns the stream to write to the connected peer.
func (s *Socket) OutputStream() (io.Writer, error) {
	if err := s.checkConnected("output stream"); err != nil {
		return nil, err
	}
	if s.outputShutdown.Load() {
		return nil, &errors.StateError{Operation: "output stream", Message: "socket output is shutdown"}
	}
	return s.impl.OutputStream()
}

// SendUrgentData sends one byte of out-of-band data.
func (s *Socket) SendUrgentData(b byte) error {
	if s.closed.Load() {
		return errors.Closed("send urgent data")
	}
	return s.impl.SendUrgentData(b)
}

// SetPerformancePreferences is accepted for API compatibility and ignored: the
// socket only ever speaks one protocol.
func (s *Socket) SetPerformancePreferences(connectionTime, latency, bandwidth int) {}

// RemoteAddr returns the peer address, or the zero netip.Addr when the socket is
// not connected.
func (s *Socket) RemoteAddr() netip.Addr {
	if !s.connected.Load() {
		return netip.Addr{}
	}
	return s.impl.RemoteAddr()
}

// RemotePort returns the peer port, or 0 when the socket is not connected.
func (s *Socket) RemotePort() int {
	if !s.connected.Load() {
		return 0
	}
	return s.impl.RemotePort()
}

// LocalAddr returns the local address the socket is bound to, or the IPv4
// wildcard address when it is unbound or closed.
func (s *Socket) LocalAddr() netip.Addr {
	return *s.localAddr.Load()
}

// LocalPort returns the local port, or -1 when the socket is unbound. The port is
// still reported after Close.
func (s *Socket) LocalPort() int {
	if !s.bound.Load() {
		return -1
	}
	return s.impl.LocalPort()
}

// LocalEndpoint returns the local address and port, or nil when unbound.
func (s *Socket) LocalEndpoint() *transport.Endpoint {
	if !s.bound.Load() {
		return nil
	}
	return transport.NewEndpoint(s.LocalAddr(), s.LocalPort())
}

// RemoteEndpoint returns the peer address and port, or nil when not connected.
func (s *Socket) RemoteEndpoint() *transport.Endpoint {
	if !s.connected.Load() {
		return nil
	}
	return transport.NewEndpoint(s.RemoteAddr(), s.RemotePort())
}

// IsBound reports whether the socket was ever bound. Close does not reset it.
func (s *Socket) IsBound() bool { return s.bound.Load() }

// IsConnected reports whether the socket was ever connected.
func (s *Socket) IsConnected() bool { return s.connected.Load() }

// IsClosed reports whether Close was called.
func (s *Socket) IsClosed() bool { return s.closed.Load() }

// IsInputShutdown reports whether ShutdownInput succeeded.
func (s *Socket) IsInputShutdown() bool { return s.inputShutdown.Load() }

// IsOutputShutdown reports whether ShutdownOutput succeeded.
func (s *Socket) IsOutputShutdown() bool { return s.outputShutdown.Load() }

// Proxy returns the proxy the socket was constructed with, or nil.
func (s *Socket) Proxy() *transport.Proxy { return s.proxy }

// String describes the connection as "Socket[address=A,port=P,localPort=L]",
// or "Socket[unconnected]".
func (s *Socket) String() string {
	if !s.connected.Load() {
		return "Socket[unconnected]"
	}
	return s.impl.String()
}

func (s *Socket) usingSOCKS() bool {
	return s.proxy.IsSOCKS()
}

// ensureCreated creates a streaming transport on first use.
func (s *Socket) ensureCreated(op string) error {
	if s.closed.Load() {
		return errors.Closed(op)
	}
	if s.created.Load() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createLocked(op, true)
}

// createLocked is ensureCreated for callers that hold s.mu.
func (s *Socket) createLocked(op string, streaming bool) error {
	if s.closed.Load() {
		return errors.Closed(op)
	}
	if s.created.Load() {
		return nil
	}
	if err := s.impl.Create(streaming); err != nil {
		return transportErr("create", err)
	}
	s.created.Store(true)
	return nil
}

func (s *Socket) checkConnected(op string) error {
	if s.closed.Load() {
		return errors.Closed(op)
	}
	if !s.connected.Load() {
		return errors.NotConnected(op)
	}
	return nil
}

// cacheLocalAddress records the transport's bound address. A Close racing with
// the caller always wins: the cache ends up holding the wildcard address.
func (s *Socket) cacheLocalAddress() {
	addr, err := s.impl.LocalAddr()
	if err != nil {
		s.log.WithError(err).Debug("failed to read local address")
		return
	}
	s.localAddr.Store(&addr)
	if s.closed.Load() {
		s.localAddr.Store(&anyAddr)
	}
}

// closeTransport closes the transport on a failure path. The caller returns the
// original error, so a close error is only logged.
func (s *Socket) closeTransport() {
	if err := s.impl.Close(); err != nil {
		s.log.WithError(err).Debug("failed to close transport after error")
	}
}

func validEndpoint(field string, a net.Addr) (*transport.Endpoint, error) {
	ep, ok := transport.FromNetAddr(a)
	if !ok {
		return nil, &errors.ValidationError{Field: field, Value: fmt.Sprintf("%T", a), Message: "unsupported address type"}
	}
	if ep.IsUnresolved() {
		return nil, &errors.ValidationError{Field: field, Value: ep.Host, Message: "host is unresolved"}
	}
	if !transport.SupportedAddr(ep.Addr) {
		return nil, &errors.ValidationError{Field: field, Value: ep.Addr, Message: "unsupported address family"}
	}
	if !transport.ValidPort(ep.Port) {
		return nil, portErr(ep.Port)
	}
	return ep, nil
}

func portErr(port int) error {
	return &errors.ValidationError{Field: "port", Value: port, Message: "out of range [0, 65535]"}
}

// transportErr classifies an error from a transport as a NetworkError unless the
// transport already did.
func transportErr(op string, err error) error {
	var netErr *errors.NetworkError
	if goerrors.As(err, &netErr) {
		return err
	}
	return &errors.NetworkError{Operation: op, Err: err}
}
