// Package transport defines the boundary between a netsock Socket and the
// implementation that performs the actual socket operations.
//
// This package decouples the socket state machine from specific network
// implementations, enabling the Linux system-call transport, the SOCKS5 transport,
// and the in-memory transports used for testing (see package memnet).
//
// A Transport is exclusively owned by one Socket. The Socket serializes calls that
// change the transport's state (Create, Bind, Connect, option mutation); the only
// call that may race with them is Close, which implementations must make safe to
// call at any time and more than once.
package transport

import (
	"io"
	"net/netip"
	"time"
)

// Transport performs socket operations against the operating system (or a
// simulation of it).
//
// Implementations:
//   - internal/plain: Linux sockets through golang.org/x/sys/unix
//   - internal/socks: outbound connections through a SOCKS5 proxy
//   - memnet: in-memory network for tests and demos
type Transport interface {
	// Create allocates the underlying handle. streaming selects a stream
	// (TCP) socket; false selects a datagram socket. The mode is fixed for the
	// transport's lifetime.
	Create(streaming bool) error

	// Bind assigns the local address. Port 0 requests an ephemeral port.
	Bind(addr netip.Addr, port int) error

	// Connect establishes the connection to addr:port. A zero timeout blocks
	// until the connection succeeds or fails; otherwise Connect fails with an
	// error whose Timeout() reports true once timeout elapses.
	Connect(addr netip.Addr, port int, timeout time.Duration) error

	// Close releases the handle. It must be idempotent and safe to call
	// concurrently with any other method, which then fails.
	Close() error

	ShutdownInput() error
	ShutdownOutput() error

	// Option reads a socket option. See OptionKey for value types.
	Option(key OptionKey) (any, error)
	// SetOption writes a socket option. See OptionKey for value types.
	SetOption(key OptionKey, value any) error

	InputStream() (io.Reader, error)
	OutputStream() (io.Writer, error)

	// SendUrgentData sends one byte of out-of-band data.
	SendUrgentData(b byte) error

	// LocalPort returns the bound local port, or -1 before a bind.
	LocalPort() int
	// LocalAddr queries the locally bound address from the handle.
	LocalAddr() (netip.Addr, error)
	// RemoteAddr returns the connected peer address.
	RemoteAddr() netip.Addr
	// RemotePort returns the connected peer port.
	RemotePort() int

	// String returns a human-readable description of the connection.
	String() string
}

// Factory produces a fresh, not yet created Transport. proxy is the proxy the
// owning socket was constructed with, or nil for a direct connection.
type Factory interface {
	NewTransport(proxy *Proxy) (Transport, error)
}

// FactoryFunc adapts a function to the Factory interface.
type FactoryFunc func(proxy *Proxy) (Transport, error)

// NewTransport calls f(proxy).
func (f FactoryFunc) NewTransport(proxy *Proxy) (Transport, error) {
	return f(proxy)
}
