// Package memnet is an in-memory network for exercising netsock sockets without
// touching the operating system.
//
// A Network hands out transports (it is a transport.Factory), keeps a table of
// listening endpoints, and connects transports to listeners through a pair of
// blocking ring buffers, one per direction. Endpoints nobody listens on refuse
// connections; endpoints registered with Blackhole swallow the connect until its
// timeout expires, which makes timeout behavior testable.
//
//	n := memnet.New()
//	l, _ := n.Listen(netip.MustParseAddr("10.0.0.2"), 80)
//	s, _ := socket.DialAddr(netip.MustParseAddr("10.0.0.2"), 80, socket.WithFactory(n))
//	peer, _ := l.Accept()
//	srv, _ := socket.FromAccepted(peer)
package memnet

import (
	"net/netip"
	"sync"
	"syscall"

	"github.com/joshuafuller/netsock/internal/errors"
	"github.com/joshuafuller/netsock/transport"
)

const (
	// DefaultBufferSize is the capacity of each direction of a connection.
	DefaultBufferSize = 64 * 1024

	firstEphemeralPort = 40000
	acceptBacklog      = 16
)

// Network is a set of in-memory endpoints. The zero value is not usable; call New.
type Network struct {
	// LoopbackV4 and LoopbackV6 are reported as the local address of sockets
	// bound to the wildcard address.
	LoopbackV4 netip.Addr
	LoopbackV6 netip.Addr
	// BufferSize is the ring capacity for new connections.
	BufferSize int

	mu         sync.Mutex
	listeners  map[netip.AddrPort]*Listener
	blackholes map[netip.AddrPort]bool
	inUse      map[netip.AddrPort]bool
	nextPort   int
	conns      []*Conn
}

// New returns an empty network.
func New() *Network {
	return &Network{
		LoopbackV4: netip.MustParseAddr("127.0.0.1"),
		LoopbackV6: netip.IPv6Loopback(),
		BufferSize: DefaultBufferSize,
		listeners:  make(map[netip.AddrPort]*Listener),
		blackholes: make(map[netip.AddrPort]bool),
		inUse:      make(map[netip.AddrPort]bool),
		nextPort:   firstEphemeralPort,
	}
}

// NewTransport returns a fresh client transport. It makes *Network a
// transport.Factory; the proxy is ignored.
func (n *Network) NewTransport(_ *transport.Proxy) (transport.Transport, error) {
	c := newConn(n)
	n.mu.Lock()
	n.conns = append(n.conns, c)
	n.mu.Unlock()
	return c, nil
}

// Transports returns every client transport created so far, oldest first.
func (n *Network) Transports() []*Conn {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*Conn, len(n.conns))
	copy(out, n.conns)
	return out
}

// Listen starts accepting connections on addr:port.
func (n *Network) Listen(addr netip.Addr, port int) (*Listener, error) {
	ap, err := transport.AddrPort(addr, port)
	if err != nil {
		return nil, err
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.listeners[ap]; ok {
		return nil, &errors.NetworkError{
			Operation: "listen",
			Err:       syscall.EADDRINUSE,
			Details:   ap.String(),
		}
	}
	l := &Listener{
		net:     n,
		addr:    ap,
		backlog: make(chan *Conn, acceptBacklog),
		done:    make(chan struct{}),
	}
	n.listeners[ap] = l
	return l, nil
}

// Blackhole makes connects to addr:port hang until their timeout expires (or
// forever, for a zero timeout, until the transport is closed).
func (n *Network) Blackhole(addr netip.Addr, port int) error {
	ap, err := transport.AddrPort(addr, port)
	if err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.blackholes[ap] = true
	return nil
}

// reserve claims a local endpoint. Port 0 allocates an ephemeral port.
func (n *Network) reserve(addr netip.Addr, port int, reuse bool) (netip.AddrPort, error) {
	ap, err := transport.AddrPort(addr, port)
	if err != nil {
		return netip.AddrPort{}, err
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if port == 0 {
		for {
			eph := netip.AddrPortFrom(addr, uint16(n.nextPort))
			n.nextPort++
			if n.nextPort > transport.MaxPort {
				n.nextPort = firstEphemeralPort
			}
			if !n.inUse[eph] {
				n.inUse[eph] = true
				return eph, nil
			}
		}
	}

	if n.inUse[ap] && !reuse {
		return netip.AddrPort{}, &errors.NetworkError{
			Operation: "bind",
			Err:       syscall.EADDRINUSE,
			Details:   ap.String(),
		}
	}
	n.inUse[ap] = true
	return ap, nil
}

func (n *Network) release(ap netip.AddrPort) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.inUse, ap)
}

// route finds where a connect to ap goes: a listener, a blackhole, or nowhere.
func (n *Network) route(ap netip.AddrPort) (*Listener, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.listeners[ap], n.blackholes[ap]
}

// loopbackFor picks the address reported for a wildcard-bound socket talking to
// remote.
func (n *Network) loopbackFor(remote netip.Addr) netip.Addr {
	if remote.Is6() && !remote.Is4In6() {
		return n.LoopbackV6
	}
	return n.LoopbackV4
}

// Listener accepts in-memory connections on one endpoint.
type Listener struct {
	net     *Network
	addr    netip.AddrPort
	backlog chan *Conn
	once    sync.Once
	done    chan struct{}
}

// Addr returns the listening endpoint.
func (l *Listener) Addr() netip.AddrPort { return l.addr }

// Accept blocks until a client connects and returns the server side of the
// connection, already created, bound and connected.
func (l *Listener) Accept() (*Conn, error) {
	select {
	case c := <-l.backlog:
		return c, nil
	case <-l.done:
		return nil, &errors.NetworkError{Operation: "accept", Err: syscall.EINVAL, Details: "listener closed"}
	}
}

// Close stops accepting. Pending, unaccepted connections are reset.
func (l *Listener) Close() error {
	l.once.Do(func() {
		close(l.done)
		l.net.mu.Lock()
		delete(l.net.listeners, l.addr)
		l.net.mu.Unlock()
		for {
			select {
			case c := <-l.backlog:
				_ = c.Close()
			default:
				return
			}
		}
	})
	return nil
}

func (l *Listener) enqueue(c *Conn) bool {
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.backlog <- c:
		return true
	default:
		return false
	}
}
