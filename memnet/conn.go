package memnet

import (
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/smallnest/ringbuffer"

	"github.com/joshuafuller/netsock/internal/errors"
	"github.com/joshuafuller/netsock/transport"
)

// readPollInterval is how often a read with SO_TIMEOUT rechecks an empty pipe.
const readPollInterval = time.Millisecond

// pipe is one direction of a connection.
type pipe struct {
	rb     *ringbuffer.RingBuffer
	closed atomic.Bool // writer side closed; reads drain then see EOF
}

func newPipe(size int) *pipe {
	return &pipe{rb: ringbuffer.New(size).SetBlocking(true)}
}

func (p *pipe) closeWriter() {
	p.closed.Store(true)
	p.rb.CloseWriter()
}

// Conn is an in-memory transport. Client conns come from Network.NewTransport,
// server conns from Listener.Accept.
type Conn struct {
	net *Network

	mu        sync.Mutex
	created   bool
	streaming bool
	bound     bool
	connected bool
	accepted  bool
	closed    bool
	bindCalls int
	local     netip.AddrPort
	remote    netip.AddrPort
	options   map[transport.OptionKey]any
	urgent    []byte

	in, out     *pipe
	inShutdown  atomic.Bool
	outShutdown atomic.Bool

	closeOnce sync.Once
	done      chan struct{}
}

func newConn(n *Network) *Conn {
	return &Conn{
		net:  n,
		done: make(chan struct{}),
		options: map[transport.OptionKey]any{
			transport.SoKeepAlive:    false,
			transport.SoLinger:       false,
			transport.SoRcvBuf:       n.BufferSize,
			transport.SoSndBuf:       n.BufferSize,
			transport.SoTimeout:      time.Duration(0),
			transport.TCPNoDelay:     false,
			transport.SoReuseAddr:    false,
			transport.SoOOBInline:    false,
			transport.IPTOS:          0,
			transport.SoBindToDevice: "",
		},
	}
}

func (c *Conn) Create(streaming bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return closedErr("create")
	}
	if c.created {
		return &errors.NetworkError{Operation: "create", Err: syscall.EISCONN, Details: "already created"}
	}
	c.created = true
	c.streaming = streaming
	return nil
}

func (c *Conn) Bind(addr netip.Addr, port int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bindCalls++
	if err := c.usable("bind"); err != nil {
		return err
	}
	if c.bound {
		return &errors.NetworkError{Operation: "bind", Err: syscall.EINVAL, Details: "already bound"}
	}
	reuse, _ := c.options[transport.SoReuseAddr].(bool)
	ap, err := c.net.reserve(addr, port, reuse)
	if err != nil {
		return err
	}
	c.local = ap
	c.bound = true
	return nil
}

func (c *Conn) Connect(addr netip.Addr, port int, timeout time.Duration) error {
	remote, err := transport.AddrPort(addr, port)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if err := c.usable("connect"); err != nil {
		c.mu.Unlock()
		return err
	}
	if c.connected {
		c.mu.Unlock()
		return &errors.NetworkError{Operation: "connect", Err: syscall.EISCONN}
	}
	if !c.bound {
		ap, err := c.net.reserve(netip.IPv4Unspecified(), 0, false)
		if err != nil {
			c.mu.Unlock()
			return err
		}
		c.local = ap
		c.bound = true
	}
	c.mu.Unlock()

	l, hole := c.net.route(remote)
	if hole {
		return c.hang(remote, timeout)
	}
	if l == nil {
		return &errors.NetworkError{Operation: "connect", Err: syscall.ECONNREFUSED, Details: remote.String()}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return closedErr("connect")
	}
	size := c.net.BufferSize
	c.in, c.out = newPipe(size), newPipe(size)
	srv := newConn(c.net)
	srv.created, srv.streaming, srv.bound, srv.connected, srv.accepted = true, c.streaming, true, true, true
	srv.local = remote
	srv.remote = netip.AddrPortFrom(c.localAddrFor(addr), c.local.Port())
	srv.in, srv.out = c.out, c.in
	if !l.enqueue(srv) {
		c.in, c.out = nil, nil
		return &errors.NetworkError{Operation: "connect", Err: syscall.ECONNREFUSED, Details: remote.String()}
	}
	c.remote = remote
	c.connected = true
	return nil
}

// hang blocks a connect to a blackholed endpoint until timeout or Close.
func (c *Conn) hang(remote netip.AddrPort, timeout time.Duration) error {
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	select {
	case <-expired:
		return &errors.NetworkError{Operation: "connect", Err: os.ErrDeadlineExceeded, Details: remote.String()}
	case <-c.done:
		return closedErr("connect")
	}
}

func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		// Accepted conns share the listener's endpoint and never reserved it.
		if c.bound && !c.accepted {
			c.net.release(c.local)
		}
		in, out := c.in, c.out
		c.mu.Unlock()

		close(c.done)
		if out != nil {
			out.closeWriter()
		}
		if in != nil {
			in.rb.CloseWithError(net.ErrClosed)
		}
	})
	return nil
}

func (c *Conn) ShutdownInput() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.live("shutdown input"); err != nil {
		return err
	}
	c.inShutdown.Store(true)
	return nil
}

func (c *Conn) ShutdownOutput() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.live("shutdown output"); err != nil {
		return err
	}
	if !c.outShutdown.Swap(true) {
		c.out.closeWriter()
	}
	return nil
}

func (c *Conn) Option(key transport.OptionKey) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.usable("getsockopt"); err != nil {
		return nil, err
	}
	v, ok := c.options[key]
	if !ok {
		return nil, &errors.NetworkError{Operation: "getsockopt", Err: syscall.ENOPROTOOPT, Details: key.String()}
	}
	return v, nil
}

func (c *Conn) SetOption(key transport.OptionKey, value any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.usable("setsockopt"); err != nil {
		return err
	}
	if _, ok := c.options[key]; !ok {
		return &errors.NetworkError{Operation: "setsockopt", Err: syscall.ENOPROTOOPT, Details: key.String()}
	}
	c.options[key] = value
	return nil
}

func (c *Conn) InputStream() (io.Reader, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.live("input stream"); err != nil {
		return nil, err
	}
	return reader{c}, nil
}

func (c *Conn) OutputStream() (io.Writer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.live("output stream"); err != nil {
		return nil, err
	}
	return writer{c}, nil
}

func (c *Conn) SendUrgentData(b byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.live("send urgent data"); err != nil {
		return err
	}
	c.urgent = append(c.urgent, b)
	return nil
}

// Urgent returns the out-of-band bytes sent through c.
func (c *Conn) Urgent() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.urgent...)
}

// BindCalls returns how many times Bind was called on c.
func (c *Conn) BindCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bindCalls
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) LocalPort() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.bound {
		return -1
	}
	return int(c.local.Port())
}

func (c *Conn) LocalAddr() (netip.Addr, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.created || !c.bound {
		return netip.Addr{}, &errors.NetworkError{Operation: "getsockname", Err: syscall.EBADF}
	}
	if c.connected {
		return c.localAddrFor(c.remote.Addr()), nil
	}
	return c.local.Addr(), nil
}

func (c *Conn) localAddrFor(remote netip.Addr) netip.Addr {
	if c.local.Addr().IsUnspecified() {
		return c.net.loopbackFor(remote)
	}
	return c.local.Addr()
}

func (c *Conn) RemoteAddr() netip.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote.Addr()
}

func (c *Conn) RemotePort() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int(c.remote.Port())
}

func (c *Conn) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fmt.Sprintf("Socket[address=%s,port=%d,localPort=%d]", c.remote.Addr(), c.remote.Port(), c.local.Port())
}

// usable requires a created, open transport. Callers hold c.mu.
func (c *Conn) usable(op string) error {
	if c.closed {
		return closedErr(op)
	}
	if !c.created {
		return &errors.NetworkError{Operation: op, Err: syscall.EBADF, Details: "not created"}
	}
	return nil
}

// live additionally requires a connection. Callers hold c.mu.
func (c *Conn) live(op string) error {
	if err := c.usable(op); err != nil {
		return err
	}
	if !c.connected {
		return &errors.NetworkError{Operation: op, Err: syscall.ENOTCONN}
	}
	return nil
}

func closedErr(op string) error {
	return &errors.NetworkError{Operation: op, Err: net.ErrClosed}
}

type reader struct{ c *Conn }

func (r reader) Read(p []byte) (int, error) {
	c := r.c
	if c.inShutdown.Load() {
		return 0, io.EOF
	}
	c.mu.Lock()
	timeout, _ := c.options[transport.SoTimeout].(time.Duration)
	in := c.in
	c.mu.Unlock()

	if timeout > 0 {
		deadline := time.Now().Add(timeout)
		for in.rb.Length() == 0 && !in.closed.Load() && !c.isClosed() {
			if time.Now().After(deadline) {
				return 0, &errors.NetworkError{Operation: "read", Err: os.ErrDeadlineExceeded}
			}
			time.Sleep(readPollInterval)
		}
	}
	return in.rb.Read(p)
}

func (c *Conn) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

type writer struct{ c *Conn }

func (w writer) Write(p []byte) (int, error) {
	c := w.c
	if c.outShutdown.Load() {
		return 0, &errors.NetworkError{Operation: "write", Err: syscall.EPIPE}
	}
	c.mu.Lock()
	out := c.out
	c.mu.Unlock()
	return out.rb.Write(p)
}
