// Package socks implements transport.Transport for stream sockets that reach
// their destination through a SOCKS5 proxy, using golang.org/x/net/proxy.
//
// The proxy negotiates the outbound connection, so nothing is opened until
// Connect. A Bind only records the local address, which then becomes the local
// end of the TCP connection to the proxy. Options set before Connect are kept
// and applied to that connection once it exists.
package socks

import (
	"context"
	goerrors "errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"strconv"
	"sync"
	"syscall"
	"time"

	pkgerrors "github.com/pkg/errors"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/proxy"

	"github.com/joshuafuller/netsock/internal/errors"
	"github.com/joshuafuller/netsock/transport"
)

// Transport is a SOCKS5 client connection.
type Transport struct {
	proxy *transport.Proxy

	mu      sync.Mutex
	created bool
	bound   bool
	closed  bool
	local   netip.AddrPort
	remote  netip.AddrPort
	options map[transport.OptionKey]any
	conn    net.Conn     // as returned by the SOCKS dialer
	raw     *net.TCPConn // the connection to the proxy
	cancel  context.CancelFunc
}

// New returns a transport that connects through p, which must be a SOCKS proxy
// with an address.
func New(p *transport.Proxy) (*Transport, error) {
	if !p.IsSOCKS() || p.Addr == nil {
		return nil, &errors.ValidationError{Field: "proxy", Value: p, Message: "not a SOCKS proxy with an address"}
	}
	return &Transport{
		proxy: p,
		options: map[transport.OptionKey]any{
			transport.SoKeepAlive:    false,
			transport.SoLinger:       false,
			transport.SoRcvBuf:       0,
			transport.SoSndBuf:       0,
			transport.SoTimeout:      time.Duration(0),
			transport.TCPNoDelay:     true,
			transport.SoReuseAddr:    false,
			transport.SoOOBInline:    false,
			transport.IPTOS:          0,
			transport.SoBindToDevice: "",
		},
	}, nil
}

func (t *Transport) Create(streaming bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return closedErr("create")
	}
	if !streaming {
		return &errors.NetworkError{Operation: "create", Err: syscall.EPROTONOSUPPORT, Details: "SOCKS carries stream sockets only"}
	}
	t.created = true
	return nil
}

func (t *Transport) Bind(addr netip.Addr, port int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.usable("bind"); err != nil {
		return err
	}
	if t.bound || t.conn != nil {
		return &errors.NetworkError{Operation: "bind", Err: syscall.EINVAL, Details: "already bound"}
	}
	local, err := transport.AddrPort(addr, port)
	if err != nil {
		return err
	}
	t.local = local
	t.bound = true
	return nil
}

func (t *Transport) Connect(addr netip.Addr, port int, timeout time.Duration) error {
	remote, err := transport.AddrPort(addr, port)
	if err != nil {
		return err
	}

	t.mu.Lock()
	if err := t.usable("connect"); err != nil {
		t.mu.Unlock()
		return err
	}
	if t.conn != nil {
		t.mu.Unlock()
		return &errors.NetworkError{Operation: "connect", Err: syscall.EISCONN}
	}
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), timeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}
	t.cancel = cancel
	fwd := &forward{t: t}
	if t.bound {
		fwd.d.LocalAddr = net.TCPAddrFromAddrPort(t.local)
	}
	t.mu.Unlock()
	defer cancel()

	var auth *proxy.Auth
	if t.proxy.User != "" {
		auth = &proxy.Auth{User: t.proxy.User, Password: t.proxy.Password}
	}
	proxyAddr := net.JoinHostPort(t.proxy.Addr.HostString(), strconv.Itoa(t.proxy.Addr.Port))
	d, err := proxy.SOCKS5("tcp", proxyAddr, auth, fwd)
	if err != nil {
		return &errors.NetworkError{Operation: "connect", Err: err, Details: proxyAddr}
	}

	conn, err := d.(proxy.ContextDialer).DialContext(ctx, "tcp", remote.String())
	if err != nil {
		if goerrors.Is(err, context.DeadlineExceeded) {
			err = os.ErrDeadlineExceeded
		} else if goerrors.Is(err, context.Canceled) {
			err = net.ErrClosed
		}
		return &errors.NetworkError{
			Operation: "connect",
			Err:       pkgerrors.Wrapf(err, "via SOCKS5 proxy %s", proxyAddr),
			Details:   remote.String(),
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		_ = conn.Close() // Ignore error, already returning primary error
		return closedErr("connect")
	}
	t.conn = conn
	t.remote = remote
	t.bound = true
	return nil
}

// forward dials the proxy and keeps the TCP connection so options can reach it.
type forward struct {
	t *Transport
	d net.Dialer
}

func (f *forward) Dial(network, addr string) (net.Conn, error) {
	return f.DialContext(context.Background(), network, addr)
}

func (f *forward) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	c, err := f.d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	tc, ok := c.(*net.TCPConn)
	if !ok {
		return c, nil
	}
	f.t.mu.Lock()
	defer f.t.mu.Unlock()
	f.t.raw = tc
	for key, v := range f.t.options {
		if err := applyOption(tc, key, v); err != nil {
			_ = c.Close() // Ignore error, already returning primary error
			return nil, pkgerrors.Wrapf(err, "apply %s", key)
		}
	}
	return c, nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if t.cancel != nil {
		t.cancel()
	}
	if t.conn != nil {
		return t.conn.Close()
	}
	if t.raw != nil {
		return t.raw.Close()
	}
	return nil
}

func (t *Transport) ShutdownInput() error {
	raw, err := t.live("shutdown input")
	if err != nil {
		return err
	}
	if err := raw.CloseRead(); err != nil {
		return &errors.NetworkError{Operation: "shutdown input", Err: err}
	}
	return nil
}

func (t *Transport) ShutdownOutput() error {
	raw, err := t.live("shutdown output")
	if err != nil {
		return err
	}
	if err := raw.CloseWrite(); err != nil {
		return &errors.NetworkError{Operation: "shutdown output", Err: err}
	}
	return nil
}

func (t *Transport) Option(key transport.OptionKey) (any, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.usable("getsockopt"); err != nil {
		return nil, err
	}
	v, ok := t.options[key]
	if !ok {
		return nil, &errors.NetworkError{Operation: "getsockopt", Err: syscall.ENOPROTOOPT, Details: key.String()}
	}
	return v, nil
}

func (t *Transport) SetOption(key transport.OptionKey, value any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.usable("setsockopt"); err != nil {
		return err
	}
	if _, ok := t.options[key]; !ok {
		return &errors.NetworkError{Operation: "setsockopt", Err: syscall.ENOPROTOOPT, Details: key.String()}
	}
	if t.raw != nil {
		if err := applyOption(t.raw, key, value); err != nil {
			return &errors.NetworkError{Operation: "setsockopt", Err: err, Details: key.String()}
		}
	}
	t.options[key] = value
	return nil
}

// applyOption sets what the proxy connection can carry. SO_REUSEADDR,
// SO_OOBINLINE and SO_BINDTODEVICE are recorded only.
func applyOption(c *net.TCPConn, key transport.OptionKey, v any) error {
	switch v := v.(type) {
	case bool:
		switch key {
		case transport.SoKeepAlive:
			return c.SetKeepAlive(v)
		case transport.TCPNoDelay:
			return c.SetNoDelay(v)
		case transport.SoLinger:
			return c.SetLinger(-1)
		}
	case int:
		switch {
		case key == transport.SoLinger:
			return c.SetLinger(v)
		case key == transport.SoRcvBuf && v > 0:
			return c.SetReadBuffer(v)
		case key == transport.SoSndBuf && v > 0:
			return c.SetWriteBuffer(v)
		case key == transport.IPTOS && v > 0 && c.RemoteAddr().(*net.TCPAddr).IP.To4() != nil:
			return ipv4.NewConn(c).SetTOS(v)
		}
	}
	return nil
}

func (t *Transport) InputStream() (io.Reader, error) {
	if _, err := t.live("input stream"); err != nil {
		return nil, err
	}
	return reader{t}, nil
}

func (t *Transport) OutputStream() (io.Writer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.connected("output stream"); err != nil {
		return nil, err
	}
	return t.conn, nil
}

func (t *Transport) SendUrgentData(b byte) error {
	return &errors.NetworkError{Operation: "send urgent data", Err: syscall.EOPNOTSUPP, Details: "not carried by SOCKS"}
}

func (t *Transport) LocalPort() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case t.raw != nil:
		return t.raw.LocalAddr().(*net.TCPAddr).Port
	case t.bound:
		return int(t.local.Port())
	}
	return -1
}

func (t *Transport) LocalAddr() (netip.Addr, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case t.closed:
		return netip.Addr{}, closedErr("getsockname")
	case t.raw != nil:
		return t.raw.LocalAddr().(*net.TCPAddr).AddrPort().Addr().Unmap(), nil
	case t.bound:
		return t.local.Addr(), nil
	}
	return netip.Addr{}, &errors.NetworkError{Operation: "getsockname", Err: syscall.EBADF}
}

func (t *Transport) RemoteAddr() netip.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remote.Addr()
}

func (t *Transport) RemotePort() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return int(t.remote.Port())
}

func (t *Transport) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return fmt.Sprintf("Socket[addr=%s,port=%d] via %s", t.remote.Addr(), t.remote.Port(), t.proxy)
}

func (t *Transport) usable(op string) error {
	if t.closed {
		return closedErr(op)
	}
	if !t.created {
		return &errors.NetworkError{Operation: op, Err: syscall.EBADF, Details: "not created"}
	}
	return nil
}

func (t *Transport) connected(op string) error {
	if err := t.usable(op); err != nil {
		return err
	}
	if t.conn == nil {
		return &errors.NetworkError{Operation: op, Err: syscall.ENOTCONN}
	}
	return nil
}

func (t *Transport) live(op string) (*net.TCPConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.connected(op); err != nil {
		return nil, err
	}
	return t.raw, nil
}

func closedErr(op string) error {
	return &errors.NetworkError{Operation: op, Err: net.ErrClosed}
}

type reader struct{ t *Transport }

func (r reader) Read(p []byte) (int, error) {
	r.t.mu.Lock()
	conn := r.t.conn
	timeout, _ := r.t.options[transport.SoTimeout].(time.Duration)
	r.t.mu.Unlock()

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return 0, err
	}
	n, err := conn.Read(p)
	if err != nil && err != io.EOF {
		return n, &errors.NetworkError{Operation: "read", Err: err}
	}
	return n, err
}
