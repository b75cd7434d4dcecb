//go:build linux

// Package plain implements transport.Transport with Linux sockets through
// golang.org/x/sys/unix.
//
// Create opens a dual-stack AF_INET6 socket (falling back to AF_INET when the
// host has no IPv6) so one transport serves both address families. Bind and
// Connect run as raw system calls; a connect with a timeout uses a non-blocking
// connect and poll(2). Once connected, the descriptor is handed to the Go
// runtime poller through net.FileConn and all I/O goes through the resulting
// net.Conn.
package plain

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

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
	"golang.org/x/sys/unix"

	"github.com/joshuafuller/netsock/internal/errors"
	"github.com/joshuafuller/netsock/transport"
)

// pollSlice bounds each poll(2) wait so a concurrent Close is noticed.
const pollSlice = 50 * time.Millisecond

// Transport is a Linux socket.
type Transport struct {
	mu        sync.Mutex
	fd        int // raw descriptor until connected, then -1
	conn      net.Conn
	family    int
	streaming bool
	localPort int
	remote    netip.AddrPort
	timeout   time.Duration // SO_TIMEOUT, applied as a read deadline

	// connecting is set while connect(2) is polled outside mu.
	connecting bool

	closed atomic.Bool
}

// New returns a transport with no descriptor yet.
func New() (transport.Transport, error) {
	return &Transport{fd: -1, localPort: -1}, nil
}

func (t *Transport) Create(streaming bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed.Load() {
		return closedErr("create")
	}
	if t.fd >= 0 || t.conn != nil {
		return &errors.NetworkError{Operation: "create", Err: unix.EISCONN, Details: "already created"}
	}

	typ, proto := unix.SOCK_STREAM, unix.IPPROTO_TCP
	if !streaming {
		typ, proto = unix.SOCK_DGRAM, unix.IPPROTO_UDP
	}
	typ |= unix.SOCK_NONBLOCK | unix.SOCK_CLOEXEC

	family := unix.AF_INET6
	fd, err := unix.Socket(family, typ, proto)
	if err == unix.EAFNOSUPPORT {
		family = unix.AF_INET
		fd, err = unix.Socket(family, typ, proto)
	}
	if err != nil {
		return &errors.NetworkError{Operation: "create", Err: os.NewSyscallError("socket", err)}
	}
	if family == unix.AF_INET6 {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 0); err != nil {
			_ = unix.Close(fd) // Ignore error, already returning primary error
			return &errors.NetworkError{Operation: "create", Err: os.NewSyscallError("setsockopt", err), Details: "IPV6_V6ONLY"}
		}
	}
	t.fd, t.family, t.streaming = fd, family, streaming
	return nil
}

func (t *Transport) Bind(addr netip.Addr, port int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	fd, err := t.rawFD("bind")
	if err != nil {
		return err
	}
	local, err := transport.AddrPort(addr, port)
	if err != nil {
		return err
	}
	sa, err := t.sockaddr(addr, port)
	if err != nil {
		return &errors.NetworkError{Operation: "bind", Err: err, Details: addr.String()}
	}
	if err := unix.Bind(fd, sa); err != nil {
		return &errors.NetworkError{
			Operation: "bind",
			Err:       os.NewSyscallError("bind", err),
			Details:   local.String(),
		}
	}
	t.localPort = t.boundPort(fd)
	return nil
}

func (t *Transport) Connect(addr netip.Addr, port int, timeout time.Duration) error {
	remote, err := transport.AddrPort(addr, port)
	if err != nil {
		return err
	}

	t.mu.Lock()
	fd, err := t.rawFD("connect")
	if err != nil {
		t.mu.Unlock()
		return err
	}
	if t.connecting {
		t.mu.Unlock()
		return &errors.NetworkError{Operation: "connect", Err: unix.EALREADY, Details: remote.String()}
	}
	sa, err := t.sockaddr(addr, port)
	if err != nil {
		t.mu.Unlock()
		return &errors.NetworkError{Operation: "connect", Err: err, Details: remote.String()}
	}
	// While connecting, the descriptor stays open even across Close, so the
	// poll loop never sees a reused descriptor number.
	t.connecting = true
	t.mu.Unlock()

	connErr := t.connect(fd, sa, timeout)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.connecting = false
	if t.closed.Load() {
		_ = unix.Close(fd) // Close deferred the descriptor to us
		t.fd = -1
		return closedErr("connect")
	}
	if connErr != nil {
		return &errors.NetworkError{Operation: "connect", Err: connErr, Details: remote.String()}
	}
	t.localPort = t.boundPort(fd)

	// net.FileConn dups the descriptor; the original is closed with f.
	f := os.NewFile(uintptr(fd), "socket")
	conn, err := net.FileConn(f)
	_ = f.Close()
	t.fd = -1
	if err != nil {
		return &errors.NetworkError{Operation: "connect", Err: err, Details: "failed to attach descriptor to poller"}
	}
	t.conn = conn
	t.remote = remote
	return nil
}

// connect runs a non-blocking connect(2) and waits for it to complete.
func (t *Transport) connect(fd int, sa unix.Sockaddr, timeout time.Duration) error {
	err := unix.Connect(fd, sa)
	switch err {
	case nil:
		return nil
	case unix.EINPROGRESS, unix.EALREADY, unix.EINTR:
	default:
		return os.NewSyscallError("connect", err)
	}

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		if t.closed.Load() {
			return net.ErrClosed
		}
		wait := pollSlice
		if !deadline.IsZero() {
			left := time.Until(deadline)
			if left <= 0 {
				return os.ErrDeadlineExceeded
			}
			wait = min(wait, left)
		}
		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
		n, err := unix.Poll(fds, int(wait/time.Millisecond)+1)
		if err == unix.EINTR || n == 0 {
			continue
		}
		if err != nil {
			return os.NewSyscallError("poll", err)
		}
		if fds[0].Revents&unix.POLLNVAL != 0 {
			return net.ErrClosed
		}
		soErr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
		if err != nil {
			return os.NewSyscallError("getsockopt", err)
		}
		if soErr != 0 {
			return os.NewSyscallError("connect", unix.Errno(soErr))
		}
		return nil
	}
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed.Swap(true) {
		return nil
	}
	if t.conn != nil {
		return t.conn.Close()
	}
	if t.fd >= 0 && t.connecting {
		// Connect owns the descriptor until it returns; wake it and let it close.
		_ = unix.Shutdown(t.fd, unix.SHUT_RDWR)
		return nil
	}
	if t.fd >= 0 {
		fd := t.fd
		t.fd = -1
		if err := unix.Close(fd); err != nil {
			return &errors.NetworkError{Operation: "close", Err: os.NewSyscallError("close", err)}
		}
	}
	return nil
}

func (t *Transport) ShutdownInput() error {
	return t.shutdown("shutdown input", unix.SHUT_RD)
}

func (t *Transport) ShutdownOutput() error {
	return t.shutdown("shutdown output", unix.SHUT_WR)
}

func (t *Transport) shutdown(op string, how int) error {
	return t.control(op, func(fd int) error {
		return os.NewSyscallError("shutdown", unix.Shutdown(fd, how))
	})
}

func (t *Transport) InputStream() (io.Reader, error) {
	conn, err := t.connected("input stream")
	if err != nil {
		return nil, err
	}
	return reader{t: t, conn: conn}, nil
}

func (t *Transport) OutputStream() (io.Writer, error) {
	return t.connected("output stream")
}

func (t *Transport) SendUrgentData(b byte) error {
	if _, err := t.connected("send urgent data"); err != nil {
		return err
	}
	return t.control("send urgent data", func(fd int) error {
		return os.NewSyscallError("sendto", unix.Sendto(fd, []byte{b}, unix.MSG_OOB, nil))
	})
}

func (t *Transport) LocalPort() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.localPort
}

func (t *Transport) LocalAddr() (netip.Addr, error) {
	var addr netip.Addr
	err := t.control("getsockname", func(fd int) error {
		sa, err := unix.Getsockname(fd)
		if err != nil {
			return os.NewSyscallError("getsockname", err)
		}
		addr, _ = fromSockaddr(sa)
		return nil
	})
	if err != nil {
		return netip.Addr{}, err
	}
	if addr.IsUnspecified() {
		addr = netip.IPv4Unspecified()
	}
	return addr, nil
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
	return fmt.Sprintf("Socket[addr=%s,port=%d,localport=%d]", t.remote.Addr(), t.remote.Port(), t.localPort)
}

// rawFD returns the descriptor of a created, unconnected transport. Callers hold
// t.mu.
func (t *Transport) rawFD(op string) (int, error) {
	if t.closed.Load() {
		return -1, closedErr(op)
	}
	if t.conn != nil {
		return -1, &errors.NetworkError{Operation: op, Err: unix.EISCONN}
	}
	if t.fd < 0 {
		return -1, &errors.NetworkError{Operation: op, Err: unix.EBADF, Details: "not created"}
	}
	return t.fd, nil
}

func (t *Transport) connected(op string) (net.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed.Load() {
		return nil, closedErr(op)
	}
	if t.conn == nil {
		return nil, &errors.NetworkError{Operation: op, Err: unix.ENOTCONN}
	}
	return t.conn, nil
}

// control runs fn on the live descriptor, before or after connect.
func (t *Transport) control(op string, fn func(fd int) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed.Load() {
		return closedErr(op)
	}

	var err error
	switch {
	case t.conn != nil:
		sc, ok := t.conn.(syscall.Conn)
		if !ok {
			return &errors.NetworkError{Operation: op, Err: unix.ENOTSUP}
		}
		rc, rerr := sc.SyscallConn()
		if rerr != nil {
			return &errors.NetworkError{Operation: op, Err: rerr}
		}
		if rerr := rc.Control(func(fd uintptr) { err = fn(int(fd)) }); rerr != nil {
			err = rerr
		}
	case t.fd >= 0:
		err = fn(t.fd)
	default:
		return &errors.NetworkError{Operation: op, Err: unix.EBADF, Details: "not created"}
	}
	if err != nil {
		return &errors.NetworkError{Operation: op, Err: err}
	}
	return nil
}

func (t *Transport) boundPort(fd int) int {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return t.localPort
	}
	_, port := fromSockaddr(sa)
	return port
}

func (t *Transport) sockaddr(addr netip.Addr, port int) (unix.Sockaddr, error) {
	if t.family == unix.AF_INET6 {
		sa := &unix.SockaddrInet6{Port: port}
		// The IPv4 wildcard maps to :: so the socket keeps both families.
		if !addr.IsUnspecified() {
			sa.Addr = addr.As16()
		}
		if zone := addr.Zone(); zone != "" {
			if ifi, err := net.InterfaceByName(zone); err == nil {
				sa.ZoneId = uint32(ifi.Index)
			}
		}
		return sa, nil
	}
	if !addr.Unmap().Is4() {
		return nil, unix.EAFNOSUPPORT
	}
	return &unix.SockaddrInet4{Port: port, Addr: addr.Unmap().As4()}, nil
}

func fromSockaddr(sa unix.Sockaddr) (netip.Addr, int) {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrFrom4(sa.Addr), sa.Port
	case *unix.SockaddrInet6:
		return netip.AddrFrom16(sa.Addr).Unmap(), sa.Port
	}
	return netip.Addr{}, -1
}

func closedErr(op string) error {
	return &errors.NetworkError{Operation: op, Err: net.ErrClosed}
}

// reader applies SO_TIMEOUT as a deadline on every read.
type reader struct {
	t    *Transport
	conn net.Conn
}

func (r reader) Read(p []byte) (int, error) {
	r.t.mu.Lock()
	timeout := r.t.timeout
	r.t.mu.Unlock()

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if err := r.conn.SetReadDeadline(deadline); err != nil {
		return 0, err
	}
	n, err := r.conn.Read(p)
	if err != nil && err != io.EOF {
		return n, &errors.NetworkError{Operation: "read", Err: err}
	}
	return n, err
}

// tos reads or writes the traffic class through x/net once the socket is
// connected, picking the family of the peer.
func (t *Transport) tos(set bool, v int) (int, error) {
	conn, err := t.connected("traffic class")
	if err != nil {
		return 0, err
	}
	if t.RemoteAddr().Is4() {
		c := ipv4.NewConn(conn)
		if set {
			return v, c.SetTOS(v)
		}
		return c.TOS()
	}
	c := ipv6.NewConn(conn)
	if set {
		return v, c.SetTrafficClass(v)
	}
	return c.TrafficClass()
}
