package socks

import (
	"encoding/binary"
	"io"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"github.com/joshuafuller/netsock/transport"
)

// serveSOCKS5 runs a no-auth SOCKS5 server that handles CONNECT to IPv4 and
// IPv6 literals. It returns the proxy endpoint.
func serveSOCKS5(t *testing.T) *transport.Endpoint {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	assert.NilError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			go handleSOCKS5(c)
		}
	}()
	return transport.NewEndpoint(netip.MustParseAddr("127.0.0.1"), l.Addr().(*net.TCPAddr).Port)
}

func handleSOCKS5(c net.Conn) {
	defer c.Close()

	hdr := make([]byte, 2)
	if _, err := io.ReadFull(c, hdr); err != nil || hdr[0] != 5 {
		return
	}
	if _, err := io.ReadFull(c, make([]byte, hdr[1])); err != nil {
		return
	}
	if _, err := c.Write([]byte{5, 0}); err != nil {
		return
	}

	req := make([]byte, 4)
	if _, err := io.ReadFull(c, req); err != nil || req[1] != 1 {
		return
	}
	var ip []byte
	switch req[3] {
	case 1:
		ip = make([]byte, 4)
	case 4:
		ip = make([]byte, 16)
	default:
		_, _ = c.Write([]byte{5, 8, 0, 1, 0, 0, 0, 0, 0, 0})
		return
	}
	port := make([]byte, 2)
	if _, err := io.ReadFull(c, ip); err != nil {
		return
	}
	if _, err := io.ReadFull(c, port); err != nil {
		return
	}
	addr, _ := netip.AddrFromSlice(ip)
	dst := netip.AddrPortFrom(addr, binary.BigEndian.Uint16(port))

	upstream, err := net.Dial("tcp", dst.String())
	if err != nil {
		_, _ = c.Write([]byte{5, 5, 0, 1, 0, 0, 0, 0, 0, 0})
		return
	}
	defer upstream.Close()
	if _, err := c.Write([]byte{5, 0, 0, 1, 127, 0, 0, 1, 0, 0}); err != nil {
		return
	}
	go func() { _, _ = io.Copy(upstream, c) }()
	_, _ = io.Copy(c, upstream)
}

func echoServer(t *testing.T) netip.AddrPort {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	assert.NilError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				_, _ = io.Copy(c, c)
			}()
		}
	}()
	return l.Addr().(*net.TCPAddr).AddrPort()
}

func newTransport(t *testing.T, proxyEP *transport.Endpoint) *Transport {
	t.Helper()
	tr, err := New(&transport.Proxy{Type: transport.SOCKS, Addr: proxyEP})
	assert.NilError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func TestTransport_ConnectThroughProxy(t *testing.T) {
	dst := echoServer(t)
	tr := newTransport(t, serveSOCKS5(t))

	assert.NilError(t, tr.Create(true))
	assert.Equal(t, tr.LocalPort(), -1)
	assert.NilError(t, tr.SetOption(transport.TCPNoDelay, false))

	assert.NilError(t, tr.Connect(dst.Addr(), int(dst.Port()), 2*time.Second))
	assert.Equal(t, tr.RemoteAddr(), dst.Addr())
	assert.Equal(t, tr.RemotePort(), int(dst.Port()))
	assert.Check(t, tr.LocalPort() > 0)

	local, err := tr.LocalAddr()
	assert.NilError(t, err)
	assert.Equal(t, local, netip.MustParseAddr("127.0.0.1"))

	w, err := tr.OutputStream()
	assert.NilError(t, err)
	_, err = w.Write([]byte("hello"))
	assert.NilError(t, err)

	r, err := tr.InputStream()
	assert.NilError(t, err)
	buf := make([]byte, 5)
	_, err = io.ReadFull(r, buf)
	assert.NilError(t, err)
	assert.Equal(t, string(buf), "hello")

	v, err := tr.Option(transport.TCPNoDelay)
	assert.NilError(t, err)
	assert.Equal(t, v, false)
}

func TestTransport_BindSetsProxyLegLocalAddress(t *testing.T) {
	dst := echoServer(t)
	tr := newTransport(t, serveSOCKS5(t))

	assert.NilError(t, tr.Create(true))
	assert.NilError(t, tr.Bind(netip.MustParseAddr("127.0.0.1"), 0))
	assert.Equal(t, tr.LocalPort(), 0)

	assert.NilError(t, tr.Connect(dst.Addr(), int(dst.Port()), 2*time.Second))
	assert.Check(t, tr.LocalPort() > 0)
}

func TestTransport_DatagramUnsupported(t *testing.T) {
	tr := newTransport(t, serveSOCKS5(t))
	err := tr.Create(false)
	assert.Check(t, is.ErrorType(err, errdefs.IsUnavailable))
}

func TestTransport_ProxyUnreachable(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	assert.NilError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	assert.NilError(t, l.Close())

	tr := newTransport(t, transport.NewEndpoint(netip.MustParseAddr("127.0.0.1"), port))
	assert.NilError(t, tr.Create(true))
	err = tr.Connect(netip.MustParseAddr("192.0.2.1"), 80, time.Second)
	assert.Check(t, is.ErrorType(err, errdefs.IsUnavailable))
}

func TestTransport_DestinationRefused(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	assert.NilError(t, err)
	dst := l.Addr().(*net.TCPAddr).AddrPort()
	assert.NilError(t, l.Close())

	tr := newTransport(t, serveSOCKS5(t))
	assert.NilError(t, tr.Create(true))
	err = tr.Connect(dst.Addr(), int(dst.Port()), 2*time.Second)
	assert.Check(t, is.ErrorType(err, errdefs.IsUnavailable))
}

func TestNew_RejectsNonSOCKS(t *testing.T) {
	_, err := New(&transport.Proxy{Type: transport.HTTP, Addr: transport.Unresolved("proxy.test", 3128)})
	assert.Check(t, is.ErrorType(err, errdefs.IsInvalidArgument))

	_, err = New(&transport.Proxy{Type: transport.SOCKS})
	assert.Check(t, is.ErrorType(err, errdefs.IsInvalidArgument))
}

func TestTransport_PortOutOfRange(t *testing.T) {
	tr := newTransport(t, transport.Unresolved("proxy.test", 1080))
	assert.NilError(t, tr.Create(true))

	err := tr.Bind(netip.IPv4Unspecified(), transport.MaxPort+1)
	assert.Check(t, is.ErrorType(err, errdefs.IsInvalidArgument))

	err = tr.Connect(netip.MustParseAddr("10.0.0.1"), -1, 0)
	assert.Check(t, is.ErrorType(err, errdefs.IsInvalidArgument))
}
