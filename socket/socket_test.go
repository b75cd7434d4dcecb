package socket

import (
	goerrors "errors"
	"io"
	"net"
	"net/netip"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
	"gotest.tools/v3/poll"

	"github.com/joshuafuller/netsock/memnet"
	"github.com/joshuafuller/netsock/transport"
)

var (
	serverA  = netip.MustParseAddr("10.0.0.1")
	serverB  = netip.MustParseAddr("10.0.0.2")
	wildcard = netip.IPv4Unspecified()
)

func listen(t *testing.T, n *memnet.Network, addr netip.Addr, port int) *memnet.Listener {
	t.Helper()
	l, err := n.Listen(addr, port)
	assert.NilError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func newTestSocket(t *testing.T, n *memnet.Network, opts ...Option) *Socket {
	t.Helper()
	s, err := New(append([]Option{WithFactory(n)}, opts...)...)
	assert.NilError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// lastConn returns the most recent transport n handed out.
func lastConn(t *testing.T, n *memnet.Network) *memnet.Conn {
	t.Helper()
	conns := n.Transports()
	assert.Assert(t, len(conns) > 0)
	return conns[len(conns)-1]
}

func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return goerrors.As(err, &te) && te.Timeout()
}

func TestNew_Unconnected(t *testing.T) {
	s := newTestSocket(t, memnet.New())

	assert.Check(t, !s.IsBound())
	assert.Check(t, !s.IsConnected())
	assert.Check(t, !s.IsClosed())
	assert.Check(t, !s.IsInputShutdown())
	assert.Check(t, !s.IsOutputShutdown())
	assert.Equal(t, s.LocalPort(), -1)
	assert.Equal(t, s.LocalAddr(), wildcard)
	assert.Check(t, !s.RemoteAddr().IsValid())
	assert.Equal(t, s.RemotePort(), 0)
	assert.Check(t, s.LocalEndpoint() == nil)
	assert.Check(t, s.RemoteEndpoint() == nil)
	assert.Equal(t, s.String(), "Socket[unconnected]")
}

func TestSocket_BindConnectClose(t *testing.T) {
	n := memnet.New()
	l := listen(t, n, serverA, 80)
	s := newTestSocket(t, n)

	assert.NilError(t, s.Bind(transport.NewEndpoint(wildcard, 5000)))
	assert.Check(t, s.IsBound())
	assert.Equal(t, s.LocalPort(), 5000)

	assert.NilError(t, s.Connect(transport.NewEndpoint(serverA, 80)))
	assert.Check(t, s.IsConnected())
	assert.Equal(t, s.RemoteAddr(), serverA)
	assert.Equal(t, s.RemotePort(), 80)
	assert.Equal(t, s.LocalAddr(), n.LoopbackV4)
	assert.Equal(t, s.LocalEndpoint().String(), "127.0.0.1:5000")
	assert.Equal(t, s.RemoteEndpoint().String(), "10.0.0.1:80")
	assert.Equal(t, s.String(), "Socket[address=10.0.0.1,port=80,localPort=5000]")

	peer, err := l.Accept()
	assert.NilError(t, err)
	assert.Equal(t, peer.RemotePort(), 5000)

	assert.NilError(t, s.Close())
	assert.Check(t, s.IsClosed())
	// The cached address resets; the port keeps reporting the transport's.
	assert.Equal(t, s.LocalAddr(), wildcard)
	assert.Equal(t, s.LocalPort(), 5000)
	assert.Check(t, s.IsConnected())

	assert.NilError(t, s.Close())
}

func TestSocket_BindNilUsesWildcardEphemeral(t *testing.T) {
	s := newTestSocket(t, memnet.New())
	assert.NilError(t, s.Bind(nil))
	assert.Check(t, s.LocalPort() > 0)
	assert.Equal(t, s.LocalAddr(), wildcard)
}

func TestSocket_BindAcceptsTCPAddr(t *testing.T) {
	s := newTestSocket(t, memnet.New())
	assert.NilError(t, s.Bind(&net.TCPAddr{IP: net.IPv4(10, 0, 0, 9), Port: 7000}))
	assert.Equal(t, s.LocalAddr(), netip.MustParseAddr("10.0.0.9"))
	assert.Equal(t, s.LocalPort(), 7000)
}

func TestSocket_BindErrors(t *testing.T) {
	tests := []struct {
		name  string
		addr  net.Addr
		check func(error) bool
	}{
		{"unresolved", transport.Unresolved("db.test", 80), errdefs.IsInvalidArgument},
		{"unsupported type", &net.UnixAddr{Name: "/tmp/sock", Net: "unix"}, errdefs.IsInvalidArgument},
		{"short ip", &net.TCPAddr{IP: net.IP{10, 0, 0}, Port: 7000}, errdefs.IsInvalidArgument},
		{"port too large", transport.NewEndpoint(wildcard, transport.MaxPort+1), errdefs.IsInvalidArgument},
		{"negative port", transport.NewEndpoint(wildcard, -1), errdefs.IsInvalidArgument},
		{"typed nil", (*transport.Endpoint)(nil), errdefs.IsInvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := memnet.New()
			s := newTestSocket(t, n)
			err := s.Bind(tt.addr)
			assert.Check(t, is.ErrorType(err, tt.check))
			assert.Check(t, !s.IsBound())
			assert.Equal(t, lastConn(t, n).BindCalls(), 0)
		})
	}
}

func TestSocket_BindTwice(t *testing.T) {
	s := newTestSocket(t, memnet.New())
	assert.NilError(t, s.Bind(nil))
	err := s.Bind(nil)
	assert.Check(t, is.ErrorType(err, errdefs.IsFailedPrecondition))
}

func TestSocket_BindAfterClose(t *testing.T) {
	s := newTestSocket(t, memnet.New())
	assert.NilError(t, s.Close())
	err := s.Bind(nil)
	assert.Check(t, is.ErrorType(err, errdefs.IsFailedPrecondition))
	assert.ErrorContains(t, err, "socket is closed")
}

func TestSocket_BindInUse(t *testing.T) {
	n := memnet.New()
	first := newTestSocket(t, n)
	assert.NilError(t, first.Bind(transport.NewEndpoint(wildcard, 6000)))

	second := newTestSocket(t, n)
	err := second.Bind(transport.NewEndpoint(wildcard, 6000))
	assert.Check(t, is.ErrorType(err, errdefs.IsUnavailable))
	assert.Check(t, goerrors.Is(err, syscall.EADDRINUSE))
	assert.Check(t, lastConn(t, n).Closed())
}

func TestSocket_ConnectImplicitBind(t *testing.T) {
	n := memnet.New()
	listen(t, n, serverA, 80)
	s := newTestSocket(t, n)

	assert.NilError(t, s.Connect(transport.NewEndpoint(serverA, 80)))
	assert.Check(t, s.IsBound())
	assert.Check(t, s.LocalPort() > 0)
	assert.Equal(t, lastConn(t, n).BindCalls(), 1)

	err := s.Connect(transport.NewEndpoint(serverA, 80))
	assert.Check(t, is.ErrorType(err, errdefs.IsFailedPrecondition))
	assert.ErrorContains(t, err, "already connected")
}

func TestSocket_ConnectValidation(t *testing.T) {
	tests := []struct {
		name    string
		addr    net.Addr
		timeout time.Duration
	}{
		{"negative timeout", transport.NewEndpoint(serverA, 80), -time.Millisecond},
		{"nil address", nil, 0},
		{"unresolved", transport.Unresolved("db.test", 80), 0},
		{"unsupported type", &net.UnixAddr{Name: "/tmp/sock", Net: "unix"}, 0},
		{"short ip", &net.TCPAddr{IP: net.IP{10, 0, 0}, Port: 80}, 0},
		{"five byte ip", &net.TCPAddr{IP: net.IP{1, 2, 3, 4, 5}, Port: 80}, 0},
		{"port out of range", transport.NewEndpoint(serverA, 65536), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := memnet.New()
			s := newTestSocket(t, n)
			err := s.ConnectTimeout(tt.addr, tt.timeout)
			assert.Check(t, is.ErrorType(err, errdefs.IsInvalidArgument))
			assert.Check(t, !s.IsBound())
			assert.Check(t, !s.IsConnected())
			assert.Equal(t, lastConn(t, n).BindCalls(), 0)
		})
	}
}

func TestSocket_ConnectRefusedClosesTransport(t *testing.T) {
	n := memnet.New()
	s := newTestSocket(t, n)

	err := s.Connect(transport.NewEndpoint(serverA, 81))
	assert.Check(t, is.ErrorType(err, errdefs.IsUnavailable))
	assert.Check(t, goerrors.Is(err, syscall.ECONNREFUSED))
	assert.Check(t, !s.IsConnected())
	assert.Check(t, lastConn(t, n).Closed())
}

func TestSocket_ConnectTimeout(t *testing.T) {
	n := memnet.New()
	n.Blackhole(serverA, 80)
	s := newTestSocket(t, n)

	start := time.Now()
	err := s.ConnectTimeout(transport.NewEndpoint(serverA, 80), 50*time.Millisecond)
	elapsed := time.Since(start)

	assert.Check(t, is.ErrorType(err, errdefs.IsUnavailable))
	assert.Check(t, isTimeout(err), "error %v is not a timeout", err)
	assert.Check(t, elapsed >= 50*time.Millisecond)
	assert.Check(t, !s.IsConnected())
	assert.Check(t, lastConn(t, n).Closed())
}

func TestSocket_ConnectPolicyDenied(t *testing.T) {
	n := memnet.New()
	listen(t, n, serverA, 80)
	s := newTestSocket(t, n, WithPolicy(AllowPrefixes(netip.MustParsePrefix("192.168.0.0/16"))))

	err := s.Connect(transport.NewEndpoint(serverA, 80))
	assert.Check(t, is.ErrorType(err, errdefs.IsPermissionDenied))
	assert.Equal(t, lastConn(t, n).BindCalls(), 0)
}

func TestSocket_CloseUnblocksConnect(t *testing.T) {
	n := memnet.New()
	n.Blackhole(serverA, 80)
	s := newTestSocket(t, n)

	errc := make(chan error, 1)
	go func() { errc <- s.Connect(transport.NewEndpoint(serverA, 80)) }()

	poll.WaitOn(t, func(poll.LogT) poll.Result {
		if lastConn(t, n).BindCalls() == 1 {
			return poll.Success()
		}
		return poll.Continue("waiting for implicit bind")
	}, poll.WithTimeout(2*time.Second))

	assert.NilError(t, s.Close())
	select {
	case err := <-errc:
		assert.Check(t, is.ErrorType(err, errdefs.IsUnavailable))
	case <-time.After(2 * time.Second):
		t.Fatal("Connect() did not return after Close()")
	}
	assert.Check(t, s.IsClosed())
	assert.Check(t, !s.IsConnected())
	assert.Equal(t, s.LocalAddr(), wildcard)
}

func TestSocket_ConcurrentConnect(t *testing.T) {
	n := memnet.New()
	listen(t, n, serverA, 80)
	s := newTestSocket(t, n)

	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.Connect(transport.NewEndpoint(serverA, 80))
		}()
	}
	wg.Wait()
	close(errs)

	ok := 0
	for err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.Check(t, is.ErrorType(err, errdefs.IsFailedPrecondition))
	}
	assert.Equal(t, ok, 1)
	assert.Equal(t, lastConn(t, n).BindCalls(), 1)
}

func TestSocket_OptionsDuringConnect(t *testing.T) {
	n := memnet.New()
	n.Blackhole(serverA, 80)
	s := newTestSocket(t, n)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.ConnectTimeout(transport.NewEndpoint(serverA, 80), 200*time.Millisecond)
	}()

	// The connect holds only the connect lock while it waits, so option calls
	// go through.
	for i := range 20 {
		assert.NilError(t, s.SetReceiveBufferSize(1024+i))
		_, err := s.ReceiveBufferSize()
		assert.NilError(t, err)
	}
	<-done
}

func TestSocket_Streams(t *testing.T) {
	n := memnet.New()
	l := listen(t, n, serverA, 80)
	s := newTestSocket(t, n)
	assert.NilError(t, s.Connect(transport.NewEndpoint(serverA, 80)))

	conn, err := l.Accept()
	assert.NilError(t, err)
	peer, err := FromAccepted(conn)
	assert.NilError(t, err)
	defer peer.Close()

	assert.Check(t, peer.IsBound())
	assert.Check(t, peer.IsConnected())
	assert.Equal(t, peer.LocalPort(), 80)
	assert.Equal(t, peer.LocalAddr(), serverA)
	assert.Equal(t, peer.RemotePort(), s.LocalPort())

	w, err := s.OutputStream()
	assert.NilError(t, err)
	_, err = io.WriteString(w, "GET / HTTP/1.0\r\n\r\n")
	assert.NilError(t, err)
	assert.NilError(t, s.ShutdownOutput())

	r, err := peer.InputStream()
	assert.NilError(t, err)
	got, err := io.ReadAll(r)
	assert.NilError(t, err)
	assert.Equal(t, string(got), "GET / HTTP/1.0\r\n\r\n")

	_, err = s.OutputStream()
	assert.Check(t, is.ErrorType(err, errdefs.IsFailedPrecondition))
}

func TestSocket_StreamsRequireConnection(t *testing.T) {
	s := newTestSocket(t, memnet.New())

	_, err := s.InputStream()
	assert.Check(t, is.ErrorType(err, errdefs.IsFailedPrecondition))
	assert.ErrorContains(t, err, "not connected")

	_, err = s.OutputStream()
	assert.Check(t, is.ErrorType(err, errdefs.IsFailedPrecondition))

	assert.NilError(t, s.Close())
	_, err = s.InputStream()
	assert.ErrorContains(t, err, "socket is closed")
}

func TestSocket_Shutdown(t *testing.T) {
	n := memnet.New()
	listen(t, n, serverA, 80)
	s := newTestSocket(t, n)

	err := s.ShutdownInput()
	assert.Check(t, is.ErrorType(err, errdefs.IsFailedPrecondition))

	assert.NilError(t, s.Connect(transport.NewEndpoint(serverA, 80)))
	r, err := s.InputStream()
	assert.NilError(t, err)

	assert.NilError(t, s.ShutdownInput())
	assert.Check(t, s.IsInputShutdown())
	_, err = r.Read(make([]byte, 1))
	assert.Equal(t, err, io.EOF)

	err = s.ShutdownInput()
	assert.Check(t, is.ErrorType(err, errdefs.IsFailedPrecondition))
	_, err = s.InputStream()
	assert.Check(t, is.ErrorType(err, errdefs.IsFailedPrecondition))

	assert.NilError(t, s.ShutdownOutput())
	assert.Check(t, s.IsOutputShutdown())
	err = s.ShutdownOutput()
	assert.Check(t, is.ErrorType(err, errdefs.IsFailedPrecondition))
}

func TestSocket_SendUrgentData(t *testing.T) {
	n := memnet.New()
	listen(t, n, serverA, 80)
	s := newTestSocket(t, n)
	assert.NilError(t, s.Connect(transport.NewEndpoint(serverA, 80)))

	assert.NilError(t, s.SendUrgentData(0x7f))
	assert.DeepEqual(t, lastConn(t, n).Urgent(), []byte{0x7f})

	assert.NilError(t, s.Close())
	err := s.SendUrgentData(1)
	assert.Check(t, is.ErrorType(err, errdefs.IsFailedPrecondition))
}

func TestNewWithProxy(t *testing.T) {
	_, err := NewWithProxy(nil, WithFactory(memnet.New()))
	assert.Check(t, is.ErrorType(err, errdefs.IsInvalidArgument))

	_, err = NewWithProxy(&transport.Proxy{Type: transport.HTTP, Addr: transport.Unresolved("proxy.test", 3128)}, WithFactory(memnet.New()))
	assert.Check(t, is.ErrorType(err, errdefs.IsInvalidArgument))

	_, err = NewWithProxy(&transport.Proxy{Type: transport.SOCKS}, WithFactory(memnet.New()))
	assert.Check(t, is.ErrorType(err, errdefs.IsInvalidArgument))

	deny := PolicyFunc(func(host string, port int) error {
		if host == "proxy.test" && port == 1080 {
			return goerrors.New("proxy not allowed")
		}
		return nil
	})
	socks := &transport.Proxy{Type: transport.SOCKS, Addr: transport.Unresolved("proxy.test", 1080)}
	_, err = NewWithProxy(socks, WithFactory(memnet.New()), WithPolicy(deny))
	assert.Check(t, is.ErrorType(err, errdefs.IsPermissionDenied))

	s, err := NewWithProxy(transport.NoProxy, WithFactory(memnet.New()))
	assert.NilError(t, err)
	assert.Equal(t, s.Proxy(), transport.NoProxy)
	assert.NilError(t, s.Close())
}

func TestSocket_SOCKSConnectSkipsImplicitBind(t *testing.T) {
	n := memnet.New()
	listen(t, n, serverA, 80)
	socks := &transport.Proxy{Type: transport.SOCKS, Addr: transport.NewEndpoint(serverB, 1080)}
	s, err := NewWithProxy(socks, WithFactory(n))
	assert.NilError(t, err)
	defer s.Close()

	assert.NilError(t, s.Connect(transport.NewEndpoint(serverA, 80)))
	assert.Check(t, s.IsBound())
	assert.Check(t, s.IsConnected())
	assert.Equal(t, lastConn(t, n).BindCalls(), 0)
}

func TestFromAccepted_Nil(t *testing.T) {
	_, err := FromAccepted(nil)
	assert.Check(t, is.ErrorType(err, errdefs.IsInvalidArgument))
}

func TestSocket_SetPerformancePreferencesIsNoop(t *testing.T) {
	s := newTestSocket(t, memnet.New())
	s.SetPerformancePreferences(1, 2, 3)
	assert.Check(t, !s.IsBound())
	assert.Equal(t, s.String(), "Socket[unconnected]")
}
