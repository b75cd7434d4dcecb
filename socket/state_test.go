package socket

import (
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/joshuafuller/netsock/memnet"
	"github.com/joshuafuller/netsock/transport"
)

// TestSocket_StateInvariants drives a socket through random operation sequences
// and checks the lifecycle invariants after every step.
func TestSocket_StateInvariants(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := memnet.New()
		l, err := n.Listen(serverA, 80)
		if err != nil {
			t.Fatalf("Listen() error = %v", err)
		}
		defer l.Close()

		s, err := New(WithFactory(n))
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}
		defer s.Close()

		ops := map[string]func(){
			"bind": func() {
				_ = s.Bind(transport.NewEndpoint(wildcard, rapid.IntRange(0, 2).Draw(t, "port")))
			},
			"connect": func() {
				port := rapid.SampledFrom([]int{80, 81}).Draw(t, "remotePort")
				_ = s.ConnectTimeout(transport.NewEndpoint(serverA, port), time.Second)
			},
			"close":           func() { _ = s.Close() },
			"shutdown input":  func() { _ = s.ShutdownInput() },
			"shutdown output": func() { _ = s.ShutdownOutput() },
			"set option":      func() { _ = s.SetTCPNoDelay(rapid.Bool().Draw(t, "noDelay")) },
		}
		names := []string{"bind", "connect", "close", "shutdown input", "shutdown output", "set option"}

		wasClosed, wasBound, wasConnected := false, false, false
		steps := rapid.IntRange(1, 12).Draw(t, "steps")
		for range steps {
			name := rapid.SampledFrom(names).Draw(t, "op")
			ops[name]()

			if s.IsConnected() && !s.IsBound() {
				t.Fatalf("after %s: connected but not bound", name)
			}
			if (s.IsInputShutdown() || s.IsOutputShutdown()) && !s.IsConnected() {
				t.Fatalf("after %s: shut down without a connection", name)
			}
			if (s.LocalPort() == -1) != !s.IsBound() {
				t.Fatalf("after %s: LocalPort() = %d with IsBound() = %v", name, s.LocalPort(), s.IsBound())
			}
			if wasClosed && !s.IsClosed() {
				t.Fatalf("after %s: closed flag reverted", name)
			}
			if wasBound && !s.IsBound() {
				t.Fatalf("after %s: bound flag reverted", name)
			}
			if wasConnected && !s.IsConnected() {
				t.Fatalf("after %s: connected flag reverted", name)
			}
			if s.IsClosed() && s.LocalAddr() != wildcard {
				t.Fatalf("after %s: closed socket reports local address %s", name, s.LocalAddr())
			}
			if !s.IsConnected() && s.String() != "Socket[unconnected]" {
				t.Fatalf("after %s: String() = %q", name, s.String())
			}
			wasClosed, wasBound, wasConnected = s.IsClosed(), s.IsBound(), s.IsConnected()
		}
	})
}
