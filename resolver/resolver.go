// Package resolver turns host names into the ordered address lists that
// socket.Dial tries one after another.
//
// Three resolvers are provided:
//   - System asks the operating system (net.Resolver), deduplicating concurrent
//     lookups of the same name.
//   - DNS queries explicit name servers for A and AAAA records.
//   - Static answers from a fixed table.
//
// Every resolver returns IP literals unchanged without a lookup, and every
// "no such host" answer matches errdefs.IsNotFound.
package resolver

import (
	"context"
	"net"
	"net/netip"

	"github.com/containerd/errdefs"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
)

// Default is the System resolver used by sockets that are not given another.
var Default = &System{}

// System resolves names through net.Resolver.
type System struct {
	// PreferIPv6 puts IPv6 addresses ahead of IPv4 ones. The relative order
	// within a family is kept.
	PreferIPv6 bool
	// Resolver is the resolver to ask. nil means net.DefaultResolver.
	Resolver *net.Resolver

	group singleflight.Group
}

// ResolveAll returns every address of host. The empty host resolves to the IPv4
// loopback address.
func (s *System) ResolveAll(ctx context.Context, host string) ([]netip.Addr, error) {
	if addrs, ok := literal(host); ok {
		return addrs, nil
	}

	r := s.Resolver
	if r == nil {
		r = net.DefaultResolver
	}
	// The flight is shared, so one caller's cancellation must not end it for
	// the others; each caller stops waiting on its own context instead.
	ch := s.group.DoChan(host, func() (any, error) {
		return r.LookupNetIP(context.WithoutCancel(ctx), "ip", host)
	})
	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, errors.Wrapf(ctx.Err(), "lookup %s", host)
	}
	v, err := res.Val, res.Err
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			return nil, errors.Wrapf(errdefs.ErrNotFound, "lookup %s", host)
		}
		return nil, errors.Wrapf(err, "lookup %s", host)
	}
	addrs := v.([]netip.Addr)
	if len(addrs) == 0 {
		return nil, errors.Wrapf(errdefs.ErrNotFound, "lookup %s: no addresses", host)
	}
	// The slice is shared with every caller of the same flight.
	return order(addrs, s.PreferIPv6), nil
}

// literal handles names that need no lookup.
func literal(host string) ([]netip.Addr, bool) {
	if host == "" {
		return []netip.Addr{netip.MustParseAddr("127.0.0.1")}, true
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{addr.Unmap()}, true
	}
	return nil, false
}

// order returns a new slice with IPv4 addresses first, or IPv6 first when
// preferV6 is set. IPv4-mapped IPv6 addresses are unmapped.
func order(addrs []netip.Addr, preferV6 bool) []netip.Addr {
	out := make([]netip.Addr, 0, len(addrs))
	var rest []netip.Addr
	for _, a := range addrs {
		a = a.Unmap()
		if a.Is6() == preferV6 {
			out = append(out, a)
		} else {
			rest = append(rest, a)
		}
	}
	return append(out, rest...)
}

// Static resolves from a fixed table of host names. Literals are answered even
// when absent from the table.
type Static map[string][]netip.Addr

func (s Static) ResolveAll(_ context.Context, host string) ([]netip.Addr, error) {
	if addrs, ok := s[host]; ok && len(addrs) > 0 {
		return append([]netip.Addr(nil), addrs...), nil
	}
	if addrs, ok := literal(host); ok {
		return addrs, nil
	}
	return nil, errors.Wrapf(errdefs.ErrNotFound, "host %s", host)
}
