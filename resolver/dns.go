package resolver

import (
	"context"
	"net/netip"
	"time"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	"github.com/miekg/dns"
	"github.com/pkg/errors"
)

// DefaultDNSTimeout bounds each query when DNS.Timeout is zero.
const DefaultDNSTimeout = 5 * time.Second

// DNS resolves names by querying explicit name servers for A and AAAA records.
// Servers are tried in order; the first one that answers decides the result.
type DNS struct {
	// Servers are "host:port" addresses of recursive name servers.
	Servers []string
	// PreferIPv6 puts AAAA answers ahead of A answers.
	PreferIPv6 bool
	// Timeout bounds each query.
	Timeout time.Duration
	// Net is the miekg/dns client network: "udp" (default), "tcp" or "tcp-tls".
	Net string
}

// ResolveAll queries the configured servers for host.
func (d *DNS) ResolveAll(ctx context.Context, host string) ([]netip.Addr, error) {
	if addrs, ok := literal(host); ok {
		return addrs, nil
	}
	if len(d.Servers) == 0 {
		return nil, errors.Wrap(errdefs.ErrInvalidArgument, "no name servers configured")
	}

	name := dns.Fqdn(host)
	var lastErr error
	for _, server := range d.Servers {
		addrs, err := d.query(ctx, server, name)
		if err == nil {
			return order(addrs, d.PreferIPv6), nil
		}
		// A server that says the name does not exist is authoritative enough.
		if errdefs.IsNotFound(err) {
			return nil, err
		}
		log.G(ctx).WithError(err).WithField("server", server).Debug("name server failed, trying next")
		lastErr = err
	}
	return nil, lastErr
}

func (d *DNS) query(ctx context.Context, server, name string) ([]netip.Addr, error) {
	timeout := d.Timeout
	if timeout == 0 {
		timeout = DefaultDNSTimeout
	}
	c := &dns.Client{Net: d.Net, Timeout: timeout}

	var addrs []netip.Addr
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		m := new(dns.Msg)
		m.SetQuestion(name, qtype)
		m.RecursionDesired = true

		r, _, err := c.ExchangeContext(ctx, m, server)
		if err != nil {
			return nil, errors.Wrapf(err, "query %s %s at %s", name, dns.TypeToString[qtype], server)
		}
		switch r.Rcode {
		case dns.RcodeSuccess:
		case dns.RcodeNameError:
			return nil, errors.Wrapf(errdefs.ErrNotFound, "lookup %s at %s", name, server)
		default:
			return nil, errors.Errorf("lookup %s at %s: %s", name, server, dns.RcodeToString[r.Rcode])
		}

		for _, rr := range r.Answer {
			var ip []byte
			switch rr := rr.(type) {
			case *dns.A:
				ip = rr.A
			case *dns.AAAA:
				ip = rr.AAAA
			default:
				continue
			}
			if a, ok := netip.AddrFromSlice(ip); ok {
				addrs = append(addrs, a.Unmap())
			}
		}
	}
	if len(addrs) == 0 {
		return nil, errors.Wrapf(errdefs.ErrNotFound, "lookup %s at %s: no A or AAAA records", name, server)
	}
	return addrs, nil
}
