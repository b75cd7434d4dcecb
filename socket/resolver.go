package socket

import (
	"context"
	"net/netip"

	"github.com/joshuafuller/netsock/resolver"
)

// Resolver turns a host name into the ordered list of addresses a hostname dial
// tries. Implementations live in package resolver.
type Resolver interface {
	ResolveAll(ctx context.Context, host string) ([]netip.Addr, error)
}

// DefaultResolver is used by sockets constructed without WithResolver.
var DefaultResolver Resolver = resolver.Default
