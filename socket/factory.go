package socket

import (
	"fmt"
	"sync"

	"github.com/containerd/errdefs"

	"github.com/joshuafuller/netsock/internal/errors"
	"github.com/joshuafuller/netsock/internal/plain"
	"github.com/joshuafuller/netsock/internal/socks"
	"github.com/joshuafuller/netsock/transport"
)

// ErrFactoryAlreadySet is returned by Registry.Set once a factory is installed.
// It matches errdefs.IsAlreadyExists.
var ErrFactoryAlreadySet = fmt.Errorf("socket factory already set: %w", errdefs.ErrAlreadyExists)

// Registry holds the transport factory used by sockets that do not carry their
// own. A factory can be installed once; until then the built-in factory is used.
type Registry struct {
	mu      sync.RWMutex
	factory transport.Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Default is the process-wide registry.
var Default = NewRegistry()

// SetFactory installs f in the Default registry.
func SetFactory(f transport.Factory) error {
	return Default.Set(f)
}

// Set installs f. It fails with ErrFactoryAlreadySet if a factory was already
// installed, leaving the installed one in place.
func (r *Registry) Set(f transport.Factory) error {
	if f == nil {
		return &errors.ValidationError{Field: "factory", Message: "factory is nil"}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.factory != nil {
		return ErrFactoryAlreadySet
	}
	r.factory = f
	return nil
}

// Factory returns the installed factory, or the built-in one.
func (r *Registry) Factory() transport.Factory {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.factory == nil {
		return builtin
	}
	return r.factory
}

// builtin opens real sockets: through x/net/proxy for SOCKS proxies, or directly
// through the operating system otherwise.
var builtin = transport.FactoryFunc(func(proxy *transport.Proxy) (transport.Transport, error) {
	if proxy.IsSOCKS() {
		t, err := socks.New(proxy)
		if err != nil {
			return nil, err
		}
		return t, nil
	}
	return plain.New()
})
