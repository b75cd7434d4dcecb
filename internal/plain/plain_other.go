//go:build !linux

package plain

import (
	"runtime"

	"github.com/containerd/errdefs"
	"github.com/pkg/errors"

	"github.com/joshuafuller/netsock/transport"
)

// New fails on platforms without a system-call transport. Install a factory
// with socket.SetFactory to use sockets there.
func New() (transport.Transport, error) {
	return nil, errors.Wrapf(errdefs.ErrNotImplemented, "plain transport on %s", runtime.GOOS)
}
