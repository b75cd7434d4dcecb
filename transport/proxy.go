package transport

// ProxyType selects how a socket reaches its destination.
type ProxyType int

const (
	// Direct connects without a proxy.
	Direct ProxyType = iota
	// SOCKS connects through a SOCKS5 proxy. The proxy negotiates the outbound
	// connection, so the socket skips its implicit local bind.
	SOCKS
	// HTTP is an application-level proxy. Plain sockets reject it.
	HTTP
)

func (t ProxyType) String() string {
	switch t {
	case Direct:
		return "DIRECT"
	case SOCKS:
		return "SOCKS"
	case HTTP:
		return "HTTP"
	}
	return "UNKNOWN"
}

// Proxy describes the proxy a socket connects through. A nil *Proxy means a direct
// connection.
type Proxy struct {
	Type ProxyType
	// Addr is the proxy endpoint. Required for SOCKS.
	Addr *Endpoint
	// User and Password are optional SOCKS5 credentials.
	User     string
	Password string
}

// NoProxy is the direct-connection descriptor.
var NoProxy = &Proxy{Type: Direct}

// IsSOCKS reports whether p is a SOCKS proxy.
func (p *Proxy) IsSOCKS() bool {
	return p != nil && p.Type == SOCKS
}

func (p *Proxy) String() string {
	if p == nil || p.Type == Direct {
		return "DIRECT"
	}
	if p.Addr == nil {
		return p.Type.String()
	}
	return p.Type.String() + " @ " + p.Addr.String()
}
