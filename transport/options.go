package transport

import "strconv"

// OptionKey identifies a socket option in the untyped option protocol between a
// Socket and its Transport. The comment on each key gives the Go type of the value
// passed to SetOption and returned by Option.
type OptionKey int

const (
	// SoKeepAlive toggles TCP keep-alive probes. bool.
	SoKeepAlive OptionKey = iota + 1
	// SoLinger controls close-time lingering. Set false to disable, or an int
	// number of seconds to enable. Option returns false when disabled and the
	// int seconds when enabled.
	SoLinger
	// SoRcvBuf is the receive buffer size in bytes. int.
	SoRcvBuf
	// SoSndBuf is the send buffer size in bytes. int.
	SoSndBuf
	// SoTimeout bounds each blocking read on the input stream; 0 is infinite.
	// time.Duration.
	SoTimeout
	// TCPNoDelay disables Nagle's algorithm. bool.
	TCPNoDelay
	// SoReuseAddr allows binding to an address in TIME_WAIT. bool.
	SoReuseAddr
	// SoOOBInline delivers urgent data inline with normal data. bool.
	SoOOBInline
	// IPTOS is the IPv4 type-of-service / IPv6 traffic class octet. int.
	IPTOS
	// SoBindToDevice restricts the socket to one network interface. string.
	SoBindToDevice
)

var optionNames = map[OptionKey]string{
	SoKeepAlive:    "SO_KEEPALIVE",
	SoLinger:       "SO_LINGER",
	SoRcvBuf:       "SO_RCVBUF",
	SoSndBuf:       "SO_SNDBUF",
	SoTimeout:      "SO_TIMEOUT",
	TCPNoDelay:     "TCP_NODELAY",
	SoReuseAddr:    "SO_REUSEADDR",
	SoOOBInline:    "SO_OOBINLINE",
	IPTOS:          "IP_TOS",
	SoBindToDevice: "SO_BINDTODEVICE",
}

func (k OptionKey) String() string {
	if name, ok := optionNames[k]; ok {
		return name
	}
	return "OptionKey(" + strconv.Itoa(int(k)) + ")"
}
