//go:build linux

package plain

import (
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/joshuafuller/netsock/internal/errors"
	"github.com/joshuafuller/netsock/transport"
)

// boolOpts are the options stored as a 0/1 int at the given level.
var boolOpts = map[transport.OptionKey][2]int{
	transport.SoKeepAlive: {unix.SOL_SOCKET, unix.SO_KEEPALIVE},
	transport.TCPNoDelay:  {unix.IPPROTO_TCP, unix.TCP_NODELAY},
	transport.SoReuseAddr: {unix.SOL_SOCKET, unix.SO_REUSEADDR},
	transport.SoOOBInline: {unix.SOL_SOCKET, unix.SO_OOBINLINE},
}

var intOpts = map[transport.OptionKey][2]int{
	transport.SoRcvBuf: {unix.SOL_SOCKET, unix.SO_RCVBUF},
	transport.SoSndBuf: {unix.SOL_SOCKET, unix.SO_SNDBUF},
}

func (t *Transport) Option(key transport.OptionKey) (any, error) {
	op := "getsockopt " + key.String()

	if lv, ok := boolOpts[key]; ok {
		v, err := t.getInt(op, lv)
		return v != 0, err
	}
	if lv, ok := intOpts[key]; ok {
		return t.getInt(op, lv)
	}

	switch key {
	case transport.SoTimeout:
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.timeout, nil

	case transport.SoLinger:
		var l *unix.Linger
		err := t.control(op, func(fd int) error {
			var err error
			l, err = unix.GetsockoptLinger(fd, unix.SOL_SOCKET, unix.SO_LINGER)
			return os.NewSyscallError("getsockopt", err)
		})
		if err != nil {
			return nil, err
		}
		if l.Onoff == 0 {
			return false, nil
		}
		return int(l.Linger), nil

	case transport.IPTOS:
		if _, err := t.connected(op); err == nil {
			return t.tos(false, 0)
		}
		return t.getInt(op, t.tosLevel())

	case transport.SoBindToDevice:
		var name string
		err := t.control(op, func(fd int) error {
			var err error
			name, err = unix.GetsockoptString(fd, unix.SOL_SOCKET, unix.SO_BINDTODEVICE)
			return os.NewSyscallError("getsockopt", err)
		})
		return name, err
	}
	return nil, &errors.NetworkError{Operation: op, Err: unix.ENOPROTOOPT}
}

func (t *Transport) SetOption(key transport.OptionKey, value any) error {
	op := "setsockopt " + key.String()

	if lv, ok := boolOpts[key]; ok {
		on, ok := value.(bool)
		if !ok {
			return typeErr(op, value)
		}
		v := 0
		if on {
			v = 1
		}
		return t.setInt(op, lv, v)
	}
	if lv, ok := intOpts[key]; ok {
		v, ok := value.(int)
		if !ok {
			return typeErr(op, value)
		}
		return t.setInt(op, lv, v)
	}

	switch key {
	case transport.SoTimeout:
		d, ok := value.(time.Duration)
		if !ok {
			return typeErr(op, value)
		}
		t.mu.Lock()
		defer t.mu.Unlock()
		t.timeout = d
		return nil

	case transport.SoLinger:
		l := &unix.Linger{}
		switch v := value.(type) {
		case bool:
			if v {
				return typeErr(op, value)
			}
		case int:
			l.Onoff, l.Linger = 1, int32(v)
		default:
			return typeErr(op, value)
		}
		return t.control(op, func(fd int) error {
			return os.NewSyscallError("setsockopt", unix.SetsockoptLinger(fd, unix.SOL_SOCKET, unix.SO_LINGER, l))
		})

	case transport.IPTOS:
		v, ok := value.(int)
		if !ok {
			return typeErr(op, value)
		}
		if _, err := t.connected(op); err == nil {
			_, err := t.tos(true, v)
			return err
		}
		return t.setInt(op, t.tosLevel(), v)

	case transport.SoBindToDevice:
		name, ok := value.(string)
		if !ok {
			return typeErr(op, value)
		}
		return t.control(op, func(fd int) error {
			return os.NewSyscallError("setsockopt", unix.SetsockoptString(fd, unix.SOL_SOCKET, unix.SO_BINDTODEVICE, name))
		})
	}
	return &errors.NetworkError{Operation: op, Err: unix.ENOPROTOOPT}
}

// tosLevel picks IP_TOS or IPV6_TCLASS before the peer family is known.
func (t *Transport) tosLevel() [2]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.family == unix.AF_INET6 {
		return [2]int{unix.IPPROTO_IPV6, unix.IPV6_TCLASS}
	}
	return [2]int{unix.IPPROTO_IP, unix.IP_TOS}
}

func (t *Transport) getInt(op string, lv [2]int) (int, error) {
	var v int
	err := t.control(op, func(fd int) error {
		var err error
		v, err = unix.GetsockoptInt(fd, lv[0], lv[1])
		return os.NewSyscallError("getsockopt", err)
	})
	return v, err
}

func (t *Transport) setInt(op string, lv [2]int, v int) error {
	return t.control(op, func(fd int) error {
		return os.NewSyscallError("setsockopt", unix.SetsockoptInt(fd, lv[0], lv[1], v))
	})
}

func typeErr(op string, value any) error {
	return &errors.NetworkError{Operation: op, Err: unix.EINVAL, Details: "unexpected value type"}
}
