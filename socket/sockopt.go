package socket

import (
	"fmt"
	"time"

	"github.com/joshuafuller/netsock/internal/errors"
	"github.com/joshuafuller/netsock/transport"
)

// setOption writes an already validated value, creating the transport on first
// use.
func (s *Socket) setOption(op string, key transport.OptionKey, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.createLocked(op, true); err != nil {
		return err
	}
	if err := s.impl.SetOption(key, value); err != nil {
		return transportErr(op, err)
	}
	return nil
}

func (s *Socket) option(op string, key transport.OptionKey) (any, error) {
	if err := s.ensureCreated(op); err != nil {
		return nil, err
	}
	v, err := s.impl.Option(key)
	if err != nil {
		return nil, transportErr(op, err)
	}
	return v, nil
}

func optionAs[T any](s *Socket, op string, key transport.OptionKey) (T, error) {
	var zero T
	v, err := s.option(op, key)
	if err != nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, &errors.NetworkError{Operation: op, Details: fmt.Sprintf("%s has unexpected type %T", key, v)}
	}
	return t, nil
}

func (s *Socket) checkOpen(op string) error {
	if s.closed.Load() {
		return errors.Closed(op)
	}
	return nil
}

// SetKeepAlive toggles TCP keep-alive probes.
func (s *Socket) SetKeepAlive(on bool) error {
	if err := s.checkOpen("set keep-alive"); err != nil {
		return err
	}
	return s.setOption("set keep-alive", transport.SoKeepAlive, on)
}

// KeepAlive reports whether TCP keep-alive probes are enabled.
func (s *Socket) KeepAlive() (bool, error) {
	return optionAs[bool](s, "get keep-alive", transport.SoKeepAlive)
}

// SetSoLinger enables lingering on close for secs seconds, or disables it. secs
// is ignored when on is false.
func (s *Socket) SetSoLinger(on bool, secs int) error {
	if err := s.checkOpen("set linger"); err != nil {
		return err
	}
	if !on {
		return s.setOption("set linger", transport.SoLinger, false)
	}
	if secs < 0 {
		return &errors.ValidationError{Field: "linger", Value: secs, Message: "must not be negative"}
	}
	return s.setOption("set linger", transport.SoLinger, secs)
}

// SoLinger returns the linger time in seconds, or -1 when lingering is off.
func (s *Socket) SoLinger() (int, error) {
	v, err := s.option("get linger", transport.SoLinger)
	if err != nil {
		return 0, err
	}
	if secs, ok := v.(int); ok {
		return secs, nil
	}
	return -1, nil
}

// SetReceiveBufferSize sets a hint for the receive buffer size in bytes.
func (s *Socket) SetReceiveBufferSize(size int) error {
	if err := s.checkOpen("set receive buffer size"); err != nil {
		return err
	}
	if size <= 0 {
		return &errors.ValidationError{Field: "receive buffer size", Value: size, Message: "must be positive"}
	}
	return s.setOption("set receive buffer size", transport.SoRcvBuf, size)
}

// ReceiveBufferSize returns the receive buffer size in bytes.
func (s *Socket) ReceiveBufferSize() (int, error) {
	return optionAs[int](s, "get receive buffer size", transport.SoRcvBuf)
}

// SetSendBufferSize sets a hint for the send buffer size in bytes.
func (s *Socket) SetSendBufferSize(size int) error {
	if err := s.checkOpen("set send buffer size"); err != nil {
		return err
	}
	if size <= 0 {
		return &errors.ValidationError{Field: "send buffer size", Value: size, Message: "must be positive"}
	}
	return s.setOption("set send buffer size", transport.SoSndBuf, size)
}

// SendBufferSize returns the send buffer size in bytes.
func (s *Socket) SendBufferSize() (int, error) {
	return optionAs[int](s, "get send buffer size", transport.SoSndBuf)
}

// SetSoTimeout bounds each blocking read on the input stream. Zero means reads
// block indefinitely.
func (s *Socket) SetSoTimeout(d time.Duration) error {
	if err := s.checkOpen("set read timeout"); err != nil {
		return err
	}
	if d < 0 {
		return &errors.ValidationError{Field: "read timeout", Value: d, Message: "must not be negative"}
	}
	return s.setOption("set read timeout", transport.SoTimeout, d)
}

// SoTimeout returns the read timeout; 0 means reads block indefinitely.
func (s *Socket) SoTimeout() (time.Duration, error) {
	return optionAs[time.Duration](s, "get read timeout", transport.SoTimeout)
}

// SetTCPNoDelay toggles Nagle's algorithm off (true) or on (false).
func (s *Socket) SetTCPNoDelay(on bool) error {
	if err := s.checkOpen("set tcp no-delay"); err != nil {
		return err
	}
	return s.setOption("set tcp no-delay", transport.TCPNoDelay, on)
}

// TCPNoDelay reports whether Nagle's algorithm is disabled.
func (s *Socket) TCPNoDelay() (bool, error) {
	return optionAs[bool](s, "get tcp no-delay", transport.TCPNoDelay)
}

// SetReuseAddress must be called before Bind to take effect.
func (s *Socket) SetReuseAddress(on bool) error {
	if err := s.checkOpen("set reuse address"); err != nil {
		return err
	}
	return s.setOption("set reuse address", transport.SoReuseAddr, on)
}

// ReuseAddress reports whether SO_REUSEADDR is set.
func (s *Socket) ReuseAddress() (bool, error) {
	return optionAs[bool](s, "get reuse address", transport.SoReuseAddr)
}

// SetOOBInline toggles delivery of urgent data inline with normal data.
func (s *Socket) SetOOBInline(on bool) error {
	if err := s.checkOpen("set oob inline"); err != nil {
		return err
	}
	return s.setOption("set oob inline", transport.SoOOBInline, on)
}

// OOBInline reports whether urgent data is delivered inline.
func (s *Socket) OOBInline() (bool, error) {
	return optionAs[bool](s, "get oob inline", transport.SoOOBInline)
}

// SetTrafficClass sets the IPv4 type-of-service or IPv6 traffic class octet.
func (s *Socket) SetTrafficClass(tc int) error {
	if err := s.checkOpen("set traffic class"); err != nil {
		return err
	}
	if tc < 0 || tc > 255 {
		return &errors.ValidationError{Field: "traffic class", Value: tc, Message: "out of range [0, 255]"}
	}
	return s.setOption("set traffic class", transport.IPTOS, tc)
}

// TrafficClass returns the IP type-of-service / traffic class octet.
func (s *Socket) TrafficClass() (int, error) {
	return optionAs[int](s, "get traffic class", transport.IPTOS)
}

// SetBindToDevice restricts the socket to the named interface.
func (s *Socket) SetBindToDevice(name string) error {
	if err := s.checkOpen("bind to device"); err != nil {
		return err
	}
	if name == "" {
		return &errors.ValidationError{Field: "device", Message: "name is empty"}
	}
	return s.setOption("bind to device", transport.SoBindToDevice, name)
}
