// Package udptest provides an in-memory net.PacketConn for deterministic
// tests of UDP protocol loops.
package udptest

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Datagram is one packet seen by a PacketConn.
type Datagram struct {
	Payload string
	Addr    net.Addr
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

// PacketConn is an in-memory net.PacketConn. Tests push datagrams with
// Deliver and observe writes with Next. Read deadlines are honoured so
// context cancellation works the same way as on a real socket.
type PacketConn struct {
	inbound chan Datagram
	sent    chan Datagram
	local   net.Addr

	mu       sync.Mutex
	deadline time.Time
	changed  chan struct{}
	writeErr error

	closed    chan struct{}
	closeOnce sync.Once
}

// New returns a PacketConn whose local address is local.
func New(local string) *PacketConn {
	addr, err := net.ResolveUDPAddr("udp", local)
	if err != nil {
		panic(err)
	}
	return &PacketConn{
		inbound: make(chan Datagram, 64),
		sent:    make(chan Datagram, 64),
		local:   addr,
		changed: make(chan struct{}),
		closed:  make(chan struct{}),
	}
}

// Addr resolves s or fails the test.
func Addr(t *testing.T, s string) *net.UDPAddr {
	t.Helper()
	addr, err := net.ResolveUDPAddr("udp", s)
	require.NoError(t, err)
	return addr
}

// Deliver queues a datagram as if it arrived from from.
func (f *PacketConn) Deliver(t *testing.T, payload, from string) {
	t.Helper()
	f.inbound <- Datagram{Payload: payload, Addr: Addr(t, from)}
}

// Next returns the next written datagram or fails the test.
func (f *PacketConn) Next(t *testing.T) Datagram {
	t.Helper()
	select {
	case d := <-f.sent:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for an outbound datagram")
		return Datagram{}
	}
}

// Quiet asserts nothing is written for a short while.
func (f *PacketConn) Quiet(t *testing.T) {
	t.Helper()
	select {
	case d := <-f.sent:
		t.Fatalf("unexpected datagram %q to %s", d.Payload, d.Addr)
	case <-time.After(50 * time.Millisecond):
	}
}

// FailWrites makes every later WriteTo return err.
func (f *PacketConn) FailWrites(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeErr = err
}

func (f *PacketConn) ReadFrom(p []byte) (int, net.Addr, error) {
	for {
		f.mu.Lock()
		deadline, changed := f.deadline, f.changed
		f.mu.Unlock()

		var timer *time.Timer
		var expired <-chan time.Time
		if !deadline.IsZero() {
			d := time.Until(deadline)
			if d <= 0 {
				return 0, nil, timeoutError{}
			}
			timer = time.NewTimer(d)
			expired = timer.C
		}

		select {
		case d := <-f.inbound:
			if timer != nil {
				timer.Stop()
			}
			return copy(p, d.Payload), d.Addr, nil
		case <-expired:
			return 0, nil, timeoutError{}
		case <-changed:
			if timer != nil {
				timer.Stop()
			}
		case <-f.closed:
			if timer != nil {
				timer.Stop()
			}
			return 0, nil, net.ErrClosed
		}
	}
}

func (f *PacketConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	f.mu.Lock()
	err := f.writeErr
	f.mu.Unlock()
	if err != nil {
		return 0, err
	}

	select {
	case <-f.closed:
		return 0, net.ErrClosed
	default:
	}

	f.sent <- Datagram{Payload: string(p), Addr: addr}
	return len(p), nil
}

func (f *PacketConn) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *PacketConn) LocalAddr() net.Addr {
	return f.local
}

func (f *PacketConn) SetDeadline(t time.Time) error {
	return f.SetReadDeadline(t)
}

func (f *PacketConn) SetReadDeadline(t time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deadline = t
	close(f.changed)
	f.changed = make(chan struct{})
	return nil
}

func (f *PacketConn) SetWriteDeadline(t time.Time) error {
	return nil
}
