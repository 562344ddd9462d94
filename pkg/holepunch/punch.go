// Package holepunch holds the UDP primitives shared by the rendezvous service
// and the peer agent: binding, bounded receives and addressed sends.
package holepunch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/saintparish4/knock/pkg/types"
)

const (
	// RegisterMessage is sent to the rendezvous service to register
	RegisterMessage = "REGISTER"

	// KnockMessage is sent to the peer to open the local NAT mapping
	KnockMessage = "KNOCK"

	// BufferSize for receiving UDP packets
	BufferSize = 1024
)

// Listen binds a UDP socket on addr. An empty host binds all IPv4 interfaces.
func Listen(addr string) (*net.UDPConn, error) {
	udpAddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, types.NewTransportError("resolve", err)
	}

	conn, err := net.ListenUDP("udp4", udpAddr)
	if err != nil {
		return nil, types.NewTransportError("bind", err)
	}

	return conn, nil
}

// Send writes payload to the remote endpoint.
func Send(conn net.PacketConn, payload string, to *types.Endpoint) error {
	if to == nil {
		return fmt.Errorf("send %q: no destination", payload)
	}

	remoteAddr, err := to.UDPAddr()
	if err != nil {
		return types.NewTransportError("resolve", err)
	}

	if _, err := conn.WriteTo([]byte(payload), remoteAddr); err != nil {
		return types.NewTransportError("send", err)
	}

	return nil
}

// Receive reads one datagram. A zero timeout blocks until a datagram arrives
// or ctx is done. An expired timeout is reported as types.ErrTimeout; a
// cancelled ctx is reported as ctx.Err(). Anything else is a TransportError.
func Receive(ctx context.Context, conn net.PacketConn, timeout time.Duration) (string, *types.Endpoint, error) {
	buffer := make([]byte, BufferSize)

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return "", nil, types.NewTransportError("set read deadline", err)
	}

	// Unblock the read as soon as ctx is done.
	stop := context.AfterFunc(ctx, func() {
		conn.SetReadDeadline(time.Now())
	})
	defer stop()

	if err := ctx.Err(); err != nil {
		return "", nil, err
	}

	n, remoteAddr, err := conn.ReadFrom(buffer)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", nil, ctxErr
		}
		if IsTimeout(err) {
			return "", nil, fmt.Errorf("no datagram within %v: %w", timeout, types.ErrTimeout)
		}
		return "", nil, types.NewTransportError("receive", err)
	}

	endpoint, err := types.EndpointFromAddr(remoteAddr)
	if err != nil {
		return "", nil, types.NewTransportError("receive", err)
	}

	return string(buffer[:n]), endpoint, nil
}

// IsTimeout reports whether err is a network timeout.
func IsTimeout(err error) bool {
	if errors.Is(err, types.ErrTimeout) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
