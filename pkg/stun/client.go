// Package stun discovers the reflexive (public) endpoint of a UDP socket with
// a STUN Binding request (RFC 5389).
package stun

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	pionstun "github.com/pion/stun"

	"github.com/saintparish4/knock/pkg/holepunch"
	"github.com/saintparish4/knock/pkg/types"
)

// DefaultServer is used when no STUN server is configured.
const DefaultServer = "stun.l.google.com:19302"

var errNoMappedAddress = errors.New("no (XOR-)MAPPED-ADDRESS attribute")

// IsMessage reports whether payload is framed as a STUN message. Responses to
// retransmitted requests can arrive after discovery has already returned.
func IsMessage(payload string) bool {
	return pionstun.IsMessage([]byte(payload))
}

// Client represents a STUN client
type Client struct {
	ServerAddr string
	Timeout    time.Duration // per attempt
	Attempts   int
}

// NewClient creates a new STUN client
func NewClient(serverAddr string) *Client {
	return &Client{
		ServerAddr: serverAddr,
		Timeout:    2 * time.Second,
		Attempts:   3,
	}
}

// Discover binds a fresh socket and returns its public endpoint.
func (c *Client) Discover(ctx context.Context) (*types.Endpoint, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero})
	if err != nil {
		return nil, types.NewSTUNError("bind", err)
	}
	defer conn.Close()

	return c.DiscoverOn(ctx, conn)
}

// DiscoverOn runs the Binding transaction over an existing socket, so the
// result is the NAT mapping that socket will use for other destinations
// (for endpoint-independent mappings). Unrelated datagrams arriving in the
// meantime are dropped.
func (c *Client) DiscoverOn(ctx context.Context, conn net.PacketConn) (*types.Endpoint, error) {
	serverAddr, err := net.ResolveUDPAddr("udp4", c.ServerAddr)
	if err != nil {
		return nil, types.NewSTUNError("resolve address", err)
	}
	defer conn.SetReadDeadline(time.Time{})

	request, err := pionstun.Build(pionstun.TransactionID, pionstun.BindingRequest, pionstun.Fingerprint)
	if err != nil {
		return nil, types.NewSTUNError("build request", err)
	}

	attempts := c.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if _, err := conn.WriteTo(request.Raw, serverAddr); err != nil {
			return nil, types.NewSTUNError("send_request", err)
		}

		endpoint, err := c.awaitResponse(ctx, conn, request.TransactionID)
		if err == nil {
			return endpoint, nil
		}
		if ctx.Err() != nil {
			return nil, types.NewSTUNError("read_response", ctx.Err())
		}
		if !errors.Is(err, types.ErrTimeout) {
			return nil, types.NewSTUNError("read_response", err)
		}
		lastErr = err
	}

	return nil, types.NewSTUNError("read_response", fmt.Errorf("after %d attempts: %w", attempts, lastErr))
}

// awaitResponse reads until a success response for txID arrives or the
// attempt deadline passes.
func (c *Client) awaitResponse(ctx context.Context, conn net.PacketConn, txID [pionstun.TransactionIDSize]byte) (*types.Endpoint, error) {
	deadline := time.Now().Add(c.Timeout)

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("no binding response: %w", types.ErrTimeout)
		}

		payload, _, err := holepunch.Receive(ctx, conn, remaining)
		if err != nil {
			return nil, err
		}

		if !IsMessage(payload) {
			continue
		}
		raw := []byte(payload)

		endpoint, err := parseBindingResponse(raw, txID)
		if err != nil {
			if errors.Is(err, errTransactionMismatch) {
				continue
			}
			return nil, err
		}
		return endpoint, nil
	}
}

var errTransactionMismatch = errors.New("transaction ID mismatch")

// parseBindingResponse decodes a Binding success response and extracts the
// mapped address, preferring XOR-MAPPED-ADDRESS.
func parseBindingResponse(raw []byte, txID [pionstun.TransactionIDSize]byte) (*types.Endpoint, error) {
	msg := &pionstun.Message{Raw: append([]byte(nil), raw...)}
	if err := msg.Decode(); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}

	if msg.TransactionID != txID {
		return nil, errTransactionMismatch
	}
	if msg.Type != pionstun.BindingSuccess {
		return nil, fmt.Errorf("unexpected message type: %s", msg.Type)
	}

	var xorAddr pionstun.XORMappedAddress
	if err := xorAddr.GetFrom(msg); err == nil {
		return endpointFromIP(xorAddr.IP, xorAddr.Port), nil
	}

	var mapped pionstun.MappedAddress
	if err := mapped.GetFrom(msg); err == nil {
		return endpointFromIP(mapped.IP, mapped.Port), nil
	}

	return nil, errNoMappedAddress
}

func endpointFromIP(ip net.IP, port int) *types.Endpoint {
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	return &types.Endpoint{IP: ip.String(), Port: uint16(port)}
}
