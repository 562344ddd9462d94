package types

import (
	"errors"
	"fmt"
	"net"
	"strconv"
)

// Endpoint represents a network endpoint with IP and port
type Endpoint struct {
	IP   string
	Port uint16
}

// String returns the "<address>:<port>" form used on the wire.
// IPv6 addresses are bracketed so the result parses back unambiguously.
func (e Endpoint) String() string {
	return net.JoinHostPort(e.IP, strconv.Itoa(int(e.Port)))
}

// UDPAddr converts the endpoint into a dialable address.
func (e Endpoint) UDPAddr() (*net.UDPAddr, error) {
	ip := net.ParseIP(e.IP)
	if ip == nil {
		return net.ResolveUDPAddr("udp", e.String())
	}
	return &net.UDPAddr{IP: ip, Port: int(e.Port)}, nil
}

// EndpointFromAddr returns the endpoint a datagram was observed from.
func EndpointFromAddr(addr net.Addr) (*Endpoint, error) {
	switch a := addr.(type) {
	case *net.UDPAddr:
		ip := a.IP
		if v4 := ip.To4(); v4 != nil {
			ip = v4
		}
		return &Endpoint{IP: ip.String(), Port: uint16(a.Port)}, nil
	case nil:
		return nil, errors.New("nil address")
	default:
		return ParseEndpoint(addr.String())
	}
}

// ParseEndpoint parses an endpoint advertisement of the form "<address>:<port>".
// The port must be in 1-65535.
func ParseEndpoint(s string) (*Endpoint, error) {
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return nil, NewProtocolError(s, "missing or misplaced ':' separator")
	}
	if host == "" {
		return nil, NewProtocolError(s, "empty address")
	}

	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return nil, NewProtocolError(s, fmt.Sprintf("invalid port %q", port))
	}
	if p == 0 {
		return nil, NewProtocolError(s, "port 0 is not reachable")
	}

	return &Endpoint{IP: host, Port: uint16(p)}, nil
}

// ErrTimeout is returned when a bounded receive expires. It is the only
// recoverable transport condition.
var ErrTimeout = errors.New("receive timed out")

// TransportError represents a fatal socket failure (bind, send, receive)
type TransportError struct {
	Op  string // Operation that failed
	Err error  // Underlying error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// NewTransportError creates a new transport error
func NewTransportError(op string, err error) error {
	return &TransportError{
		Op:  op,
		Err: err,
	}
}

// ProtocolError reports data received from a counterpart that does not follow
// the wire format. It indicates an incompatible peer, not a transient fault.
type ProtocolError struct {
	Payload string
	Reason  string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol: %s in %q", e.Reason, e.Payload)
}

// NewProtocolError creates a new protocol error
func NewProtocolError(payload, reason string) error {
	return &ProtocolError{
		Payload: payload,
		Reason:  reason,
	}
}

// STUNError represents an error during STUN operations
type STUNError struct {
	Op  string // Operation that failed
	Err error  // Underlying error
}

func (e *STUNError) Error() string {
	return fmt.Sprintf("STUN %s: %v", e.Op, e.Err)
}

func (e *STUNError) Unwrap() error {
	return e.Err
}

// NewSTUNError creates a new STUN error
func NewSTUNError(op string, err error) error {
	return &STUNError{
		Op:  op,
		Err: err,
	}
}
