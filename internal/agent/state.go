// Package agent implements the peer side of the rendezvous: register, learn
// the peer's endpoint, punch the local NAT and keep the mapping alive.
package agent

import "fmt"

// State is a step of the agent's linear lifecycle. There is no rollback.
type State int

const (
	StateInit State = iota
	StateRegistered
	StateAwaitingPeer
	StatePunching
	StateEstablished
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateRegistered:
		return "REGISTERED"
	case StateAwaitingPeer:
		return "AWAITING_PEER"
	case StatePunching:
		return "PUNCHING"
	case StateEstablished:
		return "ESTABLISHED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}
