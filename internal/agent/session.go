package agent

import (
	"fmt"
	"math/rand/v2"

	"github.com/saintparish4/knock/pkg/types"
)

const (
	nameLength  = 8
	nameLetters = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
)

// NewName returns 8 distinct ASCII letters in random order.
func NewName(rng *rand.Rand) string {
	letters := []byte(nameLetters)
	// Partial Fisher-Yates: the first nameLength slots end up a random sample.
	for i := 0; i < nameLength; i++ {
		j := i + rng.IntN(len(letters)-i)
		letters[i], letters[j] = letters[j], letters[i]
	}
	return string(letters[:nameLength])
}

// PeerSession is the agent's view of the direct link: who we are, where the
// peer currently is, and how many keepalives we have sent.
type PeerSession struct {
	Name    string
	Peer    *types.Endpoint
	Counter uint64
}

// NewPeerSession starts a session towards the advertised endpoint.
func NewPeerSession(name string, peer *types.Endpoint) *PeerSession {
	return &PeerSession{Name: name, Peer: peer}
}

// Track follows the source of the last received datagram. It reports whether
// the endpoint changed.
func (s *PeerSession) Track(from *types.Endpoint) bool {
	if from == nil {
		return false
	}
	if s.Peer != nil && *s.Peer == *from {
		return false
	}
	s.Peer = from
	return true
}

// NextKeepalive returns "<name>: <counter>" and advances the counter.
func (s *PeerSession) NextKeepalive() string {
	msg := fmt.Sprintf("%s: %d", s.Name, s.Counter)
	s.Counter++
	return msg
}
