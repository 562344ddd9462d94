package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/saintparish4/knock/internal/config"
	"github.com/saintparish4/knock/pkg/holepunch"
	"github.com/saintparish4/knock/pkg/stun"
	"github.com/saintparish4/knock/pkg/types"
)

// Config holds agent configuration options.
type Config struct {
	// Server is the rendezvous service, "<host>:<port>".
	Server string

	// Session, when set, registers as "REGISTER <session>" so a rendezvous
	// service in session mode pairs us only with peers using the same value.
	Session string

	// Name identifies our keepalives. Empty picks 8 random letters.
	Name string

	PunchDelayMin     time.Duration
	PunchDelayMax     time.Duration
	AwaitTimeout      time.Duration // 0 waits forever
	ReceiveTimeout    time.Duration
	KeepaliveInterval time.Duration

	// Count stops the agent after this many keepalives. 0 runs until cancelled.
	Count int

	// STUN, when set, logs the socket's public mapping before registering.
	STUN *stun.Client

	Logger logrus.FieldLogger
	Clock  Clock
	Rand   *rand.Rand
}

// DefaultConfig returns the reference timing: 2-5 s punch delay, 5 s
// receive timeout, one keepalive per second.
func DefaultConfig() Config {
	d := config.Default().Agent
	return ConfigFrom(d, nil)
}

// ConfigFrom converts the file configuration section.
func ConfigFrom(c config.AgentConfig, logger logrus.FieldLogger) Config {
	cfg := Config{
		Server:            c.Server,
		Session:           c.Session,
		Name:              c.Name,
		PunchDelayMin:     c.PunchDelayMin,
		PunchDelayMax:     c.PunchDelayMax,
		AwaitTimeout:      c.AwaitTimeout,
		ReceiveTimeout:    c.ReceiveTimeout,
		KeepaliveInterval: c.KeepaliveInterval,
		Count:             c.Count,
		Logger:            logger,
	}
	if c.STUNServer != "" {
		cfg.STUN = stun.NewClient(c.STUNServer)
	}
	return cfg
}

// Agent runs one peer through INIT → REGISTERED → AWAITING_PEER → PUNCHING →
// ESTABLISHED on a single UDP socket. All steps run on the caller's goroutine.
type Agent struct {
	cfg    Config
	conn   net.PacketConn
	server *types.Endpoint
	clock  Clock
	rng    *rand.Rand
	log    logrus.FieldLogger

	mu      sync.Mutex
	state   State
	session *PeerSession
}

// New creates an agent that talks over conn. The caller owns conn.
func New(cfg Config, conn net.PacketConn) (*Agent, error) {
	if conn == nil {
		return nil, errors.New("agent: nil connection")
	}

	server, err := types.ParseEndpoint(cfg.Server)
	if err != nil {
		return nil, fmt.Errorf("rendezvous address: %w", err)
	}

	if cfg.PunchDelayMax < cfg.PunchDelayMin {
		return nil, fmt.Errorf("agent: punch delay range [%v, %v] is empty", cfg.PunchDelayMin, cfg.PunchDelayMax)
	}
	if cfg.ReceiveTimeout <= 0 {
		cfg.ReceiveTimeout = 5 * time.Second
	}

	logger := cfg.Logger
	if logger == nil {
		discard := logrus.New()
		discard.SetOutput(io.Discard)
		logger = discard
	}

	clock := cfg.Clock
	if clock == nil {
		clock = RealClock
	}

	rng := cfg.Rand
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}

	if cfg.Name == "" {
		cfg.Name = NewName(rng)
	}

	return &Agent{
		cfg:    cfg,
		conn:   conn,
		server: server,
		clock:  clock,
		rng:    rng,
		log:    logger.WithField("component", "agent"),
		state:  StateInit,
	}, nil
}

// Name returns the name carried in keepalives.
func (a *Agent) Name() string {
	return a.cfg.Name
}

// State returns the current lifecycle state.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Peer returns the currently tracked peer endpoint, or nil before the
// advertisement arrives.
func (a *Agent) Peer() *types.Endpoint {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session == nil || a.session.Peer == nil {
		return nil
	}
	peer := *a.session.Peer
	return &peer
}

// Sent returns how many keepalives have been sent.
func (a *Agent) Sent() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session == nil {
		return 0
	}
	return a.session.Counter
}

func (a *Agent) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

// Run drives the agent until ctx is cancelled, Count keepalives have been
// sent, or a fatal error occurs. Cancellation returns nil. Fatal errors are a
// *types.TransportError, a *types.ProtocolError for a malformed
// advertisement, or wrap types.ErrTimeout when no peer was advertised within
// AwaitTimeout.
func (a *Agent) Run(ctx context.Context) error {
	err := a.run(ctx)
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		a.log.WithField("state", a.State().String()).Info("stopped")
		return nil
	}
	return err
}

func (a *Agent) run(ctx context.Context) error {
	a.log.WithField("server", a.server.String()).Infof("server => %s", a.server)

	if a.cfg.STUN != nil {
		a.discover(ctx)
		if err := ctx.Err(); err != nil {
			return err
		}
	}

	if err := a.register(); err != nil {
		return err
	}

	peer, err := a.awaitPeer(ctx)
	if err != nil {
		return err
	}

	if err := a.punch(ctx, peer); err != nil {
		return err
	}

	return a.keepalive(ctx)
}

// discover logs the public mapping of our socket. Failure only warns.
func (a *Agent) discover(ctx context.Context) {
	endpoint, err := a.cfg.STUN.DiscoverOn(ctx, a.conn)
	if err != nil {
		if ctx.Err() == nil {
			a.log.WithError(err).Warn("STUN discovery failed")
		}
		return
	}
	a.log.WithField("public", endpoint.String()).Infof("public endpoint is %s", endpoint)
}

// register sends the registration datagram to the rendezvous service.
func (a *Agent) register() error {
	payload := holepunch.RegisterMessage
	if a.cfg.Session != "" {
		payload += " " + a.cfg.Session
	}

	if err := holepunch.Send(a.conn, payload, a.server); err != nil {
		return fmt.Errorf("register: %w", err)
	}

	a.setState(StateRegistered)
	a.log.WithFields(logrus.Fields{"step": "1/2", "state": StateRegistered.String()}).
		Infof("sent %s message to server", holepunch.RegisterMessage)
	return nil
}

// awaitPeer receives the advertisement and parses it. Late STUN responses
// left over from discovery are skipped.
func (a *Agent) awaitPeer(ctx context.Context) (*types.Endpoint, error) {
	var deadline time.Time
	if a.cfg.AwaitTimeout > 0 {
		deadline = time.Now().Add(a.cfg.AwaitTimeout)
	}

	var payload string
	var from *types.Endpoint
	for {
		var timeout time.Duration
		if !deadline.IsZero() {
			timeout = time.Until(deadline)
			if timeout <= 0 {
				return nil, fmt.Errorf("await peer: %w", types.ErrTimeout)
			}
		}

		var err error
		payload, from, err = holepunch.Receive(ctx, a.conn, timeout)
		if err != nil {
			return nil, fmt.Errorf("await peer: %w", err)
		}
		if a.cfg.STUN == nil || !stun.IsMessage(payload) {
			break
		}
		a.log.WithField("from", from.String()).Debug("dropping late STUN response")
	}
	a.setState(StateAwaitingPeer)

	peer, err := types.ParseEndpoint(payload)
	if err != nil {
		a.log.WithFields(logrus.Fields{"from": from.String(), "payload": payload}).Error("malformed peer advertisement")
		return nil, err
	}

	a.log.WithFields(logrus.Fields{"step": "3/4", "state": StateAwaitingPeer.String(), "peer": peer.String()}).
		Infof("received the public endpoint of the peer, %s", peer)
	return peer, nil
}

// punch waits a staggered delay and knocks on the peer's endpoint.
func (a *Agent) punch(ctx context.Context, peer *types.Endpoint) error {
	a.mu.Lock()
	a.state = StatePunching
	a.session = NewPeerSession(a.cfg.Name, peer)
	a.mu.Unlock()

	wait := punchDelay(a.rng, a.cfg.PunchDelayMin, a.cfg.PunchDelayMax)
	a.log.WithFields(logrus.Fields{"step": "5/6", "state": StatePunching.String()}).
		Infof("send %s message to the peer (wait %v)", holepunch.KnockMessage, wait)

	if err := a.clock.Sleep(ctx, wait); err != nil {
		return err
	}

	if err := holepunch.Send(a.conn, holepunch.KnockMessage, peer); err != nil {
		return fmt.Errorf("knock: %w", err)
	}

	a.setState(StateEstablished)
	a.log.WithFields(logrus.Fields{"step": "7", "state": StateEstablished.String()}).
		Infof("my name is %s, start to communicate", a.cfg.Name)
	return nil
}

// keepalive exchanges datagrams with the peer. A receive timeout is logged
// and the next keepalive is still sent.
func (a *Agent) keepalive(ctx context.Context) error {
	for a.cfg.Count == 0 || a.Sent() < uint64(a.cfg.Count) {
		payload, from, err := holepunch.Receive(ctx, a.conn, a.cfg.ReceiveTimeout)
		switch {
		case err == nil:
			a.mu.Lock()
			moved := a.session.Track(from)
			a.mu.Unlock()
			if moved {
				a.log.WithField("peer", from.String()).Debug("peer endpoint changed")
			}
			a.log.WithField("from", from.String()).Infof("%s => %s", from, payload)
		case errors.Is(err, types.ErrTimeout):
			a.log.WithError(err).Warn("no datagram from peer")
		default:
			return err
		}

		a.mu.Lock()
		to := a.session.Peer
		msg := a.session.NextKeepalive()
		a.mu.Unlock()

		if err := holepunch.Send(a.conn, msg, to); err != nil {
			return fmt.Errorf("keepalive: %w", err)
		}

		if err := a.clock.Sleep(ctx, a.cfg.KeepaliveInterval); err != nil {
			return err
		}
	}

	a.log.WithField("sent", a.Sent()).Info("keepalive count reached")
	return nil
}

// punchDelay draws a whole number of seconds uniformly from [shortest, longest].
// A range that holds no whole second returns shortest.
func punchDelay(rng *rand.Rand, shortest, longest time.Duration) time.Duration {
	lo := (shortest + time.Second - 1).Truncate(time.Second)
	hi := longest.Truncate(time.Second)
	if hi < lo {
		return shortest
	}
	steps := int64((hi - lo) / time.Second)
	return lo + time.Duration(rng.Int64N(steps+1))*time.Second
}
