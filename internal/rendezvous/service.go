package rendezvous

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/saintparish4/knock/internal/config"
	"github.com/saintparish4/knock/pkg/holepunch"
	"github.com/saintparish4/knock/pkg/types"
)

// MaxTokenLength bounds session tokens accepted in session mode.
const MaxTokenLength = 64

// Config holds service configuration options.
type Config struct {
	// Mode is config.ModeOrdered (pair strictly by arrival, payload ignored)
	// or config.ModeSession (pair by the token in "REGISTER <token>").
	Mode string

	// PendingTimeout expires a cycle whose registrant has been silent this
	// long. Zero keeps cycles open forever.
	PendingTimeout time.Duration
	SweepInterval  time.Duration

	// MaxPending caps the open cycles. Only session mode can hold more
	// than one. Zero is unbounded.
	MaxPending int

	Logger logrus.FieldLogger
}

// DefaultConfig returns the reference configuration: ordered pairing, no expiry.
func DefaultConfig() Config {
	return Config{
		Mode:          config.ModeOrdered,
		SweepInterval: time.Second,
		MaxPending:    config.DefaultMaxPending,
	}
}

// ConfigFrom converts the file configuration section.
func ConfigFrom(c config.RendezvousConfig, logger logrus.FieldLogger) Config {
	return Config{
		Mode:           c.Mode,
		PendingTimeout: c.PendingTimeout,
		SweepInterval:  c.SweepInterval,
		MaxPending:     c.MaxPending,
		Logger:         logger,
	}
}

// Stats is a snapshot of the service counters.
type Stats struct {
	Mode          string `json:"mode"`
	Received      uint64 `json:"received"`
	Registrations uint64 `json:"registrations"`
	Duplicates    uint64 `json:"duplicates"`
	Rejected      uint64 `json:"rejected"`
	Introductions uint64 `json:"introductions"`
	Expired       uint64 `json:"expired"`
	Pending       int    `json:"pending"`
	UptimeMS      int64  `json:"uptime_ms"`
}

func (s Stats) String() string {
	return fmt.Sprintf("Received=%d, Introductions=%d, Pending=%d",
		s.Received, s.Introductions, s.Pending)
}

// Service is the rendezvous service. It owns one UDP socket and processes
// datagrams one at a time; a pairing cycle is fully handled before the next
// datagram is read.
type Service struct {
	cfg      Config
	conn     net.PacketConn
	registry *Registry
	hub      *Hub
	log      logrus.FieldLogger

	startedAt time.Time

	received      atomic.Uint64
	registrations atomic.Uint64
	duplicates    atomic.Uint64
	rejected      atomic.Uint64
	introductions atomic.Uint64
	expired       atomic.Uint64
}

// NewService creates a service with the given configuration.
func NewService(cfg Config) *Service {
	if cfg.Mode == "" {
		cfg.Mode = config.ModeOrdered
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Second
	}

	logger := cfg.Logger
	if logger == nil {
		discard := logrus.New()
		discard.SetOutput(io.Discard)
		logger = discard
	}

	registry := NewRegistry()
	registry.SetCapacity(cfg.MaxPending)

	return &Service{
		cfg:       cfg,
		registry:  registry,
		hub:       NewHub(),
		log:       logger.WithField("component", "rendezvous"),
		startedAt: time.Now(),
	}
}

// Listen binds the service on all IPv4 interfaces at port.
func (s *Service) Listen(port int) error {
	return s.ListenAddr(fmt.Sprintf("0.0.0.0:%d", port))
}

// ListenAddr binds the service on addr.
func (s *Service) ListenAddr(addr string) error {
	conn, err := holepunch.Listen(addr)
	if err != nil {
		return err
	}
	s.Attach(conn)
	return nil
}

// Attach makes the service use an already bound socket.
func (s *Service) Attach(conn net.PacketConn) {
	s.conn = conn
	s.log.WithField("addr", conn.LocalAddr().String()).Infof("listening (%s mode)", s.cfg.Mode)
}

// LocalAddr returns the bound address. It must not be called before Listen.
func (s *Service) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// Close releases the socket.
func (s *Service) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

// Run repeats pairing cycles until ctx is done. It returns nil on
// cancellation and a *types.TransportError when the socket fails.
func (s *Service) Run(ctx context.Context) error {
	if s.conn == nil {
		return errors.New("rendezvous: Run called before Listen")
	}

	var wait time.Duration
	if s.cfg.PendingTimeout > 0 {
		wait = s.cfg.SweepInterval
	}
	lastSweep := time.Now()

	for {
		payload, from, err := holepunch.Receive(ctx, s.conn, wait)
		switch {
		case err == nil:
			if err := s.handle(payload, from); err != nil {
				return err
			}
		case ctx.Err() != nil:
			s.log.Info("stopped")
			return nil
		case errors.Is(err, types.ErrTimeout):
		default:
			return err
		}

		if wait > 0 && time.Since(lastSweep) >= s.cfg.SweepInterval {
			s.sweep()
			lastSweep = time.Now()
		}
	}
}

// handle processes one datagram.
func (s *Service) handle(payload string, from *types.Endpoint) error {
	s.received.Add(1)

	token, err := s.tokenOf(payload)
	if err != nil {
		s.reject(from, "", err)
		return nil
	}

	res := s.registry.Offer(Registration{Endpoint: from, Token: token, ReceivedAt: time.Now()})
	switch res.Outcome {
	case OutcomeOpened:
		s.registrations.Add(1)
		s.cycleLog(res.Cycle).WithField("step", "1/4").Infof("registrant A = %s", from)
		s.hub.Publish(NewEvent(EventRegistered).
			WithCycle(res.Cycle.ID, token).
			WithPayload(RegistrantPayload{Endpoint: from.String()}))

	case OutcomeDuplicate:
		s.duplicates.Add(1)
		s.cycleLog(res.Cycle).Debugf("repeat registration from %s ignored", from)
		s.hub.Publish(NewEvent(EventDuplicate).
			WithCycle(res.Cycle.ID, token).
			WithPayload(RegistrantPayload{Endpoint: from.String()}))

	case OutcomeClosed:
		s.registrations.Add(1)
		return s.introduce(res.Cycle, res.Second)

	case OutcomeFull:
		s.reject(from, token, fmt.Errorf("%d cycles already pending", s.cfg.MaxPending))
	}

	return nil
}

func (s *Service) reject(from *types.Endpoint, token string, err error) {
	s.rejected.Add(1)
	s.log.WithFields(logrus.Fields{"from": from.String(), "error": err}).Warn("registration rejected")

	event := NewEvent(EventRejected)
	if token != "" {
		event = event.WithCycle("", token)
	}
	s.hub.Publish(event.WithPayload(RegistrantPayload{
		Endpoint: from.String(),
		Reason:   err.Error(),
	}))
}

// introduce sends each registrant the other's endpoint, B first.
func (s *Service) introduce(cycle *Cycle, second *Registration) error {
	a, b := cycle.First.Endpoint, second.Endpoint
	log := s.cycleLog(cycle)

	log.WithField("step", "2/4").Infof("registrant B = %s", b)

	if err := holepunch.Send(s.conn, a.String(), b); err != nil {
		return fmt.Errorf("advertise %s to %s: %w", a, b, err)
	}
	log.WithField("step", "3/4").Infof("sent endpoint of A (%s) to B (%s)", a, b)

	if err := holepunch.Send(s.conn, b.String(), a); err != nil {
		return fmt.Errorf("advertise %s to %s: %w", b, a, err)
	}
	log.WithField("step", "4/4").Infof("sent endpoint of B (%s) to A (%s)", b, a)

	s.introductions.Add(1)
	s.hub.Publish(NewEvent(EventIntroduced).
		WithCycle(cycle.ID, cycle.Token).
		WithPayload(IntroductionPayload{
			First:  a.String(),
			Second: b.String(),
			WaitMS: second.ReceivedAt.Sub(cycle.OpenedAt).Milliseconds(),
		}))
	return nil
}

// sweep expires cycles whose registrant went quiet.
func (s *Service) sweep() {
	for _, cycle := range s.registry.CleanupStale(s.cfg.PendingTimeout) {
		s.expired.Add(1)
		s.cycleLog(cycle).Infof("registrant %s expired after %v", cycle.First.Endpoint, s.cfg.PendingTimeout)
		s.hub.Publish(NewEvent(EventExpired).
			WithCycle(cycle.ID, cycle.Token).
			WithPayload(RegistrantPayload{Endpoint: cycle.First.Endpoint.String()}))
	}
}

// tokenOf returns the pairing key of a registration payload. Ordered mode
// never looks at the payload.
func (s *Service) tokenOf(payload string) (string, error) {
	if s.cfg.Mode != config.ModeSession {
		return "", nil
	}
	return ParseToken(payload)
}

// ParseToken extracts <token> from "REGISTER <token>". Payloads without a
// token map to the empty token, which pairs in arrival order.
func ParseToken(payload string) (string, error) {
	fields := strings.Fields(payload)
	if len(fields) < 2 || fields[0] != holepunch.RegisterMessage {
		return "", nil
	}
	if len(fields) > 2 {
		return "", fmt.Errorf("token must not contain whitespace")
	}

	token := fields[1]
	if len(token) > MaxTokenLength {
		return "", fmt.Errorf("token longer than %d bytes", MaxTokenLength)
	}
	return token, nil
}

func (s *Service) cycleLog(c *Cycle) logrus.FieldLogger {
	fields := logrus.Fields{"cycle": c.ID}
	if c.Token != "" {
		fields["token"] = c.Token
	}
	return s.log.WithFields(fields)
}

// Stats returns a snapshot of the counters.
func (s *Service) Stats() Stats {
	return Stats{
		Mode:          s.cfg.Mode,
		Received:      s.received.Load(),
		Registrations: s.registrations.Load(),
		Duplicates:    s.duplicates.Load(),
		Rejected:      s.rejected.Load(),
		Introductions: s.introductions.Load(),
		Expired:       s.expired.Load(),
		Pending:       s.registry.Count(),
		UptimeMS:      time.Since(s.startedAt).Milliseconds(),
	}
}

// Registry returns the pending cycle registry for external access.
func (s *Service) Registry() *Registry {
	return s.registry
}

// Hub returns the event hub for external access.
func (s *Service) Hub() *Hub {
	return s.hub
}

// Mode returns the pairing mode.
func (s *Service) Mode() string {
	return s.cfg.Mode
}
