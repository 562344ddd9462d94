package rendezvous

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saintparish4/knock/internal/config"
	"github.com/saintparish4/knock/internal/udptest"
	"github.com/saintparish4/knock/pkg/holepunch"
	"github.com/saintparish4/knock/pkg/types"
)

// startService runs svc on a fake socket and returns the socket and a
// function that stops the service and returns Run's result.
func startService(t *testing.T, cfg Config) (*Service, *udptest.PacketConn, func() error) {
	t.Helper()

	conn := udptest.New("0.0.0.0:55007")
	svc := NewService(cfg)
	svc.Attach(conn)

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() { result <- svc.Run(ctx) }()

	var stopped bool
	var runErr error
	stop := func() error {
		if !stopped {
			cancel()
			select {
			case runErr = <-result:
			case <-time.After(2 * time.Second):
				t.Fatal("service did not stop")
			}
			stopped = true
		}
		return runErr
	}
	t.Cleanup(func() { stop() })

	return svc, conn, stop
}

func TestServiceIntroducesTwoPeers(t *testing.T) {
	svc, conn, stop := startService(t, DefaultConfig())

	conn.Deliver(t, "REGISTER", "203.0.113.5:40000")
	conn.Deliver(t, "REGISTER", "198.51.100.9:41000")

	toB := conn.Next(t)
	assert.Equal(t, "198.51.100.9:41000", toB.Addr.String())
	assert.Equal(t, "203.0.113.5:40000", toB.Payload)

	toA := conn.Next(t)
	assert.Equal(t, "203.0.113.5:40000", toA.Addr.String())
	assert.Equal(t, "198.51.100.9:41000", toA.Payload)

	conn.Quiet(t)
	require.NoError(t, stop())

	stats := svc.Stats()
	assert.Equal(t, uint64(2), stats.Received)
	assert.Equal(t, uint64(1), stats.Introductions)
	assert.Equal(t, 0, stats.Pending, "no residual memory of the pair")
}

func TestServiceIgnoresPayloadInOrderedMode(t *testing.T) {
	_, conn, _ := startService(t, DefaultConfig())

	conn.Deliver(t, "REGISTER red", "10.0.0.1:1000")
	conn.Deliver(t, "\x00\x01garbage", "10.0.0.2:2000")

	assert.Equal(t, "10.0.0.1:1000", conn.Next(t).Payload)
	assert.Equal(t, "10.0.0.2:2000", conn.Next(t).Payload)
}

func TestServiceThirdRegistrantDeferredToNextCycle(t *testing.T) {
	svc, conn, _ := startService(t, DefaultConfig())

	conn.Deliver(t, "REGISTER", "10.0.0.1:1")
	conn.Deliver(t, "REGISTER", "10.0.0.2:2")
	conn.Deliver(t, "REGISTER", "10.0.0.3:3")

	conn.Next(t)
	conn.Next(t)
	conn.Quiet(t)

	require.Eventually(t, func() bool { return svc.Registry().Count() == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, "10.0.0.3:3", svc.Registry().Get("").First.Endpoint.String())

	conn.Deliver(t, "REGISTER", "10.0.0.4:4")

	toD := conn.Next(t)
	assert.Equal(t, "10.0.0.4:4", toD.Addr.String())
	assert.Equal(t, "10.0.0.3:3", toD.Payload)

	toC := conn.Next(t)
	assert.Equal(t, "10.0.0.3:3", toC.Addr.String())
	assert.Equal(t, "10.0.0.4:4", toC.Payload)
}

func TestServiceDuplicateRegistrationIgnored(t *testing.T) {
	svc, conn, stop := startService(t, DefaultConfig())

	conn.Deliver(t, "REGISTER", "10.0.0.1:1")
	conn.Deliver(t, "REGISTER", "10.0.0.1:1")
	conn.Deliver(t, "REGISTER", "10.0.0.2:2")

	toB := conn.Next(t)
	assert.Equal(t, "10.0.0.2:2", toB.Addr.String())
	assert.Equal(t, "10.0.0.1:1", toB.Payload)
	conn.Next(t)
	conn.Quiet(t)

	require.NoError(t, stop())
	assert.Equal(t, uint64(1), svc.Stats().Duplicates)
	assert.Equal(t, uint64(1), svc.Stats().Introductions)
}

func TestServiceSessionModePairsByToken(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Mode = config.ModeSession
	svc, conn, _ := startService(t, cfg)

	conn.Deliver(t, "REGISTER red", "10.0.0.1:1")
	conn.Deliver(t, "REGISTER blue", "10.0.0.2:2")
	conn.Deliver(t, "REGISTER red", "10.0.0.3:3")

	toB := conn.Next(t)
	assert.Equal(t, "10.0.0.3:3", toB.Addr.String())
	assert.Equal(t, "10.0.0.1:1", toB.Payload)
	toA := conn.Next(t)
	assert.Equal(t, "10.0.0.1:1", toA.Addr.String())
	conn.Quiet(t)

	require.Eventually(t, func() bool { return svc.Registry().Get("blue") != nil }, time.Second, 10*time.Millisecond)
	assert.Nil(t, svc.Registry().Get("red"))

	// Untokened registrations share the empty token.
	conn.Deliver(t, "REGISTER", "10.0.0.4:4")
	conn.Deliver(t, "hello", "10.0.0.5:5")
	assert.Equal(t, "10.0.0.4:4", conn.Next(t).Payload)
	assert.Equal(t, "10.0.0.5:5", conn.Next(t).Payload)
}

func TestServiceSessionModeRejectsBadToken(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Mode = config.ModeSession
	svc, conn, stop := startService(t, cfg)

	conn.Deliver(t, "REGISTER "+strings.Repeat("x", MaxTokenLength+1), "10.0.0.1:1")
	conn.Deliver(t, "REGISTER a b", "10.0.0.2:2")
	conn.Quiet(t)

	require.NoError(t, stop())
	assert.Equal(t, uint64(2), svc.Stats().Rejected)
	assert.Equal(t, 0, svc.Registry().Count())
}

func TestServiceCapsPendingCycles(t *testing.T) {
	logger, hook := test.NewNullLogger()
	cfg := DefaultConfig()
	cfg.Mode = config.ModeSession
	cfg.MaxPending = 3
	cfg.Logger = logger
	svc, conn, stop := startService(t, cfg)
	w := svc.Hub().Register(NewWatcher("", NewMockConn(), 32))

	for i := 0; i < 10; i++ {
		conn.Deliver(t, fmt.Sprintf("REGISTER tok%d", i), fmt.Sprintf("10.0.0.%d:1000", i+1))
	}
	conn.Quiet(t)

	require.NoError(t, stop())
	stats := svc.Stats()
	assert.Equal(t, 3, svc.Registry().Count())
	assert.Equal(t, uint64(3), stats.Registrations)
	assert.Equal(t, uint64(7), stats.Rejected)

	var rejected int
	for _, entry := range hook.AllEntries() {
		if entry.Message == "registration rejected" {
			rejected++
		}
	}
	assert.Equal(t, 7, rejected)

	var events []*Event
	for len(w.queue) > 0 {
		events = append(events, <-w.queue)
	}
	require.Len(t, events, 10)
	for i, e := range events {
		if i < 3 {
			assert.Equal(t, EventRegistered, e.Type)
			continue
		}
		assert.Equal(t, EventRejected, e.Type)
		assert.Equal(t, fmt.Sprintf("tok%d", i), e.Token)
	}
}

func TestServiceExpiresPendingCycles(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PendingTimeout = 50 * time.Millisecond
	cfg.SweepInterval = 10 * time.Millisecond
	svc, conn, _ := startService(t, cfg)

	conn.Deliver(t, "REGISTER", "10.0.0.1:1")

	require.Eventually(t, func() bool { return svc.Stats().Expired == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, svc.Registry().Count())

	// The next registrant starts a fresh cycle rather than pairing with the expired one.
	conn.Deliver(t, "REGISTER", "10.0.0.2:2")
	conn.Quiet(t)
	assert.Equal(t, uint64(2), svc.Stats().Registrations)
	assert.Zero(t, svc.Stats().Introductions)
}

func TestServiceStopsOnCancel(t *testing.T) {
	_, _, stop := startService(t, DefaultConfig())
	assert.NoError(t, stop())
}

func TestServiceSendFailureIsFatal(t *testing.T) {
	conn := udptest.New("0.0.0.0:55007")
	conn.FailWrites(errors.New("network unreachable"))

	svc := NewService(DefaultConfig())
	svc.Attach(conn)

	conn.Deliver(t, "REGISTER", "10.0.0.1:1")
	conn.Deliver(t, "REGISTER", "10.0.0.2:2")

	err := svc.Run(context.Background())
	require.Error(t, err)

	var terr *types.TransportError
	require.True(t, errors.As(err, &terr), "got %T: %v", err, err)
	assert.Equal(t, "send", terr.Op)
}

func TestServiceReceiveFailureIsFatal(t *testing.T) {
	conn := udptest.New("0.0.0.0:55007")
	svc := NewService(DefaultConfig())
	svc.Attach(conn)
	conn.Close()

	err := svc.Run(context.Background())
	require.Error(t, err)

	var terr *types.TransportError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, "receive", terr.Op)
	assert.ErrorIs(t, err, net.ErrClosed)
}

func TestServiceRunBeforeListen(t *testing.T) {
	svc := NewService(DefaultConfig())
	assert.Error(t, svc.Run(context.Background()))
}

func TestServiceLogsEachStep(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	cfg := DefaultConfig()
	cfg.Logger = logger
	_, conn, stop := startService(t, cfg)

	conn.Deliver(t, "REGISTER", "10.0.0.1:1")
	conn.Deliver(t, "REGISTER", "10.0.0.2:2")
	conn.Next(t)
	conn.Next(t)
	require.NoError(t, stop())

	var steps []string
	for _, entry := range hook.AllEntries() {
		if step, ok := entry.Data["step"].(string); ok {
			steps = append(steps, step)
		}
	}
	assert.Equal(t, []string{"1/4", "2/4", "3/4", "4/4"}, steps)
}

func TestServiceLoopback(t *testing.T) {
	svc := NewService(DefaultConfig())
	require.NoError(t, svc.ListenAddr("127.0.0.1:0"))
	defer svc.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go svc.Run(ctx)

	server, err := types.EndpointFromAddr(svc.LocalAddr())
	require.NoError(t, err)

	peerA, err := holepunch.Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer peerA.Close()
	peerB, err := holepunch.Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer peerB.Close()

	require.NoError(t, holepunch.Send(peerA, holepunch.RegisterMessage, server))
	require.Eventually(t, func() bool { return svc.Registry().Count() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, holepunch.Send(peerB, holepunch.RegisterMessage, server))

	gotA, _, err := holepunch.Receive(ctx, peerA, 2*time.Second)
	require.NoError(t, err)
	gotB, _, err := holepunch.Receive(ctx, peerB, 2*time.Second)
	require.NoError(t, err)

	assert.Equal(t, peerB.LocalAddr().String(), gotA)
	assert.Equal(t, peerA.LocalAddr().String(), gotB)
}

func TestListenPortInUse(t *testing.T) {
	first := NewService(DefaultConfig())
	require.NoError(t, first.ListenAddr("127.0.0.1:0"))
	defer first.Close()

	port := first.LocalAddr().(*net.UDPAddr).Port

	second := NewService(DefaultConfig())
	err := second.ListenAddr(first.LocalAddr().String())
	require.Error(t, err, "port %d should be taken", port)

	var terr *types.TransportError
	assert.True(t, errors.As(err, &terr))
}

func TestParseToken(t *testing.T) {
	tests := []struct {
		payload string
		want    string
		wantErr bool
	}{
		{"REGISTER", "", false},
		{"REGISTER lobby-1", "lobby-1", false},
		{"  REGISTER   lobby-1  ", "lobby-1", false},
		{"KNOCK lobby-1", "", false},
		{"", "", false},
		{"REGISTER a b", "", true},
		{"REGISTER " + strings.Repeat("t", MaxTokenLength), strings.Repeat("t", MaxTokenLength), false},
		{"REGISTER " + strings.Repeat("t", MaxTokenLength+1), "", true},
	}

	for _, tt := range tests {
		got, err := ParseToken(tt.payload)
		if tt.wantErr {
			assert.Error(t, err, "payload %q", tt.payload)
			continue
		}
		require.NoError(t, err, "payload %q", tt.payload)
		assert.Equal(t, tt.want, got, "payload %q", tt.payload)
	}
}
