package dispatcher

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"game-dispatcher/apperr"
	"game-dispatcher/codec"
	"game-dispatcher/config"
	"game-dispatcher/discovery"
	"game-dispatcher/gameserver"
	"game-dispatcher/message"
	"game-dispatcher/registry"
	"game-dispatcher/transport"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func testConfig(backends ...string) *config.Config {
	cfg := config.Default()
	cfg.Backends = backends
	cfg.ReportInterval = 50 * time.Millisecond
	cfg.Link.HeartbeatInterval = 20 * time.Millisecond
	cfg.Link.Backoff = config.Backoff{Base: 10 * time.Millisecond, Max: 50 * time.Millisecond}
	cfg.Reservation.SweepInterval = 10 * time.Millisecond
	cfg.RateLimit.RPS = 0
	return cfg
}

type gameServerOpts struct {
	controlAddr string
	gameAddr    string
	version     int
	capacity    int
}

func startGameServer(t *testing.T, o gameServerOpts) *gameserver.Server {
	t.Helper()
	if o.controlAddr == "" {
		o.controlAddr = "127.0.0.1:0"
	}
	if o.gameAddr == "" {
		o.gameAddr = "127.0.0.1:0"
	}
	s := gameserver.New(gameserver.Config{
		ControlAddr:    o.controlAddr,
		GameAddr:       o.gameAddr,
		Version:        o.version,
		Capacity:       o.capacity,
		ReportInterval: 20 * time.Millisecond,
		Codec:          codec.CodecTypeBinary,
	}, zaptest.NewLogger(t))
	require.NoError(t, s.Start())
	t.Cleanup(func() { s.Shutdown(time.Second) })
	return s
}

func startDispatcher(t *testing.T, cfg *config.Config, opts ...Option) *Dispatcher {
	t.Helper()
	d, err := New(cfg, zaptest.NewLogger(t), opts...)
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(d.Close)
	return d
}

func server(d *Dispatcher, id string) (registry.BackendServer, bool) {
	for _, s := range d.Servers() {
		if s.ID == id {
			return s, true
		}
	}
	return registry.BackendServer{}, false
}

func waitSelectable(t *testing.T, d *Dispatcher, id string) {
	t.Helper()
	require.Eventually(t, func() bool {
		s, ok := server(d, id)
		return ok && s.Selectable()
	}, 3*time.Second, 10*time.Millisecond, "backend %s never became selectable", id)
}

func join(d *Dispatcher, player string, version int) (*message.Assignment, error) {
	return d.Join(context.Background(), &message.JoinRequest{Version: version, PlayerID: player})
}

// play performs the game-port handshake and keeps the connection open.
func play(t *testing.T, addr, player string, version int) string {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = fmt.Fprintf(conn, "JOIN %s %d\n", player, version)
	require.NoError(t, err)
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	reply, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	return strings.TrimSpace(reply)
}

func TestJoinEndToEnd(t *testing.T) {
	gs := startGameServer(t, gameServerOpts{version: 1, capacity: 10})
	d := startDispatcher(t, testConfig(gs.ControlAddr()))
	waitSelectable(t, d, gs.ControlAddr())

	player := uuid.NewString()
	a, err := join(d, player, 1)
	require.NoError(t, err)
	assert.Equal(t, gs.ControlAddr(), a.BackendID)
	assert.Equal(t, gs.GameAddr(), a.Address, "public port resolved against the backend host")
	assert.Equal(t, 1, d.Stats().Reservations)

	again, err := join(d, player, 1)
	require.NoError(t, err)
	assert.Equal(t, a.Address, again.Address)
	assert.True(t, again.Reused)

	assert.Equal(t, gameserver.ReplyOK, play(t, a.Address, player, 1))

	require.Eventually(t, func() bool { return d.Stats().Reservations == 0 }, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		s, _ := server(d, gs.ControlAddr())
		return s.Selectable() && s.Players == 1 && s.Reserved == 0
	}, 3*time.Second, 10*time.Millisecond)
}

func TestJoinErrors(t *testing.T) {
	gs := startGameServer(t, gameServerOpts{version: 2, capacity: 1})
	d := startDispatcher(t, testConfig(gs.ControlAddr()))
	waitSelectable(t, d, gs.ControlAddr())

	_, err := join(d, uuid.NewString(), 1)
	assert.Equal(t, apperr.KindVersionMismatch, apperr.KindOf(err))

	_, err = join(d, uuid.NewString(), 0)
	assert.Equal(t, apperr.KindMissingVersion, apperr.KindOf(err))

	_, err = join(d, "", 2)
	assert.Equal(t, apperr.KindMissingIdentity, apperr.KindOf(err))

	_, err = join(d, uuid.NewString(), 2)
	require.NoError(t, err)
	_, err = join(d, uuid.NewString(), 2)
	assert.Equal(t, apperr.KindNoCapacity, apperr.KindOf(err))
}

func TestRejectedPlayerReleasesSlot(t *testing.T) {
	gs := startGameServer(t, gameServerOpts{version: 1, capacity: 1})
	d := startDispatcher(t, testConfig(gs.ControlAddr()))
	waitSelectable(t, d, gs.ControlAddr())

	player := uuid.NewString()
	a, err := join(d, player, 1)
	require.NoError(t, err)

	// The player shows up with an outdated client.
	assert.Equal(t, gameserver.ReplyVersion, play(t, a.Address, player, 9))
	require.Eventually(t, func() bool { return d.Stats().Reservations == 0 }, 3*time.Second, 10*time.Millisecond)

	_, err = join(d, uuid.NewString(), 1)
	assert.NoError(t, err)
}

func TestBackendDisconnectAndRecovery(t *testing.T) {
	gsA := startGameServer(t, gameServerOpts{version: 1, capacity: 10})
	gsB := startGameServer(t, gameServerOpts{version: 1, capacity: 100})
	controlA, gameA := gsA.ControlAddr(), gsA.GameAddr()
	d := startDispatcher(t, testConfig(controlA, gsB.ControlAddr()))
	waitSelectable(t, d, controlA)
	waitSelectable(t, d, gsB.ControlAddr())

	p1 := uuid.NewString()
	first, err := join(d, p1, 1)
	require.NoError(t, err)

	// Take A down; the reservation already handed out is unaffected.
	require.NoError(t, gsA.Shutdown(time.Second))
	require.Eventually(t, func() bool {
		s, ok := server(d, controlA)
		return ok && !s.Selectable()
	}, 3*time.Second, 10*time.Millisecond)

	again, err := join(d, p1, 1)
	require.NoError(t, err)
	assert.Equal(t, first.Address, again.Address)

	// New players only go to B while A is down.
	for i := 0; i < 5; i++ {
		a, err := join(d, uuid.NewString(), 1)
		require.NoError(t, err)
		assert.Equal(t, gsB.ControlAddr(), a.BackendID)
	}

	state, ok := d.LinkState(controlA)
	require.True(t, ok)
	assert.NotEqual(t, transport.LinkLive, state)

	// A comes back on the same ports; the link reconnects on its own.
	startGameServer(t, gameServerOpts{controlAddr: controlA, gameAddr: gameA, version: 1, capacity: 10})
	waitSelectable(t, d, controlA)
}

func TestRemoveBackend(t *testing.T) {
	gs := startGameServer(t, gameServerOpts{version: 1, capacity: 10})
	d := startDispatcher(t, testConfig(gs.ControlAddr()))
	waitSelectable(t, d, gs.ControlAddr())

	_, err := join(d, uuid.NewString(), 1)
	require.NoError(t, err)

	require.NoError(t, d.RemoveBackend(gs.ControlAddr()))
	assert.Empty(t, d.Servers())
	assert.Zero(t, d.Stats().Reservations)
	assert.Zero(t, d.Stats().Links)

	err = d.RemoveBackend(gs.ControlAddr())
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

// mockDiscovery feeds discovery events from the test.
type mockDiscovery struct {
	initial []discovery.Instance
	events  chan discovery.Event
}

func (m *mockDiscovery) Discover(ctx context.Context) ([]discovery.Instance, error) {
	return m.initial, nil
}

func (m *mockDiscovery) Watch(ctx context.Context) <-chan discovery.Event {
	out := make(chan discovery.Event)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-m.events:
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

func TestDiscovery(t *testing.T) {
	gsA := startGameServer(t, gameServerOpts{version: 1, capacity: 10})
	gsB := startGameServer(t, gameServerOpts{version: 1, capacity: 10})
	disc := &mockDiscovery{
		initial: []discovery.Instance{{Addr: gsA.ControlAddr()}},
		events:  make(chan discovery.Event),
	}
	d := startDispatcher(t, testConfig(), WithDiscovery(disc))
	waitSelectable(t, d, gsA.ControlAddr())

	disc.events <- discovery.Event{Type: discovery.EventPut, Instance: discovery.Instance{Addr: gsB.ControlAddr()}}
	waitSelectable(t, d, gsB.ControlAddr())

	disc.events <- discovery.Event{Type: discovery.EventDelete, Instance: discovery.Instance{Addr: gsA.ControlAddr()}}
	require.Eventually(t, func() bool {
		_, linked := d.LinkState(gsA.ControlAddr())
		return !linked
	}, 3*time.Second, 10*time.Millisecond)

	require.Len(t, d.Servers(), 2, "withdrawn backends stay listed")
	s, _ := server(d, gsA.ControlAddr())
	assert.Equal(t, registry.StatusUnreachable, s.Status)
}

func TestJoinRateLimited(t *testing.T) {
	gs := startGameServer(t, gameServerOpts{version: 1, capacity: 10})
	cfg := testConfig(gs.ControlAddr())
	cfg.RateLimit = config.RateLimit{RPS: 0.001, Burst: 1}
	d := startDispatcher(t, cfg)
	waitSelectable(t, d, gs.ControlAddr())

	_, err := join(d, uuid.NewString(), 1)
	require.NoError(t, err)
	_, err = join(d, uuid.NewString(), 1)
	assert.Equal(t, apperr.KindRateLimited, apperr.KindOf(err))
}

func TestReservationExpiresEndToEnd(t *testing.T) {
	gs := startGameServer(t, gameServerOpts{version: 1, capacity: 1})
	cfg := testConfig(gs.ControlAddr())
	cfg.Reservation.TTL = 100 * time.Millisecond
	d := startDispatcher(t, cfg)
	waitSelectable(t, d, gs.ControlAddr())

	_, err := join(d, uuid.NewString(), 1)
	require.NoError(t, err)
	_, err = join(d, uuid.NewString(), 1)
	assert.Equal(t, apperr.KindNoCapacity, apperr.KindOf(err))

	// The player never connects; the slot returns once the reservation lapses.
	require.Eventually(t, func() bool {
		_, err := join(d, uuid.NewString(), 1)
		return err == nil
	}, 3*time.Second, 20*time.Millisecond)
}
