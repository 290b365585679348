// Package matchmaker turns join requests into reserved slots on backend game servers.
//
// A join validates the request, returns the existing reservation for a player who
// retries, and otherwise selects a backend from a registry snapshot and reserves
// one slot on it. Reservations are confirmed or released by player events from
// the backend, or released by the sweeper once they expire.
//
// Lock order: reservation shard, then registry entry. Nothing takes them the
// other way round.
package matchmaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"game-dispatcher/apperr"
	"game-dispatcher/loadbalance"
	"game-dispatcher/message"
	"game-dispatcher/registry"

	"go.uber.org/zap"
)

// Registry is the part of the server registry the coordinator needs.
type Registry interface {
	Snapshot() []registry.BackendServer
	TryReserve(id string) bool
	Release(id string) bool
	Confirm(id string) bool
}

type Config struct {
	ReservationTTL  time.Duration // unconfirmed reservations are released after this
	ReserveAttempts int           // select+reserve rounds before giving up with no_capacity
	SweepInterval   time.Duration
}

// DefaultConfig holds 30s reservations, 3 attempts and a 1s sweep.
func DefaultConfig() Config {
	return Config{ReservationTTL: 30 * time.Second, ReserveAttempts: 3, SweepInterval: time.Second}
}

type Coordinator struct {
	cfg      Config
	registry Registry
	balancer loadbalance.Balancer
	logger   *zap.Logger
	now      func() time.Time
	table    *reservationTable

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

type Option func(*Coordinator)

// WithClock replaces time.Now, e.g. with a fake clock in tests.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func NewCoordinator(cfg Config, reg Registry, balancer loadbalance.Balancer, logger *zap.Logger, opts ...Option) *Coordinator {
	if cfg.ReserveAttempts < 1 {
		cfg.ReserveAttempts = 1
	}
	c := &Coordinator{
		cfg:      cfg,
		registry: reg,
		balancer: balancer,
		logger:   logger.With(zap.String("component", "matchmaker")),
		now:      time.Now,
		table:    newReservationTable(),
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Join assigns the player to a backend, or fails with an *apperr.Error.
func (c *Coordinator) Join(ctx context.Context, req *message.JoinRequest) (*message.Assignment, error) {
	playerID, err := validate(req)
	if err != nil {
		return nil, err
	}

	s := c.table.shardFor(playerID)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := c.now()
	if r, ok := s.items[playerID]; ok {
		if !r.expired(now) {
			return assignment(r, true), nil
		}
		delete(s.items, playerID)
		c.registry.Release(r.BackendID)
		c.logger.Info("reservation expired", zap.String("player", playerID), zap.String("backend", r.BackendID))
	}

	for attempt := 1; attempt <= c.cfg.ReserveAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, apperr.Timeout(err)
		}

		snapshot := c.registry.Snapshot()
		backendID, err := c.balancer.Pick(snapshot, req.Version)
		if err != nil {
			return nil, err
		}
		if !c.registry.TryReserve(backendID) {
			c.logger.Debug("lost reservation race",
				zap.String("player", playerID),
				zap.String("backend", backendID),
				zap.Int("attempt", attempt))
			continue
		}

		r := Reservation{
			PlayerID:  playerID,
			BackendID: backendID,
			Address:   addressOf(snapshot, backendID),
			ExpiresAt: now.Add(c.cfg.ReservationTTL),
		}
		s.items[playerID] = r
		c.logger.Debug("reserved", zap.String("player", playerID), zap.String("backend", backendID))
		return assignment(r, false), nil
	}

	return nil, apperr.NoCapacity(fmt.Sprintf("no slot left after %d attempts", c.cfg.ReserveAttempts))
}

// validate returns the canonical form of the player id.
func validate(req *message.JoinRequest) (string, error) {
	if req.Version == 0 {
		return "", apperr.MissingVersion("version is required")
	}
	if req.Version < 0 || req.Version > message.MaxProtocolVersion {
		return "", apperr.MissingVersion(fmt.Sprintf("version %d out of range 1..%d", req.Version, message.MaxProtocolVersion))
	}
	id, err := message.NormalizePlayerID(req.PlayerID)
	if errors.Is(err, message.ErrEmptyPlayerID) {
		return "", apperr.MissingIdentity("player identity is required")
	}
	if err != nil {
		return "", apperr.New(apperr.KindMissingIdentity, "player identity is malformed", err)
	}
	return id, nil
}

func assignment(r Reservation, reused bool) *message.Assignment {
	return &message.Assignment{
		BackendID: r.BackendID,
		Address:   r.Address,
		ExpiresAt: r.ExpiresAt,
		Reused:    reused,
	}
}

func addressOf(snapshot []registry.BackendServer, id string) string {
	for _, s := range snapshot {
		if s.ID == id {
			return s.Addr
		}
	}
	return id
}

// canonical maps a backend-reported player id onto the reservation key.
func canonical(playerID string) string {
	if id, err := message.NormalizePlayerID(playerID); err == nil {
		return id
	}
	return playerID
}

// PlayerConnected confirms the player's reservation on backendID.
// Events for unknown, expired or foreign reservations are ignored; the next load
// report from the backend carries the real count.
func (c *Coordinator) PlayerConnected(backendID, playerID string) {
	playerID = canonical(playerID)
	s := c.table.shardFor(playerID)
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.items[playerID]
	if !ok || r.BackendID != backendID || r.expired(c.now()) {
		c.logger.Debug("ignored player connected", zap.String("player", playerID), zap.String("backend", backendID))
		return
	}
	delete(s.items, playerID)
	c.registry.Confirm(backendID)
	c.logger.Debug("reservation confirmed", zap.String("player", playerID), zap.String("backend", backendID))
}

// PlayerRejected releases the player's reservation on backendID immediately.
func (c *Coordinator) PlayerRejected(backendID, playerID string) {
	playerID = canonical(playerID)
	s := c.table.shardFor(playerID)
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.items[playerID]
	if !ok || r.BackendID != backendID {
		return
	}
	delete(s.items, playerID)
	c.registry.Release(backendID)
	c.logger.Info("reservation rejected", zap.String("player", playerID), zap.String("backend", backendID))
}

// DropBackend forgets every reservation on a backend that was removed from the
// registry, so retries are not sent to it. It returns the number dropped.
func (c *Coordinator) DropBackend(backendID string) int {
	dropped := 0
	c.table.each(func(s *shard) {
		for id, r := range s.items {
			if r.BackendID == backendID {
				delete(s.items, id)
				dropped++
			}
		}
	})
	return dropped
}

// Sweep releases every expired reservation and returns how many it released.
func (c *Coordinator) Sweep() int {
	now := c.now()
	released := 0
	c.table.each(func(s *shard) {
		for id, r := range s.items {
			if !r.expired(now) {
				continue
			}
			delete(s.items, id)
			c.registry.Release(r.BackendID)
			released++
			c.logger.Info("reservation expired", zap.String("player", id), zap.String("backend", r.BackendID))
		}
	})
	return released
}

// Lookup returns the player's reservation, expired or not.
func (c *Coordinator) Lookup(playerID string) (Reservation, bool) {
	playerID = canonical(playerID)
	s := c.table.shardFor(playerID)
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.items[playerID]
	return r, ok
}

// Pending returns the number of reservations not yet confirmed or released.
func (c *Coordinator) Pending() int {
	n := 0
	c.table.each(func(s *shard) { n += len(s.items) })
	return n
}

// Start runs the expiry sweeper until Stop is called.
func (c *Coordinator) Start() {
	if c.cfg.SweepInterval <= 0 {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-c.stop:
				return
			case <-ticker.C:
				c.Sweep()
			}
		}
	}()
}

// Stop ends the sweeper and waits for it. Safe to call more than once.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
	c.wg.Wait()
}
