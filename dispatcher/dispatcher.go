// Package dispatcher wires the registry, the backend links and the join
// coordinator into one running service.
//
//	static backends ─┐                      ┌──► Link ──► game server A
//	                 ├──► AddBackend ──────►├──► Link ──► game server B
//	etcd watch ──────┘                      └──► ...
//	                        │ reports / player events
//	                        ▼
//	HTTP /join ──► middleware ──► Coordinator ──► Registry
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"game-dispatcher/apperr"
	"game-dispatcher/codec"
	"game-dispatcher/config"
	"game-dispatcher/discovery"
	"game-dispatcher/loadbalance"
	"game-dispatcher/matchmaker"
	"game-dispatcher/message"
	"game-dispatcher/middleware"
	"game-dispatcher/registry"
	"game-dispatcher/transport"

	"go.uber.org/zap"
)

// Discoverer finds game servers. *discovery.EtcdDiscovery implements it.
type Discoverer interface {
	Discover(ctx context.Context) ([]discovery.Instance, error)
	Watch(ctx context.Context) <-chan discovery.Event
}

type runningLink struct {
	link   *transport.Link
	cancel context.CancelFunc
	done   chan struct{}
}

type Dispatcher struct {
	cfg      *config.Config
	logger   *zap.Logger
	registry *registry.Registry
	coord    *matchmaker.Coordinator
	join     middleware.HandlerFunc
	linkCfg  transport.LinkConfig
	disc     Discoverer
	now      func() time.Time

	mu    sync.Mutex
	links map[string]*runningLink

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Option func(*Dispatcher)

// WithDiscovery adds backends announced through disc.
func WithDiscovery(disc Discoverer) Option {
	return func(d *Dispatcher) { d.disc = disc }
}

// WithClock replaces time.Now in the registry and the coordinator.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

func New(cfg *config.Config, logger *zap.Logger, opts ...Option) (*Dispatcher, error) {
	ct, err := codec.ParseCodecType(cfg.Link.Codec)
	if err != nil {
		return nil, err
	}

	d := &Dispatcher{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "dispatcher")),
		links:  make(map[string]*runningLink),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}

	d.registry = registry.New(cfg.StaleAfter(), registry.WithClock(d.now))
	d.coord = matchmaker.NewCoordinator(matchmaker.Config{
		ReservationTTL:  cfg.Reservation.TTL,
		ReserveAttempts: cfg.Reservation.Attempts,
		SweepInterval:   cfg.Reservation.SweepInterval,
	}, d.registry, loadbalance.LeastLoaded{}, logger, matchmaker.WithClock(d.now))

	d.linkCfg = transport.LinkConfig{
		DialTimeout:       cfg.Link.DialTimeout,
		ReadTimeout:       cfg.StaleAfter(),
		WriteTimeout:      cfg.Link.WriteTimeout,
		HeartbeatInterval: cfg.Link.HeartbeatInterval,
		Codec:             ct,
		Backoff: transport.Backoff{
			Base:   cfg.Link.Backoff.Base,
			Max:    cfg.Link.Backoff.Max,
			Jitter: cfg.Link.Backoff.Jitter,
		},
	}

	mws := []middleware.Middleware{middleware.LoggingMiddleware(logger.With(zap.String("component", "join")))}
	if cfg.RateLimit.RPS > 0 {
		mws = append(mws, middleware.RateLimitMiddleware(cfg.RateLimit.RPS, cfg.RateLimit.Burst))
	}
	mws = append(mws, middleware.TimeOutMiddleware(cfg.JoinTimeout))
	d.join = middleware.Chain(mws...)(d.coord.Join)

	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d, nil
}

// Start launches the reservation sweeper, a link per static backend and, when
// configured, the discovery watch.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.coord.Start()
	for _, id := range d.cfg.Backends {
		d.AddBackend(id)
	}
	if d.disc == nil {
		return nil
	}

	// Watch before listing, so nothing announced in between is missed.
	events := d.disc.Watch(d.ctx)
	instances, err := d.disc.Discover(ctx)
	if err != nil {
		return fmt.Errorf("discover backends: %w", err)
	}
	for _, inst := range instances {
		d.AddBackend(inst.Addr)
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for ev := range events {
			switch ev.Type {
			case discovery.EventPut:
				d.AddBackend(ev.Instance.Addr)
			case discovery.EventDelete:
				if d.StopLink(ev.Instance.Addr) {
					d.logger.Info("backend withdrawn", zap.String("backend", ev.Instance.Addr))
				}
			}
		}
	}()
	return nil
}

// AddBackend starts a link to id unless one is already running.
func (d *Dispatcher) AddBackend(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.links[id]; ok || d.ctx.Err() != nil {
		return false
	}

	ctx, cancel := context.WithCancel(d.ctx)
	rl := &runningLink{
		link:   transport.NewLink(id, d.linkCfg, d.registry, d.coord, d.logger),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	d.links[id] = rl

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer close(rl.done)
		rl.link.Run(ctx)
	}()
	d.logger.Info("backend added", zap.String("backend", id))
	return true
}

// StopLink stops the link to id and waits for it. The registry entry stays,
// marked Unreachable.
func (d *Dispatcher) StopLink(id string) bool {
	d.mu.Lock()
	rl, ok := d.links[id]
	delete(d.links, id)
	d.mu.Unlock()
	if !ok {
		return false
	}
	rl.cancel()
	<-rl.done
	return true
}

// RemoveBackend is the administrative removal: it stops the link, deletes the
// registry entry and forgets reservations on it.
func (d *Dispatcher) RemoveBackend(id string) error {
	stopped := d.StopLink(id)
	removed := d.registry.Remove(id)
	if !stopped && !removed {
		return apperr.NotFound(fmt.Sprintf("backend %s not found", id))
	}
	dropped := d.coord.DropBackend(id)
	d.logger.Info("backend removed", zap.String("backend", id), zap.Int("dropped_reservations", dropped))
	return nil
}

// Join runs a join request through the middleware chain and the coordinator.
func (d *Dispatcher) Join(ctx context.Context, req *message.JoinRequest) (*message.Assignment, error) {
	return d.join(ctx, req)
}

// Servers returns the registry snapshot.
func (d *Dispatcher) Servers() []registry.BackendServer {
	return d.registry.Snapshot()
}

type Stats struct {
	Backends     int `json:"backends"`
	Selectable   int `json:"selectable"`
	Links        int `json:"links"`
	Reservations int `json:"reservations"`
}

func (d *Dispatcher) Stats() Stats {
	st := Stats{Reservations: d.coord.Pending()}
	for _, s := range d.registry.Snapshot() {
		st.Backends++
		if s.Selectable() {
			st.Selectable++
		}
	}
	d.mu.Lock()
	st.Links = len(d.links)
	d.mu.Unlock()
	return st
}

// LinkState reports the state of the link to id, if one is running.
func (d *Dispatcher) LinkState(id string) (transport.LinkState, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rl, ok := d.links[id]
	if !ok {
		return 0, false
	}
	return rl.link.State(), true
}

// Close stops every link, the discovery watch and the sweeper.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.cancel()
	d.mu.Unlock()
	d.wg.Wait()
	d.coord.Stop()
}
