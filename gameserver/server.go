// Package gameserver is a reference backend: a minimal game server that speaks
// the dispatcher's link protocol.
//
// It listens on two ports:
//
//	control  ← dispatcher links; the server pushes load reports every
//	           ReportInterval and a PlayerConnected / PlayerRejected event
//	           whenever a player is admitted or turned away.
//	game     ← players; one line "JOIN <player id> <version>" answered with
//	           "OK", "FULL", "VERSION" or "BAD". The player counts against
//	           capacity until it disconnects.
package gameserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"game-dispatcher/codec"
	"game-dispatcher/discovery"
	"game-dispatcher/message"
	"game-dispatcher/protocol"
	"game-dispatcher/transport"

	"go.uber.org/zap"
)

type Config struct {
	ControlAddr    string
	GameAddr       string
	PublicAddr     string // empty: ":<game port>", resolved by the dispatcher against our host
	Version        int
	Capacity       int
	ReportInterval time.Duration
	Codec          codec.CodecType

	// HeartbeatInterval is how often dispatchers send heartbeats. A link silent
	// for three intervals is closed. 0 disables the check.
	HeartbeatInterval time.Duration
}

// Registrar announces the server for discovery. *discovery.EtcdDiscovery implements it.
type Registrar interface {
	Register(ctx context.Context, inst discovery.Instance, ttl int64) error
	Deregister(ctx context.Context, addr string) error
}

// Server is the reference game server.
type Server struct {
	cfg    Config
	logger *zap.Logger

	control net.Listener
	game    net.Listener

	mu      sync.Mutex
	links   map[*transport.Sender]net.Conn // connected dispatchers
	players map[string]net.Conn            // admitted players by id

	registrar     Registrar // nil when not using discovery
	advertiseAddr string    // control address published in etcd
	leaseTTL      int64

	wg       sync.WaitGroup // accept loops, report loop and connection handlers
	shutdown atomic.Bool    // set before the listeners close, so Accept errors are expected
	stop     chan struct{}
	cancel   context.CancelFunc
}

func New(cfg Config, logger *zap.Logger) *Server {
	return &Server{
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "gameserver")),
		links:   make(map[*transport.Sender]net.Conn),
		players: make(map[string]net.Conn),
		stop:    make(chan struct{}),
	}
}

// UseRegistrar enables etcd self-registration under advertiseAddr, the control
// address dispatchers should dial. Call before Start.
func (s *Server) UseRegistrar(reg Registrar, advertiseAddr string, ttl int64) {
	s.registrar = reg
	s.advertiseAddr = advertiseAddr
	s.leaseTTL = ttl
}

// Start opens both listeners, registers with discovery if configured, and
// serves in the background until Shutdown.
func (s *Server) Start() error {
	control, err := net.Listen("tcp", s.cfg.ControlAddr)
	if err != nil {
		return fmt.Errorf("listen control %s: %w", s.cfg.ControlAddr, err)
	}
	game, err := net.Listen("tcp", s.cfg.GameAddr)
	if err != nil {
		control.Close()
		return fmt.Errorf("listen game %s: %w", s.cfg.GameAddr, err)
	}
	s.control, s.game = control, game

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	if s.registrar != nil {
		inst := discovery.Instance{Addr: s.advertiseAddr, PublicAddr: s.publicAddr(), Version: s.cfg.Version}
		if err := s.registrar.Register(ctx, inst, s.leaseTTL); err != nil {
			cancel()
			control.Close()
			game.Close()
			return fmt.Errorf("register: %w", err)
		}
	}

	s.wg.Add(3)
	go s.acceptLoop(control, s.handleLink)
	go s.acceptLoop(game, s.handlePlayer)
	go s.reportLoop()

	s.logger.Info("game server started",
		zap.Stringer("control", control.Addr()),
		zap.Stringer("game", game.Addr()),
		zap.Int("version", s.cfg.Version),
		zap.Int("capacity", s.cfg.Capacity))
	return nil
}

// ControlAddr returns the bound control address (useful with port 0).
func (s *Server) ControlAddr() string { return s.control.Addr().String() }

// GameAddr returns the bound game address.
func (s *Server) GameAddr() string { return s.game.Addr().String() }

// Players returns the number of admitted players.
func (s *Server) Players() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.players)
}

func (s *Server) publicAddr() string {
	if s.cfg.PublicAddr != "" {
		return s.cfg.PublicAddr
	}
	_, port, err := net.SplitHostPort(s.game.Addr().String())
	if err != nil {
		return ""
	}
	return ":" + port
}

func (s *Server) acceptLoop(ln net.Listener, handle func(net.Conn)) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if !s.shutdown.Load() {
				s.logger.Error("accept failed", zap.Stringer("addr", ln.Addr()), zap.Error(err))
			}
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			handle(conn)
		}()
	}
}

// handleLink serves one dispatcher: it gets a report right away, then the
// periodic ones. Incoming frames are heartbeats and only keep the read going.
func (s *Server) handleLink(conn net.Conn) {
	defer conn.Close()
	sender := transport.NewSender(conn, s.cfg.Codec, 5*time.Second)

	s.mu.Lock()
	s.links[sender] = conn
	report := s.reportLocked()
	s.mu.Unlock()

	log := s.logger.With(zap.Stringer("dispatcher", conn.RemoteAddr()))
	log.Info("dispatcher connected")
	defer func() {
		s.mu.Lock()
		delete(s.links, sender)
		s.mu.Unlock()
		log.Info("dispatcher disconnected")
	}()

	if err := sender.Send(protocol.MsgTypeReport, &report); err != nil {
		log.Warn("initial report failed", zap.Error(err))
		return
	}
	for {
		if s.cfg.HeartbeatInterval > 0 {
			conn.SetReadDeadline(time.Now().Add(3 * s.cfg.HeartbeatInterval))
		}
		if _, _, err := protocol.Decode(conn); err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				log.Warn("dispatcher silent, closing link")
			}
			return
		}
	}
}

func (s *Server) reportLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.ReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			report := s.reportLocked()
			s.mu.Unlock()
			s.broadcast(protocol.MsgTypeReport, &report)
		}
	}
}

func (s *Server) reportLocked() message.LoadReport {
	return message.LoadReport{
		ProtocolVersion: s.cfg.Version,
		PlayerCount:     len(s.players),
		Capacity:        s.cfg.Capacity,
		PublicAddr:      s.publicAddr(),
	}
}

// broadcast sends one frame to every connected dispatcher. A failed write closes
// that link; the dispatcher reconnects on its own.
func (s *Server) broadcast(msgType protocol.MsgType, v any) {
	s.mu.Lock()
	senders := make(map[*transport.Sender]net.Conn, len(s.links))
	for sender, conn := range s.links {
		senders[sender] = conn
	}
	s.mu.Unlock()

	for sender, conn := range senders {
		if err := sender.Send(msgType, v); err != nil {
			s.logger.Warn("send to dispatcher failed",
				zap.Stringer("dispatcher", conn.RemoteAddr()),
				zap.Stringer("type", msgType),
				zap.Error(err))
			conn.Close()
		}
	}
}

// Shutdown performs graceful shutdown:
//  1. Set the shutdown flag, so Accept errors are expected
//  2. Deregister from etcd, then close both listeners
//  3. Close dispatcher links and player connections
//  4. Wait for every goroutine, up to timeout
func (s *Server) Shutdown(timeout time.Duration) error {
	if !s.shutdown.CompareAndSwap(false, true) {
		return nil
	}

	var errs []error
	if s.registrar != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := s.registrar.Deregister(ctx, s.advertiseAddr); err != nil {
			errs = append(errs, fmt.Errorf("deregister: %w", err))
		}
		cancel()
	}

	close(s.stop)
	if s.cancel != nil {
		s.cancel()
	}
	s.control.Close()
	s.game.Close()

	s.mu.Lock()
	for _, conn := range s.links {
		conn.Close()
	}
	for _, conn := range s.players {
		conn.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		errs = append(errs, errors.New("timeout waiting for connections to close"))
	}
	return errors.Join(errs...)
}
