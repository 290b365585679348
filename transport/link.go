// Package transport implements the dispatcher's long-lived connection to one backend.
//
// A Link dials the backend, then runs a read loop that decodes the frames the
// backend pushes (load reports and player events) and writes them into the
// registry. A second goroutine writes heartbeats back. Any read or decode error
// marks the backend Unreachable, closes the connection and schedules a reconnect;
// a link retries forever until its context is cancelled.
//
//	      ┌──────────── dial ok ───────────┐
//	      ▼                                │
//	 Connecting ──dial ok──► Live ──error──► Backoff
//	      ▲                                   │
//	      └────────────── delay ──────────────┘
package transport

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"game-dispatcher/apperr"
	"game-dispatcher/codec"
	"game-dispatcher/message"
	"game-dispatcher/protocol"

	"go.uber.org/zap"
)

// LinkState is the local state of a Link's connection loop.
type LinkState int32

const (
	LinkConnecting LinkState = iota
	LinkLive
	LinkBackoff
)

func (s LinkState) String() string {
	switch s {
	case LinkConnecting:
		return "connecting"
	case LinkLive:
		return "live"
	case LinkBackoff:
		return "backoff"
	}
	return fmt.Sprintf("linkstate(%d)", int32(s))
}

// Store is the part of the registry a link writes to.
type Store interface {
	MarkConnecting(id string)
	MarkLive(id string)
	Upsert(id string, report message.LoadReport)
	MarkUnreachable(id string)
}

// EventHandler receives player events relayed from a backend, in arrival order.
type EventHandler interface {
	PlayerConnected(backendID, playerID string)
	PlayerRejected(backendID, playerID string)
}

// LinkConfig holds the timing parameters shared by every link.
type LinkConfig struct {
	DialTimeout       time.Duration
	ReadTimeout       time.Duration // no frame for this long fails the read; normally the stale window
	WriteTimeout      time.Duration
	HeartbeatInterval time.Duration // 0 disables dispatcher → backend heartbeats
	Codec             codec.CodecType
	Backoff           Backoff
}

// Link owns the connection to one backend identified by its host:port.
type Link struct {
	id     string
	cfg    LinkConfig
	store  Store
	events EventHandler
	logger *zap.Logger

	state   atomic.Int32
	reports atomic.Uint64
}

// NewLink creates a link; call Run to start it. events may be nil.
func NewLink(id string, cfg LinkConfig, store Store, events EventHandler, logger *zap.Logger) *Link {
	return &Link{
		id:     id,
		cfg:    cfg,
		store:  store,
		events: events,
		logger: logger.With(zap.String("component", "link"), zap.String("backend", id)),
	}
}

func (l *Link) ID() string { return l.id }

func (l *Link) State() LinkState { return LinkState(l.state.Load()) }

// Reports returns the number of load reports accepted since the link started.
func (l *Link) Reports() uint64 { return l.reports.Load() }

func (l *Link) setState(s LinkState) {
	if LinkState(l.state.Swap(int32(s))) != s {
		l.logger.Debug("link state", zap.Stringer("state", s))
	}
}

// Run connects and reconnects until ctx is cancelled, then returns ctx.Err().
// The backoff attempt counter resets once a connection delivered a valid report.
func (l *Link) Run(ctx context.Context) error {
	attempt := 0
	for {
		l.setState(LinkConnecting)
		l.store.MarkConnecting(l.id)

		conn, err := l.dial(ctx)
		if err == nil {
			l.store.MarkLive(l.id)
			l.setState(LinkLive)
			l.logger.Info("link live")

			var reported bool
			reported, err = l.serve(ctx, conn)
			l.store.MarkUnreachable(l.id)
			if reported {
				attempt = 0
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		delay := l.cfg.Backoff.Delay(attempt)
		attempt++
		l.setState(LinkBackoff)
		l.logger.Warn("link down",
			zap.Error(apperr.BackendUnreachable(l.id, err)),
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", delay))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (l *Link) dial(ctx context.Context) (net.Conn, error) {
	d := net.Dialer{Timeout: l.cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", l.id)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", l.id, err)
	}
	return conn, nil
}

// serve runs the read loop on an established connection until it fails.
// Frames are handled one at a time, so per-backend ordering is preserved.
func (l *Link) serve(ctx context.Context, conn net.Conn) (reported bool, err error) {
	done := make(chan struct{})
	defer conn.Close()
	defer close(done)

	// Unblock the read loop on shutdown.
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	sender := NewSender(conn, l.cfg.Codec, l.cfg.WriteTimeout)
	go l.heartbeatLoop(sender, conn, done)

	for {
		if l.cfg.ReadTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(l.cfg.ReadTimeout))
		}
		header, body, err := protocol.Decode(conn)
		if err != nil {
			if ctx.Err() != nil {
				return reported, ctx.Err()
			}
			return reported, fmt.Errorf("read frame: %w", err)
		}
		if err := l.handle(header, body); err != nil {
			return reported, err
		}
		if header.MsgType == protocol.MsgTypeReport {
			reported = true
		}
	}
}

func (l *Link) handle(header *protocol.Header, body []byte) error {
	cdc := codec.GetCodec(codec.CodecType(header.CodecType))

	switch header.MsgType {
	case protocol.MsgTypeReport:
		var report message.LoadReport
		if err := cdc.Decode(body, &report); err != nil {
			return fmt.Errorf("decode report seq=%d: %w", header.Seq, err)
		}
		if err := report.Validate(); err != nil {
			return fmt.Errorf("invalid report seq=%d: %w", header.Seq, err)
		}
		l.store.Upsert(l.id, report)
		l.reports.Add(1)

	case protocol.MsgTypePlayerConnected, protocol.MsgTypePlayerRejected:
		var event message.PlayerEvent
		if err := cdc.Decode(body, &event); err != nil {
			return fmt.Errorf("decode %s seq=%d: %w", header.MsgType, header.Seq, err)
		}
		if err := event.Validate(); err != nil {
			return fmt.Errorf("invalid %s seq=%d: %w", header.MsgType, header.Seq, err)
		}
		if l.events == nil {
			return nil
		}
		if header.MsgType == protocol.MsgTypePlayerConnected {
			l.events.PlayerConnected(l.id, event.PlayerID)
		} else {
			l.events.PlayerRejected(l.id, event.PlayerID)
		}

	case protocol.MsgTypeHeartbeat:
		// Only refreshes the read deadline.
	}
	return nil
}

// heartbeatLoop lets the backend notice a dead dispatcher. A failed write closes
// the connection, which in turn fails the read loop.
func (l *Link) heartbeatLoop(sender *Sender, conn net.Conn, done <-chan struct{}) {
	if l.cfg.HeartbeatInterval <= 0 {
		return
	}
	ticker := time.NewTicker(l.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := sender.Send(protocol.MsgTypeHeartbeat, nil); err != nil {
				l.logger.Debug("heartbeat failed", zap.Error(err))
				conn.Close()
				return
			}
		}
	}
}
