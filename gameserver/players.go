package gameserver

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"game-dispatcher/message"
	"game-dispatcher/protocol"

	"go.uber.org/zap"
)

// Replies on the game port.
const (
	ReplyOK      = "OK"
	ReplyFull    = "FULL"
	ReplyVersion = "VERSION"
	ReplyBad     = "BAD"
)

const handshakeTimeout = 10 * time.Second

// handlePlayer runs the game-port handshake and holds the slot until the player
// disconnects.
func (s *Server) handlePlayer(conn net.Conn) {
	defer conn.Close()
	log := s.logger.With(zap.Stringer("remote", conn.RemoteAddr()))

	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		log.Debug("handshake read failed", zap.Error(err))
		return
	}
	conn.SetReadDeadline(time.Time{})

	playerID, version, err := parseJoin(line)
	if err != nil {
		log.Debug("bad handshake", zap.Error(err))
		fmt.Fprintln(conn, ReplyBad)
		return
	}

	if reply := s.admit(playerID, version, conn); reply != ReplyOK {
		s.broadcast(protocol.MsgTypePlayerRejected, &message.PlayerEvent{PlayerID: playerID})
		log.Info("player rejected", zap.String("player", playerID), zap.String("reason", reply))
		fmt.Fprintln(conn, reply)
		return
	}
	s.broadcast(protocol.MsgTypePlayerConnected, &message.PlayerEvent{PlayerID: playerID})
	log.Info("player connected", zap.String("player", playerID))

	if _, err := fmt.Fprintln(conn, ReplyOK); err == nil {
		// Anything the player sends is ignored; EOF or an error ends the session.
		io.Copy(io.Discard, conn)
	}
	s.leave(playerID, conn)
	log.Info("player left", zap.String("player", playerID))
}

// parseJoin reads "JOIN <player id> <version>".
func parseJoin(line string) (string, int, error) {
	fields := strings.Fields(line)
	if len(fields) != 3 || fields[0] != "JOIN" {
		return "", 0, fmt.Errorf("want JOIN <player id> <version>, got %q", strings.TrimSpace(line))
	}
	id, err := message.NormalizePlayerID(fields[1])
	if err != nil {
		return "", 0, fmt.Errorf("player id: %w", err)
	}
	version, err := strconv.Atoi(fields[2])
	if err != nil {
		return "", 0, fmt.Errorf("version: %w", err)
	}
	return id, version, nil
}

func (s *Server) admit(playerID string, version int, conn net.Conn) string {
	if version != s.cfg.Version {
		return ReplyVersion
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.players[playerID]; dup {
		return ReplyBad
	}
	if len(s.players) >= s.cfg.Capacity {
		return ReplyFull
	}
	s.players[playerID] = conn
	return ReplyOK
}

// leave frees the slot and pushes a fresh report so dispatchers see it early.
func (s *Server) leave(playerID string, conn net.Conn) {
	s.mu.Lock()
	if s.players[playerID] == conn {
		delete(s.players, playerID)
	}
	report := s.reportLocked()
	s.mu.Unlock()
	s.broadcast(protocol.MsgTypeReport, &report)
}
