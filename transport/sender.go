package transport

import (
	"net"
	"sync"
	"time"

	"game-dispatcher/codec"
	"game-dispatcher/protocol"
)

// Sender writes frames onto one connection shared by several goroutines.
//
// The whole frame (header + body) is written under the lock; without it, a
// heartbeat could land between another frame's header and body.
type Sender struct {
	conn         net.Conn
	codec        codec.Codec
	writeTimeout time.Duration

	mu  sync.Mutex
	seq uint32 // protected by mu
}

// NewSender wraps conn. A zero writeTimeout disables write deadlines.
func NewSender(conn net.Conn, ct codec.CodecType, writeTimeout time.Duration) *Sender {
	return &Sender{conn: conn, codec: codec.GetCodec(ct), writeTimeout: writeTimeout}
}

// Send encodes v with the sender's codec and writes one frame. A nil v sends an
// empty body, as heartbeats do.
func (s *Sender) Send(msgType protocol.MsgType, v any) error {
	var body []byte
	if v != nil {
		var err error
		if body, err = s.codec.Encode(v); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	if s.writeTimeout > 0 {
		s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	header := protocol.Header{
		CodecType: byte(s.codec.Type()),
		MsgType:   msgType,
		Seq:       s.seq,
	}
	return protocol.Encode(s.conn, &header, body)
}
