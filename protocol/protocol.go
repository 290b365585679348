// Package protocol implements the binary frame used on a backend link.
//
// A game server pushes frames to the dispatcher over one long-lived TCP connection;
// the dispatcher only writes heartbeats back. A fixed 14-byte header is followed by a
// variable-length body, so the reader always knows how many bytes belong to a frame.
//
// Frame format:
//
//	0      3  4  5  6         10        14
//	┌──────┬──┬──┬──┬─────────┬─────────┬───────────────┐
//	│magic │v │ct│mt│   seq   │ bodyLen │    body ...    │
//	│ gsd  │01│  │  │ uint32  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴──┴─────────┴─────────┴───────────────┘
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Magic bytes "gsd" (game server dispatch). Anything else on the socket is rejected.
const (
	MagicNumber byte = 0x67 // 'g'
	MagicByte2  byte = 0x73 // 's'
	MagicByte3  byte = 0x64 // 'd'
	Version     byte = 0x01
	HeaderSize  int  = 14 // 3 (magic) + 1 (version) + 1 (codec) + 1 (msgType) + 4 (seq) + 4 (bodyLen)

	// MaxBodyLen bounds the allocation made for a single frame body.
	MaxBodyLen uint32 = 64 * 1024
)

// MsgType distinguishes the frames a link carries.
type MsgType byte

const (
	MsgTypeReport          MsgType = 0 // Game server → dispatcher: message.LoadReport
	MsgTypePlayerConnected MsgType = 1 // Game server → dispatcher: message.PlayerEvent
	MsgTypePlayerRejected  MsgType = 2 // Game server → dispatcher: message.PlayerEvent
	MsgTypeHeartbeat       MsgType = 3 // Either direction, no body
)

func (t MsgType) String() string {
	switch t {
	case MsgTypeReport:
		return "report"
	case MsgTypePlayerConnected:
		return "player_connected"
	case MsgTypePlayerRejected:
		return "player_rejected"
	case MsgTypeHeartbeat:
		return "heartbeat"
	}
	return fmt.Sprintf("msgtype(%d)", byte(t))
}

// Codec type constants, mirrored from codec package to avoid circular import.
const (
	CodecTypeJSON   byte = 0
	CodecTypeBinary byte = 1
)

// Header is the fixed 14-byte frame header.
type Header struct {
	CodecType byte    // Serialization format: 0=JSON, 1=Binary
	MsgType   MsgType // Report, PlayerConnected, PlayerRejected or Heartbeat
	Seq       uint32  // Per-link sequence number, increases by one per frame
	BodyLen   uint32  // Body length in bytes
}

// Encode writes a complete frame (header + body) to w.
// Callers sharing w between goroutines must serialize calls.
func Encode(w io.Writer, h *Header, body []byte) error {
	if uint32(len(body)) > MaxBodyLen {
		return fmt.Errorf("body too large: %d bytes", len(body))
	}
	buf := make([]byte, HeaderSize+len(body))

	copy(buf[0:3], []byte{MagicNumber, MagicByte2, MagicByte3})
	buf[3] = Version
	buf[4] = h.CodecType
	buf[5] = byte(h.MsgType)
	binary.BigEndian.PutUint32(buf[6:10], h.Seq)
	binary.BigEndian.PutUint32(buf[10:14], uint32(len(body)))
	copy(buf[HeaderSize:], body)

	// One Write per frame so a heartbeat never lands between a header and its body.
	_, err := w.Write(buf)
	return err
}

// Decode reads a complete frame (header + body) from r.
// It validates the magic number, version, codec type, message type and body length.
func Decode(r io.Reader) (*Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}

	if headerBuf[0] != MagicNumber || headerBuf[1] != MagicByte2 || headerBuf[2] != MagicByte3 {
		return nil, nil, fmt.Errorf("invalid magic number: %x", headerBuf[0:3])
	}

	if headerBuf[3] != Version {
		return nil, nil, fmt.Errorf("unsupported version: %d", headerBuf[3])
	}

	if headerBuf[4] != CodecTypeJSON && headerBuf[4] != CodecTypeBinary {
		return nil, nil, fmt.Errorf("unsupported codec type: %d", headerBuf[4])
	}

	msgType := MsgType(headerBuf[5])
	if msgType > MsgTypeHeartbeat {
		return nil, nil, fmt.Errorf("unsupported message type: %d", headerBuf[5])
	}

	seq := binary.BigEndian.Uint32(headerBuf[6:10])
	bodyLen := binary.BigEndian.Uint32(headerBuf[10:14])
	if bodyLen > MaxBodyLen {
		return nil, nil, fmt.Errorf("body too large: %d bytes", bodyLen)
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}

	return &Header{
		CodecType: headerBuf[4],
		MsgType:   msgType,
		Seq:       seq,
		BodyLen:   bodyLen,
	}, body, nil
}
