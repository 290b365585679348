package codec

import (
	"encoding/binary"
	"errors"
	"fmt"

	"game-dispatcher/message"
)

var errShortBuffer = errors.New("BinaryCodec: short buffer")

// BinaryCodec is a fixed-layout encoding.
//
//	LoadReport:  version u16 | players u32 | capacity u32 | addrLen u16 | addr
//	PlayerEvent: idLen u16 | id
type BinaryCodec struct{}

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	switch msg := v.(type) {
	case *message.LoadReport:
		if msg.ProtocolVersion < 0 || msg.ProtocolVersion > 0xFFFF || msg.PlayerCount < 0 || msg.Capacity < 0 {
			return nil, fmt.Errorf("BinaryCodec: report field out of range: %+v", *msg)
		}
		if len(msg.PublicAddr) > 0xFFFF {
			return nil, errors.New("BinaryCodec: public address too long")
		}
		buf := make([]byte, 2+4+4+2+len(msg.PublicAddr))
		binary.BigEndian.PutUint16(buf[0:2], uint16(msg.ProtocolVersion))
		binary.BigEndian.PutUint32(buf[2:6], uint32(msg.PlayerCount))
		binary.BigEndian.PutUint32(buf[6:10], uint32(msg.Capacity))
		binary.BigEndian.PutUint16(buf[10:12], uint16(len(msg.PublicAddr)))
		copy(buf[12:], msg.PublicAddr)
		return buf, nil

	case *message.PlayerEvent:
		if len(msg.PlayerID) > 0xFFFF {
			return nil, errors.New("BinaryCodec: player id too long")
		}
		buf := make([]byte, 2+len(msg.PlayerID))
		binary.BigEndian.PutUint16(buf[0:2], uint16(len(msg.PlayerID)))
		copy(buf[2:], msg.PlayerID)
		return buf, nil
	}
	return nil, fmt.Errorf("BinaryCodec: unsupported type %T", v)
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	switch msg := v.(type) {
	case *message.LoadReport:
		if len(data) < 12 {
			return errShortBuffer
		}
		addrLen := int(binary.BigEndian.Uint16(data[10:12]))
		if len(data) != 12+addrLen {
			return fmt.Errorf("BinaryCodec: report length %d, want %d", len(data), 12+addrLen)
		}
		msg.ProtocolVersion = int(binary.BigEndian.Uint16(data[0:2]))
		msg.PlayerCount = int(binary.BigEndian.Uint32(data[2:6]))
		msg.Capacity = int(binary.BigEndian.Uint32(data[6:10]))
		msg.PublicAddr = string(data[12:])
		return nil

	case *message.PlayerEvent:
		if len(data) < 2 {
			return errShortBuffer
		}
		idLen := int(binary.BigEndian.Uint16(data[0:2]))
		if len(data) != 2+idLen {
			return fmt.Errorf("BinaryCodec: event length %d, want %d", len(data), 2+idLen)
		}
		msg.PlayerID = string(data[2:])
		return nil
	}
	return fmt.Errorf("BinaryCodec: unsupported type %T", v)
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}
