package message

import (
	"errors"
	"fmt"
	"math"
	"unicode"

	"github.com/google/uuid"
)

const (
	// MaxProtocolVersion is the largest version a client or server may declare.
	MaxProtocolVersion = 255
	// MaxCapacity bounds a reported capacity so load ratios compare without overflow.
	MaxCapacity = math.MaxUint16
	// MaxPlayerIDLen is the longest player identity accepted, in bytes.
	MaxPlayerIDLen = 128
)

var ErrEmptyPlayerID = errors.New("empty player id")

// Validate rejects reports that would break the registry's invariants.
func (r LoadReport) Validate() error {
	if r.ProtocolVersion < 1 || r.ProtocolVersion > MaxProtocolVersion {
		return fmt.Errorf("protocol version %d out of range 1..%d", r.ProtocolVersion, MaxProtocolVersion)
	}
	if r.Capacity < 0 || r.PlayerCount < 0 {
		return fmt.Errorf("negative load: players=%d capacity=%d", r.PlayerCount, r.Capacity)
	}
	if r.Capacity > MaxCapacity {
		return fmt.Errorf("capacity %d exceeds %d", r.Capacity, MaxCapacity)
	}
	if r.PlayerCount > r.Capacity {
		return fmt.Errorf("player count %d exceeds capacity %d", r.PlayerCount, r.Capacity)
	}
	return nil
}

func (e PlayerEvent) Validate() error {
	_, err := NormalizePlayerID(e.PlayerID)
	return err
}

// NormalizePlayerID checks a player identity and returns its canonical form.
// Any printable token without spaces is accepted; UUIDs are lowercased so that
// case variants share one reservation.
func NormalizePlayerID(id string) (string, error) {
	if id == "" {
		return "", ErrEmptyPlayerID
	}
	if len(id) > MaxPlayerIDLen {
		return "", fmt.Errorf("player id longer than %d bytes", MaxPlayerIDLen)
	}
	for _, r := range id {
		if r == unicode.ReplacementChar || unicode.IsSpace(r) || !unicode.IsPrint(r) {
			return "", fmt.Errorf("player id contains %q", r)
		}
	}
	if u, err := uuid.Parse(id); err == nil {
		return u.String(), nil
	}
	return id, nil
}
